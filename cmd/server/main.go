package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jubok/foundation-backend/docs"
	"github.com/jubok/foundation-backend/internal/database"
	mW "github.com/jubok/foundation-backend/internal/middleware"
	"github.com/jubok/foundation-backend/internal/models"
	"github.com/jubok/foundation-backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Foundation Backend API
// @version 1.0
// @description API for donation foundation fund management
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("gateway.webhook_secret", "GATEWAY_WEBHOOK_SECRET")
	viper.BindEnv("gateway.checkout_url", "GATEWAY_CHECKOUT_URL")
	viper.BindEnv("gateway.success_redirect", "GATEWAY_SUCCESS_REDIRECT")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Foundation Backend API"
	docs.SwaggerInfo.Description = "API for donation foundation fund management"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerService := services.NewFundLedgerService(db, redisClient)
	userService := services.NewUserService(db)
	publisher := services.NewRedisPublisher(redisClient)
	notificationService := services.NewNotificationService(db, publisher)
	paymentService := services.NewPaymentService(db, ledgerService, userService, notificationService)
	expenseService := services.NewExpenseService(db, ledgerService, notificationService)
	authService := services.NewAuthService(db, redisClient)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Static file server for expense evidence images
	r.Handle("/static/evidence/*", http.StripPrefix("/static/evidence/",
		mW.StaticFileServer("./static/evidence")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Gateway callbacks authenticate with an HMAC signature, not a JWT
		r.Post("/payments/gateway/ipn", paymentService.GatewayIPN)
		r.Post("/payments/gateway/success", paymentService.GatewaySuccess)
		r.Post("/payments/gateway/fail", paymentService.GatewayFail)
		r.Post("/payments/gateway/cancel", paymentService.GatewayCancel)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/users/me", userService.GetProfile)

			r.Get("/funds/summary", ledgerService.GetSummary)
			r.Get("/funds/history", ledgerService.GetHistory)

			r.Post("/payments/initiate", paymentService.InitiatePayment)
			r.Get("/payments/my", paymentService.GetMyPayments)
			r.Get("/payments/{paymentId}", paymentService.GetPayment)
			r.Get("/payments/{paymentId}/qr", paymentService.CheckoutQR)

			r.Get("/notifications", notificationService.ListNotifications)
			r.Patch("/notifications/{id}/read", notificationService.MarkRead)
			r.Patch("/notifications/read-all", notificationService.MarkAllRead)

			// Staff endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))

				r.Post("/funds/transaction", ledgerService.AddTransaction)
				r.Get("/payments", paymentService.ListPayments)
				r.Post("/payments/{paymentId}/approve", paymentService.ApprovePayment)

				r.Get("/expenses", expenseService.ListExpenses)
				r.Post("/expenses", expenseService.SubmitExpense)
				r.Post("/expenses/{requestId}/approve", expenseService.ApproveExpense)
				r.Post("/expenses/{requestId}/reject", expenseService.RejectExpense)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
