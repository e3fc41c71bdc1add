package services

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jubok/foundation-backend/internal/models"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *ValidationHelper
}

// LoginRequest represents the login request payload
// @Description Login request structure
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email" example:"user@example.com"` // User email address
	Password string `json:"password" validate:"required,min=6" example:"password123"`   // User password
}

// RegisterRequest represents the registration request payload
// @Description Registration request structure
type RegisterRequest struct {
	Name     string `json:"name" validate:"required,min=2" example:"Jane Doe"`          // Full name
	Email    string `json:"email" validate:"required,email" example:"user@example.com"` // User email address
	Password string `json:"password" validate:"required,min=6" example:"password123"`   // User password
	Phone    string `json:"phone" validate:"omitempty,max=20" example:"+8801712345678"` // Phone number
}

// AuthResponse represents the authentication response
// @Description Authentication response structure
type AuthResponse struct {
	Token string      `json:"token" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."` // JWT token
	User  models.User `json:"user"`                                                    // User information
}

func NewAuthService(db *sql.DB, redisClient *redis.Client) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		validator: NewValidationHelper(),
	}
}

// Register handles user registration
// @Summary Register a new user
// @Description Register a new account; new users start as GUEST/PENDING until a membership payment completes
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 200 {object} AuthResponse "Registration successful"
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auth/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", r.RemoteAddr)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req RegisterRequest
	if err := dec.Decode(&req); err != nil {
		log.Printf("[AUTH] Registration failed - invalid request: %v", err)
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		log.Printf("[AUTH] Multiple JSON objects detected")
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		log.Printf("[AUTH] Registration validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	user := models.User{
		Name:   req.Name,
		Email:  strings.ToLower(req.Email),
		Phone:  req.Phone,
		Role:   models.RoleGuest,
		Status: models.StatusPending,
	}

	err = s.db.QueryRow(`
		INSERT INTO users (name, email, phone, password, role, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, created_at`,
		user.Name, user.Email, user.Phone, hashedPassword, user.Role, user.Status).
		Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		log.Printf("[AUTH] User creation failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Email Already Exists", http.StatusConflict, nil)
		return
	}

	log.Printf("[AUTH] User created successfully - ID: %d, Email: %s", user.ID, user.Email)

	token, err := generateJWT(user.ID, user.Role)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %d: %v", user.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, AuthResponse{Token: token, User: user})
}

// Login handles user authentication
// @Summary Login user
// @Description Authenticate user with email and password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse "Login successful"
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req LoginRequest
	if err := dec.Decode(&req); err != nil {
		log.Printf("[AUTH] Login failed - invalid request: %v", err)
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		log.Printf("[AUTH] Multiple JSON objects detected")
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		log.Printf("[AUTH] Login validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var user models.User
	var phone sql.NullString
	var hashedPassword string
	err := s.db.QueryRow(`
		SELECT id, name, email, phone, password, role, status, created_at
		FROM users WHERE email = $1`, strings.ToLower(req.Email)).
		Scan(&user.ID, &user.Name, &user.Email, &phone, &hashedPassword,
			&user.Role, &user.Status, &user.CreatedAt)
	if err != nil {
		log.Printf("[AUTH] User not found for email: %s", req.Email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}
	user.Phone = phone.String

	if !verifyPassword(req.Password, hashedPassword) {
		log.Printf("[AUTH] Invalid password for user: %s", req.Email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if user.Status == models.StatusSuspended {
		log.Printf("[AUTH] Login rejected for suspended user %d", user.ID)
		SendErrorResponse(w, "Account suspended", http.StatusForbidden, nil)
		return
	}

	if _, err := s.db.Exec(`UPDATE users SET last_login = NOW() WHERE id = $1`, user.ID); err != nil {
		log.Printf("[AUTH] Failed to record last login for user %d: %v", user.ID, err)
	}

	token, err := generateJWT(user.ID, user.Role)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %d: %v", user.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Login successful for user %d", user.ID)
	WriteJSON(w, http.StatusOK, AuthResponse{Token: token, User: user})
}

// Logout handles user logout
// @Summary Logout user
// @Description Logout user and blacklist token
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string "Logout successful"
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token != "" && len(token) > 7 {
		token = token[7:] // Remove "Bearer " prefix

		if s.redis != nil {
			ctx := context.Background()
			key := fmt.Sprintf("blacklist:%s", token)
			// Blacklist token until its expiration
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(ctx, key, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to blacklist token: %v", err)
			}
		}
	}

	WriteJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

func generateJWT(userID int, role models.UserRole) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}
