package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jubok/foundation-backend/internal/models"
	"github.com/spf13/viper"
)

type contextKey string

const (
	// UserIDKey holds the authenticated user's id in the request context.
	UserIDKey contextKey = "userID"
	// UserRoleKey holds the authenticated user's role in the request context.
	UserRoleKey contextKey = "userRole"
)

var redisClient *redis.Client

// InitAuthMiddleware wires the Redis client used for the token blacklist.
// The middleware works without Redis; blacklist checks are skipped.
func InitAuthMiddleware(client *redis.Client) {
	redisClient = client
}

func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		// Extract token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		token := parts[1]

		if redisClient != nil {
			key := fmt.Sprintf("blacklist:%s", token)
			if exists, err := redisClient.Exists(r.Context(), key).Result(); err == nil && exists > 0 {
				http.Error(w, "Token revoked", http.StatusUnauthorized)
				return
			}
		}

		userID, role, err := validateToken(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		// Add user ID and role to context
		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		ctx = context.WithValue(ctx, UserRoleKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRoles gates a route to the given roles. Must run after AuthMiddleware.
func RequireRoles(roles ...models.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := r.Context().Value(UserRoleKey).(models.UserRole)
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}

			http.Error(w, "Insufficient permissions", http.StatusForbidden)
		})
	}
}

func validateToken(tokenString string) (int, models.UserRole, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(viper.GetString("jwt.secret_key")), nil
	})

	if err != nil || !token.Valid {
		return 0, "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, "", fmt.Errorf("invalid token claims")
	}

	userID, ok := claims["user_id"].(float64)
	if !ok {
		return 0, "", fmt.Errorf("missing user_id claim")
	}

	role, _ := claims["role"].(string)
	return int(userID), models.UserRole(role), nil
}
