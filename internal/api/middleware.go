/**
 * @description
 * Authentication middleware for the settlement service.
 *
 * @notes
 * - Trader tokens are HS256 JWTs issued by the trader gateway; the subject is
 *   the trader id.
 * - Internal callers authenticate with a shared key header.
 */
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const TraderIDContextKey = contextKey("traderID")

// TraderAuthMiddleware validates trader JWTs and injects the trader id into context.
func TraderAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				http.Error(w, "Trader ID not found in token", http.StatusUnauthorized)
				return
			}
			traderID, err := uuid.Parse(subject)
			if err != nil {
				http.Error(w, "Trader ID in token is not a UUID", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), TraderIDContextKey, traderID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalAuthMiddleware requires the shared internal API key.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TraderFromContext retrieves the authenticated trader id.
func TraderFromContext(ctx context.Context) (uuid.UUID, bool) {
	traderID, ok := ctx.Value(TraderIDContextKey).(uuid.UUID)
	return traderID, ok
}
