/**
 * @description
 * This file contains custom middleware for the HTTP router. Mini App requests carry a
 * Supabase access token; the middleware validates it and exposes the caller's
 * telegram id to handlers.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 */

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TelegramIDContextKey is a custom type for the context key to avoid collisions.
type TelegramIDContextKey string

const telegramIDKey TelegramIDContextKey = "telegramID"

// SupabaseAuthMiddleware validates HS256 tokens signed with the project JWT secret and
// requires a telegram_id claim, so body ids are never trusted behind it.
func SupabaseAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			// Anon keys are signed with the same secret but name no user.
			id, ok := telegramIDFromClaims(claims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Token has no telegram_id claim")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), telegramIDKey, id)))
		})
	}
}

// telegramIDFromClaims reads telegram_id from the top level or from user_metadata.
func telegramIDFromClaims(claims jwt.MapClaims) (int64, bool) {
	candidates := []any{claims["telegram_id"]}
	if meta, ok := claims["user_metadata"].(map[string]interface{}); ok {
		candidates = append(candidates, meta["telegram_id"])
	}
	for _, c := range candidates {
		switch v := c.(type) {
		case float64:
			if v != 0 {
				return int64(v), true
			}
		case string:
			if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && id != 0 {
				return id, true
			}
		}
	}
	return 0, false
}

// GetTelegramID retrieves the authenticated telegram id from the request context.
func GetTelegramID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(telegramIDKey).(int64)
	return id, ok
}
