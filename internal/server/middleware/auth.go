// Package middleware holds the thin chi middleware chain the illustrative
// entrypoint wraps around the gateway's /sessions routes.
package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

type contextKey string

const userIDKey contextKey = "userID"

// Identify extracts the caller's identity from the X-User-Id header. Per
// the gateway's own scope boundary, authenticating that identity (JWT
// validation, session cookies, SSO, whatever the outer deployment uses) is
// explicitly not this process's job — it trusts the user id it is given.
func Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			http.Error(w, "missing X-User-Id header", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		log.Debug().Str("user_id", userID).Msg("request identified")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID extracts the user id stashed by Identify, or "" if absent.
func UserID(ctx context.Context) string {
	if userID, ok := ctx.Value(userIDKey).(string); ok {
		return userID
	}
	return ""
}
