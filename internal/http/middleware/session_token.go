package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sandeepkv93/execgate/internal/http/response"
)

type contextKey string

const (
	SessionTokenContextKey contextKey = "session_token"

	// SessionTokenQueryParam mirrors the API Gateway identity source.
	SessionTokenQueryParam = "Authorization"
)

// SessionToken pulls the raw session token from the Authorization query
// parameter, falling back to a bearer header, and rejects requests without one.
func SessionToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := ExtractSessionToken(r)
		if raw == "" {
			response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing session token", nil)
			return
		}
		ctx := context.WithValue(r.Context(), SessionTokenContextKey, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ExtractSessionToken(r *http.Request) string {
	if raw := strings.TrimSpace(r.URL.Query().Get(SessionTokenQueryParam)); raw != "" {
		return raw
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func SessionTokenFromContext(ctx context.Context) (string, bool) {
	raw, ok := ctx.Value(SessionTokenContextKey).(string)
	return raw, ok && raw != ""
}
