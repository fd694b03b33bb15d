package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type contextKey string

const identityKey contextKey = "auth.identity"

// IdentityFromContext returns the identity installed by RequireAuth, or
// nil when the request was not authenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// RequireAuth rejects requests without a valid bearer token and installs
// the authenticated identity into the request context.
func RequireAuth(v *Validator, logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := BearerFromHeader(r.Header.Get("Authorization"))
		if !ok {
			unauthorized(w, "missing bearer token")
			return
		}
		identity, err := v.Validate(raw)
		if err != nil {
			logger.Warn("rejected bearer token", "path", r.URL.Path, "error", err)
			unauthorized(w, "invalid or expired access token")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalAuth installs an identity when a valid bearer token is present
// and otherwise passes the request through anonymously. Used when the
// deployment runs without mandatory authentication.
func OptionalAuth(v *Validator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw, ok := BearerFromHeader(r.Header.Get("Authorization")); ok {
			if identity, err := v.Validate(raw); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), identityKey, identity))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "unauthorized",
		"error_description": description,
	})
}
