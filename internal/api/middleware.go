package api

import (
	"context"
	"net/http"
	"strings"

	"kiln/internal/auth"
)

type ctxKey int

const authContextKey ctxKey = iota

// requireAuth parses the bearer stateless token and stashes the resulting
// AuthContext for handlers to read via authFromContext.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		ac, err := s.auth.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey, ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authFromContext(ctx context.Context) (auth.AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey).(auth.AuthContext)
	return ac, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}
