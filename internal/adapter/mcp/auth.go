package mcp

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AuthMiddleware guards the streamable HTTP transport with a static key,
// sent either as "Authorization: Bearer <key>" or as the bare key. An empty
// key returns next unchanged.
func AuthMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="crewflow"`)
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		token := auth
		if scheme, rest, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "bearer") {
			token = strings.TrimSpace(rest)
		}
		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			slog.Warn("mcp request rejected", "remote", r.RemoteAddr)
			http.Error(w, "invalid credentials", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
