// Package api implements the hiedb REST API using chi.
package api

import (
	"net/http"
	"strings"

	"github.com/starford/hiedb/internal/auth"
)

// LocalPrincipal is the identity every request acts as when authentication
// is disabled.
var LocalPrincipal = auth.Principal{Name: "local", Permissions: auth.AllPermissions}

// AuthMiddleware returns middleware that resolves the calling principal.
// If enabled is false, all requests act as LocalPrincipal (disabled mode).
// If enabled is true, requests must carry "Authorization: Bearer <token>"
// with a token present in tokens.
func AuthMiddleware(enabled bool, tokens map[string]auth.Principal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), LocalPrincipal)))
				return
			}
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			p, known := tokens[token]
			if !ok || token == "" || !known {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}
