// Package auth guards the HTTP surface with bearer token verification
// and CORS. Instance-level checks (ownership, plan limits, credential
// resolution) live in pkg/gate; this layer only establishes who is
// calling.
package auth

import (
	"net/http"
	"strings"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/identity"
)

// publicPaths are endpoints served without a bearer token. Billing
// webhooks authenticate with the gateway signature, the OAuth callback
// with the signed state parameter.
var publicPaths = []string{
	"/health",
	"/readiness",
	"/metrics",
	"/oauth/callback",
}

// isPublicPath checks if the path should be accessible without auth.
func isPublicPath(path string) bool {
	if strings.HasPrefix(path, "/billing/webhooks/") {
		return true
	}
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates bearer token auth middleware. If ks is nil,
// all non-public requests are rejected (fail closed).
func NewMiddleware(ks identity.KeySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				api.WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if ks == nil {
				api.WriteUnauthorized(w, r, "Authentication not configured")
				return
			}

			principal, err := identity.VerifyUserToken(parts[1], ks)
			if err != nil {
				api.WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}

			ctx := identity.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
