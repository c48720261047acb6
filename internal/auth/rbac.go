package auth

import (
	"net/http"
	"strings"
)

type Permission string

const (
	PermNarrationsRead  Permission = "narrations:read"
	PermNarrationsWrite Permission = "narrations:write"
	PermWildcard        Permission = "*"
)

// RequirePermission rejects requests whose token scope does not grant perm.
// It must run after Authenticate.
func RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			claims := ClaimsFromContext(req.Context())
			if claims == nil {
				writeError(w, http.StatusForbidden, "no claims in context")
				return
			}
			if !claims.HasPermission(perm) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (c *Claims) HasPermission(perm Permission) bool {
	for _, p := range strings.Fields(c.Scope) {
		if Permission(p) == PermWildcard || Permission(p) == perm {
			return true
		}
	}
	return false
}
