// Package authn is the kernel's bearer-token auth layer: two fixed
// roles, admin and control, each backed by a single configured token.
// Admin authorizes governance endpoints (policy edits, grants,
// overrides); control authorizes the task/action endpoints an agent
// process calls while running a task. Fine-grained authorization lives
// in the capability registry, not here — this layer only answers
// "is the caller who they claim to be."
package authn

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Role is the authenticated caller's role.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleControl Role = "control"
)

type contextKey string

const roleContextKey contextKey = "authn_role"

// Verifier checks bearer tokens against the configured admin/control
// tokens.
type Verifier struct {
	adminToken   string
	controlToken string
}

// New constructs a Verifier. An empty token disables that role entirely
// — no caller can authenticate as a role with no configured token.
func New(adminToken, controlToken string) *Verifier {
	return &Verifier{adminToken: adminToken, controlToken: controlToken}
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate resolves a bearer token to a Role, or ("", false) if it
// matches neither configured token.
func (v *Verifier) Authenticate(token string) (Role, bool) {
	if constantTimeEqual(token, v.adminToken) {
		return RoleAdmin, true
	}
	if constantTimeEqual(token, v.controlToken) {
		return RoleControl, true
	}
	return "", false
}

// RoleFromContext retrieves the authenticated role set by Middleware.
func RoleFromContext(ctx context.Context) (Role, bool) {
	r, ok := ctx.Value(roleContextKey).(Role)
	return r, ok
}

// RequireRole wraps next, rejecting requests whose authenticated role is
// not in allowed. Middleware must run earlier in the chain to populate
// the role in the request context.
func RequireRole(allowed ...Role) func(http.Handler) http.Handler {
	allowedSet := make(map[Role]bool, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := RoleFromContext(r.Context())
			if !ok || !allowedSet[role] {
				http.Error(w, `{"error":"ERROR_AUTH_DENIED","message":"missing or insufficient bearer token"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Middleware extracts a Bearer token from the Authorization header,
// authenticates it, and stores the resolved role in the request context
// for downstream RequireRole checks. Unauthenticated requests are passed
// through with no role set so health-check-style routes can skip auth
// entirely by simply not wrapping with RequireRole.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		role, ok := v.Authenticate(token)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), roleContextKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
