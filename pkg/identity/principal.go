// Package identity validates bearer credentials and resolves them to
// typed principals with project memberships and derived roles. There
// is no principal cache: re-derivation per request keeps upstream
// revocations effective within one request.
package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/httpx"
)

const (
	RoleDeveloper = "DEVELOPER"
	RoleManager   = "MANAGER"
)

// Principal is immutable for the request that derived it.
type Principal struct {
	UserID   string
	Email    string
	Groups   []string
	Projects []string
	Roles    []string
}

func (p Principal) HasProject(projectID string) bool {
	for _, id := range p.Projects {
		if id == projectID {
			return true
		}
	}
	return false
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type contextKey string

const principalContextKey contextKey = "adlc.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// Middleware resolves the bearer credential on every request and
// stashes the principal in the request context.
func Middleware(resolver *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, err := bearerToken(r)
			if err != nil {
				httpx.Error(w, fault.Status(err), fault.Detail(err))
				return
			}
			p, err := resolver.Resolve(r.Context(), credential)
			if err != nil {
				httpx.Error(w, fault.Status(err), fault.Detail(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), *p)))
		})
	}
}

// RequireRoles guards a route subtree. The principal must hold at
// least one of the named roles.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, "authentication required")
				return
			}
			for _, role := range roles {
				if p.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.Error(w, http.StatusForbidden, "insufficient role")
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", fault.New(fault.AuthMissing, "missing bearer credential")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fault.New(fault.AuthMissing, "missing bearer credential")
	}
	return strings.TrimSpace(parts[1]), nil
}
