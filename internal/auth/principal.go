// Package auth carries the caller identity resolved by the external
// authentication layer. The core only reads principals; it never
// authenticates or resolves permissions itself.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// PrincipalType identifies how the caller authenticated.
type PrincipalType string

const (
	TypeAdmin  PrincipalType = "admin"
	TypeAPIKey PrincipalType = "apiKey"
	TypeProxy  PrincipalType = "proxy"
)

// Principal is the caller identity supplied per request.
type Principal struct {
	ID        string
	Type      PrincipalType
	BasicPath string // path scope the caller may address; "/" means everything
}

// Admin reports whether the principal has unrestricted access.
func (p *Principal) Admin() bool {
	return p != nil && p.Type == TypeAdmin
}

// CanAccess reports whether path lies inside the principal's scope, or is an
// ancestor of the scope. Ancestors are allowed so clients can navigate down
// to the scoped subtree.
func (p *Principal) CanAccess(path string) bool {
	if p == nil {
		return false
	}
	if p.Admin() {
		return true
	}
	scope := p.BasicPath
	if scope == "" || scope == "/" {
		return true
	}
	scope = strings.TrimSuffix(scope, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return true // root is an ancestor of every scope
	}
	if path == scope || strings.HasPrefix(path, scope+"/") {
		return true
	}
	return strings.HasPrefix(scope, path+"/")
}

// WithinScope reports whether path lies strictly inside the scope (ancestors
// excluded). Mutations require this; CanAccess alone only grants navigation.
func (p *Principal) WithinScope(path string) bool {
	if p == nil {
		return false
	}
	if p.Admin() {
		return true
	}
	scope := strings.TrimSuffix(p.BasicPath, "/")
	if scope == "" {
		return true
	}
	path = strings.TrimSuffix(path, "/")
	return path == scope || strings.HasPrefix(path, scope+"/")
}

type contextKey struct{}

// WithPrincipal stores a principal in the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored in the context, or nil.
func FromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(contextKey{}).(*Principal); ok {
		return p
	}
	return nil
}

// Header names the upstream auth layer uses to convey the resolved identity.
// The gateway trusts these; it must only be reachable behind that layer.
const (
	HeaderPrincipalID   = "X-Principal-Id"
	HeaderPrincipalType = "X-Principal-Type"
	HeaderBasicPath     = "X-Principal-Scope"
)

// Middleware extracts the externally-resolved principal from trusted headers.
// Requests without identity headers are treated as admin for single-tenant
// deployments where the gateway itself is behind authentication.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := &Principal{
			ID:        r.Header.Get(HeaderPrincipalID),
			Type:      PrincipalType(r.Header.Get(HeaderPrincipalType)),
			BasicPath: r.Header.Get(HeaderBasicPath),
		}
		if p.ID == "" {
			p = &Principal{ID: "local", Type: TypeAdmin, BasicPath: "/"}
		}
		if p.BasicPath == "" {
			p.BasicPath = "/"
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
