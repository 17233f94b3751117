package access

import (
	"context"

	"github.com/vendorhub/licensing/internal/rbac"
)

type principalContextKey struct{}

// WithPrincipal stores the verified principal in ctx.
func WithPrincipal(ctx context.Context, p rbac.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, or nil.
func PrincipalFrom(ctx context.Context) *rbac.Principal {
	p, ok := ctx.Value(principalContextKey{}).(rbac.Principal)
	if !ok {
		return nil
	}
	return &p
}
