package service

import "context"

type contextKey struct{}

// WithOwner attaches an authenticated owner to ctx.
func WithOwner(ctx context.Context, p *OwnerPrincipal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// OwnerFromContext returns the authenticated owner, or nil.
func OwnerFromContext(ctx context.Context) *OwnerPrincipal {
	p, _ := ctx.Value(contextKey{}).(*OwnerPrincipal)
	return p
}
