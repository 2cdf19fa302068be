package auth

import (
	"context"

	"example.com/cragfeed/internal/domain"
	authlib "example.com/cragfeed/pkg/auth"
)

// Scopes granted to climber and staff tokens.
const (
	ScopeActivitiesWrite = "activities:write"
	ScopeReactionsWrite  = "reactions:write"
	ScopeRoutesAdmin     = "routes:admin"
)

type (
	Claims = authlib.Claims
	Config = authlib.Config
)

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return authlib.WithClaims(ctx, claims)
}

// FromContext returns the caller's claims, if authenticated.
func FromContext(ctx context.Context) (*Claims, bool) {
	return authlib.FromContext(ctx)
}

// Viewer maps the caller onto a feed viewer. Anonymous requests yield the zero
// Viewer.
func Viewer(ctx context.Context) domain.Viewer {
	claims, ok := FromContext(ctx)
	if !ok {
		return domain.Viewer{}
	}
	return domain.Viewer{ID: claims.Subject, Name: claims.Name}
}
