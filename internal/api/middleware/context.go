package middleware

import (
	"context"

	"github.com/modelrelay/modelrelay/internal/security"
)

type authKey struct{}

func withAuth(ctx context.Context, auth *security.AuthContext) context.Context {
	return context.WithValue(ctx, authKey{}, auth)
}

// AuthFromContext returns the caller identity attached by Authenticate,
// or nil on unauthenticated paths.
func AuthFromContext(ctx context.Context) *security.AuthContext {
	auth, _ := ctx.Value(authKey{}).(*security.AuthContext)
	return auth
}
