// ABOUTME: Authentication context for tracking the caller identity through handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package identity

import (
	"context"

	"github.com/rookery-collective/rookery-engine/internal/store"
)

// AuthContext holds the authenticated identity extracted from a request.
// It is populated by the HTTP middleware and retrieved from context in
// handlers and engine operations.
type AuthContext struct {
	ID          string     // identity ID of the authenticated caller
	DisplayName string     // display name from the directory
	Role        store.Role // patron, creator, or admin
}

// IsAdmin returns true if the caller has the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a.Role == store.RoleAdmin
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if
// not present. A nil result means the call is anonymous.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}
