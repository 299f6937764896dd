// ABOUTME: HTTP middleware for JWT authentication on the operator API
// ABOUTME: Extracts the bearer token, resolves the identity against the directory, rejects revoked callers

package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rookery-collective/rookery-engine/internal/store"
)

// Directory resolves identity IDs against the registration store. A token
// whose subject is unknown or revoked is rejected even when the signature
// verifies.
type Directory interface {
	GetIdentity(ctx context.Context, id string) (*store.Identity, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates
// JWT tokens, resolves the caller against the identity directory, and adds
// AuthContext to the request context.
func HTTPAuthMiddleware(directory Directory, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			identityID, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ident, err := directory.GetIdentity(r.Context(), identityID)
			if errors.Is(err, store.ErrIdentityNotFound) {
				http.Error(w, `{"error":"identity not registered"}`, http.StatusUnauthorized)
				return
			}
			if err != nil {
				http.Error(w, `{"error":"identity lookup failed"}`, http.StatusInternalServerError)
				return
			}
			if ident.Status == store.IdentityStatusRevoked {
				http.Error(w, `{"error":"identity has been revoked"}`, http.StatusForbidden)
				return
			}

			authCtx := &AuthContext{
				ID:          ident.ID,
				DisplayName: ident.DisplayName,
				Role:        ident.Role,
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin role.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			if !authCtx.IsAdmin() {
				http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
