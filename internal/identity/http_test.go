// ABOUTME: Tests for token verification and the HTTP auth middleware chain.
// ABOUTME: Covers anonymous, unregistered, revoked, and role-gated requests.

package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-collective/rookery-engine/internal/store"
)

type fakeDirectory struct {
	identities map[string]*store.Identity
	err        error
}

func (d *fakeDirectory) GetIdentity(_ context.Context, id string) (*store.Identity, error) {
	if d.err != nil {
		return nil, d.err
	}
	ident, ok := d.identities[id]
	if !ok {
		return nil, store.ErrIdentityNotFound
	}
	return ident, nil
}

func setupAuth(t *testing.T) (*JWTVerifier, *fakeDirectory) {
	t.Helper()
	verifier, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)
	dir := &fakeDirectory{identities: map[string]*store.Identity{
		"patron-1": {ID: "patron-1", DisplayName: "Alice", Role: store.RolePatron, Status: store.IdentityStatusActive},
		"admin-1":  {ID: "admin-1", DisplayName: "Root", Role: store.RoleAdmin, Status: store.IdentityStatusActive},
		"gone-1":   {ID: "gone-1", DisplayName: "Mallory", Role: store.RolePatron, Status: store.IdentityStatusRevoked},
	}}
	return verifier, dir
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	verifier, _ := setupAuth(t)

	token, err := verifier.Generate("patron-1", time.Hour)
	require.NoError(t, err)

	id, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "patron-1", id)
}

func TestJWTVerifier_Expired(t *testing.T) {
	verifier, _ := setupAuth(t)

	token, err := verifier.Generate("patron-1", -time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	verifier, _ := setupAuth(t)
	other, err := NewJWTVerifier([]byte("other-secret"))
	require.NoError(t, err)

	token, err := other.Generate("patron-1", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func authedRequest(t *testing.T, verifier *JWTVerifier, sub string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	if sub != "" {
		token, err := verifier.Generate(sub, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier, dir := setupAuth(t)

	var captured *AuthContext
	handler := HTTPAuthMiddleware(dir, verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name string
		sub  string
		code int
	}{
		{"registered patron", "patron-1", http.StatusOK},
		{"anonymous", "", http.StatusUnauthorized},
		{"unregistered subject", "nobody", http.StatusUnauthorized},
		{"revoked identity", "gone-1", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			captured = nil
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, authedRequest(t, verifier, tt.sub))
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				require.NotNil(t, captured)
				assert.Equal(t, tt.sub, captured.ID)
			} else {
				assert.Nil(t, captured)
			}
		})
	}
}

func TestHTTPAuthMiddleware_DirectoryFailure(t *testing.T) {
	verifier, dir := setupAuth(t)
	dir.err = errors.New("database is locked")

	handler := HTTPAuthMiddleware(dir, verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// A directory outage is a server fault, not an auth rejection.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, verifier, "patron-1"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequireAdminHTTP(t *testing.T) {
	verifier, dir := setupAuth(t)

	handler := HTTPAuthMiddleware(dir, verifier)(
		RequireAdminHTTP()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, verifier, "admin-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, verifier, "patron-1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireAdminHTTP_WithoutAuthContext(t *testing.T) {
	handler := RequireAdminHTTP()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthContext_IsAdmin(t *testing.T) {
	assert.True(t, (&AuthContext{Role: store.RoleAdmin}).IsAdmin())
	assert.False(t, (&AuthContext{Role: store.RolePatron}).IsAdmin())
	assert.False(t, (&AuthContext{Role: store.RoleCreator}).IsAdmin())
}
