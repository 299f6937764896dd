// ABOUTME: HTTP-level tests for the operator API: auth gating, login,
// ABOUTME: subscription lifecycle, settlement routes, and admin surfaces.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/rookery-collective/rookery-engine/internal/config"
	"github.com/rookery-collective/rookery-engine/internal/engine"
	"github.com/rookery-collective/rookery-engine/internal/identity"
	"github.com/rookery-collective/rookery-engine/internal/settlement"
	"github.com/rookery-collective/rookery-engine/internal/store"
)

const testSecret = "test-secret-for-api"

type fakeSettlement struct {
	mu       sync.Mutex
	balances map[string]int64
}

func (f *fakeSettlement) Transfer(_ context.Context, _ string, _ int64) (int64, error) {
	return 1, nil
}

func (f *fakeSettlement) BalanceOf(_ context.Context, account string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[account], nil
}

type testAPI struct {
	ts    *httptest.Server
	st    *store.SQLiteStore
	svc   *fakeSettlement
	token func(t *testing.T, id string) string
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	cfg.Operator.PasswordHash = string(hash)
	cfg.Operator.AdminID = "root"
	cfg.Billing.Interval = time.Hour

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := &fakeSettlement{balances: make(map[string]int64)}
	eng := engine.New(cfg, st, svc)

	srv, err := New(cfg, eng, slog.Default())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	verifier, err := identity.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	return &testAPI{
		ts:  ts,
		st:  st,
		svc: svc,
		token: func(t *testing.T, id string) string {
			tok, err := verifier.Generate(id, time.Hour)
			require.NoError(t, err)
			return tok
		},
	}
}

func (a *testAPI) addIdentity(t *testing.T, id string, role store.Role) {
	t.Helper()
	require.NoError(t, a.st.CreateIdentity(context.Background(), &store.Identity{
		ID:          id,
		DisplayName: id,
		Role:        role,
		Status:      store.IdentityStatusActive,
		CreatedAt:   time.Now().UTC(),
	}))
}

// do sends a request with an optional bearer token and JSON body, returning
// the response and decoded body.
func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthAndMetricsOpen(t *testing.T) {
	api := setupAPI(t)

	resp, _ := api.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	api := setupAPI(t)

	resp, _ := api.do(t, http.MethodGet, "/api/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/stats", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token for an unregistered identity is still rejected.
	resp, _ = api.do(t, http.MethodGet, "/api/stats", api.token(t, "ghost"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	api := setupAPI(t)
	api.addIdentity(t, "root", store.RoleAdmin)

	resp, body := api.do(t, http.MethodPost, "/api/login", "", map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = body

	resp, body = api.do(t, http.MethodPost, "/api/login", "", map[string]string{"password": "hunter2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login LoginResponse
	require.NoError(t, json.Unmarshal(body, &login))
	require.NotEmpty(t, login.Token)

	// The minted token works against authed routes.
	resp, _ = api.do(t, http.MethodGet, "/api/stats", login.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubscriptionLifecycle(t *testing.T) {
	api := setupAPI(t)
	api.addIdentity(t, "alice", store.RolePatron)
	api.addIdentity(t, "bob", store.RoleCreator)
	aliceTok := api.token(t, "alice")

	resp, body := api.do(t, http.MethodPost, "/api/subscriptions", aliceTok, CreateSubscriptionRequest{
		Creator: "bob",
		Cadence: "720h",
		Amount:  500,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sub SubscriptionResponse
	require.NoError(t, json.Unmarshal(body, &sub))
	assert.Equal(t, "alice", sub.Patron)
	assert.Equal(t, "active", sub.Status)

	resp, body = api.do(t, http.MethodGet, "/api/subscriptions", aliceTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var subs []SubscriptionResponse
	require.NoError(t, json.Unmarshal(body, &subs))
	require.Len(t, subs, 1)

	path := fmt.Sprintf("/api/subscriptions/%d/cancel", sub.ID)
	resp, _ = api.do(t, http.MethodPost, path, aliceTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, fmt.Sprintf("/api/subscriptions/%d", sub.ID), aliceTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &sub))
	assert.Equal(t, "cancelled", sub.Status)
}

func TestSubscriptionAuthzMapping(t *testing.T) {
	api := setupAPI(t)
	api.addIdentity(t, "alice", store.RolePatron)
	api.addIdentity(t, "mallory", store.RolePatron)
	api.addIdentity(t, "bob", store.RoleCreator)

	resp, body := api.do(t, http.MethodPost, "/api/subscriptions", api.token(t, "alice"), CreateSubscriptionRequest{
		Creator: "bob", Cadence: "720h", Amount: 500,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sub SubscriptionResponse
	require.NoError(t, json.Unmarshal(body, &sub))

	// Another patron cancelling maps to 403.
	resp, _ = api.do(t, http.MethodPost, fmt.Sprintf("/api/subscriptions/%d/cancel", sub.ID), api.token(t, "mallory"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Unknown subscription maps to 404.
	resp, _ = api.do(t, http.MethodGet, "/api/subscriptions/9999", api.token(t, "alice"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Unknown creator maps to 404.
	resp, _ = api.do(t, http.MethodPost, "/api/subscriptions", api.token(t, "alice"), CreateSubscriptionRequest{
		Creator: "nobody", Cadence: "720h", Amount: 500,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSubscriptionsOwnerFilter(t *testing.T) {
	api := setupAPI(t)
	api.addIdentity(t, "alice", store.RolePatron)
	api.addIdentity(t, "mallory", store.RolePatron)
	api.addIdentity(t, "bob", store.RoleCreator)
	api.addIdentity(t, "root", store.RoleAdmin)

	resp, _ := api.do(t, http.MethodPost, "/api/subscriptions", api.token(t, "alice"), CreateSubscriptionRequest{
		Creator: "bob", Cadence: "720h", Amount: 500,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Patrons cannot peek at another owner's list.
	resp, _ = api.do(t, http.MethodGet, "/api/subscriptions?owner=alice", api.token(t, "mallory"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Admins can.
	resp, body := api.do(t, http.MethodGet, "/api/subscriptions?owner=alice", api.token(t, "root"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var subs []SubscriptionResponse
	require.NoError(t, json.Unmarshal(body, &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "alice", subs[0].Patron)

	// The creator sees it from their side without any filter.
	resp, body = api.do(t, http.MethodGet, "/api/subscriptions", api.token(t, "bob"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &subs))
	require.Len(t, subs, 1)
}

func TestDepositAndWithdrawRoutes(t *testing.T) {
	api := setupAPI(t)
	api.addIdentity(t, "alice", store.RolePatron)
	tok := api.token(t, "alice")

	resp, body := api.do(t, http.MethodGet, "/api/deposits/address", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var addr map[string]string
	require.NoError(t, json.Unmarshal(body, &addr))
	assert.Equal(t, settlement.DepositAddress("alice"), addr["address"])

	// No external funds yet: probe reports zero, not an error.
	resp, body = api.do(t, http.MethodPost, "/api/deposits/notify", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dep DepositResponse
	require.NoError(t, json.Unmarshal(body, &dep))
	assert.Equal(t, int64(0), dep.Credited)

	api.svc.mu.Lock()
	api.svc.balances[settlement.DepositAddress("alice")] = 1500
	api.svc.mu.Unlock()

	resp, body = api.do(t, http.MethodPost, "/api/deposits/notify", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &dep))
	assert.Equal(t, int64(1500), dep.Credited)

	resp, body = api.do(t, http.MethodPost, "/api/withdrawals", tok, WithdrawRequest{Amount: 1000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var receipt ReceiptResponse
	require.NoError(t, json.Unmarshal(body, &receipt))
	assert.NotEmpty(t, receipt.Reference)

	// Remaining 500 cannot cover another 1000.
	resp, _ = api.do(t, http.MethodPost, "/api/withdrawals", tok, WithdrawRequest{Amount: 1000})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/api/balance", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bal map[string]int64
	require.NoError(t, json.Unmarshal(body, &bal))
	assert.Equal(t, int64(500), bal["balance"])
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	api := setupAPI(t)
	api.addIdentity(t, "alice", store.RolePatron)
	api.addIdentity(t, "root", store.RoleAdmin)

	resp, _ := api.do(t, http.MethodPost, "/api/admin/process", api.token(t, "alice"), ProcessRequest{Limit: 10})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := api.do(t, http.MethodPost, "/api/admin/process", api.token(t, "root"), ProcessRequest{Limit: 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res ProcessResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 0, res.Charged)

	// Over the manual limit maps to 413.
	resp, _ = api.do(t, http.MethodPost, "/api/admin/process", api.token(t, "root"), ProcessRequest{Limit: 100000})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/api/admin/snapshot", api.token(t, "root"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIdentityRoutes(t *testing.T) {
	api := setupAPI(t)
	api.addIdentity(t, "alice", store.RolePatron)
	api.addIdentity(t, "root", store.RoleAdmin)

	// Non-admin creation maps to 403 (engine-level check).
	resp, _ := api.do(t, http.MethodPost, "/api/identities", api.token(t, "alice"), CreateIdentityRequest{
		DisplayName: "eve", Role: "patron",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := api.do(t, http.MethodPost, "/api/identities", api.token(t, "root"), CreateIdentityRequest{
		DisplayName: "eve", Role: "patron",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ident IdentityResponse
	require.NoError(t, json.Unmarshal(body, &ident))
	require.NotEmpty(t, ident.ID)

	resp, _ = api.do(t, http.MethodPost, "/api/identities/"+ident.ID+"/revoke", api.token(t, "root"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/api/identities/"+ident.ID, api.token(t, "alice"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &ident))
	assert.Equal(t, "revoked", ident.Status)

	// Revoked identities lose API access.
	resp, _ = api.do(t, http.MethodGet, "/api/stats", api.token(t, ident.ID), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuditRoute(t *testing.T) {
	api := setupAPI(t)
	api.addIdentity(t, "alice", store.RolePatron)
	api.addIdentity(t, "bob", store.RoleCreator)
	tok := api.token(t, "alice")

	_, _ = api.do(t, http.MethodPost, "/api/subscriptions", tok, CreateSubscriptionRequest{
		Creator: "bob", Cadence: "720h", Amount: 500,
	})

	resp, body := api.do(t, http.MethodGet, "/api/audit?n=10", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []AuditEntryResponse
	require.NoError(t, json.Unmarshal(body, &entries))
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[len(entries)-1].Message, "created")
}
