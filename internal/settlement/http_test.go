// ABOUTME: Tests for the HTTP settlement client's wire handling and failure classification.

package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPService_Transfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/transfer", r.URL.Path)

		var req transferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dest-addr", req.Destination)
		assert.Equal(t, int64(750), req.Amount)

		json.NewEncoder(w).Encode(transferResponse{Sequence: 42})
	}))
	defer srv.Close()

	svc := NewHTTPService(srv.URL, time.Second)
	seq, err := svc.Transfer(context.Background(), "dest-addr", 750)
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
}

func TestHTTPService_BalanceOf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/accounts/some-account/balance", r.URL.Path)
		json.NewEncoder(w).Encode(balanceResponse{Balance: 12345})
	}))
	defer srv.Close()

	svc := NewHTTPService(srv.URL, time.Second)
	balance, err := svc.BalanceOf(context.Background(), "some-account")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), balance)
}

func TestHTTPService_ClientErrorIsTerminalVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(errorResponse{Error: "destination account frozen"})
	}))
	defer srv.Close()

	svc := NewHTTPService(srv.URL, time.Second)
	_, err := svc.Transfer(context.Background(), "dest", 10)

	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, FailureTerminal, ce.Kind)
	assert.Equal(t, "destination account frozen", ce.Message)
}

func TestHTTPService_ServerErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewHTTPService(srv.URL, time.Second)
	_, err := svc.BalanceOf(context.Background(), "acct")

	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, FailureRetriable, ce.Kind)
}

func TestHTTPService_TransportFaultIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	svc := NewHTTPService(srv.URL, 250*time.Millisecond)
	_, err := svc.Transfer(context.Background(), "dest", 10)

	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, FailureRetriable, ce.Kind)
	assert.ErrorIs(t, err, ErrExternalCall)
}
