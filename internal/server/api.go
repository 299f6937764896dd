// ABOUTME: JSON API handlers for the operator surface: login, subscriptions,
// ABOUTME: deposits, withdrawals, identities, stats, audit, and manual billing.

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rookery-collective/rookery-engine/internal/engine"
	"github.com/rookery-collective/rookery-engine/internal/identity"
	"github.com/rookery-collective/rookery-engine/internal/ledger"
	"github.com/rookery-collective/rookery-engine/internal/settlement"
	"github.com/rookery-collective/rookery-engine/internal/store"
	"github.com/rookery-collective/rookery-engine/internal/subscription"
)

// LoginRequest is the JSON request body for POST /api/login.
type LoginRequest struct {
	Password string `json:"password"`
}

// LoginResponse carries the minted operator token.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// CreateSubscriptionRequest is the JSON request body for POST /api/subscriptions.
// Cadence is a Go duration string, e.g. "720h" for thirty days.
type CreateSubscriptionRequest struct {
	Creator string `json:"creator"`
	Cadence string `json:"cadence"`
	Amount  int64  `json:"amount"`
}

// SubscriptionResponse is the JSON shape of one subscription.
type SubscriptionResponse struct {
	ID         int64  `json:"id"`
	Patron     string `json:"patron"`
	Creator    string `json:"creator"`
	Cadence    string `json:"cadence"`
	NextCharge string `json:"next_charge"`
	Amount     int64  `json:"amount"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

// WithdrawRequest is the JSON request body for POST /api/withdrawals.
type WithdrawRequest struct {
	Amount int64 `json:"amount"`
}

// TreasuryWithdrawRequest is the JSON request body for the treasury payout route.
type TreasuryWithdrawRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

// ReceiptResponse is the JSON shape of a settlement receipt.
type ReceiptResponse struct {
	Reference string `json:"reference"`
	Sequence  int64  `json:"sequence"`
}

// DepositResponse reports how much a deposit probe credited.
type DepositResponse struct {
	Credited int64 `json:"credited"`
}

// ProcessRequest is the JSON request body for POST /api/admin/process.
type ProcessRequest struct {
	Limit int `json:"limit"`
}

// ProcessResponse summarizes a manual billing batch.
type ProcessResponse struct {
	Scanned   int  `json:"scanned"`
	Charged   int  `json:"charged"`
	Suspended int  `json:"suspended"`
	Wrapped   bool `json:"wrapped"`
}

// CreateIdentityRequest is the JSON request body for POST /api/identities.
type CreateIdentityRequest struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// IdentityResponse is the JSON shape of one directory entry.
type IdentityResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// AuditEntryResponse is the JSON shape of one audit record.
type AuditEntryResponse struct {
	Time     string `json:"time"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// sendJSON writes a JSON response with the given status.
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

// sendEngineError maps engine error taxonomy onto HTTP statuses.
func (s *Server) sendEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		s.sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, subscription.ErrNotFound), errors.Is(err, store.ErrIdentityNotFound):
		s.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		s.sendJSONError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, engine.ErrCapacityExceeded):
		s.sendJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, store.ErrDuplicateIdentity):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, settlement.ErrExternalCall):
		s.sendJSONError(w, http.StatusBadGateway, err.Error())
	default:
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	}
}

func subscriptionResponse(sub subscription.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:         sub.ID,
		Patron:     sub.Patron,
		Creator:    sub.Creator,
		Cadence:    sub.Cadence.String(),
		NextCharge: sub.NextCharge.UTC().Format(time.RFC3339),
		Amount:     sub.Amount,
		Status:     string(sub.Status),
		CreatedAt:  sub.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func identityResponse(id *store.Identity) IdentityResponse {
	return IdentityResponse{
		ID:          id.ID,
		DisplayName: id.DisplayName,
		Role:        string(id.Role),
		Status:      string(id.Status),
		CreatedAt:   id.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleLogin handles POST /api/login. It checks the operator password
// against the configured bcrypt hash and mints a token for the configured
// admin identity.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.config.Operator.PasswordHash == "" || s.config.Operator.AdminID == "" {
		s.sendJSONError(w, http.StatusServiceUnavailable, "operator login not configured")
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.config.Operator.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.Warn("operator login rejected", "remote", r.RemoteAddr)
		s.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ttl := s.config.Auth.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	token, err := s.verifier.Generate(s.config.Operator.AdminID, ttl)
	if err != nil {
		s.logger.Error("minting operator token", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.sendJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

// handleStats handles GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.sendJSON(w, http.StatusOK, s.engine.Stats(r.Context()))
}

// handleBalance handles GET /api/balance for the calling identity.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	balance, err := s.engine.Balance(r.Context())
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// handleSubscriptions handles GET (list own) and POST (create) on
// /api/subscriptions.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSubscriptions(w, r)
	case http.MethodPost:
		s.createSubscription(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	auth := identity.FromContext(r.Context())
	if auth == nil {
		s.sendJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	status := subscription.Status(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	owner := auth.ID
	if o := r.URL.Query().Get("owner"); o != "" && o != auth.ID {
		if !auth.IsAdmin() {
			s.sendJSONError(w, http.StatusForbidden, "admin role required to list another owner")
			return
		}
		owner = o
	}

	subs := s.engine.ListSubscriptions(r.Context(), owner, status, limit)
	response := make([]SubscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		response = append(response, subscriptionResponse(sub))
	}
	s.sendJSON(w, http.StatusOK, response)
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cadence, err := time.ParseDuration(req.Cadence)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid cadence: "+err.Error())
		return
	}

	sub, err := s.engine.Subscribe(r.Context(), req.Creator, cadence, req.Amount)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, subscriptionResponse(sub))
}

// handleSubscriptionByID handles GET /api/subscriptions/{id} and the
// POST /api/subscriptions/{id}/cancel and /resume actions.
func (s *Server) handleSubscriptionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/subscriptions/")
	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid subscription id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sub, err := s.engine.GetSubscription(r.Context(), id)
		if err != nil {
			s.sendEngineError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, subscriptionResponse(sub))
	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.engine.CancelSubscription(r.Context(), id); err != nil {
			s.sendEngineError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case action == "resume" && r.Method == http.MethodPost:
		if err := s.engine.ResumeSubscription(r.Context(), id); err != nil {
			s.sendEngineError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "active"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleNotifyDeposit handles POST /api/deposits/notify. A probe that finds
// no new funds is a normal outcome and reports zero credited.
func (s *Server) handleNotifyDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	credited, err := s.engine.NotifyDeposit(r.Context())
	if errors.Is(err, settlement.ErrNoNewFunds) {
		s.sendJSON(w, http.StatusOK, DepositResponse{Credited: 0})
		return
	}
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, DepositResponse{Credited: credited})
}

// handleDepositAddress handles GET /api/deposits/address for the caller.
func (s *Server) handleDepositAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	auth := identity.FromContext(r.Context())
	if auth == nil {
		s.sendJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"address": settlement.DepositAddress(auth.ID)})
}

// handleWithdraw handles POST /api/withdrawals for the calling identity.
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	receipt, err := s.engine.Withdraw(r.Context(), req.Amount)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ReceiptResponse{Reference: receipt.Reference, Sequence: receipt.Sequence})
}

// handleTreasuryWithdraw handles POST /api/admin/treasury/withdraw.
func (s *Server) handleTreasuryWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req TreasuryWithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Destination == "" {
		s.sendJSONError(w, http.StatusBadRequest, "destination is required")
		return
	}
	receipt, err := s.engine.WithdrawTreasury(r.Context(), req.Destination, req.Amount)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ReceiptResponse{Reference: receipt.Reference, Sequence: receipt.Sequence})
}

// handleProcess handles POST /api/admin/process: one on-demand billing batch.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.engine.ManualProcess(r.Context(), req.Limit)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ProcessResponse{
		Scanned:   res.Scanned,
		Charged:   res.Charged,
		Suspended: res.Suspended,
		Wrapped:   res.Wrapped,
	})
}

// handleSnapshot handles POST /api/admin/snapshot: persist state on demand.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.engine.SaveSnapshot(r.Context()); err != nil {
		s.logger.Error("saving on-demand snapshot", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// handleAudit handles GET /api/audit?n=. Entries come back most recent last.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 50
	}
	entries := s.engine.AuditRecent(r.Context(), n)
	response := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		response = append(response, AuditEntryResponse{
			Time:     e.Time.UTC().Format(time.RFC3339),
			Severity: string(e.Severity),
			Message:  e.Message,
		})
	}
	s.sendJSON(w, http.StatusOK, response)
}

// handleIdentities handles GET (list) and POST (create, admin) on
// /api/identities.
func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		idents, err := s.engine.ListIdentities(r.Context(), limit)
		if err != nil {
			s.logger.Error("listing identities", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		response := make([]IdentityResponse, 0, len(idents))
		for _, id := range idents {
			response = append(response, identityResponse(id))
		}
		s.sendJSON(w, http.StatusOK, response)
	case http.MethodPost:
		var req CreateIdentityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		ident, err := s.engine.CreateIdentity(r.Context(), req.DisplayName, store.Role(req.Role))
		if err != nil {
			s.sendEngineError(w, err)
			return
		}
		s.sendJSON(w, http.StatusCreated, identityResponse(ident))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleIdentityByID handles GET and DELETE (revoke, admin) on
// /api/identities/{id}.
func (s *Server) handleIdentityByID(w http.ResponseWriter, r *http.Request) {
	id, action, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/api/identities/"), "/")
	if id == "" {
		s.sendJSONError(w, http.StatusBadRequest, "invalid identity id")
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		ident, err := s.engine.GetIdentity(r.Context(), id)
		if err != nil {
			s.sendEngineError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, identityResponse(ident))
	case r.Method == http.MethodPost && action == "revoke":
		if err := s.engine.RevokeIdentity(r.Context(), id); err != nil {
			s.sendEngineError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
