// ABOUTME: HTTP implementation of the settlement Service speaking the ledger wire API.
// ABOUTME: 4xx responses become terminal failures carrying the ledger's message; 5xx and transport faults are retriable.

package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPService talks to a settlement ledger over its HTTP API, such as the
// fake-ledger development server.
type HTTPService struct {
	baseURL string
	client  *http.Client
}

var _ Service = (*HTTPService)(nil)

// NewHTTPService creates a client for the ledger at baseURL. A non-positive
// timeout defaults to 30s; a timeout surfaces as a retriable failure and
// feeds the normal compensation path.
func NewHTTPService(baseURL string, timeout time.Duration) *HTTPService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type transferRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

type transferResponse struct {
	Sequence int64 `json:"sequence"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Transfer implements Service.
func (s *HTTPService) Transfer(ctx context.Context, destination string, amount int64) (int64, error) {
	body, err := json.Marshal(transferRequest{Destination: destination, Amount: amount})
	if err != nil {
		return 0, fmt.Errorf("encoding transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/transfer", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, retriable(err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return 0, err
	}

	var tr transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return 0, retriable(fmt.Errorf("decoding transfer response: %w", err))
	}
	return tr.Sequence, nil
}

// BalanceOf implements Service.
func (s *HTTPService) BalanceOf(ctx context.Context, account string) (int64, error) {
	endpoint := s.baseURL + "/v1/accounts/" + url.PathEscape(account) + "/balance"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("building balance request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, retriable(err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return 0, err
	}

	var br balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return 0, retriable(fmt.Errorf("decoding balance response: %w", err))
	}
	return br.Balance, nil
}

// checkResponse classifies non-2xx responses. Client errors are rejections
// by the ledger itself and carry its message verbatim.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	message := resp.Status
	if body, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && len(body) > 0 {
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			message = er.Error
		}
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return terminal(message)
	}
	return &CallError{Kind: FailureRetriable, Message: message}
}
