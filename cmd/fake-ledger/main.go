// ABOUTME: Fake external ledger for local development and testing
// ABOUTME: Serves the settlement wire API with seeded accounts and optional chaos

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
)

const banner = `
  __       _          _          _
 / _| __ _| | _____  | | ___  __| | __ _  ___ _ __
| |_ / _' | |/ / _ \ | |/ _ \/ _' |/ _' |/ _ \ '__|
|  _| (_| |   <  __/ | |  __/ (_| | (_| |  __/ |
|_|  \__,_|_|\_\___| |_|\___|\__,_|\__, |\___|_|
                                   |___/
`

// ledger is the in-memory external ledger. Sequence numbers are global and
// monotonic across all transfers, like a real settlement rail.
type ledger struct {
	mu       sync.Mutex
	accounts map[string]int64
	rejected map[string]bool
	seq      int64
	logger   *slog.Logger
}

func newLedger(cfg *Config, logger *slog.Logger) *ledger {
	l := &ledger{
		accounts: make(map[string]int64, len(cfg.Ledger.Accounts)),
		rejected: make(map[string]bool, len(cfg.Ledger.Rejected)),
		logger:   logger,
	}
	for account, balance := range cfg.Ledger.Accounts {
		l.accounts[account] = balance
	}
	for _, account := range cfg.Ledger.Rejected {
		l.rejected[account] = true
	}
	return l
}

func (l *ledger) transfer(destination string, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rejected[destination] {
		return 0, fmt.Errorf("destination %s is rejected by the ledger", destination)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive, got %d", amount)
	}
	l.accounts[destination] += amount
	l.seq++
	l.logger.Info("transfer settled", "destination", destination, "amount", amount, "sequence", l.seq)
	return l.seq, nil
}

func (l *ledger) balanceOf(account string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[account]
}

func (l *ledger) credit(account string, amount int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[account] += amount
	l.logger.Info("account credited", "account", account, "amount", amount, "balance", l.accounts[account])
	return l.accounts[account]
}

// server wraps the ledger with the HTTP wire API plus chaos injection.
type server struct {
	ledger *ledger
	chaos  ChaosConfig
	logger *slog.Logger
}

// misbehave sleeps the configured latency and rolls for an injected
// failure. Returns true when the request was failed with a 503.
func (s *server) misbehave(w http.ResponseWriter) bool {
	if s.chaos.LatencyMs > 0 {
		time.Sleep(time.Duration(s.chaos.LatencyMs) * time.Millisecond)
	}
	if s.chaos.FailureRate > 0 && rand.Float64() < s.chaos.FailureRate {
		s.logger.Warn("injected failure")
		s.sendError(w, http.StatusServiceUnavailable, "injected failure")
		return true
	}
	return false
}

func (s *server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

// handleTransfer handles POST /v1/transfer.
func (s *server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.misbehave(w) {
		return
	}

	var req struct {
		Destination string `json:"destination"`
		Amount      int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Destination == "" {
		s.sendError(w, http.StatusBadRequest, "destination is required")
		return
	}

	seq, err := s.ledger.transfer(req.Destination, req.Amount)
	if err != nil {
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int64{"sequence": seq})
}

// handleAccount handles GET /v1/accounts/{account}/balance and
// POST /v1/accounts/{account}/credit (a development convenience for
// simulating inbound deposits).
func (s *server) handleAccount(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	account, action, _ := strings.Cut(rest, "/")
	if account == "" {
		s.sendError(w, http.StatusBadRequest, "account is required")
		return
	}

	switch {
	case action == "balance" && r.Method == http.MethodGet:
		if s.misbehave(w) {
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]int64{"balance": s.ledger.balanceOf(account)})
	case action == "credit" && r.Method == http.MethodPost:
		var req struct {
			Amount int64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Amount <= 0 {
			s.sendError(w, http.StatusBadRequest, "amount must be positive")
			return
		}
		balance := s.ledger.credit(account, req.Amount)
		s.sendJSON(w, http.StatusOK, map[string]int64{"balance": balance})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	configPath := "fake-ledger.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if envPath := os.Getenv("FAKE_LEDGER_CONFIG"); envPath != "" {
		configPath = envPath
	}

	cfg := DefaultConfig()
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := setupLogger(cfg.Logging.Level)

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	cyan.Print(banner)
	green.Print("    ▶ ")
	fmt.Printf("Addr:     %s\n", cfg.Server.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Accounts: %d seeded\n", len(cfg.Ledger.Accounts))
	if cfg.Chaos.FailureRate > 0 || cfg.Chaos.LatencyMs > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Chaos:    %.0f%% failures, %dms latency\n", cfg.Chaos.FailureRate*100, cfg.Chaos.LatencyMs)
	}
	fmt.Println()

	srv := &server{
		ledger: newLedger(cfg, logger.With("component", "ledger")),
		chaos:  cfg.Chaos,
		logger: logger.With("component", "chaos"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/transfer", srv.handleTransfer)
	mux.HandleFunc("/v1/accounts/", srv.handleAccount)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("fake ledger listening", "addr", cfg.Server.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
