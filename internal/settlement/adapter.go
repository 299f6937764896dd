// ABOUTME: Adapter between engine intents and the external settlement service.
// ABOUTME: Applies optimistic accounting: debit first, suspend on the external call, compensate on failure.

package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rookery-collective/rookery-engine/internal/audit"
	"github.com/rookery-collective/rookery-engine/internal/ledger"
	"github.com/rookery-collective/rookery-engine/internal/metrics"
)

// Receipt identifies a settled withdrawal: Reference is assigned by the
// engine, Sequence by the external ledger.
type Receipt struct {
	Reference string `json:"reference"`
	Sequence  int64  `json:"sequence"`
}

// Adapter owns the deposit watermarks and runs every balance-affecting
// external call under the mutate-before-suspend discipline. The external
// service is never called while any internal lock is held.
type Adapter struct {
	svc     Service
	ledger  *ledger.Ledger
	auditor *audit.Log
	limiter *rate.Limiter
	logger  *slog.Logger

	mu         sync.Mutex
	watermarks map[string]int64

	inflight sync.WaitGroup
}

// NewAdapter creates an adapter. callRate bounds outbound settlement calls
// per second; a non-positive rate disables the limit.
func NewAdapter(svc Service, led *ledger.Ledger, auditor *audit.Log, callRate float64, callBurst int) *Adapter {
	limit := rate.Inf
	if callRate > 0 {
		limit = rate.Limit(callRate)
	}
	if callBurst <= 0 {
		callBurst = 1
	}
	return &Adapter{
		svc:        svc,
		ledger:     led,
		auditor:    auditor,
		limiter:    rate.NewLimiter(limit, callBurst),
		logger:     slog.Default().With("component", "settlement"),
		watermarks: make(map[string]int64),
	}
}

// NotifyDeposit checks the identity's deposit address on the external ledger
// and credits any balance above the stored watermark. Repeated calls with no
// new external funds return ErrNoNewFunds and change nothing. The external
// read happens before any mutation, so no compensation is ever needed here.
func (a *Adapter) NotifyDeposit(ctx context.Context, identity string) (int64, error) {
	address := DepositAddress(identity)

	if err := a.limiter.Wait(ctx); err != nil {
		return 0, retriable(err)
	}
	external, err := a.svc.BalanceOf(ctx, address)
	if err != nil {
		ce := classify(err)
		metrics.SettlementCallsTotal.WithLabelValues("balance_of", string(ce.Kind)).Inc()
		a.logger.Warn("deposit probe failed", "identity", identity, "kind", ce.Kind, "error", err)
		return 0, ce
	}
	metrics.SettlementCallsTotal.WithLabelValues("balance_of", "ok").Inc()

	a.mu.Lock()
	defer a.mu.Unlock()

	delta := external - a.watermarks[identity]
	if delta <= 0 {
		return 0, ErrNoNewFunds
	}
	if err := a.ledger.Credit(identity, delta); err != nil {
		return 0, fmt.Errorf("crediting deposit: %w", err)
	}
	a.watermarks[identity] = external

	metrics.DepositsCreditedTotal.Add(float64(delta))
	a.auditor.Append(audit.SeverityInfo, fmt.Sprintf("deposit credited identity=%s amount=%d watermark=%d", identity, delta, external))
	a.logger.Info("deposit credited", "identity", identity, "amount", delta, "watermark", external)
	return delta, nil
}

// Withdraw sends amount from the identity's internal balance to its deposit
// address on the external ledger. The balance is debited before the external
// call; on any failure, including a panic in the transport, the deferred
// rollback restores it exactly.
func (a *Adapter) Withdraw(ctx context.Context, identity string, amount int64) (Receipt, error) {
	if err := a.ledger.WithdrawDebit(identity, amount); err != nil {
		return Receipt{}, err
	}

	settled := false
	defer func() {
		if !settled {
			a.ledger.WithdrawRevert(identity, amount)
		}
	}()

	seq, err := a.transfer(ctx, DepositAddress(identity), amount)
	if err != nil {
		ce := classify(err)
		metrics.WithdrawalsTotal.WithLabelValues(string(ce.Kind)).Inc()
		a.auditor.Append(audit.SeverityError, fmt.Sprintf("withdrawal failed identity=%s amount=%d kind=%s: %s", identity, amount, ce.Kind, ce.Message))
		a.logger.Warn("withdrawal failed, balance restored", "identity", identity, "amount", amount, "kind", ce.Kind, "error", err)
		return Receipt{}, ce
	}
	settled = true

	receipt := Receipt{Reference: uuid.NewString(), Sequence: seq}
	metrics.WithdrawalsTotal.WithLabelValues("ok").Inc()
	a.auditor.Append(audit.SeverityInfo, fmt.Sprintf("withdrawal settled identity=%s amount=%d sequence=%d", identity, amount, seq))
	a.logger.Info("withdrawal settled", "identity", identity, "amount", amount, "sequence", seq, "reference", receipt.Reference)
	return receipt, nil
}

// WithdrawTreasury sends amount from the treasury to an explicit external
// destination, under the same optimistic discipline as Withdraw.
func (a *Adapter) WithdrawTreasury(ctx context.Context, destination string, amount int64) (Receipt, error) {
	if err := a.ledger.TreasuryWithdrawDebit(amount); err != nil {
		return Receipt{}, err
	}

	settled := false
	defer func() {
		if !settled {
			a.ledger.TreasuryWithdrawRevert(amount)
		}
	}()

	seq, err := a.transfer(ctx, destination, amount)
	if err != nil {
		ce := classify(err)
		a.auditor.Append(audit.SeverityError, fmt.Sprintf("treasury withdrawal failed amount=%d kind=%s: %s", amount, ce.Kind, ce.Message))
		return Receipt{}, ce
	}
	settled = true

	receipt := Receipt{Reference: uuid.NewString(), Sequence: seq}
	a.auditor.Append(audit.SeverityInfo, fmt.Sprintf("treasury withdrawal settled amount=%d destination=%s sequence=%d", amount, destination, seq))
	a.logger.Info("treasury withdrawal settled", "amount", amount, "destination", destination, "sequence", seq)
	return receipt, nil
}

// transfer is the suspension point: rate-limit wait plus the external call,
// tracked so Drain can wait out in-flight settlements before a snapshot.
func (a *Adapter) transfer(ctx context.Context, destination string, amount int64) (int64, error) {
	a.inflight.Add(1)
	defer a.inflight.Done()

	if err := a.limiter.Wait(ctx); err != nil {
		return 0, retriable(err)
	}
	seq, err := a.svc.Transfer(ctx, destination, amount)
	if err != nil {
		metrics.SettlementCallsTotal.WithLabelValues("transfer", string(classify(err).Kind)).Inc()
		return 0, err
	}
	metrics.SettlementCallsTotal.WithLabelValues("transfer", "ok").Inc()
	return seq, nil
}

// Drain blocks until no settlement call is in flight.
func (a *Adapter) Drain() {
	a.inflight.Wait()
}

// Watermarks returns a copy of the deposit watermarks for persistence.
func (a *Adapter) Watermarks() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermarksLocked()
}

func (a *Adapter) watermarksLocked() map[string]int64 {
	out := make(map[string]int64, len(a.watermarks))
	for id, wm := range a.watermarks {
		out[id] = wm
	}
	return out
}

// SnapshotDeposits captures the ledger state and the deposit watermarks as
// one consistent unit: no deposit commit can land between the two reads, so
// a restored snapshot neither re-credits nor loses a deposit.
func (a *Adapter) SnapshotDeposits() (ledger.Snapshot, map[string]int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.Snapshot(), a.watermarksLocked()
}

// RestoreWatermarks replaces the deposit watermarks from a snapshot.
func (a *Adapter) RestoreWatermarks(watermarks map[string]int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.watermarks = make(map[string]int64, len(watermarks))
	for id, wm := range watermarks {
		a.watermarks[id] = wm
	}
}
