// ABOUTME: Self-rearming billing scheduler that charges due subscriptions in bounded batches.
// ABOUTME: The scan cursor persists across ticks and restarts so a backlog drains incrementally.

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rookery-collective/rookery-engine/internal/audit"
	"github.com/rookery-collective/rookery-engine/internal/ledger"
	"github.com/rookery-collective/rookery-engine/internal/metrics"
	"github.com/rookery-collective/rookery-engine/internal/subscription"
)

// scanPageSize is how many registry records one scan call pulls. Most of a
// page is usually skipped (not due, not active), so it is larger than the
// typical charge batch.
const scanPageSize = 256

// Config holds the billing parameters.
type Config struct {
	// Interval between ticks. Best effort: a new timer is armed only after
	// the previous tick completes, so actual spacing is at least Interval.
	Interval time.Duration

	// BatchSize caps how many subscriptions are charged per tick.
	BatchSize int

	// MaxCatchUp bounds how many whole cadences a schedule fast-forwards
	// after a successful charge. Missed windows beyond it stay due and are
	// charged one per subsequent tick.
	MaxCatchUp int

	// FeeBps is the platform fee in basis points, rounded up per charge.
	FeeBps int64
}

// Scheduler drives recurring charges. All ledger movement on this path is
// internal (patron to creator to treasury); the external settlement service
// is never called from a tick.
type Scheduler struct {
	registry *subscription.Registry
	ledger   *ledger.Ledger
	auditor  *audit.Log
	logger   *slog.Logger
	cfg      Config

	now    func() time.Time
	onTick func()

	// tickMu serializes ticks and manual processing; an overlapping timer
	// fire waits for the in-flight batch instead of re-entering it.
	tickMu sync.Mutex

	mu       sync.Mutex
	cursor   int64
	lastTick time.Time
}

// New creates a scheduler. onTick, if non-nil, runs after every completed
// batch; the engine uses it to persist a snapshot.
func New(registry *subscription.Registry, led *ledger.Ledger, auditor *audit.Log, cfg Config, onTick func()) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxCatchUp <= 0 {
		cfg.MaxCatchUp = 12
	}
	return &Scheduler{
		registry: registry,
		ledger:   led,
		auditor:  auditor,
		logger:   slog.Default().With("component", "scheduler"),
		cfg:      cfg,
		now:      time.Now,
		onTick:   onTick,
	}
}

// Result summarizes one processing batch.
type Result struct {
	Scanned   int
	Charged   int
	Suspended int
	Wrapped   bool
}

// Run re-arms the tick timer until the context is canceled. The timer is
// created fresh after each tick, so ticks never overlap and actual spacing
// is at least the configured interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)
	for {
		timer := time.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return
		case <-timer.C:
		}

		res := s.Tick()
		if res.Charged > 0 || res.Suspended > 0 {
			s.logger.Info("tick processed", "scanned", res.Scanned, "charged", res.Charged, "suspended", res.Suspended)
		}
		if s.onTick != nil {
			s.onTick()
		}
	}
}

// Tick runs one timer-driven batch of at most BatchSize charges.
func (s *Scheduler) Tick() Result {
	return s.process(s.cfg.BatchSize)
}

// ManualProcess runs the tick algorithm on demand with the given charge
// limit. It shares the tick mutex, so it never races a timer-driven batch.
func (s *Scheduler) ManualProcess(limit int) Result {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	return s.process(limit)
}

func (s *Scheduler) process(limit int) Result {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now().UTC()

	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()

	var res Result
	for res.Charged < limit {
		page := s.registry.ScanFrom(cursor, scanPageSize)
		if len(page) == 0 {
			cursor = 0
			res.Wrapped = true
			break
		}
		for i := range page {
			sub := &page[i]
			cursor = sub.ID
			res.Scanned++

			if sub.Status != subscription.StatusActive || sub.NextCharge.After(now) {
				continue
			}

			if s.charge(sub, now) {
				res.Charged++
			} else {
				res.Suspended++
			}
			if res.Charged == limit {
				break
			}
		}
	}

	s.mu.Lock()
	s.cursor = cursor
	s.lastTick = now
	s.mu.Unlock()

	metrics.TicksTotal.Inc()
	s.publishGauges()
	return res
}

// charge attempts one due charge. Returns true on success; on insufficient
// funds the subscription is suspended and false is returned. Either way the
// batch continues: one short patron never blocks the rest of the tick.
func (s *Scheduler) charge(sub *subscription.Subscription, now time.Time) bool {
	fee := Fee(sub.Amount, s.cfg.FeeBps)

	if err := s.ledger.TransferInternal(sub.Patron, sub.Creator, sub.Amount, fee); err != nil {
		metrics.ChargesTotal.WithLabelValues("insufficient_funds").Inc()
		if suspendErr := s.registry.Suspend(sub.ID); suspendErr != nil {
			s.logger.Error("suspending subscription", "id", sub.ID, "error", suspendErr)
		}
		s.auditor.Append(audit.SeverityWarn, fmt.Sprintf(
			"subscription %d suspended: patron=%s amount=%d: %v", sub.ID, sub.Patron, sub.Amount, err))
		return false
	}

	next := sub.NextCharge.Add(sub.Cadence)
	for i := 1; i < s.cfg.MaxCatchUp && !next.After(now); i++ {
		next = next.Add(sub.Cadence)
	}
	if err := s.registry.AdvanceSchedule(sub.ID, next); err != nil {
		s.logger.Error("advancing schedule", "id", sub.ID, "error", err)
	}

	metrics.ChargesTotal.WithLabelValues("ok").Inc()
	s.auditor.Append(audit.SeverityInfo, fmt.Sprintf(
		"charged subscription %d: patron=%s creator=%s amount=%d fee=%d next=%s",
		sub.ID, sub.Patron, sub.Creator, sub.Amount, fee, next.Format(time.RFC3339)))
	return true
}

func (s *Scheduler) publishGauges() {
	active, suspended, cancelled := s.registry.Counts()
	metrics.SubscriptionsByStatus.WithLabelValues(string(subscription.StatusActive)).Set(float64(active))
	metrics.SubscriptionsByStatus.WithLabelValues(string(subscription.StatusSuspended)).Set(float64(suspended))
	metrics.SubscriptionsByStatus.WithLabelValues(string(subscription.StatusCancelled)).Set(float64(cancelled))
	metrics.TreasuryBalance.Set(float64(s.ledger.Treasury()))
}

// Fee computes the platform fee for a charge, in basis points rounded up.
func Fee(amount, feeBps int64) int64 {
	if feeBps <= 0 {
		return 0
	}
	return (amount*feeBps + 9999) / 10000
}

// Cursor returns the persisted scan position.
func (s *Scheduler) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// LastTick returns when the most recent batch completed (zero before the
// first one).
func (s *Scheduler) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// Restore sets the scan cursor and last-tick time from a snapshot.
func (s *Scheduler) Restore(cursor int64, lastTick time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	s.lastTick = lastTick
}

// SetNowFunc overrides the clock, for tests.
func (s *Scheduler) SetNowFunc(now func() time.Time) {
	s.now = now
}
