// ABOUTME: Tests for the billing scheduler: charge outcomes, fee rounding, catch-up, cursor paging.
// ABOUTME: Uses a fixed clock so due dates are deterministic.

package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-collective/rookery-engine/internal/audit"
	"github.com/rookery-collective/rookery-engine/internal/ledger"
	"github.com/rookery-collective/rookery-engine/internal/subscription"
)

func setupScheduler(t *testing.T, cfg Config) (*Scheduler, *subscription.Registry, *ledger.Ledger, *audit.Log) {
	t.Helper()
	reg := subscription.New()
	led := ledger.New()
	auditor := audit.NewLog(1024)
	s := New(reg, led, auditor, cfg, nil)
	return s, reg, led, auditor
}

func TestFee(t *testing.T) {
	assert.Equal(t, int64(5), Fee(500, 100))  // 1% exact
	assert.Equal(t, int64(1), Fee(1, 100))    // rounds up
	assert.Equal(t, int64(1), Fee(33, 100))   // 0.33 rounds up
	assert.Equal(t, int64(0), Fee(500, 0))    // no fee configured
	assert.Equal(t, int64(500), Fee(500, 10000))
}

func TestTick_ChargesDueSubscription(t *testing.T) {
	// Scenario: amount 500 at 1% fee, patron holds 1200 at the due date.
	s, reg, led, _ := setupScheduler(t, Config{BatchSize: 100, FeeBps: 100})

	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cadence := 30 * 24 * time.Hour
	sub, err := reg.Create("patron", "creator", cadence, 500, anchor)
	require.NoError(t, err)
	require.NoError(t, led.Credit("patron", 1200))

	due := anchor.Add(cadence)
	s.SetNowFunc(func() time.Time { return due })

	res := s.Tick()
	assert.Equal(t, 1, res.Charged)
	assert.Equal(t, 0, res.Suspended)

	assert.Equal(t, int64(700), led.Balance("patron"))
	assert.Equal(t, int64(495), led.Balance("creator"))
	assert.Equal(t, int64(5), led.Treasury())

	got, err := reg.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, got.Status)
	assert.Equal(t, due.Add(cadence), got.NextCharge)
}

func TestTick_InsufficientFundsSuspends(t *testing.T) {
	// Scenario: patron holds 300 against a 500 charge. The subscription is
	// suspended, nothing moves, and the schedule stays put.
	s, reg, led, auditor := setupScheduler(t, Config{BatchSize: 100, FeeBps: 100})

	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cadence := 30 * 24 * time.Hour
	sub, err := reg.Create("patron", "creator", cadence, 500, anchor)
	require.NoError(t, err)
	require.NoError(t, led.Credit("patron", 300))

	due := anchor.Add(cadence)
	s.SetNowFunc(func() time.Time { return due })

	res := s.Tick()
	assert.Equal(t, 0, res.Charged)
	assert.Equal(t, 1, res.Suspended)

	assert.Equal(t, int64(300), led.Balance("patron"))
	assert.Equal(t, int64(0), led.Balance("creator"))
	assert.Equal(t, int64(0), led.Treasury())

	got, err := reg.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusSuspended, got.Status)
	assert.Equal(t, due, got.NextCharge)

	entries := auditor.Recent(1)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.SeverityWarn, entries[0].Severity)
}

func TestTick_NotDueYet(t *testing.T) {
	s, reg, led, _ := setupScheduler(t, Config{BatchSize: 100, FeeBps: 100})

	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := reg.Create("patron", "creator", time.Hour, 500, anchor)
	require.NoError(t, err)
	require.NoError(t, led.Credit("patron", 1000))

	s.SetNowFunc(func() time.Time { return anchor.Add(30 * time.Minute) })
	res := s.Tick()

	assert.Equal(t, 0, res.Charged)
	assert.Equal(t, int64(1000), led.Balance("patron"))
}

func TestTick_CatchUpCollapsesMissedWindows(t *testing.T) {
	// Five windows missed, one charge per tick, schedule fast-forwarded up
	// to MaxCatchUp cadences so it lands past now in one pass.
	s, reg, led, _ := setupScheduler(t, Config{BatchSize: 100, MaxCatchUp: 12, FeeBps: 100})

	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub, err := reg.Create("patron", "creator", 24*time.Hour, 100, anchor)
	require.NoError(t, err)
	require.NoError(t, led.Credit("patron", 10_000))

	now := anchor.Add(5*24*time.Hour + time.Hour)
	s.SetNowFunc(func() time.Time { return now })

	res := s.Tick()
	assert.Equal(t, 1, res.Charged)

	// One charge only, schedule integrity preserved: anchor plus a whole
	// multiple of the cadence, strictly past now.
	assert.Equal(t, int64(9_900), led.Balance("patron"))
	got, err := reg.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.Add(6*24*time.Hour), got.NextCharge)
	assert.True(t, got.NextCharge.After(now))
}

func TestTick_CatchUpBounded(t *testing.T) {
	// A backlog longer than MaxCatchUp stays due: the schedule advances at
	// most MaxCatchUp cadences, so the next tick charges again.
	s, reg, led, _ := setupScheduler(t, Config{BatchSize: 100, MaxCatchUp: 3, FeeBps: 0})

	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub, err := reg.Create("patron", "creator", 24*time.Hour, 100, anchor)
	require.NoError(t, err)
	require.NoError(t, led.Credit("patron", 10_000))

	now := anchor.Add(10 * 24 * time.Hour)
	s.SetNowFunc(func() time.Time { return now })

	res := s.Tick()
	assert.Equal(t, 1, res.Charged)

	got, err := reg.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.Add(4*24*time.Hour), got.NextCharge)

	// Still due; a second tick advances by another MaxCatchUp cadences.
	res = s.Tick()
	assert.Equal(t, 1, res.Charged)
	got, err = reg.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.Add(7*24*time.Hour), got.NextCharge)
	assert.Equal(t, int64(9_800), led.Balance("patron"))
}

func TestTick_BatchLimitAndCursor(t *testing.T) {
	// Scenario: 250 due subscriptions with a batch size of 100. Exactly 100
	// are charged per tick and the cursor resumes where the last stopped.
	s, reg, led, _ := setupScheduler(t, Config{BatchSize: 100, FeeBps: 0})

	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 250; i++ {
		patron := fmt.Sprintf("patron-%d", i)
		require.NoError(t, led.Credit(patron, 100))
		_, err := reg.Create(patron, "creator", time.Hour, 10, anchor)
		require.NoError(t, err)
	}

	due := anchor.Add(2 * time.Hour)
	s.SetNowFunc(func() time.Time { return due })

	res := s.Tick()
	assert.Equal(t, 100, res.Charged)
	assert.Equal(t, int64(100), s.Cursor())
	assert.Equal(t, int64(100*10), led.Balance("creator"))

	res = s.Tick()
	assert.Equal(t, 100, res.Charged)
	assert.Equal(t, int64(200), s.Cursor())

	res = s.Tick()
	assert.Equal(t, 50, res.Charged)
	assert.True(t, res.Wrapped)
	assert.Equal(t, int64(0), s.Cursor())
	assert.Equal(t, int64(250*10), led.Balance("creator"))
}

func TestTick_OneBadRecordDoesNotBlockBatch(t *testing.T) {
	s, reg, led, _ := setupScheduler(t, Config{BatchSize: 100, FeeBps: 0})

	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := reg.Create("broke", "creator", time.Hour, 500, anchor)
	require.NoError(t, err)
	_, err = reg.Create("funded", "creator", time.Hour, 500, anchor)
	require.NoError(t, err)
	require.NoError(t, led.Credit("funded", 1000))

	s.SetNowFunc(func() time.Time { return anchor.Add(2 * time.Hour) })
	res := s.Tick()

	assert.Equal(t, 1, res.Charged)
	assert.Equal(t, 1, res.Suspended)
	assert.Equal(t, int64(500), led.Balance("creator"))
}

func TestTick_SkipsCancelledAndSuspended(t *testing.T) {
	s, reg, led, _ := setupScheduler(t, Config{BatchSize: 100, FeeBps: 0})

	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cancelled, err := reg.Create("patron", "creator", time.Hour, 100, anchor)
	require.NoError(t, err)
	require.NoError(t, reg.Cancel(cancelled.ID))

	suspended, err := reg.Create("patron", "other", time.Hour, 100, anchor)
	require.NoError(t, err)
	require.NoError(t, reg.Suspend(suspended.ID))

	require.NoError(t, led.Credit("patron", 10_000))
	s.SetNowFunc(func() time.Time { return anchor.Add(2 * time.Hour) })

	res := s.Tick()
	assert.Equal(t, 0, res.Charged)
	assert.Equal(t, int64(10_000), led.Balance("patron"))
}

func TestManualProcess_UsesDefaultLimit(t *testing.T) {
	s, reg, led, _ := setupScheduler(t, Config{BatchSize: 2, FeeBps: 0})

	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		patron := fmt.Sprintf("p%d", i)
		require.NoError(t, led.Credit(patron, 100))
		_, err := reg.Create(patron, "creator", time.Hour, 10, anchor)
		require.NoError(t, err)
	}
	s.SetNowFunc(func() time.Time { return anchor.Add(2 * time.Hour) })

	res := s.ManualProcess(0)
	assert.Equal(t, 2, res.Charged)

	res = s.ManualProcess(10)
	assert.Equal(t, 3, res.Charged)
}

func TestRestore_ResumesCursor(t *testing.T) {
	s, _, _, _ := setupScheduler(t, Config{BatchSize: 100})

	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	s.Restore(42, at)

	assert.Equal(t, int64(42), s.Cursor())
	assert.Equal(t, at, s.LastTick())
}

func TestConservationAcrossTicks(t *testing.T) {
	// Internal transfers never change credited minus withdrawn; the ledger
	// total is conserved through any mix of charges and suspensions.
	s, reg, led, _ := setupScheduler(t, Config{BatchSize: 100, FeeBps: 250})

	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		patron := fmt.Sprintf("p%d", i)
		require.NoError(t, led.Credit(patron, int64(100*i)))
		_, err := reg.Create(patron, "creator", time.Hour, 750, anchor)
		require.NoError(t, err)
	}

	s.SetNowFunc(func() time.Time { return anchor.Add(3 * time.Hour) })
	s.Tick()

	snap := led.Snapshot()
	var sum int64
	for _, b := range snap.Balances {
		require.GreaterOrEqual(t, b, int64(0))
		sum += b
	}
	assert.Equal(t, led.CreditedTotal()-led.WithdrawnTotal(), sum+snap.Treasury)
}
