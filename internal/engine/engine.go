// ABOUTME: Composition root wiring ledger, registry, scheduler, settlement, audit, and store.
// ABOUTME: Enforces caller authorization and orchestrates snapshot/restore across pause-resume.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rookery-collective/rookery-engine/internal/audit"
	"github.com/rookery-collective/rookery-engine/internal/config"
	"github.com/rookery-collective/rookery-engine/internal/identity"
	"github.com/rookery-collective/rookery-engine/internal/ledger"
	"github.com/rookery-collective/rookery-engine/internal/scheduler"
	"github.com/rookery-collective/rookery-engine/internal/settlement"
	"github.com/rookery-collective/rookery-engine/internal/store"
	"github.com/rookery-collective/rookery-engine/internal/subscription"
)

// ErrUnauthorized is returned when a mutating call carries no identity or
// one with an insufficient role. Rejected before any mutation.
var ErrUnauthorized = errors.New("unauthorized")

// ErrCapacityExceeded is returned when a manual batch request exceeds the
// configured maximum; the caller must page instead.
var ErrCapacityExceeded = errors.New("batch limit exceeds maximum")

// Engine owns the billing components as process-wide singletons. All
// mutation flows through its methods, which check the caller identity
// before touching any state.
type Engine struct {
	cfg       *config.Config
	store     *store.SQLiteStore
	ledger    *ledger.Ledger
	registry  *subscription.Registry
	auditor   *audit.Log
	adapter   *settlement.Adapter
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// New wires an engine from its configuration, the persistence store, and
// the external settlement service.
func New(cfg *config.Config, st *store.SQLiteStore, svc settlement.Service) *Engine {
	led := ledger.New()
	registry := subscription.New()
	auditor := audit.NewLog(cfg.Audit.Capacity)
	adapter := settlement.NewAdapter(svc, led, auditor, cfg.Settlement.CallRate, cfg.Settlement.CallBurst)

	e := &Engine{
		cfg:      cfg,
		store:    st,
		ledger:   led,
		registry: registry,
		auditor:  auditor,
		adapter:  adapter,
		logger:   slog.Default().With("component", "engine"),
	}

	e.scheduler = scheduler.New(registry, led, auditor, scheduler.Config{
		Interval:   cfg.Billing.Interval,
		BatchSize:  cfg.Billing.BatchSize,
		MaxCatchUp: cfg.Billing.MaxCatchUp,
		FeeBps:     cfg.Billing.FeeBps,
	}, func() {
		// Snapshot after every completed tick so a crash mid-backlog
		// resumes from the last tick's cursor.
		if err := e.SaveSnapshot(context.Background()); err != nil {
			e.logger.Error("saving post-tick snapshot", "error", err)
		}
	})

	return e
}

// Directory exposes the identity directory for the auth middleware.
func (e *Engine) Directory() identity.Directory { return e.store }

// Run starts the billing scheduler and blocks until the context is
// canceled, then pauses: drains in-flight settlement calls and writes the
// final snapshot. Call Restore first.
func (e *Engine) Run(ctx context.Context) error {
	e.scheduler.Run(ctx)
	return e.Pause(context.Background())
}

// Restore rebuilds in-memory state from the persisted snapshot. A missing
// snapshot means a fresh start; an unrecognized version fails fast.
func (e *Engine) Restore(ctx context.Context) error {
	snap, err := e.store.LoadSnapshot(ctx)
	if errors.Is(err, store.ErrNoSnapshot) {
		e.logger.Info("no snapshot found, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}

	e.ledger.Restore(ledger.Snapshot{
		Balances:  snap.Balances,
		Treasury:  snap.Treasury,
		Credited:  snap.Credited,
		Withdrawn: snap.Withdrawn,
	})
	e.registry.Restore(snap.Subscriptions, snap.NextSubID)
	e.adapter.RestoreWatermarks(snap.Watermarks)
	e.auditor.Restore(snap.Audit)
	e.scheduler.Restore(snap.Cursor, snap.LastTick)

	e.logger.Info("state restored",
		"balances", len(snap.Balances),
		"subscriptions", len(snap.Subscriptions),
		"cursor", snap.Cursor,
		"saved_at", snap.SavedAt.Format(time.RFC3339),
	)
	return nil
}

// Pause drains in-flight settlement calls and persists the final snapshot.
func (e *Engine) Pause(ctx context.Context) error {
	e.adapter.Drain()
	if err := e.SaveSnapshot(ctx); err != nil {
		return fmt.Errorf("saving pause snapshot: %w", err)
	}
	e.logger.Info("engine paused, state persisted")
	return nil
}

// SaveSnapshot persists all engine state. The ledger and the deposit
// watermarks are captured as one consistent unit.
func (e *Engine) SaveSnapshot(ctx context.Context) error {
	ledgerSnap, watermarks := e.adapter.SnapshotDeposits()
	subs, nextID := e.registry.Snapshot()

	return e.store.SaveSnapshot(ctx, &store.Snapshot{
		Balances:      ledgerSnap.Balances,
		Treasury:      ledgerSnap.Treasury,
		Credited:      ledgerSnap.Credited,
		Withdrawn:     ledgerSnap.Withdrawn,
		Subscriptions: subs,
		NextSubID:     nextID,
		Watermarks:    watermarks,
		Audit:         e.auditor.Snapshot(),
		Cursor:        e.scheduler.Cursor(),
		LastTick:      e.scheduler.LastTick(),
	})
}

// requireAuth returns the caller identity or ErrUnauthorized for anonymous
// calls. Every mutating operation goes through it before touching state.
func requireAuth(ctx context.Context) (*identity.AuthContext, error) {
	auth := identity.FromContext(ctx)
	if auth == nil {
		return nil, ErrUnauthorized
	}
	return auth, nil
}

// requireAdmin returns the caller identity only when it carries the admin role.
func requireAdmin(ctx context.Context) (*identity.AuthContext, error) {
	auth, err := requireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if !auth.IsAdmin() {
		return nil, fmt.Errorf("admin role required: %w", ErrUnauthorized)
	}
	return auth, nil
}

// Subscribe creates a recurring payment from the caller to the creator.
func (e *Engine) Subscribe(ctx context.Context, creatorID string, cadence time.Duration, amount int64) (subscription.Subscription, error) {
	auth, err := requireAuth(ctx)
	if err != nil {
		return subscription.Subscription{}, err
	}

	creator, err := e.store.GetIdentity(ctx, creatorID)
	if err != nil {
		return subscription.Subscription{}, fmt.Errorf("resolving creator: %w", err)
	}
	if creator.Status != store.IdentityStatusActive {
		return subscription.Subscription{}, fmt.Errorf("creator %s: %w", creatorID, store.ErrIdentityNotFound)
	}

	sub, err := e.registry.Create(auth.ID, creatorID, cadence, amount, time.Now().UTC())
	if err != nil {
		return subscription.Subscription{}, err
	}

	e.auditor.Append(audit.SeverityInfo, fmt.Sprintf(
		"subscription %d created: patron=%s creator=%s amount=%d cadence=%s",
		sub.ID, sub.Patron, sub.Creator, sub.Amount, sub.Cadence))
	e.logger.Info("subscription created", "id", sub.ID, "patron", sub.Patron, "creator", sub.Creator)
	return sub, nil
}

// CancelSubscription soft-terminates a subscription. Only the patron or an
// admin may cancel; repeated cancels converge.
func (e *Engine) CancelSubscription(ctx context.Context, id int64) error {
	auth, err := requireAuth(ctx)
	if err != nil {
		return err
	}

	sub, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if sub.Patron != auth.ID && !auth.IsAdmin() {
		return fmt.Errorf("subscription %d belongs to another patron: %w", id, ErrUnauthorized)
	}

	if err := e.registry.Cancel(id); err != nil {
		return err
	}
	e.auditor.Append(audit.SeverityInfo, fmt.Sprintf("subscription %d cancelled by %s", id, auth.ID))
	return nil
}

// ResumeSubscription reactivates a suspended subscription after a top-up.
// Only the patron or an admin may resume.
func (e *Engine) ResumeSubscription(ctx context.Context, id int64) error {
	auth, err := requireAuth(ctx)
	if err != nil {
		return err
	}

	sub, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if sub.Patron != auth.ID && !auth.IsAdmin() {
		return fmt.Errorf("subscription %d belongs to another patron: %w", id, ErrUnauthorized)
	}

	if err := e.registry.Resume(id); err != nil {
		return err
	}
	e.auditor.Append(audit.SeverityInfo, fmt.Sprintf("subscription %d resumed by %s", id, auth.ID))
	return nil
}

// GetSubscription returns a subscription by ID.
func (e *Engine) GetSubscription(_ context.Context, id int64) (subscription.Subscription, error) {
	return e.registry.Get(id)
}

// ListSubscriptions returns subscriptions owned by the given identity,
// optionally filtered by status.
func (e *Engine) ListSubscriptions(_ context.Context, owner string, status subscription.Status, limit int) []subscription.Subscription {
	return e.registry.ListOwned(owner, status, limit)
}

// Balance returns the caller's internal balance.
func (e *Engine) Balance(ctx context.Context) (int64, error) {
	auth, err := requireAuth(ctx)
	if err != nil {
		return 0, err
	}
	return e.ledger.Balance(auth.ID), nil
}

// NotifyDeposit probes the external ledger for new funds on the caller's
// deposit address and credits the delta.
func (e *Engine) NotifyDeposit(ctx context.Context) (int64, error) {
	auth, err := requireAuth(ctx)
	if err != nil {
		return 0, err
	}
	return e.adapter.NotifyDeposit(ctx, auth.ID)
}

// Withdraw sends amount from the caller's balance to the external ledger.
func (e *Engine) Withdraw(ctx context.Context, amount int64) (settlement.Receipt, error) {
	auth, err := requireAuth(ctx)
	if err != nil {
		return settlement.Receipt{}, err
	}
	return e.adapter.Withdraw(ctx, auth.ID, amount)
}

// WithdrawTreasury sends amount from the platform treasury to an external
// destination. Admin only.
func (e *Engine) WithdrawTreasury(ctx context.Context, destination string, amount int64) (settlement.Receipt, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return settlement.Receipt{}, err
	}
	return e.adapter.WithdrawTreasury(ctx, destination, amount)
}

// ManualProcess runs one billing batch on demand, independent of the timer.
// Admin only. A limit above the configured maximum is rejected; the caller
// must page.
func (e *Engine) ManualProcess(ctx context.Context, limit int) (scheduler.Result, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return scheduler.Result{}, err
	}
	if limit > e.cfg.Billing.MaxManualLimit {
		return scheduler.Result{}, fmt.Errorf("limit %d exceeds maximum %d: %w",
			limit, e.cfg.Billing.MaxManualLimit, ErrCapacityExceeded)
	}

	res := e.scheduler.ManualProcess(limit)
	if err := e.SaveSnapshot(ctx); err != nil {
		e.logger.Error("saving post-batch snapshot", "error", err)
	}
	return res, nil
}

// Stats summarizes engine state for the operator surface.
type Stats struct {
	Active         int       `json:"active"`
	Suspended      int       `json:"suspended"`
	Cancelled      int       `json:"cancelled"`
	Treasury       int64     `json:"treasury"`
	CreditedTotal  int64     `json:"credited_total"`
	WithdrawnTotal int64     `json:"withdrawn_total"`
	LastTick       time.Time `json:"last_tick"`
}

// Stats returns subscription counts, the treasury balance, the conservation
// counters, and the last tick time.
func (e *Engine) Stats(_ context.Context) Stats {
	active, suspended, cancelled := e.registry.Counts()
	return Stats{
		Active:         active,
		Suspended:      suspended,
		Cancelled:      cancelled,
		Treasury:       e.ledger.Treasury(),
		CreditedTotal:  e.ledger.CreditedTotal(),
		WithdrawnTotal: e.ledger.WithdrawnTotal(),
		LastTick:       e.scheduler.LastTick(),
	}
}

// AuditRecent returns up to n recent audit entries, most recent last.
func (e *Engine) AuditRecent(_ context.Context, n int) []audit.Entry {
	return e.auditor.Recent(n)
}

// CreateIdentity registers a new identity in the directory. Admin only.
func (e *Engine) CreateIdentity(ctx context.Context, displayName string, role store.Role) (*store.Identity, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}

	switch role {
	case store.RolePatron, store.RoleCreator, store.RoleAdmin:
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	ident := &store.Identity{
		ID:          uuid.New().String(),
		DisplayName: displayName,
		Role:        role,
		Status:      store.IdentityStatusActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateIdentity(ctx, ident); err != nil {
		return nil, err
	}

	e.logger.Info("identity created", "id", ident.ID, "role", role)
	return ident, nil
}

// GetIdentity returns a directory entry by ID.
func (e *Engine) GetIdentity(ctx context.Context, id string) (*store.Identity, error) {
	return e.store.GetIdentity(ctx, id)
}

// ListIdentities returns directory entries in creation order.
func (e *Engine) ListIdentities(ctx context.Context, limit int) ([]*store.Identity, error) {
	return e.store.ListIdentities(ctx, limit)
}

// RevokeIdentity marks a directory entry revoked. Admin only. Revocation
// cuts off API access; it does not touch balances or subscriptions.
func (e *Engine) RevokeIdentity(ctx context.Context, id string) error {
	if _, err := requireAdmin(ctx); err != nil {
		return err
	}
	return e.store.RevokeIdentity(ctx, id)
}
