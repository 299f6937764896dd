// ABOUTME: In-memory registry of subscription records and their billing state.
// ABOUTME: IDs are allocated monotonically; cancellation is a soft terminal state, never a delete.

package subscription

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for lookups of unknown subscription IDs.
var ErrNotFound = errors.New("subscription not found")

// Status is the billing lifecycle state of a subscription.
type Status string

const (
	// StatusActive subscriptions are charged when due.
	StatusActive Status = "active"
	// StatusSuspended subscriptions stopped charging after an insufficient
	// balance and wait for a top-up plus an explicit resume.
	StatusSuspended Status = "suspended"
	// StatusCancelled is terminal. Cancelled records are kept forever.
	StatusCancelled Status = "cancelled"
)

// Subscription is one recurring payment from a patron to a creator.
type Subscription struct {
	ID         int64         `json:"id"`
	Patron     string        `json:"patron"`
	Creator    string        `json:"creator"`
	Cadence    time.Duration `json:"cadence"`
	NextCharge time.Time     `json:"next_charge"`
	Amount     int64         `json:"amount"`
	Status     Status        `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Registry owns all subscription records. All mutation flows through its
// methods; callers receive copies, never pointers into the registry.
type Registry struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription
	ids    []int64
	nextID int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{subs: make(map[int64]*Subscription)}
}

// Create registers a new active subscription and returns it. The first charge
// comes due one cadence after now.
func (r *Registry) Create(patron, creator string, cadence time.Duration, amount int64, now time.Time) (Subscription, error) {
	if patron == "" || creator == "" {
		return Subscription{}, errors.New("patron and creator are required")
	}
	if patron == creator {
		return Subscription{}, errors.New("patron and creator must differ")
	}
	if cadence <= 0 {
		return Subscription{}, fmt.Errorf("cadence must be positive, got %s", cadence)
	}
	if amount <= 0 {
		return Subscription{}, fmt.Errorf("amount must be positive, got %d", amount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{
		ID:         r.nextID,
		Patron:     patron,
		Creator:    creator,
		Cadence:    cadence,
		NextCharge: now.Add(cadence),
		Amount:     amount,
		Status:     StatusActive,
		CreatedAt:  now,
	}
	r.subs[sub.ID] = sub
	r.ids = append(r.ids, sub.ID)
	return *sub, nil
}

// Get returns a copy of the subscription with the given ID.
func (r *Registry) Get(id int64) (Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return Subscription{}, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	return *sub, nil
}

// Cancel soft-terminates a subscription. Repeated cancels converge on the
// same terminal state.
func (r *Registry) Cancel(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	sub.Status = StatusCancelled
	return nil
}

// Suspend moves an active subscription to suspended. Suspending an already
// suspended subscription is a no-op; a cancelled one stays cancelled.
func (r *Registry) Suspend(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if sub.Status == StatusCancelled {
		return fmt.Errorf("subscription %d is cancelled", id)
	}
	sub.Status = StatusSuspended
	return nil
}

// Resume moves a suspended subscription back to active. Its NextCharge is
// left untouched, so an overdue subscription is charged on the next tick.
func (r *Registry) Resume(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if sub.Status == StatusCancelled {
		return fmt.Errorf("subscription %d is cancelled", id)
	}
	sub.Status = StatusActive
	return nil
}

// AdvanceSchedule moves NextCharge forward. It only applies while the
// subscription is still active, and never moves the schedule backward.
func (r *Registry) AdvanceSchedule(id int64, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if sub.Status != StatusActive {
		return nil
	}
	if next.Before(sub.NextCharge) {
		return fmt.Errorf("schedule for subscription %d cannot move backward", id)
	}
	sub.NextCharge = next
	return nil
}

// ScanFrom returns up to limit subscriptions in ascending ID order with
// ID > afterID. It is the restartable scan primitive behind both billing
// batches and paginated listings.
func (r *Registry) ScanFrom(afterID int64, limit int) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, limit)
	if limit <= 0 {
		return out
	}
	start := sort.Search(len(r.ids), func(i int) bool { return r.ids[i] > afterID })
	for i := start; i < len(r.ids) && len(out) < limit; i++ {
		out = append(out, *r.subs[r.ids[i]])
	}
	return out
}

// ListOwned returns subscriptions where owner is the patron or the creator,
// optionally filtered by status, in ascending ID order. A non-positive limit
// defaults to 100, capped at 1000.
func (r *Registry) ListOwned(owner string, status Status, limit int) []Subscription {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0)
	for _, id := range r.ids {
		sub := r.subs[id]
		if owner != "" && sub.Patron != owner && sub.Creator != owner {
			continue
		}
		if status != "" && sub.Status != status {
			continue
		}
		out = append(out, *sub)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Counts returns the number of subscriptions per status.
func (r *Registry) Counts() (active, suspended, cancelled int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs {
		switch sub.Status {
		case StatusActive:
			active++
		case StatusSuspended:
			suspended++
		case StatusCancelled:
			cancelled++
		}
	}
	return active, suspended, cancelled
}

// Len returns the total number of records, cancelled included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// MaxID returns the highest allocated subscription ID.
func (r *Registry) MaxID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID
}

// Snapshot returns all records in ascending ID order plus the ID counter.
func (r *Registry) Snapshot() ([]Subscription, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, *r.subs[id])
	}
	return out, r.nextID
}

// Restore replaces all registry state. The ID counter is raised to at least
// the highest restored ID so future allocations stay monotonic.
func (r *Registry) Restore(subs []Subscription, nextID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = make(map[int64]*Subscription, len(subs))
	r.ids = make([]int64, 0, len(subs))
	for i := range subs {
		sub := subs[i]
		r.subs[sub.ID] = &sub
		r.ids = append(r.ids, sub.ID)
		if sub.ID > nextID {
			nextID = sub.ID
		}
	}
	sort.Slice(r.ids, func(i, j int) bool { return r.ids[i] < r.ids[j] })
	r.nextID = nextID
}
