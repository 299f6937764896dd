// ABOUTME: In-memory balance ledger owning patron/creator balances and the platform treasury.
// ABOUTME: Every mutation is serialized; conservation counters track total credited and withdrawn.

package ledger

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInsufficientFunds is returned when a debit exceeds the available balance.
// The failed operation leaves the ledger unchanged.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Ledger is the authoritative owner of all internal balances. Balance records
// are created lazily on first credit and never removed. Operations are
// synchronous and never call out of process, so each one is atomic under the
// ledger lock.
//
// The conservation counters maintain the invariant
//
//	sum(balances) + treasury == credited - withdrawn
//
// at every rest point. Withdrawals are counted at optimistic-debit time and
// uncounted by the compensating revert, so the invariant holds while an
// external transfer is in flight.
type Ledger struct {
	mu        sync.RWMutex
	balances  map[string]int64
	treasury  int64
	credited  int64
	withdrawn int64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[string]int64)}
}

// Credit adds amount to the identity's balance, creating the record if needed.
// Credits count toward the total-credited counter; they represent new funds
// entering the system (verified deposits).
func (l *Ledger) Credit(identity string, amount int64) error {
	if identity == "" {
		return errors.New("identity is required")
	}
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[identity] += amount
	l.credited += amount
	return nil
}

// Debit subtracts amount from the identity's balance. On ErrInsufficientFunds
// nothing is mutated.
func (l *Ledger) Debit(identity string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.debitLocked(identity, amount)
}

func (l *Ledger) debitLocked(identity string, amount int64) error {
	if l.balances[identity] < amount {
		return fmt.Errorf("debiting %s: %w", identity, ErrInsufficientFunds)
	}
	l.balances[identity] -= amount
	return nil
}

// TransferInternal moves amount from one identity to another inside the
// ledger: from loses amount, to gains amount minus fee, and the treasury
// gains the fee. The three mutations are all-or-nothing; on any failure the
// ledger is unchanged. Purely internal, so the conservation counters do not
// move.
func (l *Ledger) TransferInternal(from, to string, amount, fee int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	if fee < 0 || fee > amount {
		return fmt.Errorf("fee %d out of range for amount %d", fee, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.debitLocked(from, amount); err != nil {
		return err
	}
	l.balances[to] += amount - fee
	l.treasury += fee
	return nil
}

// WithdrawDebit optimistically debits an identity for an outbound settlement
// and counts the amount as withdrawn. If the external transfer later fails,
// WithdrawRevert must be called with the same amount.
func (l *Ledger) WithdrawDebit(identity string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdrawal amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.debitLocked(identity, amount); err != nil {
		return err
	}
	l.withdrawn += amount
	return nil
}

// WithdrawRevert is the exact inverse of WithdrawDebit, applied when the
// external transfer failed.
func (l *Ledger) WithdrawRevert(identity string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[identity] += amount
	l.withdrawn -= amount
}

// TreasuryWithdrawDebit optimistically debits the treasury for an explicit
// operator withdrawal. Pairs with TreasuryWithdrawRevert on failure.
func (l *Ledger) TreasuryWithdrawDebit(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdrawal amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.treasury < amount {
		return fmt.Errorf("debiting treasury: %w", ErrInsufficientFunds)
	}
	l.treasury -= amount
	l.withdrawn += amount
	return nil
}

// TreasuryWithdrawRevert is the exact inverse of TreasuryWithdrawDebit.
func (l *Ledger) TreasuryWithdrawRevert(amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.treasury += amount
	l.withdrawn -= amount
}

// Balance returns the identity's current balance (zero for unknown identities).
func (l *Ledger) Balance(identity string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[identity]
}

// Treasury returns the current treasury balance.
func (l *Ledger) Treasury() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.treasury
}

// CreditedTotal returns the total amount ever credited from verified deposits.
func (l *Ledger) CreditedTotal() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.credited
}

// WithdrawnTotal returns the total amount withdrawn to the external ledger,
// net of compensated failures.
func (l *Ledger) WithdrawnTotal() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.withdrawn
}

// Snapshot is a point-in-time copy of all ledger state.
type Snapshot struct {
	Balances  map[string]int64
	Treasury  int64
	Credited  int64
	Withdrawn int64
}

// Snapshot returns a deep copy of the ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	balances := make(map[string]int64, len(l.balances))
	for id, amount := range l.balances {
		balances[id] = amount
	}
	return Snapshot{
		Balances:  balances,
		Treasury:  l.treasury,
		Credited:  l.credited,
		Withdrawn: l.withdrawn,
	}
}

// Restore replaces all ledger state with the snapshot contents.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[string]int64, len(snap.Balances))
	for id, amount := range snap.Balances {
		l.balances[id] = amount
	}
	l.treasury = snap.Treasury
	l.credited = snap.Credited
	l.withdrawn = snap.Withdrawn
}
