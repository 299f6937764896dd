// ABOUTME: Tests for the balance ledger covering debits, internal transfers, and conservation.
// ABOUTME: Conservation is checked as sum(balances) + treasury == credited - withdrawn.

package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkConservation asserts the ledger's accounting identity.
func checkConservation(t *testing.T, l *Ledger) {
	t.Helper()
	snap := l.Snapshot()
	var sum int64
	for id, amount := range snap.Balances {
		assert.GreaterOrEqual(t, amount, int64(0), "balance for %s went negative", id)
		sum += amount
	}
	assert.Equal(t, snap.Credited-snap.Withdrawn, sum+snap.Treasury)
}

func TestCredit_CreatesRecordLazily(t *testing.T) {
	l := New()

	assert.Equal(t, int64(0), l.Balance("alice"))

	require.NoError(t, l.Credit("alice", 100))
	assert.Equal(t, int64(100), l.Balance("alice"))

	require.NoError(t, l.Credit("alice", 50))
	assert.Equal(t, int64(150), l.Balance("alice"))
	assert.Equal(t, int64(150), l.CreditedTotal())
	checkConservation(t, l)
}

func TestCredit_RejectsNonPositiveAmount(t *testing.T) {
	l := New()

	assert.Error(t, l.Credit("alice", 0))
	assert.Error(t, l.Credit("alice", -5))
	assert.Error(t, l.Credit("", 10))
	assert.Equal(t, int64(0), l.CreditedTotal())
}

func TestDebit_InsufficientFundsLeavesStateUnchanged(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("alice", 100))

	err := l.Debit("alice", 150)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(100), l.Balance("alice"))

	require.NoError(t, l.Debit("alice", 100))
	assert.Equal(t, int64(0), l.Balance("alice"))
}

func TestDebit_UnknownIdentity(t *testing.T) {
	l := New()

	err := l.Debit("nobody", 1)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestTransferInternal_RoutesFeeToTreasury(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("patron", 1200))

	require.NoError(t, l.TransferInternal("patron", "creator", 500, 5))

	assert.Equal(t, int64(700), l.Balance("patron"))
	assert.Equal(t, int64(495), l.Balance("creator"))
	assert.Equal(t, int64(5), l.Treasury())
	checkConservation(t, l)
}

func TestTransferInternal_AllOrNothing(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("patron", 300))

	err := l.TransferInternal("patron", "creator", 500, 5)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, int64(300), l.Balance("patron"))
	assert.Equal(t, int64(0), l.Balance("creator"))
	assert.Equal(t, int64(0), l.Treasury())
	checkConservation(t, l)
}

func TestTransferInternal_ValidatesFee(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("patron", 1000))

	assert.Error(t, l.TransferInternal("patron", "creator", 100, -1))
	assert.Error(t, l.TransferInternal("patron", "creator", 100, 101))
	assert.Error(t, l.TransferInternal("patron", "creator", 0, 0))
	assert.Equal(t, int64(1000), l.Balance("patron"))
}

func TestWithdrawDebit_CountsWithdrawn(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("alice", 1500))

	require.NoError(t, l.WithdrawDebit("alice", 1000))
	assert.Equal(t, int64(500), l.Balance("alice"))
	assert.Equal(t, int64(1000), l.WithdrawnTotal())
	checkConservation(t, l)
}

func TestWithdrawRevert_RestoresBalanceAndCounter(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("alice", 1500))
	require.NoError(t, l.WithdrawDebit("alice", 1000))

	l.WithdrawRevert("alice", 1000)

	assert.Equal(t, int64(1500), l.Balance("alice"))
	assert.Equal(t, int64(0), l.WithdrawnTotal())
	checkConservation(t, l)
}

func TestTreasuryWithdraw_DebitAndRevert(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("patron", 1000))
	require.NoError(t, l.TransferInternal("patron", "creator", 1000, 100))
	require.Equal(t, int64(100), l.Treasury())

	err := l.TreasuryWithdrawDebit(500)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(100), l.Treasury())

	require.NoError(t, l.TreasuryWithdrawDebit(60))
	assert.Equal(t, int64(40), l.Treasury())
	checkConservation(t, l)

	l.TreasuryWithdrawRevert(60)
	assert.Equal(t, int64(100), l.Treasury())
	assert.Equal(t, int64(0), l.WithdrawnTotal())
	checkConservation(t, l)
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("alice", 500))
	require.NoError(t, l.Credit("bob", 800))
	require.NoError(t, l.TransferInternal("bob", "alice", 200, 2))
	require.NoError(t, l.WithdrawDebit("alice", 100))

	snap := l.Snapshot()

	restored := New()
	restored.Restore(snap)

	assert.Equal(t, l.Balance("alice"), restored.Balance("alice"))
	assert.Equal(t, l.Balance("bob"), restored.Balance("bob"))
	assert.Equal(t, l.Treasury(), restored.Treasury())
	assert.Equal(t, l.CreditedTotal(), restored.CreditedTotal())
	assert.Equal(t, l.WithdrawnTotal(), restored.WithdrawnTotal())
	checkConservation(t, restored)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("alice", 100))

	snap := l.Snapshot()
	snap.Balances["alice"] = 999

	assert.Equal(t, int64(100), l.Balance("alice"))
}
