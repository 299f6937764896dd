// ABOUTME: Contract for the external token-transfer service plus failure classification.
// ABOUTME: Failures are retriable (timeout/network) or terminal (rejected by the external ledger).

package settlement

import (
	"context"
	"errors"
	"fmt"
)

// Service is the narrow interface to the external ledger. Both calls may
// block arbitrarily; no ordering or immediacy is assumed. Implementations
// should return *CallError so callers can distinguish retriable from
// terminal failures; anything else is treated as retriable.
type Service interface {
	// Transfer moves amount to the destination account and returns the
	// external ledger's sequence number.
	Transfer(ctx context.Context, destination string, amount int64) (int64, error)

	// BalanceOf reads the current balance of an external account.
	BalanceOf(ctx context.Context, account string) (int64, error)
}

// ErrExternalCall matches any classified settlement failure via errors.Is.
var ErrExternalCall = errors.New("external settlement call failed")

// ErrNoNewFunds is returned by a deposit probe that found nothing above the
// stored watermark. It is a normal outcome, not a failure.
var ErrNoNewFunds = errors.New("no new funds")

// FailureKind separates failures that may be retried immediately from ones
// the external ledger rejected outright.
type FailureKind string

const (
	FailureRetriable FailureKind = "retriable"
	FailureTerminal  FailureKind = "terminal"
)

// CallError is a classified settlement failure. Terminal failures carry the
// external ledger's message verbatim.
type CallError struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("settlement call failed (%s): %s", e.Kind, e.Message)
}

func (e *CallError) Unwrap() error { return e.Err }

// Is reports true for ErrExternalCall so errors.Is works across the taxonomy.
func (e *CallError) Is(target error) bool { return target == ErrExternalCall }

// Retriable reports whether the caller may retry immediately.
func (e *CallError) Retriable() bool { return e.Kind == FailureRetriable }

// retriable wraps err as a retriable call failure.
func retriable(err error) *CallError {
	return &CallError{Kind: FailureRetriable, Message: err.Error(), Err: err}
}

// terminal wraps a verbatim external rejection message.
func terminal(message string) *CallError {
	return &CallError{Kind: FailureTerminal, Message: message}
}

// classify normalizes an error from a Service call: classified errors pass
// through, everything else (transport faults, canceled contexts) counts as
// retriable.
func classify(err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return retriable(err)
}
