package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is recoverable: the caller creates the account via
	// the verification flow.
	ErrAccountNotFound = errors.New("ledger: account not found")

	// ErrInsufficientBalance is recoverable and reported to the caller; a
	// spend never goes negative and never silently truncates.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrCheckpointDebounced signals that a sweep-triggered checkpoint was
	// skipped because the previous one is still fresh.
	ErrCheckpointDebounced = errors.New("ledger: checkpoint debounced")

	// ErrAssetNotClaimed is returned when a repair targets an asset the
	// account does not actually claim; the detection was stale.
	ErrAssetNotClaimed = errors.New("ledger: asset not claimed by account")
)

// InvariantViolationError is fatal for the single operation that produced
// it: the mutation is aborted with no partial write and the full pre/post
// state is preserved for operator inspection. Recovery goes through the
// administrative RepairInvariant operation, never through guessing.
type InvariantViolationError struct {
	AccountKey string
	Op         string
	Before     *Record
	After      *Record
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf(
		"ledger: invariant violated by %s on %s: before earned=%.4f balance=%.4f spent=%.4f, after earned=%.4f balance=%.4f spent=%.4f",
		e.Op, e.AccountKey,
		e.Before.CumulativeEarned, e.Before.Balance, e.Before.CumulativeSpent,
		e.After.CumulativeEarned, e.After.Balance, e.After.CumulativeSpent,
	)
}

// invariantTolerance absorbs float64 rounding; anything past this is
// corruption, not noise.
const invariantTolerance = 1e-6

// CheckInvariant validates cumulativeEarned >= balance + cumulativeSpent.
func CheckInvariant(r *Record) bool {
	return r.CumulativeEarned+invariantTolerance >= r.Balance+r.CumulativeSpent
}
