package lifecycle

import "errors"

// Expected, recoverable-by-caller conditions. They are returned as typed
// results and mapped to stable error kinds at the HTTP boundary.
var (
	// ErrNotFound means the ride does not exist.
	ErrNotFound = errors.New("ride not found")

	// ErrInvalidTransition means the edge is not permitted from the
	// ride's current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrForbidden means the actor is not authorized for this edge.
	ErrForbidden = errors.New("forbidden")

	// ErrRideUnavailable means a concurrent race was lost: the write
	// precondition no longer held at commit time.
	ErrRideUnavailable = errors.New("ride unavailable")

	// ErrCancellationWindowExpired means the cancellation time guard
	// refused an otherwise legal cancel.
	ErrCancellationWindowExpired = errors.New("cancellation window expired")

	// ErrLedgerWriteFailed means the earning record for a completion
	// could not be written; the status transition did not commit.
	ErrLedgerWriteFailed = errors.New("ledger write failed")
)
