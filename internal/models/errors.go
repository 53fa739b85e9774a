package models

import "errors"

var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrAlreadyQueued    = errors.New("already queued")
	ErrStaleDecision    = errors.New("stale decision")
	ErrClaimExpired     = errors.New("claim expired")
	ErrConflict         = errors.New("concurrent modification")
	ErrExternalSync     = errors.New("external sync failure")
	ErrNotFound         = errors.New("not found")
	ErrNotOwner         = errors.New("not owner")
	ErrInvalidInput     = errors.New("invalid input")

	// ErrNotDue is returned when a deadline callback arrives before the deadline.
	ErrNotDue = errors.New("deadline not reached")
)

// IsBenign reports whether err is an idempotency guard that callers treat as
// "already handled" rather than a failure.
func IsBenign(err error) bool {
	return errors.Is(err, ErrStaleDecision) ||
		errors.Is(err, ErrAlreadyQueued) ||
		errors.Is(err, ErrClaimExpired)
}

// Kind returns the structured error kind reported to callers.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrAlreadyQueued):
		return "already_queued"
	case errors.Is(err, ErrStaleDecision):
		return "stale_decision"
	case errors.Is(err, ErrClaimExpired):
		return "claim_expired"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrExternalSync):
		return "external_sync_failure"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
