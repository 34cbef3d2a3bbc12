package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors for the governance failure taxonomy. Callers match
// with errors.Is; rejection sites wrap them in a GovernanceError so
// the invariant id and state hash travel with the failure.
var (
	// ErrHaltActive blocks T1/T2 writes while the halt signal is set.
	ErrHaltActive = errors.New("halt signal active")
	// ErrTierViolation is fatal to the action, never retried, and
	// raises a violation ticket.
	ErrTierViolation = errors.New("tier violation")
	// ErrTokenInvalid covers expiry, wrong scope, hash mismatch,
	// bad signature, and reuse after consumption.
	ErrTokenInvalid = errors.New("approval token invalid")
	// ErrLifecycleViolation rejects an invalid position transition
	// without mutating state.
	ErrLifecycleViolation = errors.New("lifecycle violation")
	// ErrConnectivityFailure is recoverable within breaker and
	// backoff bounds.
	ErrConnectivityFailure = errors.New("connectivity failure")
	// ErrDriftDetected is never auto-resolved, always surfaced.
	ErrDriftDetected = errors.New("reconciliation drift detected")
	// ErrOrphanedHalt records a propagation hop that never acked.
	ErrOrphanedHalt = errors.New("orphaned halt")
	// ErrStaleState is returned to the loser of a concurrent
	// transition race; the position already moved.
	ErrStaleState = errors.New("stale state conflict")
	// ErrBreakerOpen short-circuits calls while the circuit breaker
	// is open; no network attempt is made.
	ErrBreakerOpen = errors.New("circuit breaker open")
)

// GovernanceError wraps a taxonomy error with the violated invariant id
// and the state hash at rejection time, for forensic replay.
type GovernanceError struct {
	Invariant string
	StateHash string
	Detail    string
	Err       error
}

func (e *GovernanceError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%v: %s (invariant=%s state=%s)", e.Err, e.Detail, e.Invariant, e.StateHash)
	}
	return fmt.Sprintf("%v (invariant=%s state=%s)", e.Err, e.Invariant, e.StateHash)
}

func (e *GovernanceError) Unwrap() error { return e.Err }

// Reject builds a GovernanceError for a fatal rejection.
func Reject(err error, invariant, stateHash, detail string) *GovernanceError {
	return &GovernanceError{Invariant: invariant, StateHash: stateHash, Detail: detail, Err: err}
}
