// Package connectivity supervises the broker connection: a heartbeat
// probe feeds a circuit breaker and backoff controller, which drive a
// health state machine that can itself request a halt.
package connectivity

import (
	"sync"
	"time"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

// CircuitBreaker isolates a failing dependency: after the failure
// threshold it opens and every call short-circuits without touching the
// network; after a cooldown exactly one trial call is permitted.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         contracts.BreakerState
	failureCount  int
	threshold     int
	lastFailure   time.Time
	cooldown      time.Duration
	trialInFlight bool
	clock         func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:     contracts.BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow reports whether a call may proceed. In OPEN it permits nothing
// until the cooldown elapses, then moves to HALF_OPEN and permits a
// single trial; further calls wait for the trial's outcome.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case contracts.BreakerOpen:
		if cb.clock().Sub(cb.lastFailure) >= cb.cooldown {
			cb.state = contracts.BreakerHalfOpen
			cb.trialInFlight = true
			return true
		}
		return false
	case contracts.BreakerHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	default:
		return true
	}
}

// Success records a successful call. A HALF_OPEN trial success closes
// the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = contracts.BreakerClosed
	cb.failureCount = 0
	cb.trialInFlight = false
}

// Failure records a failed call. Reaching the threshold opens the
// breaker; a HALF_OPEN trial failure reopens it immediately.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailure = cb.clock()

	if cb.state == contracts.BreakerHalfOpen {
		cb.state = contracts.BreakerOpen
		cb.trialInFlight = false
		return
	}
	if cb.failureCount >= cb.threshold {
		cb.state = contracts.BreakerOpen
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() contracts.BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
