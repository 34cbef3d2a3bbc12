// Package halt implements the process-wide halt signal and its
// cascading propagation across the organ dependency graph.
//
// The signal is the atomic primitive everything else builds on: any
// organ may set it, every organ checks it at declared yield points, and
// only an authorized human may clear it.
package halt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

// Signal is the process-wide emergency-stop flag.
//
// Engage and Engaged are a single atomic store/load (no locks, no I/O,
// no logging) so the sub-millisecond set/check contract holds under
// any contention. Event metadata is kept off the hot path behind a
// mutex that Engaged never touches.
type Signal struct {
	engaged atomic.Bool

	mu         sync.Mutex
	event      *contracts.HaltEvent
	clearances []contracts.HaltClearance
	clock      func() time.Time
}

// NewSignal returns a signal in the UNSET state.
func NewSignal() *Signal {
	return &Signal{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Signal) WithClock(clock func() time.Time) *Signal {
	s.clock = clock
	return s
}

// Engage sets the halt signal. Idempotent: if the signal is already
// set, the original event is returned unchanged.
func (s *Signal) Engage(requestedBy, reason string) contracts.HaltEvent {
	// Flag first: readers observe the halt before the metadata is
	// recorded.
	first := s.engaged.CompareAndSwap(false, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !first && s.event != nil {
		return *s.event
	}
	event := contracts.HaltEvent{
		EventID:     uuid.New().String(),
		RequestedBy: requestedBy,
		Reason:      reason,
		RequestedAt: s.clock(),
	}
	s.event = &event
	return event
}

// Engaged reports whether the halt signal is set. Single atomic load.
func (s *Signal) Engaged() bool {
	return s.engaged.Load()
}

// Check is the cooperative yield-point check: it returns ErrHaltActive
// when the signal is set, nil otherwise.
func (s *Signal) Check() error {
	if s.engaged.Load() {
		return contracts.ErrHaltActive
	}
	return nil
}

// Clear resets the signal. Only an authorized human actor may clear;
// identity and reason are mandatory and recorded.
func (s *Signal) Clear(clearedBy, reason string) (contracts.HaltClearance, error) {
	if clearedBy == "" || reason == "" {
		return contracts.HaltClearance{}, contracts.Reject(
			contracts.ErrTierViolation, "INV-HALT-CLEAR", "", "clear_halt requires identity and reason")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.engaged.Load() {
		return contracts.HaltClearance{}, contracts.Reject(
			contracts.ErrLifecycleViolation, "INV-HALT-CLEAR", "", "halt signal is not set")
	}
	clearance := contracts.HaltClearance{
		ClearedBy: clearedBy,
		Reason:    reason,
		ClearedAt: s.clock(),
	}
	if s.event != nil {
		clearance.EventID = s.event.EventID
	}
	s.clearances = append(s.clearances, clearance)
	s.event = nil
	s.engaged.Store(false)
	return clearance, nil
}

// Event returns the active halt event, if any.
func (s *Signal) Event() (contracts.HaltEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.event == nil {
		return contracts.HaltEvent{}, false
	}
	return *s.event, true
}

// Clearances returns the history of authorized clears.
func (s *Signal) Clearances() []contracts.HaltClearance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.HaltClearance, len(s.clearances))
	copy(out, s.clearances)
	return out
}
