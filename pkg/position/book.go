// Package position implements the authoritative lifecycle state
// machine for capital positions, from intent to close.
//
// Every transition is validated against a fixed table, gated by the
// halt signal and the approval token where the tier contract requires
// it, and appended to an immutable audit trail. Invalid requests fail
// without mutating anything.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phoenix-trading/phoenix/pkg/canonicalize"
	"github.com/phoenix-trading/phoenix/pkg/contracts"
	"github.com/phoenix-trading/phoenix/pkg/halt"
	"github.com/phoenix-trading/phoenix/pkg/token"
)

// StallTimeout is how long a SUBMITTED position may wait for broker
// acknowledgment before the stall sweep moves it to STALLED.
const StallTimeout = 60 * time.Second

// transitions is the allowed-transition table. Anything absent is a
// lifecycle violation.
var transitions = map[contracts.LifecycleState][]contracts.LifecycleState{
	contracts.StateDraft:        {contracts.StateApproved, contracts.StateCancelled},
	contracts.StateApproved:     {contracts.StateSubmitted, contracts.StateRejected, contracts.StateCancelled},
	contracts.StateSubmitted:    {contracts.StateAcknowledged, contracts.StateStalled, contracts.StateRejected, contracts.StateCancelled},
	contracts.StateAcknowledged: {contracts.StateFilled, contracts.StateCancelled},
	// Late broker response: a stalled order may still fill. Resubmission
	// (with a fresh token) returns it to SUBMITTED.
	contracts.StateStalled: {contracts.StateFilled, contracts.StateSubmitted, contracts.StateCancelled},
	contracts.StateFilled:  {contracts.StateManaged, contracts.StateClosed, contracts.StateCancelled},
	contracts.StateManaged: {contracts.StateClosed, contracts.StateCancelled},
}

func allowed(from, to contracts.LifecycleState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TrailSink receives every appended audit entry (ledger hookup).
type TrailSink func(positionID string, rec contracts.TransitionRecord)

// entry pairs a position with its own lock: concurrent transition
// attempts on the same position serialize here.
type entry struct {
	mu  sync.Mutex
	pos *contracts.Position
}

// Book owns all positions and enforces the lifecycle contract.
type Book struct {
	mu        sync.Mutex
	positions map[string]*entry

	// views carries the hash-relevant projection of every position,
	// maintained on each mutation. viewMu is a leaf lock: View reads
	// take it alone, so a hashFn that reads the book never re-enters a
	// position lock held by the writer that invoked it.
	viewMu sync.Mutex
	views  map[string]canonicalize.PositionView

	signal *halt.Signal
	tokens *token.Issuer
	hashFn func() string
	clock  func() time.Time
	logger *slog.Logger
	sinks  []TrailSink
}

// NewBook creates an empty position book. hashFn supplies the current
// canonical state hash recorded on every audit entry.
func NewBook(signal *halt.Signal, tokens *token.Issuer, hashFn func() string, logger *slog.Logger) *Book {
	if logger == nil {
		logger = slog.Default()
	}
	return &Book{
		positions: make(map[string]*entry),
		views:     make(map[string]canonicalize.PositionView),
		signal:    signal,
		tokens:    tokens,
		hashFn:    hashFn,
		clock:     time.Now,
		logger:    logger.With("component", "position"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Book) WithClock(clock func() time.Time) *Book {
	b.clock = clock
	return b
}

// Subscribe adds an audit trail sink.
func (b *Book) Subscribe(sink TrailSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Draft creates a new position in DRAFT from a trade intent.
func (b *Book) Draft(symbol string, side contracts.Side, size float64) (contracts.Position, error) {
	if symbol == "" || size <= 0 {
		return contracts.Position{}, fmt.Errorf("position: invalid intent (symbol=%q size=%v)", symbol, size)
	}
	pos := &contracts.Position{
		ID:            uuid.New().String(),
		Symbol:        symbol,
		Side:          side,
		RequestedSize: size,
		State:         contracts.StateDraft,
		CreatedAt:     b.clock(),
	}

	b.mu.Lock()
	b.positions[pos.ID] = &entry{pos: pos}
	b.mu.Unlock()
	b.updateView(pos)

	return *pos, nil
}

// Approve consumes a valid Approval Token and moves DRAFT to APPROVED.
// The token must be scoped to order submission and bound to the current
// state hash.
func (b *Book) Approve(id, approvalToken string) error {
	e, err := b.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := b.validate(e.pos, contracts.StateDraft, contracts.StateApproved); err != nil {
		return err
	}
	claims, err := b.tokens.Validate(approvalToken, contracts.ActionOrderSubmit, b.hashFn())
	if err != nil {
		return err
	}
	b.apply(e.pos, contracts.StateApproved, "approval_token", claims.Subject)
	return nil
}

// Submit moves APPROVED to SUBMITTED and invokes the broker call. The
// halt signal is checked under the position lock immediately before
// the call. A halt that fires mid-flight is never retried
// automatically; a failed call surfaces as REJECTED.
func (b *Book) Submit(ctx context.Context, id string, place func(ctx context.Context) (brokerOrderID string, err error)) error {
	e, err := b.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := b.validate(e.pos, contracts.StateApproved, contracts.StateSubmitted); err != nil {
		return err
	}
	if err := b.signal.Check(); err != nil {
		return contracts.Reject(err, "INV-HALT-SUBMIT", b.hashFn(), "submission while halted")
	}

	b.apply(e.pos, contracts.StateSubmitted, "submit", "")
	e.pos.SubmittedAt = b.clock()

	orderID, err := place(ctx)
	if err != nil {
		b.apply(e.pos, contracts.StateRejected, fmt.Sprintf("broker_error: %v", err), "")
		return fmt.Errorf("%w: %v", contracts.ErrConnectivityFailure, err)
	}
	e.pos.BrokerOrderID = orderID
	return nil
}

// Resubmit returns a STALLED position to SUBMITTED. A fresh Approval
// Token is required; the original was consumed at approval.
func (b *Book) Resubmit(ctx context.Context, id, approvalToken string, place func(ctx context.Context) (string, error)) error {
	e, err := b.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := b.validate(e.pos, contracts.StateStalled, contracts.StateSubmitted); err != nil {
		return err
	}
	claims, err := b.tokens.Validate(approvalToken, contracts.ActionOrderSubmit, b.hashFn())
	if err != nil {
		return err
	}
	if err := b.signal.Check(); err != nil {
		return contracts.Reject(err, "INV-HALT-SUBMIT", b.hashFn(), "resubmission while halted")
	}

	b.apply(e.pos, contracts.StateSubmitted, "resubmit", claims.Subject)
	e.pos.SubmittedAt = b.clock()

	orderID, err := place(ctx)
	if err != nil {
		b.apply(e.pos, contracts.StateRejected, fmt.Sprintf("broker_error: %v", err), claims.Subject)
		return fmt.Errorf("%w: %v", contracts.ErrConnectivityFailure, err)
	}
	e.pos.BrokerOrderID = orderID
	return nil
}

// Acknowledge records the broker ack: SUBMITTED to ACKNOWLEDGED.
func (b *Book) Acknowledge(id, brokerOrderID string) error {
	return b.simple(id, contracts.StateSubmitted, contracts.StateAcknowledged, "broker_ack", "", func(pos *contracts.Position) {
		if brokerOrderID != "" {
			pos.BrokerOrderID = brokerOrderID
		}
	})
}

// Fill records an execution fill. Reachable from ACKNOWLEDGED, or from
// STALLED when the broker responds late, never directly from
// SUBMITTED.
func (b *Book) Fill(id string, price, size float64) error {
	e, err := b.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.pos.State
	if from != contracts.StateAcknowledged && from != contracts.StateStalled {
		return b.violation(e.pos, contracts.StateFilled)
	}
	trigger := "fill"
	if from == contracts.StateStalled {
		trigger = "late_fill"
	}
	b.apply(e.pos, contracts.StateFilled, trigger, "")
	e.pos.FillPrice = price
	e.pos.FillSize = size
	return nil
}

// Manage moves FILLED to MANAGED.
func (b *Book) Manage(id string) error {
	return b.simple(id, contracts.StateFilled, contracts.StateManaged, "manage", "", nil)
}

// Close records the exit fill: FILLED or MANAGED to CLOSED.
func (b *Book) Close(id string) error {
	e, err := b.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.pos.State
	if from != contracts.StateFilled && from != contracts.StateManaged {
		return b.violation(e.pos, contracts.StateClosed)
	}
	b.apply(e.pos, contracts.StateClosed, "exit_fill", "")
	return nil
}

// Cancel is human-triggered only: actor identity is mandatory. Any
// non-terminal state may be cancelled.
func (b *Book) Cancel(id, actor, reason string) error {
	if actor == "" {
		return fmt.Errorf("position: cancel requires human actor identity")
	}
	e, err := b.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State.Terminal() {
		return b.violation(e.pos, contracts.StateCancelled)
	}
	b.apply(e.pos, contracts.StateCancelled, "cancel: "+reason, actor)
	return nil
}

// Reject marks a terminal broker rejection from APPROVED or SUBMITTED.
func (b *Book) Reject(id, reason string) error {
	e, err := b.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.pos.State
	if from != contracts.StateApproved && from != contracts.StateSubmitted {
		return b.violation(e.pos, contracts.StateRejected)
	}
	b.apply(e.pos, contracts.StateRejected, "reject: "+reason, "")
	return nil
}

// CheckStalls sweeps SUBMITTED positions that have waited longer than
// StallTimeout for an ack and moves them to STALLED. A stalled
// position is never retried automatically; it waits for an explicit
// human decision.
func (b *Book) CheckStalls() []string {
	b.mu.Lock()
	entries := make([]*entry, 0, len(b.positions))
	for _, e := range b.positions {
		entries = append(entries, e)
	}
	b.mu.Unlock()

	now := b.clock()
	var stalled []string
	for _, e := range entries {
		e.mu.Lock()
		if e.pos.State == contracts.StateSubmitted && now.Sub(e.pos.SubmittedAt) >= StallTimeout {
			b.apply(e.pos, contracts.StateStalled, "ack_timeout", "")
			stalled = append(stalled, e.pos.ID)
		}
		e.mu.Unlock()
	}
	return stalled
}

// Get returns a copy of the position.
func (b *Book) Get(id string) (contracts.Position, error) {
	e, err := b.entry(id)
	if err != nil {
		return contracts.Position{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := *e.pos
	pos.Trail = append([]contracts.TransitionRecord(nil), e.pos.Trail...)
	return pos, nil
}

// All returns copies of every position.
func (b *Book) All() []contracts.Position {
	b.mu.Lock()
	entries := make([]*entry, 0, len(b.positions))
	for _, e := range b.positions {
		entries = append(entries, e)
	}
	b.mu.Unlock()

	out := make([]contracts.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		pos := *e.pos
		pos.Trail = append([]contracts.TransitionRecord(nil), e.pos.Trail...)
		e.mu.Unlock()
		out = append(out, pos)
	}
	return out
}

// View projects the book into the hash-relevant state view fragment.
// It reads the maintained projection and takes no position locks, so
// it is safe to call from a hash source or audit sink that a transition
// in progress is waiting on.
func (b *Book) View() []canonicalize.PositionView {
	b.viewMu.Lock()
	defer b.viewMu.Unlock()
	views := make([]canonicalize.PositionView, 0, len(b.views))
	for _, view := range b.views {
		views = append(views, view)
	}
	return views
}

// updateView refreshes the position's projection. Called after every
// mutation, before the post-transition hash is computed.
func (b *Book) updateView(pos *contracts.Position) {
	b.viewMu.Lock()
	defer b.viewMu.Unlock()
	b.views[pos.ID] = canonicalize.PositionView{
		ID:     pos.ID,
		Symbol: pos.Symbol,
		Side:   string(pos.Side),
		Size:   pos.RequestedSize,
		State:  string(pos.State),
	}
}

func (b *Book) entry(id string) (*entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %q not found", id)
	}
	return e, nil
}

// validate checks the requested edge. The loser of a concurrent race
// observes the post-transition state: if another writer already applied
// the same edge the failure is a stale-state conflict, otherwise a
// lifecycle violation.
func (b *Book) validate(pos *contracts.Position, from, to contracts.LifecycleState) error {
	if pos.State == from {
		if !allowed(from, to) {
			return b.violation(pos, to)
		}
		return nil
	}
	if pos.State == to {
		return contracts.Reject(contracts.ErrStaleState, "INV-POS-SERIAL", b.hashFn(),
			fmt.Sprintf("position %s already %s", pos.ID, to))
	}
	return b.violation(pos, to)
}

func (b *Book) violation(pos *contracts.Position, to contracts.LifecycleState) error {
	return contracts.Reject(contracts.ErrLifecycleViolation, "INV-POS-FSM", b.hashFn(),
		fmt.Sprintf("position %s: %s -> %s is not a legal transition", pos.ID, pos.State, to))
}

// apply mutates the state and appends the audit entry. Callers hold
// the position lock.
func (b *Book) apply(pos *contracts.Position, to contracts.LifecycleState, trigger, actor string) {
	rec := contracts.TransitionRecord{
		From:      pos.State,
		To:        to,
		Trigger:   trigger,
		Actor:     actor,
		Timestamp: b.clock(),
	}
	pos.State = to
	b.updateView(pos)
	rec.StateHash = b.hashFn()
	pos.Trail = append(pos.Trail, rec)

	b.logger.Info("position transition",
		"position", pos.ID, "from", rec.From, "to", rec.To, "trigger", trigger)

	b.mu.Lock()
	sinks := b.sinks
	b.mu.Unlock()
	for _, sink := range sinks {
		sink(pos.ID, rec)
	}
}

// simple runs a single-edge transition with an optional mutator.
func (b *Book) simple(id string, from, to contracts.LifecycleState, trigger, actor string, mutate func(*contracts.Position)) error {
	e, err := b.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := b.validate(e.pos, from, to); err != nil {
		return err
	}
	b.apply(e.pos, to, trigger, actor)
	if mutate != nil {
		mutate(e.pos)
	}
	return nil
}
