// Package governance composes the halt signal, propagation graph, tier
// gate, organ registry, kill flags, and escalation ladder into the
// single surface organs talk to.
//
// Every other subsystem holds the primitives through this engine; no
// organ gets a raw reference to the halt signal or the token issuer.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phoenix-trading/phoenix/pkg/canonicalize"
	"github.com/phoenix-trading/phoenix/pkg/contracts"
	"github.com/phoenix-trading/phoenix/pkg/escalation"
	"github.com/phoenix-trading/phoenix/pkg/gate"
	"github.com/phoenix-trading/phoenix/pkg/halt"
	"github.com/phoenix-trading/phoenix/pkg/killflag"
	"github.com/phoenix-trading/phoenix/pkg/registry"
)

// StateSource supplies the hash-relevant state fragments. Any field
// left nil contributes an empty fragment.
type StateSource struct {
	Positions   func() []canonicalize.PositionView
	Orders      func() []canonicalize.OrderView
	Constraints func() []string
	RiskStatus  func() string
}

// HaltSink observes halt engagements (ledger hookup). engageLatency is
// the measured duration of the signal write itself, for the latency
// histogram.
type HaltSink func(event contracts.HaltEvent, engageLatency time.Duration)

// ClearanceSink observes authorized halt clears.
type ClearanceSink func(contracts.HaltClearance)

// ReportSink observes completed propagation cascades.
type ReportSink func(contracts.PropagationReport)

// Engine is the governance substrate.
type Engine struct {
	signal     *halt.Signal
	propagator *halt.Propagator
	registry   *registry.Registry
	gate       *gate.Gate
	tickets    *escalation.Manager
	flags      *killflag.Store
	state      StateSource
	logger     *slog.Logger

	mu             sync.Mutex
	organs         map[string]Organ
	haltSinks      []HaltSink
	clearanceSinks []ClearanceSink
	reportSinks    []ReportSink
	lastReport     *contracts.PropagationReport
}

// Config wires the engine's collaborators.
type Config struct {
	Signal     *halt.Signal
	Propagator *halt.Propagator
	Registry   *registry.Registry
	Gate       *gate.Gate
	Tickets    *escalation.Manager
	Flags      *killflag.Store
	State      StateSource
	Logger     *slog.Logger
}

// NewEngine assembles the governance surface.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Signal == nil:
		return nil, fmt.Errorf("governance: halt signal is required")
	case cfg.Propagator == nil:
		return nil, fmt.Errorf("governance: propagator is required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("governance: registry is required")
	case cfg.Gate == nil:
		return nil, fmt.Errorf("governance: gate is required")
	case cfg.Tickets == nil:
		return nil, fmt.Errorf("governance: ticket manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	flags := cfg.Flags
	if flags == nil {
		flags = killflag.NewStore(logger)
	}
	return &Engine{
		signal:     cfg.Signal,
		propagator: cfg.Propagator,
		registry:   cfg.Registry,
		gate:       cfg.Gate,
		tickets:    cfg.Tickets,
		flags:      flags,
		state:      cfg.State,
		logger:     logger.With("component", "governance"),
		organs:     make(map[string]Organ),
	}, nil
}

// RegisterOrgan validates and admits an organ, adds it to the halt
// graph, and installs its halt hook. A kill flag on the organ's id (or
// the global flag) blocks admission.
func (e *Engine) RegisterOrgan(manifest contracts.OrganManifest, hook halt.Acknowledger) (contracts.OrganIdentity, error) {
	if flag, blocked := e.flags.Blocked(manifest.ID); blocked {
		return contracts.OrganIdentity{}, fmt.Errorf(
			"governance: organ %s is kill-flagged (set by %s: %s)", manifest.ID, flag.SetBy, flag.Reason)
	}
	identity, err := e.registry.Register(manifest)
	if err != nil {
		return contracts.OrganIdentity{}, err
	}
	if hook != nil {
		e.propagator.RegisterHook(identity.ID, hook)
	}
	return identity, nil
}

// RequestHalt sets the halt signal. The set itself is a pure memory
// write and returns immediately; propagation, logging, and sink
// notification run asynchronously. Idempotent.
func (e *Engine) RequestHalt(requestedBy, reason string) contracts.HaltEvent {
	already := e.signal.Engaged()
	start := time.Now()
	event := e.signal.Engage(requestedBy, reason)
	latency := time.Since(start)
	if already {
		return event
	}

	go func() {
		e.logger.Warn("halt engaged", "event", event.EventID, "by", requestedBy, "reason", reason)
		e.mu.Lock()
		sinks := e.haltSinks
		e.mu.Unlock()
		for _, sink := range sinks {
			sink(event, latency)
		}
		report := <-e.propagator.Propagate(event, requestedBy)
		e.mu.Lock()
		e.lastReport = &report
		reportSinks := e.reportSinks
		e.mu.Unlock()
		for _, sink := range reportSinks {
			sink(report)
		}
	}()
	return event
}

// CheckHalt is the yield-point check organs call.
func (e *Engine) CheckHalt() error {
	return e.signal.Check()
}

// Halted reports the raw signal state.
func (e *Engine) Halted() bool {
	return e.signal.Engaged()
}

// ClearHalt resets the signal. Human-only: identity and reason are
// mandatory.
func (e *Engine) ClearHalt(clearedBy, reason string) (contracts.HaltClearance, error) {
	clearance, err := e.signal.Clear(clearedBy, reason)
	if err != nil {
		return contracts.HaltClearance{}, err
	}
	e.logger.Info("halt cleared", "by", clearedBy, "reason", reason)
	e.mu.Lock()
	sinks := e.clearanceSinks
	e.mu.Unlock()
	for _, sink := range sinks {
		sink(clearance)
	}
	return clearance, nil
}

// Authorize checks a write request for a registered organ: kill flags
// first, then the tier gate's halt/token ordering.
func (e *Engine) Authorize(organID string, req gate.Request) error {
	if flag, blocked := e.flags.Blocked(organID); blocked {
		e.tickets.Open(organID, "INV-KILL-FLAG", contracts.SeverityViolation, req.StateHash,
			fmt.Sprintf("write while kill-flagged (set by %s)", flag.SetBy))
		return contracts.Reject(contracts.ErrTierViolation, "INV-KILL-FLAG", req.StateHash,
			fmt.Sprintf("organ %s is kill-flagged", organID))
	}
	organ, ok := e.registry.Get(organID)
	if !ok {
		return fmt.Errorf("governance: organ %q is not registered", organID)
	}
	return e.gate.Authorize(organ, req)
}

// QualityGate exposes the decomposed T1 gate result for the strategy
// boundary.
func (e *Engine) QualityGate() gate.Result {
	return e.gate.Evaluate()
}

// ComputeStateHash builds the current state view and returns the
// truncated hash plus the full digest for the ledger.
func (e *Engine) ComputeStateHash() (short, full string, err error) {
	view := canonicalize.StateView{RiskStatus: "nominal"}
	if e.state.Positions != nil {
		view.Positions = e.state.Positions()
	}
	if e.state.Orders != nil {
		view.Orders = e.state.Orders()
	}
	if e.state.Constraints != nil {
		view.Constraints = e.state.Constraints()
	}
	if e.state.RiskStatus != nil {
		view.RiskStatus = e.state.RiskStatus()
	}
	view.Fragments = e.organFragments()
	full, err = canonicalize.FullStateHash(view)
	if err != nil {
		return "", "", err
	}
	return full[:canonicalize.ShortHashLen], full, nil
}

// StateHashFn adapts ComputeStateHash for collaborators that take a
// plain hash supplier. Hash failure degrades to an empty hash, which
// no token will validate against.
func (e *Engine) StateHashFn() func() string {
	return func() string {
		short, _, err := e.ComputeStateHash()
		if err != nil {
			e.logger.Error("state hash computation failed", "error", err)
			return ""
		}
		return short
	}
}

// RaiseViolation opens a ticket for a contract breach observed outside
// the gate.
func (e *Engine) RaiseViolation(organID, invariant string, severity contracts.Severity, detail string) contracts.ViolationTicket {
	short, _, _ := e.ComputeStateHash()
	return *e.tickets.Open(organID, invariant, severity, short, detail)
}

// SubscribeHalt adds a halt event sink.
func (e *Engine) SubscribeHalt(sink HaltSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haltSinks = append(e.haltSinks, sink)
}

// SubscribeClearance adds a clearance sink.
func (e *Engine) SubscribeClearance(sink ClearanceSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearanceSinks = append(e.clearanceSinks, sink)
}

// SubscribeReport adds a propagation report sink.
func (e *Engine) SubscribeReport(sink ReportSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reportSinks = append(e.reportSinks, sink)
}

// LastReport returns the most recent propagation report, if any.
func (e *Engine) LastReport() (contracts.PropagationReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastReport == nil {
		return contracts.PropagationReport{}, false
	}
	return *e.lastReport, true
}

// KillFlags exposes the flag store for the operator surface.
func (e *Engine) KillFlags() *killflag.Store {
	return e.flags
}

// Tickets exposes the escalation manager for the operator surface.
func (e *Engine) Tickets() *escalation.Manager {
	return e.tickets
}

// RunEscalations runs the ladder sweep until ctx is done. Fired events
// reach subscribers through the manager's sinks.
func (e *Engine) RunEscalations(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tickets.CheckEscalations()
		}
	}
}
