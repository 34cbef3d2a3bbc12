// Package reconcile compares internal position state against
// broker-reported truth and records every mismatch as a drift record.
//
// The detector is strictly read-only: it never corrects positions and
// never writes to the broker. Resolution is an explicit operator action
// with identity and reason.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phoenix-trading/phoenix/pkg/broker"
	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

// Tolerances for numeric comparison. Sizes inside SizeEpsilon and PnL
// inside PnLWarnBand are treated as equal.
const (
	SizeEpsilon     = 1e-9
	PnLWarnBand     = 0.01
	PnLCriticalBand = 0.10
	FillRatioBand   = 1e-6
)

// PositionSource yields the internal open positions to compare.
type PositionSource func() []contracts.Position

// PnLSource reports the internally computed unrealized PnL for a
// position, if the caller tracks one. The book itself does not mark to
// market, so PnL comparison only runs when a source is wired.
type PnLSource func(positionID string) (float64, bool)

// HaltRequester is invoked for every CRITICAL drift.
type HaltRequester func(reason string)

// Sink receives each emitted drift record (ledger hookup).
type Sink func(contracts.DriftRecord)

// Detector runs the comparison pass and owns the drift record store.
type Detector struct {
	mu      sync.Mutex
	records map[string]*contracts.DriftRecord

	source    PositionSource
	pnl       PnLSource
	brk       broker.Broker
	requester HaltRequester
	sinks     []Sink
	clock     func() time.Time
	logger    *slog.Logger
}

// NewDetector wires the comparator. source supplies internal positions,
// brk the external truth, requester the halt path for CRITICAL drift.
func NewDetector(source PositionSource, brk broker.Broker, requester HaltRequester, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		records:   make(map[string]*contracts.DriftRecord),
		source:    source,
		brk:       brk,
		requester: requester,
		clock:     time.Now,
		logger:    logger.With("component", "reconcile"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// WithPnLSource enables PnL comparison.
func (d *Detector) WithPnLSource(src PnLSource) *Detector {
	d.pnl = src
	return d
}

// Subscribe adds a drift record sink.
func (d *Detector) Subscribe(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Run executes the comparison on a fixed interval until ctx is done.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Compare(ctx); err != nil {
				d.logger.Warn("reconciliation pass failed", "error", err)
			}
		}
	}
}

// Compare fetches broker truth and diffs it against internal state,
// emitting one drift record per mismatch. It mutates nothing outside
// its own record store.
func (d *Detector) Compare(ctx context.Context) ([]contracts.DriftRecord, error) {
	external, err := d.brk.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: broker query: %w", err)
	}
	internal := openPositions(d.source())

	var found []contracts.DriftRecord
	if len(internal) != len(external) {
		found = append(found, d.emit(contracts.DriftRecord{
			Type:     contracts.DriftCount,
			Internal: fmt.Sprintf("%d", len(internal)),
			External: fmt.Sprintf("%d", len(external)),
			Severity: contracts.SeverityCritical,
		}))
	}

	byKey := make(map[string]contracts.BrokerPosition, len(external))
	for _, bp := range external {
		byKey[key(bp.Symbol, bp.Side)] = bp
	}

	for _, pos := range internal {
		bp, ok := byKey[key(pos.Symbol, pos.Side)]
		if !ok {
			found = append(found, d.emit(contracts.DriftRecord{
				Type:     contracts.DriftMissingSide,
				Symbol:   pos.Symbol,
				Internal: fmt.Sprintf("%s %s", pos.Side, pos.Symbol),
				External: "absent",
				Severity: contracts.SeverityCritical,
			}))
			continue
		}
		found = append(found, d.comparePosition(pos, bp)...)
	}

	for _, rec := range found {
		if rec.Severity == contracts.SeverityCritical && d.requester != nil {
			d.requester(fmt.Sprintf("critical drift: %s (%s internal=%s external=%s)",
				rec.Type, rec.Symbol, rec.Internal, rec.External))
		}
	}
	return found, nil
}

func (d *Detector) comparePosition(pos contracts.Position, bp contracts.BrokerPosition) []contracts.DriftRecord {
	var out []contracts.DriftRecord

	size := pos.FillSize
	if size == 0 {
		size = pos.RequestedSize
	}
	if math.Abs(size-bp.Size) > SizeEpsilon {
		out = append(out, d.emit(contracts.DriftRecord{
			Type:     contracts.DriftSize,
			Symbol:   pos.Symbol,
			Internal: fmt.Sprintf("%v", size),
			External: fmt.Sprintf("%v", bp.Size),
			Severity: sizeSeverity(size, bp.Size),
		}))
	}

	if status := statusFor(pos.State); status != "" && bp.Status != "" && status != bp.Status {
		out = append(out, d.emit(contracts.DriftRecord{
			Type:     contracts.DriftStatus,
			Symbol:   pos.Symbol,
			Internal: status,
			External: bp.Status,
			Severity: contracts.SeverityWarning,
		}))
	}

	if d.pnl != nil {
		if internal, ok := d.pnl(pos.ID); ok && math.Abs(internal-bp.UnrealizedPnL) > PnLWarnBand {
			sev := contracts.SeverityWarning
			if math.Abs(internal-bp.UnrealizedPnL) > PnLCriticalBand*math.Max(1, math.Abs(bp.UnrealizedPnL)) {
				sev = contracts.SeverityCritical
			}
			out = append(out, d.emit(contracts.DriftRecord{
				Type:     contracts.DriftPnL,
				Symbol:   pos.Symbol,
				Internal: fmt.Sprintf("%v", internal),
				External: fmt.Sprintf("%v", bp.UnrealizedPnL),
				Severity: sev,
			}))
		}
	}

	if pos.State == contracts.StateFilled || pos.State == contracts.StateManaged {
		if math.Abs(1.0-bp.FilledRatio) > FillRatioBand {
			out = append(out, d.emit(contracts.DriftRecord{
				Type:     contracts.DriftFillRatio,
				Symbol:   pos.Symbol,
				Internal: "1",
				External: fmt.Sprintf("%v", bp.FilledRatio),
				Severity: contracts.SeverityWarning,
			}))
		}
	}
	return out
}

// Resolve closes a drift record. Operator identity and a reason are
// mandatory; the record itself is never deleted.
func (d *Detector) Resolve(recordID, operator, note string, resolution contracts.DriftResolution) (contracts.DriftRecord, error) {
	if operator == "" || note == "" {
		return contracts.DriftRecord{}, fmt.Errorf("reconcile: resolution requires operator identity and reason")
	}
	switch resolution {
	case contracts.DriftPhoenixCorrected, contracts.DriftBrokerCorrected,
		contracts.DriftAcknowledged, contracts.DriftStaleIgnored:
	default:
		return contracts.DriftRecord{}, fmt.Errorf("reconcile: invalid resolution %q", resolution)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[recordID]
	if !ok {
		return contracts.DriftRecord{}, fmt.Errorf("reconcile: drift record %q not found", recordID)
	}
	if rec.Resolution != contracts.DriftUnresolved {
		return contracts.DriftRecord{}, fmt.Errorf("reconcile: drift record %q already resolved as %s", recordID, rec.Resolution)
	}
	rec.Resolution = resolution
	rec.ResolvedBy = operator
	rec.ResolvedAt = d.clock()
	rec.ResolutionNote = note

	d.logger.Info("drift resolved",
		"record", recordID, "resolution", resolution, "operator", operator)
	return *rec, nil
}

// Records returns copies of all drift records, newest last.
func (d *Detector) Records() []contracts.DriftRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]contracts.DriftRecord, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, *rec)
	}
	return out
}

// Unresolved counts open drift records.
func (d *Detector) Unresolved() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, rec := range d.records {
		if rec.Resolution == contracts.DriftUnresolved {
			n++
		}
	}
	return n
}

func (d *Detector) emit(rec contracts.DriftRecord) contracts.DriftRecord {
	rec.RecordID = uuid.New().String()
	rec.Resolution = contracts.DriftUnresolved
	rec.DetectedAt = d.clock()

	d.mu.Lock()
	stored := rec
	d.records[rec.RecordID] = &stored
	sinks := d.sinks
	d.mu.Unlock()

	d.logger.Warn("drift detected",
		"record", rec.RecordID, "type", rec.Type, "symbol", rec.Symbol,
		"internal", rec.Internal, "external", rec.External, "severity", rec.Severity)
	for _, sink := range sinks {
		sink(rec)
	}
	return rec
}

// openPositions filters to states the broker should know about.
func openPositions(all []contracts.Position) []contracts.Position {
	out := all[:0:0]
	for _, pos := range all {
		switch pos.State {
		case contracts.StateAcknowledged, contracts.StateFilled, contracts.StateManaged:
			out = append(out, pos)
		}
	}
	return out
}

func key(symbol string, side contracts.Side) string {
	return symbol + "/" + string(side)
}

// statusFor maps a lifecycle state onto the broker's status vocabulary.
func statusFor(state contracts.LifecycleState) string {
	switch state {
	case contracts.StateAcknowledged, contracts.StateFilled, contracts.StateManaged:
		return "open"
	case contracts.StateClosed:
		return "closed"
	}
	return ""
}

func sizeSeverity(internal, external float64) contracts.Severity {
	ref := math.Max(math.Abs(internal), math.Abs(external))
	if ref == 0 {
		return contracts.SeverityWarning
	}
	if math.Abs(internal-external)/ref > 0.05 {
		return contracts.SeverityCritical
	}
	return contracts.SeverityWarning
}
