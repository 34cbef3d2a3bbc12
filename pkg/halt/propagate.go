package halt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

// Default propagation budgets. Per-hop acknowledgment gets a short
// timeout with bounded retries; the cascade as a whole must account for
// every dependent within the SLA.
const (
	DefaultAckTimeout   = 50 * time.Millisecond
	DefaultAckRetries   = 2
	DefaultRetryBackoff = 10 * time.Millisecond
	DefaultCascadeSLA   = 500 * time.Millisecond
)

// Acknowledger is the halt hook a registered organ exposes. OnHalt must
// return promptly; slow or absent acknowledgment marks the hop
// orphaned, never drops it.
type Acknowledger interface {
	OnHalt(ctx context.Context, event contracts.HaltEvent) error
}

// Propagator cascades a halt event to every dependent of the source
// organ, collecting acknowledgments and recording orphans.
type Propagator struct {
	graph  *Graph
	logger *slog.Logger

	mu    sync.RWMutex
	hooks map[string]Acknowledger

	ackTimeout   time.Duration
	retries      int
	retryBackoff time.Duration
	sla          time.Duration
}

// NewPropagator creates a propagator over the given graph.
func NewPropagator(graph *Graph, logger *slog.Logger) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{
		graph:        graph,
		logger:       logger.With("component", "halt_propagator"),
		hooks:        make(map[string]Acknowledger),
		ackTimeout:   DefaultAckTimeout,
		retries:      DefaultAckRetries,
		retryBackoff: DefaultRetryBackoff,
		sla:          DefaultCascadeSLA,
	}
}

// RegisterHook binds an organ's halt hook. Organs without a hook are
// reachable in the graph but always orphan: surfaced, not hidden.
func (p *Propagator) RegisterHook(organID string, hook Acknowledger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks[organID] = hook
}

// Propagate cascades the event to all dependents of sourceID. A source
// that is not a registered organ (an operator, the drift detector, the
// connectivity supervisor) halts the whole system: every registered
// organ becomes a target. Runs asynchronously and never blocks the
// caller: the report is delivered on the returned channel once every
// hop has acked or been recorded as orphaned, or the cascade SLA has
// elapsed.
func (p *Propagator) Propagate(event contracts.HaltEvent, sourceID string) <-chan contracts.PropagationReport {
	done := make(chan contracts.PropagationReport, 1)

	go func() {
		start := time.Now()
		dependents := p.graph.Dependents(sourceID)
		if !p.graph.Has(sourceID) {
			dependents = p.graph.Organs()
		}

		p.logger.Info("halt cascade started",
			"event_id", event.EventID,
			"source", sourceID,
			"reason", event.Reason,
			"dependents", len(dependents))

		ctx, cancel := context.WithTimeout(context.Background(), p.sla)
		defer cancel()

		results := make([]contracts.HopResult, len(dependents))
		var wg sync.WaitGroup
		for i, dep := range dependents {
			wg.Add(1)
			go func(i int, dep string) {
				defer wg.Done()
				results[i] = p.deliver(ctx, dep, event)
			}(i, dep)
		}
		wg.Wait()

		report := contracts.PropagationReport{
			EventID:  event.EventID,
			SourceID: sourceID,
			Hops:     results,
			Elapsed:  time.Since(start),
		}
		for _, hop := range report.Hops {
			if hop.Status == contracts.HopOrphaned {
				report.Orphans++
			}
		}
		report.DoneBySLA = report.Elapsed <= p.sla

		if report.Orphans > 0 {
			p.logger.Error("halt cascade left orphans",
				"event_id", event.EventID, "orphans", report.Orphans)
		} else {
			p.logger.Info("halt cascade complete",
				"event_id", event.EventID, "hops", len(report.Hops), "elapsed", report.Elapsed)
		}

		done <- report
	}()

	return done
}

// deliver attempts one hop: ack within the per-hop timeout, retried
// with a short backoff. Exhausted retries mark the hop orphaned.
func (p *Propagator) deliver(ctx context.Context, organID string, event contracts.HaltEvent) contracts.HopResult {
	start := time.Now()

	p.mu.RLock()
	hook, ok := p.hooks[organID]
	p.mu.RUnlock()

	result := contracts.HopResult{OrganID: organID, Status: contracts.HopOrphaned}
	if !ok {
		result.Elapsed = time.Since(start)
		p.logger.Warn("no halt hook registered", "organ", organID, "event_id", event.EventID)
		return result
	}

	for attempt := 0; attempt <= p.retries; attempt++ {
		result.Attempts = attempt + 1

		err := p.ackOnce(ctx, hook, event)

		if err == nil {
			result.Status = contracts.HopAcked
			result.Elapsed = time.Since(start)
			return result
		}

		if ctx.Err() != nil {
			break // cascade SLA exhausted
		}
		if attempt < p.retries {
			select {
			case <-time.After(p.retryBackoff):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
	}

	result.Elapsed = time.Since(start)
	return result
}

// ackOnce runs the hook with the per-hop timeout enforced from the
// outside. A hook that ignores its context cannot hold the cascade
// open: the attempt fails at the deadline and the hook's goroutine is
// left to finish on its own.
func (p *Propagator) ackOnce(ctx context.Context, hook Acknowledger, event contracts.HaltEvent) error {
	hopCtx, cancel := context.WithTimeout(ctx, p.ackTimeout)
	defer cancel()

	acked := make(chan error, 1)
	go func() { acked <- hook.OnHalt(hopCtx, event) }()

	select {
	case err := <-acked:
		return err
	case <-hopCtx.Done():
		return hopCtx.Err()
	}
}
