package governance

import (
	"context"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

// Organ is the full contract a subsystem implements to live under
// governance. Admission derives the manifest from these accessors; the
// organ itself serves as the halt acknowledger for cascade hops.
type Organ interface {
	ID() string
	Tier() contracts.TierID
	YieldPoints() []string
	Invariants() []string
	Dependencies() []string

	// OnHalt acknowledges a halt cascade hop. It must return quickly;
	// the propagator times out slow acks and records the hop orphaned.
	OnHalt(ctx context.Context, event contracts.HaltEvent) error

	// StateFragment is this organ's contribution to the canonical state
	// view. Must exclude timestamps, heartbeats, and diagnostics.
	StateFragment() map[string]interface{}

	// Telemetry returns advisory diagnostics for the health snapshot.
	// Never part of the state hash.
	Telemetry() map[string]string
}

// Admit registers an organ end to end: manifest validation, halt graph
// membership, halt hook, and state fragment collection. An organ that
// declares yield points is treated as long-running.
func (e *Engine) Admit(organ Organ) (contracts.OrganIdentity, error) {
	manifest := contracts.OrganManifest{
		ID:           organ.ID(),
		Tier:         string(organ.Tier()),
		Invariants:   organ.Invariants(),
		YieldPoints:  organ.YieldPoints(),
		Dependencies: organ.Dependencies(),
		LongRunning:  len(organ.YieldPoints()) > 0,
	}
	identity, err := e.RegisterOrgan(manifest, organ)
	if err != nil {
		return contracts.OrganIdentity{}, err
	}
	e.mu.Lock()
	e.organs[identity.ID] = organ
	e.mu.Unlock()
	return identity, nil
}

// Telemetry gathers advisory diagnostics from every admitted organ,
// keyed by organ id.
func (e *Engine) Telemetry() map[string]map[string]string {
	out := make(map[string]map[string]string, len(e.admitted()))
	for id, organ := range e.admitted() {
		if t := organ.Telemetry(); len(t) > 0 {
			out[id] = t
		}
	}
	return out
}

// organFragments collects the admitted organs' state contributions for
// the canonical view. Fragment calls run outside the engine lock so an
// organ may call back into the engine.
func (e *Engine) organFragments() map[string]interface{} {
	organs := e.admitted()
	if len(organs) == 0 {
		return nil
	}
	fragments := make(map[string]interface{}, len(organs))
	for id, organ := range organs {
		if frag := organ.StateFragment(); len(frag) > 0 {
			fragments[id] = frag
		}
	}
	if len(fragments) == 0 {
		return nil
	}
	return fragments
}

func (e *Engine) admitted() map[string]Organ {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Organ, len(e.organs))
	for id, organ := range e.organs {
		out[id] = organ
	}
	return out
}
