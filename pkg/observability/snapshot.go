package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

// ComponentProbe reports one component's current status.
type ComponentProbe func() contracts.ComponentStatus

// Snapshotter refreshes the structured health snapshot on a ticker.
// Readers get the latest snapshot with a single atomic load, so a
// snapshot read can never block a halt check.
type Snapshotter struct {
	probes  map[string]ComponentProbe
	current atomic.Pointer[contracts.HealthSnapshot]
	clock   func() time.Time
}

// NewSnapshotter creates an empty snapshotter.
func NewSnapshotter() *Snapshotter {
	s := &Snapshotter{
		probes: make(map[string]ComponentProbe),
		clock:  time.Now,
	}
	s.current.Store(&contracts.HealthSnapshot{Overall: "unknown"})
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Snapshotter) WithClock(clock func() time.Time) *Snapshotter {
	s.clock = clock
	return s
}

// AddProbe registers a component probe. Call before Run.
func (s *Snapshotter) AddProbe(name string, probe ComponentProbe) {
	s.probes[name] = probe
}

// Run refreshes the snapshot on interval until ctx is done.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.Refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Refresh rebuilds the snapshot from the probes.
func (s *Snapshotter) Refresh() contracts.HealthSnapshot {
	snapshot := contracts.HealthSnapshot{
		Overall:     "healthy",
		RefreshedAt: s.clock(),
	}
	degraded := 0
	critical := 0
	for name, probe := range s.probes {
		status := probe()
		if status.Name == "" {
			status.Name = name
		}
		switch status.Status {
		case "degraded":
			degraded++
		case "critical":
			critical++
		}
		snapshot.Components = append(snapshot.Components, status)
	}
	switch {
	case critical > 0:
		snapshot.Overall = "critical"
		snapshot.Summary = fmt.Sprintf("%d component(s) critical, operator attention required", critical)
	case degraded > 0:
		snapshot.Overall = "degraded"
		snapshot.Summary = fmt.Sprintf("%d component(s) degraded", degraded)
	default:
		snapshot.Summary = "all components nominal"
	}

	s.current.Store(&snapshot)
	return snapshot
}

// Snapshot returns the latest refreshed snapshot.
func (s *Snapshotter) Snapshot() contracts.HealthSnapshot {
	return *s.current.Load()
}
