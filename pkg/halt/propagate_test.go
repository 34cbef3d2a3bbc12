package halt

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

type ackFunc func(ctx context.Context, event contracts.HaltEvent) error

func (f ackFunc) OnHalt(ctx context.Context, event contracts.HaltEvent) error {
	return f(ctx, event)
}

func testEvent() contracts.HaltEvent {
	return contracts.HaltEvent{
		EventID:     "evt-1",
		RequestedBy: "supervisor",
		Reason:      "test cascade",
		RequestedAt: time.Now(),
	}
}

func TestPropagate_AllAcked(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("root", nil))
	require.NoError(t, g.Add("child-1", []string{"root"}))
	require.NoError(t, g.Add("child-2", []string{"root"}))
	require.NoError(t, g.Add("grandchild", []string{"child-1"}))

	p := NewPropagator(g, nil)
	var acks atomic.Int32
	ok := ackFunc(func(ctx context.Context, event contracts.HaltEvent) error {
		acks.Add(1)
		return nil
	})
	p.RegisterHook("child-1", ok)
	p.RegisterHook("child-2", ok)
	p.RegisterHook("grandchild", ok)

	report := <-p.Propagate(testEvent(), "root")

	require.Len(t, report.Hops, 3)
	require.Zero(t, report.Orphans)
	require.True(t, report.DoneBySLA)
	require.Equal(t, int32(3), acks.Load())
	for _, hop := range report.Hops {
		require.Equal(t, contracts.HopAcked, hop.Status)
	}
}

func TestPropagate_OrphanRecorded(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("root", nil))
	require.NoError(t, g.Add("deaf", []string{"root"}))
	require.NoError(t, g.Add("alive", []string{"root"}))

	p := NewPropagator(g, nil)
	p.RegisterHook("alive", ackFunc(func(ctx context.Context, event contracts.HaltEvent) error {
		return nil
	}))
	p.RegisterHook("deaf", ackFunc(func(ctx context.Context, event contracts.HaltEvent) error {
		return errors.New("unreachable")
	}))

	report := <-p.Propagate(testEvent(), "root")

	require.Equal(t, 1, report.Orphans)
	byID := make(map[string]contracts.HopResult)
	for _, hop := range report.Hops {
		byID[hop.OrganID] = hop
	}
	require.Equal(t, contracts.HopOrphaned, byID["deaf"].Status)
	require.Equal(t, 3, byID["deaf"].Attempts, "two retries after the first attempt")
	require.Equal(t, contracts.HopAcked, byID["alive"].Status)
}

func TestPropagate_MissingHookOrphans(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("root", nil))
	require.NoError(t, g.Add("unhooked", []string{"root"}))

	p := NewPropagator(g, nil)
	report := <-p.Propagate(testEvent(), "root")

	require.Equal(t, 1, report.Orphans)
	require.Equal(t, contracts.HopOrphaned, report.Hops[0].Status)
}

func TestPropagate_DoesNotBlockCaller(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("root", nil))
	require.NoError(t, g.Add("slow", []string{"root"}))

	p := NewPropagator(g, nil)
	p.RegisterHook("slow", ackFunc(func(ctx context.Context, event contracts.HaltEvent) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	ch := p.Propagate(testEvent(), "root")
	require.Less(t, time.Since(start), 10*time.Millisecond, "Propagate must return immediately")

	report := <-ch
	require.Equal(t, 1, report.Orphans)
	require.LessOrEqual(t, report.Elapsed, DefaultCascadeSLA+100*time.Millisecond)
}

func TestPropagate_SlowAckWithinTimeoutSucceeds(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("root", nil))
	require.NoError(t, g.Add("slowish", []string{"root"}))

	p := NewPropagator(g, nil)
	p.RegisterHook("slowish", ackFunc(func(ctx context.Context, event contracts.HaltEvent) error {
		select {
		case <-time.After(20 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	report := <-p.Propagate(testEvent(), "root")
	require.Zero(t, report.Orphans)
}

func TestPropagate_NonCooperativeHookOrphanedAtDeadline(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("root", nil))
	require.NoError(t, g.Add("stuck", []string{"root"}))

	p := NewPropagator(g, nil)
	// The hook never looks at its context. The hop must still be
	// orphaned at the deadline, not held open until the sleep ends.
	p.RegisterHook("stuck", ackFunc(func(ctx context.Context, event contracts.HaltEvent) error {
		time.Sleep(10 * time.Second)
		return nil
	}))

	start := time.Now()
	select {
	case report := <-p.Propagate(testEvent(), "root"):
		require.Equal(t, 1, report.Orphans)
		require.Equal(t, contracts.HopOrphaned, report.Hops[0].Status)
		require.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("cascade report held open by a hook that ignores its context")
	}
}

func TestPropagate_UnregisteredSourceHaltsEveryOrgan(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("supervisor", nil))
	require.NoError(t, g.Add("executor", []string{"supervisor"}))

	p := NewPropagator(g, nil)
	var acks atomic.Int32
	ok := ackFunc(func(ctx context.Context, event contracts.HaltEvent) error {
		acks.Add(1)
		return nil
	})
	p.RegisterHook("supervisor", ok)
	p.RegisterHook("executor", ok)

	// The drift detector is not an organ; its halt covers the system.
	report := <-p.Propagate(testEvent(), "drift-detector")

	require.Len(t, report.Hops, 2)
	require.Zero(t, report.Orphans)
	require.Equal(t, int32(2), acks.Load())
}
