package connectivity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.True(t, cb.Allow())
		cb.Failure()
	}
	require.Equal(t, contracts.BreakerClosed, cb.State())

	require.True(t, cb.Allow())
	cb.Failure()
	require.Equal(t, contracts.BreakerOpen, cb.State())
	require.False(t, cb.Allow(), "open breaker must short-circuit")
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, 30*time.Second).WithClock(func() time.Time { return now })

	cb.Failure()
	require.Equal(t, contracts.BreakerOpen, cb.State())
	require.False(t, cb.Allow())

	// Cooldown elapses: exactly one trial is permitted.
	now = now.Add(31 * time.Second)
	require.True(t, cb.Allow())
	require.Equal(t, contracts.BreakerHalfOpen, cb.State())
	require.False(t, cb.Allow(), "second caller must wait for the trial outcome")

	cb.Success()
	require.Equal(t, contracts.BreakerClosed, cb.State())
	require.True(t, cb.Allow())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, 30*time.Second).WithClock(func() time.Time { return now })

	cb.Failure()
	now = now.Add(31 * time.Second)
	require.True(t, cb.Allow())

	cb.Failure()
	require.Equal(t, contracts.BreakerOpen, cb.State())
	require.False(t, cb.Allow())
}

func TestBackoff_ExponentialWithCeiling(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 0)

	require.Equal(t, 100*time.Millisecond, b.Next())
	require.Equal(t, 200*time.Millisecond, b.Next())
	require.Equal(t, 400*time.Millisecond, b.Next())
	require.Equal(t, 800*time.Millisecond, b.Next())
	require.Equal(t, time.Second, b.Next(), "ceiling reached")
	require.Equal(t, time.Second, b.Next())

	b.Reset()
	require.Equal(t, 100*time.Millisecond, b.Next())
}

func TestBackoff_JitterBounded(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 50*time.Millisecond)

	for i := 0; i < 5; i++ {
		b.Reset()
		d := b.Next()
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.Less(t, d, 150*time.Millisecond)
	}
}
