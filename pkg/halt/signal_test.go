package halt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

func TestSignal_EngageCheckClear(t *testing.T) {
	s := NewSignal()

	require.NoError(t, s.Check())
	require.False(t, s.Engaged())

	event := s.Engage("supervisor", "breaker open beyond threshold")
	require.NotEmpty(t, event.EventID)
	require.True(t, s.Engaged())
	require.ErrorIs(t, s.Check(), contracts.ErrHaltActive)

	_, err := s.Clear("", "")
	require.Error(t, err, "clear without identity must fail")
	require.True(t, s.Engaged())

	clearance, err := s.Clear("operator:ada", "drift resolved, resuming")
	require.NoError(t, err)
	require.Equal(t, "operator:ada", clearance.ClearedBy)
	require.False(t, s.Engaged())
	require.NoError(t, s.Check())
}

func TestSignal_EngageIdempotent(t *testing.T) {
	s := NewSignal()

	first := s.Engage("organ-a", "first")
	second := s.Engage("organ-b", "second")

	require.Equal(t, first.EventID, second.EventID)
	require.Equal(t, "organ-a", second.RequestedBy)
}

func TestSignal_ClearWhenUnset(t *testing.T) {
	s := NewSignal()
	_, err := s.Clear("operator:ada", "nothing to clear")
	require.ErrorIs(t, err, contracts.ErrLifecycleViolation)
}

// Engage must stay fast under heavy concurrent check load: the 50ms
// ceiling is inclusive of contention.
func TestSignal_EngageLatencyUnderLoad(t *testing.T) {
	s := NewSignal()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = s.Check()
				}
			}
		}()
	}

	worst := time.Duration(0)
	for i := 0; i < 100; i++ {
		start := time.Now()
		s.Engage("latency-test", "load probe")
		if d := time.Since(start); d > worst {
			worst = d
		}
		_, _ = s.Clear("operator:test", "reset for next probe")
	}
	close(stop)
	wg.Wait()

	require.Less(t, worst, 50*time.Millisecond, "request_halt exceeded its latency ceiling")
}

func TestSignal_CheckReturnsTaxonomyError(t *testing.T) {
	s := NewSignal()
	s.Engage("x", "y")
	if !errors.Is(s.Check(), contracts.ErrHaltActive) {
		t.Fatal("expected ErrHaltActive")
	}
}
