package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

func TestSimBroker_SubmitAndCancel(t *testing.T) {
	sim := NewSimBroker(42000)
	ctx := context.Background()

	id, err := sim.SubmitOrder(ctx, Order{Symbol: "BTC-USD", Side: contracts.SideLong, Size: 0.5})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	positions, err := sim.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, "BTC-USD", positions[0].Symbol)

	require.NoError(t, sim.CancelOrder(ctx, id))
	positions, err = sim.Positions(ctx)
	require.NoError(t, err)
	require.Empty(t, positions)

	require.Error(t, sim.CancelOrder(ctx, "nope"))
}

func TestSimBroker_ScriptedFailures(t *testing.T) {
	sim := NewSimBroker(42000)
	ctx := context.Background()

	scripted := errors.New("gateway timeout")
	sim.FailNext(scripted)
	_, err := sim.SubmitOrder(ctx, Order{Symbol: "BTC-USD", Side: contracts.SideLong, Size: 1})
	require.ErrorIs(t, err, scripted)

	// Failure is one-shot.
	_, err = sim.SubmitOrder(ctx, Order{Symbol: "BTC-USD", Side: contracts.SideLong, Size: 1})
	require.NoError(t, err)

	sim.FailPings(2)
	require.Error(t, sim.Ping(ctx))
	require.Error(t, sim.Ping(ctx))
	require.NoError(t, sim.Ping(ctx))
}

func TestSimBroker_RejectsNonPositiveSize(t *testing.T) {
	sim := NewSimBroker(42000)
	_, err := sim.SubmitOrder(context.Background(), Order{Symbol: "BTC-USD", Side: contracts.SideShort, Size: 0})
	require.Error(t, err)
}
