package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phoenix-trading/phoenix/pkg/broker"
	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

func internalFilled(id, symbol string, side contracts.Side, size float64) contracts.Position {
	return contracts.Position{
		ID: id, Symbol: symbol, Side: side,
		RequestedSize: size, FillSize: size,
		State: contracts.StateFilled,
	}
}

func TestCompare_CountMismatchIsCriticalAndHalts(t *testing.T) {
	sim := broker.NewSimBroker(42000)
	for _, sym := range []string{"BTC-USD", "ETH-USD", "SOL-USD"} {
		sim.Seed(contracts.BrokerPosition{Symbol: sym, Side: contracts.SideLong, Size: 1, Status: "open", FilledRatio: 1})
	}

	internal := []contracts.Position{
		internalFilled("p1", "BTC-USD", contracts.SideLong, 1),
		internalFilled("p2", "ETH-USD", contracts.SideLong, 1),
	}

	var haltReasons []string
	det := NewDetector(
		func() []contracts.Position { return internal },
		sim,
		func(reason string) { haltReasons = append(haltReasons, reason) },
		nil,
	)

	records, err := det.Compare(context.Background())
	require.NoError(t, err)

	var count *contracts.DriftRecord
	for i := range records {
		if records[i].Type == contracts.DriftCount {
			count = &records[i]
		}
	}
	require.NotNil(t, count, "count drift must be recorded")
	require.Equal(t, contracts.SeverityCritical, count.Severity)
	require.Equal(t, "2", count.Internal)
	require.Equal(t, "3", count.External)
	require.NotEmpty(t, haltReasons, "critical drift requests a halt")

	// The detector performed no corrective write on either side.
	external, err := sim.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, external, 3)
	require.Len(t, internal, 2)
	require.Equal(t, contracts.DriftUnresolved, count.Resolution)
}

func TestCompare_CleanBookEmitsNothing(t *testing.T) {
	sim := broker.NewSimBroker(42000)
	sim.Seed(contracts.BrokerPosition{Symbol: "BTC-USD", Side: contracts.SideLong, Size: 0.5, Status: "open", FilledRatio: 1})

	det := NewDetector(
		func() []contracts.Position {
			return []contracts.Position{internalFilled("p1", "BTC-USD", contracts.SideLong, 0.5)}
		},
		sim, nil, nil,
	)

	records, err := det.Compare(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
	require.Zero(t, det.Unresolved())
}

func TestCompare_SizeAndStatusDrift(t *testing.T) {
	sim := broker.NewSimBroker(42000)
	sim.Seed(contracts.BrokerPosition{Symbol: "BTC-USD", Side: contracts.SideLong, Size: 0.4, Status: "closed", FilledRatio: 1})

	var halts int
	det := NewDetector(
		func() []contracts.Position {
			return []contracts.Position{internalFilled("p1", "BTC-USD", contracts.SideLong, 0.5)}
		},
		sim,
		func(string) { halts++ },
		nil,
	)

	records, err := det.Compare(context.Background())
	require.NoError(t, err)

	types := map[contracts.DriftType]contracts.Severity{}
	for _, rec := range records {
		types[rec.Type] = rec.Severity
	}
	// 20% size gap is well past the critical band.
	require.Equal(t, contracts.SeverityCritical, types[contracts.DriftSize])
	require.Equal(t, contracts.SeverityWarning, types[contracts.DriftStatus])
	require.Equal(t, 1, halts)
}

func TestCompare_MissingSideIsCritical(t *testing.T) {
	sim := broker.NewSimBroker(42000)
	sim.Seed(contracts.BrokerPosition{Symbol: "BTC-USD", Side: contracts.SideShort, Size: 0.5, Status: "open", FilledRatio: 1})

	det := NewDetector(
		func() []contracts.Position {
			return []contracts.Position{internalFilled("p1", "BTC-USD", contracts.SideLong, 0.5)}
		},
		sim, nil, nil,
	)

	records, err := det.Compare(context.Background())
	require.NoError(t, err)

	var missing bool
	for _, rec := range records {
		if rec.Type == contracts.DriftMissingSide {
			missing = true
			require.Equal(t, contracts.SeverityCritical, rec.Severity)
		}
	}
	require.True(t, missing)
}

func TestResolve_RequiresOperatorIdentity(t *testing.T) {
	sim := broker.NewSimBroker(42000)
	det := NewDetector(
		func() []contracts.Position { return []contracts.Position{internalFilled("p1", "BTC-USD", contracts.SideLong, 1)} },
		sim, nil, nil,
	)
	records, err := det.Compare(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, records)
	id := records[0].RecordID

	_, err = det.Resolve(id, "", "fixed on broker side", contracts.DriftBrokerCorrected)
	require.Error(t, err)
	_, err = det.Resolve(id, "operator:ada", "", contracts.DriftBrokerCorrected)
	require.Error(t, err)
	_, err = det.Resolve(id, "operator:ada", "note", contracts.DriftResolution("FIXED"))
	require.Error(t, err)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	det.WithClock(func() time.Time { return clock })
	rec, err := det.Resolve(id, "operator:ada", "broker restated overnight", contracts.DriftBrokerCorrected)
	require.NoError(t, err)
	require.Equal(t, contracts.DriftBrokerCorrected, rec.Resolution)
	require.Equal(t, "operator:ada", rec.ResolvedBy)
	require.Equal(t, clock, rec.ResolvedAt)

	// Double resolution is refused; the record survives.
	_, err = det.Resolve(id, "operator:ada", "again", contracts.DriftAcknowledged)
	require.Error(t, err)
	require.Zero(t, det.Unresolved())
}

func TestCompare_SinkReceivesRecords(t *testing.T) {
	sim := broker.NewSimBroker(42000)
	det := NewDetector(func() []contracts.Position { return nil }, sim, nil, nil)

	var seen []contracts.DriftRecord
	det.Subscribe(func(rec contracts.DriftRecord) { seen = append(seen, rec) })

	sim.Seed(contracts.BrokerPosition{Symbol: "BTC-USD", Side: contracts.SideLong, Size: 1, Status: "open", FilledRatio: 1})
	_, err := det.Compare(context.Background())
	require.NoError(t, err)
	require.Len(t, seen, 1)
	require.Equal(t, contracts.DriftCount, seen[0].Type)
}
