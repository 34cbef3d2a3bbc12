// Property-based tests for state hash determinism.
package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestStateHashDeterminism verifies StateHash(S) == StateHash(S) for
// arbitrary state views.
func TestStateHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("state hash is deterministic", prop.ForAll(
		func(ids []string, risk string) bool {
			view := StateView{RiskStatus: risk}
			for _, id := range ids {
				if id == "" {
					continue
				}
				view.Positions = append(view.Positions, PositionView{
					ID: id, Symbol: "BTC-USD", Side: "LONG", Size: 1, State: "FILLED",
				})
			}
			h1, err1 := StateHash(view)
			h2, err2 := StateHash(view)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.AlphaString(),
	))

	properties.Property("position permutation preserves the hash", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			forward := StateView{Positions: []PositionView{
				{ID: a, Symbol: "BTC-USD", Side: "LONG", Size: 1, State: "FILLED"},
				{ID: b, Symbol: "ETH-USD", Side: "SHORT", Size: 2, State: "DRAFT"},
			}}
			reversed := StateView{Positions: []PositionView{
				{ID: b, Symbol: "ETH-USD", Side: "SHORT", Size: 2, State: "DRAFT"},
				{ID: a, Symbol: "BTC-USD", Side: "LONG", Size: 1, State: "FILLED"},
			}}
			h1, err1 := StateHash(forward)
			h2, err2 := StateHash(reversed)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
