package halt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGraph_AddAndDependents(t *testing.T) {
	g := NewGraph()

	require.NoError(t, g.Add("market-data", nil))
	require.NoError(t, g.Add("signal-gen", []string{"market-data"}))
	require.NoError(t, g.Add("executor", []string{"signal-gen"}))
	require.NoError(t, g.Add("reporter", []string{"market-data"}))

	deps := g.Dependents("market-data")
	require.ElementsMatch(t, []string{"signal-gen", "executor", "reporter"}, deps)

	require.Equal(t, []string{"executor"}, g.Dependents("signal-gen"))
	require.Empty(t, g.Dependents("executor"))
}

func TestGraph_RejectsDuplicate(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("a", nil))
	require.Error(t, g.Add("a", nil))
}

func TestGraph_RejectsCycle(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("a", []string{"b"}))
	require.NoError(t, g.Add("b", []string{"c"}))

	err := g.Add("c", []string{"a"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
	require.False(t, g.Has("c"), "cyclic organ must not be registered")
}

func TestGraph_SelfCycleRejected(t *testing.T) {
	g := NewGraph()
	require.Error(t, g.Add("a", []string{"a"}))
}
