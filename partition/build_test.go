package partition

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jygan/glow/devices"
	"github.com/jygan/glow/graph"
)

// chainGraph builds a → b → c → ... with the given footprints and kinds.
func chainGraph(t *testing.T, name string, footprints []uint64, kinds ...[]string) *graph.Graph {
	t.Helper()
	g := graph.New(name)
	prev := "in"
	for i, fp := range footprints {
		node := &graph.Node{
			Name:           string(rune('a' + i)),
			Inputs:         []string{prev},
			Outputs:        []string{prev + "x"},
			FootprintBytes: fp,
		}
		if len(kinds) > i {
			node.Kinds = kinds[i]
		}
		require.NoError(t, g.AddNode(node))
		prev = prev + "x"
	}
	require.NoError(t, g.Finalize())
	return g
}

func TestBuildSinglePartition(t *testing.T) {
	g := chainGraph(t, "net", []uint64{30, 30, 30})
	caps := []DeviceCapacity{
		{ID: 0, Kind: "cpu", AvailableBytes: 95},
		{ID: 1, Kind: "cpu", AvailableBytes: 200},
	}
	dag, err := Build(g, caps)
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 1)
	p := dag.Nodes[0]
	assert.Equal(t, "net.p0", p.Name)
	// Most available memory wins.
	assert.Equal(t, devices.ID(1), p.Device)
	assert.Len(t, p.Nodes, 3)
	assert.Equal(t, uint64(90), p.FootprintBytes)
	assert.Equal(t, []string{"in"}, p.Inputs)
	assert.Equal(t, []string{"inxxx"}, p.Outputs)
	assert.Empty(t, p.Deps)

	// Build must not mutate the capacity table.
	assert.Equal(t, uint64(95), caps[0].AvailableBytes)
	assert.Equal(t, uint64(200), caps[1].AvailableBytes)
}

func TestBuildSplitsAcrossDevices(t *testing.T) {
	g := chainGraph(t, "net", []uint64{40, 40})
	caps := []DeviceCapacity{
		{ID: 0, Kind: "cpu", AvailableBytes: 50},
		{ID: 1, Kind: "cpu", AvailableBytes: 50},
	}
	dag, err := Build(g, caps)
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 2)

	p0, p1 := dag.Nodes[0], dag.Nodes[1]
	assert.NotEqual(t, p0.Device, p1.Device)
	assert.Equal(t, []string{"inx"}, p0.Outputs)
	assert.Equal(t, []string{"inx"}, p1.Inputs)
	require.Len(t, p1.Deps, 1)
	assert.Same(t, p0, p1.Deps[0])
	require.NoError(t, dag.Validate(g))
}

func TestBuildHonorsKinds(t *testing.T) {
	g := chainGraph(t, "net", []uint64{10, 10, 10},
		[]string{"cpu"}, []string{"accel"}, []string{"cpu"})
	caps := []DeviceCapacity{
		{ID: 0, Kind: "cpu", AvailableBytes: 100},
		{ID: 1, Kind: "accel", AvailableBytes: 100},
	}
	dag, err := Build(g, caps)
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 3)
	assert.Equal(t, devices.ID(0), dag.Nodes[0].Device)
	assert.Equal(t, devices.ID(1), dag.Nodes[1].Device)
	assert.Equal(t, devices.ID(0), dag.Nodes[2].Device)
	require.NoError(t, dag.Validate(g))
}

func TestBuildInfeasible(t *testing.T) {
	// Too big for every device.
	g := chainGraph(t, "net", []uint64{1000})
	_, err := Build(g, []DeviceCapacity{{ID: 0, Kind: "cpu", AvailableBytes: 100}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInfeasible))

	// No device of a compatible kind.
	g = chainGraph(t, "net", []uint64{10}, []string{"accel"})
	_, err = Build(g, []DeviceCapacity{{ID: 0, Kind: "cpu", AvailableBytes: 100}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInfeasible))

	// Feasible per node but not in aggregate.
	g = chainGraph(t, "net", []uint64{60, 60, 60})
	_, err = Build(g, []DeviceCapacity{
		{ID: 0, Kind: "cpu", AvailableBytes: 100},
		{ID: 1, Kind: "cpu", AvailableBytes: 70},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInfeasible))
}

func TestBuildInputValidation(t *testing.T) {
	g := chainGraph(t, "net", []uint64{10})
	_, err := Build(g, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, devices.ErrInvalidSpec))

	_, err = Build(g, []DeviceCapacity{
		{ID: 0, Kind: "cpu", AvailableBytes: 10},
		{ID: 0, Kind: "cpu", AvailableBytes: 10},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, devices.ErrInvalidSpec))

	unfinalized := graph.New("raw")
	require.NoError(t, unfinalized.AddNode(&graph.Node{Name: "a"}))
	_, err = Build(unfinalized, []DeviceCapacity{{ID: 0, Kind: "cpu", AvailableBytes: 10}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finalized")
}

func TestBuildDeterministic(t *testing.T) {
	g := graph.New("net")
	require.NoError(t, g.AddNode(&graph.Node{Name: "a", Inputs: []string{"in"}, Outputs: []string{"x"}, FootprintBytes: 30}))
	require.NoError(t, g.AddNode(&graph.Node{Name: "b", Inputs: []string{"x"}, Outputs: []string{"y"}, FootprintBytes: 30}))
	require.NoError(t, g.AddNode(&graph.Node{Name: "c", Inputs: []string{"x"}, Outputs: []string{"z"}, FootprintBytes: 30}))
	require.NoError(t, g.AddNode(&graph.Node{Name: "d", Inputs: []string{"y", "z"}, Outputs: []string{"out"}, FootprintBytes: 30}))
	require.NoError(t, g.Finalize())
	caps := []DeviceCapacity{
		{ID: 0, Kind: "cpu", AvailableBytes: 70},
		{ID: 1, Kind: "cpu", AvailableBytes: 70},
	}

	first, err := Build(g, caps)
	require.NoError(t, err)
	require.NoError(t, first.Validate(g))
	for range 10 {
		again, err := Build(g, caps)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestBuildDiamondBoundarySymbols(t *testing.T) {
	// a → {b, c} → d forced into two partitions across two devices.
	g := graph.New("net")
	require.NoError(t, g.AddNode(&graph.Node{Name: "a", Inputs: []string{"in"}, Outputs: []string{"x"}, FootprintBytes: 40}))
	require.NoError(t, g.AddNode(&graph.Node{Name: "b", Inputs: []string{"x"}, Outputs: []string{"y"}, FootprintBytes: 40}))
	require.NoError(t, g.AddNode(&graph.Node{Name: "c", Inputs: []string{"x"}, Outputs: []string{"z"}, FootprintBytes: 40}))
	require.NoError(t, g.AddNode(&graph.Node{Name: "d", Inputs: []string{"y", "z"}, Outputs: []string{"out"}, FootprintBytes: 40}))
	require.NoError(t, g.Finalize())
	caps := []DeviceCapacity{
		{ID: 0, Kind: "cpu", AvailableBytes: 90},
		{ID: 1, Kind: "cpu", AvailableBytes: 90},
	}
	dag, err := Build(g, caps)
	require.NoError(t, err)
	require.NoError(t, dag.Validate(g))
	require.Len(t, dag.Nodes, 2)

	p0, p1 := dag.Nodes[0], dag.Nodes[1]
	// Topological contiguity: a,b then c,d.
	assert.Equal(t, []string{"x", "y"}, p0.Outputs)
	assert.Equal(t, []string{"x", "y"}, p1.Inputs)
	assert.Equal(t, []string{"out"}, p1.Outputs)
	require.Len(t, p1.Deps, 1)
	assert.Same(t, p0, p1.Deps[0])
}
