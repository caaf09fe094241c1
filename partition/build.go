package partition

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/jygan/glow/devices"
	"github.com/jygan/glow/graph"
	"github.com/jygan/glow/types/sets"
)

// ErrInfeasible is returned when no placement satisfying the memory and
// compatibility constraints exists.
var ErrInfeasible = errors.New("graph cannot be partitioned onto the given devices")

// Build splits the finalized graph over the given device capacities and
// returns a validated plan.
//
// The policy minimizes partition count first: if a single compatible device
// can hold the whole graph, the plan is one partition on the device with the
// most available memory (ties to the lowest ID). Otherwise nodes are taken in
// topological order and packed greedily into contiguous segments; each new
// segment opens on the eligible device with the largest remaining budget.
// Contiguity in topological order makes every cross-partition edge point
// forward, so plans are acyclic by construction; Validate re-checks before
// the plan is returned.
//
// On failure no partial plan is returned. Build never mutates capacities.
func Build(g *graph.Graph, capacities []DeviceCapacity) (*DAG, error) {
	if g == nil || !g.Finalized() {
		return nil, errors.Errorf("partitioning requires a finalized graph")
	}
	if len(capacities) == 0 {
		return nil, errors.Wrap(devices.ErrInvalidSpec, "no devices to partition onto")
	}
	seen := sets.Make[devices.ID](len(capacities))
	for _, c := range capacities {
		if seen.Has(c.ID) {
			return nil, errors.Wrapf(devices.ErrInvalidSpec, "duplicate device id %d in capacity table", c.ID)
		}
		seen.Insert(c.ID)
	}

	order := g.TopoOrder()
	for _, n := range order {
		if !fitsSomewhere(n, capacities) {
			return nil, errors.Wrapf(ErrInfeasible,
				"node %q (%s, kinds %v) fits no device",
				n.Name, humanize.Bytes(n.FootprintBytes), n.Kinds)
		}
	}

	var segs []segment
	if idx, ok := wholeGraphDevice(g, order, capacities); ok {
		segs = []segment{{device: idx, nodes: order}}
	} else {
		var err error
		segs, err = packGreedy(order, capacities)
		if err != nil {
			return nil, err
		}
	}

	dag := assemble(g, segs, capacities)
	if err := dag.Validate(g); err != nil {
		return nil, errors.WithMessagef(err, "internal: produced an invalid plan for %q", g.Name())
	}
	klog.V(1).Infof("partitioned %s onto %d device(s): %d partition(s)",
		g, len(capacities), len(dag.Nodes))
	if klog.V(2).Enabled() {
		klog.Info(dag.Dump())
	}
	return dag, nil
}

// segment is a contiguous run of topologically ordered nodes bound to one
// device (identified by its index in the capacity table).
type segment struct {
	device int
	nodes  []*graph.Node
}

func fitsSomewhere(n *graph.Node, capacities []DeviceCapacity) bool {
	for _, c := range capacities {
		if n.CompatibleWith(c.Kind) && n.FootprintBytes <= c.AvailableBytes {
			return true
		}
	}
	return false
}

// wholeGraphDevice returns the index of the device to host the entire graph
// as a single partition, if any device is compatible with every node and has
// room for the total footprint.
func wholeGraphDevice(g *graph.Graph, order []*graph.Node, capacities []DeviceCapacity) (int, bool) {
	total := g.TotalFootprintBytes()
	best := -1
	for i, c := range capacities {
		if c.AvailableBytes < total {
			continue
		}
		compatible := true
		for _, n := range order {
			if !n.CompatibleWith(c.Kind) {
				compatible = false
				break
			}
		}
		if !compatible {
			continue
		}
		if best == -1 || c.AvailableBytes > capacities[best].AvailableBytes {
			best = i
		}
	}
	return best, best != -1
}

func packGreedy(order []*graph.Node, capacities []DeviceCapacity) ([]segment, error) {
	remaining := make([]uint64, len(capacities))
	for i, c := range capacities {
		remaining[i] = c.AvailableBytes
	}

	var segs []segment
	cur := -1 // Index into segs of the open segment.
	for _, n := range order {
		if cur >= 0 {
			d := segs[cur].device
			if n.CompatibleWith(capacities[d].Kind) && n.FootprintBytes <= remaining[d] {
				segs[cur].nodes = append(segs[cur].nodes, n)
				remaining[d] -= n.FootprintBytes
				continue
			}
		}
		best := -1
		for i, c := range capacities {
			if !n.CompatibleWith(c.Kind) || n.FootprintBytes > remaining[i] {
				continue
			}
			if best == -1 || remaining[i] > remaining[best] {
				best = i
			}
		}
		if best == -1 {
			return nil, errors.Wrapf(ErrInfeasible,
				"node %q no longer fits any device after earlier placements", n.Name)
		}
		segs = append(segs, segment{device: best, nodes: []*graph.Node{n}})
		cur = len(segs) - 1
		remaining[best] -= n.FootprintBytes
	}
	return segs, nil
}

// assemble turns segments into the final plan: names, boundary symbols and
// dependency edges.
func assemble(g *graph.Graph, segs []segment, capacities []DeviceCapacity) *DAG {
	owner := make(map[*graph.Node]int, g.NumNodes())
	for i, s := range segs {
		for _, gn := range s.nodes {
			owner[gn] = i
		}
	}
	// consumers of every symbol, to derive partition outputs.
	consumers := make(map[string][]*graph.Node)
	for _, gn := range g.Nodes() {
		for _, symbol := range gn.Inputs {
			consumers[symbol] = append(consumers[symbol], gn)
		}
	}

	parts := make([]*Node, len(segs))
	for i, s := range segs {
		inputs := sets.Make[string]()
		outputs := sets.Make[string]()
		var footprint uint64
		for _, gn := range s.nodes {
			footprint += gn.FootprintBytes
			for _, symbol := range gn.Inputs {
				producer := g.Producer(symbol)
				if producer == nil || owner[producer] != i {
					inputs.Insert(symbol)
				}
			}
			for _, symbol := range gn.Outputs {
				if external(consumers[symbol], owner, i) {
					outputs.Insert(symbol)
				}
			}
		}
		parts[i] = &Node{
			Name:           fmt.Sprintf("%s.p%d", g.Name(), i),
			Device:         capacities[s.device].ID,
			Nodes:          s.nodes,
			FootprintBytes: footprint,
			Inputs:         sortedSymbols(inputs),
			Outputs:        sortedSymbols(outputs),
		}
	}

	// Dependency edges, deduplicated, in plan order.
	for i, s := range segs {
		depSet := sets.Make[int]()
		for _, gn := range s.nodes {
			for _, symbol := range gn.Inputs {
				producer := g.Producer(symbol)
				if producer != nil && owner[producer] != i {
					depSet.Insert(owner[producer])
				}
			}
		}
		for j := range segs {
			if depSet.Has(j) {
				parts[i].Deps = append(parts[i].Deps, parts[j])
			}
		}
	}

	return &DAG{Network: g.Name(), Nodes: parts}
}

// external reports whether a symbol with the given consumers leaves partition
// i: it is a graph output (no consumers) or consumed by another partition.
func external(consumers []*graph.Node, owner map[*graph.Node]int, i int) bool {
	if len(consumers) == 0 {
		return true
	}
	for _, consumer := range consumers {
		if owner[consumer] != i {
			return true
		}
	}
	return false
}
