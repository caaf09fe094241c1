// Package partition implements the planning step that splits a finalized
// graph into per-device partitions.
//
// Planning is pure: Build reads a capacity snapshot and produces a DAG of
// partitions without touching any device. The same graph and capacity table
// always produce the same plan. Feasibility failures return ErrInfeasible
// with no partial plan.
package partition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/jygan/glow/devices"
	"github.com/jygan/glow/graph"
	"github.com/jygan/glow/types/sets"
	"github.com/jygan/glow/types/xslices"
)

// DeviceCapacity is one row of the capacity table Build plans against:
// a device, its compatibility kind, and the memory it has left.
type DeviceCapacity struct {
	ID             devices.ID
	Kind           string
	AvailableBytes uint64
}

// String implements fmt.Stringer.
func (c DeviceCapacity) String() string {
	return fmt.Sprintf("device %d [%s]: %s available", c.ID, c.Kind, humanize.Bytes(c.AvailableBytes))
}

// Node is one partition of a plan: a run of graph nodes assigned to a single
// device, with the symbols crossing its boundary and the partitions it
// depends on.
type Node struct {
	Name           string
	Device         devices.ID
	Nodes          []*graph.Node
	FootprintBytes uint64

	// Inputs are the symbols the partition consumes from outside: graph
	// inputs and outputs of other partitions. Sorted.
	Inputs []string

	// Outputs are the symbols the partition produces for the outside: graph
	// outputs and inputs of other partitions. Sorted.
	Outputs []string

	// Deps are the partitions producing Inputs, in plan order.
	Deps []*Node
}

// String implements fmt.Stringer.
func (p *Node) String() string {
	return fmt.Sprintf("%s on device %d: %d nodes, %s",
		p.Name, p.Device, len(p.Nodes), humanize.Bytes(p.FootprintBytes))
}

// DAG is a partition plan: partitions in dependency order (every partition
// appears after all of its Deps).
type DAG struct {
	Network string
	Nodes   []*Node
}

// Validate checks the plan against the graph it was built from: every graph
// node placed exactly once, no empty partition, dependencies within the plan,
// and no dependency cycle.
func (d *DAG) Validate(g *graph.Graph) error {
	if d.Network != g.Name() {
		return errors.Errorf("plan is for network %q, not %q", d.Network, g.Name())
	}
	members := sets.Make[*Node](len(d.Nodes))
	for _, p := range d.Nodes {
		members.Insert(p)
	}
	placed := sets.Make[*graph.Node](g.NumNodes())
	for _, p := range d.Nodes {
		if len(p.Nodes) == 0 {
			return errors.Errorf("partition %q is empty", p.Name)
		}
		for _, gn := range p.Nodes {
			if placed.Has(gn) {
				return errors.Errorf("graph node %q placed more than once", gn.Name)
			}
			placed.Insert(gn)
		}
		for _, dep := range p.Deps {
			if !members.Has(dep) {
				return errors.Errorf("partition %q depends on %q, which is not in the plan",
					p.Name, dep.Name)
			}
		}
	}
	if len(placed) != g.NumNodes() {
		return errors.Errorf("plan places %d of %d graph nodes", len(placed), g.NumNodes())
	}
	return d.checkAcyclic()
}

const (
	markNone = iota
	markTemporary
	markPermanent
)

func (d *DAG) checkAcyclic() error {
	marks := make(map[*Node]int, len(d.Nodes))
	var visit func(p *Node) error
	visit = func(p *Node) error {
		switch marks[p] {
		case markPermanent:
			return nil
		case markTemporary:
			return errors.Errorf("partition dependency cycle through %q", p.Name)
		}
		marks[p] = markTemporary
		for _, dep := range p.Deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[p] = markPermanent
		return nil
	}
	for _, p := range d.Nodes {
		if err := visit(p); err != nil {
			return err
		}
	}
	return nil
}

// Dump returns a multi-line description of the plan, for debug logging.
func (d *DAG) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "partition plan for %q: %d partitions\n", d.Network, len(d.Nodes))
	for _, p := range d.Nodes {
		deps := xslices.Map(p.Deps, func(dep *Node) string { return dep.Name })
		fmt.Fprintf(&sb, "  %s  deps=[%s] inputs=[%s] outputs=[%s]\n",
			p, strings.Join(deps, ","), strings.Join(p.Inputs, ","), strings.Join(p.Outputs, ","))
	}
	return sb.String()
}

func sortedSymbols(s sets.Set[string]) []string {
	symbols := make([]string, 0, len(s))
	for symbol := range s {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
