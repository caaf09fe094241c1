// Package graph defines the whole-program computation graph the runtime
// receives from the upstream compiler.
//
// A Graph is a DAG of opaque nodes connected by named symbols: each symbol
// has at most one producing node, and any number of consumers. Nodes carry no
// computation here, only the metadata partitioning needs: a static memory
// footprint and the device kinds able to run them. Graphs are built with
// AddNode and sealed with Finalize, after which they are immutable and
// guaranteed acyclic.
package graph

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/jygan/glow/types/sets"
	"github.com/jygan/glow/types/xslices"
)

// Node is one compiled operation (or fused region) of the graph.
//
// Inputs and Outputs name the symbols the node consumes and produces.
// FootprintBytes estimates the device memory the node occupies once loaded.
// Kinds restricts which device kinds may run the node; empty means any.
type Node struct {
	Name           string
	Inputs         []string
	Outputs        []string
	FootprintBytes uint64
	Kinds          []string
}

// CompatibleWith returns whether the node may be placed on a device of the
// given kind.
func (n *Node) CompatibleWith(kind string) bool {
	if len(n.Kinds) == 0 {
		return true
	}
	for _, k := range n.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("%s (%s)", n.Name, humanize.Bytes(n.FootprintBytes))
}

// Graph is a named collection of nodes under construction or, after
// Finalize, an immutable validated DAG.
type Graph struct {
	name      string
	nodes     []*Node
	byName    map[string]*Node
	producers map[string]*Node
	finalized bool
}

// New creates an empty graph with the given name.
func New(name string) *Graph {
	return &Graph{
		name:      name,
		byName:    make(map[string]*Node),
		producers: make(map[string]*Node),
	}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Finalized returns whether the graph has been sealed by Finalize.
func (g *Graph) Finalized() bool { return g.finalized }

// NumNodes returns the number of nodes added so far.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node { return xslices.Copy(g.nodes) }

// Node returns the node with the given name, or nil.
func (g *Graph) Node(name string) *Node { return g.byName[name] }

// Producer returns the node producing the given symbol, or nil if the symbol
// is a graph input (or unknown).
func (g *Graph) Producer(symbol string) *Node { return g.producers[symbol] }

// AddNode adds a node to the graph.
//
// It fails if the graph is finalized, the node or symbol names are malformed,
// the node name is taken, or one of its outputs already has a producer.
func (g *Graph) AddNode(node *Node) error {
	if g.finalized {
		return errors.Errorf("graph %q is finalized, cannot add node", g.name)
	}
	if node == nil || node.Name == "" {
		return errors.Errorf("graph %q: node must be non-nil and named", g.name)
	}
	if _, found := g.byName[node.Name]; found {
		return errors.Errorf("graph %q: duplicate node name %q", g.name, node.Name)
	}
	seen := sets.Make[string](len(node.Outputs))
	for _, symbol := range node.Outputs {
		if symbol == "" {
			return errors.Errorf("graph %q: node %q has an empty output symbol", g.name, node.Name)
		}
		if seen.Has(symbol) {
			return errors.Errorf("graph %q: node %q produces symbol %q twice", g.name, node.Name, symbol)
		}
		seen.Insert(symbol)
		if other := g.producers[symbol]; other != nil {
			return errors.Errorf("graph %q: symbol %q already produced by node %q", g.name, symbol, other.Name)
		}
	}
	for _, symbol := range node.Inputs {
		if symbol == "" {
			return errors.Errorf("graph %q: node %q has an empty input symbol", g.name, node.Name)
		}
		// A self-loop would otherwise escape the cycle check, which only
		// follows edges between distinct nodes.
		if seen.Has(symbol) {
			return errors.Errorf("graph %q: node %q consumes its own output %q", g.name, node.Name, symbol)
		}
	}
	for _, kind := range node.Kinds {
		if kind == "" {
			return errors.Errorf("graph %q: node %q has an empty device kind", g.name, node.Name)
		}
	}

	g.nodes = append(g.nodes, node)
	g.byName[node.Name] = node
	for _, symbol := range node.Outputs {
		g.producers[symbol] = node
	}
	return nil
}

// Finalize seals the graph: it validates that the graph is non-empty and that
// the symbol dependencies between nodes form no cycle. Calling Finalize on an
// already finalized graph is a no-op.
func (g *Graph) Finalize() error {
	if g.finalized {
		return nil
	}
	if len(g.nodes) == 0 {
		return errors.Errorf("graph %q has no nodes", g.name)
	}
	if err := g.checkAcyclic(); err != nil {
		return err
	}
	g.finalized = true
	return nil
}

const (
	markNone = iota
	markTemporary
	markPermanent
)

// checkAcyclic runs a depth-first search with temporary/permanent marks and
// reports the first cycle found.
func (g *Graph) checkAcyclic() error {
	marks := make(map[*Node]int, len(g.nodes))
	var visit func(n *Node) error
	visit = func(n *Node) error {
		switch marks[n] {
		case markPermanent:
			return nil
		case markTemporary:
			return errors.Errorf("graph %q: dependency cycle through node %q", g.name, n.Name)
		}
		marks[n] = markTemporary
		for _, dep := range g.Deps(n) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[n] = markPermanent
		return nil
	}
	for _, n := range g.nodes {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

// Deps returns the nodes producing the inputs of the given node, deduplicated,
// in the order the inputs are declared. Graph inputs contribute no dependency.
func (g *Graph) Deps(node *Node) []*Node {
	var deps []*Node
	seen := sets.Make[*Node]()
	for _, symbol := range node.Inputs {
		producer := g.producers[symbol]
		if producer == nil || producer == node || seen.Has(producer) {
			continue
		}
		seen.Insert(producer)
		deps = append(deps, producer)
	}
	return deps
}

// Inputs returns the sorted symbols consumed by the graph but produced by no
// node. These must be bound by the caller before a run.
func (g *Graph) Inputs() []string {
	inputs := sets.Make[string]()
	for _, n := range g.nodes {
		for _, symbol := range n.Inputs {
			if g.producers[symbol] == nil {
				inputs.Insert(symbol)
			}
		}
	}
	return sortedElements(inputs)
}

// Outputs returns the sorted symbols produced by the graph and consumed by no
// node. These are what a completed run delivers.
func (g *Graph) Outputs() []string {
	consumed := sets.Make[string]()
	for _, n := range g.nodes {
		consumed.Insert(n.Inputs...)
	}
	outputs := sets.Make[string]()
	for symbol := range g.producers {
		if !consumed.Has(symbol) {
			outputs.Insert(symbol)
		}
	}
	return sortedElements(outputs)
}

// TotalFootprintBytes returns the sum of all node footprints.
func (g *Graph) TotalFootprintBytes() uint64 {
	return xslices.Sum(xslices.Map(g.nodes, func(n *Node) uint64 { return n.FootprintBytes }))
}

// TopoOrder returns the nodes in a deterministic topological order.
// The graph must be finalized, which guarantees such an order exists.
func (g *Graph) TopoOrder() []*Node {
	if !g.finalized {
		exceptions.Panicf("graph %q: TopoOrder requires a finalized graph", g.name)
	}
	order := make([]*Node, 0, len(g.nodes))
	emitted := sets.Make[*Node](len(g.nodes))
	for len(order) < len(g.nodes) {
		// Quadratic scan keeps ties in declaration order.
		for _, n := range g.nodes {
			if emitted.Has(n) {
				continue
			}
			ready := true
			for _, dep := range g.Deps(n) {
				if !emitted.Has(dep) {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, n)
				emitted.Insert(n)
			}
		}
	}
	return order
}

// String implements fmt.Stringer.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph %q: %d nodes, %s", g.name, len(g.nodes),
		humanize.Bytes(g.TotalFootprintBytes()))
}

func sortedElements(s sets.Set[string]) []string {
	elements := make([]string, 0, len(s))
	for symbol := range s {
		elements = append(elements, symbol)
	}
	sort.Strings(elements)
	return elements
}
