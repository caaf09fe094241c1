// Package provision turns a partition plan into device-resident compiled
// functions: each partition is compiled and loaded onto its device, all or
// nothing.
package provision

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/jygan/glow/codegen"
	"github.com/jygan/glow/devices"
	"github.com/jygan/glow/partition"
)

// Placement records where one partition ended up: the device manager holding
// it, the load handle, and the compiled function itself.
type Placement struct {
	Manager  devices.Manager
	Handle   devices.Handle
	Function codegen.CompiledFunction
}

// LoadedNetwork is a fully provisioned partition plan, ready to execute.
type LoadedNetwork struct {
	Name string
	DAG  *partition.DAG

	// Placements is parallel to DAG.Nodes.
	Placements []Placement
}

// Provisioner compiles partitions and loads the artifacts onto devices.
type Provisioner struct {
	Compiler codegen.Compiler
}

// Provision compiles every partition of the plan and loads it onto its
// device, in plan order. On any failure it unloads whatever this call already
// loaded and returns the wrapped error: a network is provisioned
// all-or-nothing.
func (p *Provisioner) Provision(name string, dag *partition.DAG, table map[devices.ID]devices.Manager) (*LoadedNetwork, error) {
	ln := &LoadedNetwork{
		Name:       name,
		DAG:        dag,
		Placements: make([]Placement, 0, len(dag.Nodes)),
	}
	for _, part := range dag.Nodes {
		manager, found := table[part.Device]
		if !found {
			p.rollback(ln)
			return nil, errors.Errorf("provisioning %q: partition %q placed on unknown device %d",
				name, part.Name, part.Device)
		}
		fn, err := p.Compiler.Compile(part)
		if err != nil {
			p.rollback(ln)
			return nil, errors.WithMessagef(err, "provisioning %q: compiling partition %q", name, part.Name)
		}
		handle, err := manager.AddPartition(fn)
		if err != nil {
			fn.Finalize()
			p.rollback(ln)
			return nil, errors.WithMessagef(err, "provisioning %q: loading partition %q onto device %q",
				name, part.Name, manager.Spec().Name)
		}
		ln.Placements = append(ln.Placements, Placement{Manager: manager, Handle: handle, Function: fn})
		klog.V(2).Infof("provision: %q loaded partition %q onto device %q (handle %d)",
			name, part.Name, manager.Spec().Name, handle)
	}
	klog.V(1).Infof("provision: network %q loaded, %d partitions", name, len(ln.Placements))
	return ln, nil
}

// rollback unloads everything loaded so far, in reverse order. Failures are
// logged, not returned: the caller sees the error that started the rollback.
func (p *Provisioner) rollback(ln *LoadedNetwork) {
	for i := len(ln.Placements) - 1; i >= 0; i-- {
		placed := ln.Placements[i]
		if err := placed.Manager.EvictPartition(placed.Handle); err != nil {
			klog.Warningf("provision: rollback of %q could not evict handle %d from device %q: %v",
				ln.Name, placed.Handle, placed.Manager.Spec().Name, err)
		}
		placed.Function.Finalize()
	}
	ln.Placements = nil
}

// Unload evicts every placement of the network, in reverse load order, and
// finalizes the compiled functions. It keeps going after errors and returns
// the first one.
func (p *Provisioner) Unload(ln *LoadedNetwork) error {
	var firstErr error
	for i := len(ln.Placements) - 1; i >= 0; i-- {
		placed := ln.Placements[i]
		if err := placed.Manager.EvictPartition(placed.Handle); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "unloading network %q", ln.Name)
		}
		placed.Function.Finalize()
	}
	ln.Placements = nil
	klog.V(1).Infof("provision: network %q unloaded", ln.Name)
	return firstErr
}
