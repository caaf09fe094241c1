// Package codegen declares the interfaces the runtime uses to talk to the
// code generator, an external collaborator: it turns partitions into loadable
// compiled functions, and the runtime neither knows nor cares how.
package codegen

import (
	"github.com/jygan/glow/devices"
	"github.com/jygan/glow/partition"
	"github.com/jygan/glow/tensors"
)

// CompiledFunction is the loadable unit produced for one partition.
//
// Execute reads the partition's inputs from bindings and must bind every
// declared output before returning. Implementations are expected to be safe
// for concurrent Execute calls; each call receives its own Bindings.
type CompiledFunction interface {
	// Execute runs the compiled partition against the given bindings.
	Execute(bindings *tensors.Bindings) error

	// SizeBytes is the device memory the function occupies once loaded.
	SizeBytes() uint64

	// InputNames and OutputNames mirror the partition boundary the function
	// was compiled from.
	InputNames() []string
	OutputNames() []string

	// Finalize releases whatever the compilation holds. Called once, after
	// the function is evicted everywhere.
	Finalize()
}

// A CompiledFunction is exactly what device managers load.
var _ devices.Artifact = (CompiledFunction)(nil)

// Compiler produces a CompiledFunction for one partition.
type Compiler interface {
	Compile(p *partition.Node) (CompiledFunction, error)
}
