// Package passthrough implements a trivial stand-in code generator: compiled
// partitions copy their input tensors onto their declared outputs, cycling
// through inputs when a partition produces more symbols than it consumes.
// Partitions with no inputs produce zero-valued Float32 scalars.
//
// It exists so the runtime can be driven end to end (demos, benchmarks)
// without a real code generator; it performs no computation.
package passthrough

import (
	"github.com/pkg/errors"

	"github.com/jygan/glow/codegen"
	"github.com/jygan/glow/partition"
	"github.com/jygan/glow/tensors"
)

// Compiler implements codegen.Compiler. The zero value is ready to use.
type Compiler struct{}

var _ codegen.Compiler = Compiler{}

// Compile returns a function that forwards inputs to outputs.
func (Compiler) Compile(p *partition.Node) (codegen.CompiledFunction, error) {
	if p == nil {
		return nil, errors.New("nil partition")
	}
	return &function{
		name:    p.Name,
		inputs:  p.Inputs,
		outputs: p.Outputs,
		size:    p.FootprintBytes,
	}, nil
}

type function struct {
	name    string
	inputs  []string
	outputs []string
	size    uint64
}

var _ codegen.CompiledFunction = (*function)(nil)

func (f *function) Execute(bindings *tensors.Bindings) error {
	for i, out := range f.outputs {
		if len(f.inputs) == 0 {
			bindings.Set(out, tensors.Scalar[float32](0))
			continue
		}
		in := f.inputs[i%len(f.inputs)]
		t, ok := bindings.Get(in)
		if !ok {
			return errors.Errorf("partition %q: input %q not bound", f.name, in)
		}
		bindings.Set(out, t.Clone())
	}
	return nil
}

func (f *function) SizeBytes() uint64 { return f.size }

func (f *function) InputNames() []string { return f.inputs }

func (f *function) OutputNames() []string { return f.outputs }

func (f *function) Finalize() {}
