// Package codegentest provides a scriptable fake code generator for tests:
// per-partition compile failures, execution delays, errors and panics, plus a
// record of everything compiled, executed and finalized.
package codegentest

import (
	"sync"
	"time"

	"github.com/gomlx/exceptions"

	"github.com/jygan/glow/codegen"
	"github.com/jygan/glow/partition"
	"github.com/jygan/glow/tensors"
)

// ExecRecord is one recorded partition execution.
type ExecRecord struct {
	Partition  string
	Start, End time.Time
}

// Compiler is a codegen.Compiler whose behavior is scripted per partition
// name. The zero value compiles everything successfully into functions that
// bind zero-valued Float32 scalars to their outputs.
//
// Script fields must be fully populated before the compiler is used; the
// recording accessors are safe to call at any time.
type Compiler struct {
	// CompileErr fails Compile of the named partitions.
	CompileErr map[string]error

	// SizeOverride overrides the loaded size (default: the partition footprint).
	SizeOverride map[string]uint64

	// ExecDelay makes executions of the named partition sleep first.
	ExecDelay map[string]time.Duration

	// ExecErr makes executions of the named partition fail, after recording.
	ExecErr map[string]error

	// ExecPanic makes executions of the named partition panic with the given
	// message, without recording.
	ExecPanic map[string]string

	// Fill, when set, binds the partition outputs instead of the default
	// zero scalars.
	Fill func(p *partition.Node, bindings *tensors.Bindings)

	mu        sync.Mutex
	compiled  []string
	finalized []string
	execLog   []ExecRecord
}

var _ codegen.Compiler = (*Compiler)(nil)

// Compile implements codegen.Compiler.
func (c *Compiler) Compile(p *partition.Node) (codegen.CompiledFunction, error) {
	if err := c.CompileErr[p.Name]; err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.compiled = append(c.compiled, p.Name)
	c.mu.Unlock()
	size := p.FootprintBytes
	if override, ok := c.SizeOverride[p.Name]; ok {
		size = override
	}
	return &fakeFunction{compiler: c, p: p, size: size}, nil
}

// Compiled returns the partition names compiled so far, in order.
func (c *Compiler) Compiled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.compiled...)
}

// Finalized returns the partition names whose functions have been finalized.
func (c *Compiler) Finalized() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.finalized...)
}

// Executions returns the recorded executions in completion order.
func (c *Compiler) Executions() []ExecRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ExecRecord(nil), c.execLog...)
}

// Executed returns how many times the named partition ran.
func (c *Compiler) Executed(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, rec := range c.execLog {
		if rec.Partition == name {
			count++
		}
	}
	return count
}

func (c *Compiler) record(rec ExecRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execLog = append(c.execLog, rec)
}

func (c *Compiler) recordFinalize(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = append(c.finalized, name)
}

type fakeFunction struct {
	compiler *Compiler
	p        *partition.Node
	size     uint64
}

var _ codegen.CompiledFunction = (*fakeFunction)(nil)

func (f *fakeFunction) Execute(bindings *tensors.Bindings) error {
	name := f.p.Name
	start := time.Now()
	if delay := f.compiler.ExecDelay[name]; delay > 0 {
		time.Sleep(delay)
	}
	if msg := f.compiler.ExecPanic[name]; msg != "" {
		exceptions.Panicf("%s", msg)
	}
	f.compiler.record(ExecRecord{Partition: name, Start: start, End: time.Now()})
	if err := f.compiler.ExecErr[name]; err != nil {
		return err
	}
	if f.compiler.Fill != nil {
		f.compiler.Fill(f.p, bindings)
		return nil
	}
	for _, out := range f.p.Outputs {
		bindings.Set(out, tensors.Scalar[float32](0))
	}
	return nil
}

func (f *fakeFunction) SizeBytes() uint64 { return f.size }

func (f *fakeFunction) InputNames() []string { return f.p.Inputs }

func (f *fakeFunction) OutputNames() []string { return f.p.Outputs }

func (f *fakeFunction) Finalize() { f.compiler.recordFinalize(f.p.Name) }
