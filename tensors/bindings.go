package tensors

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/jygan/glow/types/xslices"
)

// Bindings maps symbol names to tensors. It is the value context a run
// executes against: callers seed it with the graph inputs, partitions read
// their inputs from it and write their outputs to it.
//
// A Bindings is NOT safe for concurrent use. It is exclusively owned by one
// run: the executor hands every partition invocation its own Bindings and
// merges results back while holding the run lock, so no two goroutines ever
// touch the same instance at the same time.
type Bindings struct {
	m map[string]*Tensor
}

// NewBindings returns an empty Bindings.
func NewBindings() *Bindings {
	return &Bindings{m: make(map[string]*Tensor)}
}

// Set binds name to the given tensor, replacing any previous binding.
// It panics on a nil tensor or empty name.
func (b *Bindings) Set(name string, t *Tensor) {
	if name == "" {
		exceptions.Panicf("Bindings.Set: empty symbol name")
	}
	if t == nil {
		exceptions.Panicf("Bindings.Set: nil tensor for symbol %q", name)
	}
	b.m[name] = t
}

// Get returns the tensor bound to name, if any.
func (b *Bindings) Get(name string) (*Tensor, bool) {
	t, ok := b.m[name]
	return t, ok
}

// Has returns whether name is bound.
func (b *Bindings) Has(name string) bool {
	_, ok := b.m[name]
	return ok
}

// Delete removes the binding for name, if present.
func (b *Bindings) Delete(name string) {
	delete(b.m, name)
}

// Len returns the number of bound symbols.
func (b *Bindings) Len() int {
	return len(b.m)
}

// Names returns the bound symbol names, sorted.
func (b *Bindings) Names() []string {
	return xslices.SortedKeys(b.m)
}

// Clone returns a new Bindings with the same name→tensor entries.
// Tensors themselves are shared, not copied.
func (b *Bindings) Clone() *Bindings {
	clone := &Bindings{m: make(map[string]*Tensor, len(b.m))}
	for name, t := range b.m {
		clone.m[name] = t
	}
	return clone
}

// MergeFrom copies the given symbols from src into b, replacing existing
// bindings. With no names given it copies everything bound in src.
// It returns an error naming the first symbol missing from src.
func (b *Bindings) MergeFrom(src *Bindings, names ...string) error {
	if len(names) == 0 {
		names = src.Names()
	}
	for _, name := range names {
		t, ok := src.Get(name)
		if !ok {
			return errors.Errorf("Bindings.MergeFrom: symbol %q not bound in source", name)
		}
		b.m[name] = t
	}
	return nil
}

// String implements fmt.Stringer.
func (b *Bindings) String() string {
	parts := xslices.Map(b.Names(), func(name string) string {
		return fmt.Sprintf("%s=%s", name, b.m[name])
	})
	return fmt.Sprintf("Bindings{%s}", strings.Join(parts, ", "))
}
