// Package devices defines the capability interface a device manager exposes
// to the runtime, plus the registry through which concrete backends are
// instantiated from specs.
//
// A device manager owns one device: it tracks the device memory, holds the
// partitions loaded onto it, and executes them asynchronously with a bounded
// number of workers. The runtime never talks to hardware directly, only to
// this interface; the one backend shipped in-tree is devices/hostcpu.
package devices

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/jygan/glow/tensors"
)

// ID identifies a device by its position in the host's device table.
type ID int

// Handle identifies a partition loaded onto a particular device manager.
// Handles are never reused by a manager.
type Handle int64

// DoneFn delivers the outcome of a RunPartition call. It is invoked exactly
// once, from an unspecified goroutine.
type DoneFn func(err error)

// Sentinel errors device managers report; test with errors.Is.
var (
	ErrInvalidSpec        = errors.New("invalid device spec")
	ErrInsufficientMemory = errors.New("insufficient device memory")
	ErrUnknownHandle      = errors.New("unknown partition handle")
	ErrStopped            = errors.New("device manager is stopped")
)

// Spec describes a device to instantiate.
type Spec struct {
	// Name is unique within a host and identifies the device across networks.
	Name string

	// Backend selects the registered constructor, e.g. "cpu".
	Backend string

	// Kind is the compatibility label matched against graph.Node.Kinds.
	// Constructors default it to Backend when empty.
	Kind string

	// MemoryBytes is the capacity available for loaded partitions.
	MemoryBytes uint64

	// MaxConcurrency bounds simultaneous partition executions.
	// Zero selects the backend default.
	MaxConcurrency int
}

// Validate reports whether the spec is well-formed.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.Wrap(ErrInvalidSpec, "device name is empty")
	}
	if s.Backend == "" {
		return errors.Wrapf(ErrInvalidSpec, "device %q has no backend", s.Name)
	}
	if s.MemoryBytes == 0 {
		return errors.Wrapf(ErrInvalidSpec, "device %q has no memory", s.Name)
	}
	if s.MaxConcurrency < 0 {
		return errors.Wrapf(ErrInvalidSpec, "device %q has negative max concurrency %d",
			s.Name, s.MaxConcurrency)
	}
	return nil
}

// String implements fmt.Stringer.
func (s Spec) String() string {
	kind := s.Kind
	if kind == "" {
		kind = s.Backend
	}
	return fmt.Sprintf("%s (%s, %s, %d workers)",
		s.Name, kind, humanize.Bytes(s.MemoryBytes), s.MaxConcurrency)
}

// Artifact is the opaque loadable unit a device manager accepts: something
// that can execute against a Bindings and knows its loaded size.
// codegen.CompiledFunction satisfies it.
type Artifact interface {
	Execute(bindings *tensors.Bindings) error
	SizeBytes() uint64
}

// Status is a point-in-time snapshot of one device manager, for introspection.
type Status struct {
	Name             string
	Kind             string
	MemoryBytes      uint64
	AvailableBytes   uint64
	MaxConcurrency   int
	LoadedPartitions int
	QueuedRuns       int
	RunningRuns      int
}

// String implements fmt.Stringer.
func (st Status) String() string {
	return fmt.Sprintf("%s [%s]: %s/%s free, %d partitions, %d queued, %d running",
		st.Name, st.Kind, humanize.Bytes(st.AvailableBytes), humanize.Bytes(st.MemoryBytes),
		st.LoadedPartitions, st.QueuedRuns, st.RunningRuns)
}

// Manager is the capability interface one device exposes to the runtime.
type Manager interface {
	// Spec returns the (normalized) spec the manager was built from.
	Spec() Spec

	// AddPartition loads the artifact, synchronously reserving its size from
	// the device memory. It fails with ErrInsufficientMemory when the
	// artifact doesn't fit and ErrStopped after Finalize.
	AddPartition(artifact Artifact) (Handle, error)

	// EvictPartition unloads a previously added artifact and returns its
	// memory. It fails with ErrUnknownHandle for handles never added or
	// already evicted.
	EvictPartition(handle Handle) error

	// RunPartition executes the loaded artifact against the given bindings.
	// It never blocks: work beyond the concurrency limit queues in FIFO
	// order. All outcomes, including ErrStopped and ErrUnknownHandle, are
	// delivered through done, exactly once.
	RunPartition(handle Handle, bindings *tensors.Bindings, done DoneFn)

	// AvailableMemory returns the memory not reserved by loaded partitions.
	AvailableMemory() uint64

	// MaxConcurrency returns the effective worker limit.
	MaxConcurrency() int

	// Status returns a snapshot of the manager.
	Status() Status

	// Finalize stops the manager: queued-but-unstarted work is failed with
	// ErrStopped, running work is waited for, and all resources are
	// released. The manager is unusable afterwards.
	Finalize()
}
