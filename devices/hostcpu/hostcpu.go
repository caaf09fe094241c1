// Package hostcpu implements the "cpu" device backend: partitions live in
// host memory and execute on a bounded pool of goroutines.
package hostcpu

import (
	"runtime"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/jygan/glow/devices"
	"github.com/jygan/glow/internal/workerspool"
	"github.com/jygan/glow/tensors"
	"github.com/jygan/glow/types/xsync"
)

// BackendName is the name this backend registers under.
const BackendName = "cpu"

func init() {
	devices.Register(BackendName, func(spec devices.Spec) (devices.Manager, error) {
		return New(spec)
	})
}

// Manager is a devices.Manager backed by host memory and a goroutine pool.
//
// Runs are accepted by RunPartition without blocking and handed to the pool
// by a single dispatcher goroutine, which preserves FIFO order when the pool
// is saturated.
type Manager struct {
	spec devices.Spec
	pool *workerspool.Pool

	mu         sync.Mutex
	queueCond  *sync.Cond
	queue      []task
	loaded     map[devices.Handle]loadedArtifact
	usedBytes  uint64
	nextHandle devices.Handle
	running    int
	stopped    bool

	dispatcherDone *xsync.Latch
}

type loadedArtifact struct {
	artifact devices.Artifact
	size     uint64
}

type task struct {
	handle   devices.Handle
	artifact devices.Artifact
	bindings *tensors.Bindings
	done     devices.DoneFn
}

var _ devices.Manager = (*Manager)(nil)

// New builds a manager for the given spec and starts its dispatcher. It
// normalizes Kind to the backend name and MaxConcurrency to runtime.NumCPU
// when unset.
func New(spec devices.Spec) (*Manager, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Kind == "" {
		spec.Kind = BackendName
	}
	if spec.MaxConcurrency == 0 {
		spec.MaxConcurrency = runtime.NumCPU()
	}
	m := &Manager{
		spec:           spec,
		pool:           workerspool.New(spec.MaxConcurrency),
		loaded:         make(map[devices.Handle]loadedArtifact),
		dispatcherDone: xsync.NewLatch(),
	}
	m.queueCond = sync.NewCond(&m.mu)
	go m.dispatch()
	klog.V(1).Infof("hostcpu: device %s up", spec)
	return m, nil
}

// Spec implements devices.Manager.
func (m *Manager) Spec() devices.Spec { return m.spec }

// AddPartition implements devices.Manager.
func (m *Manager) AddPartition(artifact devices.Artifact) (devices.Handle, error) {
	size := artifact.SizeBytes()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return 0, errors.Wrapf(devices.ErrStopped, "adding partition to device %q", m.spec.Name)
	}
	free := m.spec.MemoryBytes - m.usedBytes
	if size > free {
		return 0, errors.Wrapf(devices.ErrInsufficientMemory,
			"device %q: partition needs %s, %s of %s free",
			m.spec.Name, humanize.Bytes(size), humanize.Bytes(free), humanize.Bytes(m.spec.MemoryBytes))
	}
	m.usedBytes += size
	m.nextHandle++
	handle := m.nextHandle
	m.loaded[handle] = loadedArtifact{artifact: artifact, size: size}
	klog.V(2).Infof("hostcpu: device %q loaded partition %d (%s), %s free",
		m.spec.Name, handle, humanize.Bytes(size), humanize.Bytes(free-size))
	return handle, nil
}

// EvictPartition implements devices.Manager. Runs already queued for the
// handle captured their artifact on submission and still execute.
func (m *Manager) EvictPartition(handle devices.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errors.Wrapf(devices.ErrStopped, "evicting partition %d from device %q", handle, m.spec.Name)
	}
	entry, found := m.loaded[handle]
	if !found {
		return errors.Wrapf(devices.ErrUnknownHandle, "evicting partition %d from device %q", handle, m.spec.Name)
	}
	delete(m.loaded, handle)
	m.usedBytes -= entry.size
	klog.V(2).Infof("hostcpu: device %q evicted partition %d (%s)",
		m.spec.Name, handle, humanize.Bytes(entry.size))
	return nil
}

// RunPartition implements devices.Manager.
func (m *Manager) RunPartition(handle devices.Handle, bindings *tensors.Bindings, done devices.DoneFn) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		go done(errors.Wrapf(devices.ErrStopped, "running partition %d on device %q", handle, m.spec.Name))
		return
	}
	entry, found := m.loaded[handle]
	if !found {
		m.mu.Unlock()
		go done(errors.Wrapf(devices.ErrUnknownHandle, "running partition %d on device %q", handle, m.spec.Name))
		return
	}
	m.queue = append(m.queue, task{handle: handle, artifact: entry.artifact, bindings: bindings, done: done})
	m.queueCond.Signal()
	m.mu.Unlock()
}

// dispatch pops queued tasks in FIFO order and hands them to the pool. A
// single dispatcher keeps submission order even when the pool blocks it.
func (m *Manager) dispatch() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.stopped {
			m.queueCond.Wait()
		}
		if m.stopped {
			flushed := m.queue
			m.queue = nil
			m.mu.Unlock()
			for _, t := range flushed {
				t.done(errors.Wrapf(devices.ErrStopped,
					"device %q stopped before partition %d started", m.spec.Name, t.handle))
			}
			m.dispatcherDone.Trigger()
			return
		}
		t := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.pool.WaitToStart(func() { m.execute(t) })
	}
}

func (m *Manager) execute(t task) {
	m.mu.Lock()
	m.running++
	m.mu.Unlock()

	var execErr error
	panicErr := exceptions.TryCatch[error](func() {
		execErr = t.artifact.Execute(t.bindings)
	})
	if panicErr != nil {
		execErr = errors.WithMessagef(panicErr, "partition %d panicked on device %q", t.handle, m.spec.Name)
		klog.Errorf("hostcpu: %+v", execErr)
	}

	m.mu.Lock()
	m.running--
	m.mu.Unlock()
	t.done(execErr)
}

// AvailableMemory implements devices.Manager.
func (m *Manager) AvailableMemory() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spec.MemoryBytes - m.usedBytes
}

// MaxConcurrency implements devices.Manager.
func (m *Manager) MaxConcurrency() int { return m.spec.MaxConcurrency }

// Status implements devices.Manager.
func (m *Manager) Status() devices.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return devices.Status{
		Name:             m.spec.Name,
		Kind:             m.spec.Kind,
		MemoryBytes:      m.spec.MemoryBytes,
		AvailableBytes:   m.spec.MemoryBytes - m.usedBytes,
		MaxConcurrency:   m.spec.MaxConcurrency,
		LoadedPartitions: len(m.loaded),
		QueuedRuns:       len(m.queue),
		RunningRuns:      m.running,
	}
}

// Finalize implements devices.Manager. It is idempotent: later calls wait for
// the first shutdown to complete.
func (m *Manager) Finalize() {
	m.mu.Lock()
	alreadyStopped := m.stopped
	m.stopped = true
	m.queueCond.Broadcast()
	m.mu.Unlock()

	m.dispatcherDone.Wait()
	m.pool.Wait()
	if alreadyStopped {
		return
	}

	m.mu.Lock()
	dropped := len(m.loaded)
	m.loaded = make(map[devices.Handle]loadedArtifact)
	m.usedBytes = 0
	m.mu.Unlock()
	if dropped > 0 {
		klog.V(1).Infof("hostcpu: device %q dropped %d partitions at shutdown", m.spec.Name, dropped)
	}
	klog.V(1).Infof("hostcpu: device %q down", m.spec.Name)
}
