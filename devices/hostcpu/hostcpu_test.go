package hostcpu

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jygan/glow/devices"
	"github.com/jygan/glow/tensors"
	"github.com/jygan/glow/types/xsync"
)

// funcArtifact adapts a closure into a devices.Artifact.
type funcArtifact struct {
	size uint64
	fn   func(bindings *tensors.Bindings) error
}

func (a *funcArtifact) Execute(bindings *tensors.Bindings) error {
	if a.fn == nil {
		return nil
	}
	return a.fn(bindings)
}

func (a *funcArtifact) SizeBytes() uint64 { return a.size }

func newTestManager(t *testing.T, memory uint64, maxConcurrency int) *Manager {
	m, err := New(devices.Spec{
		Name:           "dev0",
		Backend:        BackendName,
		MemoryBytes:    memory,
		MaxConcurrency: maxConcurrency,
	})
	require.NoError(t, err)
	return m
}

func runAndWait(m *Manager, handle devices.Handle, bindings *tensors.Bindings) error {
	errCh := make(chan error, 1)
	m.RunPartition(handle, bindings, func(err error) { errCh <- err })
	return <-errCh
}

func TestRegistryConstruction(t *testing.T) {
	m, err := devices.New(devices.Spec{Name: "d", Backend: BackendName, MemoryBytes: 1 << 20})
	require.NoError(t, err)
	defer m.Finalize()
	spec := m.Spec()
	assert.Equal(t, BackendName, spec.Kind)
	assert.Equal(t, runtime.NumCPU(), spec.MaxConcurrency)
	assert.Equal(t, runtime.NumCPU(), m.MaxConcurrency())

	_, err = devices.New(devices.Spec{Name: "d", Backend: "no-such-backend", MemoryBytes: 1})
	require.ErrorIs(t, err, devices.ErrInvalidSpec)

	_, err = New(devices.Spec{Name: "", Backend: BackendName, MemoryBytes: 1})
	require.ErrorIs(t, err, devices.ErrInvalidSpec)
}

func TestMemoryAccounting(t *testing.T) {
	m := newTestManager(t, 1000, 1)
	defer m.Finalize()

	h1, err := m.AddPartition(&funcArtifact{size: 600})
	require.NoError(t, err)
	assert.EqualValues(t, 400, m.AvailableMemory())

	_, err = m.AddPartition(&funcArtifact{size: 600})
	require.ErrorIs(t, err, devices.ErrInsufficientMemory)

	h2, err := m.AddPartition(&funcArtifact{size: 400})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
	assert.Zero(t, m.AvailableMemory())

	require.NoError(t, m.EvictPartition(h1))
	assert.EqualValues(t, 600, m.AvailableMemory())
	require.ErrorIs(t, m.EvictPartition(h1), devices.ErrUnknownHandle)

	require.NoError(t, m.EvictPartition(h2))
	status := m.Status()
	assert.Equal(t, 0, status.LoadedPartitions)
	assert.EqualValues(t, 1000, status.AvailableBytes)
}

func TestRunPartition(t *testing.T) {
	m := newTestManager(t, 100, 2)
	defer m.Finalize()

	handle, err := m.AddPartition(&funcArtifact{size: 10, fn: func(b *tensors.Bindings) error {
		b.Set("out", tensors.Scalar[float32](42))
		return nil
	}})
	require.NoError(t, err)

	bindings := tensors.NewBindings()
	require.NoError(t, runAndWait(m, handle, bindings))
	out, ok := bindings.Get("out")
	require.True(t, ok)
	values, err := tensors.Flat[float32](out)
	require.NoError(t, err)
	assert.Equal(t, []float32{42}, values)

	err = runAndWait(m, devices.Handle(999), tensors.NewBindings())
	require.ErrorIs(t, err, devices.ErrUnknownHandle)
}

func TestRunPanicIsReported(t *testing.T) {
	m := newTestManager(t, 100, 1)
	defer m.Finalize()

	handle, err := m.AddPartition(&funcArtifact{size: 10, fn: func(b *tensors.Bindings) error {
		exceptions.Panicf("broken kernel")
		return nil
	}})
	require.NoError(t, err)

	err = runAndWait(m, handle, tensors.NewBindings())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Contains(t, err.Error(), "broken kernel")
}

func TestConcurrencyLimit(t *testing.T) {
	m := newTestManager(t, 100, 2)
	defer m.Finalize()

	twoStarted := xsync.NewLatch()
	release := xsync.NewLatch()
	var started, current, peak atomic.Int32
	handle, err := m.AddPartition(&funcArtifact{size: 10, fn: func(b *tensors.Bindings) error {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		if started.Add(1) == 2 {
			twoStarted.Trigger()
		}
		release.Wait()
		current.Add(-1)
		return nil
	}})
	require.NoError(t, err)

	const runs = 5
	errCh := make(chan error, runs)
	for i := 0; i < runs; i++ {
		m.RunPartition(handle, tensors.NewBindings(), func(err error) { errCh <- err })
	}

	// Two runs park on the release latch; the pool admits no third.
	twoStarted.Wait()
	release.Trigger()
	for i := 0; i < runs; i++ {
		require.NoError(t, <-errCh)
	}
	assert.EqualValues(t, 2, peak.Load())
	assert.EqualValues(t, 0, current.Load())
}

func TestRunsExecuteInSubmissionOrder(t *testing.T) {
	m := newTestManager(t, 100, 1)
	defer m.Finalize()

	var mu sync.Mutex
	var order []int
	handles := make([]devices.Handle, 6)
	for i := range handles {
		i := i
		h, err := m.AddPartition(&funcArtifact{size: 1, fn: func(b *tensors.Bindings) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}})
		require.NoError(t, err)
		handles[i] = h
	}

	done := &sync.WaitGroup{}
	for _, h := range handles {
		done.Add(1)
		m.RunPartition(h, tensors.NewBindings(), func(err error) {
			assert.NoError(t, err)
			done.Done()
		})
	}
	done.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
}

func TestFinalizeFlushesQueuedRuns(t *testing.T) {
	m := newTestManager(t, 100, 1)

	started := xsync.NewLatch()
	release := xsync.NewLatch()
	blocking, err := m.AddPartition(&funcArtifact{size: 1, fn: func(b *tensors.Bindings) error {
		started.Trigger()
		release.Wait()
		return nil
	}})
	require.NoError(t, err)
	quick, err := m.AddPartition(&funcArtifact{size: 1})
	require.NoError(t, err)

	type outcome struct {
		index int
		err   error
	}
	outcomes := make(chan outcome, 4)
	m.RunPartition(blocking, tensors.NewBindings(), func(err error) { outcomes <- outcome{0, err} })
	started.Wait()

	// The worker is busy; the dispatcher pops the next run and blocks on the
	// pool, leaving runs 2 and 3 queued.
	m.RunPartition(quick, tensors.NewBindings(), func(err error) { outcomes <- outcome{1, err} })
	for m.Status().QueuedRuns != 0 {
		time.Sleep(time.Millisecond)
	}
	m.RunPartition(quick, tensors.NewBindings(), func(err error) { outcomes <- outcome{2, err} })
	m.RunPartition(quick, tensors.NewBindings(), func(err error) { outcomes <- outcome{3, err} })
	require.Equal(t, 2, m.Status().QueuedRuns)

	finalized := xsync.NewLatch()
	go func() {
		m.Finalize()
		finalized.Trigger()
	}()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, finalized.Test())
	release.Trigger()
	finalized.Wait()

	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		result := <-outcomes
		errs[result.index] = result.err
	}
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1]) // already dequeued when Finalize hit
	require.ErrorIs(t, errs[2], devices.ErrStopped)
	require.ErrorIs(t, errs[3], devices.ErrStopped)

	// The manager rejects everything after Finalize.
	_, err = m.AddPartition(&funcArtifact{size: 1})
	require.ErrorIs(t, err, devices.ErrStopped)
	require.ErrorIs(t, m.EvictPartition(quick), devices.ErrStopped)
	require.ErrorIs(t, runAndWait(m, quick, tensors.NewBindings()), devices.ErrStopped)
	m.Finalize() // idempotent
}
