// Package executor schedules the partitions of a loaded network across their
// devices in dependency order and delivers each run's outcome through a
// single callback.
//
// Device completion callbacks for sibling partitions can land concurrently;
// all dependency bookkeeping for one run is serialized by the run's mutex,
// while device dispatch always happens outside it.
package executor

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/jygan/glow/partition"
	"github.com/jygan/glow/provision"
	"github.com/jygan/glow/tensors"
	"github.com/jygan/glow/types/xsync"
)

// RunID identifies one run. IDs are unique within a process and never reused.
type RunID string

// DoneFn delivers a run outcome, exactly once, from an unspecified goroutine.
// On success bindings is the caller's Bindings with every partition output
// merged in; on failure bindings is nil and err carries the first error the
// run hit.
type DoneFn func(id RunID, bindings *tensors.Bindings, err error)

// Executor dispatches partition executions and tracks per-run state. One
// executor serves any number of networks and concurrent runs.
type Executor struct {
	runs   xsync.SyncMap[RunID, *run]
	active atomic.Int64
}

// New returns an Executor with no active runs.
func New() *Executor {
	return &Executor{}
}

// partState tracks one partition within one run.
type partState int8

const (
	partPending partState = iota
	partDispatched
	partCompleted
	partFailed
	partCancelled
)

type run struct {
	id       RunID
	exec     *Executor
	ln       *provision.LoadedNetwork
	bindings *tensors.Bindings
	done     DoneFn

	// producerOf maps a symbol to the index of the partition producing it.
	producerOf map[string]int

	mu          sync.Mutex
	state       []partState
	waitingOn   []int // unmet dependencies per partition
	dependents  [][]int
	results     []*tensors.Bindings // outputs of completed partitions
	outstanding int                 // dispatched, completion not yet seen
	pendingLeft int                 // partitions still in partPending
	firstErr    error
	finished    bool
}

// dispatchItem is a partition ready to hand to its device, with its input
// bindings already resolved.
type dispatchItem struct {
	index    int
	bindings *tensors.Bindings
}

// Start begins executing the loaded network against the caller's bindings.
// It never blocks: the outcome, including input-validation failures, arrives
// through done. The caller must not touch bindings until done fires.
func (e *Executor) Start(ln *provision.LoadedNetwork, bindings *tensors.Bindings, done DoneFn) RunID {
	id := RunID(uuid.NewString())
	n := len(ln.DAG.Nodes)
	r := &run{
		id:          id,
		exec:        e,
		ln:          ln,
		bindings:    bindings,
		done:        done,
		producerOf:  make(map[string]int),
		state:       make([]partState, n),
		waitingOn:   make([]int, n),
		dependents:  make([][]int, n),
		results:     make([]*tensors.Bindings, n),
		pendingLeft: n,
	}
	index := make(map[*partition.Node]int, n)
	for i, part := range ln.DAG.Nodes {
		index[part] = i
		for _, out := range part.Outputs {
			r.producerOf[out] = i
		}
	}
	for i, part := range ln.DAG.Nodes {
		r.waitingOn[i] = len(part.Deps)
		for _, dep := range part.Deps {
			j := index[dep]
			r.dependents[j] = append(r.dependents[j], i)
		}
	}
	e.runs.Store(id, r)
	e.active.Add(1)
	klog.V(1).Infof("executor: run %s of network %q started, %d partitions", id, ln.Name, n)

	r.mu.Lock()
	if err := r.validateInputsLocked(); err != nil {
		// ForceCancelAll may have terminated the run between the Store above
		// and this lock; maybeFinishLocked keeps finish exactly-once.
		r.recordErrorLocked(err)
		finished := r.maybeFinishLocked()
		r.mu.Unlock()
		if finished {
			go r.finish()
		}
		return id
	}
	items := r.advanceLocked()
	finished := r.maybeFinishLocked()
	r.mu.Unlock()

	r.dispatch(items)
	if finished {
		go r.finish()
	}
	return id
}

// Cancel requests cancellation of a run: partitions not yet dispatched are
// dropped, in-flight device work is allowed to finish, and the callback
// reports cause unless the run already recorded an earlier error. It returns
// false when the run is unknown or already terminal.
func (e *Executor) Cancel(id RunID, cause error) bool {
	r, found := e.runs.Load(id)
	if !found {
		return false
	}
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return false
	}
	r.recordErrorLocked(cause)
	finished := r.maybeFinishLocked()
	r.mu.Unlock()
	if finished {
		r.finish()
	}
	klog.V(1).Infof("executor: run %s cancelled: %v", id, cause)
	return true
}

// ForceCancelAll terminates every active run immediately: callbacks fire
// before ForceCancelAll returns, and results still arriving from devices are
// discarded. Runs that already recorded an error report that error, healthy
// runs report cause.
func (e *Executor) ForceCancelAll(cause error) {
	var cut []*run
	e.runs.Range(func(id RunID, r *run) bool {
		r.mu.Lock()
		if !r.finished {
			r.recordErrorLocked(cause)
			r.finished = true
			cut = append(cut, r)
		}
		r.mu.Unlock()
		return true
	})
	for _, r := range cut {
		r.finish()
	}
	if len(cut) > 0 {
		klog.V(1).Infof("executor: force-cancelled %d runs: %v", len(cut), cause)
	}
}

// ActiveRuns returns the number of runs that have not reached a terminal
// state yet.
func (e *Executor) ActiveRuns() int {
	return int(e.active.Load())
}

// validateInputsLocked checks that every partition input not produced within
// the plan is bound by the caller.
func (r *run) validateInputsLocked() error {
	for _, part := range r.ln.DAG.Nodes {
		for _, name := range part.Inputs {
			if _, produced := r.producerOf[name]; produced {
				continue
			}
			if !r.bindings.Has(name) {
				return errors.Errorf("network %q: input %q of partition %q is not bound",
					r.ln.Name, name, part.Name)
			}
		}
	}
	return nil
}

// advanceLocked marks every ready partition as dispatched and returns the
// dispatch work, with input bindings resolved while still under the lock.
// After an error is recorded no new partition is ever dispatched.
func (r *run) advanceLocked() []dispatchItem {
	if r.finished || r.firstErr != nil {
		return nil
	}
	var items []dispatchItem
	for i := range r.state {
		if r.state[i] != partPending || r.waitingOn[i] != 0 {
			continue
		}
		inputs, err := r.inputsForLocked(i)
		if err != nil {
			r.state[i] = partFailed
			r.pendingLeft--
			r.recordErrorLocked(err)
			return items
		}
		r.state[i] = partDispatched
		r.pendingLeft--
		r.outstanding++
		items = append(items, dispatchItem{index: i, bindings: inputs})
	}
	return items
}

// inputsForLocked builds the private Bindings a partition executes against:
// its declared inputs, resolved from producing partitions first and the
// caller's bindings otherwise.
func (r *run) inputsForLocked(index int) (*tensors.Bindings, error) {
	part := r.ln.DAG.Nodes[index]
	inputs := tensors.NewBindings()
	for _, name := range part.Inputs {
		if producer, produced := r.producerOf[name]; produced {
			results := r.results[producer]
			if results == nil {
				return nil, errors.Errorf("internal: partition %q dispatched before its producer %q completed",
					part.Name, r.ln.DAG.Nodes[producer].Name)
			}
			t, bound := results.Get(name)
			if !bound {
				return nil, errors.Errorf("internal: producer %q completed without %q",
					r.ln.DAG.Nodes[producer].Name, name)
			}
			inputs.Set(name, t)
			continue
		}
		t, bound := r.bindings.Get(name)
		if !bound {
			return nil, errors.Errorf("network %q: input %q of partition %q is not bound",
				r.ln.Name, name, part.Name)
		}
		inputs.Set(name, t)
	}
	return inputs, nil
}

// recordErrorLocked keeps the first error of the run and cancels everything
// not yet dispatched. Later errors are discarded.
func (r *run) recordErrorLocked(err error) {
	if r.firstErr == nil {
		r.firstErr = err
	} else {
		klog.V(2).Infof("executor: run %s: discarding later error: %v", r.id, err)
	}
	for i := range r.state {
		if r.state[i] == partPending {
			r.state[i] = partCancelled
			r.pendingLeft--
		}
	}
}

func (r *run) maybeFinishLocked() bool {
	if r.finished || r.outstanding > 0 || r.pendingLeft > 0 {
		return false
	}
	r.finished = true
	return true
}

// dispatch hands ready partitions to their devices. Called without the run
// lock: a completion callback may land before dispatch returns.
func (r *run) dispatch(items []dispatchItem) {
	for _, item := range items {
		index := item.index
		inputs := item.bindings
		placed := r.ln.Placements[index]
		klog.V(2).Infof("executor: run %s dispatching partition %q", r.id, r.ln.DAG.Nodes[index].Name)
		placed.Manager.RunPartition(placed.Handle, inputs, func(err error) {
			r.partitionDone(index, inputs, err)
		})
	}
}

// partitionDone is the device completion callback for one partition.
func (r *run) partitionDone(index int, outputs *tensors.Bindings, err error) {
	part := r.ln.DAG.Nodes[index]
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		klog.Warningf("executor: run %s already terminal, discarding result of partition %q (err: %v)",
			r.id, part.Name, err)
		return
	}
	if r.state[index] != partDispatched {
		r.mu.Unlock()
		klog.Warningf("executor: run %s: duplicate completion for partition %q ignored", r.id, part.Name)
		return
	}
	r.outstanding--
	if err == nil {
		for _, out := range part.Outputs {
			if !outputs.Has(out) {
				err = errors.Errorf("partition %q finished without producing output %q", part.Name, out)
				break
			}
		}
	}
	if err != nil {
		r.state[index] = partFailed
		r.recordErrorLocked(errors.WithMessagef(err, "running partition %q", part.Name))
	} else {
		r.state[index] = partCompleted
		r.results[index] = outputs
		for _, dependent := range r.dependents[index] {
			r.waitingOn[dependent]--
		}
	}
	items := r.advanceLocked()
	finished := r.maybeFinishLocked()
	r.mu.Unlock()

	r.dispatch(items)
	if finished {
		r.finish()
	}
}

// finish delivers the run outcome. It runs exactly once per run, after the
// finished flag is set, so it reads run state without the lock.
func (r *run) finish() {
	err := r.firstErr
	if err == nil {
		err = r.mergeOutputs()
	}
	r.exec.runs.Delete(r.id)
	r.exec.active.Add(-1)
	if err != nil {
		klog.V(1).Infof("executor: run %s failed: %v", r.id, err)
		r.done(r.id, nil, err)
		return
	}
	klog.V(1).Infof("executor: run %s completed", r.id)
	r.done(r.id, r.bindings, nil)
}

// mergeOutputs copies every partition's declared outputs into the caller's
// bindings. Only reached when all partitions completed.
func (r *run) mergeOutputs() error {
	for i, part := range r.ln.DAG.Nodes {
		if len(part.Outputs) == 0 {
			continue
		}
		if err := r.bindings.MergeFrom(r.results[i], part.Outputs...); err != nil {
			return errors.WithMessagef(err, "merging outputs of partition %q", part.Name)
		}
	}
	return nil
}
