package xsync

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DynamicWaitGroup is a WaitGroup-like synchronization primitive that allows the count
// to be changed (new values added) while someone is waiting for it.
//
// It uses sync.Cond to coordinate changes, which also enables waiting with a deadline.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
}

// NewDynamicWaitGroup creates a new DynamicWaitGroup.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	cwg := &DynamicWaitGroup{}
	cwg.cond = sync.NewCond(&cwg.mu)
	return cwg
}

// Add changes the DynamicWaitGroup counter by the given delta.
// If the counter becomes zero, it broadcasts to all waiting goroutines.
// If the counter would go negative, it panics.
func (cwg *DynamicWaitGroup) Add(delta int) {
	cwg.mu.Lock()
	defer cwg.mu.Unlock()

	cwg.count += int64(delta)
	if cwg.count < 0 {
		panic(errors.Errorf("DynamicWaitGroup: negative counter"))
	}

	// Waiters re-check the condition (count > 0) upon waking, so waking on
	// every zero crossing is enough even if the count rises again afterwards.
	if cwg.count == 0 {
		cwg.cond.Broadcast()
	}
}

// Done decrements the DynamicWaitGroup counter by one.
// This is a convenience wrapper around Add(-1).
func (cwg *DynamicWaitGroup) Done() {
	cwg.Add(-1)
}

// Count returns the current counter value.
func (cwg *DynamicWaitGroup) Count() int64 {
	cwg.mu.Lock()
	defer cwg.mu.Unlock()
	return cwg.count
}

// Wait blocks until the DynamicWaitGroup counter is zero.
func (cwg *DynamicWaitGroup) Wait() {
	cwg.mu.Lock()
	defer cwg.mu.Unlock()

	// The loop is necessary because sync.Cond.Wait() can have spurious wakeups.
	for cwg.count > 0 {
		cwg.cond.Wait()
	}
}

// WaitTimeout blocks until the counter is zero or the timeout elapses.
// It returns true if the counter reached zero, false if it gave up waiting.
func (cwg *DynamicWaitGroup) WaitTimeout(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		// Wake waiters so they observe the deadline passing.
		cwg.mu.Lock()
		cwg.cond.Broadcast()
		cwg.mu.Unlock()
	})
	defer timer.Stop()

	cwg.mu.Lock()
	defer cwg.mu.Unlock()
	for cwg.count > 0 && time.Now().Before(deadline) {
		cwg.cond.Wait()
	}
	return cwg.count == 0
}
