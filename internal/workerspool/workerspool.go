// Copyright 2024-2026 The Glow Runtime Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the bounded pool of worker goroutines that
// device managers execute partitions on.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool runs tasks on at most maxParallelism goroutines at a time.
//
// Unlike a channel-fed pool, goroutines are not kept alive between tasks:
// what is bounded is the number of tasks running simultaneously.
type Pool struct {
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Broadcast whenever numRunning decreases.
	numRunning int
}

// New returns a new Pool that runs at most maxParallelism simultaneous tasks.
// If maxParallelism <= 0 it defaults to runtime.NumCPU().
func New(maxParallelism int) *Pool {
	if maxParallelism <= 0 {
		maxParallelism = runtime.NumCPU()
	}
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of simultaneous tasks.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// NumRunning returns the number of tasks currently executing.
func (w *Pool) NumRunning() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}

// WaitToStart blocks until a worker slot is free and then runs task on it,
// returning as soon as the task is started.
//
// It's up to the client to synchronize with the end of the task execution.
func (w *Pool) WaitToStart(task func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// StartIfAvailable runs the task in a separate goroutine if there is a worker
// slot left. It returns true if the task was started, false otherwise.
func (w *Pool) StartIfAvailable(task func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.numRunning >= w.maxParallelism {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Broadcast()
		w.mu.Unlock()
	}()
}

// Wait blocks until every started task has finished.
func (w *Pool) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning > 0 {
		w.cond.Wait()
	}
}
