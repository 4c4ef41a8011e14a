// Package workerpool runs CPU-bound pipeline stages (container synthesis) on
// a small set of background goroutines so the coordinator never blocks.
package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/livecapture/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	maxWorkers int
	queue      chan Task
	wg         sync.WaitGroup
	accepting  atomic.Bool

	// mu guards queue against a send racing the close in Shutdown.
	mu     sync.RWMutex
	closed bool
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task. Returns false if the pool is stopped or the queue is full.
// wg.Add is called before enqueue so Shutdown cannot miss the task.
func (p *Pool) Submit(task Task) bool {
	if task == nil || !p.accepting.Load() {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected")
		return false
	}
}

// Run submits fn and waits for its result. It returns an error without
// running fn when the pool rejects the task, and stops waiting (fn keeps
// running) when ctx is done.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	return RunOrDiscard(ctx, p, fn, nil)
}

// RunOrDiscard is Run for results that own resources. When ctx ends the wait
// first, a successful result that fn still produces is handed to discard
// instead of being dropped.
func RunOrDiscard[T any](ctx context.Context, p *Pool, fn func() (T, error), discard func(T)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	ok := p.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task panicked: %v", r)}
				panic(r)
			}
		}()
		v, err := fn()
		done <- outcome{value: v, err: err}
	})

	var zero T
	if !ok {
		return zero, fmt.Errorf("worker pool rejected task")
	}
	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		if discard != nil {
			go func() {
				if out := <-done; out.err == nil {
					discard(out.value)
				}
			}()
		}
		return zero, ctx.Err()
	}
}

// Shutdown stops accepting work, waits for queued and in-flight tasks up to
// the context deadline, then releases the worker goroutines.
func (p *Pool) Shutdown(ctx context.Context) {
	p.accepting.Store(false)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.runTask(task)
	}
}

// runTask executes a single task with panic recovery. wg.Done is called here
// to match the wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
