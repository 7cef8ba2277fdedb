package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolStats is a point-in-time view of the worker pool.
type PoolStats struct {
	Capacity int   `json:"capacity"`
	Busy     int64 `json:"busy"`
	Done     int64 `json:"done"`
	Failed   int64 `json:"failed"`
	Panicked int64 `json:"panicked"`
}

// WorkerPool bounds how many step handlers run at once across all runs.
// Slots are tokens in a buffered channel; a task holds one for its lifetime.
type WorkerPool struct {
	slots    chan struct{}
	quit     chan struct{}
	inflight sync.WaitGroup

	mu      sync.RWMutex
	closing bool

	busy, done, failed, panicked atomic.Int64
}

// NewWorkerPool creates a pool with size slots (at least one).
func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{
		slots: make(chan struct{}, max(size, 1)),
		quit:  make(chan struct{}),
	}
}

// Submit runs fn on its own goroutine once a slot frees up. It fails fast
// when ctx is done or the pool shuts down while waiting.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	go p.execute(ctx, fn)
	return nil
}

func (p *WorkerPool) acquire(ctx context.Context) error {
	if p.isClosing() {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolShutdown
	}

	// Registering under the read lock keeps Shutdown from starting its Wait
	// between the closing check and inflight.Add.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closing {
		<-p.slots
		return ErrPoolShutdown
	}
	p.inflight.Add(1)
	p.busy.Add(1)
	return nil
}

func (p *WorkerPool) execute(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.failed.Add(1)
		}
		p.busy.Add(-1)
		<-p.slots
		p.inflight.Done()
	}()
	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.done.Add(1)
}

func (p *WorkerPool) isClosing() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closing
}

// Wave runs every task through the pool and returns once all of them have
// finished, with one error slot per task. Work submitted by other runs does
// not hold the barrier. A panicking task reports an error instead of crashing.
func (p *WorkerPool) Wave(ctx context.Context, tasks []func(ctx context.Context) error) []error {
	errs := make([]error, len(tasks))
	var barrier sync.WaitGroup
	barrier.Add(len(tasks))
	for i, task := range tasks {
		err := p.Submit(ctx, func(ctx context.Context) (err error) {
			defer barrier.Done()
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
				errs[i] = err
			}()
			return task(ctx)
		})
		if err != nil {
			errs[i] = err
			barrier.Done()
		}
	}
	barrier.Wait()
	return errs
}

// Wait blocks until every submitted task has returned.
func (p *WorkerPool) Wait() {
	p.inflight.Wait()
}

// Shutdown refuses new work and drains what is in flight. It is idempotent.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closing {
		p.closing = true
		close(p.quit)
	}
	p.mu.Unlock()
	p.inflight.Wait()
}

// Stats returns the current counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Capacity: cap(p.slots),
		Busy:     p.busy.Load(),
		Done:     p.done.Load(),
		Failed:   p.failed.Load(),
		Panicked: p.panicked.Load(),
	}
}
