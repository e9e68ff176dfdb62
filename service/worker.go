package service

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
)

var (
	ErrQueueFull  = errors.New("worker queue is full")
	ErrPoolClosed = errors.New("worker pool is shut down")
)

// Job is a unit of background work. ctx is cancelled only when a shutdown
// deadline expires.
type Job func(ctx context.Context)

type queuedJob struct {
	name string
	run  Job
}

// WorkerPool runs submitted jobs on a bounded number of goroutines.
type WorkerPool struct {
	queue  chan queuedJob
	runner *pool.Pool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// NewWorkerPool starts a pool with the given concurrency and queue depth.
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	wp := &WorkerPool{
		queue:  make(chan queuedJob, queueSize),
		runner: pool.New().WithMaxGoroutines(workers),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go wp.dispatch()
	return wp
}

// Submit enqueues job without blocking.
func (wp *WorkerPool) Submit(name string, job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		return ErrPoolClosed
	}
	select {
	case wp.queue <- queuedJob{name: name, run: job}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits for queued and running jobs.
// If ctx expires first, job contexts are cancelled and ctx.Err is returned.
func (wp *WorkerPool) Shutdown(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.closed {
		wp.closed = true
		close(wp.queue)
	}
	wp.mu.Unlock()

	select {
	case <-wp.done:
		wp.cancel()
		return nil
	case <-ctx.Done():
		wp.cancel()
		return ctx.Err()
	}
}

// Active returns the number of jobs currently running.
func (wp *WorkerPool) Active() int64 { return wp.active.Load() }

// Completed returns the number of jobs that have finished, panics included.
func (wp *WorkerPool) Completed() int64 { return wp.completed.Load() }

// Panicked returns the number of jobs that ended in a recovered panic.
func (wp *WorkerPool) Panicked() int64 { return wp.panicked.Load() }

// Done is closed once the pool is shut down and every job has returned,
// including jobs still running after a Shutdown deadline.
func (wp *WorkerPool) Done() <-chan struct{} { return wp.done }

func (wp *WorkerPool) dispatch() {
	defer close(wp.done)
	for job := range wp.queue {
		job := job
		// Go blocks while every worker is busy.
		wp.runner.Go(func() { wp.run(job) })
	}
	wp.runner.Wait()
}

func (wp *WorkerPool) run(job queuedJob) {
	wp.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			wp.panicked.Add(1)
			slog.Error("background job panicked", "job", job.name, "panic", r, "stack", string(debug.Stack()))
		}
		wp.active.Add(-1)
		wp.completed.Add(1)
	}()
	job.run(wp.ctx)
}
