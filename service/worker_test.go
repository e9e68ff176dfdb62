package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsJobs(t *testing.T) {
	wp := NewWorkerPool(2, 10)

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		if err := wp.Submit("count", func(context.Context) { count.Add(1) }); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wp.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if count.Load() != 5 {
		t.Errorf("Expected 5 jobs to run, got %d", count.Load())
	}
	if wp.Completed() != 5 {
		t.Errorf("Expected 5 completed, got %d", wp.Completed())
	}
}

func TestWorkerPoolQueueFull(t *testing.T) {
	wp := NewWorkerPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	wp.Submit("block", func(context.Context) {
		close(started)
		<-release
	})
	<-started

	// One slot in the queue, then full.
	if err := wp.Submit("queued", func(context.Context) {}); err != nil {
		t.Fatalf("Expected queued submit to succeed, got %v", err)
	}
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = wp.Submit("overflow", func(context.Context) {})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	close(release)
	wp.Shutdown(context.Background())
}

func TestWorkerPoolRejectsAfterShutdown(t *testing.T) {
	wp := NewWorkerPool(1, 1)
	if err := wp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := wp.Submit("late", func(context.Context) {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
	// Second shutdown is a no-op.
	if err := wp.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected repeated Shutdown to succeed, got %v", err)
	}
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	wp := NewWorkerPool(1, 4)
	var ran atomic.Bool

	wp.Submit("panics", func(context.Context) { panic("boom") })
	wp.Submit("after", func(context.Context) { ran.Store(true) })

	if err := wp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !ran.Load() {
		t.Error("Expected job after panic to run")
	}
	if wp.Panicked() != 1 {
		t.Errorf("Expected 1 panic recorded, got %d", wp.Panicked())
	}
	if wp.Completed() != 2 {
		t.Errorf("Expected 2 completed jobs, got %d", wp.Completed())
	}
}

func TestWorkerPoolShutdownDeadline(t *testing.T) {
	wp := NewWorkerPool(1, 1)
	cancelled := make(chan struct{})
	started := make(chan struct{})

	release := make(chan struct{})
	wp.Submit("slow", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		// Cleanup after cancellation still runs before Done closes.
		<-release
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := wp.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Error("Expected job context to be cancelled after deadline")
	}

	select {
	case <-wp.Done():
		t.Fatal("Expected Done to stay open while the job is still running")
	default:
	}
	if wp.Active() != 1 {
		t.Errorf("Expected 1 active job, got %d", wp.Active())
	}
	close(release)
	select {
	case <-wp.Done():
	case <-time.After(2 * time.Second):
		t.Error("Expected Done to close once the job returned")
	}
}
