// Package tasks runs the pipeline's background work: recognition of newly
// ingested documents and scheduled mailbox scans, on a bounded worker pool
// with per-task retry policies.
package tasks

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RetryPolicy bounds how a failed task is re-run. A zero policy means one
// attempt, no retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// ExponentialBackoff doubles from base per attempt, capped.
func ExponentialBackoff(base, cap time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base << attempt
		if d <= 0 || d > cap {
			return cap
		}
		return d
	}
}

// Task is one schedulable unit of work. Run receives the dispatcher's
// context, which is cancelled on shutdown. OnExhausted, if set, is called
// once with the last error after the retry budget is spent; a cancelled
// context does not count as exhaustion.
type Task struct {
	Name        string
	Run         func(ctx context.Context) error
	Retry       RetryPolicy
	OnExhausted func(err error)
}

// Dispatcher fans tasks out to a fixed pool of workers over a bounded
// queue. Submission never blocks; a full queue drops the task, which is
// acceptable because every scheduled task is re-derivable from database
// state on the next pass.
type Dispatcher struct {
	workers int
	queue   chan Task

	group  *errgroup.Group
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(workers, queueDepth int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Dispatcher{
		workers: workers,
		queue:   make(chan Task, queueDepth),
		sleep:   sleepCtx,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		group.Go(func() error {
			d.worker(ctx)
			return nil
		})
	}
	d.group = group
	log.Printf("tasks: started %d workers", d.workers)
}

// Submit queues a task. Returns false if the queue is full.
func (d *Dispatcher) Submit(task Task) bool {
	d.wg.Add(1)
	select {
	case d.queue <- task:
		return true
	default:
		d.wg.Done()
		log.Printf("tasks: queue full, dropping %s", task.Name)
		return false
	}
}

// Shutdown waits for in-flight and queued tasks up to timeout, then
// cancels the pool. Returns true when everything drained in time.
func (d *Dispatcher) Shutdown(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	graceful := true
	select {
	case <-done:
	case <-time.After(timeout):
		graceful = false
	}

	if d.cancel != nil {
		d.cancel()
	}
	if d.group != nil {
		_ = d.group.Wait()
	}
	if graceful {
		log.Printf("tasks: all workers finished gracefully")
	} else {
		log.Printf("tasks: shutdown timeout reached, workers cancelled")
	}
	return graceful
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-d.queue:
			d.runTask(ctx, task)
			d.wg.Done()
		}
	}
}

func (d *Dispatcher) runTask(ctx context.Context, task Task) {
	attempts := task.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		err := task.Run(ctx)
		if err == nil {
			return
		}
		if attempt == attempts-1 {
			log.Printf("tasks: %s failed after %d attempts: %v", task.Name, attempts, err)
			if task.OnExhausted != nil {
				task.OnExhausted(err)
			}
			return
		}
		backoff := time.Second
		if task.Retry.Backoff != nil {
			backoff = task.Retry.Backoff(attempt)
		}
		log.Printf("tasks: %s failed (attempt %d/%d), retrying in %v: %v",
			task.Name, attempt+1, attempts, backoff, err)
		if err := d.sleep(ctx, backoff); err != nil {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
