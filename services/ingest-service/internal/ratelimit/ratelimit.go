// Package ratelimit paces calls to the recognition provider. The provider
// enforces a hard queries-per-second cap across all callers, so the limit
// is applied twice: a shared counter in Postgres coordinates every running
// instance, and a local sliding window backstops it when the shared store
// is unreachable.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter grants permission to make one provider call, blocking until a
// slot is available or the context is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Chain waits on each limiter in order, shared first and local second.
type Chain []Limiter

func (c Chain) Wait(ctx context.Context) error {
	for _, l := range c {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Window is an in-process sliding-window limiter: at most limit calls per
// window, measured against real call timestamps rather than bucket edges.
type Window struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWindow builds a limiter allowing limit calls per window. A limit of
// zero or less disables it.
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{
		limit:  limit,
		window: window,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func (w *Window) Wait(ctx context.Context) error {
	if w.limit <= 0 {
		return nil
	}
	for {
		w.mu.Lock()
		now := w.now()
		w.prune(now)
		if len(w.calls) < w.limit {
			w.calls = append(w.calls, now)
			w.mu.Unlock()
			return nil
		}
		// Sleep until the oldest call ages out, plus a small margin so the
		// recheck lands on the far side of the window edge.
		wait := w.window - now.Sub(w.calls[0]) + 10*time.Millisecond
		w.mu.Unlock()
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	kept := w.calls[:0]
	for _, t := range w.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.calls = kept
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
