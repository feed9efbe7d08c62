package session

import (
	"context"
	"sync"
	"time"
)

// Timer runs a tick function on a fixed interval until stopped or until the
// tick function returns false.
//
// It is an owned handle: Start on a running Timer is a no-op, and a stopped
// Timer can be started again, so login/logout cycles never stack timers.
type Timer struct {
	interval time.Duration
	tick     func(ctx context.Context) bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimer constructs a stopped Timer.
func NewTimer(interval time.Duration, tick func(ctx context.Context) bool) *Timer {
	return &Timer{interval: interval, tick: tick}
}

// Start launches the loop. It reports false if the loop is already running.
func (t *Timer) Start(parent context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runningLocked() {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	go t.loop(ctx, cancel, done)
	return true
}

// Stop cancels the loop and waits for it to exit, including a loop that was
// halted but has not returned yet. Safe to call repeatedly.
// It must not be called from inside the tick function.
func (t *Timer) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runningLocked()
}

// halt cancels the loop without waiting; usable from any goroutine,
// including the tick function. The Timer reads as stopped immediately and
// Start may launch a fresh loop while the old one winds down.
func (t *Timer) halt() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
}

// runningLocked: a loop counts as running until it is cancelled or exits.
func (t *Timer) runningLocked() bool {
	if t.cancel == nil || t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *Timer) loop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if !t.tick(ctx) {
				return
			}
		}
	}
}
