package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Task calls fn every interval between Start and Stop. Calls never overlap.
type Task struct {
	name     string
	interval time.Duration
	clock    Clock
	fn       func(context.Context)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTask creates a stopped task. A nil clock uses RealClock.
func NewTask(name string, interval time.Duration, clock Clock, fn func(context.Context)) *Task {
	if clock == nil {
		clock = RealClock{}
	}
	return &Task{name: name, interval: interval, clock: clock, fn: fn}
}

// Start begins ticking. Starting a running task is a no-op.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := t.clock.NewTicker(t.interval)
	done := make(chan struct{})
	t.running = true
	t.cancel = cancel
	t.done = done

	log.Debug().Str("task", t.name).Dur("interval", t.interval).Msg("Scheduled task started")
	go t.loop(ctx, ticker, done)
}

func (t *Task) loop(ctx context.Context, ticker Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	defer t.exited(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			// Stop may have won the race with this tick.
			if ctx.Err() != nil {
				return
			}
			t.fn(ctx)
		}
	}
}

// exited clears the running flag when the loop ends on its own, such as
// when the parent context is canceled.
func (t *Task) exited(done chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == done && t.running {
		t.running = false
		t.cancel()
	}
}

// Stop halts ticking. It does not wait for an in-flight call to return, so
// it is safe to call from inside fn; use Wait for that. Stopping a stopped
// task is a no-op.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	t.cancel()
	log.Debug().Str("task", t.name).Msg("Scheduled task stopped")
}

// Wait blocks until the goroutine of the most recent Start has exited.
// Must not be called from inside fn.
func (t *Task) Wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether the task is ticking.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
