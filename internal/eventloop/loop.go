// Package eventloop provides the single execution context that owns a timer
// and the connections scheduled on it. Everything posted with RunInLoop and
// every timer callback runs on the goroutine that called Run, one at a time.
package eventloop

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"connmgr/internal/timer"
)

const DefaultQueueSize = 1024

type Option func(*Loop)

func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Loop serializes callbacks and timer expirations onto one goroutine.
type Loop struct {
	timer     *timer.Timer
	queue     chan func()
	queueSize int
	shutdown  chan struct{}
	logger    *slog.Logger

	mu      sync.RWMutex
	running bool
	stopped bool
}

func New(tm *timer.Timer, opts ...Option) *Loop {
	if tm == nil {
		tm = timer.New()
	}
	l := &Loop{
		timer:     tm,
		queueSize: DefaultQueueSize,
		shutdown:  make(chan struct{}),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.queue = make(chan func(), l.queueSize)
	return l
}

// Timer returns the timer owned by this loop. It must only be used from
// inside the loop.
func (l *Loop) Timer() *timer.Timer {
	return l.timer
}

// RunInLoop queues fn to run on the loop. Safe to call from any goroutine,
// including before Run starts.
func (l *Loop) RunInLoop(fn func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return ErrLoopStopped
	}
	select {
	case l.queue <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Do runs fn on the loop and waits until it returns.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := l.RunInLoop(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) IsRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// Run processes callbacks and timeouts until Stop is called or ctx is done.
// Either way the loop is stopped afterwards: RunInLoop fails with
// ErrLoopStopped and callbacks already queued have run.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrLoopAlreadyRunning
	}
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.running = true
	l.mu.Unlock()

	l.logger.Debug("event loop started")
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		l.logger.Debug("event loop stopped")
	}()

	wake := time.NewTimer(time.Hour)
	defer wake.Stop()

	for {
		l.timer.RunExpired(l.timer.Now())

		var wakeC <-chan time.Time
		if deadline, ok := l.timer.NextDeadline(); ok {
			wake.Reset(max(time.Until(deadline), 0))
			wakeC = wake.C
		}

		select {
		case fn := <-l.queue:
			fn()
		case <-wakeC:
		case <-l.shutdown:
			l.finish()
			return nil
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			l.finish()
			return ctx.Err()
		}
		wake.Stop()
	}
}

// RunPending runs queued callbacks and due timeouts without blocking. Used
// when the caller itself acts as the loop goroutine, and on shutdown.
func (l *Loop) RunPending() int {
	n := l.timer.RunExpired(l.timer.Now())
	for {
		select {
		case fn := <-l.queue:
			fn()
			n++
		default:
			return n
		}
	}
}

// finish runs whatever was accepted before the loop stopped and drops the
// timeouts that can no longer fire.
func (l *Loop) finish() {
	ran := l.RunPending()
	if cancelled := l.timer.CancelAll(); cancelled > 0 || ran > 0 {
		l.logger.Debug("event loop drained", "ran", ran, "cancelled_timeouts", cancelled)
	}
}

// Stop asks Run to return after draining queued callbacks. Further
// RunInLoop calls fail with ErrLoopStopped.
func (l *Loop) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrLoopNotRunning
	}
	l.stopped = true
	close(l.shutdown)
	return nil
}
