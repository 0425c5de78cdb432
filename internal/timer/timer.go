// Package timer is a coarse-granularity timeout facility. Deadlines are rounded
// up to the timer's tick interval and kept in an intrusive min-heap, so
// rescheduling and cancelling a callback are O(log N) with no allocation.
//
// A Timer is not safe for concurrent use. It belongs to one execution context
// (see package eventloop) and every callback fires on that context.
package timer

import (
	"time"

	"connmgr/internal/intrusive"
)

// DefaultInterval is the tick granularity used when none is configured.
const DefaultInterval = 10 * time.Millisecond

// Callback is anything that can be scheduled. Implementations embed Handle,
// which provides TimerHandle.
type Callback interface {
	TimeoutExpired()
	TimerHandle() *Handle
}

// Handle carries the scheduling state of a Callback.
type Handle struct {
	heapIndex int
	seq       uint64
	deadline  time.Time
	timer     *Timer
	cb        Callback
}

func (h *Handle) TimerHandle() *Handle { return h }

// IsScheduled reports whether the callback is waiting to fire.
func (h *Handle) IsScheduled() bool { return h.heapIndex != 0 }

// Deadline returns the pending deadline, or the zero time when not scheduled.
func (h *Handle) Deadline() time.Time {
	if !h.IsScheduled() {
		return time.Time{}
	}
	return h.deadline
}

// CancelTimeout unschedules the callback. Safe to call when not scheduled.
func (h *Handle) CancelTimeout() {
	if h.timer != nil {
		h.timer.cancel(h)
	}
}

type Option func(*Timer)

// WithInterval sets the tick granularity.
func WithInterval(d time.Duration) Option {
	return func(t *Timer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithNow replaces the clock, mostly for tests.
func WithNow(now func() time.Time) Option {
	return func(t *Timer) {
		if now != nil {
			t.now = now
		}
	}
}

type Timer struct {
	interval time.Duration
	now      func() time.Time
	heap     *intrusive.Heap[Handle]
	seq      uint64
}

func handleLess(a, b *Handle) bool {
	if a.deadline.Equal(b.deadline) {
		return a.seq < b.seq
	}
	return a.deadline.Before(b.deadline)
}

func New(opts ...Option) *Timer {
	t := &Timer{
		interval: DefaultInterval,
		now:      time.Now,
		heap:     intrusive.NewHeap(handleLess, 0),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Timer) Interval() time.Duration { return t.interval }

func (t *Timer) Now() time.Time { return t.now() }

func (t *Timer) Len() int { return t.heap.Len() }

// Schedule arranges for cb to fire after d. A callback that is already
// scheduled, on this or another Timer, is moved to the new deadline.
// Non-positive durations fire on the next tick.
func (t *Timer) Schedule(cb Callback, d time.Duration) {
	h := cb.TimerHandle()
	resched := h.timer == t && h.IsScheduled()
	if !resched && h.timer != nil {
		h.timer.cancel(h)
	}
	t.seq++
	h.seq = t.seq
	h.deadline = t.now().Add(t.round(d))
	h.timer = t
	h.cb = cb
	if resched {
		t.heap.Fix(&h.heapIndex)
		return
	}
	t.heap.Insert(h, &h.heapIndex)
}

// Cancel unschedules cb if it is scheduled on t.
func (t *Timer) Cancel(cb Callback) {
	t.cancel(cb.TimerHandle())
}

func (t *Timer) cancel(h *Handle) {
	if h.timer != t {
		return
	}
	t.heap.Erase(h, &h.heapIndex)
	h.timer = nil
	h.cb = nil
}

// CancelAll unschedules every pending callback without firing it.
func (t *Timer) CancelAll() int {
	n := t.heap.Len()
	for t.heap.Len() > 0 {
		h := t.heap.PopFront()
		h.timer = nil
		h.cb = nil
	}
	return n
}

// NextDeadline returns the earliest pending deadline.
func (t *Timer) NextDeadline() (time.Time, bool) {
	front := t.heap.Front()
	if front == nil {
		return time.Time{}, false
	}
	return front.deadline, true
}

// RunExpired fires every callback whose deadline is not after now and
// returns how many fired. Callbacks scheduled while expiring wait for the
// next call even when already due.
func (t *Timer) RunExpired(now time.Time) int {
	limit := t.seq
	fired := 0
	for {
		front := t.heap.Front()
		if front == nil || front.deadline.After(now) || front.seq > limit {
			return fired
		}
		t.heap.PopFront()
		cb := front.cb
		front.timer = nil
		front.cb = nil
		fired++
		cb.TimeoutExpired()
	}
}

func (t *Timer) round(d time.Duration) time.Duration {
	if d <= 0 {
		return t.interval
	}
	if rem := d % t.interval; rem != 0 {
		d += t.interval - rem
	}
	return d
}
