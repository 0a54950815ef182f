package parley

import (
	"sync"
	"time"
)

// DefaultSearchDebounce coalesces search keystrokes.
const DefaultSearchDebounce = 300 * time.Millisecond

// Debouncer delays a call until its input has been quiet for a fixed
// interval. A newer Trigger replaces the pending value and restarts the wait.
type Debouncer[T any] struct {
	mu     sync.Mutex
	sched  Scheduler
	delay  time.Duration
	fn     func(T)
	timer  Timer
	gen    uint64
	closed bool
}

// NewDebouncer creates a debouncer that calls fn on the scheduler's goroutine.
func NewDebouncer[T any](delay time.Duration, sched Scheduler, fn func(T)) *Debouncer[T] {
	if sched == nil {
		sched = SystemScheduler
	}
	return &Debouncer[T]{sched: sched, delay: delay, fn: fn}
}

// Trigger schedules fn(v), cancelling any pending call.
func (d *Debouncer[T]) Trigger(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.stopLocked()
	d.gen++
	gen := d.gen
	d.timer = d.sched.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.gen != gen || d.closed {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		d.fn(v)
	})
}

// Cancel drops the pending call, if any. It reports whether one was pending.
func (d *Debouncer[T]) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	pending := d.timer != nil
	d.stopLocked()
	d.gen++
	return pending
}

// Pending reports whether a call is scheduled.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Close cancels the pending call and disables the debouncer.
func (d *Debouncer[T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.closed = true
}

func (d *Debouncer[T]) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
