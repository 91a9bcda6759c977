package cogate

import "time"

// CancelFunc cancels a previously scheduled timer. Per the
// timer-service contract, calling it after the timer has already
// fired is a no-op.
type CancelFunc func()

// Clock is the timer-service contract this package consumes: schedule
// a one-shot callback after a delay, cancellable by handle. The
// production implementation (NewClock) wraps time.AfterFunc; tests use
// a fake clock that advances virtual time deterministically instead of
// waiting on real timers.
type Clock interface {
	// After schedules fn to run once d has elapsed.
	// The returned CancelFunc prevents fn from running if called
	// before the timer fires.
	After(d time.Duration, fn func()) CancelFunc
}

// realClock is the production Clock, backed by time.AfterFunc. Firings
// are routed through a Scheduler so they are serialized with every
// other state transition the owning component makes, preserving the
// "no suspension point outside a waiter queue" discipline even though
// the timer itself fires on its own goroutine.
type realClock struct {
	sched *Scheduler
}

// NewClock returns a Clock whose firings are dispatched through sched.
func NewClock(sched *Scheduler) Clock {
	return &realClock{sched: sched}
}

func (c *realClock) After(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, func() {
		c.sched.Defer(fn)
	})
	return func() { t.Stop() }
}

// DefaultClock is the Clock every component in this package uses
// unless constructed with its clock option (WithBarrierClock,
// WithSemaphoreClock, WithLockClock). It dispatches through
// DefaultScheduler.
var DefaultClock = NewClock(DefaultScheduler)
