package cogate

import (
	"sort"
	"sync"
	"time"
)

// fakeClock is a deterministic Clock for tests: it never starts a real
// timer. Advance fires every pending callback whose deadline is at or
// before the new virtual time, in deadline order.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Duration
	pending []*fakeTimer
}

type fakeTimer struct {
	deadline time.Duration
	fn       func()
	fired    bool
	stopped  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{}
}

func (c *fakeClock) After(d time.Duration, fn func()) CancelFunc {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{deadline: c.now + d, fn: fn}
	c.pending = append(c.pending, t)
	return func() {
		c.mu.Lock()
		t.stopped = true
		c.mu.Unlock()
	}
}

// Advance moves virtual time forward by d and synchronously runs every
// timer whose deadline has been reached, in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d

	due := make([]*fakeTimer, 0, len(c.pending))
	var remaining []*fakeTimer
	for _, t := range c.pending {
		if !t.stopped && !t.fired && t.deadline <= c.now {
			due = append(due, t)
			continue
		}
		if !t.fired {
			remaining = append(remaining, t)
		}
	}
	c.pending = remaining
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	c.mu.Unlock()

	for _, t := range due {
		t.fired = true
		t.fn()
	}
}
