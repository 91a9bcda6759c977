package cogate

import (
	"context"
	"fmt"
	"runtime/trace"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// semaphoreWaiter is a pending acquirer. grant settles its completion
// successfully (drainLocked cancels its timer, if any, first); it is
// invoked only once the drain protocol has already subtracted permits
// from available on its behalf.
type semaphoreWaiter struct {
	permits int64
	cancel  CancelFunc
	dead    bool
	grant   func()
}

// CountingSemaphore is a counting semaphore with batched permit
// acquisition and optional timed acquisition. Waiters are queued
// FIFO; release runs a single-pass, best-fit drain over the queue and
// cancellable timers back timed acquisition attempts.
type CountingSemaphore struct {
	noCopy noCopy

	mu        sync.Mutex
	available int64
	waiters   deque.Deque[*semaphoreWaiter]

	clock Clock
}

// SemaphoreOption configures a CountingSemaphore at construction time.
type SemaphoreOption func(*CountingSemaphore)

// WithSemaphoreClock overrides the Clock used for timed acquisitions.
func WithSemaphoreClock(c Clock) SemaphoreOption {
	return func(s *CountingSemaphore) { s.clock = c }
}

// NewCountingSemaphore creates a semaphore with n available permits.
// It returns ErrInvalidArgument if n is negative.
func NewCountingSemaphore(n int64, opts ...SemaphoreOption) (*CountingSemaphore, error) {
	if n < 0 {
		return nil, negativeArgError(n)
	}

	s := &CountingSemaphore{
		available: n,
		clock:     DefaultClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Acquire requests permits permits. If enough are immediately
// available, it subtracts them and returns an already-resolved
// Completion; otherwise the caller is enqueued and the returned
// Completion resolves once release's drain protocol can satisfy it.
// There is no timeout on this form; the wait never fails.
func (s *CountingSemaphore) Acquire(permits int64) *Completion[struct{}] {
	if permits < 0 {
		return Rejected[struct{}](negativeArgError(permits))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available >= permits {
		s.available -= permits
		return Resolved(struct{}{})
	}

	comp := newCompletion[struct{}]()
	w := &semaphoreWaiter{permits: permits}
	w.grant = func() { comp.settle(struct{}{}, nil) }
	s.waiters.PushBack(w)
	if trace.IsEnabled() {
		trace.Logf(context.Background(), "cogate", "semaphore acquirer queued, requesting %d permit(s)", permits)
	}
	return comp
}

// TryAcquire synchronously attempts to acquire permits permits,
// returning true and subtracting them iff available >= permits.
func (s *CountingSemaphore) TryAcquire(permits int64) (bool, error) {
	if permits < 0 {
		return false, negativeArgError(permits)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available < permits {
		return false, nil
	}
	s.available -= permits
	return true, nil
}

// TryAcquireTimeout asynchronously attempts to acquire permits
// permits. If immediately satisfiable, it subtracts them and resolves
// true. Otherwise, if timeout <= 0 it resolves false immediately;
// else it enqueues the request and resolves false if timeout elapses
// before enough permits become available.
func (s *CountingSemaphore) TryAcquireTimeout(permits int64, timeout time.Duration) *Completion[bool] {
	if permits < 0 {
		return Rejected[bool](negativeArgError(permits))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available >= permits {
		s.available -= permits
		return Resolved(true)
	}
	if timeout <= 0 {
		return Resolved(false)
	}

	comp := newCompletion[bool]()
	w := &semaphoreWaiter{permits: permits}
	w.grant = func() { comp.settle(true, nil) }
	w.cancel = s.clock.After(timeout, func() {
		s.mu.Lock()
		if w.dead {
			s.mu.Unlock()
			return
		}
		w.dead = true
		s.mu.Unlock()
		if trace.IsEnabled() {
			trace.Logf(context.Background(), "cogate", "semaphore acquirer timed out, requesting %d permit(s)", permits)
		}
		comp.settle(false, nil)
	})
	s.waiters.PushBack(w)
	return comp
}

// Release adds permits permits back to the available count, then runs
// the drain protocol. It returns ErrInvalidArgument if permits is
// negative.
func (s *CountingSemaphore) Release(permits int64) error {
	if permits < 0 {
		return negativeArgError(permits)
	}

	s.mu.Lock()
	s.available += permits
	grants := s.drainLocked()
	s.mu.Unlock()

	if trace.IsEnabled() && len(grants) > 0 {
		trace.Logf(context.Background(), "cogate", "semaphore drain granted %d waiter(s)", len(grants))
	}

	for _, grant := range grants {
		grant()
	}
	return nil
}

// drainLocked must be called with mu held. It walks the waiter queue
// once, front to back. A waiter whose permit request fits in the
// currently available balance is granted and removed; one that
// doesn't fit is left in place and the scan continues, so a later,
// smaller request is never blocked behind an earlier, larger one that
// doesn't yet fit. This is a single O(n) pass, never O(n^2), regardless
// of how many waiters are skipped. Grant callbacks are returned rather
// than invoked directly, so they run after mu is released and a
// subscriber can safely call back into the semaphore.
func (s *CountingSemaphore) drainLocked() []func() {
	if s.waiters.Len() == 0 {
		return nil
	}

	var remaining deque.Deque[*semaphoreWaiter]
	var grants []func()
	n := s.waiters.Len()
	for i := 0; i < n; i++ {
		w := s.waiters.PopFront()
		if w.dead {
			continue
		}
		if s.available >= w.permits {
			s.available -= w.permits
			if w.cancel != nil {
				w.cancel()
			}
			grants = append(grants, w.grant)
			continue
		}
		remaining.PushBack(w)
	}
	s.waiters = remaining
	return grants
}

// DrainPermits resets available to zero and returns its prior value.
// Waiters are not woken: the prior balance could not have satisfied
// any of them (had it been enough, drain would already have served
// them on the release that produced it).
func (s *CountingSemaphore) DrainPermits() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.available
	s.available = 0
	return prior
}

// AvailablePermits returns the current available balance.
func (s *CountingSemaphore) AvailablePermits() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// HasWaitingAcquirers reports whether any acquirer is currently
// queued.
func (s *CountingSemaphore) HasWaitingAcquirers() bool {
	return s.WaitingAcquirerCount() > 0
}

// WaitingAcquirerCount returns the number of live (non-timed-out)
// queued acquirers.
func (s *CountingSemaphore) WaitingAcquirerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := 0; i < s.waiters.Len(); i++ {
		if !s.waiters.At(i).dead {
			n++
		}
	}
	return n
}

// String renders the semaphore as "Semaphore[permits=<n>]".
func (s *CountingSemaphore) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Semaphore[permits=%d]", s.available)
}
