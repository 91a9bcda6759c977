package cogate

import (
	"context"
	"fmt"
	"runtime/trace"
	"sync"
	"time"
)

// barrierWaiter is a pending Await/AwaitTimeout call. A timeout does
// not remove its waiter from the queue; it only marks it dead so the
// count-down that finally drains the queue can skip it.
type barrierWaiter struct {
	completion *Completion[struct{}]
	cancel     CancelFunc
	dead       bool
}

// CountdownBarrier is a one-shot "wait until N countdowns have
// occurred" gate. It is not reusable: once current reaches zero, every
// waiter (present and future) resolves immediately and further
// CountDown calls are no-ops.
type CountdownBarrier struct {
	noCopy noCopy

	mu      sync.Mutex
	initial int
	current int
	waiters []*barrierWaiter

	clock Clock
}

// BarrierOption configures a CountdownBarrier at construction time.
type BarrierOption func(*CountdownBarrier)

// WithBarrierClock overrides the Clock used for timed Await calls.
func WithBarrierClock(c Clock) BarrierOption {
	return func(b *CountdownBarrier) { b.clock = c }
}

// NewCountdownBarrier creates a barrier counting down from n. It
// returns ErrInvalidArgument if n is negative; n == 0 is allowed and
// produces a barrier that is already tripped.
func NewCountdownBarrier(n int, opts ...BarrierOption) (*CountdownBarrier, error) {
	if n < 0 {
		return nil, negativeArgError(int64(n))
	}

	b := &CountdownBarrier{
		initial: n,
		current: n,
		clock:   DefaultClock,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// InitialCount returns the count the barrier was constructed with.
func (b *CountdownBarrier) InitialCount() int {
	return b.initial
}

// CurrentCount returns the barrier's remaining count.
func (b *CountdownBarrier) CurrentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// CountDown decrements the remaining count by one. It is a no-op if
// the count has already reached zero. On the transition to zero,
// every live waiter is resolved successfully, in enqueue order, and
// the waiter list is dropped.
func (b *CountdownBarrier) CountDown() {
	b.mu.Lock()
	if b.current == 0 {
		b.mu.Unlock()
		return
	}

	b.current--
	if b.current != 0 {
		b.mu.Unlock()
		return
	}

	waiters := b.waiters
	b.waiters = nil
	live := make([]*barrierWaiter, 0, len(waiters))
	for _, w := range waiters {
		if !w.dead {
			w.dead = true
			live = append(live, w)
		}
	}
	b.mu.Unlock()

	for _, w := range live {
		if w.cancel != nil {
			w.cancel()
		}
		w.completion.settle(struct{}{}, nil)
	}

	if trace.IsEnabled() {
		trace.Logf(context.Background(), "cogate", "barrier tripped, released %d waiter(s)", len(live))
	}
}

// Await returns a Completion that resolves successfully once the
// count reaches zero. If the count is already zero, the returned
// Completion is already resolved.
func (b *CountdownBarrier) Await() *Completion[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == 0 {
		return Resolved(struct{}{})
	}

	w := &barrierWaiter{completion: newCompletion[struct{}]()}
	b.waiters = append(b.waiters, w)
	return w.completion
}

// AwaitTimeout is like Await, but fails with ErrTimedOut if timeout
// elapses before the count reaches zero. If the count is already
// zero, the returned Completion resolves immediately regardless of
// timeout. If timeout <= 0 and the count is not zero, it fails
// immediately, without enqueuing a waiter.
func (b *CountdownBarrier) AwaitTimeout(timeout time.Duration) *Completion[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == 0 {
		return Resolved(struct{}{})
	}
	if timeout <= 0 {
		return Rejected[struct{}](timedOutError())
	}

	w := &barrierWaiter{completion: newCompletion[struct{}]()}
	w.cancel = b.clock.After(timeout, func() {
		b.mu.Lock()
		if w.dead {
			b.mu.Unlock()
			return
		}
		w.dead = true
		b.mu.Unlock()
		w.completion.settle(struct{}{}, timedOutError())
	})
	b.waiters = append(b.waiters, w)
	return w.completion
}

// String renders the barrier as "CountDownLatch[count=<n>]".
func (b *CountdownBarrier) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("CountDownLatch[count=%d]", b.current)
}
