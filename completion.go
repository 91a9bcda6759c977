package cogate

import (
	"context"
	"sync"
)

// Completion is a value-producing computation that settles exactly
// once, either with a value or with an error. Every suspending
// operation in this package returns one.
//
// A Completion may already be settled when it is returned (the
// synchronous path: Resolved/Rejected) or settle later (the
// asynchronous path): inline in the release or count-down call that
// wakes an enqueued waiter, or from the callback a Clock timer fires.
type Completion[T any] struct {
	mu   sync.Mutex
	done bool
	val  T
	err  error
	ch   chan struct{}
	subs []func(T, error)
}

func newCompletion[T any]() *Completion[T] {
	return &Completion[T]{ch: make(chan struct{})}
}

// Resolved returns an already-settled, successful Completion.
func Resolved[T any](v T) *Completion[T] {
	c := newCompletion[T]()
	c.settle(v, nil)
	return c
}

// Rejected returns an already-settled, failed Completion.
func Rejected[T any](err error) *Completion[T] {
	var zero T
	c := newCompletion[T]()
	c.settle(zero, err)
	return c
}

// settle resolves the completion exactly once. Later calls are no-ops;
// a second completion of the same call must never reorder or
// overwrite the first result.
func (c *Completion[T]) settle(v T, err error) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.val = v
	c.err = err
	subs := c.subs
	c.subs = nil
	close(c.ch)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(v, err)
	}
}

// OnComplete registers fn to run once the completion settles. If the
// completion is already settled, fn runs immediately, inline, with the
// settled value.
func (c *Completion[T]) OnComplete(fn func(T, error)) {
	c.mu.Lock()
	if c.done {
		v, err := c.val, c.err
		c.mu.Unlock()
		fn(v, err)
		return
	}
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// Done reports whether the completion has settled.
func (c *Completion[T]) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Await blocks the calling goroutine until the completion settles or
// ctx is done, whichever happens first. It is the blocking counterpart
// to OnComplete for callers that are ordinary goroutines rather than
// further callback chains.
func (c *Completion[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-c.ch:
		c.mu.Lock()
		v, err := c.val, c.err
		c.mu.Unlock()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// waitAll invokes onDone once every completion in cs has settled,
// regardless of individual outcome. An empty slice completes
// immediately. Used by ConcurrentKeyedMap.Clear to resolve only after
// every tail delete it enqueued has finished.
func waitAll[T any](cs []*Completion[T], onDone func()) {
	if len(cs) == 0 {
		onDone()
		return
	}

	var (
		mu        sync.Mutex
		remaining = len(cs)
	)
	for _, c := range cs {
		c.OnComplete(func(T, error) {
			mu.Lock()
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				onDone()
			}
		})
	}
}
