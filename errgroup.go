package cogate

import (
	"context"
	"sync"
)

// ErrGroup runs a group of concurrent goroutines and collects the
// first error any of them returns, cancelling the group's shared
// context as soon as one fails.
type ErrGroup struct {
	noCopy noCopy

	ctx    context.Context
	cancel func(error)

	wg WaitGroup

	mu  sync.Mutex
	err error
}

// NewErrGroup creates an ErrGroup and a derived context that is
// cancelled, with the group's first error as its cause, as soon as any
// member function returns a non-nil error.
func NewErrGroup(ctx context.Context) (*ErrGroup, context.Context) {
	ctx, cancel := context.WithCancelCause(ctx)
	return &ErrGroup{ctx: ctx, cancel: cancel}, ctx
}

// Go starts fn in a new goroutine, passing it the group's context.
func (g *ErrGroup) Go(fn func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(g.ctx); err != nil {
			g.mu.Lock()
			if g.err == nil {
				g.err = err
				g.cancel(err)
			}
			g.mu.Unlock()
		}
	}()
}

// Wait returns a Completion that resolves once every started goroutine
// has returned, with the first error any of them returned, or nil if
// none failed.
func (g *ErrGroup) Wait() *Completion[struct{}] {
	out := newCompletion[struct{}]()
	g.wg.Wait().OnComplete(func(_ struct{}, _ error) {
		g.mu.Lock()
		err := g.err
		g.mu.Unlock()
		if err != nil {
			g.cancel(err)
		}
		out.settle(struct{}{}, err)
	})
	return out
}
