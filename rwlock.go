package cogate

import (
	"context"
	"fmt"
	"runtime/trace"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

type lockWaiterKind int

const (
	waiterRead lockWaiterKind = iota
	waiterWrite
)

// lockWaiter is a pending read or write acquisition. complete settles
// its completion (wakeFunc cancels its timer, if any, first); it is
// called only once the wake protocol has already bumped the matching
// count on its behalf.
type lockWaiter struct {
	kind    lockWaiterKind
	cancel  CancelFunc
	dead    bool
	complete func()
}

// ReadWriteLock is a multi-reader/single-writer lock with a fair or
// non-fair wake policy and direct upgrade/downgrade between a held
// read lock and a held write lock. Fair mode never lets a new reader
// jump ahead of a queued writer; non-fair mode lets readers pile up
// behind an active reader even with writers queued, trading writer
// latency for reader throughput.
type ReadWriteLock struct {
	noCopy noCopy

	mu         sync.Mutex
	fair       bool
	readCount  int
	writeCount int
	waiters    deque.Deque[*lockWaiter]

	clock Clock
}

// RWLockOption configures a ReadWriteLock at construction time.
type RWLockOption func(*ReadWriteLock)

// WithFair sets the lock's fairness policy. NewReadWriteLock creates a
// fair lock; this option only needs to be supplied to request non-fair
// mode.
func WithFair(fair bool) RWLockOption {
	return func(l *ReadWriteLock) { l.fair = fair }
}

// WithLockClock overrides the Clock used for timed acquisitions.
func WithLockClock(c Clock) RWLockOption {
	return func(l *ReadWriteLock) { l.clock = c }
}

// NewReadWriteLock creates a lock, fair by default.
func NewReadWriteLock(opts ...RWLockOption) *ReadWriteLock {
	l := &ReadWriteLock{
		fair:  true,
		clock: DefaultClock,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ReadHandle represents a held (or formerly held) read lock. Its
// identity belongs to whichever caller acquired it; it must not be
// shared between logical acquirers.
type ReadHandle struct {
	lock *ReadWriteLock
	held bool
}

// WriteHandle represents a held (or formerly held) write lock.
type WriteHandle struct {
	lock *ReadWriteLock
	held bool
}

func newReadHandle(l *ReadWriteLock) *ReadHandle   { return &ReadHandle{lock: l, held: true} }
func newWriteHandle(l *ReadWriteLock) *WriteHandle { return &WriteHandle{lock: l, held: true} }

// IsReadHeld reports whether any read lock is currently held.
func (l *ReadWriteLock) IsReadHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readCount > 0
}

// IsWriteHeld reports whether the write lock is currently held.
func (l *ReadWriteLock) IsWriteHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeCount > 0
}

// CurrentReadCount returns the number of currently held read locks.
func (l *ReadWriteLock) CurrentReadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readCount
}

// WaitingReadCount returns the number of live queued read acquisitions.
func (l *ReadWriteLock) WaitingReadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitingCountLocked(waiterRead)
}

// WaitingWriteCount returns the number of live queued write acquisitions.
func (l *ReadWriteLock) WaitingWriteCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitingCountLocked(waiterWrite)
}

func (l *ReadWriteLock) waitingCountLocked(kind lockWaiterKind) int {
	n := 0
	for i := 0; i < l.waiters.Len(); i++ {
		w := l.waiters.At(i)
		if !w.dead && w.kind == kind {
			n++
		}
	}
	return n
}

// String renders the lock as "ReadWriteLock[write lock=<bool>, read
// locks=<n>]".
func (l *ReadWriteLock) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("ReadWriteLock[write lock=%t, read locks=%d]", l.writeCount > 0, l.readCount)
}

func (l *ReadWriteLock) canGrantReadNow() bool {
	if l.writeCount > 0 {
		return false
	}
	if l.fair && l.waiters.Len() > 0 {
		return false
	}
	if !l.fair && l.readCount > 0 {
		return true
	}
	return l.waiters.Len() == 0
}

func (l *ReadWriteLock) canGrantWriteNow() bool {
	return l.readCount == 0 && l.writeCount == 0
}

// AcquireRead returns a Completion for a ReadHandle, granted
// immediately if the acquisition policy allows it, else once the
// waiter is woken. The wait never times out.
func (l *ReadWriteLock) AcquireRead() *Completion[*ReadHandle] {
	return l.acquireRead(false, 0)
}

// AcquireReadTimeout is like AcquireRead, but fails with ErrTimedOut
// if timeout elapses first. If timeout <= 0 and the lock cannot be
// granted immediately, it fails immediately.
func (l *ReadWriteLock) AcquireReadTimeout(timeout time.Duration) *Completion[*ReadHandle] {
	return l.acquireRead(true, timeout)
}

func (l *ReadWriteLock) acquireRead(timed bool, timeout time.Duration) *Completion[*ReadHandle] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.canGrantReadNow() {
		l.readCount++
		return Resolved(newReadHandle(l))
	}
	if timed && timeout <= 0 {
		return Rejected[*ReadHandle](timedOutError())
	}

	comp := newCompletion[*ReadHandle]()
	w := &lockWaiter{kind: waiterRead}
	w.complete = func() { comp.settle(newReadHandle(l), nil) }
	if timed {
		w.cancel = l.clock.After(timeout, func() {
			l.mu.Lock()
			if w.dead {
				l.mu.Unlock()
				return
			}
			w.dead = true
			l.mu.Unlock()
			if trace.IsEnabled() {
				trace.Log(context.Background(), "cogate", "read lock acquirer timed out")
			}
			comp.settle(nil, timedOutError())
		})
	}
	l.waiters.PushBack(w)
	if trace.IsEnabled() {
		trace.Log(context.Background(), "cogate", "read lock acquirer queued")
	}
	return comp
}

// AcquireWrite returns a Completion for a WriteHandle, granted
// immediately iff no read or write lock is currently held, else once
// the waiter is woken. The wait never times out.
func (l *ReadWriteLock) AcquireWrite() *Completion[*WriteHandle] {
	return l.acquireWrite(false, 0)
}

// AcquireWriteTimeout is like AcquireWrite, but fails with
// ErrTimedOut if timeout elapses first. If timeout <= 0 and the lock
// cannot be granted immediately, it fails immediately.
func (l *ReadWriteLock) AcquireWriteTimeout(timeout time.Duration) *Completion[*WriteHandle] {
	return l.acquireWrite(true, timeout)
}

func (l *ReadWriteLock) acquireWrite(timed bool, timeout time.Duration) *Completion[*WriteHandle] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.canGrantWriteNow() {
		l.writeCount = 1
		return Resolved(newWriteHandle(l))
	}
	if timed && timeout <= 0 {
		return Rejected[*WriteHandle](timedOutError())
	}

	comp := newCompletion[*WriteHandle]()
	w := &lockWaiter{kind: waiterWrite}
	w.complete = func() { comp.settle(newWriteHandle(l), nil) }
	if timed {
		w.cancel = l.clock.After(timeout, func() {
			l.mu.Lock()
			if w.dead {
				l.mu.Unlock()
				return
			}
			w.dead = true
			l.mu.Unlock()
			if trace.IsEnabled() {
				trace.Log(context.Background(), "cogate", "write lock acquirer timed out")
			}
			comp.settle(nil, timedOutError())
		})
	}
	l.waiters.PushBack(w)
	if trace.IsEnabled() {
		trace.Log(context.Background(), "cogate", "write lock acquirer queued")
	}
	return comp
}

// releaseRead handles the release of one held read lock.
func (l *ReadWriteLock) releaseRead() {
	l.mu.Lock()
	l.readCount--
	var wakes []func()
	if l.readCount == 0 {
		wakes = l.wakeLocked()
	}
	l.mu.Unlock()

	if trace.IsEnabled() && len(wakes) > 0 {
		trace.Logf(context.Background(), "cogate", "read lock release woke %d waiter(s)", len(wakes))
	}
	for _, fn := range wakes {
		fn()
	}
}

// releaseWrite handles the release of the held write lock.
func (l *ReadWriteLock) releaseWrite() {
	l.mu.Lock()
	l.writeCount = 0
	wakes := l.wakeLocked()
	l.mu.Unlock()

	if trace.IsEnabled() && len(wakes) > 0 {
		trace.Logf(context.Background(), "cogate", "write lock release woke %d waiter(s)", len(wakes))
	}
	for _, fn := range wakes {
		fn()
	}
}

// wakeLocked must be called with mu held. It activates the head of the
// waiter queue, skipping any waiter already marked dead by a fired
// timeout. If the activated waiter is a reader, additional readers are
// woken per the read-wake sub-policy; if it is a writer, no further
// activation happens until it releases. The returned funcs cancel each
// woken waiter's timer and settle its completion; they must run after
// mu is released, so a subscriber can safely call back into the lock.
func (l *ReadWriteLock) wakeLocked() []func() {
	for l.waiters.Len() > 0 {
		w := l.waiters.PopFront()
		if w.dead {
			continue
		}

		switch w.kind {
		case waiterRead:
			l.readCount++
			fns := []func(){wakeFunc(w)}
			return append(fns, l.wakeMoreReadersLocked()...)
		case waiterWrite:
			l.writeCount = 1
			return []func(){wakeFunc(w)}
		}
	}
	return nil
}

func wakeFunc(w *lockWaiter) func() {
	return func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.complete()
	}
}

// wakeMoreReadersLocked runs the read-wake sub-policy after an initial
// reader has been activated (either from the queue, by wakeLocked, or
// synthetically, by downgrade). Must be called with mu held.
func (l *ReadWriteLock) wakeMoreReadersLocked() []func() {
	if l.fair {
		return l.wakeReaderPrefixLocked()
	}
	return l.wakeAllReadersLocked()
}

// wakeReaderPrefixLocked pops consecutive live Read waiters from the
// head of the queue, stopping at the first Write waiter (or an empty
// queue). Must be called with mu held.
func (l *ReadWriteLock) wakeReaderPrefixLocked() []func() {
	var fns []func()
	for l.waiters.Len() > 0 {
		w := l.waiters.Front()
		if w.dead {
			l.waiters.PopFront()
			continue
		}
		if w.kind != waiterRead {
			return fns
		}
		l.waiters.PopFront()
		l.readCount++
		fns = append(fns, wakeFunc(w))
	}
	return fns
}

// wakeAllReadersLocked scans the entire queue once, activating every
// live Read waiter wherever it sits and leaving Write waiters in their
// relative order. Must be called with mu held.
func (l *ReadWriteLock) wakeAllReadersLocked() []func() {
	n := l.waiters.Len()
	var remaining deque.Deque[*lockWaiter]
	var fns []func()
	for i := 0; i < n; i++ {
		w := l.waiters.PopFront()
		if w.dead {
			continue
		}
		if w.kind == waiterRead {
			l.readCount++
			fns = append(fns, wakeFunc(w))
			continue
		}
		remaining.PushBack(w)
	}
	l.waiters = remaining
	return fns
}

// downgrade implements WriteHandle.DowngradeToRead: the write lock
// becomes a held read lock atomically from an observer's viewpoint,
// and any queued readers the current fairness policy allows are woken
// to proceed alongside it.
func (l *ReadWriteLock) downgrade() *ReadHandle {
	l.mu.Lock()
	l.writeCount = 0
	l.readCount = 1
	wakes := l.wakeMoreReadersLocked()
	l.mu.Unlock()

	for _, fn := range wakes {
		fn()
	}
	return newReadHandle(l)
}

// IsHeld reports whether this handle still holds its read lock.
func (h *ReadHandle) IsHeld() bool { return h.held }

// Release releases the read lock. It fails with ErrInvalidState if
// the handle is no longer held.
func (h *ReadHandle) Release() error {
	if !h.held {
		return invalidStateError("Read lock is no longer held")
	}
	h.held = false
	h.lock.releaseRead()
	return nil
}

// UpgradeToWrite releases the held read lock, then acquires a write
// lock with no timeout. The release and the acquisition are not
// atomic: other writers may be granted the write lock first.
func (h *ReadHandle) UpgradeToWrite() *Completion[*WriteHandle] {
	return h.upgrade(false, 0)
}

// UpgradeToWriteTimeout is like UpgradeToWrite, but fails with
// ErrTimedOut if timeout elapses before the write lock is granted. On
// timeout the original read lock is not restored; it was already
// released synchronously as part of the upgrade attempt.
func (h *ReadHandle) UpgradeToWriteTimeout(timeout time.Duration) *Completion[*WriteHandle] {
	return h.upgrade(true, timeout)
}

func (h *ReadHandle) upgrade(timed bool, timeout time.Duration) *Completion[*WriteHandle] {
	if !h.held {
		return Rejected[*WriteHandle](invalidStateError("Read lock is no longer held"))
	}
	h.held = false
	h.lock.releaseRead()
	return h.lock.acquireWrite(timed, timeout)
}

// String renders the handle as "ReadLock[held=<bool>]".
func (h *ReadHandle) String() string {
	return fmt.Sprintf("ReadLock[held=%t]", h.held)
}

// IsHeld reports whether this handle still holds its write lock.
func (h *WriteHandle) IsHeld() bool { return h.held }

// Release releases the write lock. It fails with ErrInvalidState if
// the handle is no longer held.
func (h *WriteHandle) Release() error {
	if !h.held {
		return invalidStateError("Write lock is no longer held")
	}
	h.held = false
	h.lock.releaseWrite()
	return nil
}

// DowngradeToRead converts a held write lock directly into a held
// read lock, synchronously and always successfully when held, waking
// any queued readers the fairness policy allows to proceed alongside
// it. It fails with ErrInvalidState if the handle is no longer held.
func (h *WriteHandle) DowngradeToRead() (*ReadHandle, error) {
	if !h.held {
		return nil, invalidStateError("Write lock is no longer held")
	}
	h.held = false
	return h.lock.downgrade(), nil
}

// String renders the handle as "WriteLock[held=<bool>]".
func (h *WriteHandle) String() string {
	return fmt.Sprintf("WriteLock[held=%t]", h.held)
}
