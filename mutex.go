package cogate

// Mutex is a mutual-exclusion lock built directly on a
// CountingSemaphore holding a single permit.
type Mutex struct {
	noCopy noCopy
	sema   *CountingSemaphore
}

// MutexHandle represents a held (or formerly held) mutex lock.
type MutexHandle struct {
	mu   *Mutex
	held bool
}

// NewMutex creates an unlocked mutex.
func NewMutex() *Mutex {
	sema, _ := NewCountingSemaphore(1)
	return &Mutex{sema: sema}
}

// Lock returns a Completion for a MutexHandle, granted immediately if
// the mutex is free, else once the current holder releases it.
func (m *Mutex) Lock() *Completion[*MutexHandle] {
	out := newCompletion[*MutexHandle]()
	m.sema.Acquire(1).OnComplete(func(_ struct{}, err error) {
		if err != nil {
			out.settle(nil, err)
			return
		}
		out.settle(&MutexHandle{mu: m, held: true}, nil)
	})
	return out
}

// WaitCount returns the number of live queued acquisitions.
func (m *Mutex) WaitCount() int {
	return m.sema.WaitingAcquirerCount()
}

// IsHeld reports whether this handle still holds the mutex.
func (h *MutexHandle) IsHeld() bool { return h.held }

// Unlock releases the mutex. It fails with ErrInvalidState if the
// handle is no longer held.
func (h *MutexHandle) Unlock() error {
	if !h.held {
		return invalidStateError("Mutex is no longer held")
	}
	h.held = false
	return h.mu.sema.Release(1)
}
