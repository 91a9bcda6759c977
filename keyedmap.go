package cogate

import (
	"container/list"
	"context"
	"runtime/trace"
	"sync"

	"github.com/gammazero/deque"
)

// Maybe represents the map's absent sentinel alongside a present
// value, standing in for a null/none in a language where the zero
// value of V is not reliably distinguishable from "no mapping".
type Maybe[V any] struct {
	Value V
	Ok    bool
}

// Some wraps a present value.
func Some[V any](v V) Maybe[V] { return Maybe[V]{Value: v, Ok: true} }

// None represents absence.
func None[V any]() Maybe[V] { return Maybe[V]{} }

// Entry is one key/value pair from a ConcurrentKeyedMap snapshot.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// ComputeFunc is the function ComputeIfAbsent invokes when the key is
// absent. It always returns a
// Completion so that both synchronous (Resolved(...)) and genuinely
// asynchronous user computations fit the same signature, per the
// library's asynchronous completion abstraction.
type ComputeFunc[K comparable, V comparable] func(key K) *Completion[Maybe[V]]

// ComputeIfPresentFunc is the function compute_if_present invokes with
// the key's current value.
type ComputeIfPresentFunc[K comparable, V comparable] func(key K, current V) *Completion[Maybe[V]]

// ComputeFullFunc is the function compute invokes with the key's
// current value, or None if absent.
type ComputeFullFunc[K comparable, V comparable] func(key K, current Maybe[V]) *Completion[Maybe[V]]

// MergeFunc is the function merge invokes with the key's current
// value and the value passed to Merge, when the key is already
// present.
type MergeFunc[V comparable] func(oldValue, newValue V) *Completion[Maybe[V]]

// actionFn is one queued per-key continuation. It receives an advance
// callback it must invoke, directly or from whatever async callback
// eventually finishes its work, once it is done, so the next queued
// action for the same key can run.
type actionFn func(advance func())

// ConcurrentKeyedMap is a map whose mutating and compute operations
// are serialized per key through an ordered queue of continuations:
// at most one action per key runs at a time, but actions on different
// keys proceed independently. Snapshot reads (Get, Has, Keys, ...)
// never queue and always see the latest completed state.
type ConcurrentKeyedMap[K comparable, V comparable] struct {
	noCopy noCopy

	mu      sync.Mutex
	current map[K]V
	elems   map[K]*list.Element
	order   *list.List
	pending map[K]*deque.Deque[actionFn]

	sched *Scheduler
}

// MapOption configures a ConcurrentKeyedMap at construction time.
type MapOption[K comparable, V comparable] func(*ConcurrentKeyedMap[K, V])

// WithMapScheduler overrides the Scheduler used to tail-dispatch
// per-key continuations.
func WithMapScheduler[K comparable, V comparable](s *Scheduler) MapOption[K, V] {
	return func(m *ConcurrentKeyedMap[K, V]) { m.sched = s }
}

// NewConcurrentKeyedMap creates an empty map.
func NewConcurrentKeyedMap[K comparable, V comparable](opts ...MapOption[K, V]) *ConcurrentKeyedMap[K, V] {
	m := &ConcurrentKeyedMap[K, V]{
		current: make(map[K]V),
		elems:   make(map[K]*list.Element),
		order:   list.New(),
		pending: make(map[K]*deque.Deque[actionFn]),
		sched:   DefaultScheduler,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// --- snapshot, synchronous operations ---

// Size returns the number of entries currently in the map.
func (m *ConcurrentKeyedMap[K, V]) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.current)
}

// Get returns the value for k and whether it was present.
func (m *ConcurrentKeyedMap[K, V]) Get(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.current[k]
	return v, ok
}

// Has reports whether k is present.
func (m *ConcurrentKeyedMap[K, V]) Has(k K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.current[k]
	return ok
}

// Keys returns the map's keys in insertion order.
func (m *ConcurrentKeyedMap[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]K, 0, len(m.current))
	for e := m.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(K))
	}
	return keys
}

// Values returns the map's values in insertion order.
func (m *ConcurrentKeyedMap[K, V]) Values() []V {
	m.mu.Lock()
	defer m.mu.Unlock()
	vals := make([]V, 0, len(m.current))
	for e := m.order.Front(); e != nil; e = e.Next() {
		vals = append(vals, m.current[e.Value.(K)])
	}
	return vals
}

// Entries returns the map's key/value pairs in insertion order.
func (m *ConcurrentKeyedMap[K, V]) Entries() []Entry[K, V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]Entry[K, V], 0, len(m.current))
	for e := m.order.Front(); e != nil; e = e.Next() {
		k := e.Value.(K)
		entries = append(entries, Entry[K, V]{Key: k, Value: m.current[k]})
	}
	return entries
}

// ForEach invokes fn for every entry, in insertion order, against a
// single consistent snapshot.
func (m *ConcurrentKeyedMap[K, V]) ForEach(fn func(K, V)) {
	for _, e := range m.Entries() {
		fn(e.Key, e.Value)
	}
}

func (m *ConcurrentKeyedMap[K, V]) setLocked(k K, v V) {
	if _, ok := m.elems[k]; !ok {
		m.elems[k] = m.order.PushBack(k)
	}
	m.current[k] = v
}

func (m *ConcurrentKeyedMap[K, V]) deleteLocked(k K) {
	if el, ok := m.elems[k]; ok {
		m.order.Remove(el)
		delete(m.elems, k)
	}
	delete(m.current, k)
}

// --- per-key serialization protocol ---

func (m *ConcurrentKeyedMap[K, V]) schedule(k K, action actionFn) {
	m.mu.Lock()
	if q, busy := m.pending[k]; busy {
		q.PushBack(action)
		m.mu.Unlock()
		if trace.IsEnabled() {
			trace.Log(context.Background(), "cogate", "keyed map action queued behind busy key")
		}
		return
	}
	m.pending[k] = &deque.Deque[actionFn]{}
	m.mu.Unlock()

	action(func() { m.advance(k) })
}

// advance pops the next queued continuation for k, if any, and
// tail-dispatches it through the Scheduler so a long chain of
// continuations for one busy key never grows the call stack. If the
// queue is empty, k is removed from pending and the key goes idle.
func (m *ConcurrentKeyedMap[K, V]) advance(k K) {
	m.mu.Lock()
	q, ok := m.pending[k]
	if !ok || q.Len() == 0 {
		delete(m.pending, k)
		m.mu.Unlock()
		if trace.IsEnabled() {
			trace.Log(context.Background(), "cogate", "keyed map key went idle")
		}
		return
	}
	next := q.PopFront()
	m.mu.Unlock()

	if trace.IsEnabled() {
		trace.Log(context.Background(), "cogate", "keyed map dispatching next queued action for key")
	}
	m.sched.Defer(func() {
		next(func() { m.advance(k) })
	})
}

// runSerialized runs fn as the next action for k and returns a
// Completion that settles with fn's result once fn's own Completion
// settles. It is a free function, not a method, because it needs a
// type parameter (the result type R) beyond the map's own K and V;
// Go methods cannot introduce additional type parameters.
func runSerialized[K comparable, V comparable, R any](
	m *ConcurrentKeyedMap[K, V],
	k K,
	fn func() *Completion[R],
) *Completion[R] {
	out := newCompletion[R]()
	m.schedule(k, func(advance func()) {
		fn().OnComplete(func(v R, err error) {
			out.settle(v, err)
			advance()
		})
	})
	return out
}

// --- direct mutations ---

// Set enqueues an action that writes v for k and resolves with the
// prior value, or None if k was absent.
func (m *ConcurrentKeyedMap[K, V]) Set(k K, v V) *Completion[Maybe[V]] {
	return runSerialized(m, k, func() *Completion[Maybe[V]] {
		m.mu.Lock()
		old, existed := m.current[k]
		m.setLocked(k, v)
		m.mu.Unlock()
		if existed {
			return Resolved(Some(old))
		}
		return Resolved(None[V]())
	})
}

// Delete enqueues an action that removes k and resolves with its
// prior value, or None if k was absent.
func (m *ConcurrentKeyedMap[K, V]) Delete(k K) *Completion[Maybe[V]] {
	return runSerialized(m, k, func() *Completion[Maybe[V]] {
		m.mu.Lock()
		old, existed := m.current[k]
		if existed {
			m.deleteLocked(k)
		}
		m.mu.Unlock()
		if existed {
			return Resolved(Some(old))
		}
		return Resolved(None[V]())
	})
}

// DeleteIfEqual conditionally deletes k, iff its current value equals
// expected, resolving with whether the delete happened.
func (m *ConcurrentKeyedMap[K, V]) DeleteIfEqual(k K, expected V) *Completion[bool] {
	return runSerialized(m, k, func() *Completion[bool] {
		m.mu.Lock()
		cur, existed := m.current[k]
		match := existed && cur == expected
		if match {
			m.deleteLocked(k)
		}
		m.mu.Unlock()
		return Resolved(match)
	})
}

// SetIfAbsent sets k to v only if k is not already present, resolving
// with the existing value (None if it set v), the conditional
// counterpart to Set.
func (m *ConcurrentKeyedMap[K, V]) SetIfAbsent(k K, v V) *Completion[Maybe[V]] {
	return runSerialized(m, k, func() *Completion[Maybe[V]] {
		m.mu.Lock()
		cur, existed := m.current[k]
		if existed {
			m.mu.Unlock()
			return Resolved(Some(cur))
		}
		m.setLocked(k, v)
		m.mu.Unlock()
		return Resolved(None[V]())
	})
}

// SetIfPresent sets k to v only if k is already present, resolving
// with the prior value (None if k was absent and nothing changed).
func (m *ConcurrentKeyedMap[K, V]) SetIfPresent(k K, v V) *Completion[Maybe[V]] {
	return runSerialized(m, k, func() *Completion[Maybe[V]] {
		m.mu.Lock()
		old, existed := m.current[k]
		if !existed {
			m.mu.Unlock()
			return Resolved(None[V]())
		}
		m.setLocked(k, v)
		m.mu.Unlock()
		return Resolved(Some(old))
	})
}

// Replace sets k to newValue iff its current value equals oldValue,
// resolving with whether the replace happened.
func (m *ConcurrentKeyedMap[K, V]) Replace(k K, oldValue, newValue V) *Completion[bool] {
	return runSerialized(m, k, func() *Completion[bool] {
		m.mu.Lock()
		cur, existed := m.current[k]
		match := existed && cur == oldValue
		if match {
			m.setLocked(k, newValue)
		}
		m.mu.Unlock()
		return Resolved(match)
	})
}

// GetLatest enqueues a no-op behind any action in flight for k and
// resolves with the value then current for k.
func (m *ConcurrentKeyedMap[K, V]) GetLatest(k K) *Completion[Maybe[V]] {
	return runSerialized(m, k, func() *Completion[Maybe[V]] {
		m.mu.Lock()
		v, ok := m.current[k]
		m.mu.Unlock()
		if ok {
			return Resolved(Some(v))
		}
		return Resolved(None[V]())
	})
}

// --- asynchronous compute ---

// ComputeIfAbsent invokes fn(k) and stores its result only if k is not
// already present; if k is present, fn is not invoked and the current
// value is returned.
func (m *ConcurrentKeyedMap[K, V]) ComputeIfAbsent(k K, fn ComputeFunc[K, V]) *Completion[Maybe[V]] {
	return runSerialized(m, k, func() *Completion[Maybe[V]] {
		m.mu.Lock()
		if v, ok := m.current[k]; ok {
			m.mu.Unlock()
			return Resolved(Some(v))
		}
		m.mu.Unlock()

		out := newCompletion[Maybe[V]]()
		fn(k).OnComplete(func(res Maybe[V], err error) {
			if err != nil {
				out.settle(Maybe[V]{}, userComputationError(err))
				return
			}
			if res.Ok {
				m.mu.Lock()
				m.setLocked(k, res.Value)
				m.mu.Unlock()
			}
			out.settle(res, nil)
		})
		return out
	})
}

// ComputeIfPresent invokes fn(k, current) only if k is present;
// interprets an absent (None) result as "delete". If k is absent, fn
// is not invoked and the result resolves to None.
func (m *ConcurrentKeyedMap[K, V]) ComputeIfPresent(k K, fn ComputeIfPresentFunc[K, V]) *Completion[Maybe[V]] {
	return runSerialized(m, k, func() *Completion[Maybe[V]] {
		m.mu.Lock()
		cur, ok := m.current[k]
		m.mu.Unlock()
		if !ok {
			return Resolved(None[V]())
		}

		out := newCompletion[Maybe[V]]()
		fn(k, cur).OnComplete(func(res Maybe[V], err error) {
			if err != nil {
				out.settle(Maybe[V]{}, userComputationError(err))
				return
			}
			m.mu.Lock()
			if res.Ok {
				m.setLocked(k, res.Value)
			} else {
				m.deleteLocked(k)
			}
			m.mu.Unlock()
			out.settle(res, nil)
		})
		return out
	})
}

// Compute always invokes fn(k, current), where current is None if k is
// absent; interprets an absent (None) result as "delete". Unlike
// ComputeIfAbsent, Compute never caches against repeated calls with
// the key already present: callers wanting single-flight-style
// memoization of a key already holding a value should use
// ComputeIfAbsent instead.
func (m *ConcurrentKeyedMap[K, V]) Compute(k K, fn ComputeFullFunc[K, V]) *Completion[Maybe[V]] {
	return runSerialized(m, k, func() *Completion[Maybe[V]] {
		m.mu.Lock()
		cur, ok := m.current[k]
		m.mu.Unlock()
		old := None[V]()
		if ok {
			old = Some(cur)
		}

		out := newCompletion[Maybe[V]]()
		fn(k, old).OnComplete(func(res Maybe[V], err error) {
			if err != nil {
				out.settle(Maybe[V]{}, userComputationError(err))
				return
			}
			m.mu.Lock()
			if res.Ok {
				m.setLocked(k, res.Value)
			} else {
				m.deleteLocked(k)
			}
			m.mu.Unlock()
			out.settle(res, nil)
		})
		return out
	})
}

// Merge sets k to v directly if k is absent, without invoking fn;
// otherwise invokes fn(old, v) and applies its result, interpreting
// an absent (None) result as "delete".
func (m *ConcurrentKeyedMap[K, V]) Merge(k K, v V, fn MergeFunc[V]) *Completion[Maybe[V]] {
	return runSerialized(m, k, func() *Completion[Maybe[V]] {
		m.mu.Lock()
		cur, ok := m.current[k]
		if !ok {
			m.setLocked(k, v)
			m.mu.Unlock()
			return Resolved(Some(v))
		}
		m.mu.Unlock()

		out := newCompletion[Maybe[V]]()
		fn(cur, v).OnComplete(func(res Maybe[V], err error) {
			if err != nil {
				out.settle(Maybe[V]{}, userComputationError(err))
				return
			}
			m.mu.Lock()
			if res.Ok {
				m.setLocked(k, res.Value)
			} else {
				m.deleteLocked(k)
			}
			m.mu.Unlock()
			out.settle(res, nil)
		})
		return out
	})
}

// --- bulk ---

// Clear removes every key currently in the map: Size and every
// snapshot read reflect an empty map as soon as Clear returns, even
// for keys that had an action in flight. A key with an action in
// flight additionally gets a tail delete appended to its queue, so a
// value the in-flight action writes back is cleared too once it
// finishes. The returned Completion resolves once every such tail
// delete has finished; keys added after Clear was called are not
// cleared.
func (m *ConcurrentKeyedMap[K, V]) Clear() *Completion[struct{}] {
	m.mu.Lock()
	keys := make([]K, 0, len(m.current))
	for e := m.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(K))
	}
	busy := make(map[K]bool, len(keys))
	for _, k := range keys {
		if _, ok := m.pending[k]; ok {
			busy[k] = true
		}
		if _, ok := m.current[k]; ok {
			m.deleteLocked(k)
		}
	}
	m.mu.Unlock()

	var tails []*Completion[Maybe[V]]
	for _, k := range keys {
		if busy[k] {
			tails = append(tails, m.Delete(k))
		}
	}

	if trace.IsEnabled() {
		trace.Logf(context.Background(), "cogate", "keyed map cleared %d key(s), %d tail delete(s) pending", len(keys), len(tails))
	}

	out := newCompletion[struct{}]()
	waitAll(tails, func() { out.settle(struct{}{}, nil) })
	return out
}
