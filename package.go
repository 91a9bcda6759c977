// Package cogate provides in-process coordination primitives for a
// single-threaded, cooperative runtime with asynchronous task
// scheduling. It is designed for programs that suspend a logical
// caller at a well-defined point and resume it later from a timer or
// from another caller's release, without needing locks or atomics on
// the primitives' own state from the caller's point of view.
//
// Key components:
//
//   - CountdownBarrier: a one-shot "wait until N countdowns have
//     occurred" gate.
//
//   - CountingSemaphore: batched permit acquisition with optional
//     timed acquisition and FIFO-fair, best-fit release draining.
//
//   - ReadWriteLock: a multi-reader/single-writer lock with a fair or
//     non-fair wake policy and direct upgrade/downgrade between a held
//     read lock and a held write lock.
//
//   - ConcurrentKeyedMap: a map whose mutating operations are
//     serialized per key through an ordered queue of continuations, so
//     asynchronous compute actions on the same key never overlap while
//     actions on different keys proceed independently.
//
// Every suspending operation returns a *Completion[T], the library's
// generic asynchronous completion type: resolvable exactly once with a
// value or an error, either synchronously at the call site or later,
// when a release wakes the waiter or a timer fires. Timed operations
// consume a Clock, the library's timer-service abstraction.
package cogate
