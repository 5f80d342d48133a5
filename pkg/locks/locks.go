// Package locks provides the reader/writer capability shards are guarded
// with: a small RW backend contract, three backends (sync.RWMutex, a
// spinlock, a reader-striped lock), and a Locked wrapper that ties one
// value to one backend and hands out scoped guards.
//
// Recursive read locking is not supported by any backend; like
// sync.RWMutex, a reader that re-acquires while a writer waits can
// deadlock.
package locks

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ErrPoisoned marks a lock whose writer failed while holding it.
var ErrPoisoned = fmt.Errorf("lock holder failed while holding write access")

// RW is the reader/writer contract a lock backend provides.
// *sync.RWMutex satisfies it unmodified.
type RW interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
	TryLock() bool
	TryRLock() bool
}

var _ RW = (*sync.RWMutex)(nil)

// NewMutex returns the default backend, a bare *sync.RWMutex.
func NewMutex() RW {
	return new(sync.RWMutex)
}

// Locked owns one value and the lock guarding it. A panic that unwinds
// through a deferred write guard Release poisons the lock; every later
// acquire fails loudly instead of handing out state a failed writer may
// have left half mutated. Read guards never poison.
type Locked[T any] struct {
	mu       RW
	poisoned atomic.Bool
	value    T
}

// NewLocked wraps value behind mu. A nil mu selects NewMutex.
func NewLocked[T any](value T, mu RW) *Locked[T] {
	if mu == nil {
		mu = NewMutex()
	}
	return &Locked[T]{mu: mu, value: value}
}

// Read blocks until shared access is available.
func (l *Locked[T]) Read() ReadGuard[T] {
	l.mu.RLock()
	if l.poisoned.Load() {
		l.mu.RUnlock()
		log.Panic().Err(ErrPoisoned).Msg("read acquire on poisoned lock")
	}
	return ReadGuard[T]{lock: l}
}

// TryRead is Read without blocking. ok is false when the acquire would
// have blocked.
func (l *Locked[T]) TryRead() (ReadGuard[T], bool) {
	if !l.mu.TryRLock() {
		return ReadGuard[T]{}, false
	}
	if l.poisoned.Load() {
		l.mu.RUnlock()
		log.Panic().Err(ErrPoisoned).Msg("read acquire on poisoned lock")
	}
	return ReadGuard[T]{lock: l}, true
}

// Write blocks until exclusive access is available.
func (l *Locked[T]) Write() WriteGuard[T] {
	l.mu.Lock()
	if l.poisoned.Load() {
		l.mu.Unlock()
		log.Panic().Err(ErrPoisoned).Msg("write acquire on poisoned lock")
	}
	return WriteGuard[T]{lock: l}
}

// TryWrite is Write without blocking.
func (l *Locked[T]) TryWrite() (WriteGuard[T], bool) {
	if !l.mu.TryLock() {
		return WriteGuard[T]{}, false
	}
	if l.poisoned.Load() {
		l.mu.Unlock()
		log.Panic().Err(ErrPoisoned).Msg("write acquire on poisoned lock")
	}
	return WriteGuard[T]{lock: l}, true
}

// Poisoned reports whether a writer failed while holding the lock.
func (l *Locked[T]) Poisoned() bool {
	return l.poisoned.Load()
}

// ReadGuard grants shared access to the guarded value until Release.
type ReadGuard[T any] struct {
	lock *Locked[T]
}

// Value returns the guarded value. The pointer must not be used after
// Release, and shared access means it must not be written through.
func (g ReadGuard[T]) Value() *T {
	return &g.lock.value
}

// Release returns shared access. Call it exactly once per guard.
func (g ReadGuard[T]) Release() {
	g.lock.mu.RUnlock()
}

// WriteGuard grants exclusive access to the guarded value until Release.
type WriteGuard[T any] struct {
	lock *Locked[T]
}

// Value returns the guarded value. The pointer must not be used after
// Release.
func (g WriteGuard[T]) Value() *T {
	return &g.lock.value
}

// Release returns exclusive access. When it runs as the deferred call of a
// panicking goroutine it poisons the lock and re-panics; poisoning is only
// detected when Release itself is the deferred function, so hold guards
// with `defer g.Release()`.
func (g WriteGuard[T]) Release() {
	if r := recover(); r != nil {
		g.lock.poisoned.Store(true)
		g.lock.mu.Unlock()
		panic(r)
	}
	g.lock.mu.Unlock()
}

// Poison marks the value poisoned and releases exclusive access. Guard
// wrappers whose own deferred release observes an in-flight panic call
// Poison before re-panicking, since recover only fires in the function
// the runtime defers into.
func (g WriteGuard[T]) Poison() {
	g.lock.poisoned.Store(true)
	g.lock.mu.Unlock()
}
