// Package share implements the three ownership disciplines spec.md §4.3 and
// §5 describe for FileSystem-wide shared state (the FAT cache, the cluster
// bitmap, the transaction log, the lock manager, and the backing device
// itself): Direct, Cooperative, and Locked. The rest of the engine is
// written against the Acquire contract only and never cares which one
// backs a given FileSystem.
//
// Go has no async/await suspension model, so "may suspend" (spec.md §5)
// is expressed the straightforward way: Locked's Acquire blocks the calling
// goroutine until the lock is free or ctx is done; Direct never blocks and
// Cooperative panics instead of blocking.
package share

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Kind selects the ownership discipline at construction time.
type Kind int

const (
	// Direct is for single-owner, no-allocation use: Acquire never blocks
	// and never fails. Safe only when the FileSystem is never touched from
	// more than one goroutine at a time.
	Direct Kind = iota
	// Cooperative is for single-threaded cooperative use: Acquire uses a
	// non-blocking try-lock and panics on contention, since in a
	// cooperative single-thread model reentrance indicates a programming
	// error (a suspended call that should have yielded first), not a race.
	Cooperative
	// Locked is for multi-threaded use: Acquire blocks (cancellably, via
	// ctx) until the lock is obtained.
	Locked
)

// Share wraps a value of type T behind one of the three disciplines. The
// zero value is not usable; construct with New.
type Share[T any] struct {
	kind  Kind
	value T

	mu  sync.Mutex   // backs Cooperative's TryLock
	sem *semaphore.Weighted // backs Locked's cancellable Acquire
}

// New constructs a Share wrapping value under the given discipline.
func New[T any](kind Kind, value T) *Share[T] {
	s := &Share[T]{kind: kind, value: value}
	if kind == Locked {
		s.sem = semaphore.NewWeighted(1)
	}
	return s
}

// Handle is a scoped exclusive borrow obtained from Acquire. Call Release
// when done; Handle is not safe for concurrent use from multiple
// goroutines (by construction, exactly one goroutine holds it).
type Handle[T any] struct {
	share *Share[T]
}

// Get returns a pointer to the guarded value for the duration of the
// borrow.
func (h Handle[T]) Get() *T {
	return &h.share.value
}

// Release gives the borrow back. Calling it on a zero Handle panics.
// Calling it more than once does nothing under Direct and is a runtime
// error under Cooperative and Locked.
func (h Handle[T]) Release() {
	switch h.share.kind {
	case Direct:
		// Nothing to release.
	case Cooperative:
		h.share.mu.Unlock()
	case Locked:
		h.share.sem.Release(1)
	}
}

// Acquire obtains exclusive access to the guarded value. For Direct this
// never blocks or fails. For Cooperative it panics if the value is already
// held (reentrant acquire without an intervening Release is a programming
// error under this discipline, per spec.md §5). For Locked it blocks until
// the lock is free or ctx is done.
func (s *Share[T]) Acquire(ctx context.Context) (Handle[T], error) {
	switch s.kind {
	case Direct:
		return Handle[T]{share: s}, nil
	case Cooperative:
		if !s.mu.TryLock() {
			panic("share: reentrant Acquire under the Cooperative discipline")
		}
		return Handle[T]{share: s}, nil
	case Locked:
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return Handle[T]{}, err
		}
		return Handle[T]{share: s}, nil
	default:
		panic("share: unknown Kind")
	}
}
