// Package filelock implements C14: an optional advisory lock manager for
// open files, keyed by first cluster (spec.md §4.14 "File locking"). It
// has no teacher equivalent (disko leaves concurrent-open semantics to its
// caller); the compatibility table and cleanup-on-release behavior follow
// original_source/fatrs/src/file_locking.rs, re-expressed with a
// sync.Mutex-guarded map in place of its BTreeMap, since Go has no
// no_std/alloc distinction to design around.
package filelock

import (
	"sync"

	"github.com/torvikrun/gofat/boot"
)

// Kind distinguishes a shared (read) lock, which stacks with other shared
// locks, from an exclusive (write) lock, which requires sole ownership.
type Kind int

const (
	Shared Kind = iota
	Exclusive
)

type lockState struct {
	readers   uint32
	exclusive bool
}

func (s lockState) isEmpty() bool { return s.readers == 0 && !s.exclusive }

// Manager tracks advisory locks across every open file on a volume, keyed
// by first cluster (unique per file, the same identity File uses to track
// its own position).
type Manager struct {
	mu    sync.Mutex
	locks map[boot.ClusterID]*lockState
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{locks: make(map[boot.ClusterID]*lockState)}
}

// TryLock attempts to acquire kind on cluster, returning false rather than
// blocking if incompatible with the lock(s) already held (spec.md §4.14's
// compatibility table: shared stacks with shared, exclusive requires no
// other lock of either kind).
func (m *Manager) TryLock(cluster boot.ClusterID, kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.locks[cluster]
	if !ok {
		state = &lockState{}
		m.locks[cluster] = state
	}

	switch kind {
	case Shared:
		if state.exclusive {
			if state.isEmpty() {
				delete(m.locks, cluster)
			}
			return false
		}
		state.readers++
	case Exclusive:
		if state.exclusive || state.readers > 0 {
			if state.isEmpty() {
				delete(m.locks, cluster)
			}
			return false
		}
		state.exclusive = true
	}
	return true
}

// Unlock releases one instance of kind on cluster, removing the cluster's
// entry entirely once no locks of either kind remain so the map doesn't
// grow unbounded over a long-lived mount.
func (m *Manager) Unlock(cluster boot.ClusterID, kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.locks[cluster]
	if !ok {
		return
	}
	switch kind {
	case Shared:
		if state.readers > 0 {
			state.readers--
		}
	case Exclusive:
		state.exclusive = false
	}
	if state.isEmpty() {
		delete(m.locks, cluster)
	}
}

// IsLocked reports whether cluster currently has any lock held, shared or
// exclusive.
func (m *Manager) IsLocked(cluster boot.ClusterID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.locks[cluster]
	return ok && !state.isEmpty()
}

// LockedFileCount returns how many distinct files currently hold a lock.
func (m *Manager) LockedFileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
