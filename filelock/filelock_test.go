package filelock

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/torvikrun/gofat/boot"
)

func TestSharedLocksAllowMultipleReaders(t *testing.T) {
	m := New()
	const cluster = boot.ClusterID(100)

	assert.True(t, m.TryLock(cluster, Shared))
	assert.True(t, m.TryLock(cluster, Shared))
	assert.True(t, m.TryLock(cluster, Shared))
	assert.True(t, m.IsLocked(cluster))
}

func TestExclusiveLockBlocksShared(t *testing.T) {
	m := New()
	const cluster = boot.ClusterID(100)

	assert.True(t, m.TryLock(cluster, Exclusive))
	assert.False(t, m.TryLock(cluster, Shared))
}

func TestSharedLockBlocksExclusive(t *testing.T) {
	m := New()
	const cluster = boot.ClusterID(100)

	assert.True(t, m.TryLock(cluster, Shared))
	assert.False(t, m.TryLock(cluster, Exclusive))
}

func TestExclusiveLockBlocksExclusive(t *testing.T) {
	m := New()
	const cluster = boot.ClusterID(100)

	assert.True(t, m.TryLock(cluster, Exclusive))
	assert.False(t, m.TryLock(cluster, Exclusive))
}

func TestUnlockShared(t *testing.T) {
	m := New()
	const cluster = boot.ClusterID(100)

	assert.True(t, m.TryLock(cluster, Shared))
	assert.True(t, m.TryLock(cluster, Shared))

	m.Unlock(cluster, Shared)
	assert.False(t, m.TryLock(cluster, Exclusive))

	m.Unlock(cluster, Shared)
	assert.True(t, m.TryLock(cluster, Exclusive))
}

func TestUnlockExclusive(t *testing.T) {
	m := New()
	const cluster = boot.ClusterID(100)

	assert.True(t, m.TryLock(cluster, Exclusive))
	m.Unlock(cluster, Exclusive)

	assert.False(t, m.IsLocked(cluster))
	assert.True(t, m.TryLock(cluster, Shared))
}

func TestDifferentFilesIndependent(t *testing.T) {
	m := New()
	const cluster1 = boot.ClusterID(100)
	const cluster2 = boot.ClusterID(200)

	assert.True(t, m.TryLock(cluster1, Exclusive))
	assert.True(t, m.TryLock(cluster2, Exclusive))
	assert.False(t, m.TryLock(cluster2, Shared))
	assert.Equal(t, 2, m.LockedFileCount())
}

func TestCleanupOnUnlock(t *testing.T) {
	m := New()
	const cluster = boot.ClusterID(100)

	assert.True(t, m.TryLock(cluster, Shared))
	assert.Equal(t, 1, m.LockedFileCount())

	m.Unlock(cluster, Shared)
	assert.Equal(t, 0, m.LockedFileCount())
	assert.False(t, m.IsLocked(cluster))
}
