package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvikrun/gofat/boot"
)

// fakeFAT is a tiny in-memory FATProbe for exercising Linear without a
// real FAT table.
type fakeFAT struct {
	used map[boot.ClusterID]bool
}

func (f *fakeFAT) IsFree(c boot.ClusterID) (bool, error) { return !f.used[c], nil }

func TestLinearFindFreeSkipsUsedClusters(t *testing.T) {
	fat := &fakeFAT{used: map[boot.ClusterID]bool{2: true, 3: true}}
	l := NewLinear(fat, 3)

	cl, err := l.FindFree(0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, cl)
}

func TestLinearReturnsNoSpaceWhenFull(t *testing.T) {
	fat := &fakeFAT{used: map[boot.ClusterID]bool{2: true, 3: true, 4: true}}
	l := NewLinear(fat, 3)
	_, err := l.FindFree(0)
	assert.Error(t, err)
}

func TestLinearFindContiguousFree(t *testing.T) {
	fat := &fakeFAT{used: map[boot.ClusterID]bool{2: true}}
	l := NewLinear(fat, 5)
	cl, err := l.FindContiguousFree(3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cl)
}

func TestBitmapBuildsFromFATSweep(t *testing.T) {
	used := map[boot.ClusterID]bool{3: true, 5: true}
	b, err := NewBitmapFromFAT(5, func(c boot.ClusterID) (bool, error) { return !used[c], nil })
	require.NoError(t, err)
	assert.EqualValues(t, 3, b.FreeCount())
	assert.False(t, b.Dirty())
}

func TestBitmapFindFreeAndMark(t *testing.T) {
	used := map[boot.ClusterID]bool{2: true}
	b, err := NewBitmapFromFAT(4, func(c boot.ClusterID) (bool, error) { return !used[c], nil })
	require.NoError(t, err)

	cl, err := b.FindFree(0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cl)

	b.MarkAllocated(cl)
	assert.True(t, b.Dirty())
	assert.EqualValues(t, 2, b.FreeCount())

	b.MarkFree(cl)
	assert.EqualValues(t, 3, b.FreeCount())
}

func TestBitmapFindContiguousFree(t *testing.T) {
	used := map[boot.ClusterID]bool{4: true}
	b, err := NewBitmapFromFAT(6, func(c boot.ClusterID) (bool, error) { return !used[c], nil })
	require.NoError(t, err)

	cl, err := b.FindContiguousFree(2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, cl)

	_, err = b.FindContiguousFree(10)
	assert.Error(t, err)
}
