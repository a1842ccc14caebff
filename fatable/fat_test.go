package fatable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvikrun/gofat/boot"
)

// memDevice is a minimal in-memory common.Device for exercising the FAT
// accessor in isolation, without pulling in the testutil package (which
// depends on fatable indirectly through the root package).
type memDevice struct {
	data []byte
}

func newMemDevice(size int) *memDevice { return &memDevice{data: make([]byte, size)} }

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.data[off:])
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(d.data[off:], p)
	return n, nil
}

func (d *memDevice) Flush() error { return nil }

func fat16BootSector() *boot.BootSector {
	bs, err := boot.Format(boot.FormatParams{
		BytesPerSector:    512,
		SectorsPerCluster: 1,
		TotalSectors:      65536,
		NumFATs:           2,
	})
	if err != nil {
		panic(err)
	}
	return bs
}

func fat12BootSector() *boot.BootSector {
	bs, err := boot.Format(boot.FormatParams{
		BytesPerSector:    512,
		SectorsPerCluster: 1,
		TotalSectors:      2000,
		NumFATs:           2,
	})
	if err != nil {
		panic(err)
	}
	return bs
}

func TestFAT16GetSetRoundTrips(t *testing.T) {
	bs := fat16BootSector()
	require.Equal(t, boot.FAT16, bs.Type)
	dev := newMemDevice(int(bs.TotalSectors32) * int(bs.BytesPerSector))
	table, err := New(dev, bs, 0)
	require.NoError(t, err)

	require.NoError(t, table.Set(2, DataValue(3)))
	require.NoError(t, table.Set(3, EndOfChainValue))

	v2, err := table.Get(2)
	require.NoError(t, err)
	assert.True(t, v2.IsData())
	assert.EqualValues(t, 3, v2.Next())

	v3, err := table.Get(3)
	require.NoError(t, err)
	assert.True(t, v3.IsEndOfChain())
}

func TestFAT16WritesMirrorAcrossCopies(t *testing.T) {
	bs := fat16BootSector()
	dev := newMemDevice(int(bs.TotalSectors32) * int(bs.BytesPerSector))
	table, err := New(dev, bs, 0)
	require.NoError(t, err)
	require.NoError(t, table.Set(5, DataValue(6)))

	copy0Off := int64(bs.FirstFATSector) * int64(bs.BytesPerSector)
	copy1Off := copy0Off + int64(bs.SectorsPerFAT)*int64(bs.BytesPerSector)
	assert.Equal(t, dev.data[copy0Off+10:copy0Off+12], dev.data[copy1Off+10:copy1Off+12])
}

func TestFAT12StraddlingEntries(t *testing.T) {
	bs := fat12BootSector()
	require.Equal(t, boot.FAT12, bs.Type)
	dev := newMemDevice(int(bs.TotalSectors32) * int(bs.BytesPerSector))
	table, err := New(dev, bs, 0)
	require.NoError(t, err)

	// Set a run of consecutive clusters, including an odd-even boundary,
	// and confirm each reads back independently (the classic FAT12 test:
	// verify a write to one nibble-packed entry doesn't clobber its
	// neighbor).
	require.NoError(t, table.Set(2, DataValue(3)))
	require.NoError(t, table.Set(3, DataValue(4)))
	require.NoError(t, table.Set(4, EndOfChainValue))

	v2, err := table.Get(2)
	require.NoError(t, err)
	assert.True(t, v2.IsData())
	assert.EqualValues(t, 3, v2.Next())

	v3, err := table.Get(3)
	require.NoError(t, err)
	assert.True(t, v3.IsData())
	assert.EqualValues(t, 4, v3.Next())

	v4, err := table.Get(4)
	require.NoError(t, err)
	assert.True(t, v4.IsEndOfChain())
}

func TestCacheHitMissCounters(t *testing.T) {
	bs := fat16BootSector()
	dev := newMemDevice(int(bs.TotalSectors32) * int(bs.BytesPerSector))
	table, err := New(dev, bs, DefaultCacheSize)
	require.NoError(t, err)

	require.NoError(t, table.Set(2, DataValue(3)))
	_, err = table.Get(2)
	require.NoError(t, err)

	hits, misses := table.Stats()
	assert.Greater(t, hits+misses, uint64(0))
}

func TestChainWalkAndTruncate(t *testing.T) {
	bs := fat16BootSector()
	dev := newMemDevice(int(bs.TotalSectors32) * int(bs.BytesPerSector))
	table, err := New(dev, bs, 0)
	require.NoError(t, err)

	require.NoError(t, table.Set(2, DataValue(3)))
	require.NoError(t, table.Set(3, DataValue(4)))
	require.NoError(t, table.Set(4, EndOfChainValue))

	clusters, err := Clusters(table, 2)
	require.NoError(t, err)
	assert.Equal(t, []boot.ClusterID{2, 3, 4}, clusters)

	newFirst, err := Truncate(table, 2, 2, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, newFirst)

	v3, err := table.Get(3)
	require.NoError(t, err)
	assert.True(t, v3.IsEndOfChain())

	v4, err := table.Get(4)
	require.NoError(t, err)
	assert.True(t, v4.IsFree())
}

func TestChainDetectsCorruption(t *testing.T) {
	bs := fat16BootSector()
	dev := newMemDevice(int(bs.TotalSectors32) * int(bs.BytesPerSector))
	table, err := New(dev, bs, 0)
	require.NoError(t, err)

	require.NoError(t, table.Set(2, DataValue(1))) // cluster 1 is Reserved

	_, err = Clusters(table, 2)
	assert.Error(t, err)
}
