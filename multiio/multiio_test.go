package multiio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvikrun/gofat/boot"
	"github.com/torvikrun/gofat/fatable"
)

type memDevice struct{ data []byte }

func newMemDevice(size int) *memDevice { return &memDevice{data: make([]byte, size)} }

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, d.data[off:]), nil
}
func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.data[off:], p), nil
}
func (d *memDevice) Flush() error { return nil }

func smallFAT16(t *testing.T) (*boot.BootSector, *memDevice, *fatable.Table) {
	t.Helper()
	bs, err := boot.Format(boot.FormatParams{
		BytesPerSector:    512,
		SectorsPerCluster: 1,
		TotalSectors:      65536,
		NumFATs:           2,
	})
	require.NoError(t, err)
	dev := newMemDevice(int(bs.TotalSectors32) * int(bs.BytesPerSector))
	table, err := fatable.New(dev, bs, 0)
	require.NoError(t, err)
	return bs, dev, table
}

func TestPlanRunDetectsContiguousExtent(t *testing.T) {
	_, _, table := smallFAT16(t)
	require.NoError(t, table.Set(2, fatable.DataValue(3)))
	require.NoError(t, table.Set(3, fatable.DataValue(4)))
	require.NoError(t, table.Set(4, fatable.EndOfChainValue))

	p := NewPlanner(table)
	run, err := p.PlanRun(2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, run.First)
	assert.Equal(t, 3, run.Count)
}

func TestPlanRunStopsAtNonContiguousBoundary(t *testing.T) {
	_, _, table := smallFAT16(t)
	require.NoError(t, table.Set(2, fatable.DataValue(10)))
	require.NoError(t, table.Set(10, fatable.EndOfChainValue))

	p := NewPlanner(table)
	run, err := p.PlanRun(2)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Count)
}

func TestReadWriteRunRoundTrips(t *testing.T) {
	bs, dev, table := smallFAT16(t)
	require.NoError(t, table.Set(2, fatable.DataValue(3)))
	require.NoError(t, table.Set(3, fatable.EndOfChainValue))

	run := Run{First: 2, Count: 2}
	payload := make([]byte, RunByteLen(bs, run))
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, WriteRun(dev, bs, run, payload))

	out := make([]byte, len(payload))
	require.NoError(t, ReadRun(dev, bs, run, out))
	assert.Equal(t, payload, out)
}
