package txlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDevice is a minimal in-memory common.Device, the same small helper
// fatable/fat_test.go defines, for exercising the log in isolation.
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

func TestEntryCRC32RoundTrips(t *testing.T) {
	e := Entry{Magic: magic, Version: version, TxType: FATUpdate, TxState: Pending, Sequence: 7, Timestamp: 1000}
	e.SectorCount = 2
	e.AffectedSectors[0] = 10
	e.AffectedSectors[1] = 11
	copy(e.BackupData[:], []byte("pre-image"))
	e.CRC32 = e.calculateCRC32()

	buf := e.Serialize()
	require.Len(t, buf, EntrySize)

	decoded, err := parseEntry(buf)
	require.NoError(t, err)
	assert.True(t, decoded.IsValid())
	assert.Equal(t, e.TxType, decoded.TxType)
	assert.Equal(t, e.Sequence, decoded.Sequence)
	assert.Equal(t, e.AffectedSectors, decoded.AffectedSectors)
}

func TestEntryInvalidCRCDetected(t *testing.T) {
	e := newEmptyEntry()
	buf := e.Serialize()
	// Corrupt a byte inside the payload without touching the trailing CRC
	// field, simulating a torn write.
	buf[10] ^= 0xFF

	decoded, err := parseEntry(buf)
	require.NoError(t, err)
	assert.False(t, decoded.IsValid())
}

func TestLogInitializeAndLoad(t *testing.T) {
	dev := newMemDevice(MaxTransactions * EntrySize)
	l := New(0)
	require.NoError(t, l.Initialize(dev))

	l2 := New(0)
	require.NoError(t, l2.Load(dev))
	for _, e := range l2.entries {
		assert.Equal(t, Empty, e.TxState)
		assert.True(t, e.IsValid())
	}
	assert.Empty(t, l2.Incomplete())
}

func TestLogBeginWriteIntentCommitClear(t *testing.T) {
	dev := newMemDevice(MaxTransactions * EntrySize)
	l := New(0)
	require.NoError(t, l.Initialize(dev))

	slot, ok := l.Begin(FATUpdate, []uint32{5}, []byte("backup"), 42)
	require.True(t, ok)
	require.NoError(t, l.WriteIntent(dev, slot))

	l2 := New(0)
	require.NoError(t, l2.Load(dev))
	incomplete := l2.Incomplete()
	require.Len(t, incomplete, 1)
	assert.Equal(t, Pending, incomplete[0].TxState)
	assert.Equal(t, FATUpdate, incomplete[0].TxType)

	l.MarkInProgress(slot)
	require.NoError(t, l.WriteIntent(dev, slot))
	require.NoError(t, l.Commit(dev, slot))
	require.NoError(t, l.Clear(dev, slot))

	l3 := New(0)
	require.NoError(t, l3.Load(dev))
	assert.Empty(t, l3.Incomplete())
}

func TestLogBeginExhaustsSlots(t *testing.T) {
	dev := newMemDevice(MaxTransactions * EntrySize)
	l := New(0)
	require.NoError(t, l.Initialize(dev))

	for i := 0; i < MaxTransactions; i++ {
		_, ok := l.Begin(DirEntryUpdate, nil, nil, int64(i))
		require.True(t, ok)
	}
	_, ok := l.Begin(DirEntryUpdate, nil, nil, 99)
	assert.False(t, ok, "every slot is in use, Begin should report no room rather than overwrite one")
}

func TestRecoverRollsBackInProgressFromBackup(t *testing.T) {
	dev := newMemDevice(MaxTransactions*EntrySize + 4*EntrySize)
	l := New(0)
	require.NoError(t, l.Initialize(dev))

	original := []byte("original-sector-bytes")
	slot, ok := l.Begin(DirEntryUpdate, []uint32{uint32(MaxTransactions)}, original, 1)
	require.True(t, ok)
	require.NoError(t, l.WriteIntent(dev, slot))
	l.MarkInProgress(slot)
	require.NoError(t, l.WriteIntent(dev, slot))

	// Simulate a half-applied write clobbering the affected sector.
	corrupted := make([]byte, EntrySize)
	for i := range corrupted {
		corrupted[i] = 0xAA
	}
	sectorOff := int64(MaxTransactions) * EntrySize
	copy(dev.data[sectorOff:], corrupted)

	l2 := New(0)
	require.NoError(t, l2.Load(dev))
	require.NoError(t, Recover(dev, l2))

	restored := dev.data[sectorOff : sectorOff+int64(len(original))]
	assert.Equal(t, original, restored)
	assert.Empty(t, l2.Incomplete())
}
