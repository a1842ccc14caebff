package gofat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvikrun/gofat/common"
	"github.com/torvikrun/gofat/filelock"
	"github.com/torvikrun/gofat/txlog"
)

// memDevice is the same small in-memory common.Device helper fatable and
// txlog test files define, kept package-local rather than shared through a
// dependency on testutil (which itself depends on this package).
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

func formatFAT12(t *testing.T, opts FormatOptions) *memDevice {
	t.Helper()
	dev := newMemDevice(2000 * 512)
	opts.BytesPerSector = 512
	opts.SectorsPerCluster = 1
	opts.TotalSectors = 2000
	opts.NumFATs = 2
	require.NoError(t, Format(dev, opts))
	return dev
}

func TestFormatMountRootDir(t *testing.T) {
	ctx := context.Background()
	dev := formatFAT12(t, FormatOptions{})

	fs, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	stats, err := fs.Stats(ctx)
	require.NoError(t, err)
	assert.Greater(t, stats.TotalClusters, uint32(0))
	assert.Equal(t, stats.TotalClusters, stats.FreeClusters)

	root, err := fs.RootDir(ctx)
	require.NoError(t, err)
	entries, err := root.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, fs.Unmount(ctx))
}

func TestCreateWriteReadFile(t *testing.T) {
	ctx := context.Background()
	dev := formatFAT12(t, FormatOptions{})
	fs, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	root, err := fs.RootDir(ctx)
	require.NoError(t, err)

	f, err := root.CreateFile(ctx, "HELLO.TXT")
	require.NoError(t, err)

	payload := []byte("hello, fat world")
	n, err := f.Write(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, f.Close(ctx))

	f2, err := root.OpenFile(ctx, "HELLO.TXT")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), f2.Size())

	buf := make([]byte, len(payload))
	n2, err := f2.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n2)
	assert.Equal(t, payload, buf)

	entries, err := root.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "HELLO.TXT", entries[0].Name)
}

func TestCreateDirAndNestedFile(t *testing.T) {
	ctx := context.Background()
	dev := formatFAT12(t, FormatOptions{})
	fs, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	root, err := fs.RootDir(ctx)
	require.NoError(t, err)

	sub, err := root.CreateDir(ctx, "SUBDIR")
	require.NoError(t, err)

	f, err := sub.CreateFile(ctx, "NESTED.TXT")
	require.NoError(t, err)
	_, err = f.Write(ctx, []byte("nested"))
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	reopened, err := root.OpenDir(ctx, "SUBDIR")
	require.NoError(t, err)
	entries, err := reopened.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "NESTED.TXT", entries[0].Name)
}

func TestRenameAndRemove(t *testing.T) {
	ctx := context.Background()
	dev := formatFAT12(t, FormatOptions{})
	fs, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	root, err := fs.RootDir(ctx)
	require.NoError(t, err)

	_, err = root.CreateFile(ctx, "OLD.TXT")
	require.NoError(t, err)

	require.NoError(t, root.Rename(ctx, "OLD.TXT", root, "NEW.TXT"))

	_, err = root.Find(ctx, "OLD.TXT")
	assert.Error(t, err)

	de, err := root.Find(ctx, "NEW.TXT")
	require.NoError(t, err)
	assert.Equal(t, "NEW.TXT", de.Name)

	require.NoError(t, root.Remove(ctx, "NEW.TXT"))
	_, err = root.Find(ctx, "NEW.TXT")
	assert.Error(t, err)
}

func TestLongFileNameRoundTrips(t *testing.T) {
	ctx := context.Background()
	dev := formatFAT12(t, FormatOptions{})
	fs, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	root, err := fs.RootDir(ctx)
	require.NoError(t, err)

	_, err = root.CreateFile(ctx, "a long file name.txt")
	require.NoError(t, err)

	de, err := root.Find(ctx, "a long file name.txt")
	require.NoError(t, err)
	assert.Equal(t, "a long file name.txt", de.Name)
	assert.NotEqual(t, de.Name, de.ShortName)
}

func TestDirCacheServesRepeatedLookups(t *testing.T) {
	ctx := context.Background()
	dev := formatFAT12(t, FormatOptions{})
	fs, err := Mount(dev, MountOptions{DirCacheSize: 16})
	require.NoError(t, err)

	root, err := fs.RootDir(ctx)
	require.NoError(t, err)
	_, err = root.CreateFile(ctx, "CACHED.TXT")
	require.NoError(t, err)

	first, err := root.Find(ctx, "CACHED.TXT")
	require.NoError(t, err)
	second, err := root.Find(ctx, "CACHED.TXT")
	require.NoError(t, err)
	assert.Equal(t, first.Name, second.Name)

	require.NoError(t, root.Remove(ctx, "CACHED.TXT"))
	_, err = root.Find(ctx, "CACHED.TXT")
	assert.Error(t, err, "cache must be invalidated by Remove")
}

func TestFileLockingCompatibility(t *testing.T) {
	ctx := context.Background()
	dev := formatFAT12(t, FormatOptions{})
	fs, err := Mount(dev, MountOptions{UseFileLocking: true})
	require.NoError(t, err)

	root, err := fs.RootDir(ctx)
	require.NoError(t, err)
	f, err := root.CreateFile(ctx, "LOCKED.TXT")
	require.NoError(t, err)
	cluster := f.Cluster()

	ok, err := fs.TryLock(ctx, cluster, filelock.Shared)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fs.TryLock(ctx, cluster, filelock.Exclusive)
	require.NoError(t, err)
	assert.False(t, ok, "exclusive must be refused while a shared lock is held")

	require.NoError(t, fs.Unlock(ctx, cluster, filelock.Shared))
	ok, err = fs.TryLock(ctx, cluster, filelock.Exclusive)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileLockingDisabledByDefault(t *testing.T) {
	ctx := context.Background()
	dev := formatFAT12(t, FormatOptions{})
	fs, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	_, err = fs.TryLock(ctx, 2, filelock.Shared)
	assert.Error(t, err)
}

func TestWithTransactionCommitsAndClearsSlot(t *testing.T) {
	ctx := context.Background()
	dev := formatFAT12(t, FormatOptions{UseTransactionLog: true})
	fs, err := Mount(dev, MountOptions{UseTransactionLog: true})
	require.NoError(t, err)

	ran := false
	err = fs.WithTransaction(ctx, txlog.FATUpdate, []uint32{10}, nil, func(d common.Device) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	require.NoError(t, fs.Unmount(ctx))
	fs2, err := Mount(dev, MountOptions{UseTransactionLog: true})
	require.NoError(t, err)
	require.NoError(t, fs2.Unmount(ctx))
}

func TestWithTransactionCleanUnmountLeavesNoInFlightSlot(t *testing.T) {
	ctx := context.Background()
	dev := formatFAT12(t, FormatOptions{UseTransactionLog: true})
	fs, err := Mount(dev, MountOptions{UseTransactionLog: true})
	require.NoError(t, err)

	root, err := fs.RootDir(ctx)
	require.NoError(t, err)
	_, err = root.CreateFile(ctx, "PRE.TXT")
	require.NoError(t, err)
	require.NoError(t, fs.Unmount(ctx))

	fs2, err := Mount(dev, MountOptions{UseTransactionLog: true})
	require.NoError(t, err)
	root2, err := fs2.RootDir(ctx)
	require.NoError(t, err)
	entries, err := root2.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "PRE.TXT", entries[0].Name)
}

func TestRecoveryRollsBackInProgressTransactionAtMount(t *testing.T) {
	ctx := context.Background()
	dev := formatFAT12(t, FormatOptions{UseTransactionLog: true})
	fs, err := Mount(dev, MountOptions{UseTransactionLog: true})
	require.NoError(t, err)

	h, err := fs.shared.Acquire(ctx)
	require.NoError(t, err)
	st := h.Get()

	affectedSector := uint32(st.bs.FirstFATSector)
	original := make([]byte, int(st.bs.BytesPerSector))
	require.NoError(t, common.ReadFull(st.dev, original, int64(affectedSector)*int64(st.bs.BytesPerSector)))

	slot, ok := st.txLog.Begin(txlog.FATUpdate, []uint32{affectedSector}, original, 1)
	require.True(t, ok)
	require.NoError(t, st.txLog.WriteIntent(st.dev, slot))
	st.txLog.MarkInProgress(slot)
	require.NoError(t, st.txLog.WriteIntent(st.dev, slot))

	// Simulate a crash partway through applying the FAT update.
	corrupted := make([]byte, len(original))
	for i := range corrupted {
		corrupted[i] = 0xAA
	}
	require.NoError(t, common.WriteFull(st.dev, corrupted, int64(affectedSector)*int64(st.bs.BytesPerSector)))
	h.Release()

	fs2, err := Mount(dev, MountOptions{UseTransactionLog: true})
	require.NoError(t, err)

	h2, err := fs2.shared.Acquire(ctx)
	require.NoError(t, err)
	restored := make([]byte, len(original))
	require.NoError(t, common.ReadFull(h2.Get().dev, restored, int64(affectedSector)*int64(st.bs.BytesPerSector)))
	h2.Release()

	assert.Equal(t, original[:min(len(original), 200)], restored[:min(len(original), 200)],
		"recovery should restore the backed-up pre-image bytes for the affected sector")
}
