// Package testutil builds in-memory, already-formatted volumes for tests
// across the module, following the teacher's testing/images.go (a
// bytesextra-backed seekable buffer wrapped for direct use rather than a
// real block device). Where the teacher decompresses recorded DOS disk
// images, this package has no equivalent fixtures to decompress, so it
// formats volumes on the fly through Format/Mount instead.
package testutil

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/torvikrun/gofat"
	"github.com/torvikrun/gofat/common"
)

// seekerDevice adapts an io.ReadWriteSeeker to common.Device's ReadAt/WriteAt
// contract, the way the teacher's BlockCache sits on top of the same
// bytesextra seeker for its own block-addressed reads and writes.
type seekerDevice struct {
	mu  sync.Mutex
	rws io.ReadWriteSeeker
}

func (d *seekerDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.rws.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(d.rws, p)
}

func (d *seekerDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.rws.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return d.rws.Write(p)
}

func (d *seekerDevice) Flush() error { return nil }

// NewMemDevice returns a common.Device backed by a zeroed in-memory buffer
// of the given size, suitable for Format/Mount in tests.
func NewMemDevice(size int) common.Device {
	return &seekerDevice{rws: bytesextra.NewReadWriteSeeker(make([]byte, size))}
}

// FormatFAT12 formats and mounts a small FAT12 volume (the smallest geometry
// that exercises a full root directory and at least one data cluster run),
// returning both the backing device (for crash/recovery tests that poke at
// raw sectors) and the mounted FileSystem.
func FormatFAT12(t *testing.T, fopts gofat.FormatOptions, mopts gofat.MountOptions) (common.Device, *gofat.FileSystem) {
	t.Helper()
	if fopts.BytesPerSector == 0 {
		fopts.BytesPerSector = 512
	}
	if fopts.SectorsPerCluster == 0 {
		fopts.SectorsPerCluster = 1
	}
	if fopts.TotalSectors == 0 {
		fopts.TotalSectors = 2000
	}
	if fopts.NumFATs == 0 {
		fopts.NumFATs = 2
	}
	dev := NewMemDevice(int(fopts.TotalSectors) * int(fopts.BytesPerSector))
	require.NoError(t, gofat.Format(dev, fopts))
	fs, err := gofat.Mount(dev, mopts)
	require.NoError(t, err)
	return dev, fs
}

// FormatFAT16 formats and mounts a volume large enough to classify as
// FAT16 (more than 4084 clusters, per boot.Format's thresholds).
func FormatFAT16(t *testing.T, fopts gofat.FormatOptions, mopts gofat.MountOptions) (common.Device, *gofat.FileSystem) {
	t.Helper()
	if fopts.BytesPerSector == 0 {
		fopts.BytesPerSector = 512
	}
	if fopts.SectorsPerCluster == 0 {
		fopts.SectorsPerCluster = 4
	}
	if fopts.TotalSectors == 0 {
		fopts.TotalSectors = 100000
	}
	if fopts.NumFATs == 0 {
		fopts.NumFATs = 2
	}
	dev := NewMemDevice(int(fopts.TotalSectors) * int(fopts.BytesPerSector))
	require.NoError(t, gofat.Format(dev, fopts))
	fs, err := gofat.Mount(dev, mopts)
	require.NoError(t, err)
	return dev, fs
}

// FormatFAT32 formats and mounts a volume large enough to classify as
// FAT32 (more than 65524 clusters).
func FormatFAT32(t *testing.T, fopts gofat.FormatOptions, mopts gofat.MountOptions) (common.Device, *gofat.FileSystem) {
	t.Helper()
	if fopts.BytesPerSector == 0 {
		fopts.BytesPerSector = 512
	}
	if fopts.SectorsPerCluster == 0 {
		fopts.SectorsPerCluster = 8
	}
	if fopts.TotalSectors == 0 {
		fopts.TotalSectors = 600000
	}
	if fopts.NumFATs == 0 {
		fopts.NumFATs = 2
	}
	dev := NewMemDevice(int(fopts.TotalSectors) * int(fopts.BytesPerSector))
	require.NoError(t, gofat.Format(dev, fopts))
	fs, err := gofat.Mount(dev, mopts)
	require.NoError(t, err)
	return dev, fs
}
