package gofat

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/torvikrun/gofat/alloc"
	"github.com/torvikrun/gofat/boot"
	"github.com/torvikrun/gofat/common"
	"github.com/torvikrun/gofat/fatable"
	"github.com/torvikrun/gofat/filelock"
	"github.com/torvikrun/gofat/share"
	"github.com/torvikrun/gofat/txlog"
)

// engineState is the mutable state a FileSystem guards behind its chosen
// share.Kind: the backing device, the parsed boot sector, the FAT
// accessor, the cluster allocator, the FAT32 FSInfo hint, and the dirty
// flag (spec.md §4.12/§5 "Shared resources").
type engineState struct {
	dev    common.Device
	bs     *boot.BootSector
	fsInfo *boot.FSInfo
	fat    *fatable.Table
	alloc  alloc.Allocator
	opts   MountOptions
	dirty  bool

	// locker and txLog are nil unless MountOptions.UseFileLocking /
	// UseTransactionLog select them, keeping the zero-cost default build
	// spec.md §6.4 asks for (both are caller-opt-in features, never
	// engaged automatically by a read/write/directory operation).
	locker   *filelock.Manager
	txLog    *txlog.Log
	dirCache *lru.Cache[string, *DirEntry]
}

// txLogSectorCount is how many logical sectors MaxTransactions fixed-size
// entries occupy, rounding up.
func txLogSectorCount(bytesPerSector uint16) int {
	return (txlog.MaxTransactions*txlog.EntrySize + int(bytesPerSector) - 1) / int(bytesPerSector)
}

// txLogStartSector places the log in the last txLogSectorCount sectors of
// the reserved region, immediately before FirstFATSector. Both Format and
// Mount derive this the same way from bs alone, so nothing needs to be
// persisted on disk to find the log back.
func txLogStartSector(bs *boot.BootSector) uint32 {
	return uint32(bs.FirstFATSector) - uint32(txLogSectorCount(bs.BytesPerSector))
}

func (st *engineState) allocateCluster() (boot.ClusterID, error) {
	cl, err := st.alloc.FindFree(0)
	if err != nil {
		return 0, err
	}
	st.dirty = true
	st.alloc.MarkAllocated(cl)
	return cl, nil
}

func (st *engineState) freeClusters() (uint32, error) {
	if b, ok := st.alloc.(*alloc.Bitmap); ok {
		return b.FreeCount(), nil
	}
	if st.fsInfo != nil && st.fsInfo.FreeClusterCount != 0xFFFFFFFF {
		return st.fsInfo.FreeClusterCount, nil
	}
	var count uint32
	for cl := boot.ClusterID(2); cl < boot.ClusterID(st.bs.TotalClusters+2); cl++ {
		free, err := st.fat.IsFree(cl)
		if err != nil {
			return 0, err
		}
		if free {
			count++
		}
	}
	return count, nil
}

// clusterOffset is the absolute byte offset of a data cluster, the same
// geometry math multiio.clusterByteOffset uses; duplicated here in the root
// package rather than exported from multiio because the root package also
// needs it for directory regions, which aren't multiio's concern.
func clusterOffset(bs *boot.BootSector, cluster boot.ClusterID) int64 {
	index := int64(cluster) - 2
	return int64(bs.FirstDataSector)*int64(bs.BytesPerSector) + index*int64(bs.BytesPerCluster)
}

// FileSystem is a mounted FAT12/16/32 volume (C12), the entry point for
// every directory and file operation. Its shared state is guarded by
// whichever C3 discipline MountOptions.ShareKind selects, exactly as
// spec.md §5 describes: "The byte-stream, FAT cache, cluster bitmap, [...]
// are each wrapped in the chosen Share form", collapsed here into a single
// Share over the whole engine state rather than one per resource, since Go
// has no async suspension model that would make per-resource granularity
// pay for itself the way it might in the source model.
type FileSystem struct {
	shared *share.Share[*engineState]
}

// Mount reads the boot sector from dev, derives geometry, and brings up
// the FAT accessor and cluster allocator, following the sequence spec.md
// §4.12 lays out.
func Mount(dev common.Device, opts MountOptions) (*FileSystem, error) {
	opts = opts.withDefaults()

	sector := make([]byte, 512)
	if err := common.ReadFull(dev, sector, 0); err != nil {
		return nil, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
	}
	bs, err := boot.Parse(sector)
	if err != nil {
		return nil, err
	}

	var fsInfo *boot.FSInfo
	if bs.Type == boot.FAT32 && bs.FSInfoSector != 0 {
		buf := make([]byte, bs.BytesPerSector)
		off := int64(bs.FSInfoSector) * int64(bs.BytesPerSector)
		if err := common.ReadFull(dev, buf, off); err == nil {
			// FreeClusterCount/NextFreeHint are a hint only (spec.md §3); a
			// corrupted FSInfo sector just means mount proceeds without one
			// rather than failing the whole mount.
			if info, perr := boot.ParseFSInfo(buf); perr == nil {
				fsInfo = info
			}
		}
	}

	fat, err := fatable.New(dev, bs, opts.CacheSize)
	if err != nil {
		return nil, err
	}

	var allocator alloc.Allocator
	if opts.UseBitmapAllocator {
		bmp, err := alloc.NewBitmapFromFAT(bs.TotalClusters, fat.IsFree)
		if err != nil {
			return nil, err
		}
		allocator = bmp
	} else {
		allocator = alloc.NewLinear(fat, bs.TotalClusters)
	}

	state := &engineState{
		dev:    dev,
		bs:     bs,
		fsInfo: fsInfo,
		fat:    fat,
		alloc:  allocator,
		opts:   opts,
		dirty:  true,
	}

	if opts.UseFileLocking {
		state.locker = filelock.New()
	}

	if opts.DirCacheSize > 0 {
		cache, err := lru.New[string, *DirEntry](opts.DirCacheSize)
		if err != nil {
			return nil, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput, err.Error())
		}
		state.dirCache = cache
	}

	if opts.UseTransactionLog {
		log := txlog.New(txLogStartSector(bs))
		if err := log.Load(dev); err != nil {
			return nil, err
		}
		// Recovery at mount (spec.md §4.13): roll back every transaction
		// still Pending/InProgress before the volume is handed to a caller.
		if err := txlog.Recover(dev, log); err != nil {
			return nil, err
		}
		state.txLog = log
	}

	return &FileSystem{shared: share.New(opts.ShareKind, state)}, nil
}

// Unmount flushes every piece of dirty state (spec.md §4.12): the FAT
// cache, the FAT32 FSInfo free-count hint, and finally the backing stream.
// The cluster bitmap is deliberately not persisted — it's derived state,
// rebuilt from a fresh FAT sweep on the next mount. Errors from each stage
// are collected rather than short-circuited, so a failure flushing FSInfo
// doesn't hide an earlier failure flushing the FAT.
func (fs *FileSystem) Unmount(ctx context.Context) error {
	h, err := fs.shared.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	st := h.Get()

	var result *multierror.Error
	if err := st.fat.Flush(); err != nil {
		result = multierror.Append(result, err)
	}

	if st.bs.Type == boot.FAT32 && st.fsInfo != nil {
		if free, ferr := st.freeClusters(); ferr != nil {
			result = multierror.Append(result, ferr)
		} else {
			st.fsInfo.FreeClusterCount = free
			buf := st.fsInfo.Serialize(st.bs.BytesPerSector)
			off := int64(st.bs.FSInfoSector) * int64(st.bs.BytesPerSector)
			if err := common.WriteFull(st.dev, buf, off); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	st.dirty = false
	if err := st.dev.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Stats reports the volume's cluster size, total cluster count, and
// current free cluster count (spec.md §4.12/§6.2).
func (fs *FileSystem) Stats(ctx context.Context) (Stats, error) {
	h, err := fs.shared.Acquire(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer h.Release()
	st := h.Get()

	free, err := st.freeClusters()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		ClusterSize:   st.bs.BytesPerCluster,
		TotalClusters: st.bs.TotalClusters,
		FreeClusters:  free,
	}, nil
}

// RootDir returns a handle to the volume's root directory: a real cluster
// chain on FAT32, or the fixed root region on FAT12/16.
func (fs *FileSystem) RootDir(ctx context.Context) (*Dir, error) {
	h, err := fs.shared.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	st := h.Get()

	if st.bs.Type == boot.FAT32 {
		return &Dir{fs: fs, firstCluster: boot.ClusterID(st.bs.RootCluster)}, nil
	}
	return &Dir{fs: fs, fixedRoot: true}, nil
}

// TryLock attempts to acquire an advisory C14 lock on the file identified
// by first cluster, returning false if it's incompatible with a lock
// already held. Locking is entirely caller-driven: the engine never calls
// this itself on open/read/write (spec.md §4.14/§5 "advisory only").
// Returns ErrnoNotImplemented if the mount wasn't opened with
// MountOptions.UseFileLocking.
func (fs *FileSystem) TryLock(ctx context.Context, cluster boot.ClusterID, kind filelock.Kind) (bool, error) {
	h, err := fs.shared.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer h.Release()
	st := h.Get()
	if st.locker == nil {
		return false, common.NewDriverError(common.ErrnoNotImplemented)
	}
	return st.locker.TryLock(cluster, kind), nil
}

// Unlock releases a lock previously acquired with TryLock.
func (fs *FileSystem) Unlock(ctx context.Context, cluster boot.ClusterID, kind filelock.Kind) error {
	h, err := fs.shared.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	st := h.Get()
	if st.locker == nil {
		return common.NewDriverError(common.ErrnoNotImplemented)
	}
	st.locker.Unlock(cluster, kind)
	return nil
}

// WithTransaction runs op under C13 intent-log protection (spec.md §4.3
// "Optional: FileSystem.with_transaction"): it records txType, the sectors
// op is about to touch, and a pre-image backup, persists that intent, runs
// op, and on success commits and clears the slot. If op returns an error
// the slot is left Pending/InProgress for the next mount's recovery scan
// to roll back from backup. If the mount wasn't opened with
// MountOptions.UseTransactionLog, or every log slot is already in use, op
// runs unprotected — transactions are an optional safety net, not a
// correctness requirement (spec.md §4.13 describes recovery as best
// effort, not mandatory).
func (fs *FileSystem) WithTransaction(ctx context.Context, txType txlog.Type, affectedSectors []uint32, backup []byte, op func(dev common.Device) error) error {
	h, err := fs.shared.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	st := h.Get()

	if st.txLog == nil {
		return op(st.dev)
	}

	slot, ok := st.txLog.Begin(txType, affectedSectors, backup, st.opts.TimeProvider().Unix())
	if !ok {
		return op(st.dev)
	}
	if err := st.txLog.WriteIntent(st.dev, slot); err != nil {
		return err
	}
	st.txLog.MarkInProgress(slot)
	if err := st.txLog.WriteIntent(st.dev, slot); err != nil {
		return err
	}
	if err := op(st.dev); err != nil {
		return err
	}
	if err := st.txLog.Commit(st.dev, slot); err != nil {
		return err
	}
	return st.txLog.Clear(st.dev, slot)
}

// Format lays out a brand new volume on dev (spec.md §4.12 "Format
// (mkfs)"): boot sector (and its FAT32 backup copy), FAT copies seeded
// with the reserved entries 0/1, a zeroed root directory region, and, on
// FAT32, an FSInfo sector.
func Format(dev common.Device, opts FormatOptions) error {
	params := boot.FormatParams{
		BytesPerSector:    opts.BytesPerSector,
		SectorsPerCluster: opts.SectorsPerCluster,
		NumFATs:           opts.NumFATs,
		TotalSectors:      opts.TotalSectors,
		VolumeLabel:       opts.VolumeLabel,
		VolumeID:          opts.VolumeID,
	}
	if params.BytesPerSector == 0 {
		params.BytesPerSector = 512
	}
	if params.SectorsPerCluster == 0 {
		params.SectorsPerCluster = 1
	}
	if params.NumFATs == 0 {
		params.NumFATs = 2
	}
	if params.Media == 0 {
		params.Media = 0xF8
	}
	if opts.UseTransactionLog {
		// The reserved region must hold the boot sector, FAT32's fixed
		// FSInfo/backup-boot slots (sectors 1 and 6), and the log itself;
		// 7 covers the former regardless of FAT type.
		minReserved := 7 + txLogSectorCount(params.BytesPerSector)
		if int(params.ReservedSectors) < minReserved {
			params.ReservedSectors = uint16(minReserved)
		}
	}

	bs, err := boot.Format(params)
	if err != nil {
		return err
	}
	if bs.Type == boot.FAT32 && params.ReservedSectors < 7 {
		// FSInfo (sector 1) and the backup boot sector (sector 6) must sit
		// inside the reserved region, ahead of the first FAT.
		params.ReservedSectors = 7
		if bs, err = boot.Format(params); err != nil {
			return err
		}
	}
	if opts.ForcedType != 0 && opts.ForcedType != bs.Type {
		return common.NewDriverErrorWithMessage(common.ErrnoInvalidInput,
			fmt.Sprintf("forced FAT type %s does not match the type %s its size computes to", opts.ForcedType, bs.Type))
	}

	sectorBuf, err := bs.Serialize()
	if err != nil {
		return err
	}
	if err := common.WriteFull(dev, sectorBuf, 0); err != nil {
		return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
	}
	if bs.Type == boot.FAT32 {
		backupOff := int64(bs.BackupBootSector) * int64(bs.BytesPerSector)
		if err := common.WriteFull(dev, sectorBuf, backupOff); err != nil {
			return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
	}

	fatBytes := int(bs.SectorsPerFAT) * int(bs.BytesPerSector)
	fatBuf := make([]byte, fatBytes)
	switch bs.Type {
	case boot.FAT12:
		fatBuf[0] = bs.Media
		fatBuf[1] = 0xFF
		fatBuf[2] = 0xFF
	case boot.FAT16:
		binary.LittleEndian.PutUint16(fatBuf[0:2], 0xFF00|uint16(bs.Media))
		binary.LittleEndian.PutUint16(fatBuf[2:4], 0xFFFF)
	case boot.FAT32:
		binary.LittleEndian.PutUint32(fatBuf[0:4], 0x0FFFFF00|uint32(bs.Media))
		binary.LittleEndian.PutUint32(fatBuf[4:8], 0x0FFFFFFF)
		// Cluster 2 is the root directory on FAT32; it starts life as a
		// single-cluster chain of its own.
		binary.LittleEndian.PutUint32(fatBuf[8:12], 0x0FFFFFFF)
	}
	for i := 0; i < int(bs.NumFATs); i++ {
		off := int64(bs.FirstFATSector)*int64(bs.BytesPerSector) + int64(i)*int64(fatBytes)
		if err := common.WriteFull(dev, fatBuf, off); err != nil {
			return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
	}

	if bs.Type == boot.FAT32 {
		zeroCluster := make([]byte, bs.BytesPerCluster)
		off := int64(bs.FirstDataSector) * int64(bs.BytesPerSector)
		if err := common.WriteFull(dev, zeroCluster, off); err != nil {
			return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
	} else {
		zeroRoot := make([]byte, int(bs.RootDirSectors)*int(bs.BytesPerSector))
		off := int64(bs.FirstRootDirSector) * int64(bs.BytesPerSector)
		if err := common.WriteFull(dev, zeroRoot, off); err != nil {
			return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
	}

	if bs.Type == boot.FAT32 {
		fsInfo := &boot.FSInfo{
			FreeClusterCount: bs.TotalClusters - 1,
			NextFreeHint:     3,
		}
		off := int64(bs.FSInfoSector) * int64(bs.BytesPerSector)
		if err := common.WriteFull(dev, fsInfo.Serialize(bs.BytesPerSector), off); err != nil {
			return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
	}

	if opts.UseTransactionLog {
		log := txlog.New(txLogStartSector(bs))
		if err := log.Initialize(dev); err != nil {
			return err
		}
	}

	return dev.Flush()
}
