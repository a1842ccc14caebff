package gofat

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/torvikrun/gofat/boot"
	"github.com/torvikrun/gofat/common"
	"github.com/torvikrun/gofat/dirent"
	"github.com/torvikrun/gofat/fatable"
)

// Dir is a handle to one directory on a mounted volume (C10): either the
// fixed FAT12/16 root region, or a normal cluster-chain directory (the
// FAT32 root included).
type Dir struct {
	fs           *FileSystem
	firstCluster boot.ClusterID
	fixedRoot    bool
}

// forEachSlot visits every 32-byte slot in the directory in on-disk order,
// stopping early if visit returns false. It hands the callback both the
// decoded Raw (valid for any slot, short or LFN, since the attribute byte
// lands in the same place in both layouts) and the raw 32 bytes, which a
// caller needs verbatim to pass to dirent.DecodeLFN for an LFN slot.
func (d *Dir) forEachSlot(st *engineState, visit func(addr slotAddr, raw dirent.Raw, rawBytes []byte) (keepGoing bool, err error)) error {
	buf := make([]byte, dirent.Size)

	visitRegion := func(cluster boot.ClusterID, base int64, slotCount int) (bool, error) {
		for i := 0; i < slotCount; i++ {
			off := base + int64(i)*dirent.Size
			if err := common.ReadFull(st.dev, buf, off); err != nil {
				return false, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
			}
			raw, err := dirent.ParseRaw(buf)
			if err != nil {
				return false, err
			}
			keepGoing, err := visit(slotAddr{cluster: cluster, index: i}, raw, buf)
			if err != nil {
				return false, err
			}
			if !keepGoing {
				return false, nil
			}
		}
		return true, nil
	}

	if d.fixedRoot {
		base := int64(st.bs.FirstRootDirSector) * int64(st.bs.BytesPerSector)
		slotCount := int(st.bs.RootDirSectors) * int(st.bs.BytesPerSector) / dirent.Size
		_, err := visitRegion(0, base, slotCount)
		return err
	}

	chain := fatable.NewChain(st.fat, d.firstCluster)
	for {
		cl, ok, err := chain.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		keepGoing, err := visitRegion(cl, clusterOffset(st.bs, cl), int(st.bs.DirentsPerCluster))
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
}

// slotByteOffset is the absolute device byte offset of a slot address.
func (d *Dir) slotByteOffset(st *engineState, addr slotAddr) int64 {
	if addr.cluster == 0 {
		return int64(st.bs.FirstRootDirSector)*int64(st.bs.BytesPerSector) + int64(addr.index)*dirent.Size
	}
	return clusterOffset(st.bs, addr.cluster) + int64(addr.index)*dirent.Size
}

// parentClusterForChild is what a child subdirectory's ".." entry should
// point to: 0 if this directory is the root (fixed, or FAT32's root, whose
// cluster is still a real cluster, but the convention is that ".." names
// cluster 0 when its parent is the root), or this directory's own first
// cluster otherwise.
func (d *Dir) parentClusterForChild(st *engineState) boot.ClusterID {
	if d.fixedRoot || (st.bs.Type == boot.FAT32 && uint32(d.firstCluster) == st.bs.RootCluster) {
		return 0
	}
	return d.firstCluster
}

type scannedEntry struct {
	short    dirent.Raw
	shortAt  slotAddr
	lfnBytes [][]byte // highest-ordinal slot first, in on-disk order
	lfnAddrs []slotAddr
}

// scanLive walks the whole directory, reassembling each short entry with
// its preceding run of LFN slots (spec.md §4.9 "Long File Names"). It
// skips deleted slots, the "." and ".." entries and the volume-label entry,
// and stops at the first free (0x00) slot.
func (d *Dir) scanLive(st *engineState) ([]scannedEntry, error) {
	var out []scannedEntry
	var pendingLFN [][]byte
	var pendingAddrs []slotAddr

	err := d.forEachSlot(st, func(addr slotAddr, raw dirent.Raw, rawBytes []byte) (bool, error) {
		if raw.IsFree() {
			return false, nil
		}
		if raw.IsDeleted() {
			pendingLFN = nil
			pendingAddrs = nil
			return true, nil
		}
		if raw.IsLFNSlot() {
			cp := make([]byte, dirent.Size)
			copy(cp, rawBytes)
			pendingLFN = append(pendingLFN, cp)
			pendingAddrs = append(pendingAddrs, addr)
			return true, nil
		}
		if raw.AttributeFlags&dirent.AttrVolumeLabel != 0 {
			pendingLFN = nil
			pendingAddrs = nil
			return true, nil
		}
		if raw.Name[0] == '.' {
			// "." and ".." markers (spec.md "The iterator skips ./.., deleted
			// entries (0xE5), and stops at the 0x00 terminator"): a leading
			// dot byte is reserved for these and never a legal short-name lead
			// byte otherwise, so this is the same check Remove already uses
			// by decoding the name.
			pendingLFN = nil
			pendingAddrs = nil
			return true, nil
		}

		entry := scannedEntry{short: raw, shortAt: addr}
		if len(pendingLFN) > 0 {
			entry.lfnBytes = pendingLFN
			entry.lfnAddrs = pendingAddrs
		}
		pendingLFN = nil
		pendingAddrs = nil
		out = append(out, entry)
		return true, nil
	})
	return out, err
}

func (d *Dir) toDirEntry(st *engineState, se scannedEntry) (*DirEntry, error) {
	shortName, err := dirent.DecodeShortName(se.short, st.opts.OEMCodec)
	if err != nil {
		return nil, err
	}
	longName := ""
	if len(se.lfnBytes) > 0 {
		checksum := dirent.ShortNameChecksum(se.short.Name, se.short.Extension)
		if name, err := dirent.DecodeLFN(se.lfnBytes, checksum); err == nil {
			longName = name
		}
	}
	return newDirEntryFromRaw(se.short, longName, shortName, se.shortAt, se.lfnAddrs), nil
}

// Entries lists the directory's live members (spec.md §4.10 "List").
func (d *Dir) Entries(ctx context.Context) ([]*DirEntry, error) {
	h, err := d.fs.shared.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	st := h.Get()

	scanned, err := d.scanLive(st)
	if err != nil {
		return nil, err
	}
	out := make([]*DirEntry, 0, len(scanned))
	for _, se := range scanned {
		de, err := d.toDirEntry(st, se)
		if err != nil {
			return nil, err
		}
		out = append(out, de)
	}
	return out, nil
}

func namesEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// dirCacheKey identifies this directory plus a case-folded name, the unit
// the optional dir-entry cache (spec.md §6.4 "dir-cache") is keyed by.
func (d *Dir) dirCacheKey(name string) string {
	root := "c"
	if d.fixedRoot {
		root = "r"
	}
	return root + ":" + strconv.FormatUint(uint64(d.firstCluster), 10) + ":" + strings.ToUpper(name)
}

// invalidateDirCache drops every cached lookup. Mutations (create, delete,
// rename) purge the whole cache rather than tracking which keys they
// touched; directory mutations are comparatively rare next to lookups, so
// the simplicity is worth the occasional unnecessary refill.
func (d *Dir) invalidateDirCache(st *engineState) {
	if st.dirCache != nil {
		st.dirCache.Purge()
	}
}

func (d *Dir) findEntryLocked(st *engineState, name string) (*DirEntry, error) {
	if st.dirCache != nil {
		if de, ok := st.dirCache.Get(d.dirCacheKey(name)); ok {
			return de, nil
		}
	}

	scanned, err := d.scanLive(st)
	if err != nil {
		return nil, err
	}
	for _, se := range scanned {
		de, err := d.toDirEntry(st, se)
		if err != nil {
			return nil, err
		}
		if namesEqual(de.Name, name) || namesEqual(de.ShortName, name) {
			if st.dirCache != nil {
				st.dirCache.Add(d.dirCacheKey(name), de)
			}
			return de, nil
		}
	}
	return nil, common.NewDriverError(common.ErrnoNotFound)
}

// Find looks up a single direct child by name (spec.md §4.10 "Lookup"),
// matching the long name case-insensitively, falling back to the short
// name.
func (d *Dir) Find(ctx context.Context, name string) (*DirEntry, error) {
	h, err := d.fs.shared.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return d.findEntryLocked(h.Get(), name)
}

// childDir builds a Dir handle for a directory DirEntry.
func (d *Dir) childDir(de *DirEntry) *Dir {
	return &Dir{fs: d.fs, firstCluster: de.FirstCluster}
}

// OpenDir resolves a slash-separated path (relative to this directory) to
// a subdirectory handle.
func (d *Dir) OpenDir(ctx context.Context, path string) (*Dir, error) {
	parts := splitPath(path)
	cur := d
	for _, part := range parts {
		de, err := cur.Find(ctx, part)
		if err != nil {
			return nil, err
		}
		if !de.IsDir {
			return nil, common.NewDriverError(common.ErrnoNotDir)
		}
		cur = cur.childDir(de)
	}
	return cur, nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// resolveParent walks every path component but the last, returning the
// immediate parent Dir and the final component's name.
func (d *Dir) resolveParent(ctx context.Context, path string) (*Dir, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", common.NewDriverErrorWithMessage(common.ErrnoInvalidInput, "empty path")
	}
	parent := d
	if len(parts) > 1 {
		sub, err := d.OpenDir(ctx, strings.Join(parts[:len(parts)-1], "/"))
		if err != nil {
			return nil, "", err
		}
		parent = sub
	}
	return parent, parts[len(parts)-1], nil
}

// OpenFile resolves path to a File handle open for reading and writing.
func (d *Dir) OpenFile(ctx context.Context, path string) (*File, error) {
	parent, name, err := d.resolveParent(ctx, path)
	if err != nil {
		return nil, err
	}

	h, err := d.fs.shared.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	st := h.Get()

	de, err := parent.findEntryLocked(st, name)
	if err != nil {
		return nil, err
	}
	if de.IsDir {
		return nil, common.NewDriverError(common.ErrnoIsDir)
	}
	return newFileHandle(d.fs, parent, de), nil
}

// findFreeRun scans the directory for `need` consecutive reusable slots
// (free, or deleted and not yet reused), returning the address of the
// first one. It grows the chain (fixed root directories can't grow) if
// the existing capacity runs dry.
func (d *Dir) findFreeRun(st *engineState, need int) (slotAddr, error) {
	var runStart slotAddr
	runLen := 0
	haveStart := false

	var found *slotAddr
	err := d.forEachSlot(st, func(addr slotAddr, raw dirent.Raw, _ []byte) (bool, error) {
		if raw.IsFree() || raw.IsDeleted() {
			if !haveStart {
				runStart = addr
				haveStart = true
			}
			runLen++
			if runLen >= need {
				found = &runStart
				return false, nil
			}
			return true, nil
		}
		haveStart = false
		runLen = 0
		return true, nil
	})
	if err != nil {
		return slotAddr{}, err
	}
	if found != nil {
		return *found, nil
	}

	if d.fixedRoot {
		return slotAddr{}, common.NewDriverError(common.ErrnoNoSpace)
	}
	start, err := d.growChain(st)
	if err != nil {
		return slotAddr{}, err
	}
	return start, nil
}

// growChain appends a freshly zeroed cluster to the directory's chain
// (allocating it as this directory's only cluster if it was previously
// empty) and returns the address of its first slot.
func (d *Dir) growChain(st *engineState) (slotAddr, error) {
	newCluster, err := st.allocateCluster()
	if err != nil {
		return slotAddr{}, err
	}

	if d.firstCluster == 0 {
		d.firstCluster = newCluster
	} else {
		tail := d.firstCluster
		chain := fatable.NewChain(st.fat, d.firstCluster)
		for {
			cl, ok, cerr := chain.Next()
			if cerr != nil {
				return slotAddr{}, cerr
			}
			if !ok {
				break
			}
			tail = cl
		}
		if err := st.fat.Set(tail, fatable.DataValue(newCluster)); err != nil {
			return slotAddr{}, err
		}
	}
	if err := st.fat.Set(newCluster, fatable.EndOfChainValue); err != nil {
		return slotAddr{}, err
	}

	zero := make([]byte, st.bs.BytesPerCluster)
	if err := common.WriteFull(st.dev, zero, clusterOffset(st.bs, newCluster)); err != nil {
		return slotAddr{}, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
	}
	return slotAddr{cluster: newCluster, index: 0}, nil
}

// writeSlots serializes a run of raw byte slices (a short entry, possibly
// preceded by LFN slots) starting at addr.
func (d *Dir) writeSlots(st *engineState, addr slotAddr, slots [][]byte) error {
	chainClusters, err := d.slotAddrRun(st, addr, len(slots))
	if err != nil {
		return err
	}
	for i, raw := range slots {
		off := d.slotByteOffset(st, chainClusters[i])
		if err := common.WriteFull(st.dev, raw, off); err != nil {
			return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
	}
	return nil
}

// slotAddrRun expands a starting slot address into `count` consecutive
// slot addresses, crossing into the next cluster of the chain as needed.
// Callers only use this after findFreeRun already guaranteed the region is
// free, so it never needs to grow the chain itself.
func (d *Dir) slotAddrRun(st *engineState, start slotAddr, count int) ([]slotAddr, error) {
	out := make([]slotAddr, 0, count)
	addr := start
	slotsPerRegion := int(st.bs.DirentsPerCluster)
	if d.fixedRoot {
		slotsPerRegion = int(st.bs.RootDirSectors) * int(st.bs.BytesPerSector) / dirent.Size
	}

	cluster := addr.cluster
	for len(out) < count {
		out = append(out, slotAddr{cluster: cluster, index: addr.index})
		addr.index++
		if addr.index >= slotsPerRegion {
			if d.fixedRoot {
				return nil, common.NewDriverError(common.ErrnoNoSpace)
			}
			val, err := st.fat.Get(cluster)
			if err != nil {
				return nil, err
			}
			if !val.IsData() {
				return nil, common.NewDriverErrorWithMessage(common.ErrnoIO, "directory slot run spans past end of chain")
			}
			cluster = val.Next()
			addr.index = 0
		}
	}
	return out, nil
}

// buildSlots encodes a short entry (and, if needed, its LFN run) for
// name, in on-disk order: LFN slots highest-ordinal first, then the short
// entry last.
func buildSlots(st *engineState, name string, attrs uint8, existingShort func(base [8]byte, ext [3]byte) bool) ([][]byte, dirent.Raw, error) {
	base, ext, err := dirent.EncodeShortName(name, st.opts.OEMCodec)
	needsLFN := err != nil || name != strings.ToUpper(name)
	if needsLFN {
		base, ext, err = dirent.GenerateShortAlias(name, existingShort)
		if err != nil {
			return nil, dirent.Raw{}, err
		}
	}

	raw := dirent.Raw{Name: base, Extension: ext, AttributeFlags: attrs}
	slots := make([][]byte, 0, 1)
	if needsLFN {
		checksum := dirent.ShortNameChecksum(base, ext)
		slots = append(slots, dirent.EncodeLFN(name, checksum)...)
	}
	slots = append(slots, raw.Serialize())
	return slots, raw, nil
}

func (d *Dir) shortNameExists(st *engineState, base [8]byte, ext [3]byte) bool {
	scanned, err := d.scanLive(st)
	if err != nil {
		return true // conservative: force a different alias rather than risk a collision
	}
	for _, se := range scanned {
		if se.short.Name == base && se.short.Extension == ext {
			return true
		}
	}
	return false
}

func (d *Dir) createEntry(ctx context.Context, name string, attrs uint8, firstCluster boot.ClusterID, size uint32) (*DirEntry, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput, "invalid entry name")
	}

	h, err := d.fs.shared.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	st := h.Get()

	if st.opts.ReadOnly {
		return nil, common.NewDriverError(common.ErrnoReadOnly)
	}
	if _, err := d.findEntryLocked(st, name); err == nil {
		return nil, common.NewDriverError(common.ErrnoExists)
	}

	slots, raw, err := buildSlots(st, name, attrs, func(b [8]byte, e [3]byte) bool { return d.shortNameExists(st, b, e) })
	if err != nil {
		return nil, err
	}
	raw.SetFirstCluster(firstCluster)
	raw.FileSize = size
	slots[len(slots)-1] = raw.Serialize()

	addr, err := d.findFreeRun(st, len(slots))
	if err != nil {
		return nil, err
	}
	if err := d.writeSlots(st, addr, slots); err != nil {
		return nil, err
	}

	run, err := d.slotAddrRun(st, addr, len(slots))
	if err != nil {
		return nil, err
	}
	shortAddr := run[len(run)-1]

	now := st.opts.TimeProvider()
	editor := dirent.NewEditor(shortAddr.cluster, shortAddr.index, raw)
	editor.SetCreated(now)
	editor.Touch(now)
	finalRaw := editor.Raw()
	if err := common.WriteFull(st.dev, finalRaw.Serialize(), d.slotByteOffset(st, shortAddr)); err != nil {
		return nil, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
	}

	var lfnAddrs []slotAddr
	if len(run) > 1 {
		lfnAddrs = run[:len(run)-1]
	}
	shortName, _ := dirent.DecodeShortName(finalRaw, st.opts.OEMCodec)
	d.invalidateDirCache(st)
	return newDirEntryFromRaw(finalRaw, name, shortName, shortAddr, lfnAddrs), nil
}

// CreateFile creates a new, empty file as a direct child of this
// directory (spec.md §4.10 "Create file").
func (d *Dir) CreateFile(ctx context.Context, name string) (*File, error) {
	de, err := d.createEntry(ctx, name, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return newFileHandle(d.fs, d, de), nil
}

// dotEntry builds the hand-constructed "." or ".." entry a freshly
// allocated subdirectory's first cluster starts with; dirent.EncodeShortName
// mishandles these literal names because of its base/extension dot
// splitting, so they're built directly instead.
func dotEntry(dots string, firstCluster boot.ClusterID, now time.Time) dirent.Raw {
	var name [8]byte
	for i := range name {
		name[i] = ' '
	}
	copy(name[:], dots)
	raw := dirent.Raw{
		Name:           name,
		Extension:      [3]byte{' ', ' ', ' '},
		AttributeFlags: dirent.AttrDirectory,
	}
	datePart, timePart, hundredths := dirent.TimeToParts(now)
	raw.CreatedDate, raw.CreatedTime, raw.CreatedTimeMillis = datePart, timePart, hundredths
	raw.LastModifiedDate, raw.LastModifiedTime = datePart, timePart
	raw.LastAccessedDate = datePart
	raw.SetFirstCluster(firstCluster)
	return raw
}

// CreateDir creates a new, empty subdirectory as a direct child of this
// directory, seeded with "." and ".." entries (spec.md §4.10 "Create
// directory").
func (d *Dir) CreateDir(ctx context.Context, name string) (*Dir, error) {
	h, err := d.fs.shared.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	st := h.Get()
	if st.opts.ReadOnly {
		h.Release()
		return nil, common.NewDriverError(common.ErrnoReadOnly)
	}

	newCluster, err := st.allocateCluster()
	if err != nil {
		h.Release()
		return nil, err
	}
	if err := st.fat.Set(newCluster, fatable.EndOfChainValue); err != nil {
		h.Release()
		return nil, err
	}
	zero := make([]byte, st.bs.BytesPerCluster)
	if err := common.WriteFull(st.dev, zero, clusterOffset(st.bs, newCluster)); err != nil {
		h.Release()
		return nil, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
	}
	h.Release()

	if _, err := d.createEntry(ctx, name, dirent.AttrDirectory, newCluster, 0); err != nil {
		return nil, err
	}

	h2, err := d.fs.shared.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	st2 := h2.Get()
	now := st2.opts.TimeProvider()

	dotSelf := dotEntry(".", newCluster, now)
	dotParent := dotEntry("..", d.parentClusterForChild(st2), now)
	buf := make([]byte, 2*dirent.Size)
	copy(buf[0:dirent.Size], dotSelf.Serialize())
	copy(buf[dirent.Size:2*dirent.Size], dotParent.Serialize())
	off := clusterOffset(st2.bs, newCluster)
	if err := common.WriteFull(st2.dev, buf, off); err != nil {
		h2.Release()
		return nil, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
	}
	h2.Release()

	return d.childDirByCluster(newCluster), nil
}

func (d *Dir) childDirByCluster(cluster boot.ClusterID) *Dir {
	return &Dir{fs: d.fs, firstCluster: cluster}
}

// Remove deletes a direct child by name (spec.md §4.10 "Delete"). A
// non-empty directory is refused with ErrnoNotEmpty unless the caller
// only ever removes an empty one; there is no recursive delete.
func (d *Dir) Remove(ctx context.Context, name string) error {
	h, err := d.fs.shared.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	st := h.Get()
	if st.opts.ReadOnly {
		return common.NewDriverError(common.ErrnoReadOnly)
	}

	scanned, err := d.scanLive(st)
	if err != nil {
		return err
	}
	var target *scannedEntry
	for i := range scanned {
		se := &scanned[i]
		shortName, derr := dirent.DecodeShortName(se.short, st.opts.OEMCodec)
		if derr != nil {
			continue
		}
		longName := ""
		if len(se.lfnBytes) > 0 {
			checksum := dirent.ShortNameChecksum(se.short.Name, se.short.Extension)
			if n, derr := dirent.DecodeLFN(se.lfnBytes, checksum); derr == nil {
				longName = n
			}
		}
		if namesEqual(shortName, name) || (longName != "" && namesEqual(longName, name)) {
			target = se
			break
		}
	}
	if target == nil {
		return common.NewDriverError(common.ErrnoNotFound)
	}

	if target.short.AttributeFlags&dirent.AttrDirectory != 0 {
		child := d.childDirByCluster(target.short.FirstCluster())
		entries, err := child.scanLive(st)
		if err != nil {
			return err
		}
		for _, ce := range entries {
			n, _ := dirent.DecodeShortName(ce.short, st.opts.OEMCodec)
			if n != "." && n != ".." {
				return common.NewDriverError(common.ErrnoNotEmpty)
			}
		}
		if err := fatable.Free(st.fat, target.short.FirstCluster(), freeFnFor(st)); err != nil {
			return err
		}
	} else if target.short.FirstCluster() != 0 {
		if err := fatable.Free(st.fat, target.short.FirstCluster(), freeFnFor(st)); err != nil {
			return err
		}
	}

	if err := d.markSlotsDeleted(st, target); err != nil {
		return err
	}
	d.invalidateDirCache(st)
	return nil
}

func freeFnFor(st *engineState) func(boot.ClusterID) error {
	return func(cl boot.ClusterID) error {
		st.alloc.MarkFree(cl)
		return nil
	}
}

func (d *Dir) markSlotsDeleted(st *engineState, target *scannedEntry) error {
	editor := dirent.NewEditor(target.shortAt.cluster, target.shortAt.index, target.short)
	editor.MarkDeleted()
	if err := common.WriteFull(st.dev, editor.Raw().Serialize(), d.slotByteOffset(st, target.shortAt)); err != nil {
		return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
	}
	for _, addr := range target.lfnAddrs {
		zero := make([]byte, dirent.Size)
		zero[0] = sentinelDeleted
		if err := common.WriteFull(st.dev, zero, d.slotByteOffset(st, addr)); err != nil {
			return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
	}
	return nil
}

// Rename moves a direct child of this directory to a (possibly different)
// directory under a (possibly different) name (spec.md §4.10 "Rename /
// move"). Implemented as create-at-destination-then-delete-at-source
// rather than an in-place slot rewrite, so a short rename and a full
// cross-directory move share one code path.
func (d *Dir) Rename(ctx context.Context, name string, dst *Dir, newName string) error {
	h, err := d.fs.shared.Acquire(ctx)
	if err != nil {
		return err
	}
	st := h.Get()
	if st.opts.ReadOnly {
		h.Release()
		return common.NewDriverError(common.ErrnoReadOnly)
	}
	src, err := d.findEntryLocked(st, name)
	h.Release()
	if err != nil {
		return err
	}

	if _, err := dst.createEntry(ctx, newName, src.raw.AttributeFlags, src.FirstCluster, src.raw.FileSize); err != nil {
		return err
	}

	if src.IsDir {
		h3, err := d.fs.shared.Acquire(ctx)
		if err != nil {
			return err
		}
		st3 := h3.Get()
		dotDotOff := clusterOffset(st3.bs, src.FirstCluster) + dirent.Size
		buf := make([]byte, dirent.Size)
		if err := common.ReadFull(st3.dev, buf, dotDotOff); err != nil {
			h3.Release()
			return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
		raw, err := dirent.ParseRaw(buf)
		if err != nil {
			h3.Release()
			return err
		}
		raw.SetFirstCluster(dst.parentClusterForChild(st3))
		if err := common.WriteFull(st3.dev, raw.Serialize(), dotDotOff); err != nil {
			h3.Release()
			return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
		h3.Release()
	}

	h2, err := d.fs.shared.Acquire(ctx)
	if err != nil {
		return err
	}
	st2 := h2.Get()
	scanned, err := d.scanLive(st2)
	if err != nil {
		h2.Release()
		return err
	}
	for i := range scanned {
		if scanned[i].shortAt == src.shortAddr {
			err := d.markSlotsDeleted(st2, &scanned[i])
			d.invalidateDirCache(st2)
			h2.Release()
			return err
		}
	}
	h2.Release()
	return common.NewDriverError(common.ErrnoNotFound)
}
