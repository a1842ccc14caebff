package gofat

import (
	"context"
	"io"
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/torvikrun/gofat/boot"
	"github.com/torvikrun/gofat/common"
	"github.com/torvikrun/gofat/dirent"
	"github.com/torvikrun/gofat/fatable"
	"github.com/torvikrun/gofat/multiio"
)

// maxCheckpoints bounds how many (cluster_index, cluster) pairs a File
// remembers for C11 seek acceleration (spec.md §4.11 "bounded checkpoint
// table"); entries are recorded at exponentially spaced cluster indices so
// a handful of slots still shorten a walk across a very long chain.
const maxCheckpoints = 8

type checkpoint struct {
	index   int
	cluster boot.ClusterID
}

// File is an open handle to one file's data and directory entry (C11),
// tracking a read/write cursor and an Editor for its metadata.
type File struct {
	fs     *FileSystem
	dir    *Dir
	editor *dirent.Editor

	firstCluster boot.ClusterID
	offset       uint32
	checkpoints  []checkpoint
}

func newFileHandle(fs *FileSystem, dir *Dir, de *DirEntry) *File {
	editor := dirent.NewEditor(de.shortAddr.cluster, de.shortAddr.index, de.raw)
	return &File{
		fs:           fs,
		dir:          dir,
		editor:       editor,
		firstCluster: de.FirstCluster,
	}
}

// Size returns the file's current declared length.
func (f *File) Size() int64 { return f.editor.Size() }

// Cluster returns the file's first cluster, the key FileSystem.TryLock and
// FileSystem.Unlock use to identify it (spec.md §4.14).
func (f *File) Cluster() boot.ClusterID { return f.firstCluster }

// maybeCheckpoint records (index, cluster) once the handle has walked far
// enough past the last recorded checkpoint to be worth remembering,
// following spec.md §4.11's exponential spacing (8, 16, 32, ...) capped at
// maxCheckpoints entries.
func (f *File) maybeCheckpoint(st *engineState, index int, cluster boot.ClusterID) {
	if !st.opts.SeekCheckpoints {
		return
	}
	if len(f.checkpoints) >= maxCheckpoints {
		return
	}
	nextThreshold := 8
	for _, cp := range f.checkpoints {
		_ = cp
		nextThreshold *= 2
	}
	if index < nextThreshold {
		return
	}
	f.checkpoints = append(f.checkpoints, checkpoint{index: index, cluster: cluster})
}

// clusterForOffset walks the chain from the nearest recorded checkpoint at
// or before clusterIndex (or from first_cluster if none applies). There is
// no incremental "advance by one from the last access" tracking, just a
// fresh walk from the best available start point every time, relying on
// fatable.Table's own sector cache to keep repeated Get calls cheap.
func (f *File) clusterForOffset(st *engineState, clusterIndex int) (boot.ClusterID, error) {
	start := f.firstCluster
	startIndex := 0
	for _, cp := range f.checkpoints {
		if cp.index <= clusterIndex && cp.index >= startIndex {
			start = cp.cluster
			startIndex = cp.index
		}
	}
	if start == 0 {
		return 0, common.NewDriverError(common.ErrnoInvalidInput)
	}

	cluster := start
	for i := startIndex; i < clusterIndex; i++ {
		val, err := st.fat.Get(cluster)
		if err != nil {
			return 0, err
		}
		if !val.IsData() {
			return 0, common.NewDriverErrorWithMessage(common.ErrnoIO, "offset past end of cluster chain")
		}
		cluster = val.Next()
	}
	f.maybeCheckpoint(st, clusterIndex, cluster)
	return cluster, nil
}

// clusterForOffsetOrExtend behaves like clusterForOffset but, for a write
// that runs past the file's current chain, allocates and links new
// clusters to reach clusterIndex.
func (f *File) clusterForOffsetOrExtend(st *engineState, clusterIndex int) (boot.ClusterID, error) {
	if f.firstCluster == 0 {
		cl, err := st.allocateCluster()
		if err != nil {
			return 0, err
		}
		if err := st.fat.Set(cl, fatable.EndOfChainValue); err != nil {
			return 0, err
		}
		f.firstCluster = cl
		f.editor.SetFirstCluster(cl)
	}

	cluster := f.firstCluster
	for i := 0; i < clusterIndex; i++ {
		val, err := st.fat.Get(cluster)
		if err != nil {
			return 0, err
		}
		if val.IsData() {
			cluster = val.Next()
			continue
		}
		newCluster, err := st.allocateCluster()
		if err != nil {
			return 0, err
		}
		if err := st.fat.Set(newCluster, fatable.EndOfChainValue); err != nil {
			return 0, err
		}
		if err := st.fat.Set(cluster, fatable.DataValue(newCluster)); err != nil {
			return 0, err
		}
		cluster = newCluster
	}
	return cluster, nil
}

// Read reads up to len(p) bytes starting at the handle's current offset,
// returning io.EOF once the file's declared size is reached (spec.md
// §4.11 "Read").
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	h, err := f.fs.shared.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	st := h.Get()

	size := uint32(f.editor.Size())
	if f.offset >= size {
		return 0, io.EOF
	}
	want := len(p)
	if remaining := int(size - f.offset); want > remaining {
		want = remaining
	}
	if want == 0 {
		return 0, io.EOF
	}

	clusterSize := int(st.bs.BytesPerCluster)
	n := 0
	for n < want {
		clusterIndex := int(f.offset) / clusterSize
		posInCluster := int(f.offset) % clusterSize

		if st.opts.UseMultiClusterIO && posInCluster == 0 && (want-n) >= clusterSize {
			cluster, err := f.clusterForOffset(st, clusterIndex)
			if err != nil {
				return n, err
			}
			planner := multiio.NewPlanner(st.fat)
			run, err := planner.PlanRun(cluster)
			if err != nil {
				return n, err
			}
			// The enclosing condition guarantees remaining >= clusterSize, so
			// capping to whole clusters here never collapses to zero.
			if remaining := want - n; int(multiio.RunByteLen(st.bs, run)) > remaining {
				run.Count = remaining / clusterSize
			}
			buf := make([]byte, multiio.RunByteLen(st.bs, run))
			if err := multiio.ReadRun(st.dev, st.bs, run, buf); err != nil {
				return n, err
			}
			copy(p[n:], buf)
			n += len(buf)
			f.offset += uint32(len(buf))
			f.checkpoints = nil
			continue
		}

		cluster, err := f.clusterForOffset(st, clusterIndex)
		if err != nil {
			return n, err
		}
		avail := clusterSize - posInCluster
		chunk := avail
		if remaining := want - n; chunk > remaining {
			chunk = remaining
		}
		buf := make([]byte, chunk)
		off := clusterOffset(st.bs, cluster) + int64(posInCluster)
		if err := common.ReadFull(st.dev, buf, off); err != nil {
			return n, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
		copy(p[n:], buf)
		n += chunk
		f.offset += uint32(chunk)
	}

	if st.opts.UpdateAccessedDate {
		f.editor.TouchAccessed(st.opts.TimeProvider())
		if err := f.flushEditorLocked(st); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Write writes len(p) bytes starting at the handle's current offset,
// extending the file's cluster chain and declared size as needed (spec.md
// §4.11 "Write"). Partial-cluster writes read-modify-write to avoid
// clobbering bytes outside the written range; full-cluster-aligned writes
// go straight to disk.
func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	h, err := f.fs.shared.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	st := h.Get()

	if st.opts.ReadOnly {
		return 0, common.NewDriverError(common.ErrnoReadOnly)
	}

	// File-size cap (spec.md §4.11 "Write"): a FAT directory entry's size
	// field is a 32-bit byte count, so a file can't grow past math.MaxUint32
	// bytes. Writing at the cap makes no progress instead of wrapping f.offset.
	if f.offset >= math.MaxUint32 {
		return 0, nil
	}
	if remaining := uint32(math.MaxUint32) - f.offset; uint32(len(p)) > remaining {
		p = p[:remaining]
	}

	clusterSize := int(st.bs.BytesPerCluster)
	n := 0
	for n < len(p) {
		clusterIndex := int(f.offset) / clusterSize
		posInCluster := int(f.offset) % clusterSize

		if st.opts.UseMultiClusterIO && posInCluster == 0 && (len(p)-n) >= clusterSize {
			cluster, err := f.clusterForOffsetOrExtend(st, clusterIndex)
			if err != nil {
				return n, err
			}
			planner := multiio.NewPlanner(st.fat)
			run, err := planner.PlanRun(cluster)
			if err != nil {
				return n, err
			}
			// The enclosing condition guarantees len(p)-n >= clusterSize, so
			// this cap never collapses run.Count to zero.
			if fullClusters := (len(p) - n) / clusterSize; run.Count > fullClusters {
				run.Count = fullClusters
			}
			runLen := int(multiio.RunByteLen(st.bs, run))
			if err := multiio.WriteRun(st.dev, st.bs, run, p[n:n+runLen]); err != nil {
				return n, err
			}
			n += runLen
			f.offset += uint32(runLen)
			f.checkpoints = nil
			continue
		}

		cluster, err := f.clusterForOffsetOrExtend(st, clusterIndex)
		if err != nil {
			return n, err
		}
		avail := clusterSize - posInCluster
		chunk := avail
		if remaining := len(p) - n; chunk > remaining {
			chunk = remaining
		}
		off := clusterOffset(st.bs, cluster) + int64(posInCluster)

		if chunk == clusterSize {
			if err := common.WriteFull(st.dev, p[n:n+chunk], off); err != nil {
				return n, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
			}
		} else {
			buf := make([]byte, clusterSize)
			clusterOff := clusterOffset(st.bs, cluster)
			if err := common.ReadFull(st.dev, buf, clusterOff); err != nil {
				return n, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
			}
			copy(buf[posInCluster:posInCluster+chunk], p[n:n+chunk])
			if err := common.WriteFull(st.dev, buf, clusterOff); err != nil {
				return n, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
			}
		}
		n += chunk
		f.offset += uint32(chunk)
	}

	if newEnd := int64(f.offset); newEnd > f.editor.Size() {
		f.editor.SetSize(newEnd)
	}
	f.editor.Touch(st.opts.TimeProvider())
	if err := f.flushEditorLocked(st); err != nil {
		return n, err
	}
	return n, nil
}

// Seek repositions the handle's cursor (spec.md §4.11 "Seek"), matching
// io.Seeker's whence semantics.
func (f *File) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(f.offset)
	case io.SeekEnd:
		base = f.editor.Size()
	default:
		return 0, common.NewDriverError(common.ErrnoInvalidInput)
	}
	newOffset := base + offset
	if newOffset < 0 {
		return 0, common.NewDriverError(common.ErrnoInvalidInput)
	}
	// Seeking past end clamps to size (spec.md §4.11 "Seek") rather than
	// leaving a gap the next Write would have to extend through.
	if size := f.editor.Size(); newOffset > size {
		newOffset = size
	}
	f.offset = uint32(newOffset)
	return newOffset, nil
}

// Truncate sets the file's length, freeing trailing clusters when
// shrinking (spec.md §4.11 "Truncate"); growing only updates the declared
// size; the newly exposed bytes are logically zero but not eagerly
// written, matching the teacher's lazy-extend convention.
func (f *File) Truncate(ctx context.Context, size int64) error {
	h, err := f.fs.shared.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	st := h.Get()

	if st.opts.ReadOnly {
		return common.NewDriverError(common.ErrnoReadOnly)
	}

	clusterSize := int64(st.bs.BytesPerCluster)
	keepCount := 0
	if size > 0 {
		keepCount = int((size + clusterSize - 1) / clusterSize)
	}

	newFirst, err := fatable.Truncate(st.fat, f.firstCluster, keepCount, freeFnFor(st))
	if err != nil {
		return err
	}
	f.firstCluster = newFirst
	f.checkpoints = nil
	f.editor.SetFirstCluster(newFirst)
	f.editor.SetSize(size)
	f.editor.Touch(st.opts.TimeProvider())
	if f.offset > uint32(size) {
		f.offset = uint32(size)
	}
	return f.flushEditorLocked(st)
}

// flushEditorLocked writes the handle's directory entry back to disk if
// it's dirty. Callers must already hold the engine state handle.
func (f *File) flushEditorLocked(st *engineState) error {
	if !f.editor.Dirty() {
		return nil
	}
	off := f.dir.slotByteOffset(st, slotAddr{cluster: f.editor.DirCluster, index: f.editor.SlotIndex})
	if err := common.WriteFull(st.dev, f.editor.Raw().Serialize(), off); err != nil {
		return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
	}
	f.editor.Clean()
	return nil
}

// Flush writes the handle's directory entry, the FAT cache's dirty
// sectors, and the backing device's buffers to disk without closing the
// handle (spec.md §4.11 "Flush"). Failures from each step are collected
// into one multierror rather than stopping at the first.
func (f *File) Flush(ctx context.Context) error {
	h, err := f.fs.shared.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	st := h.Get()
	var result *multierror.Error
	if err := f.flushEditorLocked(st); err != nil {
		result = multierror.Append(result, err)
	}
	if err := st.fat.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := st.dev.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Close flushes the handle as Flush does; a File has no other
// per-handle OS resource to release.
func (f *File) Close(ctx context.Context) error {
	return f.Flush(ctx)
}
