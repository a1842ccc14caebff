// Package alloc implements C6: the two cluster allocation strategies
// spec.md §4.6 describes, chosen at build time. Linear scanning is a
// direct re-keying of the teacher's Allocator.AllocateBlock hint-free scan
// (drivers/common/allocatormap.go) onto FAT cluster state instead of an
// independently owned bit; the bitmap strategy reuses the teacher's own
// github.com/boljen/go-bitmap-backed Allocator almost unchanged, adding a
// next-free hint, a cached free count, and FindContiguousFree (the
// teacher's AllocateContiguousBlocks/findRun, generalized to "find" without
// allocating so callers can decide allocation order themselves).
package alloc

import (
	"github.com/boljen/go-bitmap"

	"github.com/torvikrun/gofat/common"
	"github.com/torvikrun/gofat/boot"
)

// Allocator is the common surface both strategies implement: find a free
// cluster (optionally starting from a hint), find a contiguous run, and
// keep the in-memory view consistent as clusters are allocated or freed.
type Allocator interface {
	// FindFree returns the next free cluster at or after hint, wrapping to
	// cluster 2 on reaching the end (spec.md §4.6 "wrap to 2 on end").
	FindFree(hint boot.ClusterID) (boot.ClusterID, error)
	// FindContiguousFree returns the first cluster of a run of n
	// contiguous free clusters.
	FindContiguousFree(n int) (boot.ClusterID, error)
	// MarkAllocated records that cluster is now in use.
	MarkAllocated(cluster boot.ClusterID)
	// MarkFree records that cluster is no longer in use.
	MarkFree(cluster boot.ClusterID)
	// FreeCount returns the allocator's cached count of free clusters.
	FreeCount() uint32
}

// FATProbe is the minimal FAT read surface the Linear strategy scans
// directly instead of consulting its own bit, per spec.md §4.6 ("scan the
// FAT from a hint cluster for the next Free").
type FATProbe interface {
	IsFree(cluster boot.ClusterID) (bool, error)
}

// Linear scans the FAT itself on every FindFree call; it keeps no
// in-memory state beyond the hint, trading scan cost for zero mount-time
// setup and zero extra memory — the right tradeoff on an MCU with no heap
// to spare for a bitmap (spec.md §1 "usable on MCUs with no heap").
type Linear struct {
	fat           FATProbe
	totalClusters uint32
	hint          boot.ClusterID
}

// NewLinear constructs a Linear allocator over totalClusters data clusters
// (clusters 2..totalClusters+1, per spec.md §3's reserved-entry rule).
func NewLinear(fat FATProbe, totalClusters uint32) *Linear {
	return &Linear{fat: fat, totalClusters: totalClusters, hint: 2}
}

func (l *Linear) FindFree(hint boot.ClusterID) (boot.ClusterID, error) {
	if hint < 2 {
		hint = l.hint
	}
	last := boot.ClusterID(l.totalClusters + 2)

	cluster := hint
	for i := uint32(0); i < l.totalClusters; i++ {
		if cluster >= last {
			cluster = 2
		}
		free, err := l.fat.IsFree(cluster)
		if err != nil {
			return 0, err
		}
		if free {
			l.hint = cluster + 1
			return cluster, nil
		}
		cluster++
	}
	return 0, common.NewDriverErrorWithMessage(common.ErrnoNoSpace, "no free clusters")
}

func (l *Linear) FindContiguousFree(n int) (boot.ClusterID, error) {
	if n <= 0 {
		return 0, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput, "run length must be positive")
	}
	last := boot.ClusterID(l.totalClusters + 2)
	for start := boot.ClusterID(2); start < last; start++ {
		ok := true
		for i := 0; i < n; i++ {
			cl := start + boot.ClusterID(i)
			if cl >= last {
				ok = false
				break
			}
			free, err := l.fat.IsFree(cl)
			if err != nil {
				return 0, err
			}
			if !free {
				ok = false
				break
			}
		}
		if ok {
			return start, nil
		}
	}
	return 0, common.NewDriverErrorWithMessage(common.ErrnoNoSpace, "no contiguous run available")
}

// MarkAllocated/MarkFree are no-ops for Linear: the FAT itself is the
// source of truth, so there is nothing else to update.
func (l *Linear) MarkAllocated(boot.ClusterID) {}
func (l *Linear) MarkFree(boot.ClusterID)      {}

// FreeCount isn't tracked by Linear (it would require a full scan to
// answer cheaply, defeating the point of the strategy), so it always
// reports 0. Callers that need a free-cluster count should use Bitmap, or
// fall back to FSInfo's hint on FAT32.
func (l *Linear) FreeCount() uint32 { return 0 }

// Bitmap is an in-memory 1-bit-per-cluster array built once at mount by a
// single FAT sweep (spec.md §4.6), after which it is the allocator's own
// source of truth until the next mount; it is never persisted (spec.md §3
// "Bitmap is derived state, rebuilt at mount").
type Bitmap struct {
	bits          bitmap.Bitmap
	totalClusters uint32
	nextFreeHint  boot.ClusterID
	freeCount     uint32
	dirty         bool
}

// NewBitmapFromFAT builds a Bitmap by sweeping every data cluster through
// isFree, exactly the "single FAT sweep" spec.md §4.6 calls for.
func NewBitmapFromFAT(totalClusters uint32, isFree func(boot.ClusterID) (bool, error)) (*Bitmap, error) {
	b := &Bitmap{
		bits:          bitmap.New(int(totalClusters)),
		totalClusters: totalClusters,
		nextFreeHint:  2,
	}
	for i := uint32(0); i < totalClusters; i++ {
		free, err := isFree(boot.ClusterID(i + 2))
		if err != nil {
			return nil, err
		}
		if free {
			b.freeCount++
		} else {
			b.bits.Set(int(i), true)
		}
	}
	return b, nil
}

func (b *Bitmap) indexOf(cluster boot.ClusterID) int { return int(cluster) - 2 }

// FindFree scans bytes first (skipping fully-allocated 0xFF bytes
// quickly), then bits within the first non-full byte, per spec.md §4.6
// ("skipping 0xFF quickly").
func (b *Bitmap) FindFree(hint boot.ClusterID) (boot.ClusterID, error) {
	start := hint
	if start < 2 {
		start = b.nextFreeHint
	}
	if start < 2 || uint32(start) >= b.totalClusters+2 {
		start = 2
	}

	startIdx := b.indexOf(start)
	n := int(b.totalClusters)

	for scanned := 0; scanned < n; {
		idx := (startIdx + scanned) % n
		// Fast-skip a fully allocated byte boundary when idx is
		// byte-aligned and the byte is 0xFF.
		if idx%8 == 0 && scanned+8 <= n {
			allOnes := true
			for j := 0; j < 8; j++ {
				if !b.bits.Get((idx + j) % n) {
					allOnes = false
					break
				}
			}
			if allOnes {
				scanned += 8
				continue
			}
		}
		if !b.bits.Get(idx) {
			cluster := boot.ClusterID(idx + 2)
			b.nextFreeHint = cluster + 1
			return cluster, nil
		}
		scanned++
	}
	return 0, common.NewDriverErrorWithMessage(common.ErrnoNoSpace, "no free clusters")
}

// FindContiguousFree returns the first cluster of a run of n contiguous
// free clusters, first-fit, the same algorithm as the teacher's
// findRun/AllocateContiguousBlocks but without mutating the bitmap (that's
// MarkAllocated's job, left to the caller per the allocation protocol in
// spec.md §4.6).
func (b *Bitmap) FindContiguousFree(n int) (boot.ClusterID, error) {
	if n <= 0 {
		return 0, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput, "run length must be positive")
	}
	runSize := 0
	var runStart boot.ClusterID
	total := int(b.totalClusters)

	for i := 0; i < total; i++ {
		if b.bits.Get(i) {
			runSize = 0
			continue
		}
		runSize++
		if runSize == 1 {
			runStart = boot.ClusterID(i + 2)
		}
		if runSize == n {
			return runStart, nil
		}
	}
	return 0, common.NewDriverErrorWithMessage(common.ErrnoNoSpace, "no contiguous run available")
}

func (b *Bitmap) MarkAllocated(cluster boot.ClusterID) {
	idx := b.indexOf(cluster)
	if idx < 0 || uint32(idx) >= b.totalClusters {
		return
	}
	if !b.bits.Get(idx) {
		b.bits.Set(idx, true)
		b.freeCount--
	}
	b.dirty = true
}

func (b *Bitmap) MarkFree(cluster boot.ClusterID) {
	idx := b.indexOf(cluster)
	if idx < 0 || uint32(idx) >= b.totalClusters {
		return
	}
	if b.bits.Get(idx) {
		b.bits.Set(idx, false)
		b.freeCount++
	}
	b.dirty = true
}

func (b *Bitmap) FreeCount() uint32 { return b.freeCount }

// Dirty reports whether the bitmap has diverged from its state at mount.
// It is never written back (spec.md §3); this is informational only,
// useful for diagnostics and tests.
func (b *Bitmap) Dirty() bool { return b.dirty }

var _ Allocator = (*Linear)(nil)
var _ Allocator = (*Bitmap)(nil)
