package dirent

import (
	"time"

	"github.com/torvikrun/gofat/boot"
)

// Editor is a live, in-memory view over one short directory entry (its LFN
// slots, if any, are not part of it), tracking a dirty flag so a file handle only rewrites
// its entry when something actually changed (spec.md §3 "A file handle's
// DirEntryEditor (dirty, size, timestamps, first-cluster fields) is
// flushed on explicit flush, explicit close, or truncate").
type Editor struct {
	// DirCluster and SlotIndex locate the short entry's 32-byte slot: for
	// a FAT12/16 root directory, DirCluster is 0 and SlotIndex is an
	// index from the start of the fixed root region; otherwise DirCluster
	// is a real data cluster and SlotIndex an index within it.
	DirCluster boot.ClusterID
	SlotIndex  int

	raw   Raw
	dirty bool
}

// NewEditor wraps an existing raw entry at the given location.
func NewEditor(dirCluster boot.ClusterID, slotIndex int, raw Raw) *Editor {
	return &Editor{DirCluster: dirCluster, SlotIndex: slotIndex, raw: raw}
}

// Raw returns the current (possibly dirty) entry contents.
func (e *Editor) Raw() Raw { return e.raw }

// Dirty reports whether any setter has changed the entry since
// construction or the last Clean.
func (e *Editor) Dirty() bool { return e.dirty }

// Clean clears the dirty flag after a caller has flushed the entry to
// disk.
func (e *Editor) Clean() { e.dirty = false }

// Size returns the entry's current declared file size.
func (e *Editor) Size() int64 { return int64(e.raw.FileSize) }

// SetSize updates the declared file size (spec.md §3 "File size in
// directory entry").
func (e *Editor) SetSize(size int64) {
	if uint32(size) != e.raw.FileSize {
		e.raw.FileSize = uint32(size)
		e.dirty = true
	}
}

// FirstCluster returns the entry's first cluster (0 for an empty file).
func (e *Editor) FirstCluster() boot.ClusterID { return e.raw.FirstCluster() }

// SetFirstCluster updates the entry's first-cluster fields.
func (e *Editor) SetFirstCluster(cluster boot.ClusterID) {
	if e.raw.FirstCluster() != cluster {
		e.raw.SetFirstCluster(cluster)
		e.dirty = true
	}
}

// Touch updates the last-modified timestamp (and, for the first touch
// after creation, leaves Created alone — callers set that explicitly at
// create time).
func (e *Editor) Touch(t time.Time) {
	datePart, timePart, _ := TimeToParts(t)
	e.raw.LastModifiedDate = datePart
	e.raw.LastModifiedTime = timePart
	e.raw.LastAccessedDate = datePart
	e.dirty = true
}

// TouchAccessed updates only the last-accessed date, leaving modified time
// alone — the read path's counterpart to Touch, gated by its own mount
// option (spec.md §4.11 "optionally stamp access date") rather than bundled
// into every write's timestamp update.
func (e *Editor) TouchAccessed(t time.Time) {
	datePart := DateToInt(t)
	if e.raw.LastAccessedDate != datePart {
		e.raw.LastAccessedDate = datePart
		e.dirty = true
	}
}

// SetCreated stamps the creation timestamp (only meaningful right after
// the entry is allocated).
func (e *Editor) SetCreated(t time.Time) {
	datePart, timePart, hundredths := TimeToParts(t)
	e.raw.CreatedDate = datePart
	e.raw.CreatedTime = timePart
	e.raw.CreatedTimeMillis = hundredths
	e.dirty = true
}

// Attributes returns the entry's attribute byte.
func (e *Editor) Attributes() uint8 { return e.raw.AttributeFlags }

// SetAttributes updates the entry's attribute byte.
func (e *Editor) SetAttributes(attrs uint8) {
	if e.raw.AttributeFlags != attrs {
		e.raw.AttributeFlags = attrs
		e.dirty = true
	}
}

// MarkDeleted rewrites the entry's first name byte to the deleted
// sentinel, stashing the real original first character in
// CreatedTimeMillis first so it can be recovered later — the same
// convention the teacher's decoder already expects
// (drivers/fat/dirent.go's NewDirentFromRaw: "the real first character of
// the filename is in CreatedTimeMillis").
func (e *Editor) MarkDeleted() {
	e.raw.CreatedTimeMillis = e.raw.Name[0]
	e.raw.Name[0] = sentinelDeleted
	e.dirty = true
}
