package gofat

import (
	"time"

	"github.com/torvikrun/gofat/boot"
	"github.com/torvikrun/gofat/dirent"
)

// sentinelDeleted is the on-disk marker for a free-for-reuse directory
// slot (spec.md §4.9 "Directory entries").
const sentinelDeleted = 0xE5

// slotAddr locates one 32-byte directory slot. Cluster 0 is a sentinel
// meaning "the fixed FAT12/16 root region" rather than a real data
// cluster, since real data clusters start at 2.
type slotAddr struct {
	cluster boot.ClusterID
	index   int
}

// DirEntry is a decoded view of one directory member: its long name (or
// short name if it has none), its short 8.3 alias, and the metadata
// carried in its short entry (spec.md §4.9/§4.10).
type DirEntry struct {
	Name         string
	ShortName    string
	IsDir        bool
	IsReadOnly   bool
	IsHidden     bool
	IsSystem     bool
	Size         int64
	FirstCluster boot.ClusterID
	Created      time.Time
	Modified     time.Time
	Accessed     time.Time

	raw       dirent.Raw
	shortAddr slotAddr
	lfnAddrs  []slotAddr // highest-ordinal slot first, matching on-disk order
}

func newDirEntryFromRaw(raw dirent.Raw, longName string, shortName string, shortAddr slotAddr, lfnAddrs []slotAddr) *DirEntry {
	created := dirent.TimestampFromParts(raw.CreatedDate, raw.CreatedTime, raw.CreatedTimeMillis)
	modified := dirent.TimestampFromParts(raw.LastModifiedDate, raw.LastModifiedTime, 0)
	accessed := dirent.DateFromInt(raw.LastAccessedDate)

	name := longName
	if name == "" {
		name = shortName
	}

	return &DirEntry{
		Name:         name,
		ShortName:    shortName,
		IsDir:        raw.AttributeFlags&dirent.AttrDirectory != 0,
		IsReadOnly:   raw.AttributeFlags&dirent.AttrReadOnly != 0,
		IsHidden:     raw.AttributeFlags&dirent.AttrHidden != 0,
		IsSystem:     raw.AttributeFlags&dirent.AttrSystem != 0,
		Size:         int64(raw.FileSize),
		FirstCluster: raw.FirstCluster(),
		Created:      created,
		Modified:     modified,
		Accessed:     accessed,
		raw:          raw,
		shortAddr:    shortAddr,
		lfnAddrs:     lfnAddrs,
	}
}
