package gofat

import (
	"time"

	"github.com/torvikrun/gofat/boot"
	"github.com/torvikrun/gofat/dirent"
	"github.com/torvikrun/gofat/fatable"
	"github.com/torvikrun/gofat/share"
)

// MountOptions configures a Mount call (spec.md §6.3). Plain structs
// passed by value, matching the teacher's MountFlags/FSStat option style
// rather than a builder or flag parser.
type MountOptions struct {
	// UpdateAccessedDate, if set, stamps the access date on reads.
	UpdateAccessedDate bool
	// OEMCodec overrides the default CP437 short-name codec.
	OEMCodec dirent.ShortNameCodec
	// TimeProvider supplies "now" for created/modified/accessed
	// timestamps; defaults to time.Now.
	TimeProvider func() time.Time
	// CacheSize sets the FAT sector-cache slot count; a negative value
	// disables caching. The zero value selects fatable.DefaultCacheSize
	// (see withDefaults).
	CacheSize int
	// UseBitmapAllocator selects the C6 bitmap strategy over the default
	// linear scan.
	UseBitmapAllocator bool
	// ShareKind selects the C3 ownership discipline guarding the
	// FileSystem's shared state. Defaults to share.Direct.
	ShareKind share.Kind
	// ReadOnly refuses every mutating operation with ErrnoReadOnly.
	ReadOnly bool
	// UseMultiClusterIO enables the C8 fused-run fast path for reads and
	// writes that span more than one contiguous cluster.
	UseMultiClusterIO bool
	// SeekCheckpoints enables the C11 checkpoint table that lets Seek jump
	// from the nearest recorded (cluster_index, cluster) pair instead of
	// always walking from first_cluster.
	SeekCheckpoints bool
	// UseFileLocking enables the optional C14 advisory lock manager,
	// exposed via FileSystem.TryLock/Unlock. The engine never acquires
	// these locks itself (spec.md §4.14/§5 "File locks ... advisory
	// only"); callers opt in explicitly.
	UseFileLocking bool
	// UseTransactionLog enables the optional C13 intent log and runs
	// recovery at mount. The volume must have been formatted with
	// FormatOptions.UseTransactionLog so reserved space for the log
	// actually exists.
	UseTransactionLog bool
	// DirCacheSize enables the optional directory-entry cache ("dir-cache"
	// / "dir-cache-large" in spec.md §6.4) with this many entries; 0
	// disables it. Lookups through Dir.Find/OpenFile/OpenDir are cached
	// keyed by (directory identity, name); every directory mutation
	// invalidates the whole cache rather than tracking per-key staleness.
	DirCacheSize int
}

func (o MountOptions) withDefaults() MountOptions {
	if o.OEMCodec == nil {
		o.OEMCodec = dirent.DefaultCodec
	}
	if o.TimeProvider == nil {
		o.TimeProvider = time.Now
	}
	if o.CacheSize == 0 {
		o.CacheSize = fatable.DefaultCacheSize
	}
	return o
}

// FormatOptions configures a Format (mkfs) call (spec.md §6.3).
type FormatOptions struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	TotalSectors      uint32
	NumFATs           uint8
	VolumeLabel       string
	VolumeID          uint32
	// ForcedType, if nonzero, must equal the FAT type the volume's size
	// selects; Format returns ErrnoInvalidInput otherwise. It does not
	// change the layout or override the selection by size.
	ForcedType boot.Type
	// UseTransactionLog reserves extra sectors adjacent to the boot sector
	// for the C13 intent log and initializes them to empty slots.
	UseTransactionLog bool
}

// Stats is the summary FileSystem.Stats returns (spec.md §4.12/§6.2).
type Stats struct {
	ClusterSize   uint32
	TotalClusters uint32
	FreeClusters  uint32
}
