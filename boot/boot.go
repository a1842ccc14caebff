// Package boot implements C4: parsing, validating, and serializing the
// BIOS Parameter Block (BPB) and deriving the volume geometry it encodes.
// Field layout and validation rules are carried over from the teacher's
// RawFATBootSectorWithBPB / FATBootSector / DetermineFATVersion
// (dargueta/disko, drivers/fat/common.go), extended here to also serialize
// (the teacher only parses) and to cover the FAT32 backup boot sector and
// FSInfo sector, per spec.md §4.4/§6.1.
package boot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"

	"github.com/torvikrun/gofat/common"
)

// SectorID identifies a sector by its absolute index from the start of the
// volume.
type SectorID uint32

// ClusterID identifies a cluster by its index into the FAT (cluster 0 and 1
// are reserved; data clusters start at 2, per spec.md §3).
type ClusterID uint32

// Type is the FAT variant, classified purely from the cluster count per
// Microsoft's FAT spec (the teacher's DetermineFATVersion, reused verbatim
// in meaning).
type Type int

const (
	FAT12 Type = 12
	FAT16 Type = 16
	FAT32 Type = 32
)

func (t Type) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	default:
		return fmt.Sprintf("FAT(unknown:%d)", int(t))
	}
}

// DetermineType classifies the FAT variant by total cluster count, exactly
// as Microsoft's FAT documentation (v1.03 p.14) specifies: the cluster
// count is the only reliable signal, never the BPB's declared type string.
func DetermineType(totalClusters uint32) Type {
	if totalClusters < 4085 {
		return FAT12
	}
	if totalClusters < 65525 {
		return FAT16
	}
	return FAT32
}

// rawBPBSize is the byte length of the fixed-layout portion common to all
// three FAT variants (spec.md §6.1 bytes 0-35).
const rawBPBSize = 36

// RawBPB is the on-disk common BPB layout (bytes 0-35 of sector 0),
// mirroring the teacher's RawFATBootSectorWithBPB field-for-field.
type RawBPB struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

// BootSector is the parsed, validated BPB plus every value derived from it:
// geometry, FAT variant, and region offsets (spec.md §4.4).
type BootSector struct {
	RawBPB

	// FAT32-only extension fields (spec.md §6.1 bytes 36-89). Zero/unused
	// on FAT12/16.
	SectorsPerFAT32   uint32
	ExtFlags          uint16
	FSVersion         uint16
	RootCluster       uint32
	FSInfoSector      uint16
	BackupBootSector  uint16

	// FAT12/16 extension fields (spec.md §6.1 bytes 36-61). Parse fills
	// them only on FAT12/16; on FAT32, Format still sets VolumeID and
	// VolumeLabel and Serialize writes them at the FAT32 extension offsets.
	DriveNumber  uint8
	VolumeID     uint32
	VolumeLabel  [11]byte
	FSTypeLabel  [8]byte

	// Derived geometry, computed once at parse/format time.
	SectorsPerFAT     uint32
	TotalFATSectors   uint32
	RootDirSectors    uint32
	BytesPerCluster   uint32
	TotalClusters     uint32
	TotalDataSectors  uint32
	FirstDataSector   SectorID
	FirstFATSector    SectorID
	FirstRootDirSector SectorID
	Type              Type
	DirentsPerCluster int
}

// direntSize is the fixed size, in bytes, of one 8.3/LFN directory entry
// slot (spec.md §4.9/§6.1).
const direntSize = 32

// Parse reads and validates a 512-or-larger byte sector-0 image, returning
// the derived BootSector. Validation mirrors the teacher's checks
// (BytesPerSector in {512,1024,2048,4096}, SectorsPerCluster a power of two
// in [1,128], BytesPerCluster <= 32768, and the 0x55 0xAA signature), with
// cross-linked-parameter checks reported as common.ErrCorrupted rather than
// EINVAL, per spec.md §7's distinction between bad input and corruption.
func Parse(sector []byte) (*BootSector, error) {
	if len(sector) < 512 {
		return nil, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput,
			fmt.Sprintf("boot sector must be at least 512 bytes, got %d", len(sector)))
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return nil, fmt.Errorf("%w: missing 0x55 0xAA boot sector signature", common.ErrCorrupted)
	}

	var raw RawBPB
	if err := binary.Read(bytes.NewReader(sector[:rawBPBSize]), binary.LittleEndian, &raw); err != nil {
		return nil, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
	}

	switch raw.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput,
			fmt.Sprintf("bad BytesPerSector: need 512/1024/2048/4096, got %d", raw.BytesPerSector))
	}

	if !isPowerOfTwoUpTo(raw.SectorsPerCluster, 128) {
		return nil, fmt.Errorf("%w: SectorsPerCluster must be a power of two in 1..128, got %d",
			common.ErrCorrupted, raw.SectorsPerCluster)
	}

	bs := &BootSector{RawBPB: raw}

	sectorsPerFAT32 := binary.LittleEndian.Uint32(sector[36:40])

	if raw.SectorsPerFAT16 != 0 {
		bs.SectorsPerFAT = uint32(raw.SectorsPerFAT16)
	} else {
		bs.SectorsPerFAT = sectorsPerFAT32
		bs.SectorsPerFAT32 = sectorsPerFAT32
		bs.ExtFlags = binary.LittleEndian.Uint16(sector[40:42])
		bs.FSVersion = binary.LittleEndian.Uint16(sector[42:44])
		bs.RootCluster = binary.LittleEndian.Uint32(sector[44:48])
		bs.FSInfoSector = binary.LittleEndian.Uint16(sector[48:50])
		bs.BackupBootSector = binary.LittleEndian.Uint16(sector[50:52])
	}

	var totalSectors uint32
	if raw.TotalSectors16 != 0 {
		totalSectors = uint32(raw.TotalSectors16)
	} else {
		totalSectors = raw.TotalSectors32
	}

	rootDirSectors := (uint32(raw.RootEntryCount)*direntSize + uint32(raw.BytesPerSector) - 1) /
		uint32(raw.BytesPerSector)

	totalFATSectors := uint32(raw.NumFATs) * bs.SectorsPerFAT
	dataSectors := totalSectors - uint32(raw.ReservedSectors) - totalFATSectors - rootDirSectors
	totalClusters := dataSectors / uint32(raw.SectorsPerCluster)

	fatType := DetermineType(totalClusters)
	if fatType == FAT32 && rootDirSectors != 0 {
		return nil, fmt.Errorf("%w: RootDirSectors must be 0 on FAT32, got %d", common.ErrCorrupted, rootDirSectors)
	}

	bytesPerCluster := uint32(raw.BytesPerSector) * uint32(raw.SectorsPerCluster)
	if bytesPerCluster > 32768 {
		return nil, fmt.Errorf("%w: BytesPerCluster cannot exceed 32768, got %d", common.ErrCorrupted, bytesPerCluster)
	}

	bs.TotalFATSectors = totalFATSectors
	bs.RootDirSectors = rootDirSectors
	bs.BytesPerCluster = bytesPerCluster
	bs.TotalClusters = totalClusters
	bs.TotalDataSectors = dataSectors
	bs.FirstFATSector = SectorID(raw.ReservedSectors)
	bs.FirstRootDirSector = SectorID(uint32(raw.ReservedSectors) + totalFATSectors)
	bs.FirstDataSector = SectorID(uint32(raw.ReservedSectors) + totalFATSectors + rootDirSectors)
	bs.Type = fatType
	bs.DirentsPerCluster = int(bytesPerCluster) / direntSize

	if fatType != FAT32 {
		bs.DriveNumber = sector[36]
		bs.VolumeID = binary.LittleEndian.Uint32(sector[39:43])
		copy(bs.VolumeLabel[:], sector[43:54])
		copy(bs.FSTypeLabel[:], sector[54:62])
	}

	return bs, nil
}

// FormatParams describes the volume to lay out at format time (spec.md
// §4.4/§4.12 "Format (mkfs)").
type FormatParams struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	NumFATs           uint8
	ReservedSectors   uint16 // must cover the boot sector and, if used, the transaction log
	TotalSectors      uint32
	Media             uint8
	VolumeLabel       string
	VolumeID          uint32
	// RootEntryCount is only meaningful for FAT12/16; it is forced to 0 on
	// FAT32. A common default is 512.
	RootEntryCount uint16
}

// Format builds a BootSector (and, for FAT32, the values needed for the
// FSInfo and backup boot sectors) for a freshly formatted volume of the
// requested size, classifying the FAT type from the resulting cluster
// count exactly as Parse would from an existing image.
func Format(p FormatParams) (*BootSector, error) {
	switch p.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput,
			fmt.Sprintf("bad BytesPerSector: need 512/1024/2048/4096, got %d", p.BytesPerSector))
	}
	if !isPowerOfTwoUpTo(p.SectorsPerCluster, 128) {
		return nil, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput,
			fmt.Sprintf("SectorsPerCluster must be a power of two in 1..128, got %d", p.SectorsPerCluster))
	}
	if p.NumFATs == 0 {
		p.NumFATs = 2
	}
	if p.ReservedSectors == 0 {
		p.ReservedSectors = 1
	}

	rootEntryCount := p.RootEntryCount
	if rootEntryCount == 0 {
		rootEntryCount = 512
	}

	// First guess the FAT type from an approximate cluster count ignoring
	// FAT overhead, then iterate: the number of FAT sectors depends on the
	// entry width, which depends on the cluster count, which depends on
	// the FAT sectors. Two passes converge because FAT overhead is a
	// small fraction of the volume for any reasonably sized disk.
	rootDirSectors := uint32(rootEntryCount)*direntSize + uint32(p.BytesPerSector) - 1
	rootDirSectors /= uint32(p.BytesPerSector)

	var sectorsPerFAT uint32
	var fatType Type
	for i := 0; i < 2; i++ {
		totalFATSectors := uint32(p.NumFATs) * sectorsPerFAT
		rootSecs := rootDirSectors
		if fatType == FAT32 {
			rootSecs = 0
		}
		dataSectors := p.TotalSectors - uint32(p.ReservedSectors) - totalFATSectors - rootSecs
		totalClusters := dataSectors / uint32(p.SectorsPerCluster)
		fatType = DetermineType(totalClusters)

		bitsPerEntry := 16
		switch fatType {
		case FAT12:
			bitsPerEntry = 12
		case FAT32:
			bitsPerEntry = 32
		}
		fatBytes := uint32(totalClusters+2) * uint32(bitsPerEntry) / 8
		sectorsPerFAT = (fatBytes + uint32(p.BytesPerSector) - 1) / uint32(p.BytesPerSector)
	}

	if fatType == FAT32 {
		rootDirSectors = 0
		rootEntryCount = 0
	}

	totalFATSectors := uint32(p.NumFATs) * sectorsPerFAT
	dataSectors := p.TotalSectors - uint32(p.ReservedSectors) - totalFATSectors - rootDirSectors
	totalClusters := dataSectors / uint32(p.SectorsPerCluster)
	bytesPerCluster := uint32(p.BytesPerSector) * uint32(p.SectorsPerCluster)
	if bytesPerCluster > 32768 {
		return nil, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput,
			fmt.Sprintf("BytesPerCluster cannot exceed 32768, got %d", bytesPerCluster))
	}

	bs := &BootSector{
		RawBPB: RawBPB{
			JmpBoot:           [3]byte{0xEB, 0x3C, 0x90},
			BytesPerSector:    p.BytesPerSector,
			SectorsPerCluster: p.SectorsPerCluster,
			ReservedSectors:   p.ReservedSectors,
			NumFATs:           p.NumFATs,
			RootEntryCount:    rootEntryCount,
			Media:             p.Media,
			TotalSectors32:    p.TotalSectors,
		},
		SectorsPerFAT:      sectorsPerFAT,
		TotalFATSectors:    totalFATSectors,
		RootDirSectors:     rootDirSectors,
		BytesPerCluster:    bytesPerCluster,
		TotalClusters:      totalClusters,
		TotalDataSectors:   dataSectors,
		FirstFATSector:     SectorID(p.ReservedSectors),
		FirstRootDirSector: SectorID(uint32(p.ReservedSectors) + totalFATSectors),
		FirstDataSector:    SectorID(uint32(p.ReservedSectors) + totalFATSectors + rootDirSectors),
		Type:               fatType,
		DirentsPerCluster:  int(bytesPerCluster) / direntSize,
	}
	copy(bs.OEMName[:], "GOFAT1.0")

	if p.TotalSectors < 0x10000 {
		bs.TotalSectors16 = uint16(p.TotalSectors)
	}
	if fatType != FAT32 {
		bs.SectorsPerFAT16 = uint16(sectorsPerFAT)
		bs.DriveNumber = 0x80
		bs.VolumeID = p.VolumeID
		copy(bs.VolumeLabel[:], padTo11(p.VolumeLabel))
		copy(bs.FSTypeLabel[:], fmt.Sprintf("FAT%-5s", ""))
	} else {
		bs.SectorsPerFAT32 = sectorsPerFAT
		bs.RootCluster = 2
		bs.FSInfoSector = 1
		bs.BackupBootSector = 6
		bs.VolumeID = p.VolumeID
		copy(bs.VolumeLabel[:], padTo11(p.VolumeLabel))
	}

	return bs, nil
}

// Serialize renders the boot sector into a full logical-sector-sized
// buffer, ready to be written at sector 0 (and, for FAT32, again
// unmodified at the backup boot sector). Uses a fixed-size buffer writer
// the way the teacher's format code does (file_systems/unixv1/format.go's
// bytewriter.New pattern) instead of growing a slice.
func (bs *BootSector) Serialize() ([]byte, error) {
	buf := make([]byte, bs.BytesPerSector)
	w := bytewriter.New(buf)

	if err := binary.Write(w, binary.LittleEndian, bs.RawBPB); err != nil {
		return nil, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
	}

	if bs.Type == FAT32 {
		binary.LittleEndian.PutUint32(buf[36:40], bs.SectorsPerFAT32)
		binary.LittleEndian.PutUint16(buf[40:42], bs.ExtFlags)
		binary.LittleEndian.PutUint16(buf[42:44], bs.FSVersion)
		binary.LittleEndian.PutUint32(buf[44:48], bs.RootCluster)
		binary.LittleEndian.PutUint16(buf[48:50], bs.FSInfoSector)
		binary.LittleEndian.PutUint16(buf[50:52], bs.BackupBootSector)
		buf[64] = 0x80
		buf[66] = 0x29
		binary.LittleEndian.PutUint32(buf[67:71], bs.VolumeID)
		copy(buf[71:82], bs.VolumeLabel[:])
		copy(buf[82:90], []byte("FAT32   "))
	} else {
		buf[36] = bs.DriveNumber
		buf[38] = 0x29
		binary.LittleEndian.PutUint32(buf[39:43], bs.VolumeID)
		copy(buf[43:54], bs.VolumeLabel[:])
		label := "FAT16   "
		if bs.Type == FAT12 {
			label = "FAT12   "
		}
		copy(buf[54:62], []byte(label))
	}

	buf[510] = 0x55
	buf[511] = 0xAA
	return buf, nil
}

// FSInfo is the FAT32-only auxiliary sector caching free-cluster count and
// next-free hint (spec.md §6.1/§3: "a hint only; it is updated but never
// trusted for correctness").
type FSInfo struct {
	FreeClusterCount uint32
	NextFreeHint     uint32
}

const (
	fsInfoLeadSignature  = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature = 0xAA550000
)

// ParseFSInfo validates and decodes an FSInfo sector.
func ParseFSInfo(sector []byte) (*FSInfo, error) {
	if len(sector) < 512 {
		return nil, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput, "FSInfo sector too short")
	}
	lead := binary.LittleEndian.Uint32(sector[0:4])
	structSig := binary.LittleEndian.Uint32(sector[484:488])
	trail := binary.LittleEndian.Uint32(sector[508:512])
	if lead != fsInfoLeadSignature || structSig != fsInfoStructSignature || trail != fsInfoTrailSignature {
		return nil, fmt.Errorf("%w: bad FSInfo signature", common.ErrCorrupted)
	}
	return &FSInfo{
		FreeClusterCount: binary.LittleEndian.Uint32(sector[488:492]),
		NextFreeHint:     binary.LittleEndian.Uint32(sector[492:496]),
	}, nil
}

// Serialize renders the FSInfo sector.
func (f *FSInfo) Serialize(bytesPerSector uint16) []byte {
	buf := make([]byte, bytesPerSector)
	binary.LittleEndian.PutUint32(buf[0:4], fsInfoLeadSignature)
	binary.LittleEndian.PutUint32(buf[484:488], fsInfoStructSignature)
	binary.LittleEndian.PutUint32(buf[488:492], f.FreeClusterCount)
	binary.LittleEndian.PutUint32(buf[492:496], f.NextFreeHint)
	binary.LittleEndian.PutUint32(buf[508:512], fsInfoTrailSignature)
	return buf
}

func isPowerOfTwoUpTo(v uint8, max uint8) bool {
	if v == 0 || v > max {
		return false
	}
	return v&(v-1) == 0
}

func padTo11(label string) []byte {
	buf := make([]byte, 11)
	for i := range buf {
		buf[i] = ' '
	}
	copy(buf, label)
	return buf
}
