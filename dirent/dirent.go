// Package dirent implements C9: the 32-byte 8.3 directory entry codec,
// attribute bits, DOS date/time conversion, and long file name (LFN) slot
// handling. The short-entry layout, DOS date/time math, and attribute-flag
// constants are carried over from the teacher's RawDirent/Dirent/
// DateFromInt/TimestampFromParts/AttrFlagsToFileMode
// (dargueta/disko, drivers/fat/dirent.go), including its 0xE5/0x05
// deleted-name escaping. LFN is absent from the teacher entirely; its
// slot format, checksum binding, and short-name generation are learned
// from spec.md §4.9/§6.1 and cross-checked against original_source's
// naming conventions, expressed in the teacher's idiom rather than
// translated.
package dirent

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/text/encoding/charmap"

	"github.com/torvikrun/gofat/common"
	"github.com/torvikrun/gofat/boot"
)

// Attribute flags, carried over verbatim from the teacher's constant
// block (drivers/fat/dirent.go).
const (
	AttrReadOnly = 1 << iota
	AttrHidden
	AttrSystem
	AttrVolumeLabel
	AttrDirectory
	AttrArchive
	AttrDevice
	AttrReserved
)

// AttrLFN is the attribute-byte value (ReadOnly|Hidden|System|VolumeLabel)
// that marks an entry as an LFN slot rather than a short entry, per
// spec.md §3/§4.9.
const AttrLFN = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel

// Size is the fixed on-disk length of one directory entry slot, short or
// LFN.
const Size = 32

// Sentinel first-byte values (spec.md §3 "Sentinels").
const (
	sentinelFree    = 0x00
	sentinelDeleted = 0xE5
	escapedE5       = 0x05
)

// Raw is the on-disk layout of a short directory entry, field-for-field
// identical to the teacher's RawDirent.
type Raw struct {
	Name              [8]byte
	Extension         [3]byte
	AttributeFlags    uint8
	NTReserved        uint8
	CreatedTimeMillis uint8
	CreatedTime       uint16
	CreatedDate       uint16
	LastAccessedDate  uint16
	FirstClusterHigh  uint16
	LastModifiedTime  uint16
	LastModifiedDate  uint16
	FirstClusterLow   uint16
	FileSize          uint32
}

// DateFromInt converts an on-disk DOS date into a time.Time, identical to
// the teacher's DateFromInt.
func DateFromInt(value uint16) time.Time {
	day := int(value & 0x001f)
	month := time.Month((value >> 5) & 0x000f)
	year := int(1980 + (value >> 9))
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateToInt packs a calendar date into its DOS on-disk representation, the
// inverse of DateFromInt (the teacher never serializes, only parses; this
// is the generalization format (C4/C9) requires).
func DateToInt(t time.Time) uint16 {
	year := t.Year() - 1980
	if year < 0 {
		year = 0
	}
	return uint16(year<<9) | uint16(int(t.Month())<<5) | uint16(t.Day())
}

// TimestampFromParts converts a FAT date+time+optional-hundredths triple
// into a time.Time, identical to the teacher's TimestampFromParts.
func TimestampFromParts(datePart, timePart uint16, hundredths uint8) time.Time {
	d := DateFromInt(datePart)
	seconds := int((timePart & 0x001f) * 2)
	if hundredths >= 100 {
		seconds++
		hundredths -= 100
	}
	minutes := int((timePart >> 5) & 0x003f)
	hours := int(timePart >> 11)
	nanoseconds := int(hundredths) * 10_000_000
	return time.Date(d.Year(), d.Month(), d.Day(), hours, minutes, seconds, nanoseconds, time.UTC)
}

// TimeToParts is the inverse of TimestampFromParts.
func TimeToParts(t time.Time) (datePart, timePart uint16, hundredths uint8) {
	datePart = DateToInt(t)
	timePart = uint16(t.Hour()<<11) | uint16(t.Minute()<<5) | uint16(t.Second()/2)
	hundredths = uint8((t.Second()%2)*100 + t.Nanosecond()/10_000_000)
	return
}

// ParseRaw decodes 32 bytes into a Raw short entry.
func ParseRaw(data []byte) (Raw, error) {
	if len(data) < Size {
		return Raw{}, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput, "directory entry shorter than 32 bytes")
	}
	r := Raw{
		AttributeFlags:    data[11],
		NTReserved:        data[12],
		CreatedTimeMillis: data[13],
		CreatedTime:       le16(data[14:16]),
		CreatedDate:       le16(data[16:18]),
		LastAccessedDate:  le16(data[18:20]),
		FirstClusterHigh:  le16(data[20:22]),
		LastModifiedTime:  le16(data[22:24]),
		LastModifiedDate:  le16(data[24:26]),
		FirstClusterLow:   le16(data[26:28]),
		FileSize:          le32(data[28:32]),
	}
	copy(r.Name[:], data[0:8])
	copy(r.Extension[:], data[8:11])
	return r, nil
}

// Serialize encodes a Raw short entry into 32 bytes.
func (r Raw) Serialize() []byte {
	buf := make([]byte, Size)
	copy(buf[0:8], r.Name[:])
	copy(buf[8:11], r.Extension[:])
	buf[11] = r.AttributeFlags
	buf[12] = r.NTReserved
	buf[13] = r.CreatedTimeMillis
	putLE16(buf[14:16], r.CreatedTime)
	putLE16(buf[16:18], r.CreatedDate)
	putLE16(buf[18:20], r.LastAccessedDate)
	putLE16(buf[20:22], r.FirstClusterHigh)
	putLE16(buf[22:24], r.LastModifiedTime)
	putLE16(buf[24:26], r.LastModifiedDate)
	putLE16(buf[26:28], r.FirstClusterLow)
	putLE32(buf[28:32], r.FileSize)
	return buf
}

// IsFree reports whether this slot and every slot after it in the
// directory is unused (spec.md §3 "first byte 0x00 = end of directory").
func (r Raw) IsFree() bool { return r.Name[0] == sentinelFree }

// IsDeleted reports whether this slot was deleted and is reusable
// (spec.md §3 "0xE5 = deleted slot").
func (r Raw) IsDeleted() bool { return r.Name[0] == sentinelDeleted }

// IsLFNSlot reports whether this entry is an LFN slot rather than a short
// entry.
func (r Raw) IsLFNSlot() bool { return r.AttributeFlags == AttrLFN }

// FirstCluster reassembles the split 32-bit cluster number.
func (r Raw) FirstCluster() boot.ClusterID {
	return boot.ClusterID(uint32(r.FirstClusterHigh)<<16 | uint32(r.FirstClusterLow))
}

// SetFirstCluster splits cluster across the high/low fields.
func (r *Raw) SetFirstCluster(cluster boot.ClusterID) {
	r.FirstClusterHigh = uint16(uint32(cluster) >> 16)
	r.FirstClusterLow = uint16(uint32(cluster) & 0xFFFF)
}

// ShortNameCodec converts between the on-disk OEM-code-page short name and
// Unicode, injectable per spec.md §4.9 ("an injectable converter handles
// OEM↔Unicode"). DefaultCodec uses CP437, the classic FAT OEM page.
type ShortNameCodec interface {
	Encode(s string) ([]byte, error)
	Decode(b []byte) (string, error)
}

type cp437Codec struct{}

// DefaultCodec is the CP437 OEM codec, pulled in because it's precisely
// what a FAT implementation needs an OEM code page for (golang.org/x/text,
// also the sole dependency of the retrieval pack's smaller FAT library).
var DefaultCodec ShortNameCodec = cp437Codec{}

func (cp437Codec) Encode(s string) ([]byte, error) {
	out, err := charmap.CodePage437.NewEncoder().String(s)
	if err != nil {
		return nil, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput, err.Error())
	}
	return []byte(out), nil
}

func (cp437Codec) Decode(b []byte) (string, error) {
	out, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return "", common.NewDriverErrorWithMessage(common.ErrnoInvalidInput, err.Error())
	}
	return string(out), nil
}

// DecodeShortName extracts the "base.ext" filename from a short entry's
// Name/Extension fields, resolving the 0xE5/0x05 escape the teacher's
// NewDirentFromRaw handles for a deleted slot's real first character.
func DecodeShortName(r Raw, codec ShortNameCodec) (string, error) {
	name, err := codec.Decode(r.Name[:])
	if err != nil {
		return "", err
	}
	ext, err := codec.Decode(r.Extension[:])
	if err != nil {
		return "", err
	}
	name = strings.TrimRight(name, " ")
	ext = strings.TrimRight(ext, " ")

	switch {
	case r.IsDeleted() && len(name) > 0:
		// The true first character was stashed in CreatedTimeMillis when
		// the entry was deleted (see Editor.MarkDeleted).
		name = string([]byte{r.CreatedTimeMillis}) + name[1:]
	case len(name) > 0 && name[0] == escapedE5:
		name = "\xe5" + name[1:]
	}

	if ext == "" {
		return name, nil
	}
	return name + "." + ext, nil
}

// EncodeShortName renders a "base.ext" (or bare "base") name into the
// fixed 11-byte on-disk form: 8 base characters, 3 extension characters,
// uppercase, space padded (spec.md §3 "Short-name form").
func EncodeShortName(name string, codec ShortNameCodec) (base [8]byte, ext [3]byte, err error) {
	base = [8]byte{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	ext = [3]byte{' ', ' ', ' '}

	baseStr, extStr := splitBaseExt(strings.ToUpper(name))
	if len(baseStr) > 8 || len(extStr) > 3 {
		return base, ext, common.NewDriverErrorWithMessage(common.ErrnoNameTooLong,
			fmt.Sprintf("short name %q does not fit in 8.3", name))
	}

	encodedBase, err := codec.Encode(baseStr)
	if err != nil {
		return base, ext, err
	}
	encodedExt, err := codec.Encode(extStr)
	if err != nil {
		return base, ext, err
	}
	copy(base[:], encodedBase)
	copy(ext[:], encodedExt)

	if base[0] == sentinelDeleted {
		base[0] = escapedE5
	}
	return base, ext, nil
}

func splitBaseExt(name string) (base, ext string) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return name, ""
	}
	return name[:dot], name[dot+1:]
}

// lfnSlotCharCount is the number of UTF-16 code units one LFN slot holds
// (5 + 6 + 2, per spec.md §3/§6.1).
const lfnSlotCharCount = 13

// lfnLastSlotBit marks the final (first-encountered, since slots are
// stored in reverse order) slot of an LFN run.
const lfnLastSlotBit = 0x40

// lfnRaw is the on-disk layout of one LFN slot, 32 bytes like a short
// entry but reinterpreted.
type lfnRaw struct {
	Ordinal     uint8
	Chars1      [5]uint16
	Attr        uint8
	Type        uint8
	Checksum    uint8
	Chars2      [6]uint16
	FirstClusterZero uint16
	Chars3      [2]uint16
}

func parseLFNRaw(data []byte) lfnRaw {
	var r lfnRaw
	r.Ordinal = data[0]
	for i := 0; i < 5; i++ {
		r.Chars1[i] = le16(data[1+2*i : 3+2*i])
	}
	r.Attr = data[11]
	r.Type = data[12]
	r.Checksum = data[13]
	for i := 0; i < 6; i++ {
		r.Chars2[i] = le16(data[14+2*i : 16+2*i])
	}
	r.FirstClusterZero = le16(data[26:28])
	for i := 0; i < 2; i++ {
		r.Chars3[i] = le16(data[28+2*i : 30+2*i])
	}
	return r
}

func (r lfnRaw) serialize() []byte {
	buf := make([]byte, Size)
	buf[0] = r.Ordinal
	for i := 0; i < 5; i++ {
		putLE16(buf[1+2*i:3+2*i], r.Chars1[i])
	}
	buf[11] = r.Attr
	buf[12] = r.Type
	buf[13] = r.Checksum
	for i := 0; i < 6; i++ {
		putLE16(buf[14+2*i:16+2*i], r.Chars2[i])
	}
	putLE16(buf[26:28], r.FirstClusterZero)
	for i := 0; i < 2; i++ {
		putLE16(buf[28+2*i:30+2*i], r.Chars3[i])
	}
	return buf
}

// ShortNameChecksum computes the 1-byte checksum LFN slots embed to bind
// themselves to their owning short entry (spec.md §3 "a 1-byte checksum
// of the short name binds the slots to their owner").
func ShortNameChecksum(base [8]byte, ext [3]byte) uint8 {
	var sum uint8
	for _, b := range append(append([]byte{}, base[:]...), ext[:]...) {
		sum = (sum>>1 | (sum&1)<<7) + b
	}
	return sum
}

// EncodeLFN splits a long name into as many 13-UTF16-code-unit slots as
// needed and returns their raw 32-byte records in on-disk order: the
// FAT directory layout stores LFN slots immediately before the
// short entry in descending ordinal order, so index 0 of the returned
// slice is the slot with the highest ordinal (marked with lfnLastSlotBit).
func EncodeLFN(name string, checksum uint8) [][]byte {
	units := utf16.Encode([]rune(name))
	// A trailing NUL terminates the name inside its final (in writing
	// order) slot; unused code units after that are padded with 0xFFFF.
	units = append(units, 0)

	numSlots := (len(units) + lfnSlotCharCount - 1) / lfnSlotCharCount
	if numSlots == 0 {
		numSlots = 1
	}

	slots := make([][]byte, numSlots)
	for slotIdx := 0; slotIdx < numSlots; slotIdx++ {
		ordinal := uint8(slotIdx + 1)
		if slotIdx == numSlots-1 {
			ordinal |= lfnLastSlotBit
		}
		start := slotIdx * lfnSlotCharCount
		chunk := make([]uint16, lfnSlotCharCount)
		for i := range chunk {
			if start+i < len(units) {
				chunk[i] = units[start+i]
			} else {
				chunk[i] = 0xFFFF
			}
		}
		r := lfnRaw{
			Ordinal:  ordinal,
			Attr:     AttrLFN,
			Checksum: checksum,
		}
		copy(r.Chars1[:], chunk[0:5])
		copy(r.Chars2[:], chunk[5:11])
		copy(r.Chars3[:], chunk[11:13])

		// Slots are written in descending ordinal order directly
		// preceding the short entry, so the highest ordinal comes first.
		slots[numSlots-1-slotIdx] = r.serialize()
	}
	return slots
}

// DecodeLFN reassembles the long name from a run of raw LFN slots given in
// on-disk order (highest ordinal first, as EncodeLFN emits them), validating
// that every slot's checksum matches the owning short entry's and that the
// ordinals form an unbroken descending run terminated by lfnLastSlotBit, per
// spec.md §3 ("a mismatch invalidates the whole run").
func DecodeLFN(slots [][]byte, shortNameChecksum uint8) (string, error) {
	if len(slots) == 0 {
		return "", nil
	}
	decoded := make([]lfnRaw, len(slots))
	for i, raw := range slots {
		decoded[i] = parseLFNRaw(raw)
	}

	first := decoded[0]
	if first.Ordinal&lfnLastSlotBit == 0 {
		return "", fmt.Errorf("%w: LFN run missing terminal slot", common.ErrCorrupted)
	}
	expectedOrdinal := int(first.Ordinal &^ lfnLastSlotBit)
	if expectedOrdinal != len(slots) {
		return "", fmt.Errorf("%w: LFN run length %d does not match ordinal %d", common.ErrCorrupted, len(slots), expectedOrdinal)
	}

	var units []uint16
	for i, slot := range decoded {
		if slot.Checksum != shortNameChecksum {
			return "", fmt.Errorf("%w: LFN slot checksum mismatch", common.ErrCorrupted)
		}
		wantOrdinal := expectedOrdinal - i
		gotOrdinal := int(slot.Ordinal &^ lfnLastSlotBit)
		if gotOrdinal != wantOrdinal {
			return "", fmt.Errorf("%w: LFN ordinal sequence broken", common.ErrCorrupted)
		}
		units = append(units, slot.Chars1[:]...)
		units = append(units, slot.Chars2[:]...)
		units = append(units, slot.Chars3[:]...)
	}

	// Trim at the first NUL or 0xFFFF padding code unit.
	for i, u := range units {
		if u == 0 || u == 0xFFFF {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units)), nil
}

// GenerateShortAlias derives an 8.3 alias for a long name that doesn't
// already fit, per spec.md §4.9: strip disallowed characters, uppercase,
// truncate to 6 base + 3 ext, append "~1"; exists is consulted to resolve
// collisions by incrementing the numeric suffix.
func GenerateShortAlias(longName string, exists func(base [8]byte, ext [3]byte) bool) (base [8]byte, ext [3]byte, err error) {
	baseStr, extStr := splitBaseExt(strings.ToUpper(longName))
	baseStr = stripDisallowed(baseStr)
	extStr = stripDisallowed(extStr)
	if len(extStr) > 3 {
		extStr = extStr[:3]
	}

	truncatedBase := baseStr
	if len(truncatedBase) > 6 {
		truncatedBase = truncatedBase[:6]
	}

	for n := 1; n <= 999999; n++ {
		suffix := fmt.Sprintf("~%d", n)
		candidateBase := truncatedBase
		maxLen := 8 - len(suffix)
		if len(candidateBase) > maxLen {
			candidateBase = candidateBase[:maxLen]
		}
		candidateBase += suffix

		b, e, encErr := EncodeShortName(candidateBase+"."+extStr, DefaultCodec)
		if encErr != nil {
			return base, ext, encErr
		}
		if exists == nil || !exists(b, e) {
			return b, e, nil
		}
	}
	return base, ext, common.NewDriverErrorWithMessage(common.ErrnoExists, "could not find a free short-name alias")
}

func stripDisallowed(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ' ', r == '.', r == '"', r == '*', r == '+', r == ',', r == '/',
			r == ':', r == ';', r == '<', r == '=', r == '>', r == '?', r == '[',
			r == '\\', r == ']', r == '|':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
