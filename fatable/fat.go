// Package fatable implements C5 (FAT table access with an optional LRU
// sector cache) and C7 (the cluster chain iterator). Sector math and
// cluster-chain walking follow the teacher's style in
// drivers/fat/driverbase.go (getFirstSectorOfCluster, readAbsoluteSectors,
// listClusters, getClusterInChain); the bounded sector cache generalizes
// drivers/common/blockcache/blockcache.go's dirty/loaded-bitmap block cache
// into a fixed-slot LRU keyed by FAT sector, backed by
// github.com/hashicorp/golang-lru/v2 instead of hand-rolled eviction
// bookkeeping.
package fatable

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/torvikrun/gofat/boot"
	"github.com/torvikrun/gofat/common"
)

// Value is a decoded FAT entry (spec.md §3 "FAT entry").
type Value struct {
	kind Kind
	next boot.ClusterID // only meaningful when kind == Data
}

// Kind enumerates the FAT entry value space.
type Kind int

const (
	Free Kind = iota
	Data
	Bad
	EndOfChain
	Reserved
)

// FreeValue is the Free FAT entry.
var FreeValue = Value{kind: Free}

// EndOfChainValue is the EndOfChain sentinel entry.
var EndOfChainValue = Value{kind: EndOfChain}

// BadValue is the Bad reserved-marker entry.
var BadValue = Value{kind: Bad}

// DataValue wraps a successor cluster.
func DataValue(next boot.ClusterID) Value { return Value{kind: Data, next: next} }

func (v Value) Kind() Kind             { return v.kind }
func (v Value) Next() boot.ClusterID   { return v.next }
func (v Value) IsFree() bool           { return v.kind == Free }
func (v Value) IsEndOfChain() bool     { return v.kind == EndOfChain }
func (v Value) IsData() bool           { return v.kind == Data }
func (v Value) IsBadOrReserved() bool  { return v.kind == Bad || v.kind == Reserved }

// cacheSlot is one LRU-managed FAT sector.
type cacheSlot struct {
	sectorIndex uint32
	data        []byte
	dirty       bool
}

// Table is the FAT accessor. It mirrors every write across all FAT copies
// (spec.md §4.5 "Writes mirror to every FAT copy") and, when configured
// with a positive cache size, buffers sector reads/writes through an LRU
// cache of raw sector buffers.
type Table struct {
	dev  common.Device
	bs   *boot.BootSector
	typ  boot.Type

	bytesPerSector uint32
	hitCount       uint64
	missCount      uint64

	cache *lru.Cache[uint32, *cacheSlot]
}

// DefaultCacheSize is the default slot count spec.md §4.5 names.
const DefaultCacheSize = 8

// New constructs a Table over dev for the given boot sector. cacheSize <= 0
// disables the cache: every Get/Set goes straight to the device.
func New(dev common.Device, bs *boot.BootSector, cacheSize int) (*Table, error) {
	t := &Table{
		dev:            dev,
		bs:             bs,
		typ:            bs.Type,
		bytesPerSector: uint32(bs.BytesPerSector),
	}
	if cacheSize > 0 {
		c, err := lru.NewWithEvict[uint32, *cacheSlot](cacheSize, t.onEvict)
		if err != nil {
			return nil, common.NewDriverErrorWithMessage(common.ErrnoInvalidInput, err.Error())
		}
		t.cache = c
	}
	return t, nil
}

// onEvict writes a dirty slot back to every FAT copy before the LRU drops
// it. golang-lru invokes this synchronously from within Add, so any
// error here is swallowed into a best-effort write; callers that need a
// hard guarantee should call Flush before Unmount.
func (t *Table) onEvict(_ uint32, slot *cacheSlot) {
	if slot.dirty {
		_ = t.writeSectorToAllCopies(slot.sectorIndex, slot.data)
	}
}

// sectorAndOffsetForByte maps an absolute byte offset within one FAT copy
// to (sector index relative to FAT start, offset within that sector).
func (t *Table) sectorAndOffsetForByte(byteOffset uint32) (sectorIndex uint32, offsetInSector uint32) {
	return byteOffset / t.bytesPerSector, byteOffset % t.bytesPerSector
}

// readSector returns the raw bytes of FAT-copy-0's sector at the given
// index relative to the first FAT sector, going through the cache if one
// is configured.
func (t *Table) readSector(sectorIndex uint32) ([]byte, error) {
	if t.cache == nil {
		buf := make([]byte, t.bytesPerSector)
		absSector := uint32(t.bs.FirstFATSector) + sectorIndex
		if err := common.ReadFull(t.dev, buf, int64(absSector)*int64(t.bytesPerSector)); err != nil {
			return nil, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
		return buf, nil
	}

	if slot, ok := t.cache.Get(sectorIndex); ok {
		t.hitCount++
		return slot.data, nil
	}
	t.missCount++

	buf := make([]byte, t.bytesPerSector)
	absSector := uint32(t.bs.FirstFATSector) + sectorIndex
	if err := common.ReadFull(t.dev, buf, int64(absSector)*int64(t.bytesPerSector)); err != nil {
		return nil, common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
	}
	slot := &cacheSlot{sectorIndex: sectorIndex, data: buf}
	t.cache.Add(sectorIndex, slot)
	return slot.data, nil
}

// mutateSector loads (or pulls from cache) the sector at sectorIndex,
// applies mutate to its bytes, and marks it dirty (cached case) or writes
// it through immediately to all FAT copies (uncached case).
func (t *Table) mutateSector(sectorIndex uint32, mutate func(buf []byte)) error {
	if t.cache == nil {
		buf, err := t.readSector(sectorIndex)
		if err != nil {
			return err
		}
		mutate(buf)
		return t.writeSectorToAllCopies(sectorIndex, buf)
	}

	slot, ok := t.cache.Get(sectorIndex)
	if ok {
		t.hitCount++
	} else {
		t.missCount++
		buf := make([]byte, t.bytesPerSector)
		absSector := uint32(t.bs.FirstFATSector) + sectorIndex
		if err := common.ReadFull(t.dev, buf, int64(absSector)*int64(t.bytesPerSector)); err != nil {
			return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
		slot = &cacheSlot{sectorIndex: sectorIndex, data: buf}
		t.cache.Add(sectorIndex, slot)
	}
	mutate(slot.data)
	slot.dirty = true
	return nil
}

func (t *Table) writeSectorToAllCopies(sectorIndex uint32, data []byte) error {
	for fatIdx := uint32(0); fatIdx < uint32(t.bs.NumFATs); fatIdx++ {
		absSector := uint32(t.bs.FirstFATSector) + fatIdx*t.bs.SectorsPerFAT + sectorIndex
		if err := common.WriteFull(t.dev, data, int64(absSector)*int64(t.bytesPerSector)); err != nil {
			return common.NewDriverErrorWithMessage(common.ErrnoIO, err.Error())
		}
	}
	return nil
}

// Get reads the FAT entry for cluster.
func (t *Table) Get(cluster boot.ClusterID) (Value, error) {
	raw, err := t.getRaw(cluster)
	if err != nil {
		return Value{}, err
	}
	return t.decode(raw), nil
}

// IsFree reports whether cluster is currently unallocated, letting *Table
// satisfy alloc.FATProbe directly and serve as the sweep callback for
// alloc.NewBitmapFromFAT.
func (t *Table) IsFree(cluster boot.ClusterID) (bool, error) {
	v, err := t.Get(cluster)
	if err != nil {
		return false, err
	}
	return v.IsFree(), nil
}

func (t *Table) getRaw(cluster boot.ClusterID) (uint32, error) {
	switch t.typ {
	case boot.FAT12:
		byteOff := uint32(cluster) + uint32(cluster)/2
		sectorIdx, offInSector := t.sectorAndOffsetForByte(byteOff)
		buf, err := t.readSector(sectorIdx)
		if err != nil {
			return 0, err
		}
		var lo, hi byte
		if offInSector+1 < t.bytesPerSector {
			lo, hi = buf[offInSector], buf[offInSector+1]
		} else {
			// Entry straddles a sector boundary.
			lo = buf[offInSector]
			next, err := t.readSector(sectorIdx + 1)
			if err != nil {
				return 0, err
			}
			hi = next[0]
		}
		raw16 := uint16(lo) | uint16(hi)<<8
		if cluster%2 == 0 {
			return uint32(raw16 & 0x0FFF), nil
		}
		return uint32(raw16 >> 4), nil

	case boot.FAT16:
		byteOff := uint32(cluster) * 2
		sectorIdx, offInSector := t.sectorAndOffsetForByte(byteOff)
		buf, err := t.readSector(sectorIdx)
		if err != nil {
			return 0, err
		}
		return uint32(common.GetU16(buf, int(offInSector))), nil

	default: // FAT32
		byteOff := uint32(cluster) * 4
		sectorIdx, offInSector := t.sectorAndOffsetForByte(byteOff)
		buf, err := t.readSector(sectorIdx)
		if err != nil {
			return 0, err
		}
		return common.GetU32(buf, int(offInSector)) & 0x0FFFFFFF, nil
	}
}

// decode maps a raw FAT entry value to the Value enum per spec.md §3.
func (t *Table) decode(raw uint32) Value {
	var maxData, badMarker, eocMin uint32
	switch t.typ {
	case boot.FAT12:
		maxData, badMarker, eocMin = 0xFF6, 0xFF7, 0xFF8
	case boot.FAT16:
		maxData, badMarker, eocMin = 0xFFF6, 0xFFF7, 0xFFF8
	default:
		maxData, badMarker, eocMin = 0x0FFFFFF6, 0x0FFFFFF7, 0x0FFFFFF8
	}

	switch {
	case raw == 0:
		return FreeValue
	case raw == 1:
		return Value{kind: Reserved}
	case raw == badMarker:
		return BadValue
	case raw >= eocMin:
		return EndOfChainValue
	case raw <= maxData:
		return DataValue(boot.ClusterID(raw))
	default:
		return Value{kind: Reserved}
	}
}

// eocSentinel is the canonical EndOfChain value written on disk for each
// variant (spec.md's "sentinel"; any value >= eocMin decodes as
// EndOfChain, but writers should emit this exact one).
func (t *Table) eocSentinel() uint32 {
	switch t.typ {
	case boot.FAT12:
		return 0xFFF
	case boot.FAT16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

// Set writes value as cluster's FAT entry, mirrored across every FAT copy.
func (t *Table) Set(cluster boot.ClusterID, value Value) error {
	var raw uint32
	switch value.kind {
	case Free:
		raw = 0
	case Data:
		raw = uint32(value.next)
	case Bad:
		switch t.typ {
		case boot.FAT12:
			raw = 0xFF7
		case boot.FAT16:
			raw = 0xFFF7
		default:
			raw = 0x0FFFFFF7
		}
	case EndOfChain:
		raw = t.eocSentinel()
	case Reserved:
		raw = 1
	default:
		return fmt.Errorf("fatable: invalid Value kind %d", value.kind)
	}

	switch t.typ {
	case boot.FAT12:
		byteOff := uint32(cluster) + uint32(cluster)/2
		sectorIdx, offInSector := t.sectorAndOffsetForByte(byteOff)
		even := cluster%2 == 0

		if offInSector+1 < t.bytesPerSector {
			return t.mutateSector(sectorIdx, func(buf []byte) {
				cur := uint16(buf[offInSector]) | uint16(buf[offInSector+1])<<8
				cur = merge12(cur, uint16(raw), even)
				buf[offInSector] = byte(cur)
				buf[offInSector+1] = byte(cur >> 8)
			})
		}
		// Straddles a sector boundary: mutate both sectors' single bytes.
		lowBuf, err := t.readSector(sectorIdx)
		if err != nil {
			return err
		}
		highBuf, err := t.readSector(sectorIdx + 1)
		if err != nil {
			return err
		}
		cur := uint16(lowBuf[offInSector]) | uint16(highBuf[0])<<8
		cur = merge12(cur, uint16(raw), even)
		if err := t.mutateSector(sectorIdx, func(buf []byte) { buf[offInSector] = byte(cur) }); err != nil {
			return err
		}
		return t.mutateSector(sectorIdx+1, func(buf []byte) { buf[0] = byte(cur >> 8) })

	case boot.FAT16:
		byteOff := uint32(cluster) * 2
		sectorIdx, offInSector := t.sectorAndOffsetForByte(byteOff)
		return t.mutateSector(sectorIdx, func(buf []byte) {
			common.PutU16(buf, int(offInSector), uint16(raw))
		})

	default: // FAT32
		byteOff := uint32(cluster) * 4
		sectorIdx, offInSector := t.sectorAndOffsetForByte(byteOff)
		return t.mutateSector(sectorIdx, func(buf []byte) {
			// Preserve the reserved high 4 bits (spec.md §3).
			cur := common.GetU32(buf, int(offInSector))
			newVal := (cur & 0xF0000000) | (raw & 0x0FFFFFFF)
			common.PutU32(buf, int(offInSector), newVal)
		})
	}
}

// merge12 replaces the 12 bits belonging to one of the two clusters packed
// into a 16-bit straddling pair, per the FAT12 byte-straddling rule
// (spec.md §3 / §4.5).
func merge12(cur uint16, newVal uint16, even bool) uint16 {
	if even {
		return (cur & 0xF000) | (newVal & 0x0FFF)
	}
	return (cur & 0x000F) | (newVal&0x0FFF)<<4
}

// Flush writes every dirty cached sector back to all FAT copies. It is a
// no-op when the cache is disabled, since every mutation already went
// straight through.
func (t *Table) Flush() error {
	if t.cache == nil {
		return nil
	}
	for _, key := range t.cache.Keys() {
		slot, ok := t.cache.Peek(key)
		if !ok || !slot.dirty {
			continue
		}
		if err := t.writeSectorToAllCopies(slot.sectorIndex, slot.data); err != nil {
			return err
		}
		slot.dirty = false
	}
	return nil
}

// Stats exposes the cache hit/miss counters spec.md §4.5 requires.
func (t *Table) Stats() (hits, misses uint64) {
	return t.hitCount, t.missCount
}
