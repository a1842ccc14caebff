package common

import (
	"encoding/binary"
	"hash/crc32"
)

// The engine only ever deals with little-endian on-disk structures (spec.md
// §6.1). Following the teacher's own habit (drivers/fat/common.go,
// drivers/fat/dirent.go) of reaching for encoding/binary directly rather
// than hand-rolling byte shuffles.

// GetU16 reads a little-endian uint16 at the given offset.
func GetU16(buf []byte, offset int) uint16 {
	return binary.LittleEndian.Uint16(buf[offset : offset+2])
}

// GetU32 reads a little-endian uint32 at the given offset.
func GetU32(buf []byte, offset int) uint32 {
	return binary.LittleEndian.Uint32(buf[offset : offset+4])
}

// PutU16 writes a little-endian uint16 at the given offset.
func PutU16(buf []byte, offset int, v uint16) {
	binary.LittleEndian.PutUint16(buf[offset:offset+2], v)
}

// PutU32 writes a little-endian uint32 at the given offset.
func PutU32(buf []byte, offset int, v uint32) {
	binary.LittleEndian.PutUint32(buf[offset:offset+4], v)
}

// CRC32 computes the ISO-HDLC CRC32 the transaction log (C13) uses to guard
// its entries. ISO-HDLC is precisely the IEEE polynomial Go's stdlib crc32
// package already implements, so there's no third-party checksum library to
// reach for here.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
