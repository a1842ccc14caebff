// Package common holds the byte-stream contract (C1) the engine issues all
// device I/O through, and the little-endian codec (C2) used to read and
// write on-disk structures.
package common

import (
	"fmt"
	"io"
)

// Device is the byte-addressable backing store the engine reads and writes.
// It is deliberately narrower than [os.File]: sector framing, block
// alignment, and buffering are an adapter's job (spec.md §1), not the
// engine's. Modeled on the teacher's BlockDevice/BlockStream pair
// (drivers/common/blockdevice.go, drivers/common/blockstream.go), collapsed
// into a single contract instead of two near-identical ones.
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Flush commits any buffering the backing store itself performs. It is
	// a no-op for stores with none (e.g. an in-memory byte slice).
	Flush() error
}

// ReadFull reads exactly len(buf) bytes at offset, looping over partial
// reads the way the contract in spec.md §4.1 requires.
func ReadFull(dev Device, buf []byte, offset int64) error {
	total := 0
	for total < len(buf) {
		n, err := dev.ReadAt(buf[total:], offset+int64(total))
		total += n
		if err != nil {
			if err == io.EOF && total == len(buf) {
				return nil
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("short read at offset %d: made no progress", offset+int64(total))
		}
	}
	return nil
}

// WriteFull writes all of buf at offset, looping over partial writes and
// failing with WriteZero-equivalent behavior if the device makes no
// progress on a non-empty write (spec.md §7).
func WriteFull(dev Device, buf []byte, offset int64) error {
	total := 0
	for total < len(buf) {
		n, err := dev.WriteAt(buf[total:], offset+int64(total))
		total += n
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("write zero: no progress writing at offset %d", offset+int64(total))
		}
	}
	return nil
}
