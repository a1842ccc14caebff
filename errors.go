// Package gofat implements a FAT12/FAT16/FAT32 file system engine on top of
// any byte-addressable backing store.
package gofat

import (
	"syscall"

	"github.com/torvikrun/gofat/common"
)

// DriverError is a wrapper around a POSIX errno code with a customizable
// message, used throughout the engine instead of ad hoc error strings.
// Aliases common.DriverError so callers never need to know the error type
// is actually defined a level down (it lives there so subpackages can
// construct one without importing this package back).
type DriverError = common.DriverError

// NewDriverError creates a DriverError with a default message derived from
// the errno code.
func NewDriverError(errnoCode syscall.Errno) DriverError {
	return common.NewDriverError(errnoCode)
}

// NewDriverErrorWithMessage creates a DriverError from an errno code with a
// custom message.
func NewDriverErrorWithMessage(errnoCode syscall.Errno, message string) DriverError {
	return common.NewDriverErrorWithMessage(errnoCode, message)
}

// NewDriverErrorFromError wraps an arbitrary error under the given errno
// code, preserving its text.
func NewDriverErrorFromError(errnoCode syscall.Errno, err error) DriverError {
	return common.NewDriverErrorFromError(errnoCode, err)
}

// ErrCorrupted reports a violated on-disk invariant: bad boot sector magic,
// an impossible BPB, a cross-linked cluster, or an LFN checksum mismatch
// that propagated to a context where it's fatal.
var ErrCorrupted = common.ErrCorrupted

// Common errno shorthands used across the engine, named the way spec.md §7
// names them.
const (
	ErrnoNotFound       = common.ErrnoNotFound
	ErrnoExists         = common.ErrnoExists
	ErrnoNoSpace        = common.ErrnoNoSpace
	ErrnoNotEmpty       = common.ErrnoNotEmpty
	ErrnoNameTooLong    = common.ErrnoNameTooLong
	ErrnoInvalidInput   = common.ErrnoInvalidInput
	ErrnoReadOnly       = common.ErrnoReadOnly
	ErrnoLocked         = common.ErrnoLocked
	ErrnoIO             = common.ErrnoIO
	ErrnoNotDir         = common.ErrnoNotDir
	ErrnoIsDir          = common.ErrnoIsDir
	ErrnoNotImplemented = common.ErrnoNotImplemented
)
