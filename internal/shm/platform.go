// Package shm contains platform-specific helpers for creating, mapping and
// protecting shared memory objects.
package shm

import (
	"errors"
	"os"
)

var (
	// ErrInvalidSize is returned when a region of zero or negative size is requested.
	ErrInvalidSize = errors.New("shm: invalid region size")
	// ErrNoSpace is returned when the backing filesystem cannot hold the region.
	ErrNoSpace = errors.New("shm: share memory had not left space")
	// ErrInvalidHandle is returned for operations on a closed or unknown handle.
	ErrInvalidHandle = errors.New("shm: invalid handle")
)

// Handle is an OS-level reference to a shared memory object. On Linux it is a
// file descriptor.
type Handle int

// InvalidHandle never refers to a shared memory object.
const InvalidHandle Handle = -1

// Valid reports whether h may refer to a shared memory object.
func (h Handle) Valid() bool { return h >= 0 }

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr     []byte
	ReadOnly bool
}

// Len returns the mapped length in bytes.
func (r *MappedRegion) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Addr)
}

// MapOptions defines options for creating shared memory.
type MapOptions struct {
	// Name labels the object. For file backed objects it is the file name in Dir.
	Name string
	// Dir selects a file backed object in that directory (usually /dev/shm).
	// The file is unlinked as soon as it is open. Empty selects an anonymous
	// memfd where the platform supports it.
	Dir  string
	Size int
}

// PageSize returns the system page size.
func PageSize() int {
	return os.Getpagesize()
}

// AlignedSize rounds n up to a multiple of the page size.
func AlignedSize(n int) int {
	p := PageSize()
	return (n + p - 1) &^ (p - 1)
}
