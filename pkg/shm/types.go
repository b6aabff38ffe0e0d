package shm

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	internalshm "github.com/srediag/shm-registry/internal/shm"
)

var (
	// ErrInvalidDescriptor is returned for descriptors whose geometry is unusable.
	ErrInvalidDescriptor = errors.New("shm: invalid descriptor")
	// ErrIDsExhausted is returned once a namespace has issued every local id.
	ErrIDsExhausted = errors.New("shm: resource ids exhausted")
)

// Handle is a transferable reference to a shared memory object.
type Handle = internalshm.Handle

// InvalidHandle never refers to a shared memory object.
const InvalidHandle = internalshm.InvalidHandle

// ProcessID identifies a process taking part in sharing.
type ProcessID uint32

// Namespace is the owner half of a ResourceID. Each producer connection gets
// its own namespace; a reconnect gets a new one.
type Namespace uint32

// ResourceID names a shared resource: the namespace in the high 32 bits and a
// per-namespace counter in the low 32 bits.
type ResourceID uint64

// NewResourceID composes an id.
func NewResourceID(ns Namespace, local uint32) ResourceID {
	return ResourceID(uint64(ns)<<32 | uint64(local))
}

// Namespace returns the owner namespace.
func (id ResourceID) Namespace() Namespace { return Namespace(id >> 32) }

// Local returns the per-namespace counter.
func (id ResourceID) Local() uint32 { return uint32(id) }

// Valid reports whether id could have been issued by an IDAllocator.
func (id ResourceID) Valid() bool { return id.Local() != 0 }

func (id ResourceID) String() string {
	return fmt.Sprintf("%d:%d", id.Namespace(), id.Local())
}

// IDAllocator issues ResourceIDs for one namespace. Ids are never reused.
type IDAllocator struct {
	ns   Namespace
	next atomic.Uint32
}

// NewIDAllocator returns an allocator for ns.
func NewIDAllocator(ns Namespace) *IDAllocator {
	return &IDAllocator{ns: ns}
}

// Namespace returns the allocator's namespace.
func (a *IDAllocator) Namespace() Namespace { return a.ns }

// Next returns a fresh id.
func (a *IDAllocator) Next() (ResourceID, error) {
	for {
		cur := a.next.Load()
		if cur == math.MaxUint32 {
			return 0, ErrIDsExhausted
		}
		if a.next.CompareAndSwap(cur, cur+1) {
			return NewResourceID(a.ns, cur+1), nil
		}
	}
}

// Format is the pixel layout of a surface.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatB8G8R8A8
	FormatB8G8R8X8
	FormatR8G8B8A8
	FormatR8G8B8X8
	FormatA8
)

// BytesPerPixel returns the pixel width of f, or 0 for unknown formats.
func (f Format) BytesPerPixel() int32 {
	switch f {
	case FormatB8G8R8A8, FormatB8G8R8X8, FormatR8G8B8A8, FormatR8G8B8X8:
		return 4
	case FormatA8:
		return 1
	}
	return 0
}

func (f Format) String() string {
	switch f {
	case FormatB8G8R8A8:
		return "B8G8R8A8"
	case FormatB8G8R8X8:
		return "B8G8R8X8"
	case FormatR8G8B8A8:
		return "R8G8B8A8"
	case FormatR8G8B8X8:
		return "R8G8B8X8"
	case FormatA8:
		return "A8"
	}
	return "Unknown"
}

// Size is a surface size in pixels.
type Size struct {
	Width  int32
	Height int32
}

// Descriptor describes a shared surface. Handle is owned by whoever holds the
// descriptor.
type Descriptor struct {
	Size   Size
	Stride int32
	Format Format
	Handle Handle
}

// Len returns the byte length of the surface data.
func (d Descriptor) Len() int {
	return int(d.Stride) * int(d.Size.Height)
}

// Validate checks the surface geometry.
func (d Descriptor) Validate() error {
	return validateGeometry(d.Size, d.Stride, d.Format)
}

func validateGeometry(size Size, stride int32, format Format) error {
	bpp := format.BytesPerPixel()
	switch {
	case bpp == 0:
		return fmt.Errorf("%w: unknown format %d", ErrInvalidDescriptor, format)
	case size.Width <= 0 || size.Height <= 0:
		return fmt.Errorf("%w: size %dx%d", ErrInvalidDescriptor, size.Width, size.Height)
	case int64(stride) < int64(size.Width)*int64(bpp):
		return fmt.Errorf("%w: stride %d too small for width %d", ErrInvalidDescriptor, stride, size.Width)
	case int64(stride)*int64(size.Height) > math.MaxInt32:
		return fmt.Errorf("%w: surface too large", ErrInvalidDescriptor)
	}
	return nil
}
