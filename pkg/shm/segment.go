package shm

import (
	"errors"
	"fmt"
	"sync"

	internalshm "github.com/srediag/shm-registry/internal/shm"
)

var (
	// ErrOutOfMemory is returned when shared memory cannot be allocated or
	// mapped even after eviction.
	ErrOutOfMemory = errors.New("shm: out of memory")
	// ErrClosed is returned for operations on a closed segment or buffer.
	ErrClosed = errors.New("shm: closed")
)

// SegmentOptions controls how a Segment's memory is created.
type SegmentOptions struct {
	// Name labels the shared memory object.
	Name string
	// Dir creates file backed memory in Dir (usually /dev/shm) instead of memfd.
	Dir string
}

// Segment is the producer's side of a shared surface: it owns the original
// handle and a read-write mapping. Same-process buffers wrapping the segment
// hold references of their own; the mapping goes away with the last one.
type Segment struct {
	mu        sync.Mutex
	size      Size
	stride    int32
	format    Format
	handle    Handle
	region    *internalshm.MappedRegion
	refs      int
	finalized bool
	closed    bool
}

// NewSegment allocates and maps a surface of the given geometry. Allocation
// failures wrap ErrOutOfMemory so callers can fall back to a Local surface.
func NewSegment(size Size, stride int32, format Format, opts SegmentOptions) (*Segment, error) {
	if err := validateGeometry(size, stride, format); err != nil {
		return nil, err
	}
	length := int(stride) * int(size.Height)
	name := opts.Name
	if name == "" {
		name = "shm-surface"
	}
	h, err := internalshm.Create(internalshm.MapOptions{Name: name, Dir: opts.Dir, Size: length})
	if err != nil {
		return nil, fmt.Errorf("%w: create %d bytes: %v", ErrOutOfMemory, length, err)
	}
	region, err := internalshm.Map(h, length, false)
	if err != nil {
		_ = internalshm.Close(h)
		return nil, fmt.Errorf("%w: map %d bytes: %v", ErrOutOfMemory, length, err)
	}
	return &Segment{
		size:   size,
		stride: stride,
		format: format,
		handle: h,
		region: region,
		refs:   1,
	}, nil
}

// Size returns the surface size.
func (s *Segment) Size() Size { return s.size }

// Stride returns the row stride in bytes.
func (s *Segment) Stride() int32 { return s.stride }

// Format returns the pixel format.
func (s *Segment) Format() Format { return s.format }

// Len returns the byte length of the surface data.
func (s *Segment) Len() int { return int(s.stride) * int(s.size.Height) }

// Data returns the producer's mapping, or nil once closed.
func (s *Segment) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.region.Addr
}

// Share returns a descriptor carrying a duplicated handle. The receiver owns
// the duplicate.
func (s *Segment) Share() (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Descriptor{}, ErrClosed
	}
	h, err := internalshm.Dup(s.handle)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{Size: s.size, Stride: s.stride, Format: s.format, Handle: h}, nil
}

// Finalize protects the producer's mapping read-only once the contents are
// complete. Further writes fault.
func (s *Segment) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.finalized {
		return nil
	}
	if err := internalshm.Protect(s.region, true); err != nil {
		return err
	}
	s.finalized = true
	return nil
}

// Finalized reports whether Finalize succeeded.
func (s *Segment) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// Close drops the producer's reference. Consumers holding duplicated handles
// or wrapping buffers keep the memory alive.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.releaseLocked()
}

// retain adds a reference for a same-process buffer.
func (s *Segment) retain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.refs++
	return nil
}

func (s *Segment) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked()
}

func (s *Segment) releaseLocked() error {
	s.refs--
	if s.refs > 0 {
		return nil
	}
	err := internalshm.Unmap(s.region)
	if cerr := internalshm.Close(s.handle); err == nil {
		err = cerr
	}
	s.handle = InvalidHandle
	return err
}

// mapped reports whether the mapping is still live.
func (s *Segment) mapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs > 0
}

// CloseHandle releases a handle received in a descriptor that will not be
// wrapped in a Buffer.
func CloseHandle(h Handle) error {
	return internalshm.Close(h)
}
