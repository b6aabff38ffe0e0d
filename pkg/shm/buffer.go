package shm

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/srediag/shm-registry/internal/assert"
	"github.com/srediag/shm-registry/internal/logging"
	"github.com/srediag/shm-registry/pkg/metrics"
)

// Evictor tracks idle tracked buffers and releases their mappings on demand.
// Buffers call Track and Untrack with their own lock held, so an Evictor must
// never call back into a buffer from inside those methods.
type Evictor interface {
	Track(b *Buffer)
	Untrack(b *Buffer)
	// EvictOneGeneration unmaps the oldest generation of idle buffers and
	// reports whether anything was left to age.
	EvictOneGeneration() bool
}

// BufferOptions configures a consumer Buffer.
type BufferOptions struct {
	// MinUnmapSizeBytes: buffers no larger than this stay mapped forever.
	MinUnmapSizeBytes int
	// ForceUnmap enables eviction on targets with a large address space.
	ForceUnmap bool
	Mapper     Mapper
	Evictor    Evictor
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Expirable reports whether a buffer of length bytes takes part in
// expiration under opts.
func Expirable(length int, opts BufferOptions) bool {
	if strconv.IntSize > 32 && !opts.ForceUnmap {
		return false
	}
	return length > opts.MinUnmapSizeBytes
}

// Buffer is a consumer's view of a shared surface. Tracked buffers are mapped
// while in use and may lose the mapping while idle; untracked buffers map once
// and never take the lock.
type Buffer struct {
	size    Size
	stride  int32
	format  Format
	creator ProcessID
	tracked bool
	mapper  Mapper
	evictor Evictor
	metrics *metrics.Metrics
	logger  *zap.Logger
	segment *Segment

	mu       sync.Mutex
	handle   Handle
	data     []byte
	mapCount atomic.Int32
	closed   atomic.Bool
}

// OpenBuffer wraps a received descriptor and maps it. The buffer takes
// ownership of desc.Handle, closing it on error.
func OpenBuffer(desc Descriptor, creator ProcessID, opts BufferOptions) (*Buffer, error) {
	if err := desc.Validate(); err != nil {
		_ = CloseHandle(desc.Handle)
		return nil, err
	}
	b := &Buffer{
		size:    desc.Size,
		stride:  desc.Stride,
		format:  desc.Format,
		creator: creator,
		tracked: opts.Evictor != nil && Expirable(desc.Len(), opts),
		mapper:  opts.Mapper,
		evictor: opts.Evictor,
		metrics: metrics.OrNew(opts.Metrics),
		logger:  logging.OrNop(opts.Logger),
		handle:  desc.Handle,
	}
	if b.mapper == nil {
		b.mapper = SystemMapper{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureMappedLocked(); err != nil {
		_ = CloseHandle(b.handle)
		b.handle = InvalidHandle
		return nil, err
	}
	if b.tracked {
		b.evictor.Track(b)
		return b, nil
	}
	// A permanent mapping never needs the handle again.
	if err := CloseHandle(b.handle); err != nil {
		b.logger.Warn("close handle", zap.Error(err))
	}
	b.handle = InvalidHandle
	return b, nil
}

// WrapSegment exposes a producer's own Segment as a Buffer for consumers in
// the same process. The buffer shares the segment's mapping and keeps it
// alive until Close, even after the producer closed the segment.
func WrapSegment(seg *Segment, creator ProcessID) (*Buffer, error) {
	data := seg.Data()
	if err := seg.retain(); err != nil {
		return nil, err
	}
	return &Buffer{
		size:    seg.Size(),
		stride:  seg.Stride(),
		format:  seg.Format(),
		creator: creator,
		segment: seg,
		handle:  InvalidHandle,
		data:    data,
		logger:  zap.NewNop(),
	}, nil
}

// Size returns the surface size.
func (b *Buffer) Size() Size { return b.size }

// Stride returns the row stride in bytes.
func (b *Buffer) Stride() int32 { return b.stride }

// Format returns the pixel format.
func (b *Buffer) Format() Format { return b.format }

// Creator returns the creating process.
func (b *Buffer) Creator() ProcessID { return b.creator }

// Len returns the byte length of the surface data.
func (b *Buffer) Len() int { return int(b.stride) * int(b.size.Height) }

// Tracked reports whether the buffer takes part in expiration.
func (b *Buffer) Tracked() bool { return b.tracked }

// SameProcess reports whether the buffer wraps a producer-local segment.
func (b *Buffer) SameProcess() bool { return b.segment != nil }

// MapCount returns the number of outstanding Map calls.
func (b *Buffer) MapCount() int32 { return b.mapCount.Load() }

// IsMapped reports whether the buffer currently holds a mapping.
func (b *Buffer) IsMapped() bool {
	if !b.tracked {
		return !b.closed.Load()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data != nil
}

// Map returns the surface bytes, mapping them first if an eviction took the
// mapping away. Every successful Map must be paired with Unmap. The returned
// slice must not be used after the matching Unmap.
func (b *Buffer) Map() ([]byte, error) {
	if !b.tracked {
		if b.closed.Load() {
			return nil, ErrClosed
		}
		b.mapCount.Add(1)
		return b.data, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if b.mapCount.Load() == 0 {
		b.evictor.Untrack(b)
		if b.data == nil {
			if err := b.ensureMappedLocked(); err != nil {
				return nil, err
			}
		}
	}
	b.mapCount.Add(1)
	return b.data, nil
}

// Unmap releases one Map. An idle tracked buffer becomes a candidate for
// expiration but stays mapped until a sweep runs.
func (b *Buffer) Unmap() {
	if !b.tracked {
		if b.mapCount.Add(-1) < 0 {
			b.mapCount.Store(0)
			assert.Fail(b.logger, "unbalanced unmap")
		}
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.mapCount.Add(-1)
	switch {
	case n < 0:
		b.mapCount.Store(0)
		assert.Fail(b.logger, "unbalanced unmap")
	case n == 0 && !b.closed.Load():
		b.evictor.Track(b)
	}
}

// ExpireMap drops the mapping if nobody has the buffer mapped and reports
// whether it did.
func (b *Buffer) ExpireMap() bool {
	if !b.tracked {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mapCount.Load() != 0 || b.data == nil {
		return false
	}
	b.unmapLocked()
	b.metrics.Expirations.Inc()
	return true
}

// Close releases the mapping and the handle. The caller guarantees no Map is
// outstanding.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Swap(true) {
		return nil
	}
	if n := b.mapCount.Load(); n != 0 {
		assert.Fail(b.logger, "buffer closed while mapped", zap.Int32("map_count", n))
	}
	if b.segment != nil {
		return b.segment.release()
	}
	if b.tracked {
		b.evictor.Untrack(b)
	}
	var err error
	if b.data != nil {
		err = b.unmapLocked()
	}
	if cerr := CloseHandle(b.handle); err == nil {
		err = cerr
	}
	b.handle = InvalidHandle
	return err
}

func (b *Buffer) ensureMappedLocked() error {
	for {
		data, err := b.mapper.Map(b.handle, b.Len(), true)
		if err == nil {
			b.data = data
			b.metrics.MappedBytes.Add(float64(len(data)))
			return nil
		}
		b.metrics.MapFailures.Inc()
		if b.evictor == nil || !b.evictor.EvictOneGeneration() {
			return fmt.Errorf("%w: map %d bytes: %v", ErrOutOfMemory, b.Len(), err)
		}
	}
}

func (b *Buffer) unmapLocked() error {
	n := len(b.data)
	err := b.mapper.Unmap(b.data)
	if b.tracked {
		b.data = nil
	}
	b.metrics.MappedBytes.Sub(float64(n))
	return err
}
