package shm

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

var localPool bytebufferpool.Pool

// Local is a surface kept in process memory when shared memory cannot be
// allocated. It cannot be shared with other processes.
type Local struct {
	size   Size
	stride int32
	format Format

	mu  sync.Mutex
	buf *bytebufferpool.ByteBuffer
}

// NewLocal allocates a zeroed local surface from a pooled buffer.
func NewLocal(size Size, stride int32, format Format) (*Local, error) {
	if err := validateGeometry(size, stride, format); err != nil {
		return nil, err
	}
	n := int(stride) * int(size.Height)
	buf := localPool.Get()
	if cap(buf.B) < n {
		buf.B = make([]byte, n)
	} else {
		buf.B = buf.B[:n]
		clear(buf.B)
	}
	return &Local{size: size, stride: stride, format: format, buf: buf}, nil
}

// Size returns the surface size.
func (l *Local) Size() Size { return l.size }

// Stride returns the row stride in bytes.
func (l *Local) Stride() int32 { return l.stride }

// Format returns the pixel format.
func (l *Local) Format() Format { return l.format }

// Len returns the byte length of the surface data.
func (l *Local) Len() int { return int(l.stride) * int(l.size.Height) }

// Data returns the surface bytes, or nil after Release.
func (l *Local) Data() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf == nil {
		return nil
	}
	return l.buf.B
}

// Release returns the memory to the pool.
func (l *Local) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf == nil {
		return
	}
	localPool.Put(l.buf)
	l.buf = nil
}
