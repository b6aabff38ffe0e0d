//go:build !linux

package shm

import (
	"sync"
)

// Without memfd the objects are emulated on the heap. Every handle to an object
// maps the same backing slice, which is enough for processes simulated inside
// one address space.

type object struct {
	data []byte
	refs int
}

var (
	objectsMu  sync.Mutex
	nextHandle Handle = 3
	objects           = make(map[Handle]*object)
)

// Create allocates a shared memory object of opts.Size bytes and returns a
// handle owning it.
func Create(opts MapOptions) (Handle, error) {
	if opts.Size <= 0 {
		return InvalidHandle, ErrInvalidSize
	}
	objectsMu.Lock()
	defer objectsMu.Unlock()
	h := nextHandle
	nextHandle++
	objects[h] = &object{data: make([]byte, opts.Size), refs: 1}
	return h, nil
}

// Map maps size bytes of the object behind h.
func Map(h Handle, size int, readOnly bool) (*MappedRegion, error) {
	objectsMu.Lock()
	defer objectsMu.Unlock()
	obj, ok := objects[h]
	if !ok {
		return nil, ErrInvalidHandle
	}
	if size <= 0 || size > len(obj.data) {
		return nil, ErrInvalidSize
	}
	return &MappedRegion{Addr: obj.data[:size:size], ReadOnly: readOnly}, nil
}

// Unmap releases the mapping.
func Unmap(region *MappedRegion) error {
	if region != nil {
		region.Addr = nil
	}
	return nil
}

// Protect records the protection; heap memory cannot be write protected.
func Protect(region *MappedRegion, readOnly bool) error {
	if region != nil {
		region.ReadOnly = readOnly
	}
	return nil
}

// Dup returns a second handle to the same object.
func Dup(h Handle) (Handle, error) {
	objectsMu.Lock()
	defer objectsMu.Unlock()
	obj, ok := objects[h]
	if !ok {
		return InvalidHandle, ErrInvalidHandle
	}
	obj.refs++
	d := nextHandle
	nextHandle++
	objects[d] = obj
	return d, nil
}

// Close releases the handle.
func Close(h Handle) error {
	objectsMu.Lock()
	defer objectsMu.Unlock()
	obj, ok := objects[h]
	if !ok {
		return nil
	}
	delete(objects, h)
	obj.refs--
	return nil
}
