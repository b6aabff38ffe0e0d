package shm

import (
	internalshm "github.com/srediag/shm-registry/internal/shm"
)

// Mapper maps shared memory handles. Tests substitute one with a budget to
// simulate address-space exhaustion.
type Mapper interface {
	Map(h Handle, length int, readOnly bool) ([]byte, error)
	Unmap(data []byte) error
}

// SystemMapper maps handles with the platform primitives.
type SystemMapper struct{}

// Map maps length bytes of h.
func (SystemMapper) Map(h Handle, length int, readOnly bool) ([]byte, error) {
	region, err := internalshm.Map(h, length, readOnly)
	if err != nil {
		return nil, err
	}
	return region.Addr, nil
}

// Unmap releases a mapping returned by Map.
func (SystemMapper) Unmap(data []byte) error {
	return internalshm.Unmap(&internalshm.MappedRegion{Addr: data})
}
