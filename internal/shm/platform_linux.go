//go:build linux

package shm

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

const devShmPath = "/dev/shm"

// Create allocates a shared memory object of opts.Size bytes and returns a
// handle owning it.
func Create(opts MapOptions) (Handle, error) {
	if opts.Size <= 0 {
		return InvalidHandle, ErrInvalidSize
	}
	if opts.Dir != "" {
		return createFile(opts)
	}
	fd, err := unix.MemfdCreate(opts.Name, unix.MFD_CLOEXEC)
	if err != nil {
		return InvalidHandle, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		_ = unix.Close(fd)
		return InvalidHandle, fmt.Errorf("ftruncate: %w", err)
	}
	return Handle(fd), nil
}

// createFile opens a uniquely named file under opts.Dir. Name is only a prefix,
// so concurrent creations with the same name do not collide.
func createFile(opts MapOptions) (Handle, error) {
	path := filepath.Join(opts.Dir, opts.Name+"-"+uuid.NewString())
	if !canCreateOnDevShm(uint64(opts.Size), path) {
		return InvalidHandle, fmt.Errorf("%w: path %s, size %d", ErrNoSpace, path, opts.Size)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
	if err != nil {
		return InvalidHandle, fmt.Errorf("open: %w", err)
	}
	// The descriptor keeps the object alive; the name is only needed to create it.
	_ = unix.Unlink(path)
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		_ = unix.Close(fd)
		return InvalidHandle, fmt.Errorf("ftruncate: %w", err)
	}
	return Handle(fd), nil
}

// canCreateOnDevShm checks the free space of /dev/shm. Paths elsewhere always pass.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, devShmPath) {
		return true
	}
	stat, err := disk.Usage(devShmPath)
	if err != nil {
		return false
	}
	return stat.Free >= size
}

// Map maps size bytes of the object behind h.
func Map(h Handle, size int, readOnly bool) (*MappedRegion, error) {
	if !h.Valid() {
		return nil, ErrInvalidHandle
	}
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	addr, err := unix.Mmap(int(h), 0, size, protection(readOnly), unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, ReadOnly: readOnly}, nil
}

// Unmap releases the mapping. The object itself stays alive while a handle to it
// is open.
func Unmap(region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	return nil
}

// Protect changes the access protection of a mapping.
func Protect(region *MappedRegion, readOnly bool) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Mprotect(region.Addr, protection(readOnly)); err != nil {
		return fmt.Errorf("mprotect: %w", err)
	}
	region.ReadOnly = readOnly
	return nil
}

// Dup returns a second handle to the same object, suitable for transfer.
func Dup(h Handle) (Handle, error) {
	if !h.Valid() {
		return InvalidHandle, ErrInvalidHandle
	}
	fd, err := unix.FcntlInt(uintptr(h), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return InvalidHandle, fmt.Errorf("dup: %w", err)
	}
	return Handle(fd), nil
}

// Close releases the handle.
func Close(h Handle) error {
	if !h.Valid() {
		return nil
	}
	if err := unix.Close(int(h)); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

func protection(readOnly bool) int {
	if readOnly {
		return unix.PROT_READ
	}
	return unix.PROT_READ | unix.PROT_WRITE
}
