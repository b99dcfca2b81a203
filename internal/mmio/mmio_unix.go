//go:build unix

package mmio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map maps length bytes of fd starting at off into memory, read-write and
// shared so writes are visible to every other mapper of the same file
// (including other processes).
func Map(fd int, off int64, length int, writable bool) (*Mapping, error) {
	if length == 0 {
		return &Mapping{Data: []byte{}, unmap: func() error { return nil }}, nil
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(fd, off, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: mmap failed: %w", err)
	}
	return &Mapping{
		Data: data,
		unmap: func() error {
			return unix.Munmap(data)
		},
	}, nil
}

// Flush persists dirty bytes in data to the backing file, blocking until
// the write reaches stable storage (MS_SYNC).
func Flush(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Msync(data, unix.MS_SYNC)
}

// FlushRange persists data[off:off+n] without requiring the caller to slice
// out of the full mapping (msync requires page-aligned addresses on some
// platforms; callers typically round off/n to the page size first).
func FlushRange(data []byte, off, n int) error {
	if off < 0 || n < 0 || off+n > len(data) {
		return fmt.Errorf("mmio: flush range [%d:%d] out of bounds (len=%d)", off, off+n, len(data))
	}
	return Flush(data[off : off+n])
}
