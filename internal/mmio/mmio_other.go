//go:build !unix

package mmio

import "fmt"

// Map is unsupported outside unix-like platforms: gull's persistent layout
// depends on shared read-write mmap semantics the fallback os.File API
// cannot provide.
func Map(fd int, off int64, length int, writable bool) (*Mapping, error) {
	return nil, fmt.Errorf("mmio: shared read-write mmap is not supported on this platform")
}

// Flush is unsupported outside unix-like platforms.
func Flush(data []byte) error {
	return fmt.Errorf("mmio: flush is not supported on this platform")
}

// FlushRange is unsupported outside unix-like platforms.
func FlushRange(data []byte, off, n int) error {
	return fmt.Errorf("mmio: flush is not supported on this platform")
}
