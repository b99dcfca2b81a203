// Package mmio provides the shared-memory mapping and flush primitives
// every persistent structure in gull is layered on top of. It is a thin
// contract over the platform mmap/msync syscalls: callers are expected to
// do their own offset/length bookkeeping.
package mmio

// Mapping is a process-private view of a byte range of a shelf file.
// Multiple independent Mappings over the same file are allowed; each has
// its own Unmap.
type Mapping struct {
	Data []byte

	unmap func() error
}

// Unmap releases the mapping. It is safe to call once; a second call is a
// no-op.
func (m *Mapping) Unmap() error {
	if m == nil || m.unmap == nil {
		return nil
	}
	err := m.unmap()
	m.unmap = nil
	m.Data = nil
	return err
}
