// Package persist is the thin contract every component calls through to
// make a mutation crash-durable. The persist/flush primitive itself is an
// external collaborator (§1 of the design spec); this package only adds
// page-alignment and range-coalescing around mmio.Flush so callers don't
// each have to reimplement it.
package persist

import (
	"sort"
	"unsafe"

	"github.com/joshuapare/hivekit/internal/mmio"
)

const pageSize = 4096

// Range persists data[off:off+length), rounding out to page boundaries
// since msync operates on whole pages on some platforms.
func Range(data []byte, off, length int) error {
	if length <= 0 {
		return nil
	}
	if off < 0 || off >= len(data) {
		return mmio.FlushRange(data, off, length)
	}
	end := off + length
	if end > len(data) {
		end = len(data)
	}
	// Round the absolute address, not the offset within data: data is
	// often a sub-slice of a mapping that starts mid-page.
	addr := unsafe.Pointer(&data[off])
	lead := int(uintptr(addr) % pageSize)
	n := ((end - off + lead + pageSize - 1) / pageSize) * pageSize
	return mmio.Flush(unsafe.Slice((*byte)(unsafe.Add(addr, -lead)), n))
}

// All persists the entire mapping.
func All(data []byte) error {
	return mmio.Flush(data)
}

// span is a dirty byte range, used by Tracker to batch several mutations
// within one logical step into a single flush.
type span struct {
	off, length int
}

// Tracker accumulates dirty ranges across a multi-step operation (e.g. the
// pool's AddShelf protocol) and flushes them coalesced, once, at a step
// boundary. It is not safe for concurrent use.
type Tracker struct {
	data   []byte
	ranges []span
}

// NewTracker creates a Tracker over data.
func NewTracker(data []byte) *Tracker {
	return &Tracker{data: data}
}

// Mark records [off, off+length) as dirty.
func (t *Tracker) Mark(off, length int) {
	t.ranges = append(t.ranges, span{off, length})
}

// Flush persists every marked range, coalescing adjacent/overlapping ones
// first, and clears the tracked set.
func (t *Tracker) Flush() error {
	if len(t.ranges) == 0 {
		return nil
	}
	sort.Slice(t.ranges, func(i, j int) bool { return t.ranges[i].off < t.ranges[j].off })

	merged := t.ranges[:1]
	for _, r := range t.ranges[1:] {
		last := &merged[len(merged)-1]
		if r.off <= last.off+last.length {
			if end := r.off + r.length; end > last.off+last.length {
				last.length = end - last.off
			}
			continue
		}
		merged = append(merged, r)
	}

	for _, r := range merged {
		if err := Range(t.data, r.off, r.length); err != nil {
			return err
		}
	}
	t.ranges = t.ranges[:0]
	return nil
}
