// Package membership implements the fixed-size array of versioned slots
// used both as a pool's shelf membership table (C2) and, reused verbatim,
// as a distributed heap's ownership table (C4).
//
// Each slot packs a valid bit and a 15-bit version into one 16-bit word,
// stored in the low 16 bits of a cache-line-padded 32-bit lane so it can be
// mutated with sync/atomic across processes sharing the same mmap'd region.
package membership

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/hivekit/internal/bufx"
)

const (
	// kCacheLineSize is the padding stride between slots, matching the
	// cache-line alignment the persisted layout promises concurrent
	// CAS-ing processes (no false sharing between adjacent slots).
	kCacheLineSize = 64

	// kMagicNum identifies an initialized membership table header
	// ("nvmembership" packed into a 64-bit word, per the wire layout).
	kMagicNum uint64 = 0x00009F7FB8F964E7

	headerSize = kCacheLineSize

	validBitMask uint16 = 1 << 15
	versionMask  uint16 = validBitMask - 1
)

// Word is the logical (valid, version) pair packed into a slot.
type Word struct {
	Valid   bool
	Version uint16
}

func packWord(valid bool, version uint16) uint16 {
	v := version & versionMask
	if valid {
		v |= validBitMask
	}
	return v
}

func unpackWord(w uint16) Word {
	return Word{Valid: w&validBitMask != 0, Version: w & versionMask}
}

// Table is a membership/ownership table opened over a byte slice (typically
// a slice into a shelf's mmap'd region). It is not itself safe for
// concurrent Create/Open/Close; slot operations are.
type Table struct {
	data  []byte // header + slots, as laid out by Create/Open
	count int
}

// RequiredSize returns the number of bytes Create needs for a table of the
// given slot count.
func RequiredSize(count int) int64 {
	return int64(headerSize) + int64(count)*kCacheLineSize
}

// Create initializes a new membership table of count slots at the start of
// data, which must be at least RequiredSize(count) bytes and cache-line
// aligned (true of any offset inside a shelf's shared area that itself
// starts cache-line aligned).
func Create(data []byte, count int) (*Table, error) {
	need := RequiredSize(count)
	if int64(len(data)) < need {
		return nil, fmt.Errorf("membership: insufficient space for %d slots: need %d, have %d", count, need, len(data))
	}
	for i := range data[:need] {
		data[i] = 0
	}
	bufx.PutU64(data, 0, kMagicNum)
	bufx.PutU64(data, 8, uint64(count))
	return &Table{data: data[:need], count: count}, nil
}

// Open verifies the magic number and maps a Table over an existing region.
func Open(data []byte) (*Table, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("membership: region too small for header")
	}
	if bufx.ReadU64(data, 0) != kMagicNum {
		return nil, fmt.Errorf("membership: magic number mismatch")
	}
	count := int(bufx.ReadU64(data, 8))
	need := RequiredSize(count)
	if int64(len(data)) < need {
		return nil, fmt.Errorf("membership: region too small for %d slots", count)
	}
	return &Table{data: data[:need], count: count}, nil
}

// Count returns the number of slots in the table.
func (t *Table) Count() int { return t.count }

func (t *Table) lane(i int) *uint32 {
	off := headerSize + i*kCacheLineSize
	//nolint:govet // intentional: the slot's storage lives in caller-owned mmap'd memory.
	return (*uint32)(unsafe.Pointer(&t.data[off]))
}

func (t *Table) load(i int) Word {
	v := atomic.LoadUint32(t.lane(i))
	return unpackWord(uint16(v))
}

func (t *Table) cas(i int, old, new16 uint16) bool {
	return atomic.CompareAndSwapUint32(t.lane(i), uint32(old), uint32(new16))
}

// GetUsedSlot returns the current value of slot i and whether it is valid.
func (t *Table) GetUsedSlot(i int) (Word, bool) {
	w := t.load(i)
	return w, w.Valid
}

// GetFreeSlot attempts to claim slot i for the acquire protocol's first
// phase: if the slot is free, it CAS-increments the version (leaving the
// valid bit clear) and returns the new value. A concurrent winner of this
// race observes a version one higher and loses the subsequent MarkSlotUsed.
func (t *Table) GetFreeSlot(i int) (Word, bool) {
	for {
		old := t.load(i)
		if old.Valid {
			return old, false
		}
		newVersion := (old.Version + 1) & versionMask
		newWord := packWord(false, newVersion)
		if t.cas(i, packWord(false, old.Version), newWord) {
			return unpackWord(newWord), true
		}
		// Lost the race; observe the interloper's value and retry from it.
	}
}

// MarkSlotUsed arms the valid bit for slot i, CAS-ing against the exact
// value GetFreeSlot returned. It fails if another process raced ahead.
func (t *Table) MarkSlotUsed(i int, expected Word) (Word, bool) {
	if expected.Valid {
		return expected, false
	}
	oldWord := packWord(false, expected.Version)
	newWord := packWord(true, expected.Version)
	if t.cas(i, oldWord, newWord) {
		return unpackWord(newWord), true
	}
	return t.load(i), false
}

// MarkSlotFree releases slot i: if valid, it CAS-increments the version and
// clears the valid bit, returning the value the slot held before release.
func (t *Table) MarkSlotFree(i int) (Word, bool) {
	for {
		old := t.load(i)
		if !old.Valid {
			return old, false
		}
		newVersion := (old.Version + 1) & versionMask
		newWord := packWord(false, newVersion)
		if t.cas(i, packWord(true, old.Version), newWord) {
			return old, true
		}
	}
}

// FindFirstFreeSlot scans [start, end] (wrapping if end < start) for the
// first free slot.
func (t *Table) FindFirstFreeSlot(start, end int) (int, bool) {
	return t.find(start, end, false)
}

// FindFirstUsedSlot scans [start, end] (wrapping if end < start) for the
// first used slot.
func (t *Table) FindFirstUsedSlot(start, end int) (int, bool) {
	return t.find(start, end, true)
}

func (t *Table) find(start, end int, wantValid bool) (int, bool) {
	if t.count == 0 {
		return 0, false
	}
	start = ((start % t.count) + t.count) % t.count
	end = ((end % t.count) + t.count) % t.count

	check := func(i int) bool { return t.load(i).Valid == wantValid }

	if end < start {
		for i := start; i < t.count; i++ {
			if check(i) {
				return i, true
			}
		}
		for i := 0; i <= end; i++ {
			if check(i) {
				return i, true
			}
		}
		return 0, false
	}
	for i := start; i <= end; i++ {
		if check(i) {
			return i, true
		}
	}
	return 0, false
}

// TestValidBitWithIndex reports whether slot i is currently valid.
func (t *Table) TestValidBitWithIndex(i int) bool {
	return t.load(i).Valid
}

// GetVersionNumWithIndex returns the current version of slot i.
func (t *Table) GetVersionNumWithIndex(i int) uint16 {
	return t.load(i).Version
}

// CheckAndRevokeItem implements the lease liveness check used when a Table
// is reused as an ownership table (C4): if slot i is valid and revokeFn
// reports its holder dead, the slot is released. revokeFn is only called
// when the slot is currently valid.
func (t *Table) CheckAndRevokeItem(i int, revokeFn func(i int) bool) bool {
	w, valid := t.GetUsedSlot(i)
	if !valid {
		return false
	}
	_ = w
	if !revokeFn(i) {
		return false
	}
	_, ok := t.MarkSlotFree(i)
	return ok
}
