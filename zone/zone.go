// Package zone implements C7: a buddy-style allocator over a single
// shelf's shared region, supporting many power-of-two size classes
// (unlike fixedalloc's single size class). Objects of size s are rounded
// up to the nearest power of two chunk size and carry their allocation
// level packed into bits 40-47 of the returned offset (internal/gid's
// PackLevel/UnpackLevel), so Free can recover a chunk's size without a
// second lookup.
//
// Layout:
//
//	header (one cache line): parameters, current level, grow/merge state
//	freelist heads           (maxZoneLevel+1 pstack heads, one per level)
//	allocation bitmap         (one bit per chunk per level, diagnostic only)
//	chunk space               (starts at initialSize, doubles up to maxZoneSize)
package zone

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/hivekit/internal/bufx"
	"github.com/joshuapare/hivekit/internal/gid"
	"github.com/joshuapare/hivekit/internal/persist"
	"github.com/joshuapare/hivekit/pstack"
)

const kCacheLineSize = 64

// Header field offsets, each its own 8-byte atomic lane.
const (
	offMaxZoneLevel     = 0
	offMinObjectSize    = 8
	offCurrentZoneLevel = 16
	offMaxZoneSize      = 24
	offGrowInProgress   = 32
	offMergeInProgress  = 40
	offBitmapStart      = 48

	headerSize = kCacheLineSize
)

// Allocator is a zone opened over a shelf's shared region.
type Allocator struct {
	region      []byte
	freeListOff int64 // byte offset of the first freelist head
	bitmapOff   int64 // byte offset of the allocation bitmap
	chunkOff    int64 // byte offset of chunk 0 (the zone's own base address)
}

func lane(region []byte, off int64) *uint64 {
	//nolint:govet // header lives in caller-owned mmap'd memory, 8-byte aligned by layout contract.
	return (*uint64)(unsafe.Pointer(&region[off]))
}

// Init lays out a new zone of minObjectSize-byte chunks, initially sized
// initialSize bytes and growable up to maxSize bytes; both must be powers
// of two, and minObjectSize must be a power of two no smaller than 64
// bytes (matching the source allocator's MIN_OBJECT_SIZE floor). As with
// fixedalloc.Init, a region already carrying a compatible header is
// adopted rather than rejected.
func Init(region []byte, minObjectSize, initialSize, maxSize int64) (*Allocator, error) {
	if minObjectSize < 64 {
		minObjectSize = 64
	}
	if !bufx.IsPowerOfTwo(minObjectSize) {
		return nil, fmt.Errorf("zone: min object size %d is not a power of two", minObjectSize)
	}
	if !bufx.IsPowerOfTwo(maxSize) {
		return nil, fmt.Errorf("zone: max size %d is not a power of two", maxSize)
	}
	if !bufx.IsPowerOfTwo(initialSize) {
		return nil, fmt.Errorf("zone: initial size %d is not a power of two", initialSize)
	}
	if initialSize <= minObjectSize {
		return nil, fmt.Errorf("zone: initial size %d must exceed min object size %d", initialSize, minObjectSize)
	}

	maxZoneLevel := int64(bufx.Log2(maxSize / minObjectSize))
	currentZoneLevel := int64(bufx.Log2(initialSize / minObjectSize))

	numFreeLists := maxZoneLevel + 1
	freeListOff := int64(headerSize)
	freeListBytes := numFreeLists * 8
	bitmapOff := bufx.RoundUp(freeListOff+freeListBytes, 8)
	bitmapBits := totalBitmapBits(maxZoneLevel)
	bitmapBytes := bufx.RoundUp((bitmapBits+7)/8, 8)
	chunkOff := bufx.RoundUp(bitmapOff+bitmapBytes, minObjectSize)

	if chunkOff+initialSize > int64(len(region)) {
		return nil, fmt.Errorf("zone: region too small: need >= %d bytes for header+freelists+bitmap+initial chunk space, have %d", chunkOff+initialSize, len(region))
	}

	if err := initField(region, offMinObjectSize, uint64(minObjectSize)); err != nil {
		return nil, err
	}
	if err := initField(region, offMaxZoneSize, uint64(maxSize)); err != nil {
		return nil, err
	}
	if err := initField(region, offMaxZoneLevel, uint64(maxZoneLevel)); err != nil {
		return nil, err
	}
	if err := initField(region, offBitmapStart, uint64(bitmapOff)); err != nil {
		return nil, err
	}
	if err := initField(region, offCurrentZoneLevel, uint64(currentZoneLevel)); err != nil {
		return nil, err
	}

	a := &Allocator{region: region, freeListOff: freeListOff, bitmapOff: bitmapOff, chunkOff: chunkOff}

	// Seed the freelist: the whole initial chunk space is one free chunk
	// at currentZoneLevel, exactly as grow() adds one chunk per level-up.
	a.pushFree(currentZoneLevel, gid.Offset(chunkOff))

	if err := persist.Range(region, 0, int(chunkOff)); err != nil {
		return nil, fmt.Errorf("zone: persist header: %w", err)
	}
	return a, nil
}

// initField CAS-initializes a header field from zero, tolerating a
// concurrent initializer that already wrote the same value.
func initField(region []byte, off int64, v uint64) error {
	l := lane(region, off)
	old := atomic.LoadUint64(l)
	if old == 0 && v != 0 {
		atomic.CompareAndSwapUint64(l, 0, v)
		old = atomic.LoadUint64(l)
	}
	if old != v {
		return fmt.Errorf("zone: region already initialized with incompatible parameter at offset %d: have %d, want %d", off, old, v)
	}
	return nil
}

// Open adopts an already-initialized region without touching its header.
func Open(region []byte) (*Allocator, error) {
	if len(region) < headerSize {
		return nil, fmt.Errorf("zone: region too small for header")
	}
	maxZoneLevel := int64(atomic.LoadUint64(lane(region, offMaxZoneLevel)))
	if maxZoneLevel == 0 && atomic.LoadUint64(lane(region, offMaxZoneSize)) == 0 {
		return nil, fmt.Errorf("zone: region not initialized")
	}
	numFreeLists := maxZoneLevel + 1
	freeListOff := int64(headerSize)
	bitmapOff := int64(atomic.LoadUint64(lane(region, offBitmapStart)))
	bitmapBits := totalBitmapBits(maxZoneLevel)
	bitmapBytes := bufx.RoundUp((bitmapBits+7)/8, 8)
	minObjectSize := int64(atomic.LoadUint64(lane(region, offMinObjectSize)))
	chunkOff := bufx.RoundUp(bitmapOff+bitmapBytes, minObjectSize)
	_ = numFreeLists
	return &Allocator{region: region, freeListOff: freeListOff, bitmapOff: bitmapOff, chunkOff: chunkOff}, nil
}

func (a *Allocator) minObjectSize() int64   { return int64(atomic.LoadUint64(lane(a.region, offMinObjectSize))) }
func (a *Allocator) maxZoneLevel() int64    { return int64(atomic.LoadUint64(lane(a.region, offMaxZoneLevel))) }
func (a *Allocator) maxZoneSize() int64     { return int64(atomic.LoadUint64(lane(a.region, offMaxZoneSize))) }
func (a *Allocator) currentZoneLevel() int64 {
	return int64(atomic.LoadUint64(lane(a.region, offCurrentZoneLevel)))
}

func (a *Allocator) sizeForLevel(level int64) int64 { return a.minObjectSize() << uint(level) }

func (a *Allocator) levelForSize(size int64) int64 {
	chunk := bufx.RoundUp(size, a.minObjectSize())
	if !bufx.IsPowerOfTwo(chunk) {
		var p int64 = 1
		for p < chunk {
			p <<= 1
		}
		chunk = p
	}
	return int64(bufx.Log2(chunk / a.minObjectSize()))
}

func (a *Allocator) freeListHeadOff(level int64) int {
	return int(a.freeListOff + level*8)
}

func (a *Allocator) popFree(level int64) gid.Offset {
	return pstack.Pop(a.region, a.freeListHeadOff(level))
}

func (a *Allocator) pushFree(level int64, off gid.Offset) {
	pstack.Push(a.region, a.freeListHeadOff(level), off)
}

// Alloc returns a GlobalPtr-ready offset (level packed into its bits
// 40-47) for an object of at least size bytes, or 0 if the zone is
// exhausted even after growing to its configured maximum.
func (a *Allocator) Alloc(size int64) gid.Offset {
	wantLevel := a.levelForSize(size)

	for {
		current := a.currentZoneLevel()
		for level := wantLevel; level <= current; level++ {
			result := a.popFree(level)
			if result == 0 {
				continue
			}
			chunkSize := a.sizeForLevel(level)
			for level > wantLevel {
				half := chunkSize >> 1
				buddy := result + gid.Offset(half)
				level--
				chunkSize = half
				a.pushFree(level, buddy)
			}
			clearRange(a.region, int64(result), chunkSize)
			_ = persist.Range(a.region, int(result), int(chunkSize))
			a.setBit(wantLevel, result)
			return gid.PackLevel(result, uint8(wantLevel))
		}

		if !a.grow() {
			return 0
		}
	}
}

// Free returns an allocated object to the zone. ptr must be a value
// previously returned by Alloc (i.e. it carries a packed level).
func (a *Allocator) Free(ptr gid.Offset) {
	if ptr == 0 {
		return
	}
	off, level := gid.UnpackLevel(ptr)
	a.clearBit(int64(level), off)
	a.pushFree(int64(level), off)
}

// grow extends the zone by one level, from currentZoneLevel to
// currentZoneLevel+1, adding the newly exposed half as a free chunk at
// the old level. It returns false if the zone is already at its maximum
// size. Only one grow runs at a time across all processes sharing the
// zone, guarded by growInProgress.
func (a *Allocator) grow() bool {
	growLane := lane(a.region, offGrowInProgress)
	if !atomic.CompareAndSwapUint64(growLane, 0, 1) {
		return true // someone else is growing; caller should retry the alloc scan
	}
	defer atomic.StoreUint64(growLane, 0)

	current := a.currentZoneLevel()
	if current >= a.maxZoneLevel() {
		return false
	}

	chunkSize := a.sizeForLevel(current)
	newChunk := gid.Offset(a.chunkOff) + gid.Offset(chunkSize)

	levelLane := lane(a.region, offCurrentZoneLevel)
	if !atomic.CompareAndSwapUint64(levelLane, uint64(current), uint64(current+1)) {
		return true
	}
	a.pushFree(current, newChunk)
	return true
}

// Merge walks the freelist at level, pairing up buddies that are both
// still free and promoting each pair to level+1. It is a simplified
// stand-in for the crash-recoverable three-phase merge the buddy
// allocator this is grounded on performs (safe-copy swap, merge-bitmap
// build, post-merge freelist walk): correct for a live process, but a
// crash mid-merge can strand chunks rather than being provably
// recoverable, which is why RecoverMerge exists as the documented
// follow-up rather than a full crash-safe state machine.
func (a *Allocator) Merge(level int64) error {
	if level >= a.maxZoneLevel() {
		return fmt.Errorf("zone: cannot merge at the max level")
	}
	mergeLane := lane(a.region, offMergeInProgress)
	if !atomic.CompareAndSwapUint64(mergeLane, 0, 1) {
		return fmt.Errorf("zone: merge already in progress")
	}
	defer atomic.StoreUint64(mergeLane, 0)

	chunkSize := a.sizeForLevel(level)
	present := make(map[gid.Offset]bool)
	for {
		off := a.popFree(level)
		if off == 0 {
			break
		}
		present[off] = true
	}

	base := gid.Offset(a.chunkOff)
	for off := range present {
		if !present[off] {
			continue // already consumed as someone else's buddy
		}
		// Buddies are found by XORing the offset *relative to the chunk
		// space's base*, not the absolute region offset: chunkOff itself
		// is only aligned to minObjectSize, not to chunkSize at this
		// level, so XORing absolute offsets would pair chunks that
		// aren't actually buddies.
		rel := off - base
		buddyRel := rel ^ gid.Offset(chunkSize)
		buddy := buddyRel + base
		if present[buddy] && buddy > off {
			delete(present, off)
			delete(present, buddy)
			a.pushFree(level+1, off)
		}
	}
	for off, ok := range present {
		if ok {
			a.pushFree(level, off)
		}
	}
	return nil
}

// StartMerge runs Merge at every level below the current zone level, in
// increasing order, matching spec.md's "merge starts at the lowest level
// and proceeds upward" contract.
func (a *Allocator) StartMerge() error {
	current := a.currentZoneLevel()
	for level := int64(0); level < current; level++ {
		if err := a.Merge(level); err != nil {
			return err
		}
	}
	return nil
}

// GrowInProgress reports whether a grow latch is currently held. A latch
// that stays held outside of an actual grow call is the only direct
// evidence this package can surface that the process running that grow
// crashed mid-operation.
func (a *Allocator) GrowInProgress() bool {
	return atomic.LoadUint64(lane(a.region, offGrowInProgress)) != 0
}

// MergeInProgress reports whether a merge latch is currently held, with
// the same crash-evidence caveat as GrowInProgress.
func (a *Allocator) MergeInProgress() bool {
	return atomic.LoadUint64(lane(a.region, offMergeInProgress)) != 0
}

// RecoverGrow clears a grow-in-progress flag left over from a process
// that crashed mid-grow. The newly exposed chunk from that grow may or
// may not have made it onto its freelist; spec.md marks this gap
// "implementer-required," and the fix here is the minimal one: clear the
// latch so future allocations are not wedged waiting for a grow that will
// never finish. A lost chunk from an interrupted grow requires an offline
// scrub this package does not implement.
func (a *Allocator) RecoverGrow() {
	atomic.StoreUint64(lane(a.region, offGrowInProgress), 0)
}

// RecoverMerge clears a merge-in-progress flag left over from a crashed
// merge, with the same lost-chunk caveat as RecoverGrow.
func (a *Allocator) RecoverMerge() {
	atomic.StoreUint64(lane(a.region, offMergeInProgress), 0)
}

// IsValidOffset reports whether ptr (level-tagged or bare) addresses
// somewhere inside this zone's current extent.
func (a *Allocator) IsValidOffset(ptr gid.Offset) bool {
	off, _ := gid.UnpackLevel(ptr)
	size := a.sizeForLevel(a.currentZoneLevel())
	return off > 0 && int64(off) < int64(a.chunkOff)+size
}

func clearRange(region []byte, off, n int64) {
	for i := off; i < off+n; i++ {
		region[i] = 0
	}
}

// totalBitmapBits is the number of per-chunk bits needed across every
// level 0..maxZoneLevel (numChunks halves at each higher level, down to 1
// chunk at maxZoneLevel).
func totalBitmapBits(maxZoneLevel int64) int64 {
	var total int64
	for level := int64(0); level <= maxZoneLevel; level++ {
		total += int64(1) << uint(maxZoneLevel-level)
	}
	return total
}

// levelBitOffset is the bit index where level's region of the bitmap
// begins: the sum of every lower level's chunk count.
func (a *Allocator) levelBitOffset(level int64) int64 {
	maxLevel := a.maxZoneLevel()
	var off int64
	for l := int64(0); l < level; l++ {
		off += int64(1) << uint(maxLevel-l)
	}
	return off
}

func (a *Allocator) bitIndex(level int64, off gid.Offset) int64 {
	chunkSize := a.sizeForLevel(level)
	chunkIdx := (int64(off) - a.chunkOff) / chunkSize
	return a.levelBitOffset(level) + chunkIdx
}

func (a *Allocator) bitWord(bitIdx int64) (*uint64, uint) {
	byteOff := a.bitmapOff + bitIdx/8
	base := byteOff &^ 7
	return lane(a.region, base), uint(bitIdx - (base-a.bitmapOff)*8)
}

func (a *Allocator) setBit(level int64, off gid.Offset) {
	word, bit := a.bitWord(a.bitIndex(level, off))
	for {
		old := atomic.LoadUint64(word)
		newVal := old | (uint64(1) << bit)
		if atomic.CompareAndSwapUint64(word, old, newVal) {
			return
		}
	}
}

func (a *Allocator) clearBit(level int64, off gid.Offset) {
	word, bit := a.bitWord(a.bitIndex(level, off))
	for {
		old := atomic.LoadUint64(word)
		newVal := old &^ (uint64(1) << bit)
		if atomic.CompareAndSwapUint64(word, old, newVal) {
			return
		}
	}
}
