// Package fixedalloc implements C6: a single-size-class block allocator
// over one shelf's shared region. All blocks the allocator ever hands out
// are exactly blockSize bytes; a shelf serving multiple size classes needs
// one fixedalloc.Allocator per class (as freelist's fixed-size GlobalPtr
// records do) or the buddy-style zone allocator instead.
//
// Layout:
//
//	header (one cache line): blockSize, firstBlock, neverAllocated, freeHead
//	user metadata            (userMetadataSize bytes, cache-line aligned)
//	blocks                   (blockSize-aligned, from firstBlock to len(region))
package fixedalloc

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

const (
	offBlockSize      = 0
	offFirstBlock     = 8
	offNeverAllocated = 16
	offFreeHead       = 24

	headerSize = kCacheLineSize
)

// Allocator is a fixed-block allocator opened over a shelf's shared
// region. The zero value is not usable; construct with Open or Init.
type Allocator struct {
	region []byte
}

// Init lays out a new allocator header at the start of region (which must
// be at least headerSize+userMetadataSize bytes). blockSize and
// userMetadataSize are rounded up to the cache line size. If region
// already carries a compatible header (e.g. another process raced this
// call), Init succeeds and adopts the existing parameters instead of
// failing — this is the "two processes initializing the same shelf see
// identical parameters or fail" contract from spec.md, implemented via a
// once-only CAS on blockSize exactly as the source allocator this is
// grounded on does with its own cas_u64 calls.
func Init(region []byte, blockSize, userMetadataSize int64) (*Allocator, error) {
	if blockSize <= 0 {
		blockSize = 1
	}
	blockSize = bufx.RoundUp(blockSize, kCacheLineSize)
	userMetadataSize = bufx.RoundUp(userMetadataSize, kCacheLineSize)

	firstBlock := bufx.RoundUp(int64(headerSize)+userMetadataSize, blockSize)
	if firstBlock > int64(len(region)) {
		return nil, fmt.Errorf("fixedalloc: region too small for header+user metadata: need >=%d, have %d", firstBlock, len(region))
	}

	lane := laneU64(region, offBlockSize)
	old := atomic.LoadUint64(lane)
	if old == 0 {
		atomic.CompareAndSwapUint64(lane, 0, uint64(blockSize))
		old = atomic.LoadUint64(lane)
	}
	if old != uint64(blockSize) {
		return nil, fmt.Errorf("fixedalloc: region already initialized with block size %d, requested %d", old, blockSize)
	}

	fbLane := laneU64(region, offFirstBlock)
	oldFB := atomic.LoadUint64(fbLane)
	if oldFB == 0 {
		atomic.CompareAndSwapUint64(fbLane, 0, uint64(firstBlock))
		oldFB = atomic.LoadUint64(fbLane)
	}
	if oldFB != uint64(firstBlock) {
		return nil, fmt.Errorf("fixedalloc: region already initialized with first block offset %d, requested %d", oldFB, firstBlock)
	}

	if err := persist.Range(region, 0, headerSize); err != nil {
		return nil, fmt.Errorf("fixedalloc: persist header: %w", err)
	}
	return &Allocator{region: region}, nil
}

// Open adopts an already-initialized region without touching its header.
func Open(region []byte) (*Allocator, error) {
	if len(region) < headerSize {
		return nil, fmt.Errorf("fixedalloc: region too small for header")
	}
	if atomic.LoadUint64(laneU64(region, offBlockSize)) == 0 {
		return nil, fmt.Errorf("fixedalloc: region not initialized")
	}
	return &Allocator{region: region}, nil
}

func laneU64(region []byte, off int) *uint64 {
	//nolint:govet // header lives in caller-owned mmap'd memory, 8-byte aligned by layout contract.
	return (*uint64)(unsafe.Pointer(&region[off]))
}

// BlockSize returns the allocator's fixed block size.
func (a *Allocator) BlockSize() int64 {
	return int64(atomic.LoadUint64(laneU64(a.region, offBlockSize)))
}

// FirstBlock returns the byte offset of the first block.
func (a *Allocator) FirstBlock() int64 {
	return int64(atomic.LoadUint64(laneU64(a.region, offFirstBlock)))
}

// MaxBlocks returns the number of blocks the region can hold.
func (a *Allocator) MaxBlocks() int64 {
	return (int64(len(a.region)) - a.FirstBlock()) / a.BlockSize()
}

// UserMetadata returns the caller-reserved bytes between the header and
// the first block.
func (a *Allocator) UserMetadata() []byte {
	return a.region[headerSize:a.FirstBlock()]
}

// Alloc returns a never-before-recycled or freed block's offset, or 0 if
// the region is exhausted. The allocation order is freelist-first (reuse
// a freed block), then bump (claim the next never-allocated block), which
// favors cache-hot recently-freed blocks over growing the high-water mark.
func (a *Allocator) Alloc() gid.Offset {
	if off := pstack.Pop(a.region, offFreeHead); off != 0 {
		return off
	}

	neverLane := laneU64(a.region, offNeverAllocated)
	blockSize := uint64(a.BlockSize())
	firstBlock := uint64(a.FirstBlock())
	regionSize := uint64(len(a.region))

	for {
		old := atomic.LoadUint64(neverLane)
		block := old
		if block == 0 {
			block = firstBlock
		}
		next := block + blockSize
		if next > regionSize {
			return 0
		}
		if atomic.CompareAndSwapUint64(neverLane, old, next) {
			return gid.Offset(block)
		}
	}
}

// Free pushes block back onto the free list and persists its contents, on
// the assumption the caller has finished mutating it. UnsafeFree skips the
// persist for callers that already flushed the block themselves.
func (a *Allocator) Free(block gid.Offset) {
	if block == 0 {
		return
	}
	_ = persist.Range(a.region, int(block), int(a.BlockSize()))
	a.UnsafeFree(block)
}

// UnsafeFree pushes block back onto the free list without persisting it
// first. Callers must have already made the block's contents durable.
func (a *Allocator) UnsafeFree(block gid.Offset) {
	if block == 0 {
		return
	}
	pstack.Push(a.region, offFreeHead, block)
	_ = persist.Range(a.region, offFreeHead, 8)
}
