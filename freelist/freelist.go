// Package freelist implements C8: one queue of recycled GlobalPtrs per
// shelf index, used by disheap to let a process that doesn't own a given
// shelf-heap still return memory to it instead of blocking on a lock it
// has no right to take. A process that owns the shelf later drains its
// queue and performs the actual local Free.
//
// Layout: kMaxShelfCount pstack heads (one per shelf index), followed by
// a fixedalloc.Allocator's node pool sized for GlobalPtr-plus-link
// records. The heads sit first so their fixed, small size never depends
// on how much node space the allocator ends up reserving.
package freelist

import (
	"fmt"

	"github.com/joshuapare/hivekit/fixedalloc"
	"github.com/joshuapare/hivekit/gullerr"
	"github.com/joshuapare/hivekit/internal/bufx"
	"github.com/joshuapare/hivekit/internal/gid"
	"github.com/joshuapare/hivekit/internal/persist"
	"github.com/joshuapare/hivekit/pstack"
)

// recordSize is the per-pointer record: 8 bytes of pstack link (reused
// from the node's own storage, exactly as pstack expects) plus 8 bytes
// for the queued GlobalPtr's packed uint64 form.
const recordSize = 16

// Freelists is a set of per-shelf pointer queues opened over a pool's
// shared area.
type Freelists struct {
	region   []byte
	headsOff int64
	alloc    *fixedalloc.Allocator
}

func headsSize(maxShelfCount int) int64 { return int64(maxShelfCount) * 8 }

// Create lays out a new Freelists for maxShelfCount shelves at the start
// of region, which must be larger than the heads alone need (the
// remainder all goes to the node pool).
func Create(region []byte, maxShelfCount int) (*Freelists, error) {
	hs := headsSize(maxShelfCount)
	if int64(len(region)) <= hs {
		return nil, fmt.Errorf("freelist: region too small for %d shelf heads", maxShelfCount)
	}
	alloc, err := fixedalloc.Init(region[hs:], recordSize, 0)
	if err != nil {
		return nil, fmt.Errorf("freelist: init node pool: %w", err)
	}
	f := &Freelists{region: region, headsOff: hs, alloc: alloc}
	if err := persist.Range(region, 0, int(hs)); err != nil {
		return nil, fmt.Errorf("freelist: persist heads: %w", err)
	}
	return f, nil
}

// Open adopts an already-initialized Freelists.
func Open(region []byte, maxShelfCount int) (*Freelists, error) {
	hs := headsSize(maxShelfCount)
	if int64(len(region)) <= hs {
		return nil, fmt.Errorf("freelist: region too small for %d shelf heads", maxShelfCount)
	}
	alloc, err := fixedalloc.Open(region[hs:])
	if err != nil {
		return nil, fmt.Errorf("freelist: open node pool: %w", err)
	}
	return &Freelists{region: region, headsOff: hs, alloc: alloc}, nil
}

// Size returns the total bytes this Freelists occupies within its region,
// for callers laying out a pool's shared area alongside other tables.
func (f *Freelists) Size() int64 { return int64(len(f.region)) }

func (f *Freelists) headOffset(shelfIdx gid.ShelfIndex) int {
	return int(shelfIdx) * 8
}

func (f *Freelists) toAbs(relOff gid.Offset) gid.Offset {
	return relOff + gid.Offset(f.headsOff)
}

func (f *Freelists) toRel(absOff gid.Offset) gid.Offset {
	return absOff - gid.Offset(f.headsOff)
}

// PutPointer queues ptr for later local free by whoever owns shelfIdx.
// Returns a *gullerr.Fatal if the node pool is exhausted: a stuck
// remote-free queue has no retry story, matching spec.md's treatment of
// this as a fatal condition rather than a recoverable error.
func (f *Freelists) PutPointer(shelfIdx gid.ShelfIndex, ptr gid.GlobalPtr) error {
	relOff := f.alloc.Alloc()
	if relOff == 0 {
		return gullerr.NewFatal("freelist: node pool exhausted queuing a pointer for shelf %d", shelfIdx)
	}
	absOff := f.toAbs(relOff)
	bufx.PutU64(f.region, int(absOff)+8, ptr.ToU64())
	_ = persist.Range(f.region, int(absOff), recordSize)
	pstack.Push(f.region, f.headOffset(shelfIdx), absOff)
	_ = persist.Range(f.region, f.headOffset(shelfIdx), 8)
	return nil
}

// GetPointer dequeues one pointer previously queued for shelfIdx, or
// reports ok=false if that shelf's queue is empty.
func (f *Freelists) GetPointer(shelfIdx gid.ShelfIndex) (ptr gid.GlobalPtr, ok bool) {
	absOff := pstack.Pop(f.region, f.headOffset(shelfIdx))
	if absOff == 0 {
		return gid.GlobalPtr{}, false
	}
	v := bufx.ReadU64(f.region, int(absOff)+8)
	ptr = gid.FromU64(v)
	f.alloc.Free(f.toRel(absOff))
	return ptr, true
}
