// Package disheap implements C9: a distributed heap spread across the
// shelves of one pool, where any process can free a pointer whether or not
// it currently has that shelf open, and a background cleaner reconciles
// ownership leases and drains remote frees queued by everyone else.
//
// A shelf-heap is tagged with a one-byte variant discriminant so a shelf
// formatted for fixedalloc is never mistakenly opened as a zone, or vice
// versa. The pool's shared area (see package pool) holds an ownership
// table reusing package membership verbatim (C4 is C2 with a liveness
// check bolted on) followed by the freelists (C8) used for remote frees.
package disheap

import (
	"fmt"
	"sync"
	"time"

	"github.com/joshuapare/hivekit/fixedalloc"
	"github.com/joshuapare/hivekit/freelist"
	"github.com/joshuapare/hivekit/gullerr"
	"github.com/joshuapare/hivekit/internal/gid"
	"github.com/joshuapare/hivekit/internal/persist"
	"github.com/joshuapare/hivekit/membership"
	"github.com/joshuapare/hivekit/pool"
	"github.com/joshuapare/hivekit/shelf"
	"github.com/joshuapare/hivekit/zone"
)

// Variant discriminants, written as the first byte of every shelf-heap's
// data area.
const (
	VariantFixed byte = 1
	VariantZone  byte = 2
)

// shelfHeapHeaderSize is the cache line reserved for the variant
// discriminant ahead of the chosen allocator's own header.
const shelfHeapHeaderSize = 64

// KMaxOwnedHeap bounds how many shelf-heaps one process holds open at
// once; spec.md names the bound without a value (Open Question resolved
// in DESIGN.md).
const KMaxOwnedHeap = 8

// kWorkerSleep is the cleaner's polling interval, standing in for
// original_source's usleep(kWorkerSleepMicroSeconds) (Open Question
// resolved in DESIGN.md).
const kWorkerSleep = 50 * time.Millisecond

// openShelfHeap is one shelf currently mapped and owned by this process.
type openShelfHeap struct {
	idx     gid.ShelfIndex
	file    *shelf.File
	data    []byte
	variant byte
	fixed   *fixedalloc.Allocator
	zone    *zone.Allocator
}

func openShelfHeapFrom(idx gid.ShelfIndex, f *shelf.File, data []byte, wantVariant byte) (*openShelfHeap, error) {
	if len(data) < shelfHeapHeaderSize {
		return nil, fmt.Errorf("disheap: shelf %d too small for header", idx)
	}
	gotVariant := data[0]
	if gotVariant != wantVariant {
		return nil, fmt.Errorf("disheap: shelf %d has variant %d, heap expects %d", idx, gotVariant, wantVariant)
	}
	osh := &openShelfHeap{idx: idx, file: f, data: data, variant: gotVariant}
	switch gotVariant {
	case VariantFixed:
		a, err := fixedalloc.Open(data[shelfHeapHeaderSize:])
		if err != nil {
			return nil, fmt.Errorf("disheap: shelf %d: %w", idx, err)
		}
		osh.fixed = a
	case VariantZone:
		a, err := zone.Open(data[shelfHeapHeaderSize:])
		if err != nil {
			return nil, fmt.Errorf("disheap: shelf %d: %w", idx, err)
		}
		osh.zone = a
	default:
		return nil, fmt.Errorf("disheap: shelf %d: unknown variant %d", idx, gotVariant)
	}
	return osh, nil
}

// Alloc returns a zero Offset on failure, the same sentinel both
// fixedalloc and zone already use.
func (o *openShelfHeap) Alloc(size int64) gid.Offset {
	switch o.variant {
	case VariantFixed:
		return o.fixed.Alloc()
	case VariantZone:
		return o.zone.Alloc(size)
	default:
		return 0
	}
}

func (o *openShelfHeap) Free(off gid.Offset) {
	switch o.variant {
	case VariantFixed:
		o.fixed.Free(off)
	case VariantZone:
		o.zone.Free(off)
	}
}

// Local resolves an in-shelf offset to a byte slice starting at that
// address, stripping any packed zone level first.
func (o *openShelfHeap) Local(off gid.Offset) []byte {
	rel := off
	if o.variant == VariantZone {
		rel, _ = gid.UnpackLevel(off)
	}
	return o.data[int64(shelfHeapHeaderSize)+int64(rel):]
}

func (o *openShelfHeap) Close() error {
	return o.file.Close()
}

func prevPowerOfTwo(v int64) int64 {
	if v <= 0 {
		return 0
	}
	p := int64(1)
	for p*2 <= v {
		p *= 2
	}
	return p
}

// defaultZoneSizes picks sizing for a freshly formatted zone shelf-heap:
// spec.md leaves the exact min/initial/max object sizes for a disheap
// shelf unspecified, so the largest usable power of two is chosen as the
// ceiling and half of that as the starting point, growing on demand.
func defaultZoneSizes(shelfSize int64) (minObjectSize, initialSize, maxSize int64) {
	minObjectSize = 64
	maxSize = prevPowerOfTwo(shelfSize - shelfHeapHeaderSize)
	if maxSize < minObjectSize*2 {
		maxSize = minObjectSize * 2
	}
	initialSize = maxSize / 2
	if initialSize <= minObjectSize {
		initialSize = maxSize
	}
	return
}

// Heap is a distributed heap: a pool whose shelves are shared, variant-
// tagged allocators, opened and closed on demand by any number of
// cooperating processes.
type Heap struct {
	baseDir, user string
	id            gid.PoolId
	variant       byte

	pool      *pool.Pool
	ownership *membership.Table
	freelists *freelist.Freelists

	mu    sync.RWMutex
	owned map[gid.ShelfIndex]*openShelfHeap
	order []gid.ShelfIndex // insertion order, oldest first, for eviction

	cleanerMu sync.Mutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}

	isOpen bool
}

// New returns a handle to the distributed heap identified by id. It does
// not touch the filesystem; call Create or Open next. variant selects
// which allocator every shelf this heap ever formats will use.
func New(baseDir, user string, id gid.PoolId, variant byte) *Heap {
	return &Heap{
		baseDir: baseDir,
		user:    user,
		id:      id,
		variant: variant,
		pool:    pool.New(baseDir, user, id),
		owned:   make(map[gid.ShelfIndex]*openShelfHeap),
	}
}

// ID returns the heap's pool identity.
func (h *Heap) ID() gid.PoolId { return h.id }

// Exist reports whether the heap's pool has been created.
func (h *Heap) Exist() bool { return h.pool.Exist() }

// Create formats a new, empty distributed heap: a pool whose shared area
// holds an ownership table and freelists sized for KMaxShelfCount shelves.
func (h *Heap) Create(shelfSize int64) error {
	if err := h.pool.Create(shelfSize); err != nil {
		return err
	}
	if err := h.pool.Open(false); err != nil {
		return gullerr.New(gullerr.HeapCreateFailed, "pool %d: %v", h.id, err)
	}
	defer h.pool.Close(false)

	shared := h.pool.SharedArea()
	ownSize := membership.RequiredSize(int(pool.KMaxShelfCount))
	if int64(len(shared)) <= ownSize {
		return gullerr.New(gullerr.HeapCreateFailed, "pool %d: shared area too small for ownership table", h.id)
	}
	if _, err := membership.Create(shared[:ownSize], int(pool.KMaxShelfCount)); err != nil {
		return gullerr.New(gullerr.HeapCreateFailed, "pool %d: ownership: %v", h.id, err)
	}
	if _, err := freelist.Create(shared[ownSize:], int(pool.KMaxShelfCount)); err != nil {
		return gullerr.New(gullerr.HeapCreateFailed, "pool %d: freelists: %v", h.id, err)
	}
	return nil
}

// Destroy removes every shelf in the heap's pool and then the pool itself.
// It does not scrub the ownership table or freelists before doing so,
// matching original_source's dist_heap.cc::Destroy, which carries that
// step only as a commented-out sketch.
func (h *Heap) Destroy() error {
	if h.isOpen {
		return gullerr.New(gullerr.PoolOpened, "pool %d", h.id)
	}
	if !h.pool.Exist() {
		return gullerr.New(gullerr.PoolNotFound, "pool %d", h.id)
	}
	if err := h.pool.Open(false); err != nil {
		return gullerr.New(gullerr.HeapDestroyFailed, "pool %d: %v", h.id, err)
	}
	_ = h.pool.Recover()

	for idx := gid.ShelfIndex(0); idx < pool.KMaxShelfCount; idx++ {
		if h.pool.CheckShelf(idx) {
			if err := h.pool.RemoveShelf(idx); err != nil {
				_ = h.pool.Close(false)
				return gullerr.New(gullerr.HeapDestroyFailed, "pool %d shelf %d: %v", h.id, idx, err)
			}
		}
	}
	if err := h.pool.Close(false); err != nil {
		return gullerr.New(gullerr.HeapDestroyFailed, "pool %d: %v", h.id, err)
	}
	if err := h.pool.Destroy(); err != nil {
		return gullerr.New(gullerr.HeapDestroyFailed, "pool %d: %v", h.id, err)
	}
	return nil
}

// Open maps the heap's ownership table and freelists into this process,
// opportunistically adopts one already-existing, unowned shelf-heap if
// one is available, and starts the background cleaner.
func (h *Heap) Open() error {
	if h.isOpen {
		return gullerr.New(gullerr.PoolOpened, "pool %d", h.id)
	}
	if err := h.pool.Open(false); err != nil {
		return gullerr.New(gullerr.HeapOpenFailed, "pool %d: %v", h.id, err)
	}

	shared := h.pool.SharedArea()
	ownSize := membership.RequiredSize(int(pool.KMaxShelfCount))
	ownTbl, err := membership.Open(shared[:ownSize])
	if err != nil {
		_ = h.pool.Close(false)
		return gullerr.New(gullerr.HeapOpenFailed, "pool %d: ownership: %v", h.id, err)
	}
	fl, err := freelist.Open(shared[ownSize:], int(pool.KMaxShelfCount))
	if err != nil {
		_ = h.pool.Close(false)
		return gullerr.New(gullerr.HeapOpenFailed, "pool %d: freelists: %v", h.id, err)
	}
	h.ownership = ownTbl
	h.freelists = fl
	h.isOpen = true

	h.mu.Lock()
	if idx, ok := h.acquireExistingShelfHeap(); ok {
		if err := h.openShelfHeapLocked(idx); err != nil {
			h.releaseOwnershipSlot(idx)
		}
	}
	h.mu.Unlock()

	h.startCleaner()
	return nil
}

// Close stops the cleaner, closes and releases every shelf-heap this
// process currently owns, and closes the pool.
func (h *Heap) Close() error {
	if !h.isOpen {
		return gullerr.New(gullerr.PoolClosed, "pool %d", h.id)
	}
	h.stopCleaner()

	h.mu.Lock()
	for idx := range h.owned {
		if err := h.closeShelfHeapLocked(idx); err != nil {
			h.mu.Unlock()
			return gullerr.New(gullerr.HeapCloseFailed, "pool %d shelf %d: %v", h.id, idx, err)
		}
		h.releaseOwnershipSlot(idx)
	}
	h.mu.Unlock()

	h.ownership = nil
	h.freelists = nil
	if err := h.pool.Close(false); err != nil {
		return gullerr.New(gullerr.HeapCloseFailed, "pool %d: %v", h.id, err)
	}
	h.isOpen = false
	return nil
}

// Alloc escalates through five steps before giving up: try every
// shelf-heap already owned by this process; if the owned set is full,
// evict the oldest to make room; acquire an existing unowned shelf-heap;
// failing that, acquire ownership of a fresh index and format a new
// shelf-heap for it; failing that, return an invalid GlobalPtr.
func (h *Heap) Alloc(size int64) gid.GlobalPtr {
	if !h.isOpen {
		return gid.GlobalPtr{}
	}

	h.mu.RLock()
	for idx, osh := range h.owned {
		if off := osh.Alloc(size); off != 0 {
			h.mu.RUnlock()
			return gid.GlobalPtr{Shelf: gid.ShelfId{Pool: h.id, Shelf: idx}, Off: off}
		}
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.owned) >= KMaxOwnedHeap {
		h.evictOldestLocked()
	}

	if idx, ok := h.acquireExistingShelfHeap(); ok {
		if off, ok2 := h.tryOpenAndAllocLocked(idx, size); ok2 {
			return gid.GlobalPtr{Shelf: gid.ShelfId{Pool: h.id, Shelf: idx}, Off: off}
		}
		h.releaseOwnershipSlot(idx)
	}

	if idx, ok := h.acquireNewShelfHeap(); ok {
		if off, ok2 := h.tryOpenAndAllocLocked(idx, size); ok2 {
			return gid.GlobalPtr{Shelf: gid.ShelfId{Pool: h.id, Shelf: idx}, Off: off}
		}
		h.releaseOwnershipSlot(idx)
	}

	return gid.GlobalPtr{}
}

// Free returns memory to the shelf-heap that owns it: directly, if this
// process currently has that shelf open, or by queuing it on the
// freelists for that shelf's eventual owner to drain otherwise.
func (h *Heap) Free(ptr gid.GlobalPtr) error {
	if !h.isOpen {
		return gullerr.New(gullerr.PoolClosed, "pool %d", h.id)
	}
	if ptr.Shelf.Pool != h.id {
		return gullerr.New(gullerr.PoolInvalidPoolID, "pool %d, got %d", h.id, ptr.Shelf.Pool)
	}

	h.mu.RLock()
	osh, ok := h.owned[ptr.Shelf.Shelf]
	h.mu.RUnlock()
	if ok {
		osh.Free(ptr.Off)
		return nil
	}

	return h.freelists.PutPointer(ptr.Shelf.Shelf, ptr)
}

// GlobalToLocal resolves a global pointer to process-local memory. It only
// succeeds if this process currently has the pointer's shelf open.
func (h *Heap) GlobalToLocal(ptr gid.GlobalPtr) ([]byte, error) {
	if !h.isOpen {
		return nil, gullerr.New(gullerr.PoolClosed, "pool %d", h.id)
	}
	if ptr.Shelf.Pool != h.id {
		return nil, gullerr.New(gullerr.PoolInvalidPoolID, "pool %d, got %d", h.id, ptr.Shelf.Pool)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	osh, ok := h.owned[ptr.Shelf.Shelf]
	if !ok {
		return nil, gullerr.New(gullerr.InvalidPtr, "shelf %d not open in this process", ptr.Shelf.Shelf)
	}
	return osh.Local(ptr.Off), nil
}

func (h *Heap) tryOpenAndAllocLocked(idx gid.ShelfIndex, size int64) (gid.Offset, bool) {
	if err := h.openShelfHeapLocked(idx); err != nil {
		return 0, false
	}
	osh := h.owned[idx]
	off := osh.Alloc(size)
	if off != 0 {
		return off, true
	}
	h.closeShelfHeapLocked(idx)
	return 0, false
}

func (h *Heap) openShelfHeapLocked(idx gid.ShelfIndex) error {
	path, err := h.pool.GetShelfPath(idx)
	if err != nil {
		return err
	}
	f, err := shelf.Open(path, true)
	if err != nil {
		return err
	}
	size, err := f.Size()
	if err != nil {
		f.Close()
		return err
	}
	m, err := f.Map(0, int(size), true)
	if err != nil {
		f.Close()
		return err
	}
	osh, err := openShelfHeapFrom(idx, f, m.Data, h.variant)
	if err != nil {
		f.Close()
		return err
	}
	h.owned[idx] = osh
	h.order = append(h.order, idx)
	return nil
}

func (h *Heap) closeShelfHeapLocked(idx gid.ShelfIndex) error {
	osh, ok := h.owned[idx]
	if !ok {
		return fmt.Errorf("disheap: shelf %d not owned", idx)
	}
	if err := osh.Close(); err != nil {
		return err
	}
	delete(h.owned, idx)
	for i, v := range h.order {
		if v == idx {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	return nil
}

func (h *Heap) evictOldestLocked() {
	if len(h.order) == 0 {
		return
	}
	oldest := h.order[0]
	if err := h.closeShelfHeapLocked(oldest); err == nil {
		h.releaseOwnershipSlot(oldest)
	}
}

func (h *Heap) acquireOwnershipSlot(i gid.ShelfIndex) bool {
	w, ok := h.ownership.GetFreeSlot(int(i))
	if !ok {
		return false
	}
	_, ok = h.ownership.MarkSlotUsed(int(i), w)
	return ok
}

func (h *Heap) releaseOwnershipSlot(i gid.ShelfIndex) bool {
	_, ok := h.ownership.MarkSlotFree(int(i))
	return ok
}

// acquireExistingShelfHeap claims ownership of a shelf that already has a
// backing file but no current owner.
func (h *Heap) acquireExistingShelfHeap() (gid.ShelfIndex, bool) {
	for i := gid.ShelfIndex(0); i < pool.KMaxShelfCount; i++ {
		if h.ownership.TestValidBitWithIndex(int(i)) {
			continue
		}
		if !h.pool.CheckShelf(i) {
			continue
		}
		if h.acquireOwnershipSlot(i) {
			return i, true
		}
	}
	return 0, false
}

// acquireNewShelfHeap claims ownership of an index with no backing file
// yet, then formats one.
func (h *Heap) acquireNewShelfHeap() (gid.ShelfIndex, bool) {
	for i := gid.ShelfIndex(0); i < pool.KMaxShelfCount; i++ {
		if h.ownership.TestValidBitWithIndex(int(i)) || h.pool.CheckShelf(i) {
			continue
		}
		if !h.acquireOwnershipSlot(i) {
			continue
		}
		if _, err := h.pool.AddShelf(i, h.formatShelfHeap, false); err != nil {
			h.releaseOwnershipSlot(i)
			continue
		}
		return i, true
	}
	return 0, false
}

// formatShelfHeap is the pool.FormatFn that lays out a freshly created
// shelf's variant discriminant and allocator header.
func (h *Heap) formatShelfHeap(f *shelf.File, shelfSize int64) error {
	m, err := f.Map(0, int(shelfSize), true)
	if err != nil {
		return err
	}
	defer f.Unmap(m)

	data := m.Data
	if int64(len(data)) < shelfHeapHeaderSize {
		return fmt.Errorf("disheap: shelf size %d too small for header", shelfSize)
	}
	data[0] = h.variant

	switch h.variant {
	case VariantFixed:
		if _, err := fixedalloc.Init(data[shelfHeapHeaderSize:], 64, 0); err != nil {
			return err
		}
	case VariantZone:
		minObjectSize, initialSize, maxSize := defaultZoneSizes(shelfSize)
		if _, err := zone.Init(data[shelfHeapHeaderSize:], minObjectSize, initialSize, maxSize); err != nil {
			return err
		}
	default:
		return fmt.Errorf("disheap: unknown variant %d", h.variant)
	}
	return persist.Range(data, 0, shelfHeapHeaderSize)
}

// startCleaner launches the background worker if it is not already
// running; Open calls this once, unconditionally.
func (h *Heap) startCleaner() {
	h.cleanerMu.Lock()
	defer h.cleanerMu.Unlock()
	if h.running {
		return
	}
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	h.running = true
	go h.backgroundWorker(h.stopCh, h.doneCh)
}

func (h *Heap) stopCleaner() {
	h.cleanerMu.Lock()
	if !h.running {
		h.cleanerMu.Unlock()
		return
	}
	stopCh, doneCh := h.stopCh, h.doneCh
	h.cleanerMu.Unlock()

	close(stopCh)
	<-doneCh

	h.cleanerMu.Lock()
	h.running = false
	h.cleanerMu.Unlock()
}

// backgroundWorker is grounded on dist_heap.cc's BackgroundWorker: each
// tick it runs the ownership liveness check over every slot this process
// does not itself own, then drains
// one queued remote free per shelf this process currently owns. It never
// re-enters the public Free/ownership-taking path while holding its own
// lock, unlike the C++ original, which calls Free (itself lock-taking)
// from inside an already-held read lock; sync.RWMutex does not promise
// that nesting is safe, so the drain frees directly against the local
// allocator instead.
func (h *Heap) backgroundWorker(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(kWorkerSleep)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		h.mu.RLock()
		owned := make(map[gid.ShelfIndex]bool, len(h.owned))
		for idx := range h.owned {
			owned[idx] = true
		}
		h.mu.RUnlock()

		for i := gid.ShelfIndex(0); i < pool.KMaxShelfCount; i++ {
			if owned[i] {
				continue // never run the liveness check against our own active lease
			}
			h.ownership.CheckAndRevokeItem(int(i), func(idx int) bool {
				return h.recoverShelfHeap(gid.ShelfIndex(idx))
			})
		}

		h.mu.Lock()
		for idx, osh := range h.owned {
			if ptr, ok := h.freelists.GetPointer(idx); ok {
				osh.Free(ptr.Off)
			}
		}
		h.mu.Unlock()
	}
}

// recoverShelfHeap mirrors dist_heap.cc's RecoverShelfHeap: it opens a
// fresh handle over the shelf and reports whether recovery found and
// cleared a crashed operation. The ownership table carries no PID or
// heartbeat, so a stuck grow/merge latch is the only positive evidence
// this package has that the previous owner crashed rather than simply
// being a live, idle holder; fixedalloc shelf-heaps carry no such latch,
// so they are never auto-revoked by the cleaner.
func (h *Heap) recoverShelfHeap(idx gid.ShelfIndex) bool {
	path, err := h.pool.GetShelfPath(idx)
	if err != nil {
		return false
	}
	f, err := shelf.Open(path, true)
	if err != nil {
		return false
	}
	defer f.Close()

	size, err := f.Size()
	if err != nil {
		return false
	}
	m, err := f.Map(0, int(size), true)
	if err != nil {
		return false
	}
	defer f.Unmap(m)

	data := m.Data
	if int64(len(data)) < shelfHeapHeaderSize {
		return false
	}
	switch data[0] {
	case VariantZone:
		a, err := zone.Open(data[shelfHeapHeaderSize:])
		if err != nil {
			return false
		}
		if !a.GrowInProgress() && !a.MergeInProgress() {
			return false
		}
		a.RecoverGrow()
		a.RecoverMerge()
		return true
	case VariantFixed:
		return false
	default:
		return false
	}
}
