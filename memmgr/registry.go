package memmgr

import (
	"sync"
	"unsafe"

	"github.com/joshuapare/hivekit/internal/gid"
	"github.com/joshuapare/hivekit/internal/mmio"
	"github.com/joshuapare/hivekit/pool"
	"github.com/joshuapare/hivekit/shelf"
)

// shelfRegistry is a process-local cache of mapped shelf base addresses,
// grounded on original_source's ShelfManager: GlobalToLocal's slow path
// (open the pool, map the shelf) only ever runs once per shelf per
// process; every later call for the same ShelfId reuses the cached base.
// LocalToGlobal walks the same cache in reverse.
type shelfRegistry struct {
	mu    sync.Mutex
	bases map[gid.ShelfId]*mappedShelf
}

type mappedShelf struct {
	file *shelf.File
	m    *mmio.Mapping
}

func newShelfRegistry() *shelfRegistry {
	return &shelfRegistry{bases: make(map[gid.ShelfId]*mappedShelf)}
}

func (r *shelfRegistry) findBase(id gid.ShelfId) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.bases[id]
	if !ok {
		return nil, false
	}
	return ms.m.Data, true
}

// open maps id's shelf for the first time and caches it, or returns the
// already-cached base if another caller raced this one.
func (r *shelfRegistry) open(p *pool.Pool, id gid.ShelfId) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ms, ok := r.bases[id]; ok {
		return ms.m.Data, nil
	}

	path, err := p.GetShelfPath(id.Shelf)
	if err != nil {
		return nil, err
	}
	f, err := shelf.Open(path, true)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		f.Close()
		return nil, err
	}
	m, err := f.Map(0, int(size), true)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.bases[id] = &mappedShelf{file: f, m: m}
	return m.Data, nil
}

// findShelf reverse-resolves a process-local slice back to the ShelfId and
// base address of whichever cached mapping contains it, by comparing the
// slice's backing address against each cached mapping's address range.
func (r *shelfRegistry) findShelf(local []byte) (gid.ShelfId, []byte, bool) {
	if len(local) == 0 {
		return gid.ShelfId{}, nil, false
	}
	addr := uintptr(unsafe.Pointer(&local[0]))

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ms := range r.bases {
		base := ms.m.Data
		if len(base) == 0 {
			continue
		}
		start := uintptr(unsafe.Pointer(&base[0]))
		end := start + uintptr(len(base))
		if addr >= start && addr < end {
			return id, base, true
		}
	}
	return gid.ShelfId{}, nil, false
}

// offsetWithin returns local's byte offset from the start of base, both of
// which must be (possibly different) slices over the same backing mapping.
func offsetWithin(local, base []byte) int64 {
	addr := uintptr(unsafe.Pointer(&local[0]))
	start := uintptr(unsafe.Pointer(&base[0]))
	return int64(addr - start)
}

// closeAll unmaps every cached shelf, for MemoryManager.Close.
func (r *shelfRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ms := range r.bases {
		ms.file.Close()
		delete(r.bases, id)
	}
}
