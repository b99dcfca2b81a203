package memmgr

import (
	"github.com/joshuapare/hivekit/gullerr"
	"github.com/joshuapare/hivekit/internal/gid"
	"github.com/joshuapare/hivekit/internal/mmio"
	"github.com/joshuapare/hivekit/pool"
	"github.com/joshuapare/hivekit/shelf"
)

// regionShelfIdx is the single shelf index a Region ever uses: a Region
// has no internal allocator, so it needs exactly one shelf covering its
// whole size rather than disheap's many independently-grown ones.
const regionShelfIdx gid.ShelfIndex = 0

// Region is the second capability-interface variant spec.md §9 names
// alongside a shelf-heap: a pool presented as one contiguous mapped range
// with no allocator of its own. Callers read and write Data() directly.
type Region struct {
	pool *pool.Pool
	id   gid.PoolId

	file *shelf.File
	m    *mmio.Mapping

	isOpen bool
}

func newRegion(baseDir, user string, id gid.PoolId) *Region {
	return &Region{pool: pool.New(baseDir, user, id), id: id}
}

// ID returns the region's pool identity.
func (r *Region) ID() gid.PoolId { return r.id }

// Exist reports whether the region's pool has been created.
func (r *Region) Exist() bool { return r.pool.Exist() }

// Create formats a new region: a pool holding exactly one shelf of size
// bytes, added through pool.AddShelf with pool.DefaultFormatFn, which
// writes no header into the shelf.
func (r *Region) Create(size int64) error {
	if err := r.pool.Create(size); err != nil {
		return err
	}
	if err := r.pool.Open(false); err != nil {
		return gullerr.New(gullerr.HeapCreateFailed, "region %d: %v", r.id, err)
	}
	defer r.pool.Close(false)

	if _, err := r.pool.AddShelf(regionShelfIdx, pool.DefaultFormatFn, false); err != nil {
		return gullerr.New(gullerr.HeapCreateFailed, "region %d: %v", r.id, err)
	}
	return nil
}

// Destroy removes the region's shelf and its pool.
func (r *Region) Destroy() error {
	if r.isOpen {
		return gullerr.New(gullerr.PoolOpened, "region %d", r.id)
	}
	if !r.pool.Exist() {
		return gullerr.New(gullerr.PoolNotFound, "region %d", r.id)
	}
	if err := r.pool.Open(false); err != nil {
		return gullerr.New(gullerr.HeapDestroyFailed, "region %d: %v", r.id, err)
	}
	_ = r.pool.Recover()
	if r.pool.CheckShelf(regionShelfIdx) {
		if err := r.pool.RemoveShelf(regionShelfIdx); err != nil {
			_ = r.pool.Close(false)
			return gullerr.New(gullerr.HeapDestroyFailed, "region %d: %v", r.id, err)
		}
	}
	if err := r.pool.Close(false); err != nil {
		return gullerr.New(gullerr.HeapDestroyFailed, "region %d: %v", r.id, err)
	}
	if err := r.pool.Destroy(); err != nil {
		return gullerr.New(gullerr.HeapDestroyFailed, "region %d: %v", r.id, err)
	}
	return nil
}

// Open maps the region's single shelf into this process.
func (r *Region) Open() error {
	if r.isOpen {
		return gullerr.New(gullerr.PoolOpened, "region %d", r.id)
	}
	if err := r.pool.Open(false); err != nil {
		return gullerr.New(gullerr.HeapOpenFailed, "region %d: %v", r.id, err)
	}

	path, err := r.pool.GetShelfPath(regionShelfIdx)
	if err != nil {
		_ = r.pool.Close(false)
		return gullerr.New(gullerr.HeapOpenFailed, "region %d: %v", r.id, err)
	}
	f, err := shelf.Open(path, true)
	if err != nil {
		_ = r.pool.Close(false)
		return gullerr.New(gullerr.HeapOpenFailed, "region %d: %v", r.id, err)
	}
	size, err := f.Size()
	if err != nil {
		f.Close()
		_ = r.pool.Close(false)
		return gullerr.New(gullerr.HeapOpenFailed, "region %d: %v", r.id, err)
	}
	m, err := f.Map(0, int(size), true)
	if err != nil {
		f.Close()
		_ = r.pool.Close(false)
		return gullerr.New(gullerr.HeapOpenFailed, "region %d: %v", r.id, err)
	}

	r.file = f
	r.m = m
	r.isOpen = true
	return nil
}

// Close unmaps the region's shelf and closes its pool.
func (r *Region) Close() error {
	if !r.isOpen {
		return gullerr.New(gullerr.PoolClosed, "region %d", r.id)
	}
	if err := r.file.Close(); err != nil {
		return gullerr.New(gullerr.HeapCloseFailed, "region %d: %v", r.id, err)
	}
	r.file = nil
	r.m = nil
	if err := r.pool.Close(false); err != nil {
		return gullerr.New(gullerr.HeapCloseFailed, "region %d: %v", r.id, err)
	}
	r.isOpen = false
	return nil
}

// Data returns the region's mapped bytes. It is nil unless the region is
// open.
func (r *Region) Data() []byte {
	if !r.isOpen {
		return nil
	}
	return r.m.Data
}
