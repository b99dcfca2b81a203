// Package pool implements C3: a pool is a group of related shelves, each
// identified by a ShelfIndex unique within the pool. A pool's own metadata
// (the membership table tracking which shelf indices are in use) lives in a
// private, never-versioned metadata shelf, itself addressed as shelf
// pool_id within the reserved metadata pool (pool 0).
//
// A Pool is not itself safe for concurrent use across goroutines beyond the
// slot-level atomics membership.Table already provides; callers that need
// single-writer-many-reader semantics over a Pool's own state should take
// ReadLock/WriteLock.
package pool

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/joshuapare/hivekit/gullerr"
	"github.com/joshuapare/hivekit/internal/bufx"
	"github.com/joshuapare/hivekit/internal/gid"
	"github.com/joshuapare/hivekit/membership"
	"github.com/joshuapare/hivekit/shelf"
)

const (
	// KMaxPoolCount bounds the assignable PoolId space (pool 0 is reserved).
	KMaxPoolCount = gid.KMaxPoolCount
	// KMaxShelfCount bounds ShelfIndex per pool.
	KMaxShelfCount = gid.KMaxShelfCount

	// KShelfSize is the default size of shelves added to a pool.
	KShelfSize int64 = 128 * 1024 * 1024
	// KMetadataShelfSize is the fixed size of every pool's private metadata shelf.
	KMetadataShelfSize int64 = 128 * 1024 * 1024
	// KMetadataPoolId is the pool reserved for system-wide metadata; each
	// pool's own membership table is itself stored as shelf pool_id inside
	// this reserved pool.
	KMetadataPoolId = gid.KMetadataPoolId

	kCacheLineSize = 64

	// maxAddShelfRetries bounds the random-version collision retry loop and
	// the forward-scan reassignment loop in AddShelf. original_source's
	// Pool::AddShelf retries both unboundedly; this fixes a bound rather
	// than spin forever under adversarial concurrent load.
	maxAddShelfRetries = 64

	metadataVersion uint16 = 0
)

// FormatFn formats a newly created shelf file (e.g. sizing it, writing an
// allocator header) before its slot is marked used, so formatting and slot
// assignment commit as one atomic unit from every other process's point of
// view. It must tolerate the file being deleted out from under it by a
// concurrent Pool.Recover.
type FormatFn func(f *shelf.File, shelfSize int64) error

// DefaultFormatFn does nothing beyond requiring the shelf already exist;
// callers that only need a bare sized file (no allocator header) pass this.
func DefaultFormatFn(f *shelf.File, shelfSize int64) error {
	if !shelf.Exist(f.Path()) {
		return gullerr.New(gullerr.ShelfFileNotFound, "%s", f.Path())
	}
	return nil
}

// Pool is a group of shelves sharing one membership table.
type Pool struct {
	mu sync.RWMutex

	baseDir string
	user    string
	id      gid.PoolId

	metaShelf  *shelf.File
	metaData   []byte // mmap'd metadata shelf contents
	membership *membership.Table
	shelfSize  int64

	isOpen bool
}

// New returns a handle to the pool identified by id. It does not touch the
// filesystem; call Create or Open next.
func New(baseDir, user string, id gid.PoolId) *Pool {
	return &Pool{baseDir: baseDir, user: user, id: id}
}

func (p *Pool) metaPath() string {
	return shelf.Path(p.baseDir, p.user, gid.ShelfId{Pool: KMetadataPoolId, Shelf: gid.ShelfIndex(p.id)}, metadataVersion, false)
}

// ID returns the pool's identity.
func (p *Pool) ID() gid.PoolId { return p.id }

// IsOpen reports whether the pool is currently open in this process.
func (p *Pool) IsOpen() bool { return p.isOpen }

// Size returns the maximum number of shelves the pool can hold.
func (p *Pool) Size() gid.ShelfIndex { return KMaxShelfCount }

// Exist reports whether the pool's metadata shelf has been created.
func (p *Pool) Exist() bool { return shelf.Exist(p.metaPath()) }

// ReadLock/ReadUnlock/WriteLock/WriteUnlock let a client serialize its own
// access to a Pool across goroutines; the pool does not take them itself.
func (p *Pool) ReadLock()    { p.mu.RLock() }
func (p *Pool) ReadUnlock()  { p.mu.RUnlock() }
func (p *Pool) WriteLock()   { p.mu.Lock() }
func (p *Pool) WriteUnlock() { p.mu.Unlock() }

// Create formats a new, empty pool: a metadata shelf of KMetadataShelfSize
// bytes holding an empty membership table of KMaxShelfCount slots and
// recording shelfSize (KShelfSize when 0) as the size of every shelf later
// added to the pool.
func (p *Pool) Create(shelfSize int64) error {
	if shelfSize == 0 {
		shelfSize = KShelfSize
	}
	if p.Exist() {
		return gullerr.New(gullerr.PoolFound, "pool %d", p.id)
	}
	if p.isOpen {
		return gullerr.New(gullerr.PoolOpened, "pool %d", p.id)
	}

	f, err := shelf.Create(p.metaPath(), KMetadataShelfSize)
	if err != nil {
		if ge, ok := err.(*gullerr.Error); ok && ge.Kind == gullerr.ShelfFileFound {
			return gullerr.New(gullerr.PoolFound, "pool %d", p.id)
		}
		return fmt.Errorf("pool: create metadata shelf for pool %d: %w", p.id, err)
	}
	defer f.Close()

	m, err := f.Map(0, int(KMetadataShelfSize), true)
	if err != nil {
		_ = shelf.Destroy(p.metaPath())
		return fmt.Errorf("pool: map metadata shelf for pool %d: %w", p.id, err)
	}
	defer f.Unmap(m)

	bufx.PutU64(m.Data, 0, uint64(shelfSize))
	if _, err := membership.Create(m.Data[kCacheLineSize:], int(KMaxShelfCount)); err != nil {
		_ = shelf.Destroy(p.metaPath())
		return fmt.Errorf("pool: create membership for pool %d: %w", p.id, err)
	}
	return nil
}

// Destroy removes every shelf still in the pool and then the metadata
// shelf itself. The pool must not be open elsewhere in this process.
func (p *Pool) Destroy() error {
	if !p.Exist() {
		return gullerr.New(gullerr.PoolNotFound, "pool %d", p.id)
	}
	if p.isOpen {
		return gullerr.New(gullerr.PoolOpened, "pool %d", p.id)
	}

	if err := p.Open(false); err != nil {
		return fmt.Errorf("pool: destroy pool %d: open: %w", p.id, err)
	}
	_ = p.Recover()

	for idx := gid.ShelfIndex(0); idx < p.Size(); idx++ {
		if p.CheckShelf(idx) {
			if err := p.RemoveShelf(idx); err != nil {
				_ = p.Close(false)
				return gullerr.New(gullerr.PoolDestroyFailed, "pool %d shelf %d: %v", p.id, idx, err)
			}
		}
	}
	if err := p.Close(false); err != nil {
		return gullerr.New(gullerr.PoolDestroyFailed, "pool %d: %v", p.id, err)
	}
	if err := shelf.Destroy(p.metaPath()); err != nil {
		return gullerr.New(gullerr.PoolDestroyFailed, "pool %d: %v", p.id, err)
	}
	return nil
}

// Open maps the metadata shelf and its membership table into this process.
// When recover is true, Recover runs once the pool is open.
func (p *Pool) Open(recover bool) error {
	if p.isOpen {
		return gullerr.New(gullerr.PoolOpened, "pool %d", p.id)
	}
	if !p.Exist() {
		return gullerr.New(gullerr.PoolNotFound, "pool %d", p.id)
	}

	f, err := shelf.Open(p.metaPath(), true)
	if err != nil {
		return gullerr.New(gullerr.PoolOpenFailed, "pool %d: %v", p.id, err)
	}
	size, err := f.Size()
	if err != nil {
		f.Close()
		return gullerr.New(gullerr.PoolOpenFailed, "pool %d: %v", p.id, err)
	}
	m, err := f.Map(0, int(size), true)
	if err != nil {
		f.Close()
		return gullerr.New(gullerr.PoolOpenFailed, "pool %d: %v", p.id, err)
	}

	p.metaShelf = f
	p.metaData = m.Data
	p.shelfSize = int64(bufx.ReadU64(m.Data, 0))

	tbl, err := membership.Open(m.Data[kCacheLineSize:])
	if err != nil {
		f.Close()
		return gullerr.New(gullerr.PoolOpenFailed, "pool %d: %v", p.id, err)
	}
	p.membership = tbl
	p.isOpen = true

	if recover {
		if err := p.Recover(); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps the metadata shelf. When recover is true, Recover runs
// first, while the pool is still open.
func (p *Pool) Close(recover bool) error {
	if !p.isOpen {
		return gullerr.New(gullerr.PoolClosed, "pool %d", p.id)
	}
	if recover {
		if err := p.Recover(); err != nil {
			return err
		}
	}
	if err := p.metaShelf.Close(); err != nil {
		return gullerr.New(gullerr.PoolCloseFailed, "pool %d: %v", p.id, err)
	}
	p.metaShelf = nil
	p.metaData = nil
	p.membership = nil
	p.isOpen = false
	return nil
}

// Verify reports whether the pool's metadata shelf carries a valid
// membership header, without leaving the pool open. It is a cheap
// diagnostic: a positive result does not guarantee the pool is otherwise
// uncorrupted.
func (p *Pool) Verify() bool {
	if !p.Exist() || p.isOpen {
		return false
	}
	f, err := shelf.Open(p.metaPath(), false)
	if err != nil {
		return false
	}
	defer f.Close()
	size, err := f.Size()
	if err != nil {
		return false
	}
	m, err := f.Map(0, int(size), false)
	if err != nil {
		return false
	}
	defer f.Unmap(m)
	_, err = membership.Open(m.Data[kCacheLineSize:])
	return err == nil
}

// SharedArea returns the portion of the metadata shelf past the membership
// table, available to the pool's owner for pool-wide metadata of its own.
func (p *Pool) SharedArea() []byte {
	off := int64(kCacheLineSize) + membership.RequiredSize(int(KMaxShelfCount))
	return p.metaData[off:]
}

// Recover reconciles the membership table against the shelf files actually
// present on disk. For every slot that has ever been used it unlinks stale
// files via removeStaleShelfFiles; it reports PoolInconsistencyFound,
// leaving the slot and its shelf file as they are, for any slot caught mid
// AddShelf or mid RemoveShelf. In a
// single-process setting this return value means exactly that: real
// corruption. With multiple cooperating processes it may just mean this
// call observed another process's operation in flight.
func (p *Pool) Recover() error {
	if !p.isOpen {
		return gullerr.New(gullerr.PoolClosed, "pool %d", p.id)
	}

	var inconsistent bool
	for idx := gid.ShelfIndex(0); idx < KMaxShelfCount; idx++ {
		valid := p.membership.TestValidBitWithIndex(int(idx))
		version := p.membership.GetVersionNumWithIndex(int(idx))
		if !valid && version == 0 {
			continue // slot never used
		}

		id := gid.ShelfId{Pool: p.id, Shelf: idx}
		removeStaleShelfFiles(p.baseDir, p.user, id, version)

		path := shelf.Path(p.baseDir, p.user, id, version, false)
		exists := shelf.Exist(path)
		if valid && !exists {
			// valid==1 but the file is gone: a concurrent AddShelf has not
			// yet committed the rename, or really is corrupt.
			inconsistent = true
		}
		if !valid && exists {
			// valid==0 but the file is still there: a concurrent
			// RemoveShelf has not yet unlinked it, or really is corrupt.
			inconsistent = true
		}
	}
	if inconsistent {
		return gullerr.New(gullerr.PoolInconsistencyFound, "pool %d", p.id)
	}
	return nil
}

// NewShelf allocates a new shelf, assigns it any available shelf index, and
// adds it to the pool using formatFn (DefaultFormatFn if nil).
func (p *Pool) NewShelf(formatFn FormatFn) (gid.ShelfIndex, error) {
	return p.AddShelf(0, formatFn, true)
}

// AddShelf creates a new shelf file, formats it via formatFn (DefaultFormatFn
// if nil), and commits it into the pool at shelfIdx. If assignDiffShelfIdx
// is true and shelfIdx is unavailable, AddShelf scans forward from shelfIdx
// for the next free index instead of failing.
//
// The commit is a three-step protocol: (1) create+format a shelf file under
// a random temporary version with an "_add" suffix; (2) claim the target
// slot's version via membership.GetFreeSlot and rename the temp file to its
// final, suffixless, versioned path — the rename is the durable commit
// point; (3) membership.MarkSlotUsed. A crash between (2) and (3) is
// exactly the inconsistency Recover detects.
func (p *Pool) AddShelf(shelfIdx gid.ShelfIndex, formatFn FormatFn, assignDiffShelfIdx bool) (gid.ShelfIndex, error) {
	if !p.isOpen {
		return 0, gullerr.New(gullerr.PoolClosed, "pool %d", p.id)
	}
	if formatFn == nil {
		formatFn = DefaultFormatFn
	}

	endIdx := shelfIdx - 1 // wraps to startIdx+KMaxShelfCount-1 via membership's modulo scan
	idx := shelfIdx
	for attempt := 0; attempt < maxAddShelfRetries; attempt++ {
		if attempt > 0 {
			if !assignDiffShelfIdx {
				return 0, gullerr.New(gullerr.PoolAddShelfFailed, "pool %d shelf %d", p.id, shelfIdx)
			}
			next, ok := p.membership.FindFirstFreeSlot(int(idx)+1, int(endIdx))
			if !ok {
				return 0, gullerr.New(gullerr.PoolAddShelfFailed, "pool %d: no free shelf index", p.id)
			}
			idx = gid.ShelfIndex(next)
		}

		committed, err := p.tryAddShelfAt(idx, formatFn)
		if err == nil {
			return idx, nil
		}
		if committed || !assignDiffShelfIdx {
			return 0, err
		}
		// Someone beat us to idx; try the next free index, up to
		// maxAddShelfRetries indices in all.
	}
	return 0, gullerr.New(gullerr.PoolAddShelfFailed, "pool %d: no free shelf index after %d attempts", p.id, maxAddShelfRetries)
}

// tryAddShelfAt runs the create/format/claim/rename/mark sequence for one
// candidate index. The returned bool is true once the temp file has been
// renamed into place (i.e. a further failure must not be retried at a
// different index, since the shelf now genuinely occupies idx's namespace).
func (p *Pool) tryAddShelfAt(idx gid.ShelfIndex, formatFn FormatFn) (committed bool, err error) {
	id := gid.ShelfId{Pool: p.id, Shelf: idx}

	var tmp *shelf.File
	var tmpErr error
	for attempt := 0; attempt < maxAddShelfRetries; attempt++ {
		version := randVersion()
		path := shelf.Path(p.baseDir, p.user, id, version, true)
		tmp, tmpErr = shelf.Create(path, p.shelfSize)
		if tmpErr == nil {
			break
		}
		if ge, ok := tmpErr.(*gullerr.Error); !ok || ge.Kind != gullerr.ShelfFileFound {
			return false, gullerr.New(gullerr.PoolAddShelfFailed, "pool %d shelf %d: create: %v", p.id, idx, tmpErr)
		}
	}
	if tmp == nil {
		return false, gullerr.New(gullerr.PoolAddShelfFailed, "pool %d shelf %d: exhausted temp versions", p.id, idx)
	}

	if err := formatFn(tmp, p.shelfSize); err != nil {
		tmp.Close()
		_ = shelf.Destroy(tmp.Path())
		return false, gullerr.New(gullerr.PoolAddShelfFailed, "pool %d shelf %d: format: %v", p.id, idx, err)
	}

	w, ok := p.membership.GetFreeSlot(int(idx))
	if !ok {
		tmp.Close()
		_ = shelf.Destroy(tmp.Path())
		return false, gullerr.New(gullerr.PoolAddShelfFailed, "pool %d shelf %d: in use", p.id, idx)
	}

	finalPath := shelf.Path(p.baseDir, p.user, id, w.Version, false)
	if err := tmp.Rename(finalPath); err != nil {
		tmp.Close()
		return false, gullerr.New(gullerr.PoolAddShelfFailed, "pool %d shelf %d: rename: %v", p.id, idx, err)
	}
	tmp.Close()

	if _, ok := p.membership.MarkSlotUsed(int(idx), w); !ok {
		// Another process raced us to this slot's version between our
		// GetFreeSlot and here; the rename already committed, so this
		// index's namespace is spoken for regardless of the outcome.
		return true, gullerr.New(gullerr.PoolAddShelfFailed, "pool %d shelf %d: lost race to MarkSlotUsed", p.id, idx)
	}
	return true, nil
}

// RemoveShelf releases shelfIdx's slot and unlinks its shelf file. The
// caller must ensure no one else still holds the shelf open.
func (p *Pool) RemoveShelf(shelfIdx gid.ShelfIndex) error {
	if !p.isOpen {
		return gullerr.New(gullerr.PoolClosed, "pool %d", p.id)
	}

	w, ok := p.membership.MarkSlotFree(int(shelfIdx))
	if !ok {
		if w.Valid {
			return gullerr.New(gullerr.PoolRemoveShelfFailed, "pool %d shelf %d: new version in flight", p.id, shelfIdx)
		}
		return gullerr.New(gullerr.PoolShelfNotFound, "pool %d shelf %d", p.id, shelfIdx)
	}

	id := gid.ShelfId{Pool: p.id, Shelf: shelfIdx}
	path := shelf.Path(p.baseDir, p.user, id, w.Version, false)
	if err := shelf.Destroy(path); err != nil {
		return gullerr.New(gullerr.PoolRemoveShelfFailed, "pool %d shelf %d: %v", p.id, shelfIdx, err)
	}
	return nil
}

// FindNextShelf scans [startIdx, endIdx] (wrapping if endIdx < startIdx)
// for the next used shelf index.
func (p *Pool) FindNextShelf(startIdx, endIdx gid.ShelfIndex) (gid.ShelfIndex, bool) {
	if !p.isOpen {
		return 0, false
	}
	idx, ok := p.membership.FindFirstUsedSlot(int(startIdx), int(endIdx))
	return gid.ShelfIndex(idx), ok
}

// CheckShelf reports whether shelfIdx currently names a shelf in the pool.
func (p *Pool) CheckShelf(shelfIdx gid.ShelfIndex) bool {
	if !p.isOpen {
		return false
	}
	return p.membership.TestValidBitWithIndex(int(shelfIdx))
}

// GetShelfId returns the ShelfId for shelfIdx if it is currently in use.
func (p *Pool) GetShelfId(shelfIdx gid.ShelfIndex) (gid.ShelfId, error) {
	if !p.isOpen {
		return gid.ShelfId{}, gullerr.New(gullerr.PoolClosed, "pool %d", p.id)
	}
	if !p.membership.TestValidBitWithIndex(int(shelfIdx)) {
		return gid.ShelfId{}, gullerr.New(gullerr.PoolShelfNotFound, "pool %d shelf %d", p.id, shelfIdx)
	}
	return gid.ShelfId{Pool: p.id, Shelf: shelfIdx}, nil
}

// GetShelfIdx validates that shelfId names a shelf currently in this pool
// and returns its index.
func (p *Pool) GetShelfIdx(shelfId gid.ShelfId) (gid.ShelfIndex, error) {
	if !p.isOpen {
		return 0, gullerr.New(gullerr.PoolClosed, "pool %d", p.id)
	}
	if shelfId.Pool != p.id {
		return 0, gullerr.New(gullerr.PoolInvalidPoolID, "pool %d, got %d", p.id, shelfId.Pool)
	}
	if !p.membership.TestValidBitWithIndex(int(shelfId.Shelf)) {
		return 0, gullerr.New(gullerr.PoolShelfNotFound, "pool %d shelf %d", p.id, shelfId.Shelf)
	}
	return shelfId.Shelf, nil
}

// GetShelfPath returns the current on-disk pathname of shelfIdx's shelf.
func (p *Pool) GetShelfPath(shelfIdx gid.ShelfIndex) (string, error) {
	if !p.isOpen {
		return "", gullerr.New(gullerr.PoolClosed, "pool %d", p.id)
	}
	if !p.membership.TestValidBitWithIndex(int(shelfIdx)) {
		return "", gullerr.New(gullerr.PoolShelfNotFound, "pool %d shelf %d", p.id, shelfIdx)
	}
	version := p.membership.GetVersionNumWithIndex(int(shelfIdx))
	id := gid.ShelfId{Pool: p.id, Shelf: shelfIdx}
	return shelf.Path(p.baseDir, p.user, id, version, false), nil
}

func randVersion() uint16 {
	// Versions share their low 15 bits with membership's version field;
	// the top bit is never set by either side so collisions only ever
	// come from genuine reuse, not representation overlap.
	return uint16(rand.Intn(1 << 15))
}

// removeStaleShelfFiles unlinks, best-effort, every lower-numbered version
// of id and the "_add" temp file carrying currentVersion. "_add" files left
// under any other version (AddShelf draws temp versions at random) are not
// removed. It never reports an error:
// it is cleanup, not the operation Recover is validating.
func removeStaleShelfFiles(baseDir, user string, id gid.ShelfId, currentVersion uint16) {
	for v := uint16(0); v < currentVersion; v++ {
		_ = shelf.Destroy(shelf.Path(baseDir, user, id, v, false))
	}
	_ = shelf.Destroy(shelf.Path(baseDir, user, id, currentVersion, true))
}
