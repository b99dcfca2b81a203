package memmgr

import (
	"fmt"

	"github.com/joshuapare/hivekit/gullerr"
	"github.com/joshuapare/hivekit/internal/bufx"
	"github.com/joshuapare/hivekit/internal/gid"
	"github.com/joshuapare/hivekit/internal/mmio"
	"github.com/joshuapare/hivekit/internal/spin"
	"github.com/joshuapare/hivekit/shelf"
)

const kCacheLineSize = 64

// kRootMagic marks a root shelf file as a valid, fully-initialized one, so
// Open can tell a half-written file (or garbage) apart from the real thing.
const kRootMagic uint64 = 0x6775_6c6c_726f_6f74 // "gullroot" in ASCII bytes

// rootShelfSize is the root shelf's fixed, process-wide size: one cache
// line for the magic number, followed by one spinlock per assignable pool.
var rootShelfSize = int64(kCacheLineSize) + spin.RequiredSize(int(gid.KMaxPoolCount))

// rootShelf is the one-per-{base_dir,user} file every memory manager in
// every cooperating process maps, holding the per-pool spinlock table.
// Grounded on original_source's RootShelf: a single mmap'd file with a
// magic number at offset 0 and a fam-spinlock array right after it.
type rootShelf struct {
	path string
	file *shelf.File
	m    *mmio.Mapping
	lock *spin.Table
}

func rootShelfPath(baseDir, user string) string {
	return fmt.Sprintf("%s/%s_NVMM_ROOT", baseDir, user)
}

func newRootShelf(baseDir, user string) *rootShelf {
	return &rootShelf{path: rootShelfPath(baseDir, user)}
}

func (r *rootShelf) Exist() bool { return shelf.Exist(r.path) }

func (r *rootShelf) IsOpen() bool { return r.file != nil }

// Create formats a new root shelf file. It is a no-op, not an error, if the
// file already exists or is already open in this process — callers racing
// to provision the root shelf on first use should treat both as success.
func (r *rootShelf) Create() error {
	if r.Exist() {
		return nil
	}
	if r.IsOpen() {
		return nil
	}

	f, err := shelf.Create(r.path, rootShelfSize)
	if err != nil {
		if ge, ok := err.(*gullerr.Error); ok && ge.Kind == gullerr.ShelfFileFound {
			return nil
		}
		return gullerr.New(gullerr.RootShelfCreateFailed, "%s: %v", r.path, err)
	}
	defer f.Close()

	m, err := f.Map(0, int(rootShelfSize), true)
	if err != nil {
		_ = shelf.Destroy(r.path)
		return gullerr.New(gullerr.RootShelfCreateFailed, "%s: %v", r.path, err)
	}
	defer f.Unmap(m)

	if _, err := spin.Init(m.Data[kCacheLineSize:], int(gid.KMaxPoolCount)); err != nil {
		_ = shelf.Destroy(r.path)
		return gullerr.New(gullerr.RootShelfCreateFailed, "%s: %v", r.path, err)
	}
	bufx.PutU64(m.Data, 0, kRootMagic)
	return nil
}

// Open maps the root shelf into this process, failing if its magic number
// doesn't check out.
func (r *rootShelf) Open() error {
	if r.IsOpen() {
		return nil
	}

	f, err := shelf.Open(r.path, true)
	if err != nil {
		return gullerr.New(gullerr.RootShelfOpenFailed, "%s: %v", r.path, err)
	}
	m, err := f.Map(0, int(rootShelfSize), true)
	if err != nil {
		f.Close()
		return gullerr.New(gullerr.RootShelfOpenFailed, "%s: %v", r.path, err)
	}
	if bufx.ReadU64(m.Data, 0) != kRootMagic {
		f.Unmap(m)
		f.Close()
		return gullerr.New(gullerr.RootShelfOpenFailed, "%s: bad magic number", r.path)
	}
	lock, err := spin.Open(m.Data[kCacheLineSize:], int(gid.KMaxPoolCount))
	if err != nil {
		f.Unmap(m)
		f.Close()
		return gullerr.New(gullerr.RootShelfOpenFailed, "%s: %v", r.path, err)
	}

	r.file = f
	r.m = m
	r.lock = lock
	return nil
}

// Close unmaps the root shelf.
func (r *rootShelf) Close() error {
	if !r.IsOpen() {
		return nil
	}
	if err := r.file.Close(); err != nil {
		return gullerr.New(gullerr.RootShelfCloseFailed, "%s: %v", r.path, err)
	}
	r.file = nil
	r.m = nil
	r.lock = nil
	return nil
}
