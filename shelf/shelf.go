// Package shelf implements C1: a named, resizable, byte-addressable
// persistent file that can be memory-mapped shared read-write by any
// number of cooperating processes.
//
// A shelf's pathname is a pure function of its ShelfId and an opaque
// version suffix (see Path); rename and unlink of that path are the
// durable commit points the pool layer (package pool) builds its
// add/remove-shelf protocol on.
package shelf

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/joshuapare/hivekit/gullerr"
	"github.com/joshuapare/hivekit/internal/gid"
	"github.com/joshuapare/hivekit/internal/mmio"
)

// Path returns the pathname for (id, version), optionally in the transient
// "_add" form used while a shelf creation has not yet been committed.
//
//	{baseDir}/{user}_NVMM_Shelf_{pool_id}_{shelf_idx}_{version}[_add]
func Path(baseDir, user string, id gid.ShelfId, version uint16, add bool) string {
	p := fmt.Sprintf("%s/%s_NVMM_Shelf_%d_%d_%d", baseDir, user, id.Pool, id.Shelf, version)
	if add {
		p += "_add"
	}
	return p
}

// File is an open or closed shelf file. The zero value is a closed, unnamed
// shelf.
type File struct {
	path string
	f    *os.File
	maps []*mmio.Mapping
}

// Exist reports whether a file exists at path.
func Exist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Create exclusively creates a new shelf file of the given size at path.
// It fails with gullerr.ShelfFileFound if a file already exists there.
func Create(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, gullerr.New(gullerr.ShelfFileFound, "%s", path)
		}
		return nil, fmt.Errorf("shelf: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shelf: truncate %s to %d: %w", path, size, err)
	}
	return &File{path: path, f: f}, nil
}

// Open opens an existing shelf file at path, read-write or read-only.
func Open(path string, rw bool) (*File, error) {
	flag := os.O_RDONLY
	if rw {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gullerr.New(gullerr.ShelfFileNotFound, "%s", path)
		}
		return nil, fmt.Errorf("shelf: open %s: %w", path, err)
	}
	return &File{path: path, f: f}, nil
}

// Close closes the file handle and unmaps any mappings still open on it.
func (s *File) Close() error {
	var firstErr error
	for _, m := range s.maps {
		if err := m.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.maps = nil
	if s.f != nil {
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.f = nil
	}
	return firstErr
}

// Destroy unlinks the shelf file. The file must not be the target of any
// live mapping in this process when this is called.
func Destroy(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("shelf: destroy %s: %w", path, err)
	}
	return nil
}

// Rename atomically renames the shelf from its current (likely transient
// "_add") path to dstPath. A crash either leaves the old name or the new
// name, never both, because it reduces to a single rename(2).
func (s *File) Rename(dstPath string) error {
	if err := unix.Rename(s.path, dstPath); err != nil {
		return fmt.Errorf("shelf: rename %s -> %s: %w", s.path, dstPath, err)
	}
	s.path = dstPath
	return nil
}

// Truncate resizes the backing file. Any mapping obtained before Truncate
// may no longer reflect the file's full extent; callers must re-Map.
func (s *File) Truncate(size int64) error {
	if err := s.f.Truncate(size); err != nil {
		return fmt.Errorf("shelf: truncate %s to %d: %w", s.path, size, err)
	}
	return nil
}

// Size returns the file's current persistent length.
func (s *File) Size() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("shelf: stat %s: %w", s.path, err)
	}
	return info.Size(), nil
}

// Path returns the shelf's current pathname.
func (s *File) Path() string { return s.path }

// Map maps [off, off+length) of the shelf into this process's address
// space. Multiple concurrent maps of the same or overlapping ranges are
// allowed; each returns its own independent Mapping.
func (s *File) Map(off int64, length int, writable bool) (*mmio.Mapping, error) {
	m, err := mmio.Map(int(s.f.Fd()), off, length, writable)
	if err != nil {
		return nil, fmt.Errorf("shelf: map %s: %w", s.path, err)
	}
	s.maps = append(s.maps, m)
	return m, nil
}

// Unmap releases a mapping previously returned by Map.
func (s *File) Unmap(m *mmio.Mapping) error {
	for i, cur := range s.maps {
		if cur == m {
			s.maps = append(s.maps[:i], s.maps[i+1:]...)
			break
		}
	}
	return m.Unmap()
}
