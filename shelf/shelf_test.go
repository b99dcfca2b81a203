//go:build unix

package shelf

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hivekit/gullerr"
	"github.com/joshuapare/hivekit/internal/gid"
)

func TestCreateExclusiveFailsOnCollision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shelf")
	f, err := Create(path, 4096)
	require.NoError(t, err)
	defer f.Close()

	_, err = Create(path, 4096)
	require.Error(t, err)
	var ge *gullerr.Error
	require.True(t, errors.As(err, &ge))
	require.Equal(t, gullerr.ShelfFileFound, ge.Kind)
}

func TestMapWriteIsVisibleAfterReopen(t *testing.T) {
	if testing.Short() {
		t.Skip("mmap test")
	}
	path := filepath.Join(t.TempDir(), "shelf")
	f, err := Create(path, 4096)
	require.NoError(t, err)

	m, err := f.Map(0, 4096, true)
	require.NoError(t, err)
	copy(m.Data[:5], []byte("hello"))
	require.NoError(t, f.Unmap(m))
	require.NoError(t, f.Close())

	f2, err := Open(path, true)
	require.NoError(t, err)
	defer f2.Close()
	m2, err := f2.Map(0, 4096, true)
	require.NoError(t, err)
	defer f2.Unmap(m2)
	require.Equal(t, "hello", string(m2.Data[:5]))
}

func TestRenameIsAtomicCommitPoint(t *testing.T) {
	dir := t.TempDir()
	id := gid.ShelfId{Pool: 1, Shelf: 2}
	addPath := Path(dir, "u", id, 7, true)
	committedPath := Path(dir, "u", id, 7, false)

	f, err := Create(addPath, 4096)
	require.NoError(t, err)
	defer f.Close()

	require.True(t, Exist(addPath))
	require.False(t, Exist(committedPath))

	require.NoError(t, f.Rename(committedPath))
	require.False(t, Exist(addPath))
	require.True(t, Exist(committedPath))
}

func TestDestroyOfMissingFileIsNoop(t *testing.T) {
	require.NoError(t, Destroy(filepath.Join(t.TempDir(), "nope")))
}
