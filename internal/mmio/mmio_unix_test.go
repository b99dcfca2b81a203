//go:build unix

package mmio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapReadWriteRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mmap test in short mode")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "test.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	m, err := Map(int(f.Fd()), 0, 4096, true)
	require.NoError(t, err)
	defer m.Unmap()

	copy(m.Data, []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, Flush(m.Data))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, got[:4])
}

func TestMapZeroLength(t *testing.T) {
	m, err := Map(-1, 0, 0, true)
	require.NoError(t, err)
	require.Len(t, m.Data, 0)
	require.NoError(t, m.Unmap())
	require.NoError(t, m.Unmap())
}
