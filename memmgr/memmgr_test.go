package memmgr

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hivekit/disheap"
	"github.com/joshuapare/hivekit/gullerr"
	"github.com/joshuapare/hivekit/internal/gid"
)

func newTestManager(t *testing.T) *MemoryManager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(WithBaseDir(dir), WithUser("t"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewProvisionsRootShelfOnce(t *testing.T) {
	dir := t.TempDir()
	m1, err := New(WithBaseDir(dir), WithUser("t"))
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	m2, err := New(WithBaseDir(dir), WithUser("t"))
	require.NoError(t, err)
	require.NoError(t, m2.Close())
}

func TestCreateHeapTwiceReturnsIDFound(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.CreateHeap(1, 64*1024, disheap.VariantFixed))

	err := m.CreateHeap(1, 64*1024, disheap.VariantFixed)
	var ge *gullerr.Error
	require.True(t, errors.As(err, &ge))
	require.Equal(t, gullerr.IDFound, ge.Kind)
}

func TestDestroyHeapTwiceReturnsIDNotFound(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateHeap(2, 64*1024, disheap.VariantFixed))

	require.NoError(t, m.DestroyHeap(2))

	err := m.DestroyHeap(2)
	var ge *gullerr.Error
	require.True(t, errors.As(err, &ge))
	require.Equal(t, gullerr.IDNotFound, ge.Kind)
}

func TestFindHeapOpensAndAllocates(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateHeap(3, 64*1024, disheap.VariantFixed))

	h, err := m.FindHeap(3, disheap.VariantFixed)
	require.NoError(t, err)
	require.NoError(t, h.Open())
	defer h.Close()

	p := h.Alloc(32)
	require.True(t, p.Valid())
}

func TestFindHeapMissingReturnsIDNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.FindHeap(99, disheap.VariantFixed)
	var ge *gullerr.Error
	require.True(t, errors.As(err, &ge))
	require.Equal(t, gullerr.IDNotFound, ge.Kind)
}

func TestRegionLifecycleAndData(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateRegion(4, 64*1024))

	r, err := m.FindRegion(4)
	require.NoError(t, err)
	require.NoError(t, r.Open())

	data := r.Data()
	require.NotEmpty(t, data)
	binary.LittleEndian.PutUint64(data, 0xdeadbeef)
	require.NoError(t, r.Close())

	r2, err := m.FindRegion(4)
	require.NoError(t, err)
	require.NoError(t, r2.Open())
	defer r2.Close()
	require.Equal(t, uint64(0xdeadbeef), binary.LittleEndian.Uint64(r2.Data()))

	require.NoError(t, m.DestroyRegion(4))
}

func TestCreateRegionTwiceReturnsIDFound(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateRegion(5, 64*1024))

	err := m.CreateRegion(5, 64*1024)
	var ge *gullerr.Error
	require.True(t, errors.As(err, &ge))
	require.Equal(t, gullerr.IDFound, ge.Kind)
}

func TestMapPointerThenUnmapPersistsAcrossRemaps(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateHeap(6, 64*1024, disheap.VariantFixed))

	h, err := m.FindHeap(6, disheap.VariantFixed)
	require.NoError(t, err)
	require.NoError(t, h.Open())
	p := h.Alloc(32)
	require.True(t, p.Valid())
	require.NoError(t, h.Close())

	mr, err := m.MapPointer(p, 8)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(mr.Data, 0x1122334455667788)
	require.NoError(t, m.UnmapPointer(mr))

	mr2, err := m.MapPointer(p, 8)
	require.NoError(t, err)
	defer m.UnmapPointer(mr2)
	require.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(mr2.Data))
}

func TestGlobalToLocalCachesBaseAcrossCalls(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateHeap(7, 64*1024, disheap.VariantFixed))

	h, err := m.FindHeap(7, disheap.VariantFixed)
	require.NoError(t, err)
	require.NoError(t, h.Open())
	p := h.Alloc(32)
	require.True(t, p.Valid())
	require.NoError(t, h.Close())

	local1, err := m.GlobalToLocal(p)
	require.NoError(t, err)
	local2, err := m.GlobalToLocal(p)
	require.NoError(t, err)
	require.Equal(t, &local1[0], &local2[0], "second call must reuse the cached base")
}

func TestLocalToGlobalReversesGlobalToLocal(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateHeap(8, 64*1024, disheap.VariantFixed))

	h, err := m.FindHeap(8, disheap.VariantFixed)
	require.NoError(t, err)
	require.NoError(t, h.Open())
	p := h.Alloc(32)
	require.True(t, p.Valid())
	require.NoError(t, h.Close())

	local, err := m.GlobalToLocal(p)
	require.NoError(t, err)

	got, err := m.LocalToGlobal(local)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestGlobalToLocalRejectsInvalidPointer(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GlobalToLocal(gid.GlobalPtr{})
	var ge *gullerr.Error
	require.True(t, errors.As(err, &ge))
	require.Equal(t, gullerr.InvalidPtr, ge.Kind)
}
