package disheap

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hivekit/gullerr"
	"github.com/joshuapare/hivekit/internal/gid"
)

func TestCreateOpenCloseLifecycle(t *testing.T) {
	dir := t.TempDir()
	h := New(dir, "u", gid.PoolId(1), VariantFixed)
	require.False(t, h.Exist())

	require.NoError(t, h.Create(64*1024))
	require.True(t, h.Exist())

	require.NoError(t, h.Open())

	err := h.Open()
	var ge *gullerr.Error
	require.True(t, errors.As(err, &ge))
	require.Equal(t, gullerr.PoolOpened, ge.Kind)

	require.NoError(t, h.Close())

	err = h.Close()
	require.True(t, errors.As(err, &ge))
	require.Equal(t, gullerr.PoolClosed, ge.Kind)
}

func TestDestroyRemovesEverythingOnDisk(t *testing.T) {
	dir := t.TempDir()
	h := New(dir, "u", gid.PoolId(2), VariantFixed)
	require.NoError(t, h.Create(64*1024))

	require.NoError(t, h.Open())
	p := h.Alloc(32)
	require.True(t, p.Valid())
	require.NoError(t, h.Close())

	require.NoError(t, h.Destroy())
	require.False(t, h.Exist())
}

func TestAllocFixedVariantReturnsDistinctOffsets(t *testing.T) {
	dir := t.TempDir()
	h := New(dir, "u", gid.PoolId(3), VariantFixed)
	require.NoError(t, h.Create(64*1024))
	require.NoError(t, h.Open())
	defer h.Close()

	p1 := h.Alloc(32)
	p2 := h.Alloc(32)
	require.True(t, p1.Valid())
	require.True(t, p2.Valid())
	require.NotEqual(t, p1, p2)
}

func TestAllocZoneVariantRoundsUpAndFrees(t *testing.T) {
	dir := t.TempDir()
	h := New(dir, "u", gid.PoolId(4), VariantZone)
	require.NoError(t, h.Create(64*1024))
	require.NoError(t, h.Open())
	defer h.Close()

	p := h.Alloc(100)
	require.True(t, p.Valid())

	require.NoError(t, h.Free(p))

	p2 := h.Alloc(100)
	require.True(t, p2.Valid())
}

func TestFreeOnLocallyOwnedShelfAppliesDirectly(t *testing.T) {
	dir := t.TempDir()
	h := New(dir, "u", gid.PoolId(5), VariantFixed)
	require.NoError(t, h.Create(64*1024))
	require.NoError(t, h.Open())
	defer h.Close()

	p1 := h.Alloc(32)
	require.True(t, p1.Valid())
	require.NoError(t, h.Free(p1))

	// fixedalloc.Alloc is freelist-first (LIFO), so a same-size allocation
	// right after a direct local free must reuse the freed offset.
	p2 := h.Alloc(32)
	require.Equal(t, p1, p2)
}

func TestFreeWithWrongPoolIDReturnsError(t *testing.T) {
	dir := t.TempDir()
	h := New(dir, "u", gid.PoolId(6), VariantFixed)
	require.NoError(t, h.Create(64*1024))
	require.NoError(t, h.Open())
	defer h.Close()

	err := h.Free(gid.GlobalPtr{Shelf: gid.ShelfId{Pool: 999, Shelf: 0}, Off: 1})
	var ge *gullerr.Error
	require.True(t, errors.As(err, &ge))
	require.Equal(t, gullerr.PoolInvalidPoolID, ge.Kind)
}

func TestGlobalToLocalResolvesOwnedShelfOffset(t *testing.T) {
	dir := t.TempDir()
	h := New(dir, "u", gid.PoolId(7), VariantFixed)
	require.NoError(t, h.Create(64*1024))
	require.NoError(t, h.Open())
	defer h.Close()

	p := h.Alloc(32)
	require.True(t, p.Valid())

	local, err := h.GlobalToLocal(p)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(local), 32)
}

func TestGlobalToLocalFailsForUnmappedShelf(t *testing.T) {
	dir := t.TempDir()
	h := New(dir, "u", gid.PoolId(8), VariantFixed)
	require.NoError(t, h.Create(64*1024))
	require.NoError(t, h.Open())
	defer h.Close()

	_, err := h.GlobalToLocal(gid.GlobalPtr{Shelf: gid.ShelfId{Pool: 8, Shelf: 200}, Off: 1})
	var ge *gullerr.Error
	require.True(t, errors.As(err, &ge))
	require.Equal(t, gullerr.InvalidPtr, ge.Kind)
}

func TestBackgroundCleanerDrainsQueuedRemoteFrees(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, "u", gid.PoolId(10), VariantFixed)
	require.NoError(t, a.Create(64*1024))
	require.NoError(t, a.Open())
	defer a.Close()

	p := a.Alloc(32)
	require.True(t, p.Valid())

	b := New(dir, "u", gid.PoolId(10), VariantFixed)
	require.NoError(t, b.Open())
	defer b.Close()

	require.NoError(t, b.Free(p))

	// a's cleaner must eventually drain the queued free and push p's block
	// back onto its allocator's own freelist, so a fresh same-size
	// allocation reuses the exact offset.
	require.Eventually(t, func() bool {
		reAlloc := a.Alloc(32)
		return reAlloc.Valid() && reAlloc.Off == p.Off
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBackgroundCleanerDrainsQueuedRemoteFreeForZoneVariant(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, "u", gid.PoolId(12), VariantZone)
	require.NoError(t, a.Create(64*1024))
	require.NoError(t, a.Open())
	defer a.Close()

	// 200 bytes rounds up past the 64-byte minimum object size to a level
	// above 0, so the packed GlobalPtr this remote free carries actually
	// has a level to lose.
	p := a.Alloc(200)
	require.True(t, p.Valid())
	wantOff, wantLevel := gid.UnpackLevel(p.Off)
	require.NotZero(t, wantLevel)

	b := New(dir, "u", gid.PoolId(12), VariantZone)
	require.NoError(t, b.Open())
	defer b.Close()

	require.NoError(t, b.Free(p))

	// a's cleaner must drain the queued remote free onto the same level
	// p was allocated at, so a fresh same-size allocation reuses the
	// exact offset and level. If the level is lost in transit, the freed
	// chunk lands on level 0's freelist instead, a same-size realloc
	// grows a new chunk rather than reusing p's, and this never matches.
	require.Eventually(t, func() bool {
		reAlloc := a.Alloc(200)
		if !reAlloc.Valid() {
			return false
		}
		gotOff, gotLevel := gid.UnpackLevel(reAlloc.Off)
		return gotOff == wantOff && gotLevel == wantLevel
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAllocEvictsOldestOwnedShelfWhenAtCapacity(t *testing.T) {
	dir := t.TempDir()
	h := New(dir, "u", gid.PoolId(11), VariantFixed)
	// 64-byte disheap header + 64-byte fixedalloc header + exactly one
	// 64-byte block: each shelf-heap this test creates holds one block.
	require.NoError(t, h.Create(192))
	require.NoError(t, h.Open())
	defer h.Close()

	ptrs := make([]gid.GlobalPtr, 0, KMaxOwnedHeap+1)
	for i := 0; i < KMaxOwnedHeap+1; i++ {
		p := h.Alloc(1)
		require.True(t, p.Valid(), "allocation %d should succeed", i)
		ptrs = append(ptrs, p)
	}

	h.mu.RLock()
	owned := len(h.owned)
	_, stillOwned := h.owned[ptrs[0].Shelf.Shelf]
	h.mu.RUnlock()

	require.LessOrEqual(t, owned, KMaxOwnedHeap)
	require.False(t, stillOwned, "the first shelf allocated should have been evicted to make room")
}
