package zone

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hivekit/internal/gid"
)

func newTestZone(t *testing.T, regionSize int) *Allocator {
	t.Helper()
	region := make([]byte, regionSize)
	a, err := Init(region, 64, 4096, 65536)
	require.NoError(t, err)
	return a
}

func TestInitSetsCurrentAndMaxZoneLevels(t *testing.T) {
	a := newTestZone(t, 1<<20)
	require.Equal(t, int64(6), a.currentZoneLevel()) // 4096/64 == 64 == 2^6
	require.Equal(t, int64(10), a.maxZoneLevel())     // 65536/64 == 1024 == 2^10
}

func TestAllocReturnsDistinctNonZeroOffsets(t *testing.T) {
	a := newTestZone(t, 1<<20)

	p1 := a.Alloc(100)
	p2 := a.Alloc(100)
	require.NotZero(t, p1)
	require.NotZero(t, p2)
	require.NotEqual(t, p1, p2)

	off1, lvl1 := gid.UnpackLevel(p1)
	off2, lvl2 := gid.UnpackLevel(p2)
	require.Equal(t, lvl1, lvl2)
	require.NotEqual(t, off1, off2)
}

func TestAllocRoundsUpToPowerOfTwoChunk(t *testing.T) {
	a := newTestZone(t, 1<<20)

	p := a.Alloc(100) // rounds up to 128 bytes -> level 1 (128/64 == 2 == 2^1)
	_, lvl := gid.UnpackLevel(p)
	require.Equal(t, uint8(1), lvl)
}

func TestFreeAllowsReallocation(t *testing.T) {
	a := newTestZone(t, 1<<20)

	p1 := a.Alloc(64)
	a.Free(p1)

	p2 := a.Alloc(64)
	off1, _ := gid.UnpackLevel(p1)
	off2, _ := gid.UnpackLevel(p2)
	require.Equal(t, off1, off2, "freed chunk should be reused")
}

func TestAllocSplitsLargerFreeChunkWhenSmallerLevelIsEmpty(t *testing.T) {
	a := newTestZone(t, 1<<20)

	// The zone starts as one free chunk at level 6 (4096 bytes). A small
	// allocation must split it down, leaving the buddies on intermediate
	// freelists.
	p := a.Alloc(64)
	require.NotZero(t, p)
	_, lvl := gid.UnpackLevel(p)
	require.Equal(t, uint8(0), lvl)

	// The buddy halves produced by the split should now be available.
	require.NotZero(t, a.popFree(5))
}

func TestGrowExtendsZoneWhenExhausted(t *testing.T) {
	a := newTestZone(t, 1<<20)

	// Allocate past the initial 4096/64=64 blocks; the zone must grow to
	// satisfy the 65th allocation rather than failing.
	var allocated int
	for allocated < 65 {
		p := a.Alloc(64)
		require.NotZero(t, p, "allocation %d should succeed by growing the zone", allocated+1)
		allocated++
	}
	require.Greater(t, a.currentZoneLevel(), int64(6))
}

func TestAllocFailsOnceMaxZoneSizeExhausted(t *testing.T) {
	region := make([]byte, 1<<16)
	a, err := Init(region, 64, 128, 512)
	require.NoError(t, err)

	var allocated int
	for {
		p := a.Alloc(64)
		if p == 0 {
			break
		}
		allocated++
		if allocated > 100 {
			t.Fatal("allocation did not terminate")
		}
	}
	require.Equal(t, int64(512)/64, int64(allocated))
	require.Equal(t, a.maxZoneLevel(), a.currentZoneLevel())
}

func TestMergeRecombinesFreedBuddies(t *testing.T) {
	a := newTestZone(t, 1<<20)

	// Split the initial level-6 chunk all the way down to two level-0
	// buddies, then free both and merge repeatedly back up.
	p1 := a.Alloc(64)
	p2 := a.Alloc(64)
	require.NotZero(t, p1)
	require.NotZero(t, p2)

	a.Free(p1)
	a.Free(p2)

	for level := int64(0); level < a.currentZoneLevel(); level++ {
		require.NoError(t, a.Merge(level))
	}

	// After merging everything back up, a chunk at least as large as the
	// original allocation unit should again be available near the top.
	found := false
	for level := a.currentZoneLevel(); level >= 0; level-- {
		if a.popFree(level) != 0 {
			found = true
			break
		}
	}
	require.True(t, found, "merge should have produced an allocatable chunk somewhere")
}

func TestRecoverGrowAndRecoverMergeClearLatches(t *testing.T) {
	a := newTestZone(t, 1<<20)

	growLane := lane(a.region, offGrowInProgress)
	growLane2 := growLane
	*growLane2 = 1
	a.RecoverGrow()
	require.Equal(t, uint64(0), *growLane)

	mergeLane := lane(a.region, offMergeInProgress)
	*mergeLane = 1
	a.RecoverMerge()
	require.Equal(t, uint64(0), *mergeLane)
}

func TestOpenAdoptsExistingHeader(t *testing.T) {
	region := make([]byte, 1<<20)
	a1, err := Init(region, 64, 4096, 65536)
	require.NoError(t, err)

	p := a1.Alloc(64)
	require.NotZero(t, p)

	a2, err := Open(region)
	require.NoError(t, err)
	require.Equal(t, a1.minObjectSize(), a2.minObjectSize())
	require.Equal(t, a1.maxZoneLevel(), a2.maxZoneLevel())
	require.Equal(t, a1.chunkOff, a2.chunkOff)
}

func TestConcurrentAllocNeverDoubleIssuesAChunk(t *testing.T) {
	a := newTestZone(t, 1<<21)

	const n = 64
	results := make([]gid.Offset, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = a.Alloc(64)
		}(i)
	}
	wg.Wait()

	seen := make(map[gid.Offset]bool, n)
	for _, p := range results {
		require.NotZero(t, p)
		require.False(t, seen[p], "chunk %v issued twice", p)
		seen[p] = true
	}
}
