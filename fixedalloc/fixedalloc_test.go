package fixedalloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitRoundsUpAndReservesUserMetadata(t *testing.T) {
	region := make([]byte, 4096)
	a, err := Init(region, 10, 20)
	require.NoError(t, err)

	require.Equal(t, int64(64), a.BlockSize())
	require.True(t, a.FirstBlock() >= headerSize+64)
	require.Equal(t, int(a.FirstBlock())-headerSize, len(a.UserMetadata()))
}

func TestAllocBumpsThenReusesFreedBlocks(t *testing.T) {
	region := make([]byte, 1024)
	a, err := Init(region, 32, 0)
	require.NoError(t, err)

	b1 := a.Alloc()
	b2 := a.Alloc()
	require.NotEqual(t, b1, b2)
	require.NotZero(t, b1)
	require.NotZero(t, b2)

	a.Free(b1)
	b3 := a.Alloc()
	require.Equal(t, b1, b3, "freed block should be reused before bumping further")
}

func TestAllocReturnsZeroWhenExhausted(t *testing.T) {
	region := make([]byte, 256)
	a, err := Init(region, 64, 0)
	require.NoError(t, err)

	var got int
	for {
		if off := a.Alloc(); off == 0 {
			break
		}
		got++
	}
	require.Equal(t, int(a.MaxBlocks()), got)
}

func TestInitIsIdempotentAcrossHandles(t *testing.T) {
	region := make([]byte, 4096)
	a1, err := Init(region, 48, 0)
	require.NoError(t, err)

	a2, err := Init(region, 48, 0)
	require.NoError(t, err)
	require.Equal(t, a1.BlockSize(), a2.BlockSize())
	require.Equal(t, a1.FirstBlock(), a2.FirstBlock())

	_, err = Init(region, 96, 0)
	require.Error(t, err)
}

func TestOpenRejectsUninitializedRegion(t *testing.T) {
	region := make([]byte, 4096)
	_, err := Open(region)
	require.Error(t, err)
}

func TestConcurrentAllocNeverDoubleIssuesABlock(t *testing.T) {
	region := make([]byte, 64*1024)
	a, err := Init(region, 64, 0)
	require.NoError(t, err)

	const n = 200
	results := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = uint64(a.Alloc())
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, off := range results {
		require.NotZero(t, off)
		require.False(t, seen[off], "block %d issued twice", off)
		seen[off] = true
	}
}
