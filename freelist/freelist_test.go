package freelist

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hivekit/internal/gid"
)

const testMaxShelfCount = 8

func TestPutThenGetReturnsTheSamePointer(t *testing.T) {
	region := make([]byte, 64*1024)
	f, err := Create(region, testMaxShelfCount)
	require.NoError(t, err)

	want := gid.GlobalPtr{Shelf: gid.ShelfId{Pool: 3, Shelf: 5}, Off: 0x1234}
	require.NoError(t, f.PutPointer(2, want))

	got, ok := f.GetPointer(2)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestGetOnEmptyQueueReportsNotOk(t *testing.T) {
	region := make([]byte, 64*1024)
	f, err := Create(region, testMaxShelfCount)
	require.NoError(t, err)

	_, ok := f.GetPointer(0)
	require.False(t, ok)
}

func TestQueuesAreIndependentPerShelf(t *testing.T) {
	region := make([]byte, 64*1024)
	f, err := Create(region, testMaxShelfCount)
	require.NoError(t, err)

	p1 := gid.GlobalPtr{Shelf: gid.ShelfId{Pool: 1, Shelf: 1}, Off: 1}
	p2 := gid.GlobalPtr{Shelf: gid.ShelfId{Pool: 1, Shelf: 2}, Off: 2}
	require.NoError(t, f.PutPointer(0, p1))
	require.NoError(t, f.PutPointer(1, p2))

	_, ok := f.GetPointer(2)
	require.False(t, ok, "shelf 2's queue was never populated")

	got0, ok := f.GetPointer(0)
	require.True(t, ok)
	require.Equal(t, p1, got0)

	got1, ok := f.GetPointer(1)
	require.True(t, ok)
	require.Equal(t, p2, got1)
}

func TestQueueIsLIFOAcrossMultiplePuts(t *testing.T) {
	region := make([]byte, 64*1024)
	f, err := Create(region, testMaxShelfCount)
	require.NoError(t, err)

	p1 := gid.GlobalPtr{Shelf: gid.ShelfId{Pool: 4, Shelf: 4}, Off: 10}
	p2 := gid.GlobalPtr{Shelf: gid.ShelfId{Pool: 4, Shelf: 4}, Off: 20}
	require.NoError(t, f.PutPointer(0, p1))
	require.NoError(t, f.PutPointer(0, p2))

	// pstack is LIFO: the most recently queued pointer comes back first.
	got, ok := f.GetPointer(0)
	require.True(t, ok)
	require.Equal(t, p2, got)

	got, ok = f.GetPointer(0)
	require.True(t, ok)
	require.Equal(t, p1, got)
}

func TestPutFailsFatalWhenNodePoolExhausted(t *testing.T) {
	region := make([]byte, 512) // tiny: heads (64) + barely any node pool
	f, err := Create(region, testMaxShelfCount)
	require.NoError(t, err)

	var lastErr error
	for i := 0; i < 100; i++ {
		lastErr = f.PutPointer(0, gid.GlobalPtr{Shelf: gid.ShelfId{Pool: 1, Shelf: 1}, Off: gid.Offset(i + 1)})
		if lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
}

func TestOpenAdoptsExistingFreelists(t *testing.T) {
	region := make([]byte, 64*1024)
	f1, err := Create(region, testMaxShelfCount)
	require.NoError(t, err)

	want := gid.GlobalPtr{Shelf: gid.ShelfId{Pool: 9, Shelf: 9}, Off: 99}
	require.NoError(t, f1.PutPointer(3, want))

	f2, err := Open(region, testMaxShelfCount)
	require.NoError(t, err)

	got, ok := f2.GetPointer(3)
	require.True(t, ok)
	require.Equal(t, want, got)
}
