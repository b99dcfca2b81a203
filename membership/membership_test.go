package membership

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T, slots int) *Table {
	t.Helper()
	buf := make([]byte, RequiredSize(slots))
	tbl, err := Create(buf, slots)
	require.NoError(t, err)
	return tbl
}

func TestAcquireReleaseCycle(t *testing.T) {
	tbl := newTestTable(t, 4)

	free, ok := tbl.GetFreeSlot(0)
	require.True(t, ok)
	require.False(t, free.Valid)
	require.Equal(t, uint16(1), free.Version)

	used, ok := tbl.MarkSlotUsed(0, free)
	require.True(t, ok)
	require.True(t, used.Valid)

	got, valid := tbl.GetUsedSlot(0)
	require.True(t, valid)
	require.Equal(t, used, got)

	before, ok := tbl.MarkSlotFree(0)
	require.True(t, ok)
	require.True(t, before.Valid)

	final, valid := tbl.GetUsedSlot(0)
	require.False(t, valid)
	require.Equal(t, uint16(2), final.Version)
}

func TestVersionNeverWrapsIntoValidBit(t *testing.T) {
	tbl := newTestTable(t, 1)
	for i := 0; i < 50; i++ {
		free, ok := tbl.GetFreeSlot(0)
		require.True(t, ok)
		_, ok = tbl.MarkSlotUsed(0, free)
		require.True(t, ok)
		_, ok = tbl.MarkSlotFree(0)
		require.True(t, ok)
	}
	require.Equal(t, uint16(100), tbl.GetVersionNumWithIndex(0))
	require.False(t, tbl.TestValidBitWithIndex(0))
}

func TestOnlyOneContenderWinsMarkSlotUsed(t *testing.T) {
	tbl := newTestTable(t, 1)

	const contenders = 32
	var wg sync.WaitGroup
	var wins int32
	var mu sync.Mutex

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			free, ok := tbl.GetFreeSlot(0)
			if !ok {
				return
			}
			if _, ok := tbl.MarkSlotUsed(0, free); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins)
}

func TestFindFirstFreeAndUsedSlotWrap(t *testing.T) {
	tbl := newTestTable(t, 4)
	free, _ := tbl.GetFreeSlot(3)
	_, _ = tbl.MarkSlotUsed(3, free)

	idx, ok := tbl.FindFirstUsedSlot(2, 1)
	require.True(t, ok)
	require.Equal(t, 3, idx)

	idx, ok = tbl.FindFirstFreeSlot(3, 2)
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestCheckAndRevokeItem(t *testing.T) {
	tbl := newTestTable(t, 1)
	free, _ := tbl.GetFreeSlot(0)
	_, _ = tbl.MarkSlotUsed(0, free)

	revoked := tbl.CheckAndRevokeItem(0, func(int) bool { return false })
	require.False(t, revoked)
	_, valid := tbl.GetUsedSlot(0)
	require.True(t, valid)

	revoked = tbl.CheckAndRevokeItem(0, func(int) bool { return true })
	require.True(t, revoked)
	_, valid = tbl.GetUsedSlot(0)
	require.False(t, valid)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	buf := make([]byte, RequiredSize(4))
	_, err := Open(buf)
	require.Error(t, err)
}

func TestCreateOpenRoundTrip(t *testing.T) {
	buf := make([]byte, RequiredSize(8))
	_, err := Create(buf, 8)
	require.NoError(t, err)

	tbl, err := Open(buf)
	require.NoError(t, err)
	require.Equal(t, 8, tbl.Count())
}
