package pstack

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hivekit/internal/gid"
)

// newArena lays out a head word at offset 0 followed by nodeCount
// fixed-size nodes, returning the arena and each node's offset.
func newArena(nodeCount, nodeSize int) ([]byte, []gid.Offset) {
	base := make([]byte, 8+nodeCount*nodeSize)
	offs := make([]gid.Offset, nodeCount)
	for i := range offs {
		offs[i] = gid.Offset(8 + i*nodeSize)
	}
	return base, offs
}

func TestPushPopIsLIFO(t *testing.T) {
	base, offs := newArena(3, 16)
	Push(base, 0, offs[0])
	Push(base, 0, offs[1])
	Push(base, 0, offs[2])

	require.Equal(t, offs[2], Pop(base, 0))
	require.Equal(t, offs[1], Pop(base, 0))
	require.Equal(t, offs[0], Pop(base, 0))
	require.Equal(t, gid.Offset(0), Pop(base, 0))
}

func TestConcurrentPushPopPreservesAllNodes(t *testing.T) {
	const n = 200
	base, offs := newArena(n, 16)

	var wg sync.WaitGroup
	for _, off := range offs {
		wg.Add(1)
		go func(o gid.Offset) {
			defer wg.Done()
			Push(base, 0, o)
		}(off)
	}
	wg.Wait()

	seen := make(map[gid.Offset]bool)
	var mu sync.Mutex
	wg = sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if off := Pop(base, 0); off != 0 {
				mu.Lock()
				seen[off] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	require.Equal(t, gid.Offset(0), Pop(base, 0))
}
