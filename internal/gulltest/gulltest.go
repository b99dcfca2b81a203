// Package gulltest provides the scratch-base-dir-plus-cleanup test helper
// every package's tests would otherwise hand-roll, grounded on
// internal/testutil/setup.go's SetupTestHive pattern: build the fixture,
// register its teardown with t.Cleanup, hand back a ready-to-use handle.
package gulltest

import (
	"testing"

	"github.com/joshuapare/hivekit/memmgr"
)

// BaseDir returns a scratch directory for a test's shelf files, torn down
// automatically with the rest of t.TempDir()'s cleanup.
func BaseDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// NewManager builds a memmgr.MemoryManager rooted at a fresh scratch
// directory and registers its Close with t.Cleanup, so tests that just
// need a working manager never have to manage its lifetime by hand.
//
// Example:
//
//	m := gulltest.NewManager(t)
//	require.NoError(t, m.CreateHeap(1, 64*1024, disheap.VariantFixed))
func NewManager(t *testing.T, opts ...memmgr.Option) *memmgr.MemoryManager {
	t.Helper()
	allOpts := append([]memmgr.Option{memmgr.WithBaseDir(BaseDir(t)), memmgr.WithUser("gulltest")}, opts...)
	m, err := memmgr.New(allOpts...)
	if err != nil {
		t.Fatalf("gulltest: failed to build memory manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}
