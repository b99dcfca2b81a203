// Package spin implements a fixed-size array of cross-process spinlocks
// over a shared memory region, one per pool ID, grounded on
// root_shelf.cc's array of fam spinlocks that every process mmaps over the
// same root shelf file. It is explicitly not crash-resilient: a process
// that dies while holding a lock leaves it held forever, exactly as
// root_shelf.cc's own comment on its locking scheme states.
package spin

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"
)

const laneSize = 8

// Table is an array of count independent spinlocks laid out contiguously
// in region, one 8-byte lane each.
type Table struct {
	region []byte
	count  int
}

// RequiredSize returns the number of bytes a Table of count locks needs.
func RequiredSize(count int) int64 { return int64(count) * laneSize }

// Init lays out a new, fully-unlocked Table of count locks at the start of
// region.
func Init(region []byte, count int) (*Table, error) {
	if int64(len(region)) < RequiredSize(count) {
		return nil, errTooSmall(count, len(region))
	}
	for i := 0; i < count; i++ {
		atomic.StoreUint64(lane(region, i), 0)
	}
	return &Table{region: region, count: count}, nil
}

// Open adopts an already-initialized Table.
func Open(region []byte, count int) (*Table, error) {
	if int64(len(region)) < RequiredSize(count) {
		return nil, errTooSmall(count, len(region))
	}
	return &Table{region: region, count: count}, nil
}

func lane(region []byte, i int) *uint64 {
	off := i * laneSize
	return (*uint64)(unsafe.Pointer(&region[off]))
}

// Lock spins until it acquires the lock for pool index i.
func (t *Table) Lock(i int) {
	l := lane(t.region, i)
	for !atomic.CompareAndSwapUint64(l, 0, 1) {
		runtime.Gosched()
	}
}

// Unlock releases the lock for pool index i. Calling it without holding
// the lock corrupts the lock state, exactly as a bare store would in the
// source spinlock this is grounded on.
func (t *Table) Unlock(i int) {
	atomic.StoreUint64(lane(t.region, i), 0)
}

// TryLock attempts to acquire the lock for pool index i without blocking.
func (t *Table) TryLock(i int) bool {
	return atomic.CompareAndSwapUint64(lane(t.region, i), 0, 1)
}

func errTooSmall(count, have int) error {
	return fmt.Errorf("spin: region too small for %d locks: need %d, have %d", count, RequiredSize(count), have)
}
