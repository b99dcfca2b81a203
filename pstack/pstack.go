// Package pstack implements C5: a lock-free persistent LIFO stack whose
// head is a single 64-bit word and whose nodes are the client's own
// allocated blocks. Because a node cannot be re-pushed until the caller
// frees it, and free-after-alloc monotonically changes the head, classical
// ABA is avoided by construction rather than by tagging.
package pstack

import (
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/hivekit/internal/gid"
)

// headWord returns an atomic view of the 64-bit head stored at headOff in
// base.
func headWord(base []byte, headOff int) *uint64 {
	//nolint:govet // head lives in caller-owned mmap'd memory, 8-byte aligned by layout contract.
	return (*uint64)(unsafe.Pointer(&base[headOff]))
}

// nextWord returns an atomic view of the next-pointer stored in the first
// 8 bytes of the node at nodeOff.
func nextWord(base []byte, nodeOff gid.Offset) *uint64 {
	//nolint:govet // node storage is caller-owned and 8-byte aligned by layout contract.
	return (*uint64)(unsafe.Pointer(&base[nodeOff]))
}

// Push links the node at nodeOff onto the head of the stack at headOff.
// nodeOff must not already be reachable from the stack (the caller must
// own it exclusively, e.g. it was just allocated or just popped by this
// goroutine).
func Push(base []byte, headOff int, nodeOff gid.Offset) {
	head := headWord(base, headOff)
	next := nextWord(base, nodeOff)
	for {
		old := atomic.LoadUint64(head)
		atomic.StoreUint64(next, old)
		if atomic.CompareAndSwapUint64(head, old, uint64(nodeOff)) {
			return
		}
	}
}

// Pop removes and returns the head node's offset, or 0 if the stack is
// empty.
func Pop(base []byte, headOff int) gid.Offset {
	head := headWord(base, headOff)
	for {
		old := atomic.LoadUint64(head)
		if old == 0 {
			return 0
		}
		next := atomic.LoadUint64(nextWord(base, gid.Offset(old)))
		if atomic.CompareAndSwapUint64(head, old, next) {
			return gid.Offset(old)
		}
	}
}

// Peek returns the current head offset without popping it, for
// diagnostics and tests.
func Peek(base []byte, headOff int) gid.Offset {
	return gid.Offset(atomic.LoadUint64(headWord(base, headOff)))
}
