// Package gullerr defines the closed set of error kinds gull's public
// operations return, matching the wire vocabulary of the system this
// module reimplements (§6/§7 of the design spec).
package gullerr

import "fmt"

// Kind is a closed error classification surfaced to callers.
type Kind int

const (
	NoError Kind = iota

	PoolFound
	PoolNotFound
	PoolOpened
	PoolClosed
	PoolOpenFailed
	PoolCloseFailed
	PoolDestroyFailed
	PoolAddShelfFailed
	PoolRemoveShelfFailed
	PoolShelfNotFound
	PoolInvalidPoolID
	PoolInconsistencyFound

	ShelfFileFound
	ShelfFileNotFound

	HeapCreateFailed
	HeapOpenFailed
	HeapCloseFailed
	HeapDestroyFailed

	FreelistFull

	IDFound
	IDNotFound

	InvalidPtr
	MapPointerFailed

	MembershipCreateFailed
	MembershipOpenFailed
	MembershipDestroyFailed

	RootShelfCreateFailed
	RootShelfOpenFailed
	RootShelfCloseFailed
)

func (k Kind) String() string {
	switch k {
	case NoError:
		return "NO_ERROR"
	case PoolFound:
		return "POOL_FOUND"
	case PoolNotFound:
		return "POOL_NOT_FOUND"
	case PoolOpened:
		return "POOL_OPENED"
	case PoolClosed:
		return "POOL_CLOSED"
	case PoolOpenFailed:
		return "POOL_OPEN_FAILED"
	case PoolCloseFailed:
		return "POOL_CLOSE_FAILED"
	case PoolDestroyFailed:
		return "POOL_DESTROY_FAILED"
	case PoolAddShelfFailed:
		return "POOL_ADD_SHELF_FAILED"
	case PoolRemoveShelfFailed:
		return "POOL_REMOVE_SHELF_FAILED"
	case PoolShelfNotFound:
		return "POOL_SHELF_NOT_FOUND"
	case PoolInvalidPoolID:
		return "POOL_INVALID_POOL_ID"
	case PoolInconsistencyFound:
		return "POOL_INCONSISTENCY_FOUND"
	case ShelfFileFound:
		return "SHELF_FILE_FOUND"
	case ShelfFileNotFound:
		return "SHELF_FILE_NOT_FOUND"
	case HeapCreateFailed:
		return "HEAP_CREATE_FAILED"
	case HeapOpenFailed:
		return "HEAP_OPEN_FAILED"
	case HeapCloseFailed:
		return "HEAP_CLOSE_FAILED"
	case HeapDestroyFailed:
		return "HEAP_DESTROY_FAILED"
	case FreelistFull:
		return "FREELIST_FULL"
	case IDFound:
		return "ID_FOUND"
	case IDNotFound:
		return "ID_NOT_FOUND"
	case InvalidPtr:
		return "INVALID_PTR"
	case MapPointerFailed:
		return "MAP_POINTER_FAILED"
	case MembershipCreateFailed:
		return "MEMBERSHIP_CREATE_FAILED"
	case MembershipOpenFailed:
		return "MEMBERSHIP_OPEN_FAILED"
	case MembershipDestroyFailed:
		return "MEMBERSHIP_DESTROY_FAILED"
	case RootShelfCreateFailed:
		return "ROOT_SHELF_CREATE_FAILED"
	case RootShelfOpenFailed:
		return "ROOT_SHELF_OPEN_FAILED"
	case RootShelfCloseFailed:
		return "ROOT_SHELF_CLOSE_FAILED"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Error wraps a Kind with call-site context. errors.Is compares by Kind.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is implements errors.Is support so callers can write errors.Is(err, gullerr.PoolNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Sentinel returns a bare *Error carrying only a Kind, suitable for use
// with errors.Is as a comparison target.
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Fatal marks a bug-class invariant violation (e.g. package freelist
// running out of remote-free nodes). Callers are expected
// to propagate it to process exit rather than retry.
type Fatal struct {
	Msg string
}

func (f *Fatal) Error() string { return "gull: fatal: " + f.Msg }

// NewFatal builds a Fatal error with a formatted message.
func NewFatal(format string, args ...any) *Fatal {
	return &Fatal{Msg: fmt.Sprintf(format, args...)}
}
