package pmpool

import (
	"unsafe"

	"github.com/pmem-go/concurrent/relptr"
)

// Alloc allocates space for one T inside tx's pool and returns a
// pool-relative pointer to it. The caller is responsible for
// initializing the returned object's fields (there is no zero-value
// guarantee beyond what the underlying file already contained, though
// a freshly bumped extent is always zero).
func Alloc[T any](tx *Txn) (relptr.Ptr[T], error) {
	var zero T
	off, err := tx.allocBytes(int64(unsafe.Sizeof(zero)))
	if err != nil {
		return relptr.Ptr[T]{}, err
	}
	return relptr.FromOffset[T](off), nil
}

// AllocBytes allocates a raw extent of n bytes, used for radix leaves
// and other variable-length objects (spec §3.8, §9.3).
func AllocBytes(tx *Txn, n int64) (relptr.Ptr[byte], error) {
	off, err := tx.allocBytes(n)
	if err != nil {
		return relptr.Ptr[byte]{}, err
	}
	return relptr.FromOffset[byte](off), nil
}

// Free stages deallocation of the object at p, sized as T.
func Free[T any](tx *Txn, p relptr.Ptr[T]) error {
	var zero T
	return tx.freeBytes(p.Offset(), int64(unsafe.Sizeof(zero)))
}

// FreeBytes stages deallocation of an n-byte extent previously
// returned by AllocBytes.
func FreeBytes(tx *Txn, p relptr.Ptr[byte], n int64) error {
	return tx.freeBytes(p.Offset(), n)
}

// SnapshotOf records the bytes backing *p into tx's undo log before
// the caller mutates them in place.
func SnapshotOf[T any](tx *Txn, p relptr.Ptr[T]) {
	var zero T
	tx.Snapshot(p.Offset(), int64(unsafe.Sizeof(zero)))
}

// Deref dereferences p against the pool's arena.
func Deref[T any](p *Pool, ptr relptr.Ptr[T]) *T {
	return relptr.Deref[T](p.Base(), ptr)
}
