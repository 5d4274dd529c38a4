package pmpool

import "errors"

// Error taxonomy consumed by cmap, radix and skiplist (spec §6.4/§7).
// Each is wrapped with github.com/pkg/errors at the point an
// underlying mmap/file/bbolt call actually fails, so callers get a
// stack trace while still being able to errors.Is against these
// sentinels.
var (
	// ErrPool is returned when an operation targets an object that is
	// not resident in any open pool (pool_of lookup miss), or the pool
	// itself could not be opened/locked.
	ErrPool = errors.New("pmpool: object not in a pool")

	// ErrLayout is returned by a container's Open when no container
	// root exists under the given name. An unknown incompat tag is
	// reported as restart.ErrLayout instead, and no container compares
	// a value_size at open.
	ErrLayout = errors.New("pmpool: layout mismatch")

	// ErrTransactionScope signals the API was used in the wrong
	// transaction context: a nested call that cannot be satisfied, or
	// an accessor still held by the calling goroutine when Update was
	// entered.
	ErrTransactionScope = errors.New("pmpool: transaction scope error")

	// ErrTransactionAlloc signals a staged allocation failed (arena
	// exhausted). The whole transaction is rolled back.
	ErrTransactionAlloc = errors.New("pmpool: transaction alloc error")

	// ErrTransactionFree signals a staged free referenced memory this
	// pool did not allocate.
	ErrTransactionFree = errors.New("pmpool: transaction free error")

	// ErrOutOfRange signals a caller-supplied percentage or index is
	// out of its valid range (e.g. Defragment bounds).
	ErrOutOfRange = errors.New("pmpool: value out of range")

	// ErrLengthError signals a hash map growth or rehash that would
	// need a segment beyond the last of segment.MaxSegments.
	ErrLengthError = errors.New("pmpool: length exceeds maximum")
)
