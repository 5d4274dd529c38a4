// Package segment implements the hash map's growable segment table
// (spec §3.5, §4.5): a fixed array of up to MaxSegments entries, each
// a relative pointer to a block of buckets, plus the first segment
// embedded inline in the owning header. It is generic over the bucket
// type so cmap supplies its own persisted Bucket layout.
//
// Simplification: the source splits an oversized segment into several
// equal "blocks" sharing the same nominal segment size when that size
// would exceed the pool's maximum single allocation; since pool arenas
// here are process-local mmap regions rather than shared-memory files
// with a hard single-allocation ceiling, each segment is always one
// contiguous backing block (see DESIGN.md).
package segment

import (
	"math/bits"
	"unsafe"

	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/relptr"
)

// MaxSegments bounds the table: 32 entries covers every bucket index
// representable in a 32-bit mask, far beyond what an in-memory-arena
// pool will ever enable.
const MaxSegments = 32

// Embedded is the bucket count of segment 0, stored inline in the
// owning header rather than behind a relative pointer (spec §3.5).
const Embedded = 2

// Size returns the bucket count of segment k (spec §3.5: "segment
// k >= E has size 2^max(k,1)"; segment 0 is the embedded 2-bucket
// segment).
func Size(k int) int64 {
	if k <= 0 {
		return Embedded
	}
	return int64(1) << uint(k)
}

// base returns the bucket index at which segment k begins: the sum of
// Size(j) for j < k.
func base(k int) int64 {
	if k <= 0 {
		return 0
	}
	total := int64(Embedded)
	for j := 1; j < k; j++ {
		total += Size(j)
	}
	return total
}

// SegmentOf decomposes bucket index h into its owning segment number,
// floor(log2(h|1)) (spec §3.5).
func SegmentOf(h uint64) int {
	return bits.Len64(h|1) - 1
}

// Locate decomposes h into (segment, offset-within-segment).
func Locate(h uint64) (segment int, offset int64) {
	segment = SegmentOf(h)
	offset = int64(h) - base(segment)
	return segment, offset
}

// ParentMask returns the mask value that was in effect immediately
// before h's segment was enabled: the mask a lazily-rehashed bucket h
// pulls its not-yet-migrated entries from (spec §4.2.5 step 2).
// Undefined (returns 0) for h in the embedded segment, which has no
// parent — callers must check SegmentOf(h) > 0 first.
func ParentMask(h uint64) int64 {
	seg := SegmentOf(h)
	if seg <= 0 {
		return 0
	}
	return base(seg) - 1
}

// Table is the persisted segment array: Entries holds a relative
// pointer to each enabled segment's backing bucket block (index by
// segment number, entry 0 unused since segment 0 is embedded), and
// EmbeddedBlock holds segment 0's two buckets directly. It is POD and
// lives inline inside a container's persisted header.
type Table[B any] struct {
	EmbeddedBlock [Embedded]B
	Entries       [MaxSegments]relptr.AtomicPtr[B]
}

func elemPtr[B any](pool *pmpool.Pool, base relptr.Ptr[B], idx int64) *B {
	var zero B
	p := relptr.FromOffset[B](base.Offset() + idx*int64(unsafe.Sizeof(zero)))
	return relptr.Deref[B](pool.Base(), p)
}

// GetBucket returns a pointer to bucket h's backing storage. The
// caller must have already established (typically by comparing h
// against the container's mask) that h's segment is enabled.
func GetBucket[B any](pool *pmpool.Pool, t *Table[B], h uint64) *B {
	seg, off := Locate(h)
	if seg <= 0 {
		return &t.EmbeddedBlock[off]
	}
	block := t.Entries[seg].Load()
	return elemPtr(pool, block, off)
}

// IsValid reports whether segment seg's backing block is allocated.
func IsValid[B any](t *Table[B], seg int) bool {
	if seg <= 0 {
		return true
	}
	return !t.Entries[seg].Load().IsNull()
}

// Enable allocates segment seg's backing block inside tx, zero-filling
// its buckets, and publishes the pointer (spec §4.2.7 step 3, §4.5
// enable). zeroBucket is applied to every slot after allocation, since
// a freelist-reused extent is not guaranteed zero; it is the caller's
// chance to also mark buckets "rehashed" for an initial reserve.
func Enable[B any](tx *pmpool.Txn, pool *pmpool.Pool, t *Table[B], seg int, zeroBucket func(b *B)) error {
	if seg <= 0 {
		return nil
	}
	n := Size(seg)
	var zero B
	bytesPtr, err := pmpool.AllocBytes(tx, n*int64(unsafe.Sizeof(zero)))
	if err != nil {
		return err
	}
	block := relptr.Cast[B](bytesPtr)
	for i := int64(0); i < n; i++ {
		b := elemPtr(pool, block, i)
		if zeroBucket != nil {
			zeroBucket(b)
		}
	}
	t.Entries[seg].Store(block)
	return nil
}

// Disable frees segment seg's backing block and nulls its entry,
// used by clear and destruction (spec §4.5 disable).
func Disable[B any](tx *pmpool.Txn, t *Table[B], seg int) error {
	if seg <= 0 {
		return nil
	}
	block := t.Entries[seg].Load()
	if block.IsNull() {
		return nil
	}
	var zero B
	n := Size(seg)
	if err := pmpool.FreeBytes(tx, relptr.AsBytes(block), n*int64(unsafe.Sizeof(zero))); err != nil {
		return err
	}
	t.Entries[seg].Store(relptr.Null[B]())
	return nil
}

// Mask recomputes "sum of sizes of all enabled segments - 1" by
// scanning the table (spec §4.4's "recompute mask by scanning enabled
// segments" restart step).
func Mask[B any](t *Table[B]) int64 {
	total := int64(Embedded)
	for seg := 1; seg < MaxSegments; seg++ {
		if t.Entries[seg].Load().IsNull() {
			break
		}
		total += Size(seg)
	}
	return total - 1
}
