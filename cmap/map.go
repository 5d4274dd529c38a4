package cmap

import (
	"bytes"
	"context"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/relptr"
	"github.com/pmem-go/concurrent/segment"
	"github.com/pmem-go/concurrent/tlsacc"
)

// Map is the runtime handle to a hash map living in a pool. Locks
// guarding buckets are Go-native (sync.RWMutex), keyed by the address
// of the persisted struct they protect, since a persisted mutex field
// has no meaningful realization in Go (see package doc). There is no
// separate per-node lock table: every Accessor for a node holds its
// owning bucket's lock for its whole lifetime, which already gives
// Erase the drain guarantee a per-node lock would otherwise provide.
type Map struct {
	pool *pmpool.Pool
	hdr  relptr.Ptr[Header]
	hash HashFunc
	tls  *tlsacc.Accumulator

	bucketLocks     lockTable
	segmentEnableMu sync.Mutex

	metrics *metrics
}

type lockTable struct {
	mu sync.Mutex
	m  map[unsafe.Pointer]*sync.RWMutex
}

func (lt *lockTable) get(ptr unsafe.Pointer) *sync.RWMutex {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.m == nil {
		lt.m = make(map[unsafe.Pointer]*sync.RWMutex)
	}
	l := lt.m[ptr]
	if l == nil {
		l = &sync.RWMutex{}
		lt.m[ptr] = l
	}
	return l
}

// WithMetrics registers Prometheus instrumentation for the map under
// reg (pass nil for a private registry, useful in tests). Safe to call
// at most once.
func (m *Map) WithMetrics(reg prometheus.Registerer, name string) {
	m.metrics = newMetrics(reg, name, func() float64 { return float64(m.Size()) })
}

// Accessor is a scoped reference to one value: while held, it pins the
// value and (for a writer accessor) excludes other writers on the same
// bucket. Release it before starting a pool transaction on the same
// goroutine (spec §4.2.2).
type Accessor struct {
	m      *Map
	node   *Node
	lock   *sync.RWMutex
	writer bool
	tok    pmpool.GToken
}

// Key returns the accessor's key bytes, valid until Release.
func (a *Accessor) Key() []byte { return a.m.nodeKey(a.node) }

// Value returns the accessor's value bytes, valid until Release. A
// writer accessor's returned slice may be mutated in place; such
// mutation is not itself transactional (spec §4.3.7's in-place-assign
// analogue is the caller's responsibility for the hash map).
func (a *Accessor) Value() []byte { return a.m.nodeValue(a.node) }

// Release unlocks the bucket and records that tok's caller no longer
// holds an open accessor.
func (a *Accessor) Release() {
	if a.writer {
		a.lock.Unlock()
	} else {
		a.lock.RUnlock()
	}
	a.m.pool.ReleaseAccessor(a.tok)
}

func (m *Map) bucketFor(idx uint64) *Bucket {
	return segment.GetBucket(m.pool, &m.header().Segments, idx)
}

func (m *Map) lockFor(ptr unsafe.Pointer, table *lockTable) *sync.RWMutex {
	return table.get(ptr)
}

// ensureRehashed implements on-demand per-bucket rehash (spec §4.2.5),
// recursing into the bucket's own ancestor first so a bucket several
// growth generations behind is still brought fully up to date.
func (m *Map) ensureRehashed(ctx context.Context, idx uint64) error {
	b := m.bucketFor(idx)
	if b.Rehashed.Load() == 1 {
		return nil
	}
	seg := segment.SegmentOf(idx)
	if seg <= 0 {
		return nil
	}

	lock := m.lockFor(unsafe.Pointer(b), &m.bucketLocks)
	lock.Lock()
	defer lock.Unlock()
	if b.Rehashed.Load() == 1 {
		return nil
	}

	parentIdx := idx & uint64(segment.ParentMask(idx))
	if err := m.ensureRehashed(ctx, parentIdx); err != nil {
		return err
	}
	parent := m.bucketFor(parentIdx)
	plock := m.lockFor(unsafe.Pointer(parent), &m.bucketLocks)
	plock.Lock()
	defer plock.Unlock()

	return m.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		// Split with the mask of idx's own generation: nodes bound for
		// idx's later descendants move here too and are pulled onward
		// when those buckets are first visited.
		mask := uint64(segment.ParentMask(idx))<<1 | 1

		var keepHead, keepTail, moveHead, moveTail relptr.Ptr[Node]
		cur := parent.NodeList.Load()
		for !cur.IsNull() {
			n := m.derefNode(cur)
			next := n.Next
			n.Next = relptr.Null[Node]()
			if (n.Hash & mask) == idx {
				if moveHead.IsNull() {
					moveHead = cur
				} else {
					m.derefNode(moveTail).Next = cur
				}
				moveTail = cur
			} else {
				if keepHead.IsNull() {
					keepHead = cur
				} else {
					m.derefNode(keepTail).Next = cur
				}
				keepTail = cur
			}
			cur = next
		}
		parent.NodeList.Store(keepHead)
		b.NodeList.Store(moveHead)
		b.Rehashed.Store(1)
		if m.metrics != nil {
			m.metrics.rehashes.Inc()
		}
		return nil
	})
}

func (m *Map) locateAndLock(ctx context.Context, key []byte, writer bool) (bucket *Bucket, lock *sync.RWMutex, hash uint64, err error) {
	hash = m.hash(key)
	h := m.header()
	mask := uint64(h.Mask.Load())
	idx := hash & mask
	if err = m.ensureRehashed(ctx, idx); err != nil {
		return
	}
	bucket = m.bucketFor(idx)
	lock = m.lockFor(unsafe.Pointer(bucket), &m.bucketLocks)
	if writer {
		lock.Lock()
	} else {
		lock.RLock()
	}
	return
}

func (m *Map) lookup(ctx context.Context, tok pmpool.GToken, key []byte, writer bool) (*Accessor, bool, error) {
	bucket, lock, hash, err := m.locateAndLock(ctx, key, writer)
	if err != nil {
		return nil, false, err
	}
	cur := bucket.NodeList.Load()
	for !cur.IsNull() {
		n := m.derefNode(cur)
		if n.Hash == hash && bytes.Equal(m.nodeKey(n), key) {
			m.pool.RegisterAccessor(tok)
			return &Accessor{m: m, node: n, lock: lock, writer: writer, tok: tok}, true, nil
		}
		cur = n.Next
	}
	if writer {
		lock.Unlock()
	} else {
		lock.RUnlock()
	}
	return nil, false, nil
}

// Find returns a read accessor for key, if present (spec §6.3 find).
func (m *Map) Find(ctx context.Context, tok pmpool.GToken, key []byte) (*Accessor, bool, error) {
	if m.metrics != nil {
		m.metrics.finds.Inc()
	}
	return m.lookup(ctx, tok, key, false)
}

// FindMut returns a write accessor for key, if present (spec §6.3
// find_mut).
func (m *Map) FindMut(ctx context.Context, tok pmpool.GToken, key []byte) (*Accessor, bool, error) {
	if m.metrics != nil {
		m.metrics.finds.Inc()
	}
	return m.lookup(ctx, tok, key, true)
}

// Count reports 0 or 1, keys being unique (spec §6.3 count).
func (m *Map) Count(ctx context.Context, tok pmpool.GToken, key []byte) (int, error) {
	acc, ok, err := m.Find(ctx, tok, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	acc.Release()
	return 1, nil
}

// Insert inserts key/val if absent, returning (accessor, true) on a
// fresh insert or (accessor, false) if key already existed (spec
// §4.2.4, §6.3 insert).
func (m *Map) Insert(ctx context.Context, tok pmpool.GToken, key, val []byte) (*Accessor, bool, error) {
	bucket, lock, hash, err := m.locateAndLock(ctx, key, true)
	if err != nil {
		return nil, false, err
	}

	cur := bucket.NodeList.Load()
	for !cur.IsNull() {
		n := m.derefNode(cur)
		if n.Hash == hash && bytes.Equal(m.nodeKey(n), key) {
			m.pool.RegisterAccessor(tok)
			return &Accessor{m: m, node: n, lock: lock, writer: true, tok: tok}, false, nil
		}
		cur = n.Next
	}

	var np relptr.Ptr[Node]
	err = m.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		var aerr error
		np, aerr = m.allocNode(tx, hash, key, val)
		if aerr != nil {
			return aerr
		}
		n := m.derefNode(np)
		n.Next = bucket.NodeList.Load()
		bucket.NodeList.Store(np)
		return m.tls.Add(ctx, tok, 1)
	})
	if err != nil {
		lock.Unlock()
		return nil, false, err
	}

	h := m.header()
	newSize := h.Size.Add(1)
	if m.metrics != nil {
		m.metrics.inserts.Inc()
	}

	n := m.derefNode(np)
	m.pool.RegisterAccessor(tok)
	acc := &Accessor{m: m, node: n, lock: lock, writer: true, tok: tok}

	if uint64(newSize) >= uint64(h.Mask.Load())+1 {
		_ = m.growSegment(ctx, false)
	}
	return acc, true, nil
}

// Erase removes key if present, returning whether it was found (spec
// §4.2.8, §6.3 erase). Draining outstanding accessors on the node
// being unlinked (spec §4.2.8 step 2) falls out of locateAndLock
// already having taken the bucket's writer lock: every live Accessor
// for any node in this bucket (reader or writer) holds that same
// per-bucket sync.RWMutex for its whole lifetime (see Accessor and the
// bucket/node mutex collapse documented on Map), so Erase cannot reach
// this point while one is outstanding. A separate per-node lock would
// contend with nothing.
func (m *Map) Erase(ctx context.Context, tok pmpool.GToken, key []byte) (bool, error) {
	bucket, lock, hash, err := m.locateAndLock(ctx, key, true)
	if err != nil {
		return false, err
	}
	defer lock.Unlock()

	var prev relptr.Ptr[Node]
	cur := bucket.NodeList.Load()
	for !cur.IsNull() {
		n := m.derefNode(cur)
		if n.Hash == hash && bytes.Equal(m.nodeKey(n), key) {
			next := n.Next
			err := m.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
				if prev.IsNull() {
					bucket.NodeList.Store(next)
				} else {
					m.derefNode(prev).Next = next
				}
				if aerr := m.tls.Add(ctx, tok, -1); aerr != nil {
					return aerr
				}
				return m.freeNode(tx, cur)
			})
			if err != nil {
				return false, err
			}
			m.header().Size.Add(-1)
			if m.metrics != nil {
				m.metrics.erases.Inc()
			}
			return true, nil
		}
		prev = cur
		cur = n.Next
	}
	return false, nil
}

// Size returns the current element count.
func (m *Map) Size() int64 { return m.header().Size.Load() }

// Empty reports whether Size() == 0.
func (m *Map) Empty() bool { return m.Size() == 0 }

// growSegment implements segment growth (spec §4.2.7). When force is
// false (the normal post-insert check) a busy segmentEnableMu means
// another goroutine is already growing and this call returns early
// without blocking, matching "on failure another thread is growing,
// return". Rehash and Clear pass force=true to block instead, since
// they run with the map otherwise quiesced.
func (m *Map) growSegment(ctx context.Context, force bool) error {
	if force {
		m.segmentEnableMu.Lock()
	} else if !m.segmentEnableMu.TryLock() {
		return nil
	}
	defer m.segmentEnableMu.Unlock()

	h := m.header()

	seg := 1
	for seg < segment.MaxSegments && segment.IsValid(&h.Segments, seg) {
		seg++
	}
	if seg >= segment.MaxSegments {
		return errors.WithStack(pmpool.ErrLengthError)
	}

	initialReserve := h.Size.Load() == 0
	err := m.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		return segment.Enable(tx, m.pool, &h.Segments, seg, func(b *Bucket) {
			b.NodeList.Store(relptr.Null[Node]())
			if initialReserve {
				b.Rehashed.Store(1)
			} else {
				b.Rehashed.Store(0)
			}
		})
	})
	if err != nil {
		return err
	}
	h.Mask.Store(segment.Mask(&h.Segments))
	if m.metrics != nil {
		m.metrics.segGrowth.Inc()
	}
	return nil
}

// Rehash ensures the map can address at least n buckets without
// further growth, single-threaded (spec §6.3 rehash).
func (m *Map) Rehash(ctx context.Context, n int64) error {
	h := m.header()
	for uint64(h.Mask.Load())+1 < uint64(n) {
		if err := m.growSegment(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every element, single-threaded (spec §6.3 clear).
func (m *Map) Clear(ctx context.Context) error {
	h := m.header()
	mask := uint64(h.Mask.Load())
	return m.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		for idx := uint64(0); idx <= mask; idx++ {
			if err := m.freeChain(tx, segment.GetBucket(m.pool, &h.Segments, idx)); err != nil {
				return err
			}
		}
		for seg := segment.MaxSegments - 1; seg >= 1; seg-- {
			if segment.IsValid(&h.Segments, seg) {
				if err := segment.Disable(tx, &h.Segments, seg); err != nil {
					return err
				}
			}
		}
		h.Mask.Store(segment.Mask(&h.Segments))
		h.Size.Store(0)
		for i := range h.Segments.EmbeddedBlock {
			h.Segments.EmbeddedBlock[i].Rehashed.Store(1)
		}
		return nil
	})
}

func (m *Map) freeChain(tx *pmpool.Txn, b *Bucket) error {
	cur := b.NodeList.Load()
	for !cur.IsNull() {
		n := m.derefNode(cur)
		next := n.Next
		if err := m.freeNode(tx, cur); err != nil {
			return err
		}
		cur = next
	}
	b.NodeList.Store(relptr.Null[Node]())
	b.Rehashed.Store(0)
	return nil
}

// Swap exchanges the map backing (header, hash function, size
// accumulator) between m and other, single-threaded (spec §6.3 swap).
// Both must belong to the same pool, and callers must hold no Accessor
// on either map across the call.
func (m *Map) Swap(other *Map) {
	m.hdr, other.hdr = other.hdr, m.hdr
	m.hash, other.hash = other.hash, m.hash
	m.tls, other.tls = other.tls, m.tls
	m.bucketLocks, other.bucketLocks = lockTable{}, lockTable{}
}

// Defragment scans the bucket range [start%, start%+amount%) in
// descending order (spec §4.2.9: reverse of rehash's ascending order,
// to avoid lock-ordering deadlock), opportunistically skipping any
// bucket it cannot lock immediately, and returns the live node ranges
// found so the caller can hand them to pmpool.Pool.SnapshotCompact.
func (m *Map) Defragment(startPct, amountPct int) ([]pmpool.LiveRange, error) {
	if startPct < 0 || amountPct < 0 || startPct+amountPct > 100 {
		return nil, errors.WithStack(pmpool.ErrOutOfRange)
	}
	h := m.header()
	mask := uint64(h.Mask.Load())
	total := mask + 1
	lo := total * uint64(startPct) / 100
	hi := total * uint64(startPct+amountPct) / 100

	var live []pmpool.LiveRange
	for idx := hi; idx > lo; idx-- {
		b := m.bucketFor(idx - 1)
		lock := m.lockFor(unsafe.Pointer(b), &m.bucketLocks)
		if !lock.TryLock() {
			continue
		}
		cur := b.NodeList.Load()
		for !cur.IsNull() {
			n := m.derefNode(cur)
			live = append(live, pmpool.LiveRange{Off: cur.Offset(), Size: nodeHeaderSize + n.KeyLen + n.ValLen})
			cur = n.Next
		}
		lock.Unlock()
	}
	return live, nil
}
