// Package cmap implements the persistent-memory-resident concurrent
// hash map (spec §3.4–§3.6, §4.2): multi-writer/multi-reader
// find/insert/erase, on-demand per-bucket rehashing and dynamic
// segment growth without a stop-the-world resize.
//
// Simplification (recorded in DESIGN.md): the source protects each
// bucket's chain with a bucket mutex and, additionally, each node with
// its own mutex so an Accessor can pin a single value without blocking
// the rest of the chain. This rewrite collapses that to one
// sync.RWMutex per bucket, keyed by the bucket's address in the mapped
// arena (addresses are stable for the life of the mapping). Per-key
// linearizability and the rehash/erase ordering rules are unaffected;
// what is lost is intra-bucket write concurrency across distinct keys
// that happen to collide, which is outside what spec §5's ordering
// guarantees require.
package cmap

import (
	"context"
	"sync/atomic"

	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/relptr"
	"github.com/pmem-go/concurrent/restart"
	"github.com/pmem-go/concurrent/segment"
	"github.com/pmem-go/concurrent/tlsacc"
)

// Bucket is one hash bucket: a chain head plus the lazily-set
// "rehashed" flag (spec §3.3/§4.2.10's per-bucket state machine). It
// is POD and lives inline in the segment table.
type Bucket struct {
	NodeList relptr.AtomicPtr[Node]
	Rehashed atomic.Int32
}

// Header is the hash map's persisted root object (spec §3.6, §6.1).
type Header struct {
	Features   restart.Features
	ValueSize  int64
	OnInitSize int64
	TlsOff     int64
	Size       atomic.Int64
	Mask       atomic.Int64
	Segments   segment.Table[Bucket]
}

// Create allocates and persists a fresh Header under the named pool
// root and returns the attached Map.
func Create(ctx context.Context, pool *pmpool.Pool, root string, valueSize int64, hash HashFunc) (*Map, error) {
	m := &Map{pool: pool, hash: hash}
	if m.hash == nil {
		m.hash = Murmur3
	}

	err := pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		hp, err := pmpool.Alloc[Header](tx)
		if err != nil {
			return err
		}
		m.hdr = hp
		h := m.header()
		h.Features = restart.Features{Compat: restart.CompatConsistentSize, Incompat: restart.HeaderIncompat}
		h.ValueSize = valueSize
		for i := range h.Segments.EmbeddedBlock {
			h.Segments.EmbeddedBlock[i].Rehashed.Store(1)
		}
		h.Mask.Store(segment.Mask(&h.Segments))

		tls, off, err := tlsacc.Create(ctx, pool)
		if err != nil {
			return err
		}
		h.TlsOff = off
		m.tls = tls

		return pool.SetRoot(root, hp.Offset())
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Open attaches to an existing hash map under root, running the
// restart/runtime_initialize sequence (spec §4.4) before returning.
func Open(ctx context.Context, pool *pmpool.Pool, root string, hash HashFunc) (*Map, error) {
	off, found, err := pool.Root(root)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pmpool.ErrLayout
	}
	m := &Map{pool: pool, hash: hash, hdr: relptr.FromOffset[Header](off)}
	if m.hash == nil {
		m.hash = Murmur3
	}
	if err := m.runtimeInitialize(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Map) header() *Header { return pmpool.Deref(m.pool, m.hdr) }

// runtimeInitialize performs the restart sequence common to every
// persistent container (spec §4.4): validate the layout tag, migrate
// to CONSISTENT_SIZE if needed, recompute the volatile mask, and fold
// every thread's size delta into a single reconciled count.
func (m *Map) runtimeInitialize(ctx context.Context) error {
	h := m.header()
	if err := restart.Validate(h.Features); err != nil {
		return err
	}

	if !h.Features.HasConsistentSize() {
		// One-time migration from a map that predates the thread-local
		// size accumulator (spec §4.4): on_init_size was never
		// maintained under the old scheme, so it cannot be trusted and
		// must be rebuilt by walking every bucket's chain.
		count := m.countElements()
		err := m.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
			pmpool.SnapshotOf(tx, m.hdr)
			if h.TlsOff == 0 {
				tls, off, terr := tlsacc.Create(ctx, m.pool)
				if terr != nil {
					return terr
				}
				m.tls = tls
				h.TlsOff = off
			} else {
				// The traversal already counted every element behind the
				// deltas held in the existing accumulator; drop them so the
				// Reconcile below does not add them a second time.
				if m.tls == nil {
					m.tls = tlsacc.Attach(m.pool, h.TlsOff)
				}
				if _, rerr := m.tls.Reconcile(ctx); rerr != nil {
					return rerr
				}
			}
			h.OnInitSize = count
			h.Features.Compat |= restart.CompatConsistentSize
			return nil
		})
		if err != nil {
			return err
		}
	}

	if m.tls == nil {
		m.tls = tlsacc.Attach(m.pool, h.TlsOff)
	}
	delta, err := m.tls.Reconcile(ctx)
	if err != nil {
		return err
	}

	err = m.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		pmpool.SnapshotOf(tx, m.hdr)
		h.OnInitSize += delta
		return nil
	})
	if err != nil {
		return err
	}

	h.Mask.Store(segment.Mask(&h.Segments))
	h.Size.Store(h.OnInitSize)
	return nil
}

// countElements walks every enabled bucket's chain and counts live
// nodes, the full traversal spec §4.4 requires before CONSISTENT_SIZE
// can be turned on for a map that predates it. It reads h.Segments
// directly rather than through h.Mask, since the volatile mask has not
// been recomputed yet at the point this is called.
func (m *Map) countElements() int64 {
	h := m.header()
	mask := uint64(segment.Mask(&h.Segments))
	var count int64
	for idx := uint64(0); ; idx++ {
		b := segment.GetBucket(m.pool, &h.Segments, idx)
		cur := b.NodeList.Load()
		for !cur.IsNull() {
			count++
			cur = m.derefNode(cur).Next
		}
		if idx >= mask {
			break
		}
	}
	return count
}
