package skiplist

import (
	"context"
	"sync/atomic"

	"golang.org/x/exp/rand"

	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/relptr"
	"github.com/pmem-go/concurrent/restart"
	"github.com/pmem-go/concurrent/tlsacc"
)

// Header is the skip list's persisted root object, the sibling of
// radix.Header: Head is a sentinel node (no key/value, full-height
// tower) rather than a tagged root pointer, since a skip list's head
// is always present once created. WriterPending/WriterPhase realize
// the same single writer-TLS slot spec §4.3.11 describes for radix,
// applied here per spec §2's "shares ... restart logic".
type Header struct {
	Features      restart.Features
	Head          relptr.Ptr[Node]
	TopLevel      atomic.Int32
	Size          atomic.Int64
	TlsOff        int64
	GarbageOff    int64
	WriterPending int64
	WriterPhase   int32
}

const (
	writerNotStarted int32 = 0
	writerInProgress int32 = 1
)

// List is the runtime handle to a persisted skip list.
type List struct {
	pool *pmpool.Pool
	hdr  relptr.Ptr[Header]
	tls  *tlsacc.Accumulator

	mtEnabled atomic.Bool
	garbage   *garbageList
	metrics   *metrics
	rng       *rand.Rand
}

// Create allocates and persists a fresh Header (and its sentinel head
// node) under the named pool root, returning the attached List.
func Create(ctx context.Context, pool *pmpool.Pool, root string) (*List, error) {
	l := &List{pool: pool, rng: rand.New(rand.NewSource(1))}
	err := pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		hp, err := pmpool.Alloc[Header](tx)
		if err != nil {
			return err
		}
		l.hdr = hp
		h := l.header()
		h.Features = restart.Features{Compat: restart.CompatConsistentSize, Incompat: restart.HeaderIncompat}

		headPtr, err := l.allocNode(tx, MaxLevel, nil, nil)
		if err != nil {
			return err
		}
		h.Head = headPtr
		h.TopLevel.Store(0)

		tls, off, err := tlsacc.Create(ctx, pool)
		if err != nil {
			return err
		}
		l.tls = tls
		h.TlsOff = off

		gl, goff, err := createGarbageList(tx, pool)
		if err != nil {
			return err
		}
		l.garbage = gl
		h.GarbageOff = goff

		return pool.SetRoot(root, hp.Offset())
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Open attaches to an existing skip list under root, running the
// shared restart sequence first (spec §4.4).
func Open(ctx context.Context, pool *pmpool.Pool, root string) (*List, error) {
	off, found, err := pool.Root(root)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pmpool.ErrLayout
	}
	l := &List{pool: pool, hdr: relptr.FromOffset[Header](off), rng: rand.New(rand.NewSource(1))}
	if err := l.runtimeInitialize(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *List) header() *Header { return pmpool.Deref(l.pool, l.hdr) }

func (l *List) runtimeInitialize(ctx context.Context) error {
	h := l.header()
	if err := restart.Validate(h.Features); err != nil {
		return err
	}
	l.garbage = attachGarbageList(l.pool, h.GarbageOff)
	l.tls = tlsacc.Attach(l.pool, h.TlsOff)

	delta, err := l.tls.Reconcile(ctx)
	if err != nil {
		return err
	}
	if delta != 0 {
		err := l.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
			pmpool.SnapshotOf(tx, l.hdr)
			h.Size.Add(delta)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// EnableMT switches the list into concurrent-reader mode (spec
// §4.3.2/§4.3.11 applied to the skip-list sibling). If the header
// records an insert a prior writer left mid-flight, it frees the
// recorded pending node and clears the record, as radix.Tree.EnableMT
// does; it does not complete that insert, and does not check whether
// the node was already linked. It then switches Erase to retire onto
// the garbage list instead of freeing immediately, so a
// reader descending through a node a writer just unlinked never
// dereferences freed memory. The caller remains responsible for
// ensuring at most one writer goroutine is active from this point on.
func (l *List) EnableMT(ctx context.Context) error {
	h := l.header()
	if h.WriterPhase == writerInProgress {
		pending := relptr.FromOffset[Node](h.WriterPending)
		err := l.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
			pmpool.SnapshotOf(tx, l.hdr)
			if !pending.IsNull() {
				if err := l.freeNode(tx, pending); err != nil {
					return err
				}
			}
			h.WriterPhase = writerNotStarted
			h.WriterPending = 0
			return nil
		})
		if err != nil {
			return err
		}
	}
	l.mtEnabled.Store(true)
	return nil
}

// DisableMT returns the list to immediate-free mode. Call
// GarbageCollect first to avoid stranding retired nodes.
func (l *List) DisableMT() { l.mtEnabled.Store(false) }

func (l *List) markWriterPending(tx *pmpool.Txn, p relptr.Ptr[Node]) {
	h := l.header()
	pmpool.SnapshotOf(tx, l.hdr)
	h.WriterPending = p.Offset()
	h.WriterPhase = writerInProgress
}

func (l *List) clearWriterPending(tx *pmpool.Txn) {
	h := l.header()
	pmpool.SnapshotOf(tx, l.hdr)
	h.WriterPending = 0
	h.WriterPhase = writerNotStarted
}

// Size returns the number of keys currently stored.
func (l *List) Size() int64 { return l.header().Size.Load() }

// Empty reports whether the list holds no keys.
func (l *List) Empty() bool { return l.Size() == 0 }

// newLevel draws a tower height with a p=0.5 geometric distribution,
// capped at MaxLevel. Unlike some skip-list variants this does not
// clamp to one past the current TopLevel: head is always allocated at
// full MaxLevel height (header.go's Create), so a node may legitimately
// jump straight to a level nothing has used yet — the header's
// TopLevel is simply raised to match (linkNewNode).
func (l *List) newLevel() int32 {
	level := int32(1)
	for l.rng.Uint32()&1 == 0 && level < MaxLevel {
		level++
	}
	return level
}

