package radix

import (
	"context"
	"sync/atomic"

	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/relptr"
	"github.com/pmem-go/concurrent/restart"
)

// Header is the tree's persisted root object (spec §3.9, §6.1).
// WriterPhase/WriterPending realize the single writer-TLS slot spec
// §4.3.11 uses to make a partially-linked insert recoverable after a
// crash in MT mode: before publishing a leaf into the tree the writer
// records it here, and clears the slot only once every level of the
// insert has been published.
type Header struct {
	Features      restart.Features
	Root          relptr.AtomicTaggedPtr
	Size          atomic.Int64
	GarbageOff    int64
	WriterPending int64
	WriterPhase   int32
}

const (
	writerNotStarted int32 = 0
	writerInProgress int32 = 1
)

// Tree is the runtime handle to a persisted radix tree.
type Tree struct {
	pool *pmpool.Pool
	hdr  relptr.Ptr[Header]

	mtEnabled atomic.Bool
	garbage   *garbageList
	metrics   *metrics
}

// Create allocates and persists a fresh Header under the named pool
// root and returns the attached Tree.
func Create(ctx context.Context, pool *pmpool.Pool, root string) (*Tree, error) {
	t := &Tree{pool: pool}
	err := pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		hp, err := pmpool.Alloc[Header](tx)
		if err != nil {
			return err
		}
		t.hdr = hp
		h := t.header()
		h.Features = restart.Features{Compat: restart.CompatConsistentSize, Incompat: restart.HeaderIncompat}

		gl, off, err := createGarbageList(tx, pool)
		if err != nil {
			return err
		}
		t.garbage = gl
		h.GarbageOff = off

		return pool.SetRoot(root, hp.Offset())
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Open attaches to an existing tree under root, running the shared
// restart sequence before returning (spec §4.4, §4.3.11).
func Open(ctx context.Context, pool *pmpool.Pool, root string) (*Tree, error) {
	off, found, err := pool.Root(root)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pmpool.ErrLayout
	}
	t := &Tree{pool: pool, hdr: relptr.FromOffset[Header](off)}
	if err := t.runtimeInitialize(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) header() *Header { return pmpool.Deref(t.pool, t.hdr) }

func (t *Tree) runtimeInitialize(ctx context.Context) error {
	h := t.header()
	if err := restart.Validate(h.Features); err != nil {
		return err
	}
	t.garbage = attachGarbageList(t.pool, h.GarbageOff)
	return nil
}

// EnableMT switches the tree into multi-threaded mode (spec §4.3.11).
// If the header records an insert left mid-flight by a prior writer,
// it frees the recorded pending entry and clears the record; it does
// not complete that insert, and does not check whether the entry was
// already linked into the tree. It then switches retire to the
// deferred garbage path instead of immediate frees. The caller is responsible for ensuring no other
// goroutine concurrently mutates the tree while this runs, and for
// guaranteeing there is at most one writer from this point on (the
// tree does not enforce writer exclusivity itself — spec §4.3.8).
func (t *Tree) EnableMT(ctx context.Context) error {
	h := t.header()
	if h.WriterPhase == writerInProgress {
		pending := relptr.TaggedFromRaw(h.WriterPending)
		err := t.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
			pmpool.SnapshotOf(tx, t.hdr)
			if !pending.IsNull() {
				if err := t.freeImmediate(tx, pending); err != nil {
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
	t.mtEnabled.Store(true)
	return nil
}

// DisableMT returns the tree to single-writer/no-deferred-reclaim
// mode. Callers should GarbageCollect first to avoid stranding
// entries in the deferred list.
func (t *Tree) DisableMT() { t.mtEnabled.Store(false) }

func (t *Tree) markWriterPending(tx *pmpool.Txn, tp relptr.TaggedPtr) {
	h := t.header()
	pmpool.SnapshotOf(tx, t.hdr)
	h.WriterPending = tp.Raw()
	h.WriterPhase = writerInProgress
}

func (t *Tree) clearWriterPending(tx *pmpool.Txn) {
	h := t.header()
	pmpool.SnapshotOf(tx, t.hdr)
	h.WriterPending = 0
	h.WriterPhase = writerNotStarted
}

// Size returns the number of keys currently stored.
func (t *Tree) Size() int64 { return t.header().Size.Load() }

// Empty reports whether the tree holds no keys.
func (t *Tree) Empty() bool { return t.Size() == 0 }
