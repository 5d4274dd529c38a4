package radix

import (
	"context"

	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/relptr"
)

// garbageHeader is a persisted growable stack of packed TaggedPtr
// values, mirroring tlsacc's array-growth pattern (spec §4.3.11's
// deferred-reclamation list for MT mode): entries pushed by Erase and
// InsertOrAssign while mtEnabled, freed in one batch by GarbageCollect once no
// reader can still be observing them.
type garbageHeader struct {
	Cap, Len int64
	Items    relptr.Ptr[int64]
}

type garbageList struct {
	pool *pmpool.Pool
	hdr  relptr.Ptr[garbageHeader]
}

func createGarbageList(tx *pmpool.Txn, pool *pmpool.Pool) (*garbageList, int64, error) {
	hp, err := pmpool.Alloc[garbageHeader](tx)
	if err != nil {
		return nil, 0, err
	}
	return &garbageList{pool: pool, hdr: hp}, hp.Offset(), nil
}

func attachGarbageList(pool *pmpool.Pool, off int64) *garbageList {
	return &garbageList{pool: pool, hdr: relptr.FromOffset[garbageHeader](off)}
}

func (g *garbageList) header() *garbageHeader { return pmpool.Deref(g.pool, g.hdr) }

func (g *garbageList) elem(idx int64) *int64 {
	h := g.header()
	p := relptr.FromOffset[int64](h.Items.Offset() + idx*8)
	return relptr.Deref[int64](g.pool.Base(), p)
}

func (g *garbageList) grow(tx *pmpool.Txn) error {
	h := g.header()
	newCap := h.Cap * 2
	if newCap == 0 {
		newCap = 16
	}
	newBytes, err := pmpool.AllocBytes(tx, newCap*8)
	if err != nil {
		return err
	}
	dst := g.pool.Bytes()[newBytes.Offset() : newBytes.Offset()+newCap*8]
	for i := range dst {
		dst[i] = 0
	}
	if h.Cap > 0 {
		old := g.pool.Bytes()[h.Items.Offset() : h.Items.Offset()+h.Cap*8]
		copy(dst, old)
		if err := pmpool.FreeBytes(tx, relptr.AsBytes(h.Items), h.Cap*8); err != nil {
			return err
		}
	}
	pmpool.SnapshotOf(tx, g.hdr)
	h.Items = relptr.Cast[int64](newBytes)
	h.Cap = newCap
	return nil
}

// push records tp for deferred reclamation. Must run inside tx.
func (g *garbageList) push(tx *pmpool.Txn, tp relptr.TaggedPtr) error {
	h := g.header()
	if h.Len >= h.Cap {
		if err := g.grow(tx); err != nil {
			return err
		}
		h = g.header()
	}
	pmpool.SnapshotOf(tx, g.hdr)
	*g.elem(h.Len) = tp.Raw()
	h.Len++
	return nil
}

// drain removes and returns every pending entry, resetting the list
// to empty, all inside tx.
func (g *garbageList) drain(tx *pmpool.Txn) []relptr.TaggedPtr {
	h := g.header()
	out := make([]relptr.TaggedPtr, 0, h.Len)
	for i := int64(0); i < h.Len; i++ {
		out = append(out, relptr.TaggedFromRaw(*g.elem(i)))
	}
	pmpool.SnapshotOf(tx, g.hdr)
	h.Len = 0
	return out
}

func (t *Tree) freeImmediate(tx *pmpool.Txn, tp relptr.TaggedPtr) error {
	if tp.IsNull() {
		return nil
	}
	if tp.IsLeaf() {
		lp := relptr.Untag[Leaf](tp)
		l := t.derefLeaf(lp)
		size := leafHeaderSize + l.KeyLen + l.ValLen
		return pmpool.FreeBytes(tx, relptr.AsBytes(lp), size)
	}
	return pmpool.Free(tx, relptr.Untag[Node](tp))
}

// retire frees tp immediately in single-writer mode, or defers it to
// the garbage list while mtEnabled so an in-flight lock-free reader
// cannot be left holding a dangling pointer (spec §4.3.11).
func (t *Tree) retire(tx *pmpool.Txn, tp relptr.TaggedPtr) error {
	if tp.IsNull() {
		return nil
	}
	if t.mtEnabled.Load() {
		return t.garbage.push(tx, tp)
	}
	return t.freeImmediate(tx, tp)
}

// GarbageCollect frees every entry deferred by Erase or InsertOrAssign
// while mtEnabled. Callers must ensure no reader still holds a
// reference into the tree from before the corresponding calls (spec §4.3.11's quiescence
// requirement) before calling this.
func (t *Tree) GarbageCollect(ctx context.Context) (int, error) {
	var n int
	err := t.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		pending := t.garbage.drain(tx)
		for _, tp := range pending {
			if err := t.freeImmediate(tx, tp); err != nil {
				return err
			}
		}
		n = len(pending)
		return nil
	})
	if t.metrics != nil && err == nil {
		t.metrics.gcRuns.Inc()
		t.metrics.gcFreed.Add(float64(n))
	}
	return n, err
}
