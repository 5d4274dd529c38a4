package skiplist

import (
	"context"

	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/relptr"
)

// garbageHeader is a persisted growable stack of retired node offsets,
// the skip-list twin of radix's garbageHeader (spec §4.3.11's
// deferred-reclamation list, shared in shape though the payload here
// is a plain offset rather than a packed TaggedPtr since a skip-list
// node has no leaf/internal discriminant).
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

func (g *garbageList) push(tx *pmpool.Txn, p relptr.Ptr[Node]) error {
	h := g.header()
	if h.Len >= h.Cap {
		if err := g.grow(tx); err != nil {
			return err
		}
		h = g.header()
	}
	pmpool.SnapshotOf(tx, g.hdr)
	*g.elem(h.Len) = p.Offset()
	h.Len++
	return nil
}

func (g *garbageList) drain(tx *pmpool.Txn) []relptr.Ptr[Node] {
	h := g.header()
	out := make([]relptr.Ptr[Node], 0, h.Len)
	for i := int64(0); i < h.Len; i++ {
		out = append(out, relptr.FromOffset[Node](*g.elem(i)))
	}
	pmpool.SnapshotOf(tx, g.hdr)
	h.Len = 0
	return out
}

// retire frees p immediately in single-writer mode, or defers it to
// the garbage list while mtEnabled so a lock-free reader mid-descent
// cannot be left holding a dangling pointer.
func (l *List) retire(tx *pmpool.Txn, p relptr.Ptr[Node]) error {
	if p.IsNull() {
		return nil
	}
	if l.mtEnabled.Load() {
		return l.garbage.push(tx, p)
	}
	return l.freeNode(tx, p)
}

// GarbageCollect frees every node deferred by Erase or InsertOrAssign
// while mtEnabled. Callers must ensure no reader still holds a
// reference predating the corresponding calls before calling this (spec §4.3.11's
// quiescence requirement, applied to the skip-list sibling).
func (l *List) GarbageCollect(ctx context.Context) (int, error) {
	var n int
	err := l.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		pending := l.garbage.drain(tx)
		for _, p := range pending {
			if err := l.freeNode(tx, p); err != nil {
				return err
			}
		}
		n = len(pending)
		return nil
	})
	if l.metrics != nil && err == nil {
		l.metrics.gcRuns.Inc()
		l.metrics.gcFreed.Add(float64(n))
	}
	return n, err
}
