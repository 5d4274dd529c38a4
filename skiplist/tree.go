package skiplist

import (
	"bytes"
	"context"

	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/relptr"
)

// search walks down from head collecting, at every active level, the
// last node whose key is strictly less than key (the classic
// skip-list "update" vector); levels above the list's current
// TopLevel default to head itself, since nothing has ever linked
// there. found is the exact-match node at level 0, if any.
func (l *List) search(h *Header, key []byte) (update [MaxLevel]*Node, found *Node) {
	head := l.derefNode(h.Head)
	for i := range update {
		update[i] = head
	}
	x := head
	top := h.TopLevel.Load()
	for i := top - 1; i >= 0; i-- {
		for {
			nextP := x.Next[i].Load()
			if nextP.IsNull() {
				break
			}
			next := l.derefNode(nextP)
			if bytes.Compare(l.nodeKey(next), key) < 0 {
				x = next
			} else {
				break
			}
		}
		update[i] = x
	}
	nextP := x.Next[0].Load()
	if !nextP.IsNull() {
		next := l.derefNode(nextP)
		if bytes.Equal(l.nodeKey(next), key) {
			found = next
		}
	}
	return
}

// Find returns the value stored for key, if present. Safe to call
// concurrently with the single writer and other readers (spec
// §4.3.8's lock-free read discipline, applied to the skip-list
// sibling): a plain forward descent following acquire-ordered Next
// loads, never touching the writer's search/update machinery.
func (l *List) Find(key []byte) ([]byte, bool) {
	if l.metrics != nil {
		l.metrics.finds.Inc()
	}
	h := l.header()
	head := l.derefNode(h.Head)
	x := head
	top := h.TopLevel.Load()
	for i := top - 1; i >= 0; i-- {
		for {
			nextP := x.Next[i].Load()
			if nextP.IsNull() {
				break
			}
			next := l.derefNode(nextP)
			if bytes.Compare(l.nodeKey(next), key) < 0 {
				x = next
			} else {
				break
			}
		}
	}
	nextP := x.Next[0].Load()
	if nextP.IsNull() {
		return nil, false
	}
	next := l.derefNode(nextP)
	if bytes.Equal(l.nodeKey(next), key) {
		return l.nodeValue(next), true
	}
	return nil, false
}

// Contains reports whether key is present.
func (l *List) Contains(key []byte) bool {
	_, ok := l.Find(key)
	return ok
}

// linkNewNode allocates a node for key/val at height and splices it
// in at each level using the predecessors recorded in update, growing
// the list's TopLevel first if height exceeds it (spec §4.3.5's
// "parent back-pointers updated in the same transaction", applied
// here to the forward pointers a skip list publishes instead).
func (l *List) linkNewNode(tx *pmpool.Txn, h *Header, update [MaxLevel]*Node, height int32, key, val []byte) (*Node, error) {
	np, err := l.allocNode(tx, height, key, val)
	if err != nil {
		return nil, err
	}
	l.markWriterPending(tx, np)
	if height > h.TopLevel.Load() {
		pmpool.SnapshotOf(tx, l.hdr)
		h.TopLevel.Store(height)
	}
	n := l.derefNode(np)
	for i := int32(0); i < height; i++ {
		n.Next[i].Store(update[i].Next[i].Load())
	}
	for i := int32(0); i < height; i++ {
		update[i].Next[i].Store(np)
	}
	l.clearWriterPending(tx)
	return n, nil
}

// unlinkNode removes n from every level it participates in, using the
// same update vector a prior search produced for n's key.
func (l *List) unlinkNode(update [MaxLevel]*Node, n *Node) {
	for i := int32(0); i < n.Level; i++ {
		update[i].Next[i].Store(n.Next[i].Load())
	}
}

func (l *List) offsetOf(n *Node) relptr.Ptr[Node] {
	return relptr.FromOffset[Node](l.nodeOffset(n))
}

// Insert adds key/val if key is absent, returning whether it was
// inserted.
func (l *List) Insert(ctx context.Context, key, val []byte) (bool, error) {
	return l.insert(ctx, key, val, false)
}

// InsertOrAssign inserts key/val, overwriting any existing value for
// key. Returns whether key already existed.
func (l *List) InsertOrAssign(ctx context.Context, key, val []byte) (bool, error) {
	inserted, err := l.insert(ctx, key, val, true)
	return !inserted, err
}

func (l *List) insert(ctx context.Context, key, val []byte, assign bool) (bool, error) {
	if l.metrics != nil {
		l.metrics.inserts.Inc()
	}
	h := l.header()
	update, found := l.search(h, key)
	if found != nil {
		if !assign {
			return false, nil
		}
		return false, l.reassign(ctx, h, update, found, key, val)
	}
	height := l.newLevel()
	err := l.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		if _, err := l.linkNewNode(tx, h, update, height, key, val); err != nil {
			return err
		}
		h.Size.Add(1)
		return nil
	})
	return err == nil, err
}

// reassign implements spec §4.3.7's assign-in-place rule for the
// skip-list sibling: if the new value fits the old node's already
// allocated capacity and no reader may be mid-descent (single-threaded
// mode), overwrite in place inside one transaction. Otherwise unlink
// the old node and splice in a freshly allocated one at the same key.
func (l *List) reassign(ctx context.Context, h *Header, update [MaxLevel]*Node, old *Node, key, val []byte) error {
	if int64(len(val)) <= old.ValLen && !l.mtEnabled.Load() {
		return l.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
			tx.Snapshot(l.nodeOffset(old), nodeHeaderSize)
			valOff := l.nodeOffset(old) + nodeHeaderSize + old.KeyLen
			tx.Snapshot(valOff, old.ValLen)
			buf := l.pool.Bytes()[valOff : valOff+old.ValLen]
			for i := range buf {
				buf[i] = 0
			}
			copy(buf, val)
			old.ValLen = int64(len(val))
			return nil
		})
	}
	height := l.newLevel()
	return l.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		l.unlinkNode(update, old)
		if err := l.retire(tx, l.offsetOf(old)); err != nil {
			return err
		}
		_, err := l.linkNewNode(tx, h, update, height, key, val)
		return err
	})
}

// Erase removes key, returning whether it was present.
func (l *List) Erase(ctx context.Context, key []byte) (bool, error) {
	if l.metrics != nil {
		l.metrics.erases.Inc()
	}
	h := l.header()
	update, found := l.search(h, key)
	if found == nil {
		return false, nil
	}
	err := l.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		l.unlinkNode(update, found)
		if err := l.retire(tx, l.offsetOf(found)); err != nil {
			return err
		}
		h.Size.Add(-1)
		return nil
	})
	return err == nil, err
}

// Clear removes every key, always freeing immediately regardless of
// MT mode (spec §4.3.2 scopes clear to single-threaded use, mirroring
// radix.Tree.Clear).
func (l *List) Clear(ctx context.Context) error {
	return l.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		h := l.header()
		head := l.derefNode(h.Head)
		cur := head.Next[0].Load()
		for !cur.IsNull() {
			n := l.derefNode(cur)
			next := n.Next[0].Load()
			if err := l.freeNode(tx, cur); err != nil {
				return err
			}
			cur = next
		}
		for i := range head.Next {
			head.Next[i].Store(relptr.Null[Node]())
		}
		pmpool.SnapshotOf(tx, l.hdr)
		h.TopLevel.Store(0)
		h.Size.Store(0)
		return nil
	})
}

// LowerBound returns the first node whose key is >= key.
func (l *List) LowerBound(key []byte) (*Node, bool) {
	h := l.header()
	head := l.derefNode(h.Head)
	x := head
	top := h.TopLevel.Load()
	for i := top - 1; i >= 0; i-- {
		for {
			nextP := x.Next[i].Load()
			if nextP.IsNull() {
				break
			}
			next := l.derefNode(nextP)
			if bytes.Compare(l.nodeKey(next), key) < 0 {
				x = next
			} else {
				break
			}
		}
	}
	nextP := x.Next[0].Load()
	if nextP.IsNull() {
		return nil, false
	}
	return l.derefNode(nextP), true
}

// UpperBound returns the first node whose key is > key.
func (l *List) UpperBound(key []byte) (*Node, bool) {
	h := l.header()
	head := l.derefNode(h.Head)
	x := head
	top := h.TopLevel.Load()
	for i := top - 1; i >= 0; i-- {
		for {
			nextP := x.Next[i].Load()
			if nextP.IsNull() {
				break
			}
			next := l.derefNode(nextP)
			if bytes.Compare(l.nodeKey(next), key) <= 0 {
				x = next
			} else {
				break
			}
		}
	}
	nextP := x.Next[0].Load()
	if nextP.IsNull() {
		return nil, false
	}
	return l.derefNode(nextP), true
}
