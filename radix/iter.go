package radix

import "github.com/pmem-go/concurrent/relptr"

// successor returns the next leaf after l in key order, found by
// climbing l's Parent chain (spec §3.9's forward iteration): first
// look for a later-indexed sibling (or, from an embedded_entry, the
// first child at all) under the nearest ancestor, descending to its
// leftmost leaf; if an ancestor has no later sibling, keep climbing.
func (t *Tree) successor(l *Leaf) *Leaf {
	ref := l.Parent
	for {
		if ref.IsRoot {
			return nil
		}
		n := t.derefNode(ref.Node)
		start := 0
		if ref.Slot >= 0 {
			start = int(ref.Slot) + 1
		}
		for i := start; i < 16; i++ {
			if c := n.Child[i].Load(); !c.IsNull() {
				return t.leftmostLeaf(c)
			}
		}
		ref = n.Parent
	}
}

// predecessor returns the previous leaf before l in key order,
// symmetric to successor: an embedded_entry sorts before every child,
// so climbing out of one never finds an earlier sibling under the
// same node.
func (t *Tree) predecessor(l *Leaf) *Leaf {
	ref := l.Parent
	for {
		if ref.IsRoot {
			return nil
		}
		n := t.derefNode(ref.Node)
		if ref.Slot >= 0 {
			for i := int(ref.Slot) - 1; i >= 0; i-- {
				if c := n.Child[i].Load(); !c.IsNull() {
					return t.rightmostLeaf(c)
				}
			}
			if e := n.EmbeddedEntry.Load(); !e.IsNull() {
				return t.derefLeaf(relptr.Untag[Leaf](e))
			}
		}
		ref = n.Parent
	}
}

// Iterator walks leaves in ascending key order (spec §3.9). Safe to
// use concurrently with other readers; like cmap's Iterator, callers
// must not mutate the tree while one is live.
type Iterator struct {
	t       *Tree
	cur     *Leaf
	started bool
	done    bool
}

// Begin returns an Iterator positioned before the first leaf.
func (t *Tree) Begin() *Iterator { return &Iterator{t: t} }

// Next advances the iterator, returning the next leaf or (nil, false)
// past the end.
func (it *Iterator) Next() (*Leaf, bool) {
	if it.done {
		return nil, false
	}
	if !it.started {
		it.started = true
		h := it.t.header()
		root := h.Root.Load()
		if root.IsNull() {
			it.done = true
			return nil, false
		}
		it.cur = it.t.leftmostLeaf(root)
	} else {
		it.cur = it.t.successor(it.cur)
	}
	if it.cur == nil {
		it.done = true
		return nil, false
	}
	return it.cur, true
}

// ReverseIterator walks leaves in descending key order.
type ReverseIterator struct {
	t       *Tree
	cur     *Leaf
	started bool
	done    bool
}

// End returns a ReverseIterator positioned after the last leaf.
func (t *Tree) End() *ReverseIterator { return &ReverseIterator{t: t} }

// Next advances the reverse iterator.
func (it *ReverseIterator) Next() (*Leaf, bool) {
	if it.done {
		return nil, false
	}
	if !it.started {
		it.started = true
		h := it.t.header()
		root := h.Root.Load()
		if root.IsNull() {
			it.done = true
			return nil, false
		}
		it.cur = it.t.rightmostLeaf(root)
	} else {
		it.cur = it.t.predecessor(it.cur)
	}
	if it.cur == nil {
		it.done = true
		return nil, false
	}
	return it.cur, true
}
