package radix

import "github.com/pmem-go/concurrent/relptr"

// commonPrefixDescent follows key's nibbles from root, falling back to
// a node's embedded_entry or leftmost leaf whenever the exact child a
// nibble would select is missing or key runs out (spec §3.7's
// "representative leaf" descent, used by both Find and the first phase
// of insert/erase to locate the divergence point against an existing
// key).
func (t *Tree) commonPrefixDescent(root relptr.TaggedPtr, key []byte) *Leaf {
	cur := root
	for {
		if cur.IsLeaf() {
			return t.derefLeaf(relptr.Untag[Leaf](cur))
		}
		n := t.derefNode(relptr.Untag[Node](cur))
		idx, ok := nibbleAt(key, n.Byte, n.Bit)
		if !ok {
			if e := n.EmbeddedEntry.Load(); !e.IsNull() {
				return t.derefLeaf(relptr.Untag[Leaf](e))
			}
			return t.leftmostLeaf(cur)
		}
		c := n.Child[idx].Load()
		if c.IsNull() {
			return t.leftmostLeaf(cur)
		}
		cur = c
	}
}

// leftmostLeaf returns the first leaf in cur's subtree in key order:
// a node's own embedded_entry (a proper prefix of everything else in
// the subtree) sorts before all of its children.
func (t *Tree) leftmostLeaf(cur relptr.TaggedPtr) *Leaf {
	for {
		if cur.IsLeaf() {
			return t.derefLeaf(relptr.Untag[Leaf](cur))
		}
		n := t.derefNode(relptr.Untag[Node](cur))
		if e := n.EmbeddedEntry.Load(); !e.IsNull() {
			return t.derefLeaf(relptr.Untag[Leaf](e))
		}
		var next relptr.TaggedPtr
		for i := 0; i < 16; i++ {
			if c := n.Child[i].Load(); !c.IsNull() {
				next = c
				break
			}
		}
		if next.IsNull() {
			return nil
		}
		cur = next
	}
}

// rightmostLeaf returns the last leaf in cur's subtree in key order.
func (t *Tree) rightmostLeaf(cur relptr.TaggedPtr) *Leaf {
	for {
		if cur.IsLeaf() {
			return t.derefLeaf(relptr.Untag[Leaf](cur))
		}
		n := t.derefNode(relptr.Untag[Node](cur))
		var next relptr.TaggedPtr
		for i := 15; i >= 0; i-- {
			if c := n.Child[i].Load(); !c.IsNull() {
				next = c
				break
			}
		}
		if next.IsNull() {
			if e := n.EmbeddedEntry.Load(); !e.IsNull() {
				return t.derefLeaf(relptr.Untag[Leaf](e))
			}
			return nil
		}
		cur = next
	}
}

// boundedDescentSlot walks from root following key's nibbles, stopping
// at the first slot whose current occupant is null, is a leaf, or is
// an internal node positioned at or past diffNi (spec §3.7's "bounded"
// descent: it never walks past the point where a new key must branch
// off). The returned ParentRef names that slot.
func (t *Tree) boundedDescentSlot(h *Header, key []byte, diffNi int64) ParentRef {
	ref := rootRef()
	for {
		slot := t.slotFor(ref, h)
		cur := slot.Load()
		if cur.IsNull() || cur.IsLeaf() {
			return ref
		}
		n := t.derefNode(relptr.Untag[Node](cur))
		if ni(n.Byte, n.Bit) >= diffNi {
			return ref
		}
		nodeOff := relptr.Untag[Node](cur)
		idx, ok := nibbleAt(key, n.Byte, n.Bit)
		if !ok {
			ref = ParentRef{Node: nodeOff, Slot: -1}
		} else {
			ref = ParentRef{Node: nodeOff, Slot: int8(idx)}
		}
	}
}
