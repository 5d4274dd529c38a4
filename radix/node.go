// Package radix implements the persistent-memory-resident concurrent
// PATRICIA (radix) tree (spec §3.7–§3.9, §4.3): an ordered associative
// container keyed by byte strings, single-writer with optional
// lock-free concurrent readers.
//
// Simplification (recorded in DESIGN.md): the source's parent
// back-pointer is typed RelPtr<TaggedPtr> — a pointer directly at the
// specific TaggedPtr slot (a Child[] element, embedded_entry, or the
// header's root field) that references the node, letting C++ recover
// the owning structure via pointer-to-member arithmetic ("container
// of"). Go has no safe equivalent idiom, so ParentRef below names the
// owning node (or the tree root) and the slot within it explicitly —
// the same information, addressed the way Go code addresses it.
package radix

import (
	"unsafe"

	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/relptr"
)

// ParentRef identifies the single slot that currently references a
// node or leaf: either the tree's root field, an internal node's
// embedded_entry, or one of its 16 children.
type ParentRef struct {
	Node   relptr.Ptr[Node]
	Slot   int8 // -1 = embedded_entry, 0..15 = Child index; ignored when IsRoot
	IsRoot bool
}

func rootRef() ParentRef { return ParentRef{IsRoot: true} }

// Node is a PATRICIA internal node: 16 children indexed by a 4-bit
// slice of the key at (Byte, Bit), plus an entry for a key that is
// itself a proper prefix of the subtree (spec §3.7).
type Node struct {
	Parent        ParentRef
	EmbeddedEntry relptr.AtomicTaggedPtr
	Child         [16]relptr.AtomicTaggedPtr
	Byte          uint64
	Bit           uint8
}

// Leaf holds one key/value pair; the key bytes then the value bytes
// follow immediately after the fixed header in the same allocation
// (spec §3.8).
type Leaf struct {
	Parent ParentRef
	KeyLen int64
	ValLen int64
}

var leafHeaderSize = int64(unsafe.Sizeof(Leaf{}))

func (t *Tree) allocLeaf(tx *pmpool.Txn, key, val []byte) (relptr.Ptr[Leaf], error) {
	size := leafHeaderSize + int64(len(key)) + int64(len(val))
	bp, err := pmpool.AllocBytes(tx, size)
	if err != nil {
		return relptr.Ptr[Leaf]{}, err
	}
	lp := relptr.Cast[Leaf](bp)
	l := t.derefLeaf(lp)
	l.KeyLen = int64(len(key))
	l.ValLen = int64(len(val))
	copy(t.leafKey(l), key)
	copy(t.leafValue(l), val)
	return lp, nil
}

// allocNode allocates a Node and clears EmbeddedEntry and every Child
// slot; Parent, Byte and Bit are left for the caller to set. A
// freelist-reused extent is not guaranteed zero (spec §4.5's rationale
// for segment.Enable's explicit zeroBucket applies equally here), and
// only a handful of a new branching node's 16 children are ever
// explicitly assigned by its caller.
func (t *Tree) allocNode(tx *pmpool.Txn) (relptr.Ptr[Node], error) {
	np, err := pmpool.Alloc[Node](tx)
	if err != nil {
		return np, err
	}
	n := t.derefNode(np)
	n.EmbeddedEntry.Store(relptr.NullTagged())
	for i := range n.Child {
		n.Child[i].Store(relptr.NullTagged())
	}
	return np, nil
}

func (t *Tree) derefLeaf(p relptr.Ptr[Leaf]) *Leaf {
	if p.IsNull() {
		return nil
	}
	return relptr.Deref[Leaf](t.pool.Base(), p)
}

func (t *Tree) derefNode(p relptr.Ptr[Node]) *Node {
	if p.IsNull() {
		return nil
	}
	return relptr.Deref[Node](t.pool.Base(), p)
}

func (t *Tree) leafOffset(l *Leaf) int64 {
	return int64(uintptr(unsafe.Pointer(l)) - uintptr(t.pool.Base()))
}

func (t *Tree) leafKey(l *Leaf) []byte {
	off := t.leafOffset(l) + leafHeaderSize
	return t.pool.Bytes()[off : off+l.KeyLen]
}

func (t *Tree) leafValue(l *Leaf) []byte {
	off := t.leafOffset(l) + leafHeaderSize + l.KeyLen
	return t.pool.Bytes()[off : off+l.ValLen : off+l.ValLen]
}

// slotFor returns the live AtomicTaggedPtr addressed by ref.
func (t *Tree) slotFor(ref ParentRef, h *Header) *relptr.AtomicTaggedPtr {
	if ref.IsRoot {
		return &h.Root
	}
	n := t.derefNode(ref.Node)
	if ref.Slot == -1 {
		return &n.EmbeddedEntry
	}
	return &n.Child[ref.Slot]
}

func (t *Tree) setParent(tp relptr.TaggedPtr, ref ParentRef) {
	if tp.IsNull() {
		return
	}
	if tp.IsLeaf() {
		t.derefLeaf(relptr.Untag[Leaf](tp)).Parent = ref
	} else {
		t.derefNode(relptr.Untag[Node](tp)).Parent = ref
	}
}
