// Package skiplist implements the single-writer / lock-free-read
// skip-list sibling of the radix tree (spec §2 row 7): an ordered
// associative container over byte-sequence keys that reuses tlsacc
// (as package cmap does) and restart.Validate (as package radix does)
// instead of duplicating either. Size is kept directly in the header;
// no operation of this package adds to the attached accumulator, whose
// held deltas are folded into Size at open.
//
// Unlike radix, nodes carry no parent back-pointer: a skip list's
// forward-only tower structure has nothing for a back-pointer to
// usefully address, so reverse iteration is not offered (a difference
// from radix recorded in DESIGN.md, not an oversight).
package skiplist

import (
	"unsafe"

	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/relptr"
)

// MaxLevel bounds a node's tower height. Levels are generated with a
// p=0.5 geometric distribution (header.go's newLevel), so MaxLevel=32
// comfortably covers any container that fits in a realistic arena
// (a node reaches level 32 with probability 2^-31).
const MaxLevel = 32

// Node is one skip-list entry: a tower of forward pointers, one per
// level it participates in, followed in memory by the key bytes then
// the value bytes (mirroring radix.Leaf's layout, spec §3.8's sibling
// shape applied here). Only Next[0:Level] are meaningful; the rest are
// unused and not cleared by allocNode, a fixed-size simplification of the source's
// variable-height allocation (recorded in DESIGN.md, same trade as
// radix.Node's fixed 16-wide Child array).
type Node struct {
	Next   [MaxLevel]relptr.AtomicPtr[Node]
	Level  int32
	KeyLen int64
	ValLen int64
}

var nodeHeaderSize = int64(unsafe.Sizeof(Node{}))

func (l *List) allocNode(tx *pmpool.Txn, level int32, key, val []byte) (relptr.Ptr[Node], error) {
	size := nodeHeaderSize + int64(len(key)) + int64(len(val))
	bp, err := pmpool.AllocBytes(tx, size)
	if err != nil {
		return relptr.Ptr[Node]{}, err
	}
	np := relptr.Cast[Node](bp)
	n := l.derefNode(np)
	n.Level = level
	n.KeyLen = int64(len(key))
	n.ValLen = int64(len(val))
	for i := int32(0); i < level; i++ {
		n.Next[i].Store(relptr.Null[Node]())
	}
	copy(l.nodeKey(n), key)
	copy(l.nodeValue(n), val)
	return np, nil
}

func (l *List) freeNode(tx *pmpool.Txn, p relptr.Ptr[Node]) error {
	n := l.derefNode(p)
	size := nodeHeaderSize + n.KeyLen + n.ValLen
	return pmpool.FreeBytes(tx, relptr.AsBytes(p), size)
}

func (l *List) derefNode(p relptr.Ptr[Node]) *Node {
	if p.IsNull() {
		return nil
	}
	return relptr.Deref[Node](l.pool.Base(), p)
}

func (l *List) nodeOffset(n *Node) int64 {
	return int64(uintptr(unsafe.Pointer(n)) - uintptr(l.pool.Base()))
}

func (l *List) nodeKey(n *Node) []byte {
	off := l.nodeOffset(n) + nodeHeaderSize
	return l.pool.Bytes()[off : off+n.KeyLen]
}

func (l *List) nodeValue(n *Node) []byte {
	off := l.nodeOffset(n) + nodeHeaderSize + n.KeyLen
	return l.pool.Bytes()[off : off+n.ValLen : off+n.ValLen]
}

// Key returns n's key bytes.
func (l *List) Key(n *Node) []byte { return l.nodeKey(n) }

// Value returns n's value bytes.
func (l *List) Value(n *Node) []byte { return l.nodeValue(n) }
