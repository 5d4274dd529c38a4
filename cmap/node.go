package cmap

import (
	"unsafe"

	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/relptr"
)

// Node is one chain entry's fixed header; the key bytes and then the
// value bytes follow immediately after it in the same allocation
// (spec §3.7's radix-leaf layout pattern, reused here for hash-map
// nodes since both need a variable-length trailing payload).
type Node struct {
	Next   relptr.Ptr[Node]
	Hash   uint64
	KeyLen int64
	ValLen int64
}

var nodeHeaderSize = int64(unsafe.Sizeof(Node{}))

func (m *Map) allocNode(tx *pmpool.Txn, hash uint64, key, val []byte) (relptr.Ptr[Node], error) {
	size := nodeHeaderSize + int64(len(key)) + int64(len(val))
	bp, err := pmpool.AllocBytes(tx, size)
	if err != nil {
		return relptr.Ptr[Node]{}, err
	}
	np := relptr.Cast[Node](bp)
	n := m.derefNode(np)
	n.Hash = hash
	n.KeyLen = int64(len(key))
	n.ValLen = int64(len(val))
	copy(m.nodeKey(n), key)
	copy(m.nodeValue(n), val)
	return np, nil
}

func (m *Map) freeNode(tx *pmpool.Txn, np relptr.Ptr[Node]) error {
	n := m.derefNode(np)
	size := nodeHeaderSize + n.KeyLen + n.ValLen
	return pmpool.FreeBytes(tx, relptr.AsBytes(np), size)
}

func (m *Map) derefNode(p relptr.Ptr[Node]) *Node {
	if p.IsNull() {
		return nil
	}
	return relptr.Deref[Node](m.pool.Base(), p)
}

func (m *Map) nodeOffset(n *Node) int64 {
	return int64(uintptr(unsafe.Pointer(n)) - uintptr(m.pool.Base()))
}

func (m *Map) nodeKey(n *Node) []byte {
	off := m.nodeOffset(n) + nodeHeaderSize
	return m.pool.Bytes()[off : off+n.KeyLen]
}

func (m *Map) nodeValue(n *Node) []byte {
	off := m.nodeOffset(n) + nodeHeaderSize + n.KeyLen
	return m.pool.Bytes()[off : off+n.ValLen : off+n.ValLen]
}
