package cmap

import (
	"github.com/pmem-go/concurrent/relptr"
	"github.com/pmem-go/concurrent/segment"
)

// Iterator walks every element bucket-by-bucket, chain-by-chain.
// Iteration is single-threaded only (spec §4.2.1): callers must not
// mutate the map while an Iterator is live.
type Iterator struct {
	m    *Map
	idx  uint64
	mask uint64
	cur  relptr.Ptr[Node]
}

// Iterate returns an Iterator positioned before the first element.
func (m *Map) Iterate() *Iterator {
	h := m.header()
	return &Iterator{m: m, mask: uint64(h.Mask.Load())}
}

// Next advances the iterator, returning the next node or (nil, false)
// at the end.
func (it *Iterator) Next() (*Node, bool) {
	for {
		if !it.cur.IsNull() {
			n := it.m.derefNode(it.cur)
			it.cur = n.Next
			return n, true
		}
		if it.idx > it.mask {
			return nil, false
		}
		b := segment.GetBucket(it.m.pool, &it.m.header().Segments, it.idx)
		it.cur = b.NodeList.Load()
		it.idx++
	}
}

// Key returns n's key bytes.
func (m *Map) Key(n *Node) []byte { return m.nodeKey(n) }

// Value returns n's value bytes.
func (m *Map) Value(n *Node) []byte { return m.nodeValue(n) }
