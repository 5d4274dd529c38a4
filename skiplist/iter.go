package skiplist

// Iterator walks nodes in ascending key order. Safe to use
// concurrently with the single writer and other readers; like
// radix.Iterator, callers must not mutate the list's structure
// between calls while one is live (a concurrent writer is fine — the
// same descent discipline as Find applies — but no two goroutines
// should race to advance the same Iterator value).
type Iterator struct {
	l       *List
	cur     *Node
	started bool
	done    bool
}

// Begin returns an Iterator positioned before the first node.
func (l *List) Begin() *Iterator { return &Iterator{l: l} }

// Next advances the iterator, returning the next node or (nil, false)
// past the end.
func (it *Iterator) Next() (*Node, bool) {
	if it.done {
		return nil, false
	}
	h := it.l.header()
	if !it.started {
		it.started = true
		it.cur = it.l.derefNode(it.l.derefNode(h.Head).Next[0].Load())
	} else {
		it.cur = it.l.derefNode(it.cur.Next[0].Load())
	}
	if it.cur == nil {
		it.done = true
		return nil, false
	}
	return it.cur, true
}
