package pmpool

import (
	"context"

	"github.com/pkg/errors"
)

// align8 rounds n up to the next multiple of 8, guaranteeing the >= 2
// byte alignment relptr's TaggedPtr needs plus headroom for 8-byte
// atomics inside allocated objects.
func align8(n int64) int64 {
	const a = 8
	return (n + a - 1) &^ (a - 1)
}

type undoEntry struct {
	off  int64
	orig []byte
}

// Txn is a single pool transaction: a scope in which byte ranges can
// be snapshotted before mutation and allocations/frees are staged so
// that an abort reverses them in full (spec §4.1, §4.2.11).
type Txn struct {
	pool   *Pool
	undo   []undoEntry
	allocs []extent
	frees  []extent
}

type txnCtxKey struct{}

func txnFromContext(ctx context.Context) (*Txn, bool) {
	tx, ok := ctx.Value(txnCtxKey{}).(*Txn)
	return tx, ok
}

// Update runs fn inside a pool transaction, mirroring the source
// library's run(pool, F): on a nil return the transaction commits
// (staged allocations/frees applied, header persisted, arena flushed);
// on a non-nil return or a panic, every snapshotted byte range is
// restored and every staged allocation is reversed before the error
// (or panic) propagates. A call made while ctx already carries a
// transaction nests into it rather than opening a new one, matching
// "execute F inside a new (or nested) transaction".
//
// fn itself runs with no pool-wide lock held: spec §1(A)/§4.2.1
// require the hash map to support multiple concurrent writers without
// stop-the-world serialization, and cmap already enforces per-key
// safety with its own bucket mutexes (cmap/map.go locateAndLock).
// allocMu is taken only around the allocator's shared bookkeeping
// (the freelist and bump frontier, touched by allocBytes/freeBytes and
// by commit's freelist merge + header persist), so two goroutines
// committing structural changes to unrelated buckets run concurrently
// and only briefly contend on the allocator itself.
func (p *Pool) Update(ctx context.Context, fn func(ctx context.Context, tx *Txn) error) (err error) {
	if tx, ok := txnFromContext(ctx); ok {
		return fn(ctx, tx)
	}

	if tok, ok := TokenFromContext(ctx); ok && p.openAccessorCount(tok) > 0 {
		return errors.Wrapf(ErrTransactionScope, "goroutine %d still holds an open accessor", tok)
	}

	tx := &Txn{pool: p}
	ctx2 := context.WithValue(ctx, txnCtxKey{}, tx)

	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	if err = fn(ctx2, tx); err != nil {
		tx.rollback()
		return err
	}
	if err = tx.commit(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// Snapshot records size bytes at off into the transaction's undo log
// before the caller mutates them. Must be called before the write it
// protects (spec §4.1 snapshot(range)).
func (tx *Txn) Snapshot(off, size int64) {
	if size <= 0 {
		return
	}
	data := tx.pool.data.Bytes()
	orig := make([]byte, size)
	copy(orig, data[off:off+size])
	tx.undo = append(tx.undo, undoEntry{off: off, orig: orig})
}

// allocBytes is the raw byte-granularity allocator: first-fit against
// the pool's freelist, falling back to bumping the arena's
// never-allocated frontier. allocMu guards only this shared
// freelist/bump bookkeeping, not the caller's surrounding transaction,
// so allocations against unrelated buckets/leaves never serialize on
// each other beyond this brief critical section.
func (tx *Txn) allocBytes(size int64) (int64, error) {
	size = align8(size)
	p := tx.pool
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	for i, e := range p.freelist {
		if e.Size >= size {
			off := e.Off
			remaining := e.Size - size
			if remaining == 0 {
				p.freelist = append(p.freelist[:i], p.freelist[i+1:]...)
			} else {
				p.freelist[i] = extent{Off: off + size, Size: remaining}
			}
			tx.allocs = append(tx.allocs, extent{Off: off, Size: size})
			return off, nil
		}
	}
	if p.bump+size > int64(len(p.data.Bytes())) {
		return 0, errors.WithStack(ErrTransactionAlloc)
	}
	off := p.bump
	p.bump += size
	tx.allocs = append(tx.allocs, extent{Off: off, Size: size})
	return off, nil
}

// freeBytes stages a free against the transaction's own (unshared)
// frees slice; it only lands in the pool's freelist on commit, so an
// aborted transaction never hands the bytes back out and no pool-wide
// state is touched here.
func (tx *Txn) freeBytes(off, size int64) error {
	size = align8(size)
	if off < headerReserve || off+size > int64(len(tx.pool.data.Bytes())) {
		return errors.WithStack(ErrTransactionFree)
	}
	tx.frees = append(tx.frees, extent{Off: off, Size: size})
	return nil
}

func (tx *Txn) commit() error {
	p := tx.pool
	p.allocMu.Lock()
	p.freelist = append(p.freelist, tx.frees...)
	err := p.persistMeta()
	p.allocMu.Unlock()
	if err != nil {
		return err
	}
	if err := p.data.Flush(); err != nil {
		return errors.Wrap(err, "pmpool: flush arena on commit")
	}
	return nil
}

// rollback restores every snapshotted byte range and returns every
// staged allocation to the freelist. Staged frees are simply dropped:
// they were never merged into the live freelist, so there is nothing
// to undo for them. The snapshot restore touches only byte ranges this
// transaction itself recorded (always within the bucket/node/leaf its
// caller already holds locked), so it needs no pool-wide lock; only
// the freelist splice back does.
func (tx *Txn) rollback() {
	p := tx.pool
	data := p.data.Bytes()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		e := tx.undo[i]
		copy(data[e.off:e.off+int64(len(e.orig))], e.orig)
	}
	p.allocMu.Lock()
	p.freelist = append(p.freelist, tx.allocs...)
	p.allocMu.Unlock()
}
