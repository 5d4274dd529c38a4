// Package tlsacc implements the thread-local (here: goroutine-local)
// size accumulator used by the hash map and the skiplist
// (spec §3.10, §9.5): a persisted, growable array of signed deltas,
// one slot per caller that has ever mutated a container's size, summed
// and cleared into a container's on_init_size during restart.
//
// Go has no stable, enumerable thread-local storage, so "thread" is
// realized as pmpool.GToken: callers mint one token per logical unit
// of work (typically once per goroutine) and present it on every call
// that touches size. A slot is assigned to a token the first time it
// is seen and cached in a process-local sync.Map; the persisted array
// itself only ever grows, matching the source's "enumerable
// thread-specific pointer" container.
package tlsacc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/relptr"
)

type header struct {
	Cap    int64
	Len    int64
	Deltas relptr.Ptr[int64]
}

// Accumulator is the runtime handle to one persisted delta array.
// It is not itself safe to copy; share a pointer across goroutines.
type Accumulator struct {
	pool *pmpool.Pool
	hdr  relptr.Ptr[header]

	mu    sync.Mutex
	slots sync.Map // pmpool.GToken -> int64 slot index
}

// Open attaches to (creating if necessary) the accumulator stored
// under the named pool root. The containers in this module do not use
// it; they store the accumulator's offset in their own header and go
// through Create and Attach.
func Open(ctx context.Context, pool *pmpool.Pool, root string) (*Accumulator, error) {
	a := &Accumulator{pool: pool}

	off, found, err := pool.Root(root)
	if err != nil {
		return nil, err
	}
	if found {
		a.hdr = relptr.FromOffset[header](off)
		return a, nil
	}

	err = pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		hp, aerr := pmpool.Alloc[header](tx)
		if aerr != nil {
			return aerr
		}
		a.hdr = hp
		return pool.SetRoot(root, hp.Offset())
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Create allocates a fresh accumulator without registering it under a
// pool root, returning its pool-relative offset so the caller can
// embed it as a field of its own persisted header (spec §3.6's
// tls_ptr field), rather than going through Open's named-root path.
func Create(ctx context.Context, pool *pmpool.Pool) (*Accumulator, int64, error) {
	a := &Accumulator{pool: pool}
	var off int64
	err := pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		hp, aerr := pmpool.Alloc[header](tx)
		if aerr != nil {
			return aerr
		}
		a.hdr = hp
		off = hp.Offset()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return a, off, nil
}

// Attach wraps an already-allocated accumulator at the given offset,
// the counterpart to Create for containers that store the offset
// themselves (see Header.TlsOff in package cmap).
func Attach(pool *pmpool.Pool, off int64) *Accumulator {
	return &Accumulator{pool: pool, hdr: relptr.FromOffset[header](off)}
}

func (a *Accumulator) header() *header { return pmpool.Deref(a.pool, a.hdr) }

func elemPtr(pool *pmpool.Pool, base relptr.Ptr[int64], idx int64) *int64 {
	p := relptr.FromOffset[int64](base.Offset() + idx*8)
	return relptr.Deref[int64](pool.Base(), p)
}

func (a *Accumulator) slotFor(ctx context.Context, tok pmpool.GToken) (int64, error) {
	if v, ok := a.slots.Load(tok); ok {
		return v.(int64), nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.slots.Load(tok); ok {
		return v.(int64), nil
	}
	h := a.header()
	if h.Len >= h.Cap {
		if err := a.grow(ctx); err != nil {
			return 0, err
		}
		h = a.header()
	}
	idx := h.Len
	h.Len++
	a.slots.Store(tok, idx)
	return idx, nil
}

func (a *Accumulator) grow(ctx context.Context) error {
	return a.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		h := a.header()
		newCap := h.Cap * 2
		if newCap == 0 {
			newCap = 16
		}
		newBytes, err := pmpool.AllocBytes(tx, newCap*8)
		if err != nil {
			return err
		}
		dst := a.pool.Bytes()[newBytes.Offset() : newBytes.Offset()+newCap*8]
		for i := range dst {
			dst[i] = 0
		}
		if h.Cap > 0 {
			old := a.pool.Bytes()[h.Deltas.Offset() : h.Deltas.Offset()+h.Cap*8]
			copy(dst, old)
			if err := pmpool.FreeBytes(tx, relptr.AsBytes(h.Deltas), h.Cap*8); err != nil {
				return err
			}
		}
		pmpool.SnapshotOf(tx, a.hdr)
		h.Deltas = relptr.Cast[int64](newBytes)
		h.Cap = newCap
		return nil
	})
}

// Add applies delta to the caller's slot. It may be called inside or
// outside a pool transaction (cmap calls it inside the insert/erase
// transaction); the delta store itself is not snapshotted, so an
// aborted transaction does not undo it. The write is a single atomic
// machine word, durable once the arena is flushed (callers rely on the
// container's own commit/flush cadence rather than flushing per delta).
func (a *Accumulator) Add(ctx context.Context, tok pmpool.GToken, delta int64) error {
	idx, err := a.slotFor(ctx, tok)
	if err != nil {
		return err
	}
	p := elemPtr(a.pool, a.header().Deltas, idx)
	atomic.AddInt64(p, delta)
	return nil
}

// Reconcile sums every slot's delta and zeroes them all in a single
// transaction, returning the sum (spec §3.10, §4.4): the caller folds
// it into its own on_init_size exactly once, at runtime_initialize.
func (a *Accumulator) Reconcile(ctx context.Context) (int64, error) {
	var total int64
	err := a.pool.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		h := a.header()
		if h.Len == 0 {
			return nil
		}
		for i := int64(0); i < h.Len; i++ {
			total += atomic.LoadInt64(elemPtr(a.pool, h.Deltas, i))
		}
		tx.Snapshot(h.Deltas.Offset(), h.Len*8)
		for i := int64(0); i < h.Len; i++ {
			atomic.StoreInt64(elemPtr(a.pool, h.Deltas, i), 0)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Slots returns the number of slots currently assigned, for tests and
// diagnostics.
func (a *Accumulator) Slots() int64 { return a.header().Len }
