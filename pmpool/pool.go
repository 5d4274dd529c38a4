// Package pmpool is the pool/transaction surface consumed by cmap,
// radix and skiplist (spec §1, §4.1). It is the Go-realizable stand-in
// for a persistent-memory pool manager: a memory-mapped byte arena
// addressed by int64 offset, a small durable metadata store for the
// pool header, and a transaction API that snapshots, allocates and
// frees atomically.
package pmpool

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/pmem-go/concurrent/internal/xlog"
)

// HeaderIncompat is the incompatible-feature bit mask this build
// understands. The pool metadata stores no incompat bits and Open does
// not check any; container headers carry and validate their own
// (restart.HeaderIncompat, restart.Validate).
const HeaderIncompat uint32 = 1

// CompatConsistentSize is the compat feature bit signalling that
// thread-local size accumulators are present (spec §3.6).
const CompatConsistentSize uint32 = 1

// headerReserve is the number of bytes at the start of the arena never
// handed out by the allocator, so offset zero is unambiguously null.
const headerReserve = 64

type extent struct {
	Off  int64
	Size int64
}

// Pool owns one memory-mapped arena and its durable metadata store.
type Pool struct {
	path string
	file *os.File
	lock *flock.Flock
	data mmapRegion
	meta *bolt.DB
	log  xlog.Logger

	uuid   uuid.UUID
	compat uint32

	allocMu  sync.Mutex
	bump     int64
	freelist []extent

	onInitSize int64
	valueSize  int64

	accessors sync.Map // gtoken -> *int64 open-accessor count
}

type mmapRegion interface {
	Flush() error
	Unmap() error
	Bytes() []byte
}

// UUID returns the pool's persistent identifier.
func (p *Pool) UUID() uuid.UUID { return p.uuid }

// Compat returns the persisted compat feature bits.
func (p *Pool) Compat() uint32 { return p.compat }

// HasConsistentSize reports whether the CONSISTENT_SIZE feature bit is
// set (spec §3.6, §4.4).
func (p *Pool) HasConsistentSize() bool { return p.compat&CompatConsistentSize != 0 }

// OnInitSize is the element count recorded at the last clean open,
// before any of this process's deltas are added (spec §3.6).
func (p *Pool) OnInitSize() int64 { return p.onInitSize }

// ValueSize is the value-layout guard last persisted with SetValueSize
// (spec §3.6). No container in this module reads it, so a value-size
// mismatch is not detected at open.
func (p *Pool) ValueSize() int64 { return p.valueSize }

// SetValueSize persists the value-layout guard. No container in this
// module calls it.
func (p *Pool) SetValueSize(n int64) error {
	p.valueSize = n
	return p.persistMeta()
}

// SetConsistentSize flips on the pool-level CONSISTENT_SIZE compat bit
// and persists onInitSize (spec §4.4). No container in this module
// calls it; each container migrates its own header's compat bit.
func (p *Pool) SetConsistentSize(onInitSize int64) error {
	p.compat |= CompatConsistentSize
	p.onInitSize = onInitSize
	return p.persistMeta()
}

// SetOnInitSize persists the reconciled on_init_size (spec §3.10).
func (p *Pool) SetOnInitSize(n int64) error {
	p.onInitSize = n
	return p.persistMeta()
}

// Base returns the address of the arena's first mapped byte; relptr
// offsets are interpreted relative to it.
func (p *Pool) Base() unsafe.Pointer {
	b := p.data.Bytes()
	return unsafe.Pointer(&b[0])
}

// Bytes exposes the raw arena, for callers (e.g. radix leaves) that
// need to read/write variable-length regions directly.
func (p *Pool) Bytes() []byte { return p.data.Bytes() }

// Open opens (creating if necessary) a pool backed by the file at
// path, taking an exclusive advisory lock for the duration.
func Open(path string, cfg Config, log xlog.Logger) (*Pool, error) {
	if log == nil {
		log = xlog.Default()
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "pmpool: acquire pool lock")
	}
	if !locked {
		return nil, errors.Wrapf(ErrPool, "pool %s already open", path)
	}

	bdb, err := bolt.Open(path+".meta", 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "pmpool: open metadata store")
	}

	p := &Pool{path: path, lock: fl, meta: bdb, log: log}

	existing, err := p.loadHeader()
	if err != nil {
		_ = bdb.Close()
		_ = fl.Unlock()
		return nil, err
	}

	size := int64(cfg.ArenaSize.Bytes())
	if existing {
		size = p.arenaSizeFromMeta()
	}
	if size < headerReserve {
		size = headerReserve
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = bdb.Close()
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "pmpool: open arena file")
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = bdb.Close()
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "pmpool: stat arena file")
	}
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			_ = bdb.Close()
			_ = fl.Unlock()
			return nil, errors.Wrap(err, "pmpool: grow arena file")
		}
	}

	region, err := mapArena(f)
	if err != nil {
		_ = f.Close()
		_ = bdb.Close()
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "pmpool: mmap arena")
	}
	p.file = f
	p.data = region

	if !existing {
		p.uuid = uuid.New()
		p.compat = 0
		if cfg.ConsistentSize {
			p.compat = CompatConsistentSize
		}
		p.bump = headerReserve
		if err := p.persistMeta(); err != nil {
			_ = p.Close()
			return nil, err
		}
		log.Info("pool created", "path", path, "uuid", p.uuid, "arena_bytes", size)
	} else {
		log.Info("pool opened", "path", path, "uuid", p.uuid, "arena_bytes", size)
	}

	registerPool(p)
	return p, nil
}

// Close flushes, persists and unmaps the pool, releasing the advisory
// lock. The pool must not be used afterwards.
func (p *Pool) Close() error {
	unregisterPool(p)
	var err error
	if perr := p.persistMeta(); perr != nil {
		err = perr
	}
	if p.data != nil {
		if ferr := p.data.Flush(); ferr != nil && err == nil {
			err = errors.Wrap(ferr, "pmpool: flush arena")
		}
		if uerr := p.data.Unmap(); uerr != nil && err == nil {
			err = errors.Wrap(uerr, "pmpool: unmap arena")
		}
	}
	if p.file != nil {
		if cerr := p.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if p.meta != nil {
		if cerr := p.meta.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if uerr := p.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	p.log.Info("pool closed", "path", p.path)
	return err
}

// Root looks up a named root object's pool-relative offset, previously
// stored with SetRoot. Containers use this to find their own header on
// reopen, the way a process re-derives its root object from a pool.
func (p *Pool) Root(name string) (off int64, found bool, err error) {
	err = p.meta.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootsBucket)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(name))
		if v == nil {
			return nil
		}
		off = int64(binary.BigEndian.Uint64(v))
		found = true
		return nil
	})
	return off, found, errors.Wrap(err, "pmpool: read root")
}

// SetRoot persists a named root object's offset.
func (p *Pool) SetRoot(name string, off int64) error {
	return p.meta.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(rootsBucket)
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(off))
		return b.Put([]byte(name), buf[:])
	})
}

// Stage reports whether ctx carries an active transaction, the
// idiomatic substitute for the source's thread-local stage() query
// (spec §4.1) — see SPEC_FULL.md's Open Questions for why this is an
// explicit context value rather than real thread-local state.
func Stage(ctx context.Context) bool {
	_, ok := txnFromContext(ctx)
	return ok
}

// GToken scopes "accessor held" bookkeeping to one logical caller the
// way a thread ID would in the source library. Callers obtain one
// token per logical unit of work (typically once per goroutine) and
// thread it through context.Context alongside any transaction.
type GToken int64

var gtokenSeq atomic.Int64

// NewGToken mints a fresh token.
func NewGToken() GToken { return GToken(gtokenSeq.Add(1)) }

type gtokenKey struct{}

// WithGToken attaches tok to ctx.
func WithGToken(ctx context.Context, tok GToken) context.Context {
	return context.WithValue(ctx, gtokenKey{}, tok)
}

// TokenFromContext retrieves a token attached with WithGToken.
func TokenFromContext(ctx context.Context) (GToken, bool) {
	tok, ok := ctx.Value(gtokenKey{}).(GToken)
	return tok, ok
}

func (p *Pool) openAccessorCount(tok GToken) int64 {
	v, ok := p.accessors.Load(tok)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}

// RegisterAccessor records that tok's caller now holds one more
// accessor (spec §4.2.2's exclusivity/deadlock rule).
func (p *Pool) RegisterAccessor(tok GToken) {
	v, _ := p.accessors.LoadOrStore(tok, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// ReleaseAccessor records that tok's caller released one accessor.
func (p *Pool) ReleaseAccessor(tok GToken) {
	v, ok := p.accessors.Load(tok)
	if !ok {
		return
	}
	atomic.AddInt64(v.(*int64), -1)
}
