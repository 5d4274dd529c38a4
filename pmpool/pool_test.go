package pmpool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/pmem-go/concurrent/internal/xlog"
	"github.com/pmem-go/concurrent/relptr"
)

func testConfig() Config {
	return Config{
		ArenaSize:      4 * datasize.MB,
		MaxAllocSize:   1 * datasize.MB,
		ConsistentSize: true,
	}
}

func openTestPool(t *testing.T) *Pool {
	t.Helper()
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "pool.pm"), testConfig(), xlog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

type record struct{ v int64 }

func TestOpenCreatesHeader(t *testing.T) {
	p := openTestPool(t)
	require.True(t, p.HasConsistentSize())
	require.NotEqual(t, "", p.UUID().String())
}

func TestAllocFreeRoundTrip(t *testing.T) {
	p := openTestPool(t)

	var rp relptr.Ptr[record]
	err := p.Update(context.Background(), func(ctx context.Context, tx *Txn) error {
		var aerr error
		rp, aerr = Alloc[record](tx)
		if aerr != nil {
			return aerr
		}
		Deref(p, rp).v = 42
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(42), Deref(p, rp).v)

	err = p.Update(context.Background(), func(ctx context.Context, tx *Txn) error {
		return Free(tx, rp)
	})
	require.NoError(t, err)

	var rp2 relptr.Ptr[record]
	err = p.Update(context.Background(), func(ctx context.Context, tx *Txn) error {
		var aerr error
		rp2, aerr = Alloc[record](tx)
		return aerr
	})
	require.NoError(t, err)
	require.Equal(t, rp.Offset(), rp2.Offset(), "freed extent should be reused first-fit")
}

func TestCommitPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.pm")
	cfg := testConfig()

	p, err := Open(path, cfg, xlog.Nop())
	require.NoError(t, err)

	var offset int64
	err = p.Update(context.Background(), func(ctx context.Context, tx *Txn) error {
		rp, aerr := Alloc[record](tx)
		if aerr != nil {
			return aerr
		}
		Deref(p, rp).v = 1234
		offset = rp.Offset()
		return p.SetRoot("thing", offset)
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p2, err := Open(path, cfg, xlog.Nop())
	require.NoError(t, err)
	defer p2.Close()

	off, found, err := p2.Root("thing")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, offset, off)
	require.Equal(t, int64(1234), Deref(p2, relptr.FromOffset[record](off)).v)
}

var errAbort = errors.New("boom")

func TestAbortRollsBackAllocationsAndSnapshots(t *testing.T) {
	p := openTestPool(t)

	var rp relptr.Ptr[record]
	require.NoError(t, p.Update(context.Background(), func(ctx context.Context, tx *Txn) error {
		var aerr error
		rp, aerr = Alloc[record](tx)
		if aerr != nil {
			return aerr
		}
		Deref(p, rp).v = 1
		return nil
	}))

	err := p.Update(context.Background(), func(ctx context.Context, tx *Txn) error {
		SnapshotOf(tx, rp)
		Deref(p, rp).v = 999
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	require.Equal(t, int64(1), Deref(p, rp).v, "mutation must be rolled back")
}

func TestTransactionScopeErrorWhenAccessorHeld(t *testing.T) {
	p := openTestPool(t)
	tok := NewGToken()
	ctx := WithGToken(context.Background(), tok)
	p.RegisterAccessor(tok)
	defer p.ReleaseAccessor(tok)

	err := p.Update(ctx, func(ctx context.Context, tx *Txn) error { return nil })
	require.ErrorIs(t, err, ErrTransactionScope)
}

func TestNestedUpdateReusesTransaction(t *testing.T) {
	p := openTestPool(t)

	err := p.Update(context.Background(), func(ctx context.Context, tx *Txn) error {
		require.False(t, Stage(context.Background()))
		require.True(t, Stage(ctx))
		return p.Update(ctx, func(ctx context.Context, tx2 *Txn) error {
			require.Same(t, tx, tx2)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestPoolOfFindsRegisteredPool(t *testing.T) {
	p := openTestPool(t)
	found, err := PoolOf(p.Base())
	require.NoError(t, err)
	require.Same(t, p, found)
}
