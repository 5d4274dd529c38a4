package cmap

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/pmem-go/concurrent/internal/xlog"
	"github.com/pmem-go/concurrent/pmpool"
	"github.com/pmem-go/concurrent/restart"
)

func openTestPool(t *testing.T) *pmpool.Pool {
	t.Helper()
	dir := t.TempDir()
	cfg := pmpool.Config{ArenaSize: 32 * datasize.MB, MaxAllocSize: 4 * datasize.MB, ConsistentSize: true}
	p, err := pmpool.Open(filepath.Join(dir, "pool.pm"), cfg, xlog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestInsertFindErase(t *testing.T) {
	p := openTestPool(t)
	m, err := Create(context.Background(), p, "m", 8, nil)
	require.NoError(t, err)

	tok := pmpool.NewGToken()
	ctx := context.Background()

	acc, inserted, err := m.Insert(ctx, tok, []byte("alpha"), []byte("1"))
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, []byte("1"), acc.Value())
	acc.Release()

	require.EqualValues(t, 1, m.Size())

	acc2, found, err := m.Find(ctx, tok, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), acc2.Value())
	acc2.Release()

	ok, err := m.Erase(ctx, tok, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 0, m.Size())

	_, found, err = m.Find(ctx, tok, []byte("alpha"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertDuplicateReturnsExisting(t *testing.T) {
	p := openTestPool(t)
	m, err := Create(context.Background(), p, "m", 8, nil)
	require.NoError(t, err)
	tok := pmpool.NewGToken()
	ctx := context.Background()

	_, inserted, err := m.Insert(ctx, tok, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	require.True(t, inserted)
	acc, inserted, err := m.Insert(ctx, tok, []byte("k"), []byte("v2"))
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, []byte("v1"), acc.Value())
	acc.Release()
}

func TestSegmentGrowthAndNoElementsLost(t *testing.T) {
	p := openTestPool(t)
	m, err := Create(context.Background(), p, "m", 8, nil)
	require.NoError(t, err)
	ctx := context.Background()

	const n = 200
	for i := 0; i < n; i++ {
		tok := pmpool.NewGToken()
		key := []byte(fmt.Sprintf("key-%04d", i))
		acc, inserted, err := m.Insert(ctx, tok, key, key)
		require.NoError(t, err)
		require.True(t, inserted)
		acc.Release()
	}
	require.EqualValues(t, n, m.Size())
	require.Greater(t, m.header().Mask.Load(), int64(1), "mask should have grown past the embedded segment")

	for i := 0; i < n; i++ {
		tok := pmpool.NewGToken()
		key := []byte(fmt.Sprintf("key-%04d", i))
		acc, found, err := m.Find(ctx, tok, key)
		require.NoError(t, err)
		require.True(t, found, "key %s should still be found after growth/rehash", key)
		require.Equal(t, key, acc.Value())
		acc.Release()
	}
}

func TestIteration(t *testing.T) {
	p := openTestPool(t)
	m, err := Create(context.Background(), p, "m", 8, nil)
	require.NoError(t, err)
	ctx := context.Background()

	want := map[string]bool{}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("k%d", i)
		want[key] = true
		acc, _, err := m.Insert(ctx, pmpool.NewGToken(), []byte(key), []byte{byte(i)})
		require.NoError(t, err)
		acc.Release()
	}

	got := map[string]bool{}
	it := m.Iterate()
	for {
		n, ok := it.Next()
		if !ok {
			break
		}
		got[string(m.Key(n))] = true
	}
	require.Equal(t, want, got)
}

func TestClearRemovesEverything(t *testing.T) {
	p := openTestPool(t)
	m, err := Create(context.Background(), p, "m", 8, nil)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		acc, _, err := m.Insert(ctx, pmpool.NewGToken(), []byte(fmt.Sprintf("k%d", i)), nil)
		require.NoError(t, err)
		acc.Release()
	}
	require.NoError(t, m.Clear(ctx))
	require.EqualValues(t, 0, m.Size())
	_, found, err := m.Find(ctx, pmpool.NewGToken(), []byte("k0"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestConcurrentInsertFind(t *testing.T) {
	p := openTestPool(t)
	m, err := Create(context.Background(), p, "m", 8, nil)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	const workers, perWorker = 8, 50
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			tok := pmpool.NewGToken()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("w%d-%d", w, i))
				acc, inserted, err := m.Insert(ctx, tok, key, key)
				require.NoError(t, err)
				require.True(t, inserted)
				acc.Release()
			}
		}(w)
	}
	wg.Wait()
	require.EqualValues(t, workers*perWorker, m.Size())
}

func TestConsistentSizeMigrationRecountsElements(t *testing.T) {
	p := openTestPool(t)
	m, err := Create(context.Background(), p, "m", 8, nil)
	require.NoError(t, err)
	ctx := context.Background()

	const n = 37
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("legacy-%03d", i))
		acc, inserted, err := m.Insert(ctx, pmpool.NewGToken(), key, key)
		require.NoError(t, err)
		require.True(t, inserted)
		acc.Release()
	}
	require.EqualValues(t, n, m.Size())

	// Simulate a header left behind by a build that predates
	// CONSISTENT_SIZE: clear the compat bit and corrupt on_init_size,
	// the way an untrusted value from the old scheme would look.
	h := m.header()
	h.Features.Compat &^= restart.CompatConsistentSize
	h.OnInitSize = 0
	require.False(t, h.Features.HasConsistentSize())

	require.NoError(t, m.runtimeInitialize(ctx))

	require.True(t, h.Features.HasConsistentSize())
	require.EqualValues(t, n, m.Size(), "migration must recount elements by traversal, not trust stale on_init_size")
}

func TestReopenPersistsElements(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.pm")
	cfg := pmpool.Config{ArenaSize: 32 * datasize.MB, MaxAllocSize: 4 * datasize.MB, ConsistentSize: true}

	p, err := pmpool.Open(path, cfg, xlog.Nop())
	require.NoError(t, err)
	m, err := Create(context.Background(), p, "m", 8, nil)
	require.NoError(t, err)
	acc, _, err := m.Insert(context.Background(), pmpool.NewGToken(), []byte("durable"), []byte("yes"))
	require.NoError(t, err)
	acc.Release()
	require.NoError(t, p.Close())

	p2, err := pmpool.Open(path, cfg, xlog.Nop())
	require.NoError(t, err)
	defer p2.Close()
	m2, err := Open(context.Background(), p2, "m", nil)
	require.NoError(t, err)
	acc2, found, err := m2.Find(context.Background(), pmpool.NewGToken(), []byte("durable"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("yes"), acc2.Value())
	acc2.Release()
}
