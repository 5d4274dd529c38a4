package tlsacc

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/pmem-go/concurrent/internal/xlog"
	"github.com/pmem-go/concurrent/pmpool"
)

func openTestPool(t *testing.T) *pmpool.Pool {
	t.Helper()
	dir := t.TempDir()
	cfg := pmpool.Config{ArenaSize: 4 * datasize.MB, MaxAllocSize: 1 * datasize.MB, ConsistentSize: true}
	p, err := pmpool.Open(filepath.Join(dir, "pool.pm"), cfg, xlog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAddAndReconcile(t *testing.T) {
	p := openTestPool(t)
	a, err := Open(context.Background(), p, "map:size")
	require.NoError(t, err)

	t1, t2 := pmpool.NewGToken(), pmpool.NewGToken()
	require.NoError(t, a.Add(context.Background(), t1, 3))
	require.NoError(t, a.Add(context.Background(), t2, -1))
	require.NoError(t, a.Add(context.Background(), t1, 5))

	require.EqualValues(t, 2, a.Slots())

	total, err := a.Reconcile(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 7, total)

	total2, err := a.Reconcile(context.Background())
	require.NoError(t, err)
	require.Zero(t, total2, "deltas must be cleared by Reconcile")
}

func TestGrowBeyondInitialCapacity(t *testing.T) {
	p := openTestPool(t)
	a, err := Open(context.Background(), p, "map:size")
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		tok := pmpool.NewGToken()
		require.NoError(t, a.Add(context.Background(), tok, 1))
	}
	require.EqualValues(t, 40, a.Slots())
	total, err := a.Reconcile(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 40, total)
}

func TestConcurrentAdd(t *testing.T) {
	p := openTestPool(t)
	a, err := Open(context.Background(), p, "map:size")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := pmpool.NewGToken()
			for j := 0; j < 100; j++ {
				_ = a.Add(context.Background(), tok, 1)
			}
		}()
	}
	wg.Wait()
	total, err := a.Reconcile(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1600, total)
}

func TestReopenAttachesExistingAccumulator(t *testing.T) {
	p := openTestPool(t)
	a, err := Open(context.Background(), p, "map:size")
	require.NoError(t, err)
	require.NoError(t, a.Add(context.Background(), pmpool.NewGToken(), 9))

	a2, err := Open(context.Background(), p, "map:size")
	require.NoError(t, err)
	require.Equal(t, a.hdr.Offset(), a2.hdr.Offset())
	total, err := a2.Reconcile(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 9, total)
}
