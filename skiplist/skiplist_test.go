package skiplist

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/pmem-go/concurrent/internal/xlog"
	"github.com/pmem-go/concurrent/pmpool"
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
	l, err := Create(context.Background(), p, "r")
	require.NoError(t, err)
	ctx := context.Background()

	inserted, err := l.Insert(ctx, []byte("alpha"), []byte("1"))
	require.NoError(t, err)
	require.True(t, inserted)
	require.EqualValues(t, 1, l.Size())

	val, found := l.Find([]byte("alpha"))
	require.True(t, found)
	require.Equal(t, []byte("1"), val)

	ok, err := l.Erase(ctx, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 0, l.Size())

	_, found = l.Find([]byte("alpha"))
	require.False(t, found)
}

func TestInsertDuplicateRejectedThenAssign(t *testing.T) {
	p := openTestPool(t)
	l, err := Create(context.Background(), p, "r")
	require.NoError(t, err)
	ctx := context.Background()

	inserted, err := l.Insert(ctx, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = l.Insert(ctx, []byte("k"), []byte("v2"))
	require.NoError(t, err)
	require.False(t, inserted)
	val, _ := l.Find([]byte("k"))
	require.Equal(t, []byte("v1"), val)

	existed, err := l.InsertOrAssign(ctx, []byte("k"), []byte("v2"))
	require.NoError(t, err)
	require.True(t, existed)
	val, _ = l.Find([]byte("k"))
	require.Equal(t, []byte("v2"), val)
	require.EqualValues(t, 1, l.Size())
}

// TestInsertOrAssignReplacesWhenLarger exercises the no-in-place-room
// branch of reassign: a value too large for the original node's
// capacity must unlink-and-relink rather than overwrite in place.
func TestInsertOrAssignReplacesWhenLarger(t *testing.T) {
	p := openTestPool(t)
	l, err := Create(context.Background(), p, "r")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.InsertOrAssign(ctx, []byte("k"), []byte("a"))
	require.NoError(t, err)
	_, err = l.InsertOrAssign(ctx, []byte("k"), []byte("a much longer value than before"))
	require.NoError(t, err)
	val, found := l.Find([]byte("k"))
	require.True(t, found)
	require.Equal(t, []byte("a much longer value than before"), val)
	require.EqualValues(t, 1, l.Size())
}

func TestOrderedIterationMatchesSortedOracle(t *testing.T) {
	p := openTestPool(t)
	l, err := Create(context.Background(), p, "r")
	require.NoError(t, err)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(1))
	seen := map[string]bool{}
	for i := 0; i < 300; i++ {
		k := fmt.Sprintf("%x", rng.Intn(1<<20))
		if seen[k] {
			continue
		}
		seen[k] = true
		_, err := l.Insert(ctx, []byte(k), []byte(k))
		require.NoError(t, err)
	}

	want := make([]string, 0, len(seen))
	for k := range seen {
		want = append(want, k)
	}
	sort.Strings(want)

	var got []string
	it := l.Begin()
	for {
		n, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, string(l.Key(n)))
	}
	require.Equal(t, want, got)
}

func TestLowerAndUpperBound(t *testing.T) {
	p := openTestPool(t)
	l, err := Create(context.Background(), p, "r")
	require.NoError(t, err)
	ctx := context.Background()

	keys := []string{"bb", "dd", "ff", "hh"}
	for _, k := range keys {
		_, err := l.Insert(ctx, []byte(k), []byte(k))
		require.NoError(t, err)
	}

	n, ok := l.LowerBound([]byte("dd"))
	require.True(t, ok)
	require.Equal(t, "dd", string(l.Key(n)))

	n, ok = l.LowerBound([]byte("cc"))
	require.True(t, ok)
	require.Equal(t, "dd", string(l.Key(n)))

	n, ok = l.UpperBound([]byte("dd"))
	require.True(t, ok)
	require.Equal(t, "ff", string(l.Key(n)))

	_, ok = l.LowerBound([]byte("zz"))
	require.False(t, ok)
}

func TestClearRemovesEverything(t *testing.T) {
	p := openTestPool(t)
	l, err := Create(context.Background(), p, "r")
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		k := []byte(fmt.Sprintf("k%03d", i))
		_, err := l.Insert(ctx, k, k)
		require.NoError(t, err)
	}
	require.NoError(t, l.Clear(ctx))
	require.EqualValues(t, 0, l.Size())
	require.True(t, l.Empty())
	_, found := l.Find([]byte("k000"))
	require.False(t, found)

	// the list must still be usable after Clear.
	inserted, err := l.Insert(ctx, []byte("k000"), []byte("again"))
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestManyRandomKeysRoundTrip(t *testing.T) {
	p := openTestPool(t)
	l, err := Create(context.Background(), p, "r")
	require.NoError(t, err)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	seen := map[string][]byte{}
	for i := 0; i < 500; i++ {
		k := make([]byte, 1+rng.Intn(12))
		rng.Read(k)
		v := []byte(fmt.Sprintf("v%d", i))
		if _, dup := seen[string(k)]; dup {
			continue
		}
		seen[string(k)] = v
		inserted, err := l.Insert(ctx, k, v)
		require.NoError(t, err)
		require.True(t, inserted)
	}
	require.EqualValues(t, len(seen), l.Size())
	for k, v := range seen {
		got, found := l.Find([]byte(k))
		require.True(t, found)
		require.Equal(t, v, got)
	}
}

func TestEnableMTRecoversInProgressInsert(t *testing.T) {
	p := openTestPool(t)
	l, err := Create(context.Background(), p, "r")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.Insert(ctx, []byte("k1"), []byte("v1"))
	require.NoError(t, err)

	// Simulate a writer that recorded its pending node but crashed
	// before clearing the slot (spec §4.3.11, applied to the
	// skip-list sibling).
	h := l.header()
	var strayOff int64
	err = p.Update(ctx, func(ctx context.Context, tx *pmpool.Txn) error {
		np, aerr := l.allocNode(tx, 1, []byte("stray"), []byte("x"))
		if aerr != nil {
			return aerr
		}
		strayOff = np.Offset()
		return nil
	})
	require.NoError(t, err)
	h.WriterPending = strayOff
	h.WriterPhase = writerInProgress

	require.NoError(t, l.EnableMT(ctx))
	require.EqualValues(t, writerNotStarted, h.WriterPhase)
	require.EqualValues(t, 0, h.WriterPending)

	n, err := l.GarbageCollect(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestGarbageCollectDefersFreesUnderMT(t *testing.T) {
	p := openTestPool(t)
	l, err := Create(context.Background(), p, "r")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, l.EnableMT(ctx))

	for i := 0; i < 5; i++ {
		_, err := l.Insert(ctx, []byte(fmt.Sprintf("g%d", i)), []byte("v"))
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		ok, err := l.Erase(ctx, []byte(fmt.Sprintf("g%d", i)))
		require.NoError(t, err)
		require.True(t, ok)
	}
	n, err := l.GarbageCollect(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestReopenPersistsElements(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.pm")
	cfg := pmpool.Config{ArenaSize: 32 * datasize.MB, MaxAllocSize: 4 * datasize.MB, ConsistentSize: true}

	p, err := pmpool.Open(path, cfg, xlog.Nop())
	require.NoError(t, err)
	l, err := Create(context.Background(), p, "r")
	require.NoError(t, err)
	_, err = l.Insert(context.Background(), []byte("durable"), []byte("yes"))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p2, err := pmpool.Open(path, cfg, xlog.Nop())
	require.NoError(t, err)
	defer p2.Close()
	l2, err := Open(context.Background(), p2, "r")
	require.NoError(t, err)
	val, found := l2.Find([]byte("durable"))
	require.True(t, found)
	require.Equal(t, []byte("yes"), val)
}
