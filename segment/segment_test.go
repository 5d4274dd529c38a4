package segment

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/pmem-go/concurrent/internal/xlog"
	"github.com/pmem-go/concurrent/pmpool"
)

type testBucket struct {
	Rehashed int64
	Val      int64
}

func openTestPool(t *testing.T) *pmpool.Pool {
	t.Helper()
	dir := t.TempDir()
	cfg := pmpool.Config{ArenaSize: 4 * datasize.MB, MaxAllocSize: 1 * datasize.MB, ConsistentSize: true}
	p, err := pmpool.Open(filepath.Join(dir, "pool.pm"), cfg, xlog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestSegmentOfAndLocate(t *testing.T) {
	require.Equal(t, 0, SegmentOf(0))
	require.Equal(t, 0, SegmentOf(1))
	require.Equal(t, 1, SegmentOf(2))
	require.Equal(t, 1, SegmentOf(3))
	require.Equal(t, 2, SegmentOf(4))
	require.Equal(t, 2, SegmentOf(7))
	require.Equal(t, 3, SegmentOf(8))

	seg, off := Locate(5)
	require.Equal(t, 2, seg)
	require.EqualValues(t, 1, off)
}

func TestSegmentSizes(t *testing.T) {
	require.EqualValues(t, 2, Size(0))
	require.EqualValues(t, 2, Size(1))
	require.EqualValues(t, 4, Size(2))
	require.EqualValues(t, 8, Size(3))
}

func TestEnableGetBucketDisable(t *testing.T) {
	p := openTestPool(t)
	var tbl Table[testBucket]

	require.True(t, IsValid(&tbl, 0))
	require.False(t, IsValid(&tbl, 1))
	require.EqualValues(t, 1, Mask(&tbl)) // only embedded segment: 2-1

	require.NoError(t, p.Update(context.Background(), func(ctx context.Context, tx *pmpool.Txn) error {
		return Enable(tx, p, &tbl, 1, func(b *testBucket) { b.Rehashed = 1 })
	}))
	require.True(t, IsValid(&tbl, 1))
	require.EqualValues(t, 3, Mask(&tbl)) // 2 + 2 - 1

	b := GetBucket(p, &tbl, 2)
	require.EqualValues(t, 1, b.Rehashed)
	b.Val = 77

	require.NoError(t, p.Update(context.Background(), func(ctx context.Context, tx *pmpool.Txn) error {
		return Disable(tx, &tbl, 1)
	}))
	require.False(t, IsValid(&tbl, 1))
}

func TestEmbeddedBucketsAddressable(t *testing.T) {
	var tbl Table[testBucket]
	tbl.EmbeddedBlock[0].Val = 1
	tbl.EmbeddedBlock[1].Val = 2

	require.EqualValues(t, 1, tbl.EmbeddedBlock[0].Val)
	require.EqualValues(t, 2, tbl.EmbeddedBlock[1].Val)
}
