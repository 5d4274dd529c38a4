package relptr

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

type point struct{ x, y int64 }

func TestPtrDeref(t *testing.T) {
	buf := make([]byte, 256)
	base := unsafe.Pointer(&buf[0])

	p := FromOffset[point](64)
	require.False(t, p.IsNull())

	got := Deref[point](base, p)
	got.x, got.y = 7, 9

	// reinterpret the same bytes directly to confirm the offset math.
	raw := (*point)(unsafe.Pointer(&buf[64]))
	require.Equal(t, int64(7), raw.x)
	require.Equal(t, int64(9), raw.y)
}

func TestPtrNull(t *testing.T) {
	require.True(t, Null[point]().IsNull())
	require.Nil(t, Deref[point](unsafe.Pointer(&[1]byte{}), Null[point]()))
}

func TestAtomicPtr(t *testing.T) {
	var a AtomicPtr[point]
	require.True(t, a.Load().IsNull())
	a.Store(FromOffset[point](128))
	require.Equal(t, int64(128), a.Load().Offset())
	ok := a.CompareAndSwap(FromOffset[point](128), FromOffset[point](256))
	require.True(t, ok)
	require.Equal(t, int64(256), a.Load().Offset())
}

func TestTaggedPtr(t *testing.T) {
	leaf := NewTagged(40, TagLeaf)
	internal := NewTagged(40, TagInternal)
	require.False(t, leaf.IsNull())
	require.True(t, leaf.IsLeaf())
	require.True(t, internal.IsInternal())
	require.Equal(t, int64(40), leaf.Offset())
	require.Equal(t, int64(40), internal.Offset())
	require.True(t, NullTagged().IsNull())
}

func TestAtomicTaggedPtr(t *testing.T) {
	var a AtomicTaggedPtr
	require.True(t, a.Load().IsNull())
	a.Store(NewTagged(8, TagInternal))
	require.True(t, a.Load().IsInternal())
	ok := a.CompareAndSwap(NewTagged(8, TagInternal), NewTagged(16, TagLeaf))
	require.True(t, ok)
	require.True(t, a.Load().IsLeaf())
	require.Equal(t, int64(16), a.Load().Offset())
}
