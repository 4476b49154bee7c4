package address

import "testing"

import "github.com/stretchr/testify/require"

func TestAlignUpDown(t *testing.T) {
	a := Address(0x1003)
	require.Equal(t, Address(0x1000), AlignDown(a, 0x1000))
	require.Equal(t, Address(0x2000), AlignUp(a, 0x1000))
	require.True(t, IsAligned(Address(0x2000), 0x1000))
	require.False(t, IsAligned(a, 0x1000))
}

func TestAlignUpIdempotentOnAligned(t *testing.T) {
	a := Address(0x4000)
	require.Equal(t, a, AlignUp(a, 0x1000))
	require.Equal(t, a, AlignDown(a, 0x1000))
}

func TestAlignUpOffset(t *testing.T) {
	// cursor=0x1001, align=8, offset=0: aligns straight up.
	got := AlignUpOffset(Address(0x1001), 8, 0)
	require.Equal(t, Address(0x1008), got)

	// offset > 0 models headers: the returned cursor, plus offset, is
	// the aligned value.
	got = AlignUpOffset(Address(0x1001), 16, 8)
	require.True(t, IsAligned(got.Add(8), 16))
}

func TestObjectReferenceRoundTrip(t *testing.T) {
	start := Address(0x20000)
	const refOffset = 16
	o := FromObjectStart(start, refOffset)
	require.Equal(t, start, o.ToObjectStart(refOffset))
	require.Equal(t, Address(o), o.ToAddress())
}

func TestZeroSentinel(t *testing.T) {
	require.True(t, Zero.IsZero())
	require.True(t, ObjectReference(Zero).IsZero())
	require.False(t, Address(1).IsZero())
}

func TestChunkIndexAndAlign(t *testing.T) {
	heapStart := Address(0x10000000)
	a := heapStart.Add(3 * BytesInChunk).Add(123)
	require.Equal(t, uintptr(3), ChunkIndex(a, heapStart))
	require.Equal(t, heapStart.Add(3*BytesInChunk), ChunkAlign(a))
}
