package immix

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/forwarding"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
	"github.com/mmtk/mmtk-core-sub000/internal/sidemetadata"
)

func newTestSpace(t *testing.T, dataChunks int) *Space {
	t.Helper()
	n := dataChunks * address.BytesInChunk
	data, err := unix.Mmap(-1, 0, n+address.BytesInChunk, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(data) })
	dataBase := address.ChunkAlign(address.Address(uintptr(unsafe.Pointer(&data[0]))).Add(address.BytesInChunk - 1))

	metaBuf, err := unix.Mmap(-1, 0, 8*address.BytesInChunk, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(metaBuf) })
	metaBase := address.ChunkAlign(address.Address(uintptr(unsafe.Pointer(&metaBuf[0]))).Add(address.BytesInChunk - 1))

	log := zap.NewNop()
	mapper := mmapper.NewTwoLevel(log, dataBase)
	return New(log, mapper, metaBase, dataBase, uintptr(dataChunks)*address.PagesInChunk)
}

// newTestForwarding builds a standalone forwarding protocol covering the
// same data range as space s, with its own metadata region and mapper
// (mirroring forwarding_test.go's setup), for tests that exercise
// opportunistic copying.
func newTestForwarding(t *testing.T, dataBase address.Address, dataLen uintptr) *forwarding.Protocol {
	t.Helper()
	metaBuf, err := unix.Mmap(-1, 0, 4*address.BytesInChunk, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(metaBuf) })
	metaBase := address.ChunkAlign(address.Address(uintptr(unsafe.Pointer(&metaBuf[0]))).Add(address.BytesInChunk - 1))

	log := zap.NewNop()
	mapper := mmapper.NewTwoLevel(log, metaBase)
	stateTable := sidemetadata.NewTable(forwarding.StateSpec(), mapper, metaBase, dataBase, dataLen)
	ptrTable := sidemetadata.NewTable(forwarding.PointerSpec(), mapper, metaBase.Add(2*address.BytesInChunk), dataBase, dataLen)
	return forwarding.NewProtocol(stateTable, ptrTable)
}

type fakeQueue struct{ seen []address.ObjectReference }

func (q *fakeQueue) Enqueue(o address.ObjectReference) { q.seen = append(q.seen, o) }

// TestImmixMarkOnly allocates 1024 64-byte objects, traces every 16th
// one, and expects exactly 64 survivors marked and the rest dead.
func TestImmixMarkOnly(t *testing.T) {
	s := newTestSpace(t, 2)
	s.Prepare(false, 0)

	alloc := NewAllocator(s)
	const objSize = 64
	const count = 1024
	objs := make([]address.ObjectReference, count)
	for i := 0; i < count; i++ {
		a := alloc.Alloc(objSize, 8, 0)
		require.False(t, a.IsZero(), "allocation %d must not fail in a fresh 2-chunk space", i)
		objs[i] = address.ObjectReference(a)
	}

	// Object mark bits are one bit wide; 1 is the value a plan passes on
	// its first GC.
	current := uint64(1)
	q := &fakeQueue{}
	var marked int
	for i, o := range objs {
		if i%16 == 0 {
			s.TraceFast(o, o.ToAddress().Add(objSize), current, q)
			marked++
		}
	}
	require.Equal(t, 64, marked)
	require.Len(t, q.seen, 64)

	for i, o := range objs {
		want := i%16 == 0
		got := s.IsMarked(o, current)
		require.Equal(t, want, got, "object %d mark state mismatch", i)
	}
}

// TestImmixDefragEvacuation exercises a sparsely-live block (one marked
// object every 4th line, the rest dead) that exceeds the defrag hole
// threshold, is chosen as a defrag source, and has every live object
// opportunistically copied out into clean target blocks, leaving a valid
// forwarding pointer behind.
func TestImmixDefragEvacuation(t *testing.T) {
	s := newTestSpace(t, 4)
	s.Prepare(false, 0)

	alloc := NewAllocator(s)
	const objSize = BytesInLine // one object per line
	const liveEvery = 4

	dataBase := alloc.Alloc(objSize, 8, 0)
	require.False(t, dataBase.IsZero())
	sourceBlock := BlockOf(dataBase)

	type placed struct {
		obj  address.ObjectReference
		live bool
	}
	all := []placed{{obj: address.ObjectReference(dataBase), live: true}}
	for len(all) < LinesInBlock {
		a := alloc.Alloc(objSize, 8, 0)
		require.False(t, a.IsZero())
		require.Equal(t, sourceBlock, BlockOf(a), "fresh block boundary must not be crossed mid-test")
		idx := len(all)
		all = append(all, placed{obj: address.ObjectReference(a), live: idx%liveEvery == 0})
	}

	// Simulate the previous GC's surviving marks directly, using the
	// line-mark state that was current before this test's own Prepare call
	// below advances it.
	for _, p := range all {
		if p.live {
			s.MarkLinesForObject(p.obj.ToAddress(), p.obj.ToAddress().Add(objSize))
		}
	}

	holes := s.blockHoles(sourceBlock)
	require.Greater(t, holes, 0, "a sparsely-marked block must report holes")

	fwdState := newTestForwarding(t, sourceBlock.Start(), 4*address.BytesInChunk)
	s.EnableForwarding(fwdState)

	// Start a fresh GC round: line_mark_state advances, the block's prior
	// marks become the line_unavail_state snapshot (still counted
	// unavailable), and the defrag-source decision uses the same hole
	// count computed above.
	threshold := holes - 1
	s.Prepare(true, threshold)
	require.True(t, s.IsDefragSource(sourceBlock), "a block whose hole count exceeds the threshold must become a defrag source")

	current := uint64(s.LineMarkState())

	q := &fakeQueue{}
	cc := &sizeCopyContext{size: objSize}
	isPinned := func(address.ObjectReference) bool { return false }
	exhausted := func() bool { return false }

	liveCount := 0
	newLocations := map[address.ObjectReference]address.ObjectReference{}
	for _, p := range all {
		if !p.live {
			continue
		}
		liveCount++
		newO := s.TraceDefrag(p.obj, p.obj.ToAddress().Add(objSize), current, q, cc, isPinned, exhausted)
		newLocations[p.obj] = newO
	}
	require.Equal(t, LinesInBlock/liveEvery, liveCount)

	targetBlocks := map[address.Address]bool{}
	for orig, newO := range newLocations {
		require.NotEqual(t, sourceBlock, BlockOf(newO.ToAddress()), "evacuated object must not remain in its defrag source block")
		require.Equal(t, newO, fwdState.ReadForwarded(orig), "forwarding pointer must resolve to the copy destination")
		targetBlocks[BlockOf(newO.ToAddress()).Start()] = true
	}
	require.LessOrEqual(t, len(targetBlocks), 2, "sparse survivors should pack densely into very few clean target blocks")
}

type sizeCopyContext struct{ size uintptr }

func (c *sizeCopyContext) ObjectSize(o address.ObjectReference) uintptr { return c.size }
func (c *sizeCopyContext) CopyBytes(dst address.Address, o address.ObjectReference) {}
