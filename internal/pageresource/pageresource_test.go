package pageresource

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
)

func newTestResource(t *testing.T, chunks int) (*PageResource, address.Address) {
	t.Helper()
	n := chunks * address.BytesInChunk
	data, err := unix.Mmap(-1, 0, n+address.BytesInChunk, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(data) })
	base := address.ChunkAlign(address.Address(uintptr(unsafe.Pointer(&data[0]))).Add(address.BytesInChunk - 1))

	log := zap.NewNop()
	mapper := mmapper.NewTwoLevel(log, base)
	pr := New(log, mapper, mmapper.AnnotationImmixSpace, base, uintptr(chunks)*address.PagesInChunk)
	return pr, base
}

func TestAcquireReleaseCoalesce(t *testing.T) {
	pr, base := newTestResource(t, 1)
	a := pr.AcquirePages(4)
	require.False(t, a.IsZero())
	require.Equal(t, base, a)
	require.EqualValues(t, 4, pr.PagesInUse())

	b := pr.AcquirePages(4)
	require.Equal(t, a.Add(4*address.BytesInPage), b)

	pr.ReleasePages(a, 4)
	pr.ReleasePages(b, 4)
	require.EqualValues(t, 0, pr.PagesInUse())

	// After releasing both, a fresh acquire of the combined size should
	// come from the coalesced free range (first-fit from the start).
	c := pr.AcquirePages(8)
	require.Equal(t, base, c)
}

func TestAcquireExhaustion(t *testing.T) {
	pr, _ := newTestResource(t, 1)
	total := pr.TotalPages()
	a := pr.AcquirePages(total)
	require.False(t, a.IsZero())
	b := pr.AcquirePages(1)
	require.True(t, b.IsZero(), "resource must report exhaustion via the zero-address sentinel")
}

func TestBlockPageResource(t *testing.T) {
	pr, base := newTestResource(t, 1)
	bpr := NewBlockPageResource(pr, 8*address.BytesInPage)
	blk := bpr.AcquireBlock()
	require.Equal(t, base, blk)
	bpr.ReleaseBlock(blk)
	require.EqualValues(t, 0, pr.PagesInUse())
}
