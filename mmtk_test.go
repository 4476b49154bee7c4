// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmtk

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
	"github.com/mmtk/mmtk-core-sub000/internal/mutator"
	"github.com/mmtk/mmtk-core-sub000/internal/options"
	"github.com/mmtk/mmtk-core-sub000/internal/plan"
)

// mmapRegion reserves a real, process-private virtual address range via an
// anonymous PROT_NONE mmap, chunk-aligned, the same way
// internal/immix/immix_test.go and internal/plan's own tests obtain a safe
// base. Build's own heapBase/metaBase constants are a fixed, generous
// 64-bit layout meant for a single long-lived process-wide collector
// instance; reusing them directly inside a test would risk colliding with
// memory the Go runtime itself is already using, so tests construct an
// Mmtk by hand over freshly reserved addresses instead of calling Build.
func mmapRegion(t *testing.T, chunks int) address.Address {
	t.Helper()
	n := (chunks + 1) * address.BytesInChunk
	buf, err := unix.Mmap(-1, 0, n, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(buf) })
	return address.ChunkAlign(address.Address(uintptr(unsafe.Pointer(&buf[0]))).Add(address.BytesInChunk - 1))
}

const testObjSize = 64

type fakeObjectModel struct{}

func (fakeObjectModel) Size(address.ObjectReference) uintptr { return testObjSize }

func (fakeObjectModel) CopyTo(dst address.Address, o address.ObjectReference) address.ObjectReference {
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(o.ToAddress()))), testObjSize)
	out := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dst))), testObjSize)
	copy(out, src)
	return address.ObjectReference(dst)
}

func (fakeObjectModel) IsPinned(address.ObjectReference) bool { return false }

func (fakeObjectModel) ScanChildren(address.ObjectReference, func(address.ObjectReference)) {}

type fakeRoots struct{ roots []address.ObjectReference }

func (r *fakeRoots) EnumerateRoots(enqueue func(address.ObjectReference)) {
	for _, o := range r.roots {
		enqueue(o)
	}
}

// newTestMmtk builds an Mmtk directly over a single full-heap Immix plan
// constructed with real, test-safe mmap'd addresses, rather than calling
// Build (see mmapRegion's doc comment for why).
func newTestMmtk(t *testing.T) (*Mmtk, *fakeRoots) {
	t.Helper()
	log := zap.NewNop()
	dataBase := mmapRegion(t, 6)
	metaBase := mmapRegion(t, 8)

	mapper := mmapper.NewTwoLevel(log, dataBase)
	losStart := dataBase
	immortalStart := address.AlignUp(losStart.Add(address.PagesInChunk*address.BytesInPage), address.BytesInChunk)
	immixStart := address.AlignUp(immortalStart.Add(address.PagesInChunk*address.BytesInPage), address.BytesInChunk)

	los := plan.NewLOS(log, mapper, losStart, address.PagesInChunk)
	immortal := plan.NewImmortal(log, mapper, immortalStart, address.PagesInChunk)

	roots := &fakeRoots{}
	opt := options.Default()
	gp := plan.NewImmixPlan(log, opt, mapper, dataBase, metaBase, immixStart, 4*address.PagesInChunk, fakeObjectModel{}, los, immortal, roots)

	return &Mmtk{
		log:      log,
		opt:      opt,
		mapper:   mapper,
		plan:     gp,
		mutators: make(map[mutator.TLS]*mutator.Mutator),
	}, roots
}

// TestBindMutatorAllocAndDestroy exercises the lifecycle/alloc trio:
// bind_mutator, alloc (through the Alloc/AllocSlow retry path), and
// destroy_mutator, confirming the mutator registry is kept in sync.
func TestBindMutatorAllocAndDestroy(t *testing.T) {
	m, _ := newTestMmtk(t)

	mu := m.BindMutator(mutator.TLS(7))
	require.Contains(t, m.mutators, mutator.TLS(7))

	a := m.Alloc(mu, testObjSize, 8, 0, mutator.Default)
	require.False(t, a.IsZero())
	require.True(t, m.IsInMmtkSpaces(address.ObjectReference(a)))

	m.DestroyMutator(mu)
	require.NotContains(t, m.mutators, mutator.TLS(7))
}

// TestCollectReclaimsUnreachable exercises Collect end to end through the
// root package's own API rather than the plan package directly.
func TestCollectReclaimsUnreachable(t *testing.T) {
	m, roots := newTestMmtk(t)
	mu := m.BindMutator(mutator.TLS(1))

	live := m.Alloc(mu, testObjSize, 8, 0, mutator.Default)
	require.False(t, live.IsZero())
	dead := m.Alloc(mu, testObjSize, 8, 0, mutator.Default)
	require.False(t, dead.IsZero())

	roots.roots = []address.ObjectReference{address.ObjectReference(live)}

	require.NoError(t, m.Collect(context.Background(), plan.CauseUser))
	require.True(t, m.IsLiveObject(address.ObjectReference(live)))
	require.False(t, m.IsLiveObject(address.ObjectReference(dead)))
}

// TestWriteBarrierRecordsIntoSATBQueue exercises
// ObjectReferenceWritePre/MemoryRegionCopyPre: both must funnel the old
// slot value into the mutator's local buffer, which DestroyMutator then
// flushes into the shared SATB queue.
func TestWriteBarrierRecordsIntoSATBQueue(t *testing.T) {
	m, _ := newTestMmtk(t)
	mu := m.BindMutator(mutator.TLS(3))

	old := address.ObjectReference(0x1000)
	m.ObjectReferenceWritePre(mu, 0, 0, old)
	m.MemoryRegionCopyPre(mu, []address.ObjectReference{old})

	m.DestroyMutator(mu)
	require.NotNil(t, m.plan.GlobalSATBQueue().PopBatch())
}

// TestFinalizerLifecycle exercises the add_finalizer/get_finalized_object/
// get_all_finalizers trio: an unreachable finalizable object becomes
// ready only after a GC's Finalizers.Scan pass observes it dead, and
// add_finalizer is a no-op once no_finalizer is set.
func TestFinalizerLifecycle(t *testing.T) {
	m, roots := newTestMmtk(t)
	mu := m.BindMutator(mutator.TLS(9))

	unreachable := m.Alloc(mu, testObjSize, 8, 0, mutator.Default)
	require.False(t, unreachable.IsZero())
	m.AddFinalizer(address.ObjectReference(unreachable))
	require.Empty(t, m.GetAllFinalizers(), "not ready until a GC observes it unreachable")

	roots.roots = nil
	require.NoError(t, m.Collect(context.Background(), plan.CauseUser))

	ready := m.GetAllFinalizers()
	require.Len(t, ready, 1)
	require.Equal(t, address.ObjectReference(unreachable), ready[0].Object)

	m.opt.NoFinalizer = true
	m.AddFinalizer(address.ObjectReference(0x3000))
	require.Empty(t, m.GetAllFinalizers(), "add_finalizer must no-op once no_finalizer is set")
}

// TestReferenceCandidateRouting exercises add_soft/weak/phantom_candidate's
// routing to the three distinct processors.
func TestReferenceCandidateRouting(t *testing.T) {
	m, _ := newTestMmtk(t)
	ref, referent := address.ObjectReference(0x4000), address.ObjectReference(0x5000)

	m.AddSoftCandidate(ref, referent)
	m.AddWeakCandidate(ref, referent)
	m.AddPhantomCandidate(ref, referent)

	require.Equal(t, 1, m.plan.ReferenceProcessors().Get(0).Len())
}

// TestHarnessBeginEnd exercises harness_begin/harness_end's flag toggling.
func TestHarnessBeginEnd(t *testing.T) {
	m, _ := newTestMmtk(t)
	m.HarnessBegin(mutator.TLS(1))
	require.True(t, m.harnessActive)
	m.HarnessEnd(mutator.TLS(1))
	require.False(t, m.harnessActive)
}
