// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
	"github.com/mmtk/mmtk-core-sub000/internal/mutator"
	"github.com/mmtk/mmtk-core-sub000/internal/options"
)

func newTestConcImmixPlan(t *testing.T) (*ConcImmixPlan, *fakeRoots) {
	t.Helper()
	log := zap.NewNop()
	dataBase := mmapRegion(t, 6)
	metaBase := mmapRegion(t, 8)

	mapper := mmapper.NewTwoLevel(log, dataBase)
	los, immortal, spaceStart := newTestLOSAndImmortal(log, mapper, dataBase)

	roots := &fakeRoots{}
	p := NewConcImmixPlan(log, options.Default(), mapper, dataBase, metaBase, spaceStart, 4*address.PagesInChunk, fakeObjectModel{}, los, immortal, roots)
	return p, roots
}

// TestConcImmixSelectKind exercises the collection-kind selection table:
// User/Emergency always force Full, otherwise InitialMark starts a cycle
// and FinalMark completes one already running.
func TestConcImmixSelectKind(t *testing.T) {
	p, _ := newTestConcImmixPlan(t)

	require.Equal(t, Full, p.SelectKind(CauseUser))
	require.Equal(t, Full, p.SelectKind(CauseEmergency))
	require.Equal(t, InitialMark, p.SelectKind(CauseHeapFull))

	p.concurrentMarkingActive.Store(true)
	require.Equal(t, FinalMark, p.SelectKind(CauseHeapFull))
}

// TestConcImmixCollectionRequired exercises the collection-required
// predicate's three branches: heap exhaustion forces Full, an active
// cycle reports FinalMark, and overflowing the concurrent-marked-page
// budget starts one with InitialMark.
func TestConcImmixCollectionRequired(t *testing.T) {
	p, _ := newTestConcImmixPlan(t)

	require.Equal(t, Full, p.CollectionRequired(true, 1000))

	p.concurrentMarkingActive.Store(true)
	require.Equal(t, FinalMark, p.CollectionRequired(false, 1000))
	p.concurrentMarkingActive.Store(false)

	p.RecordConcurrentMark(600)
	require.Equal(t, InitialMark, p.CollectionRequired(false, 1000))

	p.pagesMarkedConcurrently.Store(0)
	require.Equal(t, Kind(-1), p.CollectionRequired(false, 1000))
}

// TestConcImmixInitialMarkThenFinalMark exercises a full InitialMark ->
// FinalMark cycle: InitialMark marks roots and sets
// concurrentMarkingActive, FinalMark drains the SATB queue, sweeps, and
// clears the flag, leaving the rooted object live and the unrooted one
// reclaimed.
func TestConcImmixInitialMarkThenFinalMark(t *testing.T) {
	p, roots := newTestConcImmixPlan(t)
	m := mutator.Bind(mutator.TLS(1), p)
	live := m.Alloc(testObjSize, 8, 0, mutator.Default)
	require.False(t, live.IsZero())
	dead := m.Alloc(testObjSize, 8, 0, mutator.Default)
	require.False(t, dead.IsZero())

	roots.roots = []address.ObjectReference{address.ObjectReference(live)}

	require.NoError(t, p.Collect(context.Background(), CauseHeapFull))
	require.True(t, p.concurrentMarkingActive.Load())

	require.NoError(t, p.Collect(context.Background(), CauseHeapFull))
	require.False(t, p.concurrentMarkingActive.Load())

	require.True(t, p.IsLiveObject(address.ObjectReference(live)))
	require.False(t, p.IsLiveObject(address.ObjectReference(dead)))
}

// TestConcImmixFullCollectClearsConcurrentState exercises a plain Full
// collection's cleanup of concurrent-marking bookkeeping.
func TestConcImmixFullCollectClearsConcurrentState(t *testing.T) {
	p, roots := newTestConcImmixPlan(t)
	m := mutator.Bind(mutator.TLS(2), p)
	live := m.Alloc(testObjSize, 8, 0, mutator.Default)
	roots.roots = []address.ObjectReference{address.ObjectReference(live)}

	p.RecordConcurrentMark(42)
	require.NoError(t, p.Collect(context.Background(), CauseUser))
	require.Equal(t, int64(0), p.pagesMarkedConcurrently.Load())
	require.True(t, p.IsLiveObject(address.ObjectReference(live)))
}
