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

func newTestImmixPlan(t *testing.T) (*ImmixPlan, *fakeRoots) {
	t.Helper()
	log := zap.NewNop()
	dataBase := mmapRegion(t, 6)
	metaBase := mmapRegion(t, 8)

	mapper := mmapper.NewTwoLevel(log, dataBase)
	los, immortal, immixStart := newTestLOSAndImmortal(log, mapper, dataBase)

	roots := &fakeRoots{}
	p := NewImmixPlan(log, options.Default(), mapper, dataBase, metaBase, immixStart, 4*address.PagesInChunk, fakeObjectModel{}, los, immortal, roots)
	return p, roots
}

// TestImmixPlanCollectSweepsUnreachable exercises the full-heap plan's
// Collect end to end: a rooted object survives a GC and an unrooted one
// does not, matching the "Full pause: standard Immix mark/sweep... all
// buckets open" rule.
func TestImmixPlanCollectSweepsUnreachable(t *testing.T) {
	p, roots := newTestImmixPlan(t)

	m := mutator.Bind(mutator.TLS(1), p)
	live := m.Alloc(testObjSize, 8, 0, mutator.Default)
	require.False(t, live.IsZero())
	dead := m.Alloc(testObjSize, 8, 0, mutator.Default)
	require.False(t, dead.IsZero())

	roots.roots = []address.ObjectReference{address.ObjectReference(live)}

	require.NoError(t, p.Collect(context.Background(), CauseUser))

	require.True(t, p.IsLiveObject(address.ObjectReference(live)))
	require.False(t, p.IsLiveObject(address.ObjectReference(dead)))
	require.True(t, p.IsInMmtkSpaces(live))
}

// TestImmixPlanLargeAndImmortalAllocation exercises AllocatorFor's routing
// of Large/Immortal semantics away from the Immix space.
func TestImmixPlanLargeAndImmortalAllocation(t *testing.T) {
	p, _ := newTestImmixPlan(t)
	m := mutator.Bind(mutator.TLS(2), p)

	large := m.Alloc(2*address.BytesInPage, address.BytesInAddress, 0, mutator.Large)
	require.False(t, large.IsZero())
	require.True(t, p.LOS.InSpace(large))

	immortal := m.Alloc(testObjSize, address.BytesInAddress, 0, mutator.Immortal)
	require.False(t, immortal.IsZero())
	require.True(t, p.Immortal.InSpace(immortal))
}

// TestImmixPlanBlockForGCRunsACollection confirms BlockForGC (the
// allocator slow path's last resort) actually runs a collection rather
// than being a no-op.
func TestImmixPlanBlockForGCRunsACollection(t *testing.T) {
	p, roots := newTestImmixPlan(t)
	m := mutator.Bind(mutator.TLS(3), p)
	live := m.Alloc(testObjSize, 8, 0, mutator.Default)
	roots.roots = []address.ObjectReference{address.ObjectReference(live)}

	before := p.gcsRun
	p.BlockForGC(m)
	require.Greater(t, p.gcsRun, before)
	require.True(t, p.IsLiveObject(address.ObjectReference(live)))
}
