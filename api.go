// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmtk

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/mutator"
	"github.com/mmtk/mmtk-core-sub000/internal/plan"
)

// Alloc implements `alloc(m, size, align, offset, semantics) -> Address`:
// the fast-path entry a host VM binding calls directly. Fallible
// allocation returns address.Zero rather than a sum-type result; a zero
// result after RetryAttempts rounds of GC-and-retry is reported to
// Options.OutOfMemoryHandler, if set, before the zero is returned to the
// caller; with no handler set, Alloc panics instead.
func (m *Mmtk) Alloc(mu *mutator.Mutator, size, align, offset uintptr, sem mutator.Semantics) address.Address {
	return m.AllocSlow(context.Background(), mu, size, align, offset, sem)
}

// AllocSlow implements `alloc_slow(...)`: the slow-path entry
// for VMs that implement their own inline fast path and only fall back to
// the core once it fails. It retries through BlockForGC up to
// Options.RetryAttempts times before giving up.
func (m *Mmtk) AllocSlow(ctx context.Context, mu *mutator.Mutator, size, align, offset uintptr, sem mutator.Semantics) address.Address {
	if a := mu.Alloc(size, align, offset, sem); !a.IsZero() {
		return a
	}
	attempts := m.opt.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		mu.BlockForGC()
		if a := mu.Alloc(size, align, offset, sem); !a.IsZero() {
			return a
		}
	}
	if m.opt.OutOfMemoryHandler != nil {
		m.opt.OutOfMemoryHandler(size)
		return address.Zero
	}
	panic("mmtk: heap exhausted after retrying allocation")
}

// PostAlloc implements `post_alloc(m, object, bytes, semantics)`: a hook
// for per-object initialization. This core's spaces
// need no eager per-object side-metadata write at allocation time (mark
// bits default to "not yet this GC's mark state" simply by being zeroed
// on block acquisition), so PostAlloc is a no-op reserved for a future
// policy (e.g. valid-object-bit set) that would need one.
func (m *Mmtk) PostAlloc(mu *mutator.Mutator, object address.ObjectReference, bytes uintptr, sem mutator.Semantics) {
}

// ObjectReferenceWritePre implements the snapshot-at-the-beginning write
// barrier's pre-write hook: records the slot's current
// (about-to-be-overwritten) value in the mutator's local SATB buffer,
// flushing to the global queue if the buffer fills. The fast path never
// blocks.
func (m *Mmtk) ObjectReferenceWritePre(mu *mutator.Mutator, src address.ObjectReference, slot address.Address, oldTarget address.ObjectReference) {
	mu.Barrier.Record(oldTarget, m.plan.GlobalSATBQueue())
}

// ObjectReferenceWritePost implements the post-write hook. The
// SATB discipline this core implements only needs the pre-write value
// (the snapshot), so this is a no-op left for a remembered-set-style
// barrier a future plan might add.
func (m *Mmtk) ObjectReferenceWritePost(mu *mutator.Mutator, src address.ObjectReference, slot address.Address, newTarget address.ObjectReference) {
}

// MemoryRegionCopyPre/Post implement the bulk-copy barrier pair
// (e.g. for array/slice copies): each slot in the source range is treated
// as an individual ObjectReferenceWritePre/Post call, since this core's
// barrier state has no bulk-range fast path of its own.
func (m *Mmtk) MemoryRegionCopyPre(mu *mutator.Mutator, src []address.ObjectReference) {
	for _, old := range src {
		mu.Barrier.Record(old, m.plan.GlobalSATBQueue())
	}
}

func (m *Mmtk) MemoryRegionCopyPost(mu *mutator.Mutator, dst []address.ObjectReference) {
}

// Collect runs one GC synchronously with the given cause. Exposed
// directly (beyond HandleUserCollectionRequest's user-cause wrapper) for
// a binding that wants to request an emergency or stress-triggered
// collection explicitly.
func (m *Mmtk) Collect(ctx context.Context, cause plan.Cause) error {
	return m.plan.Collect(ctx, cause)
}

// Log exposes the structured logger Build was given, for a binding that
// wants to attach its own fields to the same sink.
func (m *Mmtk) Log() *zap.Logger { return m.log }
