// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/forwarding"
	"github.com/mmtk/mmtk-core-sub000/internal/immix"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
	"github.com/mmtk/mmtk-core-sub000/internal/mutator"
	"github.com/mmtk/mmtk-core-sub000/internal/options"
	"github.com/mmtk/mmtk-core-sub000/internal/refproc"
	"github.com/mmtk/mmtk-core-sub000/internal/scheduler"
	"github.com/mmtk/mmtk-core-sub000/internal/sft"
	"github.com/mmtk/mmtk-core-sub000/internal/sidemetadata"
)

// Common bundles every space and cross-cutting service a concrete plan
// owns exclusively, per the ownership rule that the plan exclusively owns
// each space. It is embedded by ImmixPlan, GenImmixPlan and ConcImmixPlan
// rather than reimplemented per plan, since a single "common plan" is
// shared across all three.
type Common struct {
	Log *zap.Logger
	Opt options.Options

	Mapper *mmapper.Manager
	SFT    *sft.Map
	Sched  *scheduler.Scheduler

	LOS      *LOS
	Immortal *Immortal

	RefProcs   *refproc.Processors
	Finalizers *refproc.FinalizerQueue

	OM ObjectModel

	GlobalSATB *mutator.GlobalQueue

	currentMarkState atomic.Uint64

	mu               sync.Mutex
	gcCount          int
	pendingCause     Cause
	emergency        atomic.Bool
	concurrentActive atomic.Bool
}

// NewCommon constructs the shared plan state. sftBase roots the
// space-function table (the lowest address any owned space uses); los and
// immortal are the shared spaces, already built over their own sub-ranges
// by the caller; the scheduler gets opt.Threads workers.
func NewCommon(log *zap.Logger, opt options.Options, mapper *mmapper.Manager, sftBase address.Address, om ObjectModel, los *LOS, immortal *Immortal) *Common {
	c := &Common{
		Log:        log,
		Opt:        opt,
		Mapper:     mapper,
		SFT:        sft.New(sftBase),
		Sched:      scheduler.New(log, opt.Threads),
		LOS:        los,
		Immortal:   immortal,
		RefProcs:   refproc.New(),
		Finalizers: refproc.NewFinalizerQueue(),
		OM:         om,
		GlobalSATB: &mutator.GlobalQueue{},
	}
	return c
}

// MarkState returns the mark-bit value objects must be CAS'd to during
// the collection currently in progress. It alternates 0/1 every GC
// (NextMarkState), which is sufficient because every mark-bit side table
// in this module is a single bit per object: a stale bit from two GCs ago
// always differs from whichever of {0,1} is current this GC.
func (c *Common) MarkState() uint64 { return c.currentMarkState.Load() }

// NextMarkState flips the current mark state ahead of a new GC's Prepare.
func (c *Common) NextMarkState() uint64 {
	next := c.currentMarkState.Load() ^ 1
	c.currentMarkState.Store(next)
	return next
}

// IsLiveObject reports whether o's owning space considers it live,
// the `is_live_object` hook.
func (c *Common) IsLiveObject(o address.ObjectReference) bool { return c.SFT.IsLiveObject(o) }

// IsInMmtkSpaces reports whether a is covered by any space this plan (or
// its common spaces) owns, the `is_in_mmtk_spaces` hook.
func (c *Common) IsInMmtkSpaces(a address.Address) bool { return c.SFT.IsInSpace(a) }

// ReferenceProcessors exposes the shared soft/weak/phantom tables so the
// root package's add_{soft,weak,phantom}_candidate hooks can reach them
// through the gcPlan interface without depending on plan.Common's field
// layout directly.
func (c *Common) ReferenceProcessors() *refproc.Processors { return c.RefProcs }

// FinalizerQueue exposes the shared finalizer queue, backing the
// add_finalizer/get_finalized_object/get_all_finalizers hooks.
func (c *Common) FinalizerQueue() *refproc.FinalizerQueue { return c.Finalizers }

// GlobalSATBQueue exposes the shared write-barrier SATB queue so the root
// package's destroy_mutator hook can flush a departing mutator's buffer
// into it without depending on plan.Common's field layout directly.
func (c *Common) GlobalSATBQueue() *mutator.GlobalQueue { return c.GlobalSATB }

// IsEmergency reports whether the collection in progress is an emergency
// GC (heap exhaustion even after normal collection), consulted by the
// soft-reference retain pass.
func (c *Common) IsEmergency() bool { return c.emergency.Load() }

// SetEmergency marks the current/next collection as an emergency GC.
func (c *Common) SetEmergency(v bool) { c.emergency.Store(v) }

// queueAdapter bridges a *Common (tracing via ObjectModel.ScanChildren) to
// the immix.Queue / marksweep.Queue interfaces expected by the space-level
// trace routines: enqueuing an object schedules a Closure-bucket packet
// that scans its children and traces each one found live.
type queueAdapter struct {
	c     *Common
	trace func(o address.ObjectReference) address.ObjectReference
}

func (q *queueAdapter) Enqueue(o address.ObjectReference) {
	q.c.Sched.Bucket(scheduler.Closure).Add(scheduler.Func(func(w *scheduler.Worker) {
		q.c.OM.ScanChildren(o, func(child address.ObjectReference) {
			q.trace(child)
		})
	}))
}

// NewQueue constructs the Closure-bucket-feeding Queue a plan's trace
// closures should enqueue survivors into. trace is the plan's own
// TraceObject method (bound per plan, since only the plan knows which
// space owns an address and thus which tracing routine applies).
func (c *Common) NewQueue(trace func(o address.ObjectReference) address.ObjectReference) *queueAdapter {
	return &queueAdapter{c: c, trace: trace}
}

// RunToCompletion seeds the Prepare bucket with every root RootScanner
// reports and drives the scheduler to completion, the mechanical half of
// "schedule a collection" shared by every concrete plan.
func (c *Common) RunToCompletion(ctx context.Context, roots RootScanner, trace func(address.ObjectReference) address.ObjectReference) error {
	var rootPackets []scheduler.Packet
	roots.EnumerateRoots(func(o address.ObjectReference) {
		r := o
		rootPackets = append(rootPackets, scheduler.Func(func(w *scheduler.Worker) {
			trace(r)
		}))
	})
	c.Sched.AddRootPackets(rootPackets)
	return c.Sched.Run(ctx)
}

// ScanImmortalRoots adds every object the Immortal space has ever handed
// out as an additional root set member, since an immortal object may be
// the sole holder of a reference into a movable space (the ownership
// model has no notion of "scan the allocator that made this object", so
// the plan does it explicitly for its one non-moving, never-swept space).
func (c *Common) ScanImmortalRoots(trace func(address.ObjectReference) address.ObjectReference) {
	for _, a := range c.Immortal.ObjectStarts() {
		trace(address.ObjectReference(a))
	}
}

// newForwardingProtocol wires a forwarding.Protocol for an Immix space,
// factored out since all three plans construct one identically: two
// local side-metadata tables (forwarding state, forwarding pointer)
// rooted one chunk apart in the space's private metadata region so they
// don't overlap each other or the space's own mark/line/block tables.
func newForwardingProtocol(sp *immix.Space, mapper *mmapper.Manager, metaBase, start address.Address, dataLen uintptr) *forwarding.Protocol {
	stateTbl := sidemetadata.NewTable(forwarding.StateSpec(), mapper, metaBase, start, dataLen)
	ptrTbl := sidemetadata.NewTable(forwarding.PointerSpec(), mapper, metaBase.Add(address.BytesInChunk), start, dataLen)
	fwd := forwarding.NewProtocol(stateTbl, ptrTbl)
	sp.EnableForwarding(fwd)
	return fwd
}
