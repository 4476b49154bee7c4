// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmapper tracks the MapState of every chunk in the managed
// address range and serializes the OS mmap/mprotect calls that move a
// chunk between states. It is the Go-native replacement for Go's runtime
// assembly mmap/munmap stubs (mmap.go): the same syscall boundary, reached
// through golang.org/x/sys/unix instead of a Plan9-style asm trampoline,
// because this module runs as an ordinary user-space Go program rather
// than inside GOROOT.
package mmapper

import "fmt"

// MapState is the per-chunk enumeration describing how a chunk's virtual
// memory is currently backed.
type MapState uint8

const (
	Unmapped MapState = iota
	Quarantined
	Mapped
	Protected
)

func (s MapState) String() string {
	switch s {
	case Unmapped:
		return "Unmapped"
	case Quarantined:
		return "Quarantined"
	case Mapped:
		return "Mapped"
	case Protected:
		return "Protected"
	default:
		return fmt.Sprintf("MapState(%d)", s)
	}
}

// Annotation names the purpose of a mapped range for accounting and
// debug logs (mirrors the *uint64 `stat` accounting field Go's runtime
// threads through fixalloc/mheap allocation calls).
type Annotation string

const (
	AnnotationSideMetadata Annotation = "side-metadata"
	AnnotationImmixSpace   Annotation = "immix-space"
	AnnotationMarkSweep    Annotation = "mark-sweep-space"
	AnnotationLOS          Annotation = "large-object-space"
	AnnotationWorkBuffers  Annotation = "gc-work-buffers"
)

// Strategy picks how quarantine/ensure_mapped choose which OS primitive to
// start from; the state table only distinguishes Unmapped vs Quarantined
// sources, but callers that know they're about to immediately fill the
// range (e.g. VM-owned memory) can request MarkAsMapped directly.
type Strategy uint8

const (
	// StrategyDefault follows the chunk-state machine's transition table
	// exactly: mmap noreserve PROT_NONE for quarantine, demand-zero mmap
	// (or mprotect restore) for ensure_mapped.
	StrategyDefault Strategy = iota
)

// legalTransition reports whether the (from, event) pair is one of the
// transitions the chunk-state table allows, and if so the resulting state
// and whether an OS syscall is required.
type event uint8

const (
	eventQuarantine event = iota
	eventEnsureMapped
	eventProtect
	eventMarkAsMapped
)

func legalTransition(from MapState, ev event) (to MapState, needsSyscall bool, ok bool) {
	switch ev {
	case eventMarkAsMapped:
		// mark_as_mapped is allowed from any state: it force-sets Mapped
		// with no syscall, for VM-owned memory the host already mapped.
		return Mapped, false, true
	case eventQuarantine:
		switch from {
		case Unmapped:
			return Quarantined, true, true
		case Quarantined:
			return Quarantined, false, true // no-op
		}
	case eventEnsureMapped:
		switch from {
		case Unmapped:
			return Mapped, true, true
		case Quarantined:
			return Mapped, true, true
		case Protected:
			return Mapped, true, true
		case Mapped:
			return Mapped, false, true // no-op
		}
	case eventProtect:
		if from == Mapped {
			return Protected, true, true
		}
	}
	return from, false, false
}
