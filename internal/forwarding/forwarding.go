// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package forwarding implements the object forwarding word protocol: a
// 2-bit state machine (NotForwarded/BeingForwarded/Forwarded) that lets
// racing GC workers coordinate copying the same object exactly once, plus
// the forwarding pointer that protocol publishes. The CAS-retry shape
// mirrors Go's runtime lock-free stack (lfstack.go): a single
// compare-and-swap decides which goroutine "wins", and losers either spin
// or read the published result.
package forwarding

import (
	"runtime"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/sidemetadata"
)

// State is the 2-bit forwarding state.
type State uint64

const (
	NotForwarded  State = 0b00
	BeingForwarded State = 0b10
	Forwarded     State = 0b11
)

// StateSpec is the side-metadata spec for the 2-bit forwarding state.
// LogBitsPerEntry=1 stores a 2-bit entry (log2(2)=1).
func StateSpec() sidemetadata.Spec {
	return sidemetadata.Spec{Name: "forwarding-state", LogBitsPerEntry: 1, LogBytesPerRegion: address.LogBytesInAddress}
}

// PointerSpec is the side-metadata spec for the forwarding pointer itself,
// stored as a full machine word (log2(64)=6).
func PointerSpec() sidemetadata.Spec {
	return sidemetadata.Spec{Name: "forwarding-pointer", LogBitsPerEntry: 6, LogBytesPerRegion: address.LogBytesInAddress}
}

// Protocol bundles the two tables the forwarding word protocol needs.
type Protocol struct {
	state   *sidemetadata.Table
	pointer *sidemetadata.Table
}

// NewProtocol wires a Protocol to its two backing tables, already mapped by
// the owning space.
func NewProtocol(state, pointer *sidemetadata.Table) *Protocol {
	return &Protocol{state: state, pointer: pointer}
}

// AttemptToForward performs the forwarding CAS: atomically
// moves o's state from NotForwarded to BeingForwarded, returning the prior
// state. Callers observing NotForwarded hold "the forwarding right" and
// must either copy-and-publish (see Publish) or AbortForward.
func (p *Protocol) AttemptToForward(o address.ObjectReference) State {
	d := o.ToAddress()
	if p.state.CompareAndSwap(d, uint64(NotForwarded), uint64(BeingForwarded)) {
		return NotForwarded
	}
	return State(p.state.AtomicLoad(d))
}

// SpinAndReadForwarded busy-waits for a concurrently-forwarding object to
// finish, then returns its new location. The forwarding pointer write
// happens-before the state store to Forwarded (release on
// the store, acquire on this load), so once State observes Forwarded the
// pointer read below is guaranteed to see the published value.
func (p *Protocol) SpinAndReadForwarded(o address.ObjectReference) address.ObjectReference {
	d := o.ToAddress()
	for State(p.state.AtomicLoad(d)) != Forwarded {
		runtime.Gosched()
	}
	return p.ReadForwarded(o)
}

// ReadForwarded reads the forwarding pointer directly; callers must already
// know the state is Forwarded.
func (p *Protocol) ReadForwarded(o address.ObjectReference) address.ObjectReference {
	return address.ObjectReference(address.Address(p.pointer.AtomicLoad(o.ToAddress())))
}

// Publish is called by the winner of AttemptToForward once it has copied o
// to newLoc: it writes the forwarding pointer and then releases the state
// to Forwarded, establishing the happens-before edge the protocol requires.
func (p *Protocol) Publish(o address.ObjectReference, newLoc address.ObjectReference) {
	d := o.ToAddress()
	p.pointer.AtomicStore(d, uint64(newLoc.ToAddress().AsUintptr()))
	p.state.AtomicStore(d, uint64(Forwarded))
}

// AbortForward is called by the winner of AttemptToForward when it decides
// not to move o after all (e.g. the object became pinned concurrently): it
// clears any partially-written forwarding pointer and resets state to
// NotForwarded.
func (p *Protocol) AbortForward(o address.ObjectReference) {
	d := o.ToAddress()
	p.pointer.AtomicStore(d, 0)
	p.state.AtomicStore(d, uint64(NotForwarded))
}

// IsForwardedOrBeingForwarded reports whether o's state is anything other
// than NotForwarded, without participating in the race.
func (p *Protocol) IsForwardedOrBeingForwarded(o address.ObjectReference) bool {
	return State(p.state.AtomicLoad(o.ToAddress())) != NotForwarded
}

// ClearState resets o's forwarding state to NotForwarded and zeroes its
// pointer entry, recycling that object's forwarding metadata. The plans
// in this module do not call it.
func (p *Protocol) ClearState(o address.ObjectReference) {
	d := o.ToAddress()
	p.state.AtomicStore(d, uint64(NotForwarded))
	p.pointer.AtomicStore(d, 0)
}
