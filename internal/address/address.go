// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package address defines the typed byte-pointer primitives the rest of the
// collector builds on: Address, a machine-sized integer that is a valid
// pointer into the managed virtual address range, and ObjectReference, an
// Address at a VM-chosen location within an object.
//
// See Go's runtime mheap.go for the precedent of carrying GC pointers as
// plain uintptr-shaped values to keep them out of the write barrier's
// view; Address follows the same discipline deliberately.
package address

import "fmt"

// Zero is the sentinel "no address" value, returned by fallible allocation
// paths instead of a sum-type result.
const Zero Address = 0

// Address is a machine-sized unsigned integer that is a valid pointer into
// the managed heap's virtual address range. Arithmetic on Address preserves
// the integer; it never dereferences memory itself.
type Address uintptr

// Add returns the address offset by n bytes.
func (a Address) Add(n uintptr) Address { return a + Address(n) }

// Sub returns the address offset backward by n bytes.
func (a Address) Sub(n uintptr) Address { return a - Address(n) }

// Diff returns a-b as a byte count. Both addresses must be comparable
// (drawn from the same mapping); the result may be negative.
func (a Address) Diff(b Address) int64 { return int64(a) - int64(b) }

// LT, LE, GT, GE, EQ total-order an Address for range and sweep logic.
func (a Address) LT(b Address) bool { return a < b }
func (a Address) LE(b Address) bool { return a <= b }
func (a Address) GT(b Address) bool { return a > b }
func (a Address) GE(b Address) bool { return a >= b }
func (a Address) EQ(b Address) bool { return a == b }

// IsZero reports whether a is the sentinel zero address.
func (a Address) IsZero() bool { return a == Zero }

// AlignDown rounds a down to the nearest multiple of align, which must be a
// power of two.
func AlignDown(a Address, align uintptr) Address {
	mask := Address(align - 1)
	return a &^ mask
}

// AlignUp rounds a up to the nearest multiple of align, which must be a
// power of two.
func AlignUp(a Address, align uintptr) Address {
	mask := Address(align - 1)
	return (a + mask) &^ mask
}

// IsAligned reports whether a is a multiple of align.
func IsAligned(a Address, align uintptr) bool {
	return a&Address(align-1) == 0
}

// AlignUpOffset computes the bump-allocator cursor advance used by
// alloc(): the address obtained by aligning (cursor+offset) up to align
// and then subtracting offset back out. This is the standard
// "offset within a header-aligned object" allocation shape.
func AlignUpOffset(cursor Address, align uintptr, offset uintptr) Address {
	return AlignUp(cursor.Add(offset), align).Sub(offset)
}

// AsUintptr exposes the raw integer for syscalls (mmap ranges) and for
// side-metadata shift arithmetic, which must operate on the bit pattern.
func (a Address) AsUintptr() uintptr { return uintptr(a) }

func (a Address) String() string { return fmt.Sprintf("0x%x", uintptr(a)) }

// ObjectReference is an Address pointing at a VM-defined location within an
// object. refToObjectStartOffset is the small non-negative constant,
// supplied by the host VM at plan construction, giving the distance from
// this reference back to the object's allocation start.
type ObjectReference Address

// IsZero reports whether o is the sentinel "no object" reference.
func (o ObjectReference) IsZero() bool { return Address(o).IsZero() }

// ToAddress returns the deterministic Address identity of o, used as the
// side-metadata lookup key.
func (o ObjectReference) ToAddress() Address { return Address(o) }

// ToObjectStart returns the start of the object's allocation, given the
// VM-supplied constant byte offset. This must lie strictly before the
// next object's start.
func (o ObjectReference) ToObjectStart(refToObjectStartOffset uintptr) Address {
	return Address(o).Sub(refToObjectStartOffset)
}

func (o ObjectReference) String() string { return Address(o).String() }

// FromObjectStart constructs an ObjectReference from an allocation start
// address and the VM's ref-to-object-start constant.
func FromObjectStart(start Address, refToObjectStartOffset uintptr) ObjectReference {
	return ObjectReference(start.Add(refToObjectStartOffset))
}
