package sidemetadata

import (
	"math/bits"
	stdatomic "sync/atomic"
	"unsafe"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
)

// entryMask returns a mask covering one entry's bits, shifted into position
// within the containing byte, along with the byte pointer and the in-byte
// bit shift.
func (t *Table) entryLoc(d address.Address) (bytePtr *uint8, shift uint, mask uint8) {
	t.checkRange(d)
	meta, bitOff := t.spec.bitAddress(d)
	bitsPerEntry := uint(1) << t.spec.LogBitsPerEntry
	byteIndex := uintptr(bitOff) / 8
	shift = uint(bitOff) % 8
	mask = uint8((uint16(1)<<bitsPerEntry)-1) << shift
	ptr := (*uint8)(unsafe.Pointer(meta.Add(byteIndex).AsUintptr()))
	return ptr, shift, mask
}

// Load reads the metadata entry for d, non-atomically. Caller must provide
// exclusion (e.g. during a stop-the-world phase).
func (t *Table) Load(d address.Address) uint64 {
	ptr, shift, mask := t.entryLoc(d)
	v := *ptr
	return uint64((v & mask) >> shift)
}

// Store writes the metadata entry for d, non-atomically.
func (t *Table) Store(d address.Address, value uint64) {
	ptr, shift, mask := t.entryLoc(d)
	v := *ptr
	v = v &^ mask
	v |= uint8((value<<shift)&uint64(mask)) & mask
	*ptr = v
}

// AtomicLoad reads the metadata entry for d with acquire semantics,
// required when the bit commits object state visible to other threads.
func (t *Table) AtomicLoad(d address.Address) uint64 {
	ptr, shift, mask := t.entryLoc(d)
	v := atomicLoadByte(ptr)
	return uint64((v & mask) >> shift)
}

// AtomicStore writes the metadata entry for d with release semantics.
func (t *Table) AtomicStore(d address.Address, value uint64) {
	ptr, shift, mask := t.entryLoc(d)
	for {
		old := atomicLoadByte(ptr)
		n := old &^ mask
		n |= uint8((value<<shift)&uint64(mask)) & mask
		if atomicCASByte(ptr, old, n) {
			return
		}
	}
}

// CompareAndSwap atomically compares the current entry for d against old
// and, if equal, stores newV. Used directly by the forwarding-word protocol
// (component E) and by Immix's attempt_mark (component F).
func (t *Table) CompareAndSwap(d address.Address, old, newV uint64) bool {
	ptr, shift, mask := t.entryLoc(d)
	for {
		cur := atomicLoadByte(ptr)
		curEntry := uint64((cur & mask) >> shift)
		if curEntry != old {
			return false
		}
		n := cur &^ mask
		n |= uint8((newV<<shift)&uint64(mask)) & mask
		if atomicCASByte(ptr, cur, n) {
			return true
		}
	}
}

// FetchAdd atomically adds delta to the entry for d and returns the prior
// value. Relaxed ordering is sufficient for counters not consulted for
// correctness.
func (t *Table) FetchAdd(d address.Address, delta int64) uint64 {
	ptr, shift, mask := t.entryLoc(d)
	for {
		cur := atomicLoadByte(ptr)
		curEntry := uint64((cur & mask) >> shift)
		next := uint64(int64(curEntry) + delta)
		n := cur &^ mask
		n |= uint8((next<<shift)&uint64(mask)) & mask
		if atomicCASByte(ptr, cur, n) {
			return curEntry
		}
	}
}

// FetchSub is FetchAdd(d, -delta).
func (t *Table) FetchSub(d address.Address, delta int64) uint64 { return t.FetchAdd(d, -delta) }

// FetchAnd atomically ANDs the entry for d with mask and returns the prior
// value.
func (t *Table) FetchAnd(d address.Address, bitmask uint64) uint64 {
	return t.fetchUpdate(d, func(v uint64) uint64 { return v & bitmask })
}

// FetchOr atomically ORs the entry for d with mask and returns the prior
// value.
func (t *Table) FetchOr(d address.Address, bitmask uint64) uint64 {
	return t.fetchUpdate(d, func(v uint64) uint64 { return v | bitmask })
}

// FetchUpdate atomically replaces the entry for d with f(old), retrying on
// contention, and returns the prior value.
func (t *Table) FetchUpdate(d address.Address, f func(old uint64) uint64) uint64 {
	return t.fetchUpdate(d, f)
}

func (t *Table) fetchUpdate(d address.Address, f func(uint64) uint64) uint64 {
	ptr, shift, mask := t.entryLoc(d)
	for {
		cur := atomicLoadByte(ptr)
		curEntry := uint64((cur & mask) >> shift)
		next := f(curEntry)
		n := cur &^ mask
		n |= uint8((next<<shift)&uint64(mask)) & mask
		if atomicCASByte(ptr, cur, n) {
			return curEntry
		}
	}
}

// ZeroRange bulk-zeroes the metadata covering the data range
// [start, start+length). A no-op on empty ranges.
func (t *Table) ZeroRange(start address.Address, length uintptr) {
	if length == 0 {
		return
	}
	t.checkRange(start)
	t.checkRange(start.Add(length - 1))
	metaStart, _ := t.spec.bitAddress(start)
	metaEnd, lastBit := t.spec.bitAddress(start.Add(length))
	endByte := metaEnd
	if lastBit != 0 {
		endByte = endByte.Add(1)
	}
	n := uintptr(endByte.Diff(metaStart))
	base := (*uint8)(unsafe.Pointer(metaStart.AsUintptr()))
	buf := unsafe.Slice(base, n)
	for i := range buf {
		buf[i] = 0
	}
}

// Visitor is called by BulkScan for each set bit found, in ascending
// address order, receiving the metadata byte address and the in-byte bit
// offset of the set bit.
type Visitor func(metaAddr address.Address, bitOffset uint)

// BulkScan invokes visit for every set bit in the metadata range covering
// [start, start+length). A no-op on an empty range. Implemented with
// word-wide loads and TrailingZeros64.
func (t *Table) BulkScan(start address.Address, length uintptr, visit Visitor) {
	if length == 0 {
		return
	}
	t.checkRange(start)
	t.checkRange(start.Add(length - 1))
	metaStart, _ := t.spec.bitAddress(start)
	metaEnd, lastBit := t.spec.bitAddress(start.Add(length))
	endByte := metaEnd
	if lastBit != 0 {
		endByte = endByte.Add(1)
	}

	base := address.AlignDown(metaStart, 8)
	limit := address.AlignUp(endByte, 8)
	nWords := uintptr(limit.Diff(base)) / 8
	words := unsafe.Slice((*uint64)(unsafe.Pointer(base.AsUintptr())), nWords)

	for wi, w := range words {
		if w == 0 {
			continue
		}
		wordAddr := base.Add(uintptr(wi) * 8)
		remaining := w
		for remaining != 0 {
			tz := bits.TrailingZeros64(remaining)
			bitAddr := wordAddr.Add(uintptr(tz) / 8)
			bitInByte := uint(tz) % 8
			if bitAddr.GE(metaStart) && bitAddr.LT(endByte) {
				visit(bitAddr, bitInByte)
			}
			remaining &^= uint64(1) << uint(tz)
		}
	}
}

// atomicLoadByte / atomicCASByte wrap single-byte atomics over raw,
// externally-mmapped memory (not a Go-owned struct field), so these go
// through the standard library's pointer-based sync/atomic functions
// rather than go.uber.org/atomic: that package's typed wrappers own the
// storage themselves and are meant to be embedded in a struct field, not
// reconstructed from a computed address via unsafe.Pointer into memory the
// runtime doesn't otherwise know about. Operating on the containing
// 8-byte-aligned word and masking out the target byte mirrors Go's
// runtime lfstack.go CAS-loop, which performs the same kind of
// sub-word-granularity update over a 64-bit word.
func atomicLoadByte(p *uint8) uint8 {
	wp, shift := wordFor(p)
	w := stdatomic.LoadUint64(wp)
	return uint8(w >> shift)
}

func atomicCASByte(p *uint8, old, newV uint8) bool {
	wp, shift := wordFor(p)
	for {
		w := stdatomic.LoadUint64(wp)
		cur := uint8(w >> shift)
		if cur != old {
			return false
		}
		nw := (w &^ (uint64(0xff) << shift)) | (uint64(newV) << shift)
		if stdatomic.CompareAndSwapUint64(wp, w, nw) {
			return true
		}
	}
}

// wordFor returns the 8-byte-aligned atomic word containing *p and the bit
// shift of p's byte within that word.
func wordFor(p *uint8) (*uint64, uint) {
	addr := uintptr(unsafe.Pointer(p))
	wordAddr := addr &^ 7
	shift := uint(addr-wordAddr) * 8
	return (*uint64)(unsafe.Pointer(wordAddr)), shift
}
