package immix

import "github.com/mmtk/mmtk-core-sub000/internal/address"

// Allocator is one mutator's (or copying-context's) bump-pointer front end
// onto a Space, matching the alloc/overflow_alloc/alloc_slow_hot design.
// It is not safe for concurrent use by more than one goroutine, the same
// restriction Go's runtime places on a P's mcache.
type Allocator struct {
	space *Space

	cursor, limit address.Address

	// overflow handles objects too large for a line-granularity bump but
	// still Immix-sized, allocated against a dedicated clean block.
	overflowCursor, overflowLimit address.Address

	// recyclable scanning state: the block currently being consumed for
	// holes, and the next line to resume get_next_available_lines from.
	scanBlock      Block
	scanning       bool
	lineSearchNext int
}

// NewAllocator builds an allocator bound to space, with an empty cursor/
// limit so the first Alloc call falls through to the slow path.
func NewAllocator(space *Space) *Allocator {
	return &Allocator{space: space}
}

// Alloc implements the top-level alloc(size, align, offset).
// Returns address.Zero if the space is exhausted and the caller must
// trigger a GC.
func (a *Allocator) Alloc(size uintptr, align uintptr, offset uintptr) address.Address {
	aligned := address.AlignUpOffset(a.cursor, align, offset)
	newCursor := aligned.Add(size)
	if newCursor.LE(a.limit) {
		a.cursor = newCursor
		return aligned
	}
	if size > BytesInLine {
		return a.overflowAlloc(size, align, offset)
	}
	return a.allocSlowHot(size, align, offset)
}

func (a *Allocator) overflowAlloc(size, align, offset uintptr) address.Address {
	aligned := address.AlignUpOffset(a.overflowCursor, align, offset)
	newCursor := aligned.Add(size)
	if !a.overflowLimit.IsZero() && newCursor.LE(a.overflowLimit) {
		a.overflowCursor = newCursor
		return aligned
	}
	b, ok := a.space.AcquireCleanBlock()
	if !ok {
		return address.Zero
	}
	a.overflowCursor = b.Start()
	a.overflowLimit = b.End()
	aligned = address.AlignUpOffset(a.overflowCursor, align, offset)
	newCursor = aligned.Add(size)
	if newCursor.GT(a.overflowLimit) {
		return address.Zero
	}
	a.overflowCursor = newCursor
	return aligned
}

// allocSlowHot implements the three-step fallback: resume hole search in
// the block currently being scanned, else pop a
// Reusable block and start scanning it, else acquire a fresh clean block.
func (a *Allocator) allocSlowHot(size, align, offset uintptr) address.Address {
	for {
		if a.scanning {
			if start, end, ok := a.space.GetNextAvailableLines(a.scanBlock, a.lineSearchNext); ok {
				a.space.lineMark.ZeroRange(start, uintptr(end.Diff(start)))
				a.space.mark.ZeroRange(start, uintptr(end.Diff(start)))
				a.space.linesConsumed.Add(int64(a.scanBlock.LineIndex(end) - a.scanBlock.LineIndex(start)))
				a.cursor = start
				a.limit = end
				a.lineSearchNext = a.scanBlock.LineIndex(end)
				if a.lineSearchNext >= LinesInBlock {
					a.scanning = false
				}
				return a.Alloc(size, align, offset)
			}
			a.scanning = false
		}
		if b, ok := a.space.popReusable(); ok {
			a.scanBlock = b
			a.scanning = true
			a.lineSearchNext = 0
			continue
		}
		b, ok := a.space.AcquireCleanBlock()
		if !ok {
			return address.Zero
		}
		a.cursor = b.Start()
		a.limit = b.End()
		a.scanning = false
		return a.Alloc(size, align, offset)
	}
}
