package marksweep

import "github.com/mmtk/mmtk-core-sub000/internal/address"

// BlockState is a mark-sweep block's position in the prepare/trace/
// release/sweep pipeline.
type BlockState uint8

const (
	// Unmarked is the state every block is reset to at prepare: no object
	// in it has yet been found live this GC.
	Unmarked BlockState = iota
	// Marked means tracing found at least one live object in the block;
	// it survives this GC and will need an actual cell-level sweep.
	Marked
	// Unswept is a block handed back to the global pool at release time
	// but not yet swept (the lazy-sweep case, or eager sweep's transient
	// state just before SweepBlock runs).
	Unswept
	// Available means SweepBlock has rebuilt the free list and the block
	// is ready to satisfy fresh allocations again.
	Available
)

func (s BlockState) String() string {
	switch s {
	case Unmarked:
		return "Unmarked"
	case Marked:
		return "Marked"
	case Unswept:
		return "Unswept"
	case Available:
		return "Available"
	default:
		return "BlockState(?)"
	}
}

// Block is a handle onto one mark-sweep block: a single size class's worth
// of fixed-size cells, with its free list threaded through the cells
// themselves (the first word of a free cell holds the address of the next
// free cell, exactly as Go's runtime mspan-adjacent allocator designs do
// for small objects, e.g. mfixalloc.go's chain of free slots).
type Block struct {
	start     address.Address
	class     int
	cellSize  uintptr
	numCells  int
}

// Start is the block's first byte.
func (b Block) Start() address.Address { return b.start }

// Class is the size-class index this block serves.
func (b Block) Class() int { return b.class }

// CellSize is the fixed allocation size for every cell in this block.
func (b Block) CellSize() uintptr { return b.cellSize }

// NumCells is the number of fixed-size cells the block holds.
func (b Block) NumCells() int { return b.numCells }

// CellAt returns the address of cell index i within the block.
func (b Block) CellAt(i int) address.Address {
	return b.start.Add(uintptr(i) * b.cellSize)
}

// CellIndex returns the index of the cell containing a.
func (b Block) CellIndex(a address.Address) int {
	return int(uintptr(a.Diff(b.start)) / b.cellSize)
}
