package immix

import "github.com/mmtk/mmtk-core-sub000/internal/address"

// BlockState is one of the four states in an Immix block's lifecycle.
type BlockState uint8

const (
	Unallocated BlockState = iota
	Unmarked
	Marked
	Reusable
)

func (s BlockState) String() string {
	switch s {
	case Unallocated:
		return "Unallocated"
	case Unmarked:
		return "Unmarked"
	case Marked:
		return "Marked"
	case Reusable:
		return "Reusable"
	default:
		return "BlockState(?)"
	}
}

// Block is a lightweight handle onto one Immix block; all of its actual
// state lives in the owning Space's side-metadata tables, so Block values
// are cheap to pass around and never go stale across a GC the way a
// pointer into a moved Go struct would.
type Block struct {
	start address.Address
}

// BlockOf returns the Block containing o, rounding down to block alignment
// the way mheap.go's spanOf rounds an arbitrary pointer down to its span.
func BlockOf(o address.Address) Block {
	return Block{start: address.AlignDown(o, BytesInBlock)}
}

// Start is the block's first byte.
func (b Block) Start() address.Address { return b.start }

// End is one byte past the block.
func (b Block) End() address.Address { return b.start.Add(BytesInBlock) }

// LineIndex returns the index within the block of the line containing a.
func (b Block) LineIndex(a address.Address) int {
	return int(a.Diff(b.start) / BytesInLine)
}

// LineStart returns the address of line i within the block.
func (b Block) LineStart(i int) address.Address {
	return b.start.Add(uintptr(i) * BytesInLine)
}
