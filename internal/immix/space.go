package immix

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/forwarding"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
	"github.com/mmtk/mmtk-core-sub000/internal/pageresource"
	"github.com/mmtk/mmtk-core-sub000/internal/sidemetadata"
)

// markSpec and the line/block-state specs are local (per-space) side
// tables, matching Go's runtime per-size-class bitmap layout in mheap.go
// rather than a single process-wide table; each Space gets its own.
func markSpec() sidemetadata.Spec {
	return sidemetadata.Spec{Name: "immix-mark", Global: false, LogBitsPerEntry: 0, LogBytesPerRegion: 3}
}

func lineMarkSpec() sidemetadata.Spec {
	return sidemetadata.Spec{Name: "immix-line-mark", Global: false, LogBitsPerEntry: 3, LogBytesPerRegion: LogBytesInLine}
}

func blockStateSpec() sidemetadata.Spec {
	return sidemetadata.Spec{Name: "immix-block-state", Global: false, LogBitsPerEntry: 3, LogBytesPerRegion: LogBytesInBlock}
}

func blockDefragSpec() sidemetadata.Spec {
	return sidemetadata.Spec{Name: "immix-block-defrag", Global: false, LogBitsPerEntry: 3, LogBytesPerRegion: LogBytesInBlock}
}

// Space is one Immix-managed heap region: a block-granularity page
// resource plus the side-metadata tables backing mark bits, line marks,
// block state and the defrag-source flag, and the pool of Reusable blocks
// available for recyclable-line allocation.
type Space struct {
	log *zap.Logger

	blocks *pageresource.BlockPageResource

	mark        *sidemetadata.Table
	lineMark    *sidemetadata.Table
	blockState  *sidemetadata.Table
	blockDefrag *sidemetadata.Table

	fwd *forwarding.Protocol // nil until a plan enables opportunistic copying

	lineMarkState   atomic.Uint32
	lineUnavailState atomic.Uint32

	mu          sync.Mutex
	reusable    []address.Address // Reusable-state blocks available to alloc_slow_hot
	live        map[address.Address]struct{} // every block currently Unmarked/Marked/Reusable
	linesConsumed atomic.Int64

	defragging     atomic.Bool
	spillThreshold atomic.Int64
	histogram      map[int]int // holes -> count, accumulated across one GC's sweep

	copyMu                sync.Mutex
	copyCursor, copyLimit address.Address
}

// New constructs an Immix space over totalPages pages of the given
// address range, with its own metadata tables rooted at metaBase.
func New(log *zap.Logger, mapper *mmapper.Manager, metaBase, start address.Address, totalPages uintptr) *Space {
	dataLen := totalPages * address.BytesInPage
	pr := pageresource.New(log, mapper, mmapper.AnnotationImmixSpace, start, totalPages)
	s := &Space{
		log:    log,
		blocks: pageresource.NewBlockPageResource(pr, BytesInBlock),

		mark:        sidemetadata.NewTable(markSpec(), mapper, metaBase, start, dataLen),
		lineMark:    sidemetadata.NewTable(lineMarkSpec(), mapper, metaBase.Add(address.BytesInChunk), start, dataLen),
		blockState:  sidemetadata.NewTable(blockStateSpec(), mapper, metaBase.Add(2*address.BytesInChunk), start, dataLen),
		blockDefrag: sidemetadata.NewTable(blockDefragSpec(), mapper, metaBase.Add(3*address.BytesInChunk), start, dataLen),

		live:      make(map[address.Address]struct{}),
		histogram: make(map[int]int),
	}
	s.lineMarkState.Store(resetMarkState)
	s.lineUnavailState.Store(resetMarkState)
	return s
}

// EnableForwarding attaches a forwarding protocol, used by plans that
// perform opportunistic copying (trace_object_with_opportunistic_copy).
func (s *Space) EnableForwarding(p *forwarding.Protocol) { s.fwd = p }

// Forwarding returns the attached protocol, or nil if copying is disabled.
func (s *Space) Forwarding() *forwarding.Protocol { return s.fwd }

// AcquireCleanBlock gets a fresh Unallocated block from the page resource,
// zeroes its side metadata, marks it Unmarked (the "acquire"
// transition) and registers it as live.
func (s *Space) AcquireCleanBlock() (Block, bool) {
	a := s.blocks.AcquireBlock()
	if a.IsZero() {
		return Block{}, false
	}
	b := Block{start: a}
	s.lineMark.ZeroRange(a, BytesInBlock)
	s.mark.ZeroRange(a, BytesInBlock)
	s.setBlockState(b, Unmarked)
	s.setDefragSource(b, false)
	s.mu.Lock()
	s.live[a] = struct{}{}
	s.mu.Unlock()
	return b, true
}

// popReusable pops one block from the reusable pool, if any.
func (s *Space) popReusable() (Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.reusable)
	if n == 0 {
		return Block{}, false
	}
	a := s.reusable[n-1]
	s.reusable = s.reusable[:n-1]
	return Block{start: a}, true
}

func (s *Space) pushReusable(b Block) {
	s.mu.Lock()
	s.reusable = append(s.reusable, b.start)
	s.mu.Unlock()
}

// LiveBlocks returns every block currently tracked as live (Unallocated
// blocks already returned to the page resource are excluded), for a
// plan's release-phase sweep packets to iterate over.
func (s *Space) LiveBlocks() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Block, 0, len(s.live))
	for a := range s.live {
		out = append(out, Block{start: a})
	}
	return out
}

// State returns b's current block state.
func (s *Space) State(b Block) BlockState {
	return BlockState(s.blockState.Load(b.start))
}

func (s *Space) setBlockState(b Block, st BlockState) {
	s.blockState.Store(b.start, uint64(st))
}

// IsDefragSource reports whether b was chosen as a defragmentation source
// for the current GC.
func (s *Space) IsDefragSource(b Block) bool {
	return s.blockDefrag.Load(b.start) != 0
}

func (s *Space) setDefragSource(b Block, v bool) {
	if v {
		s.blockDefrag.Store(b.start, 1)
	} else {
		s.blockDefrag.Store(b.start, 0)
	}
}

// InDefrag reports whether the current GC is performing opportunistic
// evacuation at all.
func (s *Space) InDefrag() bool { return s.defragging.Load() }

// LineMarkState is the cyclic mark value lines must match to count as
// "marked this GC".
func (s *Space) LineMarkState() uint8 { return uint8(s.lineMarkState.Load()) }

func (s *Space) lineUnavail() uint8 { return uint8(s.lineUnavailState.Load()) }
