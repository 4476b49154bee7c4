package marksweep

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
	"github.com/mmtk/mmtk-core-sub000/internal/pageresource"
	"github.com/mmtk/mmtk-core-sub000/internal/sidemetadata"
)

const blockBytes = 32 * 1024

func markSpec() sidemetadata.Spec {
	return sidemetadata.Spec{Name: "ms-mark", Global: false, LogBitsPerEntry: 0, LogBytesPerRegion: 3}
}

func blockStateSpec() sidemetadata.Spec {
	return sidemetadata.Spec{Name: "ms-block-state", Global: false, LogBitsPerEntry: 3, LogBytesPerRegion: 15}
}

// classPool is the per-size-class bookkeeping: blocks ready to satisfy
// allocation (Available) and blocks waiting for a sweep pass (Unswept).
type classPool struct {
	mu        sync.Mutex
	available []Block
	unswept   []Block
}

// Space is one mark-sweep managed heap region, serving every size class
// from a single block-granularity page resource.
type Space struct {
	log *zap.Logger

	blocks *pageresource.BlockPageResource

	mark       *sidemetadata.Table
	blockState *sidemetadata.Table

	pools [len(sizeClasses)]*classPool

	mu   sync.Mutex
	live map[address.Address]Block

	release ReleaseCounter
}

// New constructs a mark-sweep Space over totalPages pages starting at
// start, with its metadata tables rooted at metaBase.
func New(log *zap.Logger, mapper *mmapper.Manager, metaBase, start address.Address, totalPages uintptr) *Space {
	dataLen := totalPages * address.BytesInPage
	pr := pageresource.New(log, mapper, mmapper.AnnotationMarkSweep, start, totalPages)
	s := &Space{
		log:        log,
		blocks:     pageresource.NewBlockPageResource(pr, blockBytes),
		mark:       sidemetadata.NewTable(markSpec(), mapper, metaBase, start, dataLen),
		blockState: sidemetadata.NewTable(blockStateSpec(), mapper, metaBase.Add(address.BytesInChunk), start, dataLen),
		live:       make(map[address.Address]Block),
	}
	for i := range s.pools {
		s.pools[i] = &classPool{}
	}
	return s
}

// acquireBlockForClass gets a fresh block from the page resource, carves
// it into fixed cellSize cells for class i, and threads its free list
// through the cells, the way Go's runtime mspan does for a newly
// allocated span in a given size class.
func (s *Space) acquireBlockForClass(class int) (Block, []address.Address, bool) {
	a := s.blocks.AcquireBlock()
	if a.IsZero() {
		return Block{}, nil, false
	}
	cellSize := CellSize(class)
	numCells := int(blockBytes / cellSize)
	b := Block{start: a, class: class, cellSize: cellSize, numCells: numCells}

	s.mark.ZeroRange(a, blockBytes)
	s.blockState.Store(a, uint64(Unmarked))

	s.mu.Lock()
	s.live[a] = b
	s.mu.Unlock()

	free := make([]address.Address, numCells)
	for i := 0; i < numCells; i++ {
		free[i] = b.CellAt(i)
	}
	return b, free, true
}

// BlockOf returns the Block containing a cell address a; a must have been
// returned by this space's allocator.
func (s *Space) BlockOf(a address.Address) (Block, bool) {
	aligned := address.AlignDown(a, blockBytes)
	s.mu.Lock()
	b, ok := s.live[aligned]
	s.mu.Unlock()
	return b, ok
}

// State returns b's current BlockState.
func (s *Space) State(b Block) BlockState { return BlockState(s.blockState.Load(b.start)) }

func (s *Space) setState(b Block, st BlockState) { s.blockState.Store(b.start, uint64(st)) }

// AttemptMark CASes o's mark bit from 0 to 1, returning true the first
// time any thread marks it. On the first successful mark within a block,
// the block transitions Unmarked -> Marked.
func (s *Space) AttemptMark(o address.Address) bool {
	if !s.mark.CompareAndSwap(o, 0, 1) {
		return false
	}
	b, ok := s.BlockOf(o)
	if ok && s.State(b) == Unmarked {
		s.setState(b, Marked)
	}
	return true
}

// IsMarked reports whether o's mark bit is set.
func (s *Space) IsMarked(o address.Address) bool { return s.mark.AtomicLoad(o) != 0 }

// Queue receives objects that survive tracing.
type Queue interface {
	Enqueue(o address.Address)
}

// Trace implements the non-moving trace step: mark o and, the first time
// it is marked, enqueue it for child scanning.
func (s *Space) Trace(o address.Address, q Queue) {
	if s.AttemptMark(o) {
		q.Enqueue(o)
	}
}

// ReleaseCounter returns the space's release-packet completion counter,
// shared by every mutator's Release call and the space-level sweep packet.
func (s *Space) ReleaseCounter() *ReleaseCounter { return &s.release }
