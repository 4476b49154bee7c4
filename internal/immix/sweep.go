package immix

import "github.com/mmtk/mmtk-core-sub000/internal/address"

// Prepare runs at the start of a GC (the "prepare" step): every live
// block transitions from Marked back to Unmarked so tracing can re-mark
// survivors, and the cyclic line_mark_state advances, snapshotting the
// old value as line_unavail_state so lines marked by either of the last
// two GCs are treated as unavailable for fresh allocation (the
// "conservative" line reuse rule).
func (s *Space) Prepare(doDefrag bool, threshold int) {
	s.mu.Lock()
	blocks := make([]address.Address, 0, len(s.live))
	for a := range s.live {
		blocks = append(blocks, a)
	}
	s.mu.Unlock()

	for _, a := range blocks {
		b := Block{start: a}
		if s.State(b) == Marked {
			s.setBlockState(b, Unmarked)
		}
	}

	prev := s.lineMarkState.Load()
	s.lineUnavailState.Store(prev)
	next := prev + 1
	if next > maxMarkState {
		next = resetMarkState
	}
	s.lineMarkState.Store(next)

	s.defragging.Store(doDefrag)
	s.spillThreshold.Store(int64(threshold))
	s.mu.Lock()
	s.histogram = make(map[int]int)
	s.copyCursor, s.copyLimit = address.Zero, address.Zero
	s.mu.Unlock()

	if doDefrag && threshold > 0 {
		for _, a := range blocks {
			b := Block{start: a}
			s.setDefragSource(b, s.blockHoles(b) > threshold)
		}
	} else {
		for _, a := range blocks {
			s.setDefragSource(Block{start: a}, false)
		}
	}
}

// blockHoles counts the number of distinct unavailable-line runs in b,
// the "hole count" the defrag-source decision references. A block with
// zero holes is either completely empty or completely full; either way
// it is not an attractive defrag source.
func (s *Space) blockHoles(b Block) int {
	current := s.LineMarkState()
	unavail := s.lineUnavail()
	holes := 0
	inHole := false
	for i := 0; i < LinesInBlock; i++ {
		avail := !isUnavailable(s.lineMark.Load(b.LineStart(i)), current, unavail)
		if avail && !inHole {
			holes++
			inHole = true
		} else if !avail {
			inHole = false
		}
	}
	return holes
}

// recordHistogram records b's hole count into the per-GC histogram that
// DecideDefragThreshold consults for the next collection.
func (s *Space) recordHistogram(holes int) {
	s.mu.Lock()
	s.histogram[holes]++
	s.mu.Unlock()
}

// DecideDefragThreshold computes the adaptive hole-count threshold for the
// NEXT defrag GC from the current GC's completed mark histogram: the
// largest hole count h such that the blocks with h or more holes number
// at least headroomBlocks, or 1 when no h reaches that count. It returns
// 0 when headroomBlocks is not positive or the histogram is empty. A
// minimal, monotone stand-in for MMTk's full
// spill-avail-blocks computation, grounded on the same inputs.
func (s *Space) DecideDefragThreshold(headroomBlocks int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if headroomBlocks <= 0 || len(s.histogram) == 0 {
		return 0
	}
	maxHoles := 0
	for h := range s.histogram {
		if h > maxHoles {
			maxHoles = h
		}
	}
	acc := 0
	for h := maxHoles; h >= 1; h-- {
		acc += s.histogram[h]
		if acc >= headroomBlocks {
			return h
		}
	}
	return 1
}

// Sweep is the per-block release work packet: a block
// with no marked lines returns to the page resource as Unallocated; a
// block with some free lines becomes Reusable and rejoins the pool; a
// fully-marked block stays Marked. Blocks that are Unmarked (never
// survived tracing at all) are also freed. Returns the block's new state.
func (s *Space) Sweep(b Block) BlockState {
	st := s.State(b)
	if st == Unmarked {
		s.freeBlock(b)
		return Unallocated
	}

	holes := s.blockHoles(b)
	s.recordHistogram(holes)

	allMarked := s.allLinesMarked(b)
	switch {
	case allMarked:
		s.setBlockState(b, Marked)
		return Marked
	case s.blockFullyDead(b):
		s.freeBlock(b)
		return Unallocated
	default:
		s.setBlockState(b, Reusable)
		s.pushReusable(b)
		return Reusable
	}
}

func (s *Space) allLinesMarked(b Block) bool {
	current := s.LineMarkState()
	for i := 0; i < LinesInBlock; i++ {
		if uint8(s.lineMark.Load(b.LineStart(i))) != current {
			return false
		}
	}
	return true
}

func (s *Space) blockFullyDead(b Block) bool {
	current := s.LineMarkState()
	unavail := s.lineUnavail()
	for i := 0; i < LinesInBlock; i++ {
		if isUnavailable(s.lineMark.Load(b.LineStart(i)), current, unavail) {
			return false
		}
	}
	return true
}

func (s *Space) freeBlock(b Block) {
	s.mu.Lock()
	delete(s.live, b.start)
	s.mu.Unlock()
	s.blocks.ReleaseBlock(b.start)
}

// LinesConsumed reports the running total of lines handed out by
// allocSlowHot's hole search.
func (s *Space) LinesConsumed() int64 { return s.linesConsumed.Load() }
