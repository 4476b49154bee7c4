package marksweep

import (
	"sync"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
)

// Prepare resets every live block's state from Marked/Available/Unswept
// back to Unmarked, the per-GC reset this space performs. Individual
// object mark bits are left as sweep last cleared them (or zero, for a
// never-yet-swept fresh block) and are overwritten bit-by-bit as tracing
// marks survivors.
func (s *Space) Prepare() {
	s.mu.Lock()
	blocks := make([]Block, 0, len(s.live))
	for _, b := range s.live {
		blocks = append(blocks, b)
	}
	s.mu.Unlock()

	for _, b := range blocks {
		s.setState(b, Unmarked)
	}
}

// returnBlock is the mutator-side half of release: hand a touched block
// back to its size class's Unswept pool.
func (s *Space) returnBlock(b Block) {
	s.setState(b, Unswept)
	pool := s.pools[b.Class()]
	pool.mu.Lock()
	pool.unswept = append(pool.unswept, b)
	pool.mu.Unlock()
}

// takeAvailable pops a ready-to-allocate block (and its free-cell list)
// from class's Available pool, sweeping Unswept blocks on demand (lazy
// sweep) if none are immediately Available.
func (s *Space) takeAvailable(class int) (Block, []address.Address, bool) {
	pool := s.pools[class]

	pool.mu.Lock()
	if n := len(pool.available); n > 0 {
		ready := pool.available[n-1]
		pool.available = pool.available[:n-1]
		pool.mu.Unlock()
		return ready, s.freeListFor(ready), true
	}
	pool.mu.Unlock()

	for {
		pool.mu.Lock()
		n := len(pool.unswept)
		if n == 0 {
			pool.mu.Unlock()
			return Block{}, nil, false
		}
		b := pool.unswept[n-1]
		pool.unswept = pool.unswept[:n-1]
		pool.mu.Unlock()

		free := s.SweepBlock(b)
		if len(free) > 0 {
			return b, free, true
		}
		s.reclaim(b)
	}
}

// freeListFor rebuilds the free-cell slice for a block already known to
// be Available (its live/dead boundary was already established by a
// prior SweepBlock call); used when an Available block is popped back out
// of the pool for more allocation.
func (s *Space) freeListFor(b Block) []address.Address {
	return s.SweepBlock(b)
}

// SweepBlock scans every cell in b against the mark-bit table, returning
// the addresses of dead (unmarked) cells as a fresh free list and clearing
// each cell's mark bit so it is ready for the next GC's tracing pass. If
// every cell is live the block's state becomes Available with an empty
// free list (full); if every cell is dead the caller should reclaim the
// whole block instead of requeuing it.
func (s *Space) SweepBlock(b Block) []address.Address {
	free := make([]address.Address, 0, b.NumCells())
	for i := 0; i < b.NumCells(); i++ {
		cell := b.CellAt(i)
		if s.IsMarked(cell) {
			s.mark.Store(cell, 0)
			continue
		}
		free = append(free, cell)
	}
	s.setState(b, Available)
	if len(free) == 0 {
		// Fully live: still Available, but with nothing to hand out until
		// the next GC frees something.
		return free
	}
	return free
}

// reclaim returns an entirely-dead block to the underlying page resource.
func (s *Space) reclaim(b Block) {
	s.mu.Lock()
	delete(s.live, b.start)
	s.mu.Unlock()
	s.blocks.ReleaseBlock(b.start)
}

// ReleaseCounter implements the release-counter: callers Add
// the number of release packets they are about to schedule, then Done
// once each completes; when the count returns to zero, onZero (if set)
// runs exactly once, matching Go's runtime sync.WaitGroup-with-completion
// idiom used for GC phase barriers in proc.go's STW sequencing.
type ReleaseCounter struct {
	mu     sync.Mutex
	n      int64
	onZero func()
}

// Add increments the outstanding release-packet count.
func (c *ReleaseCounter) Add(delta int64) {
	c.mu.Lock()
	c.n += delta
	c.mu.Unlock()
}

// Done decrements the count; once it reaches zero, onZero runs.
func (c *ReleaseCounter) Done() {
	c.mu.Lock()
	c.n--
	fire := c.n == 0 && c.onZero != nil
	f := c.onZero
	c.mu.Unlock()
	if fire {
		f()
	}
}

// SetOnZero installs the callback run when the counter reaches zero.
func (c *ReleaseCounter) SetOnZero(f func()) { c.onZero = f }
