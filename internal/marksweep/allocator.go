package marksweep

import "github.com/mmtk/mmtk-core-sub000/internal/address"

// Allocator is one mutator's thread-local mark-sweep front end: one
// current block plus its free-cell list per size class, matching the
// per-size-class mcache Go's runtime keeps per P in malloc.go.
type Allocator struct {
	space *Space

	current [len(sizeClasses)]Block
	free    [len(sizeClasses)][]address.Address
	hasCur  [len(sizeClasses)]bool

	// localBlocks accumulates every block this allocator has touched,
	// across every size class, returned to the space as a batch at
	// Release.
	localBlocks []Block
}

// NewAllocator builds an Allocator bound to space.
func NewAllocator(space *Space) *Allocator {
	return &Allocator{space: space}
}

// Alloc returns a fresh cell of at least size bytes, or address.Zero if
// the space is exhausted. size must not exceed the largest size class;
// the embedding plan is responsible for routing oversized requests to the
// large-object space instead.
func (a *Allocator) Alloc(size uintptr) address.Address {
	class := ClassForSize(size)
	if class < 0 {
		return address.Zero
	}
	if len(a.free[class]) > 0 {
		n := len(a.free[class])
		cell := a.free[class][n-1]
		a.free[class] = a.free[class][:n-1]
		return cell
	}
	return a.allocSlow(class)
}

// allocSlow refills the local free list for class from the space's
// available-block pool, or acquires a brand new clean block when the pool
// is empty, matching the block-list-per-size-class design.
func (a *Allocator) allocSlow(class int) address.Address {
	if b, free, ok := a.space.takeAvailable(class); ok {
		a.current[class] = b
		a.hasCur[class] = true
		a.free[class] = free
		a.localBlocks = append(a.localBlocks, b)
		return a.Alloc(CellSize(class))
	}

	b, free, ok := a.space.acquireBlockForClass(class)
	if !ok {
		return address.Zero
	}
	a.current[class] = b
	a.hasCur[class] = true
	a.free[class] = free
	a.localBlocks = append(a.localBlocks, b)
	return a.Alloc(CellSize(class))
}

// Release returns every block this allocator has touched back to the
// space's global pool as Unswept, the mutator-side half of the release
// step.
func (a *Allocator) Release() {
	for _, b := range a.localBlocks {
		a.space.returnBlock(b)
	}
	a.localBlocks = nil
	for i := range a.free {
		a.free[i] = nil
		a.hasCur[i] = false
	}
}
