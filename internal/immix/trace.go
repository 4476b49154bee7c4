package immix

import (
	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/forwarding"
)

// Queue receives objects that survive tracing so the scheduler's closure
// bucket can scan their children next.
type Queue interface {
	Enqueue(o address.ObjectReference)
}

// CopyContext allocates space for an object being evacuated out of a
// defrag source block and copies its bytes; ObjectSize and CopyBytes are
// supplied by the embedding VM/plan since this package has no notion of
// object layout.
type CopyContext interface {
	ObjectSize(o address.ObjectReference) uintptr
	CopyBytes(dst address.Address, o address.ObjectReference)
}

// attemptMark CASes the mark bit for o from !current to current, returning
// true if this call performed the transition (i.e. the caller is the
// thread that first marked o).
func (s *Space) attemptMark(o address.ObjectReference, current uint64) bool {
	a := o.ToAddress()
	for {
		old := s.mark.AtomicLoad(a)
		if old == current {
			return false
		}
		if s.mark.CompareAndSwap(a, old, current) {
			return true
		}
	}
}

// IsMarked reports whether o's mark bit already equals state.
func (s *Space) IsMarked(o address.ObjectReference, state uint64) bool {
	return s.mark.AtomicLoad(o.ToAddress()) == state
}

// TraceFast implements trace_object_without_moving: a
// non-moving mark that also updates the block's line marks and state.
func (s *Space) TraceFast(o address.ObjectReference, objEnd address.Address, current uint64, q Queue) address.ObjectReference {
	if s.attemptMark(o, current) {
		s.MarkLinesForObject(o.ToAddress(), objEnd)
		b := BlockOf(o.ToAddress())
		s.setBlockState(b, Marked)
		q.Enqueue(o)
	}
	return o
}

// TraceDefrag implements trace_object_with_opportunistic_copy.
// Objects in a non-defrag-source block fall back to TraceFast. Objects
// already marked, or when the defrag space is exhausted, or pinned, are
// kept in place and marked rather than copied. Otherwise the forwarding
// right is won via fwd, the object is copied into a block supplied by cc,
// and the new location is published and enqueued.
func (s *Space) TraceDefrag(o address.ObjectReference, objEnd address.Address, current uint64, q Queue, cc CopyContext, isPinned func(address.ObjectReference) bool, defragExhausted func() bool) address.ObjectReference {
	b := BlockOf(o.ToAddress())
	if !s.IsDefragSource(b) {
		return s.TraceFast(o, objEnd, current, q)
	}

	prior := s.fwd.AttemptToForward(o)
	switch prior {
	case forwarding.BeingForwarded:
		return address.ObjectReference(s.fwd.SpinAndReadForwarded(o).ToAddress())
	case forwarding.Forwarded:
		return address.ObjectReference(s.fwd.ReadForwarded(o).ToAddress())
	}

	if s.IsMarked(o, current) || defragExhausted() || isPinned(o) {
		s.attemptMark(o, current)
		s.fwd.AbortForward(o)
		s.setBlockState(b, Marked)
		return o
	}

	size := cc.ObjectSize(o)
	dst, ok := s.allocCopy(size)
	if !ok {
		// Defrag space exhausted mid-copy: fall back to keeping o in place.
		s.attemptMark(o, current)
		s.fwd.AbortForward(o)
		s.setBlockState(b, Marked)
		return o
	}
	cc.CopyBytes(dst, o)
	newO := address.ObjectReference(dst)
	s.fwd.Publish(o, newO)
	s.setBlockState(BlockOf(dst), Marked)
	q.Enqueue(newO)
	return newO
}

// allocCopy bump-allocates size bytes for an evacuated object out of the
// space's shared defrag target block, acquiring a fresh clean block when
// the current one is full. Guarded by copyMu so concurrent GC workers
// performing opportunistic copies in parallel share target blocks safely,
// so many small survivors land packed into few clean blocks.
func (s *Space) allocCopy(size uintptr) (address.Address, bool) {
	s.copyMu.Lock()
	defer s.copyMu.Unlock()

	aligned := address.AlignUp(s.copyCursor, markObjectGranule)
	newCursor := aligned.Add(size)
	if !s.copyLimit.IsZero() && newCursor.LE(s.copyLimit) {
		s.copyCursor = newCursor
		return aligned, true
	}
	b, ok := s.AcquireCleanBlock()
	if !ok {
		return address.Zero, false
	}
	s.copyCursor = b.Start()
	s.copyLimit = b.End()
	aligned = address.AlignUp(s.copyCursor, markObjectGranule)
	newCursor = aligned.Add(size)
	if newCursor.GT(s.copyLimit) {
		return address.Zero, false
	}
	s.copyCursor = newCursor
	return aligned, true
}
