package refproc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
)

func obj(n uintptr) address.ObjectReference {
	return address.ObjectReference(address.Address(n))
}

// TestScanDropsDeadKeepsLiveEnqueuesCleared exercises the quantified
// invariant over the weak table: after a scan, every reference is either
// removed (not live), kept with a live referent, or on the enqueue list
// with its referent cleared.
func TestScanDropsDeadKeepsLiveEnqueuesCleared(t *testing.T) {
	p := NewProcessor(Weak)

	liveRef, deadRef, clearedReferentRef := obj(0x1000), obj(0x2000), obj(0x3000)
	liveReferent, deadReferent := obj(0x4000), obj(0x5000)

	p.AddCandidate(liveRef, liveReferent)
	p.AddCandidate(deadRef, deadReferent)
	p.AddCandidate(clearedReferentRef, deadReferent)

	live := map[address.ObjectReference]bool{
		liveRef: true, liveReferent: true, clearedReferentRef: true,
	}
	trace := func(o address.ObjectReference) address.ObjectReference { return o }
	isLive := func(o address.ObjectReference) bool { return live[o] }

	p.Scan(trace, isLive)

	require.Equal(t, 1, p.Len(), "only the live-referent reference survives in the table")
	enqueued := p.DrainEnqueued()
	require.ElementsMatch(t, []address.ObjectReference{clearedReferentRef}, enqueued)
}

func TestScanAllOrderAndEmergencySkipsRetain(t *testing.T) {
	p := New()
	ref, referent := obj(0x10), obj(0x20)
	p.Soft.AddCandidate(ref, referent)

	retained := false
	trace := func(o address.ObjectReference) address.ObjectReference {
		if o == referent {
			retained = true
		}
		return o
	}
	isLive := func(o address.ObjectReference) bool { return o == ref }

	p.ScanAll(trace, isLive, true /* emergency */)
	require.False(t, retained, "emergency GC must skip the soft-reference retain pass")
}

func TestFinalizerQueue(t *testing.T) {
	q := NewFinalizerQueue()
	a, b := obj(0x100), obj(0x200)
	q.Add(Finalizable{Object: a})
	q.Add(Finalizable{Object: b})

	trace := func(o address.ObjectReference) address.ObjectReference { return o }
	isLive := func(o address.ObjectReference) bool { return o == a }

	q.Scan(trace, isLive)
	all := q.GetAllFinalizers()
	require.ElementsMatch(t, []Finalizable{{Object: b}}, all)

	_, ok := q.GetFinalizedObject()
	require.False(t, ok, "ready queue was drained by GetAllFinalizers")
}
