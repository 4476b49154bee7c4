package forwarding

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
	"github.com/mmtk/mmtk-core-sub000/internal/sidemetadata"
)

func newTestProtocol(t *testing.T) (*Protocol, address.Address) {
	t.Helper()
	dataBuf, err := unix.Mmap(-1, 0, 2*address.BytesInChunk, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(dataBuf) })
	dataBase := address.ChunkAlign(address.Address(uintptr(unsafe.Pointer(&dataBuf[0]))).Add(address.BytesInChunk - 1))

	metaBuf, err := unix.Mmap(-1, 0, 2*address.BytesInChunk, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(metaBuf) })
	metaBase := address.ChunkAlign(address.Address(uintptr(unsafe.Pointer(&metaBuf[0]))).Add(address.BytesInChunk - 1))

	log := zap.NewNop()
	mapper := mmapper.NewTwoLevel(log, metaBase)
	stateTable := sidemetadata.NewTable(StateSpec(), mapper, metaBase, dataBase, address.BytesInChunk)
	ptrTable := sidemetadata.NewTable(PointerSpec(), mapper, metaBase.Add(address.BytesInChunk), dataBase, address.BytesInChunk)
	return NewProtocol(stateTable, ptrTable), dataBase
}

func TestForwardingSingleThreadedCopy(t *testing.T) {
	p, dataBase := newTestProtocol(t)
	o := address.ObjectReference(dataBase.Add(64))
	newLoc := address.ObjectReference(dataBase.Add(4096))

	prior := p.AttemptToForward(o)
	require.Equal(t, NotForwarded, prior)

	p.Publish(o, newLoc)
	require.True(t, p.IsForwardedOrBeingForwarded(o))
	require.Equal(t, newLoc, p.ReadForwarded(o))

	// Subsequent attempts immediately observe Forwarded.
	require.Equal(t, Forwarded, p.AttemptToForward(o))
}

func TestForwardingAbort(t *testing.T) {
	p, dataBase := newTestProtocol(t)
	o := address.ObjectReference(dataBase.Add(128))

	require.Equal(t, NotForwarded, p.AttemptToForward(o))
	p.AbortForward(o)
	require.False(t, p.IsForwardedOrBeingForwarded(o))
	// The forwarding right can be re-acquired after an abort.
	require.Equal(t, NotForwarded, p.AttemptToForward(o))
}

// TestForwardingRace exercises two workers racing AttemptToForward on the
// same object: exactly one must win.
func TestForwardingRace(t *testing.T) {
	p, dataBase := newTestProtocol(t)
	o := address.ObjectReference(dataBase.Add(256))
	newLoc := address.ObjectReference(dataBase.Add(8192))

	var wg sync.WaitGroup
	results := make([]State, 2)
	var ready sync.WaitGroup
	ready.Add(2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ready.Done()
			<-start
			results[idx] = p.AttemptToForward(o)
		}(i)
	}
	ready.Wait()
	close(start)
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r == NotForwarded {
			winners++
		}
	}
	require.Equal(t, 1, winners, "exactly one worker must win the forwarding race")

	// The winner publishes; the loser, having observed BeingForwarded or
	// Forwarded, must end up reading the same new address.
	p.Publish(o, newLoc)
	require.Equal(t, newLoc, p.SpinAndReadForwarded(o))
}
