// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
)

// mmapRegion reserves chunks+1 chunks of real, process-private virtual
// address space via an anonymous PROT_NONE mmap and returns the
// chunk-aligned base, mirroring internal/immix's newTestSpace helper: a
// plan's spaces perform real mmap/mprotect syscalls through
// internal/mmapper, so a test needs a genuine unclaimed address range
// rather than an arbitrary fixed constant like mmtk.go's production
// heapBase.
func mmapRegion(t *testing.T, chunks int) address.Address {
	t.Helper()
	n := (chunks + 1) * address.BytesInChunk
	buf, err := unix.Mmap(-1, 0, n, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(buf) })
	return address.ChunkAlign(address.Address(uintptr(unsafe.Pointer(&buf[0]))).Add(address.BytesInChunk - 1))
}

const testObjSize = 64

// fakeObjectModel is a leaf object layout: fixed-size, no outgoing
// references, never pinned. Sufficient to exercise mark/sweep and
// promotion without modeling a real VM's field layout.
type fakeObjectModel struct{}

func (fakeObjectModel) Size(address.ObjectReference) uintptr { return testObjSize }

func (fakeObjectModel) CopyTo(dst address.Address, o address.ObjectReference) address.ObjectReference {
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(o.ToAddress()))), testObjSize)
	out := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dst))), testObjSize)
	copy(out, src)
	return address.ObjectReference(dst)
}

func (fakeObjectModel) IsPinned(address.ObjectReference) bool { return false }

func (fakeObjectModel) ScanChildren(address.ObjectReference, func(address.ObjectReference)) {}

// fakeRoots reports whatever root slice the test has set, so a test can
// decide which allocated objects should survive a collection.
type fakeRoots struct{ roots []address.ObjectReference }

func (r *fakeRoots) EnumerateRoots(enqueue func(address.ObjectReference)) {
	for _, o := range r.roots {
		enqueue(o)
	}
}

// newTestLOSAndImmortal carves one chunk each for a LOS and an Immortal
// space out of [start, ...), returning the address immediately past both
// so a caller can lay out its own main space beyond them.
func newTestLOSAndImmortal(log *zap.Logger, mapper *mmapper.Manager, start address.Address) (*LOS, *Immortal, address.Address) {
	losStart := start
	immortalStart := address.AlignUp(losStart.Add(address.PagesInChunk*address.BytesInPage), address.BytesInChunk)
	los := NewLOS(log, mapper, losStart, address.PagesInChunk)
	immortal := NewImmortal(log, mapper, immortalStart, address.PagesInChunk)
	next := address.AlignUp(immortalStart.Add(address.PagesInChunk*address.BytesInPage), address.BytesInChunk)
	return los, immortal, next
}
