// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
	"github.com/mmtk/mmtk-core-sub000/internal/pageresource"
)

const immortalBlockBytes = 256 * 1024

// Immortal is a bump-pointer space that is never swept: objects allocated
// here (the `Immortal`/`NonMoving` mutator.Semantics) live until the
// process exits, matching original_source's immortalspace.rs / Go's
// runtime permanent arena allocations in malloc.go that are carved out
// once and never freed (e.g. persistentalloc). Tracing still needs to
// visit its objects to find roots reachable only through it, so it takes
// part in Prepare and exposes a mark bit; it has no Release step and never
// returns memory to the page resource.
type Immortal struct {
	log *zap.Logger
	pr  *pageresource.BlockPageResource

	mu             sync.Mutex
	cursor, limit  address.Address
	marks          map[address.Address]bool
	objectStarts   []address.Address // every allocation start, for IsLive/child scanning
}

// NewImmortal constructs an Immortal space over totalPages pages.
func NewImmortal(log *zap.Logger, mapper *mmapper.Manager, start address.Address, totalPages uintptr) *Immortal {
	pr := pageresource.New(log, mapper, mmapper.AnnotationImmixSpace, start, totalPages)
	return &Immortal{
		log:   log,
		pr:    pageresource.NewBlockPageResource(pr, immortalBlockBytes),
		marks: make(map[address.Address]bool),
	}
}

// Alloc bump-allocates size bytes aligned to align/offset, acquiring a
// fresh block from the page resource when the current one is exhausted.
func (im *Immortal) Alloc(size, align, offset uintptr) address.Address {
	im.mu.Lock()
	defer im.mu.Unlock()

	aligned := address.AlignUpOffset(im.cursor, align, offset)
	newCursor := aligned.Add(size)
	if !im.limit.IsZero() && newCursor.LE(im.limit) {
		im.cursor = newCursor
		im.objectStarts = append(im.objectStarts, aligned)
		return aligned
	}
	b := im.pr.AcquireBlock()
	if b.IsZero() {
		return address.Zero
	}
	im.cursor = b
	im.limit = b.Add(immortalBlockBytes)
	aligned = address.AlignUpOffset(im.cursor, align, offset)
	newCursor = aligned.Add(size)
	if newCursor.GT(im.limit) {
		return address.Zero
	}
	im.cursor = newCursor
	im.objectStarts = append(im.objectStarts, aligned)
	return aligned
}

// Name satisfies sft.SFT.
func (im *Immortal) Name() string { return "immortal-space" }

// InSpace reports whether a was handed out by Alloc (a coarse but correct
// check given this space never frees a block mid-life).
func (im *Immortal) InSpace(a address.Address) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	for _, s := range im.objectStarts {
		if a.EQ(s) {
			return true
		}
	}
	return false
}

// Mark sets o's mark bit, returning true the first time.
func (im *Immortal) Mark(o address.ObjectReference) bool {
	a := o.ToAddress()
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.marks[a] {
		return false
	}
	im.marks[a] = true
	return true
}

// IsLive satisfies sft.SFT.
func (im *Immortal) IsLive(o address.ObjectReference) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.marks[o.ToAddress()]
}

// Prepare clears every mark bit ahead of a new GC.
func (im *Immortal) Prepare() {
	im.mu.Lock()
	defer im.mu.Unlock()
	for a := range im.marks {
		delete(im.marks, a)
	}
}

// ObjectStarts returns every allocation this space has ever handed out,
// for a plan's closure-bucket packets to use as additional roots (an
// immortal object can hold the only reference to a movable object).
func (im *Immortal) ObjectStarts() []address.Address {
	im.mu.Lock()
	defer im.mu.Unlock()
	out := make([]address.Address, len(im.objectStarts))
	copy(out, im.objectStarts)
	return out
}
