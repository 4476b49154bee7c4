package pageresource

import "github.com/mmtk/mmtk-core-sub000/internal/address"

// BlockPageResource grabs pages in fixed block-sized units, the grain the
// Immix and mark-sweep spaces allocate and release at (a Block). It is a
// thin multiple-of-pages wrapper around PageResource, matching the
// relationship between Go's runtime per-size-class mspan allocation and
// the underlying mheap page allocator.
type BlockPageResource struct {
	pr            *PageResource
	pagesPerBlock uintptr
}

// NewBlockPageResource wraps pr, handing out blocks of blockBytes each.
func NewBlockPageResource(pr *PageResource, blockBytes uintptr) *BlockPageResource {
	return &BlockPageResource{pr: pr, pagesPerBlock: blockBytes / address.BytesInPage}
}

// AcquireBlock returns the address of one committed block, or
// address.Zero on exhaustion. As with PageResource.AcquirePages, a reused
// block keeps its previous contents.
func (bpr *BlockPageResource) AcquireBlock() address.Address {
	return bpr.pr.AcquirePages(bpr.pagesPerBlock)
}

// ReleaseBlock returns a previously acquired block to the underlying page
// resource.
func (bpr *BlockPageResource) ReleaseBlock(a address.Address) {
	bpr.pr.ReleasePages(a, bpr.pagesPerBlock)
}

// PagesPerBlock reports the block granularity in pages.
func (bpr *BlockPageResource) PagesPerBlock() uintptr { return bpr.pagesPerBlock }
