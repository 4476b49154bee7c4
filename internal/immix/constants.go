// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package immix implements the block/line mark-region space, the hardest
// single policy in the system: tri-state block lifecycles, hole-searching
// recyclable-line allocation, and opportunistic evacuation of objects out
// of defragmentation-source blocks. The allocation fast path's
// cursor/limit bump-then-fallback shape is lifted from Go's runtime
// per-size-class cache in mcache/mfixalloc.go; the block lifecycle states
// mirror mheap.go's mSpanFree/mSpanInUse/mSpanManual transitions,
// generalized to the four-state Unallocated/Unmarked/Marked/Reusable
// machine Immix blocks use.
package immix

import "github.com/mmtk/mmtk-core-sub000/internal/address"

const (
	LogBytesInLine  = 8 // 256-byte lines
	BytesInLine     = 1 << LogBytesInLine
	LogBytesInBlock = 15 // 32 KiB blocks
	BytesInBlock    = 1 << LogBytesInBlock
	LinesInBlock    = BytesInBlock / BytesInLine

	// MaxImmixObjectSize matches the "exactly equal to
	// MAX_IMMIX_OBJECT_SIZE goes to the Immix space" boundary.
	MaxImmixObjectSize = address.BytesInPage

	// markObjectGranule is the alignment assumed for the per-object mark
	// bit side metadata: every object start is at least 8-byte aligned.
	markObjectGranule = 8

	// resetMarkState and maxMarkState bound the cyclic line-mark scheme:
	// the line mark state counts up from resetMarkState once per GC and is
	// forced back to resetMarkState after passing maxMarkState, which
	// stays within a line-mark byte.
	resetMarkState = 1
	maxMarkState    = 250
)
