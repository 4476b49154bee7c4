package address

// These mirror original_source/src/util/constants.rs: the handful of
// log2-scaled numeric constants that every other component derives its own
// shift arithmetic from.
const (
	// LogBytesInAddress is log2(size of a machine word in bytes). The
	// collector only targets 64-bit hosts (see mmapper's two-level map),
	// matching original_source's LOG_BYTES_IN_ADDRESS on 64-bit targets.
	LogBytesInAddress = 3
	BytesInAddress    = 1 << LogBytesInAddress

	// LogBytesInPage / BytesInPage are the OS page granularity the page
	// resource (component D) and the mmap manager (component C) reason in.
	LogBytesInPage = 12
	BytesInPage    = 1 << LogBytesInPage

	// LogBytesInChunk / BytesInChunk is the virtual-memory reservation
	// unit ("Chunk"): a fixed power-of-two-sized region.
	LogBytesInChunk = 22 // 4 MiB.
	BytesInChunk    = 1 << LogBytesInChunk
	PagesInChunk    = BytesInChunk / BytesInPage

	// MaxImmixObjectSize bounds the Immix/large-object boundary: an object
	// of exactly this size is Immix-allocated; one byte larger goes to the
	// large-object space.
	MaxImmixObjectSize = BytesInPage // 4096, a conservative single-page cap.
)

// ChunkIndex returns the chunk number containing a, relative to heapStart.
func ChunkIndex(a Address, heapStart Address) uintptr {
	return uintptr(a.Diff(heapStart)) >> LogBytesInChunk
}

// ChunkAlign aligns a down to its containing chunk's start address.
func ChunkAlign(a Address) Address {
	return AlignDown(a, BytesInChunk)
}
