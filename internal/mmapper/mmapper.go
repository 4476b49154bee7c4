package mmapper

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
)

// ErrMmapFailure is the sentinel for a failed virtual memory operation:
// the OS refused the mmap/mprotect call. Manager's public methods return
// it wrapped with the offending range rather than panicking; the callers
// in this module treat it as fatal and panic after logging. Tests can
// assert on the failure without tearing down the process.
var ErrMmapFailure = errors.New("mmapper: mmap failure")

// entry is the per-chunk bookkeeping this manager keeps. It only needs the
// MapState; Go's runtime mheap.go keeps far more per-arena state (bitmaps,
// span maps) because it IS the thing consulted for object layout, whereas
// this manager only answers "is this chunk's virtual memory mapped".
type entry struct {
	state MapState
}

// Manager is the chunk-state mmap manager. One mutex covers the whole
// transition table: transitions are rare relative to object operations,
// so contention is acceptable, matching Go's runtime single mheap.lock
// covering allspans/arena bookkeeping.
type Manager struct {
	mu     sync.Mutex
	log    *zap.Logger
	base   address.Address // start of the managed address range
	chunks []entry         // one entry per chunk; see NewByteMap / two-level notes below

	// twoLevel, when non-nil, backs chunks lazily in slabs instead of a
	// flat array, matching the two-level storage variant used for 64-bit
	// targets. When set, the flat `chunks` slice above is unused.
	twoLevel *twoLevelChunks
}

const slabChunkCount = 1 << 16 // chunks per lazily-allocated slab

// twoLevelChunks is an array of slab pointers, each covering
// slabChunkCount contiguous chunks, allocated lazily on first use. Slab
// allocation is guarded by Manager.mu (the same single lock that guards
// all transitions), which gives once-init acquire/release ordering
// without a separate atomic cell.
type twoLevelChunks struct {
	slabs []*[slabChunkCount]entry
}

func (tl *twoLevelChunks) get(idx uintptr) *entry {
	slabIdx := idx / slabChunkCount
	within := idx % slabChunkCount
	if slabIdx >= uintptr(len(tl.slabs)) {
		grown := make([]*[slabChunkCount]entry, slabIdx+1)
		copy(grown, tl.slabs)
		tl.slabs = grown
	}
	if tl.slabs[slabIdx] == nil {
		tl.slabs[slabIdx] = &[slabChunkCount]entry{}
	}
	return &tl.slabs[slabIdx][within]
}

// NewByteMap constructs a Manager backed by a flat array indexed by chunk
// number, sized for addressRangeBytes starting at base. Intended for
// 32-bit targets, where the chunk count is small enough that a flat array
// is cheap.
func NewByteMap(log *zap.Logger, base address.Address, addressRangeBytes uintptr) *Manager {
	nChunks := (addressRangeBytes + address.BytesInChunk - 1) / address.BytesInChunk
	return &Manager{log: log, base: base, chunks: make([]entry, nChunks)}
}

// NewTwoLevel constructs a Manager backed by lazily-allocated slabs,
// matching the 64-bit storage variant. The managed range may be
// arbitrarily large since slabs are only allocated for chunk ranges
// actually touched.
func NewTwoLevel(log *zap.Logger, base address.Address) *Manager {
	return &Manager{log: log, base: base, twoLevel: &twoLevelChunks{}}
}

func (m *Manager) entryAt(idx uintptr) *entry {
	if m.twoLevel != nil {
		return m.twoLevel.get(idx)
	}
	return &m.chunks[idx]
}

func (m *Manager) chunkIndex(a address.Address) uintptr {
	return address.ChunkIndex(a, m.base)
}

// chunkRange returns the inclusive [firstChunk, lastChunk] indices covered
// by the byte range [start, start+length).
func (m *Manager) chunkRange(start address.Address, length uintptr) (first, last uintptr) {
	first = m.chunkIndex(address.ChunkAlign(start))
	end := start.Add(length - 1)
	last = m.chunkIndex(address.ChunkAlign(end))
	return
}

// GetState returns the current MapState of the chunk containing a.
func (m *Manager) GetState(a address.Address) MapState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entryAt(m.chunkIndex(a)).state
}

// IsMappedAddress reports whether a's chunk is currently Mapped.
func (m *Manager) IsMappedAddress(a address.Address) bool {
	return m.GetState(a) == Mapped
}

// MarkAsMapped force-sets every chunk in [start, start+length) to Mapped
// with no syscall, for VM-owned memory the host already mapped itself
// (e.g. the vm_space_start/vm_space_size option).
func (m *Manager) MarkAsMapped(start address.Address, length uintptr) {
	m.transition(start, length, eventMarkAsMapped, AnnotationImmixSpace)
}

// Quarantine transitions every chunk in [start, start+length) to
// Quarantined, reserving address space with PROT_NONE so nothing else can
// claim it but without committing physical pages.
func (m *Manager) Quarantine(start address.Address, length uintptr, _ Strategy, annotation Annotation) error {
	return m.transition(start, length, eventQuarantine, annotation)
}

// EnsureMapped transitions every chunk in [start, start+length) to Mapped,
// performing a demand-zero mmap or an mprotect restore as the prior state
// requires. Calling EnsureMapped twice on the same range issues the OS
// syscall at most once (the second call observes Mapped and no-ops).
//
// When the prior state was Protected, this restores access via mprotect
// rather than remapping, so whether the original contents survived the
// protect/ensure_mapped round trip is OS-dependent and NOT guaranteed by
// this implementation.
func (m *Manager) EnsureMapped(start address.Address, length uintptr, annotation Annotation) error {
	return m.transition(start, length, eventEnsureMapped, annotation)
}

// Protect transitions every chunk in [start, start+length) to Protected
// via mprotect(PROT_NONE). A subsequent access faults until EnsureMapped
// restores it.
func (m *Manager) Protect(start address.Address, length uintptr) error {
	return m.transition(start, length, eventProtect, "")
}

// transition drives the per-chunk state machine over [start, start+length),
// grouping contiguous chunks that share a source state into one syscall
// (a "bulk transition") rather than issuing one syscall per chunk.
func (m *Manager) transition(start address.Address, length uintptr, ev event, annotation Annotation) error {
	if length == 0 {
		return nil
	}
	first, last := m.chunkRange(start, length)

	m.mu.Lock()
	defer m.mu.Unlock()

	i := first
	for i <= last {
		from := m.entryAt(i).state
		to, needsSyscall, ok := legalTransition(from, ev)
		if !ok {
			m.log.Panic("illegal chunk-state transition",
				zap.String("from", from.String()),
				zap.Uint64("chunk", uint64(i)),
			)
		}

		// Group contiguous chunks sharing the same source state into one
		// syscall.
		groupEnd := i
		for groupEnd+1 <= last && m.entryAt(groupEnd+1).state == from {
			groupEnd++
		}

		if needsSyscall {
			groupStart := m.base.Add(i * address.BytesInChunk)
			groupLen := (groupEnd - i + 1) * address.BytesInChunk
			if err := m.doSyscall(from, to, groupStart, groupLen); err != nil {
				return errors.Wrapf(err, "mmapper: %s->%s over chunks [%d,%d] (%s)", from, to, i, groupEnd, annotation)
			}
		}

		for j := i; j <= groupEnd; j++ {
			m.entryAt(j).state = to
		}
		i = groupEnd + 1
	}
	return nil
}

// doSyscall performs the single OS action the chunk-state transition table
// associates with (from, to), replacing Go's runtime assembly mmap/munmap
// stubs (mmap.go) with real syscalls via golang.org/x/sys/unix.
// golang.org/x/sys/unix's higher-level Mmap/Mprotect wrappers operate on
// Go byte slices and don't expose MAP_FIXED at an arbitrary caller-chosen
// address, so the raw mmap(2)/mprotect(2) syscalls are issued directly via
// unix.Syscall6/unix.Syscall, the same pattern low-level memory-mapped
// allocators use for fixed-address reservations.
func (m *Manager) doSyscall(from, to MapState, start address.Address, length uintptr) error {
	addr := start.AsUintptr()
	switch {
	case from == Unmapped && to == Quarantined:
		return mmapFixed(addr, length, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED|unix.MAP_NORESERVE)
	case (from == Unmapped || from == Quarantined) && to == Mapped:
		return mmapFixed(addr, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED)
	case from == Protected && to == Mapped:
		return mprotectAt(addr, length, unix.PROT_READ|unix.PROT_WRITE)
	case from == Mapped && to == Protected:
		return mprotectAt(addr, length, unix.PROT_NONE)
	default:
		return nil
	}
}

// mmapFixed issues mmap(2) at exactly addr, failing if the kernel can't
// honor MAP_FIXED there.
func mmapFixed(addr, length uintptr, prot, flags int) error {
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return errors.Wrap(ErrMmapFailure, errno.Error())
	}
	if r1 != addr {
		unix.Syscall(unix.SYS_MUNMAP, r1, length, 0)
		return errors.Wrap(ErrMmapFailure, "mmap returned a different address than requested")
	}
	return nil
}

// mprotectAt issues mprotect(2) over [addr, addr+length).
func mprotectAt(addr, length uintptr, prot int) error {
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, addr, length, uintptr(prot))
	if errno != 0 {
		return errors.Wrap(ErrMmapFailure, errno.Error())
	}
	return nil
}
