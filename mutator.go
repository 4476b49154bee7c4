// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmtk

import "github.com/mmtk/mmtk-core-sub000/internal/mutator"

// BindMutator implements `bind_mutator(tls) -> Mutator`: constructs and
// registers a per-thread allocator bundle for tls, bound to this Mmtk's
// plan.
func (m *Mmtk) BindMutator(tls mutator.TLS) *mutator.Mutator {
	mu := mutator.Bind(tls, m.plan)
	m.mu.Lock()
	m.mutators[tls] = mu
	m.mu.Unlock()
	return mu
}

// DestroyMutator implements `destroy_mutator(m)`: flushes the mutator's
// write-barrier buffer into the shared SATB queue and drops it from the
// registry.
func (m *Mmtk) DestroyMutator(mu *mutator.Mutator) {
	mu.Destroy(m.plan.GlobalSATBQueue())
	m.mu.Lock()
	delete(m.mutators, mu.TLS())
	m.mu.Unlock()
}
