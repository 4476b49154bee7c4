// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Scheduler drives the ordered bucket DAG defined in bucket.go with a pool
// of worker goroutines, coordinated the way Go's runtime coordinates GC
// workers in proc.go's gcBgMarkWorker loop: a condition variable wakes
// parked workers whenever new work appears or a bucket's state changes,
// and the pool as a whole is done once every bucket has drained with no
// worker holding undelivered local work.
type Scheduler struct {
	log     *zap.Logger
	buckets [numBuckets]*Bucket

	numWorkers int
	workers    []*Worker

	cond    *sync.Cond
	mu      sync.Mutex
	idle    int  // count of workers currently parked
	stopped bool
}

// New builds a Scheduler with numWorkers pool members. Unconstrained opens
// immediately; every other bucket starts Closed until its prerequisites
// drain.
func New(log *zap.Logger, numWorkers int) *Scheduler {
	if numWorkers < 1 {
		numWorkers = 1
	}
	s := &Scheduler{log: log, numWorkers: numWorkers}
	s.mu = sync.Mutex{}
	s.cond = sync.NewCond(&s.mu)
	for id := BucketID(0); id < numBuckets; id++ {
		initial := Closed
		if id == Unconstrained {
			initial = Open
		}
		s.buckets[id] = newBucket(id, initial)
	}
	s.workers = make([]*Worker, numWorkers)
	for i := range s.workers {
		s.workers[i] = &Worker{id: i, sched: s}
	}
	return s
}

// Bucket returns the named bucket so callers can Add/BulkAdd work or set a
// Sentinel before a run, and so plans can inspect bucket state between
// runs.
func (s *Scheduler) Bucket(id BucketID) *Bucket { return s.buckets[id] }

// SetSentinel installs b's sentinel closure.
func (s *Scheduler) SetSentinel(id BucketID, fn Sentinel) {
	s.buckets[id].sentinel = fn
}

// wake broadcasts to every parked worker; called whenever the scheduler's
// observable state changes in a way that might let a parked worker make
// progress.
func (s *Scheduler) wake() {
	s.cond.Broadcast()
}

// AddRootPackets seeds the Prepare bucket with initial root-scanning work,
// the standard entry point a plan uses at the start of a collection,
// backing the request_sync hook.
func (s *Scheduler) AddRootPackets(ps []Packet) {
	s.buckets[Prepare].BulkAdd(ps)
	s.wake()
}

// Run executes the full pipeline to completion: every bucket opens in
// dependency order, every worker races for packets until Final drains, and
// Run returns once the pool is quiescent. It blocks until done or ctx is
// cancelled. Each call starts from the bucket states New sets up.
func (s *Scheduler) Run(ctx context.Context) error {
	for id, b := range s.buckets {
		if BucketID(id) == Unconstrained {
			b.setState(Open)
		} else {
			b.setState(Closed)
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	go func() {
		<-ctx.Done()
		s.wake()
	}()
	for i := 0; i < s.numWorkers; i++ {
		w := s.workers[i]
		g.Go(func() error {
			return s.workerLoop(ctx, w)
		})
	}
	return g.Wait()
}

func (s *Scheduler) workerLoop(ctx context.Context, w *Worker) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p := w.popLocal(); p != nil {
			s.execute(p, w)
			continue
		}
		if p, ok := s.takeGlobal(w); ok {
			s.execute(p, w)
			continue
		}
		if s.tryAdvance() {
			continue
		}
		if s.allDone() {
			return nil
		}
		s.park(ctx)
	}
}

func (s *Scheduler) execute(p Packet, w *Worker) {
	if p.Coordinator() && !w.IsCoordinator() {
		// Defer coordinator-only packets to worker 0; push into its local
		// queue rather than executing here.
		s.workers[0].pushLocal(p)
		s.wake()
		return
	}
	p.Execute(w)
	s.wake()
}

// takeGlobal pulls a batch from the highest-priority open bucket that has
// work, keeping one packet for w and stashing the rest in its local queue,
// then falls back to stealing from a peer worker.
func (s *Scheduler) takeGlobal(w *Worker) (Packet, bool) {
	for id := BucketID(0); id < numBuckets; id++ {
		b := s.buckets[id]
		if b.State() != Open {
			continue
		}
		batch := b.takeAll()
		if len(batch) == 0 {
			continue
		}
		last := batch[len(batch)-1]
		for _, extra := range batch[:len(batch)-1] {
			w.pushLocal(extra)
		}
		return last, true
	}
	return s.steal(w)
}

func (s *Scheduler) steal(w *Worker) (Packet, bool) {
	for _, peer := range s.workers {
		if peer == w {
			continue
		}
		stolen := peer.stealHalf()
		if len(stolen) == 0 {
			continue
		}
		last := stolen[len(stolen)-1]
		for _, extra := range stolen[:len(stolen)-1] {
			w.pushLocal(extra)
		}
		return last, true
	}
	return nil, false
}

// tryAdvance attempts to drain currently-open buckets and open the next
// ones whose prerequisites are now satisfied. Returns true if it made any
// state change (so the caller should loop instead of parking).
func (s *Scheduler) tryAdvance() bool {
	progressed := false
	for id := BucketID(0); id < numBuckets; id++ {
		b := s.buckets[id]
		if b.State() == Open && b.IsEmpty() {
			if b.tryDrain(s.log) {
				progressed = true
			}
		}
	}
	for id := BucketID(0); id < numBuckets; id++ {
		b := s.buckets[id]
		if b.State() != Closed {
			continue
		}
		if s.prereqsDrained(id) {
			b.setState(Open)
			progressed = true
			s.log.Debug("bucket opened", zap.String("bucket", id.String()))
		}
	}
	if progressed {
		s.wake()
	}
	return progressed
}

func (s *Scheduler) prereqsDrained(id BucketID) bool {
	for _, dep := range prerequisites[id] {
		if s.buckets[dep].State() != Drained {
			return false
		}
	}
	return true
}

// allDone reports whether Final has drained, the terminal condition for a
// Run call.
func (s *Scheduler) allDone() bool {
	return s.buckets[Final].State() == Drained
}

func (s *Scheduler) park(ctx context.Context) {
	s.mu.Lock()
	s.idle++
	if ctx.Err() == nil {
		s.cond.Wait()
	}
	s.idle--
	s.mu.Unlock()
}
