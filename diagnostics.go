// diagnostics.go: lock-free MPSC event queue feeding Config.EventCallback and
// Config.ErrorCallback off the data path.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pario

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// diagEntry is either an Event or a diagnostic error, never both.
type diagEntry struct {
	event Event
	stage string
	err   error
	isErr bool
}

// diagRing is a lock-free ring buffer for MPSC communication: any number of
// producer/consumer goroutines enqueue diagnostic entries, one background
// goroutine drains them. A slot is reserved with a CAS on tail, then
// stored; entries are small and owned by their enqueuer, so nothing is
// recycled.
type diagRing struct {
	buffer []atomic.Pointer[diagEntry]
	mask   uint64
	head   atomic.Uint64
	tail   atomic.Uint64
}

func nextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(x-1))
}

func newDiagRing(size uint64) *diagRing {
	if size < 64 {
		size = 64
	}
	size = nextPow2(size)
	return &diagRing{
		buffer: make([]atomic.Pointer[diagEntry], size),
		mask:   size - 1,
	}
}

// push enqueues an entry, dropping it if the ring is full - diagnostics must
// never apply backpressure to the data path.
func (r *diagRing) push(e diagEntry) bool {
	for {
		tail := r.tail.Load()
		head := r.head.Load()
		size := uint64(len(r.buffer))

		if tail-head >= size {
			return false
		}

		if r.tail.CompareAndSwap(tail, tail+1) {
			entry := e
			r.buffer[tail&r.mask].Store(&entry)
			return true
		}
	}
}

func (r *diagRing) pop() (diagEntry, bool) {
	for {
		head := r.head.Load()
		tail := r.tail.Load()

		if head >= tail {
			return diagEntry{}, false
		}

		if r.head.CompareAndSwap(head, head+1) {
			idx := head & r.mask
			ptr := r.buffer[idx].Load()
			if ptr == nil {
				continue
			}
			entry := *ptr
			r.buffer[idx].Store(nil)
			return entry, true
		}
	}
}

// diagSink drains a diagRing on its own goroutine and invokes the configured
// callbacks. Construction is a no-op (returns nil) when neither callback is
// set, so a caller who wants no diagnostics pays no ring-buffer cost.
type diagSink struct {
	ring    *diagRing
	onEvent func(Event)
	onError func(stage string, err error)
	clock   *timecache.TimeCache
	stop    chan struct{}
	done    sync.WaitGroup
}

func newDiagSink(cfg Config) *diagSink {
	if cfg.EventCallback == nil && cfg.ErrorCallback == nil {
		return nil
	}
	s := &diagSink{
		ring:    newDiagRing(256),
		onEvent: cfg.EventCallback,
		onError: cfg.ErrorCallback,
		clock:   timecache.NewWithResolution(time.Millisecond),
		stop:    make(chan struct{}),
	}
	s.done.Add(1)
	go s.run()
	return s
}

// now stamps an event with the shared cached clock, keeping per-chunk
// timestamping cheap under high completion rates.
func (s *diagSink) now() int64 {
	return s.clock.CachedTime().UnixNano()
}

func (s *diagSink) emitEvent(ev Event) {
	if s == nil || s.onEvent == nil {
		return
	}
	ev.Timestamp = s.now()
	s.ring.push(diagEntry{event: ev})
}

func (s *diagSink) emitError(stage string, err error) {
	if s == nil || s.onError == nil {
		return
	}
	s.ring.push(diagEntry{stage: stage, err: err, isErr: true})
}

func (s *diagSink) run() {
	defer s.done.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			s.drain()
			return
		case <-ticker.C:
			s.drain()
		}
	}
}

func (s *diagSink) drain() {
	for {
		entry, ok := s.ring.pop()
		if !ok {
			return
		}
		if entry.isErr {
			if s.onError != nil {
				s.onError(entry.stage, entry.err)
			}
			continue
		}
		if s.onEvent != nil {
			s.onEvent(entry.event)
		}
	}
}

// close stops the drain goroutine after flushing whatever remains queued.
func (s *diagSink) close() {
	if s == nil {
		return
	}
	close(s.stop)
	s.done.Wait()
	s.clock.Stop()
}
