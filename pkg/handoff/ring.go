// Package handoff decouples record alignment from persistence with a
// fixed-capacity, non-blocking ring buffer.
//
// The producer runs on the time-critical delivery path: TryEnqueue
// returns immediately and drops the new record on overflow instead of
// displacing older entries or blocking. Dropped records are permanently
// lost; a saturation counter is kept for observability.
package handoff

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/syncap/syncap/pkg/timesync"
)

// ErrInvalidCapacity is returned when a ring is created with capacity < 1.
var ErrInvalidCapacity = errors.New("ring capacity must be at least 1")

// Ring is a bounded single-producer/single-consumer queue of aligned
// records. Both ends are safe for concurrent use and neither blocks.
type Ring struct {
	mu    sync.Mutex
	buf   []timesync.Record
	head  int
	count int
	drops atomic.Uint64
}

// NewRing returns a Ring with the given fixed capacity.
func NewRing(capacity int) (*Ring, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Ring{buf: make([]timesync.Record, capacity)}, nil
}

// TryEnqueue appends rec and reports whether it was accepted. On a full
// ring the record is dropped and the drop counter incremented.
func (r *Ring) TryEnqueue(rec timesync.Record) bool {
	r.mu.Lock()
	if r.count == len(r.buf) {
		r.mu.Unlock()
		r.drops.Add(1)
		return false
	}
	r.buf[(r.head+r.count)%len(r.buf)] = rec
	r.count++
	r.mu.Unlock()
	return true
}

// TryDequeue removes the oldest record, reporting false when empty.
func (r *Ring) TryDequeue() (timesync.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return timesync.Record{}, false
	}
	rec := r.buf[r.head]
	r.buf[r.head] = timesync.Record{}
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return rec, true
}

// Len returns the number of queued records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Drops returns the number of records rejected on overflow.
func (r *Ring) Drops() uint64 { return r.drops.Load() }
