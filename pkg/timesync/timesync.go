// Package timesync aligns independently-clocked message streams into
// synchronized multi-channel records.
//
// Each registered channel keeps a bounded history of its most recent
// messages. A Synchronizer decides, on every arrival, whether a
// consistent cross-channel snapshot exists and emits it exactly once.
// Histories are owned by the delivery goroutine; implementations are
// not safe for concurrent use.
package timesync

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultDepth bounds each channel's buffered history. Keep this
	// small: the approximate policy scores all combinations of one
	// buffered message per channel, which is O(depth^(channels-1)) per
	// arrival.
	DefaultDepth = 50
)

var (
	// ErrNoChannels is returned when a synchronizer is built without channels.
	ErrNoChannels = errors.New("at least one channel is required")

	// ErrDuplicateChannel is returned when a channel name repeats.
	ErrDuplicateChannel = errors.New("duplicate channel name")
)

// Record is one aligned snapshot: exactly one payload per registered
// channel plus the representative stamp taken from the reference
// (first-registered) channel. Records are emitted atomically; a partial
// record is never produced.
type Record struct {
	// Stamp is wall-clock nanoseconds from the reference channel.
	Stamp    int64
	Payloads map[string]any
}

// Synchronizer consumes per-channel arrivals and emits aligned records.
type Synchronizer interface {
	// Push buffers one message and reports an aligned record if the
	// arrival completed one. At most one record is emitted per call.
	Push(channel string, stamp int64, payload any) (Record, bool)
}

type entry struct {
	stamp   int64
	payload any
}

type history struct {
	name    string
	entries []entry
}

func (h *history) push(e entry, depth int) {
	h.entries = append(h.entries, e)
	// favor liveness over completeness: evict the oldest once full
	if len(h.entries) > depth {
		h.entries = h.entries[1:]
	}
}

// dropThrough removes every buffered entry with stamp <= limit, so no
// message can be reused by a later record.
func (h *history) dropThrough(limit int64) {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.stamp > limit {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

func buildHistories(channels []string) ([]history, map[string]int, error) {
	if len(channels) == 0 {
		return nil, nil, ErrNoChannels
	}
	hists := make([]history, len(channels))
	index := make(map[string]int, len(channels))
	for i, name := range channels {
		if _, ok := index[name]; ok {
			return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateChannel, name)
		}
		index[name] = i
		hists[i] = history{name: name}
	}
	return hists, index, nil
}

// Approximate emits a record whenever some combination of one buffered
// message per channel, including the newest arrival, has a timestamp
// spread of at most slop. Among acceptable combinations the one with
// the smallest spread wins; spread ties are broken by preferring
// members closest to the newest arrival's stamp, and a remaining tie
// by preferring the newer member stamps.
type Approximate struct {
	hists []history
	index map[string]int
	depth int
	slop  int64
}

// NewApproximate builds an approximate-time synchronizer over the given
// ordered channel set. The first channel is the reference for record
// stamps. A non-positive depth falls back to DefaultDepth.
func NewApproximate(channels []string, depth int, slop time.Duration) (*Approximate, error) {
	hists, index, err := buildHistories(channels)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Approximate{
		hists: hists,
		index: index,
		depth: depth,
		slop:  slop.Nanoseconds(),
	}, nil
}

// Push implements Synchronizer.
func (a *Approximate) Push(channel string, stamp int64, payload any) (Record, bool) {
	ci, ok := a.index[channel]
	if !ok {
		return Record{}, false
	}
	a.hists[ci].push(entry{stamp: stamp, payload: payload}, a.depth)

	for i := range a.hists {
		if len(a.hists[i].entries) == 0 {
			return Record{}, false
		}
	}

	chosen, ok := a.bestCombination(ci, stamp)
	if !ok {
		return Record{}, false
	}
	return a.consume(chosen), true
}

// bestCombination exhaustively scores every combination that includes
// the newest arrival (pinned in channel ci) and returns the selected
// entry index per channel if the best spread is within slop.
func (a *Approximate) bestCombination(ci int, newest int64) ([]int, bool) {
	n := len(a.hists)
	cursor := make([]int, n)
	pinned := len(a.hists[ci].entries) - 1
	cursor[ci] = pinned

	var (
		best      []int
		bestRange int64 = -1
		bestTie   int64
		bestSum   int64
	)

	for {
		lo, hi := int64(1<<62), int64(-1<<62)
		tie, sum := int64(0), int64(0)
		for i := range a.hists {
			s := a.hists[i].entries[cursor[i]].stamp
			if s < lo {
				lo = s
			}
			if s > hi {
				hi = s
			}
			d := s - newest
			if d < 0 {
				d = -d
			}
			tie += d
			sum += s
		}
		spread := hi - lo
		// equidistant candidates resolve toward the newer stamps
		better := bestRange < 0 || spread < bestRange ||
			(spread == bestRange && (tie < bestTie || (tie == bestTie && sum > bestSum)))
		if better {
			bestRange = spread
			bestTie = tie
			bestSum = sum
			best = append(best[:0], cursor...)
		}

		// odometer advance over every channel except the pinned one
		i := 0
		for ; i < n; i++ {
			if i == ci {
				continue
			}
			cursor[i]++
			if cursor[i] < len(a.hists[i].entries) {
				break
			}
			cursor[i] = 0
		}
		if i == n {
			break
		}
	}

	if bestRange < 0 || bestRange > a.slop {
		return nil, false
	}
	return best, true
}

// consume builds the record for the chosen combination and discards
// all used-or-older entries from every channel.
func (a *Approximate) consume(chosen []int) Record {
	rec := Record{
		Stamp:    a.hists[0].entries[chosen[0]].stamp,
		Payloads: make(map[string]any, len(a.hists)),
	}
	for i := range a.hists {
		e := a.hists[i].entries[chosen[i]]
		rec.Payloads[a.hists[i].name] = e.payload
		a.hists[i].dropThrough(e.stamp)
	}
	return rec
}

// Exact emits a record only when every channel holds a message with a
// timestamp identical to the newest arrival's.
type Exact struct {
	hists []history
	index map[string]int
	depth int
}

// NewExact builds an exact-match synchronizer over the given ordered
// channel set.
func NewExact(channels []string, depth int) (*Exact, error) {
	hists, index, err := buildHistories(channels)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Exact{hists: hists, index: index, depth: depth}, nil
}

// Push implements Synchronizer.
func (e *Exact) Push(channel string, stamp int64, payload any) (Record, bool) {
	ci, ok := e.index[channel]
	if !ok {
		return Record{}, false
	}
	e.hists[ci].push(entry{stamp: stamp, payload: payload}, e.depth)

	payloads := make(map[string]any, len(e.hists))
	for i := range e.hists {
		found := false
		for _, ent := range e.hists[i].entries {
			if ent.stamp == stamp {
				payloads[e.hists[i].name] = ent.payload
				found = true
				break
			}
		}
		if !found {
			return Record{}, false
		}
	}

	for i := range e.hists {
		e.hists[i].dropThrough(stamp)
	}
	return Record{Stamp: stamp, Payloads: payloads}, true
}
