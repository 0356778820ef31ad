// Package jitter implements the per-sender reorder buffer the relay runs in
// front of audio fan-out.
//
// UDP delivers voice datagrams out of order under load. The buffer holds a
// few frames, releases them in sequence order, and refuses to stall: anything
// older than maxAge is force-released past the gap, and a buffer growing
// beyond twice its target is trimmed back down. The added latency at the
// default target of 5 frames is ~100 ms at 20 ms per frame.
package jitter

import (
	"sort"
	"time"
)

const (
	// DefaultTarget is the steady-state buffer depth in frames.
	DefaultTarget = 5

	// DefaultMaxAge is how long a frame may wait for its predecessors
	// before it is force-released.
	DefaultMaxAge = 200 * time.Millisecond
)

type entry struct {
	data    []byte
	arrival time.Time
}

// Buffer reorders datagrams for a single (channel, sender) stream. Not safe
// for concurrent use; the relay serialises access per stream.
type Buffer struct {
	target int
	maxAge time.Duration

	entries map[uint16]entry
	ready   [][]byte
	next    uint16
	started bool

	forced     uint64
	overflowed uint64

	now func() time.Time
}

// Stats is a snapshot of buffer state for monitoring.
type Stats struct {
	Buffered   int
	Forced     uint64
	Overflowed uint64
}

// New creates a buffer with the given steady-state depth and force-release
// age. Out-of-range values fall back to the defaults.
func New(target int, maxAge time.Duration) *Buffer {
	if target < 1 {
		target = DefaultTarget
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Buffer{
		target:  target,
		maxAge:  maxAge,
		entries: make(map[uint16]entry),
		now:     time.Now,
	}
}

// Insert stores one datagram and advances the buffer: consecutive frames move
// to the ready queue, overdue frames are force-released, and an overflowing
// buffer is trimmed back to its target depth. Call Drain afterwards to
// collect whatever became ready.
func (b *Buffer) Insert(seq uint16, data []byte) {
	now := b.now()

	if !b.started {
		b.next = seq
		b.started = true
	}
	b.entries[seq] = entry{data: data, arrival: now}

	b.drainInOrder()
	b.releaseOverdue(now)
	b.trim()
}

// Drain returns all frames released since the last call, oldest first, and
// clears the ready queue.
func (b *Buffer) Drain() [][]byte {
	if len(b.ready) == 0 {
		return nil
	}
	out := b.ready
	b.ready = nil
	return out
}

// drainInOrder moves consecutive frames starting at next into the ready queue.
func (b *Buffer) drainInOrder() {
	for {
		e, ok := b.entries[b.next]
		if !ok {
			return
		}
		delete(b.entries, b.next)
		b.ready = append(b.ready, e.data)
		b.next++
	}
}

// releaseOverdue flushes every frame older than maxAge, sorted by sequence,
// and jumps next past the highest released sequence. Accepting the gap beats
// stalling the whole stream on one lost datagram.
func (b *Buffer) releaseOverdue(now time.Time) {
	var overdue []uint16
	for seq, e := range b.entries {
		if now.Sub(e.arrival) >= b.maxAge {
			overdue = append(overdue, seq)
		}
	}
	if len(overdue) == 0 {
		return
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i] < overdue[j] })
	for _, seq := range overdue {
		b.ready = append(b.ready, b.entries[seq].data)
		delete(b.entries, seq)
	}
	b.forced += uint64(len(overdue))
	b.next = overdue[len(overdue)-1] + 1
}

// trim releases the oldest-by-arrival frames in sequence order once the
// buffer holds more than twice its target, bringing it back to target depth.
func (b *Buffer) trim() {
	if len(b.entries) <= 2*b.target {
		return
	}
	type aged struct {
		seq     uint16
		arrival time.Time
	}
	all := make([]aged, 0, len(b.entries))
	for seq, e := range b.entries {
		all = append(all, aged{seq: seq, arrival: e.arrival})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].arrival.Before(all[j].arrival) })

	excess := all[:len(b.entries)-b.target]
	sort.Slice(excess, func(i, j int) bool { return excess[i].seq < excess[j].seq })
	for _, a := range excess {
		b.ready = append(b.ready, b.entries[a.seq].data)
		delete(b.entries, a.seq)
	}
	b.overflowed += uint64(len(excess))
}

// Len returns the number of frames currently buffered (not yet released).
func (b *Buffer) Len() int { return len(b.entries) }

// Stats returns a snapshot of buffer state.
func (b *Buffer) Stats() Stats {
	return Stats{Buffered: len(b.entries), Forced: b.forced, Overflowed: b.overflowed}
}
