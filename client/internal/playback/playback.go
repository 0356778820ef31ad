// Package playback implements the receive-side jitter queue and playout
// chain: buffer until the target depth is reached, then per output block
// dequeue one frame, decode, blend the squelch tail on the first block,
// band-pass, and apply the master volume.
//
// The queue sits between the session's receive loop and the sound device's
// playback callback; it holds encoded payloads and never blocks either side.
// When the queue is full the oldest frame is dropped, favouring freshness
// over completeness. The target depth adapts to queue pressure at most once
// every five seconds.
package playback

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/mcordes92/dfg-funk/client/internal/codec"
	"github.com/mcordes92/dfg-funk/client/internal/dsp"
)

const (
	// QueueCap bounds the number of undecoded frames held for playout.
	QueueCap = 20

	minDepth     = 3
	maxDepth     = 20
	initialDepth = 3

	// adjustEvery rate-limits adaptive depth changes.
	adjustEvery = 5 * time.Second
)

// Stats is a snapshot of playout health.
type Stats struct {
	Queued    int
	Depth     int
	Underruns uint64
	Buffering bool
}

// Player converts queued payloads into output blocks. Push is called by the
// session's receive loop, NextFrame by the audio callback; all state is
// guarded by one mutex.
type Player struct {
	mu             sync.Mutex
	queue          [][]byte
	dec            codec.Codec
	filter         *dsp.BandPass
	volume         float64
	depth          int
	buffering      bool
	squelchPending bool
	underruns      uint64
	lastAdjust     time.Time

	now func() time.Time
}

// New returns a Player decoding with dec at the given master volume [0, 1].
func New(dec codec.Codec, volume float64) *Player {
	p := &Player{
		dec:       dec,
		filter:    dsp.NewBandPass(dsp.SampleRate),
		depth:     initialDepth,
		buffering: true,
		now:       time.Now,
	}
	p.SetVolume(volume)
	p.lastAdjust = p.now()
	return p
}

// Push enqueues one received payload. The slice is copied; callers may reuse
// their read buffer. When the queue is full the oldest frame is dropped to
// make room.
func (p *Player) Push(payload []byte) {
	frame := make([]byte, len(payload))
	copy(frame, payload)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) >= QueueCap {
		copy(p.queue, p.queue[1:])
		p.queue[len(p.queue)-1] = frame
		return
	}
	p.queue = append(p.queue, frame)
}

// NextFrame fills out with the next block of playable audio. During initial
// buffering and on underrun it writes silence.
func (p *Player) NextFrame(out []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.maybeAdjust()

	if p.buffering {
		if len(p.queue) < p.depth {
			zero(out)
			return
		}
		p.buffering = false
		p.squelchPending = true
	}

	if len(p.queue) == 0 {
		p.underruns++
		zero(out)
		return
	}

	payload := p.queue[0]
	copy(p.queue, p.queue[1:])
	p.queue = p.queue[:len(p.queue)-1]

	pcm := p.decode(payload)
	n := len(pcm)
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = float32(pcm[i]) / 32767.0
	}
	zero(out[n:])

	if p.squelchPending {
		sq := dsp.Squelch(len(out), dsp.SampleRate)
		for i := range out {
			out[i] += sq[i]
		}
		p.squelchPending = false
	}

	p.filter.Process(out)

	v := float32(p.volume)
	for i := range out {
		out[i] *= v
	}
}

// decode turns a payload into PCM samples, falling back to a raw little-
// endian int16 read when the codec rejects it, so a peer on a different
// codec stays audible instead of silent.
func (p *Player) decode(payload []byte) []int16 {
	pcm, err := p.dec.Decode(payload)
	if err == nil {
		return pcm
	}
	n := len(payload) &^ 1
	raw := make([]int16, n/2)
	for i := range raw {
		raw[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
	}
	return raw
}

// maybeAdjust retunes the target depth from queue pressure, at most once
// per adjustEvery. Caller holds p.mu.
func (p *Player) maybeAdjust() {
	now := p.now()
	if now.Sub(p.lastAdjust) < adjustEvery {
		return
	}
	p.lastAdjust = now

	queued := len(p.queue)
	switch {
	case queued <= 2 && p.depth < maxDepth:
		p.depth += 2
		if p.depth > maxDepth {
			p.depth = maxDepth
		}
	case queued >= QueueCap-2 && p.depth > minDepth:
		p.depth--
	}
}

// SetVolume sets the master volume, clamped to [0, 1].
func (p *Player) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

// Reset drops all queued audio and re-enters buffering, e.g. on disconnect.
// Cumulative counters survive.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = p.queue[:0]
	p.buffering = true
	p.squelchPending = false
	p.filter.Reset()
}

// Stats returns a snapshot of queue health.
func (p *Player) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Queued:    len(p.queue),
		Depth:     p.depth,
		Underruns: p.underruns,
		Buffering: p.buffering,
	}
}

func zero(out []float32) {
	for i := range out {
		out[i] = 0
	}
}
