// Package dsp provides the signal-processing primitives shared by the funk
// client's send and receive pipelines: a voice band-pass filter, soft
// clipping, level measurement, and tone synthesis. All functions operate on
// mono float32 PCM in [-1, 1] at 48 kHz, 960-sample (20 ms) frames.
package dsp

import "math"

const (
	// SampleRate is the fixed capture/playback rate of the funk system.
	SampleRate = 48000

	// FrameSize is one 20 ms frame at SampleRate.
	FrameSize = 960
)

// RMS returns the root-mean-square of a float32 PCM frame.
func RMS(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}

// DB converts a linear RMS level to dBFS. Silence maps to -100 dB.
func DB(rms float64) float64 {
	if rms > 0 {
		return 20 * math.Log10(rms)
	}
	return -100
}

// SoftClip compresses frame in-place with tanh(2x)*0.9, taming transients
// before 16-bit quantisation without the harshness of a hard clip.
func SoftClip(frame []float32) {
	for i, s := range frame {
		frame[i] = float32(math.Tanh(float64(s)*2.0) * 0.9)
	}
}

// biquad is a single second-order IIR section in direct form II transposed.
// State (z1, z2) is carried across Process calls.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

func (q *biquad) process(frame []float32) {
	for i, s := range frame {
		x := float64(s)
		y := q.b0*x + q.z1
		q.z1 = q.b1*x - q.a1*y + q.z2
		q.z2 = q.b2*x - q.a2*y
		frame[i] = float32(y)
	}
}

func (q *biquad) reset() {
	q.z1, q.z2 = 0, 0
}

// butterQ is the Butterworth quality factor 1/sqrt(2) for a maximally flat
// second-order section.
var butterQ = 1 / math.Sqrt2

// newHighpass returns a second-order Butterworth high-pass section at freq Hz.
// Coefficients follow the RBJ audio EQ cookbook.
func newHighpass(freq, sampleRate float64) biquad {
	w0 := 2 * math.Pi * freq / sampleRate
	cosW, sinW := math.Cos(w0), math.Sin(w0)
	alpha := sinW / (2 * butterQ)

	a0 := 1 + alpha
	return biquad{
		b0: (1 + cosW) / 2 / a0,
		b1: -(1 + cosW) / a0,
		b2: (1 + cosW) / 2 / a0,
		a1: -2 * cosW / a0,
		a2: (1 - alpha) / a0,
	}
}

// newLowpass returns a second-order Butterworth low-pass section at freq Hz.
func newLowpass(freq, sampleRate float64) biquad {
	w0 := 2 * math.Pi * freq / sampleRate
	cosW, sinW := math.Cos(w0), math.Sin(w0)
	alpha := sinW / (2 * butterQ)

	a0 := 1 + alpha
	return biquad{
		b0: (1 - cosW) / 2 / a0,
		b1: (1 - cosW) / a0,
		b2: (1 - cosW) / 2 / a0,
		a1: -2 * cosW / a0,
		a2: (1 - alpha) / a0,
	}
}

// BandPass is the 300-3400 Hz voice band-pass used on both the capture and
// playback paths: a high-pass and a low-pass section in cascade, four poles
// total, with filter state carried across frames. Not safe for concurrent
// use; each pipeline owns its own instance.
type BandPass struct {
	hp biquad
	lp biquad
}

const (
	bandLow  = 300.0
	bandHigh = 3400.0
)

// NewBandPass returns a voice band-pass filter for the given sample rate.
func NewBandPass(sampleRate int) *BandPass {
	return &BandPass{
		hp: newHighpass(bandLow, float64(sampleRate)),
		lp: newLowpass(bandHigh, float64(sampleRate)),
	}
}

// Process filters frame in-place.
func (f *BandPass) Process(frame []float32) {
	f.hp.process(frame)
	f.lp.process(frame)
}

// Reset clears the filter state, e.g. between transmissions.
func (f *BandPass) Reset() {
	f.hp.reset()
	f.lp.reset()
}

// Tone synthesises a sine tone at freq Hz lasting durationMs milliseconds
// with peak amplitude amp. A 5 ms linear fade at each end avoids clicks.
func Tone(freq float64, durationMs int, amp float64, sampleRate int) []float32 {
	total := sampleRate * durationMs / 1000
	out := make([]float32, total)

	fade := sampleRate * 5 / 1000
	if fade > total/2 {
		fade = total / 2
	}

	for i := range out {
		t := float64(i) / float64(sampleRate)
		s := math.Sin(2 * math.Pi * freq * t)

		env := 1.0
		if i < fade {
			env = float64(i) / float64(fade)
		} else if i >= total-fade {
			env = float64(total-1-i) / float64(fade)
		}
		out[i] = float32(s * env * amp)
	}
	return out
}

// Squelch synthesises the decaying 1 kHz tail blended over the first frame
// of a new transmission: sin(2*pi*1000*t) * 0.15 * e^(-20t).
func Squelch(n, sampleRate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		t := float64(i) / float64(sampleRate)
		out[i] = float32(math.Sin(2*math.Pi*1000*t) * 0.15 * math.Exp(-20*t))
	}
	return out
}
