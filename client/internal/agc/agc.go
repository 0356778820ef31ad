// Package agc implements a software automatic gain control stage for the
// send pipeline, operating on mono float32 PCM at 48 kHz in 20 ms frames.
//
// Each frame the AGC measures short-term RMS and smooths a multiplicative
// gain toward the level that would hit the target RMS. Raising the gain uses
// a faster coefficient than lowering it, and the gain is clamped to
// [MinGain, MaxGain] so silence can never drive it out of range.
package agc

import (
	"github.com/mcordes92/dfg-funk/client/internal/dsp"
)

const (
	// Target is the desired frame RMS (linear, ~-10.5 dBFS).
	Target = 0.3

	// MinGain bounds attenuation at -20 dB.
	MinGain = 0.1
	// MaxGain bounds amplification at +20 dB.
	MaxGain = 10.0

	// AttackCoeff smooths the gain when it is being raised.
	AttackCoeff = 0.01
	// ReleaseCoeff smooths the gain when it is being lowered. Slower than
	// attack so a loud transient does not pump the level.
	ReleaseCoeff = 0.001

	// minRMS suppresses gain updates on frames below the noise floor.
	minRMS = 0.001
)

// AGC is a single-channel automatic gain control processor. Zero value is
// not usable; use New().
type AGC struct {
	gain float64
}

// New returns an AGC at unity gain.
func New() *AGC {
	return &AGC{gain: 1.0}
}

// Process updates the gain estimate from the frame's RMS and applies the
// gain in-place. Returns the same slice for chaining.
func (a *AGC) Process(frame []float32) []float32 {
	if len(frame) == 0 {
		return frame
	}

	rms := float64(dsp.RMS(frame))

	// Near-silent frames carry no level information; updating from them
	// would slowly peg the gain at MaxGain and blast the next word.
	if rms >= minRMS {
		desired := Target / rms
		if desired < MinGain {
			desired = MinGain
		} else if desired > MaxGain {
			desired = MaxGain
		}

		coeff := ReleaseCoeff
		if desired > a.gain {
			coeff = AttackCoeff
		}
		a.gain += coeff * (desired - a.gain)

		if a.gain < MinGain {
			a.gain = MinGain
		} else if a.gain > MaxGain {
			a.gain = MaxGain
		}
	}

	for i, s := range frame {
		v := s * float32(a.gain)
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		frame[i] = v
	}
	return frame
}

// Gain returns the current linear gain multiplier (informational).
func (a *AGC) Gain() float64 { return a.gain }

// Reset resets the gain to unity.
func (a *AGC) Reset() { a.gain = 1.0 }
