// Package vad implements voice activity detection for 20 ms PCM frames.
//
// The detector combines three features per frame: RMS energy in dB,
// zero-crossing rate, and the spectral centroid (brightness). Each feature
// votes against a per-aggressiveness threshold and the frame is classed as
// speech when at least two of three vote yes. A five-frame majority buffer
// smooths the decision so single outlier frames do not flicker the gate.
package vad

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Detector is the contract the send pipeline codes against. Implementations
// must be interchangeable: higher modes should reject more non-speech.
type Detector interface {
	// IsSpeech reports whether the 16-bit PCM frame contains speech.
	IsSpeech(pcm []int16, sampleRate int) bool
	// SetMode sets the aggressiveness, 0 (least) to 3 (most). Values
	// outside that range are ignored.
	SetMode(mode int)
}

// decisionWindow is the number of recent per-frame decisions smoothed over.
const decisionWindow = 5

// thresholds holds the per-mode decision boundaries. A feature votes
// "speech" only when it is strictly above its threshold.
type thresholds struct {
	energy   float64 // dBFS
	zcr      float64 // crossings per sample
	spectral float64 // centroid, normalized to [0, 1] at 3 kHz
}

var modeThresholds = [4]thresholds{
	{energy: -50, zcr: 0.10, spectral: 0.30},
	{energy: -45, zcr: 0.15, spectral: 0.35},
	{energy: -40, zcr: 0.20, spectral: 0.40},
	{energy: -35, zcr: 0.25, spectral: 0.45},
}

// VAD is a feature-based voice activity detector. Not safe for concurrent
// use; the capture loop owns it.
type VAD struct {
	mode   int
	limits thresholds

	decisions []bool

	fft     *fourier.FFT
	fftLen  int
	coefs   []complex128
	scratch []float64
}

var _ Detector = (*VAD)(nil)

// New returns a detector at the given aggressiveness. Modes outside [0, 3]
// fall back to moderate (2).
func New(mode int) *VAD {
	if mode < 0 || mode > 3 {
		mode = 2
	}
	return &VAD{
		mode:   mode,
		limits: modeThresholds[mode],
	}
}

// Mode returns the current aggressiveness.
func (v *VAD) Mode() int { return v.mode }

// SetMode changes the aggressiveness. Out-of-range values are ignored.
func (v *VAD) SetMode(mode int) {
	if mode < 0 || mode > 3 {
		return
	}
	v.mode = mode
	v.limits = modeThresholds[mode]
}

// Reset clears the smoothing buffer, e.g. when a new transmission starts.
func (v *VAD) Reset() {
	v.decisions = v.decisions[:0]
}

// IsSpeech classifies one PCM frame and folds the result into the majority
// buffer. It returns the smoothed decision.
func (v *VAD) IsSpeech(pcm []int16, sampleRate int) bool {
	audio := v.toFloat(pcm)

	energy := frameEnergy(audio)
	zcr := zeroCrossingRate(audio)
	centroid := v.spectralCentroid(audio, sampleRate)

	votes := 0
	if energy > v.limits.energy {
		votes++
	}
	if zcr > v.limits.zcr {
		votes++
	}
	if centroid > v.limits.spectral {
		votes++
	}
	current := votes >= 2

	v.decisions = append(v.decisions, current)
	if len(v.decisions) > decisionWindow {
		v.decisions = v.decisions[1:]
	}

	speech := 0
	for _, d := range v.decisions {
		if d {
			speech++
		}
	}
	return 2*speech > len(v.decisions)
}

// toFloat converts int16 PCM to float64 in [-1, 1], reusing the scratch
// buffer across frames.
func (v *VAD) toFloat(pcm []int16) []float64 {
	if cap(v.scratch) < len(pcm) {
		v.scratch = make([]float64, len(pcm))
	}
	v.scratch = v.scratch[:len(pcm)]
	for i, s := range pcm {
		v.scratch[i] = float64(s) / 32767.0
	}
	return v.scratch
}

// frameEnergy returns the frame's RMS level in dB, floored at -100 for
// silence.
func frameEnergy(audio []float64) float64 {
	if len(audio) == 0 {
		return -100
	}
	var sum float64
	for _, s := range audio {
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(len(audio)))
	if rms > 1e-10 {
		return 20 * math.Log10(rms)
	}
	return -100
}

// zeroCrossingRate returns sign changes per sample. Hiss and fricatives
// score high, hum scores low, voiced speech sits in between.
func zeroCrossingRate(audio []float64) float64 {
	if len(audio) == 0 {
		return 0
	}
	var crossings float64
	prev := sign(audio[0])
	for _, s := range audio[1:] {
		cur := sign(s)
		crossings += math.Abs(cur - prev)
		prev = cur
	}
	return crossings / (2 * float64(len(audio)))
}

func sign(s float64) float64 {
	switch {
	case s > 0:
		return 1
	case s < 0:
		return -1
	default:
		return 0
	}
}

// spectralCentroid returns the magnitude-weighted mean frequency of the
// frame, normalized so 3 kHz maps to 1.0 and clipped to [0, 1]. Speech is
// brighter than rumble, so a higher centroid favors the speech vote.
func (v *VAD) spectralCentroid(audio []float64, sampleRate int) float64 {
	n := len(audio)
	if n == 0 {
		return 0
	}
	if v.fft == nil || v.fftLen != n {
		v.fft = fourier.NewFFT(n)
		v.fftLen = n
		v.coefs = make([]complex128, n/2+1)
	}
	v.coefs = v.fft.Coefficients(v.coefs, audio)

	var weighted, total float64
	for i, c := range v.coefs {
		m := cmplx.Abs(c)
		freq := v.fft.Freq(i) * float64(sampleRate)
		weighted += freq * m
		total += m
	}
	if total <= 1e-10 {
		return 0
	}
	centroid := weighted / total / 3000.0
	if centroid < 0 {
		return 0
	}
	if centroid > 1 {
		return 1
	}
	return centroid
}
