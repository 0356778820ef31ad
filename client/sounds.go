package main

import "github.com/mcordes92/dfg-funk/client/internal/dsp"

// Cue identifies a synthesised UI sound.
type Cue int

const (
	// CueTxStart is the double beep played when a PTT key goes down,
	// before the arm delay elapses.
	CueTxStart Cue = iota
	// CueConnect is the rising two-tone on reaching Connected.
	CueConnect
	// CueDisconnect is the falling two-tone on connection loss.
	CueDisconnect
	// CueSwitch is a short blip confirming a quick-switch.
	CueSwitch
	// CueRx is the squelch burst when a reception starts after silence.
	CueRx
)

// cuePeak is the peak amplitude of cue tones before the user's
// sound_volume scaling.
const cuePeak = 0.35

// PlayCue mixes a UI sound into playback. Cues never block the audio
// path: frames that do not fit the queue are dropped.
func (e *Engine) PlayCue(c Cue) {
	if !e.soundsEnabled || e.soundVolume <= 0 {
		return
	}
	frames := cueFrames(c, e.soundVolume)
	if len(frames) == 0 {
		return
	}
	go func() {
		for _, frame := range frames {
			select {
			case <-e.stopCh:
				return
			case e.cueCh <- frame:
			default:
				return
			}
		}
	}()
}

// cueFrames synthesises one cue as a sequence of 20 ms frames. volume is
// the sound_volume setting mapped to [0, 1].
func cueFrames(c Cue, volume float64) [][]float32 {
	amp := cuePeak * volume
	var samples []float32
	switch c {
	case CueTxStart:
		samples = joinSamples(
			dsp.Tone(880, 70, amp, dsp.SampleRate),
			silence(40),
			dsp.Tone(880, 70, amp, dsp.SampleRate),
		)
	case CueConnect:
		samples = joinSamples(
			dsp.Tone(620, 90, amp, dsp.SampleRate),
			dsp.Tone(930, 120, amp, dsp.SampleRate),
		)
	case CueDisconnect:
		samples = joinSamples(
			dsp.Tone(930, 90, amp, dsp.SampleRate),
			dsp.Tone(620, 120, amp, dsp.SampleRate),
		)
	case CueSwitch:
		samples = dsp.Tone(1180, 50, amp, dsp.SampleRate)
	case CueRx:
		samples = scaleSamples(dsp.Squelch(dsp.FrameSize*2, dsp.SampleRate), volume)
	}
	return chunkFrames(samples)
}

// chunkFrames splits samples into FrameSize frames, zero-padding the last.
func chunkFrames(samples []float32) [][]float32 {
	var frames [][]float32
	for start := 0; start < len(samples); start += dsp.FrameSize {
		frame := make([]float32, dsp.FrameSize)
		copy(frame, samples[start:])
		frames = append(frames, frame)
	}
	return frames
}

func joinSamples(parts ...[]float32) []float32 {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]float32, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func silence(durationMs int) []float32 {
	return make([]float32, dsp.SampleRate*durationMs/1000)
}

func scaleSamples(samples []float32, factor float64) []float32 {
	for i := range samples {
		samples[i] = float32(float64(samples[i]) * factor)
	}
	return samples
}
