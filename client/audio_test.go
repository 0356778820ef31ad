package main

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/mcordes92/dfg-funk/client/internal/codec"
	"github.com/mcordes92/dfg-funk/client/internal/config"
	"github.com/mcordes92/dfg-funk/client/internal/dsp"
)

var errScriptDone = errors.New("stream script exhausted")

// fakeCapture feeds scripted frames into the capture buffer and errors out
// when the script ends, which stops the capture loop.
type fakeCapture struct {
	frames [][]float32
	buf    []float32
	call   int
}

func (f *fakeCapture) Start() error { return nil }
func (f *fakeCapture) Stop() error  { return nil }
func (f *fakeCapture) Close() error { return nil }
func (f *fakeCapture) Write() error { return errors.New("capture stream cannot write") }

func (f *fakeCapture) Read() error {
	if f.call >= len(f.frames) {
		return errScriptDone
	}
	copy(f.buf, f.frames[f.call])
	f.call++
	return nil
}

// fakePlayback snapshots the playback buffer on each write and errors out
// after maxWrites, which stops the playback loop.
type fakePlayback struct {
	buf       []float32
	writes    [][]float32
	maxWrites int
}

func (f *fakePlayback) Start() error { return nil }
func (f *fakePlayback) Stop() error  { return nil }
func (f *fakePlayback) Close() error { return nil }
func (f *fakePlayback) Read() error  { return errors.New("playback stream cannot read") }

func (f *fakePlayback) Write() error {
	if len(f.writes) >= f.maxWrites {
		return errScriptDone
	}
	snap := make([]float32, len(f.buf))
	copy(snap, f.buf)
	f.writes = append(f.writes, snap)
	return nil
}

func engineConfig() config.Config {
	cfg := config.Default()
	cfg.NoiseGateEnabled = true
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	enc, err := codec.New(cfg.Codec)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return NewEngine(cfg, enc, discardLogger())
}

// runCapture drives the capture loop synchronously over the given frames.
func runCapture(e *Engine, frames [][]float32) {
	buf := make([]float32, dsp.FrameSize)
	e.captureStream = &fakeCapture{frames: frames, buf: buf}
	e.running.Store(true)
	e.captureLoop(buf)
	e.running.Store(false)
}

// collectFrames wires OnFrame to an accumulating slice.
func collectFrames(e *Engine) *[][]byte {
	var got [][]byte
	e.OnFrame = func(payload []byte) {
		frame := make([]byte, len(payload))
		copy(frame, payload)
		got = append(got, frame)
	}
	return &got
}

func sineFrame(freq, amp float64) []float32 {
	frame := make([]float32, dsp.FrameSize)
	for i := range frame {
		frame[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/dsp.SampleRate))
	}
	return frame
}

func repeatFrames(frame []float32, n int) [][]float32 {
	frames := make([][]float32, n)
	for i := range frames {
		f := make([]float32, len(frame))
		copy(f, frame)
		frames[i] = f
	}
	return frames
}

func frameRMS(frame []float32) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

func TestCaptureLoopEmitsGatedFrames(t *testing.T) {
	e := newTestEngine(t, engineConfig())
	got := collectFrames(e)
	e.SetRecording(true)

	runCapture(e, repeatFrames(sineFrame(440, 0.5), 3))

	if len(*got) != 3 {
		t.Fatalf("emitted %d frames, want 3", len(*got))
	}
	// pcm16 frames are 2 bytes per sample.
	if len((*got)[0]) != dsp.FrameSize*2 {
		t.Fatalf("payload size = %d, want %d", len((*got)[0]), dsp.FrameSize*2)
	}
	pcm, err := e.raw.Decode((*got)[0])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var peak int16
	for _, s := range pcm {
		if s > peak {
			peak = s
		}
	}
	if peak < 8000 {
		t.Fatalf("decoded peak = %d, audio got lost in the pipeline", peak)
	}

	if st := e.Stats(); !st.GateOpen || st.LevelDB < -20 || st.LevelDB > 0 {
		t.Fatalf("stats = %+v, want open gate near -9 dBFS", st)
	}
}

func TestCaptureLoopSkipsQuietFrames(t *testing.T) {
	e := newTestEngine(t, engineConfig())
	got := collectFrames(e)
	e.SetRecording(true)

	runCapture(e, repeatFrames(make([]float32, dsp.FrameSize), 5))

	if len(*got) != 0 {
		t.Fatalf("emitted %d frames of silence", len(*got))
	}
	if st := e.Stats(); st.GateOpen {
		t.Fatal("gate open on silence")
	}
}

func TestCaptureLoopGateHold(t *testing.T) {
	e := newTestEngine(t, engineConfig())
	got := collectFrames(e)
	e.SetRecording(true)

	frames := [][]float32{sineFrame(440, 0.5)}
	frames = append(frames, repeatFrames(make([]float32, dsp.FrameSize), 12)...)
	runCapture(e, frames)

	// One loud frame plus ten held frames; the hold drains before the
	// last two.
	if len(*got) != 11 {
		t.Fatalf("emitted %d frames, want 11 (1 loud + 10 hold)", len(*got))
	}
}

func TestCaptureLoopRequiresRecording(t *testing.T) {
	e := newTestEngine(t, engineConfig())
	got := collectFrames(e)

	runCapture(e, repeatFrames(sineFrame(440, 0.5), 3))
	if len(*got) != 0 {
		t.Fatalf("emitted %d frames while not recording", len(*got))
	}

	e.SetRecording(true)
	runCapture(e, repeatFrames(sineFrame(440, 0.5), 3))
	if len(*got) != 3 {
		t.Fatalf("emitted %d frames while recording, want 3", len(*got))
	}
}

func TestCaptureLoopRespectsReady(t *testing.T) {
	e := newTestEngine(t, engineConfig())
	got := collectFrames(e)
	e.SetRecording(true)
	e.Ready = func() bool { return false }

	runCapture(e, repeatFrames(sineFrame(440, 0.5), 3))

	if len(*got) != 0 {
		t.Fatalf("emitted %d frames while not ready", len(*got))
	}
}

func TestCaptureLoopVADRejectsSteadyTone(t *testing.T) {
	cfg := engineConfig()
	cfg.VADEnabled = true
	e := newTestEngine(t, cfg)
	got := collectFrames(e)
	e.SetRecording(true)

	// A pure low hum is loud enough for the level gate but has neither
	// the zero-crossing rate nor the spectral centroid of speech.
	runCapture(e, repeatFrames(sineFrame(440, 0.5), 10))

	if len(*got) != 0 {
		t.Fatalf("VAD passed %d hum frames", len(*got))
	}
}

func TestCaptureLoopAGCRaisesGain(t *testing.T) {
	cfg := engineConfig()
	cfg.AGCEnabled = true
	e := newTestEngine(t, cfg)
	got := collectFrames(e)
	e.SetRecording(true)

	runCapture(e, repeatFrames(sineFrame(440, 0.05), 50))

	if len(*got) == 0 {
		t.Fatal("no frames emitted")
	}
	if gain := e.agc.Gain(); gain < 1.5 {
		t.Fatalf("AGC gain = %.2f after 50 quiet frames, want > 1.5", gain)
	}
}

func TestCaptureLoopFallsBackOnEncodeFailure(t *testing.T) {
	e := newTestEngine(t, engineConfig())
	e.enc = failingCodec{}
	got := collectFrames(e)
	e.SetRecording(true)

	runCapture(e, repeatFrames(sineFrame(440, 0.5), 3))

	if len(*got) != 3 {
		t.Fatalf("emitted %d frames, want 3 raw fallbacks", len(*got))
	}
	if len((*got)[0]) != dsp.FrameSize*2 {
		t.Fatalf("fallback payload size = %d, want raw pcm16", len((*got)[0]))
	}
	if n := e.Stats().EncodeFailures; n != 3 {
		t.Fatalf("encode failures = %d, want 3", n)
	}
}

type failingCodec struct{}

func (failingCodec) Name() string { return "broken" }

func (failingCodec) Encode([]int16) ([]byte, error) { return nil, errors.New("encoder broken") }

func (failingCodec) Decode([]byte) ([]int16, error) { return nil, errors.New("decoder broken") }

func TestPlaybackLoopPlaysQueuedAudio(t *testing.T) {
	e := newTestEngine(t, engineConfig())

	enc, _ := codec.New("pcm16")
	pcm := make([]int16, dsp.FrameSize)
	for i := range pcm {
		pcm[i] = int16(0.4 * 32767 * math.Sin(2*math.Pi*1000*float64(i)/dsp.SampleRate))
	}
	payload, err := enc.Encode(pcm)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < 4; i++ {
		e.Push(payload)
	}

	buf := make([]float32, dsp.FrameSize)
	fp := &fakePlayback{buf: buf, maxWrites: 2}
	e.playbackStream = fp
	e.running.Store(true)
	e.playbackLoop(buf)
	e.running.Store(false)

	if len(fp.writes) != 2 {
		t.Fatalf("captured %d writes, want 2", len(fp.writes))
	}
	if rms := frameRMS(fp.writes[0]); rms < 0.05 {
		t.Fatalf("playback RMS = %.4f, queued audio never reached the device", rms)
	}
}

func TestPlaybackLoopMixesCueFrames(t *testing.T) {
	e := newTestEngine(t, engineConfig())

	cue := make([]float32, dsp.FrameSize)
	for i := range cue {
		cue[i] = 0.1
	}
	e.cueCh <- cue

	buf := make([]float32, dsp.FrameSize)
	fp := &fakePlayback{buf: buf, maxWrites: 1}
	e.playbackStream = fp
	e.running.Store(true)
	e.playbackLoop(buf)
	e.running.Store(false)

	if len(fp.writes) != 1 {
		t.Fatalf("captured %d writes, want 1", len(fp.writes))
	}
	// The player queue is empty, so the frame is the cue on silence.
	for _, idx := range []int{0, dsp.FrameSize / 2, dsp.FrameSize - 1} {
		if got := fp.writes[0][idx]; math.Abs(float64(got)-0.1) > 1e-6 {
			t.Fatalf("sample %d = %v, want 0.1", idx, got)
		}
	}
}

func TestEngineFixedCodecIsNotAdaptive(t *testing.T) {
	e := newTestEngine(t, engineConfig())
	if e.Adaptive() {
		t.Fatal("pcm16 reported as adaptive")
	}
	if got := e.CurrentBitrate(); got != 0 {
		t.Fatalf("bitrate = %d, want 0 for fixed-rate codec", got)
	}
	e.SetBitrate(48) // must be a no-op, not a panic
}

func TestResolveDevice(t *testing.T) {
	devices := []*portaudio.DeviceInfo{{Name: "mic-a"}, {Name: "mic-b"}}
	fallback := func() (*portaudio.DeviceInfo, error) {
		return &portaudio.DeviceInfo{Name: "default"}, nil
	}

	if d, err := resolveDevice(devices, 1, fallback); err != nil || d.Name != "mic-b" {
		t.Fatalf("resolveDevice(1) = %v, %v", d, err)
	}
	if d, err := resolveDevice(devices, -1, fallback); err != nil || d.Name != "default" {
		t.Fatalf("resolveDevice(-1) = %v, %v", d, err)
	}
	if d, err := resolveDevice(devices, 99, fallback); err != nil || d.Name != "default" {
		t.Fatalf("resolveDevice(99) = %v, %v", d, err)
	}
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	e := newTestEngine(t, engineConfig())
	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop without Start blocked")
	}
}
