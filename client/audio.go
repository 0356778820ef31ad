package main

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/mcordes92/dfg-funk/client/internal/agc"
	"github.com/mcordes92/dfg-funk/client/internal/codec"
	"github.com/mcordes92/dfg-funk/client/internal/config"
	"github.com/mcordes92/dfg-funk/client/internal/dsp"
	"github.com/mcordes92/dfg-funk/client/internal/noisegate"
	"github.com/mcordes92/dfg-funk/client/internal/playback"
	"github.com/mcordes92/dfg-funk/client/internal/vad"
)

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// cueChannelBuf is the number of queued 20 ms cue frames, about four
// seconds of UI sound.
const cueChannelBuf = 200

// AudioDevice is one selectable capture or playback device.
type AudioDevice struct {
	ID   int
	Name string
}

// ListInputDevices returns all devices with at least one input channel.
// PortAudio must be initialized.
func ListInputDevices() []AudioDevice {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// ListOutputDevices returns all devices with at least one output channel.
func ListOutputDevices() []AudioDevice {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

func listDevices(match func(*portaudio.DeviceInfo) bool) []AudioDevice {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil
	}
	var out []AudioDevice
	for i, d := range devices {
		if match(d) {
			out = append(out, AudioDevice{ID: i, Name: d.Name})
		}
	}
	return out
}

// EngineStats is a snapshot of the audio pipeline for the info display.
type EngineStats struct {
	LevelDB        float64
	GateOpen       bool
	Playback       playback.Stats
	EncodeFailures uint64
}

// Engine owns the sound device and both audio paths. The capture pipeline
// runs band-pass, level metering, optional AGC, soft clipping, 16-bit
// quantization, voice gating, and encoding; the playback pipeline drains
// the adaptive queue and mixes pending cue frames on top. One goroutine
// per direction, both driven by blocking PortAudio calls.
type Engine struct {
	log *slog.Logger

	micDevice     int
	speakerDevice int

	enc codec.Codec
	raw codec.Codec // frame fallback when the main codec fails

	band   *dsp.BandPass
	agc    *agc.AGC
	gate   *noisegate.Gate
	vad    *vad.VAD
	player *playback.Player

	// OnFrame receives each encoded frame that passed the gate while
	// recording. Set before Start.
	OnFrame func(payload []byte)

	// Ready additionally gates emission, wired to the session's
	// CanTransmit. Nil means always ready.
	Ready func() bool

	mu             sync.Mutex
	captureStream  paStream
	playbackStream paStream

	cueCh chan []float32

	running    atomic.Bool
	recording  atomic.Bool
	vadEnabled atomic.Bool
	agcEnabled atomic.Bool
	gateOpen   atomic.Bool

	levelBits      atomic.Uint64 // capture level in dBFS, float64 bits
	encodeFailures atomic.Uint64

	soundsEnabled bool
	soundVolume   float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine builds the audio pipeline from the user's preferences. enc is
// shared between the encoder side and the playback decoder.
func NewEngine(cfg config.Config, enc codec.Codec, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	gate := noisegate.New()
	gate.SetEnabled(cfg.NoiseGateEnabled)
	gate.SetThreshold(cfg.NoiseGateThreshold)

	raw, _ := codec.New("pcm16")

	e := &Engine{
		log:           log,
		micDevice:     cfg.MicDevice,
		speakerDevice: cfg.SpeakerDevice,
		enc:           enc,
		raw:           raw,
		band:          dsp.NewBandPass(dsp.SampleRate),
		agc:           agc.New(),
		gate:          gate,
		vad:           vad.New(cfg.VADAggressiveness),
		player:        playback.New(enc, cfg.Volume),
		cueCh:         make(chan []float32, cueChannelBuf),
		soundsEnabled: cfg.SoundsEnabled,
		soundVolume:   float64(cfg.SoundVolume) / 100,
		stopCh:        make(chan struct{}),
	}
	e.vadEnabled.Store(cfg.VADEnabled)
	e.agcEnabled.Store(cfg.AGCEnabled)
	e.levelBits.Store(math.Float64bits(dsp.DB(0)))
	return e
}

// Start opens the capture and playback streams and spawns both loops.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	inputDev, err := resolveDevice(devices, e.micDevice, portaudio.DefaultInputDevice)
	if err != nil {
		return fmt.Errorf("resolve input device: %w", err)
	}
	outputDev, err := resolveDevice(devices, e.speakerDevice, portaudio.DefaultOutputDevice)
	if err != nil {
		return fmt.Errorf("resolve output device: %w", err)
	}

	captureBuf := make([]float32, dsp.FrameSize)
	captureParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: 1,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      dsp.SampleRate,
		FramesPerBuffer: dsp.FrameSize,
	}
	captureStream, err := portaudio.OpenStream(captureParams, captureBuf)
	if err != nil {
		return fmt.Errorf("open capture stream: %w", err)
	}

	playbackBuf := make([]float32, dsp.FrameSize)
	playbackParams := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: 1,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      dsp.SampleRate,
		FramesPerBuffer: dsp.FrameSize,
	}
	playbackStream, err := portaudio.OpenStream(playbackParams, playbackBuf)
	if err != nil {
		captureStream.Close()
		return fmt.Errorf("open playback stream: %w", err)
	}

	if err := captureStream.Start(); err != nil {
		captureStream.Close()
		playbackStream.Close()
		return fmt.Errorf("start capture stream: %w", err)
	}
	if err := playbackStream.Start(); err != nil {
		captureStream.Stop()
		captureStream.Close()
		playbackStream.Close()
		return fmt.Errorf("start playback stream: %w", err)
	}

	e.captureStream = captureStream
	e.playbackStream = playbackStream
	e.running.Store(true)

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.captureLoop(captureBuf) }()
	go func() { defer e.wg.Done(); e.playbackLoop(playbackBuf) }()

	e.log.Info("audio started",
		"capture", inputDev.Name, "playback", outputDev.Name, "codec", e.enc.Name())
	return nil
}

// resolveDevice returns the device at idx if valid, otherwise calls fallback.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Stop halts capture and playback.
//
// Sequence matters here: Pa_StopStream is thread-safe and causes blocking
// Pa_ReadStream/Pa_WriteStream calls to return, which lets the goroutines
// exit. We must wait for them via wg before calling Pa_CloseStream,
// otherwise we free the native stream object while a goroutine may still
// be touching it (SIGSEGV).
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)

	e.mu.Lock()
	if e.captureStream != nil {
		e.captureStream.Stop()
	}
	if e.playbackStream != nil {
		e.playbackStream.Stop()
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	if e.captureStream != nil {
		e.captureStream.Close()
		e.captureStream = nil
	}
	if e.playbackStream != nil {
		e.playbackStream.Close()
		e.playbackStream = nil
	}
	e.mu.Unlock()

	e.player.Reset()
	e.log.Info("audio stopped")
}

// captureLoop runs the send pipeline on each 20 ms frame PortAudio fills
// into buf. The gate keeps tracking the mic level even while not
// recording, so its hold state is current when a transmission starts.
func (e *Engine) captureLoop(buf []float32) {
	pcm := make([]int16, dsp.FrameSize)

	for e.running.Load() {
		if err := e.captureStream.Read(); err != nil {
			if e.running.Load() {
				e.log.Warn("capture read failed", "err", err)
			}
			return
		}

		e.band.Process(buf)

		level := dsp.DB(float64(dsp.RMS(buf)))
		e.levelBits.Store(math.Float64bits(level))

		if e.agcEnabled.Load() {
			e.agc.Process(buf)
		}
		dsp.SoftClip(buf)

		for i, v := range buf {
			pcm[i] = int16(clampSample(v) * 32767)
		}

		var open bool
		if e.vadEnabled.Load() {
			open = e.vad.IsSpeech(pcm, dsp.SampleRate)
		} else {
			open = e.gate.Open(level)
		}
		e.gateOpen.Store(open)
		if !open || !e.recording.Load() || !e.ready() {
			continue
		}

		payload, err := e.enc.Encode(pcm)
		if err != nil {
			e.encodeFailures.Add(1)
			e.log.Debug("encode failed, sending raw frame", "err", err)
			payload, _ = e.raw.Encode(pcm)
		}
		if e.OnFrame != nil {
			e.OnFrame(payload)
		}
	}
}

// playbackLoop feeds the output stream from the adaptive queue and mixes
// one pending cue frame per cycle on top.
func (e *Engine) playbackLoop(buf []float32) {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		e.player.NextFrame(buf)

		select {
		case cue := <-e.cueCh:
			for i, v := range cue {
				if i >= len(buf) {
					break
				}
				buf[i] = clampSample(buf[i] + v)
			}
		default:
		}

		if err := e.playbackStream.Write(); err != nil {
			if e.running.Load() {
				e.log.Warn("playback write failed", "err", err)
			}
			return
		}
	}
}

func (e *Engine) ready() bool {
	if e.Ready == nil {
		return true
	}
	return e.Ready()
}

// Push queues one received payload for playout. The payload is copied
// before Push returns.
func (e *Engine) Push(payload []byte) {
	e.player.Push(payload)
}

// SetRecording opens and closes the push-to-talk emission gate.
func (e *Engine) SetRecording(on bool) {
	e.recording.Store(on)
}

// Recording reports whether the emission gate is open.
func (e *Engine) Recording() bool {
	return e.recording.Load()
}

// SetVolume updates the playback master volume.
func (e *Engine) SetVolume(v float64) {
	e.player.SetVolume(v)
}

// Adaptive reports whether the configured codec supports runtime bitrate
// changes.
func (e *Engine) Adaptive() bool {
	_, ok := e.enc.(codec.Adaptive)
	return ok
}

// SetBitrate retargets the encoder. No-op for fixed-rate codecs.
func (e *Engine) SetBitrate(kbps int) {
	ad, ok := e.enc.(codec.Adaptive)
	if !ok {
		return
	}
	if err := ad.SetBitrate(kbps * 1000); err != nil {
		e.log.Warn("set bitrate failed", "kbps", kbps, "err", err)
	}
}

// CurrentBitrate returns the encoder target in kbps, 0 for fixed-rate
// codecs.
func (e *Engine) CurrentBitrate() int {
	if ad, ok := e.enc.(codec.Adaptive); ok {
		return ad.Bitrate() / 1000
	}
	return 0
}

// Stats returns a snapshot of pipeline health.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		LevelDB:        math.Float64frombits(e.levelBits.Load()),
		GateOpen:       e.gateOpen.Load(),
		Playback:       e.player.Stats(),
		EncodeFailures: e.encodeFailures.Load(),
	}
}

// clampSample limits a sample to [-1, 1].
func clampSample(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
