// Package codec converts 20 ms PCM frames into wire payloads and back.
//
// Three codecs are available: raw little-endian PCM ("pcm16"), Opus in VoIP
// mode ("opus"), and G.711 mu-law ("ulaw"). The relay forwards payloads
// without inspecting them, so everyone on a channel must run the same codec.
//
// A Codec carries independent encoder and decoder state: the encode side is
// owned by the capture loop and the decode side by the playback loop, which
// is the only concurrency a single instance has to tolerate.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/zaf/g711"
	"gopkg.in/hraban/opus.v2"

	"github.com/mcordes92/dfg-funk/client/internal/dsp"
)

const (
	channels = 1

	// DefaultOpusBitrate is the initial Opus target. The bitrate adapter
	// moves it at runtime based on link quality.
	DefaultOpusBitrate = 24000

	// opusMaxPacketBytes is the RFC 6716 maximum Opus packet size.
	opusMaxPacketBytes = 1275
)

// Codec encodes outgoing PCM frames and decodes incoming payloads.
type Codec interface {
	Name() string
	Encode(pcm []int16) ([]byte, error)
	Decode(data []byte) ([]int16, error)
}

// Adaptive is implemented by codecs whose bitrate can be changed at runtime.
type Adaptive interface {
	Codec
	SetBitrate(bitsPerSecond int) error
	Bitrate() int
}

// New returns the codec registered under name: "pcm16", "opus" or "ulaw".
func New(name string) (Codec, error) {
	switch name {
	case "pcm16":
		return pcm16{}, nil
	case "opus":
		return newOpus()
	case "ulaw":
		return ulawCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// --- pcm16 ---

// pcm16 is the passthrough codec: samples as little-endian int16 bytes.
type pcm16 struct{}

func (pcm16) Name() string { return "pcm16" }

func (pcm16) Encode(pcm []int16) ([]byte, error) {
	data := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(s))
	}
	return data, nil
}

func (pcm16) Decode(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm16: odd payload length %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return pcm, nil
}

// --- ulaw ---

// ulawCodec compresses to G.711 mu-law, one byte per sample.
type ulawCodec struct{}

func (ulawCodec) Name() string { return "ulaw" }

func (c ulawCodec) Encode(pcm []int16) ([]byte, error) {
	lpcm, err := pcm16{}.Encode(pcm)
	if err != nil {
		return nil, err
	}
	return g711.EncodeUlaw(lpcm), nil
}

func (c ulawCodec) Decode(data []byte) ([]int16, error) {
	return pcm16{}.Decode(g711.DecodeUlaw(data))
}

// --- opus ---

type opusCodec struct {
	enc     *opus.Encoder
	dec     *opus.Decoder
	buf     []byte
	bitrate int
}

var _ Adaptive = (*opusCodec)(nil)

func newOpus() (*opusCodec, error) {
	enc, err := opus.NewEncoder(dsp.SampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	if err := enc.SetBitrate(DefaultOpusBitrate); err != nil {
		return nil, fmt.Errorf("opus bitrate: %w", err)
	}
	dec, err := opus.NewDecoder(dsp.SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &opusCodec{
		enc:     enc,
		dec:     dec,
		buf:     make([]byte, opusMaxPacketBytes),
		bitrate: DefaultOpusBitrate,
	}, nil
}

func (*opusCodec) Name() string { return "opus" }

func (c *opusCodec) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != dsp.FrameSize {
		return nil, fmt.Errorf("opus: frame must be %d samples, got %d", dsp.FrameSize, len(pcm))
	}
	n, err := c.enc.Encode(pcm, c.buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, c.buf[:n])
	return out, nil
}

func (c *opusCodec) Decode(data []byte) ([]int16, error) {
	pcm := make([]int16, dsp.FrameSize)
	n, err := c.dec.Decode(data, pcm)
	if err != nil {
		return nil, err
	}
	return pcm[:n], nil
}

// SetBitrate changes the encoder's target bitrate in bits per second.
func (c *opusCodec) SetBitrate(bitsPerSecond int) error {
	if err := c.enc.SetBitrate(bitsPerSecond); err != nil {
		return err
	}
	c.bitrate = bitsPerSecond
	return nil
}

// Bitrate returns the encoder's current target bitrate.
func (c *opusCodec) Bitrate() int { return c.bitrate }
