// Package protocol defines the binary datagram format spoken between the
// funk server and its clients.
//
// Every datagram starts with a fixed 5-byte header:
//
//	byte 0    packet type
//	byte 1    channel ID
//	byte 2    user ID
//	bytes 3-4 sequence number, big-endian
//
// followed by a type-dependent payload. AUDIO payloads carry encoded voice
// frames, AUTH carries the UTF-8 credential, AUTH_FAIL carries a UTF-8
// reason string, and the remaining types have no payload. Sequence numbers
// are only meaningful for AUDIO; all other builders leave them at zero.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed length of the datagram header in bytes.
	HeaderSize = 5

	// MaxPacketSize is the largest datagram either side will read or write.
	MaxPacketSize = 8192

	// MaxPayloadSize is the largest payload that fits in one datagram.
	MaxPayloadSize = MaxPacketSize - HeaderSize

	// SeqModulo is the sequence number space; counters wrap at this value.
	SeqModulo = 65536
)

// Type identifies the kind of datagram.
type Type uint8

const (
	TypeAudio    Type = 0 // encoded voice frame
	TypePing     Type = 1 // client keepalive probe
	TypePong     Type = 2 // server keepalive reply
	TypeAuth     Type = 3 // credential presentation for one channel
	TypeAuthOK   Type = 4 // channel authentication granted
	TypeAuthFail Type = 5 // channel authentication rejected, payload = reason
)

// AUTH_FAIL reason strings carried verbatim in the payload.
const (
	ReasonInvalidKey       = "Invalid funk key"
	ReasonNotAuthorized    = "Channel not authorized"
	ReasonNotAuthenticated = "Not authenticated"
	ReasonAuthError        = "Auth error"
)

// Valid reports whether t is a known packet type.
func (t Type) Valid() bool { return t <= TypeAuthFail }

// String returns the wire name of the packet type.
func (t Type) String() string {
	switch t {
	case TypeAudio:
		return "AUDIO"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeAuth:
		return "AUTH"
	case TypeAuthOK:
		return "AUTH_OK"
	case TypeAuthFail:
		return "AUTH_FAIL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

var (
	// ErrShortPacket is returned when a datagram is smaller than the header.
	ErrShortPacket = errors.New("protocol: packet shorter than header")

	// ErrUnknownType is returned when the type byte is not a known Type.
	ErrUnknownType = errors.New("protocol: unknown packet type")

	// ErrPacketTooLarge is returned when a payload would not fit in one datagram.
	ErrPacketTooLarge = errors.New("protocol: packet exceeds maximum size")
)

// Packet is one decoded datagram.
type Packet struct {
	Type    Type
	Channel uint8
	User    uint8
	Seq     uint16
	Payload []byte
}

// Marshal encodes the packet into a freshly allocated buffer.
func (p Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrPacketTooLarge
	}
	buf := make([]byte, HeaderSize+len(p.Payload))
	p.putHeader(buf)
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// MarshalTo encodes the packet into dst and returns the number of bytes
// written. dst must have room for HeaderSize+len(Payload) bytes; reusing a
// pooled buffer here keeps the audio send path allocation-free.
func (p Packet) MarshalTo(dst []byte) (int, error) {
	if len(p.Payload) > MaxPayloadSize {
		return 0, ErrPacketTooLarge
	}
	n := HeaderSize + len(p.Payload)
	if len(dst) < n {
		return 0, fmt.Errorf("protocol: buffer too small: %d < %d", len(dst), n)
	}
	p.putHeader(dst)
	copy(dst[HeaderSize:], p.Payload)
	return n, nil
}

func (p Packet) putHeader(buf []byte) {
	buf[0] = byte(p.Type)
	buf[1] = p.Channel
	buf[2] = p.User
	binary.BigEndian.PutUint16(buf[3:5], p.Seq)
}

// Unmarshal decodes one datagram. The returned Payload aliases data; copy
// it if it must outlive the read buffer.
func Unmarshal(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, ErrShortPacket
	}
	if len(data) > MaxPacketSize {
		return Packet{}, ErrPacketTooLarge
	}
	t := Type(data[0])
	if !t.Valid() {
		return Packet{}, ErrUnknownType
	}
	return Packet{
		Type:    t,
		Channel: data[1],
		User:    data[2],
		Seq:     binary.BigEndian.Uint16(data[3:5]),
		Payload: data[HeaderSize:],
	}, nil
}

// Audio builds an AUDIO packet carrying one encoded voice frame.
func Audio(channel, user uint8, seq uint16, frame []byte) Packet {
	return Packet{Type: TypeAudio, Channel: channel, User: user, Seq: seq, Payload: frame}
}

// Auth builds an AUTH packet presenting credential for channel.
func Auth(channel, user uint8, credential string) Packet {
	return Packet{Type: TypeAuth, Channel: channel, User: user, Payload: []byte(credential)}
}

// AuthOK builds the positive authentication reply for channel.
func AuthOK(channel, user uint8) Packet {
	return Packet{Type: TypeAuthOK, Channel: channel, User: user}
}

// AuthFail builds the negative authentication reply carrying a reason string.
func AuthFail(channel, user uint8, reason string) Packet {
	return Packet{Type: TypeAuthFail, Channel: channel, User: user, Payload: []byte(reason)}
}

// Ping builds a keepalive probe for channel.
func Ping(channel, user uint8) Packet {
	return Packet{Type: TypePing, Channel: channel, User: user}
}

// Pong builds the keepalive reply mirroring the probe's channel and user.
func Pong(channel, user uint8) Packet {
	return Packet{Type: TypePong, Channel: channel, User: user}
}

// SeqBefore reports whether sequence a is older than b in modulo-65536
// arithmetic. The signed distance interprets differences of up to half the
// sequence space in either direction.
func SeqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}

// SeqDistance returns the forward distance from a to b modulo 65536.
func SeqDistance(a, b uint16) uint16 {
	return b - a
}
