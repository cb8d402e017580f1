package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned when a buffer cannot be parsed as a valid
// Envelope header.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// ErrProtocolVersionMismatch is returned when an envelope's header version
// does not match ProtocolVersion.
var ErrProtocolVersionMismatch = errors.New("protocol: unsupported protocol version")

// ErrPayloadTooLarge is returned when a declared or actual payload length
// exceeds MaxWireSize.
var ErrPayloadTooLarge = errors.New("protocol: payload exceeds maximum wire size")

// Envelope is the wire unit exchanged between paired devices: a cleartext
// header plus a sealed (AES-256-GCM) payload. Header returns the exact
// bytes used as AAD when sealing or opening Payload.
type Envelope struct {
	Version         uint16
	Type            MessageType
	MessageID       uint64
	TimestampUnixMs int64
	Payload         []byte // nonce(12) ∥ ciphertext ∥ tag(16)
}

// NewEnvelope builds an Envelope with the current protocol version.
func NewEnvelope(typ MessageType, messageID uint64, timestampUnixMs int64, payload []byte) *Envelope {
	return &Envelope{
		Version:         ProtocolVersion,
		Type:            typ,
		MessageID:       messageID,
		TimestampUnixMs: timestampUnixMs,
		Payload:         payload,
	}
}

// Header serializes the 24-byte cleartext header. Field layout:
// version(2) ∥ type(1) ∥ reserved(1) ∥ message_id(8) ∥ timestamp(8) ∥ payload_length(4).
func (e *Envelope) Header() [HeaderSize]byte {
	var h [HeaderSize]byte
	binary.BigEndian.PutUint16(h[0:2], e.Version)
	h[2] = byte(e.Type)
	h[3] = 0 // reserved
	binary.BigEndian.PutUint64(h[4:12], e.MessageID)
	binary.BigEndian.PutUint64(h[12:20], uint64(e.TimestampUnixMs))
	binary.BigEndian.PutUint32(h[20:24], uint32(len(e.Payload)))
	return h
}

// Encode serializes the full envelope: header followed by payload.
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.Payload) > MaxWireSize-HeaderSize {
		return nil, ErrPayloadTooLarge
	}
	header := e.Header()
	out := make([]byte, 0, HeaderSize+len(e.Payload))
	out = append(out, header[:]...)
	out = append(out, e.Payload...)
	return out, nil
}

// DecodeEnvelope parses an Envelope from wire bytes. Every header field
// is validated before the payload is touched; decryption is never
// attempted on a frame with a bad header.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) < HeaderSize {
		return nil, ErrMalformedFrame
	}
	if len(data) > MaxWireSize {
		return nil, ErrPayloadTooLarge
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrProtocolVersionMismatch, version, ProtocolVersion)
	}

	typ := MessageType(data[2])
	messageID := binary.BigEndian.Uint64(data[4:12])
	timestamp := int64(binary.BigEndian.Uint64(data[12:20]))
	payloadLen := binary.BigEndian.Uint32(data[20:24])

	if payloadLen > MaxWireSize-HeaderSize {
		return nil, ErrPayloadTooLarge
	}
	if uint32(len(data)-HeaderSize) != payloadLen {
		return nil, fmt.Errorf("%w: declared payload length %d, actual %d", ErrMalformedFrame, payloadLen, len(data)-HeaderSize)
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[HeaderSize:])

	return &Envelope{
		Version:         version,
		Type:            typ,
		MessageID:       messageID,
		TimestampUnixMs: timestamp,
		Payload:         payload,
	}, nil
}
