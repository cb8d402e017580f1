package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("sealed-payload-bytes-stand-in")
	env := NewEnvelope(TypeClipboardUpdate, 42, 1700000000000, payload)

	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := DecodeEnvelope(encoded)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}

	if decoded.Version != ProtocolVersion {
		t.Errorf("Version = %d, want %d", decoded.Version, ProtocolVersion)
	}
	if decoded.Type != TypeClipboardUpdate {
		t.Errorf("Type = %v, want %v", decoded.Type, TypeClipboardUpdate)
	}
	if decoded.MessageID != 42 {
		t.Errorf("MessageID = %d, want 42", decoded.MessageID)
	}
	if decoded.TimestampUnixMs != 1700000000000 {
		t.Errorf("TimestampUnixMs = %d, want 1700000000000", decoded.TimestampUnixMs)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("Payload = %q, want %q", decoded.Payload, payload)
	}
}

func TestEnvelopeHeaderIsDeterministicAAD(t *testing.T) {
	env := NewEnvelope(TypePing, 1, 1000, []byte("x"))
	h1 := env.Header()
	h2 := env.Header()
	if h1 != h2 {
		t.Fatal("Header() is not deterministic")
	}
}

func TestDecodeEnvelopeRejectsShortBuffer(t *testing.T) {
	if _, err := DecodeEnvelope(make([]byte, HeaderSize-1)); err != ErrMalformedFrame {
		t.Fatalf("DecodeEnvelope() error = %v, want ErrMalformedFrame", err)
	}
}

func TestDecodeEnvelopeRejectsWrongVersion(t *testing.T) {
	env := NewEnvelope(TypePing, 1, 1000, nil)
	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	encoded[0] = 0xFF
	encoded[1] = 0xFF

	if _, err := DecodeEnvelope(encoded); err == nil {
		t.Fatal("expected an error for an unknown protocol version")
	}
}

func TestDecodeEnvelopeRejectsLengthMismatch(t *testing.T) {
	env := NewEnvelope(TypePing, 1, 1000, []byte("12345678"))
	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	// Truncate the payload without updating the declared length field.
	truncated := encoded[:len(encoded)-2]

	if _, err := DecodeEnvelope(truncated); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("DecodeEnvelope() error = %v, want ErrMalformedFrame", err)
	}
}

func TestDecodeEnvelopeRejectsOversizedPayload(t *testing.T) {
	data := make([]byte, HeaderSize)
	data[0] = 0
	data[1] = 1 // version = 1
	// Declare a payload length larger than MaxWireSize allows.
	data[20], data[21], data[22], data[23] = 0xFF, 0xFF, 0xFF, 0xFF

	if _, err := DecodeEnvelope(data); err != ErrPayloadTooLarge {
		t.Fatalf("DecodeEnvelope() error = %v, want ErrPayloadTooLarge", err)
	}
}
