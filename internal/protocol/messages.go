package protocol

import (
	"encoding/binary"
	"fmt"
)

// maxStringLen bounds length-prefixed string fields (names, versions,
// error text). Byte-blob fields such as clipboard content are bounded by
// MaxWireSize instead, since images and files run far past any sane
// string length.
const maxStringLen = 1 << 20

// PingMessage carries a sender timestamp; Pong echoes it back.
type PingMessage struct {
	TimestampUnixMs int64
}

func (m PingMessage) Encode() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(m.TimestampUnixMs))
	return b
}

func DecodePing(data []byte) (PingMessage, error) {
	if len(data) != 8 {
		return PingMessage{}, fmt.Errorf("%w: ping body has %d bytes, want 8", ErrMalformedFrame, len(data))
	}
	return PingMessage{TimestampUnixMs: int64(binary.BigEndian.Uint64(data))}, nil
}

// PongMessage is the reply to a Ping, echoing the original timestamp.
type PongMessage struct {
	TimestampUnixMs int64
}

func (m PongMessage) Encode() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(m.TimestampUnixMs))
	return b
}

func DecodePong(data []byte) (PongMessage, error) {
	if len(data) != 8 {
		return PongMessage{}, fmt.Errorf("%w: pong body has %d bytes, want 8", ErrMalformedFrame, len(data))
	}
	return PongMessage{TimestampUnixMs: int64(binary.BigEndian.Uint64(data))}, nil
}

// ClipboardUpdateMessage carries a canonically encoded clipboard content
// blob (produced by the clipboard package) plus its content hash.
type ClipboardUpdateMessage struct {
	ContentType ContentType
	Content     []byte
	ContentHash [32]byte
}

func (m ClipboardUpdateMessage) Encode() []byte {
	out := make([]byte, 0, 1+4+len(m.Content)+32)
	out = append(out, byte(m.ContentType))
	out = appendBytes32(out, m.Content)
	out = append(out, m.ContentHash[:]...)
	return out
}

func DecodeClipboardUpdate(data []byte) (ClipboardUpdateMessage, error) {
	if len(data) < 1+4 {
		return ClipboardUpdateMessage{}, fmt.Errorf("%w: clipboard update body too short", ErrMalformedFrame)
	}
	typ := ContentType(data[0])
	content, rest, err := readBytes32(data[1:])
	if err != nil {
		return ClipboardUpdateMessage{}, err
	}
	if len(rest) != 32 {
		return ClipboardUpdateMessage{}, fmt.Errorf("%w: clipboard update missing content hash", ErrMalformedFrame)
	}
	var hash [32]byte
	copy(hash[:], rest)
	return ClipboardUpdateMessage{ContentType: typ, Content: content, ContentHash: hash}, nil
}

// ClipboardAckMessage acknowledges a ClipboardUpdate by message id.
type ClipboardAckMessage struct {
	MessageID   uint64
	ContentHash [32]byte
	Success     bool
	ErrorString string
}

func (m ClipboardAckMessage) Encode() []byte {
	out := make([]byte, 0, 8+32+1+4+len(m.ErrorString))
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, m.MessageID)
	out = append(out, idBuf...)
	out = append(out, m.ContentHash[:]...)
	if m.Success {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = appendString32(out, m.ErrorString)
	return out
}

func DecodeClipboardAck(data []byte) (ClipboardAckMessage, error) {
	if len(data) < 8+32+1+4 {
		return ClipboardAckMessage{}, fmt.Errorf("%w: clipboard ack body too short", ErrMalformedFrame)
	}
	msgID := binary.BigEndian.Uint64(data[0:8])
	var hash [32]byte
	copy(hash[:], data[8:40])
	success := data[40] != 0
	errStr, _, err := readString32(data[41:])
	if err != nil {
		return ClipboardAckMessage{}, err
	}
	return ClipboardAckMessage{MessageID: msgID, ContentHash: hash, Success: success, ErrorString: errStr}, nil
}

// ClipboardRequestMessage has an empty body; it asks the peer to send its
// current clipboard.
type ClipboardRequestMessage struct{}

func (m ClipboardRequestMessage) Encode() []byte { return nil }

func DecodeClipboardRequest(data []byte) (ClipboardRequestMessage, error) {
	if len(data) != 0 {
		return ClipboardRequestMessage{}, fmt.Errorf("%w: clipboard request body must be empty", ErrMalformedFrame)
	}
	return ClipboardRequestMessage{}, nil
}

// DeviceInfoMessage announces a device's identity and capabilities.
type DeviceInfoMessage struct {
	DeviceID [32]byte
	Name     string
	Platform PlatformTag
	Version  string
}

func (m DeviceInfoMessage) Encode() []byte {
	out := make([]byte, 0, 32+4+len(m.Name)+1+4+len(m.Version))
	out = append(out, m.DeviceID[:]...)
	out = appendString32(out, m.Name)
	out = append(out, byte(m.Platform))
	out = appendString32(out, m.Version)
	return out
}

func DecodeDeviceInfo(data []byte) (DeviceInfoMessage, error) {
	if len(data) < 32+4 {
		return DeviceInfoMessage{}, fmt.Errorf("%w: device info body too short", ErrMalformedFrame)
	}
	var id [32]byte
	copy(id[:], data[0:32])
	name, rest, err := readString32(data[32:])
	if err != nil {
		return DeviceInfoMessage{}, err
	}
	if len(rest) < 1+4 {
		return DeviceInfoMessage{}, fmt.Errorf("%w: device info body truncated", ErrMalformedFrame)
	}
	platform := PlatformTag(rest[0])
	version, _, err := readString32(rest[1:])
	if err != nil {
		return DeviceInfoMessage{}, err
	}
	return DeviceInfoMessage{DeviceID: id, Name: name, Platform: platform, Version: version}, nil
}

// KeyRotationMessage carries a signed new X25519 public key for session
// key rotation.
type KeyRotationMessage struct {
	NewPublicKey [32]byte
	Signature    [64]byte
	Reason       RotationReason
}

func (m KeyRotationMessage) Encode() []byte {
	out := make([]byte, 0, 32+64+1)
	out = append(out, m.NewPublicKey[:]...)
	out = append(out, m.Signature[:]...)
	out = append(out, byte(m.Reason))
	return out
}

func DecodeKeyRotation(data []byte) (KeyRotationMessage, error) {
	if len(data) != 32+64+1 {
		return KeyRotationMessage{}, fmt.Errorf("%w: key rotation body has %d bytes, want %d", ErrMalformedFrame, len(data), 32+64+1)
	}
	var pub [32]byte
	var sig [64]byte
	copy(pub[:], data[0:32])
	copy(sig[:], data[32:96])
	return KeyRotationMessage{NewPublicKey: pub, Signature: sig, Reason: RotationReason(data[96])}, nil
}

// ErrorMessage carries a machine-readable error code and free-text detail.
type ErrorMessage struct {
	Code    uint32
	Message string
}

func (m ErrorMessage) Encode() []byte {
	out := make([]byte, 0, 4+4+len(m.Message))
	codeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(codeBuf, m.Code)
	out = append(out, codeBuf...)
	out = appendString32(out, m.Message)
	return out
}

func DecodeError(data []byte) (ErrorMessage, error) {
	if len(data) < 4+4 {
		return ErrorMessage{}, fmt.Errorf("%w: error body too short", ErrMalformedFrame)
	}
	code := binary.BigEndian.Uint32(data[0:4])
	msg, _, err := readString32(data[4:])
	if err != nil {
		return ErrorMessage{}, err
	}
	return ErrorMessage{Code: code, Message: msg}, nil
}

func appendString32(out []byte, s string) []byte {
	return appendBytes32(out, []byte(s))
}

func appendBytes32(out []byte, b []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(b)))
	out = append(out, lenBuf...)
	out = append(out, b...)
	return out
}

func readString32(data []byte) (string, []byte, error) {
	b, rest, err := readBytes32(data)
	if err != nil {
		return "", nil, err
	}
	if len(b) > maxStringLen {
		return "", nil, fmt.Errorf("%w: string field exceeds %d bytes", ErrMalformedFrame, maxStringLen)
	}
	return string(b), rest, nil
}

func readBytes32(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: missing length prefix", ErrMalformedFrame)
	}
	n := binary.BigEndian.Uint32(data[0:4])
	if n > MaxWireSize {
		return nil, nil, fmt.Errorf("%w: length-prefixed field exceeds %d bytes", ErrMalformedFrame, MaxWireSize)
	}
	if uint32(len(data)-4) < n {
		return nil, nil, fmt.Errorf("%w: length-prefixed field truncated", ErrMalformedFrame)
	}
	out := make([]byte, n)
	copy(out, data[4:4+n])
	return out, data[4+n:], nil
}
