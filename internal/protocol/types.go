// Package protocol defines the wire protocol used between paired Toss
// devices: the envelope that carries every encrypted message, and the
// message bodies encrypted inside it.
package protocol

// MessageType identifies the plaintext body sealed inside an Envelope.
type MessageType uint8

const (
	TypePing             MessageType = 0x01
	TypePong             MessageType = 0x02
	TypeClipboardUpdate  MessageType = 0x10
	TypeClipboardAck     MessageType = 0x11
	TypeClipboardRequest MessageType = 0x12
	TypeDeviceInfo       MessageType = 0x20
	TypeKeyRotation      MessageType = 0x30
	TypeError            MessageType = 0xFF
)

// TypeName returns a human-readable name for a message type.
func TypeName(t MessageType) string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeClipboardUpdate:
		return "CLIPBOARD_UPDATE"
	case TypeClipboardAck:
		return "CLIPBOARD_ACK"
	case TypeClipboardRequest:
		return "CLIPBOARD_REQUEST"
	case TypeDeviceInfo:
		return "DEVICE_INFO"
	case TypeKeyRotation:
		return "KEY_ROTATION"
	case TypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ContentType tags a ClipboardContent variant.
type ContentType uint8

const (
	ContentPlainText ContentType = 0x01
	ContentRichText  ContentType = 0x02
	ContentImage     ContentType = 0x03
	ContentFile      ContentType = 0x04
	ContentURL       ContentType = 0x05
)

// ContentTypeName returns a human-readable name for a content type tag.
func ContentTypeName(t ContentType) string {
	switch t {
	case ContentPlainText:
		return "PlainText"
	case ContentRichText:
		return "RichText"
	case ContentImage:
		return "Image"
	case ContentFile:
		return "File"
	case ContentURL:
		return "Url"
	default:
		return "Unknown"
	}
}

// RotationReason tags why a KeyRotation message was sent.
type RotationReason uint8

const (
	RotationCounterExhausted RotationReason = 0x01
	RotationSessionAged      RotationReason = 0x02
	RotationExplicitRequest  RotationReason = 0x03
	RotationDecryptFailure   RotationReason = 0x04
)

const (
	// ProtocolVersion is the only version this codec currently emits and accepts.
	ProtocolVersion uint16 = 1

	// HeaderSize is the size of the cleartext envelope header in bytes.
	HeaderSize = 24

	// MaxWireSize is the maximum total envelope size (header + payload).
	MaxWireSize = 50 * 1024 * 1024

	// PlatformUnknown and friends tag the DeviceInfo platform enum.
	PlatformUnknown PlatformTag = 0
	PlatformLinux   PlatformTag = 1
	PlatformMacOS   PlatformTag = 2
	PlatformWindows PlatformTag = 3
	PlatformAndroid PlatformTag = 4
	PlatformIOS     PlatformTag = 5
)

// PlatformTag identifies the OS family of a device for DeviceInfo messages.
type PlatformTag uint8
