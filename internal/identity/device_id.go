// Package identity manages the device's long-lived signing identity.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/tosslabs/toss-core/internal/crypto"
)

const (
	// DeviceIDSize is the size of a DeviceID in bytes (256 bits).
	DeviceIDSize = sha256.Size
)

var (
	// ErrInvalidIDLength is returned when a DeviceID byte slice has the wrong length.
	ErrInvalidIDLength = errors.New("invalid device ID length: expected 32 bytes")

	// ErrInvalidHexString is returned when a DeviceID hex string is malformed.
	ErrInvalidHexString = errors.New("invalid hex string for device ID")

	// ZeroDeviceID represents an uninitialized DeviceID.
	ZeroDeviceID = DeviceID{}
)

// DeviceID uniquely identifies a device: SHA-256(public_key_bytes).
type DeviceID [DeviceIDSize]byte

// DeviceIDFromPublicKey derives a DeviceID from an Ed25519 public key.
func DeviceIDFromPublicKey(pub [crypto.Ed25519PublicKeySize]byte) DeviceID {
	return DeviceID(sha256.Sum256(pub[:]))
}

// ParseDeviceID parses a DeviceID from a hex string.
func ParseDeviceID(s string) (DeviceID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != DeviceIDSize*2 {
		return ZeroDeviceID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), DeviceIDSize*2)
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return ZeroDeviceID, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var id DeviceID
	copy(id[:], raw)
	return id, nil
}

// DeviceIDFromBytes creates a DeviceID from a byte slice.
func DeviceIDFromBytes(b []byte) (DeviceID, error) {
	if len(b) != DeviceIDSize {
		return ZeroDeviceID, fmt.Errorf("%w: got %d bytes", ErrInvalidIDLength, len(b))
	}
	var id DeviceID
	copy(id[:], b)
	return id, nil
}

// String returns the full hex representation of the DeviceID.
func (id DeviceID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortHex returns the 16-hex-char prefix used in mDNS TXT records.
func (id DeviceID) ShortHex() string {
	return hex.EncodeToString(id[:8])
}

// Bytes returns the DeviceID as a byte slice.
func (id DeviceID) Bytes() []byte {
	return id[:]
}

// IsZero returns true if the DeviceID is uninitialized.
func (id DeviceID) IsZero() bool {
	return id == ZeroDeviceID
}

// Equal returns true if two DeviceIDs are identical.
func (id DeviceID) Equal(other DeviceID) bool {
	return id == other
}

// MarshalText implements encoding.TextMarshaler.
func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DeviceID) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
