package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Domain-separation info strings for HKDF-SHA256, one per derived purpose.
// Three distinct 32-byte keys are derived from a single X25519 shared
// secret: session encryption, message authentication (reserved), and
// storage encryption.
const (
	infoSessionKey = "toss-core/session-v1"
	infoMACKey     = "toss-core/mac-v1"
	infoStorageKey = "toss-core/storage-v1"
)

// DerivedKeys holds the three keys derived from a single pairing exchange.
type DerivedKeys struct {
	Session [KeySize]byte
	MAC     [KeySize]byte
	Storage [KeySize]byte
}

// Zero overwrites all derived keys.
func (d *DerivedKeys) Zero() {
	ZeroKey(&d.Session)
	ZeroKey(&d.MAC)
	ZeroKey(&d.Storage)
}

// DeriveKeys expands an X25519 shared secret into the session, MAC, and
// storage keys. salt binds the derivation to the specific pairing
// exchange (both parties' public keys).
func DeriveKeys(sharedSecret [KeySize]byte, salt []byte) (*DerivedKeys, error) {
	out := &DerivedKeys{}

	if err := deriveOne(sharedSecret, salt, infoSessionKey, &out.Session); err != nil {
		return nil, err
	}
	if err := deriveOne(sharedSecret, salt, infoMACKey, &out.MAC); err != nil {
		return nil, err
	}
	if err := deriveOne(sharedSecret, salt, infoStorageKey, &out.Storage); err != nil {
		return nil, err
	}

	return out, nil
}

// DeriveSingleKey derives one 32-byte key with a caller-supplied info
// string. Used by session rotation, which only ever needs a fresh
// session key, not the full triple.
func DeriveSingleKey(sharedSecret [KeySize]byte, salt []byte, info string) ([KeySize]byte, error) {
	var out [KeySize]byte
	if err := deriveOne(sharedSecret, salt, info, &out); err != nil {
		return out, err
	}
	return out, nil
}

func deriveOne(sharedSecret [KeySize]byte, salt []byte, info string, out *[KeySize]byte) error {
	reader := hkdf.New(sha256.New, sharedSecret[:], salt, []byte(info))
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return fmt.Errorf("hkdf derive %q: %w", info, err)
	}
	return nil
}

// SessionKeyInfo is the HKDF info string used for session rotation,
// exported so internal/core can derive a rotated session key consistently.
const SessionKeyInfo = infoSessionKey
