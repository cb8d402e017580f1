package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

const (
	// Ed25519PublicKeySize is the size of an Ed25519 public key in bytes.
	Ed25519PublicKeySize = ed25519.PublicKeySize

	// Ed25519PrivateKeySize is the size of an Ed25519 private key (seed +
	// public key) in bytes, as produced by ed25519.GenerateKey.
	Ed25519PrivateKeySize = ed25519.PrivateKeySize

	// Ed25519SeedSize is the size of the seed from which a private key is
	// derived; this is what gets persisted to the device's identity store.
	Ed25519SeedSize = ed25519.SeedSize

	// Ed25519SignatureSize is the size of an Ed25519 signature in bytes.
	Ed25519SignatureSize = ed25519.SignatureSize
)

// SigningKeypair is the device's long-lived Ed25519 identity keypair, used
// to sign the initial pairing exchange and, transitively, to derive the
// device's identifier.
type SigningKeypair struct {
	PublicKey  [Ed25519PublicKeySize]byte
	PrivateKey [Ed25519PrivateKeySize]byte
}

// GenerateSigningKeypair creates a new random Ed25519 keypair.
func GenerateSigningKeypair() (*SigningKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate signing key: %v", ErrCryptoFatal, err)
	}

	kp := &SigningKeypair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.PrivateKey[:], priv)
	return kp, nil
}

// SigningKeypairFromSeed deterministically reconstructs a keypair from a
// 32-byte seed, the form persisted by the identity store.
func SigningKeypairFromSeed(seed [Ed25519SeedSize]byte) *SigningKeypair {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)

	kp := &SigningKeypair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.PrivateKey[:], priv)
	return kp
}

// Seed returns the 32-byte seed for persistence.
func (kp *SigningKeypair) Seed() [Ed25519SeedSize]byte {
	var seed [Ed25519SeedSize]byte
	copy(seed[:], ed25519.PrivateKey(kp.PrivateKey[:]).Seed())
	return seed
}

// Sign signs msg with the keypair's private key. Callers must include a
// domain-separation prefix in msg so a signature over one
// message type can never be replayed as a signature over another.
func (kp *SigningKeypair) Sign(msg []byte) [Ed25519SignatureSize]byte {
	sig := ed25519.Sign(ed25519.PrivateKey(kp.PrivateKey[:]), msg)
	var out [Ed25519SignatureSize]byte
	copy(out[:], sig)
	return out
}

// Zero overwrites the private key.
func (kp *SigningKeypair) Zero() {
	ZeroBytes(kp.PrivateKey[:])
}

// Verify checks sig over msg under the given Ed25519 public key.
func Verify(pub [Ed25519PublicKeySize]byte, msg []byte, sig [Ed25519SignatureSize]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig[:])
}

// ConstantTimeEqual reports whether a and b are equal, without leaking
// timing information about where they first differ. Used to compare
// pairing confirmation MACs.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
