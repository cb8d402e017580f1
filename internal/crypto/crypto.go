// Package crypto provides the cryptographic primitives used for end-to-end
// confidentiality and authentication between paired devices: X25519 ECDH,
// AES-256-GCM AEAD, Ed25519 signatures, and HKDF-SHA256 key derivation.
package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 keys and derived symmetric keys in bytes.
	KeySize = 32

	// NonceSize is the size of AES-256-GCM nonces in bytes.
	NonceSize = 12

	// TagSize is the size of the GCM authentication tag in bytes.
	TagSize = 16

	// AEADOverhead is the total overhead Seal adds to plaintext:
	// the nonce is transmitted alongside the ciphertext (see protocol.Envelope),
	// so the overhead callers must budget for is just the tag.
	AEADOverhead = TagSize
)

// ErrInvalidKey is returned when key material is malformed (wrong size or
// a low-order/zero point).
var ErrInvalidKey = fmt.Errorf("crypto: invalid key material")

// ErrCryptoFatal is returned when the system RNG fails. This is fatal
// and must be propagated, never retried silently.
var ErrCryptoFatal = fmt.Errorf("crypto: fatal RNG failure")

// GenerateX25519Keypair generates a new ephemeral or long-lived X25519
// keypair from a cryptographic RNG. Never seed this from time or other
// low-entropy sources.
func GenerateX25519Keypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("%w: generate private key: %v", ErrCryptoFatal, err)
	}

	// Clamp the private key per the X25519 spec (RFC 7748).
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// ComputeECDH performs X25519 Diffie-Hellman and returns the shared secret.
// The result is rejected as ErrInvalidKey if either side is a low-order
// point, since such a shared secret provides no security.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("%w: zero remote public key", ErrInvalidKey)
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("%w: low-order ECDH result", ErrInvalidKey)
	}

	return sharedSecret, nil
}

// ZeroBytes overwrites a byte slice with zeroes. Use this to scrub ephemeral
// private keys, session keys, and clipboard plaintext once they are no
// longer needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites a fixed-size key array with zeroes.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// RandomBytes fills b with cryptographically secure random bytes.
func RandomBytes(b []byte) error {
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoFatal, err)
	}
	return nil
}
