package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// ErrDecrypt is returned when AEAD tag verification fails. It carries no
// further detail (no side channels) and is fatal to the session that
// produced it.
var ErrDecrypt = fmt.Errorf("crypto: decryption failed")

// Seal encrypts plaintext with AES-256-GCM under key, using nonce and aad.
// Callers (the session manager) are responsible for nonce uniqueness;
// reusing a nonce under the same key is a caller bug, not something this
// function can detect.
func Seal(key [KeySize]byte, nonce [NonceSize]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open decrypts ciphertext (as produced by Seal) with constant-time tag
// verification. Any failure collapses to ErrDecrypt.
func Open(key [KeySize]byte, nonce [NonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// BuildNonce constructs the 12-byte AEAD nonce:
// a 4-byte random prefix (fixed for the life of a session key) followed by
// an 8-byte big-endian message counter. The prefix is regenerated on every
// key rotation so the (key, nonce) pair is never reused across rotations
// even if a counter were to repeat.
func BuildNonce(prefix [4]byte, counter uint64) [NonceSize]byte {
	var n [NonceSize]byte
	copy(n[0:4], prefix[:])
	n[4] = byte(counter >> 56)
	n[5] = byte(counter >> 48)
	n[6] = byte(counter >> 40)
	n[7] = byte(counter >> 32)
	n[8] = byte(counter >> 24)
	n[9] = byte(counter >> 16)
	n[10] = byte(counter >> 8)
	n[11] = byte(counter)
	return n
}
