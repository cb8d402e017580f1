package crypto

import (
	"fmt"
)

// PairingBoxOverhead is the number of bytes Seal adds beyond the plaintext
// length: an ephemeral X25519 public key, a nonce, and an AEAD tag.
const PairingBoxOverhead = KeySize + NonceSize + TagSize

const pairingBoxInfo = "toss-core/pairing-box-v1"

// ErrNoPrivateKey is returned when Open is attempted without the
// recipient's private key configured.
var ErrNoPrivateKey = fmt.Errorf("crypto: sealed box has no private key to open with")

// ErrInvalidCiphertext is returned when a sealed box is shorter than the
// minimum possible size.
var ErrInvalidCiphertext = fmt.Errorf("crypto: ciphertext too short to be a sealed box")

// PairingBox implements a one-shot anonymous-sender sealed box: the sender
// generates a fresh ephemeral X25519 keypair per call, computes ECDH against
// the recipient's long-lived public key, derives a key via HKDF, and seals
// with AES-256-GCM. It works without a session key. The pairing exchange
// in internal/pairing does not use it: that exchange authenticates with
// signed ephemeral keys and a confirmation MAC.
type PairingBox struct {
	recipientPublic [KeySize]byte
	recipientPrivate *[KeySize]byte
}

// NewPairingBox creates a box that can only Seal (encrypt to recipientPub).
func NewPairingBox(recipientPub [KeySize]byte) *PairingBox {
	return &PairingBox{recipientPublic: recipientPub}
}

// NewPairingBoxWithPrivate creates a box that can both Seal and Open, using
// recipientPriv to decrypt boxes addressed to recipientPub.
func NewPairingBoxWithPrivate(recipientPub, recipientPriv [KeySize]byte) *PairingBox {
	priv := recipientPriv
	return &PairingBox{recipientPublic: recipientPub, recipientPrivate: &priv}
}

// CanDecrypt reports whether this box holds a private key.
func (b *PairingBox) CanDecrypt() bool {
	return b.recipientPrivate != nil
}

// PublicKey returns the recipient's public key.
func (b *PairingBox) PublicKey() [KeySize]byte {
	return b.recipientPublic
}

// Seal encrypts plaintext to the box's recipient. Output layout is
// ephemeral_pub(32) ∥ nonce(12) ∥ ciphertext ∥ tag(16).
func (b *PairingBox) Seal(plaintext []byte) ([]byte, error) {
	ephPriv, ephPub, err := GenerateX25519Keypair()
	if err != nil {
		return nil, err
	}
	defer ZeroKey(&ephPriv)

	shared, err := ComputeECDH(ephPriv, b.recipientPublic)
	if err != nil {
		return nil, err
	}
	defer ZeroKey(&shared)

	salt := append(append([]byte{}, ephPub[:]...), b.recipientPublic[:]...)
	key, err := DeriveSingleKey(shared, salt, pairingBoxInfo)
	if err != nil {
		return nil, err
	}
	defer ZeroKey(&key)

	var nonce [NonceSize]byte
	if err := RandomBytes(nonce[:]); err != nil {
		return nil, err
	}

	ciphertext, err := Seal(key, nonce, plaintext, ephPub[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, KeySize+NonceSize+len(ciphertext))
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// Open decrypts a box produced by Seal, addressed to this box's recipient
// keypair.
func (b *PairingBox) Open(sealed []byte) ([]byte, error) {
	if !b.CanDecrypt() {
		return nil, ErrNoPrivateKey
	}
	if len(sealed) < PairingBoxOverhead {
		return nil, ErrInvalidCiphertext
	}

	var ephPub [KeySize]byte
	copy(ephPub[:], sealed[:KeySize])
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[KeySize:KeySize+NonceSize])
	ciphertext := sealed[KeySize+NonceSize:]

	shared, err := ComputeECDH(*b.recipientPrivate, ephPub)
	if err != nil {
		return nil, err
	}
	defer ZeroKey(&shared)

	salt := append(append([]byte{}, ephPub[:]...), b.recipientPublic[:]...)
	key, err := DeriveSingleKey(shared, salt, pairingBoxInfo)
	if err != nil {
		return nil, err
	}
	defer ZeroKey(&key)

	return Open(key, nonce, ciphertext, ephPub[:])
}

// Zero overwrites the recipient private key, if present.
func (b *PairingBox) Zero() {
	if b.recipientPrivate != nil {
		ZeroKey(b.recipientPrivate)
	}
}
