package core

import (
	"bytes"
	"testing"

	tosscrypto "github.com/tosslabs/toss-core/internal/crypto"
)

// TestRotationSaltIsOrderIndependent checks both sides of a key rotation
// derive byte-identical HKDF salt: the initiator passes (mine, theirs),
// the responder passes (theirs, mine), and a mismatch would leave the
// two peers on different session keys after every rotation.
func TestRotationSaltIsOrderIndependent(t *testing.T) {
	var a, b [tosscrypto.KeySize]byte
	if err := tosscrypto.RandomBytes(a[:]); err != nil {
		t.Fatal(err)
	}
	if err := tosscrypto.RandomBytes(b[:]); err != nil {
		t.Fatal(err)
	}

	saltAB := rotationSalt(a, b)
	saltBA := rotationSalt(b, a)
	if !bytes.Equal(saltAB, saltBA) {
		t.Fatal("rotationSalt depends on argument order; peers would derive different session keys")
	}
	if len(saltAB) != 2*tosscrypto.KeySize {
		t.Fatalf("salt length = %d, want %d", len(saltAB), 2*tosscrypto.KeySize)
	}
}

// TestRotationSaltBindsBothKeys checks the salt actually commits to both
// public keys, not just one.
func TestRotationSaltBindsBothKeys(t *testing.T) {
	var a, b, c [tosscrypto.KeySize]byte
	a[0], b[0], c[0] = 1, 2, 3

	if bytes.Equal(rotationSalt(a, b), rotationSalt(a, c)) {
		t.Fatal("salt ignores the second key")
	}
	if bytes.Equal(rotationSalt(a, b), rotationSalt(c, b)) {
		t.Fatal("salt ignores the first key")
	}
}
