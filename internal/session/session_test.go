package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/identity"
)

func testPeer(t *testing.T) identity.DeviceID {
	t.Helper()
	var id identity.DeviceID
	id[0] = 0xAB
	return id
}

func testKey(t *testing.T) [crypto.KeySize]byte {
	t.Helper()
	var k [crypto.KeySize]byte
	if err := crypto.RandomBytes(k[:]); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := NewManager()
	peer := testPeer(t)
	if _, err := m.Establish(peer, testKey(t)); err != nil {
		t.Fatal(err)
	}

	aad := []byte("header-bytes")
	plaintext := []byte("hello clipboard")

	payload, counter, err := m.Encrypt(peer, plaintext, aad)
	if err != nil {
		t.Fatal(err)
	}
	if counter != 0 {
		t.Fatalf("first message counter = %d, want 0", counter)
	}

	got, err := m.Decrypt(peer, counter, payload, aad)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptAADMismatchFails(t *testing.T) {
	m := NewManager()
	peer := testPeer(t)
	m.Establish(peer, testKey(t))

	payload, counter, err := m.Encrypt(peer, []byte("x"), []byte("aad-a"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Decrypt(peer, counter, payload, []byte("aad-b")); !errors.Is(err, crypto.ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestReplayRejected(t *testing.T) {
	m := NewManager()
	peer := testPeer(t)
	m.Establish(peer, testKey(t))

	aad := []byte("aad")
	payload, counter, err := m.Encrypt(peer, []byte("first"), aad)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Decrypt(peer, counter, payload, aad); err != nil {
		t.Fatal(err)
	}

	// Deliver the same (counter, payload) again: must be rejected.
	if _, err := m.Decrypt(peer, counter, payload, aad); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
}

func TestOutOfOrderLowerCounterRejected(t *testing.T) {
	m := NewManager()
	peer := testPeer(t)
	m.Establish(peer, testKey(t))
	aad := []byte("aad")

	_, _, err := m.Encrypt(peer, []byte("a"), aad)
	if err != nil {
		t.Fatal(err)
	}
	p2, c2, err := m.Encrypt(peer, []byte("b"), aad)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Decrypt(peer, c2, p2, aad); err != nil {
		t.Fatal(err)
	}

	// Now counter 0 arrives late: must be rejected since high-water is 1.
	// The replay check happens before decryption, so the payload's
	// validity is irrelevant.
	if _, err := m.Decrypt(peer, 0, p2, aad); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay for stale counter, got %v", err)
	}
}

func TestRotationRequiredAtThreshold(t *testing.T) {
	m := NewManager()
	peer := testPeer(t)
	s, _ := m.Establish(peer, testKey(t))

	s.mu.Lock()
	s.outbound = RotateThreshold
	s.mu.Unlock()

	if _, _, err := m.Encrypt(peer, []byte("x"), nil); !errors.Is(err, ErrRotationRequired) {
		t.Fatalf("expected ErrRotationRequired, got %v", err)
	}

	reason, needs := m.NeedsRotation(peer)
	if !needs || reason != RotationCounterExhausted {
		t.Fatalf("NeedsRotation = (%v, %v), want (RotationCounterExhausted, true)", reason, needs)
	}
}

func TestRotateResetsCountersAndDecryptsCleanly(t *testing.T) {
	m := NewManager()
	peer := testPeer(t)
	m.Establish(peer, testKey(t))

	aad := []byte("aad")
	if _, _, err := m.Encrypt(peer, []byte("before"), aad); err != nil {
		t.Fatal(err)
	}

	newKey := testKey(t)
	if _, err := m.Rotate(peer, newKey); err != nil {
		t.Fatal(err)
	}

	snap, ok := m.Snapshot(peer)
	if !ok || snap.OutboundCounter != 0 || snap.InboundHighWater != 0 {
		t.Fatalf("snapshot after rotation = %+v, want zeroed counters", snap)
	}

	payload, counter, err := m.Encrypt(peer, []byte("after"), aad)
	if err != nil {
		t.Fatal(err)
	}
	if counter != 0 {
		t.Fatalf("post-rotation counter = %d, want 0", counter)
	}
	got, err := m.Decrypt(peer, counter, payload, aad)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "after" {
		t.Fatalf("got %q, want %q", got, "after")
	}
}

func TestRemoveSessionRejectsFurtherMessages(t *testing.T) {
	m := NewManager()
	peer := testPeer(t)
	m.Establish(peer, testKey(t))
	m.Remove(peer)

	if _, _, err := m.Encrypt(peer, []byte("x"), nil); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer after removal, got %v", err)
	}
}

func TestExplicitRotationRequest(t *testing.T) {
	m := NewManager()
	peer := testPeer(t)
	m.Establish(peer, testKey(t))

	if err := m.RequestRotation(peer); err != nil {
		t.Fatal(err)
	}
	reason, needs := m.NeedsRotation(peer)
	if !needs || reason != RotationExplicitRequest {
		t.Fatalf("NeedsRotation = (%v, %v), want (RotationExplicitRequest, true)", reason, needs)
	}
}
