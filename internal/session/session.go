// Package session implements per-peer cryptographic session state: a
// symmetric key, monotonic outbound/inbound counters, and key rotation.
// It is the only owner of live session key material;
// Storage only ever sees the encrypted-at-rest form (internal/storage).
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/identity"
)

// RotateThreshold is the outbound message count that forces rotation
// before the next send.
const RotateThreshold = 1000

// MaxSessionAge forces rotation once a session key has been in use this
// long, regardless of message count.
const MaxSessionAge = 24 * time.Hour

// ZeroizeGrace is how long a rotated-out key is kept alive to decrypt
// messages still in flight before it is zeroized.
const ZeroizeGrace = 5 * time.Second

// ErrRotationRequired is returned by Encrypt when the session has reached
// a rotation trigger; the caller must drive a KeyRotation exchange and
// call Rotate before the message can be sent.
var ErrRotationRequired = errors.New("session: key rotation required before next send")

// ErrUnknownPeer is returned when no session exists for a peer.
var ErrUnknownPeer = errors.New("session: no session for peer")

// ErrReplay is returned by Decrypt when a message's counter has already
// been seen or falls behind the high-water mark.
var ErrReplay = errors.New("session: replayed or out-of-order counter")

// RotationReason records why NeedsRotation returned true, mirroring
// protocol.RotationReason without importing it (session must not depend
// on the wire codec package).
type RotationReason uint8

const (
	RotationNone RotationReason = iota
	RotationCounterExhausted
	RotationSessionAged
	RotationExplicitRequest
	RotationDecryptFailure
)

// Session is one peer's live cryptographic session state.
type Session struct {
	mu sync.Mutex

	key         [crypto.KeySize]byte
	noncePrefix [4]byte
	outbound    uint64
	inboundHigh uint64
	inboundSeen bool // false until the first counter is accepted; counter 0 is valid on a fresh session
	createdAt   time.Time
	explicitRot bool
	decryptFail bool

	// retired holds the previous key during the post-rotation grace
	// window so messages still in flight on the old key can be decrypted.
	// The old nonce prefix is not kept: inbound nonces arrive whole in
	// the wire payload, so decryption never reconstructs one.
	retired      *[crypto.KeySize]byte
	retiredUntil time.Time
}

// newSession builds a fresh Session with counters at zero and a random
// nonce prefix.
func newSession(key [crypto.KeySize]byte) (*Session, error) {
	s := &Session{key: key, createdAt: time.Now()}
	if err := crypto.RandomBytes(s.noncePrefix[:]); err != nil {
		return nil, err
	}
	return s, nil
}

// Manager owns every peer's live Session. Each Session gets its own
// mutex so peers never contend with each other.
type Manager struct {
	mu       sync.RWMutex
	sessions map[identity.DeviceID]*Session

	onZeroize func(identity.DeviceID, *[crypto.KeySize]byte)
}

// NewManager constructs an empty session Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[identity.DeviceID]*Session)}
}

// Establish installs a brand new session for peer, replacing any
// existing one outright (used after pairing completes). It never goes
// through the rotation grace path: pairing produces a wholly new peer
// relationship, not a continuation.
func (m *Manager) Establish(peer identity.DeviceID, key [crypto.KeySize]byte) (*Session, error) {
	s, err := newSession(key)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[peer] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the live session for peer, if any.
func (m *Manager) Get(peer identity.DeviceID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peer]
	return s, ok
}

// Remove deletes a peer's session entirely: after remove_device, no
// further message from or to that device is accepted.
func (m *Manager) Remove(peer identity.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[peer]; ok {
		crypto.ZeroKey(&s.key)
		delete(m.sessions, peer)
	}
}

// RequestRotation flags peer's session for explicit rotation on the next
// NeedsRotation check.
func (m *Manager) RequestRotation(peer identity.DeviceID) error {
	s, ok := m.Get(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	s.mu.Lock()
	s.explicitRot = true
	s.mu.Unlock()
	return nil
}

// markDecryptFailure flags peer's session as needing rotation after a
// decrypt failure.
func (m *Manager) markDecryptFailure(s *Session) {
	s.mu.Lock()
	s.decryptFail = true
	s.mu.Unlock()
}

// NeedsRotation reports whether peer's session has hit a rotation
// trigger and, if so, which one. Checked before every
// Encrypt call at the layer driving the wire protocol (the sync engine /
// peer link), and periodically for the session-age trigger.
func (m *Manager) NeedsRotation(peer identity.DeviceID) (RotationReason, bool) {
	s, ok := m.Get(peer)
	if !ok {
		return RotationNone, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.decryptFail:
		return RotationDecryptFailure, true
	case s.explicitRot:
		return RotationExplicitRequest, true
	case s.outbound >= RotateThreshold:
		return RotationCounterExhausted, true
	case time.Since(s.createdAt) >= MaxSessionAge:
		return RotationSessionAged, true
	default:
		return RotationNone, false
	}
}

// Encrypt seals plaintext under peer's current session key, returning the
// wire payload (nonce ∥ ciphertext ∥ tag) and the message_id (outbound
// counter) used. It refuses with ErrRotationRequired once the counter
// trigger is hit, so the 1001st message always rotates first.
func (m *Manager) Encrypt(peer identity.DeviceID, plaintext, aad []byte) ([]byte, uint64, error) {
	s, ok := m.Get(peer)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outbound >= RotateThreshold || s.explicitRot || s.decryptFail {
		return nil, 0, ErrRotationRequired
	}

	counter := s.outbound
	s.outbound++

	nonce := crypto.BuildNonce(s.noncePrefix, counter)
	sealed, err := crypto.Seal(s.key, nonce, plaintext, aad)
	if err != nil {
		return nil, 0, err
	}

	out := make([]byte, 0, crypto.NonceSize+len(sealed))
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, counter, nil
}

// Decrypt opens a wire payload (nonce ∥ ciphertext ∥ tag) received with
// the given message counter, enforcing the replay/ordering invariant
// only counters strictly greater than the high-water mark are
// accepted. The current key is tried first; if that fails and a
// grace-period retired key is present, it is tried next, since a
// message in flight at rotation time may still carry it.
func (m *Manager) Decrypt(peer identity.DeviceID, counter uint64, payload, aad []byte) ([]byte, error) {
	s, ok := m.Get(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	s.mu.Lock()
	if s.inboundSeen && counter <= s.inboundHigh {
		s.mu.Unlock()
		return nil, ErrReplay
	}
	key := s.key
	retired := s.retired
	retiredUntil := s.retiredUntil
	s.mu.Unlock()

	if len(payload) < crypto.NonceSize {
		return nil, crypto.ErrDecrypt
	}
	var nonce [crypto.NonceSize]byte
	copy(nonce[:], payload[:crypto.NonceSize])
	ciphertext := payload[crypto.NonceSize:]

	plaintext, err := crypto.Open(key, nonce, ciphertext, aad)
	if err != nil && retired != nil && time.Now().Before(retiredUntil) {
		plaintext, err = crypto.Open(*retired, nonce, ciphertext, aad)
	}
	if err != nil {
		m.markDecryptFailure(s)
		return nil, err
	}

	s.mu.Lock()
	if !s.inboundSeen || counter > s.inboundHigh {
		s.inboundHigh = counter
		s.inboundSeen = true
	}
	s.mu.Unlock()

	return plaintext, nil
}

// Rotate installs newKey as peer's session key, resetting both counters
// to zero and generating a fresh nonce prefix. The outgoing key is
// retained for ZeroizeGrace to decrypt
// in-flight messages, then zeroized.
func (m *Manager) Rotate(peer identity.DeviceID, newKey [crypto.KeySize]byte) (*Session, error) {
	s, ok := m.Get(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	var newPrefix [4]byte
	if err := crypto.RandomBytes(newPrefix[:]); err != nil {
		return nil, err
	}

	s.mu.Lock()
	oldKey := s.key

	s.key = newKey
	s.noncePrefix = newPrefix
	s.outbound = 0
	s.inboundHigh = 0
	s.inboundSeen = false
	s.createdAt = time.Now()
	s.explicitRot = false
	s.decryptFail = false

	retiredCopy := oldKey
	s.retired = &retiredCopy
	s.retiredUntil = time.Now().Add(ZeroizeGrace)
	s.mu.Unlock()

	time.AfterFunc(ZeroizeGrace, func() {
		s.mu.Lock()
		if s.retired != nil {
			crypto.ZeroKey(s.retired)
			s.retired = nil
		}
		s.mu.Unlock()
	})

	return s, nil
}

// Snapshot is a read-only view of a Session's counters, used by the host
// surface and tests without exposing key material.
type Snapshot struct {
	OutboundCounter  uint64
	InboundHighWater uint64
	CreatedAt        time.Time
}

// Snapshot returns peer's current counters.
func (m *Manager) Snapshot(peer identity.DeviceID) (Snapshot, bool) {
	s, ok := m.Get(peer)
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{OutboundCounter: s.outbound, InboundHighWater: s.inboundHigh, CreatedAt: s.createdAt}, true
}

// Zero overwrites every live session key, used during core shutdown.
func (m *Manager) Zero() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.mu.Lock()
		crypto.ZeroKey(&s.key)
		if s.retired != nil {
			crypto.ZeroKey(s.retired)
		}
		s.mu.Unlock()
	}
}
