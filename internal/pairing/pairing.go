// Package pairing implements the pairing coordinator state machine:
// generating a one-time pairing code (advertising it over mDNS and the
// relay is left to the caller), exchanging signed X25519 keys over whatever
// stream the transport layer hands it, and deriving the session keys
// that internal/session then owns. The handshake runs over a generic
// io.ReadWriter, ignorant of which concrete transport carries it.
package pairing

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/identity"
)

// State is the pairing coordinator's current phase.
type State int

const (
	StateIdle State = iota
	StateAdvertising
	StateSearching
	StateExchangingKeys
	StateVerified
	StateStored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdvertising:
		return "advertising"
	case StateSearching:
		return "searching"
	case StateExchangingKeys:
		return "exchanging_keys"
	case StateVerified:
		return "verified"
	case StateStored:
		return "stored"
	default:
		return "unknown"
	}
}

// CodeTTL is how long a pairing code remains valid.
const CodeTTL = 300 * time.Second

// signDomain domain-separates pairing key signatures from any other use of
// the device's Ed25519 identity key.
const signDomain = "toss-pairing-v1"

var (
	// ErrAlreadyActive is returned when a pairing operation is attempted
	// while another pairing session is already in progress: one
	// concurrent session max.
	ErrAlreadyActive = errors.New("pairing: a pairing session is already active")
	// ErrNoActiveSession is returned when an operation needs an active
	// session but none exists.
	ErrNoActiveSession = errors.New("pairing: no active pairing session")
	// ErrCodeExpired is returned when a code's TTL has elapsed.
	ErrCodeExpired = errors.New("pairing: code expired")
	// ErrSignatureInvalid is returned when a peer's signed public key
	// fails verification.
	ErrSignatureInvalid = errors.New("pairing: peer signature invalid")
	// ErrConfirmationMismatch is returned when the confirmation MAC
	// exchange does not match.
	ErrConfirmationMismatch = errors.New("pairing: confirmation mismatch")
)

// Session is one in-progress pairing exchange's local state.
type Session struct {
	Role      Role
	Code      string
	ephPriv   [crypto.KeySize]byte
	EphPub    [crypto.KeySize]byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Role distinguishes the advertising side from the joining side; the
// wire protocol is symmetric once both sides exchange keys.
type Role int

const (
	RoleAdvertiser Role = iota
	RoleSearcher
)

// Result is what a completed exchange hands back to the caller so it can
// persist the new peer and establish a session.Manager entry.
type Result struct {
	PeerDeviceID    identity.DeviceID
	PeerName        string
	PeerPlatform    uint8
	PeerPublicKey   [crypto.KeySize]byte
	PeerSigningKey  [crypto.Ed25519PublicKeySize]byte
	DerivedKeys     *crypto.DerivedKeys
}

// Coordinator runs the pairing state machine. Only one Session may be
// active at a time.
type Coordinator struct {
	mu      sync.Mutex
	state   State
	session *Session
}

// NewCoordinator constructs an idle Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{state: StateIdle}
}

// State returns the coordinator's current phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// generateCode produces a random 6-digit numeric pairing code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("pairing: generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Begin starts a new session in the given role, generating a fresh code
// and ephemeral X25519 keypair. It fails with ErrAlreadyActive if a
// session is already running.
func (c *Coordinator) Begin(role Role) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return nil, ErrAlreadyActive
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}
	priv, pub, err := crypto.GenerateX25519Keypair()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		Role:      role,
		Code:      code,
		ephPriv:   priv,
		EphPub:    pub,
		CreatedAt: now,
		ExpiresAt: now.Add(CodeTTL),
	}
	c.session = s
	if role == RoleAdvertiser {
		c.state = StateAdvertising
	} else {
		c.state = StateSearching
	}
	return s, nil
}

// BeginWithCode starts the joining side with a code obtained out-of-band
// (QR scan or manual entry), rather than one this coordinator generated.
func (c *Coordinator) BeginWithCode(code string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return nil, ErrAlreadyActive
	}
	priv, pub, err := crypto.GenerateX25519Keypair()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	s := &Session{
		Role:      RoleSearcher,
		Code:      code,
		ephPriv:   priv,
		EphPub:    pub,
		CreatedAt: now,
		ExpiresAt: now.Add(CodeTTL),
	}
	c.session = s
	c.state = StateSearching
	return s, nil
}

// Current returns the active session, if any.
func (c *Coordinator) Current() (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, false
	}
	return c.session, true
}

// Cancel aborts the active session unconditionally, zeroing its ephemeral
// key.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		crypto.ZeroKey(&c.session.ephPriv)
	}
	c.session = nil
	c.state = StateIdle
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Exchange runs the key-exchange/verify/store protocol over rw, the
// stream supplied by the caller (a QUIC stream or a relay-tunneled pipe
// — pairing does not care which). myIdentity signs
// this device's ephemeral public key; myInfo is sent as the DeviceInfo
// announcement. On success the session moves to StateVerified and the
// caller is responsible for persisting the peer and calling Stored.
func (c *Coordinator) Exchange(rw io.ReadWriter, myIdentity *identity.Identity, myInfo HelloInfo) (*Result, error) {
	sess, ok := c.Current()
	if !ok {
		return nil, ErrNoActiveSession
	}
	if time.Now().After(sess.ExpiresAt) {
		c.Cancel()
		return nil, ErrCodeExpired
	}
	c.setState(StateExchangingKeys)

	if err := writeHello(rw, myInfo); err != nil {
		return nil, err
	}
	peerHello, err := readHello(rw)
	if err != nil {
		return nil, err
	}

	sig := signPairingKey(myIdentity, sess.EphPub)
	if err := writeKeyMsg(rw, sess.EphPub, sig); err != nil {
		return nil, err
	}
	peerPub, peerSig, err := readKeyMsg(rw)
	if err != nil {
		return nil, err
	}
	if !verifyPairingKey(peerHello, peerPub, peerSig) {
		return nil, ErrSignatureInvalid
	}

	shared, err := crypto.ComputeECDH(sess.ephPriv, peerPub)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroKey(&shared)

	salt := pairingSalt(sess.EphPub, peerPub, sess.Role)
	derived, err := crypto.DeriveKeys(shared, salt)
	if err != nil {
		return nil, err
	}

	myMAC := confirmationMAC(derived.MAC, sess.Code, sess.EphPub, peerPub)
	if err := writeConfirm(rw, myMAC); err != nil {
		derived.Zero()
		return nil, err
	}
	peerMAC, err := readConfirm(rw)
	if err != nil {
		derived.Zero()
		return nil, err
	}
	wantPeerMAC := confirmationMAC(derived.MAC, sess.Code, peerPub, sess.EphPub)
	if !crypto.ConstantTimeEqual(peerMAC[:], wantPeerMAC[:]) {
		derived.Zero()
		return nil, ErrConfirmationMismatch
	}

	c.setState(StateVerified)

	return &Result{
		PeerDeviceID:   peerHello.DeviceID,
		PeerName:       peerHello.Name,
		PeerPlatform:   peerHello.Platform,
		PeerPublicKey:  peerPub,
		PeerSigningKey: peerHello.SigningKey,
		DerivedKeys:    derived,
	}, nil
}

// Stored marks the session complete after the caller has persisted the
// peer, and clears it so a new pairing can begin.
func (c *Coordinator) Stored() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		crypto.ZeroKey(&c.session.ephPriv)
	}
	c.session = nil
	c.state = StateIdle
}

// pairingSalt binds the derived keys to both ephemeral public keys in a
// role-stable order so both sides derive the same salt.
func pairingSalt(mine, peer [crypto.KeySize]byte, role Role) []byte {
	var a, b [crypto.KeySize]byte
	if role == RoleAdvertiser {
		a, b = mine, peer
	} else {
		a, b = peer, mine
	}
	out := make([]byte, 0, 2*crypto.KeySize)
	out = append(out, a[:]...)
	out = append(out, b[:]...)
	return out
}

// signPairingKey signs pub with a domain-separation prefix so the
// signature cannot be replayed as a different kind of identity assertion.
func signPairingKey(id *identity.Identity, pub [crypto.KeySize]byte) [crypto.Ed25519SignatureSize]byte {
	msg := append([]byte(signDomain), pub[:]...)
	return id.Signing.Sign(msg)
}

// verifyPairingKey checks that peerHello.SigningKey actually hashes to the
// DeviceID the peer claimed (DeviceID is SHA-256(signing_public_key), not
// the key itself — identity.DeviceIDFromPublicKey), then verifies sig under
// that key. Both checks are required: the first stops a peer from
// presenting someone else's signing key, the second stops it from
// presenting a key that doesn't own the ephemeral public key being paired.
func verifyPairingKey(peerHello HelloInfo, pub [crypto.KeySize]byte, sig [crypto.Ed25519SignatureSize]byte) bool {
	if identity.DeviceIDFromPublicKey(peerHello.SigningKey) != peerHello.DeviceID {
		return false
	}
	msg := append([]byte(signDomain), pub[:]...)
	return crypto.Verify(peerHello.SigningKey, msg, sig)
}

// confirmationMAC derives the confirmation tag over code ∥ pubA ∥ pubB.
func confirmationMAC(macKey [crypto.KeySize]byte, code string, pubA, pubB [crypto.KeySize]byte) [32]byte {
	msg := make([]byte, 0, len(code)+2*crypto.KeySize)
	msg = append(msg, code...)
	msg = append(msg, pubA[:]...)
	msg = append(msg, pubB[:]...)
	return crypto.HMACSHA256(macKey, msg)
}

// HelloInfo is the local device announcement sent at the start of Exchange.
// SigningKey is carried explicitly because DeviceID is a one-way hash of it
// (identity.DeviceIDFromPublicKey); the receiver cannot recover the key from
// the ID alone and needs it to verify the signed pairing key that follows.
type HelloInfo struct {
	DeviceID   identity.DeviceID
	Name       string
	Platform   uint8
	SigningKey [crypto.Ed25519PublicKeySize]byte
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if err := writeUint32(w, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, maxLen uint32) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxLen {
		return nil, fmt.Errorf("pairing: frame of %d bytes exceeds limit %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeHello(w io.Writer, info HelloInfo) error {
	out := make([]byte, 0, 32+32+1+4+len(info.Name))
	out = append(out, info.DeviceID.Bytes()...)
	out = append(out, info.SigningKey[:]...)
	out = append(out, info.Platform)
	out = appendString(out, info.Name)
	return writeFrame(w, out)
}

func readHello(r io.Reader) (HelloInfo, error) {
	data, err := readFrame(r, 4096)
	if err != nil {
		return HelloInfo{}, err
	}
	if len(data) < 65 {
		return HelloInfo{}, fmt.Errorf("pairing: hello frame too short")
	}
	id, err := identity.DeviceIDFromBytes(data[0:32])
	if err != nil {
		return HelloInfo{}, err
	}
	var signingKey [crypto.Ed25519PublicKeySize]byte
	copy(signingKey[:], data[32:64])
	platform := data[64]
	name, _, err := readString(data[65:])
	if err != nil {
		return HelloInfo{}, err
	}
	return HelloInfo{DeviceID: id, Name: name, Platform: platform, SigningKey: signingKey}, nil
}

func writeKeyMsg(w io.Writer, pub [crypto.KeySize]byte, sig [crypto.Ed25519SignatureSize]byte) error {
	out := make([]byte, 0, crypto.KeySize+crypto.Ed25519SignatureSize)
	out = append(out, pub[:]...)
	out = append(out, sig[:]...)
	return writeFrame(w, out)
}

func readKeyMsg(r io.Reader) ([crypto.KeySize]byte, [crypto.Ed25519SignatureSize]byte, error) {
	var pub [crypto.KeySize]byte
	var sig [crypto.Ed25519SignatureSize]byte
	data, err := readFrame(r, 256)
	if err != nil {
		return pub, sig, err
	}
	if len(data) != crypto.KeySize+crypto.Ed25519SignatureSize {
		return pub, sig, fmt.Errorf("pairing: key frame has %d bytes, want %d", len(data), crypto.KeySize+crypto.Ed25519SignatureSize)
	}
	copy(pub[:], data[:crypto.KeySize])
	copy(sig[:], data[crypto.KeySize:])
	return pub, sig, nil
}

func writeConfirm(w io.Writer, mac [32]byte) error {
	return writeFrame(w, mac[:])
}

func readConfirm(r io.Reader) ([32]byte, error) {
	var mac [32]byte
	data, err := readFrame(r, 64)
	if err != nil {
		return mac, err
	}
	if len(data) != 32 {
		return mac, fmt.Errorf("pairing: confirm frame has %d bytes, want 32", len(data))
	}
	copy(mac[:], data)
	return mac, nil
}

func appendString(out []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	out = append(out, lenBuf[:]...)
	return append(out, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("pairing: string length truncated")
	}
	n := binary.BigEndian.Uint32(data[0:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return "", nil, fmt.Errorf("pairing: string body truncated")
	}
	return string(data[:n]), data[n:], nil
}
