package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tosslabs/toss-core/internal/crypto"
)

// identityFileName keys the identity seed in whatever blob store holds
// it: a file name for FileBlobStore, a keychain entry name for an
// OS-secure-storage implementation. Versioned so a future format change
// can live alongside the old entry during migration.
const identityFileName = "toss.identity.v1"

// ErrNoIdentity is returned by Load when no identity has been persisted yet.
var ErrNoIdentity = errors.New("identity: no device identity found")

// Identity is the device's long-lived signing identity: an Ed25519 keypair
// plus the DeviceID derived from its public key. It is
// generated once on first run and persisted for the lifetime of the
// installation; losing it means the device must re-pair with every peer.
type Identity struct {
	Signing  *crypto.SigningKeypair
	DeviceID DeviceID
}

// New generates a fresh Identity from a random Ed25519 keypair.
func New() (*Identity, error) {
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing keypair: %w", err)
	}
	return &Identity{
		Signing:  kp,
		DeviceID: DeviceIDFromPublicKey(kp.PublicKey),
	}, nil
}

// fromSeed reconstructs an Identity from a persisted 32-byte seed.
func fromSeed(seed [crypto.Ed25519SeedSize]byte) *Identity {
	kp := crypto.SigningKeypairFromSeed(seed)
	return &Identity{
		Signing:  kp,
		DeviceID: DeviceIDFromPublicKey(kp.PublicKey),
	}
}

// Zero overwrites the identity's private key material.
func (i *Identity) Zero() {
	i.Signing.Zero()
}

// BlobStore persists and retrieves the identity's raw seed bytes. The
// default implementation writes to the filesystem; OS-keychain-backed
// storage is a future host-provided alternative, so the interface is
// small enough for a host to substitute its own.
type BlobStore interface {
	Load() ([]byte, error)
	Store(data []byte) error
	Exists() bool
}

// FileBlobStore is the default BlobStore, storing the hex-encoded seed in a
// single file under a data directory with 0600 permissions.
type FileBlobStore struct {
	path string
}

// NewFileBlobStore returns a BlobStore rooted at dataDir.
func NewFileBlobStore(dataDir string) *FileBlobStore {
	return &FileBlobStore{path: filepath.Join(dataDir, identityFileName)}
}

// Load reads the persisted seed bytes.
func (s *FileBlobStore) Load() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoIdentity
		}
		return nil, fmt.Errorf("identity: read %s: %w", s.path, err)
	}
	return data, nil
}

// Store writes data atomically via a temp file plus rename, so a crash
// mid-write never leaves a truncated identity file behind.
func (s *FileBlobStore) Store(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("identity: create data directory: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("identity: write temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("identity: persist identity file: %w", err)
	}
	return nil
}

// Exists reports whether an identity file is already present.
func (s *FileBlobStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads and parses an Identity from store.
func Load(store BlobStore) (*Identity, error) {
	raw, err := store.Load()
	if err != nil {
		return nil, err
	}

	seedHex := strings.TrimSpace(string(raw))
	seedBytes, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("identity: malformed identity file: %w", err)
	}
	if len(seedBytes) != crypto.Ed25519SeedSize {
		return nil, fmt.Errorf("identity: seed has %d bytes, expected %d", len(seedBytes), crypto.Ed25519SeedSize)
	}

	var seed [crypto.Ed25519SeedSize]byte
	copy(seed[:], seedBytes)
	return fromSeed(seed), nil
}

// Store persists id's seed to store.
func Store(store BlobStore, id *Identity) error {
	seed := id.Signing.Seed()
	defer crypto.ZeroBytes(seed[:])

	encoded := hex.EncodeToString(seed[:]) + "\n"
	return store.Store([]byte(encoded))
}

// LoadOrCreate loads an existing identity from store, or generates and
// persists a new one if none exists. The bool result reports whether a new
// identity was created.
func LoadOrCreate(store BlobStore) (*Identity, bool, error) {
	id, err := Load(store)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNoIdentity) {
		return nil, false, err
	}

	id, err = New()
	if err != nil {
		return nil, false, err
	}
	if err := Store(store, id); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
