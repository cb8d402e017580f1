// Package core implements the Core handle: the single owning object a
// host embeds, wiring identity, storage, crypto, discovery, the relay,
// QUIC transport, pairing, sessions, and the sync engine together behind
// a small set of host-facing operations. One struct owns every
// subsystem's lifetime and is the only thing a host (or cmd/tossd) ever
// constructs directly.
package core

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/tosslabs/toss-core/internal/certutil"
	"github.com/tosslabs/toss-core/internal/clipboard"
	"github.com/tosslabs/toss-core/internal/config"
	"github.com/tosslabs/toss-core/internal/coreerrors"
	tosscrypto "github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/discovery"
	"github.com/tosslabs/toss-core/internal/events"
	"github.com/tosslabs/toss-core/internal/identity"
	"github.com/tosslabs/toss-core/internal/logging"
	"github.com/tosslabs/toss-core/internal/metrics"
	"github.com/tosslabs/toss-core/internal/pairing"
	"github.com/tosslabs/toss-core/internal/protocol"
	"github.com/tosslabs/toss-core/internal/recovery"
	"github.com/tosslabs/toss-core/internal/relay"
	"github.com/tosslabs/toss-core/internal/session"
	"github.com/tosslabs/toss-core/internal/storage"
	"github.com/tosslabs/toss-core/internal/syncengine"
	"github.com/tosslabs/toss-core/internal/transport"
)

// localStorageKeySetting mirrors syncengine's unexported constant; kept in
// sync by hand since the setting is written here (at first init) and read
// there (at history append time).
const localStorageKeySetting = "storage_key_local"

// dbFileName is the SQLite file created under a core's data directory.
const dbFileName = "toss-core.db"

// Options configures a Core at construction time.
type Options struct {
	DataDir    string
	DeviceName string
	Config     config.Config // zero value means config.Default()
	Logger     *slog.Logger
}

// Core is the host-owned handle: internal subsystems hold a
// non-owning reference to it (or to the narrow interfaces they need),
// and the host alone controls its lifetime via New/Shutdown.
type Core struct {
	dataDir string
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *events.Bus

	identity *identity.Identity
	store    *storage.Store

	mu  sync.RWMutex
	cfg config.Config

	sessions     *session.Manager
	pairingCoord *pairing.Coordinator
	syncEngine   *syncengine.Engine
	clipboard    clipboard.Backend

	relayClient *relay.Client

	quicTransport *transport.QUICTransport
	quicListener  transport.Listener
	quicCert      *certutil.GeneratedCert
	quicPort      uint16

	advertiser    *discovery.Advertiser
	browser       *discovery.Browser
	mainAdStop    context.CancelFunc
	pairingAdCtx  context.Context
	pairingAdStop context.CancelFunc
	pairingWin    *pairingWindow

	reflexiveMu   sync.RWMutex
	reflexiveAddr string

	linksMu sync.RWMutex
	links   map[identity.DeviceID]*peerLink
	addrMu  sync.RWMutex
	addrs   map[identity.DeviceID]string // last-seen "host:port", from mDNS

	outboxMu sync.Mutex
	outboxes map[identity.DeviceID]chan []byte

	rotationsMu sync.Mutex
	rotations   map[identity.DeviceID]pendingRotation

	pairingRelayMu sync.Mutex
	pairingRelay   *relayPairingConn

	pairingAcceptMu   sync.Mutex
	pairingAcceptDone bool

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Core: loads or creates the device identity, opens
// storage, and wires every subsystem, but does not yet start any network
// activity. Transport start happens in StartNetwork so a host that wants
// a dry-run / headless inspection mode can call New without immediately
// binding sockets.
func New(opts Options) (*Core, error) {
	if opts.DataDir == "" {
		return nil, coreerrors.New(coreerrors.CodeInvalidKey, "data_dir must not be empty")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("info", "text")
	}

	blobStore := identity.NewFileBlobStore(opts.DataDir)
	id, created, err := identity.LoadOrCreate(blobStore)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeCryptoFatal, "load device identity", err)
	}
	if created {
		logger.Info("generated new device identity", "device_id", id.DeviceID.String())
	}

	store, err := storage.Open(filepath.Join(opts.DataDir, dbFileName))
	if err != nil {
		if errIsSchemaMismatch(err) {
			return nil, coreerrors.Wrap(coreerrors.CodeSchemaMismatch, "open storage", err)
		}
		return nil, coreerrors.Wrap(coreerrors.CodeStorageError, "open storage", err)
	}

	cfg := opts.Config
	if (cfg == config.Config{}) {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		store.Close()
		return nil, coreerrors.Wrap(coreerrors.CodeInvalidKey, "validate config", err)
	}

	if err := ensureLocalStorageKey(store); err != nil {
		store.Close()
		return nil, coreerrors.Wrap(coreerrors.CodeStorageError, "provision storage key", err)
	}

	deviceName := opts.DeviceName
	if deviceName == "" {
		deviceName = defaultDeviceName()
	}
	if err := store.SetSetting("device_name", []byte(deviceName)); err != nil {
		store.Close()
		return nil, coreerrors.Wrap(coreerrors.CodeStorageError, "persist device name", err)
	}

	c := &Core{
		dataDir:      opts.DataDir,
		logger:       logger,
		metrics:      metrics.Default(),
		bus:          events.NewBus(),
		identity:     id,
		store:        store,
		cfg:          cfg,
		sessions:     session.NewManager(),
		pairingCoord: pairing.NewCoordinator(),
		clipboard:    clipboard.NewTextBackend(),
		advertiser:   discovery.NewAdvertiser(logger),
		browser:      discovery.NewBrowser(),
		links:        make(map[identity.DeviceID]*peerLink),
		addrs:        make(map[identity.DeviceID]string),
		outboxes:     make(map[identity.DeviceID]chan []byte),
		rotations:    make(map[identity.DeviceID]pendingRotation),
		stopCh:       make(chan struct{}),
	}
	c.syncEngine = syncengine.New(c.clipboard, c.sessions, c.store, c.bus, c.metrics, c, c, c.cfg, c.logger)

	if err := c.restoreSessions(); err != nil {
		logger.Warn("restore persisted sessions failed", "error", err)
	}

	return c, nil
}

// errIsSchemaMismatch reports whether err is, or wraps,
// storage.ErrSchemaMismatch, by comparing each error in the unwrap chain
// against the sentinel.
func errIsSchemaMismatch(err error) bool {
	return err != nil && (err == storage.ErrSchemaMismatch || isWrapped(err, storage.ErrSchemaMismatch))
}

func isWrapped(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ensureLocalStorageKey generates and persists this device's at-rest
// storage key on first run, used to encrypt session keys and clipboard
// history. The key itself is generated directly from the RNG rather
// than derived from the identity key, since no pairing exchange has
// happened yet to seed an HKDF input.
func ensureLocalStorageKey(store *storage.Store) error {
	if _, err := store.GetSetting(localStorageKeySetting); err == nil {
		return nil
	} else if err != storage.ErrNotFound {
		return err
	}

	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("generate local storage key: %w", err)
	}
	defer tosscrypto.ZeroKey(&key)
	return store.SetSetting(localStorageKeySetting, append([]byte(nil), key[:]...))
}

func defaultDeviceName() string {
	host, err := hostnameSafe()
	if err != nil || host == "" {
		return "Toss Device"
	}
	return host
}

// restoreSessions re-establishes in-memory session.Manager state for
// every paired device from its encrypted-at-rest key material, so a
// restart does not force every peer through a fresh pairing.
func (c *Core) restoreSessions() error {
	devices, err := c.store.ListDevices()
	if err != nil {
		return err
	}
	storageKey, err := c.localStorageKey()
	if err != nil {
		return err
	}
	defer tosscrypto.ZeroKey(&storageKey)

	for _, d := range devices {
		if len(d.SessionKeyEncrypted) == 0 {
			continue
		}
		var nonce [tosscrypto.NonceSize]byte
		copy(nonce[:], d.SessionKeyNonce)
		plain, err := tosscrypto.Open(storageKey, nonce, d.SessionKeyEncrypted, nil)
		if err != nil {
			c.logger.Warn("failed to decrypt persisted session key, device needs re-pairing", "device_id", d.ID)
			continue
		}
		var key [32]byte
		copy(key[:], plain)
		tosscrypto.ZeroBytes(plain)

		devID, err := identity.ParseDeviceID(d.ID)
		if err != nil {
			continue
		}
		if _, err := c.sessions.Establish(devID, key); err != nil {
			c.logger.Warn("restore session failed", "device_id", d.ID, "error", err)
		}
		tosscrypto.ZeroKey(&key)
	}
	return nil
}

func (c *Core) localStorageKey() ([32]byte, error) {
	var key [32]byte
	raw, err := c.store.GetSetting(localStorageKeySetting)
	if err != nil {
		return key, err
	}
	copy(key[:], raw)
	return key, nil
}

// persistSessionKey encrypts key under the local storage key and writes
// it to the device's row, so the next process start can restore the
// live session without re-pairing.
func (c *Core) persistSessionKey(peer identity.DeviceID, key [32]byte) error {
	storageKey, err := c.localStorageKey()
	if err != nil {
		return err
	}
	defer tosscrypto.ZeroKey(&storageKey)

	var nonce [tosscrypto.NonceSize]byte
	if err := tosscrypto.RandomBytes(nonce[:]); err != nil {
		return err
	}
	encrypted, err := tosscrypto.Seal(storageKey, nonce, key[:], nil)
	if err != nil {
		return err
	}
	return c.store.UpdateDeviceSessionKey(peer.String(), encrypted, nonce[:])
}

// GetDeviceID returns this device's identity as a hex string.
func (c *Core) GetDeviceID() string {
	return c.identity.DeviceID.String()
}

// SetDeviceName persists a new display name and broadcasts DeviceInfo to
// every connected peer.
func (c *Core) SetDeviceName(ctx context.Context, name string) error {
	if err := c.store.SetSetting("device_name", []byte(name)); err != nil {
		return coreerrors.Wrap(coreerrors.CodeStorageError, "persist device name", err)
	}
	info := protocol.DeviceInfoMessage{
		DeviceID: deviceID32(c.identity.DeviceID),
		Name:     name,
		Platform: hostPlatform(),
		Version:  protocolVersionString,
	}
	body := info.Encode()
	for _, peer := range c.connectedPeers() {
		wire, err := c.sealEnvelope(peer, protocol.TypeDeviceInfo, body)
		if err != nil {
			c.logger.Debug("seal device info update failed", "peer", peer.ShortHex(), "error", err)
			continue
		}
		_ = c.Send(ctx, peer, wire)
	}
	return nil
}

func (c *Core) deviceName() string {
	raw, err := c.store.GetSetting("device_name")
	if err != nil {
		return defaultDeviceName()
	}
	return string(raw)
}

// PollEvent returns the next queued host event, if any. Never blocks.
func (c *Core) PollEvent() (events.Event, bool) {
	return c.bus.Poll()
}

// UpdateSettings validates and applies a new configuration, persisting
// it and reconfiguring the live sync engine and relay client.
func (c *Core) UpdateSettings(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return coreerrors.Wrap(coreerrors.CodeInvalidKey, "invalid settings", err)
	}

	encoded, err := cfg.Encode()
	if err != nil {
		return coreerrors.Wrap(coreerrors.CodeStorageError, "encode settings", err)
	}
	if err := c.store.SetSetting("config", encoded); err != nil {
		return coreerrors.Wrap(coreerrors.CodeStorageError, "persist settings", err)
	}

	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.syncEngine.SetConfig(cfg)

	if c.relayClient != nil {
		if cfg.Relay.Enabled {
			c.relayClient.Enable()
		} else {
			c.relayClient.Disable()
		}
	}
	return nil
}

func (c *Core) config() config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Shutdown performs cooperative teardown: stop accepting new work,
// cancel outstanding operations, flush storage, zeroize in-memory keys.
func (c *Core) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.running.Store(false)

	c.stopNetworkLocked()
	c.wg.Wait()

	c.sessions.Zero()
	c.pairingCoord.Cancel()
	c.identity.Zero()

	if err := c.store.Close(); err != nil {
		return coreerrors.Wrap(coreerrors.CodeStorageError, "close storage", err)
	}
	return nil
}

// goWithRecovery launches fn in a new goroutine tracked by c.wg, wrapped
// in panic recovery so one failing background task never takes the
// whole core down.
func (c *Core) goWithRecovery(name string, fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.logger, name)
		fn()
	}()
}

const protocolVersionString = "1.0"

func hostPlatform() protocol.PlatformTag {
	switch runtime.GOOS {
	case "linux":
		return protocol.PlatformLinux
	case "darwin":
		return protocol.PlatformMacOS
	case "windows":
		return protocol.PlatformWindows
	case "android":
		return protocol.PlatformAndroid
	case "ios":
		return protocol.PlatformIOS
	default:
		return protocol.PlatformUnknown
	}
}

func platformName(tag protocol.PlatformTag) string {
	switch tag {
	case protocol.PlatformLinux:
		return "linux"
	case protocol.PlatformMacOS:
		return "macos"
	case protocol.PlatformWindows:
		return "windows"
	case protocol.PlatformAndroid:
		return "android"
	case protocol.PlatformIOS:
		return "ios"
	default:
		return "unknown"
	}
}

func deviceID32(id identity.DeviceID) [32]byte {
	var out [32]byte
	copy(out[:], id.Bytes())
	return out
}

func hostnameSafe() (string, error) {
	return os.Hostname()
}

// helloInfo builds this device's pairing.HelloInfo.
func (c *Core) helloInfo() pairing.HelloInfo {
	return pairing.HelloInfo{
		DeviceID:   c.identity.DeviceID,
		Name:       c.deviceName(),
		Platform:   uint8(hostPlatform()),
		SigningKey: c.identity.Signing.PublicKey,
	}
}
