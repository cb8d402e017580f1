// Package syncengine implements the clipboard sync engine: an outbound
// poll/policy-gate/rate-limit/dispatch path and an inbound
// decrypt/verify/conflict-resolution/history path, sitting between the
// clipboard Backend, the Session Manager, and whatever carries bytes to
// a peer (QUIC or relay — the engine only knows about the
// transport.Sender it's handed).
package syncengine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tosslabs/toss-core/internal/clipboard"
	"github.com/tosslabs/toss-core/internal/config"
	"github.com/tosslabs/toss-core/internal/coreerrors"
	tosscrypto "github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/events"
	"github.com/tosslabs/toss-core/internal/identity"
	"github.com/tosslabs/toss-core/internal/metrics"
	"github.com/tosslabs/toss-core/internal/protocol"
	"github.com/tosslabs/toss-core/internal/session"
	"github.com/tosslabs/toss-core/internal/storage"
)

// Sender delivers a fully encoded Envelope to a peer over whichever
// transport currently carries it; implemented by internal/core.
type Sender interface {
	Send(ctx context.Context, peer identity.DeviceID, wire []byte) error
}

// Peers reports which paired devices are currently eligible to receive a
// sync (connected, and themselves sync-enabled).
type Peers interface {
	SyncEnabledConnected() []identity.DeviceID
}

// Engine wires the clipboard backend, the session manager, and storage
// together to implement the outbound and inbound halves of clipboard
// sync.
type Engine struct {
	backend  clipboard.Backend
	sessions *session.Manager
	store    *storage.Store
	bus      *events.Bus
	metrics  *metrics.Metrics
	sender   Sender
	peers    Peers
	logger   *slog.Logger

	mu             sync.Mutex
	cfg            config.Config
	lastSentHash   [32]byte
	hasLastSent    bool
	sendLimiter    *rate.Limiter
	localTimestamp time.Time // timestamp of the most recently applied local content
}

// New constructs a sync Engine. cfg is copied; call SetConfig to apply a
// settings update.
func New(backend clipboard.Backend, sessions *session.Manager, store *storage.Store, bus *events.Bus, m *metrics.Metrics, sender Sender, peers Peers, cfg config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend:     backend,
		sessions:    sessions,
		store:       store,
		bus:         bus,
		metrics:     m,
		sender:      sender,
		peers:       peers,
		cfg:         cfg,
		sendLimiter: rate.NewLimiter(sendLimit(cfg.SyncSendInterval), 1),
		logger:      logger,
	}
}

// sendLimit converts the configured minimum spacing between outbound
// syncs into a token-bucket rate, one token per interval with no burst
// beyond the single token NewLimiter is given.
func sendLimit(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// SetConfig replaces the engine's live configuration.
func (e *Engine) SetConfig(cfg config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.sendLimiter.SetLimit(sendLimit(cfg.SyncSendInterval))
}

func (e *Engine) config() config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// contentTypeEnabled applies the per-content-type sync toggle.
func contentTypeEnabled(cfg config.Config, t clipboard.ContentType) bool {
	switch t {
	case clipboard.TypePlainText, clipboard.TypeURL:
		return cfg.Sync.SyncText
	case clipboard.TypeRichText:
		return cfg.Sync.SyncRichText
	case clipboard.TypeImage:
		return cfg.Sync.SyncImages
	case clipboard.TypeFile:
		return cfg.Sync.SyncFiles
	default:
		return false
	}
}

// PollOutbound runs one iteration of the outbound path:
// read the current clipboard, gate it against policy and the rate
// limiter, and dispatch to every connected sync-enabled peer. It is meant
// to be called on the host's ClipboardPollInterval tick.
func (e *Engine) PollOutbound(ctx context.Context) error {
	cfg := e.config()
	if !cfg.Sync.AutoSync {
		return nil
	}

	content, ok, err := e.backend.ReadCurrent()
	if err != nil {
		return fmt.Errorf("syncengine: read clipboard: %w", err)
	}
	if !ok {
		return nil
	}

	if !contentTypeEnabled(cfg, content.Type) {
		return nil
	}
	if content.SizeBytes() > cfg.MaxFileSizeBytes() && cfg.MaxFileSizeBytes() > 0 {
		return nil
	}

	fp := clipboard.FingerprintOf(content)

	e.mu.Lock()
	unchanged := e.hasLastSent && fp.Hash == e.lastSentHash
	e.mu.Unlock()
	if unchanged {
		return nil
	}
	if !e.sendLimiter.Allow() {
		return nil
	}

	return e.dispatch(ctx, content, fp)
}

// SendNow forces an immediate send of content, bypassing the rate limiter
// and hash-unchanged gate — used by the host's send_clipboard/send_text
// operations, which are explicit user actions.
func (e *Engine) SendNow(ctx context.Context, content clipboard.Content) error {
	cfg := e.config()
	if content.SizeBytes() > cfg.MaxFileSizeBytes() && cfg.MaxFileSizeBytes() > 0 {
		return coreerrors.New(coreerrors.CodeContentTooLarge, "content exceeds configured max_file_size_mb")
	}
	return e.dispatch(ctx, content, clipboard.FingerprintOf(content))
}

func (e *Engine) dispatch(ctx context.Context, content clipboard.Content, fp clipboard.Fingerprint) error {
	now := time.Now()
	e.mu.Lock()
	e.lastSentHash = fp.Hash
	e.hasLastSent = true
	e.localTimestamp = now
	e.mu.Unlock()

	encoded := content.Encode()
	msg := protocol.ClipboardUpdateMessage{
		ContentType: content.Type,
		Content:     encoded,
		ContentHash: fp.Hash,
	}
	body := msg.Encode()

	var lastErr error
	sentToAny := false
	for _, peer := range e.peers.SyncEnabledConnected() {
		if err := e.sendTo(ctx, peer, body); err != nil {
			e.logger.Warn("clipboard send failed", "peer", peer.ShortHex(), "error", err)
			if e.metrics != nil {
				e.metrics.RecordClipboardSendError("send_failed")
			}
			lastErr = err
			continue
		}
		sentToAny = true
	}
	if e.metrics != nil && sentToAny {
		e.metrics.RecordClipboardSent(protocol.ContentTypeName(content.Type), content.SizeBytes())
	}

	if err := e.appendHistory(nil, content, fp); err != nil {
		e.logger.Error("append local history failed", "error", err)
	}

	if !sentToAny && lastErr != nil {
		return lastErr
	}
	return nil
}

func (e *Engine) sendTo(ctx context.Context, peer identity.DeviceID, body []byte) error {
	snap, ok := e.sessions.Snapshot(peer)
	if !ok {
		return fmt.Errorf("syncengine: no session for %s", peer.ShortHex())
	}
	if reason, needs := e.sessions.NeedsRotation(peer); needs {
		return fmt.Errorf("syncengine: session with %s needs rotation (reason %v) before send", peer.ShortHex(), reason)
	}

	now := time.Now().UnixMilli()
	header := envelopeHeaderFor(snap.OutboundCounter, protocol.TypeClipboardUpdate, now, len(body))
	sealed, counter, err := e.sessions.Encrypt(peer, body, header[:])
	if err != nil {
		return err
	}
	env := protocol.NewEnvelope(protocol.TypeClipboardUpdate, counter, now, sealed)
	wire, err := env.Encode()
	if err != nil {
		return err
	}
	return e.sender.Send(ctx, peer, wire)
}

// envelopeHeaderFor predicts the header bytes that will result from
// sealing a plaintext of bodyLen bytes at the given counter and timestamp:
// the sealed payload's length (nonce ∥ ciphertext ∥ tag) is a deterministic
// function of the plaintext length, so the header — used as AEAD associated
// data — can be built before the seal call that it authenticates. The
// envelope that is sent must carry the same timestampUnixMs.
func envelopeHeaderFor(counter uint64, typ protocol.MessageType, timestampUnixMs int64, bodyLen int) [protocol.HeaderSize]byte {
	payloadLen := 12 + bodyLen + 16 // NonceSize + plaintext + TagSize
	env := protocol.NewEnvelope(typ, counter, timestampUnixMs, make([]byte, payloadLen))
	return env.Header()
}

// InboundResult is what HandleInbound hands back so the caller (core) can
// send the appropriate acknowledgement.
type InboundResult struct {
	Ack protocol.ClipboardAckMessage
}

// HandleInbound processes a received ClipboardUpdate envelope from peer.
func (e *Engine) HandleInbound(peer identity.DeviceID, env *protocol.Envelope, peerSyncEnabled bool) (InboundResult, error) {
	envHeader := env.Header()
	plaintext, err := e.sessions.Decrypt(peer, env.MessageID, env.Payload, envHeader[:])
	if err != nil {
		if errors.Is(err, session.ErrReplay) {
			// Replays are expected under at-most-once delivery; drop
			// without treating the session as compromised.
			if e.metrics != nil {
				e.metrics.RecordSessionReplayDrop()
			}
			return InboundResult{}, err
		}
		if e.metrics != nil {
			e.metrics.RecordSessionDecryptFailure()
		}
		e.bus.Push(events.Event{Kind: events.KindError, Message: fmt.Sprintf("decrypt failed from %s: %v", peer.ShortHex(), err)})
		return InboundResult{}, err
	}

	update, err := protocol.DecodeClipboardUpdate(plaintext)
	if err != nil {
		return InboundResult{}, err
	}

	content, err := clipboard.Decode(update.ContentType, update.Content)
	if err != nil {
		return InboundResult{}, err
	}
	if content.Hash() != update.ContentHash {
		e.bus.Push(events.Event{Kind: events.KindError, Message: "clipboard content hash mismatch from " + peer.ShortHex()})
		return InboundResult{Ack: protocol.ClipboardAckMessage{MessageID: env.MessageID, ContentHash: update.ContentHash, Success: false, ErrorString: "content hash mismatch"}}, nil
	}

	if !peerSyncEnabled {
		return InboundResult{Ack: protocol.ClipboardAckMessage{MessageID: env.MessageID, ContentHash: update.ContentHash, Success: true}}, nil
	}

	cfg := e.config()
	applied := e.resolveConflict(cfg.Sync.ConflictResolution, env.TimestampUnixMs)
	if applied {
		if err := e.backend.Write(content); err != nil {
			e.logger.Warn("apply inbound clipboard failed", "error", err)
		} else {
			e.mu.Lock()
			e.lastSentHash = update.ContentHash
			e.hasLastSent = true
			e.localTimestamp = time.UnixMilli(env.TimestampUnixMs)
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.RecordClipboardReceived(protocol.ContentTypeName(content.Type), content.SizeBytes())
			}
			e.bus.Push(events.Event{Kind: events.KindClipboardReceived, Clipboard: events.ClipboardItem{
				ContentType: protocol.ContentTypeName(content.Type), Preview: string(content.Preview()),
				SizeBytes: content.SizeBytes(), SourceDeviceID: peer.String(),
			}})
		}
	}

	peerIDStr := peer.String()
	if err := e.appendHistory(&peerIDStr, content, clipboard.FingerprintOf(content)); err != nil {
		e.logger.Error("append inbound history failed", "error", err)
	}

	return InboundResult{Ack: protocol.ClipboardAckMessage{MessageID: env.MessageID, ContentHash: update.ContentHash, Success: true}}, nil
}

// resolveConflict applies one of the three conflict-resolution modes
// and reports whether the inbound update should be applied to the OS
// clipboard.
func (e *Engine) resolveConflict(mode config.ConflictResolution, updateTimestampMs int64) bool {
	switch mode {
	case config.ConflictLocal:
		e.bus.Push(events.Event{Kind: events.KindConflictDetected, Message: "local clipboard retained"})
		if e.metrics != nil {
			e.metrics.RecordConflictDetected()
		}
		return false
	case config.ConflictRemote:
		return true
	default: // ConflictNewest
		e.mu.Lock()
		local := e.localTimestamp
		e.mu.Unlock()
		return time.UnixMilli(updateTimestampMs).After(local)
	}
}

// appendHistory writes a history row for an applied or locally originated
// clipboard item. sourceDeviceID is nil for locally originated content.
func (e *Engine) appendHistory(sourceDeviceID *string, content clipboard.Content, fp clipboard.Fingerprint) error {
	cfg := e.config()
	if !cfg.Sync.HistoryEnabled {
		return nil
	}

	storageKey, err := e.historyStorageKey()
	if err != nil {
		return err
	}

	var nonce [tosscrypto.NonceSize]byte
	if err := tosscrypto.RandomBytes(nonce[:]); err != nil {
		return err
	}
	encrypted, err := tosscrypto.Seal(storageKey, nonce, content.Encode(), nil)
	if err != nil {
		return err
	}

	id := uuid.New()
	item := &storage.ClipboardHistoryItem{
		ID:               hex.EncodeToString(id[:]),
		ContentType:      uint8(content.Type),
		ContentHash:      fp.Hash[:],
		EncryptedContent: encrypted,
		ContentNonce:     nonce[:],
		Preview:          content.Preview(),
		SizeBytes:        fp.Size,
		SourceDeviceID:   sourceDeviceID,
		CreatedAt:        time.Now(),
	}
	return e.store.AppendHistoryItem(item)
}

// historyStorageKey returns the key history content is sealed under at
// rest. Every item, local or inbound, uses this device's own storage key
// ("storage_key_local" in settings), so history stays readable across
// peer session rotations.
func (e *Engine) historyStorageKey() ([32]byte, error) {
	var key [32]byte
	raw, err := e.store.GetSetting(localStorageKeySetting)
	if err != nil {
		return key, fmt.Errorf("syncengine: local storage key unavailable: %w", err)
	}
	copy(key[:], raw)
	return key, nil
}

const localStorageKeySetting = "storage_key_local"
