package syncengine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/tosslabs/toss-core/internal/clipboard"
	"github.com/tosslabs/toss-core/internal/config"
	tosscrypto "github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/events"
	"github.com/tosslabs/toss-core/internal/identity"
	"github.com/tosslabs/toss-core/internal/protocol"
	"github.com/tosslabs/toss-core/internal/session"
	"github.com/tosslabs/toss-core/internal/storage"
)

type fakeBackend struct {
	mu      sync.Mutex
	current clipboard.Content
	has     bool
	written []clipboard.Content
}

func (b *fakeBackend) ReadCurrent() (clipboard.Content, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.has, nil
}

func (b *fakeBackend) Write(c clipboard.Content) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.written = append(b.written, c)
	b.current = c
	b.has = true
	return nil
}

func (b *fakeBackend) ChangedSinceLastRead() (bool, error) { return false, nil }

func (b *fakeBackend) set(c clipboard.Content) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = c
	b.has = true
}

type fakeSender struct {
	mu  sync.Mutex
	out [][]byte
}

func (s *fakeSender) Send(ctx context.Context, peer identity.DeviceID, wire []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, wire)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.out)
}

type fakePeers struct {
	ids []identity.DeviceID
}

func (p fakePeers) SyncEnabledConnected() []identity.DeviceID { return p.ids }

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	var key [32]byte
	if err := tosscrypto.RandomBytes(key[:]); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSetting(localStorageKeySetting, key[:]); err != nil {
		t.Fatal(err)
	}
	return st
}

func testPeerID() identity.DeviceID {
	var id identity.DeviceID
	id[0] = 0xCD
	return id
}

func newTestEngine(t *testing.T, backend *fakeBackend, sender *fakeSender, peerIDs []identity.DeviceID) (*Engine, *session.Manager) {
	t.Helper()
	store := testStore(t)
	sessions := session.NewManager()
	for _, id := range peerIDs {
		var key [32]byte
		if err := tosscrypto.RandomBytes(key[:]); err != nil {
			t.Fatal(err)
		}
		if _, err := sessions.Establish(id, key); err != nil {
			t.Fatal(err)
		}
	}
	bus := events.NewBus()
	cfg := config.Default()
	e := New(backend, sessions, store, bus, nil, sender, fakePeers{ids: peerIDs}, cfg, nil)
	return e, sessions
}

// sealEnvelope builds a ClipboardUpdate envelope the way a peer's own
// sendTo would, so HandleInbound tests can feed Engine realistic wire
// input without going through a second Engine.
func sealEnvelope(sessions *session.Manager, peer identity.DeviceID, body []byte) (*protocol.Envelope, error) {
	snap, ok := sessions.Snapshot(peer)
	if !ok {
		return nil, errNoSession
	}
	now := time.Now().UnixMilli()
	header := envelopeHeaderFor(snap.OutboundCounter, protocol.TypeClipboardUpdate, now, len(body))
	sealed, counter, err := sessions.Encrypt(peer, body, header[:])
	if err != nil {
		return nil, err
	}
	return protocol.NewEnvelope(protocol.TypeClipboardUpdate, counter, now, sealed), nil
}

func clipboardUpdateBody(content clipboard.Content) []byte {
	msg := protocol.ClipboardUpdateMessage{
		ContentType: content.Type,
		Content:     content.Encode(),
		ContentHash: content.Hash(),
	}
	return msg.Encode()
}

var errNoSession = fakeErr("syncengine test: no session for peer")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestPollOutboundDispatchesToConnectedPeers(t *testing.T) {
	peer := testPeerID()
	backend := &fakeBackend{}
	sender := &fakeSender{}
	e, _ := newTestEngine(t, backend, sender, []identity.DeviceID{peer})

	backend.set(clipboard.NewPlainText("hello world"))

	if err := e.PollOutbound(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected 1 dispatched message, got %d", sender.count())
	}
}

func TestPollOutboundSkipsUnchangedContent(t *testing.T) {
	peer := testPeerID()
	backend := &fakeBackend{}
	sender := &fakeSender{}
	e, _ := newTestEngine(t, backend, sender, []identity.DeviceID{peer})

	backend.set(clipboard.NewPlainText("same"))
	if err := e.PollOutbound(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := e.PollOutbound(context.Background()); err != nil {
		t.Fatal(err)
	}

	if sender.count() != 1 {
		t.Fatalf("expected unchanged content to be skipped on second poll, got %d sends", sender.count())
	}
}

func TestPollOutboundRateLimitsChangedContent(t *testing.T) {
	peer := testPeerID()
	backend := &fakeBackend{}
	sender := &fakeSender{}
	e, _ := newTestEngine(t, backend, sender, []identity.DeviceID{peer})

	backend.set(clipboard.NewPlainText("first"))
	if err := e.PollOutbound(context.Background()); err != nil {
		t.Fatal(err)
	}

	backend.set(clipboard.NewPlainText("second"))
	if err := e.PollOutbound(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected second poll within the send interval to be rate-limited, got %d sends", sender.count())
	}

	e.sendLimiter.SetLimit(rate.Inf)
	if err := e.PollOutbound(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 2 {
		t.Fatalf("expected poll to dispatch once the limiter allows it, got %d sends", sender.count())
	}
}

func TestPollOutboundSkipsWhenAutoSyncDisabled(t *testing.T) {
	peer := testPeerID()
	backend := &fakeBackend{}
	sender := &fakeSender{}
	e, _ := newTestEngine(t, backend, sender, []identity.DeviceID{peer})

	cfg := config.Default()
	cfg.Sync.AutoSync = false
	e.SetConfig(cfg)
	backend.set(clipboard.NewPlainText("hello"))

	if err := e.PollOutbound(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 0 {
		t.Fatalf("expected no dispatch with auto_sync off, got %d", sender.count())
	}
}

func TestSendNowBypassesRateLimit(t *testing.T) {
	peer := testPeerID()
	backend := &fakeBackend{}
	sender := &fakeSender{}
	e, _ := newTestEngine(t, backend, sender, []identity.DeviceID{peer})

	if err := e.SendNow(context.Background(), clipboard.NewPlainText("one")); err != nil {
		t.Fatal(err)
	}
	if err := e.SendNow(context.Background(), clipboard.NewPlainText("one")); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 2 {
		t.Fatalf("expected SendNow to bypass the unchanged-content gate, got %d sends", sender.count())
	}
}

func TestHandleInboundAppliesNewestWins(t *testing.T) {
	peer := testPeerID()
	backend := &fakeBackend{}
	sender := &fakeSender{}
	e, sessions := newTestEngine(t, backend, sender, []identity.DeviceID{peer})

	content := clipboard.NewPlainText("from peer")
	env, err := sealEnvelope(sessions, peer, clipboardUpdateBody(content))
	if err != nil {
		t.Fatal(err)
	}

	result, err := e.HandleInbound(peer, env, true)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Ack.Success {
		t.Fatalf("expected ack success, got %+v", result.Ack)
	}
	if !backend.has || backend.current.Text != "from peer" {
		t.Fatalf("expected backend to have applied content, got %+v", backend.current)
	}
}

func TestHandleInboundLocalWinsSuppressesApply(t *testing.T) {
	peer := testPeerID()
	backend := &fakeBackend{}
	backend.set(clipboard.NewPlainText("local content"))
	sender := &fakeSender{}
	e, sessions := newTestEngine(t, backend, sender, []identity.DeviceID{peer})

	cfg := config.Default()
	cfg.Sync.ConflictResolution = config.ConflictLocal
	e.SetConfig(cfg)

	content := clipboard.NewPlainText("from peer")
	env, err := sealEnvelope(sessions, peer, clipboardUpdateBody(content))
	if err != nil {
		t.Fatal(err)
	}

	result, err := e.HandleInbound(peer, env, true)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Ack.Success {
		t.Fatal("local-wins mode should still ack success")
	}
	if backend.current.Text != "local content" {
		t.Fatalf("expected local content to be retained, got %q", backend.current.Text)
	}
}

func TestHandleInboundRemoteWinsAlwaysApplies(t *testing.T) {
	peer := testPeerID()
	backend := &fakeBackend{}
	backend.set(clipboard.NewPlainText("local content"))
	sender := &fakeSender{}
	e, sessions := newTestEngine(t, backend, sender, []identity.DeviceID{peer})

	cfg := config.Default()
	cfg.Sync.ConflictResolution = config.ConflictRemote
	e.SetConfig(cfg)

	content := clipboard.NewPlainText("from peer")
	env, err := sealEnvelope(sessions, peer, clipboardUpdateBody(content))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.HandleInbound(peer, env, true); err != nil {
		t.Fatal(err)
	}
	if backend.current.Text != "from peer" {
		t.Fatalf("expected remote content to win, got %q", backend.current.Text)
	}
}

func TestHandleInboundContentHashMismatchFails(t *testing.T) {
	peer := testPeerID()
	backend := &fakeBackend{}
	sender := &fakeSender{}
	e, sessions := newTestEngine(t, backend, sender, []identity.DeviceID{peer})

	content := clipboard.NewPlainText("tampered")
	msg := protocol.ClipboardUpdateMessage{
		ContentType: content.Type,
		Content:     content.Encode(),
		ContentHash: content.Hash(),
	}
	msg.ContentHash[0] ^= 0xFF // corrupt the hash after computing it correctly
	env, err := sealEnvelope(sessions, peer, msg.Encode())
	if err != nil {
		t.Fatal(err)
	}

	result, err := e.HandleInbound(peer, env, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.Ack.Success {
		t.Fatal("expected ack failure on content hash mismatch")
	}
}

func TestHandleInboundDropsReplayedEnvelope(t *testing.T) {
	peer := testPeerID()
	backend := &fakeBackend{}
	sender := &fakeSender{}
	e, sessions := newTestEngine(t, backend, sender, []identity.DeviceID{peer})

	content := clipboard.NewPlainText("once only")
	env, err := sealEnvelope(sessions, peer, clipboardUpdateBody(content))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.HandleInbound(peer, env, true); err != nil {
		t.Fatal(err)
	}
	if _, err := e.HandleInbound(peer, env, true); !errors.Is(err, session.ErrReplay) {
		t.Fatalf("expected ErrReplay on second delivery, got %v", err)
	}

	items, err := e.store.ListHistory(0)
	if err != nil {
		t.Fatal(err)
	}
	matching := 0
	for _, item := range items {
		if item.SourceDeviceID != nil && *item.SourceDeviceID == peer.String() {
			matching++
		}
	}
	if matching != 1 {
		t.Fatalf("history has %d items from peer, want exactly 1", matching)
	}
}

func TestHandleInboundSkipsApplyWhenPeerSyncDisabled(t *testing.T) {
	peer := testPeerID()
	backend := &fakeBackend{}
	backend.set(clipboard.NewPlainText("untouched"))
	sender := &fakeSender{}
	e, sessions := newTestEngine(t, backend, sender, []identity.DeviceID{peer})

	content := clipboard.NewPlainText("from peer")
	env, err := sealEnvelope(sessions, peer, clipboardUpdateBody(content))
	if err != nil {
		t.Fatal(err)
	}

	result, err := e.HandleInbound(peer, env, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Ack.Success {
		t.Fatal("expected ack success even when the peer's sync is disabled")
	}
	if backend.current.Text != "untouched" {
		t.Fatalf("expected clipboard to be untouched, got %q", backend.current.Text)
	}
}
