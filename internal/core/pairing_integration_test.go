package core

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"testing"
	"time"

	"github.com/tosslabs/toss-core/internal/config"
	"github.com/tosslabs/toss-core/internal/logging"
)

func quietTestCore(t *testing.T, name string, cfg config.Config) *Core {
	t.Helper()
	c, err := New(Options{
		DataDir:    t.TempDir(),
		DeviceName: name,
		Config:     cfg,
		Logger:     logging.NewLoggerWithWriter("error", "text", io.Discard),
	})
	if err != nil {
		t.Fatalf("New(%s) error = %v", name, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

// loopbackAddr rewrites a "host:port" pair to use 127.0.0.1, since
// StartPairing advertises whatever localIPv4() resolves to (the host's
// routable address), which in a sandboxed test network namespace is not
// guaranteed to be independently dialable the way loopback always is. The
// listener itself binds every interface, so loopback reaches it exactly
// as well as the advertised address would.
func loopbackAddr(t *testing.T, hostPort string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		t.Fatalf("SplitHostPort(%q) error = %v", hostPort, err)
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func testConfig(relayURL string, relayEnabled bool) config.Config {
	cfg := config.Default()
	cfg.Relay.URL = relayURL
	cfg.Relay.Enabled = relayEnabled
	cfg.MDNSBrowseBudget = 100 * time.Millisecond
	cfg.StunServer = "" // no reflexive-address lookups against real servers in tests
	return cfg
}

// TestStartPairingReturnsAdvertisementMatchingSession exercises the fix
// requiring StartPairing to hand back the full advertisement (code, QR
// payload, expiry, and the session's own ephemeral public key) instead of
// a bare code string, and that the public key is the pairing session's
// X25519 key rather than the device's identity.
func TestStartPairingReturnsAdvertisementMatchingSession(t *testing.T) {
	relay := newFakePairingRelayServer()
	defer relay.close()

	c := quietTestCore(t, "advertiser", testConfig(relay.wsURL(), false))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.StartNetwork(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("StartNetwork() error = %v", err)
	}

	adv, err := c.StartPairing(ctx)
	if err != nil {
		t.Fatalf("StartPairing() error = %v", err)
	}
	defer c.CancelPairing()

	if len(adv.Code) != 6 {
		t.Fatalf("Code = %q, want 6 digits", adv.Code)
	}
	if adv.QRPayload == "" {
		t.Fatal("QRPayload is empty")
	}
	if !adv.ExpiresAt.After(time.Now()) {
		t.Fatalf("ExpiresAt = %v, want in the future", adv.ExpiresAt)
	}

	pub, err := base64.StdEncoding.DecodeString(adv.PublicKeyB64)
	if err != nil {
		t.Fatalf("PublicKeyB64 does not decode: %v", err)
	}
	if len(pub) != 32 {
		t.Fatalf("decoded public key length = %d, want 32", len(pub))
	}

	sess, ok := c.pairingCoord.Current()
	if !ok {
		t.Fatal("Current() reports no active session right after StartPairing")
	}
	if adv.Code != sess.Code {
		t.Fatalf("adv.Code = %q, session code = %q", adv.Code, sess.Code)
	}
	if string(pub) != string(sess.EphPub[:]) {
		t.Fatal("PublicKeyB64 does not match the pairing session's ephemeral public key")
	}
	if adv.PublicKeyB64 == c.identity.DeviceID.String() {
		t.Fatal("PublicKeyB64 leaked the device ID hex instead of the ephemeral public key")
	}
}

// TestPairingOverQUICLoopback runs a full advertiser/searcher exchange
// over a direct QUIC connection (via the QR-payload path, skipping mDNS
// discovery) and checks both sides end up with each other as a paired,
// session-established device.
func TestPairingOverQUICLoopback(t *testing.T) {
	relay := newFakePairingRelayServer()
	defer relay.close()

	advertiser := quietTestCore(t, "advertiser", testConfig(relay.wsURL(), false))
	searcher := quietTestCore(t, "searcher", testConfig(relay.wsURL(), false))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := advertiser.StartNetwork(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("advertiser.StartNetwork() error = %v", err)
	}
	if err := searcher.StartNetwork(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("searcher.StartNetwork() error = %v", err)
	}

	adv, err := advertiser.StartPairing(ctx)
	if err != nil {
		t.Fatalf("StartPairing() error = %v", err)
	}

	_, hostPort, ok := cutQRPayload(adv.QRPayload)
	if !ok {
		t.Fatalf("malformed QR payload %q", adv.QRPayload)
	}
	qr := adv.Code + "@" + loopbackAddr(t, hostPort)

	peerID, err := searcher.CompletePairingQR(ctx, qr)
	if err != nil {
		t.Fatalf("CompletePairingQR() error = %v", err)
	}
	if peerID != advertiser.identity.DeviceID.String() {
		t.Fatalf("searcher paired with %q, want advertiser %q", peerID, advertiser.identity.DeviceID.String())
	}

	deadline := time.After(3 * time.Second)
	for {
		devices, err := advertiser.GetPairedDevices()
		if err != nil {
			t.Fatalf("advertiser.GetPairedDevices() error = %v", err)
		}
		found := false
		for _, d := range devices {
			if d.DeviceID == searcher.identity.DeviceID.String() {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("advertiser never persisted the searcher as a paired device")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// cutQRPayload splits a "code@host:port" QR payload into its parts.
func cutQRPayload(payload string) (code, hostPort string, ok bool) {
	for i := 0; i < len(payload); i++ {
		if payload[i] == '@' {
			return payload[:i], payload[i+1:], true
		}
	}
	return "", "", false
}

// TestCompletePairingCodeFallsBackToRelay drives the full relay-tunneled
// handshake: mDNS discovery is expected to find nothing (no advertiser on
// the segment the searcher browses), so CompletePairingCode must look the
// code up on the relay and run the exchange over the relay-tunneled
// io.ReadWriter adapter instead of a direct QUIC dial.
func TestCompletePairingCodeFallsBackToRelay(t *testing.T) {
	relay := newFakePairingRelayServer()
	defer relay.close()

	cfg := testConfig(relay.wsURL(), true)
	advertiser := quietTestCore(t, "advertiser", cfg)
	searcher := quietTestCore(t, "searcher", cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// StartNetwork constructs and starts each relay client.
	if err := advertiser.StartNetwork(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("advertiser.StartNetwork() error = %v", err)
	}
	if err := searcher.StartNetwork(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("searcher.StartNetwork() error = %v", err)
	}

	waitReady(t, advertiser)
	waitReady(t, searcher)

	adv, err := advertiser.StartPairing(ctx)
	if err != nil {
		t.Fatalf("StartPairing() error = %v", err)
	}

	// Do not let the advertiser's own direct QUIC listener answer the
	// searcher's dial: tear it down immediately so only the relay path
	// can possibly complete the exchange, proving the fallback (not a
	// lucky direct connection) is what succeeds.
	advertiser.teardownQUICPairingListenerForTest()

	peerID, err := searcher.CompletePairingCode(ctx, adv.Code)
	if err != nil {
		t.Fatalf("CompletePairingCode() error = %v", err)
	}
	if peerID != advertiser.identity.DeviceID.String() {
		t.Fatalf("searcher paired with %q, want advertiser %q", peerID, advertiser.identity.DeviceID.String())
	}

	devices, err := searcher.GetPairedDevices()
	if err != nil {
		t.Fatalf("searcher.GetPairedDevices() error = %v", err)
	}
	found := false
	for _, d := range devices {
		if d.DeviceID == advertiser.identity.DeviceID.String() {
			found = true
		}
	}
	if !found {
		t.Fatal("searcher never persisted the advertiser as a paired device")
	}
}

func waitReady(t *testing.T, c *Core) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if c.relayClient != nil && c.relayClient.State().String() == "ready" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("relay client for %s never reached ready", c.identity.DeviceID.ShortHex())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// teardownQUICPairingListenerForTest closes the advertiser's pairing QUIC
// listener without cancelling the pairing session itself, so a test can
// force a searcher's direct dial attempt to fail and exercise the relay
// fallback path exclusively.
func (c *Core) teardownQUICPairingListenerForTest() {
	if c.pairingWin != nil {
		c.pairingWin.listener.Close()
	}
}

// TestRegisterPairingAdvertisementRequiresOpenWindow checks the
// re-registration operation refuses to run outside a pairing window, and
// that re-running it during one reports per-channel outcomes without
// disturbing the session.
func TestRegisterPairingAdvertisementRequiresOpenWindow(t *testing.T) {
	relay := newFakePairingRelayServer()
	defer relay.close()

	c := quietTestCore(t, "advertiser", testConfig(relay.wsURL(), true))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.RegisterPairingAdvertisement(ctx); err == nil {
		t.Fatal("RegisterPairingAdvertisement() with no window open succeeded, want error")
	}

	if err := c.StartNetwork(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("StartNetwork() error = %v", err)
	}
	waitReady(t, c)

	adv, err := c.StartPairing(ctx)
	if err != nil {
		t.Fatalf("StartPairing() error = %v", err)
	}
	defer c.CancelPairing()

	res, err := c.RegisterPairingAdvertisement(ctx)
	if err != nil {
		t.Fatalf("RegisterPairingAdvertisement() error = %v", err)
	}
	if !res.RelayOk {
		t.Fatalf("RelayOk = false (errors: %v), want relay re-registration to succeed", res.Errors)
	}

	sess, ok := c.pairingCoord.Current()
	if !ok || sess.Code != adv.Code {
		t.Fatal("re-registration disturbed the live pairing session")
	}
}
