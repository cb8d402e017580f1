package core

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tosslabs/toss-core/internal/certutil"
	"github.com/tosslabs/toss-core/internal/coreerrors"
	"github.com/tosslabs/toss-core/internal/discovery"
	"github.com/tosslabs/toss-core/internal/events"
	"github.com/tosslabs/toss-core/internal/identity"
	"github.com/tosslabs/toss-core/internal/pairing"
	"github.com/tosslabs/toss-core/internal/protocol"
	"github.com/tosslabs/toss-core/internal/relay"
	"github.com/tosslabs/toss-core/internal/storage"
	"github.com/tosslabs/toss-core/internal/transport"
)

// DiscoveredPeer is a pairing-advertising peer found during
// FindPairingDevice, exported across the host surface. Code is the
// pairing code the peer is advertising, read from its TXT record, so a
// joiner can match the code the user typed against the right advertiser.
type DiscoveredPeer struct {
	DeviceIDPrefix string
	Name           string
	Addr           string
	Code           string
	PublicKeyB64   string
}

// AdvertisementResult reports, per discovery channel, whether a pairing
// window's registration took. Pairing proceeds as long as at least one
// channel succeeded; the per-channel flags let a host tell the user
// which path a joining device will be able to use.
type AdvertisementResult struct {
	MDNSOk  bool
	RelayOk bool
	Errors  []string
}

// pairingWindow holds the ephemeral transport this device's StartPairing
// opened, torn down on completion or cancellation.
type pairingWindow struct {
	transport *transport.QUICTransport
	listener  transport.Listener
}

// PairingAdvertisement is everything a host needs to present a pairing
// window to the user: the code to read aloud or type, a QR payload
// encoding the direct-dial address, the ephemeral public key (so a
// relay-only peer can verify it matches what it fetches from the relay
// registration), and the code's expiry.
type PairingAdvertisement struct {
	Code         string
	QRPayload    string
	PublicKeyB64 string
	ExpiresAt    time.Time
}

// StartPairing begins the advertiser side of a pairing exchange: opens an
// ephemeral QUIC listener dedicated to the handshake, advertises it over
// mDNS and (if configured) the relay, and returns the code, QR payload,
// and expiry the host surfaces to the user. At least one of mDNS
// advertising or relay registration must succeed; if both fail, pairing
// cannot be discovered by anything and the call fails with
// CodeNotDiscoverable rather than handing back a code nobody can find.
func (c *Core) StartPairing(ctx context.Context) (*PairingAdvertisement, error) {
	sess, err := c.pairingCoord.Begin(pairing.RoleAdvertiser)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeInvalidKey, "begin pairing", err)
	}
	if c.metrics != nil {
		c.metrics.RecordPairingAttempt("advertiser")
	}

	pairCert, err := certutil.GenerateCert(certutil.DefaultServerOptions(c.identity.DeviceID.ShortHex()))
	if err != nil {
		c.pairingCoord.Cancel()
		return nil, coreerrors.Wrap(coreerrors.CodeCryptoFatal, "generate pairing certificate", err)
	}
	pairTLSCert, err := pairCert.TLSCertificate()
	if err != nil {
		c.pairingCoord.Cancel()
		return nil, coreerrors.Wrap(coreerrors.CodeCryptoFatal, "load pairing certificate", err)
	}

	pt := transport.NewQUICTransport()
	listener, err := pt.Listen(":0", transport.ListenOptions{
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{pairTLSCert},
			NextProtos:   []string{transport.ALPNProtocol},
		},
	})
	if err != nil {
		c.pairingCoord.Cancel()
		pt.Close()
		return nil, coreerrors.Wrap(coreerrors.CodeQuicConnectFailed, "open pairing listener", err)
	}
	c.pairingWin = &pairingWindow{transport: pt, listener: listener}

	port := uint16(0)
	if udpAddr, ok := listener.Addr().(*net.UDPAddr); ok {
		port = uint16(udpAddr.Port)
	}
	addr := localIPv4()
	pubB64 := base64.StdEncoding.EncodeToString(sess.EphPub[:])

	adCtx, cancel := context.WithDeadline(ctx, sess.ExpiresAt)
	c.pairingAdCtx = adCtx
	c.pairingAdStop = cancel

	reg := c.registerPairingAdvertisement(adCtx, sess, port, addr)
	if !reg.MDNSOk && !reg.RelayOk {
		cancel()
		c.pairingCoord.Cancel()
		c.teardownPairingWindow()
		if c.metrics != nil {
			c.metrics.RecordPairingFailure("not_discoverable")
		}
		return nil, coreerrors.New(coreerrors.CodeNotDiscoverable, "neither mDNS advertising nor relay registration succeeded")
	}

	c.pairingAcceptMu.Lock()
	c.pairingAcceptDone = false
	c.pairingAcceptMu.Unlock()

	c.goWithRecovery("pairing-accept", func() { c.acceptPairingConn(adCtx, listener) })
	if reg.RelayOk {
		c.goWithRecovery("pairing-accept-relay", func() { c.acceptRelayPairing(adCtx, sess.Code) })
	}

	return &PairingAdvertisement{
		Code:         sess.Code,
		QRPayload:    fmt.Sprintf("%s@%s", sess.Code, net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))),
		PublicKeyB64: pubB64,
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}

// registerPairingAdvertisement runs both discovery-channel registrations
// for an open pairing window: the mDNS pairing service (TXT keys code,
// pk, name) and the relay's pairing registry. Both are always attempted;
// the caller decides what a partial or total failure means.
func (c *Core) registerPairingAdvertisement(ctx context.Context, sess *pairing.Session, port uint16, addr net.IP) AdvertisementResult {
	var res AdvertisementResult
	pubB64 := base64.StdEncoding.EncodeToString(sess.EphPub[:])

	if err := c.advertiser.Start(ctx, discovery.ServicePairing, c.identity.DeviceID.ShortHex(), c.mdnsHostname(), port, addr, map[string]string{
		"code": sess.Code,
		"pk":   pubB64,
		"name": c.deviceName(),
	}); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("mdns: %v", err))
		c.logger.Warn("pairing mdns advertise failed", "error", err)
	} else {
		res.MDNSOk = true
	}

	if c.relayClient == nil {
		res.Errors = append(res.Errors, "relay: no relay configured")
		return res
	}
	req := relay.RegisterPairingRequest{
		Code:         sess.Code,
		DeviceID:     c.identity.DeviceID.String(),
		PublicKeyB64: pubB64,
		ExpiresAt:    sess.ExpiresAt,
	}
	if err := c.relayClient.RegisterPairing(ctx, req); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("relay: %v", err))
		c.logger.Debug("relay pairing registration failed", "error", err)
	} else {
		res.RelayOk = true
	}
	return res
}

// RegisterPairingAdvertisement re-runs the mDNS advertisement and relay
// registration for the pairing window currently open, so a host can
// retry after a transient failure (relay reconnected, network interface
// came up) without restarting the whole pairing session. Registration is
// idempotent at the protocol level: the relay upserts by code, and a
// duplicate mDNS responder answers with identical records.
func (c *Core) RegisterPairingAdvertisement(ctx context.Context) (AdvertisementResult, error) {
	sess, ok := c.pairingCoord.Current()
	if !ok || c.pairingWin == nil {
		return AdvertisementResult{}, coreerrors.New(coreerrors.CodeInvalidPairingCode, "no pairing window open")
	}
	adCtx := c.pairingAdCtx
	if adCtx == nil {
		adCtx = ctx
	}
	port := uint16(0)
	if udpAddr, udpOK := c.pairingWin.listener.Addr().(*net.UDPAddr); udpOK {
		port = uint16(udpAddr.Port)
	}
	return c.registerPairingAdvertisement(adCtx, sess, port, localIPv4()), nil
}

// acceptPairingConn accepts the single inbound pairing connection and runs
// the exchange over its one stream. Only one peer is expected per window;
// the listener is torn down once that peer connects or the window expires.
func (c *Core) acceptPairingConn(ctx context.Context, listener transport.Listener) {
	conn, err := listener.Accept(ctx)
	if err != nil {
		c.logger.Debug("pairing accept failed", "error", err)
		c.CancelPairing()
		return
	}
	defer conn.Close()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		c.logger.Debug("pairing accept stream failed", "error", err)
		c.CancelPairing()
		return
	}
	defer stream.Close()

	if !c.claimPairingAccept() {
		return
	}
	c.bus.Push(events.Event{Kind: events.KindPairingRequest, Message: conn.RemoteAddr().String()})
	c.runPairingExchange(ctx, stream)
}

// claimPairingAccept lets only one of the advertiser's concurrent accept
// paths (direct QUIC, relay-tunneled) actually drive the exchange, in
// case a peer somehow reaches both at once.
func (c *Core) claimPairingAccept() bool {
	c.pairingAcceptMu.Lock()
	defer c.pairingAcceptMu.Unlock()
	if c.pairingAcceptDone {
		return false
	}
	c.pairingAcceptDone = true
	return true
}

// runPairingExchange drives pairing.Coordinator.Exchange over rw and
// persists the resulting peer on success, shared by both the advertiser's
// inbound path and the searcher's outbound path.
func (c *Core) runPairingExchange(ctx context.Context, rw io.ReadWriter) (*pairing.Result, error) {
	start := time.Now()
	result, err := c.pairingCoord.Exchange(rw, c.asIdentity(), c.helloInfo())
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordPairingFailure(err.Error())
		}
		c.bus.Push(events.Event{Kind: events.KindError, Message: fmt.Sprintf("pairing failed: %v", err)})
		c.pairingCoord.Cancel()
		c.teardownPairingWindow()
		return nil, err
	}

	if err := c.persistPairedDevice(result); err != nil {
		c.pairingCoord.Cancel()
		c.teardownPairingWindow()
		return nil, err
	}

	c.pairingCoord.Stored()
	c.teardownPairingWindow()

	if c.metrics != nil {
		c.metrics.RecordPairingSuccess(time.Since(start).Seconds())
	}
	c.bus.Push(events.Event{Kind: events.KindDeviceConnected, Peer: events.PeerInfo{
		DeviceID: result.PeerDeviceID.String(),
		Name:     result.PeerName,
		Platform: platformName(protocol.PlatformTag(result.PeerPlatform)),
	}})
	return result, nil
}

func (c *Core) asIdentity() *identity.Identity {
	return &identity.Identity{Signing: c.identity.Signing, DeviceID: c.identity.DeviceID}
}

// persistPairedDevice stores the new device row (including its long-term
// signing key, needed later to verify KeyRotation signatures) and
// establishes its live session.
func (c *Core) persistPairedDevice(result *pairing.Result) error {
	device := &storage.Device{
		ID:          result.PeerDeviceID.String(),
		Name:        result.PeerName,
		PublicKey:   append([]byte(nil), result.PeerSigningKey[:]...),
		Platform:    result.PeerPlatform,
		Active:      false,
		SyncEnabled: true,
		CreatedAt:   time.Now(),
	}
	if err := c.store.UpsertDevice(device); err != nil {
		return coreerrors.Wrap(coreerrors.CodeStorageError, "persist paired device", err)
	}

	if _, err := c.sessions.Establish(result.PeerDeviceID, result.DerivedKeys.Session); err != nil {
		return coreerrors.Wrap(coreerrors.CodeCryptoFatal, "establish session", err)
	}
	if err := c.persistSessionKey(result.PeerDeviceID, result.DerivedKeys.Session); err != nil {
		c.logger.Warn("persist session key failed", "peer", result.PeerDeviceID.ShortHex(), "error", err)
	}
	result.DerivedKeys.Zero()
	return nil
}

func (c *Core) teardownPairingWindow() {
	if c.pairingAdStop != nil {
		c.pairingAdStop()
		c.pairingAdStop = nil
	}
	c.pairingAdCtx = nil
	if c.pairingWin != nil {
		c.pairingWin.listener.Close()
		c.pairingWin.transport.Close()
		c.pairingWin = nil
	}
}

// FindPairingDevice browses for devices currently advertising a pairing
// window, for a host to present a picker before the user enters a code.
func (c *Core) FindPairingDevice(ctx context.Context, budget time.Duration) ([]DiscoveredPeer, error) {
	if budget <= 0 {
		budget = discovery.BrowseBudget
	}
	var peers []DiscoveredPeer
	err := c.browser.Browse(ctx, discovery.ServicePairing, budget, func(seen discovery.PeerSeen) {
		if len(seen.Addrs) == 0 {
			return
		}
		peers = append(peers, DiscoveredPeer{
			DeviceIDPrefix: seen.DeviceIDPrefix,
			Name:           seen.TXT["name"],
			Addr:           net.JoinHostPort(seen.Addrs[0], strconv.Itoa(int(seen.Port))),
			Code:           seen.TXT["code"],
			PublicKeyB64:   seen.TXT["pk"],
		})
	})
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeNotDiscoverable, "browse pairing devices", err)
	}
	return peers, nil
}

// CompletePairingCode joins an advertised pairing session using a
// 6-digit code: it browses mDNS with the configured budget first, and
// if no advertiser answers on the local network, falls back to the
// relay's pairing registry and runs the handshake tunneled through the
// relay instead. First hit wins.
func (c *Core) CompletePairingCode(ctx context.Context, code string) (string, error) {
	if len(code) != 6 {
		return "", coreerrors.New(coreerrors.CodeInvalidPairingCode, "pairing code must be 6 digits")
	}

	cfg := c.config()
	peers, err := c.FindPairingDevice(ctx, cfg.MDNSBrowseBudget)
	if err == nil {
		for _, p := range peers {
			if p.Code == code {
				return c.dialAndExchange(ctx, p.Addr, code)
			}
		}
	}

	if c.relayClient != nil {
		rec, rerr := c.relayClient.FindPairing(ctx, code)
		if rerr == nil {
			peerID, perr := identity.ParseDeviceID(rec.DeviceID)
			if perr == nil {
				return c.dialRelayPairing(ctx, peerID, code)
			}
		}
	}

	if c.metrics != nil {
		c.metrics.RecordPairingFailure("not_discoverable")
	}
	return "", coreerrors.New(coreerrors.CodePairingCodeNotFound, "no pairing advertiser found on mDNS or relay")
}

// CompletePairingQR joins a pairing session from a scanned QR payload of
// the form "code@host:port", skipping the mDNS lookup entirely.
func (c *Core) CompletePairingQR(ctx context.Context, payload string) (string, error) {
	code, addr, ok := strings.Cut(payload, "@")
	if !ok || len(code) != 6 || addr == "" {
		return "", coreerrors.New(coreerrors.CodeInvalidPairingCode, "malformed pairing QR payload")
	}
	return c.dialAndExchange(ctx, addr, code)
}

func (c *Core) dialAndExchange(ctx context.Context, addr, code string) (string, error) {
	if _, err := c.pairingCoord.BeginWithCode(code); err != nil {
		return "", coreerrors.Wrap(coreerrors.CodeInvalidKey, "begin pairing", err)
	}
	if c.metrics != nil {
		c.metrics.RecordPairingAttempt("searcher")
	}

	cfg := c.config()
	pt := transport.NewQUICTransport()
	defer pt.Close()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.QuicDialTimeout)
	defer cancel()
	conn, err := pt.Dial(dialCtx, addr, transport.DialOptions{InsecureSkipVerify: true, Timeout: cfg.QuicDialTimeout})
	if err != nil {
		c.pairingCoord.Cancel()
		if c.metrics != nil {
			c.metrics.RecordPairingFailure("unreachable")
		}
		return "", coreerrors.Wrap(coreerrors.CodePeerUnreachable, "dial pairing advertiser", err)
	}
	defer conn.Close()

	stream, err := conn.OpenStream(dialCtx)
	if err != nil {
		c.pairingCoord.Cancel()
		return "", coreerrors.Wrap(coreerrors.CodePeerUnreachable, "open pairing stream", err)
	}
	defer stream.Close()

	result, err := c.runPairingExchange(ctx, stream)
	if err != nil {
		return "", coreerrors.Wrap(coreerrors.CodeSignatureInvalid, "pairing exchange", err)
	}
	return result.PeerDeviceID.String(), nil
}

// CancelPairing aborts any in-progress pairing session and tears down its
// advertisement and transport.
func (c *Core) CancelPairing() {
	c.pairingCoord.Cancel()
	c.teardownPairingWindow()

	c.pairingRelayMu.Lock()
	conn := c.pairingRelay
	c.pairingRelay = nil
	c.pairingRelayMu.Unlock()
	if conn != nil {
		conn.close()
	}
}

