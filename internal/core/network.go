package core

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tosslabs/toss-core/internal/certutil"
	"github.com/tosslabs/toss-core/internal/coreerrors"
	tosscrypto "github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/discovery"
	"github.com/tosslabs/toss-core/internal/events"
	"github.com/tosslabs/toss-core/internal/identity"
	"github.com/tosslabs/toss-core/internal/protocol"
	"github.com/tosslabs/toss-core/internal/recovery"
	"github.com/tosslabs/toss-core/internal/relay"
	"github.com/tosslabs/toss-core/internal/session"
	"github.com/tosslabs/toss-core/internal/stunclient"
	"github.com/tosslabs/toss-core/internal/transport"
)

// outboxCapacity bounds the per-peer queue of wire frames waiting for a
// transport to become available. Overflow drops the oldest queued frame:
// a slow or absent peer link must never grow unbounded memory, matching
// the Event Bus's own drop-oldest policy.
const outboxCapacity = 64

// peerLink is a live transport connection to one paired peer, carrying a
// single long-lived bidirectional stream: every message on it is a
// 4-byte big-endian length prefix followed by one encoded Envelope.
type peerLink struct {
	deviceID  identity.DeviceID
	conn      transport.PeerConn
	stream    transport.Stream
	transport string

	writeMu sync.Mutex
}

func (l *peerLink) writeFrame(payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := l.stream.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := l.stream.Write(payload)
	return err
}

func readFrame(r io.Reader, maxLen uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxLen {
		return nil, fmt.Errorf("core: frame of %d bytes exceeds limit %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// StartNetwork brings up every network-facing subsystem: the QUIC
// listener, relay client, and main-service mDNS advertisement, plus the
// clipboard poll and history prune background loops. It is idempotent
// while already running.
func (c *Core) StartNetwork(ctx context.Context, listenAddr string) error {
	if c.running.Swap(true) {
		return nil
	}

	cert, err := certutil.GenerateCert(certutil.DefaultServerOptions(c.identity.DeviceID.ShortHex()))
	if err != nil {
		c.running.Store(false)
		return coreerrors.Wrap(coreerrors.CodeCryptoFatal, "generate listener certificate", err)
	}
	c.quicCert = cert

	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		c.running.Store(false)
		return coreerrors.Wrap(coreerrors.CodeCryptoFatal, "load listener certificate", err)
	}

	cfg := c.config()
	c.quicTransport = transport.NewQUICTransport()
	listener, err := c.quicTransport.Listen(listenAddr, transport.ListenOptions{
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{tlsCert},
			NextProtos:   []string{transport.ALPNProtocol},
		},
	})
	if err != nil {
		c.running.Store(false)
		return coreerrors.Wrap(coreerrors.CodeQuicConnectFailed, "listen", err)
	}
	c.quicListener = listener
	if tcpAddr, ok := listener.Addr().(*net.UDPAddr); ok {
		c.quicPort = uint16(tcpAddr.Port)
	}

	c.goWithRecovery("quic-accept-loop", func() { c.acceptLoop(ctx) })

	if cfg.Relay.URL != "" {
		rc, err := relay.New(cfg.Relay.URL, c.identity.DeviceID, c.identity.Signing, c.logger)
		if err != nil {
			c.logger.Warn("relay client construction failed", "error", err)
		} else {
			c.relayClient = rc
			rc.OnMessage(c.handleRelayMessage)
			rc.OnStateChange(func(s relay.State) {
				if c.metrics != nil {
					c.metrics.SetRelayState(int(s))
				}
			})
			if cfg.Relay.Enabled {
				rc.Start(ctx)
			}
		}
	}

	advCtx, advCancel := context.WithCancel(ctx)
	c.mainAdStop = advCancel
	if err := c.advertiser.Start(advCtx, discovery.ServiceMain, c.identity.DeviceID.ShortHex(), c.mdnsHostname(), c.quicPort, localIPv4(), map[string]string{
		"v":    protocolVersionString,
		"id":   c.identity.DeviceID.ShortHex(),
		"name": c.deviceName(),
	}); err != nil {
		c.logger.Warn("mdns advertise failed", "error", err)
	}

	// Fire-and-forget: the lookup's only effect is a guarded field write,
	// and Shutdown must not wait out a STUN timeout.
	if cfg.StunServer != "" {
		go func() {
			defer recovery.RecoverWithLog(c.logger, "stun-reflexive")
			c.refreshReflexiveAddr(cfg.StunServer)
		}()
	}

	c.goWithRecovery("address-cache", func() { c.maintainAddressCache(ctx) })
	c.goWithRecovery("clipboard-poll", func() { c.clipboardPollLoop(ctx) })
	c.goWithRecovery("history-prune", func() { c.historyPruneLoop(ctx) })
	c.goWithRecovery("rotation-check", func() { c.rotationCheckLoop(ctx) })

	return nil
}

// StopNetwork tears down every network-facing subsystem without closing
// storage.
func (c *Core) StopNetwork() {
	if !c.running.Swap(false) {
		return
	}
	c.stopNetworkLocked()
}

func (c *Core) stopNetworkLocked() {
	if c.mainAdStop != nil {
		c.mainAdStop()
		c.mainAdStop = nil
	}
	if c.pairingAdStop != nil {
		c.pairingAdStop()
		c.pairingAdStop = nil
	}
	if c.relayClient != nil {
		c.relayClient.Stop()
	}
	if c.quicListener != nil {
		c.quicListener.Close()
	}
	if c.quicTransport != nil {
		c.quicTransport.Close()
	}

	c.linksMu.Lock()
	for id, link := range c.links {
		link.conn.Close()
		delete(c.links, id)
	}
	c.linksMu.Unlock()
}

// acceptLoop accepts inbound QUIC connections and hands each to its own
// handshake-then-serve goroutine.
func (c *Core) acceptLoop(ctx context.Context) {
	for {
		conn, err := c.quicListener.Accept(ctx)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Debug("quic accept failed", "error", err)
			continue
		}
		c.goWithRecovery("quic-peer-conn", func() { c.serveInboundConn(ctx, conn) })
	}
}

// serveInboundConn accepts the peer's one long-lived stream, identifies
// the peer from its first DeviceInfo frame, and serves frames until the
// connection closes.
func (c *Core) serveInboundConn(ctx context.Context, conn transport.PeerConn) {
	defer conn.Close()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		c.logger.Debug("accept peer stream failed", "error", err)
		return
	}

	peer, ok := c.identifyStream(stream)
	if !ok {
		stream.Close()
		return
	}

	link := &peerLink{deviceID: peer, conn: conn, stream: stream, transport: "quic"}
	c.registerLink(peer, link)
	defer c.unregisterLink(peer, link)

	c.serveLink(ctx, link)
}

// identifyStream reads the first frame on a freshly accepted stream,
// which must decrypt as a DeviceInfo envelope under an already-paired
// peer's session (regular connections only ever follow a completed
// pairing; the pairing exchange itself runs its own unsealed handshake
// over a separate stream, see pairing_ops.go).
func (c *Core) identifyStream(stream transport.Stream) (identity.DeviceID, bool) {
	raw, err := readFrame(stream, protocol.MaxWireSize)
	if err != nil {
		return identity.DeviceID{}, false
	}
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil || env.Type != protocol.TypeDeviceInfo {
		return identity.DeviceID{}, false
	}

	for _, peer := range c.pairedDeviceIDs() {
		envHeader := env.Header()
		plaintext, err := c.sessions.Decrypt(peer, env.MessageID, env.Payload, envHeader[:])
		if err != nil {
			continue
		}
		info, err := protocol.DecodeDeviceInfo(plaintext)
		if err != nil {
			continue
		}
		if identity.DeviceID(info.DeviceID) != peer {
			continue
		}
		c.onPeerConnected(peer, "quic")
		return peer, true
	}
	return identity.DeviceID{}, false
}

func (c *Core) pairedDeviceIDs() []identity.DeviceID {
	devices, err := c.store.ListDevices()
	if err != nil {
		return nil
	}
	out := make([]identity.DeviceID, 0, len(devices))
	for _, d := range devices {
		id, err := identity.ParseDeviceID(d.ID)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (c *Core) registerLink(peer identity.DeviceID, link *peerLink) {
	c.linksMu.Lock()
	if old, ok := c.links[peer]; ok {
		old.conn.Close()
	}
	c.links[peer] = link
	c.linksMu.Unlock()
	c.drainOutbox(peer, link)
}

func (c *Core) unregisterLink(peer identity.DeviceID, link *peerLink) {
	c.linksMu.Lock()
	if c.links[peer] == link {
		delete(c.links, peer)
	}
	c.linksMu.Unlock()
	c.onPeerDisconnected(peer, "connection closed")
}

// serveLink reads frames from link until it errors or the core stops,
// dispatching each decoded Envelope to handleEnvelope.
func (c *Core) serveLink(ctx context.Context, link *peerLink) {
	for {
		raw, err := readFrame(link.stream, protocol.MaxWireSize)
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			c.logger.Debug("malformed envelope from peer", "peer", link.deviceID.ShortHex(), "error", err)
			continue
		}
		c.handleEnvelope(ctx, link.deviceID, env)
	}
}

func (c *Core) onPeerConnected(peer identity.DeviceID, transportName string) {
	_ = c.store.SetDeviceActive(peer.String(), true, time.Now())
	if c.metrics != nil {
		c.metrics.RecordDeviceConnect(transportName)
	}
	name, platform := c.peerDisplay(peer)
	c.bus.Push(events.Event{Kind: events.KindDeviceConnected, Peer: events.PeerInfo{DeviceID: peer.String(), Name: name, Platform: platform}})
}

func (c *Core) onPeerDisconnected(peer identity.DeviceID, reason string) {
	_ = c.store.SetDeviceActive(peer.String(), false, time.Now())
	if c.metrics != nil {
		c.metrics.RecordDeviceDisconnect(reason)
	}
	c.bus.Push(events.Event{Kind: events.KindDeviceDisconnected, DeviceID: peer.String(), Message: reason})
}

func (c *Core) peerDisplay(peer identity.DeviceID) (name, platform string) {
	d, err := c.store.GetDevice(peer.String())
	if err != nil {
		return peer.ShortHex(), "unknown"
	}
	return d.Name, platformName(protocol.PlatformTag(d.Platform))
}

// handleRelayMessage is relay.Client's OnMessage callback: an inbound
// message carries an already-encoded Envelope as its payload.
func (c *Core) handleRelayMessage(msg relay.InboundMessage) {
	if c.routeRelayPairingMessage(msg) {
		return
	}

	env, err := protocol.DecodeEnvelope(msg.Payload)
	if err != nil {
		c.logger.Debug("malformed relayed envelope", "from", msg.From.ShortHex(), "error", err)
		return
	}
	if _, ok := c.sessions.Get(msg.From); ok {
		c.onPeerConnected(msg.From, "relay")
	}
	c.handleEnvelope(context.Background(), msg.From, env)
}

// handleEnvelope dispatches one decoded Envelope by message type,
// decrypting it under peer's live session first (every message between
// paired devices is sealed).
func (c *Core) handleEnvelope(ctx context.Context, peer identity.DeviceID, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeClipboardUpdate:
		c.handleClipboardUpdate(ctx, peer, env)
	case protocol.TypeClipboardAck:
		c.handleClipboardAck(peer, env)
	case protocol.TypeClipboardRequest:
		c.handleClipboardRequest(ctx, peer, env)
	case protocol.TypePing:
		c.handlePing(ctx, peer, env)
	case protocol.TypePong:
		// no-op: liveness only.
	case protocol.TypeDeviceInfo:
		c.handleDeviceInfo(peer, env)
	case protocol.TypeKeyRotation:
		c.handleKeyRotation(ctx, peer, env)
	case protocol.TypeError:
		c.handleErrorMessage(peer, env)
	default:
		c.logger.Debug("unknown envelope type", "peer", peer.ShortHex(), "type", env.Type)
	}
}

func (c *Core) deviceSyncEnabled(peer identity.DeviceID) bool {
	d, err := c.store.GetDevice(peer.String())
	if err != nil {
		return false
	}
	return d.SyncEnabled
}

func (c *Core) handleClipboardUpdate(ctx context.Context, peer identity.DeviceID, env *protocol.Envelope) {
	result, err := c.syncEngine.HandleInbound(peer, env, c.deviceSyncEnabled(peer))
	if err != nil {
		c.logger.Warn("inbound clipboard update rejected", "peer", peer.ShortHex(), "error", err)
		return
	}
	body := result.Ack.Encode()
	wire, err := c.sealEnvelope(peer, protocol.TypeClipboardAck, body)
	if err != nil {
		c.logger.Warn("seal clipboard ack failed", "peer", peer.ShortHex(), "error", err)
		return
	}
	if err := c.Send(ctx, peer, wire); err != nil {
		c.logger.Warn("send clipboard ack failed", "peer", peer.ShortHex(), "error", err)
	}
}

func (c *Core) handleClipboardAck(peer identity.DeviceID, env *protocol.Envelope) {
	envHeader := env.Header()
	plaintext, err := c.sessions.Decrypt(peer, env.MessageID, env.Payload, envHeader[:])
	if err != nil {
		c.noteDecryptFailure(peer, err)
		return
	}
	ack, err := protocol.DecodeClipboardAck(plaintext)
	if err != nil {
		return
	}
	if !ack.Success && c.metrics != nil {
		c.metrics.RecordClipboardAckFailed()
	}
}

// handleClipboardRequest answers a peer's explicit ask for this device's
// current clipboard with a regular ClipboardUpdate, subject to the same
// per-peer sync gate as any outbound sync.
func (c *Core) handleClipboardRequest(ctx context.Context, peer identity.DeviceID, env *protocol.Envelope) {
	envHeader := env.Header()
	plaintext, err := c.sessions.Decrypt(peer, env.MessageID, env.Payload, envHeader[:])
	if err != nil {
		c.noteDecryptFailure(peer, err)
		return
	}
	if _, err := protocol.DecodeClipboardRequest(plaintext); err != nil {
		return
	}
	if !c.deviceSyncEnabled(peer) {
		return
	}

	content, ok, err := c.clipboard.ReadCurrent()
	if err != nil || !ok {
		return
	}
	msg := protocol.ClipboardUpdateMessage{
		ContentType: content.Type,
		Content:     content.Encode(),
		ContentHash: content.Hash(),
	}
	wire, err := c.sealEnvelope(peer, protocol.TypeClipboardUpdate, msg.Encode())
	if err != nil {
		return
	}
	_ = c.Send(ctx, peer, wire)
}

func (c *Core) handlePing(ctx context.Context, peer identity.DeviceID, env *protocol.Envelope) {
	envHeader := env.Header()
	plaintext, err := c.sessions.Decrypt(peer, env.MessageID, env.Payload, envHeader[:])
	if err != nil {
		c.noteDecryptFailure(peer, err)
		return
	}
	ping, err := protocol.DecodePing(plaintext)
	if err != nil {
		return
	}
	body := protocol.PongMessage{TimestampUnixMs: ping.TimestampUnixMs}.Encode()
	wire, err := c.sealEnvelope(peer, protocol.TypePong, body)
	if err != nil {
		return
	}
	_ = c.Send(ctx, peer, wire)
}

func (c *Core) handleDeviceInfo(peer identity.DeviceID, env *protocol.Envelope) {
	envHeader := env.Header()
	plaintext, err := c.sessions.Decrypt(peer, env.MessageID, env.Payload, envHeader[:])
	if err != nil {
		c.noteDecryptFailure(peer, err)
		return
	}
	info, err := protocol.DecodeDeviceInfo(plaintext)
	if err != nil {
		return
	}
	_ = c.store.RenameDevice(peer.String(), info.Name)
}

func (c *Core) handleErrorMessage(peer identity.DeviceID, env *protocol.Envelope) {
	envHeader := env.Header()
	plaintext, err := c.sessions.Decrypt(peer, env.MessageID, env.Payload, envHeader[:])
	if err != nil {
		c.noteDecryptFailure(peer, err)
		return
	}
	msg, err := protocol.DecodeError(plaintext)
	if err != nil {
		return
	}
	c.bus.Push(events.Event{Kind: events.KindError, DeviceID: peer.String(), Message: msg.Message})
}

func (c *Core) noteDecryptFailure(peer identity.DeviceID, err error) {
	if c.metrics != nil {
		c.metrics.RecordSessionDecryptFailure()
	}
	c.logger.Warn("session decrypt failed, rotation required", "peer", peer.ShortHex(), "error", err)
	c.bus.Push(events.Event{Kind: events.KindError, DeviceID: peer.String(), Message: "decrypt failure: rotation required"})
}

// sealEnvelope encrypts body under peer's current session as typ and
// returns the fully encoded wire envelope, mirroring the sync engine's
// own envelopeHeaderFor/Encrypt/Encode sequence (internal/syncengine/syncengine.go)
// for every non-clipboard message type.
func (c *Core) sealEnvelope(peer identity.DeviceID, typ protocol.MessageType, body []byte) ([]byte, error) {
	snap, ok := c.sessions.Snapshot(peer)
	if !ok {
		return nil, fmt.Errorf("core: no session for %s", peer.ShortHex())
	}
	now := time.Now().UnixMilli()
	payloadLen := tosscrypto.NonceSize + len(body) + tosscrypto.TagSize
	header := protocol.NewEnvelope(typ, snap.OutboundCounter, now, make([]byte, payloadLen)).Header()

	sealed, counter, err := c.sessions.Encrypt(peer, body, header[:])
	if err != nil {
		return nil, err
	}
	env := protocol.NewEnvelope(typ, counter, now, sealed)
	return env.Encode()
}

// Send implements syncengine.Sender: deliver wire to peer over its live
// QUIC link if one exists, else the relay if ready, else queue it and
// kick off a connection attempt.
func (c *Core) Send(ctx context.Context, peer identity.DeviceID, wire []byte) error {
	c.linksMu.RLock()
	link := c.links[peer]
	c.linksMu.RUnlock()

	if link != nil {
		if err := link.writeFrame(wire); err == nil {
			return nil
		}
		c.unregisterLink(peer, link)
	}

	if c.relayClient != nil && c.relayClient.State() == relay.StateReady {
		if err := c.relayClient.Send(ctx, peer, wire); err == nil {
			return nil
		}
	}

	c.enqueue(peer, wire)
	c.goWithRecovery("connect-peer", func() { c.connectPeer(ctx, peer) })
	return nil
}

func (c *Core) enqueue(peer identity.DeviceID, wire []byte) {
	c.outboxMu.Lock()
	ch, ok := c.outboxes[peer]
	if !ok {
		ch = make(chan []byte, outboxCapacity)
		c.outboxes[peer] = ch
	}
	c.outboxMu.Unlock()

	select {
	case ch <- wire:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- wire:
	default:
	}
}

// closeLink tears down any live connection to peer, used by RemoveDevice
// to ensure an unpaired device cannot keep exchanging frames over a link
// that predates the unpair.
func (c *Core) closeLink(peer identity.DeviceID) {
	c.linksMu.Lock()
	link, ok := c.links[peer]
	if ok {
		delete(c.links, peer)
	}
	c.linksMu.Unlock()
	if ok {
		link.conn.Close()
	}
}

// dropOutbox discards any frames queued for peer and removes its outbox
// entirely, called alongside closeLink on unpair.
func (c *Core) dropOutbox(peer identity.DeviceID) {
	c.outboxMu.Lock()
	delete(c.outboxes, peer)
	c.outboxMu.Unlock()
}

func (c *Core) drainOutbox(peer identity.DeviceID, link *peerLink) {
	c.outboxMu.Lock()
	ch := c.outboxes[peer]
	c.outboxMu.Unlock()
	if ch == nil {
		return
	}
	for {
		select {
		case wire := <-ch:
			if err := link.writeFrame(wire); err != nil {
				return
			}
		default:
			return
		}
	}
}

// connectPeer dials a cached address for peer over QUIC; on success it
// registers the resulting link and drains any queued outbound frames.
func (c *Core) connectPeer(ctx context.Context, peer identity.DeviceID) {
	c.addrMu.RLock()
	addr, ok := c.addrs[peer]
	c.addrMu.RUnlock()
	if !ok {
		return
	}

	cfg := c.config()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.QuicDialTimeout)
	defer cancel()

	conn, err := c.quicTransport.Dial(dialCtx, addr, transport.DialOptions{
		InsecureSkipVerify: true,
		Timeout:            cfg.QuicDialTimeout,
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordQuicConnectError()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.RecordQuicConnect()
	}

	stream, err := conn.OpenStream(dialCtx)
	if err != nil {
		conn.Close()
		return
	}

	link := &peerLink{deviceID: peer, conn: conn, stream: stream, transport: "quic"}
	helloBody := protocol.DeviceInfoMessage{DeviceID: deviceID32(c.identity.DeviceID), Name: c.deviceName(), Platform: hostPlatform(), Version: protocolVersionString}.Encode()
	wire, err := c.sealEnvelope(peer, protocol.TypeDeviceInfo, helloBody)
	if err != nil {
		conn.Close()
		return
	}
	if err := link.writeFrame(wire); err != nil {
		conn.Close()
		return
	}

	c.onPeerConnected(peer, "quic")
	c.registerLink(peer, link)
	c.goWithRecovery("quic-peer-conn-outbound", func() {
		defer c.unregisterLink(peer, link)
		c.serveLink(ctx, link)
	})
}

// connectedPeers returns every peer with a live QUIC link plus, while the
// relay is ready, every device storage currently marks active.
func (c *Core) connectedPeers() []identity.DeviceID {
	seen := map[identity.DeviceID]bool{}
	c.linksMu.RLock()
	for id := range c.links {
		seen[id] = true
	}
	c.linksMu.RUnlock()

	if c.relayClient != nil && c.relayClient.State() == relay.StateReady {
		devices, err := c.store.ListConnectedDevices()
		if err == nil {
			for _, d := range devices {
				if id, err := identity.ParseDeviceID(d.ID); err == nil {
					seen[id] = true
				}
			}
		}
	}

	out := make([]identity.DeviceID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// SyncEnabledConnected implements syncengine.Peers.
func (c *Core) SyncEnabledConnected() []identity.DeviceID {
	var out []identity.DeviceID
	for _, peer := range c.connectedPeers() {
		if c.deviceSyncEnabled(peer) {
			out = append(out, peer)
		}
	}
	return out
}

// maintainAddressCache repeatedly browses the main presence service so
// connectPeer has a fresh address to dial for any paired device currently
// on the local network.
func (c *Core) maintainAddressCache(ctx context.Context) {
	cfg := c.config()
	ticker := time.NewTicker(cfg.MDNSBrowseBudget * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
		}

		paired := c.pairedDeviceIDs()
		prefixes := make(map[string]identity.DeviceID, len(paired))
		for _, id := range paired {
			prefixes[id.ShortHex()] = id
		}

		_ = c.browser.Browse(ctx, discovery.ServiceMain, cfg.MDNSBrowseBudget, func(seen discovery.PeerSeen) {
			id, ok := prefixes[seen.DeviceIDPrefix]
			if !ok || len(seen.Addrs) == 0 {
				return
			}
			addr := net.JoinHostPort(seen.Addrs[0], strconv.Itoa(int(seen.Port)))
			c.addrMu.Lock()
			c.addrs[id] = addr
			c.addrMu.Unlock()
		})
	}
}

func (c *Core) clipboardPollLoop(ctx context.Context) {
	cfg := c.config()
	ticker := time.NewTicker(cfg.ClipboardPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.syncEngine.PollOutbound(ctx); err != nil {
				c.logger.Debug("clipboard poll failed", "error", err)
			}
		}
	}
}

func (c *Core) historyPruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			cfg := c.config()
			if err := c.store.PruneHistory(cfg.History.MaxAgeDays, cfg.History.MaxItems); err != nil {
				c.logger.Warn("history prune failed", "error", err)
			}
		}
	}
}

// rotationCheckLoop periodically checks every paired peer's session for a
// rotation trigger and drives the KeyRotation exchange.
func (c *Core) rotationCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
		for _, peer := range c.pairedDeviceIDs() {
			if reason, needs := c.sessions.NeedsRotation(peer); needs {
				c.beginRotation(ctx, peer, reason)
			}
		}
	}
}

// pendingRotation holds this device's own ephemeral keypair while waiting
// for the peer's matching KeyRotationMessage. Rotation is a two-sided
// ECDH exchange, structurally a miniature replay of pairing's key
// exchange but authenticated with both sides' already-known signing keys
// instead of a pairing code.
type pendingRotation struct {
	ephPriv [tosscrypto.KeySize]byte
	ephPub  [tosscrypto.KeySize]byte
}

// rotationSalt builds the HKDF salt from both rotation ephemeral public
// keys in a canonical (lexicographic) order, so initiator and responder
// derive byte-identical salt regardless of which key is "mine". Pairing
// solves the same problem with its advertiser/searcher roles; rotation
// has no such fixed roles (either side may initiate, or both at once),
// so the keys themselves pick the order.
func rotationSalt(a, b [tosscrypto.KeySize]byte) []byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	out := make([]byte, 0, 2*tosscrypto.KeySize)
	out = append(out, a[:]...)
	out = append(out, b[:]...)
	return out
}

func (c *Core) beginRotation(ctx context.Context, peer identity.DeviceID, reason session.RotationReason) {
	c.rotationsMu.Lock()
	_, already := c.rotations[peer]
	c.rotationsMu.Unlock()
	if already {
		return
	}

	priv, pub, err := tosscrypto.GenerateX25519Keypair()
	if err != nil {
		c.logger.Warn("rotation keypair generation failed", "peer", peer.ShortHex(), "error", err)
		return
	}
	c.rotationsMu.Lock()
	c.rotations[peer] = pendingRotation{ephPriv: priv, ephPub: pub}
	c.rotationsMu.Unlock()

	sig := c.identity.Signing.Sign(append([]byte("toss-rotation-v1"), pub[:]...))
	body := protocol.KeyRotationMessage{NewPublicKey: pub, Signature: sig, Reason: protocol.RotationReason(reason)}.Encode()
	wire, err := c.sealEnvelope(peer, protocol.TypeKeyRotation, body)
	if err != nil {
		return
	}
	_ = c.Send(ctx, peer, wire)
}

func (c *Core) handleKeyRotation(ctx context.Context, peer identity.DeviceID, env *protocol.Envelope) {
	envHeader := env.Header()
	plaintext, err := c.sessions.Decrypt(peer, env.MessageID, env.Payload, envHeader[:])
	if err != nil {
		c.noteDecryptFailure(peer, err)
		return
	}
	msg, err := protocol.DecodeKeyRotation(plaintext)
	if err != nil {
		return
	}

	device, err := c.store.GetDevice(peer.String())
	if err != nil || len(device.PublicKey) != tosscrypto.Ed25519PublicKeySize {
		c.logger.Warn("key rotation from peer with no known signing key", "peer", peer.ShortHex())
		return
	}
	var peerSigningKey [tosscrypto.Ed25519PublicKeySize]byte
	copy(peerSigningKey[:], device.PublicKey)
	if !tosscrypto.Verify(peerSigningKey, append([]byte("toss-rotation-v1"), msg.NewPublicKey[:]...), msg.Signature) {
		c.logger.Warn("key rotation signature invalid", "peer", peer.ShortHex())
		return
	}

	c.rotationsMu.Lock()
	pending, ok := c.rotations[peer]
	c.rotationsMu.Unlock()
	if !ok {
		c.beginRotation(ctx, peer, session.RotationExplicitRequest)
		c.rotationsMu.Lock()
		pending, ok = c.rotations[peer]
		c.rotationsMu.Unlock()
		if !ok {
			return
		}
	}

	shared, err := tosscrypto.ComputeECDH(pending.ephPriv, msg.NewPublicKey)
	if err != nil {
		return
	}
	defer tosscrypto.ZeroKey(&shared)

	salt := rotationSalt(pending.ephPub, msg.NewPublicKey)
	newKey, err := tosscrypto.DeriveSingleKey(shared, salt, tosscrypto.SessionKeyInfo)
	if err != nil {
		return
	}

	if _, err := c.sessions.Rotate(peer, newKey); err != nil {
		c.logger.Warn("session rotation failed", "peer", peer.ShortHex(), "error", err)
		return
	}
	if err := c.persistSessionKey(peer, newKey); err != nil {
		c.logger.Warn("persist rotated session key failed", "peer", peer.ShortHex(), "error", err)
	}
	if c.metrics != nil {
		c.metrics.RecordSessionRotation(fmt.Sprint(msg.Reason))
	}

	c.rotationsMu.Lock()
	delete(c.rotations, peer)
	c.rotationsMu.Unlock()
	tosscrypto.ZeroKey(&newKey)
}

// mdnsHostname returns the DNS host label this device's SRV/A records
// resolve through. The human-readable device name travels in the TXT
// "name" field instead; it is free-form UTF-8 and not a valid DNS name.
func (c *Core) mdnsHostname() string {
	return c.identity.DeviceID.ShortHex() + ".local."
}

// refreshReflexiveAddr asks the configured STUN server which address this
// device appears from outside its NAT. Purely advisory: the result feeds
// status reporting and gives a dialing peer one more candidate, and a
// failed lookup changes nothing about direct connectivity.
func (c *Core) refreshReflexiveAddr(server string) {
	addr, err := stunclient.New(server).ReflexiveAddr()
	if err != nil {
		c.logger.Debug("stun reflexive address lookup failed", "server", server, "error", err)
		return
	}
	c.reflexiveMu.Lock()
	c.reflexiveAddr = addr.String()
	c.reflexiveMu.Unlock()
	c.logger.Info("reflexive address discovered", "addr", addr.String())
}

// ReflexiveAddr returns the STUN-discovered public address, or "" if the
// lookup has not succeeded.
func (c *Core) ReflexiveAddr() string {
	c.reflexiveMu.RLock()
	defer c.reflexiveMu.RUnlock()
	return c.reflexiveAddr
}

// localIPv4 returns the first non-loopback IPv4 address on this host, or
// 127.0.0.1 if none is found, for embedding in mDNS A records.
func localIPv4() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return net.ParseIP("127.0.0.1")
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4
		}
	}
	return net.ParseIP("127.0.0.1")
}
