package core

import (
	"context"
	"io"
	"sync"

	"github.com/tosslabs/toss-core/internal/coreerrors"
	"github.com/tosslabs/toss-core/internal/events"
	"github.com/tosslabs/toss-core/internal/identity"
	"github.com/tosslabs/toss-core/internal/relay"
)

// relayPairingConn adapts relay.Client's message-oriented Send/OnMessage
// surface into the io.ReadWriter pairing.Coordinator.Exchange expects,
// so the same handshake that runs over a QUIC stream can run tunneled
// through the relay when direct connectivity isn't available. Each
// Write becomes one relay message; each relay message addressed to this
// peer becomes one chunk a Read drains, in order.
type relayPairingConn struct {
	core *Core
	peer identity.DeviceID

	bindOnce sync.Once
	bound    chan struct{}

	mu     sync.Mutex
	closed bool
	inbox  chan []byte
	buf    []byte
}

func newRelayPairingConn(core *Core, peer identity.DeviceID) *relayPairingConn {
	c := &relayPairingConn{core: core, peer: peer, bound: make(chan struct{}), inbox: make(chan []byte, 8)}
	if peer != identity.ZeroDeviceID {
		c.bindOnce.Do(func() { close(c.bound) })
	}
	return c
}

// bind fixes the peer this connection talks to, the first time an
// inbound message arrives on an advertiser's as-yet-unbound accept slot.
func (r *relayPairingConn) bind(peer identity.DeviceID) {
	r.bindOnce.Do(func() {
		r.peer = peer
		close(r.bound)
	})
}

func (r *relayPairingConn) deliver(payload []byte) {
	chunk := append([]byte(nil), payload...)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.inbox <- chunk:
	default:
	}
}

func (r *relayPairingConn) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, ok := <-r.inbox
		if !ok {
			return 0, io.EOF
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *relayPairingConn) Write(p []byte) (int, error) {
	buf := append([]byte(nil), p...)
	if err := r.core.relayClient.Send(context.Background(), r.peer, buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (r *relayPairingConn) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.inbox)
}

// routeRelayPairingMessage delivers msg to the active relay-tunneled
// pairing exchange if one is waiting or bound to msg.From, reporting
// whether it consumed the message. handleRelayMessage calls this before
// falling back to regular Envelope decoding, since a pairing handshake
// frame is never a valid Envelope.
func (c *Core) routeRelayPairingMessage(msg relay.InboundMessage) bool {
	c.pairingRelayMu.Lock()
	conn := c.pairingRelay
	c.pairingRelayMu.Unlock()
	if conn == nil {
		return false
	}

	select {
	case <-conn.bound:
	default:
		conn.bind(msg.From)
	}
	if conn.peer != msg.From {
		return false
	}
	conn.deliver(msg.Payload)
	return true
}

// acceptRelayPairing waits for the first relay-tunneled pairing message
// addressed to this device while a StartPairing window is open, binds
// to whichever peer sends it, and runs the same exchange the QUIC
// accept path runs. Only one of the QUIC and relay accept paths
// actually completes the exchange; claimPairingAccept lets the first
// path through and turns the other away.
func (c *Core) acceptRelayPairing(ctx context.Context, code string) {
	conn := newRelayPairingConn(c, identity.ZeroDeviceID)
	c.pairingRelayMu.Lock()
	c.pairingRelay = conn
	c.pairingRelayMu.Unlock()
	defer func() {
		c.pairingRelayMu.Lock()
		if c.pairingRelay == conn {
			c.pairingRelay = nil
		}
		c.pairingRelayMu.Unlock()
		conn.close()
	}()

	select {
	case <-conn.bound:
	case <-ctx.Done():
		return
	}
	if !c.claimPairingAccept() {
		return
	}
	c.bus.Push(events.Event{Kind: events.KindPairingRequest, DeviceID: conn.peer.String()})

	// Unblock any Read in flight if the pairing window closes mid-exchange.
	stop := context.AfterFunc(ctx, conn.close)
	defer stop()
	c.runPairingExchange(ctx, conn)
}

// dialRelayPairing runs the searcher side of a relay-tunneled exchange
// against a peer already known from relay.Client.FindPairing.
func (c *Core) dialRelayPairing(ctx context.Context, peer identity.DeviceID, code string) (string, error) {
	if _, err := c.pairingCoord.BeginWithCode(code); err != nil {
		return "", coreerrors.Wrap(coreerrors.CodeInvalidKey, "begin pairing", err)
	}
	if c.metrics != nil {
		c.metrics.RecordPairingAttempt("searcher")
	}

	conn := newRelayPairingConn(c, peer)
	c.pairingRelayMu.Lock()
	c.pairingRelay = conn
	c.pairingRelayMu.Unlock()
	defer func() {
		c.pairingRelayMu.Lock()
		if c.pairingRelay == conn {
			c.pairingRelay = nil
		}
		c.pairingRelayMu.Unlock()
		conn.close()
	}()

	stop := context.AfterFunc(ctx, conn.close)
	defer stop()
	result, err := c.runPairingExchange(ctx, conn)
	if err != nil {
		return "", coreerrors.Wrap(coreerrors.CodeSignatureInvalid, "relay pairing exchange", err)
	}
	return result.PeerDeviceID.String(), nil
}
