// Package relay implements the client side of the zero-knowledge cloud
// relay: an authenticated WebSocket channel used to forward opaque,
// already-sealed envelopes between devices when a direct QUIC path is
// unavailable.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/identity"
)

// State is the relay client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	wsPath      = "/api/v1/ws"
	dialTimeout = 15 * time.Second
	sendTimeout = 15 * time.Second

	// readLimit must fit a maximum-size envelope after base64 expansion
	// plus the JSON wrapper around it.
	readLimit = 68 << 20
)

var (
	// ErrNotReady is returned by Send when the relay connection is not
	// currently authenticated and ready.
	ErrNotReady = errors.New("relay: connection not ready")
	// ErrRateLimited is returned when the client-side send rate limit
	// (100/minute) would be exceeded.
	ErrRateLimited = errors.New("relay: send rate limit exceeded")
	// ErrAuthRejected is returned when the server rejects the auth
	// handshake.
	ErrAuthRejected = errors.New("relay: authentication rejected")
)

// InboundMessage is a relayed envelope delivered from another device.
type InboundMessage struct {
	From        identity.DeviceID
	Payload     []byte
	TimestampMs int64
}

type wireMessage struct {
	Type             string `json:"type"`
	FromDevice       string `json:"from_device,omitempty"`
	ToDevice         string `json:"to_device,omitempty"`
	EncryptedPayload string `json:"encrypted_payload,omitempty"`
	TimestampMs      int64  `json:"timestamp_ms,omitempty"`
	Message          string `json:"message,omitempty"`
}

// Client is a persistent, reconnecting relay connection for a single
// device identity.
type Client struct {
	url      string
	deviceID identity.DeviceID
	signing  *crypto.SigningKeypair
	logger   *slog.Logger
	limiters *Limiters

	httpClient *httpPairingClient

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	started  bool
	disabled bool
	stopCh   chan struct{}

	onMessage func(InboundMessage)
	onState   func(State)
}

// New constructs a relay Client. url is the relay's base WebSocket URL,
// e.g. "wss://relay.example.com".
func New(url string, deviceID identity.DeviceID, signing *crypto.SigningKeypair, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient, err := newHTTPPairingClient(url)
	if err != nil {
		return nil, err
	}
	return &Client{
		url:        url,
		deviceID:   deviceID,
		signing:    signing,
		logger:     logger,
		limiters:   NewLimiters(),
		httpClient: httpClient,
	}, nil
}

// OnMessage registers the callback invoked for every relayed envelope.
// Must be called before Start.
func (c *Client) OnMessage(fn func(InboundMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnStateChange registers the callback invoked on every state transition.
// Must be called before Start.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins the connect/authenticate/reconnect loop in the
// background. It is a no-op if already started.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	go c.runLoop(ctx)
}

// Stop disconnects and halts reconnection permanently. The Client
// cannot be restarted; construct a new one instead.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopCh != nil {
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closing")
	}
}

// Disable stops reconnection attempts without tearing down Stop's
// permanence; the host uses this when relay use is turned off in
// settings, so it does not reconnect while the host has relay disabled.
// Enable resumes the loop.
func (c *Client) Disable() {
	c.mu.Lock()
	c.disabled = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "relay disabled")
	}
	c.setState(StateDisconnected)
}

// Enable resumes reconnection attempts after Disable.
func (c *Client) Enable() {
	c.mu.Lock()
	c.disabled = false
	c.mu.Unlock()
}

func (c *Client) isDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *Client) getOnMessage() func(InboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onMessage
}

func (c *Client) runLoop(ctx context.Context) {
	bo := newBackoff(DefaultReconnectConfig())

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if c.isDisabled() {
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}

		err := c.connectAndServe(ctx, bo)
		if err == nil {
			return
		}
		c.logger.Warn("relay: connection lost", "error", err)
		c.setState(StateReconnecting)

		delay := bo.next()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context, bo *backoff) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url+wsPath, nil)
	if err != nil {
		return fmt.Errorf("relay: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	defer conn.Close(websocket.StatusInternalError, "connection ended")

	c.setState(StateAuthenticating)
	if err := c.authenticate(ctx, conn); err != nil {
		return err
	}

	bo.reset()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateReady)

	err = c.readLoop(ctx, conn)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	return err
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	authCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	ts := time.Now().Unix()
	sig := signAuth(c.signing, c.deviceID, ts)

	data, err := json.Marshal(authRequest{
		Type:      "auth",
		DeviceID:  c.deviceID.String(),
		Timestamp: ts,
		Signature: base64.StdEncoding.EncodeToString(sig[:]),
	})
	if err != nil {
		return fmt.Errorf("relay: encode auth: %w", err)
	}
	if err := conn.Write(authCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("relay: send auth: %w", err)
	}

	_, ack, err := conn.Read(authCtx)
	if err != nil {
		return fmt.Errorf("relay: read auth ack: %w", err)
	}

	var reply struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(ack, &reply); err != nil {
		return fmt.Errorf("relay: malformed auth ack: %w", err)
	}
	if reply.Type != "auth_ok" {
		return fmt.Errorf("%w: %s", ErrAuthRejected, reply.Message)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var generic struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &generic); err != nil {
			c.logger.Debug("relay: dropping malformed message", "error", err)
			continue
		}

		switch generic.Type {
		case "message":
			var m wireMessage
			if err := json.Unmarshal(data, &m); err != nil {
				c.logger.Debug("relay: dropping malformed relayed message", "error", err)
				continue
			}
			from, err := identity.ParseDeviceID(m.FromDevice)
			if err != nil {
				c.logger.Debug("relay: dropping message with invalid from_device", "error", err)
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(m.EncryptedPayload)
			if err != nil {
				c.logger.Debug("relay: dropping message with invalid payload encoding", "error", err)
				continue
			}
			if cb := c.getOnMessage(); cb != nil {
				cb(InboundMessage{From: from, Payload: payload, TimestampMs: m.TimestampMs})
			}
		case "error":
			var m wireMessage
			if err := json.Unmarshal(data, &m); err == nil {
				c.logger.Warn("relay: server reported error", "message", m.Message)
			}
		default:
			c.logger.Debug("relay: ignoring unknown message type", "type", generic.Type)
		}
	}
}

// Send forwards an already-sealed envelope to the named peer through the
// relay. It is rate-limited to 100/minute and fails with
// ErrNotReady when the connection is not currently authenticated.
func (c *Client) Send(ctx context.Context, to identity.DeviceID, payload []byte) error {
	if !c.limiters.RelaySend.Allow() {
		return ErrRateLimited
	}

	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateReady || conn == nil {
		return ErrNotReady
	}

	msg := wireMessage{
		Type:             "message",
		FromDevice:       c.deviceID.String(),
		ToDevice:         to.String(),
		EncryptedPayload: base64.StdEncoding.EncodeToString(payload),
		TimestampMs:      time.Now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: encode message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("relay: send: %w", err)
	}
	return nil
}

type authRequest struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}
