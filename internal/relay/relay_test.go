package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/identity"
)

// fakeRelayServer accepts a single authenticated WebSocket connection and
// lets the test script reads/writes against it.
type fakeRelayServer struct {
	srv        *httptest.Server
	connCh     chan *websocket.Conn
	rejectAuth bool
}

func newFakeRelayServer(t *testing.T) *fakeRelayServer {
	t.Helper()
	f := &fakeRelayServer{connCh: make(chan *websocket.Conn, 1)}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(readLimit)

		ctx := context.Background()
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "read failed")
			return
		}
		var req authRequest
		_ = json.Unmarshal(data, &req)

		if f.rejectAuth {
			conn.Write(ctx, websocket.MessageText, []byte(`{"type":"error","message":"rejected"}`))
			conn.Close(websocket.StatusPolicyViolation, "rejected")
			return
		}

		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"auth_ok"}`))
		f.connCh <- conn
	})

	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeRelayServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelayServer) close() {
	f.srv.Close()
}

func newTestIdentity(t *testing.T) (*crypto.SigningKeypair, identity.DeviceID) {
	t.Helper()
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	return kp, identity.DeviceIDFromPublicKey(kp.PublicKey)
}

func TestClientAuthenticatesAndReachesReady(t *testing.T) {
	server := newFakeRelayServer(t)
	defer server.close()

	kp, deviceID := newTestIdentity(t)
	client, err := New(server.wsURL(), deviceID, kp, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var mu sync.Mutex
	var states []State
	client.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	deadline := time.After(3 * time.Second)
	for {
		if client.State() == StateReady {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("client never reached Ready, last state = %v", client.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[len(states)-1] != StateReady {
		t.Errorf("states = %v, want last entry Ready", states)
	}
}

func TestClientAuthRejectionTransitionsToReconnecting(t *testing.T) {
	server := newFakeRelayServer(t)
	server.rejectAuth = true
	defer server.close()

	kp, deviceID := newTestIdentity(t)
	client, err := New(server.wsURL(), deviceID, kp, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	deadline := time.After(1 * time.Second)
	for {
		s := client.State()
		if s == StateReconnecting {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("client never entered Reconnecting, state = %v", s)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSendBeforeReadyReturnsErrNotReady(t *testing.T) {
	kp, deviceID := newTestIdentity(t)
	client, err := New("ws://127.0.0.1:0", deviceID, kp, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	to := identity.DeviceIDFromPublicKey([32]byte{1, 2, 3})
	if err := client.Send(context.Background(), to, []byte("hi")); err != ErrNotReady {
		t.Errorf("Send() error = %v, want ErrNotReady", err)
	}
}

func TestInboundMessageDeliveredToCallback(t *testing.T) {
	server := newFakeRelayServer(t)
	defer server.close()

	kp, deviceID := newTestIdentity(t)
	client, err := New(server.wsURL(), deviceID, kp, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	received := make(chan InboundMessage, 1)
	client.OnMessage(func(m InboundMessage) {
		received <- m
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	var serverConn *websocket.Conn
	select {
	case serverConn = <-server.connCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted a connection")
	}

	from, _ := identity.ParseDeviceID(deviceID.String())
	payload := base64.StdEncoding.EncodeToString([]byte("hello"))
	msg := map[string]interface{}{
		"type":              "message",
		"from_device":       from.String(),
		"to_device":         deviceID.String(),
		"encrypted_payload": payload,
		"timestamp_ms":      int64(1000),
	}
	data, _ := json.Marshal(msg)
	if err := serverConn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case got := <-received:
		if string(got.Payload) != "hello" {
			t.Errorf("Payload = %q, want %q", got.Payload, "hello")
		}
		if got.TimestampMs != 1000 {
			t.Errorf("TimestampMs = %d, want 1000", got.TimestampMs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message never delivered")
	}
}
