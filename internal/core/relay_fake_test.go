package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// fakePairingRelayServer is a minimal relay stand-in exercising exactly the
// surface internal/relay.Client drives: the pairing register/find REST
// endpoints and a WebSocket channel that bridges "message" frames between
// whichever devices have connected, keyed by to_device/from_device. It
// mirrors internal/relay's own fakeRelayServer test helper, extended to
// bridge two live connections instead of handing one back to the test.
type fakePairingRelayServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	records  map[string]pairingRecordJSON
	conns    map[string]*websocket.Conn
}

type pairingRecordJSON struct {
	Code         string    `json:"code"`
	DeviceID     string    `json:"device_id"`
	PublicKeyB64 string    `json:"public_key_b64"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func newFakePairingRelayServer() *fakePairingRelayServer {
	f := &fakePairingRelayServer{
		records: make(map[string]pairingRecordJSON),
		conns:   make(map[string]*websocket.Conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/pairing/register", func(w http.ResponseWriter, r *http.Request) {
		var rec pairingRecordJSON
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.records[rec.Code] = rec
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/pairing/find/", func(w http.ResponseWriter, r *http.Request) {
		code := strings.TrimPrefix(r.URL.Path, "/api/v1/pairing/find/")
		f.mu.Lock()
		rec, ok := f.records[code]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("/api/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(1 << 20)

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "read failed")
			return
		}
		var authReq struct {
			DeviceID string `json:"device_id"`
		}
		_ = json.Unmarshal(data, &authReq)
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"auth_ok"}`)); err != nil {
			return
		}

		f.mu.Lock()
		f.conns[authReq.DeviceID] = conn
		f.mu.Unlock()

		f.bridge(ctx, conn)
	})

	f.srv = httptest.NewServer(mux)
	return f
}

// bridge forwards every "message"-typed frame this connection sends to
// whichever connection is currently registered for its to_device, same
// dispatch relay.Client.readLoop expects to receive from the server side.
func (f *fakePairingRelayServer) bridge(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var generic struct {
			Type     string `json:"type"`
			ToDevice string `json:"to_device"`
		}
		if err := json.Unmarshal(data, &generic); err != nil || generic.Type != "message" {
			continue
		}
		f.mu.Lock()
		dst := f.conns[generic.ToDevice]
		f.mu.Unlock()
		if dst == nil {
			continue
		}
		_ = dst.Write(ctx, websocket.MessageText, data)
	}
}

func (f *fakePairingRelayServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakePairingRelayServer) httpURL() string {
	return f.srv.URL
}

func (f *fakePairingRelayServer) close() {
	f.srv.Close()
}
