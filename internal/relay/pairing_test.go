package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/identity"
)

func newPairingTestServer(t *testing.T, records map[string]PairingRecord) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/pairing/register", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterPairingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		records[req.Code] = PairingRecord{
			Code:         req.Code,
			DeviceID:     req.DeviceID,
			PublicKeyB64: req.PublicKeyB64,
			ExpiresAt:    req.ExpiresAt,
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/v1/pairing/find/", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Path[len("/api/v1/pairing/find/"):]
		rec, ok := records[code]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(rec)
	})

	mux.HandleFunc("/api/v1/pairing/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.NotFound(w, r)
			return
		}
		code := r.URL.Path[len("/api/v1/pairing/"):]
		delete(records, code)
		w.WriteHeader(http.StatusOK)
	})

	return httptest.NewServer(mux)
}

func newTestRelayClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	deviceID := identity.DeviceIDFromPublicKey(kp.PublicKey)
	wsURL := "ws" + baseURL[len("http"):]
	client, err := New(wsURL, deviceID, kp, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func TestRegisterAndFindPairingRoundTrip(t *testing.T) {
	records := map[string]PairingRecord{}
	server := newPairingTestServer(t, records)
	defer server.Close()

	client := newTestRelayClient(t, server.URL)

	req := RegisterPairingRequest{
		Code:         "123456",
		DeviceID:     "abc123",
		PublicKeyB64: "cHVibGljLWtleQ==",
		ExpiresAt:    time.Now().Add(5 * time.Minute).UTC().Truncate(time.Second),
	}
	if err := client.RegisterPairing(context.Background(), req); err != nil {
		t.Fatalf("RegisterPairing() error = %v", err)
	}

	rec, err := client.FindPairing(context.Background(), "123456")
	if err != nil {
		t.Fatalf("FindPairing() error = %v", err)
	}
	if rec.DeviceID != req.DeviceID || rec.PublicKeyB64 != req.PublicKeyB64 {
		t.Errorf("FindPairing() = %+v, want matching %+v", rec, req)
	}
}

func TestFindPairingMissingCodeReturnsNotFound(t *testing.T) {
	server := newPairingTestServer(t, map[string]PairingRecord{})
	defer server.Close()

	client := newTestRelayClient(t, server.URL)

	_, err := client.FindPairing(context.Background(), "000000")
	if err != ErrPairingNotFound {
		t.Errorf("FindPairing() error = %v, want ErrPairingNotFound", err)
	}
}

func TestCancelPairingRemovesRecord(t *testing.T) {
	records := map[string]PairingRecord{
		"999999": {Code: "999999", DeviceID: "devA"},
	}
	server := newPairingTestServer(t, records)
	defer server.Close()

	client := newTestRelayClient(t, server.URL)

	if err := client.CancelPairing(context.Background(), "999999"); err != nil {
		t.Fatalf("CancelPairing() error = %v", err)
	}

	if _, err := client.FindPairing(context.Background(), "999999"); err != ErrPairingNotFound {
		t.Errorf("FindPairing() after cancel error = %v, want ErrPairingNotFound", err)
	}
}

func TestHTTPBaseURLMapsSchemes(t *testing.T) {
	cases := map[string]string{
		"ws://relay.example.com":  "http://relay.example.com",
		"wss://relay.example.com": "https://relay.example.com",
	}
	for in, want := range cases {
		got, err := httpBaseURL(in)
		if err != nil {
			t.Fatalf("httpBaseURL(%q) error = %v", in, err)
		}
		if got != want {
			t.Errorf("httpBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
