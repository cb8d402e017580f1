package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const requestTimeout = 15 * time.Second

// ErrPairingNotFound is returned by FindPairing when the relay has no
// registration for the code (HTTP 404).
var ErrPairingNotFound = errors.New("relay: pairing code not found")

// RegisterPairingRequest is the body of POST /api/v1/pairing/register.
type RegisterPairingRequest struct {
	Code         string    `json:"code"`
	DeviceID     string    `json:"device_id"`
	PublicKeyB64 string    `json:"public_key_b64"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// PairingRecord is the relay's view of a registered pairing code,
// returned by GET /api/v1/pairing/find/{code}.
type PairingRecord struct {
	Code         string    `json:"code"`
	DeviceID     string    `json:"device_id"`
	PublicKeyB64 string    `json:"public_key_b64"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RegisterPairing registers a pairing advertisement on the relay,
// rate-limited to 10/hour.
func (c *Client) RegisterPairing(ctx context.Context, req RegisterPairingRequest) error {
	if !c.limiters.PairingRegister.Allow() {
		return ErrRateLimited
	}
	return c.httpClient.post(ctx, "/api/v1/pairing/register", req, nil)
}

// FindPairing looks up a pairing code on the relay. It returns
// ErrPairingNotFound if the relay has no matching registration.
func (c *Client) FindPairing(ctx context.Context, code string) (*PairingRecord, error) {
	if !c.limiters.Poll.Allow() {
		return nil, ErrRateLimited
	}
	var rec PairingRecord
	path := "/api/v1/pairing/find/" + url.PathEscape(code)
	if err := c.httpClient.get(ctx, path, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CancelPairing cancels a previously registered pairing code.
func (c *Client) CancelPairing(ctx context.Context, code string) error {
	path := "/api/v1/pairing/" + url.PathEscape(code)
	return c.httpClient.delete(ctx, path)
}

// httpPairingClient issues the REST calls against the relay's HTTP
// surface, derived from the same base URL as the WebSocket connection.
type httpPairingClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPPairingClient(wsURL string) (*httpPairingClient, error) {
	base, err := httpBaseURL(wsURL)
	if err != nil {
		return nil, err
	}
	return &httpPairingClient{
		baseURL: base,
		client:  &http.Client{Timeout: requestTimeout},
	}, nil
}

// httpBaseURL maps a relay WebSocket URL (ws:// or wss://) to the
// equivalent HTTP base URL used for the REST pairing endpoints.
func httpBaseURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("relay: invalid url %q: %w", wsURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
		// already an HTTP scheme; leave as-is
	default:
		return "", fmt.Errorf("relay: unsupported url scheme %q", u.Scheme)
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}

func (h *httpPairingClient) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("relay: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(req, out)
}

func (h *httpPairingClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return err
	}
	return h.do(req, out)
}

func (h *httpPairingClient) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.baseURL+path, nil)
	if err != nil {
		return err
	}
	return h.do(req, nil)
}

func (h *httpPairingClient) do(req *http.Request, out interface{}) error {
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrPairingNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("relay: request failed: status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
