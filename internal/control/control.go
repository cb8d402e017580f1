// Package control exposes a minimal local status/metrics HTTP surface
// over a Unix domain socket, scoped to what a clipboard-sync core needs
// to report: no dashboard, no remote agent control, no file transfer.
// A host CLI (cmd/tossd) or an operator's curl can poll it without
// touching the core's Go API directly.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the snapshot a running Core reports over /healthz.
type Status struct {
	Running         bool   `json:"running"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	PairedDevices   int    `json:"paired_devices"`
	ConnectedPeers  int    `json:"connected_peers"`
	RelayConnected  bool   `json:"relay_connected"`
	ReflexiveAddr   string `json:"reflexive_addr,omitempty"`
}

// StatusProvider is implemented by internal/core.Core.
type StatusProvider interface {
	Status() Status
}

// ServerConfig configures the control server.
type ServerConfig struct {
	// SocketPath is the Unix socket to listen on. The file is removed
	// and recreated on Start.
	SocketPath string
}

// Server is the control-surface HTTP server.
type Server struct {
	cfg      ServerConfig
	provider StatusProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer builds a Server bound to provider but does not yet listen.
func NewServer(cfg ServerConfig, provider StatusProvider) *Server {
	s := &Server{cfg: cfg, provider: provider}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start removes any stale socket file and begins serving.
func (s *Server) Start() error {
	os.Remove(s.cfg.SocketPath)
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)
	go s.server.Serve(ln)
	return nil
}

// Stop gracefully shuts the server down and removes its socket file.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	os.Remove(s.cfg.SocketPath)
	return err
}

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := s.provider.Status()
	w.Header().Set("Content-Type", "application/json")
	if !status.Running {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}

// DialContext returns an HTTP client that speaks to a control server over
// its Unix socket, for CLI subcommands that query an already-running core.
func DialContext(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}
}
