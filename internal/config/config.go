// Package config parses and validates the host-facing Toss configuration
// plus the ambient runtime settings (relay URL, logging, timeouts) a
// host supplies at init time, using YAML via gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConflictResolution selects how the sync engine resolves an inbound
// clipboard update that races the local clipboard.
type ConflictResolution string

const (
	ConflictNewest ConflictResolution = "newest"
	ConflictLocal  ConflictResolution = "local"
	ConflictRemote ConflictResolution = "remote"
)

// Valid reports whether c is one of the three recognized modes.
func (c ConflictResolution) Valid() bool {
	switch c {
	case ConflictNewest, ConflictLocal, ConflictRemote:
		return true
	default:
		return false
	}
}

// Sync holds the per-content-type sync toggles and size/history policy
// exposed to the host.
type Sync struct {
	AutoSync     bool `yaml:"auto_sync"`
	SyncText     bool `yaml:"sync_text"`
	SyncRichText bool `yaml:"sync_rich_text"`
	SyncImages   bool `yaml:"sync_images"`
	SyncFiles    bool `yaml:"sync_files"`

	MaxFileSizeMB int `yaml:"max_file_size_mb"`

	HistoryEnabled bool `yaml:"history_enabled"`
	HistoryDays    int  `yaml:"history_days"`

	ConflictResolution ConflictResolution `yaml:"conflict_resolution"`
}

// Logging configures the slog handler (internal/logging).
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Relay configures the relay fallback client (internal/relay). URL is
// optional: an empty URL means the relay fallback is unavailable, which
// start_pairing's NotDiscoverable check must account for.
type Relay struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// History is the prune policy: a maximum age plus a hard count cap. Its
// fields are set on their own; nothing derives MaxAgeDays from
// Sync.HistoryDays.
type History struct {
	MaxAgeDays int `yaml:"max_age_days"`
	MaxItems   int `yaml:"max_items"`
}

// Config is the full set of host-tunable options: the sync-policy
// struct (Sync) plus the ambient runtime options a host supplies
// (relay, logging, timeouts). data_dir/device_name belong to the init
// call itself, not this struct (see internal/core.Options).
type Config struct {
	Sync    Sync    `yaml:"sync"`
	Relay   Relay   `yaml:"relay"`
	History History `yaml:"history"`
	Logging Logging `yaml:"logging"`

	ClipboardPollInterval time.Duration `yaml:"clipboard_poll_interval"`
	SyncSendInterval      time.Duration `yaml:"sync_send_interval"`

	PairingCodeTTL time.Duration `yaml:"pairing_code_ttl"`

	QuicIdleTimeout     time.Duration `yaml:"quic_idle_timeout"`
	QuicKeepAlive       time.Duration `yaml:"quic_keep_alive"`
	MDNSBrowseBudget    time.Duration `yaml:"mdns_browse_budget"`
	RelayRequestTimeout time.Duration `yaml:"relay_request_timeout"`
	QuicDialTimeout     time.Duration `yaml:"quic_dial_timeout"`

	// StunServer, when non-empty, is queried once at network start for
	// this device's server-reflexive UDP address. The result only informs
	// QUIC dial candidates and status reporting; an empty value disables
	// the lookup entirely.
	StunServer string `yaml:"stun_server"`
}

// Default returns the configuration a fresh install starts with: sync on
// for every content type except files (files are opt-in because of the
// size policy gate), newest-wins conflict resolution, history retained 30
// days, no relay URL configured until the host supplies one.
func Default() Config {
	return Config{
		Sync: Sync{
			AutoSync:           true,
			SyncText:           true,
			SyncRichText:       true,
			SyncImages:         true,
			SyncFiles:          false,
			MaxFileSizeMB:      25,
			HistoryEnabled:     true,
			HistoryDays:        30,
			ConflictResolution: ConflictNewest,
		},
		Relay: Relay{Enabled: true},
		History: History{
			MaxAgeDays: 30,
			MaxItems:   500,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		ClipboardPollInterval: 250 * time.Millisecond,
		SyncSendInterval:      500 * time.Millisecond,
		PairingCodeTTL:        300 * time.Second,
		QuicIdleTimeout:       30 * time.Second,
		QuicKeepAlive:         5 * time.Second,
		MDNSBrowseBudget:      3 * time.Second,
		RelayRequestTimeout:   15 * time.Second,
		QuicDialTimeout:       10 * time.Second,
		StunServer:            "stun.l.google.com:19302",
	}
}

// Parse decodes YAML bytes into a Config seeded with Default(), then
// validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses a YAML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Validate rejects nonsensical values before they reach the sync engine
// or transports.
func (c *Config) Validate() error {
	if c.Sync.MaxFileSizeMB < 0 {
		return fmt.Errorf("config: max_file_size_mb must be >= 0")
	}
	if c.Sync.HistoryDays < 0 {
		return fmt.Errorf("config: history_days must be >= 0")
	}
	if c.Sync.ConflictResolution == "" {
		c.Sync.ConflictResolution = ConflictNewest
	}
	if !c.Sync.ConflictResolution.Valid() {
		return fmt.Errorf("config: invalid conflict_resolution %q", c.Sync.ConflictResolution)
	}
	if c.History.MaxItems < 0 {
		return fmt.Errorf("config: history.max_items must be >= 0")
	}
	return nil
}

// MaxFileSizeBytes converts the MB limit to bytes for the policy gate.
func (c Config) MaxFileSizeBytes() int64 {
	return int64(c.Sync.MaxFileSizeMB) * 1024 * 1024
}

// Encode serializes c back to YAML, used to persist a settings update
// (Core.UpdateSettings) into the settings table.
func (c Config) Encode() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: encode yaml: %w", err)
	}
	return data, nil
}
