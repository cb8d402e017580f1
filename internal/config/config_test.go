package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() failed validation: %v", err)
	}
	if cfg.Sync.ConflictResolution != ConflictNewest {
		t.Fatalf("default conflict resolution = %q, want %q", cfg.Sync.ConflictResolution, ConflictNewest)
	}
	if cfg.Sync.SyncFiles {
		t.Fatal("file sync should default to off")
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
sync:
  conflict_resolution: local
  sync_files: true
  max_file_size_mb: 10
relay:
  url: wss://relay.example.com
  enabled: true
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.ConflictResolution != ConflictLocal {
		t.Fatalf("conflict_resolution = %q, want local", cfg.Sync.ConflictResolution)
	}
	if !cfg.Sync.SyncFiles {
		t.Fatal("sync_files should be true")
	}
	if cfg.Relay.URL != "wss://relay.example.com" {
		t.Fatalf("relay.url = %q", cfg.Relay.URL)
	}
	// Untouched fields should retain their Default() value.
	if !cfg.Sync.SyncText {
		t.Fatal("sync_text should still default to true")
	}
}

func TestParseRejectsInvalidConflictResolution(t *testing.T) {
	_, err := Parse([]byte("sync:\n  conflict_resolution: whenever\n"))
	if err == nil {
		t.Fatal("expected error for invalid conflict_resolution")
	}
}

func TestParseRejectsNegativeSizes(t *testing.T) {
	if _, err := Parse([]byte("sync:\n  max_file_size_mb: -1\n")); err == nil {
		t.Fatal("expected error for negative max_file_size_mb")
	}
	if _, err := Parse([]byte("sync:\n  history_days: -1\n")); err == nil {
		t.Fatal("expected error for negative history_days")
	}
}

func TestMaxFileSizeBytes(t *testing.T) {
	cfg := Default()
	cfg.Sync.MaxFileSizeMB = 5
	if got, want := cfg.MaxFileSizeBytes(), int64(5*1024*1024); got != want {
		t.Fatalf("MaxFileSizeBytes() = %d, want %d", got, want)
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Sync.ConflictResolution = ConflictRemote
	cfg.Relay.URL = "wss://relay.example.com"

	data, err := cfg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Sync.ConflictResolution != ConflictRemote || got.Relay.URL != cfg.Relay.URL {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  sync_files: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Sync.SyncFiles {
		t.Fatal("expected sync_files true from file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
