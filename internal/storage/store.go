package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrStorage wraps any underlying I/O or database error, surfaced to
// hosts as coreerrors.CodeStorageError.
var ErrStorage = errors.New("storage: operation failed")

// ErrNotFound is returned when a lookup by id or key finds nothing.
var ErrNotFound = errors.New("storage: not found")

// ErrSchemaMismatch is returned when migration fails at startup; this
// is fatal and must not be silently recovered from.
var ErrSchemaMismatch = errors.New("storage: schema mismatch")

// Store is a single-writer, multiple-reader embedded relational store.
// Reads use gorm's connection pool directly (SQLite's own locking gives
// snapshot-like read concurrency); writes are serialized through mu so
// the single-writer invariant holds even under SQLite's looser default
// locking behavior.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) a SQLite-backed Store at path and
// runs schema migration. A migration failure is treated as fatal.
func Open(path string) (*Store, error) {
	// SQLite leaves foreign-key enforcement off unless asked; the
	// clipboard_history.source_device ON DELETE SET NULL constraint
	// depends on it.
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}

	if err := db.AutoMigrate(&Device{}, &ClipboardHistoryItem{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// UpsertDevice inserts or replaces a paired device record.
func (s *Store) UpsertDevice(d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Save(d).Error; err != nil {
		return fmt.Errorf("%w: upsert device: %v", ErrStorage, err)
	}
	return nil
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(id string) (*Device, error) {
	var d Device
	if err := s.db.First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get device: %v", ErrStorage, err)
	}
	return &d, nil
}

// ListDevices returns every paired device.
func (s *Store) ListDevices() ([]*Device, error) {
	var devices []*Device
	if err := s.db.Order("created_at").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrStorage, err)
	}
	return devices, nil
}

// ListConnectedDevices returns devices currently flagged active.
func (s *Store) ListConnectedDevices() ([]*Device, error) {
	var devices []*Device
	if err := s.db.Where("active = ?", true).Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("%w: list connected devices: %v", ErrStorage, err)
	}
	return devices, nil
}

// RemoveDevice deletes a device by id. Associated history rows have
// their source_device set to NULL by the ON DELETE SET NULL constraint.
func (s *Store) RemoveDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete(&Device{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("%w: remove device: %v", ErrStorage, err)
	}
	return nil
}

// RenameDevice updates a device's display name.
func (s *Store) RenameDevice(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Model(&Device{}).Where("id = ?", id).Update("name", name).Error; err != nil {
		return fmt.Errorf("%w: rename device: %v", ErrStorage, err)
	}
	return nil
}

// SetDeviceSync updates a device's per-peer sync-enabled flag.
func (s *Store) SetDeviceSync(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Model(&Device{}).Where("id = ?", id).Update("sync_enabled", enabled).Error; err != nil {
		return fmt.Errorf("%w: set device sync: %v", ErrStorage, err)
	}
	return nil
}

// SetDeviceActive updates a device's connected flag and last-seen time.
func (s *Store) SetDeviceActive(id string, active bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Model(&Device{}).Where("id = ?", id).Updates(map[string]any{
		"active":       active,
		"last_seen_at": lastSeen,
	}).Error; err != nil {
		return fmt.Errorf("%w: set device active: %v", ErrStorage, err)
	}
	return nil
}

// UpdateDeviceSessionKey persists a device's current encrypted session
// key material, called by internal/core after pairing and after each
// session rotation.
func (s *Store) UpdateDeviceSessionKey(id string, encrypted, nonce []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Model(&Device{}).Where("id = ?", id).Updates(map[string]any{
		"session_key_encrypted": encrypted,
		"session_key_nonce":     nonce,
	}).Error; err != nil {
		return fmt.Errorf("%w: update device session key: %v", ErrStorage, err)
	}
	return nil
}

// AppendHistoryItem inserts a new clipboard history entry.
func (s *Store) AppendHistoryItem(item *ClipboardHistoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Create(item).Error; err != nil {
		return fmt.Errorf("%w: append history item: %v", ErrStorage, err)
	}
	return nil
}

// ListHistory returns history items ordered newest-first, optionally
// bounded by limit (0 means unlimited).
func (s *Store) ListHistory(limit int) ([]*ClipboardHistoryItem, error) {
	q := s.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var items []*ClipboardHistoryItem
	if err := q.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("%w: list history: %v", ErrStorage, err)
	}
	return items, nil
}

// GetHistoryItem fetches one history item by id, for decrypted replay.
func (s *Store) GetHistoryItem(id string) (*ClipboardHistoryItem, error) {
	var item ClipboardHistoryItem
	if err := s.db.First(&item, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get history item: %v", ErrStorage, err)
	}
	return &item, nil
}

// RemoveHistoryItem deletes one history item by id.
func (s *Store) RemoveHistoryItem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete(&ClipboardHistoryItem{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("%w: remove history item: %v", ErrStorage, err)
	}
	return nil
}

// ClearHistory deletes every history item.
func (s *Store) ClearHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Where("1 = 1").Delete(&ClipboardHistoryItem{}).Error; err != nil {
		return fmt.Errorf("%w: clear history: %v", ErrStorage, err)
	}
	return nil
}

// PruneHistory deletes history items older than maxAgeDays or beyond the
// newest maxItems rows, whichever policy would remove the row first.
func (s *Store) PruneHistory(maxAgeDays, maxItems int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
		if err := s.db.Where("created_at < ?", cutoff).Delete(&ClipboardHistoryItem{}).Error; err != nil {
			return fmt.Errorf("%w: prune by age: %v", ErrStorage, err)
		}
	}

	if maxItems > 0 {
		var keepIDs []string
		if err := s.db.Model(&ClipboardHistoryItem{}).
			Order("created_at DESC").
			Limit(maxItems).
			Pluck("id", &keepIDs).Error; err != nil {
			return fmt.Errorf("%w: prune by count: %v", ErrStorage, err)
		}
		if len(keepIDs) > 0 {
			if err := s.db.Where("id NOT IN ?", keepIDs).Delete(&ClipboardHistoryItem{}).Error; err != nil {
				return fmt.Errorf("%w: prune by count: %v", ErrStorage, err)
			}
		}
	}

	return nil
}

// GetSetting fetches a setting's raw value by key.
func (s *Store) GetSetting(key string) ([]byte, error) {
	var setting Setting
	if err := s.db.First(&setting, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get setting: %v", ErrStorage, err)
	}
	return setting.Value, nil
}

// SetSetting upserts a setting's raw value.
func (s *Store) SetSetting(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	setting := Setting{Key: key, Value: value}
	if err := s.db.Save(&setting).Error; err != nil {
		return fmt.Errorf("%w: set setting: %v", ErrStorage, err)
	}
	return nil
}
