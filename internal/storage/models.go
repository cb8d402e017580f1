// Package storage is the embedded relational store for paired devices,
// clipboard history, and settings, backed by gorm and
// SQLite.
package storage

import "time"

// Device is a paired peer record. SessionKeyEncrypted holds the peer's
// current session key encrypted with the storage-purpose key derived at
// pairing time; it is never stored in the clear.
type Device struct {
	ID                  string `gorm:"primaryKey;size:64"` // hex DeviceID
	Name                string `gorm:"size:256"`
	PublicKey           []byte `gorm:"size:32"`
	Platform            uint8
	Active              bool `gorm:"index"`
	SyncEnabled         bool
	LastSeenAt          time.Time
	CreatedAt           time.Time
	SessionKeyEncrypted []byte
	SessionKeyNonce     []byte
}

func (Device) TableName() string { return "devices" }

// ClipboardHistoryItem is a single synced or locally-produced clipboard
// entry. Content is stored encrypted under the storage-purpose key;
// SourceDeviceID is nil for locally originated items.
type ClipboardHistoryItem struct {
	ID                string `gorm:"primaryKey;size:32"` // hex-encoded 128-bit id
	ContentType       uint8
	ContentHash       []byte `gorm:"size:32"`
	EncryptedContent  []byte
	ContentNonce      []byte
	Preview           []byte `gorm:"size:256"`
	SizeBytes         int64
	SourceDeviceID    *string `gorm:"index;size:64"`
	SourceDevice      *Device `gorm:"foreignKey:SourceDeviceID;references:ID;constraint:OnDelete:SET NULL"`
	CreatedAt         time.Time `gorm:"index:idx_history_created_at,sort:desc"`
}

func (ClipboardHistoryItem) TableName() string { return "clipboard_history" }

// Setting is a single key/value configuration entry, serialized value
// stored as raw bytes (the settings package decides the encoding).
type Setting struct {
	Key   string `gorm:"primaryKey;size:128"`
	Value []byte
}

func (Setting) TableName() string { return "settings" }
