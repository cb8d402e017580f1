package clipboard

import (
	"errors"
	"sync"

	"github.com/atotto/clipboard"
)

// ErrUnsupportedContentType is returned when a backend is asked to write
// content it cannot represent on the host OS.
var ErrUnsupportedContentType = errors.New("clipboard: unsupported content type for this backend")

// ErrClipboardUnavailable is returned when the OS clipboard cannot be
// accessed at all (headless environment, missing clipboard utility).
var ErrClipboardUnavailable = errors.New("clipboard: OS clipboard unavailable")

// Backend abstracts OS-specific clipboard access. Implementations for
// rich text, images, and files are platform collaborators outside this
// module's scope; the only backend built here reads and
// writes plain text, which is enough to drive the sync engine end to end.
type Backend interface {
	// ReadCurrent returns the current clipboard content, or ok=false if the
	// clipboard is empty or holds content this backend cannot represent.
	ReadCurrent() (content Content, ok bool, err error)

	// Write places content onto the OS clipboard.
	Write(content Content) error

	// ChangedSinceLastRead reports whether the clipboard has changed since
	// the last call to ReadCurrent, without re-reading its full content.
	ChangedSinceLastRead() (bool, error)
}

// TextBackend is the default Backend, backed by github.com/atotto/clipboard.
// It tracks the hash of the last content it read or wrote so the sync
// engine's own writes are never echoed back as a "remote change".
type TextBackend struct {
	mu       sync.Mutex
	lastHash [32]byte
	hasLast  bool
}

// NewTextBackend constructs a TextBackend.
func NewTextBackend() *TextBackend {
	return &TextBackend{}
}

// ReadCurrent reads the OS text clipboard.
func (b *TextBackend) ReadCurrent() (Content, bool, error) {
	text, err := clipboard.ReadAll()
	if err != nil {
		return Content{}, false, ErrClipboardUnavailable
	}
	if text == "" {
		return Content{}, false, nil
	}

	content := NewPlainText(text)
	b.mu.Lock()
	b.lastHash = content.Hash()
	b.hasLast = true
	b.mu.Unlock()

	return content, true, nil
}

// Write sets the OS text clipboard. Only PlainText and Url content is
// representable by this backend.
func (b *TextBackend) Write(content Content) error {
	var text string
	switch content.Type {
	case TypePlainText, TypeURL:
		text = content.Text
	default:
		return ErrUnsupportedContentType
	}

	if err := clipboard.WriteAll(text); err != nil {
		return ErrClipboardUnavailable
	}

	b.mu.Lock()
	b.lastHash = content.Hash()
	b.hasLast = true
	b.mu.Unlock()
	return nil
}

// ChangedSinceLastRead reads the current clipboard and compares its hash
// against the last content this backend read or wrote, without returning
// the content itself.
func (b *TextBackend) ChangedSinceLastRead() (bool, error) {
	text, err := clipboard.ReadAll()
	if err != nil {
		return false, ErrClipboardUnavailable
	}
	if text == "" {
		return false, nil
	}

	hash := NewPlainText(text).Hash()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasLast && hash == b.lastHash {
		return false, nil
	}
	return true, nil
}

// Fingerprint is the cheap (hash, size, type) summary the sync engine
// polls for instead of re-reading full content every tick.
type Fingerprint struct {
	Hash [32]byte
	Size int64
	Type ContentType
}

// FingerprintOf summarizes content for change detection.
func FingerprintOf(content Content) Fingerprint {
	return Fingerprint{Hash: content.Hash(), Size: content.SizeBytes(), Type: content.Type}
}
