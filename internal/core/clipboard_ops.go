package core

import (
	"context"

	"github.com/tosslabs/toss-core/internal/clipboard"
	"github.com/tosslabs/toss-core/internal/coreerrors"
	tosscrypto "github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/protocol"
	"github.com/tosslabs/toss-core/internal/storage"
)

// HistoryItem is the host-facing view of a clipboard history row:
// metadata only, the encrypted content is fetched separately via
// GetClipboardHistoryContent so a host can page through history cheaply
// without decrypting every item.
type HistoryItem struct {
	ID             string
	ContentType    string
	Preview        string
	SizeBytes      int64
	SourceDeviceID string
	CreatedAtUnix  int64
}

func toHistoryItem(item *storage.ClipboardHistoryItem) HistoryItem {
	source := ""
	if item.SourceDeviceID != nil {
		source = *item.SourceDeviceID
	}
	return HistoryItem{
		ID:             item.ID,
		ContentType:    protocol.ContentTypeName(protocol.ContentType(item.ContentType)),
		Preview:        string(item.Preview),
		SizeBytes:      item.SizeBytes,
		SourceDeviceID: source,
		CreatedAtUnix:  item.CreatedAt.Unix(),
	}
}

// GetCurrentClipboard reads whatever is currently on the OS clipboard,
// without syncing it to any peer.
func (c *Core) GetCurrentClipboard() (clipboard.Content, bool, error) {
	content, ok, err := c.clipboard.ReadCurrent()
	if err != nil {
		return clipboard.Content{}, false, coreerrors.Wrap(coreerrors.CodeUnsupportedContentType, "read clipboard", err)
	}
	return content, ok, nil
}

// SendClipboard forces an immediate sync of content to every connected,
// sync-enabled peer, bypassing the rate limiter.
func (c *Core) SendClipboard(ctx context.Context, content clipboard.Content) error {
	if err := c.syncEngine.SendNow(ctx, content); err != nil {
		return coreerrors.Wrap(coreerrors.CodeContentTooLarge, "send clipboard", err)
	}
	return nil
}

// SendText is a convenience wrapper around SendClipboard for the common
// plain-text case.
func (c *Core) SendText(ctx context.Context, text string) error {
	return c.SendClipboard(ctx, clipboard.NewPlainText(text))
}

// SendCurrentClipboard reads whatever is on the OS clipboard right now
// and syncs it to every connected, sync-enabled peer. A host button
// labelled "send clipboard" maps here.
func (c *Core) SendCurrentClipboard(ctx context.Context) error {
	content, ok, err := c.GetCurrentClipboard()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return c.SendClipboard(ctx, content)
}

// GetClipboardHistory lists history metadata, newest first, bounded by
// limit (0 means unlimited).
func (c *Core) GetClipboardHistory(limit int) ([]HistoryItem, error) {
	items, err := c.store.ListHistory(limit)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeStorageError, "list clipboard history", err)
	}
	out := make([]HistoryItem, 0, len(items))
	for _, item := range items {
		out = append(out, toHistoryItem(item))
	}
	return out, nil
}

// GetClipboardHistoryContent decrypts and returns the full content of
// one history item by id. Every history row, local or inbound, is
// encrypted at rest under this device's local storage key, so a single
// key suffices here regardless of the item's origin and rotation never
// orphans old entries.
func (c *Core) GetClipboardHistoryContent(id string) (clipboard.Content, error) {
	item, err := c.store.GetHistoryItem(id)
	if err != nil {
		if err == storage.ErrNotFound {
			return clipboard.Content{}, coreerrors.New(coreerrors.CodeInvalidKey, "history item not found")
		}
		return clipboard.Content{}, coreerrors.Wrap(coreerrors.CodeStorageError, "get history item", err)
	}

	storageKey, err := c.localStorageKey()
	if err != nil {
		return clipboard.Content{}, coreerrors.Wrap(coreerrors.CodeStorageError, "load storage key", err)
	}
	defer tosscrypto.ZeroKey(&storageKey)

	var nonce [tosscrypto.NonceSize]byte
	copy(nonce[:], item.ContentNonce)
	plain, err := tosscrypto.Open(storageKey, nonce, item.EncryptedContent, nil)
	if err != nil {
		return clipboard.Content{}, coreerrors.Wrap(coreerrors.CodeDecryptError, "decrypt history item", err)
	}

	content, err := clipboard.Decode(protocol.ContentType(item.ContentType), plain)
	if err != nil {
		return clipboard.Content{}, coreerrors.Wrap(coreerrors.CodeMalformedFrame, "decode history item", err)
	}
	return content, nil
}

// RemoveHistoryItem deletes a single history row by id.
func (c *Core) RemoveHistoryItem(id string) error {
	if err := c.store.RemoveHistoryItem(id); err != nil {
		return coreerrors.Wrap(coreerrors.CodeStorageError, "remove history item", err)
	}
	return nil
}

// ClearClipboardHistory deletes every history row.
func (c *Core) ClearClipboardHistory() error {
	if err := c.store.ClearHistory(); err != nil {
		return coreerrors.Wrap(coreerrors.CodeStorageError, "clear clipboard history", err)
	}
	return nil
}

// CheckClipboardChanged reports whether the OS clipboard has changed
// since the backend's last read or write, without returning its
// content: a cheap poll a host can call more often than
// GetCurrentClipboard.
func (c *Core) CheckClipboardChanged() (bool, error) {
	changed, err := c.clipboard.ChangedSinceLastRead()
	if err != nil {
		return false, coreerrors.Wrap(coreerrors.CodeUnsupportedContentType, "check clipboard changed", err)
	}
	return changed, nil
}
