package core

import (
	"github.com/tosslabs/toss-core/internal/coreerrors"
	"github.com/tosslabs/toss-core/internal/events"
	"github.com/tosslabs/toss-core/internal/identity"
	"github.com/tosslabs/toss-core/internal/protocol"
	"github.com/tosslabs/toss-core/internal/storage"
)

// PairedDevice is the host-facing view of a paired peer, deliberately
// narrower than storage.Device: no public key or session key material
// ever crosses the host boundary.
type PairedDevice struct {
	DeviceID     string
	Name         string
	Platform     string
	Active       bool
	SyncEnabled  bool
	LastSeenUnix int64
}

func toPairedDevice(d *storage.Device) PairedDevice {
	return PairedDevice{
		DeviceID:     d.ID,
		Name:         d.Name,
		Platform:     platformName(protocol.PlatformTag(d.Platform)),
		Active:       d.Active,
		SyncEnabled:  d.SyncEnabled,
		LastSeenUnix: d.LastSeenAt.Unix(),
	}
}

// GetPairedDevices lists every device this core has completed pairing
// with, regardless of current connection state.
func (c *Core) GetPairedDevices() ([]PairedDevice, error) {
	devices, err := c.store.ListDevices()
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeStorageError, "list paired devices", err)
	}
	out := make([]PairedDevice, 0, len(devices))
	for _, d := range devices {
		out = append(out, toPairedDevice(d))
	}
	return out, nil
}

// GetConnectedDevices lists paired devices with a live transport link.
func (c *Core) GetConnectedDevices() ([]PairedDevice, error) {
	devices, err := c.store.ListConnectedDevices()
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeStorageError, "list connected devices", err)
	}
	out := make([]PairedDevice, 0, len(devices))
	for _, d := range devices {
		out = append(out, toPairedDevice(d))
	}
	return out, nil
}

// RemoveDevice unpairs deviceID: drops its stored record, its live
// session, and any pending link/outbox state. After this call, no
// further message from or to that device is accepted.
func (c *Core) RemoveDevice(deviceID string) error {
	id, err := identity.ParseDeviceID(deviceID)
	if err != nil {
		return coreerrors.Wrap(coreerrors.CodeInvalidKey, "parse device id", err)
	}

	c.sessions.Remove(id)
	c.closeLink(id)
	c.dropOutbox(id)

	if err := c.store.RemoveDevice(id.String()); err != nil {
		return coreerrors.Wrap(coreerrors.CodeStorageError, "remove device", err)
	}
	c.bus.Push(events.Event{Kind: events.KindDeviceDisconnected, DeviceID: id.String()})
	return nil
}

// RenameDevice updates the display name this core shows for a paired
// peer. This is purely local bookkeeping: the peer's own DeviceInfo
// broadcasts are what rename the names hosts see on the *other* side.
func (c *Core) RenameDevice(deviceID, name string) error {
	id, err := identity.ParseDeviceID(deviceID)
	if err != nil {
		return coreerrors.Wrap(coreerrors.CodeInvalidKey, "parse device id", err)
	}
	if err := c.store.RenameDevice(id.String(), name); err != nil {
		return coreerrors.Wrap(coreerrors.CodeStorageError, "rename device", err)
	}
	return nil
}

// SetDeviceSync toggles whether clipboard content is synced to/from a
// specific paired device without unpairing it.
func (c *Core) SetDeviceSync(deviceID string, enabled bool) error {
	id, err := identity.ParseDeviceID(deviceID)
	if err != nil {
		return coreerrors.Wrap(coreerrors.CodeInvalidKey, "parse device id", err)
	}
	if err := c.store.SetDeviceSync(id.String(), enabled); err != nil {
		return coreerrors.Wrap(coreerrors.CodeStorageError, "set device sync", err)
	}
	return nil
}
