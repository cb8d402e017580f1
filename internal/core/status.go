package core

import (
	"github.com/tosslabs/toss-core/internal/control"
	"github.com/tosslabs/toss-core/internal/relay"
)

// Status reports a point-in-time snapshot for internal/control's /healthz
// endpoint and for hosts that want a cheap summary without walking the
// individual get_paired_devices/get_connected_devices operations.
func (c *Core) Status() control.Status {
	paired, err := c.store.ListDevices()
	if err != nil {
		paired = nil
	}
	return control.Status{
		Running:        c.running.Load(),
		DeviceID:       c.identity.DeviceID.String(),
		DeviceName:     c.deviceName(),
		PairedDevices:  len(paired),
		ConnectedPeers: len(c.connectedPeers()),
		RelayConnected: c.relayClient != nil && c.relayClient.State() == relay.StateReady,
		ReflexiveAddr:  c.ReflexiveAddr(),
	}
}
