// Package discovery implements mDNS advertisement and browsing for the two
// Toss service types: steady-state presence and pairing
// windows.
package discovery

import "time"

// ServiceType is an mDNS service type string, always ending in ".local.".
type ServiceType string

const (
	// ServiceMain is the steady-state presence service.
	ServiceMain ServiceType = "_toss._udp.local."

	// ServicePairing is advertised only while a pairing window is open.
	ServicePairing ServiceType = "_toss-pair._udp.local."
)

// mdnsAddr is the standard mDNS multicast group and port (RFC 6762).
const (
	mdnsGroupIPv4 = "224.0.0.251"
	mdnsPort      = 5353
)

// BrowseBudget is the time a pairing lookup gives mDNS before falling
// back to the relay.
const BrowseBudget = 3 * time.Second

// PeerSeen is emitted by Browse for every distinct peer answer received
// within the browse budget.
type PeerSeen struct {
	DeviceIDPrefix string
	Addrs          []string
	Port           uint16
	TXT            map[string]string
}
