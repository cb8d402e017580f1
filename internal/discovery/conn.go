package discovery

import (
	"fmt"
	"net"
)

// ErrNoInterfaces is returned when no usable multicast-capable network
// interface is found.
var ErrNoInterfaces = fmt.Errorf("discovery: no multicast-capable interfaces")

// openMulticastConn joins the mDNS IPv4 multicast group on the first up,
// multicast-capable interface and returns the resulting socket. Other
// interfaces are not joined.
func openMulticastConn() (*net.UDPConn, error) {
	group := net.UDPAddr{IP: net.ParseIP(mdnsGroupIPv4), Port: mdnsPort}

	ifaces, err := multicastInterfaces()
	if err != nil {
		return nil, err
	}
	if len(ifaces) == 0 {
		return nil, ErrNoInterfaces
	}

	conn, err := net.ListenMulticastUDP("udp4", ifaces[0], &group)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen multicast: %w", err)
	}
	return conn, nil
}

func multicastInterfaces() ([]*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("discovery: enumerate interfaces: %w", err)
	}

	var out []*net.Interface
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, &iface)
	}
	return out, nil
}

// unicastUDPConn opens an ephemeral-port UDP socket for sending queries
// and responses; mDNS replies and queries share the same multicast group
// as their destination, but we originate them from an unbound socket so
// the OS picks an appropriate source interface/address.
func unicastUDPConn() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen udp: %w", err)
	}
	return conn, nil
}
