// Package stunclient implements a minimal RFC 5389 STUN BINDING client,
// used only to discover a device's reflexive address to inform QUIC
// candidates. STUN failures are never fatal.
package stunclient

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// Timeout is the per-attempt STUN request timeout.
const Timeout = 5 * time.Second

// ErrTimeout is returned when no response arrives within Timeout after a
// single retry.
var ErrTimeout = fmt.Errorf("stunclient: request timed out")

// Client sends BINDING requests to a single STUN server.
type Client struct {
	serverAddr string
}

// New constructs a Client targeting serverAddr ("host:port").
func New(serverAddr string) *Client {
	return &Client{serverAddr: serverAddr}
}

// ReflexiveAddr performs a BINDING request/response exchange and returns
// the server-observed (XOR-mapped) address. If the first attempt fails
// for any reason, it retries once.
func (c *Client) ReflexiveAddr() (*net.UDPAddr, error) {
	addr, err := c.attempt()
	if err == nil {
		return addr, nil
	}
	return c.attempt()
}

func (c *Client) attempt() (*net.UDPAddr, error) {
	conn, err := net.Dial("udp4", c.serverAddr)
	if err != nil {
		return nil, fmt.Errorf("stunclient: dial %s: %w", c.serverAddr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(Timeout)); err != nil {
		return nil, fmt.Errorf("stunclient: set deadline: %w", err)
	}

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("stunclient: build request: %w", err)
	}

	if _, err := conn.Write(request.Raw); err != nil {
		return nil, fmt.Errorf("stunclient: send request: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("stunclient: read response: %w", err)
	}

	response := &stun.Message{Raw: buf[:n]}
	if err := response.Decode(); err != nil {
		return nil, fmt.Errorf("stunclient: decode response: %w", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(response); err != nil {
		return nil, fmt.Errorf("stunclient: no XOR-MAPPED-ADDRESS in response: %w", err)
	}

	return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
}
