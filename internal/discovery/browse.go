package discovery

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Browser sends mDNS queries for a service type and collects responses.
type Browser struct{}

// NewBrowser constructs a Browser.
func NewBrowser() *Browser { return &Browser{} }

// Browse queries svc and invokes onPeer for every distinct answer
// received within budget. It returns when budget elapses or ctx is
// cancelled, whichever comes first; it never returns an error for "no
// peers found" — callers treat an empty result as a cache miss, not a
// failure: mDNS falls back to the relay, it does not fail the whole
// lookup.
func (b *Browser) Browse(ctx context.Context, svc ServiceType, budget time.Duration, onPeer func(PeerSeen)) error {
	conn, err := unicastUDPConn()
	if err != nil {
		return fmt.Errorf("discovery: browse %s: %w", svc, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	query, err := buildQuery(svc)
	if err != nil {
		return fmt.Errorf("discovery: browse %s: %w", svc, err)
	}

	group := &net.UDPAddr{IP: net.ParseIP(mdnsGroupIPv4), Port: mdnsPort}
	if _, err := conn.WriteToUDP(query, group); err != nil {
		return fmt.Errorf("discovery: send query: %w", err)
	}

	seen := map[string]bool{}
	buf := make([]byte, 9000)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil // timeout or ctx cancellation closed the conn
		}

		answer, err := parseResponse(buf[:n], svc)
		if err != nil {
			continue
		}
		if len(answer.txt) == 0 && len(answer.a) == 0 {
			continue
		}

		key := fmt.Sprintf("%v:%d:%v", answer.a, answer.port, answer.txt)
		if seen[key] {
			continue
		}
		seen[key] = true

		addrs := make([]string, 0, len(answer.a))
		for _, ip := range answer.a {
			addrs = append(addrs, ip.String())
		}

		onPeer(PeerSeen{
			DeviceIDPrefix: answer.txt["id"],
			Addrs:          addrs,
			Port:           answer.port,
			TXT:            answer.txt,
		})
	}
}
