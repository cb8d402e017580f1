package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/net/dns/dnsmessage"
)

// Advertiser answers mDNS queries for one service type until its context
// is cancelled. Only one service (main or pairing) is advertised per
// Advertiser; the pairing coordinator runs a second, short-lived
// Advertiser alongside the steady-state one while a pairing window is
// open.
type Advertiser struct {
	logger *slog.Logger
}

// NewAdvertiser constructs an Advertiser.
func NewAdvertiser(logger *slog.Logger) *Advertiser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{logger: logger}
}

// Start advertises svc under instanceName, resolving to hostName:port
// with the given TXT fields, on the first up, multicast-capable interface
// (see openMulticastConn), until ctx is done. addr is the address embedded in the A record; callers
// typically pass the interface's own address.
func (a *Advertiser) Start(ctx context.Context, svc ServiceType, instanceName, hostName string, port uint16, addr net.IP, fields map[string]string) error {
	conn, err := openMulticastConn()
	if err != nil {
		return fmt.Errorf("discovery: advertise %s: %w", svc, err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go a.serve(conn, svc, instanceName, hostName, port, addr, fields)
	return nil
}

func (a *Advertiser) serve(conn *net.UDPConn, svc ServiceType, instanceName, hostName string, port uint16, addr net.IP, fields map[string]string) {
	buf := make([]byte, 9000)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // conn closed, ctx was cancelled
		}

		if !isQueryFor(buf[:n], svc) {
			continue
		}

		resp, err := buildResponse(svc, instanceName, hostName, port, addr, fields)
		if err != nil {
			a.logger.Warn("discovery: build mDNS response failed", "error", err)
			continue
		}

		if _, err := conn.WriteToUDP(resp, src); err != nil {
			a.logger.Debug("discovery: send mDNS response failed", "error", err)
		}
	}
}

func isQueryFor(data []byte, svc ServiceType) bool {
	var parser dnsmessage.Parser
	header, err := parser.Start(data)
	if err != nil || header.Response {
		return false
	}

	questions, err := parser.AllQuestions()
	if err != nil {
		return false
	}

	want := string(svc)
	for _, q := range questions {
		if q.Type == dnsmessage.TypePTR && q.Name.String() == want {
			return true
		}
	}
	return false
}
