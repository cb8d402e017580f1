package discovery

import (
	"fmt"
	"net"

	"golang.org/x/net/dns/dnsmessage"
)

// buildQuery constructs an mDNS query for PTR records of svc.
func buildQuery(svc ServiceType) ([]byte, error) {
	name, err := dnsmessage.NewName(string(svc))
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid service name %q: %w", svc, err)
	}

	builder := dnsmessage.NewBuilder(nil, dnsmessage.Header{})
	builder.EnableCompression()
	if err := builder.StartQuestions(); err != nil {
		return nil, err
	}
	if err := builder.Question(dnsmessage.Question{
		Name:  name,
		Type:  dnsmessage.TypePTR,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return nil, err
	}
	return builder.Finish()
}

// buildResponse constructs an mDNS response advertising one instance of
// svc: a PTR record pointing at instanceName, an SRV record for
// instanceName giving hostName:port, a TXT record carrying fields, and an
// A record resolving hostName to addr.
func buildResponse(svc ServiceType, instanceName, hostName string, port uint16, addr net.IP, fields map[string]string) ([]byte, error) {
	svcName, err := dnsmessage.NewName(string(svc))
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid service name: %w", err)
	}
	instName, err := dnsmessage.NewName(instanceName + "." + string(svc))
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid instance name: %w", err)
	}
	host, err := dnsmessage.NewName(hostName)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid host name: %w", err)
	}

	builder := dnsmessage.NewBuilder(nil, dnsmessage.Header{Response: true, Authoritative: true})
	builder.EnableCompression()

	if err := builder.StartAnswers(); err != nil {
		return nil, err
	}

	if err := builder.PTRResource(
		dnsmessage.ResourceHeader{Name: svcName, Class: dnsmessage.ClassINET, TTL: 120},
		dnsmessage.PTRResource{PTR: instName},
	); err != nil {
		return nil, err
	}

	if err := builder.SRVResource(
		dnsmessage.ResourceHeader{Name: instName, Class: dnsmessage.ClassINET, TTL: 120},
		dnsmessage.SRVResource{Priority: 0, Weight: 0, Port: port, Target: host},
	); err != nil {
		return nil, err
	}

	if err := builder.TXTResource(
		dnsmessage.ResourceHeader{Name: instName, Class: dnsmessage.ClassINET, TTL: 120},
		dnsmessage.TXTResource{TXT: encodeTXT(fields)},
	); err != nil {
		return nil, err
	}

	ip4 := addr.To4()
	if ip4 != nil {
		var a [4]byte
		copy(a[:], ip4)
		if err := builder.AResource(
			dnsmessage.ResourceHeader{Name: host, Class: dnsmessage.ClassINET, TTL: 120},
			dnsmessage.AResource{A: a},
		); err != nil {
			return nil, err
		}
	}

	return builder.Finish()
}

// parsedAnswer is the subset of an mDNS response this package cares about,
// gathered by walking every answer resource regardless of order.
type parsedAnswer struct {
	txt  map[string]string
	port uint16
	a    []net.IP
}

// parseResponse extracts TXT fields, SRV port, and A addresses from every
// answer in an mDNS response message. Record names are not compared
// against svc.
func parseResponse(data []byte, svc ServiceType) (*parsedAnswer, error) {
	var parser dnsmessage.Parser
	if _, err := parser.Start(data); err != nil {
		return nil, fmt.Errorf("discovery: parse header: %w", err)
	}
	if err := parser.SkipAllQuestions(); err != nil {
		return nil, fmt.Errorf("discovery: skip questions: %w", err)
	}

	result := &parsedAnswer{txt: map[string]string{}}
	hostNames := map[string]bool{}

	for {
		header, err := parser.AnswerHeader()
		if err != nil {
			break
		}

		switch header.Type {
		case dnsmessage.TypeSRV:
			srv, err := parser.SRVResource()
			if err != nil {
				return nil, fmt.Errorf("discovery: parse SRV: %w", err)
			}
			result.port = srv.Port
			hostNames[srv.Target.String()] = true
		case dnsmessage.TypeTXT:
			txt, err := parser.TXTResource()
			if err != nil {
				return nil, fmt.Errorf("discovery: parse TXT: %w", err)
			}
			for k, v := range decodeTXT(txt.TXT) {
				result.txt[k] = v
			}
		case dnsmessage.TypeA:
			a, err := parser.AResource()
			if err != nil {
				return nil, fmt.Errorf("discovery: parse A: %w", err)
			}
			result.a = append(result.a, net.IP(a.A[:]))
		default:
			if err := parser.SkipAnswer(); err != nil {
				return nil, fmt.Errorf("discovery: skip answer: %w", err)
			}
		}
	}

	return result, nil
}
