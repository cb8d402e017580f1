package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/tosslabs/toss-core/internal/certutil"
)

func listenerTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	cert, err := certutil.GenerateCert(certutil.DefaultServerOptions("test-listener"))
	if err != nil {
		t.Fatalf("GenerateCert() error = %v", err)
	}
	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate() error = %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ALPNProtocol},
	}
}

func TestQUICDialListenStreamRoundTrip(t *testing.T) {
	qt := NewQUICTransport()
	defer qt.Close()

	listener, err := qt.Listen("127.0.0.1:0", ListenOptions{TLSConfig: listenerTLSConfig(t)})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("Addr() = %T, want *net.UDPAddr", listener.Addr())
	}

	acceptCh := make(chan string, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := listener.Accept(ctx)
		if err != nil {
			acceptErrCh <- err
			return
		}
		defer conn.Close()

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			acceptErrCh <- err
			return
		}
		defer stream.Close()

		buf := make([]byte, 5)
		if _, err := stream.Read(buf); err != nil {
			acceptErrCh <- err
			return
		}
		if _, err := stream.Write([]byte("world")); err != nil {
			acceptErrCh <- err
			return
		}
		acceptCh <- string(buf)
	}()

	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, err := qt.Dial(dialCtx, addr.String(), DialOptions{InsecureSkipVerify: true, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer peer.Close()

	stream, err := peer.OpenStream(dialCtx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	reply := make([]byte, 5)
	if _, err := stream.Read(reply); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(reply, []byte("world")) {
		t.Fatalf("reply = %q, want %q", reply, "world")
	}

	select {
	case got := <-acceptCh:
		if got != "hello" {
			t.Fatalf("server read %q, want %q", got, "hello")
		}
	case err := <-acceptErrCh:
		t.Fatalf("accept side failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept side")
	}
}

func TestQUICDialWithoutTLSConfigRequiresInsecureOptIn(t *testing.T) {
	qt := NewQUICTransport()
	defer qt.Close()

	_, err := qt.Dial(context.Background(), "127.0.0.1:1", DialOptions{})
	if err == nil {
		t.Fatal("expected Dial without TLSConfig or InsecureSkipVerify to fail")
	}
}

func TestQUICTransportCloseRejectsFurtherUse(t *testing.T) {
	qt := NewQUICTransport()
	if err := qt.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := qt.Listen("127.0.0.1:0", ListenOptions{TLSConfig: listenerTLSConfig(t)}); err == nil {
		t.Fatal("expected Listen on a closed transport to fail")
	}
	if _, err := qt.Dial(context.Background(), "127.0.0.1:1", DialOptions{InsecureSkipVerify: true}); err == nil {
		t.Fatal("expected Dial on a closed transport to fail")
	}
}
