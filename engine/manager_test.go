package engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qcore/qtransport/transport"
)

// writeTestCertPair generates a throwaway ECDSA cert/key pair and writes
// them as PEM files under dir, for a Config's CertFile/KeyFile.
func writeTestCertPair(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "qengine-test"},
		DNSNames:     []string{"qengine-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	ecder, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: ecder})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return a.s }

// newTestEndpoint builds an Endpoint backed by a freshly generated
// self-signed certificate, disabling Retry so the first Initial is
// admitted directly.
func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	certPath, keyPath := writeTestCertPair(t, t.TempDir())
	cfg := DefaultConfig()
	cfg.CertFile = certPath
	cfg.KeyFile = keyPath
	cfg.RequireRetry = false
	ep, err := NewEndpoint(cfg)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	return ep
}

// clientConfigFor builds a transport.Config whose RootCAs trust the
// server Endpoint's certificate, read back out of its TLS config.
func clientConfigFor(t *testing.T, server *Endpoint) *transport.Config {
	t.Helper()
	roots := x509.NewCertPool()
	for _, cert := range server.tlsConfig.TLS.Certificates {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			t.Fatalf("parse server certificate: %v", err)
		}
		roots.AddCert(leaf)
	}
	return &transport.Config{
		Params: transport.DefaultParameters(),
		TLS: &tls.Config{
			RootCAs:    roots,
			ServerName: "qengine-test",
			MinVersion: tls.VersionTLS13,
			NextProtos: []string{"qcore"},
		},
	}
}

// TestEndpointHandshakeAndConnLookup drives a handshake where the
// server side lives entirely behind Endpoint.Serve, checking that the
// connection table ends up reachable via ConnForAddr once established.
func TestEndpointHandshakeAndConnLookup(t *testing.T) {
	server := newTestEndpoint(t)
	clientTransport := clientConfigFor(t, server)
	clientAddr := fakeAddr{"10.0.0.1:5000"}

	clientConn, err := transport.Connect([]byte{9, 9, 9, 9}, clientTransport)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	buf := make([]byte, transport.MaxPacketSize)
	now := time.Now()

	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("client initial Read: %v", err)
	}
	if n == 0 {
		t.Fatal("expected the client to have an Initial packet queued immediately after Connect")
	}

	var pendingFromServer []Datagram
	next := append([]byte(nil), buf[:n]...)
	for round := 0; round < 50 && !clientConn.IsEstablished(); round++ {
		out, err := server.Serve(now, clientAddr, next)
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
		pendingFromServer = out
		next = nil

		progressed := false
		for _, dg := range pendingFromServer {
			if _, err := clientConn.Write(dg.Data); err != nil {
				t.Fatalf("client Write: %v", err)
			}
			progressed = true
		}
		if m, err := clientConn.Read(buf); err != nil {
			t.Fatalf("client Read: %v", err)
		} else if m > 0 {
			next = append([]byte(nil), buf[:m]...)
			progressed = true
		}
		if !progressed {
			break
		}
	}
	if !clientConn.IsEstablished() {
		t.Fatal("handshake did not complete against the engine-managed server side")
	}

	found := server.ConnForAddr(clientAddr)
	if found == nil {
		t.Fatal("expected ConnForAddr to resolve the accepted connection")
	}
	if !found.IsEstablished() {
		t.Fatal("expected the engine-side connection to also be established")
	}
}

// TestEndpointRequireRetryRoundTrip checks that with RequireRetry set,
// the first Initial gets a Retry back instead of being admitted, and
// that the connection table has no entry until the client retries.
func TestEndpointRequireRetryAnswersFirstInitialWithRetry(t *testing.T) {
	certPath, keyPath := writeTestCertPair(t, t.TempDir())
	cfg := DefaultConfig()
	cfg.CertFile = certPath
	cfg.KeyFile = keyPath
	cfg.RequireRetry = true
	server, err := NewEndpoint(cfg)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}

	clientTransport := clientConfigFor(t, server)
	clientAddr := fakeAddr{"10.0.0.1:5000"}
	clientConn, err := transport.Connect([]byte{1, 2, 3, 4}, clientTransport)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	buf := make([]byte, transport.MaxPacketSize)
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("client initial Read: %v", err)
	}
	initial := append([]byte(nil), buf[:n]...)

	now := time.Now()
	out, err := server.Serve(now, clientAddr, initial)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one Retry datagram, got %d", len(out))
	}
	if server.ConnForAddr(clientAddr) != nil {
		t.Fatal("a bare Retry must not admit a connection into the table")
	}
}

func TestEndpointServeDropsUnroutableShortHeader(t *testing.T) {
	server := newTestEndpoint(t)
	addr := fakeAddr{"10.0.0.9:1"}
	// A short-header-looking packet (top bit clear) for a DCID the
	// table has never seen must be dropped, not mistaken for a new
	// connection attempt.
	junk := make([]byte, 40)
	junk[0] = 0x40
	out, err := server.Serve(time.Now(), addr, junk)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no reply for an unroutable short-header packet, got %d datagrams", len(out))
	}
}

func TestEndpointFlushOnEmptyTableProducesNothing(t *testing.T) {
	server := newTestEndpoint(t)
	out := server.Flush(time.Now())
	if len(out) != 0 {
		t.Fatalf("expected Flush on an empty table to produce nothing, got %d datagrams", len(out))
	}
}

var _ net.Addr = fakeAddr{}
