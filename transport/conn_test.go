package transport

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// selfSignedCert builds a throwaway ECDSA certificate for test-only
// TLS configs; tls.QUICConn requires real certificate material even in
// a pure in-memory test.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "qtransport-test"},
		DNSNames:     []string{"qtransport-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// newConnPair builds a connected client/server Conn pair sharing a
// single self-signed certificate (the client trusts it directly via
// RootCAs, skipping any real CA chain).
func newConnPair(t *testing.T) (client, server *Conn) {
	t.Helper()
	cert := selfSignedCert(t)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(leaf)

	serverTLS := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"qtransport-test"},
	}
	clientTLS := &tls.Config{
		RootCAs:    roots,
		ServerName: "qtransport-test",
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{"qtransport-test"},
	}

	scid := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	dcid := []byte{2, 2, 2, 2, 2, 2, 2, 2}

	clientConfig := &Config{TLS: clientTLS, Params: DefaultParameters()}
	serverConfig := &Config{TLS: serverTLS, Params: DefaultParameters()}

	client, err = Connect(scid, clientConfig)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server, err = Accept(dcid, nil, serverConfig)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return client, server
}

// pumpHandshake alternately drains outgoing bytes from each side and
// feeds them to the other, until both report an established
// connection or the round budget runs out.
func pumpHandshake(t *testing.T, client, server *Conn) {
	t.Helper()
	buf := make([]byte, MaxPacketSize)
	for round := 0; round < 50; round++ {
		progressed := false
		if n, err := client.Read(buf); err != nil {
			t.Fatalf("client Read: %v", err)
		} else if n > 0 {
			if _, err := server.Write(append([]byte(nil), buf[:n]...)); err != nil {
				t.Fatalf("server Write: %v", err)
			}
			progressed = true
		}
		if n, err := server.Read(buf); err != nil {
			t.Fatalf("server Read: %v", err)
		} else if n > 0 {
			if _, err := client.Write(append([]byte(nil), buf[:n]...)); err != nil {
				t.Fatalf("client Write: %v", err)
			}
			progressed = true
		}
		if client.IsEstablished() && server.IsEstablished() {
			return
		}
		if !progressed {
			break
		}
	}
	t.Fatalf("handshake did not complete: client established=%v server established=%v",
		client.IsEstablished(), server.IsEstablished())
}

// drainTo delivers everything one side has to send to the other,
// across as many rounds as it takes for both to go quiet.
func drainTo(t *testing.T, from, to *Conn) {
	t.Helper()
	buf := make([]byte, MaxPacketSize)
	for {
		n, err := from.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			return
		}
		if _, err := to.Write(append([]byte(nil), buf[:n]...)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
}

// TestConnHandshakeAndStreamTransfer drives a full client/server
// handshake over an in-memory byte pipe, then opens bidi stream 0,
// writes a payload with FIN set, and checks the peer receives exactly
// those bytes terminated by FIN.
func TestConnHandshakeAndStreamTransfer(t *testing.T) {
	client, server := newConnPair(t)
	pumpHandshake(t, client, server)

	payload := bytes.Repeat([]byte{0xa5}, 0x1000)
	st, err := client.Stream(0)
	if err != nil {
		t.Fatalf("client.Stream(0): %v", err)
	}
	if _, err := st.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	drainTo(t, client, server)
	// A round trip lets any ACKs generated by the server reach the
	// client, and any flow-control credit updates settle.
	drainTo(t, server, client)
	drainTo(t, client, server)

	peerStream, err := server.Stream(0)
	if err != nil {
		t.Fatalf("server.Stream(0): %v", err)
	}
	got := make([]byte, 0, len(payload))
	readBuf := make([]byte, 4096)
	var readErr error
	for len(got) < len(payload) {
		n, err := peerStream.Read(readBuf)
		got = append(got, readBuf[:n]...)
		if err != nil {
			readErr = err
			break
		}
		if n == 0 {
			break
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %d bytes, want %d bytes; content mismatch", len(got), len(payload))
	}
	if readErr != errStreamEOF {
		// Try once more in case FIN hadn't been delivered in the same
		// round as the last data bytes.
		if _, err := peerStream.Read(readBuf); err != errStreamEOF {
			t.Fatalf("expected errStreamEOF once all bytes are consumed, got %v", err)
		}
	}
}

// TestConnDuplicateAckIsNoop checks that applying the same ACK frame
// twice must not double-credit the congestion window, and must not
// error.
func TestConnDuplicateAckIsNoop(t *testing.T) {
	client, server := newConnPair(t)
	pumpHandshake(t, client, server)

	space := packetSpaceApplication
	ps := &client.packetNumberSpaces[space]
	if ps.nextPacketNumber == 0 {
		t.Skip("no packet sent yet in the application space to duplicate-ack")
	}
	sentPN := ps.nextPacketNumber - 1

	ack := newAckFrame(sentPN, 0, 0, nil)
	now := time.Now()
	if err := client.applyFrame(ack, space, now); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	cwndAfterFirst := client.recovery.cc.cwnd

	if err := client.applyFrame(ack, space, now.Add(time.Millisecond)); err != nil {
		t.Fatalf("duplicate apply: %v", err)
	}
	if client.recovery.cc.cwnd != cwndAfterFirst {
		t.Fatalf("duplicate ACK must not re-credit the congestion window: before=%d after=%d",
			cwndAfterFirst, client.recovery.cc.cwnd)
	}
}

// TestConnIdleTimeout checks that once the idle deadline has passed,
// checkTimeout closes the connection.
func TestConnIdleTimeout(t *testing.T) {
	client, server := newConnPair(t)
	pumpHandshake(t, client, server)

	if client.IsClosed() {
		t.Fatal("connection should not start closed")
	}
	future := time.Now().Add(client.localParams.MaxIdleTimeout * 2)
	client.checkTimeout(future)
	if !client.IsClosed() {
		t.Fatal("expected checkTimeout to close the connection past its idle deadline")
	}
	_ = server
}
