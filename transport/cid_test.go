package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestCIDSetOnNewConnectionIDTracksAndCapsActive(t *testing.T) {
	var s cidSet
	toRetire, err := s.onNewConnectionID(0, 0, []byte{1, 2, 3, 4}, [16]byte{0xaa}, 2)
	if err != nil {
		t.Fatalf("onNewConnectionID seq0: %v", err)
	}
	if len(toRetire) != 0 {
		t.Fatalf("unexpected retirements: %v", toRetire)
	}
	toRetire, err = s.onNewConnectionID(1, 0, []byte{5, 6, 7, 8}, [16]byte{0xbb}, 2)
	if err != nil {
		t.Fatalf("onNewConnectionID seq1: %v", err)
	}
	if len(toRetire) != 0 {
		t.Fatalf("unexpected retirements: %v", toRetire)
	}
	// A third distinct entry breaches activeLimit=2.
	_, err = s.onNewConnectionID(2, 0, []byte{9, 9, 9, 9}, [16]byte{0xcc}, 2)
	if err == nil {
		t.Fatal("expected a connection-id-limit error")
	}
}

func TestCIDSetOnNewConnectionIDRetiresViaRetirePriorTo(t *testing.T) {
	var s cidSet
	s.onNewConnectionID(0, 0, []byte{1}, [16]byte{0x01}, 10)
	s.onNewConnectionID(1, 0, []byte{2}, [16]byte{0x02}, 10)
	toRetire, err := s.onNewConnectionID(2, 2, []byte{3}, [16]byte{0x03}, 10)
	if err != nil {
		t.Fatalf("onNewConnectionID: %v", err)
	}
	if len(toRetire) != 2 {
		t.Fatalf("retirePriorTo=2 should retire sequence 0 and 1, got %v", toRetire)
	}
}

func TestCIDSetOnNewConnectionIDRejectsMismatchedRetransmit(t *testing.T) {
	var s cidSet
	s.onNewConnectionID(0, 0, []byte{1, 2}, [16]byte{0x01}, 10)
	// Same sequence number, different id: a protocol violation.
	_, err := s.onNewConnectionID(0, 0, []byte{9, 9}, [16]byte{0x01}, 10)
	if err == nil {
		t.Fatal("expected a mismatch error for a re-used sequence with different fields")
	}
	// Same sequence, identical fields: a harmless retransmit, no error.
	_, err = s.onNewConnectionID(0, 0, []byte{1, 2}, [16]byte{0x01}, 10)
	if err != nil {
		t.Fatalf("identical retransmit should be a no-op, got %v", err)
	}
}

func TestCIDSetMatchesResetToken(t *testing.T) {
	var s cidSet
	srt := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	s.onNewConnectionID(0, 0, []byte{1}, srt, 10)
	if !s.matchesResetToken(srt[:]) {
		t.Fatal("expected a match against a tracked stateless-reset token")
	}
	other := srt
	other[0] ^= 0xff
	if s.matchesResetToken(other[:]) {
		t.Fatal("unexpected match against an unrelated token")
	}
	if s.matchesResetToken([]byte{1, 2, 3}) {
		t.Fatal("a short token must never match")
	}
}

func TestDeriveStatelessResetTokenDeterministic(t *testing.T) {
	key := []byte("0123456789abcdef")
	a := deriveStatelessResetToken(key, []byte{1, 2, 3, 4})
	b := deriveStatelessResetToken(key, []byte{1, 2, 3, 4})
	if a != b {
		t.Fatal("derivation must be deterministic for the same key and cid")
	}
	c := deriveStatelessResetToken(key, []byte{1, 2, 3, 5})
	if a == c {
		t.Fatal("different cids must not derive the same token")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	peerIP := []byte{192, 0, 2, 1}
	now := time.Now()
	tok, err := encodeToken(key, peerIP, now)
	if err != nil {
		t.Fatalf("encodeToken: %v", err)
	}
	if err := decodeToken(key, tok, peerIP, now.Add(time.Second), 10*time.Second); err != nil {
		t.Fatalf("decodeToken: %v", err)
	}
}

func TestTokenRejectsWrongAddress(t *testing.T) {
	key := make([]byte, 32)
	tok, err := encodeToken(key, []byte{10, 0, 0, 1}, time.Now())
	if err != nil {
		t.Fatalf("encodeToken: %v", err)
	}
	if err := decodeToken(key, tok, []byte{10, 0, 0, 2}, time.Now(), 10*time.Second); err == nil {
		t.Fatal("expected a mismatched peer address to be rejected")
	}
}

func TestTokenRejectsExpired(t *testing.T) {
	key := make([]byte, 32)
	peerIP := []byte{10, 0, 0, 1}
	created := time.Now().Add(-time.Hour)
	tok, err := encodeToken(key, peerIP, created)
	if err != nil {
		t.Fatalf("encodeToken: %v", err)
	}
	if err := decodeToken(key, tok, peerIP, time.Now(), 10*time.Second); err == nil {
		t.Fatal("expected an expired token to be rejected")
	}
}

func TestTokenRejectsMalformed(t *testing.T) {
	key := make([]byte, 32)
	if err := decodeToken(key, []byte{1, 2, 3}, []byte{10, 0, 0, 1}, time.Now(), time.Second); err == nil {
		t.Fatal("expected a too-short token to be rejected")
	}
	if err := decodeToken(key, bytes.Repeat([]byte{0xff}, 64), []byte{10, 0, 0, 1}, time.Now(), time.Second); err == nil {
		t.Fatal("expected garbage ciphertext to fail unpadding")
	}
}

func TestRetryTokenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}
	peerIP := []byte{203, 0, 113, 5}
	odcid := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03}
	now := time.Now()
	tok, err := EncodeRetryToken(key, peerIP, odcid, now)
	if err != nil {
		t.Fatalf("EncodeRetryToken: %v", err)
	}
	gotODCID, err := DecodeRetryToken(key, tok, peerIP, now.Add(time.Second), 10*time.Second)
	if err != nil {
		t.Fatalf("DecodeRetryToken: %v", err)
	}
	if !bytes.Equal(gotODCID, odcid) {
		t.Fatalf("recovered odcid = %x, want %x", gotODCID, odcid)
	}
}

func TestRetryTokenRejectsWrongAddress(t *testing.T) {
	key := make([]byte, 32)
	odcid := []byte{1, 2, 3, 4}
	tok, err := EncodeRetryToken(key, []byte{10, 0, 0, 1}, odcid, time.Now())
	if err != nil {
		t.Fatalf("EncodeRetryToken: %v", err)
	}
	if _, err := DecodeRetryToken(key, tok, []byte{10, 0, 0, 9}, time.Now(), 10*time.Second); err == nil {
		t.Fatal("expected a mismatched peer address to be rejected")
	}
}

func TestRetryTokenRejectsExpired(t *testing.T) {
	key := make([]byte, 32)
	odcid := []byte{1, 2, 3, 4}
	created := time.Now().Add(-time.Minute)
	tok, err := EncodeRetryToken(key, []byte{10, 0, 0, 1}, odcid, created)
	if err != nil {
		t.Fatalf("EncodeRetryToken: %v", err)
	}
	if _, err := DecodeRetryToken(key, tok, []byte{10, 0, 0, 1}, time.Now(), 10*time.Second); err == nil {
		t.Fatal("expected an expired retry token to be rejected")
	}
}

func TestRetryTokenRejectsMalformed(t *testing.T) {
	key := make([]byte, 32)
	if _, err := DecodeRetryToken(key, []byte{1, 2}, []byte{10, 0, 0, 1}, time.Now(), time.Second); err == nil {
		t.Fatal("expected a too-short retry token to be rejected")
	}
}

func TestRetryIntegrityTagRoundTrip(t *testing.T) {
	odcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	body := []byte{0xff, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	tag := computeRetryIntegrityTag(body, odcid)
	datagram := append(append([]byte(nil), body...), tag[:]...)
	if !verifyRetryIntegrity(datagram, odcid) {
		t.Fatal("expected a freshly computed integrity tag to verify")
	}
	tampered := append([]byte(nil), datagram...)
	tampered[0] ^= 0xff
	if verifyRetryIntegrity(tampered, odcid) {
		t.Fatal("expected a tampered body to fail integrity verification")
	}
	if verifyRetryIntegrity(datagram, []byte{9, 9, 9}) {
		t.Fatal("expected a wrong odcid to fail integrity verification")
	}
}
