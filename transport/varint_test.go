package transport

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	cases := []struct {
		v       uint64
		wantLen int
	}{
		{0, 1},
		{63, 1},
		{64, 2},
		{16383, 2},
		{16384, 4},
		{1073741823, 4},
		{1073741824, 8},
		{4611686018427387903, 8},
	}
	for _, c := range cases {
		if got := varintLen(c.v); got != c.wantLen {
			t.Errorf("varintLen(%d) = %d, want %d", c.v, got, c.wantLen)
		}
		buf := make([]byte, 8)
		n := putVarint(buf, c.v)
		if n != c.wantLen {
			t.Fatalf("putVarint(%d) wrote %d bytes, want %d", c.v, n, c.wantLen)
		}
		var got uint64
		consumed := getVarint(buf[:n], &got)
		if consumed != n {
			t.Fatalf("getVarint consumed %d bytes, want %d", consumed, n)
		}
		if got != c.v {
			t.Errorf("round trip of %d produced %d", c.v, got)
		}
	}
}

func TestGetVarintShortBuffer(t *testing.T) {
	buf := []byte{0xc0} // claims 8 bytes, only 1 present
	var v uint64
	if n := getVarint(buf, &v); n != 0 {
		t.Fatalf("getVarint on truncated input returned %d, want 0", n)
	}
}

func TestPutVarintOverflow(t *testing.T) {
	buf := make([]byte, 8)
	if n := putVarint(buf, maxVarint8+1); n != 0 {
		t.Fatalf("putVarint(maxVarint8+1) = %d, want 0", n)
	}
}

func TestAppendVarint(t *testing.T) {
	b := appendVarint(nil, 15293)
	var got uint64
	getVarint(b, &got)
	if got != 15293 {
		t.Fatalf("appendVarint round trip got %d, want 15293", got)
	}
}

func TestDecodePacketNumber(t *testing.T) {
	// RFC 9000 appendix A.3 worked example: largest acked 0xa82f30ea,
	// a 2-byte truncated pn of 0x9b32 decodes to 0xa82f9b32.
	got := decodePacketNumber(0xa82f30ea, 0x9b32, 2)
	if want := uint64(0xa82f9b32); got != want {
		t.Fatalf("decodePacketNumber = %#x, want %#x", got, want)
	}
}

func TestEncodedPacketNumberLen(t *testing.T) {
	if n := encodedPacketNumberLen(0, 0); n != 1 {
		t.Fatalf("encodedPacketNumberLen(0,0) = %d, want 1", n)
	}
	if n := encodedPacketNumberLen(100000, 0); n < 1 || n > 4 {
		t.Fatalf("encodedPacketNumberLen out of range: %d", n)
	}
}
