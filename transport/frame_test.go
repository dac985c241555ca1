package transport

import (
	"bytes"
	"testing"
)

// roundTrip encodes f, decodes it back at packetSpaceApplication (where
// every frame type is legal) and returns the decoded frame plus the
// number of bytes the encoder produced.
func roundTrip(t *testing.T, f frame) (frame, int) {
	t.Helper()
	buf := make([]byte, f.encodedLen())
	n, err := f.encode(buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, consumed, err := decodeFrame(buf[:n], packetSpaceApplication)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if consumed != n {
		t.Fatalf("decodeFrame consumed %d bytes, encode produced %d", consumed, n)
	}
	return got, n
}

func TestFrameRoundTripPing(t *testing.T) {
	got, _ := roundTrip(t, &pingFrame{})
	if _, ok := got.(*pingFrame); !ok {
		t.Fatalf("got %T, want *pingFrame", got)
	}
	if !got.ackEliciting() {
		t.Fatal("PING must be ack-eliciting")
	}
}

func TestFrameRoundTripPadding(t *testing.T) {
	got, _ := roundTrip(t, newPaddingFrame(5))
	p, ok := got.(*paddingFrame)
	if !ok {
		t.Fatalf("got %T, want *paddingFrame", got)
	}
	if p.length != 5 {
		t.Fatalf("length = %d, want 5", p.length)
	}
	if got.ackEliciting() {
		t.Fatal("PADDING must not be ack-eliciting")
	}
}

func TestFrameRoundTripAck(t *testing.T) {
	ranges := []ackBlock{{gap: 1, rangeLen: 2}, {gap: 0, rangeLen: 1}}
	got, _ := roundTrip(t, newAckFrame(100, 25, 10, ranges))
	a, ok := got.(*ackFrame)
	if !ok {
		t.Fatalf("got %T, want *ackFrame", got)
	}
	if a.largestAck != 100 || a.ackDelay != 25 || a.firstAckRange != 10 {
		t.Fatalf("unexpected scalar fields: %+v", a)
	}
	if len(a.ranges) != 2 || a.ranges[0] != ranges[0] || a.ranges[1] != ranges[1] {
		t.Fatalf("ranges = %+v, want %+v", a.ranges, ranges)
	}
	if a.ackEliciting() {
		t.Fatal("ACK must not be ack-eliciting")
	}
}

func TestFrameRoundTripResetStream(t *testing.T) {
	got, _ := roundTrip(t, newResetStreamFrame(4, 0x11, 4096))
	r, ok := got.(*resetStreamFrame)
	if !ok {
		t.Fatalf("got %T, want *resetStreamFrame", got)
	}
	if r.streamID != 4 || r.errorCode != 0x11 || r.finalSize != 4096 {
		t.Fatalf("unexpected fields: %+v", r)
	}
}

func TestFrameRoundTripStopSending(t *testing.T) {
	got, _ := roundTrip(t, newStopSendingFrame(8, 7))
	s, ok := got.(*stopSendingFrame)
	if !ok || s.streamID != 8 || s.errorCode != 7 {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameRoundTripCrypto(t *testing.T) {
	data := []byte("client hello bytes")
	got, _ := roundTrip(t, newCryptoFrame(data, 30))
	c, ok := got.(*cryptoFrame)
	if !ok {
		t.Fatalf("got %T, want *cryptoFrame", got)
	}
	if c.offset != 30 || !bytes.Equal(c.data, data) {
		t.Fatalf("unexpected fields: offset=%d data=%q", c.offset, c.data)
	}
}

func TestFrameRoundTripNewToken(t *testing.T) {
	token := []byte{1, 2, 3, 4, 5}
	got, _ := roundTrip(t, newNewTokenFrame(token))
	nt, ok := got.(*newTokenFrame)
	if !ok || !bytes.Equal(nt.token, token) {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameRoundTripStream(t *testing.T) {
	data := []byte("0x1000 bytes worth of stream payload, or a slice of it")
	got, _ := roundTrip(t, newStreamFrame(0, data, 12, true))
	s, ok := got.(*streamFrame)
	if !ok {
		t.Fatalf("got %T, want *streamFrame", got)
	}
	if s.streamID != 0 || s.offset != 12 || !s.fin || !bytes.Equal(s.data, data) {
		t.Fatalf("unexpected fields: %+v", s)
	}
}

func TestFrameRoundTripMaxData(t *testing.T) {
	got, _ := roundTrip(t, newMaxDataFrame(1<<20))
	m, ok := got.(*maxDataFrame)
	if !ok || m.maximumData != 1<<20 {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameRoundTripMaxStreamData(t *testing.T) {
	got, _ := roundTrip(t, newMaxStreamDataFrame(4, 65536))
	m, ok := got.(*maxStreamDataFrame)
	if !ok {
		t.Fatalf("got %T", got)
	}
	if m.streamID != 4 || m.maximumData != 65536 {
		t.Fatalf("unexpected fields: %+v", m)
	}
}

func TestFrameRoundTripMaxStreams(t *testing.T) {
	got, _ := roundTrip(t, newMaxStreamsFrame(100, true))
	m, ok := got.(*maxStreamsFrame)
	if !ok || m.maximumStreams != 100 || !m.bidi {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameRoundTripDataBlocked(t *testing.T) {
	got, _ := roundTrip(t, newDataBlockedFrame(9001))
	d, ok := got.(*dataBlockedFrame)
	if !ok || d.dataLimit != 9001 {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameRoundTripStreamDataBlocked(t *testing.T) {
	got, _ := roundTrip(t, newStreamDataBlockedFrame(4, 512))
	d, ok := got.(*streamDataBlockedFrame)
	if !ok {
		t.Fatalf("got %T", got)
	}
	if d.streamID != 4 || d.dataLimit != 512 {
		t.Fatalf("unexpected fields: %+v", d)
	}
}

func TestFrameRoundTripStreamsBlocked(t *testing.T) {
	got, _ := roundTrip(t, newStreamsBlockedFrame(3, false))
	s, ok := got.(*streamsBlockedFrame)
	if !ok || s.streamLimit != 3 || s.bidi {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameRoundTripNewConnectionID(t *testing.T) {
	cid := []byte{9, 9, 9, 9}
	srt := [16]byte{1, 2, 3}
	got, _ := roundTrip(t, newNewConnectionIDFrame(2, 1, cid, srt))
	n, ok := got.(*newConnectionIDFrame)
	if !ok {
		t.Fatalf("got %T", got)
	}
	if n.sequenceNumber != 2 || n.retirePriorTo != 1 || !bytes.Equal(n.connectionID, cid) || n.statelessResetToken != srt {
		t.Fatalf("unexpected fields: %+v", n)
	}
}

func TestFrameRoundTripRetireConnectionID(t *testing.T) {
	got, _ := roundTrip(t, newRetireConnectionIDFrame(5))
	r, ok := got.(*retireConnectionIDFrame)
	if !ok || r.sequenceNumber != 5 {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameRoundTripPathChallengeResponse(t *testing.T) {
	data := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	got, _ := roundTrip(t, newPathChallengeFrame(data))
	c, ok := got.(*pathChallengeFrame)
	if !ok || c.data != data {
		t.Fatalf("got %+v", got)
	}
	got2, _ := roundTrip(t, newPathResponseFrame(data))
	r, ok := got2.(*pathResponseFrame)
	if !ok || r.data != data {
		t.Fatalf("got %+v", got2)
	}
}

func TestFrameRoundTripConnectionClose(t *testing.T) {
	got, _ := roundTrip(t, newConnectionCloseFrame(0x0a, uint64(frameTypeStream), []byte("bye"), false))
	c, ok := got.(*connectionCloseFrame)
	if !ok {
		t.Fatalf("got %T", got)
	}
	if c.errorCode != 0x0a || c.frameType != uint64(frameTypeStream) || string(c.reasonPhrase) != "bye" || c.application {
		t.Fatalf("unexpected fields: %+v", c)
	}
}

func TestFrameRoundTripHandshakeDone(t *testing.T) {
	got, _ := roundTrip(t, &handshakeDoneFrame{})
	if _, ok := got.(*handshakeDoneFrame); !ok {
		t.Fatalf("got %T", got)
	}
}

func TestFrameAllowedAtRestrictsNonApplicationSpaces(t *testing.T) {
	if frameAllowedAt(frameTypeStream, packetSpaceInitial) {
		t.Fatal("STREAM must not be allowed at Initial")
	}
	if !frameAllowedAt(frameTypeCrypto, packetSpaceInitial) {
		t.Fatal("CRYPTO must be allowed at Initial")
	}
	if !frameAllowedAt(frameTypeStream, packetSpaceApplication) {
		t.Fatal("STREAM must be allowed at Application")
	}
}

func TestDecodeFrameRejectsDisallowedTypeAtInitial(t *testing.T) {
	// Encode a STREAM frame, whose type is illegal before Application.
	sf := newStreamFrame(0, []byte("x"), 0, false)
	sbuf := make([]byte, sf.encodedLen())
	sf.encode(sbuf)
	_, _, err := decodeFrame(sbuf, packetSpaceInitial)
	if err == nil {
		t.Fatal("expected PROTOCOL_VIOLATION decoding STREAM at Initial")
	}
}
