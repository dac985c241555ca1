package transport

import (
	"testing"
	"time"
)

func expectFrameLog(t *testing.T, f frame, tail string) {
	t.Helper()
	tm := time.Date(2020, time.January, 5, 2, 3, 4, 0, time.UTC)
	e := newLogEventFrame(tm, logEventFramesProcessed, f)
	want := "2020-01-05T02:03:04Z frames_processed " + tail
	if got := e.String(); got != want {
		t.Fatalf("\nwant %v\ngot  %v", want, got)
	}
}

func TestLogFramePadding(t *testing.T) {
	expectFrameLog(t, newPaddingFrame(1), "frame_type=padding")
}

func TestLogFramePing(t *testing.T) {
	expectFrameLog(t, &pingFrame{}, "frame_type=ping")
}

func TestLogFrameAck(t *testing.T) {
	f := &ackFrame{largestAck: 1, ackDelay: 2, firstAckRange: 3}
	expectFrameLog(t, f, "frame_type=ack ack_delay=2")
}

func TestLogFrameResetStream(t *testing.T) {
	f := newResetStreamFrame(1, 2, 3)
	expectFrameLog(t, f, "frame_type=reset_stream stream_id=1 error_code=2 final_size=3")
}

func TestLogFrameStopSending(t *testing.T) {
	f := newStopSendingFrame(1, 2)
	expectFrameLog(t, f, "frame_type=stop_sending stream_id=1 error_code=2")
}

func TestLogFrameCrypto(t *testing.T) {
	f := newCryptoFrame(make([]byte, 5), 1)
	expectFrameLog(t, f, "frame_type=crypto offset=1 length=5")
}

func TestLogFrameNewToken(t *testing.T) {
	f := newNewTokenFrame(make([]byte, 4))
	expectFrameLog(t, f, "frame_type=new_token token=00000000")
}

func TestLogFrameStream(t *testing.T) {
	f := newStreamFrame(2, make([]byte, 4), 3, true)
	expectFrameLog(t, f, "frame_type=stream stream_id=2 offset=3 length=4 fin=true")
}

func TestLogFrameMaxData(t *testing.T) {
	f := newMaxDataFrame(1)
	expectFrameLog(t, f, "frame_type=max_data maximum=1")
}

func TestLogFrameMaxStreamData(t *testing.T) {
	f := newMaxStreamDataFrame(1, 2)
	expectFrameLog(t, f, "frame_type=max_stream_data stream_id=1 maximum=2")
}

func TestLogFrameMaxStreams(t *testing.T) {
	expectFrameLog(t, newMaxStreamsFrame(1, false), "frame_type=max_streams stream_type=unidirectional maximum=1")
	expectFrameLog(t, newMaxStreamsFrame(2, true), "frame_type=max_streams stream_type=bidirectional maximum=2")
}

func TestLogFrameDataBlocked(t *testing.T) {
	f := newDataBlockedFrame(1)
	expectFrameLog(t, f, "frame_type=data_blocked limit=1")
}

func TestLogFrameStreamDataBlocked(t *testing.T) {
	f := newStreamDataBlockedFrame(1, 2)
	expectFrameLog(t, f, "frame_type=stream_data_blocked stream_id=1 limit=2")
}

func TestLogFrameStreamsBlocked(t *testing.T) {
	expectFrameLog(t, newStreamsBlockedFrame(1, false), "frame_type=streams_blocked stream_type=unidirectional limit=1")
	expectFrameLog(t, newStreamsBlockedFrame(2, true), "frame_type=streams_blocked stream_type=bidirectional limit=2")
}

func TestLogFrameConnectionClose(t *testing.T) {
	f := newConnectionCloseFrame(0x122, 99, []byte("reason"), false)
	expectFrameLog(t, f, "frame_type=connection_close error_space=transport error_code=crypto_error_34 raw_error_code=290 reason=reason trigger_frame_type=99")
}

func TestLogFrameHandshakeDone(t *testing.T) {
	expectFrameLog(t, &handshakeDoneFrame{}, "frame_type=handshake_done")
}

func TestLogEventPacketIncludesNonzeroFieldsOnly(t *testing.T) {
	tm := time.Date(2021, time.March, 2, 10, 0, 0, 0, time.UTC)
	p := &packet{
		typ: packetTypeInitial,
		header: packetHeader{
			version: versionQUIC1,
			dcid:    []byte{0xaa, 0xbb},
		},
		packetNumber: 7,
		payloadLen:   40,
	}
	e := newLogEventPacket(tm, logEventPacketReceived, p)
	got := e.String()
	want := "2021-03-02T10:00:00Z packet_received packet_type=initial version=1 dcid=aabb packet_number=7 payload_length=40"
	if got != want {
		t.Fatalf("\nwant %v\ngot  %v", want, got)
	}
}

func TestLogFieldUnsupportedTypePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected newLogField to panic on an unrecognized value type")
		}
	}()
	newLogField("x", struct{}{})
}
