package transport

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Event type names, chosen to line up with the qlog QUIC event
// definitions (https://quiclog.github.io/internet-drafts/) even though
// this package emits its own line-oriented text rather than qlog JSON.
const (
	logEventPacketReceived  = "packet_received"
	logEventPacketSent      = "packet_sent"
	logEventPacketDropped   = "packet_dropped"
	logEventFramesProcessed = "frames_processed"
)

// LogEvent is one trace-level record a Conn hands to its
// OnLogEvent callback: a timestamped, typed bag of key/value fields.
type LogEvent struct {
	Time   time.Time
	Type   string
	Fields []LogField
}

func newLogEvent(tm time.Time, typ string) LogEvent {
	return LogEvent{Time: tm, Type: typ, Fields: make([]LogField, 0, 8)}
}

func (e *LogEvent) addField(key string, val interface{}) {
	e.Fields = append(e.Fields, newLogField(key, val))
}

func (e LogEvent) String() string {
	var b strings.Builder
	b.WriteString(e.Time.Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(e.Type)
	for _, f := range e.Fields {
		b.WriteByte(' ')
		b.WriteString(f.String())
	}
	return b.String()
}

// LogField is one key plus either a string or numeric value; exactly
// one of Str/Num is meaningful, distinguished by how it was built.
type LogField struct {
	Key string
	Str string
	Num uint64
}

func newLogField(key string, val interface{}) LogField {
	f := LogField{Key: key}
	switch v := val.(type) {
	case int:
		f.Num = uint64(v)
	case int8:
		f.Num = uint64(v)
	case int16:
		f.Num = uint64(v)
	case int32:
		f.Num = uint64(v)
	case int64:
		f.Num = uint64(v)
	case uint:
		f.Num = uint64(v)
	case uint8:
		f.Num = uint64(v)
	case uint16:
		f.Num = uint64(v)
	case uint32:
		f.Num = uint64(v)
	case uint64:
		f.Num = v
	case bool:
		f.Str = strconv.FormatBool(v)
	case string:
		f.Str = v
	case []byte:
		f.Str = hex.EncodeToString(v)
	case []uint32:
		var b strings.Builder
		b.WriteByte('[')
		for i, n := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatUint(uint64(n), 10))
		}
		b.WriteByte(']')
		f.Str = b.String()
	default:
		panic("transport: unsupported log field value type")
	}
	return f
}

func (f LogField) String() string {
	if f.Str != "" {
		return f.Key + "=" + f.Str
	}
	return f.Key + "=" + strconv.FormatUint(f.Num, 10)
}

// --- packet-level fields ---

func newLogEventPacket(tm time.Time, typ string, p *packet) LogEvent {
	e := newLogEvent(tm, typ)
	logPacket(&e, p)
	return e
}

func logPacket(e *LogEvent, p *packet) {
	e.addField("packet_type", p.typ.String())
	if p.header.version > 0 {
		e.addField("version", p.header.version)
	}
	if len(p.header.dcid) > 0 {
		e.addField("dcid", p.header.dcid)
	}
	if len(p.header.scid) > 0 {
		e.addField("scid", p.header.scid)
	}
	if p.packetNumber > 0 {
		e.addField("packet_number", p.packetNumber)
	}
	if p.payloadLen > 0 {
		e.addField("payload_length", p.payloadLen)
	}
	if len(p.supportedVersions) > 0 {
		e.addField("supported_versions", p.supportedVersions)
	}
	if len(p.token) > 0 {
		// Initial packets carry an address-validation token here, not a
		// stateless-reset token; named for what it actually is.
		e.addField("token", p.token)
	}
}

// --- frame-level fields ---

func newLogEventFrame(tm time.Time, typ string, f frame) LogEvent {
	e := newLogEvent(tm, typ)
	switch fr := f.(type) {
	case *paddingFrame:
		logFramePadding(&e, fr)
	case *pingFrame:
		logFramePing(&e, fr)
	case *ackFrame:
		logFrameAck(&e, fr)
	case *resetStreamFrame:
		logFrameResetStream(&e, fr)
	case *stopSendingFrame:
		logFrameStopSending(&e, fr)
	case *cryptoFrame:
		logFrameCrypto(&e, fr)
	case *newTokenFrame:
		logFrameNewToken(&e, fr)
	case *streamFrame:
		logFrameStream(&e, fr)
	case *maxDataFrame:
		logFrameMaxData(&e, fr)
	case *maxStreamDataFrame:
		logFrameMaxStreamData(&e, fr)
	case *maxStreamsFrame:
		logFrameMaxStreams(&e, fr)
	case *dataBlockedFrame:
		logFrameDataBlocked(&e, fr)
	case *streamDataBlockedFrame:
		logFrameStreamDataBlocked(&e, fr)
	case *streamsBlockedFrame:
		logFrameStreamsBlocked(&e, fr)
	case *connectionCloseFrame:
		logFrameConnectionClose(&e, fr)
	case *handshakeDoneFrame:
		logFrameHandshakeDone(&e, fr)
	}
	return e
}

func logFramePadding(e *LogEvent, _ *paddingFrame) {
	e.addField("frame_type", "padding")
}

func logFramePing(e *LogEvent, _ *pingFrame) {
	e.addField("frame_type", "ping")
}

func logFrameAck(e *LogEvent, f *ackFrame) {
	e.addField("frame_type", "ack")
	e.addField("ack_delay", f.ackDelay)
}

func logFrameResetStream(e *LogEvent, f *resetStreamFrame) {
	e.addField("frame_type", "reset_stream")
	e.addField("stream_id", f.streamID)
	e.addField("error_code", f.errorCode)
	e.addField("final_size", f.finalSize)
}

func logFrameStopSending(e *LogEvent, f *stopSendingFrame) {
	e.addField("frame_type", "stop_sending")
	e.addField("stream_id", f.streamID)
	e.addField("error_code", f.errorCode)
}

func logFrameCrypto(e *LogEvent, f *cryptoFrame) {
	e.addField("frame_type", "crypto")
	e.addField("offset", f.offset)
	e.addField("length", len(f.data))
}

func logFrameNewToken(e *LogEvent, f *newTokenFrame) {
	e.addField("frame_type", "new_token")
	e.addField("token", f.token)
}

func logFrameStream(e *LogEvent, f *streamFrame) {
	e.addField("frame_type", "stream")
	e.addField("stream_id", f.streamID)
	e.addField("offset", f.offset)
	e.addField("length", len(f.data))
	e.addField("fin", f.fin)
}

func logFrameMaxData(e *LogEvent, f *maxDataFrame) {
	e.addField("frame_type", "max_data")
	e.addField("maximum", f.maximumData)
}

func logFrameMaxStreamData(e *LogEvent, f *maxStreamDataFrame) {
	e.addField("frame_type", "max_stream_data")
	e.addField("stream_id", f.streamID)
	e.addField("maximum", f.maximumData)
}

func logFrameMaxStreams(e *LogEvent, f *maxStreamsFrame) {
	e.addField("frame_type", "max_streams")
	e.addField("stream_type", streamTypeLabel(f.bidi))
	e.addField("maximum", f.maximumStreams)
}

func logFrameDataBlocked(e *LogEvent, f *dataBlockedFrame) {
	e.addField("frame_type", "data_blocked")
	e.addField("limit", f.dataLimit)
}

func logFrameStreamDataBlocked(e *LogEvent, f *streamDataBlockedFrame) {
	e.addField("frame_type", "stream_data_blocked")
	e.addField("stream_id", f.streamID)
	e.addField("limit", f.dataLimit)
}

func logFrameStreamsBlocked(e *LogEvent, f *streamsBlockedFrame) {
	e.addField("frame_type", "streams_blocked")
	e.addField("stream_type", streamTypeLabel(f.bidi))
	e.addField("limit", f.streamLimit)
}

func streamTypeLabel(bidi bool) string {
	if bidi {
		return "bidirectional"
	}
	return "unidirectional"
}

func logFrameConnectionClose(e *LogEvent, f *connectionCloseFrame) {
	e.addField("frame_type", "connection_close")
	if f.application {
		e.addField("error_space", "application")
	} else {
		e.addField("error_space", "transport")
	}
	e.addField("error_code", errorCodeString(f.errorCode))
	e.addField("raw_error_code", f.errorCode)
	e.addField("reason", string(f.reasonPhrase))
	if f.frameType > 0 {
		e.addField("trigger_frame_type", f.frameType)
	}
}

func logFrameHandshakeDone(e *LogEvent, _ *handshakeDoneFrame) {
	e.addField("frame_type", "handshake_done")
}

func logUnknownFrame(e *LogEvent, frameType uint64, raw []byte) {
	e.addField("frame_type", "unknown")
	e.addField("raw_frame_type", frameType)
	e.addField("raw", raw)
}
