package transport

import "fmt"

// Frame type codes (RFC 9000 section 19).
const (
	frameTypePadding            = 0x00
	frameTypePing               = 0x01
	frameTypeAck                = 0x02
	frameTypeAckECN             = 0x03
	frameTypeResetStream        = 0x04
	frameTypeStopSending        = 0x05
	frameTypeCrypto             = 0x06
	frameTypeNewToken           = 0x07
	frameTypeStream             = 0x08 // through 0x0f, low 3 bits are OFF/LEN/FIN
	frameTypeMaxData            = 0x10
	frameTypeMaxStreamData      = 0x11
	frameTypeMaxStreamsBidi     = 0x12
	frameTypeMaxStreamsUni      = 0x13
	frameTypeDataBlocked        = 0x14
	frameTypeStreamDataBlocked  = 0x15
	frameTypeStreamsBlockedBidi = 0x16
	frameTypeStreamsBlockedUni  = 0x17
	frameTypeNewConnectionID    = 0x18
	frameTypeRetireConnectionID = 0x19
	frameTypePathChallenge      = 0x1a
	frameTypePathResponse       = 0x1b
	frameTypeConnectionClose    = 0x1c
	frameTypeConnectionCloseApp = 0x1d
	frameTypeHandshakeDone      = 0x1e
)

// frame is any decoded QUIC frame. ackEliciting mirrors the glossary
// definition: a packet carrying only ACK/PADDING/CONNECTION_CLOSE
// frames never obliges the peer to acknowledge it.
type frame interface {
	encodedLen() int
	encode(b []byte) (int, error)
	ackEliciting() bool
}

// decodeFrame reads one frame from b, returning the frame, the number
// of bytes consumed, and whether the frame type is permitted at space
// (callers close PROTOCOL_VIOLATION when it is not).
func decodeFrame(b []byte, space packetSpace) (frame, int, error) {
	if len(b) == 0 {
		return nil, 0, newError(FrameEncodingError, "empty frame")
	}
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return nil, 0, newError(FrameEncodingError, "bad frame type varint")
	}
	if !frameAllowedAt(typ, space) {
		return nil, 0, newError(ProtocolViolation, fmt.Sprintf("frame type %#x not allowed at %s", typ, space))
	}
	switch {
	case typ == frameTypePadding:
		return decodePaddingFrame(b, n)
	case typ == frameTypePing:
		return &pingFrame{}, n, nil
	case typ == frameTypeAck || typ == frameTypeAckECN:
		return decodeAckFrame(b, n, typ == frameTypeAckECN)
	case typ == frameTypeResetStream:
		return decodeResetStreamFrame(b, n)
	case typ == frameTypeStopSending:
		return decodeStopSendingFrame(b, n)
	case typ == frameTypeCrypto:
		return decodeCryptoFrame(b, n)
	case typ == frameTypeNewToken:
		return decodeNewTokenFrame(b, n)
	case typ >= frameTypeStream && typ <= frameTypeStream+0x07:
		return decodeStreamFrame(b, n, typ)
	case typ == frameTypeMaxData:
		return decodeMaxDataFrame(b, n)
	case typ == frameTypeMaxStreamData:
		return decodeMaxStreamDataFrame(b, n)
	case typ == frameTypeMaxStreamsBidi || typ == frameTypeMaxStreamsUni:
		return decodeMaxStreamsFrame(b, n, typ == frameTypeMaxStreamsBidi)
	case typ == frameTypeDataBlocked:
		return decodeDataBlockedFrame(b, n)
	case typ == frameTypeStreamDataBlocked:
		return decodeStreamDataBlockedFrame(b, n)
	case typ == frameTypeStreamsBlockedBidi || typ == frameTypeStreamsBlockedUni:
		return decodeStreamsBlockedFrame(b, n, typ == frameTypeStreamsBlockedBidi)
	case typ == frameTypeNewConnectionID:
		return decodeNewConnectionIDFrame(b, n)
	case typ == frameTypeRetireConnectionID:
		return decodeRetireConnectionIDFrame(b, n)
	case typ == frameTypePathChallenge:
		return decodePathChallengeFrame(b, n)
	case typ == frameTypePathResponse:
		return decodePathResponseFrame(b, n)
	case typ == frameTypeConnectionClose || typ == frameTypeConnectionCloseApp:
		return decodeConnectionCloseFrame(b, n, typ == frameTypeConnectionCloseApp)
	case typ == frameTypeHandshakeDone:
		return &handshakeDoneFrame{}, n, nil
	default:
		return nil, 0, newError(FrameEncodingError, fmt.Sprintf("unknown frame type %#x", typ))
	}
}

// frameAllowedAt enforces the level restrictions of RFC 9000 section
// 12.4's table: only CRYPTO/ACK/PING/PADDING/CONNECTION_CLOSE(transport)
// are valid before the Application space.
func frameAllowedAt(typ uint64, space packetSpace) bool {
	if space == packetSpaceApplication {
		return true
	}
	switch typ {
	case frameTypePadding, frameTypePing, frameTypeAck, frameTypeAckECN,
		frameTypeCrypto, frameTypeConnectionClose:
		return true
	default:
		return false
	}
}

// --- PADDING ---

type paddingFrame struct {
	length int
}

func newPaddingFrame(length int) *paddingFrame { return &paddingFrame{length: length} }

func decodePaddingFrame(b []byte, n int) (frame, int, error) {
	count := 1
	for n+count < len(b) && b[n+count] == 0x00 {
		count++
	}
	return &paddingFrame{length: count}, n + count, nil
}

func (f *paddingFrame) encodedLen() int { return f.length }
func (f *paddingFrame) encode(b []byte) (int, error) {
	if len(b) < f.length {
		return 0, errShortBuffer
	}
	for i := 0; i < f.length; i++ {
		b[i] = 0x00
	}
	return f.length, nil
}
func (f *paddingFrame) ackEliciting() bool { return false }

// --- PING ---

type pingFrame struct{}

func (f *pingFrame) encodedLen() int                { return 1 }
func (f *pingFrame) encode(b []byte) (int, error)   { return putFrameType(b, frameTypePing) }
func (f *pingFrame) ackEliciting() bool             { return true }

// --- ACK / ACK_ECN ---

type ackFrame struct {
	largestAck    uint64
	ackDelay      uint64
	firstAckRange uint64
	ranges        []ackBlock
	ecn           bool
	ect0, ect1, ecnCE uint64
}

func newAckFrame(largestAck, ackDelay, firstRange uint64, ranges []ackBlock) *ackFrame {
	return &ackFrame{largestAck: largestAck, ackDelay: ackDelay, firstAckRange: firstRange, ranges: ranges}
}

func decodeAckFrame(b []byte, n int, ecn bool) (frame, int, error) {
	f := &ackFrame{ecn: ecn}
	var rangeCount uint64
	var err error
	if n, err = getVarintAt(b, n, &f.largestAck); err != nil {
		return nil, 0, err
	}
	if n, err = getVarintAt(b, n, &f.ackDelay); err != nil {
		return nil, 0, err
	}
	if n, err = getVarintAt(b, n, &rangeCount); err != nil {
		return nil, 0, err
	}
	if n, err = getVarintAt(b, n, &f.firstAckRange); err != nil {
		return nil, 0, err
	}
	for i := uint64(0); i < rangeCount; i++ {
		var gap, length uint64
		if n, err = getVarintAt(b, n, &gap); err != nil {
			return nil, 0, err
		}
		if n, err = getVarintAt(b, n, &length); err != nil {
			return nil, 0, err
		}
		f.ranges = append(f.ranges, ackBlock{gap: gap, rangeLen: length})
	}
	if ecn {
		if n, err = getVarintAt(b, n, &f.ect0); err != nil {
			return nil, 0, err
		}
		if n, err = getVarintAt(b, n, &f.ect1); err != nil {
			return nil, 0, err
		}
		if n, err = getVarintAt(b, n, &f.ecnCE); err != nil {
			return nil, 0, err
		}
	}
	return f, n, nil
}

func (f *ackFrame) encodedLen() int {
	n := 1
	n += varintLen(f.largestAck) + varintLen(f.ackDelay)
	n += varintLen(uint64(len(f.ranges))) + varintLen(f.firstAckRange)
	for _, r := range f.ranges {
		n += varintLen(r.gap) + varintLen(r.rangeLen)
	}
	if f.ecn {
		n += varintLen(f.ect0) + varintLen(f.ect1) + varintLen(f.ecnCE)
	}
	return n
}

func (f *ackFrame) encode(b []byte) (int, error) {
	typ := uint64(frameTypeAck)
	if f.ecn {
		typ = frameTypeAckECN
	}
	out := appendVarint(b[:0], typ)
	out = appendVarint(out, f.largestAck)
	out = appendVarint(out, f.ackDelay)
	out = appendVarint(out, uint64(len(f.ranges)))
	out = appendVarint(out, f.firstAckRange)
	for _, r := range f.ranges {
		out = appendVarint(out, r.gap)
		out = appendVarint(out, r.rangeLen)
	}
	if f.ecn {
		out = appendVarint(out, f.ect0)
		out = appendVarint(out, f.ect1)
		out = appendVarint(out, f.ecnCE)
	}
	if len(out) > len(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}

func (f *ackFrame) ackEliciting() bool { return false }

// --- RESET_STREAM ---

type resetStreamFrame struct {
	streamID  uint64
	errorCode uint64
	finalSize uint64
}

func newResetStreamFrame(streamID, errorCode, finalSize uint64) *resetStreamFrame {
	return &resetStreamFrame{streamID: streamID, errorCode: errorCode, finalSize: finalSize}
}

func decodeResetStreamFrame(b []byte, n int) (frame, int, error) {
	f := &resetStreamFrame{}
	var err error
	if n, err = getVarintAt(b, n, &f.streamID); err != nil {
		return nil, 0, err
	}
	if n, err = getVarintAt(b, n, &f.errorCode); err != nil {
		return nil, 0, err
	}
	if n, err = getVarintAt(b, n, &f.finalSize); err != nil {
		return nil, 0, err
	}
	return f, n, nil
}

func (f *resetStreamFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.errorCode) + varintLen(f.finalSize)
}
func (f *resetStreamFrame) encode(b []byte) (int, error) {
	out := appendVarint(b[:0], frameTypeResetStream)
	out = appendVarint(out, f.streamID)
	out = appendVarint(out, f.errorCode)
	out = appendVarint(out, f.finalSize)
	if len(out) > len(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}
func (f *resetStreamFrame) ackEliciting() bool { return true }

// --- STOP_SENDING ---

type stopSendingFrame struct {
	streamID  uint64
	errorCode uint64
}

func newStopSendingFrame(streamID, errorCode uint64) *stopSendingFrame {
	return &stopSendingFrame{streamID: streamID, errorCode: errorCode}
}

func decodeStopSendingFrame(b []byte, n int) (frame, int, error) {
	f := &stopSendingFrame{}
	var err error
	if n, err = getVarintAt(b, n, &f.streamID); err != nil {
		return nil, 0, err
	}
	if n, err = getVarintAt(b, n, &f.errorCode); err != nil {
		return nil, 0, err
	}
	return f, n, nil
}

func (f *stopSendingFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.errorCode)
}
func (f *stopSendingFrame) encode(b []byte) (int, error) {
	out := appendVarint(b[:0], frameTypeStopSending)
	out = appendVarint(out, f.streamID)
	out = appendVarint(out, f.errorCode)
	if len(out) > len(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}
func (f *stopSendingFrame) ackEliciting() bool { return true }

// --- CRYPTO ---

type cryptoFrame struct {
	data   []byte
	offset uint64
}

func newCryptoFrame(data []byte, offset uint64) *cryptoFrame {
	return &cryptoFrame{data: data, offset: offset}
}

func decodeCryptoFrame(b []byte, n int) (frame, int, error) {
	f := &cryptoFrame{}
	var err error
	var length uint64
	if n, err = getVarintAt(b, n, &f.offset); err != nil {
		return nil, 0, err
	}
	if n, err = getVarintAt(b, n, &length); err != nil {
		return nil, 0, err
	}
	if uint64(len(b)-n) < length {
		return nil, 0, newError(FrameEncodingError, "crypto data truncated")
	}
	f.data = b[n : n+int(length)]
	n += int(length)
	return f, n, nil
}

func (f *cryptoFrame) encodedLen() int {
	return 1 + varintLen(f.offset) + varintBytesLen(len(f.data))
}
func (f *cryptoFrame) encode(b []byte) (int, error) {
	out := appendVarint(b[:0], frameTypeCrypto)
	out = appendVarint(out, f.offset)
	out = appendVarint(out, uint64(len(f.data)))
	if len(b)-len(out) < len(f.data) {
		return 0, errShortBuffer
	}
	n := copy(b[len(out):], f.data)
	return len(out) + n, nil
}
func (f *cryptoFrame) ackEliciting() bool { return true }

// --- NEW_TOKEN ---

type newTokenFrame struct {
	token []byte
}

func newNewTokenFrame(token []byte) *newTokenFrame { return &newTokenFrame{token: token} }

func decodeNewTokenFrame(b []byte, n int) (frame, int, error) {
	var length uint64
	var err error
	if n, err = getVarintAt(b, n, &length); err != nil {
		return nil, 0, err
	}
	if uint64(len(b)-n) < length {
		return nil, 0, newError(FrameEncodingError, "new_token truncated")
	}
	tok := b[n : n+int(length)]
	return &newTokenFrame{token: tok}, n + int(length), nil
}

func (f *newTokenFrame) encodedLen() int { return 1 + varintBytesLen(len(f.token)) }
func (f *newTokenFrame) encode(b []byte) (int, error) {
	out := appendVarint(b[:0], frameTypeNewToken)
	out = appendVarint(out, uint64(len(f.token)))
	if len(b)-len(out) < len(f.token) {
		return 0, errShortBuffer
	}
	n := copy(b[len(out):], f.token)
	return len(out) + n, nil
}
func (f *newTokenFrame) ackEliciting() bool { return true }

// --- STREAM ---

type streamFrame struct {
	streamID uint64
	data     []byte
	offset   uint64
	fin      bool
	hasLen   bool // whether to encode an explicit length (false only for the last frame in a packet)
}

func newStreamFrame(streamID uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: streamID, data: data, offset: offset, fin: fin, hasLen: true}
}

func decodeStreamFrame(b []byte, n int, typ uint64) (frame, int, error) {
	f := &streamFrame{
		fin:    typ&0x01 != 0,
		hasLen: typ&0x02 != 0,
	}
	hasOffset := typ&0x04 != 0
	var err error
	if n, err = getVarintAt(b, n, &f.streamID); err != nil {
		return nil, 0, err
	}
	if hasOffset {
		if n, err = getVarintAt(b, n, &f.offset); err != nil {
			return nil, 0, err
		}
	}
	if f.hasLen {
		var length uint64
		if n, err = getVarintAt(b, n, &length); err != nil {
			return nil, 0, err
		}
		if uint64(len(b)-n) < length {
			return nil, 0, newError(FrameEncodingError, "stream data truncated")
		}
		f.data = b[n : n+int(length)]
		n += int(length)
	} else {
		f.data = b[n:]
		n = len(b)
	}
	return f, n, nil
}

func (f *streamFrame) encodedLen() int {
	n := 1 + varintLen(f.streamID)
	if f.offset > 0 {
		n += varintLen(f.offset)
	}
	if f.hasLen {
		n += varintBytesLen(len(f.data))
	} else {
		n += len(f.data)
	}
	return n
}

func (f *streamFrame) encode(b []byte) (int, error) {
	typ := uint64(frameTypeStream)
	if f.fin {
		typ |= 0x01
	}
	if f.hasLen {
		typ |= 0x02
	}
	if f.offset > 0 {
		typ |= 0x04
	}
	out := appendVarint(b[:0], typ)
	out = appendVarint(out, f.streamID)
	if f.offset > 0 {
		out = appendVarint(out, f.offset)
	}
	if f.hasLen {
		out = appendVarint(out, uint64(len(f.data)))
	}
	if len(b)-len(out) < len(f.data) {
		return 0, errShortBuffer
	}
	n := copy(b[len(out):], f.data)
	return len(out) + n, nil
}

func (f *streamFrame) ackEliciting() bool { return true }

// --- MAX_DATA ---

type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(max uint64) *maxDataFrame { return &maxDataFrame{maximumData: max} }

func decodeMaxDataFrame(b []byte, n int) (frame, int, error) {
	f := &maxDataFrame{}
	var err error
	if n, err = getVarintAt(b, n, &f.maximumData); err != nil {
		return nil, 0, err
	}
	return f, n, nil
}

func (f *maxDataFrame) encodedLen() int { return 1 + varintLen(f.maximumData) }
func (f *maxDataFrame) encode(b []byte) (int, error) {
	out := appendVarint(b[:0], frameTypeMaxData)
	out = appendVarint(out, f.maximumData)
	if len(out) > len(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}
func (f *maxDataFrame) ackEliciting() bool { return true }

// --- MAX_STREAM_DATA ---

type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(streamID, max uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID: streamID, maximumData: max}
}

func decodeMaxStreamDataFrame(b []byte, n int) (frame, int, error) {
	f := &maxStreamDataFrame{}
	var err error
	if n, err = getVarintAt(b, n, &f.streamID); err != nil {
		return nil, 0, err
	}
	if n, err = getVarintAt(b, n, &f.maximumData); err != nil {
		return nil, 0, err
	}
	return f, n, nil
}

func (f *maxStreamDataFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.maximumData)
}
func (f *maxStreamDataFrame) encode(b []byte) (int, error) {
	out := appendVarint(b[:0], frameTypeMaxStreamData)
	out = appendVarint(out, f.streamID)
	out = appendVarint(out, f.maximumData)
	if len(out) > len(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}
func (f *maxStreamDataFrame) ackEliciting() bool { return true }

// --- MAX_STREAMS ---

type maxStreamsFrame struct {
	maximumStreams uint64
	bidi           bool
}

func newMaxStreamsFrame(max uint64, bidi bool) *maxStreamsFrame {
	return &maxStreamsFrame{maximumStreams: max, bidi: bidi}
}

func decodeMaxStreamsFrame(b []byte, n int, bidi bool) (frame, int, error) {
	f := &maxStreamsFrame{bidi: bidi}
	var err error
	if n, err = getVarintAt(b, n, &f.maximumStreams); err != nil {
		return nil, 0, err
	}
	return f, n, nil
}

func (f *maxStreamsFrame) encodedLen() int { return 1 + varintLen(f.maximumStreams) }
func (f *maxStreamsFrame) encode(b []byte) (int, error) {
	typ := uint64(frameTypeMaxStreamsUni)
	if f.bidi {
		typ = frameTypeMaxStreamsBidi
	}
	out := appendVarint(b[:0], typ)
	out = appendVarint(out, f.maximumStreams)
	if len(out) > len(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}
func (f *maxStreamsFrame) ackEliciting() bool { return true }

// --- DATA_BLOCKED ---

type dataBlockedFrame struct {
	dataLimit uint64
}

func newDataBlockedFrame(limit uint64) *dataBlockedFrame { return &dataBlockedFrame{dataLimit: limit} }

func decodeDataBlockedFrame(b []byte, n int) (frame, int, error) {
	f := &dataBlockedFrame{}
	var err error
	if n, err = getVarintAt(b, n, &f.dataLimit); err != nil {
		return nil, 0, err
	}
	return f, n, nil
}

func (f *dataBlockedFrame) encodedLen() int { return 1 + varintLen(f.dataLimit) }
func (f *dataBlockedFrame) encode(b []byte) (int, error) {
	out := appendVarint(b[:0], frameTypeDataBlocked)
	out = appendVarint(out, f.dataLimit)
	if len(out) > len(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}
func (f *dataBlockedFrame) ackEliciting() bool { return true }

// --- STREAM_DATA_BLOCKED ---

type streamDataBlockedFrame struct {
	streamID  uint64
	dataLimit uint64
}

func newStreamDataBlockedFrame(streamID, limit uint64) *streamDataBlockedFrame {
	return &streamDataBlockedFrame{streamID: streamID, dataLimit: limit}
}

func decodeStreamDataBlockedFrame(b []byte, n int) (frame, int, error) {
	f := &streamDataBlockedFrame{}
	var err error
	if n, err = getVarintAt(b, n, &f.streamID); err != nil {
		return nil, 0, err
	}
	if n, err = getVarintAt(b, n, &f.dataLimit); err != nil {
		return nil, 0, err
	}
	return f, n, nil
}

func (f *streamDataBlockedFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.dataLimit)
}
func (f *streamDataBlockedFrame) encode(b []byte) (int, error) {
	out := appendVarint(b[:0], frameTypeStreamDataBlocked)
	out = appendVarint(out, f.streamID)
	out = appendVarint(out, f.dataLimit)
	if len(out) > len(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}
func (f *streamDataBlockedFrame) ackEliciting() bool { return true }

// --- STREAMS_BLOCKED ---

type streamsBlockedFrame struct {
	streamLimit uint64
	bidi        bool
}

func newStreamsBlockedFrame(limit uint64, bidi bool) *streamsBlockedFrame {
	return &streamsBlockedFrame{streamLimit: limit, bidi: bidi}
}

func decodeStreamsBlockedFrame(b []byte, n int, bidi bool) (frame, int, error) {
	f := &streamsBlockedFrame{bidi: bidi}
	var err error
	if n, err = getVarintAt(b, n, &f.streamLimit); err != nil {
		return nil, 0, err
	}
	return f, n, nil
}

func (f *streamsBlockedFrame) encodedLen() int { return 1 + varintLen(f.streamLimit) }
func (f *streamsBlockedFrame) encode(b []byte) (int, error) {
	typ := uint64(frameTypeStreamsBlockedUni)
	if f.bidi {
		typ = frameTypeStreamsBlockedBidi
	}
	out := appendVarint(b[:0], typ)
	out = appendVarint(out, f.streamLimit)
	if len(out) > len(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}
func (f *streamsBlockedFrame) ackEliciting() bool { return true }

// --- NEW_CONNECTION_ID ---

type newConnectionIDFrame struct {
	sequenceNumber      uint64
	retirePriorTo       uint64
	connectionID        []byte
	statelessResetToken [16]byte
}

func newNewConnectionIDFrame(seq, retire uint64, cid []byte, srt [16]byte) *newConnectionIDFrame {
	return &newConnectionIDFrame{sequenceNumber: seq, retirePriorTo: retire, connectionID: cid, statelessResetToken: srt}
}

func decodeNewConnectionIDFrame(b []byte, n int) (frame, int, error) {
	f := &newConnectionIDFrame{}
	var err error
	var length uint64
	if n, err = getVarintAt(b, n, &f.sequenceNumber); err != nil {
		return nil, 0, err
	}
	if n, err = getVarintAt(b, n, &f.retirePriorTo); err != nil {
		return nil, 0, err
	}
	if n >= len(b) {
		return nil, 0, newError(FrameEncodingError, "new_connection_id truncated")
	}
	length = uint64(b[n])
	n++
	if length > MaxCIDLength || uint64(len(b)-n) < length+16 {
		return nil, 0, newError(FrameEncodingError, "new_connection_id truncated")
	}
	f.connectionID = append([]byte(nil), b[n:n+int(length)]...)
	n += int(length)
	copy(f.statelessResetToken[:], b[n:n+16])
	n += 16
	return f, n, nil
}

func (f *newConnectionIDFrame) encodedLen() int {
	return 1 + varintLen(f.sequenceNumber) + varintLen(f.retirePriorTo) + 1 + len(f.connectionID) + 16
}
func (f *newConnectionIDFrame) encode(b []byte) (int, error) {
	out := appendVarint(b[:0], frameTypeNewConnectionID)
	out = appendVarint(out, f.sequenceNumber)
	out = appendVarint(out, f.retirePriorTo)
	if len(b)-len(out) < 1+len(f.connectionID)+16 {
		return 0, errShortBuffer
	}
	out = append(out, byte(len(f.connectionID)))
	out = append(out, f.connectionID...)
	out = append(out, f.statelessResetToken[:]...)
	return len(out), nil
}
func (f *newConnectionIDFrame) ackEliciting() bool { return true }

// --- RETIRE_CONNECTION_ID ---

type retireConnectionIDFrame struct {
	sequenceNumber uint64
}

func newRetireConnectionIDFrame(seq uint64) *retireConnectionIDFrame {
	return &retireConnectionIDFrame{sequenceNumber: seq}
}

func decodeRetireConnectionIDFrame(b []byte, n int) (frame, int, error) {
	f := &retireConnectionIDFrame{}
	var err error
	if n, err = getVarintAt(b, n, &f.sequenceNumber); err != nil {
		return nil, 0, err
	}
	return f, n, nil
}

func (f *retireConnectionIDFrame) encodedLen() int { return 1 + varintLen(f.sequenceNumber) }
func (f *retireConnectionIDFrame) encode(b []byte) (int, error) {
	out := appendVarint(b[:0], frameTypeRetireConnectionID)
	out = appendVarint(out, f.sequenceNumber)
	if len(out) > len(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}
func (f *retireConnectionIDFrame) ackEliciting() bool { return true }

// --- PATH_CHALLENGE / PATH_RESPONSE ---

type pathChallengeFrame struct {
	data [8]byte
}

func newPathChallengeFrame(data [8]byte) *pathChallengeFrame { return &pathChallengeFrame{data: data} }

func decodePathChallengeFrame(b []byte, n int) (frame, int, error) {
	if len(b)-n < 8 {
		return nil, 0, newError(FrameEncodingError, "path_challenge truncated")
	}
	f := &pathChallengeFrame{}
	copy(f.data[:], b[n:n+8])
	return f, n + 8, nil
}

func (f *pathChallengeFrame) encodedLen() int { return 1 + 8 }
func (f *pathChallengeFrame) encode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, errShortBuffer
	}
	out := appendVarint(b[:0], frameTypePathChallenge)
	out = append(out, f.data[:]...)
	return len(out), nil
}
func (f *pathChallengeFrame) ackEliciting() bool { return true }

type pathResponseFrame struct {
	data [8]byte
}

func newPathResponseFrame(data [8]byte) *pathResponseFrame { return &pathResponseFrame{data: data} }

func decodePathResponseFrame(b []byte, n int) (frame, int, error) {
	if len(b)-n < 8 {
		return nil, 0, newError(FrameEncodingError, "path_response truncated")
	}
	f := &pathResponseFrame{}
	copy(f.data[:], b[n:n+8])
	return f, n + 8, nil
}

func (f *pathResponseFrame) encodedLen() int { return 1 + 8 }
func (f *pathResponseFrame) encode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, errShortBuffer
	}
	out := appendVarint(b[:0], frameTypePathResponse)
	out = append(out, f.data[:]...)
	return len(out), nil
}
func (f *pathResponseFrame) ackEliciting() bool { return true }

// --- CONNECTION_CLOSE ---

type connectionCloseFrame struct {
	errorCode    uint64
	frameType    uint64 // 0 if not applicable; transport variant only
	reasonPhrase []byte
	application  bool
}

func newConnectionCloseFrame(errorCode, frameType uint64, reason []byte, application bool) *connectionCloseFrame {
	return &connectionCloseFrame{errorCode: errorCode, frameType: frameType, reasonPhrase: reason, application: application}
}

func decodeConnectionCloseFrame(b []byte, n int, application bool) (frame, int, error) {
	f := &connectionCloseFrame{application: application}
	var err error
	if n, err = getVarintAt(b, n, &f.errorCode); err != nil {
		return nil, 0, err
	}
	if !application {
		if n, err = getVarintAt(b, n, &f.frameType); err != nil {
			return nil, 0, err
		}
	}
	var length uint64
	if n, err = getVarintAt(b, n, &length); err != nil {
		return nil, 0, err
	}
	if uint64(len(b)-n) < length {
		return nil, 0, newError(FrameEncodingError, "connection_close reason truncated")
	}
	f.reasonPhrase = append([]byte(nil), b[n:n+int(length)]...)
	n += int(length)
	return f, n, nil
}

func (f *connectionCloseFrame) encodedLen() int {
	n := 1 + varintLen(f.errorCode)
	if !f.application {
		n += varintLen(f.frameType)
	}
	n += varintBytesLen(len(f.reasonPhrase))
	return n
}

func (f *connectionCloseFrame) encode(b []byte) (int, error) {
	typ := uint64(frameTypeConnectionClose)
	if f.application {
		typ = frameTypeConnectionCloseApp
	}
	out := appendVarint(b[:0], typ)
	out = appendVarint(out, f.errorCode)
	if !f.application {
		out = appendVarint(out, f.frameType)
	}
	out = appendVarint(out, uint64(len(f.reasonPhrase)))
	if len(b)-len(out) < len(f.reasonPhrase) {
		return 0, errShortBuffer
	}
	n := copy(b[len(out):], f.reasonPhrase)
	return len(out) + n, nil
}

// CONNECTION_CLOSE never elicits an ACK (RFC 9000 section 13.2.1):
// replying to it would risk an infinite close/ack loop between peers.
func (f *connectionCloseFrame) ackEliciting() bool { return false }

// --- HANDSHAKE_DONE ---

type handshakeDoneFrame struct{}

func (f *handshakeDoneFrame) encodedLen() int { return 1 }
func (f *handshakeDoneFrame) encode(b []byte) (int, error) {
	return putFrameType(b, frameTypeHandshakeDone)
}
func (f *handshakeDoneFrame) ackEliciting() bool { return true }

// --- shared helpers ---

func putFrameType(b []byte, typ uint64) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	out := appendVarint(b[:0], typ)
	return len(out), nil
}

// getVarintAt reads a varint starting at offset n in b, returning the
// new offset; it's the workhorse of every frame decoder above.
func getVarintAt(b []byte, n int, v *uint64) (int, error) {
	if n > len(b) {
		return 0, newError(FrameEncodingError, "frame truncated")
	}
	m := getVarint(b[n:], v)
	if m == 0 {
		return 0, newError(FrameEncodingError, "bad varint")
	}
	return n + m, nil
}
