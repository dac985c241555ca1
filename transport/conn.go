package transport

import (
	"bytes"
	"crypto/rand"
	"crypto/tls"
	"io"
	"time"
)

type connectionState uint8

const (
	stateAttempted connectionState = iota
	stateHandshake
	stateActive
	stateDraining
	stateClosed
)

// maxCryptoFrameOverhead/maxStreamFrameOverhead bound the varint type,
// id, offset and length fields a CRYPTO or STREAM frame adds around
// its payload, so sendFrameCrypto/sendFrameStream can reserve room for
// them before asking a send buffer for bytes.
const maxCryptoFrameOverhead = 1 + 8 + 8 // type + offset + length, each worst-case 8 bytes
const maxStreamFrameOverhead = 1 + 8 + 8 + 8 // type + stream id + offset + length

// Conn is a single QUIC connection: one peer, three packet-number
// spaces, and the stream/flow-control state layered on top of the
// handshake.
type Conn struct {
	isClient bool
	version  uint32
	config   *Config

	scid  []byte // source connection id, ours
	dcid  []byte // current destination connection id, the peer's
	odcid []byte // original destination cid, for transport-parameter validation
	rscid []byte // retry source cid, set once a Retry is processed
	token []byte // address-validation token to echo in our Initial packets

	packetNumberSpaces [packetSpaceCount]packetNumberSpace
	streams            streamMap
	peerCIDs           cidSet

	localParams Parameters
	peerParams  Parameters

	handshake tlsHandshake
	recovery  recovery
	flow      flowControl

	state                 connectionState
	gotPeerCID            bool
	didRetry              bool
	didVersionNegotiation bool
	ackElicitingSent      bool // an ack-eliciting packet has been sent since the last packet we received
	handshakeConfirmed    bool
	derivedInitialSecrets bool

	closeFrame      *connectionCloseFrame
	closeRetransmit bool // re-send closeFrame once more: a packet arrived while draining

	newTokenSent     bool
	receivedNewToken []byte
	peerAddr         []byte // set via SetPeerAddress, used only to key NEW_TOKEN issuance

	pendingRetireCIDs   []uint64
	pendingPathResponse *pathResponseFrame

	addressValidated          bool
	recvBytesForAmplification uint64
	sentBytesForAmplification uint64

	idleTimer     time.Time
	drainingTimer time.Time

	events []Event

	logEventFn func(LogEvent)
}

// Connect creates a client connection.
func Connect(scid []byte, config *Config) (*Conn, error) {
	return newConn(config, scid, nil, true)
}

// Accept creates a server connection. odcid, when non-empty, signals
// that the caller already validated the client's address (typically
// via a Retry token) before constructing this Conn.
func Accept(scid, odcid []byte, config *Config) (*Conn, error) {
	return newConn(config, scid, odcid, false)
}

func newConn(config *Config, scid, odcid []byte, isClient bool) (*Conn, error) {
	if config == nil {
		return nil, newError(InternalError, "config required")
	}
	if len(scid) > MaxCIDLength || len(odcid) > MaxCIDLength {
		return nil, newError(ProtocolViolation, "cid too long")
	}
	s := &Conn{
		version:     config.version(),
		isClient:    isClient,
		config:      config,
		localParams: config.Params,
		state:       stateAttempted,
	}
	for i := range s.packetNumberSpaces {
		s.packetNumberSpaces[i] = packetNumberSpace{space: packetSpace(i)}
	}
	s.streams.init(s.localParams.InitialMaxStreamsBidi, s.localParams.InitialMaxStreamsUni)
	s.flow.init(s.localParams.InitialMaxData, 0)

	if len(scid) > 0 {
		s.scid = append(s.scid[:0], scid...)
	} else {
		s.scid = make([]byte, MaxCIDLength)
		if _, err := io.ReadFull(randReader(config), s.scid); err != nil {
			return nil, err
		}
	}
	s.localParams.InitialSourceCID = s.scid

	if len(odcid) > 0 {
		s.odcid = append(s.odcid[:0], odcid...)
		s.localParams.OriginalDestinationCID = s.odcid
		s.localParams.RetrySourceCID = s.scid
		s.didRetry = true
		s.addressValidated = true
	} else {
		s.localParams.OriginalDestinationCID = nil
		s.localParams.RetrySourceCID = nil
	}

	if isClient {
		s.localParams.StatelessResetToken = nil
		s.dcid = make([]byte, MaxCIDLength)
		if _, err := io.ReadFull(randReader(config), s.dcid); err != nil {
			return nil, err
		}
		if err := s.deriveInitialKeyMaterial(s.dcid); err != nil {
			return nil, err
		}
		s.addressValidated = true
	}

	now := timeNow(config)
	s.recovery.init(now)

	if err := s.handshake.init(isClient, config.TLS, &s.localParams); err != nil {
		return nil, err
	}
	return s, nil
}

func randReader(c *Config) io.Reader {
	if c.TLS != nil && c.TLS.Rand != nil {
		return c.TLS.Rand
	}
	return rand.Reader
}

func timeNow(c *Config) time.Time {
	if c.TLS != nil && c.TLS.Time != nil {
		return c.TLS.Time()
	}
	return time.Now()
}

// SetPeerAddress records the caller's view of the remote address,
// used only to key NEW_TOKEN issuance; the
// engine that owns the socket is the one that knows this.
func (s *Conn) SetPeerAddress(addr []byte) {
	s.peerAddr = append(s.peerAddr[:0], addr...)
}

// Write consumes datagram bytes received from the peer.
func (s *Conn) Write(b []byte) (int, error) {
	now := s.time()
	n := 0
	for n < len(b) {
		if s.state == stateClosed {
			break
		}
		i, err := s.recv(b[n:], now)
		if err != nil {
			return n, err
		}
		n += i
	}
	s.recvBytesForAmplification += uint64(n)
	s.checkTimeout(now)
	return n, nil
}

func (s *Conn) deriveInitialKeyMaterial(cid []byte) error {
	if err := s.packetNumberSpaces[packetSpaceInitial].installInitialKeys(cid, s.isClient); err != nil {
		return err
	}
	s.derivedInitialSecrets = true
	return nil
}

func (s *Conn) recv(b []byte, now time.Time) (int, error) {
	p := packet{header: packetHeader{dcil: uint8(len(s.scid))}}
	if _, err := p.decodeHeader(b); err != nil {
		return 0, err
	}
	switch p.typ {
	case packetTypeVersionNegotiation:
		return s.recvPacketVersionNegotiation(b, &p, now)
	case packetTypeRetry:
		return s.recvPacketRetry(b, &p, now)
	case packetTypeInitial:
		return s.recvPacketInitial(b, &p, now)
	case packetTypeZeroRTT:
		return 0, newError(InternalError, "0-rtt packet not supported")
	case packetTypeHandshake:
		return s.recvPacketHandshake(b, &p, now)
	case packetTypeShort:
		return s.recvPacketShort(b, &p, now)
	default:
		return 0, newError(ProtocolViolation, sprint("unsupported packet type ", p.typ))
	}
}

func (s *Conn) recvPacketVersionNegotiation(b []byte, p *packet, now time.Time) (int, error) {
	if !s.isClient || s.didVersionNegotiation || s.state != stateAttempted ||
		!bytes.Equal(p.header.dcid, s.scid) || !bytes.Equal(p.header.scid, s.dcid) {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	n, err := p.decodeBody(b)
	if err != nil {
		return 0, err
	}
	var newVersion uint32
	for _, v := range p.supportedVersions {
		if versionSupported(v) {
			newVersion = v
			break
		}
	}
	if newVersion == 0 {
		return 0, newError(InternalError, sprint("unsupported versions ", p.supportedVersions))
	}
	s.version = newVersion
	s.didVersionNegotiation = true
	s.restartHandshake()
	s.logPacketReceived(p, now)
	return p.headerLen + n, nil
}

func (s *Conn) recvPacketRetry(b []byte, p *packet, now time.Time) (int, error) {
	if !s.isClient || s.didRetry || s.state != stateAttempted ||
		!bytes.Equal(p.header.dcid, s.scid) || bytes.Equal(p.header.scid, s.dcid) {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	if _, err := p.decodeBody(b); err != nil {
		return 0, err
	}
	if len(p.token) == 0 || !verifyRetryIntegrity(b, s.dcid) {
		return 0, errInvalidToken
	}
	s.didRetry = true
	s.token = append(s.token[:0], p.token...)
	s.odcid = append(s.odcid[:0], s.dcid...)
	s.dcid = append(s.dcid[:0], p.header.scid...)
	s.rscid = s.dcid
	if err := s.deriveInitialKeyMaterial(s.dcid); err != nil {
		return 0, err
	}
	s.restartHandshake()
	s.logPacketReceived(p, now)
	return len(b), nil
}

// restartHandshake rewinds the Initial space and the TLS state
// machine so another Initial can be sent, shared by version
// negotiation and Retry (both restart the handshake from scratch).
func (s *Conn) restartHandshake() {
	s.gotPeerCID = false
	s.recovery.dropUnackedData(packetSpaceInitial)
	s.packetNumberSpaces[packetSpaceInitial].reset()
	s.handshake.reset()
	s.handshake.init(s.isClient, s.handshake.tlsConfig, &s.localParams)
}

func (s *Conn) recvPacketInitial(b []byte, p *packet, now time.Time) (int, error) {
	if s.gotPeerCID && (!bytes.Equal(p.header.dcid, s.scid) || !bytes.Equal(p.header.scid, s.dcid)) {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	if _, err := p.decodeBody(b); err != nil {
		return 0, err
	}
	if !s.derivedInitialSecrets {
		if err := s.deriveInitialKeyMaterial(p.header.dcid); err != nil {
			return 0, err
		}
	}
	if !s.gotPeerCID {
		if s.isClient {
			if len(s.odcid) == 0 {
				s.odcid = append(s.odcid[:0], s.dcid...)
			}
		} else if !s.didRetry {
			s.odcid = append(s.odcid[:0], p.header.dcid...)
			s.localParams.OriginalDestinationCID = s.odcid
		}
		s.dcid = append(s.dcid[:0], p.header.scid...)
		s.gotPeerCID = true
	}
	return s.recvPacket(b, p, packetSpaceInitial, now)
}

func (s *Conn) recvPacketHandshake(b []byte, p *packet, now time.Time) (int, error) {
	if !bytes.Equal(p.header.dcid, s.scid) || !bytes.Equal(p.header.scid, s.dcid) {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	if _, err := p.decodeBody(b); err != nil {
		return 0, err
	}
	return s.recvPacket(b, p, packetSpaceHandshake, now)
}

func (s *Conn) recvPacketShort(b []byte, p *packet, now time.Time) (int, error) {
	if !bytes.Equal(p.header.dcid, s.scid) {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	return s.recvPacket(b, p, packetSpaceApplication, now)
}

func (s *Conn) recvPacket(b []byte, p *packet, space packetSpace, now time.Time) (int, error) {
	pnSpace := &s.packetNumberSpaces[space]
	if !pnSpace.canDecrypt() {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	payload, length, err := pnSpace.decryptPacket(b, p)
	if err != nil {
		if space == packetSpaceApplication && len(b) >= 16 && s.peerCIDs.matchesResetToken(b[len(b)-16:]) {
			debug("received stateless reset")
			s.state = stateDraining
			s.setDraining(now)
			return len(b), nil
		}
		return 0, err
	}
	if pnSpace.isPacketReceived(p.packetNumber) {
		s.logPacketDropped(p, now)
		return length, nil
	}
	s.logPacketReceived(p, now)
	ackEliciting, err := s.recvFrames(payload, space, now)
	if err != nil {
		return 0, err
	}
	s.processAckedPackets(space)
	pnSpace.onPacketReceived(p.packetNumber, now, ackEliciting)

	if s.localParams.MaxIdleTimeout > 0 {
		s.idleTimer = now.Add(s.localParams.MaxIdleTimeout)
	}
	if !s.isClient && space == packetSpaceHandshake && s.state == stateAttempted {
		s.state = stateHandshake
		s.dropPacketSpace(packetSpaceInitial)
		s.addressValidated = true
	}
	if s.closeFrame != nil {
		// RFC 9000 section 10.2.1: resend our own close once more per
		// received packet while draining, rate limited to this flag.
		s.closeRetransmit = true
	}
	s.ackElicitingSent = false
	return length, nil
}

// recvFrames decodes and applies every frame of one packet's payload,
// reporting whether any of them was ack-eliciting.
func (s *Conn) recvFrames(b []byte, space packetSpace, now time.Time) (bool, error) {
	ackElicited := false
	for len(b) > 0 {
		f, n, err := decodeFrame(b, space)
		if err != nil {
			return false, err
		}
		if err := s.applyFrame(f, space, now); err != nil {
			return false, err
		}
		if f.ackEliciting() {
			ackElicited = true
		}
		s.logFrameProcessed(f, now)
		b = b[n:]
	}
	return ackElicited, nil
}

func (s *Conn) applyFrame(f frame, space packetSpace, now time.Time) error {
	switch f := f.(type) {
	case *paddingFrame, *pingFrame:
		return nil
	case *ackFrame:
		return s.recvFrameAck(f, space, now)
	case *resetStreamFrame:
		return s.recvFrameResetStream(f)
	case *stopSendingFrame:
		return s.recvFrameStopSending(f)
	case *cryptoFrame:
		return s.recvFrameCrypto(f, space)
	case *newTokenFrame:
		return s.recvFrameNewToken(f)
	case *streamFrame:
		return s.recvFrameStream(f)
	case *maxDataFrame:
		return s.recvFrameMaxData(f)
	case *maxStreamDataFrame:
		return s.recvFrameMaxStreamData(f)
	case *maxStreamsFrame:
		return s.recvFrameMaxStreams(f)
	case *dataBlockedFrame, *streamDataBlockedFrame, *streamsBlockedFrame:
		// We never refuse credit, so these carry no action beyond logging.
		return nil
	case *newConnectionIDFrame:
		return s.recvFrameNewConnectionID(f)
	case *retireConnectionIDFrame:
		return s.recvFrameRetireConnectionID(f)
	case *pathChallengeFrame:
		return s.recvFramePathChallenge(f)
	case *pathResponseFrame:
		return nil // we never send PATH_CHALLENGE ourselves in this module
	case *connectionCloseFrame:
		return s.recvFrameConnectionClose(f, now)
	case *handshakeDoneFrame:
		return s.recvFrameHandshakeDone()
	default:
		return newError(FrameEncodingError, "unrecognized frame")
	}
}

func (s *Conn) recvFrameAck(f *ackFrame, space packetSpace, now time.Time) error {
	pnSpace := &s.packetNumberSpaces[space]
	if pnSpace.nextPacketNumber == 0 || f.largestAck > pnSpace.nextPacketNumber-1 {
		return newError(ProtocolViolation, "ack for a packet number never sent in this space")
	}
	ranges := fromWireRanges(f.largestAck, f.firstAckRange, f.ranges)
	if ranges == nil {
		return newError(FrameEncodingError, "invalid ack ranges")
	}
	ackDelay := time.Duration((uint64(1)<<s.peerParams.AckDelayExponent)*f.ackDelay) * time.Microsecond
	s.recovery.onAckReceived(ranges, ackDelay, space, now)
	if f.largestAck > pnSpace.largestAcked || !pnSpace.largestAckedSet {
		pnSpace.largestAcked = f.largestAck
		pnSpace.largestAckedSet = true
	}

	if !pnSpace.firstPacketAcked {
		pnSpace.firstPacketAcked = true
		// RFC 9001 section 4.1.2: the first ACK for a 1-RTT packet the
		// client sees after the handshake is the confirmation signal.
		if space == packetSpaceApplication && s.state == stateActive {
			s.dropPacketSpace(packetSpaceHandshake)
			if s.isClient {
				s.handshakeConfirmed = true
			}
		}
	}
	return nil
}

func (s *Conn) recvFrameResetStream(f *resetStreamFrame) error {
	local := isStreamLocal(f.streamID, s.isClient)
	bidi := isStreamBidi(f.streamID)
	if local && !bidi {
		return newError(StreamStateError, sprint("reset of our send-only stream ", f.streamID))
	}
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	credit, err := st.applyReset(f.finalSize)
	if err != nil {
		return err
	}
	if s.flow.canRecv() < uint64(credit) {
		return errFlowControl
	}
	s.flow.addRecv(credit)
	s.addEvent(newStreamResetEvent(f.streamID, f.errorCode))
	return nil
}

func (s *Conn) recvFrameStopSending(f *stopSendingFrame) error {
	local := isStreamLocal(f.streamID, s.isClient)
	if local && s.streams.get(f.streamID) == nil {
		return newError(StreamStateError, sprint("stop sending unknown local stream ", f.streamID))
	}
	if !isStreamBidi(f.streamID) && !local {
		return newError(StreamStateError, sprint("stop sending our receive-only stream ", f.streamID))
	}
	s.addEvent(newStreamStopEvent(f.streamID, f.errorCode))
	return nil
}

func (s *Conn) recvFrameCrypto(f *cryptoFrame, space packetSpace) error {
	ps := &s.packetNumberSpaces[space]
	ps.pushHandshakeData(f.data, f.offset)
	if data := ps.drainHandshakeData(); len(data) > 0 {
		if err := s.handshake.feedCrypto(levelForSpace(space), data); err != nil {
			return err
		}
	}
	return s.doHandshake()
}

func (s *Conn) recvFrameNewToken(f *newTokenFrame) error {
	if !s.isClient {
		return newError(ProtocolViolation, "unexpected new_token frame")
	}
	s.receivedNewToken = append(s.receivedNewToken[:0], f.token...)
	return nil
}

// NewToken returns the most recent NEW_TOKEN value the server has
// sent us, for the application to persist across reconnects.
func (s *Conn) NewToken() []byte { return s.receivedNewToken }

func (s *Conn) recvFrameStream(f *streamFrame) error {
	local := isStreamLocal(f.streamID, s.isClient)
	if local && !isStreamBidi(f.streamID) {
		return newError(StreamStateError, "writing not permitted on peer's receive-only view of our stream")
	}
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	credit, err := st.pushRecv(f.data, f.offset, f.fin)
	if err != nil {
		return err
	}
	if s.flow.canRecv() < uint64(credit) {
		return errFlowControl
	}
	s.flow.addRecv(credit)
	s.addEvent(newStreamRecvEvent(f.streamID))
	return nil
}

func (s *Conn) recvFrameMaxData(f *maxDataFrame) error {
	s.flow.setMaxSend(f.maximumData)
	return nil
}

func (s *Conn) recvFrameMaxStreamData(f *maxStreamDataFrame) error {
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	st.flow.setMaxSend(f.maximumData)
	return nil
}

func (s *Conn) recvFrameMaxStreams(f *maxStreamsFrame) error {
	if f.bidi {
		s.streams.setPeerMaxStreamsBidi(f.maximumStreams)
	} else {
		s.streams.setPeerMaxStreamsUni(f.maximumStreams)
	}
	return nil
}

func (s *Conn) recvFrameNewConnectionID(f *newConnectionIDFrame) error {
	toRetire, err := s.peerCIDs.onNewConnectionID(f.sequenceNumber, f.retirePriorTo, f.connectionID, f.statelessResetToken, s.localParams.ActiveConnectionIDLimit)
	s.pendingRetireCIDs = append(s.pendingRetireCIDs, toRetire...)
	return err
}

func (s *Conn) recvFrameRetireConnectionID(f *retireConnectionIDFrame) error {
	// Our own CID is fixed for the life of the connection in this
	// module, so retiring one of our issued sequence numbers is a
	// no-op beyond acknowledging the request. f.sequenceNumber isn't
	// range-checked against anything we actually issued: an out-of-range
	// or already-retired sequence number is just as harmless to ignore.
	return nil
}

func (s *Conn) recvFramePathChallenge(f *pathChallengeFrame) error {
	s.pendingPathResponse = newPathResponseFrame(f.data)
	return nil
}

func (s *Conn) recvFrameConnectionClose(f *connectionCloseFrame, now time.Time) error {
	s.state = stateDraining
	s.setDraining(now)
	s.addEvent(newConnCloseEvent(f.errorCode))
	return nil
}

func (s *Conn) recvFrameHandshakeDone() error {
	if !s.isClient {
		return newError(ProtocolViolation, "unexpected handshake_done frame")
	}
	if s.state == stateActive && !s.handshakeConfirmed {
		s.dropPacketSpace(packetSpaceHandshake)
		s.handshakeConfirmed = true
	}
	return nil
}

// processAckedPackets applies the per-frame effects of every packet
// just confirmed acked in space: retiring sent CRYPTO/STREAM bytes,
// clearing flow-control pending flags, and surfacing stream
// completion.
func (s *Conn) processAckedPackets(space packetSpace) {
	pnSpace := &s.packetNumberSpaces[space]
	s.recovery.drainAcked(space, func(f frame) {
		switch f := f.(type) {
		case *ackFrame:
			pnSpace.recvRanges.removeUntil(f.largestAck)
		case *cryptoFrame:
			pnSpace.cryptoSend.ack(f.offset, uint64(len(f.data)))
		case *streamFrame:
			if st := s.streams.get(f.streamID); st != nil {
				st.send.ack(f.offset, uint64(len(f.data)))
				if st.send.complete() {
					s.addEvent(newStreamCompleteEvent(f.streamID))
				}
			}
		case *maxStreamDataFrame:
			if st := s.streams.get(f.streamID); st != nil {
				st.ackMaxData()
			}
		}
	})
}

// doHandshake pumps the TLS provider and, once it reports completion,
// validates the peer's transport parameters and moves the connection
// to the active state.
func (s *Conn) doHandshake() error {
	if s.state >= stateActive {
		return nil
	}
	if err := s.handshake.pump(s); err != nil {
		return err
	}
	if s.handshake.HandshakeComplete() {
		params, ok := s.handshake.PeerTransportParams()
		if !ok {
			return newError(TransportParameterError, "missing peer transport parameters")
		}
		if err := s.validatePeerTransportParams(&params); err != nil {
			return err
		}
		s.flow.setMaxSend(params.InitialMaxData)
		s.streams.setPeerMaxStreamsBidi(params.InitialMaxStreamsBidi)
		s.streams.setPeerMaxStreamsUni(params.InitialMaxStreamsUni)
		if params.MaxAckDelay > 0 {
			s.recovery.maxAckDelay = params.MaxAckDelay
		}
		s.peerParams = params
		s.state = stateActive
		s.addEvent(newConnHandshakeCompleteEvent())
	}
	return nil
}

// pnSpaceFor satisfies tls.go's cryptoSink interface, letting
// tlsHandshake.pump install keys and queue CRYPTO data directly into
// the right packet-number space.
func (s *Conn) pnSpaceFor(level tls.QUICEncryptionLevel) *packetNumberSpace {
	return &s.packetNumberSpaces[spaceForLevel(level)]
}

func spaceForLevel(level tls.QUICEncryptionLevel) packetSpace {
	switch level {
	case tls.QUICEncryptionLevelInitial:
		return packetSpaceInitial
	case tls.QUICEncryptionLevelHandshake:
		return packetSpaceHandshake
	default:
		return packetSpaceApplication
	}
}

func levelForSpace(space packetSpace) tls.QUICEncryptionLevel {
	switch space {
	case packetSpaceInitial:
		return tls.QUICEncryptionLevelInitial
	case packetSpaceHandshake:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

// validatePeerTransportParams checks the connection-id parameters
// each side must echo back per RFC 9000 section 7.3's authentication
// of connection IDs.
//
// Client                                                  Server
// Initial: DCID=S1, SCID=C1 ->
//                                     <- Retry: DCID=C1, SCID=S2
// Initial: DCID=S2, SCID=C1 ->
//                                   <- Initial: DCID=C1, SCID=S3
// 1-RTT: DCID=S3 ->
//                                              <- 1-RTT: DCID=C1
func (s *Conn) validatePeerTransportParams(p *Parameters) error {
	if len(p.InitialSourceCID) == 0 || !bytes.Equal(p.InitialSourceCID, s.dcid) {
		return newError(TransportParameterError, "initial source cid")
	}
	if s.isClient {
		if !bytes.Equal(p.OriginalDestinationCID, s.odcid) {
			return newError(TransportParameterError, "original destination cid")
		}
	} else {
		if len(p.OriginalDestinationCID) > 0 {
			return newError(TransportParameterError, "original destination cid")
		}
		if len(p.StatelessResetToken) > 0 {
			return newError(TransportParameterError, "reset token")
		}
	}
	if len(s.rscid) > 0 && !bytes.Equal(p.RetrySourceCID, s.rscid) {
		return newError(TransportParameterError, "retry source cid")
	}
	return nil
}

// Read produces up to len(b) bytes of the next datagram to send, or
// (0, nil) when there is nothing to send right now.
func (s *Conn) Read(b []byte) (int, error) {
	now := s.time()
	if !s.drainingTimer.IsZero() {
		if s.closeFrame == nil || !s.closeRetransmit {
			return 0, nil
		}
		s.closeRetransmit = false
		return s.send(b, s.latestWriteSpace(), now)
	}
	if err := s.doHandshake(); err != nil {
		return 0, err
	}
	space := s.writeSpace()
	if space == packetSpaceCount {
		return 0, nil
	}
	avail := len(b)
	if !s.isClient && !s.addressValidated {
		if limit := s.amplificationLimit(); limit < avail {
			if limit <= 0 {
				return 0, nil
			}
			avail = limit
		}
	}
	n, err := s.send(b[:avail], space, now)
	if err != nil {
		return 0, err
	}
	s.sentBytesForAmplification += uint64(n)
	// Coalesce packets across spaces while the handshake is in flight.
	// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#packet-coalesce
	if space < packetSpaceApplication {
		boundAvail := minInt(s.maxPacketSize(), len(b))
		if boundAvail-n >= 96 {
			nextSpace := s.writeSpace()
			if nextSpace < packetSpaceCount && nextSpace > space {
				m, err := s.send(b[n:boundAvail], nextSpace, now)
				if err != nil {
					return 0, err
				}
				s.sentBytesForAmplification += uint64(m)
				return n + m, nil
			}
		}
	}
	return n, nil
}

// amplificationLimit returns how many more bytes we may send before
// the server's address-validation has been confirmed (RFC 9000
// section 8.1: at most 3x what we have received).
func (s *Conn) amplificationLimit() int {
	limit := int(3*s.recvBytesForAmplification) - int(s.sentBytesForAmplification)
	if limit < 0 {
		return 0
	}
	return limit
}

func (s *Conn) send(b []byte, space packetSpace, now time.Time) (int, error) {
	pnSpace := &s.packetNumberSpaces[space]
	if !pnSpace.canEncrypt() {
		return 0, newError(InternalError, sprint("cannot encrypt space ", space.String()))
	}
	avail := minInt(s.maxPacketSize(), len(b))
	pn := pnSpace.allocatePacketNumber()
	p := packet{
		typ: packetTypeFromSpace(space),
		header: packetHeader{
			version: s.version,
			dcid:    s.dcid,
			scid:    s.scid,
		},
		token:           s.token,
		packetNumber:    pn,
		packetNumberLen: encodedPacketNumberLen(pn, pnSpace.largestAcked),
		payloadLen:      avail,
	}
	overhead := pnSpace.sendKeys.aead.Overhead()
	pktOverhead := p.encodedLen() + overhead - p.payloadLen
	left := avail - pktOverhead
	if left <= minPayloadLength {
		return 0, errShortBuffer
	}
	s.processLostPackets(space)
	op := newOutgoingPacket(p.packetNumber, now)
	p.payloadLen = s.sendFrames(op, space, left, now)
	if len(op.frames) == 0 {
		return 0, nil
	}
	left -= p.payloadLen
	if s.isClient && p.typ == packetTypeInitial {
		n := MinInitialPacketSize - pktOverhead - p.payloadLen
		if n > 0 {
			if n > left {
				return 0, errShortBuffer
			}
			op.addFrame(newPaddingFrame(n))
			p.payloadLen += n
			left -= n
		}
	}
	if p.payloadLen < minPayloadLength {
		n := minPayloadLength - p.payloadLen
		if n > left {
			return 0, errShortBuffer
		}
		op.addFrame(newPaddingFrame(n))
		p.payloadLen += n
	}
	p.payloadLen += overhead
	p.keyPhase = pnSpace.keyPhase
	payloadOffset, err := p.encode(b)
	if err != nil {
		return 0, err
	}
	n, err := encodeFrames(b[payloadOffset:], op.frames)
	if err != nil {
		return 0, err
	}
	n += payloadOffset + overhead
	if n != payloadOffset+p.payloadLen || n > len(b) {
		return 0, newError(InternalError, sprint("encoded payload length ", n, " exceeded buffer ", len(b)))
	}
	if err := pnSpace.encryptPacket(b[:n], &p); err != nil {
		return 0, err
	}
	op.size = uint64(n)
	s.onPacketSent(op, space)
	s.logPacketSent(&p, op.frames, now)
	if s.isClient && p.typ == packetTypeHandshake && s.state == stateAttempted {
		s.state = stateHandshake
		s.dropPacketSpace(packetSpaceInitial)
	}
	return n, nil
}

// writeSpace picks which packet-number space has something ready to
// send right now, preferring the lowest (earliest in the handshake).
func (s *Conn) writeSpace() packetSpace {
	if s.closeFrame != nil || s.recovery.probes > 0 {
		return s.latestWriteSpace()
	}
	for i := packetSpaceInitial; i < packetSpaceCount; i++ {
		if i == packetSpaceApplication && s.state < stateActive {
			continue
		}
		if !s.packetNumberSpaces[i].ready() {
			continue
		}
		if s.packetNumberSpaces[i].pending.shouldSend(s.time(), s.peerAckDelay()) {
			return i
		}
		if s.packetNumberSpaces[i].cryptoSend.hasPending() {
			return i
		}
		if len(s.recovery.lost[i]) > 0 {
			return i
		}
	}
	if s.state >= stateActive {
		if s.flow.pending || len(s.pendingRetireCIDs) > 0 || s.pendingPathResponse != nil {
			return packetSpaceApplication
		}
		if s.streams.hasFlushable() {
			return packetSpaceApplication
		}
		if !s.isClient && s.state == stateActive && !s.handshakeConfirmed {
			return packetSpaceApplication // HANDSHAKE_DONE still to send
		}
	}
	return packetSpaceCount
}

// latestWriteSpace returns the highest space with keys installed,
// used for probes and for re-sending our own CONNECTION_CLOSE.
func (s *Conn) latestWriteSpace() packetSpace {
	for i := packetSpaceApplication; i > packetSpaceInitial; i-- {
		if s.packetNumberSpaces[i].canEncrypt() {
			return i
		}
	}
	return packetSpaceInitial
}

func (s *Conn) peerAckDelay() time.Duration {
	if s.recovery.maxAckDelay > 0 {
		return s.recovery.maxAckDelay
	}
	return 25 * time.Millisecond
}

func (s *Conn) maxPacketSize() int {
	if s.state >= stateActive && s.peerParams.MaxUDPPayloadSize > 0 {
		n := int(s.peerParams.MaxUDPPayloadSize)
		if n >= MinInitialPacketSize && n <= MaxPacketSize {
			return n
		}
	}
	return MinInitialPacketSize
}

func (s *Conn) processLostPackets(space packetSpace) {
	pnSpace := &s.packetNumberSpaces[space]
	s.recovery.drainLost(space, func(f frame) {
		switch f := f.(type) {
		case *cryptoFrame:
			pnSpace.cryptoSend.push(f.data, f.offset, false)
		case *streamFrame:
			if st := s.streams.get(f.streamID); st != nil {
				st.send.push(f.data, f.offset, f.fin)
			}
		case *handshakeDoneFrame:
			s.handshakeConfirmed = false
		}
	})
}

func (s *Conn) sendFrames(op *outgoingPacket, space packetSpace, left int, now time.Time) int {
	pnSpace := &s.packetNumberSpaces[space]
	payloadLen := 0

	if s.closeFrame != nil {
		n := s.closeFrame.encodedLen()
		if left >= n {
			op.addFrame(s.closeFrame)
			payloadLen += n
			left -= n
			s.setDraining(now)
		}
		return payloadLen
	}

	if f := s.sendFrameAck(pnSpace, now); f != nil {
		n := f.encodedLen()
		if left >= n {
			op.addFrame(f)
			payloadLen += n
			left -= n
			pnSpace.pending.sent()
		}
	}
	if f := s.sendFrameCrypto(pnSpace, left); f != nil {
		n := f.encodedLen()
		op.addFrame(f)
		payloadLen += n
		left -= n
	}
	if space == packetSpaceApplication {
		if f := s.sendFrameHandshakeDone(); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				s.handshakeConfirmed = true
			}
		}
		if f := s.sendFrameNewToken(); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
			}
		}
		if f := s.sendFrameMaxData(); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				s.flow.commitMaxRecv()
			}
		}
		for id, st := range s.streams.streams {
			if f := s.sendFrameMaxStreamData(id, st); f != nil {
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					st.flow.commitMaxRecv()
				}
			}
		}
		for len(s.pendingRetireCIDs) > 0 {
			f := newRetireConnectionIDFrame(s.pendingRetireCIDs[0])
			n := f.encodedLen()
			if left < n {
				break
			}
			op.addFrame(f)
			payloadLen += n
			left -= n
			s.pendingRetireCIDs = s.pendingRetireCIDs[1:]
		}
		if s.pendingPathResponse != nil {
			n := s.pendingPathResponse.encodedLen()
			if left >= n {
				op.addFrame(s.pendingPathResponse)
				payloadLen += n
				left -= n
				s.pendingPathResponse = nil
			}
		}
		for id, st := range s.streams.streams {
			if f := s.sendFrameStream(id, st, left); f != nil {
				n := f.encodedLen()
				op.addFrame(f)
				payloadLen += n
				left -= n
			}
		}
	}
	if s.recovery.probes > 0 && left >= 1 {
		f := &pingFrame{}
		op.addFrame(f)
		payloadLen += f.encodedLen()
		left--
		s.recovery.probes--
	}
	return payloadLen
}

func (s *Conn) onPacketSent(op *outgoingPacket, space packetSpace) {
	s.recovery.onPacketSent(op, space)
	if op.ackEliciting {
		if !s.ackElicitingSent && s.localParams.MaxIdleTimeout > 0 {
			s.idleTimer = op.timeSent.Add(s.localParams.MaxIdleTimeout)
		}
		s.ackElicitingSent = true
	}
}

// Timeout returns the duration until the next timer event the caller
// must arm a wakeup for; a negative value means no timer is armed.
func (s *Conn) Timeout() time.Duration {
	if s.state == stateClosed {
		return -1
	}
	deadline := s.drainingTimer
	if deadline.IsZero() {
		deadline = s.recovery.lossDetectionTimer
		if deadline.IsZero() {
			deadline = s.idleTimer
			if deadline.IsZero() {
				return -1
			}
		}
	}
	if timeout := time.Until(deadline); timeout > 0 {
		return timeout
	}
	return 0
}

func (s *Conn) checkTimeout(now time.Time) {
	if !s.drainingTimer.IsZero() && !now.Before(s.drainingTimer) {
		s.state = stateClosed
		return
	}
	if !s.idleTimer.IsZero() && !now.Before(s.idleTimer) {
		s.state = stateClosed
		return
	}
	s.recovery.onLossDetectionTimeout(now)
}

// Close begins a graceful shutdown: a CONNECTION_CLOSE is queued for
// the next Read call and the connection moves to the draining state.
func (s *Conn) Close(app bool, errCode uint64, reason string) {
	if !s.drainingTimer.IsZero() || s.closeFrame != nil {
		return
	}
	s.closeFrame = newConnectionCloseFrame(errCode, 0, []byte(reason), app)
	s.state = stateDraining
}

func (s *Conn) IsEstablished() bool { return s.state == stateActive }
func (s *Conn) IsClosed() bool      { return s.state == stateClosed }

// Events appends every event posted since the last call to events and
// drains the internal queue.
func (s *Conn) Events(events []Event) []Event {
	events = append(events, s.events...)
	s.events = s.events[:0]
	return events
}

// Stream returns the stream named by id, opening it locally if it
// does not exist yet. Client-initiated streams use even ids,
// server-initiated streams use odd ids.
func (s *Conn) Stream(id uint64) (*Stream, error) {
	return s.getOrCreateStream(id, true)
}

func (s *Conn) sendFrameAck(pnSpace *packetNumberSpace, now time.Time) *ackFrame {
	if !pnSpace.pending.shouldSend(now, s.peerAckDelay()) {
		return nil
	}
	largestAck, firstRange, rest := pnSpace.recvRanges.toWireRanges()
	ackDelay := uint64(now.Sub(pnSpace.pending.largestRecvTime).Microseconds())
	ackDelay >>= s.localAckDelayExponent()
	return newAckFrame(largestAck, ackDelay, firstRange, rest)
}

func (s *Conn) localAckDelayExponent() uint64 {
	if s.localParams.AckDelayExponent > 0 {
		return s.localParams.AckDelayExponent
	}
	return DefaultParameters().AckDelayExponent
}

func (s *Conn) sendFrameCrypto(pnSpace *packetNumberSpace, left int) *cryptoFrame {
	left -= maxCryptoFrameOverhead
	if left <= 0 {
		return nil
	}
	data, offset, _, ok := pnSpace.cryptoSend.popSend(left)
	if !ok || len(data) == 0 {
		return nil
	}
	return newCryptoFrame(data, offset)
}

func (s *Conn) sendFrameStream(id uint64, st *Stream, left int) *streamFrame {
	left -= maxStreamFrameOverhead
	if left <= 0 {
		return nil
	}
	data, offset, fin, ok := st.popSend(left)
	if !ok {
		return nil
	}
	if len(data) == 0 && !fin {
		return nil
	}
	return newStreamFrame(id, data, offset, fin)
}

func (s *Conn) sendFrameMaxData() *maxDataFrame {
	if s.flow.shouldDoubleAtHalf() {
		s.flow.doubleMaxRecv()
	}
	if !s.flow.pending {
		return nil
	}
	return newMaxDataFrame(s.flow.maxRecvNext)
}

func (s *Conn) sendFrameMaxStreamData(id uint64, st *Stream) *maxStreamDataFrame {
	if !st.flow.pending {
		return nil
	}
	return newMaxStreamDataFrame(id, st.flow.maxRecvNext)
}

func (s *Conn) sendFrameHandshakeDone() *handshakeDoneFrame {
	if s.isClient || s.state != stateActive || s.handshakeConfirmed {
		return nil
	}
	return &handshakeDoneFrame{}
}

// sendFrameNewToken issues a fresh address-validation token once per
// connection, once the handshake is confirmed, so a future connection
// attempt from the same address can skip Retry.
func (s *Conn) sendFrameNewToken() *newTokenFrame {
	if s.isClient || s.newTokenSent || !s.handshakeConfirmed || len(s.config.TokenKey) == 0 {
		return nil
	}
	tok, err := encodeToken(s.config.TokenKey, s.peerAddr, s.time())
	if err != nil {
		return nil
	}
	s.newTokenSent = true
	return newNewTokenFrame(tok)
}

func (s *Conn) setDraining(now time.Time) {
	if s.drainingTimer.IsZero() {
		s.drainingTimer = now.Add(s.recovery.probeTimeout() * 3)
	}
}

// getOrCreateStream resolves id to a *Stream, opening it if needed.
// localIntent is true only when the application itself is opening the
// stream (Conn.Stream); every frame-driven reference passes false,
// since only the peer may originate a peer-typed stream id. A nil,
// nil result means id names an already-closed-and-reaped stream: a
// harmless no-op for the caller, not an error.
func (s *Conn) getOrCreateStream(id uint64, localIntent bool) (*Stream, error) {
	if st := s.streams.get(id); st != nil {
		return st, nil
	}
	isLocal := isStreamLocal(id, s.isClient)
	if localIntent != isLocal {
		return nil, newError(StreamStateError, sprint("invalid type of stream ", id))
	}
	bidi := isStreamBidi(id)
	var st *Stream
	var err error
	if localIntent {
		st, err = s.streams.createLocal(id, bidi)
		if err != nil {
			return nil, err
		}
		s.initStreamFlow(st)
	} else {
		localLimit := s.streams.localMaxStreamsUni
		if bidi {
			localLimit = s.streams.localMaxStreamsBidi
		}
		st, err = s.streams.openPeer(id, bidi, localLimit, func(ns *Stream) {
			s.initStreamFlow(ns)
			s.addEvent(newStreamOpenEvent(ns.id, false, ns.bidi))
		})
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *Conn) initStreamFlow(st *Stream) {
	var maxRecv, maxSend uint64
	if st.local {
		if st.bidi {
			maxRecv = s.localParams.InitialMaxStreamDataBidiLocal
			maxSend = s.peerParams.InitialMaxStreamDataBidiRemote
		} else {
			maxSend = s.peerParams.InitialMaxStreamDataUni
		}
	} else {
		if st.bidi {
			maxRecv = s.localParams.InitialMaxStreamDataBidiRemote
			maxSend = s.peerParams.InitialMaxStreamDataBidiLocal
		} else {
			maxRecv = s.localParams.InitialMaxStreamDataUni
		}
	}
	st.flow.init(maxRecv, maxSend)
	st.connFlow = &s.flow
}

func (s *Conn) dropPacketSpace(space packetSpace) {
	s.packetNumberSpaces[space].drop()
	s.recovery.dropUnackedData(space)
}

func (s *Conn) addEvent(e Event) {
	s.events = append(s.events, e)
}

// rand uses tls.Config.Rand if the application supplied one.
func (s *Conn) rand(b []byte) error {
	_, err := io.ReadFull(randReader(s.config), b)
	return err
}

// time uses tls.Config.Time if the application supplied one.
func (s *Conn) time() time.Time {
	return timeNow(s.config)
}

// OnLogEvent installs a handler receiving structured qlog-style
// events for packets and frames as they are sent or received.
func (s *Conn) OnLogEvent(fn func(LogEvent)) {
	s.logEventFn = fn
}

func (s *Conn) logPacketDropped(p *packet, now time.Time) {
	if s.logEventFn != nil {
		s.logEventFn(newLogEventPacket(now, logEventPacketDropped, p))
	}
}

func (s *Conn) logPacketReceived(p *packet, now time.Time) {
	if s.logEventFn != nil {
		s.logEventFn(newLogEventPacket(now, logEventPacketReceived, p))
	}
}

func (s *Conn) logPacketSent(p *packet, frames []frame, now time.Time) {
	if s.logEventFn == nil {
		return
	}
	s.logEventFn(newLogEventPacket(now, logEventPacketSent, p))
	for _, f := range frames {
		s.logEventFn(newLogEventFrame(now, logEventFramesProcessed, f))
	}
}

func (s *Conn) logFrameProcessed(f frame, now time.Time) {
	if s.logEventFn != nil {
		s.logEventFn(newLogEventFrame(now, logEventFramesProcessed, f))
	}
}

// Stats reports the current RTT estimate and congestion window, for a
// host to surface as metrics.
type Stats struct {
	SmoothedRTT     time.Duration
	MinRTT          time.Duration
	CongestionWindow uint64
	BytesInFlight   uint64
}

func (s *Conn) Stats() Stats {
	return Stats{
		SmoothedRTT:      s.recovery.rtt.smoothed,
		MinRTT:           s.recovery.rtt.min,
		CongestionWindow: s.recovery.cc.cwnd,
		BytesInFlight:    s.recovery.cc.bytesInFlight,
	}
}
