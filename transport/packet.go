package transport

import (
	"encoding/binary"
	"fmt"
)

// packetType is the QUIC long-header packet type, or a sentinel for
// short-header and version-negotiation packets.
type packetType uint8

const (
	packetTypeInitial packetType = iota
	packetTypeZeroRTT
	packetTypeHandshake
	packetTypeRetry
	packetTypeShort
	packetTypeVersionNegotiation
)

func (t packetType) String() string {
	switch t {
	case packetTypeInitial:
		return "initial"
	case packetTypeZeroRTT:
		return "0-rtt"
	case packetTypeHandshake:
		return "handshake"
	case packetTypeRetry:
		return "retry"
	case packetTypeShort:
		return "1-rtt"
	case packetTypeVersionNegotiation:
		return "version_negotiation"
	default:
		return "unknown"
	}
}

// long-header type bits (RFC 9000 section 17.2), placed in the low two
// bits of the first byte after the fixed/form bits.
const (
	longTypeInitial   = 0x0
	longTypeZeroRTT   = 0x1
	longTypeHandshake = 0x2
	longTypeRetry     = 0x3
)

func packetTypeFromSpace(space packetSpace) packetType {
	switch space {
	case packetSpaceInitial:
		return packetTypeInitial
	case packetSpaceHandshake:
		return packetTypeHandshake
	default:
		return packetTypeShort
	}
}

func spaceFromPacketType(t packetType) packetSpace {
	switch t {
	case packetTypeInitial:
		return packetSpaceInitial
	case packetTypeHandshake:
		return packetSpaceHandshake
	default:
		return packetSpaceApplication
	}
}

// MaxCIDLength is the maximum length in bytes of a connection id.
const MaxCIDLength = 20

// MinInitialPacketSize is the minimum UDP payload size of a datagram
// carrying a client Initial packet (RFC 9000 section 14.1).
const MinInitialPacketSize = 1200

// MaxPacketSize is the largest UDP payload this implementation will
// construct or accept from peer-advertised max_udp_payload_size.
const MaxPacketSize = 65527

const minPayloadLength = 4 // smallest protected payload so the pn can always be sampled

// packetHeader holds the decoded fields common to long and short
// headers. Not all fields are meaningful for every packet type.
type packetHeader struct {
	version uint32
	dcid    []byte
	scid    []byte
	dcil    uint8 // expected length of dcid when parsing a short header

	// long header only
	tokenLen int
}

// packet is a single (coalesced) QUIC packet, either being decoded from
// or encoded into a datagram buffer.
type packet struct {
	typ    packetType
	header packetHeader

	token             []byte
	supportedVersions []uint32 // version negotiation only
	retryIntegrityTag [16]byte // retry only, set on decode

	packetNumber    uint64
	packetNumberLen int
	payloadLen      int // includes AEAD overhead once finalized for encode
	keyPhase        bool

	headerLen int // bytes consumed/written for the header (decode) up to payload
}

func (p *packet) String() string {
	return fmt.Sprintf("type=%s dcid=%x scid=%x pn=%d len=%d", p.typ, p.header.dcid, p.header.scid, p.packetNumber, p.payloadLen)
}

// decodeHeader parses enough of the packet to classify it and extract
// connection ids, without removing header protection. Returns the
// number of bytes in the unprotected header prefix.
func (p *packet) decodeHeader(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, newError(ProtocolViolation, "short packet")
	}
	first := b[0]
	if first&0x40 == 0 {
		return 0, newError(ProtocolViolation, "fixed bit not set")
	}
	if first&0x80 == 0 {
		// Short header: 0b0fxxxxxx, 1 byte of DCID length is implicit
		// (supplied by the caller via p.header.dcil).
		p.typ = packetTypeShort
		n := 1
		dcidLen := int(p.header.dcil)
		if len(b) < n+dcidLen {
			return 0, newError(ProtocolViolation, "short header truncated")
		}
		p.header.dcid = b[n : n+dcidLen]
		n += dcidLen
		p.headerLen = n
		return n, nil
	}
	// Long header.
	n := 1
	if len(b) < n+4 {
		return 0, newError(ProtocolViolation, "long header truncated")
	}
	p.header.version = binary.BigEndian.Uint32(b[n:])
	n += 4
	if p.header.version == 0 {
		p.typ = packetTypeVersionNegotiation
	} else {
		switch (first >> 4) & 0x3 {
		case longTypeInitial:
			p.typ = packetTypeInitial
		case longTypeZeroRTT:
			p.typ = packetTypeZeroRTT
		case longTypeHandshake:
			p.typ = packetTypeHandshake
		case longTypeRetry:
			p.typ = packetTypeRetry
		}
	}
	if len(b) < n+1 {
		return 0, newError(ProtocolViolation, "missing dcid length")
	}
	dcil := int(b[n])
	n++
	if dcil > MaxCIDLength || len(b) < n+dcil {
		return 0, newError(ProtocolViolation, "bad dcid length")
	}
	p.header.dcid = b[n : n+dcil]
	n += dcil
	if len(b) < n+1 {
		return 0, newError(ProtocolViolation, "missing scid length")
	}
	scil := int(b[n])
	n++
	if scil > MaxCIDLength || len(b) < n+scil {
		return 0, newError(ProtocolViolation, "bad scid length")
	}
	p.header.scid = b[n : n+scil]
	n += scil
	p.headerLen = n
	return n, nil
}

// decodeBody finishes decoding type-specific long-header fields
// (token, length, version list) that sit between the CID pair and the
// protected packet-number/payload region. It does not remove header
// protection nor touch packet number / payload bytes.
func (p *packet) decodeBody(b []byte) (int, error) {
	n := p.headerLen
	switch p.typ {
	case packetTypeVersionNegotiation:
		for n+4 <= len(b) {
			p.supportedVersions = append(p.supportedVersions, binary.BigEndian.Uint32(b[n:]))
			n += 4
		}
		return n - p.headerLen, nil
	case packetTypeRetry:
		if len(b) < 16 {
			return 0, newError(ProtocolViolation, "retry too short")
		}
		tokenEnd := len(b) - 16
		if tokenEnd < n {
			return 0, newError(ProtocolViolation, "retry token overlaps tag")
		}
		p.token = b[n:tokenEnd]
		copy(p.retryIntegrityTag[:], b[tokenEnd:])
		n = len(b)
		return n - p.headerLen, nil
	case packetTypeInitial:
		var tokenLen uint64
		m := getVarint(b[n:], &tokenLen)
		if m == 0 {
			return 0, newError(ProtocolViolation, "bad token length")
		}
		n += m
		if len(b) < n+int(tokenLen) {
			return 0, newError(ProtocolViolation, "token truncated")
		}
		p.token = b[n : n+int(tokenLen)]
		n += int(tokenLen)
		var length uint64
		m = getVarint(b[n:], &length)
		if m == 0 {
			return 0, newError(ProtocolViolation, "bad length field")
		}
		n += m
		p.payloadLen = int(length)
		p.headerLen = n
		return m, nil
	case packetTypeZeroRTT, packetTypeHandshake:
		var length uint64
		m := getVarint(b[n:], &length)
		if m == 0 {
			return 0, newError(ProtocolViolation, "bad length field")
		}
		n += m
		p.payloadLen = int(length)
		p.headerLen = n
		return m, nil
	default:
		return 0, nil
	}
}

// encodedLen returns the length of the header that encode will write,
// given p.payloadLen already set to the (post-encryption) payload size.
func (p *packet) encodedLen() int {
	n := 1 // first byte
	switch p.typ {
	case packetTypeShort:
		n += len(p.header.dcid)
		n += p.packetNumberLen
		return n
	default:
		n += 4 // version
		n += 1 + len(p.header.dcid)
		n += 1 + len(p.header.scid)
		if p.typ == packetTypeInitial {
			n += varintBytesLen(len(p.token))
		}
		n += varintLen(uint64(p.payloadLen)) // length field covers pn+payload
		n += p.packetNumberLen
		return n
	}
}

// encode writes the packet header (with a placeholder, unprotected
// packet number) to b and returns the offset of the payload (i.e. the
// position right after the packet number bytes).
func (p *packet) encode(b []byte) (int, error) {
	switch p.typ {
	case packetTypeShort:
		return p.encodeShort(b)
	default:
		return p.encodeLong(b)
	}
}

func (p *packet) encodeLong(b []byte) (int, error) {
	n := 0
	first := byte(0xc0) // header form=1, fixed=1
	switch p.typ {
	case packetTypeInitial:
		first |= longTypeInitial << 4
	case packetTypeZeroRTT:
		first |= longTypeZeroRTT << 4
	case packetTypeHandshake:
		first |= longTypeHandshake << 4
	case packetTypeRetry:
		first |= longTypeRetry << 4
	}
	first |= byte(p.packetNumberLen - 1)
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[n] = first
	n++
	if len(b) < n+4 {
		return 0, errShortBuffer
	}
	binary.BigEndian.PutUint32(b[n:], p.header.version)
	n += 4
	if len(b) < n+1+len(p.header.dcid) {
		return 0, errShortBuffer
	}
	b[n] = byte(len(p.header.dcid))
	n++
	n += copy(b[n:], p.header.dcid)
	if len(b) < n+1+len(p.header.scid) {
		return 0, errShortBuffer
	}
	b[n] = byte(len(p.header.scid))
	n++
	n += copy(b[n:], p.header.scid)
	if p.typ == packetTypeInitial {
		if len(b)-n < varintBytesLen(len(p.token)) {
			return 0, errShortBuffer
		}
		b2 := appendVarint(b[:n], uint64(len(p.token)))
		n = len(b2)
		n += copy(b[n:], p.token)
	}
	lengthFieldLen := varintLen(uint64(p.payloadLen))
	if len(b)-n < lengthFieldLen+p.packetNumberLen {
		return 0, errShortBuffer
	}
	b2 := appendVarint(b[:n], uint64(p.payloadLen))
	n = len(b2)
	pnOffset := n
	putTruncatedPacketNumber(b[n:n+p.packetNumberLen], p.packetNumber, p.packetNumberLen)
	n += p.packetNumberLen
	p.headerLen = pnOffset // offset of the packet number (used by protector)
	return n, nil
}

func (p *packet) encodeShort(b []byte) (int, error) {
	n := 0
	first := byte(0x40) // header form=0, fixed=1
	first |= p.keyPhaseBit() << 2
	first |= byte(p.packetNumberLen - 1)
	if len(b) < 1+len(p.header.dcid)+p.packetNumberLen {
		return 0, errShortBuffer
	}
	b[n] = first
	n++
	n += copy(b[n:], p.header.dcid)
	pnOffset := n
	putTruncatedPacketNumber(b[n:n+p.packetNumberLen], p.packetNumber, p.packetNumberLen)
	n += p.packetNumberLen
	p.headerLen = pnOffset
	return n, nil
}

// keyPhase is set by the sealing code right before encode, via this
// field so encodeShort can place the bit without importing the space.
func (p *packet) keyPhaseBit() byte {
	if p.keyPhase {
		return 1
	}
	return 0
}

func putTruncatedPacketNumber(b []byte, pn uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(pn)
		pn >>= 8
	}
}

func versionSupported(v uint32) bool {
	return v == 1 || v == quicVersionDraft29
}

// PeekConnectionIDs extracts the destination and source connection ids
// from a not-yet-decrypted datagram without touching header protection,
// for a host to route the datagram to a connection before a Conn exists
// to hand it to.
// localCIDLen supplies the expected DCID length for short-header
// packets, whose header carries no explicit length field.
func PeekConnectionIDs(b []byte, localCIDLen int) (dcid, scid []byte, err error) {
	var p packet
	p.header.dcil = uint8(localCIDLen)
	if _, err := p.decodeHeader(b); err != nil {
		return nil, nil, err
	}
	return p.header.dcid, p.header.scid, nil
}

// IsLongHeader reports whether b begins a long-header packet (Initial,
// 0-RTT, Handshake, Retry or Version Negotiation) as opposed to a
// short-header one, without fully parsing it.
func IsLongHeader(b []byte) bool {
	return len(b) > 0 && b[0]&0x80 != 0
}

// IsInitialPacket reports whether b begins an Initial packet, the only
// packet type allowed to start a new connection for a DCID not
// already in the connection table (RFC 9000 section 7.2).
func IsInitialPacket(b []byte) bool {
	if len(b) < 5 || b[0]&0x80 == 0 {
		return false
	}
	version := binary.BigEndian.Uint32(b[1:5])
	if version == 0 {
		return false // version negotiation, not a connection attempt
	}
	return (b[0]>>4)&0x3 == longTypeInitial
}

// PeekInitialToken extracts an Initial packet's token field (the
// address-validation token a prior Retry issued, or empty on a
// client's very first attempt) without removing header protection, so
// a host can decide whether to demand a Retry before a Conn exists.
func PeekInitialToken(b []byte, localCIDLen int) (token []byte, err error) {
	var p packet
	p.header.dcil = uint8(localCIDLen)
	if _, err := p.decodeHeader(b); err != nil {
		return nil, err
	}
	if p.typ != packetTypeInitial {
		return nil, newError(ProtocolViolation, "not an initial packet")
	}
	if _, err := p.decodeBody(b); err != nil {
		return nil, err
	}
	return p.token, nil
}

// BuildRetryPacket assembles a server Retry packet (RFC 9001 section
// 5.8): version, the new scid/dcid pair, the address-validation token
// and a trailing integrity tag computed over everything before it,
// keyed by the client-chosen dcid the client's Initial packet used as
// associated data. Retry has no packet number or length field, unlike
// every other long-header type, so it is assembled directly here
// rather than through packet.encodeLong.
func BuildRetryPacket(clientDCID, newSCID, newDCID, token []byte) []byte {
	b := make([]byte, 0, 7+len(newDCID)+len(newSCID)+len(token)+16)
	b = append(b, 0xf0|byte(longTypeRetry<<4)) // form=1,fixed=1,type=Retry; low 4 bits unused/random is also valid, 0 kept simple
	var versionBuf [4]byte
	binary.BigEndian.PutUint32(versionBuf[:], versionQUIC1)
	b = append(b, versionBuf[:]...)
	b = append(b, byte(len(newDCID)))
	b = append(b, newDCID...)
	b = append(b, byte(len(newSCID)))
	b = append(b, newSCID...)
	b = append(b, token...)
	tag := computeRetryIntegrityTag(b, clientDCID)
	b = append(b, tag[:]...)
	return b
}

// quicVersionDraft29 is accepted alongside v1 so a peer stuck on a
// late draft still interoperates; both use identical wire formats for
// everything this core implements.
const quicVersionDraft29 = 0xff00001d
