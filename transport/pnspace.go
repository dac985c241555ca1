package transport

import "time"

// packetSpace identifies one of the three packet-number spaces a
// connection tracks independently (RFC 9000 section 12.3).
type packetSpace uint8

const (
	packetSpaceInitial packetSpace = iota
	packetSpaceHandshake
	packetSpaceApplication
	packetSpaceCount
)

func (s packetSpace) String() string {
	switch s {
	case packetSpaceInitial:
		return "initial"
	case packetSpaceHandshake:
		return "handshake"
	case packetSpaceApplication:
		return "application"
	default:
		return "unknown"
	}
}

// packetNumberSpace bundles everything scoped to one encryption level:
// the keys in both directions, the highest packet number sent, the
// received-packet tracker feeding ACK generation, and (for Initial and
// Handshake) the CRYPTO stream carrying the handshake in that level.
//
// Split out as its own type rather than embedded directly in Conn
// because QUIC tracks three of these independently with identical
// shape, one per packet-number space (RFC 9000 section 12.3).
type packetNumberSpace struct {
	space packetSpace

	sendKeys *protectionKeys
	recvKeys *protectionKeys

	// nextKeys holds the not-yet-activated key generation for the
	// Application space only, precomputed so a peer-initiated key
	// update never stalls waiting on a derivation.
	nextSendKeys   *protectionKeys
	nextRecvKeys   *protectionKeys
	nextSendSecret []byte
	nextRecvSecret []byte
	keyPhase       bool // current local key phase bit

	nextPacketNumber uint64
	largestAcked     uint64
	largestAckedSet  bool

	recvRanges ackRangeSet
	pending    ackPending

	cryptoSend sendBuffer
	cryptoRecv reassembler
	cryptoOut  []byte // assembled contiguous handshake bytes ready for the TLS provider

	discarded bool

	// firstPacketAcked is set the first time any ACK frame is processed
	// in this space, driving the handshake-confirmed signal of RFC 9001
	// section 4.1.2.
	firstPacketAcked bool

	// pendingWriteSecret/pendingReadSecret hold whichever direction's
	// secret crypto/tls's QUICConn has delivered first for this level,
	// until the other direction arrives and installKeys can run.
	pendingWriteSecret []byte
	pendingReadSecret  []byte
	pendingSuite       cipherSuite
}

// setWriteSecret records a write-direction secret delivered by the TLS
// provider, installing keys once the matching read secret is also
// known.
func (ps *packetNumberSpace) setWriteSecret(suite cipherSuite, secret []byte) error {
	ps.pendingWriteSecret, ps.pendingSuite = secret, suite
	if ps.pendingReadSecret != nil {
		return ps.installKeys(suite, ps.pendingWriteSecret, ps.pendingReadSecret)
	}
	return nil
}

func (ps *packetNumberSpace) setReadSecret(suite cipherSuite, secret []byte) error {
	ps.pendingReadSecret, ps.pendingSuite = secret, suite
	if ps.pendingWriteSecret != nil {
		return ps.installKeys(suite, ps.pendingWriteSecret, ps.pendingReadSecret)
	}
	return nil
}

func newPacketNumberSpace(space packetSpace) *packetNumberSpace {
	return &packetNumberSpace{space: space}
}

// ready reports whether this space has keys installed in both
// directions and can therefore send/receive packets.
func (ps *packetNumberSpace) ready() bool {
	return ps.sendKeys != nil && ps.recvKeys != nil
}

func (ps *packetNumberSpace) canEncrypt() bool { return !ps.discarded && ps.sendKeys != nil }
func (ps *packetNumberSpace) canDecrypt() bool { return !ps.discarded && ps.recvKeys != nil }

// installInitialKeys derives both directions' Initial secrets from the
// client's original destination connection id (RFC 9001 section 5.2).
// isClient picks which derived secret is "ours" vs "the peer's".
func (ps *packetNumberSpace) installInitialKeys(odcid []byte, isClient bool) error {
	var keys initialAEAD
	if err := keys.init(odcid); err != nil {
		return err
	}
	if isClient {
		ps.sendKeys, ps.recvKeys = keys.client, keys.server
	} else {
		ps.sendKeys, ps.recvKeys = keys.server, keys.client
	}
	return nil
}

// installKeys installs the handshake or first application-level keys
// derived by the TLS provider for this level.
func (ps *packetNumberSpace) installKeys(suite cipherSuite, writeSecret, readSecret []byte) error {
	send, err := deriveProtectionKeys(suite, writeSecret)
	if err != nil {
		return err
	}
	recv, err := deriveProtectionKeys(suite, readSecret)
	if err != nil {
		return err
	}
	ps.sendKeys, ps.recvKeys = send, recv
	if ps.space == packetSpaceApplication {
		ps.precomputeNextKeys(suite, writeSecret, readSecret)
	}
	return nil
}

func (ps *packetNumberSpace) precomputeNextKeys(suite cipherSuite, writeSecret, readSecret []byte) {
	nextWrite := nextSecret(suite, writeSecret)
	nextRead := nextSecret(suite, readSecret)
	ps.nextSendKeys, _ = deriveProtectionKeys(suite, nextWrite)
	ps.nextRecvKeys, _ = deriveProtectionKeys(suite, nextRead)
	ps.nextSendSecret, ps.nextRecvSecret = nextWrite, nextRead
}

// rotateKeys performs a key update (RFC 9001 section 6): the
// precomputed next generation becomes current, and the following
// generation is precomputed immediately so a second, immediate update
// attempt by the peer still has keys ready (guarded elsewhere by the
// one-update-per-RTT rule).
func (ps *packetNumberSpace) rotateKeys(suite cipherSuite) {
	if ps.nextSendKeys == nil || ps.nextRecvKeys == nil {
		return
	}
	ps.sendKeys, ps.recvKeys = ps.nextSendKeys, ps.nextRecvKeys
	ps.keyPhase = !ps.keyPhase
	ps.precomputeNextKeys(suite, ps.nextSendSecret, ps.nextRecvSecret)
}

// drop discards this space's keys and buffered state, per RFC 9001
// section 4.9: once Handshake keys exist Initial keys are useless, and
// once the handshake is confirmed Handshake keys are useless.
func (ps *packetNumberSpace) drop() {
	ps.sendKeys = nil
	ps.recvKeys = nil
	ps.nextSendKeys = nil
	ps.nextRecvKeys = nil
	ps.discarded = true
	ps.cryptoOut = nil
}

// allocatePacketNumber returns the next packet number to send in this
// space and advances the counter.
func (ps *packetNumberSpace) allocatePacketNumber() uint64 {
	pn := ps.nextPacketNumber
	ps.nextPacketNumber++
	return pn
}

// isPacketReceived reports whether pn has already been recorded as
// received in this space (duplicate/replay detection).
func (ps *packetNumberSpace) isPacketReceived(pn uint64) bool {
	return ps.recvRanges.contains(pn)
}

// onPacketReceived records pn as received and updates the ACK-pending
// state; ackEliciting and outOfOrder drive the emission policy.
func (ps *packetNumberSpace) onPacketReceived(pn uint64, now time.Time, ackEliciting bool) {
	largest, hadAny := ps.recvRanges.largest()
	outOfOrder := hadAny && pn < largest
	ps.recvRanges.add(pn)
	if !hadAny || pn > largest {
		ps.largestAckedSet = false // peer's view is stale until we ack again
		ps.pending.largestRecvTime = now
	}
	if ackEliciting {
		ps.pending.onAckEliciting(now, outOfOrder)
	}
}

// reset restores a space to its zero state, keeping its identity. Used
// when version negotiation or a Retry forces the Initial space back to
// the start of the handshake.
func (ps *packetNumberSpace) reset() {
	space := ps.space
	*ps = packetNumberSpace{space: space}
}

// decodePacketNumberIn expands the truncated wire packet number found
// after header-protection removal, against the largest packet number
// successfully processed in this space so far (RFC 9000 appendix A).
func (ps *packetNumberSpace) decodePacketNumberIn(truncated uint64, pnLen int) uint64 {
	largest, ok := ps.recvRanges.largest()
	if !ok {
		return truncated
	}
	return decodePacketNumber(largest, truncated, pnLen)
}

// pushHandshakeData feeds received CRYPTO-frame bytes through
// reassembly, appending any newly-contiguous bytes to cryptoOut for
// the TLS provider to consume via drainHandshakeData.
func (ps *packetNumberSpace) pushHandshakeData(data []byte, offset uint64) {
	ps.cryptoRecv.push(data, offset, func(b []byte) {
		ps.cryptoOut = append(ps.cryptoOut, b...)
	})
}

func (ps *packetNumberSpace) drainHandshakeData() []byte {
	out := ps.cryptoOut
	ps.cryptoOut = nil
	return out
}
