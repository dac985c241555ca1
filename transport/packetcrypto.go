package transport

// This file wires together header protection (protection.go) and
// packet-number decoding (pnspace.go, varint.go) into the whole-packet
// seal/open operations Conn.send and Conn.recvPacket need, per RFC
// 9001 section 5.4.

// encryptPacket finalizes one outgoing packet already written to
// b[:n] with an unprotected header and plaintext payload: it seals the
// payload in place with the AEAD and applies header protection using a
// sample of the resulting ciphertext.
func (ps *packetNumberSpace) encryptPacket(b []byte, p *packet) error {
	keys := ps.sendKeys
	pnOffset := p.headerLen
	pnLen := p.packetNumberLen
	payloadStart := pnOffset + pnLen
	overhead := keys.aead.Overhead()

	aad := b[:payloadStart]
	plaintext := b[payloadStart : len(b)-overhead]
	out := keys.seal(b[:payloadStart], aad, plaintext, p.packetNumber)
	if len(out) != len(b) {
		return newError(InternalError, "seal produced unexpected length")
	}

	sampleOffset := pnOffset + 4
	if sampleOffset+hpSampleLen > len(b) {
		return newError(InternalError, "packet too short to sample for header protection")
	}
	mask := keys.hp.mask(b[sampleOffset : sampleOffset+hpSampleLen])

	if p.typ == packetTypeShort {
		b[0] ^= mask[0] & 0x1f
	} else {
		b[0] ^= mask[0] & 0x0f
	}
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
	return nil
}

// decryptPacket removes header protection from a packet already
// positioned at p.headerLen (the protected first byte plus packet
// number), then opens the AEAD payload. b must be the full datagram
// starting at this coalesced packet's first byte; it returns the
// plaintext frame payload and the total bytes this packet occupied in
// the datagram.
func (ps *packetNumberSpace) decryptPacket(b []byte, p *packet) ([]byte, int, error) {
	keys := ps.recvKeys
	pnOffset := p.headerLen

	sampleOffset := pnOffset + 4
	if sampleOffset+hpSampleLen > len(b) {
		return nil, 0, newError(ProtocolViolation, "packet too short to sample for header protection")
	}
	mask := keys.hp.mask(b[sampleOffset : sampleOffset+hpSampleLen])

	firstByteMask := byte(0x1f)
	if p.typ != packetTypeShort {
		firstByteMask = 0x0f
	}
	first := b[0] ^ (mask[0] & firstByteMask)
	pnLen := int(first&0x03) + 1

	pnBytes := make([]byte, pnLen)
	for i := 0; i < pnLen; i++ {
		pnBytes[i] = b[pnOffset+i] ^ mask[1+i]
	}
	var truncated uint64
	for _, v := range pnBytes {
		truncated = truncated<<8 | uint64(v)
	}
	p.packetNumber = ps.decodePacketNumberIn(truncated, pnLen)
	p.packetNumberLen = pnLen

	// Un-mask the header in place (b[0] and the pn bytes) so AAD covers
	// the same bytes the sender authenticated.
	b[0] = first
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] = pnBytes[i]
	}

	payloadStart := pnOffset + pnLen
	var payloadEnd int
	if p.typ == packetTypeShort {
		payloadEnd = len(b)
	} else {
		// p.payloadLen as decoded by decodeBody covers pn+payload,
		// measured from the still-protected pnOffset.
		payloadEnd = pnOffset + p.payloadLen
		if payloadEnd > len(b) {
			return nil, 0, newError(ProtocolViolation, "packet length exceeds datagram")
		}
	}

	aad := b[:payloadStart]
	ciphertext := b[payloadStart:payloadEnd]
	plaintext, err := keys.open(ciphertext[:0], aad, ciphertext, p.packetNumber)
	if err != nil {
		return nil, 0, err
	}
	return plaintext, payloadEnd, nil
}
