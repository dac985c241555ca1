package transport

// sendBuffer is the outgoing side of a CRYPTO or application stream:
// an append-only byte log addressed by absolute stream offset, a
// cursor into it for data not yet sent, and an acked-range tracker so
// bytes are only freed once the peer has confirmed them.
//
// Conn.processLostPackets re-queues unacked bytes via push
// (st.send.push / pnSpace.cryptoSend.push), which drives the
// method names below; the interval bookkeeping is needed for both the
// CRYPTO and the application-stream send paths to share this type.
type sendBuffer struct {
	base []byte // buffered bytes, base[0] is absolute offset `start`
	start uint64 // absolute offset of base[0]

	sendOffset uint64 // next absolute offset to hand out via popSend

	acked byteRanges // acked [start,end) intervals, absolute offsets

	finOffset uint64
	finSet    bool
	finSent   bool
	finAcked  bool
}

// queue appends newly-written application data to the tail of the
// buffer (the Stream.Write path).
func (b *sendBuffer) queue(data []byte) {
	b.base = append(b.base, data...)
}

// setFin records the final size once the caller has no more data to
// write (a FIN-carrying STREAM frame, or the end of a CRYPTO flight).
func (b *sendBuffer) setFin() {
	b.finSet = true
	b.finOffset = b.start + uint64(len(b.base))
}

// push rewinds the send cursor so that [offset, offset+len(data)) will
// be resent, used when loss recovery declares a previously sent frame
// lost. The bytes are still present in base (only acked bytes are ever
// discarded), so no copy is needed.
func (b *sendBuffer) push(data []byte, offset uint64, fin bool) {
	if offset < b.sendOffset {
		b.sendOffset = offset
	}
	if fin {
		b.finSent = false
	}
}

// ack marks [offset, offset+length) as confirmed by the peer and
// reclaims any now-fully-acked prefix.
func (b *sendBuffer) ack(offset, length uint64) {
	if length == 0 {
		if b.finSet && offset == b.finOffset {
			b.finAcked = true
		}
		return
	}
	end := offset + length
	b.acked.add(offset, end)
	if b.finSet && end >= b.finOffset {
		if b.acked.covers(b.start, b.finOffset) {
			b.finAcked = true
		}
	}
	covered := b.acked.contiguousFrom(b.start)
	if covered > b.start {
		drop := covered - b.start
		if drop > uint64(len(b.base)) {
			drop = uint64(len(b.base))
		}
		b.base = b.base[drop:]
		b.start = covered
	}
}

// popSend returns the next chunk of at most maxLen bytes to place into
// a STREAM/CRYPTO frame, the absolute offset it starts at, and whether
// this chunk also carries FIN. It returns ok=false when there is
// nothing left to send right now.
func (b *sendBuffer) popSend(maxLen int) (data []byte, offset uint64, fin bool, ok bool) {
	avail := b.start + uint64(len(b.base)) - b.sendOffset
	if avail > 0 {
		n := maxLen
		if uint64(n) > avail {
			n = int(avail)
		}
		start := b.sendOffset - b.start
		chunk := b.base[start : start+uint64(n)]
		offset = b.sendOffset
		b.sendOffset += uint64(n)
		wantFin := b.finSet && !b.finSent && b.sendOffset == b.finOffset
		if wantFin {
			b.finSent = true
		}
		return chunk, offset, wantFin, true
	}
	if b.finSet && !b.finSent && b.sendOffset == b.finOffset {
		b.finSent = true
		return nil, b.sendOffset, true, true
	}
	return nil, 0, false, false
}

// hasPending reports whether there is unsent data or an unsent FIN.
func (b *sendBuffer) hasPending() bool {
	if b.start+uint64(len(b.base)) > b.sendOffset {
		return true
	}
	return b.finSet && !b.finSent
}

func (b *sendBuffer) complete() bool {
	return b.finSet && b.finAcked
}

// unackedSize is the number of bytes sent (or buffered awaiting send)
// that the peer has not yet acknowledged, used against the 64 KiB
// CRYPTO_BUFFER_EXCEEDED cap and against per-stream send accounting.
func (b *sendBuffer) unackedSize() int {
	return len(b.base)
}

// byteRanges tracks disjoint, merged [start,end) intervals of
// confirmed byte offsets for one sendBuffer. Unlike ackRangeSet
// (unit-granularity packet numbers, bounded capacity) these are
// variable-length byte spans with no eviction: a stream's lifetime
// acked set stays small because fully-acked prefixes are continuously
// reclaimed by sendBuffer.ack.
type byteRanges struct {
	ranges []byteRange
}

type byteRange struct {
	start, end uint64 // half-open
}

func (s *byteRanges) add(start, end uint64) {
	if start >= end {
		return
	}
	i := 0
	for i < len(s.ranges) && s.ranges[i].start <= end {
		if s.ranges[i].end >= start {
			if s.ranges[i].start < start {
				start = s.ranges[i].start
			}
			if s.ranges[i].end > end {
				end = s.ranges[i].end
			}
			s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
			continue
		}
		i++
	}
	s.ranges = append(s.ranges, byteRange{})
	copy(s.ranges[i+1:], s.ranges[i:])
	s.ranges[i] = byteRange{start: start, end: end}
}

// contiguousFrom returns the end of the contiguous acked run starting
// exactly at from (i.e. how far the unacked prefix can be reclaimed).
func (s *byteRanges) contiguousFrom(from uint64) uint64 {
	for _, r := range s.ranges {
		if r.start > from {
			break
		}
		if r.end > from {
			from = r.end
		}
	}
	return from
}

func (s *byteRanges) covers(start, end uint64) bool {
	cur := start
	for _, r := range s.ranges {
		if r.start > cur {
			return false
		}
		if r.end > cur {
			cur = r.end
		}
		if cur >= end {
			return true
		}
	}
	return cur >= end
}
