package transport

import "time"

// maxAckRanges bounds the number of disjoint received-packet-number
// ranges retained per space. Once
// full, the oldest range is evicted rather than growing unbounded.
const maxAckRanges = 32

// maxAckGap is the number of ack-eliciting packets allowed to
// accumulate before an ACK must be sent regardless of delay.
const maxAckGap = 2

// pnRange is an inclusive, closed range of packet numbers.
type pnRange struct {
	start uint64
	end   uint64 // end >= start
}

// ackRangeSet tracks which packet numbers have been received in one
// packet-number space, as a small ordered set of disjoint ranges
// (newest range first), implementing a five-case classification:
// duplicate, upward extension, downward extension (either extension may
// merge two ranges across a filled gap), new disjoint range, and a
// packet older than every tracked range.
type ackRangeSet struct {
	ranges []pnRange // ranges[0] is the newest (largest) range
	evicted bool     // true once an older range has been dropped for capacity
}

// add classifies and inserts pn, returning whether it was new (not a
// duplicate/already-known packet).
func (s *ackRangeSet) add(pn uint64) bool {
	if len(s.ranges) == 0 {
		s.ranges = append(s.ranges, pnRange{start: pn, end: pn})
		return true
	}
	// Binary-search would be overkill at this bound (<=32); a linear
	// scan over the small fixed-capacity array is plenty fast.
	for i := range s.ranges {
		r := &s.ranges[i]
		switch {
		case pn >= r.start && pn <= r.end:
			return false // inside a known range: duplicate
		case pn == r.end+1:
			r.end = pn
			s.mergeForward(i)
			return true
		case pn == r.start-1:
			r.start = pn
			s.mergeBackward(i)
			return true
		case pn > r.end:
			// New range belongs strictly before (newer than) ranges[i].
			newRange := pnRange{start: pn, end: pn}
			s.ranges = append(s.ranges, pnRange{})
			copy(s.ranges[i+1:], s.ranges[i:])
			s.ranges[i] = newRange
			s.evictIfFull()
			return true
		}
		// pn < r.start-1: keep scanning toward older ranges.
	}
	// Older than every tracked range.
	if s.evicted {
		// Oldest tracked range was already dropped for capacity; we
		// cannot tell if pn was already acked, so report it as new.
		// When the set is full, evictIfFull drops this new oldest range
		// again at once, so no ACK frame built from the set covers pn.
		s.ranges = append(s.ranges, pnRange{start: pn, end: pn})
		s.evictIfFull()
		return true
	}
	s.ranges = append(s.ranges, pnRange{start: pn, end: pn})
	s.evictIfFull()
	return true
}

// mergeForward merges ranges[i] with ranges[i-1] if they are now
// adjacent or overlapping (pn extended ranges[i].end upward).
func (s *ackRangeSet) mergeForward(i int) {
	for i > 0 && s.ranges[i-1].start <= s.ranges[i].end+1 {
		s.ranges[i-1].start = minU64(s.ranges[i-1].start, s.ranges[i].start)
		s.ranges[i-1].end = maxU64(s.ranges[i-1].end, s.ranges[i].end)
		s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
		i--
	}
}

// mergeBackward merges ranges[i] with ranges[i+1] if they are now
// adjacent (pn extended ranges[i].start downward, filling a gap).
func (s *ackRangeSet) mergeBackward(i int) {
	for i+1 < len(s.ranges) && s.ranges[i].start <= s.ranges[i+1].end+1 {
		s.ranges[i].start = minU64(s.ranges[i].start, s.ranges[i+1].start)
		s.ranges[i].end = maxU64(s.ranges[i].end, s.ranges[i+1].end)
		s.ranges = append(s.ranges[:i+1], s.ranges[i+2:]...)
	}
}

func (s *ackRangeSet) evictIfFull() {
	if len(s.ranges) > maxAckRanges {
		s.ranges = s.ranges[:maxAckRanges]
		s.evicted = true
	}
}

func (s *ackRangeSet) largest() (uint64, bool) {
	if len(s.ranges) == 0 {
		return 0, false
	}
	return s.ranges[0].end, true
}

func (s *ackRangeSet) oldest() (pnRange, bool) {
	if len(s.ranges) == 0 {
		return pnRange{}, false
	}
	return s.ranges[len(s.ranges)-1], true
}

func (s *ackRangeSet) contains(pn uint64) bool {
	for _, r := range s.ranges {
		if pn >= r.start && pn <= r.end {
			return true
		}
	}
	return false
}

// removeUntil drops every tracked range entirely at or below
// largestAck, since the peer has confirmed it saw our ACK covering
// them.
func (s *ackRangeSet) removeUntil(largestAck uint64) {
	out := s.ranges[:0]
	for _, r := range s.ranges {
		if r.end <= largestAck {
			continue
		}
		if r.start <= largestAck {
			r.start = largestAck + 1
		}
		out = append(out, r)
	}
	s.ranges = out
}

// toWireRanges converts the internal range set into the gap/length
// encoding an ACK frame uses on the wire (RFC 9000 section 19.3):
// largestAck, firstAckRangeLen (count below largest in the first
// range), then (gap, rangeLen) pairs walking toward older packets.
func (s *ackRangeSet) toWireRanges() (largestAck, firstRange uint64, rest []ackBlock) {
	if len(s.ranges) == 0 {
		return 0, 0, nil
	}
	first := s.ranges[0]
	largestAck = first.end
	firstRange = first.end - first.start
	for i := 1; i < len(s.ranges); i++ {
		prevStart := s.ranges[i-1].start
		cur := s.ranges[i]
		gap := prevStart - cur.end - 2
		rangeLen := cur.end - cur.start
		rest = append(rest, ackBlock{gap: gap, rangeLen: rangeLen})
	}
	return
}

// ackBlock is one (gap, range) pair as encoded on the wire.
type ackBlock struct {
	gap      uint64
	rangeLen uint64
}

// fromWireRanges reconstructs a plain list of inclusive ranges from a
// decoded ACK frame's largestAck/firstRange/blocks, newest-first, for
// matching against the loss-recovery sent queue.
func fromWireRanges(largestAck, firstRange uint64, blocks []ackBlock) []pnRange {
	if firstRange > largestAck {
		return nil
	}
	ranges := []pnRange{{start: largestAck - firstRange, end: largestAck}}
	upper := ranges[0].start
	for _, b := range blocks {
		if b.gap+2 > upper {
			return nil // malformed: would underflow
		}
		rangeEnd := upper - b.gap - 2
		if b.rangeLen > rangeEnd {
			return nil
		}
		rangeStart := rangeEnd - b.rangeLen
		ranges = append(ranges, pnRange{start: rangeStart, end: rangeEnd})
		upper = rangeStart
	}
	return ranges
}

// ackPending tracks when this space next owes the peer an ACK, and
// the emission policy that follows it.
type ackPending struct {
	pendingCount    int
	delayStart      time.Time
	largestRecvTime time.Time
	forceImmediate  bool
}

func (p *ackPending) onAckEliciting(now time.Time, outOfOrder bool) {
	if p.pendingCount == 0 {
		p.delayStart = now
	}
	p.pendingCount++
	if outOfOrder {
		p.pendingCount = maxAckGap
	}
}

// shouldSend implements three emission conditions: the gap counter,
// the accumulated delay against the peer's max_ack_delay, or the
// explicit forceImmediate flag. No code in this package sets
// forceImmediate, and no separate one-shot ACK is built for a packet
// older than the oldest tracked range.
func (p *ackPending) shouldSend(now time.Time, peerMaxAckDelay time.Duration) bool {
	if p.forceImmediate {
		return true
	}
	if p.pendingCount == 0 {
		return false
	}
	if p.pendingCount >= maxAckGap {
		return true
	}
	if !p.delayStart.IsZero() && now.Sub(p.delayStart) >= peerMaxAckDelay {
		return true
	}
	return false
}

func (p *ackPending) sent() {
	p.pendingCount = 0
	p.delayStart = time.Time{}
	p.forceImmediate = false
}
