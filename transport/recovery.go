package transport

import "time"

// Loss and congestion control tuning knobs. These are package
// constants; no Config field overrides them.
const (
	defaultPktThreshold     = 3
	defaultTimeThresholdNum = 9
	defaultTimeThresholdDen = 8
	defaultTimeGranularity  = time.Millisecond
	maxPTOCount             = 16
)

// sentPacket records one packetized-and-sealed packet still awaiting
// acknowledgement, along with the frames it carried so they can be
// reinjected on loss.
type sentPacket struct {
	packetNumber uint64
	sentAt       time.Time
	size         int
	ackEliciting bool
	inFlight     bool
	frames       []frame
}

// rttStats holds the smoothed round-trip-time estimate shared across
// all packet-number spaces (RFC 9002 section 5).
type rttStats struct {
	latest      time.Duration
	min         time.Duration
	smoothed    time.Duration
	variance    time.Duration
	hasSample   bool
}

// sample feeds one RTT measurement, applying the peer's ack_delay only
// at the Application level (Initial/Handshake ACKs carry zero delay by
// convention).
func (r *rttStats) sample(latest time.Duration, ackDelay time.Duration, peerMaxAckDelay time.Duration, atApplication bool) {
	r.latest = latest
	if !atApplication {
		ackDelay = 0
	} else if ackDelay > peerMaxAckDelay {
		ackDelay = peerMaxAckDelay
	}
	if !r.hasSample {
		r.min = latest
		r.smoothed = latest
		r.variance = latest / 2
		r.hasSample = true
		return
	}
	r.min = minDuration(r.min, latest)
	adjusted := latest
	if r.min+ackDelay < latest {
		adjusted = latest - ackDelay
	}
	// smoothed = 0.875*smoothed + 0.125*adjusted, RFC 9002 section 5.3 integer form.
	r.smoothed = (r.smoothed*7 + adjusted) / 8
	diff := r.smoothed - adjusted
	if diff < 0 {
		diff = -diff
	}
	r.variance = (r.variance*3 + diff) / 4
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// pto computes the base probe-timeout duration,
// before the caller applies the 2^pto_count backoff shift.
func (r *rttStats) pto(granularity time.Duration) time.Duration {
	if !r.hasSample {
		return granularity * 2 // no RTT sample yet: a conservative fixed guess
	}
	v := r.variance * 4
	if v < granularity {
		v = granularity
	}
	return r.smoothed + v
}

// congestionController implements NewReno-style slow start, congestion
// avoidance and a single recovery epoch.
type congestionController struct {
	cwnd            uint64
	ssthresh        uint64
	bytesInFlight   uint64
	recoveryStart   time.Time
	inRecovery      bool
	minCwnd         uint64
	maxDatagramSize uint64
}

const initialWindowPackets = 10

func newCongestionController(maxDatagramSize uint64) *congestionController {
	return &congestionController{
		cwnd:            initialWindowPackets * maxDatagramSize,
		ssthresh:        ^uint64(0),
		minCwnd:         2 * maxDatagramSize,
		maxDatagramSize: maxDatagramSize,
	}
}

func (c *congestionController) inSlowStart() bool { return c.cwnd < c.ssthresh }

func (c *congestionController) availableWindow() uint64 {
	if c.bytesInFlight >= c.cwnd {
		return 0
	}
	return c.cwnd - c.bytesInFlight
}

func (c *congestionController) onPacketSent(size uint64) {
	c.bytesInFlight += size
}

// onPacketAcked credits the window: additive growth by a full segment
// per acked segment in slow start, a fractional segment per RTT in
// congestion avoidance.
func (c *congestionController) onPacketAcked(size uint64, sentAt time.Time) {
	if c.bytesInFlight >= size {
		c.bytesInFlight -= size
	} else {
		c.bytesInFlight = 0
	}
	if c.inRecovery && sentAt.Before(c.recoveryStart) {
		return // packet was in flight before recovery began, doesn't grow cwnd
	}
	if c.inSlowStart() {
		c.cwnd += size
		return
	}
	c.cwnd += c.maxDatagramSize * size / c.cwnd
}

// onPacketsLost applies the multiplicative-decrease recovery epoch the
// first time loss is detected after it last fired (one congestion
// event per RTT, RFC 9002 section 7.3.2).
func (c *congestionController) onPacketsLost(lostBytes uint64, now time.Time, newestLostSent time.Time) {
	if c.bytesInFlight >= lostBytes {
		c.bytesInFlight -= lostBytes
	} else {
		c.bytesInFlight = 0
	}
	if c.inRecovery && !newestLostSent.After(c.recoveryStart) {
		return
	}
	c.inRecovery = true
	c.recoveryStart = now
	c.ssthresh = c.cwnd / 2
	if c.ssthresh < c.minCwnd {
		c.ssthresh = c.minCwnd
	}
	c.cwnd = c.ssthresh
}

// onPersistentCongestion resets to the minimum window, used when every
// packet in an RTT-spanning window has been declared lost.
func (c *congestionController) onPersistentCongestion() {
	c.cwnd = c.minCwnd
	c.inRecovery = false
}

// lossRecovery tracks one packet-number space's sent-but-unacked queue
// and drives loss detection / PTO arming for it.
type lossRecovery struct {
	space packetSpace
	sent  []*sentPacket // oldest first

	ptoCount int

	lossTime time.Time // next scheduled loss-detection fire, zero if unset
}

func newLossRecovery(space packetSpace) *lossRecovery {
	return &lossRecovery{space: space}
}

func (l *lossRecovery) onPacketSent(p *sentPacket) {
	l.sent = append(l.sent, p)
}

func (l *lossRecovery) hasInFlight() bool {
	for _, p := range l.sent {
		if p.inFlight {
			return true
		}
	}
	return false
}

// detectAndRemoveLost walks the sent queue oldest-first, returns the
// packets newly declared lost by the packet- and time-threshold rule
// (RFC 9002 section 6.1) and removes them and any entries not counted
// in flight from the queue. largestAcked and rtt drive the thresholds.
func (l *lossRecovery) detectAndRemoveLost(largestAcked uint64, rtt *rttStats, now time.Time, pktThreshold uint64, timeThresholdNum, timeThresholdDen int64, granularity time.Duration) []*sentPacket {
	var lost []*sentPacket
	lossDelay := time.Duration(int64(maxDurationOf(rtt.latest, rtt.smoothed)) * timeThresholdNum / timeThresholdDen)
	if lossDelay < granularity {
		lossDelay = granularity
	}
	l.lossTime = time.Time{}
	remaining := l.sent[:0]
	for _, p := range l.sent {
		if !p.inFlight {
			continue
		}
		if p.packetNumber > largestAcked {
			remaining = append(remaining, p)
			continue
		}
		lostByCount := largestAcked >= pktThreshold && p.packetNumber <= largestAcked-pktThreshold
		age := now.Sub(p.sentAt)
		lostByTime := age >= lossDelay
		if lostByCount || lostByTime {
			lost = append(lost, p)
			continue
		}
		fireAt := p.sentAt.Add(lossDelay)
		if l.lossTime.IsZero() || fireAt.Before(l.lossTime) {
			l.lossTime = fireAt
		}
		remaining = append(remaining, p)
	}
	l.sent = remaining
	return lost
}

func maxDurationOf(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// removeAcked drops every sent record matching a packet number in pns,
// returning the removed records (for congestion credit / RTT sampling
// / frame-level ack callbacks upstream).
func (l *lossRecovery) removeAcked(acked map[uint64]bool) []*sentPacket {
	var removed []*sentPacket
	remaining := l.sent[:0]
	for _, p := range l.sent {
		if acked[p.packetNumber] {
			removed = append(removed, p)
			continue
		}
		remaining = append(remaining, p)
	}
	l.sent = remaining
	return removed
}

// oldestSent returns (and removes) the oldest in-flight packet for PTO
// retransmission: its frames get moved back onto the send queue.
func (l *lossRecovery) popOldestSent() (*sentPacket, bool) {
	for i, p := range l.sent {
		if p.inFlight {
			l.sent = append(l.sent[:i], l.sent[i+1:]...)
			return p, true
		}
	}
	return nil, false
}
