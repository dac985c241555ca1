package transport

import "time"

// outgoingPacket accumulates the frames chosen for one not-yet-sent
// packet, tracking whether it ends up ack-eliciting/in-flight as
// frames are added.
type outgoingPacket struct {
	packetNumber uint64
	timeSent     time.Time
	size         uint64
	frames       []frame
	ackEliciting bool
	inFlight     bool
}

func newOutgoingPacket(pn uint64, now time.Time) *outgoingPacket {
	return &outgoingPacket{packetNumber: pn, timeSent: now}
}

func (op *outgoingPacket) addFrame(f frame) {
	op.frames = append(op.frames, f)
	if f.ackEliciting() {
		op.ackEliciting = true
		op.inFlight = true
	}
}

func (op *outgoingPacket) String() string {
	return sprint("pn=", op.packetNumber, " frames=", len(op.frames), " size=", op.size)
}

// encodeFrames writes each frame in order to b, returning the total
// bytes written.
func encodeFrames(b []byte, frames []frame) (int, error) {
	n := 0
	for _, f := range frames {
		m, err := f.encode(b[n:])
		if err != nil {
			return 0, err
		}
		n += m
	}
	return n, nil
}

// recovery coordinates loss detection, RTT estimation and congestion
// control across all three packet-number spaces (RFC 9002), each with
// its own sent-packet queue.
type recovery struct {
	spaces [packetSpaceCount]lossRecovery
	rtt    rttStats
	cc     *congestionController

	maxAckDelay time.Duration
	ptoCount    int
	probes      int

	lossDetectionTimer time.Time

	// lost holds packets detectAndRemoveLost has pulled out of a space's
	// sent queue but that drainLost has not yet replayed to the caller.
	lost [packetSpaceCount][]*sentPacket

	// acked holds the frames of packets onAckReceived just confirmed,
	// awaiting a drainAcked call to apply their per-frame effects.
	acked [packetSpaceCount][]frame
}

func (r *recovery) init(now time.Time) {
	for i := range r.spaces {
		r.spaces[i] = *newLossRecovery(packetSpace(i))
	}
	r.cc = newCongestionController(MinInitialPacketSize)
	r.maxAckDelay = 25 * time.Millisecond
}

func (r *recovery) onPacketSent(op *outgoingPacket, space packetSpace) {
	sp := &sentPacket{
		packetNumber: op.packetNumber,
		sentAt:       op.timeSent,
		size:         int(op.size),
		ackEliciting: op.ackEliciting,
		inFlight:     op.inFlight,
		frames:       op.frames,
	}
	r.spaces[space].onPacketSent(sp)
	if sp.inFlight {
		r.cc.onPacketSent(uint64(sp.size))
	}
	r.setLossDetectionTimer(op.timeSent)
}

// onAckReceived applies one decoded ACK frame's ranges to space: it
// credits congestion control and samples RTT for newly-acked packets,
// then re-runs loss detection now that the acked set has changed
//.
func (r *recovery) onAckReceived(ranges []pnRange, ackDelay time.Duration, space packetSpace, now time.Time) {
	if len(ranges) == 0 {
		return
	}
	largestAcked := ranges[0].end
	ackedSet := make(map[uint64]bool)
	for _, rg := range ranges {
		for pn := rg.start; pn <= rg.end; pn++ {
			ackedSet[pn] = true
		}
	}
	removed := r.spaces[space].removeAcked(ackedSet)
	if len(removed) == 0 {
		return
	}
	var newestAcked *sentPacket
	var ackedBytes uint64
	for _, p := range removed {
		if p.inFlight {
			r.cc.onPacketAcked(uint64(p.size), p.sentAt)
			ackedBytes += uint64(p.size)
		}
		if p.packetNumber == largestAcked {
			newestAcked = p
		}
		r.acked[space] = append(r.acked[space], p.frames...)
	}
	if newestAcked != nil {
		latest := now.Sub(newestAcked.sentAt)
		r.rtt.sample(latest, ackDelay, r.maxAckDelay, space == packetSpaceApplication)
	}
	r.ptoCount = 0

	lost := r.spaces[space].detectAndRemoveLost(largestAcked, &r.rtt, now,
		defaultPktThreshold, defaultTimeThresholdNum, defaultTimeThresholdDen, defaultTimeGranularity)
	if len(lost) > 0 {
		r.onPacketsLost(space, lost, now)
	}
	r.setLossDetectionTimer(now)
}

func (r *recovery) onPacketsLost(space packetSpace, lost []*sentPacket, now time.Time) {
	var lostBytes uint64
	var newestSent time.Time
	for _, p := range lost {
		if p.inFlight {
			lostBytes += uint64(p.size)
		}
		if p.sentAt.After(newestSent) {
			newestSent = p.sentAt
		}
	}
	if lostBytes > 0 {
		r.cc.onPacketsLost(lostBytes, now, newestSent)
	}
	r.lost[space] = append(r.lost[space], lost...)
}

// drainAcked invokes fn once per frame carried by every packet this
// space has seen acked since the last drain (conn.go uses this to
// apply per-frame effects: retire CRYPTO/STREAM bytes, clear
// MAX_DATA-pending, etc), then clears the queue.
func (r *recovery) drainAcked(space packetSpace, fn func(frame)) {
	for _, f := range r.acked[space] {
		fn(f)
	}
	r.acked[space] = nil
}

// drainLost hands every frame from packets newly declared lost in
// space to fn for retransmission scheduling, then clears them.
func (r *recovery) drainLost(space packetSpace, fn func(frame)) {
	for _, p := range r.lost[space] {
		for _, f := range p.frames {
			fn(f)
		}
	}
	r.lost[space] = nil
}

func (r *recovery) dropUnackedData(space packetSpace) {
	r.spaces[space] = *newLossRecovery(space)
	r.lost[space] = nil
	r.acked[space] = nil
}

// probeTimeout returns the current base PTO duration, used both to
// arm the loss-detection timer and to size the draining period (3x
// PTO).
func (r *recovery) probeTimeout() time.Duration {
	pto := r.rtt.pto(defaultTimeGranularity)
	return pto << uint(r.ptoCount)
}

func (r *recovery) setLossDetectionTimer(now time.Time) {
	var earliestLoss time.Time
	hasInFlight := false
	for i := range r.spaces {
		if r.spaces[i].hasInFlight() {
			hasInFlight = true
		}
		if !r.spaces[i].lossTime.IsZero() {
			if earliestLoss.IsZero() || r.spaces[i].lossTime.Before(earliestLoss) {
				earliestLoss = r.spaces[i].lossTime
			}
		}
	}
	if !earliestLoss.IsZero() {
		r.lossDetectionTimer = earliestLoss
		return
	}
	if !hasInFlight {
		r.lossDetectionTimer = time.Time{}
		return
	}
	r.lossDetectionTimer = now.Add(r.probeTimeout())
}

// onLossDetectionTimeout fires either a loss-detection sweep (time
// threshold crossed with no new ACK) or, with nothing to detect,
// schedules PTO probes and bumps the backoff counter.
func (r *recovery) onLossDetectionTimeout(now time.Time) {
	if r.lossDetectionTimer.IsZero() || now.Before(r.lossDetectionTimer) {
		return
	}
	anyLoss := false
	for i := range r.spaces {
		if r.spaces[i].lossTime.IsZero() || now.Before(r.spaces[i].lossTime) {
			continue
		}
		lost := r.spaces[i].detectAndRemoveLost(r.largestAckedIn(packetSpace(i)), &r.rtt, now,
			defaultPktThreshold, defaultTimeThresholdNum, defaultTimeThresholdDen, defaultTimeGranularity)
		if len(lost) > 0 {
			anyLoss = true
			r.onPacketsLost(packetSpace(i), lost, now)
		}
	}
	if !anyLoss {
		if r.ptoCount < maxPTOCount {
			r.ptoCount++
		}
		r.probes = 2 // RFC 9002 section 6.2.4: send two probes on PTO
	}
	r.setLossDetectionTimer(now)
}

// largestAckedIn reports the highest packet number ever acked in
// space, used only to re-run the count-based loss threshold on a bare
// timer fire (no fresh ACK to supply it).
func (r *recovery) largestAckedIn(space packetSpace) uint64 {
	var max uint64
	for _, p := range r.spaces[space].sent {
		if p.packetNumber > max {
			max = p.packetNumber
		}
	}
	return max
}
