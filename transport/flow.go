package transport

// flowControl is one direction-pair flow-control window: used both at
// the connection level (tracking aggregate receive/send totals) and
// embedded in each Stream for its own window. The two levels share the
// same bookkeeping; only the policy that decides when to raise
// maxRecvNext differs (see Conn.sendFrameMaxData and
// Stream.Read).
type flowControl struct {
	maxRecv     uint64 // currently advertised limit
	maxRecvNext uint64 // limit to advertise next time a MAX_*-DATA frame goes out
	received    uint64 // bytes received so far, for the receive direction

	maxSend uint64 // peer-granted send limit
	sent    uint64 // bytes sent so far, for the send direction

	pending bool // a higher maxRecvNext is waiting to be sent
}

func (f *flowControl) init(maxRecv, maxSend uint64) {
	f.maxRecv = maxRecv
	f.maxRecvNext = maxRecv
	f.maxSend = maxSend
}

// canRecv is the number of further bytes that may be received without
// violating flow control, accounting for a bump not yet acknowledged
// by commitMaxRecv.
func (f *flowControl) canRecv() uint64 {
	if f.received >= f.maxRecvNext {
		return 0
	}
	return f.maxRecvNext - f.received
}

func (f *flowControl) addRecv(n int) {
	f.received += uint64(n)
}

func (f *flowControl) canSend() uint64 {
	if f.sent >= f.maxSend {
		return 0
	}
	return f.maxSend - f.sent
}

func (f *flowControl) addSend(n int) {
	f.sent += uint64(n)
}

// setMaxSend installs a peer-granted limit; MAX_DATA/MAX_STREAM_DATA
// frames are monotonic and a stale/reordered one must never shrink the
// window.
func (f *flowControl) setMaxSend(max uint64) {
	if max > f.maxSend {
		f.maxSend = max
	}
}

// setMaxRecvNext raises the limit this endpoint intends to advertise,
// marking an emission pending if it actually grew.
func (f *flowControl) setMaxRecvNext(v uint64) {
	if v > f.maxRecvNext {
		f.maxRecvNext = v
		f.pending = true
	}
}

// shouldDoubleAtHalf implements the connection-level policy of
// doubling recv_max_data once the connection-wide received counter
// crosses half of it.
func (f *flowControl) shouldDoubleAtHalf() bool {
	return f.maxRecvNext == f.maxRecv && f.received*2 >= f.maxRecv
}

func (f *flowControl) doubleMaxRecv() {
	f.setMaxRecvNext(f.maxRecv * 2)
}

// commitMaxRecv is called once the raised limit has actually been
// placed into a MAX_*-DATA frame.
func (f *flowControl) commitMaxRecv() {
	f.maxRecv = f.maxRecvNext
	f.pending = false
}
