package transport

// recvRingCapacity is the fixed size of a stream's receive ring buffer.
const recvRingCapacity = 64 * 1024

// cryptoBufferCap bounds out-of-order CRYPTO bytes buffered per level;
// exceeding it closes the connection with a CRYPTO_BUFFER_EXCEEDED error.
const cryptoBufferCap = 64 * 1024

// isStreamLocal reports whether id was (or would be) opened by us.
func isStreamLocal(id uint64, isClient bool) bool {
	clientInitiated := id&0x1 == 0
	return clientInitiated == isClient
}

// isStreamBidi reports whether id names a bidirectional stream.
func isStreamBidi(id uint64) bool {
	return id&0x2 == 0
}

// streamIndex is the (id >> 2) sequence number within one of the four
// (initiator, directionality) classes.
func streamIndex(id uint64) uint64 { return id >> 2 }

func makeStreamID(index uint64, isClient, bidi bool) uint64 {
	id := index << 2
	if !isClient {
		id |= 0x1
	}
	if !bidi {
		id |= 0x2
	}
	return id
}

// Stream is one multiplexed byte stream of a connection. It is looked
// up by id through the owning Conn's stream table rather than holding
// a back-pointer to it, except for the cumulative connection-level
// flow-control window it must credit on every read/write.
type Stream struct {
	id    uint64
	local bool
	bidi  bool

	recvBuf  *ringBuffer
	recvAsm  reassembler
	recvFin  bool // FIN delivered to and consumed by the reader
	finSet   bool
	finOffset uint64
	highestRecvOffset uint64
	reset    bool
	resetCode uint64

	send       sendBuffer
	sendReset  bool
	sendResetCode uint64
	stopSent   bool
	finWritten bool // caller called CloseWrite / wrote with fin=true

	flow     flowControl
	connFlow *flowControl
}

func newStream(id uint64, local, bidi bool) *Stream {
	st := &Stream{id: id, local: local, bidi: bidi}
	if bidi || !local {
		// Only a stream this endpoint can receive on needs a buffer:
		// bidi streams always, uni streams only when peer-initiated.
		st.recvBuf = newRingBuffer(recvRingCapacity)
	}
	return st
}

// canReceive reports whether the peer is permitted to send data on
// this stream (not a locally-initiated unidirectional stream).
func (st *Stream) canReceive() bool {
	return st.bidi || !st.local
}

// canSendData reports whether this endpoint is permitted to send data
// on this stream (not a peer-initiated unidirectional stream).
func (st *Stream) canSendData() bool {
	return st.bidi || st.local
}

// pushRecv reassembles inbound STREAM-frame bytes, delivering
// contiguous runs straight into the ring buffer. It returns the
// connection-level flow-control credit this frame consumes — the
// amount by which it advances highestRecvOffset, not len(data) — so a
// retransmitted or overlapping frame that pushRecv's reassembler
// de-dups costs nothing a second time. An error is returned if the
// frame is inconsistent with a previously seen final size.
func (st *Stream) pushRecv(data []byte, offset uint64, fin bool) (int, error) {
	end := offset + uint64(len(data))
	if st.finSet && end > st.finOffset {
		return 0, newError(FinalSizeError, "stream data beyond final size")
	}
	if fin {
		if st.finSet && st.finOffset != end {
			return 0, newError(FinalSizeError, "conflicting final size")
		}
		st.finSet = true
		st.finOffset = end
	}
	var credit int
	if end > st.highestRecvOffset {
		credit = int(end - st.highestRecvOffset)
		st.highestRecvOffset = end
	}
	st.recvAsm.push(data, offset, func(chunk []byte) {
		st.recvBuf.writeAt(st.recvBuf.len(), chunk)
	})
	return credit, nil
}

// applyReset records a peer RESET_STREAM, returning the number of bytes
// the connection-level receive counter must additionally credit for
// data between the highest offset actually seen and the reported
// final size.
func (st *Stream) applyReset(finalSize uint64) (int, error) {
	if st.reset {
		if st.resetCode != 0 && st.finOffset != finalSize {
			return 0, newError(FinalSizeError, "conflicting reset final size")
		}
		return 0, nil
	}
	if st.finSet && st.finOffset != finalSize {
		return 0, newError(FinalSizeError, "reset final size mismatch")
	}
	if finalSize < st.highestRecvOffset {
		return 0, newError(FinalSizeError, "reset final size below data already seen")
	}
	credit := finalSize - st.highestRecvOffset
	st.highestRecvOffset = finalSize
	st.finSet = true
	st.finOffset = finalSize
	st.reset = true
	return int(credit), nil
}

// Read copies buffered, in-order bytes to p. It returns (0, nil) —
// "would block" — when nothing is ready yet and the stream hasn't
// ended, and (0, errStreamEOF) once every byte up to FIN has been consumed.
func (st *Stream) Read(p []byte) (int, error) {
	if st.recvBuf == nil {
		return 0, newError(StreamStateError, "stream has no receive direction")
	}
	if st.recvBuf.len() == 0 {
		if st.finSet && st.recvAsm.received >= st.finOffset {
			return 0, errStreamEOF
		}
		return 0, nil
	}
	n := st.recvBuf.read(p)
	// Consuming bytes frees ring space; offer it back to the peer.
	st.flow.setMaxRecvNext(st.readerCredit())
	return n, nil
}

// readerCredit computes the MAX_STREAM_DATA value to advertise after a
// consumer read: received bytes plus remaining free ring space.
func (st *Stream) readerCredit() uint64 {
	return st.recvAsm.received + uint64(st.recvBuf.free())
}

// popSend returns up to maxLen bytes of the next unsent chunk, bounded
// by this stream's and the connection's remaining flow-control windows
// and the 64 KiB buffered-but-unacked budget.
func (st *Stream) popSend(maxLen int) ([]byte, uint64, bool, bool) {
	budget := cryptoBufferCap - st.send.unackedSize()
	if budget < 0 {
		budget = 0
	}
	avail := minInt(maxLen, budget)
	avail = minInt(avail, int(st.flow.canSend()))
	avail = minInt(avail, int(st.connFlow.canSend()))
	if avail <= 0 {
		// Still allow a bare FIN with no bytes through.
		if st.send.finSet && !st.send.finSent && st.send.sendOffset == st.send.finOffset {
			return st.send.popSend(0)
		}
		return nil, 0, false, false
	}
	data, offset, fin, ok := st.send.popSend(avail)
	if ok {
		st.flow.addSend(len(data))
		st.connFlow.addSend(len(data))
	}
	return data, offset, fin, ok
}

func (st *Stream) ackMaxData() {
	st.flow.commitMaxRecv()
}

// Write appends p to the stream's outgoing byte log; the bytes are
// actually framed and sent later via popSend, bounded by flow control
// at that point rather than here.
func (st *Stream) Write(p []byte) (int, error) {
	if !st.canSendData() {
		return 0, newError(StreamStateError, "stream has no send direction")
	}
	if st.sendReset || st.stopSent {
		return 0, newError(StreamStateError, "stream send side reset")
	}
	if st.finWritten {
		return 0, newError(StreamStateError, "write after close")
	}
	st.send.queue(p)
	return len(p), nil
}

// Close marks the stream's send side finished: no more bytes will
// ever be written, so the next popSend carries a FIN.
func (st *Stream) Close() error {
	if st.finWritten {
		return nil
	}
	st.finWritten = true
	st.send.setFin()
	return nil
}

// errStreamEOF is returned by Stream.Read once the FIN has been
// consumed; a distinct sentinel (rather than io.EOF) keeps the
// transport package free of an io import here.
var errStreamEOF = newError(NoError, "stream closed")

// streamMap owns every stream of a connection plus the per-type id
// accounting for stream-level flow control.
type streamMap struct {
	streams map[uint64]*Stream

	// nextPeerBidi/nextPeerUni: lowest not-yet-opened peer stream index
	// for each directionality.
	nextPeerBidi uint64
	nextPeerUni  uint64

	localMaxStreamsBidi uint64 // limit we grant the peer for our streams
	localMaxStreamsUni  uint64
	localMaxStreamsBidiNext uint64
	localMaxStreamsUniNext  uint64

	peerMaxStreamsBidi uint64 // limit the peer grants us
	peerMaxStreamsUni  uint64

	localBidiOpened uint64 // count of locally-opened bidi/uni streams, for limit checks
	localUniOpened  uint64
}

func (m *streamMap) init(localMaxBidi, localMaxUni uint64) {
	m.streams = make(map[uint64]*Stream)
	m.localMaxStreamsBidi = localMaxBidi
	m.localMaxStreamsUni = localMaxUni
	m.localMaxStreamsBidiNext = localMaxBidi
	m.localMaxStreamsUniNext = localMaxUni
}

func (m *streamMap) get(id uint64) *Stream { return m.streams[id] }

func (m *streamMap) setPeerMaxStreamsBidi(max uint64) {
	if max > m.peerMaxStreamsBidi {
		m.peerMaxStreamsBidi = max
	}
}

func (m *streamMap) setPeerMaxStreamsUni(max uint64) {
	if max > m.peerMaxStreamsUni {
		m.peerMaxStreamsUni = max
	}
}

// createLocal opens a new locally-initiated stream, failing if doing
// so would exceed the peer-granted stream-count limit.
func (m *streamMap) createLocal(id uint64, bidi bool) (*Stream, error) {
	if bidi {
		if m.localBidiOpened >= m.peerMaxStreamsBidi {
			return nil, newError(StreamLimitError, "bidi stream limit")
		}
		m.localBidiOpened++
	} else {
		if m.localUniOpened >= m.peerMaxStreamsUni {
			return nil, newError(StreamLimitError, "uni stream limit")
		}
		m.localUniOpened++
	}
	st := newStream(id, true, bidi)
	m.streams[id] = st
	return st, nil
}

// openPeer handles a peer-referenced stream id, opening every lower
// unopened id of the same class first (the gap-fill rule): validates
// the limit, treats an id below the recorded next-peer-id as a
// harmless no-op for an already-reaped stream, and otherwise opens
// every intervening lower id of the same type before the target,
// delivering an open event for each via emitOpen.
func (m *streamMap) openPeer(id uint64, bidi bool, localLimit uint64, emitOpen func(*Stream)) (*Stream, error) {
	if st := m.streams[id]; st != nil {
		return st, nil
	}
	index := streamIndex(id)
	if index >= localLimit {
		return nil, newError(StreamLimitError, "peer exceeded stream limit")
	}
	nextPtr := &m.nextPeerUni
	if bidi {
		nextPtr = &m.nextPeerBidi
	}
	if index < *nextPtr {
		return nil, nil // already closed and reaped: a no-op, not an error
	}
	var opened *Stream
	typeBits := id & 0x3 // initiator + directionality bits shared by every id in this class
	for i := *nextPtr; i <= index; i++ {
		gapID := (i << 2) | typeBits
		st := newStream(gapID, false, bidi)
		m.streams[gapID] = st
		emitOpen(st)
		opened = st
	}
	*nextPtr = index + 1
	return opened, nil
}

// hasFlushable reports whether any stream has unsent bytes or an
// unsent FIN, used to decide whether the Application space still has
// work even once the handshake itself is quiescent.
func (m *streamMap) hasFlushable() bool {
	for _, st := range m.streams {
		if st.send.hasPending() {
			return true
		}
	}
	return false
}
