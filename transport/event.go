package transport

// EventType distinguishes the kinds of Event a Conn posts for its host
// to drain via Conn.Events: each opened stream delivers data/eof/error
// events as they occur, alongside connection-level lifecycle events.
type EventType uint8

const (
	EventStreamOpen EventType = iota
	EventStreamRecv
	EventStreamReset
	EventStreamStop
	EventStreamComplete
	EventConnHandshakeComplete
	EventConnClose
)

// Event is a single posted notification; StreamID/ErrorCode are only
// meaningful for the event types that carry them.
type Event struct {
	Type      EventType
	StreamID  uint64
	ErrorCode uint64
	Local     bool // for EventStreamOpen: was this stream locally or peer initiated
	Bidi      bool
}

func newStreamOpenEvent(id uint64, local, bidi bool) Event {
	return Event{Type: EventStreamOpen, StreamID: id, Local: local, Bidi: bidi}
}

func newStreamRecvEvent(id uint64) Event {
	return Event{Type: EventStreamRecv, StreamID: id}
}

func newStreamResetEvent(id uint64, errorCode uint64) Event {
	return Event{Type: EventStreamReset, StreamID: id, ErrorCode: errorCode}
}

func newStreamStopEvent(id uint64, errorCode uint64) Event {
	return Event{Type: EventStreamStop, StreamID: id, ErrorCode: errorCode}
}

func newStreamCompleteEvent(id uint64) Event {
	return Event{Type: EventStreamComplete, StreamID: id}
}

func newConnHandshakeCompleteEvent() Event {
	return Event{Type: EventConnHandshakeComplete}
}

func newConnCloseEvent(errorCode uint64) Event {
	return Event{Type: EventConnClose, ErrorCode: errorCode}
}
