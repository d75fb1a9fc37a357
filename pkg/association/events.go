package association

// Event is a notification produced by a drive cycle. Events are queued
// explicitly and drained through DriveResult, never delivered through
// callbacks, so handling an event cannot re-enter protocol state.
type Event interface {
	event()
}

// EstablishedEvent fires when the association reaches the established state.
type EstablishedEvent struct{}

func (EstablishedEvent) event() {}

// MessageEvent carries a fully reassembled inbound message.
type MessageEvent struct {
	StreamID uint16
	PPID     uint32
	Data     []byte
}

func (MessageEvent) event() {}

// StreamsResetEvent fires when a stream reset completes, either because the
// peer reset its outgoing streams or because a local reset request was
// acknowledged. Sequence numbers for the named streams restart at zero.
type StreamsResetEvent struct {
	StreamIDs []uint16
}

func (StreamsResetEvent) event() {}

// ClosedEvent is the final event of an association. Err is nil after a
// graceful shutdown and non-nil after an abort. It is emitted after all
// other pending events so no consumer is left waiting.
type ClosedEvent struct {
	Err error
}

func (ClosedEvent) event() {}
