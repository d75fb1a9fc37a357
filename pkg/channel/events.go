package channel

// Event is a notification surfaced by Manager.Drive.
type Event interface {
	event()
}

// ChannelOpenEvent fires when a channel becomes usable: a locally opened
// channel got its acknowledgement, or the peer opened one toward us.
type ChannelOpenEvent struct {
	Channel *Channel
}

func (ChannelOpenEvent) event() {}

// ChannelMessageEvent carries one application message.
type ChannelMessageEvent struct {
	Channel  *Channel
	Data     []byte
	IsString bool
}

func (ChannelMessageEvent) event() {}

// ChannelClosedEvent fires when a channel's stream reset completed, locally
// or remotely initiated, and its id returned to the pool.
type ChannelClosedEvent struct {
	Channel *Channel
}

func (ChannelClosedEvent) event() {}

// AssociationClosedEvent is the final event: the underlying association shut
// down or aborted. Every channel got its ChannelClosedEvent before this.
type AssociationClosedEvent struct {
	Err error
}

func (AssociationClosedEvent) event() {}
