// Package channel implements WebRTC data channels on top of an SCTP
// association: the establishment protocol (RFC 8832), stream-id allocation
// by role parity, and channel teardown via stream reset.
package channel

import (
	"github.com/backkem/sctp/pkg/association"
)

// State is the lifecycle state of a channel.
type State int

const (
	// StateConnecting means the open message was sent or received but
	// the channel is not yet acknowledged.
	StateConnecting State = iota + 1

	// StateOpen means the channel carries application data.
	StateOpen

	// StateClosing means a local close is waiting for the stream reset
	// to be acknowledged.
	StateClosing

	// StateClosed is terminal; the stream id may be reused.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Options configures a channel at Open.
type Options struct {
	// Protocol is the application sub-protocol announced to the peer.
	Protocol string

	// Unordered disables in-order delivery for this channel.
	Unordered bool

	// MaxRetransmits bounds retransmissions per message. Exclusive with
	// MaxPacketLifeTime.
	MaxRetransmits *uint16

	// MaxPacketLifeTime bounds a message's transmission window in
	// milliseconds. Exclusive with MaxRetransmits.
	MaxPacketLifeTime *uint16

	// Priority is carried in the open message; it is not interpreted
	// locally.
	Priority uint16
}

// Channel is one data channel bound to an SCTP stream.
type Channel struct {
	manager *Manager

	id       uint16
	label    string
	protocol string
	options  Options

	state State
}

// ID returns the SCTP stream id the channel is bound to.
func (c *Channel) ID() uint16 { return c.id }

// Label returns the channel label.
func (c *Channel) Label() string { return c.label }

// Protocol returns the announced sub-protocol.
func (c *Channel) Protocol() string { return c.protocol }

// State returns the channel state.
func (c *Channel) State() State {
	c.manager.mu.Lock()
	defer c.manager.mu.Unlock()
	return c.state
}

// Send queues a binary message on the channel.
func (c *Channel) Send(data []byte) error {
	return c.manager.send(c, data, false)
}

// SendText queues a string message on the channel.
func (c *Channel) SendText(text string) error {
	return c.manager.send(c, []byte(text), true)
}

// Close tears the channel down by resetting its stream. The channel reports
// closed once the reset is acknowledged and its id returns to the pool.
func (c *Channel) Close() error {
	return c.manager.closeChannel(c)
}

// sendOptions maps the channel reliability settings onto the association's
// per-message options.
func (c *Channel) sendOptions() association.SendOptions {
	opts := association.SendOptions{Unordered: c.options.Unordered}
	switch {
	case c.options.MaxRetransmits != nil:
		opts.Reliability = association.Reliability{
			Type:  association.ReliabilityRexmit,
			Value: uint32(*c.options.MaxRetransmits),
		}
	case c.options.MaxPacketLifeTime != nil:
		opts.Reliability = association.Reliability{
			Type:  association.ReliabilityTimed,
			Value: uint32(*c.options.MaxPacketLifeTime),
		}
	}
	return opts
}

// channelType encodes the reliability settings for DATA_CHANNEL_OPEN.
func (c *Channel) channelType() (ctype uint8, param uint32) {
	switch {
	case c.options.MaxRetransmits != nil:
		ctype = channelTypePartialRexmit
		param = uint32(*c.options.MaxRetransmits)
	case c.options.MaxPacketLifeTime != nil:
		ctype = channelTypePartialTimed
		param = uint32(*c.options.MaxPacketLifeTime)
	default:
		ctype = channelTypeReliable
	}
	if c.options.Unordered {
		ctype |= channelTypeUnorderedFlag
	}
	return ctype, param
}
