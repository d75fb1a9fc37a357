package channel

import "errors"

// Errors returned by the channel package.
var (
	// ErrChannelClosed is returned when sending on a channel that is not
	// open.
	ErrChannelClosed = errors.New("channel: not open")

	// ErrMessageTooLarge is returned when a message exceeds the
	// association's maximum message size.
	ErrMessageTooLarge = errors.New("channel: message exceeds maximum size")

	// ErrDuplicateLabel is returned when opening a channel whose label is
	// already in use.
	ErrDuplicateLabel = errors.New("channel: label already in use")

	// ErrInvalidReliability is returned when both a retransmit budget and
	// a lifetime are configured.
	ErrInvalidReliability = errors.New("channel: retransmit and lifetime budgets are exclusive")

	// ErrStreamIDExhausted is returned when no stream id of the local
	// parity is left.
	ErrStreamIDExhausted = errors.New("channel: out of stream ids")

	// ErrLabelTooLong is returned when a label or protocol does not fit
	// the DATA_CHANNEL_OPEN message.
	ErrLabelTooLong = errors.New("channel: label or protocol too long")

	// ErrOpenTruncated reports a DATA_CHANNEL_OPEN shorter than its
	// declared contents.
	ErrOpenTruncated = errors.New("channel: truncated open message")

	// ErrUnknownMessageType reports an unrecognized DCEP message type.
	ErrUnknownMessageType = errors.New("channel: unknown establishment message type")
)
