package association

import "errors"

// Errors returned by the association package.
var (
	// ErrAssociationClosed is returned when submitting work to a closed
	// or aborted association.
	ErrAssociationClosed = errors.New("association: closed")

	// ErrAssociationClosing is returned when sending while a graceful
	// shutdown is in progress.
	ErrAssociationClosing = errors.New("association: shutdown in progress")

	// ErrMessageTooLarge is returned when a message exceeds the
	// configured maximum message size.
	ErrMessageTooLarge = errors.New("association: message exceeds maximum size")

	// ErrAborted reports a peer ABORT chunk.
	ErrAborted = errors.New("association: aborted by peer")

	// ErrVerificationTagMismatch reports a packet carrying the wrong
	// verification tag. Fatal per the error taxonomy.
	ErrVerificationTagMismatch = errors.New("association: verification tag mismatch")

	// ErrTooManyBadPackets reports that the undecodable-datagram
	// threshold was exceeded.
	ErrTooManyBadPackets = errors.New("association: too many malformed packets")

	// ErrProtocolViolation reports a malformed or illegal chunk sequence.
	ErrProtocolViolation = errors.New("association: protocol violation")

	// ErrHandshakeFailed reports that the handshake could not complete.
	ErrHandshakeFailed = errors.New("association: handshake failed")

	// ErrHandshakeTimeout reports exhausted INIT/COOKIE-ECHO retries.
	ErrHandshakeTimeout = errors.New("association: handshake timed out")

	// ErrShutdownTimeout reports exhausted SHUTDOWN retries.
	ErrShutdownTimeout = errors.New("association: shutdown timed out")

	// ErrReceiveBufferExhausted reports a reassembled message exceeding
	// the maximum message size. Resource guard, aborts the association.
	ErrReceiveBufferExhausted = errors.New("association: reassembly over message size limit")

	// ErrUserAbort reports a local Abort call.
	ErrUserAbort = errors.New("association: aborted locally")
)
