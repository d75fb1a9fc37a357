package chunk

import "errors"

// Errors returned by the chunk codec.
var (
	// ErrPacketTooShort is returned when a datagram is smaller than the
	// 12-byte SCTP common header.
	ErrPacketTooShort = errors.New("chunk: packet shorter than common header")

	// ErrChecksumMismatch is returned when the CRC32c over the packet does
	// not match the checksum field. The whole datagram is discarded.
	ErrChecksumMismatch = errors.New("chunk: invalid checksum")

	// ErrChunkTruncated is returned when a chunk header declares a length
	// that runs past the end of the datagram.
	ErrChunkTruncated = errors.New("chunk: declared length exceeds packet")

	// ErrChunkValueTooShort is returned when a chunk value is smaller than
	// the fixed fields its type requires.
	ErrChunkValueTooShort = errors.New("chunk: value shorter than fixed fields")

	// ErrChunkLengthInvalid is returned when a chunk header declares a
	// length below the 4-byte chunk header itself.
	ErrChunkLengthInvalid = errors.New("chunk: declared length below header size")

	// ErrParamTruncated is returned when a TLV parameter declares a length
	// that runs past the enclosing value.
	ErrParamTruncated = errors.New("chunk: parameter length exceeds value")

	// ErrPacketTooLarge is returned by the packetizer when a single chunk
	// cannot fit the configured maximum datagram size.
	ErrPacketTooLarge = errors.New("chunk: chunk exceeds maximum packet size")
)
