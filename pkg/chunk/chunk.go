package chunk

import (
	"encoding/binary"
	"fmt"
)

// Type identifies an SCTP chunk type (RFC 4960 Section 3.2, RFC 6525,
// RFC 3758).
type Type uint8

// Chunk types used by the data-channel stack.
const (
	TypeData             Type = 0
	TypeInit             Type = 1
	TypeInitAck          Type = 2
	TypeSack             Type = 3
	TypeHeartbeat        Type = 4
	TypeHeartbeatAck     Type = 5
	TypeAbort            Type = 6
	TypeShutdown         Type = 7
	TypeShutdownAck      Type = 8
	TypeError            Type = 9
	TypeCookieEcho       Type = 10
	TypeCookieAck        Type = 11
	TypeShutdownComplete Type = 14
	TypeReconfig         Type = 130
	TypeForwardTSN       Type = 192
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeInit:
		return "INIT"
	case TypeInitAck:
		return "INIT-ACK"
	case TypeSack:
		return "SACK"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeHeartbeatAck:
		return "HEARTBEAT-ACK"
	case TypeAbort:
		return "ABORT"
	case TypeShutdown:
		return "SHUTDOWN"
	case TypeShutdownAck:
		return "SHUTDOWN-ACK"
	case TypeError:
		return "ERROR"
	case TypeCookieEcho:
		return "COOKIE-ECHO"
	case TypeCookieAck:
		return "COOKIE-ACK"
	case TypeShutdownComplete:
		return "SHUTDOWN-COMPLETE"
	case TypeReconfig:
		return "RECONFIG"
	case TypeForwardTSN:
		return "FORWARD-TSN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// DATA chunk flag bits (RFC 4960 Section 3.3.1).
const (
	dataFlagEndFragment   = 0x01
	dataFlagBeginFragment = 0x02
	dataFlagUnordered     = 0x04
)

// Chunk is the tagged union over all chunk kinds. Consumers dispatch with a
// type switch; the codec rejects nothing here, validation happens during
// Unmarshal.
type Chunk interface {
	// ChunkType returns the wire type of the chunk.
	ChunkType() Type

	flags() uint8
	marshalValue() ([]byte, error)
}

// Data carries a fragment of a user message (RFC 4960 Section 3.3.1).
type Data struct {
	// Unordered marks the U bit: the message bypasses stream-sequence
	// ordering on delivery.
	Unordered bool

	// Begin and End mark the B/E fragmentation bits. An unfragmented
	// message has both set.
	Begin bool
	End   bool

	// TSN is the transmission sequence number of this fragment.
	TSN uint32

	// StreamID identifies the stream the message belongs to.
	StreamID uint16

	// StreamSeq is the stream sequence number (ignored when Unordered).
	StreamSeq uint16

	// PPID is the payload protocol identifier, passed through opaquely.
	PPID uint32

	// UserData is the fragment payload.
	UserData []byte
}

// ChunkType implements Chunk.
func (d *Data) ChunkType() Type { return TypeData }

func (d *Data) flags() uint8 {
	var f uint8
	if d.End {
		f |= dataFlagEndFragment
	}
	if d.Begin {
		f |= dataFlagBeginFragment
	}
	if d.Unordered {
		f |= dataFlagUnordered
	}
	return f
}

func (d *Data) marshalValue() ([]byte, error) {
	value := make([]byte, 12+len(d.UserData))
	binary.BigEndian.PutUint32(value[0:], d.TSN)
	binary.BigEndian.PutUint16(value[4:], d.StreamID)
	binary.BigEndian.PutUint16(value[6:], d.StreamSeq)
	binary.BigEndian.PutUint32(value[8:], d.PPID)
	copy(value[12:], d.UserData)
	return value, nil
}

func unmarshalData(flags uint8, value []byte) (*Data, error) {
	if len(value) < 12 {
		return nil, ErrChunkValueTooShort
	}
	// user data is copied: reassembly buffers outlive the datagram
	return &Data{
		Unordered: flags&dataFlagUnordered != 0,
		Begin:     flags&dataFlagBeginFragment != 0,
		End:       flags&dataFlagEndFragment != 0,
		TSN:       binary.BigEndian.Uint32(value[0:]),
		StreamID:  binary.BigEndian.Uint16(value[4:]),
		StreamSeq: binary.BigEndian.Uint16(value[6:]),
		PPID:      binary.BigEndian.Uint32(value[8:]),
		UserData:  append([]byte(nil), value[12:]...),
	}, nil
}

func (d *Data) String() string {
	return fmt.Sprintf("DATA(tsn=%d stream=%d seq=%d len=%d begin=%t end=%t unordered=%t)",
		d.TSN, d.StreamID, d.StreamSeq, len(d.UserData), d.Begin, d.End, d.Unordered)
}

// initValue is the shared fixed part of INIT and INIT-ACK
// (RFC 4960 Sections 3.3.2 and 3.3.3).
type initValue struct {
	// InitiateTag is the verification tag the peer must use on packets
	// sent to the chunk's originator.
	InitiateTag uint32

	// AdvertisedRwnd is the originator's receive window in bytes.
	AdvertisedRwnd uint32

	// OutboundStreams is the number of outbound streams the originator
	// wishes to open.
	OutboundStreams uint16

	// InboundStreams is the maximum number of inbound streams the
	// originator supports.
	InboundStreams uint16

	// InitialTSN is the first TSN the originator will use.
	InitialTSN uint32

	// Params holds optional TLV parameters (state cookie, supported
	// extensions, Forward-TSN support).
	Params []Param
}

func (v *initValue) flags() uint8 { return 0 }

func (v *initValue) marshalValue() ([]byte, error) {
	value := make([]byte, 16)
	binary.BigEndian.PutUint32(value[0:], v.InitiateTag)
	binary.BigEndian.PutUint32(value[4:], v.AdvertisedRwnd)
	binary.BigEndian.PutUint16(value[8:], v.OutboundStreams)
	binary.BigEndian.PutUint16(value[10:], v.InboundStreams)
	binary.BigEndian.PutUint32(value[12:], v.InitialTSN)
	params, err := marshalParams(v.Params)
	if err != nil {
		return nil, err
	}
	return append(value, params...), nil
}

func (v *initValue) unmarshal(value []byte) error {
	if len(value) < 16 {
		return ErrChunkValueTooShort
	}
	v.InitiateTag = binary.BigEndian.Uint32(value[0:])
	v.AdvertisedRwnd = binary.BigEndian.Uint32(value[4:])
	v.OutboundStreams = binary.BigEndian.Uint16(value[8:])
	v.InboundStreams = binary.BigEndian.Uint16(value[10:])
	v.InitialTSN = binary.BigEndian.Uint32(value[12:])
	params, err := unmarshalParams(value[16:])
	if err != nil {
		return err
	}
	v.Params = params
	return nil
}

// Init starts the association handshake (RFC 4960 Section 3.3.2).
type Init struct {
	initValue
}

// ChunkType implements Chunk.
func (c *Init) ChunkType() Type { return TypeInit }

func (c *Init) String() string {
	return fmt.Sprintf("INIT(tag=%d rwnd=%d out=%d in=%d tsn=%d)",
		c.InitiateTag, c.AdvertisedRwnd, c.OutboundStreams, c.InboundStreams, c.InitialTSN)
}

// InitAck answers an Init and carries the state cookie
// (RFC 4960 Section 3.3.3).
type InitAck struct {
	initValue
}

// ChunkType implements Chunk.
func (c *InitAck) ChunkType() Type { return TypeInitAck }

func (c *InitAck) String() string {
	return fmt.Sprintf("INIT-ACK(tag=%d rwnd=%d out=%d in=%d tsn=%d)",
		c.InitiateTag, c.AdvertisedRwnd, c.OutboundStreams, c.InboundStreams, c.InitialTSN)
}

// GapBlock is one gap-ack block in a SACK, expressed as offsets from the
// cumulative TSN (RFC 4960 Section 3.3.4).
type GapBlock struct {
	Start uint16
	End   uint16
}

// Sack is a selective acknowledgement (RFC 4960 Section 3.3.4).
type Sack struct {
	// CumulativeTSN acknowledges all TSNs up to and including this one.
	CumulativeTSN uint32

	// AdvertisedRwnd is the sender's current receive window in bytes.
	AdvertisedRwnd uint32

	// Gaps lists additionally received TSN ranges beyond the cumulative
	// point. Blocks are ascending and non-overlapping.
	Gaps []GapBlock

	// Duplicates lists TSNs received more than once since the last SACK.
	Duplicates []uint32
}

// ChunkType implements Chunk.
func (c *Sack) ChunkType() Type { return TypeSack }

func (c *Sack) flags() uint8 { return 0 }

func (c *Sack) marshalValue() ([]byte, error) {
	value := make([]byte, 12, 12+4*(len(c.Gaps)+len(c.Duplicates)))
	binary.BigEndian.PutUint32(value[0:], c.CumulativeTSN)
	binary.BigEndian.PutUint32(value[4:], c.AdvertisedRwnd)
	binary.BigEndian.PutUint16(value[8:], uint16(len(c.Gaps)))
	binary.BigEndian.PutUint16(value[10:], uint16(len(c.Duplicates)))
	var scratch [4]byte
	for _, gap := range c.Gaps {
		binary.BigEndian.PutUint16(scratch[0:], gap.Start)
		binary.BigEndian.PutUint16(scratch[2:], gap.End)
		value = append(value, scratch[:]...)
	}
	for _, tsn := range c.Duplicates {
		binary.BigEndian.PutUint32(scratch[:], tsn)
		value = append(value, scratch[:]...)
	}
	return value, nil
}

func unmarshalSack(value []byte) (*Sack, error) {
	if len(value) < 12 {
		return nil, ErrChunkValueTooShort
	}
	sack := &Sack{
		CumulativeTSN:  binary.BigEndian.Uint32(value[0:]),
		AdvertisedRwnd: binary.BigEndian.Uint32(value[4:]),
	}
	nbGaps := int(binary.BigEndian.Uint16(value[8:]))
	nbDuplicates := int(binary.BigEndian.Uint16(value[10:]))
	if len(value) < 12+4*(nbGaps+nbDuplicates) {
		return nil, ErrChunkValueTooShort
	}
	pos := 12
	for i := 0; i < nbGaps; i++ {
		sack.Gaps = append(sack.Gaps, GapBlock{
			Start: binary.BigEndian.Uint16(value[pos:]),
			End:   binary.BigEndian.Uint16(value[pos+2:]),
		})
		pos += 4
	}
	for i := 0; i < nbDuplicates; i++ {
		sack.Duplicates = append(sack.Duplicates, binary.BigEndian.Uint32(value[pos:]))
		pos += 4
	}
	return sack, nil
}

func (c *Sack) String() string {
	return fmt.Sprintf("SACK(cum=%d rwnd=%d gaps=%d dups=%d)",
		c.CumulativeTSN, c.AdvertisedRwnd, len(c.Gaps), len(c.Duplicates))
}

// Heartbeat probes a path (RFC 4960 Section 3.3.5). The heartbeat info
// parameter is treated as opaque and echoed back verbatim.
type Heartbeat struct {
	Params []Param
}

// ChunkType implements Chunk.
func (c *Heartbeat) ChunkType() Type { return TypeHeartbeat }

func (c *Heartbeat) flags() uint8 { return 0 }

func (c *Heartbeat) marshalValue() ([]byte, error) { return marshalParams(c.Params) }

func (c *Heartbeat) String() string { return "HEARTBEAT" }

// HeartbeatAck answers a Heartbeat (RFC 4960 Section 3.3.6).
type HeartbeatAck struct {
	Params []Param
}

// ChunkType implements Chunk.
func (c *HeartbeatAck) ChunkType() Type { return TypeHeartbeatAck }

func (c *HeartbeatAck) flags() uint8 { return 0 }

func (c *HeartbeatAck) marshalValue() ([]byte, error) { return marshalParams(c.Params) }

func (c *HeartbeatAck) String() string { return "HEARTBEAT-ACK" }

// Abort terminates the association immediately (RFC 4960 Section 3.3.7).
type Abort struct {
	// Causes holds optional error-cause parameters.
	Causes []Param
}

// ChunkType implements Chunk.
func (c *Abort) ChunkType() Type { return TypeAbort }

func (c *Abort) flags() uint8 { return 0 }

func (c *Abort) marshalValue() ([]byte, error) { return marshalParams(c.Causes) }

func (c *Abort) String() string { return fmt.Sprintf("ABORT(causes=%d)", len(c.Causes)) }

// ErrorChunk reports non-fatal protocol errors (RFC 4960 Section 3.3.10).
type ErrorChunk struct {
	Causes []Param
}

// ChunkType implements Chunk.
func (c *ErrorChunk) ChunkType() Type { return TypeError }

func (c *ErrorChunk) flags() uint8 { return 0 }

func (c *ErrorChunk) marshalValue() ([]byte, error) { return marshalParams(c.Causes) }

func (c *ErrorChunk) String() string { return fmt.Sprintf("ERROR(causes=%d)", len(c.Causes)) }

// Shutdown starts a graceful teardown (RFC 4960 Section 3.3.8).
type Shutdown struct {
	// CumulativeTSN is the last TSN received in sequence from the peer.
	CumulativeTSN uint32
}

// ChunkType implements Chunk.
func (c *Shutdown) ChunkType() Type { return TypeShutdown }

func (c *Shutdown) flags() uint8 { return 0 }

func (c *Shutdown) marshalValue() ([]byte, error) {
	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, c.CumulativeTSN)
	return value, nil
}

func (c *Shutdown) String() string { return fmt.Sprintf("SHUTDOWN(cum=%d)", c.CumulativeTSN) }

// ShutdownAck acknowledges a Shutdown (RFC 4960 Section 3.3.9).
type ShutdownAck struct{}

// ChunkType implements Chunk.
func (c *ShutdownAck) ChunkType() Type { return TypeShutdownAck }

func (c *ShutdownAck) flags() uint8 { return 0 }

func (c *ShutdownAck) marshalValue() ([]byte, error) { return nil, nil }

func (c *ShutdownAck) String() string { return "SHUTDOWN-ACK" }

// ShutdownComplete finishes a graceful teardown (RFC 4960 Section 3.3.13).
type ShutdownComplete struct{}

// ChunkType implements Chunk.
func (c *ShutdownComplete) ChunkType() Type { return TypeShutdownComplete }

func (c *ShutdownComplete) flags() uint8 { return 0 }

func (c *ShutdownComplete) marshalValue() ([]byte, error) { return nil, nil }

func (c *ShutdownComplete) String() string { return "SHUTDOWN-COMPLETE" }

// CookieEcho returns the state cookie from an InitAck
// (RFC 4960 Section 3.3.11).
type CookieEcho struct {
	Cookie []byte
}

// ChunkType implements Chunk.
func (c *CookieEcho) ChunkType() Type { return TypeCookieEcho }

func (c *CookieEcho) flags() uint8 { return 0 }

func (c *CookieEcho) marshalValue() ([]byte, error) { return c.Cookie, nil }

func (c *CookieEcho) String() string { return fmt.Sprintf("COOKIE-ECHO(len=%d)", len(c.Cookie)) }

// CookieAck completes the handshake (RFC 4960 Section 3.3.12).
type CookieAck struct{}

// ChunkType implements Chunk.
func (c *CookieAck) ChunkType() Type { return TypeCookieAck }

func (c *CookieAck) flags() uint8 { return 0 }

func (c *CookieAck) marshalValue() ([]byte, error) { return nil, nil }

func (c *CookieAck) String() string { return "COOKIE-ACK" }

// StreamSeqPair names the highest outgoing stream sequence number skipped on
// a stream by a ForwardTSN chunk.
type StreamSeqPair struct {
	StreamID  uint16
	StreamSeq uint16
}

// ForwardTSN tells the receiver to advance its cumulative TSN past abandoned
// chunks (RFC 3758 Section 3.2).
type ForwardTSN struct {
	// CumulativeTSN is the new cumulative TSN the receiver should adopt.
	CumulativeTSN uint32

	// Streams lists ordered streams whose sequence numbers were skipped.
	Streams []StreamSeqPair
}

// ChunkType implements Chunk.
func (c *ForwardTSN) ChunkType() Type { return TypeForwardTSN }

func (c *ForwardTSN) flags() uint8 { return 0 }

func (c *ForwardTSN) marshalValue() ([]byte, error) {
	value := make([]byte, 4, 4+4*len(c.Streams))
	binary.BigEndian.PutUint32(value, c.CumulativeTSN)
	var scratch [4]byte
	for _, s := range c.Streams {
		binary.BigEndian.PutUint16(scratch[0:], s.StreamID)
		binary.BigEndian.PutUint16(scratch[2:], s.StreamSeq)
		value = append(value, scratch[:]...)
	}
	return value, nil
}

func unmarshalForwardTSN(value []byte) (*ForwardTSN, error) {
	if len(value) < 4 {
		return nil, ErrChunkValueTooShort
	}
	fwd := &ForwardTSN{CumulativeTSN: binary.BigEndian.Uint32(value)}
	for pos := 4; pos+4 <= len(value); pos += 4 {
		fwd.Streams = append(fwd.Streams, StreamSeqPair{
			StreamID:  binary.BigEndian.Uint16(value[pos:]),
			StreamSeq: binary.BigEndian.Uint16(value[pos+2:]),
		})
	}
	return fwd, nil
}

func (c *ForwardTSN) String() string {
	return fmt.Sprintf("FORWARD-TSN(cum=%d streams=%d)", c.CumulativeTSN, len(c.Streams))
}
