package chunk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Packet size constants.
const (
	// CommonHeaderSize is the size of the SCTP common header:
	// source port (2) + destination port (2) + verification tag (4) +
	// checksum (4).
	CommonHeaderSize = 12

	// ChunkHeaderSize is the size of a chunk header:
	// type (1) + flags (1) + length (2).
	ChunkHeaderSize = 4

	// DataChunkOverhead is the wire overhead of a DATA chunk beyond its
	// user data: chunk header plus TSN, stream id, stream sequence and
	// payload protocol id fields.
	DataChunkOverhead = ChunkHeaderSize + 12
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Packet is one SCTP datagram: a common header followed by one or more
// chunks (RFC 4960 Section 3.1).
type Packet struct {
	SourcePort      uint16
	DestinationPort uint16

	// VerificationTag must match the receiver's local tag, except for
	// packets carrying an Init, which use tag zero.
	VerificationTag uint32

	Chunks []Chunk

	// Skipped counts chunks of unknown type dropped during Unmarshal.
	// Unknown types are non-fatal, the rest of the packet is kept.
	Skipped int
}

func marshalChunk(c Chunk) ([]byte, error) {
	value, err := c.marshalValue()
	if err != nil {
		return nil, err
	}
	length := ChunkHeaderSize + len(value)
	out := make([]byte, length+pad4(length))
	out[0] = uint8(c.ChunkType())
	out[1] = c.flags()
	binary.BigEndian.PutUint16(out[2:], uint16(length))
	copy(out[ChunkHeaderSize:], value)
	return out, nil
}

// chunkSize returns the padded wire size of a chunk.
func chunkSize(c Chunk) (int, error) {
	value, err := c.marshalValue()
	if err != nil {
		return 0, err
	}
	length := ChunkHeaderSize + len(value)
	return length + pad4(length), nil
}

// Marshal encodes the packet, bundling all chunks into one datagram, and
// fills in the CRC32c checksum.
func (p *Packet) Marshal() ([]byte, error) {
	out := make([]byte, CommonHeaderSize)
	binary.BigEndian.PutUint16(out[0:], p.SourcePort)
	binary.BigEndian.PutUint16(out[2:], p.DestinationPort)
	binary.BigEndian.PutUint32(out[4:], p.VerificationTag)

	for _, c := range p.Chunks {
		encoded, err := marshalChunk(c)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded...)
	}

	// checksum is computed with its own field zeroed
	binary.LittleEndian.PutUint32(out[8:], crc32.Checksum(out, castagnoli))
	return out, nil
}

// Unmarshal decodes a datagram. Malformed lengths or a checksum mismatch
// discard the whole datagram; unknown chunk types are skipped and counted.
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) < CommonHeaderSize {
		return ErrPacketTooShort
	}
	p.SourcePort = binary.BigEndian.Uint16(data[0:])
	p.DestinationPort = binary.BigEndian.Uint16(data[2:])
	p.VerificationTag = binary.BigEndian.Uint32(data[4:])

	checksum := binary.LittleEndian.Uint32(data[8:])
	digest := crc32.New(castagnoli)
	digest.Write(data[0:8])               //nolint:errcheck
	digest.Write([]byte{0, 0, 0, 0})      //nolint:errcheck
	digest.Write(data[CommonHeaderSize:]) //nolint:errcheck
	if checksum != digest.Sum32() {
		return ErrChecksumMismatch
	}

	p.Chunks = nil
	p.Skipped = 0
	pos := CommonHeaderSize
	for pos <= len(data)-ChunkHeaderSize {
		chunkType := Type(data[pos])
		chunkFlags := data[pos+1]
		chunkLength := int(binary.BigEndian.Uint16(data[pos+2:]))
		if chunkLength < ChunkHeaderSize {
			return ErrChunkLengthInvalid
		}
		if pos+chunkLength > len(data) {
			return ErrChunkTruncated
		}
		value := data[pos+ChunkHeaderSize : pos+chunkLength]

		c, err := unmarshalChunk(chunkType, chunkFlags, value)
		if err != nil {
			return fmt.Errorf("chunk: unmarshal %s: %w", chunkType, err)
		}
		if c != nil {
			p.Chunks = append(p.Chunks, c)
		} else {
			p.Skipped++
		}
		pos += chunkLength + pad4(chunkLength)
	}
	return nil
}

// unmarshalChunk decodes one chunk value. A nil, nil return marks an unknown
// chunk type, which the caller skips.
func unmarshalChunk(chunkType Type, flags uint8, value []byte) (Chunk, error) {
	switch chunkType {
	case TypeData:
		return unmarshalData(flags, value)
	case TypeInit:
		c := &Init{}
		if err := c.initValue.unmarshal(value); err != nil {
			return nil, err
		}
		return c, nil
	case TypeInitAck:
		c := &InitAck{}
		if err := c.initValue.unmarshal(value); err != nil {
			return nil, err
		}
		return c, nil
	case TypeSack:
		return unmarshalSack(value)
	case TypeHeartbeat:
		params, err := unmarshalParams(value)
		if err != nil {
			return nil, err
		}
		return &Heartbeat{Params: params}, nil
	case TypeHeartbeatAck:
		params, err := unmarshalParams(value)
		if err != nil {
			return nil, err
		}
		return &HeartbeatAck{Params: params}, nil
	case TypeAbort:
		causes, err := unmarshalParams(value)
		if err != nil {
			return nil, err
		}
		return &Abort{Causes: causes}, nil
	case TypeShutdown:
		if len(value) < 4 {
			return nil, ErrChunkValueTooShort
		}
		return &Shutdown{CumulativeTSN: binary.BigEndian.Uint32(value)}, nil
	case TypeShutdownAck:
		return &ShutdownAck{}, nil
	case TypeError:
		causes, err := unmarshalParams(value)
		if err != nil {
			return nil, err
		}
		return &ErrorChunk{Causes: causes}, nil
	case TypeCookieEcho:
		return &CookieEcho{Cookie: append([]byte(nil), value...)}, nil
	case TypeCookieAck:
		return &CookieAck{}, nil
	case TypeShutdownComplete:
		return &ShutdownComplete{}, nil
	case TypeReconfig:
		return unmarshalReconfig(value)
	case TypeForwardTSN:
		return unmarshalForwardTSN(value)
	default:
		return nil, nil
	}
}

// Packetizer bundles chunks into datagrams bounded by MaxSize. Chunks are
// emitted in order; a new datagram starts whenever the next chunk would not
// fit. Init, InitAck and ShutdownComplete are never bundled with other
// chunks (RFC 4960 Section 6.10).
type Packetizer struct {
	SourcePort      uint16
	DestinationPort uint16
	MaxSize         int
}

func unbundleable(c Chunk) bool {
	switch c.ChunkType() {
	case TypeInit, TypeInitAck, TypeShutdownComplete:
		return true
	default:
		return false
	}
}

// Packetize encodes chunks into one or more datagrams using the given
// verification tag.
func (pz *Packetizer) Packetize(verificationTag uint32, chunks []Chunk) ([][]byte, error) {
	var datagrams [][]byte
	var pending []Chunk
	pendingSize := CommonHeaderSize

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		packet := &Packet{
			SourcePort:      pz.SourcePort,
			DestinationPort: pz.DestinationPort,
			VerificationTag: verificationTag,
			Chunks:          pending,
		}
		raw, err := packet.Marshal()
		if err != nil {
			return err
		}
		datagrams = append(datagrams, raw)
		pending = nil
		pendingSize = CommonHeaderSize
		return nil
	}

	for _, c := range chunks {
		size, err := chunkSize(c)
		if err != nil {
			return nil, err
		}
		if CommonHeaderSize+size > pz.MaxSize {
			return nil, ErrPacketTooLarge
		}
		if unbundleable(c) || pendingSize+size > pz.MaxSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		pending = append(pending, c)
		pendingSize += size
		if unbundleable(c) {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return datagrams, nil
}
