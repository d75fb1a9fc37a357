package channel

import (
	"encoding/binary"
	"math"
)

// Payload protocol identifiers used by WebRTC data channels (RFC 8831
// Section 8). Empty messages get their own PPIDs and carry a single zero
// byte, since a DATA chunk cannot be empty.
const (
	ppidDCEP        uint32 = 50
	ppidString      uint32 = 51
	ppidBinary      uint32 = 53
	ppidStringEmpty uint32 = 56
	ppidBinaryEmpty uint32 = 57
)

// Data channel establishment protocol message types (RFC 8832 Section 8.2).
const (
	messageTypeAck  uint8 = 0x02
	messageTypeOpen uint8 = 0x03
)

// Channel types carried in DATA_CHANNEL_OPEN (RFC 8832 Section 5.1). The
// high bit selects unordered delivery.
const (
	channelTypeReliable      uint8 = 0x00
	channelTypePartialRexmit uint8 = 0x01
	channelTypePartialTimed  uint8 = 0x02
	channelTypeUnorderedFlag uint8 = 0x80
)

// openMessage is the decoded form of DATA_CHANNEL_OPEN.
type openMessage struct {
	channelType      uint8
	priority         uint16
	reliabilityParam uint32
	label            string
	protocol         string
}

func (m *openMessage) marshal() ([]byte, error) {
	if len(m.label) > math.MaxUint16 || len(m.protocol) > math.MaxUint16 {
		return nil, ErrLabelTooLong
	}
	out := make([]byte, 12, 12+len(m.label)+len(m.protocol))
	out[0] = messageTypeOpen
	out[1] = m.channelType
	binary.BigEndian.PutUint16(out[2:], m.priority)
	binary.BigEndian.PutUint32(out[4:], m.reliabilityParam)
	binary.BigEndian.PutUint16(out[8:], uint16(len(m.label)))
	binary.BigEndian.PutUint16(out[10:], uint16(len(m.protocol)))
	out = append(out, m.label...)
	out = append(out, m.protocol...)
	return out, nil
}

func unmarshalOpen(data []byte) (*openMessage, error) {
	if len(data) < 12 {
		return nil, ErrOpenTruncated
	}
	m := &openMessage{
		channelType:      data[1],
		priority:         binary.BigEndian.Uint16(data[2:]),
		reliabilityParam: binary.BigEndian.Uint32(data[4:]),
	}
	labelLen := int(binary.BigEndian.Uint16(data[8:]))
	protocolLen := int(binary.BigEndian.Uint16(data[10:]))
	if len(data) < 12+labelLen+protocolLen {
		return nil, ErrOpenTruncated
	}
	m.label = string(data[12 : 12+labelLen])
	m.protocol = string(data[12+labelLen : 12+labelLen+protocolLen])
	return m, nil
}
