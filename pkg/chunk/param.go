package chunk

import "encoding/binary"

// ParamType identifies a TLV parameter inside a chunk value.
type ParamType uint16

// Parameter and error-cause types used by the data-channel stack.
const (
	// CauseInvalidStream reports data on a non-existent stream
	// (RFC 4960 Section 3.3.10.1).
	CauseInvalidStream ParamType = 0x0001

	// CauseStaleCookie reports an expired state cookie
	// (RFC 4960 Section 3.3.10.3).
	CauseStaleCookie ParamType = 0x0003

	// ParamStateCookie carries the state cookie in an InitAck
	// (RFC 4960 Section 3.3.3.1).
	ParamStateCookie ParamType = 0x0007

	// ParamSupportedExtensions lists supported extension chunk types
	// (RFC 5061 Section 4.2.7).
	ParamSupportedExtensions ParamType = 0x8008

	// ParamForwardTSNSupported signals partial-reliability support
	// (RFC 3758 Section 3.1).
	ParamForwardTSNSupported ParamType = 0xC000
)

// Param is a TLV parameter: 2-byte type, 2-byte length covering type, length
// and value, value padded to a 4-byte boundary.
type Param struct {
	Type  ParamType
	Value []byte
}

const paramHeaderSize = 4

// pad4 returns the number of padding bytes needed to reach a 4-byte boundary.
func pad4(length int) int {
	if m := length % 4; m != 0 {
		return 4 - m
	}
	return 0
}

func marshalParams(params []Param) ([]byte, error) {
	var out []byte
	for i, p := range params {
		length := paramHeaderSize + len(p.Value)
		var header [paramHeaderSize]byte
		binary.BigEndian.PutUint16(header[0:], uint16(p.Type))
		binary.BigEndian.PutUint16(header[2:], uint16(length))
		out = append(out, header[:]...)
		out = append(out, p.Value...)
		// padding is omitted after the final parameter
		if i < len(params)-1 {
			out = append(out, make([]byte, pad4(length))...)
		}
	}
	return out, nil
}

func unmarshalParams(value []byte) ([]Param, error) {
	var params []Param
	pos := 0
	for pos <= len(value)-paramHeaderSize {
		paramType := binary.BigEndian.Uint16(value[pos:])
		paramLength := int(binary.BigEndian.Uint16(value[pos+2:]))
		if paramLength < paramHeaderSize || pos+paramLength > len(value) {
			return nil, ErrParamTruncated
		}
		params = append(params, Param{
			Type:  ParamType(paramType),
			Value: append([]byte(nil), value[pos+paramHeaderSize:pos+paramLength]...),
		})
		pos += paramLength + pad4(paramLength)
	}
	return params, nil
}
