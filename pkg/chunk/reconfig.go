package chunk

import (
	"encoding/binary"
	"fmt"
)

// RE-CONFIG parameter types (RFC 6525 Section 3).
const (
	// ParamOutgoingResetRequest asks the peer to reset the sequence
	// numbers of the sender's outgoing streams (RFC 6525 Section 4.1).
	ParamOutgoingResetRequest ParamType = 13

	// ParamResetResponse answers a reset or add-streams request
	// (RFC 6525 Section 4.4).
	ParamResetResponse ParamType = 16

	// ParamAddOutgoingStreams asks for additional outgoing streams
	// (RFC 6525 Section 4.5).
	ParamAddOutgoingStreams ParamType = 17
)

// Reset response results (RFC 6525 Section 4.4).
const (
	ReconfigResultSuccessNothingToDo uint32 = 0
	ReconfigResultSuccessPerformed   uint32 = 1
	ReconfigResultDenied             uint32 = 2
)

// ReconfigParam is the tagged union over RE-CONFIG parameters carried in a
// Reconfig chunk.
type ReconfigParam interface {
	reconfigParam() Param
}

// OutgoingResetRequest resets the sender's outgoing streams
// (RFC 6525 Section 4.1).
type OutgoingResetRequest struct {
	// RequestSeq identifies this request; responses name it.
	RequestSeq uint32

	// ResponseSeq is the last request sequence processed from the peer.
	ResponseSeq uint32

	// LastTSN is the last TSN assigned before the reset takes effect.
	LastTSN uint32

	// StreamIDs lists the outgoing streams to reset.
	StreamIDs []uint16
}

func (r *OutgoingResetRequest) reconfigParam() Param {
	value := make([]byte, 12, 12+2*len(r.StreamIDs))
	binary.BigEndian.PutUint32(value[0:], r.RequestSeq)
	binary.BigEndian.PutUint32(value[4:], r.ResponseSeq)
	binary.BigEndian.PutUint32(value[8:], r.LastTSN)
	var scratch [2]byte
	for _, id := range r.StreamIDs {
		binary.BigEndian.PutUint16(scratch[:], id)
		value = append(value, scratch[:]...)
	}
	return Param{Type: ParamOutgoingResetRequest, Value: value}
}

func (r *OutgoingResetRequest) String() string {
	return fmt.Sprintf("OutgoingResetRequest(req=%d resp=%d lastTSN=%d streams=%v)",
		r.RequestSeq, r.ResponseSeq, r.LastTSN, r.StreamIDs)
}

// ResetResponse answers an OutgoingResetRequest or AddOutgoingStreams
// (RFC 6525 Section 4.4).
type ResetResponse struct {
	ResponseSeq uint32
	Result      uint32
}

func (r *ResetResponse) reconfigParam() Param {
	value := make([]byte, 8)
	binary.BigEndian.PutUint32(value[0:], r.ResponseSeq)
	binary.BigEndian.PutUint32(value[4:], r.Result)
	return Param{Type: ParamResetResponse, Value: value}
}

func (r *ResetResponse) String() string {
	return fmt.Sprintf("ResetResponse(resp=%d result=%d)", r.ResponseSeq, r.Result)
}

// AddOutgoingStreams requests additional outgoing streams
// (RFC 6525 Section 4.5).
type AddOutgoingStreams struct {
	RequestSeq uint32
	NewStreams uint16
}

func (r *AddOutgoingStreams) reconfigParam() Param {
	value := make([]byte, 8)
	binary.BigEndian.PutUint32(value[0:], r.RequestSeq)
	binary.BigEndian.PutUint16(value[4:], r.NewStreams)
	return Param{Type: ParamAddOutgoingStreams, Value: value}
}

func (r *AddOutgoingStreams) String() string {
	return fmt.Sprintf("AddOutgoingStreams(req=%d new=%d)", r.RequestSeq, r.NewStreams)
}

// Reconfig carries RE-CONFIG parameters (RFC 6525 Section 3.1). Parameters
// of unknown type are dropped during decode.
type Reconfig struct {
	Params []ReconfigParam
}

// ChunkType implements Chunk.
func (c *Reconfig) ChunkType() Type { return TypeReconfig }

func (c *Reconfig) flags() uint8 { return 0 }

func (c *Reconfig) marshalValue() ([]byte, error) {
	params := make([]Param, 0, len(c.Params))
	for _, p := range c.Params {
		params = append(params, p.reconfigParam())
	}
	return marshalParams(params)
}

func unmarshalReconfig(value []byte) (*Reconfig, error) {
	params, err := unmarshalParams(value)
	if err != nil {
		return nil, err
	}
	reconfig := &Reconfig{}
	for _, p := range params {
		typed, err := unmarshalReconfigParam(p)
		if err != nil {
			return nil, err
		}
		if typed != nil {
			reconfig.Params = append(reconfig.Params, typed)
		}
	}
	return reconfig, nil
}

func unmarshalReconfigParam(p Param) (ReconfigParam, error) {
	switch p.Type {
	case ParamOutgoingResetRequest:
		if len(p.Value) < 12 {
			return nil, ErrChunkValueTooShort
		}
		req := &OutgoingResetRequest{
			RequestSeq:  binary.BigEndian.Uint32(p.Value[0:]),
			ResponseSeq: binary.BigEndian.Uint32(p.Value[4:]),
			LastTSN:     binary.BigEndian.Uint32(p.Value[8:]),
		}
		for pos := 12; pos+2 <= len(p.Value); pos += 2 {
			req.StreamIDs = append(req.StreamIDs, binary.BigEndian.Uint16(p.Value[pos:]))
		}
		return req, nil
	case ParamResetResponse:
		if len(p.Value) < 8 {
			return nil, ErrChunkValueTooShort
		}
		return &ResetResponse{
			ResponseSeq: binary.BigEndian.Uint32(p.Value[0:]),
			Result:      binary.BigEndian.Uint32(p.Value[4:]),
		}, nil
	case ParamAddOutgoingStreams:
		if len(p.Value) < 8 {
			return nil, ErrChunkValueTooShort
		}
		return &AddOutgoingStreams{
			RequestSeq: binary.BigEndian.Uint32(p.Value[0:]),
			NewStreams: binary.BigEndian.Uint16(p.Value[4:]),
		}, nil
	default:
		return nil, nil
	}
}

func (c *Reconfig) String() string {
	return fmt.Sprintf("RECONFIG(params=%d)", len(c.Params))
}
