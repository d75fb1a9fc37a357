package association

import (
	"github.com/backkem/sctp/pkg/chunk"
)

// transmitReconfig starts the next outgoing stream-reset negotiation.
// Negotiations are serialized: a new request only goes out once the response
// to the previous one has arrived, and each request carries a bounded number
// of stream ids. The request is held back while data for a stream awaiting
// reset is still queued or in flight, so the peer never processes a reset
// ahead of the stream's final messages (RFC 6525 Section 5.1.1).
func (a *Association) transmitReconfig() {
	if a.state != StateEstablished || a.reconfigRequest != nil || len(a.reconfigQueue) == 0 {
		return
	}
	if a.reconfigStreamsBusy() {
		return
	}

	n := len(a.reconfigQueue)
	if n > reconfigMaxStreams {
		n = reconfigMaxStreams
	}
	streams := make([]uint16, n)
	copy(streams, a.reconfigQueue[:n])
	a.reconfigQueue = a.reconfigQueue[n:]

	req := &chunk.OutgoingResetRequest{
		RequestSeq:  a.reconfigRequestSeq,
		ResponseSeq: a.reconfigResponseSeq,
		LastTSN:     a.localTSN - 1,
		StreamIDs:   streams,
	}
	a.reconfigRequestSeq++
	a.reconfigRequest = req
	a.pendingChunks = append(a.pendingChunks, &chunk.Reconfig{
		Params: []chunk.ReconfigParam{req},
	})
}

// reconfigStreamsBusy reports whether any stream awaiting reset still has
// unacknowledged data.
func (a *Association) reconfigStreamsBusy() bool {
	pending := make(map[uint16]struct{}, len(a.reconfigQueue))
	for _, id := range a.reconfigQueue {
		pending[id] = struct{}{}
	}
	for _, oc := range a.outboundQueue {
		if _, ok := pending[oc.data.StreamID]; ok {
			return true
		}
	}
	for _, oc := range a.sentQueue {
		if _, ok := pending[oc.data.StreamID]; ok && !oc.abandoned {
			return true
		}
	}
	return false
}

func (a *Association) handleReconfigParam(p chunk.ReconfigParam) {
	switch p := p.(type) {
	case *chunk.OutgoingResetRequest:
		a.handleOutgoingResetRequest(p)
	case *chunk.AddOutgoingStreams:
		a.handleAddOutgoingStreams(p)
	case *chunk.ResetResponse:
		a.handleResetResponse(p)
	}
}

// handleOutgoingResetRequest closes the inbound side of the streams the peer
// is resetting and acknowledges the request. Retransmitted requests are
// acknowledged again without re-raising the event.
func (a *Association) handleOutgoingResetRequest(req *chunk.OutgoingResetRequest) {
	duplicate := !sna32GT(req.RequestSeq, a.reconfigResponseSeq)
	if !duplicate {
		a.reconfigResponseSeq = req.RequestSeq
		for _, id := range req.StreamIDs {
			delete(a.inboundStreams, id)
		}
		a.events = append(a.events, StreamsResetEvent{StreamIDs: req.StreamIDs})
	}
	a.pendingChunks = append(a.pendingChunks, &chunk.Reconfig{
		Params: []chunk.ReconfigParam{&chunk.ResetResponse{
			ResponseSeq: req.RequestSeq,
			Result:      chunk.ReconfigResultSuccessPerformed,
		}},
	})
}

func (a *Association) handleAddOutgoingStreams(req *chunk.AddOutgoingStreams) {
	result := chunk.ReconfigResultSuccessPerformed
	total := uint32(a.inboundStreamsCount) + uint32(req.NewStreams)
	if total > maxStreams {
		result = chunk.ReconfigResultDenied
	} else {
		a.inboundStreamsCount = uint16(total)
	}
	a.pendingChunks = append(a.pendingChunks, &chunk.Reconfig{
		Params: []chunk.ReconfigParam{&chunk.ResetResponse{
			ResponseSeq: req.RequestSeq,
			Result:      result,
		}},
	})
}

// handleResetResponse completes the outstanding outgoing reset: the stream
// sequence numbers restart at zero and the next queued request may go out.
func (a *Association) handleResetResponse(resp *chunk.ResetResponse) {
	req := a.reconfigRequest
	if req == nil || resp.ResponseSeq != req.RequestSeq {
		return
	}
	a.reconfigRequest = nil
	if resp.Result == chunk.ReconfigResultSuccessPerformed {
		for _, id := range req.StreamIDs {
			delete(a.outboundStreamSeq, id)
		}
		a.events = append(a.events, StreamsResetEvent{StreamIDs: req.StreamIDs})
	} else {
		a.log.Warnf("stream reset request %d rejected: result %d", req.RequestSeq, resp.Result)
	}
}
