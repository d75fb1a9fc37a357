package association

import (
	"slices"
	"time"

	"github.com/backkem/sctp/pkg/chunk"
)

// inboundStream reassembles and orders messages for one inbound stream.
// Fragments are kept in a single list sorted by TSN; a message is a
// contiguous begin..end run within it.
type inboundStream struct {
	reassembly     []*chunk.Data
	sequenceNumber uint16
}

// add inserts a fragment, keeping the list sorted by TSN. Duplicates were
// already eliminated by markReceived.
func (s *inboundStream) add(c *chunk.Data) {
	if len(s.reassembly) == 0 || sna32GT(c.TSN, s.reassembly[len(s.reassembly)-1].TSN) {
		s.reassembly = append(s.reassembly, c)
		return
	}
	for i, rc := range s.reassembly {
		if sna32GT(rc.TSN, c.TSN) {
			s.reassembly = append(s.reassembly, nil)
			copy(s.reassembly[i+1:], s.reassembly[i:])
			s.reassembly[i] = c
			return
		}
	}
}

// message is a fully reassembled inbound message.
type message struct {
	streamID uint16
	ppid     uint32
	data     []byte
}

// popMessages extracts every message that is deliverable right now:
// complete begin..end runs, gated on stream-sequence order for ordered
// delivery, immediate for unordered.
func (s *inboundStream) popMessages() []message {
	var messages []message
	var expectedTSN uint32
	var ordered bool
	pos := 0
	startPos := -1

	for pos < len(s.reassembly) {
		c := s.reassembly[pos]
		if startPos < 0 {
			ordered = !c.Unordered
			if !c.Begin {
				if ordered {
					break
				}
				pos++
				continue
			}
			if ordered && sna16GT(c.StreamSeq, s.sequenceNumber) {
				break
			}
			expectedTSN = c.TSN
			startPos = pos
		} else if c.TSN != expectedTSN {
			if ordered {
				break
			}
			// re-evaluate this chunk as a fresh run start
			startPos = -1
			continue
		}

		if c.End {
			size := 0
			for _, fc := range s.reassembly[startPos : pos+1] {
				size += len(fc.UserData)
			}
			data := make([]byte, 0, size)
			for _, fc := range s.reassembly[startPos : pos+1] {
				data = append(data, fc.UserData...)
			}
			s.reassembly = append(s.reassembly[:startPos], s.reassembly[pos+1:]...)
			if ordered && c.StreamSeq == s.sequenceNumber {
				s.sequenceNumber++
			}
			pos = startPos
			startPos = -1
			messages = append(messages, message{streamID: c.StreamID, ppid: c.PPID, data: data})
		} else {
			pos++
		}
		expectedTSN++
	}
	return messages
}

// prune drops fragments up to the given TSN after a FORWARD-TSN and returns
// the freed byte count.
func (s *inboundStream) prune(tsn uint32) int {
	end := 0
	size := 0
	for _, c := range s.reassembly {
		if !sna32GTE(tsn, c.TSN) {
			break
		}
		size += len(c.UserData)
		end++
	}
	s.reassembly = s.reassembly[end:]
	return size
}

// messageRunSize measures the contiguous fragment run of the single message
// containing the given TSN. Used as the resource-exhaustion guard: a message
// that can never fit the configured maximum must not keep buffering.
func (s *inboundStream) messageRunSize(tsn uint32) int {
	idx := -1
	for i, c := range s.reassembly {
		if c.TSN == tsn {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0
	}
	size := len(s.reassembly[idx].UserData)
	for j := idx; j > 0; j-- {
		cur, prev := s.reassembly[j], s.reassembly[j-1]
		if cur.Begin || prev.TSN+1 != cur.TSN || prev.End {
			break
		}
		size += len(prev.UserData)
	}
	for j := idx; j < len(s.reassembly)-1; j++ {
		cur, next := s.reassembly[j], s.reassembly[j+1]
		if cur.End || cur.TSN+1 != next.TSN || next.Begin {
			break
		}
		size += len(next.UserData)
	}
	return size
}

// getInboundStream lazily creates stream state on first use.
func (a *Association) getInboundStream(streamID uint16) *inboundStream {
	s, ok := a.inboundStreams[streamID]
	if !ok {
		s = &inboundStream{}
		a.inboundStreams[streamID] = s
	}
	return s
}

// markReceived tracks an inbound TSN. It reports true for duplicates, which
// are recorded for the next SACK, and otherwise consolidates the misordered
// set into the cumulative ack point as holes fill.
func (a *Association) markReceived(tsn uint32) bool {
	if sna32GTE(a.lastReceivedTSN, tsn) {
		a.sackDuplicates = append(a.sackDuplicates, tsn)
		return true
	}
	if _, seen := a.sackMisordered[tsn]; seen {
		a.sackDuplicates = append(a.sackDuplicates, tsn)
		return true
	}

	a.sackMisordered[tsn] = struct{}{}
	for {
		next := a.lastReceivedTSN + 1
		if _, ok := a.sackMisordered[next]; !ok {
			break
		}
		a.lastReceivedTSN = next
	}
	a.dropObsoleteSackState()
	return false
}

// dropObsoleteSackState removes duplicate and misordered records at or below
// the cumulative ack point.
func (a *Association) dropObsoleteSackState() {
	kept := a.sackDuplicates[:0]
	for _, tsn := range a.sackDuplicates {
		if sna32GT(tsn, a.lastReceivedTSN) {
			kept = append(kept, tsn)
		}
	}
	a.sackDuplicates = kept
	for tsn := range a.sackMisordered {
		if !sna32GT(tsn, a.lastReceivedTSN) {
			delete(a.sackMisordered, tsn)
		}
	}
}

// handleData processes one inbound DATA chunk.
func (a *Association) handleData(now time.Time, c *chunk.Data) {
	duplicate := a.markReceived(c.TSN)
	a.armSack(now, duplicate || len(a.sackMisordered) > 0)
	if duplicate {
		return
	}

	stream := a.getInboundStream(c.StreamID)
	stream.add(c)
	a.advertisedRwnd -= len(c.UserData)

	if max := int(a.config.MaxMessageSize); stream.messageRunSize(c.TSN) > max {
		a.abortLocal(ErrReceiveBufferExhausted)
		return
	}

	a.deliver(stream)
}

// deliver surfaces every deliverable message on a stream and returns the
// freed receive-window bytes.
func (a *Association) deliver(stream *inboundStream) {
	for _, m := range stream.popMessages() {
		a.advertisedRwnd += len(m.data)
		a.events = append(a.events, MessageEvent{StreamID: m.streamID, PPID: m.ppid, Data: m.data})
	}
}

// handleForwardTSN advances the cumulative ack past data the peer abandoned
// (RFC 3758 Section 3.6).
func (a *Association) handleForwardTSN(now time.Time, c *chunk.ForwardTSN) {
	a.armSack(now, true)

	if sna32GTE(a.lastReceivedTSN, c.CumulativeTSN) {
		return
	}

	a.lastReceivedTSN = c.CumulativeTSN
	for {
		next := a.lastReceivedTSN + 1
		if _, ok := a.sackMisordered[next]; !ok {
			break
		}
		a.lastReceivedTSN = next
	}
	a.dropObsoleteSackState()

	// skip stream sequence numbers and deliver what unblocks
	for _, pair := range c.Streams {
		stream := a.getInboundStream(pair.StreamID)
		stream.sequenceNumber = pair.StreamSeq + 1
		a.deliver(stream)
	}

	// prune fragments the peer will never retransmit
	for _, stream := range a.inboundStreams {
		a.advertisedRwnd += stream.prune(a.lastReceivedTSN)
	}
}

// armSack schedules a SACK. Duplicates and observed gaps request an
// immediate one, plain data arrival waits out the delayed-SACK interval.
func (a *Association) armSack(now time.Time, immediate bool) {
	a.sackNeeded = true
	if immediate {
		a.sackImmediate = true
		return
	}
	if a.sackDue.IsZero() {
		a.sackDue = now.Add(a.config.SACKDelay)
	}
}

// buildSack emits the SACK state: cumulative ack, ascending non-overlapping
// gap blocks built from the misordered set, and the duplicates seen since
// the last report.
func (a *Association) buildSack() *chunk.Sack {
	var offsets []uint32
	for tsn := range a.sackMisordered {
		offset := tsn - a.lastReceivedTSN
		if offset <= 0xffff {
			offsets = append(offsets, offset)
		}
	}
	slices.Sort(offsets)

	sack := &chunk.Sack{
		CumulativeTSN: a.lastReceivedTSN,
	}
	if a.advertisedRwnd > 0 {
		sack.AdvertisedRwnd = uint32(a.advertisedRwnd)
	}
	for _, offset := range offsets {
		o := uint16(offset)
		if n := len(sack.Gaps); n > 0 && sack.Gaps[n-1].End+1 == o {
			sack.Gaps[n-1].End = o
		} else {
			sack.Gaps = append(sack.Gaps, chunk.GapBlock{Start: o, End: o})
		}
	}
	sack.Duplicates = append(sack.Duplicates, a.sackDuplicates...)

	a.sackDuplicates = a.sackDuplicates[:0]
	a.sackNeeded = false
	a.sackImmediate = false
	a.sackDue = time.Time{}
	return sack
}
