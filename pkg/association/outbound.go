package association

import (
	"slices"
	"time"

	"github.com/backkem/sctp/pkg/chunk"
)

// ReliabilityType selects the delivery policy of a message, mirroring the
// data-channel reliability modes.
type ReliabilityType uint8

const (
	// ReliabilityReliable retransmits until acknowledged.
	ReliabilityReliable ReliabilityType = iota

	// ReliabilityRexmit abandons a message after Value retransmissions.
	ReliabilityRexmit

	// ReliabilityTimed abandons a message Value milliseconds after its
	// first transmission.
	ReliabilityTimed
)

// Reliability pairs a policy with its budget. Value is a retransmit count
// for ReliabilityRexmit and a lifetime in milliseconds for ReliabilityTimed.
type Reliability struct {
	Type  ReliabilityType
	Value uint32
}

// SendOptions qualifies an outbound message.
type SendOptions struct {
	// Unordered bypasses stream-sequence ordering at the receiver.
	Unordered bool

	// Reliability is the partial-reliability policy.
	Reliability Reliability
}

// outboundChunk is a DATA fragment awaiting transmission or acknowledgment.
type outboundChunk struct {
	data *chunk.Data

	// bookSize is the payload size counted against cwnd and flight size.
	bookSize int

	reliability Reliability

	// expiry is the abandonment deadline for timed reliability, set on
	// first transmission.
	expiry time.Time

	abandoned  bool
	acked      bool
	retransmit bool
	misses     int
	sentCount  int
	sentTime   time.Time
}

// queueMessage fragments a message and appends it to the outbound queue.
// TSNs are assigned here, in send order, and never reused.
func (a *Association) queueMessage(streamID uint16, ppid uint32, data []byte, opts SendOptions) {
	segment := a.config.segmentSize()
	var seq uint16
	if !opts.Unordered {
		seq = a.outboundStreamSeq[streamID]
	}

	fragments := (len(data) + segment - 1) / segment
	if fragments == 0 {
		fragments = 1
	}
	for i := 0; i < fragments; i++ {
		end := (i + 1) * segment
		if end > len(data) {
			end = len(data)
		}
		c := &chunk.Data{
			Unordered: opts.Unordered,
			Begin:     i == 0,
			End:       i == fragments-1,
			TSN:       a.localTSN,
			StreamID:  streamID,
			StreamSeq: seq,
			PPID:      ppid,
			UserData:  data[i*segment : end],
		}
		a.localTSN++
		a.outboundQueue = append(a.outboundQueue, &outboundChunk{
			data:        c,
			bookSize:    len(c.UserData),
			reliability: opts.Reliability,
		})
	}

	if !opts.Unordered {
		a.outboundStreamSeq[streamID] = seq + 1
	}
}

func (a *Association) flightSizeDecrease(oc *outboundChunk) {
	a.flightSize -= oc.bookSize
	if a.flightSize < 0 {
		a.flightSize = 0
	}
}

// maybeAbandon checks the retransmit budget of the chunk at the given sent
// queue position. An exhausted budget abandons every fragment of the same
// message so the receiver can be forwarded past all of them.
func (a *Association) maybeAbandon(now time.Time, pos int) bool {
	oc := a.sentQueue[pos]
	if oc.abandoned {
		return true
	}

	abandon := false
	switch oc.reliability.Type {
	case ReliabilityRexmit:
		abandon = oc.sentCount > int(oc.reliability.Value)
	case ReliabilityTimed:
		abandon = !oc.expiry.IsZero() && now.After(oc.expiry)
	}
	if !abandon {
		return false
	}

	for i := pos; i >= 0; i-- {
		c := a.sentQueue[i]
		c.abandoned = true
		c.retransmit = false
		if c.data.Begin {
			break
		}
	}
	for i := pos; i < len(a.sentQueue); i++ {
		c := a.sentQueue[i]
		c.abandoned = true
		c.retransmit = false
		if c.data.End {
			break
		}
	}
	return true
}

// handleSack processes a selective acknowledgement: retires data at or below
// the cumulative ack, credits gap-acked chunks, strikes missing ones toward
// fast retransmit, and adjusts the congestion window
// (RFC 4960 Sections 6.2.1, 7.2.3-7.2.4).
func (a *Association) handleSack(now time.Time, sack *chunk.Sack) {
	if sna32GT(a.lastSackedTSN, sack.CumulativeTSN) {
		return
	}

	a.lastSackedTSN = sack.CumulativeTSN
	a.peerRwnd = int(sack.AdvertisedRwnd)
	cwndFullyUtilized := a.flightSize >= a.cwnd
	done := 0
	doneBytes := 0

	// retire fully acknowledged chunks
	for len(a.sentQueue) > 0 && sna32GTE(a.lastSackedTSN, a.sentQueue[0].data.TSN) {
		oc := a.sentQueue[0]
		a.sentQueue = a.sentQueue[1:]
		done++
		if !oc.acked {
			doneBytes += oc.bookSize
			a.flightSizeDecrease(oc)
		}
		if done == 1 && oc.sentCount == 1 {
			a.rto.measure(now.Sub(oc.sentTime))
		}
	}

	// gap blocks: credit what the peer has, strike what it reports missing
	loss := false
	if len(sack.Gaps) > 0 {
		seen := make(map[uint32]struct{})
		var highestSeenTSN uint32
		for _, gap := range sack.Gaps {
			if gap.Start > gap.End {
				// malformed block, nothing acked by it
				continue
			}
			for pos := gap.Start; ; pos++ {
				highestSeenTSN = sack.CumulativeTSN + uint32(pos)
				seen[highestSeenTSN] = struct{}{}
				if pos == gap.End {
					break
				}
			}
		}

		highestNewlyAcked := sack.CumulativeTSN
		for _, oc := range a.sentQueue {
			if sna32GT(oc.data.TSN, highestSeenTSN) {
				break
			}
			if _, ok := seen[oc.data.TSN]; ok && !oc.acked {
				doneBytes += oc.bookSize
				oc.acked = true
				a.flightSizeDecrease(oc)
				highestNewlyAcked = oc.data.TSN
			}
		}

		for i, oc := range a.sentQueue {
			if sna32GT(oc.data.TSN, highestNewlyAcked) {
				break
			}
			if _, ok := seen[oc.data.TSN]; ok {
				continue
			}
			oc.misses++
			if oc.misses == a.config.FastRetransmitThreshold {
				oc.misses = 0
				if !a.maybeAbandon(now, i) {
					oc.retransmit = true
				}
				oc.acked = false
				a.flightSizeDecrease(oc)
				loss = true
			}
		}
	}

	a.adjustCwnd(done, doneBytes, cwndFullyUtilized, loss, sack.CumulativeTSN)

	switch {
	case len(a.sentQueue) == 0:
		// nothing outstanding, stop T3
		a.t3Deadline = time.Time{}
	case done > 0:
		// the earliest outstanding TSN advanced, restart T3
		a.t3Deadline = now.Add(a.rto.current())
	}

	a.updateAdvancedPeerAckPoint(now)
}

// adjustCwnd applies slow start, congestion avoidance and the loss response
// (RFC 4960 Section 7.2). The window never grows while under-utilized.
func (a *Association) adjustCwnd(done, doneBytes int, cwndFullyUtilized, loss bool, cumulativeTSN uint32) {
	segment := a.config.segmentSize()
	if !a.inFastRecovery {
		if done > 0 && cwndFullyUtilized {
			if a.cwnd <= a.ssthresh {
				// slow start
				if doneBytes < segment {
					a.cwnd += doneBytes
				} else {
					a.cwnd += segment
				}
			} else {
				// congestion avoidance
				a.partialBytesAcked += doneBytes
				if a.partialBytesAcked >= a.cwnd {
					a.partialBytesAcked -= a.cwnd
					a.cwnd += segment
				}
			}
		}
		if loss {
			a.ssthresh = maxInt(a.cwnd/2, 4*segment)
			a.cwnd = a.ssthresh
			a.partialBytesAcked = 0
			a.inFastRecovery = true
			a.fastRecoveryTransmit = true
			if n := len(a.sentQueue); n > 0 {
				a.fastRecoveryExit = a.sentQueue[n-1].data.TSN
			} else {
				a.fastRecoveryExit = a.lastSackedTSN
			}
		}
	} else if sna32GTE(cumulativeTSN, a.fastRecoveryExit) {
		a.inFastRecovery = false
	}
}

// t3Expired handles retransmission timeout: everything outstanding is
// marked for retransmission or abandoned, the window collapses to one
// segment and the RTO backs off (RFC 4960 Sections 6.3.3, 7.2.3).
func (a *Association) t3Expired(now time.Time) {
	a.log.Debugf("T3-rtx expired, %d outstanding", len(a.sentQueue))

	for i := range a.sentQueue {
		if !a.maybeAbandon(now, i) {
			a.sentQueue[i].retransmit = true
		}
	}
	a.updateAdvancedPeerAckPoint(now)

	segment := a.config.segmentSize()
	a.inFastRecovery = false
	a.flightSize = 0
	a.partialBytesAcked = 0
	a.ssthresh = maxInt(a.cwnd/2, 4*segment)
	a.cwnd = segment
	a.rto.backoff()
	a.t3Deadline = time.Time{}
}

// updateAdvancedPeerAckPoint advances past abandoned chunks and stages a
// FORWARD-TSN when it moved (RFC 3758 Section 3.5).
func (a *Association) updateAdvancedPeerAckPoint(now time.Time) {
	if sna32GT(a.lastSackedTSN, a.advancedPeerAckTSN) {
		a.advancedPeerAckTSN = a.lastSackedTSN
	}

	done := 0
	streams := make(map[uint16]uint16)
	for len(a.sentQueue) > 0 && a.sentQueue[0].abandoned {
		oc := a.sentQueue[0]
		a.sentQueue = a.sentQueue[1:]
		a.advancedPeerAckTSN = oc.data.TSN
		done++
		if !oc.data.Unordered {
			streams[oc.data.StreamID] = oc.data.StreamSeq
		}
	}
	if done == 0 {
		return
	}

	fwd := &chunk.ForwardTSN{CumulativeTSN: a.advancedPeerAckTSN}
	ids := make([]uint16, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fwd.Streams = append(fwd.Streams, chunk.StreamSeqPair{StreamID: id, StreamSeq: streams[id]})
	}
	a.forwardTSNChunk = fwd
}

// transmitData release-gates queued data onto the wire, bounded by the
// congestion window, the burst limit and the peer's receive window.
func (a *Association) transmitData(now time.Time) {
	if a.forwardTSNChunk != nil {
		a.pendingChunks = append(a.pendingChunks, a.forwardTSNChunk)
		a.forwardTSNChunk = nil
		if a.t3Deadline.IsZero() {
			a.t3Deadline = now.Add(a.rto.current())
		}
	}

	segment := a.config.segmentSize()
	burst := maxBurstSegments * segment
	if a.inFastRecovery {
		burst = fastRecoveryBurstSegments * segment
	}
	cwnd := a.flightSize + burst
	if cwnd > a.cwnd {
		cwnd = a.cwnd
	}

	retransmitEarliest := true
	for _, oc := range a.sentQueue {
		if oc.retransmit {
			if a.fastRecoveryTransmit {
				// fast recovery admits one retransmission regardless
				// of the window
				a.fastRecoveryTransmit = false
			} else if a.flightSize >= cwnd {
				return
			}
			a.flightSize += oc.bookSize
			oc.misses = 0
			oc.retransmit = false
			oc.sentCount++
			a.pendingChunks = append(a.pendingChunks, oc.data)
			if retransmitEarliest {
				a.t3Deadline = now.Add(a.rto.current())
			}
		}
		retransmitEarliest = false
	}

	for len(a.outboundQueue) > 0 && a.flightSize < cwnd {
		// flow control: stay within the peer's advertised window, but
		// always allow one probe chunk when nothing is in flight
		if a.flightSize > 0 && a.flightSize >= a.peerRwnd {
			break
		}
		oc := a.outboundQueue[0]
		a.outboundQueue = a.outboundQueue[1:]
		a.sentQueue = append(a.sentQueue, oc)
		a.flightSize += oc.bookSize
		oc.sentCount++
		if oc.sentCount == 1 {
			oc.sentTime = now
			if oc.reliability.Type == ReliabilityTimed {
				oc.expiry = now.Add(time.Duration(oc.reliability.Value) * time.Millisecond)
			}
		}
		a.pendingChunks = append(a.pendingChunks, oc.data)
		if a.t3Deadline.IsZero() {
			a.t3Deadline = now.Add(a.rto.current())
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
