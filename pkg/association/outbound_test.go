package association

import (
	"bytes"
	"testing"
	"time"

	"github.com/backkem/sctp/pkg/chunk"
)

// newEstablished builds an association forced straight into the established
// state, with a wide-open peer window so unit tests control the pacing.
func newEstablished() *Association {
	a := New(Config{})
	a.state = StateEstablished
	a.peerRwnd = 1 << 20
	a.ssthresh = 1 << 20
	return a
}

// release drives the transmit path once and returns the DATA chunks it put
// on the wire.
func release(a *Association, now time.Time) []*chunk.Data {
	a.transmitData(now)
	var out []*chunk.Data
	for _, c := range a.pendingChunks {
		if d, ok := c.(*chunk.Data); ok {
			out = append(out, d)
		}
	}
	a.pendingChunks = nil
	return out
}

func TestHandleSackMalformedGapBlockAcksNothing(t *testing.T) {
	a := newEstablished()
	now := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		a.queueMessage(1, 53, []byte{byte(i)}, SendOptions{})
	}
	if released := release(a, now); len(released) != 3 {
		t.Fatalf("released = %d, want 3", len(released))
	}
	flight := a.flightSize

	// a gap block with Start above End describes no TSN at all
	a.handleSack(now, &chunk.Sack{
		CumulativeTSN:  a.lastSackedTSN,
		AdvertisedRwnd: 1 << 20,
		Gaps:           []chunk.GapBlock{{Start: 3, End: 1}},
	})

	if len(a.sentQueue) != 3 {
		t.Fatalf("sent queue = %d, want 3", len(a.sentQueue))
	}
	for i, oc := range a.sentQueue {
		if oc.acked || oc.misses != 0 {
			t.Errorf("chunk %d acked=%v misses=%d, want untouched", i, oc.acked, oc.misses)
		}
	}
	if a.flightSize != flight {
		t.Errorf("flight size = %d, want %d", a.flightSize, flight)
	}
}

func TestQueueMessageFragments(t *testing.T) {
	a := newEstablished()
	segment := a.config.segmentSize()
	payload := bytes.Repeat([]byte{0xAA}, 2*segment+100)
	firstTSN := a.localTSN

	a.queueMessage(5, 53, payload, SendOptions{})

	if len(a.outboundQueue) != 3 {
		t.Fatalf("fragments = %d, want 3", len(a.outboundQueue))
	}
	for i, oc := range a.outboundQueue {
		if oc.data.TSN != firstTSN+uint32(i) {
			t.Errorf("fragment %d TSN = %d, want %d", i, oc.data.TSN, firstTSN+uint32(i))
		}
		if oc.data.StreamID != 5 || oc.data.PPID != 53 || oc.data.StreamSeq != 0 {
			t.Errorf("fragment %d header = %v", i, oc.data)
		}
	}
	if !a.outboundQueue[0].data.Begin || a.outboundQueue[0].data.End {
		t.Error("first fragment flags wrong")
	}
	if a.outboundQueue[1].data.Begin || a.outboundQueue[1].data.End {
		t.Error("middle fragment flags wrong")
	}
	if a.outboundQueue[2].data.Begin || !a.outboundQueue[2].data.End {
		t.Error("last fragment flags wrong")
	}
	if got := len(a.outboundQueue[2].data.UserData); got != 100 {
		t.Errorf("last fragment size = %d, want 100", got)
	}

	// the next ordered message advances the stream sequence
	a.queueMessage(5, 53, []byte("x"), SendOptions{})
	if got := a.outboundQueue[3].data.StreamSeq; got != 1 {
		t.Errorf("next message sequence = %d, want 1", got)
	}
}

func TestQueueMessageEmpty(t *testing.T) {
	a := newEstablished()
	a.queueMessage(0, 56, nil, SendOptions{})
	if len(a.outboundQueue) != 1 {
		t.Fatalf("fragments = %d, want 1 for the empty message", len(a.outboundQueue))
	}
	c := a.outboundQueue[0].data
	if !c.Begin || !c.End || len(c.UserData) != 0 {
		t.Errorf("empty message chunk = %v", c)
	}
}

func TestQueueMessageUnorderedKeepsSequence(t *testing.T) {
	a := newEstablished()
	a.queueMessage(1, 53, []byte("u"), SendOptions{Unordered: true})
	a.queueMessage(1, 53, []byte("o"), SendOptions{})
	if !a.outboundQueue[0].data.Unordered {
		t.Error("first chunk not flagged unordered")
	}
	if a.outboundQueue[1].data.StreamSeq != 0 {
		t.Errorf("ordered sequence = %d, want 0 (unordered must not consume it)",
			a.outboundQueue[1].data.StreamSeq)
	}
}

func TestTransmitRespectsCwndAndBurst(t *testing.T) {
	a := newEstablished()
	segment := a.config.segmentSize()
	now := time.Unix(1000, 0)

	for i := 0; i < 10; i++ {
		a.queueMessage(0, 53, bytes.Repeat([]byte{1}, segment), SendOptions{})
	}

	// initial cwnd admits three segments
	sent := release(a, now)
	if len(sent) != initialCwndSegments {
		t.Fatalf("first burst = %d chunks, want %d", len(sent), initialCwndSegments)
	}
	if a.flightSize != initialCwndSegments*segment {
		t.Errorf("flight = %d, want %d", a.flightSize, initialCwndSegments*segment)
	}
	if a.t3Deadline.IsZero() {
		t.Error("T3 not armed after first transmission")
	}

	// window still full, nothing further moves
	if again := release(a, now); len(again) != 0 {
		t.Errorf("released %d chunks with a full window", len(again))
	}
}

func TestTransmitZeroWindowProbe(t *testing.T) {
	a := newEstablished()
	a.peerRwnd = 0
	now := time.Unix(1000, 0)

	a.queueMessage(0, 53, []byte("probe"), SendOptions{})
	a.queueMessage(0, 53, []byte("wait"), SendOptions{})

	sent := release(a, now)
	if len(sent) != 1 {
		t.Fatalf("sent = %d chunks into a closed window, want 1 probe", len(sent))
	}
	if string(sent[0].UserData) != "probe" {
		t.Errorf("probe data = %q", sent[0].UserData)
	}
}

func TestHandleSackRetiresAndRestartsT3(t *testing.T) {
	a := newEstablished()
	now := time.Unix(1000, 0)
	firstTSN := a.localTSN

	a.queueMessage(0, 53, []byte("one"), SendOptions{})
	a.queueMessage(0, 53, []byte("two"), SendOptions{})
	release(a, now)

	later := now.Add(50 * time.Millisecond)
	a.handleSack(later, &chunk.Sack{CumulativeTSN: firstTSN, AdvertisedRwnd: 1 << 20})
	if len(a.sentQueue) != 1 {
		t.Fatalf("outstanding = %d, want 1", len(a.sentQueue))
	}
	if a.flightSize != 3 {
		t.Errorf("flight = %d, want 3 (bytes of %q)", a.flightSize, "two")
	}
	if a.t3Deadline.IsZero() {
		t.Error("T3 canceled with data still outstanding")
	}
	// the retired chunk was never retransmitted, so it fed the estimator
	if !a.rto.measured {
		t.Error("round trip not measured")
	}

	a.handleSack(later, &chunk.Sack{CumulativeTSN: firstTSN + 1, AdvertisedRwnd: 1 << 20})
	if len(a.sentQueue) != 0 || a.flightSize != 0 {
		t.Errorf("outstanding = %d flight = %d after full ack", len(a.sentQueue), a.flightSize)
	}
	if !a.t3Deadline.IsZero() {
		t.Error("T3 still armed with nothing outstanding")
	}
}

func TestHandleSackStaleCumulativeIgnored(t *testing.T) {
	a := newEstablished()
	now := time.Unix(1000, 0)
	firstTSN := a.localTSN

	a.queueMessage(0, 53, []byte("one"), SendOptions{})
	release(a, now)
	a.handleSack(now, &chunk.Sack{CumulativeTSN: firstTSN, AdvertisedRwnd: 1 << 20})

	// a reordered SACK with an older cumulative must not resurrect state
	a.handleSack(now, &chunk.Sack{CumulativeTSN: firstTSN - 1, AdvertisedRwnd: 0})
	if a.peerRwnd == 0 {
		t.Error("stale SACK overwrote the peer window")
	}
}

func TestFastRetransmitAfterThreeMisses(t *testing.T) {
	a := newEstablished()
	segment := a.config.segmentSize()
	now := time.Unix(1000, 0)
	firstTSN := a.localTSN

	for i := 0; i < 5; i++ {
		a.queueMessage(0, 53, []byte("m"), SendOptions{})
	}
	release(a, now)
	cwndBefore := a.cwnd

	// each SACK acks one more TSN beyond the lost one; the first chunk
	// takes a miss per SACK until the threshold trips
	for i := 2; i <= 4; i++ {
		a.handleSack(now, &chunk.Sack{
			CumulativeTSN:  firstTSN - 1,
			AdvertisedRwnd: 1 << 20,
			Gaps:           []chunk.GapBlock{{Start: 2, End: uint16(i)}},
		})
	}

	if len(a.sentQueue) == 0 || !a.sentQueue[0].retransmit {
		t.Fatal("first chunk not marked for fast retransmit")
	}
	if a.ssthresh != maxInt(cwndBefore/2, 4*segment) {
		t.Errorf("ssthresh = %d after loss", a.ssthresh)
	}
	if a.cwnd != a.ssthresh {
		t.Errorf("cwnd = %d, want ssthresh %d", a.cwnd, a.ssthresh)
	}
	if !a.inFastRecovery {
		t.Error("not in fast recovery")
	}

	// the retransmission goes out even though cwnd shrank
	sent := release(a, now)
	if len(sent) == 0 || sent[0].TSN != firstTSN {
		t.Fatalf("fast retransmit not released: %v", sent)
	}
}

func TestSlowStartGrowth(t *testing.T) {
	a := newEstablished()
	segment := a.config.segmentSize()
	now := time.Unix(1000, 0)
	firstTSN := a.localTSN

	for i := 0; i < 8; i++ {
		a.queueMessage(0, 53, bytes.Repeat([]byte{1}, segment), SendOptions{})
	}
	release(a, now)
	cwndBefore := a.cwnd

	// a full in-flight window acked by one segment grows cwnd by one segment
	a.handleSack(now, &chunk.Sack{CumulativeTSN: firstTSN, AdvertisedRwnd: 1 << 20})
	if a.cwnd != cwndBefore+segment {
		t.Errorf("cwnd = %d, want %d", a.cwnd, cwndBefore+segment)
	}

	// an under-utilized window must not grow
	b := newEstablished()
	firstTSN = b.localTSN
	b.queueMessage(0, 53, []byte("small"), SendOptions{})
	release(b, now)
	grown := b.cwnd
	b.handleSack(now, &chunk.Sack{CumulativeTSN: firstTSN, AdvertisedRwnd: 1 << 20})
	if b.cwnd != grown {
		t.Errorf("cwnd = %d, want %d (no growth while under-utilized)", b.cwnd, grown)
	}
}

func TestT3ExpiryCollapsesWindow(t *testing.T) {
	a := newEstablished()
	segment := a.config.segmentSize()
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		a.queueMessage(0, 53, bytes.Repeat([]byte{1}, segment), SendOptions{})
	}
	release(a, now)
	rtoBefore := a.rto.current()

	a.t3Expired(now.Add(rtoBefore))

	if a.cwnd != segment {
		t.Errorf("cwnd = %d, want one segment", a.cwnd)
	}
	if a.flightSize != 0 {
		t.Errorf("flight = %d, want 0", a.flightSize)
	}
	if a.rto.current() != 2*rtoBefore {
		t.Errorf("rto = %v, want doubled %v", a.rto.current(), 2*rtoBefore)
	}
	for i, oc := range a.sentQueue {
		if !oc.retransmit {
			t.Errorf("chunk %d not marked for retransmission", i)
		}
	}
}

func TestRexmitReliabilityAbandonsAndForwards(t *testing.T) {
	a := newEstablished()
	now := time.Unix(1000, 0)
	firstTSN := a.localTSN

	a.queueMessage(2, 53, []byte("lossy"), SendOptions{
		Reliability: Reliability{Type: ReliabilityRexmit, Value: 0},
	})
	release(a, now)

	// zero retransmits allowed: the first timeout abandons the message
	a.t3Expired(now.Add(time.Second))

	if len(a.sentQueue) != 0 {
		t.Fatalf("outstanding = %d, want 0 after abandonment", len(a.sentQueue))
	}
	fwd := a.forwardTSNChunk
	if fwd == nil {
		t.Fatal("no FORWARD-TSN staged")
	}
	if fwd.CumulativeTSN != firstTSN {
		t.Errorf("forward cumulative = %d, want %d", fwd.CumulativeTSN, firstTSN)
	}
	if len(fwd.Streams) != 1 || fwd.Streams[0].StreamID != 2 {
		t.Errorf("forward streams = %v", fwd.Streams)
	}

	// the staged chunk goes out on the next transmit pass
	a.transmitData(now.Add(time.Second))
	if len(a.pendingChunks) == 0 {
		t.Fatal("FORWARD-TSN not transmitted")
	}
	if _, ok := a.pendingChunks[0].(*chunk.ForwardTSN); !ok {
		t.Errorf("first pending chunk = %T, want *ForwardTSN", a.pendingChunks[0])
	}
}

func TestTimedReliabilityExpiresAfterLifetime(t *testing.T) {
	a := newEstablished()
	now := time.Unix(1000, 0)

	a.queueMessage(0, 53, []byte("ttl"), SendOptions{
		Reliability: Reliability{Type: ReliabilityTimed, Value: 100},
	})
	release(a, now)

	// within the lifetime the chunk is retransmitted, not abandoned
	a.t3Expired(now.Add(50 * time.Millisecond))
	if len(a.sentQueue) != 1 || a.sentQueue[0].abandoned {
		t.Fatal("message abandoned before its lifetime elapsed")
	}

	a.t3Expired(now.Add(200 * time.Millisecond))
	if len(a.sentQueue) != 0 {
		t.Error("message still outstanding past its lifetime")
	}
	if a.forwardTSNChunk == nil {
		t.Error("no FORWARD-TSN staged after expiry")
	}
}

func TestAbandonMarksWholeMessage(t *testing.T) {
	a := newEstablished()
	segment := a.config.segmentSize()
	now := time.Unix(1000, 0)

	a.queueMessage(0, 53, bytes.Repeat([]byte{1}, 2*segment), SendOptions{
		Reliability: Reliability{Type: ReliabilityRexmit, Value: 0},
	})
	release(a, now)

	if !a.maybeAbandon(now, 1) {
		// budget not exhausted yet on paper; force through a timeout
		a.t3Expired(now)
	}
	for i, oc := range a.sentQueue {
		if !oc.abandoned {
			t.Errorf("fragment %d not abandoned with its siblings", i)
		}
	}
}
