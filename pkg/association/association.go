// Package association implements the SCTP association used to carry WebRTC
// data channels over an encrypted datagram path.
//
// The core is sans-IO: it never touches the network or the clock. The
// external event loop feeds decrypted datagrams and the current time into
// Drive and transmits whatever Drive returns. All timers are deadlines
// measured against the caller-supplied clock.
package association

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"

	"github.com/backkem/sctp/pkg/chunk"
)

// State is the association state (RFC 4960 Section 4).
type State int

// Association states. Aborted is terminal and distinct from Closed: it marks
// an error teardown rather than a completed shutdown.
const (
	StateClosed State = iota + 1
	StateCookieWait
	StateCookieEchoed
	StateEstablished
	StateShutdownPending
	StateShutdownSent
	StateShutdownReceived
	StateShutdownAckSent
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateCookieWait:
		return "CookieWait"
	case StateCookieEchoed:
		return "CookieEchoed"
	case StateEstablished:
		return "Established"
	case StateShutdownPending:
		return "ShutdownPending"
	case StateShutdownSent:
		return "ShutdownSent"
	case StateShutdownReceived:
		return "ShutdownReceived"
	case StateShutdownAckSent:
		return "ShutdownAckSent"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

var globalMathRandomGenerator = randutil.NewMathRandomGenerator()

// Config configures an Association. The zero value of every field selects a
// sensible default; IsServer selects the passive side of the handshake.
type Config struct {
	// IsServer makes this side wait for the peer's INIT instead of
	// initiating. The server side also verifies state cookies and uses
	// even stream ids at the channel layer.
	IsServer bool

	// LocalPort and RemotePort are the SCTP port numbers carried in the
	// common header. Data channels conventionally use 5000 on both ends.
	LocalPort  uint16
	RemotePort uint16

	// MaxPacketSize bounds every emitted datagram, derived from the path
	// MTU minus encapsulation overhead. Small chunks are bundled into one
	// datagram when they fit.
	MaxPacketSize int

	// MaxReceiveBufferSize is the advertised receive window in bytes.
	MaxReceiveBufferSize uint32

	// MaxMessageSize bounds a single reassembled message. Inbound
	// messages over the limit abort the association (resource guard),
	// outbound ones are rejected at Send.
	MaxMessageSize uint32

	// RTOInitial, RTOMin and RTOMax parameterize the retransmission
	// timeout estimator.
	RTOInitial time.Duration
	RTOMin     time.Duration
	RTOMax     time.Duration

	// FastRetransmitThreshold is the number of SACKs reporting a TSN
	// missing before it is retransmitted without waiting for T3.
	FastRetransmitThreshold int

	// SACKDelay is the delayed-SACK interval.
	SACKDelay time.Duration

	// CookieLifetime bounds state-cookie validity.
	CookieLifetime time.Duration

	// MaxBadPackets is the number of undecodable datagrams tolerated
	// before the association aborts.
	MaxBadPackets int

	// LoggerFactory creates the association's logger. Defaults to the
	// pion default factory.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) setDefaults() {
	if c.LocalPort == 0 {
		c.LocalPort = 5000
	}
	if c.RemotePort == 0 {
		c.RemotePort = 5000
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = defaultSegmentSize + chunk.CommonHeaderSize + chunk.DataChunkOverhead
	}
	if c.MaxReceiveBufferSize == 0 {
		c.MaxReceiveBufferSize = defaultReceiveBufferSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.RTOInitial == 0 {
		c.RTOInitial = defaultRTOInitial
	}
	if c.RTOMin == 0 {
		c.RTOMin = defaultRTOMin
	}
	if c.RTOMax == 0 {
		c.RTOMax = defaultRTOMax
	}
	if c.FastRetransmitThreshold == 0 {
		c.FastRetransmitThreshold = defaultFastRetransmitThreshold
	}
	if c.SACKDelay == 0 {
		c.SACKDelay = defaultSACKDelay
	}
	if c.CookieLifetime == 0 {
		c.CookieLifetime = defaultCookieLifetime
	}
	if c.MaxBadPackets == 0 {
		c.MaxBadPackets = defaultMaxBadPackets
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// segmentSize is the user-data capacity of one DATA chunk.
func (c *Config) segmentSize() int {
	return c.MaxPacketSize - chunk.CommonHeaderSize - chunk.DataChunkOverhead
}

// DriveResult is the outcome of one drive cycle.
type DriveResult struct {
	// Outgoing holds datagrams ready for the encrypted transport, each
	// within the configured maximum packet size.
	Outgoing [][]byte

	// Events holds the notifications produced by this cycle, in order.
	Events []Event

	// NextDeadline is the earliest timer deadline, or the zero time when
	// no timer is armed. The caller must drive again no later than this.
	NextDeadline time.Time
}

// Association owns all per-peer SCTP state: handshake, streams, the
// retransmission queue and the congestion state. Nothing is shared between
// associations.
type Association struct {
	mu     sync.Mutex
	config Config
	log    logging.LeveledLogger

	state   State
	started bool
	closed  bool

	localVerificationTag  uint32
	remoteVerificationTag uint32
	cookieKey             []byte

	remotePartialReliability bool

	// inbound
	advertisedRwnd      int
	inboundStreams      map[uint16]*inboundStream
	inboundStreamsCount uint16
	lastReceivedTSN     uint32
	sackDuplicates      []uint32
	sackMisordered      map[uint32]struct{}
	sackNeeded          bool
	sackImmediate       bool
	sackDue             time.Time

	// outbound
	cwnd                 int
	ssthresh             int
	partialBytesAcked    int
	inFastRecovery       bool
	fastRecoveryExit     uint32
	fastRecoveryTransmit bool
	flightSize           int
	peerRwnd             int
	localTSN             uint32
	lastSackedTSN        uint32
	advancedPeerAckTSN   uint32
	outboundQueue        []*outboundChunk
	outboundStreamSeq    map[uint16]uint16
	outboundStreamsCount uint16
	sentQueue            []*outboundChunk
	forwardTSNChunk      *chunk.ForwardTSN

	// reconfiguration
	reconfigQueue       []uint16
	reconfigRequest     *chunk.OutgoingResetRequest
	reconfigRequestSeq  uint32
	reconfigResponseSeq uint32

	// timers
	rto        *rtoManager
	t1         rtxTimer
	t2         rtxTimer
	t3Deadline time.Time

	badPackets int

	pendingChunks []chunk.Chunk
	events        []Event
}

// New creates an association. Call Start once the underlying transport is
// ready, then Drive on every datagram, deadline or submitted operation.
func New(config Config) *Association {
	config.setDefaults()

	cookieKey := make([]byte, 32)
	// crypto/rand never fails on supported platforms
	rand.Read(cookieKey) //nolint:errcheck

	localTSN := globalMathRandomGenerator.Uint32()
	a := &Association{
		config:               config,
		log:                  config.LoggerFactory.NewLogger("sctp"),
		state:                StateClosed,
		localVerificationTag: globalMathRandomGenerator.Uint32(),
		cookieKey:            cookieKey,
		advertisedRwnd:       int(config.MaxReceiveBufferSize),
		inboundStreams:       make(map[uint16]*inboundStream),
		sackMisordered:       make(map[uint32]struct{}),
		localTSN:             localTSN,
		lastSackedTSN:        localTSN - 1,
		advancedPeerAckTSN:   localTSN - 1,
		outboundStreamSeq:    make(map[uint16]uint16),
		outboundStreamsCount: maxStreams,
		reconfigRequestSeq:   localTSN,
		rto:                  newRTOManager(config.RTOInitial, config.RTOMin, config.RTOMax),
	}
	a.cwnd = initialCwndSegments * config.segmentSize()
	return a
}

// IsServer reports whether this side is the passive opener.
func (a *Association) IsServer() bool { return a.config.IsServer }

// MaxMessageSize returns the configured maximum message size.
func (a *Association) MaxMessageSize() uint32 { return a.config.MaxMessageSize }

// State returns the current association state.
func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start begins the handshake. The client side queues its INIT; drive the
// association afterwards to put it on the wire.
func (a *Association) Start(now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAssociationClosed
	}
	if a.started {
		return nil
	}
	a.started = true
	if !a.config.IsServer {
		a.sendInit(now)
	}
	return nil
}

func (a *Association) sendInit(now time.Time) {
	init := &chunk.Init{}
	init.InitiateTag = a.localVerificationTag
	init.AdvertisedRwnd = uint32(a.advertisedRwnd)
	init.OutboundStreams = a.outboundStreamsCount
	init.InboundStreams = maxStreams
	init.InitialTSN = a.localTSN
	init.Params = a.localExtensions()

	a.pendingChunks = append(a.pendingChunks, init)
	a.t1.start(now, a.rto.current(), init)
	a.setState(StateCookieWait)
}

// localExtensions announces RE-CONFIG and Forward-TSN support.
func (a *Association) localExtensions() []chunk.Param {
	return []chunk.Param{
		{Type: chunk.ParamForwardTSNSupported},
		{Type: chunk.ParamSupportedExtensions, Value: []byte{
			uint8(chunk.TypeForwardTSN), uint8(chunk.TypeReconfig),
		}},
	}
}

func (a *Association) applyPeerExtensions(params []chunk.Param) {
	for _, p := range params {
		if p.Type == chunk.ParamForwardTSNSupported {
			a.remotePartialReliability = true
		}
	}
}

// Send queues one message for transmission, fragmenting it when it exceeds
// the segment size. Messages may be queued before the handshake completes;
// they are released once the association is established.
func (a *Association) Send(streamID uint16, ppid uint32, data []byte, opts SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.closed:
		return ErrAssociationClosed
	case a.state == StateShutdownPending, a.state == StateShutdownSent,
		a.state == StateShutdownReceived, a.state == StateShutdownAckSent:
		return ErrAssociationClosing
	}
	if len(data) > int(a.config.MaxMessageSize) {
		return ErrMessageTooLarge
	}

	a.queueMessage(streamID, ppid, data, opts)
	return nil
}

// ResetStreams queues a RE-CONFIG outgoing reset for the given streams.
// Requests are serialized: only one reset negotiation is outstanding at a
// time, the rest wait in the queue.
func (a *Association) ResetStreams(streamIDs ...uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAssociationClosed
	}
	a.reconfigQueue = append(a.reconfigQueue, streamIDs...)
	return nil
}

// Shutdown starts a graceful close. Queued data is still delivered; the
// SHUTDOWN chunk goes out once everything is acknowledged.
func (a *Association) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAssociationClosed
	}
	if a.state != StateEstablished {
		// nothing to drain, tear down locally
		a.close(nil)
		return nil
	}
	a.setState(StateShutdownPending)
	return nil
}

// Abort terminates the association immediately, discarding queued and
// in-flight data. Drive once more to collect the ABORT datagram.
func (a *Association) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.abortLocal(ErrUserAbort)
}

// Drive is the single decision loop of the association: it ingests
// datagrams, advances every timer against the supplied clock and returns the
// datagrams to transmit plus the next wake-up deadline.
func (a *Association) Drive(now time.Time, incoming [][]byte) DriveResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, datagram := range incoming {
		if a.closed {
			break
		}
		a.handlePacket(now, datagram)
	}

	if !a.closed {
		a.runTimers(now)
	}
	if !a.closed {
		if a.sackNeeded && (a.sackImmediate || (!a.sackDue.IsZero() && !now.Before(a.sackDue))) {
			a.pendingChunks = append(a.pendingChunks, a.buildSack())
		}
		switch a.state {
		case StateEstablished, StateShutdownPending, StateShutdownReceived, StateShutdownSent:
			a.transmitData(now)
		}
		a.transmitReconfig()
		a.checkShutdown(now)
	}

	result := DriveResult{
		Outgoing:     a.flush(),
		Events:       a.events,
		NextDeadline: a.nextDeadline(),
	}
	a.events = nil
	return result
}

func (a *Association) nextDeadline() time.Time {
	if a.closed {
		return time.Time{}
	}
	var sackDeadline time.Time
	if a.sackNeeded {
		sackDeadline = a.sackDue
	}
	return earliest(a.t1.deadline, a.t2.deadline, a.t3Deadline, sackDeadline)
}

// flush bundles the pending chunks into datagrams.
func (a *Association) flush() [][]byte {
	if len(a.pendingChunks) == 0 {
		return nil
	}
	for _, c := range a.pendingChunks {
		a.log.Tracef("> %v", c)
	}
	pz := &chunk.Packetizer{
		SourcePort:      a.config.LocalPort,
		DestinationPort: a.config.RemotePort,
		MaxSize:         a.config.MaxPacketSize,
	}
	datagrams, err := pz.Packetize(a.remoteVerificationTag, a.pendingChunks)
	a.pendingChunks = nil
	if err != nil {
		// chunks are built internally and sized to fit
		a.log.Errorf("packetize: %v", err)
		return nil
	}
	return datagrams
}

func (a *Association) runTimers(now time.Time) {
	if a.t1.expired(now) {
		a.t1.failures++
		if a.t1.failures > maxInitRetransmits {
			a.t1.cancel()
			a.close(ErrHandshakeTimeout)
			return
		}
		a.log.Debugf("T1 expired (%d), retransmitting %v", a.t1.failures, a.t1.chunk)
		a.rto.backoff()
		a.pendingChunks = append(a.pendingChunks, a.t1.chunk)
		a.t1.restart(now, a.rto.current())
	}
	if a.t2.expired(now) {
		a.t2.failures++
		if a.t2.failures > maxAssociationRetransmits {
			a.t2.cancel()
			a.close(ErrShutdownTimeout)
			return
		}
		a.log.Debugf("T2 expired (%d), retransmitting %v", a.t2.failures, a.t2.chunk)
		a.rto.backoff()
		a.pendingChunks = append(a.pendingChunks, a.t2.chunk)
		a.t2.restart(now, a.rto.current())
	}
	if !a.t3Deadline.IsZero() && !now.Before(a.t3Deadline) {
		a.t3Expired(now)
	}
}

func (a *Association) handlePacket(now time.Time, data []byte) {
	p := &chunk.Packet{}
	if err := p.Unmarshal(data); err != nil {
		a.badPackets++
		a.log.Warnf("discarding malformed packet: %v", err)
		if a.badPackets > a.config.MaxBadPackets {
			a.abortLocal(ErrTooManyBadPackets)
		}
		return
	}
	if p.Skipped > 0 {
		a.log.Debugf("skipped %d unknown chunks", p.Skipped)
	}

	// packets carrying an INIT use verification tag zero and must not
	// bundle other chunks
	expectedTag := a.localVerificationTag
	for _, c := range p.Chunks {
		if _, ok := c.(*chunk.Init); ok {
			if len(p.Chunks) != 1 {
				a.abortLocal(ErrProtocolViolation)
				return
			}
			expectedTag = 0
		}
	}
	if p.VerificationTag != expectedTag {
		a.log.Warnf("verification tag %d, expected %d", p.VerificationTag, expectedTag)
		a.abortLocal(ErrVerificationTagMismatch)
		return
	}

	for _, c := range p.Chunks {
		if a.closed {
			return
		}
		a.log.Tracef("< %v", c)
		a.handleChunk(now, c)
	}
}

func (a *Association) handleChunk(now time.Time, c chunk.Chunk) {
	switch c := c.(type) {
	case *chunk.Data:
		a.handleData(now, c)
	case *chunk.Sack:
		a.handleSack(now, c)
		a.checkShutdown(now)
	case *chunk.ForwardTSN:
		a.handleForwardTSN(now, c)
	case *chunk.Heartbeat:
		a.pendingChunks = append(a.pendingChunks, &chunk.HeartbeatAck{Params: c.Params})
	case *chunk.Abort:
		a.log.Debugf("association aborted by peer")
		a.close(ErrAborted)
	case *chunk.Shutdown:
		a.handleShutdown(now, c)
	case *chunk.ShutdownAck:
		a.handleShutdownAck(now)
	case *chunk.ShutdownComplete:
		if a.state == StateShutdownAckSent {
			a.t2.cancel()
			a.close(nil)
		}
	case *chunk.Reconfig:
		if a.state == StateEstablished {
			for _, param := range c.Params {
				a.handleReconfigParam(param)
			}
		}
	case *chunk.Init:
		a.handleInit(now, c)
	case *chunk.InitAck:
		a.handleInitAck(now, c)
	case *chunk.CookieEcho:
		a.handleCookieEcho(now, c)
	case *chunk.CookieAck:
		if a.state == StateCookieEchoed {
			a.t1.cancel()
			a.setEstablished()
		}
	case *chunk.ErrorChunk:
		a.handleError(c)
	case *chunk.HeartbeatAck:
		// no heartbeats are originated; tolerate stray acks
	}
}

// applyPeerInit stores the peer parameters shared by INIT and INIT-ACK.
func (a *Association) applyPeerInit(v *chunk.Init, ack *chunk.InitAck) {
	var tag, rwnd, tsn uint32
	var out, in uint16
	var params []chunk.Param
	if v != nil {
		tag, rwnd, tsn = v.InitiateTag, v.AdvertisedRwnd, v.InitialTSN
		out, in = v.OutboundStreams, v.InboundStreams
		params = v.Params
	} else {
		tag, rwnd, tsn = ack.InitiateTag, ack.AdvertisedRwnd, ack.InitialTSN
		out, in = ack.OutboundStreams, ack.InboundStreams
		params = ack.Params
	}

	a.lastReceivedTSN = tsn - 1
	a.reconfigResponseSeq = tsn - 1
	a.remoteVerificationTag = tag
	a.ssthresh = int(rwnd)
	a.peerRwnd = int(rwnd)
	a.applyPeerExtensions(params)

	a.log.Debugf("peer supports %d outbound, %d max inbound streams", out, in)
	a.inboundStreamsCount = out
	if out > maxStreams {
		a.inboundStreamsCount = maxStreams
	}
	if in < a.outboundStreamsCount {
		a.outboundStreamsCount = in
	}
}

func (a *Association) handleInit(now time.Time, c *chunk.Init) {
	if !a.config.IsServer || a.state == StateEstablished {
		return
	}
	a.applyPeerInit(c, nil)

	ack := &chunk.InitAck{}
	ack.InitiateTag = a.localVerificationTag
	ack.AdvertisedRwnd = uint32(a.advertisedRwnd)
	ack.OutboundStreams = a.outboundStreamsCount
	ack.InboundStreams = maxStreams
	ack.InitialTSN = a.localTSN
	ack.Params = append(a.localExtensions(), chunk.Param{
		Type:  chunk.ParamStateCookie,
		Value: a.generateCookie(now),
	})
	// no state is committed: the cookie itself carries the proof;
	// the association stays closed until the cookie comes back
	a.pendingChunks = append(a.pendingChunks, ack)
}

func (a *Association) handleInitAck(now time.Time, c *chunk.InitAck) {
	if a.state != StateCookieWait {
		return
	}
	a.t1.cancel()
	a.applyPeerInit(nil, c)

	var cookie []byte
	for _, p := range c.Params {
		if p.Type == chunk.ParamStateCookie {
			cookie = p.Value
			break
		}
	}
	if cookie == nil {
		// the state cookie is mandatory in INIT-ACK
		a.abortLocal(ErrProtocolViolation)
		return
	}

	echo := &chunk.CookieEcho{Cookie: cookie}
	a.pendingChunks = append(a.pendingChunks, echo)
	a.t1.start(now, a.rto.current(), echo)
	a.setState(StateCookieEchoed)
}

func (a *Association) handleCookieEcho(now time.Time, c *chunk.CookieEcho) {
	if !a.config.IsServer {
		return
	}
	switch err := a.verifyCookie(now, c.Cookie); err {
	case nil:
	case errCookieStale:
		a.log.Debugf("state cookie has expired")
		a.pendingChunks = append(a.pendingChunks, &chunk.ErrorChunk{Causes: []chunk.Param{
			{Type: chunk.CauseStaleCookie, Value: make([]byte, 8)},
		}})
		return
	default:
		a.log.Debugf("state cookie is invalid")
		return
	}

	a.pendingChunks = append(a.pendingChunks, &chunk.CookieAck{})
	if a.state != StateEstablished {
		a.setEstablished()
	}
}

func (a *Association) handleError(c *chunk.ErrorChunk) {
	if a.state == StateCookieWait || a.state == StateCookieEchoed {
		a.t1.cancel()
		a.log.Debugf("could not establish association: %v", c)
		a.close(ErrHandshakeFailed)
		return
	}
	a.log.Warnf("peer reported error: %v", c)
}

func (a *Association) handleShutdown(now time.Time, c *chunk.Shutdown) {
	if a.state != StateEstablished && a.state != StateShutdownPending {
		return
	}
	// the cumulative TSN in SHUTDOWN acknowledges our outstanding data
	a.handleSack(now, &chunk.Sack{
		CumulativeTSN:  c.CumulativeTSN,
		AdvertisedRwnd: uint32(a.peerRwnd),
	})
	a.setState(StateShutdownReceived)
	a.checkShutdown(now)
}

func (a *Association) handleShutdownAck(now time.Time) {
	if a.state != StateShutdownSent && a.state != StateShutdownAckSent {
		return
	}
	a.t2.cancel()
	a.pendingChunks = append(a.pendingChunks, &chunk.ShutdownComplete{})
	a.close(nil)
}

// checkShutdown advances a graceful close once all queued data is
// acknowledged: the local side emits SHUTDOWN, the remote-initiated side
// emits SHUTDOWN-ACK.
func (a *Association) checkShutdown(now time.Time) {
	if len(a.sentQueue) > 0 || len(a.outboundQueue) > 0 {
		return
	}
	switch a.state {
	case StateShutdownPending:
		shutdown := &chunk.Shutdown{CumulativeTSN: a.lastReceivedTSN}
		a.pendingChunks = append(a.pendingChunks, shutdown)
		a.t2.start(now, a.rto.current(), shutdown)
		a.setState(StateShutdownSent)
	case StateShutdownReceived:
		ack := &chunk.ShutdownAck{}
		a.pendingChunks = append(a.pendingChunks, ack)
		a.t2.start(now, a.rto.current(), ack)
		a.setState(StateShutdownAckSent)
	}
}

func (a *Association) setState(s State) {
	if s != a.state {
		a.log.Debugf("state %v -> %v", a.state, s)
		a.state = s
	}
}

func (a *Association) setEstablished() {
	a.setState(StateEstablished)
	a.events = append(a.events, EstablishedEvent{})
}

// abortLocal sends an ABORT and tears the association down with the given
// error. Used for protocol violations and local aborts.
func (a *Association) abortLocal(err error) {
	a.pendingChunks = append(a.pendingChunks, &chunk.Abort{})
	a.close(err)
}

// close finishes the association. A nil error marks a graceful shutdown, a
// non-nil one an abort. Queued data is discarded and the final ClosedEvent
// is emitted after all pending events so no consumer waits forever.
func (a *Association) close(err error) {
	if a.closed {
		return
	}
	a.closed = true

	a.t1.cancel()
	a.t2.cancel()
	a.t3Deadline = time.Time{}
	a.sackNeeded = false
	a.sackDue = time.Time{}
	a.outboundQueue = nil
	a.sentQueue = nil
	a.forwardTSNChunk = nil
	a.reconfigQueue = nil

	if err != nil {
		a.setState(StateAborted)
	} else {
		a.setState(StateClosed)
	}
	a.events = append(a.events, ClosedEvent{Err: err})
}
