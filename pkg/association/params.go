package association

import "time"

// Protocol constants. RTO handling follows RFC 4960 Section 6.3, congestion
// control Section 7.2, partial reliability RFC 3758.
const (
	// defaultSegmentSize is the user-data bytes carried per DATA chunk and
	// the unit of congestion-window arithmetic. Sized so a full DATA chunk
	// plus headers stays within the IPv6 minimum MTU after DTLS overhead.
	defaultSegmentSize = 1200

	// maxStreams is the largest stream count announced in INIT/INIT-ACK.
	maxStreams = 65535

	// rtoAlpha and rtoBeta are the RFC 4960 smoothing factors
	// (RTO.Alpha = 1/8, RTO.Beta = 1/4).
	rtoAlpha = 0.125
	rtoBeta  = 0.25

	// maxInitRetransmits bounds T1 retries (Max.Init.Retransmits).
	maxInitRetransmits = 8

	// maxAssociationRetransmits bounds T2 retries
	// (Association.Max.Retrans).
	maxAssociationRetransmits = 10

	// maxBurstSegments limits how many segments above the current flight
	// one transmit pass may release (RFC 4960 Section 6.1 b, Max.Burst).
	maxBurstSegments = 4

	// fastRecoveryBurstSegments is the reduced burst limit while in fast
	// recovery.
	fastRecoveryBurstSegments = 2

	// initialCwndSegments sizes the initial congestion window.
	initialCwndSegments = 3

	// reconfigMaxStreams caps the stream ids carried in one outgoing
	// reset request.
	reconfigMaxStreams = 135

	// cookieLength is 4 bytes of timestamp plus a 20-byte keyed MAC.
	cookieLength = 24
)

// Tunable defaults, applied by Config.setDefaults.
const (
	defaultRTOInitial = 3 * time.Second
	defaultRTOMin     = 1 * time.Second
	defaultRTOMax     = 60 * time.Second

	// defaultFastRetransmitThreshold is the number of SACKs reporting a
	// TSN missing before it is fast-retransmitted. 3 per common practice.
	defaultFastRetransmitThreshold = 3

	defaultReceiveBufferSize = 1024 * 1024
	defaultMaxMessageSize    = 65536
	defaultSACKDelay         = 200 * time.Millisecond
	defaultCookieLifetime    = 60 * time.Second

	// defaultMaxBadPackets is how many undecodable datagrams are
	// tolerated before the association is aborted.
	defaultMaxBadPackets = 16
)
