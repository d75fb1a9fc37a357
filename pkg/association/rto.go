package association

import (
	"math"
	"time"
)

// rtoManager keeps the retransmission timeout estimate
// (RFC 4960 Section 6.3.1, Jacobson/Karels-style SRTT/RTTVAR).
//
// The timeout doubles on each timer expiry (Section 6.3.3 E2) up to the
// maximum and snaps back to the estimator value after the next unambiguous
// round-trip measurement.
type rtoManager struct {
	srtt     float64 // seconds
	rttvar   float64
	measured bool

	rto float64
	min float64
	max float64
}

func newRTOManager(initial, min, max time.Duration) *rtoManager {
	return &rtoManager{
		rto: initial.Seconds(),
		min: min.Seconds(),
		max: max.Seconds(),
	}
}

// measure feeds a round-trip sample from a never-retransmitted chunk.
func (m *rtoManager) measure(rtt time.Duration) {
	r := rtt.Seconds()
	if !m.measured {
		m.srtt = r
		m.rttvar = r / 2
		m.measured = true
	} else {
		m.rttvar = (1-rtoBeta)*m.rttvar + rtoBeta*math.Abs(m.srtt-r)
		m.srtt = (1-rtoAlpha)*m.srtt + rtoAlpha*r
	}
	m.rto = math.Min(math.Max(m.srtt+4*m.rttvar, m.min), m.max)
}

// backoff doubles the timeout after a timer expiry.
func (m *rtoManager) backoff() {
	m.rto = math.Min(m.rto*2, m.max)
}

func (m *rtoManager) current() time.Duration {
	return time.Duration(m.rto * float64(time.Second))
}
