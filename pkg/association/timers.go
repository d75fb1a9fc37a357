package association

import (
	"time"

	"github.com/backkem/sctp/pkg/chunk"
)

// rtxTimer is a deadline-based retransmission timer for a control chunk
// (T1 during the handshake, T2 during shutdown). The caller supplies the
// clock on every drive, nothing sleeps internally.
type rtxTimer struct {
	deadline time.Time
	failures int
	chunk    chunk.Chunk
}

func (t *rtxTimer) start(now time.Time, rto time.Duration, c chunk.Chunk) {
	t.deadline = now.Add(rto)
	t.failures = 0
	t.chunk = c
}

func (t *rtxTimer) restart(now time.Time, rto time.Duration) {
	t.deadline = now.Add(rto)
}

func (t *rtxTimer) cancel() {
	t.deadline = time.Time{}
	t.failures = 0
	t.chunk = nil
}

func (t *rtxTimer) active() bool {
	return !t.deadline.IsZero()
}

func (t *rtxTimer) expired(now time.Time) bool {
	return t.active() && !now.Before(t.deadline)
}

// earliest merges timer deadlines; the zero time means unarmed.
func earliest(deadlines ...time.Time) time.Time {
	var min time.Time
	for _, d := range deadlines {
		if d.IsZero() {
			continue
		}
		if min.IsZero() || d.Before(min) {
			min = d
		}
	}
	return min
}
