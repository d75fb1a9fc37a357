// Package transport connects the sans-IO association to real IO: an
// in-memory datagram pipe with network condition simulation for tests, and
// an event loop that drives a channel manager over a net.Conn.
package transport

import (
	"math/rand"
	"net"
	"sync"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures network behavior simulation. Rates are
// probabilities in [0, 1] and apply to each datagram independently.
type NetworkCondition struct {
	// DropRate is the probability of dropping a datagram.
	DropRate float64

	// DuplicateRate is the probability of delivering a datagram twice.
	DuplicateRate float64

	// ReorderRate is the probability of holding a datagram back until
	// the next one passes it.
	ReorderRate float64

	// Seed makes the simulation reproducible. Zero seeds from the
	// default source.
	Seed int64
}

// Pipe provides bidirectional in-memory datagram communication between two
// endpoints. It wraps pion's test.Bridge and adds network condition
// simulation on writes.
//
// Delivery is manual: call Tick or Process to move queued datagrams, which
// keeps tests deterministic.
type Pipe struct {
	bridge *test.Bridge

	mu        sync.Mutex
	condition NetworkCondition
	rng       *rand.Rand

	held0 [][]byte
	held1 [][]byte
}

// NewPipe creates a pipe with a clean link.
func NewPipe() *Pipe {
	return &Pipe{
		bridge: test.NewBridge(),
		rng:    rand.New(rand.NewSource(1)), //nolint:gosec
	}
}

// SetCondition configures network condition simulation for both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
	if cond.Seed != 0 {
		p.rng = rand.New(rand.NewSource(cond.Seed)) //nolint:gosec
	}
}

// Conn0 returns the endpoint for side 0, with conditions applied on writes.
func (p *Pipe) Conn0() net.Conn {
	return &conditionedConn{Conn: p.bridge.GetConn0(), pipe: p, held: &p.held0}
}

// Conn1 returns the endpoint for side 1, with conditions applied on writes.
func (p *Pipe) Conn1() net.Conn {
	return &conditionedConn{Conn: p.bridge.GetConn1(), pipe: p, held: &p.held1}
}

// Tick delivers one queued datagram in each direction and reports how many
// moved.
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers every queued datagram.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// Close closes both endpoints.
func (p *Pipe) Close() error {
	err0 := p.bridge.GetConn0().Close()
	err1 := p.bridge.GetConn1().Close()
	if err0 != nil {
		return err0
	}
	return err1
}

// conditionedConn applies the pipe's network condition on each Write.
type conditionedConn struct {
	net.Conn
	pipe *Pipe
	held *[][]byte
}

func (c *conditionedConn) Write(b []byte) (int, error) {
	p := c.pipe
	p.mu.Lock()
	cond := p.condition
	drop := cond.DropRate > 0 && p.rng.Float64() < cond.DropRate
	duplicate := cond.DuplicateRate > 0 && p.rng.Float64() < cond.DuplicateRate
	reorder := cond.ReorderRate > 0 && p.rng.Float64() < cond.ReorderRate

	if drop {
		p.mu.Unlock()
		return len(b), nil
	}
	if reorder {
		// hold this datagram until the next write passes it
		*c.held = append(*c.held, append([]byte(nil), b...))
		p.mu.Unlock()
		return len(b), nil
	}
	held := *c.held
	*c.held = nil
	p.mu.Unlock()

	if _, err := c.Conn.Write(b); err != nil {
		return 0, err
	}
	if duplicate {
		if _, err := c.Conn.Write(b); err != nil {
			return 0, err
		}
	}
	for _, h := range held {
		if _, err := c.Conn.Write(h); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}
