// Package integration contains end-to-end tests that run two full stacks
// against each other over real UDP sockets on the loopback interface.
package integration

import (
	"net"
	"testing"
	"time"

	"github.com/backkem/sctp/pkg/association"
	"github.com/backkem/sctp/pkg/channel"
	"github.com/backkem/sctp/pkg/transport"
)

// TestPair holds a client and server event loop wired together over UDP.
type TestPair struct {
	Client *transport.Loop
	Server *transport.Loop
}

// NewTestPair starts both loops over a fresh loopback socket pair and
// registers cleanup with t.
func NewTestPair(t *testing.T) *TestPair {
	t.Helper()
	conn0, conn1 := udpPair(t)

	client := transport.NewLoop(channel.NewManager(association.New(association.Config{}), nil), conn0, nil)
	server := transport.NewLoop(channel.NewManager(association.New(association.Config{IsServer: true}), nil), conn1, nil)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start() error: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server Start() error: %v", err)
	}
	t.Cleanup(func() {
		client.Close() //nolint:errcheck
		server.Close() //nolint:errcheck
	})
	return &TestPair{Client: client, Server: server}
}

// WaitFor reads events from a loop until match accepts one or the deadline
// passes.
func WaitFor(t *testing.T, l *transport.Loop, what string, match func(channel.Event) bool) channel.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-l.Events():
			if !ok {
				t.Fatalf("loop closed while waiting for %s", what)
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// udpPair returns two loopback UDP sockets addressed at each other.
func udpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	sock0, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error: %v", err)
	}
	sock1, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error: %v", err)
	}
	return &fixedPeerConn{UDPConn: sock0, peer: sock1.LocalAddr()},
		&fixedPeerConn{UDPConn: sock1, peer: sock0.LocalAddr()}
}

// fixedPeerConn gives an unconnected UDP socket net.Conn semantics against
// a single known peer.
type fixedPeerConn struct {
	*net.UDPConn
	peer net.Addr
}

func (c *fixedPeerConn) Read(b []byte) (int, error) {
	n, _, err := c.UDPConn.ReadFrom(b)
	return n, err
}

func (c *fixedPeerConn) Write(b []byte) (int, error) {
	return c.UDPConn.WriteTo(b, c.peer)
}

func (c *fixedPeerConn) RemoteAddr() net.Addr { return c.peer }
