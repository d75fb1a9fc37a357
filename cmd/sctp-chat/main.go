// sctp-chat is a terminal chat over a single data channel.
//
// Run one side as the listener and one as the dialer; each stdin line is
// sent as a text message on the chat channel and printed on the other end.
//
// Usage:
//
//	sctp-chat -listen 127.0.0.1:5000
//	sctp-chat -connect 127.0.0.1:5000
//
// Options:
//
//	-listen   UDP address to listen on (server side)
//	-connect  UDP address to connect to (client side)
//	-label    data channel label (default: "chat")
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/backkem/sctp/pkg/association"
	"github.com/backkem/sctp/pkg/channel"
	"github.com/backkem/sctp/pkg/transport"
)

func main() {
	listen := flag.String("listen", "", "UDP address to listen on (server side)")
	connect := flag.String("connect", "", "UDP address to connect to (client side)")
	label := flag.String("label", "chat", "data channel label")
	flag.Parse()

	switch {
	case *listen != "" && *connect == "":
		conn, err := listenConn(*listen)
		if err != nil {
			log.Fatalf("Failed to listen: %v", err)
		}
		run(conn, true, *label)
	case *connect != "" && *listen == "":
		conn, err := net.Dial("udp", *connect)
		if err != nil {
			log.Fatalf("Failed to connect: %v", err)
		}
		run(conn, false, *label)
	default:
		fmt.Fprintln(os.Stderr, "specify exactly one of -listen or -connect")
		flag.Usage()
		os.Exit(2)
	}
}

func run(conn net.Conn, isServer bool, label string) {
	assoc := association.New(association.Config{IsServer: isServer})
	mgr := channel.NewManager(assoc, nil)
	loop := transport.NewLoop(mgr, conn, nil)
	if err := loop.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer loop.Close() //nolint:errcheck

	// The dialer opens the channel; the listener adopts it on open.
	var ch *channel.Channel
	if !isServer {
		var err error
		ch, err = mgr.Open(label, channel.Options{})
		if err != nil {
			log.Fatalf("Failed to open channel: %v", err)
		}
		loop.Kick()
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case ev, ok := <-loop.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case channel.ChannelOpenEvent:
				ch = e.Channel
				log.Printf("channel %q open on stream %d", e.Channel.Label(), e.Channel.ID())
			case channel.ChannelMessageEvent:
				fmt.Printf("peer: %s\n", e.Data)
			case channel.ChannelClosedEvent:
				log.Printf("channel %q closed", e.Channel.Label())
			case channel.AssociationClosedEvent:
				if e.Err != nil {
					log.Printf("association closed: %v", e.Err)
				}
				return
			}
		case line, ok := <-lines:
			if !ok {
				return
			}
			if ch == nil {
				log.Print("channel not open yet")
				continue
			}
			if err := ch.SendText(line); err != nil {
				log.Printf("Failed to send: %v", err)
				continue
			}
			loop.Kick()
		}
	}
}

// listenConn wraps an unconnected UDP socket as a net.Conn by latching onto
// the first peer that sends to it. Datagrams from other peers are dropped.
func listenConn(addr string) (net.Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	sock, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &latchedConn{UDPConn: sock}, nil
}

type latchedConn struct {
	*net.UDPConn
	mu   sync.Mutex
	peer *net.UDPAddr
}

func (c *latchedConn) Read(b []byte) (int, error) {
	for {
		n, addr, err := c.UDPConn.ReadFromUDP(b)
		if err != nil {
			return 0, err
		}
		c.mu.Lock()
		if c.peer == nil {
			c.peer = addr
			log.Printf("peer connected from %s", addr)
		}
		fromPeer := addr.String() == c.peer.String()
		c.mu.Unlock()
		if fromPeer {
			return n, nil
		}
	}
}

func (c *latchedConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return 0, errors.New("no peer yet")
	}
	return c.UDPConn.WriteToUDP(b, peer)
}
