package transport

import (
	"bytes"
	"net"
	"testing"
	"time"
)

// startReader pumps datagrams read from a conn onto a channel.
func startReader(t *testing.T, conn net.Conn) <-chan []byte {
	t.Helper()
	out := make(chan []byte, 16)
	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				close(out)
				return
			}
			out <- append([]byte(nil), buf[:n]...)
		}
	}()
	return out
}

// receive pumps the pipe until a datagram arrives or the deadline passes.
func receive(t *testing.T, p *Pipe, from <-chan []byte) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		p.Process()
		select {
		case d, ok := <-from:
			if !ok {
				t.Fatal("pipe closed while waiting")
			}
			return d
		case <-deadline:
			t.Fatal("no datagram arrived")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPipeDelivers(t *testing.T) {
	p := NewPipe()
	defer p.Close()
	conn0, conn1 := p.Conn0(), p.Conn1()
	from1 := startReader(t, conn1)

	if _, err := conn0.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if got := receive(t, p, from1); !bytes.Equal(got, []byte("ping")) {
		t.Errorf("received %q, want ping", got)
	}
}

func TestPipeDrop(t *testing.T) {
	p := NewPipe()
	defer p.Close()
	conn0 := p.Conn0()
	from1 := startReader(t, p.Conn1())

	p.SetCondition(NetworkCondition{DropRate: 1})
	if _, err := conn0.Write([]byte("gone")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	p.SetCondition(NetworkCondition{})
	if _, err := conn0.Write([]byte("kept")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	if got := receive(t, p, from1); !bytes.Equal(got, []byte("kept")) {
		t.Errorf("received %q, want the undropped datagram", got)
	}
}

func TestPipeDuplicate(t *testing.T) {
	p := NewPipe()
	defer p.Close()
	conn0 := p.Conn0()
	from1 := startReader(t, p.Conn1())

	p.SetCondition(NetworkCondition{DuplicateRate: 1})
	if _, err := conn0.Write([]byte("twice")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	first := receive(t, p, from1)
	second := receive(t, p, from1)
	if !bytes.Equal(first, []byte("twice")) || !bytes.Equal(second, []byte("twice")) {
		t.Errorf("received %q, %q", first, second)
	}
}

func TestPipeReorder(t *testing.T) {
	p := NewPipe()
	defer p.Close()
	conn0 := p.Conn0()
	from1 := startReader(t, p.Conn1())

	p.SetCondition(NetworkCondition{ReorderRate: 1})
	if _, err := conn0.Write([]byte("first")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	p.SetCondition(NetworkCondition{})
	if _, err := conn0.Write([]byte("second")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got0 := receive(t, p, from1)
	got1 := receive(t, p, from1)
	if !bytes.Equal(got0, []byte("second")) || !bytes.Equal(got1, []byte("first")) {
		t.Errorf("received %q then %q, want reordered delivery", got0, got1)
	}
}
