package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/sctp/pkg/channel"
)

// maxDatagramSize bounds one read from the underlying connection.
const maxDatagramSize = 65536

// Loop drives a channel manager over a datagram connection with a real
// clock: it feeds inbound datagrams and timer deadlines into Drive, writes
// whatever comes out, and surfaces events on a channel.
//
// Submitting work between drives (Open, Send, Close on a channel) does not
// wake the loop by itself; call Kick afterwards.
type Loop struct {
	manager *channel.Manager
	conn    net.Conn
	log     logging.LeveledLogger

	events   chan channel.Event
	incoming chan []byte
	kick     chan struct{}
	done     chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLoop wraps a manager and a connection. Call Start to begin.
func NewLoop(manager *channel.Manager, conn net.Conn, loggerFactory logging.LoggerFactory) *Loop {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Loop{
		manager:  manager,
		conn:     conn,
		log:      loggerFactory.NewLogger("sctp-loop"),
		events:   make(chan channel.Event, 16),
		incoming: make(chan []byte, 64),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Manager returns the wrapped channel manager.
func (l *Loop) Manager() *channel.Manager { return l.manager }

// Events delivers manager events in order. The caller must drain it; the
// channel is closed by Close.
func (l *Loop) Events() <-chan channel.Event { return l.events }

// Start begins the handshake and the read and drive goroutines.
func (l *Loop) Start() error {
	if err := l.manager.Start(time.Now()); err != nil {
		return err
	}
	l.wg.Add(2)
	go l.readLoop()
	go l.driveLoop()
	l.Kick()
	return nil
}

// Kick schedules an immediate drive cycle. Call it after submitting work.
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Loop) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			close(l.incoming)
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		select {
		case l.incoming <- datagram:
		case <-l.done:
			return
		}
	}
}

func (l *Loop) driveLoop() {
	defer l.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var batch [][]byte
		select {
		case <-l.done:
			return
		case <-l.kick:
		case <-timer.C:
		case datagram, ok := <-l.incoming:
			if !ok {
				// transport gone, tear down
				l.manager.Abort()
				l.incoming = nil
				break
			}
			batch = append(batch, datagram)
			for more := true; more; {
				select {
				case d, ok := <-l.incoming:
					if !ok {
						l.incoming = nil
						more = false
						break
					}
					batch = append(batch, d)
				default:
					more = false
				}
			}
		}

		r := l.manager.Drive(time.Now(), batch)
		for _, d := range r.Outgoing {
			if _, err := l.conn.Write(d); err != nil {
				l.log.Warnf("write: %v", err)
			}
		}
		finished := false
		for _, e := range r.Events {
			select {
			case l.events <- e:
			case <-l.done:
				return
			}
			if _, ok := e.(channel.AssociationClosedEvent); ok {
				finished = true
			}
		}
		if finished {
			l.stop()
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if !r.NextDeadline.IsZero() {
			wait := time.Until(r.NextDeadline)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		} else {
			timer.Reset(time.Hour)
		}
	}
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.conn.Close() //nolint:errcheck
	})
}

// Close aborts the association, flushes the abort datagram and stops both
// goroutines. It is safe to call more than once.
func (l *Loop) Close() error {
	l.closeOnce.Do(func() {
		l.manager.Abort()
		r := l.manager.Drive(time.Now(), nil)
		for _, d := range r.Outgoing {
			l.conn.Write(d) //nolint:errcheck
		}
		for _, e := range r.Events {
			select {
			case l.events <- e:
			default:
			}
		}
		l.stop()
		l.wg.Wait()
		close(l.events)
	})
	return nil
}
