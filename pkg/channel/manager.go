package channel

import (
	"slices"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/sctp/pkg/association"
)

// DriveResult is the outcome of one manager drive cycle.
type DriveResult struct {
	Outgoing     [][]byte
	Events       []Event
	NextDeadline time.Time
}

// Manager multiplexes data channels over one association. It owns stream-id
// allocation: the client side uses even ids, the server side odd, taking the
// lowest recycled id before a fresh one.
type Manager struct {
	mu    sync.Mutex
	assoc *association.Association
	log   logging.LeveledLogger

	channels map[uint16]*Channel
	freeIDs  []uint16
	nextID   uint16
	idsDone  bool

	closed bool
	events []Event
}

// NewManager wraps an association. The association must not be shared with
// another manager.
func NewManager(assoc *association.Association, loggerFactory logging.LoggerFactory) *Manager {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	m := &Manager{
		assoc:    assoc,
		log:      loggerFactory.NewLogger("datachannel"),
		channels: make(map[uint16]*Channel),
	}
	if assoc.IsServer() {
		m.nextID = 1
	}
	return m
}

// Start begins the association handshake. Channels opened before the
// handshake completes are queued and flushed once it does.
func (m *Manager) Start(now time.Time) error {
	return m.assoc.Start(now)
}

// Open creates a channel and queues its open message. The channel reports
// open once the peer acknowledges it.
func (m *Manager) Open(label string, options Options) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrChannelClosed
	}
	if options.MaxRetransmits != nil && options.MaxPacketLifeTime != nil {
		return nil, ErrInvalidReliability
	}
	for _, c := range m.channels {
		if c.label == label {
			return nil, ErrDuplicateLabel
		}
	}

	id, err := m.allocateID()
	if err != nil {
		return nil, err
	}
	c := &Channel{
		manager:  m,
		id:       id,
		label:    label,
		protocol: options.Protocol,
		options:  options,
		state:    StateConnecting,
	}

	ctype, param := c.channelType()
	open := &openMessage{
		channelType:      ctype,
		priority:         options.Priority,
		reliabilityParam: param,
		label:            label,
		protocol:         options.Protocol,
	}
	payload, err := open.marshal()
	if err != nil {
		m.releaseID(id)
		return nil, err
	}
	// the establishment message is always ordered and reliable
	if err := m.assoc.Send(id, ppidDCEP, payload, association.SendOptions{}); err != nil {
		m.releaseID(id)
		return nil, err
	}

	m.channels[id] = c
	m.log.Debugf("channel %q opening on stream %d", label, id)
	return c, nil
}

// allocateID takes the lowest recycled id of the local parity, then fresh
// ids in order.
func (m *Manager) allocateID() (uint16, error) {
	if len(m.freeIDs) > 0 {
		id := m.freeIDs[0]
		m.freeIDs = m.freeIDs[1:]
		return id, nil
	}
	if m.idsDone {
		return 0, ErrStreamIDExhausted
	}
	id := m.nextID
	if id >= 0xFFFE {
		m.idsDone = true
	} else {
		m.nextID += 2
	}
	return id, nil
}

func (m *Manager) releaseID(id uint16) {
	m.freeIDs = append(m.freeIDs, id)
	slices.Sort(m.freeIDs)
}

// localParity reports whether the id belongs to this side's allocation space.
func (m *Manager) localParity(id uint16) bool {
	if m.assoc.IsServer() {
		return id%2 == 1
	}
	return id%2 == 0
}

func (m *Manager) send(c *Channel, data []byte, isString bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.state != StateOpen {
		return ErrChannelClosed
	}
	if len(data) > int(m.assoc.MaxMessageSize()) {
		return ErrMessageTooLarge
	}

	// a DATA chunk cannot carry zero bytes; empty messages use dedicated
	// PPIDs and a single padding byte
	ppid := ppidBinary
	switch {
	case isString && len(data) == 0:
		ppid = ppidStringEmpty
		data = []byte{0}
	case isString:
		ppid = ppidString
	case len(data) == 0:
		ppid = ppidBinaryEmpty
		data = []byte{0}
	}
	return m.assoc.Send(c.id, ppid, data, c.sendOptions())
}

func (m *Manager) closeChannel(c *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch c.state {
	case StateClosing, StateClosed:
		return nil
	}
	c.state = StateClosing
	m.log.Debugf("channel %q closing, resetting stream %d", c.label, c.id)
	return m.assoc.ResetStreams(c.id)
}

// Shutdown gracefully closes the association under the manager.
func (m *Manager) Shutdown() error {
	return m.assoc.Shutdown()
}

// Abort tears the association down immediately. Drive once more to collect
// the ABORT datagram and the closed events.
func (m *Manager) Abort() {
	m.assoc.Abort()
}

// Drive delegates to the association and translates its events into channel
// events. Handling an inbound open or reset may queue replies, so the
// association is driven a second time to flush them within the same cycle.
func (m *Manager) Drive(now time.Time, incoming [][]byte) DriveResult {
	first := m.assoc.Drive(now, incoming)

	m.mu.Lock()
	m.handleAssociationEvents(first.Events)
	m.mu.Unlock()

	second := m.assoc.Drive(now, nil)

	m.mu.Lock()
	m.handleAssociationEvents(second.Events)
	events := m.events
	m.events = nil
	m.mu.Unlock()

	return DriveResult{
		Outgoing:     append(first.Outgoing, second.Outgoing...),
		Events:       events,
		NextDeadline: second.NextDeadline,
	}
}

func (m *Manager) handleAssociationEvents(events []association.Event) {
	for _, e := range events {
		switch e := e.(type) {
		case association.EstablishedEvent:
			m.log.Debugf("association established")
		case association.MessageEvent:
			m.handleMessage(e)
		case association.StreamsResetEvent:
			for _, id := range e.StreamIDs {
				m.handleStreamClosed(id)
			}
		case association.ClosedEvent:
			m.handleAssociationClosed(e.Err)
		}
	}
}

func (m *Manager) handleMessage(e association.MessageEvent) {
	if e.PPID == ppidDCEP {
		m.handleEstablishment(e.StreamID, e.Data)
		return
	}

	c, ok := m.channels[e.StreamID]
	if !ok {
		m.log.Warnf("message on unknown stream %d dropped", e.StreamID)
		return
	}
	switch e.PPID {
	case ppidString:
		m.events = append(m.events, ChannelMessageEvent{Channel: c, Data: e.Data, IsString: true})
	case ppidStringEmpty:
		m.events = append(m.events, ChannelMessageEvent{Channel: c, Data: nil, IsString: true})
	case ppidBinary:
		m.events = append(m.events, ChannelMessageEvent{Channel: c, Data: e.Data})
	case ppidBinaryEmpty:
		m.events = append(m.events, ChannelMessageEvent{Channel: c, Data: nil})
	default:
		m.log.Warnf("message with unknown ppid %d on stream %d dropped", e.PPID, e.StreamID)
	}
}

func (m *Manager) handleEstablishment(streamID uint16, data []byte) {
	if len(data) < 1 {
		m.log.Warnf("empty establishment message on stream %d", streamID)
		return
	}
	switch data[0] {
	case messageTypeOpen:
		m.handleOpen(streamID, data)
	case messageTypeAck:
		c, ok := m.channels[streamID]
		if !ok || c.state != StateConnecting {
			return
		}
		c.state = StateOpen
		m.log.Debugf("channel %q open on stream %d", c.label, c.id)
		m.events = append(m.events, ChannelOpenEvent{Channel: c})
	default:
		m.log.Warnf("stream %d: %v (%#x)", streamID, ErrUnknownMessageType, data[0])
	}
}

func (m *Manager) handleOpen(streamID uint16, data []byte) {
	open, err := unmarshalOpen(data)
	if err != nil {
		m.log.Warnf("bad open message on stream %d: %v", streamID, err)
		return
	}

	if _, exists := m.channels[streamID]; !exists {
		options := Options{
			Protocol:  open.protocol,
			Unordered: open.channelType&channelTypeUnorderedFlag != 0,
			Priority:  open.priority,
		}
		switch open.channelType &^ channelTypeUnorderedFlag {
		case channelTypePartialRexmit:
			v := uint16(open.reliabilityParam)
			options.MaxRetransmits = &v
		case channelTypePartialTimed:
			v := uint16(open.reliabilityParam)
			options.MaxPacketLifeTime = &v
		}
		c := &Channel{
			manager:  m,
			id:       streamID,
			label:    open.label,
			protocol: open.protocol,
			options:  options,
			state:    StateOpen,
		}
		m.channels[streamID] = c
		m.log.Debugf("peer opened channel %q on stream %d", c.label, c.id)
		m.events = append(m.events, ChannelOpenEvent{Channel: c})
	}

	// acknowledge, also for a retransmitted open
	if err := m.assoc.Send(streamID, ppidDCEP, []byte{messageTypeAck}, association.SendOptions{}); err != nil {
		m.log.Warnf("acknowledging channel on stream %d: %v", streamID, err)
	}
}

func (m *Manager) handleStreamClosed(id uint16) {
	c, ok := m.channels[id]
	if !ok {
		return
	}
	delete(m.channels, id)
	c.state = StateClosed
	if m.localParity(id) {
		m.releaseID(id)
	}
	m.log.Debugf("channel %q closed, stream %d released", c.label, id)
	m.events = append(m.events, ChannelClosedEvent{Channel: c})
}

func (m *Manager) handleAssociationClosed(err error) {
	if m.closed {
		return
	}
	m.closed = true
	for _, c := range m.channels {
		c.state = StateClosed
		m.events = append(m.events, ChannelClosedEvent{Channel: c})
	}
	m.channels = make(map[uint16]*Channel)
	m.events = append(m.events, AssociationClosedEvent{Err: err})
}
