package p2p

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/log"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrAlreadyStarted = errors.New("manager already started")
)

// Message is a consumed message, copied out of the incoming buffer before its slot was
// released.
type Message struct {
	Sender  fabric.NodeID
	Type    layout.MessageType
	SeqNum  uint64
	Header  Header
	Payload []byte
}

// Sink receives consumed messages. Enqueue is called from the polling goroutine and must
// not block.
type Sink interface {
	Enqueue(Message)
}

type Opt func(*Manager)

// WithIdleSleep makes the poller sleep for d after spins consecutive empty passes.
// d == 0 polls without ever sleeping.
func WithIdleSleep(spins int, d time.Duration) Opt {
	return func(m *Manager) {
		m.idleSpins = spins
		m.idleSleep = d
	}
}

// WithLazyConnect connects to unknown peers on their first send.
func WithLazyConnect() Opt {
	return func(m *Manager) {
		m.lazy = true
	}
}

// OnPeerFailure registers a callback run after a peer was dropped because of a protocol
// violation.
func OnPeerFailure(f func(fabric.NodeID, error)) Opt {
	return func(m *Manager) {
		m.onFailure = f
	}
}

// Manager owns the connections of one node and polls them for arrived messages.
type Manager struct {
	self     fabric.NodeID
	layout   *layout.Layout
	provider fabric.Provider
	sink     Sink

	lazy      bool
	idleSpins int
	idleSleep time.Duration
	onFailure func(fabric.NodeID, error)

	// A poll pass holds the read lock for a full scan; structural changes take the write lock.
	mx    sync.RWMutex
	conns map[fabric.NodeID]*Connection
	// held while a connection is set up
	connecting sync.Mutex

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	eg        *errgroup.Group
}

func NewManager(self fabric.NodeID, l *layout.Layout, p fabric.Provider, sink Sink, opts ...Opt) *Manager {
	m := &Manager{
		self:      self,
		layout:    l,
		provider:  p,
		sink:      sink,
		idleSpins: 1000,
		idleSleep: 100 * time.Microsecond,
		conns:     make(map[fabric.NodeID]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Self() fabric.NodeID {
	return m.self
}

func (m *Manager) Layout() *layout.Layout {
	return m.layout
}

// AddPeer connects to id. Adding a connected peer is a no-op.
func (m *Manager) AddPeer(id fabric.NodeID) error {
	// Providers register one incoming buffer per remote, so at most one connection to id
	// may be in the making.
	m.connecting.Lock()
	defer m.connecting.Unlock()

	if m.HasPeer(id) {
		return nil
	}

	c, err := NewConnection(m.self, id, m.layout, m.provider)

	if err != nil {
		log.Log(log.LOGLEVEL_ERRORS, "Could not connect to node", id, ":", err.Error())
		return err
	}

	m.mx.Lock()
	m.conns[id] = c
	m.mx.Unlock()

	connectedPeers.WithLabelValues().Inc()
	return nil
}

// RemovePeer disconnects id. It never interrupts a running poll pass.
func (m *Manager) RemovePeer(id fabric.NodeID) error {
	m.mx.Lock()
	c, ok := m.conns[id]
	delete(m.conns, id)
	m.mx.Unlock()

	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "node %d", id)
	}
	connectedPeers.WithLabelValues().Dec()
	log.Log(log.LOGLEVEL_INFO, "Removed node", id)
	return c.Close()
}

func (m *Manager) HasPeer(id fabric.NodeID) bool {
	m.mx.RLock()
	defer m.mx.RUnlock()

	_, ok := m.conns[id]
	return ok
}

// Peers returns the connected nodes in ascending order.
func (m *Manager) Peers() []fabric.NodeID {
	m.mx.RLock()
	peers := make([]fabric.NodeID, 0, len(m.conns))
	for id := range m.conns {
		peers = append(peers, id)
	}
	m.mx.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Connection returns the connection to id, if any.
func (m *Manager) Connection(id fabric.NodeID) (*Connection, bool) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	c, ok := m.conns[id]
	return c, ok
}

func (m *Manager) lookup(id fabric.NodeID) (*Connection, error) {
	if c, ok := m.Connection(id); ok {
		return c, nil
	}
	if !m.lazy {
		return nil, errors.Wrapf(ErrUnknownPeer, "node %d", id)
	}
	if err := m.AddPeer(id); err != nil {
		return nil, err
	}
	if c, ok := m.Connection(id); ok {
		return c, nil
	}
	return nil, errors.Wrapf(ErrUnknownPeer, "node %d", id)
}

// GetSendBuffer reserves a slot of type t on the connection to peer. ok is false if the
// request window to peer is full.
func (m *Manager) GetSendBuffer(peer fabric.NodeID, t layout.MessageType) (h BufferHandle, ok bool, err error) {
	c, err := m.lookup(peer)

	if err != nil {
		return BufferHandle{}, false, err
	}
	h, ok = c.GetSendBuffer(t)
	return h, ok, nil
}

// Send publishes a slot reserved by GetSendBuffer.
func (m *Manager) Send(peer fabric.NodeID, t layout.MessageType, seq uint64) error {
	c, ok := m.Connection(peer)

	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "node %d", peer)
	}
	return c.Send(t, seq)
}

// Start launches the polling goroutine. It runs until Stop is called or ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.eg != nil {
		return ErrAlreadyStarted
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.eg, ctx = errgroup.WithContext(ctx)
	m.eg.Go(func() error {
		return m.poll(ctx)
	})

	log.Log(log.LOGLEVEL_INFO, "Node", m.self, "started polling")
	return nil
}

// Stop terminates the poller, waits for it to exit and then closes all connections.
func (m *Manager) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	var err error
	if m.eg != nil {
		m.cancel()
		err = m.eg.Wait()
		m.eg = nil
	}

	m.mx.Lock()
	conns := m.conns
	m.conns = make(map[fabric.NodeID]*Connection)
	m.mx.Unlock()

	for id, c := range conns {
		connectedPeers.WithLabelValues().Dec()
		if cerr := c.Close(); cerr != nil {
			log.Log(log.LOGLEVEL_WARNINGS, "Error closing connection to", id, ":", cerr.Error())
		}
	}
	return err
}

func (m *Manager) poll(ctx context.Context) error {
	empty := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if m.pollOnce() > 0 {
			empty = 0
			continue
		}

		empty++
		if m.idleSleep > 0 && empty >= m.idleSpins {
			time.Sleep(m.idleSleep)
		} else {
			runtime.Gosched()
		}
	}
}

type violation struct {
	peer fabric.NodeID
	err  error
}

// pollOnce probes every connection once and consumes at most one message from each.
// It returns the number of consumed messages.
func (m *Manager) pollOnce() int {
	var n int
	var violations []violation

	m.mx.RLock()
	for id, c := range m.conns {
		in, ok, err := c.Probe()

		if err != nil {
			violations = append(violations, violation{id, err})
			continue
		}
		if !ok {
			continue
		}

		msg, err := m.consume(c, in)

		if err != nil {
			c.failed.Store(true)
			violations = append(violations, violation{id, err})
			continue
		}
		m.sink.Enqueue(msg)
		n++
	}
	m.mx.RUnlock()

	for _, v := range violations {
		m.dropPeer(v.peer, v.err)
	}
	return n
}

// consume copies an arrived message out of its slot and releases the slot.
func (m *Manager) consume(c *Connection, in Incoming) (Message, error) {
	hdr, err := DecodeHeader(in.Data)

	if err != nil {
		return Message{}, errors.Wrap(ErrProtocolViolation, err.Error())
	}
	if uint64(hdr.Length) > uint64(len(in.Data)-HeaderSize) {
		return Message{}, errors.Wrapf(ErrProtocolViolation, "node %d: %s %d declares %d payload bytes",
			c.remote, in.Type, in.SeqNum, hdr.Length)
	}

	payload := make([]byte, hdr.Length)
	copy(payload, in.Data[HeaderSize:])

	if !c.Advance(in.Type) {
		return Message{}, errors.Wrapf(ErrProtocolViolation, "node %d: %s slot %d changed while being consumed",
			c.remote, in.Type, in.SeqNum)
	}

	return Message{
		Sender:  c.remote,
		Type:    in.Type,
		SeqNum:  in.SeqNum,
		Header:  hdr,
		Payload: payload,
	}, nil
}

func (m *Manager) dropPeer(id fabric.NodeID, cause error) {
	protocolViolations.WithLabelValues().Inc()
	log.Log(log.LOGLEVEL_ERRORS, "Dropping node", id, ":", cause.Error())

	if err := m.RemovePeer(id); err != nil && !errors.Is(err, ErrUnknownPeer) {
		log.Log(log.LOGLEVEL_WARNINGS, "Error closing connection to", id, ":", err.Error())
	}
	if m.onFailure != nil {
		m.onFailure(id, cause)
	}
}
