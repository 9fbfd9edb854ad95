/*
Package p2p implements reliable peer-to-peer messaging over one-sided writes.

Every Connection owns two equally sized buffers laid out by a layout.Layout: the incoming
buffer is written by the peer, the outgoing buffer is the source of our writes into the
peer's incoming buffer. A message is a slot in one of the per-type rings. The sender fills
the slot, writes its data region and then its trailing marker; the receiver learns about
the message only by observing that the marker of the next expected slot holds seq+1.

Flow control is implicit for requests: a peer answers every P2PRequest with exactly one
P2PReply, so the number of replies we consumed tells us how many request slots the peer
has freed.
*/
package p2p

import (
	"sync/atomic"

	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/log"

	"github.com/pkg/errors"
)

var (
	// ErrProtocolViolation is returned when a marker holds a value no correct peer writes.
	ErrProtocolViolation = errors.New("protocol violation")
	ErrClosed            = errors.New("connection closed")
	// ErrFailed is returned by Send on a connection that saw a transport or protocol error.
	ErrFailed = errors.New("connection failed")
)

// BufferHandle is the capability to fill one reserved outgoing slot. Buf covers the slot
// without its marker; SeqNum must be passed to Send.
type BufferHandle struct {
	Buf    []byte
	SeqNum uint64
}

// Incoming is a message that has arrived but not been consumed yet. Data aliases the
// incoming buffer and is only valid until Advance(Type).
type Incoming struct {
	Type   layout.MessageType
	SeqNum uint64
	Data   []byte
}

// Connection is the protocol state shared with one remote node.
type Connection struct {
	self, remote fabric.NodeID
	layout       *layout.Layout

	incoming, outgoing *fabric.Buffer
	region             fabric.Region

	// next sequence number expected per type
	incomingSeq [layout.NumTypes]atomic.Uint64
	// next sequence number to hand out per type
	outgoingSeq [layout.NumTypes]atomic.Uint64
	// index into layout.Types where the next Probe starts
	probeStart atomic.Uint32

	failed atomic.Bool
	closed atomic.Bool
}

// NewConnection registers fresh buffers with the provider and connects to remote.
func NewConnection(self, remote fabric.NodeID, l *layout.Layout, p fabric.Provider) (*Connection, error) {
	c := &Connection{
		self:     self,
		remote:   remote,
		layout:   l,
		incoming: fabric.NewBuffer(l.BufferSize()),
		outgoing: fabric.NewBuffer(l.BufferSize()),
	}

	region, err := p.Connect(remote, l, c.incoming, c.outgoing)

	if err != nil {
		return nil, errors.Wrapf(err, "connecting %d -> %d", self, remote)
	}
	c.region = region

	log.Log(log.LOGLEVEL_INFO, "Connected node", self, "to", remote, "with layout", l.String())

	return c, nil
}

func (c *Connection) Remote() fabric.NodeID {
	return c.remote
}

func (c *Connection) Failed() bool {
	return c.failed.Load()
}

// IncomingSeq returns the number of consumed messages of type t.
func (c *Connection) IncomingSeq(t layout.MessageType) uint64 {
	return c.incomingSeq[t].Load()
}

// OutgoingSeq returns the number of reserved slots of type t.
func (c *Connection) OutgoingSeq(t layout.MessageType) uint64 {
	return c.outgoingSeq[t].Load()
}

// GetSendBuffer reserves the next outgoing slot of type t. For P2PRequest the reservation
// fails (ok == false) while the peer has window-many requests outstanding; other types are
// never refused.
func (c *Connection) GetSendBuffer(t layout.MessageType) (h BufferHandle, ok bool) {
	window := c.layout.WindowSize(t)
	var seq uint64

	for {
		seq = c.outgoingSeq[t].Load()

		if t == layout.P2PRequest && seq-c.incomingSeq[layout.P2PReply].Load() >= window {
			windowFull.WithLabelValues().Inc()
			return BufferHandle{}, false
		}
		if c.outgoingSeq[t].CompareAndSwap(seq, seq+1) {
			break
		}
	}

	c.outgoing.StoreMarker(c.layout.MarkerOffset(t, seq), seq+1)

	return BufferHandle{
		Buf:    c.outgoing.Slice(c.layout.SlotOffset(t, seq), c.layout.PayloadCapacity(t)),
		SeqNum: seq,
	}, true
}

// Send publishes the slot reserved as seq: first its data region, then its marker.
// The peer cannot observe the message before the second write completes.
func (c *Connection) Send(t layout.MessageType, seq uint64) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.failed.Load() {
		return errors.Wrapf(ErrFailed, "node %d", c.remote)
	}

	if err := c.region.Write(c.layout.SlotOffset(t, seq), c.layout.PayloadCapacity(t)); err != nil {
		return c.fail(err, t, seq)
	}
	if err := c.region.Write(c.layout.MarkerOffset(t, seq), layout.MarkerSize); err != nil {
		return c.fail(err, t, seq)
	}

	sentMessages.WithLabelValues(typeNames[t]).Inc()
	return nil
}

func (c *Connection) fail(err error, t layout.MessageType, seq uint64) error {
	c.failed.Store(true)
	log.Log(log.LOGLEVEL_WARNINGS, "Sending", t, seq, "to node", c.remote, "failed:", err.Error())
	return errors.Wrapf(err, "send %s %d to node %d", t, seq, c.remote)
}

// Probe looks for the next arrived message. Types are checked round robin, starting after
// the type consumed last, so a busy type cannot starve the others. Probe does not consume
// anything; calling it again returns the same message until Advance is called.
func (c *Connection) Probe() (Incoming, bool, error) {
	start := int(c.probeStart.Load())

	for i := 0; i < layout.NumTypes; i++ {
		t := layout.Types[(start+i)%layout.NumTypes]
		expected := c.incomingSeq[t].Load()
		marker := c.incoming.LoadMarker(c.layout.MarkerOffset(t, expected))

		if marker == expected+1 {
			return Incoming{
				Type:   t,
				SeqNum: expected,
				Data:   c.incoming.Slice(c.layout.SlotOffset(t, expected), c.layout.PayloadCapacity(t)),
			}, true, nil
		}

		// The slot holds either nothing yet or its previous occupant.
		var previous uint64
		if window := c.layout.WindowSize(t); expected+1 > window {
			previous = expected + 1 - window
		}
		if marker != 0 && marker != previous {
			c.failed.Store(true)
			return Incoming{}, false, errors.Wrapf(ErrProtocolViolation,
				"node %d: %s slot for %d holds marker %d", c.remote, t, expected, marker)
		}
	}
	return Incoming{}, false, nil
}

// Advance consumes the message of type t returned by Probe. It only moves past a slot
// whose marker shows an arrived message; otherwise it returns false and changes nothing.
func (c *Connection) Advance(t layout.MessageType) bool {
	expected := c.incomingSeq[t].Load()

	if c.incoming.LoadMarker(c.layout.MarkerOffset(t, expected)) != expected+1 {
		return false
	}
	if !c.incomingSeq[t].CompareAndSwap(expected, expected+1) {
		return false
	}
	c.probeStart.Store(uint32((typeIndex(t) + 1) % layout.NumTypes))
	receivedMessages.WithLabelValues(typeNames[t]).Inc()
	return true
}

func typeIndex(t layout.MessageType) int {
	for i, tt := range layout.Types {
		if tt == t {
			return i
		}
	}
	return 0
}

func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.region.Close()
}
