package fabric

import (
	"sync"

	"github.com/dermesser/rdmarpc/layout"

	"github.com/pkg/errors"
)

// link is the direction of a write: from writes into to's incoming buffer.
type link struct {
	from, to NodeID
}

type registration struct {
	buf         *Buffer
	fingerprint [32]byte
}

// Hub is an in-process fabric. All nodes that share a Hub can write into each other's
// registered buffers; a write is applied synchronously on the writer's goroutine.
type Hub struct {
	mx       sync.RWMutex
	incoming map[link]registration
}

func NewHub() *Hub {
	return &Hub{incoming: make(map[link]registration)}
}

// Provider returns the view of the hub for node self.
func (h *Hub) Provider(self NodeID) Provider {
	return &loopbackProvider{hub: h, self: self}
}

// Disconnect unregisters every buffer of node, simulating its departure.
// Later writes to it fail with ErrPeerUnreachable.
func (h *Hub) Disconnect(node NodeID) {
	h.mx.Lock()
	defer h.mx.Unlock()

	for l := range h.incoming {
		if l.to == node {
			delete(h.incoming, l)
		}
	}
}

func (h *Hub) lookup(l link) (registration, bool) {
	h.mx.RLock()
	defer h.mx.RUnlock()

	r, ok := h.incoming[l]
	return r, ok
}

type loopbackProvider struct {
	hub  *Hub
	self NodeID
}

func (p *loopbackProvider) Connect(remote NodeID, l *layout.Layout, incoming, outgoing *Buffer) (Region, error) {
	if incoming.Len() != l.BufferSize() || outgoing.Len() != l.BufferSize() {
		return nil, errors.Errorf("buffer sizes %d/%d do not match layout size %d",
			incoming.Len(), outgoing.Len(), l.BufferSize())
	}
	fp := l.Fingerprint()

	// The peer may already have registered its side of the link; if so, both must agree
	// on the layout before any byte is written.
	if peer, ok := p.hub.lookup(link{from: p.self, to: remote}); ok {
		if err := l.CheckPeer(peer.fingerprint[:]); err != nil {
			return nil, err
		}
	}

	p.hub.mx.Lock()
	p.hub.incoming[link{from: remote, to: p.self}] = registration{buf: incoming, fingerprint: fp}
	p.hub.mx.Unlock()

	return &loopbackRegion{hub: p.hub, self: p.self, remote: remote, incoming: incoming, outgoing: outgoing, layout: l}, nil
}

func (p *loopbackProvider) Close() error {
	return nil
}

type loopbackRegion struct {
	hub          *Hub
	self, remote NodeID
	incoming     *Buffer
	outgoing     *Buffer
	layout       *layout.Layout
}

func (r *loopbackRegion) Write(offset, length uint64) error {
	if err := checkBounds(r.outgoing, offset, length); err != nil {
		return err
	}
	peer, ok := r.hub.lookup(link{from: r.self, to: r.remote})
	if !ok {
		return errors.Wrapf(ErrPeerUnreachable, "node %d has no buffer registered for %d", r.remote, r.self)
	}
	if err := r.layout.CheckPeer(peer.fingerprint[:]); err != nil {
		return err
	}
	return peer.buf.Apply(offset, r.outgoing.Slice(offset, length))
}

func (r *loopbackRegion) Close() error {
	r.hub.mx.Lock()
	defer r.hub.mx.Unlock()

	l := link{from: r.remote, to: r.self}
	if reg, ok := r.hub.incoming[l]; ok && reg.buf == r.incoming {
		delete(r.hub.incoming, l)
	}
	return nil
}

// selfRegion links a node to itself: a write is a local copy from outgoing to incoming,
// applied in issue order like any remote write.
type selfRegion struct {
	mx       sync.Mutex
	incoming *Buffer
	outgoing *Buffer
	closed   bool
}

func (r *selfRegion) Write(offset, length uint64) error {
	if err := checkBounds(r.outgoing, offset, length); err != nil {
		return err
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	if r.closed {
		return ErrClosed
	}
	return r.incoming.Apply(offset, r.outgoing.Slice(offset, length))
}

func (r *selfRegion) Close() error {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.closed = true
	return nil
}
