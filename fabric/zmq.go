package fabric

import (
	"sync"
	"syscall"
	"time"

	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/log"
	smgr "github.com/dermesser/rdmarpc/securitymanager"

	pb "github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
	zmq "github.com/pebbe/zmq4"
)

// Frame kinds on a ZeroMQ pipe.
const (
	frameHello uint64 = iota
	frameWrite
)

// Upper bound of remote writes buffered for a sender that has not been connected locally yet.
const maxPendingFrames = 4096

type inbound struct {
	buf    *Buffer
	layout *layout.Layout
	// set once the sender's hello matched our layout
	verified bool
	// set once the sender's hello did not match
	broken bool
}

type ZMQOpt func(*ZMQProvider)

// WithSecurity enables CURVE on all pipes. peerKeys maps each node to its public key.
func WithSecurity(receiver *smgr.Receiver, sender *smgr.Sender, peerKeys map[NodeID]string) ZMQOpt {
	return func(p *ZMQProvider) {
		p.receiverSecurity = receiver
		p.senderSecurity = sender
		p.peerKeys = peerKeys
	}
}

// WithSendTimeout bounds how long a remote write may block before the peer is considered lost.
func WithSendTimeout(d time.Duration) ZMQOpt {
	return func(p *ZMQProvider) {
		p.sendTimeout = d
	}
}

/*
ZMQProvider emulates one-sided writes over ZeroMQ. Every node binds one PULL socket; for
every peer it connects one PUSH socket to the peer's PULL socket. A remote write is a
two-frame message [header, bytes]; the header carries kind, sender and offset as varints.
A single goroutine applies received writes to the registered incoming buffers in arrival
order. ZeroMQ delivers the messages of one pipe in order, which preserves the
payload-before-marker ordering of the p2p protocol.
*/
type ZMQProvider struct {
	self        NodeID
	peers       map[NodeID]Address
	sendTimeout time.Duration

	receiverSecurity *smgr.Receiver
	senderSecurity   *smgr.Sender
	peerKeys         map[NodeID]string

	pull *zmq.Socket

	mx       sync.Mutex
	incoming map[NodeID]*inbound
	// frames of senders that pushed before we registered their buffers
	pending map[NodeID][][][]byte
	// senders whose region was closed; their writes are dropped until they connect again
	departed map[NodeID]bool

	done    chan struct{}
	stopped chan struct{}
}

// NewZMQProvider binds listen and starts the receiving goroutine.
// peers must contain the address of every node this node will connect to.
func NewZMQProvider(self NodeID, listen Address, peers map[NodeID]Address, opts ...ZMQOpt) (*ZMQProvider, error) {
	p := &ZMQProvider{
		self:        self,
		peers:       peers,
		sendTimeout: 3 * time.Second,
		incoming:    make(map[NodeID]*inbound),
		pending:     make(map[NodeID][][][]byte),
		departed:    make(map[NodeID]bool),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	var err error
	p.pull, err = zmq.NewSocket(zmq.PULL)

	if err != nil {
		log.Log(log.LOGLEVEL_ERRORS, "Error when creating PULL socket:", err.Error())
		return nil, err
	}

	if err = p.receiverSecurity.Apply(p.pull); err != nil {
		p.pull.Close()
		return nil, err
	}

	p.pull.SetRcvtimeo(100 * time.Millisecond)
	p.pull.SetLinger(0)

	log.Log(log.LOGLEVEL_INFO, "Binding fabric to", listen.URL())

	if err = p.pull.Bind(listen.URL()); err != nil {
		log.Log(log.LOGLEVEL_ERRORS, "Error when binding PULL socket:", err.Error())
		p.pull.Close()
		return nil, err
	}

	go p.receive()

	return p, nil
}

func encodeHeader(kind uint64, sender NodeID, offset uint64) []byte {
	b := pb.NewBuffer(make([]byte, 0, 16))
	b.EncodeVarint(kind)
	b.EncodeVarint(uint64(sender))
	b.EncodeVarint(offset)
	return b.Bytes()
}

func decodeHeader(frame []byte) (kind uint64, sender NodeID, offset uint64, err error) {
	b := pb.NewBuffer(frame)
	if kind, err = b.DecodeVarint(); err != nil {
		return
	}
	var s uint64
	if s, err = b.DecodeVarint(); err != nil {
		return
	}
	sender = NodeID(s)
	offset, err = b.DecodeVarint()
	return
}

// receive runs in its own goroutine until Close().
func (p *ZMQProvider) receive() {
	defer close(p.stopped)
	defer p.pull.Close()

	for {
		select {
		case <-p.done:
			return
		default:
		}

		msgs, err := p.pull.RecvMessageBytes(0)

		if err != nil {
			if zmq.AsErrno(err) != zmq.Errno(syscall.EAGAIN) {
				log.Log(log.LOGLEVEL_WARNINGS, "Error when receiving remote write:", err.Error())
			}
			continue
		}

		p.handleFrames(msgs)
	}
}

func (p *ZMQProvider) handleFrames(msgs [][]byte) {
	if len(msgs) != 2 {
		log.Log(log.LOGLEVEL_WARNINGS, "Dropped fabric message with", len(msgs), "frames")
		return
	}

	_, sender, _, err := decodeHeader(msgs[0])

	if err != nil {
		log.Log(log.LOGLEVEL_WARNINGS, "Dropped fabric message; could not decode header:", err.Error())
		return
	}

	p.mx.Lock()
	defer p.mx.Unlock()

	in, ok := p.incoming[sender]

	if !ok {
		if p.departed[sender] {
			return
		}
		if len(p.pending[sender]) >= maxPendingFrames {
			log.Log(log.LOGLEVEL_ERRORS, "Too many writes from unconnected node", sender, "- dropping")
			return
		}
		p.pending[sender] = append(p.pending[sender], msgs)
		return
	}
	p.apply(sender, in, msgs)
}

// p.mx must be held.
func (p *ZMQProvider) apply(sender NodeID, in *inbound, msgs [][]byte) {
	kind, _, offset, _ := decodeHeader(msgs[0])

	switch kind {
	case frameHello:
		if err := in.layout.CheckPeer(msgs[1]); err != nil {
			log.Log(log.LOGLEVEL_ERRORS, "Protocol violation from node", sender, ":", err.Error())
			in.broken = true
			return
		}
		in.verified = true
	case frameWrite:
		if in.broken || !in.verified {
			log.Log(log.LOGLEVEL_WARNINGS, "Dropped write from unverified node", sender)
			return
		}
		if err := in.buf.Apply(offset, msgs[1]); err != nil {
			log.Log(log.LOGLEVEL_ERRORS, "Bad remote write from node", sender, ":", err.Error())
		}
	default:
		log.Log(log.LOGLEVEL_WARNINGS, "Dropped fabric message of unknown kind", kind, "from", sender)
	}
}

// Connect sets up the pipe to remote. A node connected to itself copies locally.
func (p *ZMQProvider) Connect(remote NodeID, l *layout.Layout, incoming, outgoing *Buffer) (Region, error) {
	if incoming.Len() != l.BufferSize() || outgoing.Len() != l.BufferSize() {
		return nil, errors.Errorf("buffer sizes %d/%d do not match layout size %d",
			incoming.Len(), outgoing.Len(), l.BufferSize())
	}
	if remote == p.self {
		return &selfRegion{incoming: incoming, outgoing: outgoing}, nil
	}

	addr, ok := p.peers[remote]

	if !ok {
		return nil, errors.Wrapf(ErrPeerUnreachable, "no address for node %d", remote)
	}

	p.mx.Lock()
	in := &inbound{buf: incoming, layout: l}
	p.incoming[remote] = in
	delete(p.departed, remote)
	for _, msgs := range p.pending[remote] {
		p.apply(remote, in, msgs)
	}
	delete(p.pending, remote)
	p.mx.Unlock()

	sock, err := zmq.NewSocket(zmq.PUSH)

	if err != nil {
		log.Log(log.LOGLEVEL_ERRORS, "Error when creating PUSH socket:", err.Error())
		p.unregister(remote, in)
		return nil, err
	}

	if err = p.senderSecurity.Apply(sock, p.peerKeys[remote]); err != nil {
		log.Log(log.LOGLEVEL_ERRORS, "Error when setting up security for node", remote, ":", err.Error())
		sock.Close()
		p.unregister(remote, in)
		return nil, err
	}

	sock.SetLinger(p.sendTimeout)
	sock.SetSndtimeo(p.sendTimeout)
	sock.SetIpv6(true)

	if err = sock.Connect(addr.URL()); err != nil {
		log.Log(log.LOGLEVEL_ERRORS, "Could not connect to node", remote, "at", addr.String(), ":", err.Error())
		sock.Close()
		p.unregister(remote, in)
		return nil, errors.Wrapf(ErrPeerUnreachable, "connect to %s: %s", addr, err)
	}

	fp := l.Fingerprint()
	r := &zmqRegion{provider: p, in: in, sock: sock, self: p.self, remote: remote, outgoing: outgoing}

	if _, err = sock.SendMessage(encodeHeader(frameHello, p.self, 0), fp[:]); err != nil {
		sock.Close()
		p.unregister(remote, in)
		return nil, errors.Wrapf(ErrPeerUnreachable, "hello to node %d: %s", remote, err)
	}

	return r, nil
}

// unregister removes the incoming buffer of remote unless a newer connection replaced it.
func (p *ZMQProvider) unregister(remote NodeID, in *inbound) {
	p.mx.Lock()
	defer p.mx.Unlock()

	if p.incoming[remote] == in {
		delete(p.incoming, remote)
		p.departed[remote] = true
	}
}

// Close stops the receiving goroutine and closes the PULL socket.
func (p *ZMQProvider) Close() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	close(p.done)
	<-p.stopped
	p.receiverSecurity.Stop()
	return nil
}

type zmqRegion struct {
	provider *ZMQProvider
	in       *inbound

	// ZeroMQ sockets must not be used concurrently
	mx           sync.Mutex
	sock         *zmq.Socket
	self, remote NodeID
	outgoing     *Buffer
	closed       bool
}

func (r *zmqRegion) Write(offset, length uint64) error {
	if err := checkBounds(r.outgoing, offset, length); err != nil {
		return err
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	if r.closed {
		return ErrClosed
	}

	_, err := r.sock.SendMessage(encodeHeader(frameWrite, r.self, offset), r.outgoing.Slice(offset, length))

	if err != nil {
		return errors.Wrapf(ErrPeerUnreachable, "write to node %d: %s", r.remote, err)
	}
	return nil
}

func (r *zmqRegion) Close() error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.provider.unregister(r.remote, r.in)
	return r.sock.Close()
}
