/*
Package server dispatches messages received from peers.

All consumed messages are queued by the connection manager (see Enqueue) and handed to
application logic one at a time, in the order they were queued, by a single worker
goroutine. Requests are dispatched by opcode to a registered Handler; every request gets
exactly one reply. Replies are handed to the ReplyHandler of their message type.
*/
package server

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/log"
	"github.com/dermesser/rdmarpc/p2p"
	"github.com/dermesser/rdmarpc/server/queue"

	"go.uber.org/zap"
)

/*
Handles incoming requests and registering of handler functions.
*/
type Server struct {
	sender Sender

	hlock         sync.RWMutex
	handlers      map[Opcode]Handler
	replyHandlers [layout.NumTypes]ReplyHandler

	// Guards the queue and the worker state.
	qlock    sync.Mutex
	qcond    *sync.Cond
	queue    *queue.Queue[p2p.Message]
	running  bool
	stopping bool
	stopped  chan struct{}

	// Respond "no" to healthchecks
	lameduck_state atomic.Bool
	// Do not accept requests anymore
	loadshed_state atomic.Bool

	rpclogger *zap.Logger
}

/*
Type of a function that is called when the corresponding opcode is requested.
*/
type Handler (func(*Context))

// ReplyHandler consumes replies to requests sent from this node.
type ReplyHandler func(p2p.Message)

var (
	ErrAlreadyRegistered = errors.New("Opcode already registered; not overwritten")
	ErrNoSuchOpcode      = errors.New("No such opcode")
	ErrRunning           = errors.New("Server already running")
)

/*
Create a dispatcher that sends replies through sender (usually the p2p.Manager).

Use the setter functions described below before calling Start(), otherwise they might
be ignored.
*/
func NewServer(sender Sender) *Server {
	srv := new(Server)
	srv.sender = sender
	srv.handlers = make(map[Opcode]Handler)
	srv.queue = queue.NewQueue[p2p.Message](64)
	srv.qcond = sync.NewCond(&srv.qlock)

	srv.RegisterHandler(OpcodeHealth, srv.makeHealthHandler())
	srv.RegisterHandler(OpcodePing, pingHandler)

	return srv
}

/*
Starts the worker goroutine. Messages queued before Start() are dispatched once it runs.
*/
func (srv *Server) Start() error {
	srv.qlock.Lock()
	defer srv.qlock.Unlock()

	if srv.running {
		return ErrRunning
	}
	srv.running = true
	srv.stopping = false
	srv.stopped = make(chan struct{})

	go srv.work(srv.stopped)

	log.Log(log.LOGLEVEL_INFO, "Started dispatcher")
	return nil
}

// Stop the worker after the message it is currently handling. Queued requests are answered
// with StatusServerError so that their slots in the peers' request windows are freed; queued
// replies are dropped.
func (srv *Server) Stop() error {
	srv.qlock.Lock()

	if !srv.running {
		srv.qlock.Unlock()
		return nil
	}
	srv.stopping = true
	srv.qcond.Broadcast()
	stopped := srv.stopped
	srv.qlock.Unlock()

	<-stopped

	srv.qlock.Lock()
	dropped := make([]p2p.Message, 0, srv.queue.Len())
	for srv.queue.Len() > 0 {
		msg, _ := srv.queue.Pop()
		dropped = append(dropped, msg)
	}
	queueLength.WithLabelValues().Set(0)
	srv.running = false
	srv.qlock.Unlock()

	refused := 0
	for _, msg := range dropped {
		if msg.Type == layout.P2PRequest && srv.sender != nil {
			srv.sendError(msg, StatusServerError)
			refused++
		}
	}

	log.Log(log.LOGLEVEL_INFO, "Stopped dispatcher; refused", refused, "queued requests and dropped",
		len(dropped)-refused, "other messages")
	return nil
}

/*
Enqueue hands a consumed message to the dispatcher. It never blocks; may be called from
any goroutine.
*/
func (srv *Server) Enqueue(msg p2p.Message) {
	srv.qlock.Lock()
	defer srv.qlock.Unlock()

	srv.queue.Push(msg)
	queueLength.WithLabelValues().Set(float64(srv.queue.Len()))
	srv.qcond.Signal()
}

// QueueLen returns the number of messages waiting for dispatch.
func (srv *Server) QueueLen() int {
	srv.qlock.Lock()
	defer srv.qlock.Unlock()

	return srv.queue.Len()
}

// Set the sender replies are written to, if it was not known at construction time.
func (srv *Server) SetSender(sender Sender) {
	srv.sender = sender
}

/*
Log all requests handled by this server to this logger.
*/
func (srv *Server) SetRPCLogger(l *zap.Logger) {
	srv.rpclogger = l
}

/*
Add a new handler for opcode.

err is not nil if the opcode is already registered.
*/
func (srv *Server) RegisterHandler(opcode Opcode, handler Handler) error {
	srv.hlock.Lock()
	defer srv.hlock.Unlock()

	if _, ok := srv.handlers[opcode]; ok {
		log.Log(log.LOGLEVEL_WARNINGS, "Trying to register existing opcode:", opcode)
		return ErrAlreadyRegistered
	}

	log.Log(log.LOGLEVEL_INFO, "Registered opcode:", opcode)

	srv.handlers[opcode] = handler
	return nil
}

/*
Removes a handler from the set of served opcodes.

Returns an error if the opcode isn't registered.
*/
func (srv *Server) UnregisterHandler(opcode Opcode) error {
	srv.hlock.Lock()
	defer srv.hlock.Unlock()

	if _, ok := srv.handlers[opcode]; !ok {
		log.Log(log.LOGLEVEL_WARNINGS, "Trying to unregister non-existing opcode:", opcode)
		return ErrNoSuchOpcode
	}

	log.Log(log.LOGLEVEL_INFO, "Unregistered opcode:", opcode)
	delete(srv.handlers, opcode)
	return nil
}

// Set the consumer of replies of type t (P2PReply or RPCReply).
func (srv *Server) SetReplyHandler(t layout.MessageType, h ReplyHandler) {
	srv.hlock.Lock()
	defer srv.hlock.Unlock()

	srv.replyHandlers[t] = h
}

// Returns a handler, or nil if none was found.
func (srv *Server) findHandler(opcode Opcode) Handler {
	srv.hlock.RLock()
	defer srv.hlock.RUnlock()

	return srv.handlers[opcode]
}

func (srv *Server) findReplyHandler(t layout.MessageType) ReplyHandler {
	srv.hlock.RLock()
	defer srv.hlock.RUnlock()

	return srv.replyHandlers[t]
}

/*
A server that is in lameduck mode will respond negatively to health checks
but continue serving requests.
*/
func (srv *Server) SetLameduck(lameduck bool) {
	srv.lameduck_state.Store(lameduck)
}

/*
A server in loadshed mode will refuse any requests immediately.
*/
func (srv *Server) SetLoadshed(loadshed bool) {
	srv.loadshed_state.Store(loadshed)
}
