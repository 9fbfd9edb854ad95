package server

import (
	"fmt"

	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/log"
	"github.com/dermesser/rdmarpc/p2p"
)

/*
This file has the internal functions, the actual dispatcher; server.go remains
uncluttered and with only public functions.
*/

// The worker loop. It pops messages in queue order and handles them synchronously, so no
// two handlers ever run at the same time.
func (srv *Server) work(stopped chan struct{}) {
	defer close(stopped)

	for {
		srv.qlock.Lock()
		for srv.queue.Len() == 0 && !srv.stopping {
			srv.qcond.Wait()
		}
		if srv.stopping {
			srv.qlock.Unlock()
			return
		}
		msg, _ := srv.queue.Pop()
		queueLength.WithLabelValues().Set(float64(srv.queue.Len()))
		srv.qlock.Unlock()

		srv.dispatch(msg)
	}
}

func (srv *Server) dispatch(msg p2p.Message) {
	dispatched.WithLabelValues(typeNames[msg.Type]).Inc()

	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.Log(log.LOGLEVEL_DEBUG, fmt.Sprintf("Dispatching %s %d from node %d (%d B)",
			msg.Type, msg.SeqNum, msg.Sender, len(msg.Payload)))
	}

	if msg.Type == layout.P2PRequest {
		srv.handleRequest(msg)
		return
	}

	handler := srv.findReplyHandler(msg.Type)

	if handler == nil {
		log.Log(log.LOGLEVEL_WARNINGS, "Dropped", msg.Type, msg.SeqNum, "from node", msg.Sender, "- no reply handler")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Log(log.LOGLEVEL_ERRORS, "Reply handler for", msg.Type, "panicked:", r)
		}
	}()
	handler(msg)
}

// Handle one request. Every request is answered exactly once: the peer's request window
// only moves once it has consumed our reply.
func (srv *Server) handleRequest(msg p2p.Message) {
	opcode := Opcode(msg.Header.Opcode)

	if srv.loadshed_state.Load() {
		srv.sendError(msg, StatusLoadshed)
		return
	}

	handler := srv.findHandler(opcode)

	if handler == nil {
		log.Log(log.LOGLEVEL_WARNINGS,
			fmt.Sprintf("[node%d/%d] NOT_FOUND response to request for opcode %s", msg.Sender, msg.SeqNum, opcode))
		srv.sendError(msg, StatusNotFound)
		return
	}

	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.Log(log.LOGLEVEL_DEBUG, fmt.Sprintf("[node%d/%d] Calling handler for %s...", msg.Sender, msg.SeqNum, opcode))
	}

	cx := newContext(msg, srv.rpclogger)
	srv.invoke(handler, cx)

	rp := cx.toReply()
	if rp.status != StatusOK {
		handlerFailures.WithLabelValues(rp.status.String()).Inc()
	}
	srv.sendReply(rp)
}

// Actual invocation!! A panicking handler fails its request.
func (srv *Server) invoke(handler Handler, cx *Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Log(log.LOGLEVEL_ERRORS,
				fmt.Sprintf("[node%d/%d] Handler for %s panicked: %v", cx.Sender(), cx.SeqNum(), cx.Opcode(), r))
			cx.Fail(fmt.Sprint("handler panicked: ", r))
		}
	}()
	handler(cx)
}

func (srv *Server) sendError(msg p2p.Message, s Status) {
	handlerFailures.WithLabelValues(s.String()).Inc()
	srv.sendReply(newReply(msg, s, []byte(s.String())))
}

func (srv *Server) sendReply(rp reply) {
	h, ok, err := srv.sender.GetSendBuffer(rp.peer, layout.P2PReply)

	if err != nil {
		log.Log(log.LOGLEVEL_WARNINGS,
			fmt.Sprintf("[node%d/%d] Could not reserve reply slot: %s", rp.peer, rp.seq, err.Error()))
		return
	}
	if !ok {
		// Replies are never refused by the p2p layer.
		log.Log(log.LOGLEVEL_ERRORS, fmt.Sprintf("[node%d/%d] No reply slot available", rp.peer, rp.seq))
		return
	}

	// The slot is reserved now and has to be sent in any case, or the peer would wait for
	// it forever.
	if err = p2p.PutMessage(h.Buf, rp.header(), rp.data); err != nil {
		log.Log(log.LOGLEVEL_ERRORS,
			fmt.Sprintf("[node%d/%d] Reply does not fit: %s", rp.peer, rp.seq, err.Error()))
		rp.status = StatusServerError
		handlerFailures.WithLabelValues(rp.status.String()).Inc()
		p2p.PutMessage(h.Buf, rp.header(), nil)
	}

	if err = srv.sender.Send(rp.peer, layout.P2PReply, h.SeqNum); err != nil {
		log.Log(log.LOGLEVEL_WARNINGS,
			fmt.Sprintf("[node%d/%d] Error when sending reply: %s", rp.peer, rp.seq, err.Error()))
		return
	}

	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.Log(log.LOGLEVEL_DEBUG, fmt.Sprintf("[node%d/%d] Sent reply.", rp.peer, rp.seq))
	}
}
