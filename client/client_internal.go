package client

import (
	"fmt"
	"time"

	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/log"

	"github.com/pkg/errors"
)

/*
This file has the pending-result table; client.go remains uncluttered and with only public
functions.
*/

// Invocations are identified by peer and the full request sequence number, never by slot.
type pendingKey struct {
	peer fabric.NodeID
	seq  uint64
}

type pendingCall struct {
	rpcid   string
	resolve func(result)
}

type result struct {
	status  Status
	payload []byte
	// set if the invocation did not get a reply
	failure error
}

func (r result) err() error {
	if r.failure != nil {
		return r.failure
	}
	if r.status != StatusOK {
		return &RequestError{status: r.status, err: remoteError(r.payload)}
	}
	return nil
}

// Must be called before the request is sent, so the reply cannot overtake the entry.
func (cl *Client) register(key pendingKey, rq *Request, resolve func(result)) {
	cl.plock.Lock()
	old := cl.pending[key]
	cl.pending[key] = &pendingCall{rpcid: rq.rpcid, resolve: resolve}
	pendingGauge.WithLabelValues().Set(float64(len(cl.pending)))
	cl.plock.Unlock()

	if old != nil {
		// Only happens if the connection was re-established without failing its invocations.
		log.Log(log.LOGLEVEL_WARNINGS, fmt.Sprintf("[%s/%s] Replaced stale invocation to node %d with sequence number %d",
			cl.name, old.rpcid, key.peer, key.seq))
		old.resolve(result{status: StatusPeerFailed,
			failure: &RequestError{status: StatusPeerFailed, err: errors.New("connection was reset")}})
	}
}

// take removes the entry for key and returns it, or nil if there is none. Only the caller
// that took an entry may resolve it, so every invocation is resolved exactly once.
func (cl *Client) take(key pendingKey) *pendingCall {
	cl.plock.Lock()
	defer cl.plock.Unlock()

	call, ok := cl.pending[key]

	if !ok {
		return nil
	}
	delete(cl.pending, key)
	pendingGauge.WithLabelValues().Set(float64(len(cl.pending)))
	return call
}

func (cl *Client) remove(key pendingKey) bool {
	return cl.take(key) != nil
}

func (cl *Client) takePeer(peer fabric.NodeID) []*pendingCall {
	cl.plock.Lock()
	defer cl.plock.Unlock()

	var calls []*pendingCall
	for key, call := range cl.pending {
		if key.peer == peer {
			calls = append(calls, call)
			delete(cl.pending, key)
		}
	}
	pendingGauge.WithLabelValues().Set(float64(len(cl.pending)))
	return calls
}

func (cl *Client) logUnknownReply(key pendingKey) {
	unknownReplies.WithLabelValues().Inc()
	log.Log(log.LOGLEVEL_WARNINGS, fmt.Sprintf("[%s] Dropped reply from node %d to unknown invocation %d",
		cl.name, key.peer, key.seq))
}

func observe(r result, since time.Time) {
	requests.WithLabelValues(r.status.String()).Inc()
	latency.WithLabelValues(r.status.String()).Observe(time.Since(since).Seconds())
}
