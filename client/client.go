/*
Package client invokes handlers registered on peers' dispatchers.

Every invocation reserves a slot on the peer's request channel, registers a pending entry
keyed by (peer, sequence number) and sends the request. The peer's dispatcher answers with
exactly one reply carrying the request's sequence number, which the local dispatcher hands
to Client.HandleReply. The sequence number is the full, unwrapped counter, so a late reply
to an abandoned invocation can never resolve a newer invocation that reuses the slot.
*/
package client

import (
	"context"
	"sync"
	"time"

	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/p2p"
	"github.com/dermesser/rdmarpc/server"

	pb "github.com/gogo/protobuf/proto"
	"go.uber.org/zap"
)

// Transport reserves and publishes request slots; implemented by p2p.Manager.
type Transport interface {
	GetSendBuffer(peer fabric.NodeID, t layout.MessageType) (p2p.BufferHandle, bool, error)
	Send(peer fabric.NodeID, t layout.MessageType, seq uint64) error
	Layout() *layout.Layout
}

/*
Client invokes remote handlers. It is safe for concurrent use; any number of invocations
may be outstanding, limited by the request window of each peer.
*/
type Client struct {
	name      string
	transport Transport
	filters   []ClientFilter

	default_params RequestParams

	plock   sync.Mutex
	pending map[pendingKey]*pendingCall

	rpclogger *zap.Logger
}

/*
Create a new client sending through transport. The client_name is used for logging purposes.
The client must be registered as reply handler on the local dispatcher:

	srv.SetReplyHandler(layout.P2PReply, cl.HandleReply)

The default timeout is 10 seconds.
*/
func NewClient(client_name string, transport Transport) *Client {
	return &Client{
		name:           client_name,
		transport:      transport,
		filters:        default_filters,
		default_params: *NewParams(),
		pending:        make(map[pendingKey]*pendingCall),
	}
}

/*
Set the parameters used by requests created with NewRequest(), Invoke() and InvokeAsync().
*/
func (cl *Client) SetDefaultParams(p *RequestParams) {
	cl.default_params = *p
}

/*
Log all RPCs made by this client to this logger.
*/
func (cl *Client) SetRPCLogger(l *zap.Logger) {
	cl.rpclogger = l
}

// Create a Request to be sent by this client.
func (cl *Client) NewRequest(peer fabric.NodeID, opcode server.Opcode) *Request {
	return &Request{client: cl, peer: peer, opcode: opcode, params: cl.default_params, ctx: context.Background()}
}

/*
Invoke opcode at peer with payload and wait for the reply.

Returns either the reply payload and nil or nil and a *RequestError. The wait is bounded by
ctx and the default timeout; on expiry the pending entry is removed and a reply arriving later
is dropped.
*/
func (cl *Client) Invoke(ctx context.Context, peer fabric.NodeID, opcode server.Opcode, payload []byte) ([]byte, error) {
	rp := cl.NewRequest(peer, opcode).SetContext(ctx).Go(payload)

	if err := rp.Err(); err != nil {
		return nil, err
	}
	return rp.Payload(), nil
}

/*
Use protobuf message objects instead of raw byte slices.

request is the request protocol buffer which is to be sent, reply (an output argument) will contain the
message the peer sent as reply.
*/
func (cl *Client) InvokeProto(ctx context.Context, peer fabric.NodeID, opcode server.Opcode, request, reply pb.Message) error {
	rp := cl.NewRequest(peer, opcode).SetContext(ctx).GoProto(request)

	if err := rp.Err(); err != nil {
		return err
	}
	if err := rp.GetResponseMessage(reply); err != nil {
		return &RequestError{status: StatusClientRequestError, err: err}
	}
	return nil
}

/*
Cancel abandons the invocation sent to peer with sequence number seq. Its caller (or callback)
gets a STATUS_CANCELLED error; the reply is dropped when it arrives. Returns false if the
invocation was not pending anymore.
*/
func (cl *Client) Cancel(peer fabric.NodeID, seq uint64) bool {
	call := cl.take(pendingKey{peer: peer, seq: seq})

	if call == nil {
		return false
	}
	call.resolve(result{status: StatusCancelled, failure: &RequestError{status: StatusCancelled, err: context.Canceled}})
	return true
}

/*
FailPeer resolves every invocation pending at peer with a STATUS_PEER_FAILED error. It is
called when peer leaves the group.
*/
func (cl *Client) FailPeer(peer fabric.NodeID, err error) int {
	calls := cl.takePeer(peer)

	for _, call := range calls {
		call.resolve(result{status: StatusPeerFailed, failure: &RequestError{status: StatusPeerFailed, err: err}})
	}
	return len(calls)
}

// FailAll fails every pending invocation, e.g. when the node shuts down.
func (cl *Client) FailAll(err error) int {
	cl.plock.Lock()
	calls := make([]*pendingCall, 0, len(cl.pending))
	for key, call := range cl.pending {
		calls = append(calls, call)
		delete(cl.pending, key)
	}
	pendingGauge.WithLabelValues().Set(0)
	cl.plock.Unlock()

	for _, call := range calls {
		call.resolve(result{status: StatusPeerFailed, failure: &RequestError{status: StatusPeerFailed, err: err}})
	}
	return len(calls)
}

// Pending returns the number of invocations waiting for a reply.
func (cl *Client) Pending() int {
	cl.plock.Lock()
	defer cl.plock.Unlock()

	return len(cl.pending)
}

/*
HandleReply resolves the invocation a reply belongs to. Replies without a pending
invocation (abandoned or unknown) are logged and dropped.
*/
func (cl *Client) HandleReply(msg p2p.Message) {
	key := pendingKey{peer: msg.Sender, seq: msg.Header.InvocationID}
	call := cl.take(key)

	if call == nil {
		cl.logUnknownReply(key)
		return
	}
	call.resolve(result{status: fromServerStatus(server.Status(msg.Header.Status)), payload: msg.Payload})
}

// Payload capacity of a request slot.
func (cl *Client) capacity() uint64 {
	return cl.transport.Layout().PayloadCapacity(layout.P2PRequest) - p2p.HeaderSize
}

func (cl *Client) expireAfter(key pendingKey, d time.Duration) {
	if d <= 0 {
		return
	}
	time.AfterFunc(d, func() {
		if call := cl.take(key); call != nil {
			err := &RequestError{status: StatusTimeout, err: context.DeadlineExceeded}
			call.resolve(result{status: StatusTimeout, failure: err})
		}
	})
}
