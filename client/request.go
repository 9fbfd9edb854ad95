package client

import (
	"context"
	"time"

	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/log"
	"github.com/dermesser/rdmarpc/p2p"
	"github.com/dermesser/rdmarpc/server"

	pb "github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
)

// Various parameters determining how a request is executed. There are builder methods to set the various parameters.
type RequestParams struct {
	timeout time.Duration
	// bounds of the wait between attempts to reserve a request slot
	min_backoff, max_backoff time.Duration
}

func NewParams() *RequestParams {
	return &RequestParams{timeout: 10 * time.Second, min_backoff: 10 * time.Microsecond, max_backoff: 5 * time.Millisecond}
}

// Set the timeout; it bounds waiting for a free slot and waiting for the reply.
func (p *RequestParams) Timeout(d time.Duration) *RequestParams {
	p.timeout = d
	return p
}

// Set the bounds of the exponential backoff used while the peer's request window is full.
func (p *RequestParams) Backoff(min, max time.Duration) *RequestParams {
	p.min_backoff = min
	p.max_backoff = max
	return p
}

// An RPC request that can be modified before it is sent.
type Request struct {
	client *Client
	peer   fabric.NodeID
	opcode server.Opcode

	params RequestParams
	ctx    context.Context

	// set for asynchronous requests
	callback Callback

	rpcid string
	// reserved slot, filled by BackpressureFilter
	handle p2p.BufferHandle

	// request payload
	payload []byte
}

func (r *Request) SetParameters(p *RequestParams) *Request {
	r.params = *p
	return r
}

// SetContext bounds the request by ctx in addition to its timeout.
func (r *Request) SetContext(ctx context.Context) *Request {
	r.ctx = ctx
	return r
}

func (r *Request) callNextFilter(index int) Response {
	if len(r.client.filters) < index+1 {
		panic("Bad filter setup: Not enough filters.")
	}
	return r.client.filters[index](r, index+1)
}

// Send a request with a serialized protocol buffer
func (r *Request) GoProto(msg pb.Message) Response {
	payload, err := pb.Marshal(msg)
	if err != nil {
		return Response{err: &RequestError{status: StatusClientRequestError, err: err}}
	}
	return r.Go(payload)
}

// Send a request and wait for its reply.
func (r *Request) Go(payload []byte) Response {
	r.rpcid = log.GetLogToken()
	r.payload = payload

	if r.ctx == nil {
		r.ctx = context.Background()
	}

	if capacity := r.client.capacity(); uint64(len(payload)) > capacity {
		err := errors.Errorf("payload of %d bytes exceeds slot capacity %d", len(payload), capacity)
		r.client.rpclogErr(r, err)
		return Response{err: &RequestError{status: StatusClientRequestError, err: err}}
	}

	return r.callNextFilter(0)
}
