package client

import (
	"context"
	"time"

	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/p2p"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// A ClientFilter is a function that is called with a request and fulfills a certain task.
// Filters are stacked in Client.filters; filters[0] is called first, and calls in turn filters[1]
// until the last filter sends the message off to the network.
type ClientFilter (func(rq *Request, next_filter int) Response)

var default_filters = []ClientFilter{TimeoutFilter, BackpressureFilter, SendFilter}

var errWindowFull = errors.New("request window full")

// Bounds the request by its timeout. Asynchronous requests are only bounded while they wait
// for a slot; their reply is expired separately.
func TimeoutFilter(rq *Request, next int) Response {
	if rq.params.timeout > 0 {
		var cancel context.CancelFunc
		rq.ctx, cancel = context.WithTimeout(rq.ctx, rq.params.timeout)
		defer cancel()
	}
	return rq.callNextFilter(next)
}

// Reserves a request slot. While the peer's request window is full, it retries with
// exponential backoff until the request's context is done.
func BackpressureFilter(rq *Request, next int) Response {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rq.params.min_backoff
	b.MaxInterval = rq.params.max_backoff
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		h, ok, err := rq.client.transport.GetSendBuffer(rq.peer, layout.P2PRequest)

		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errWindowFull
		}
		rq.handle = h
		return nil
	}, backoff.WithContext(b, rq.ctx))

	if attempts > 1 {
		backpressureWaits.WithLabelValues().Inc()
	}

	if err != nil {
		if errors.Is(err, errWindowFull) && rq.ctx.Err() != nil {
			err = rq.ctx.Err()
		}
		rq.client.rpclogErr(rq, err)
		return Response{err: contextError(err, StatusClientNetworkError)}
	}
	return rq.callNextFilter(next)
}

// Send a request and wait for it to complete. Must be the last filter in the stack
func SendFilter(rq *Request, next int) Response {
	// Enforce that this is the last filter.
	if len(rq.client.filters) != next {
		panic("Bad filter setup")
	}

	key := pendingKey{peer: rq.peer, seq: rq.handle.SeqNum}
	before := time.Now()

	var done chan result
	if rq.callback != nil {
		rq.client.register(key, rq, func(r result) {
			observe(r, before)
			rq.callback(r.payload, r.err())
		})
	} else {
		done = make(chan result, 1)
		rq.client.register(key, rq, func(r result) { done <- r })
	}

	hdr := p2p.Header{Opcode: uint64(rq.opcode)}
	if err := p2p.PutMessage(rq.handle.Buf, hdr, rq.payload); err != nil {
		// the size was checked before reserving
		panic("Could not serialize request!! " + err.Error())
	}

	rq.client.rpclogRaw(rq, rq.payload, log_REQUEST)

	if err := rq.client.transport.Send(rq.peer, layout.P2PRequest, rq.handle.SeqNum); err != nil {
		rq.client.remove(key)
		rq.client.rpclogErr(rq, err)
		return Response{seq: key.seq, err: &RequestError{status: StatusClientNetworkError, err: err}}
	}

	if rq.callback != nil {
		rq.client.expireAfter(key, rq.params.timeout)
		return Response{seq: key.seq, status: StatusOK}
	}

	select {
	case r := <-done:
		observe(r, before)
		rq.client.rpclogRaw(rq, r.payload, log_RESPONSE)
		return Response{seq: key.seq, status: r.status, payload: r.payload, err: r.failure}
	case <-rq.ctx.Done():
		// A reply arriving later finds no entry and is dropped.
		if rq.client.remove(key) {
			err := contextError(rq.ctx.Err(), StatusTimeout)
			rq.client.rpclogErr(rq, err)
			observe(result{status: err.(*RequestError).status}, before)
			return Response{seq: key.seq, err: err}
		}
		// Resolved concurrently.
		r := <-done
		return Response{seq: key.seq, status: r.status, payload: r.payload, err: r.failure}
	}
}

func contextError(err error, fallback Status) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &RequestError{status: StatusTimeout, err: err}
	case errors.Is(err, context.Canceled):
		return &RequestError{status: StatusCancelled, err: err}
	default:
		return &RequestError{status: fallback, err: err}
	}
}
