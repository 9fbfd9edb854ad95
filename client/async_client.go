package client

import (
	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/log"
	"github.com/dermesser/rdmarpc/server"
)

// Callback receives the reply payload or a *RequestError. It runs on the dispatcher's
// goroutine (or a timer goroutine on timeout) and must not block.
type Callback func([]byte, error)

/*
InvokeAsync sends a request and returns as soon as it is written; cb is called once with
the outcome. While the peer's request window is full, InvokeAsync waits for a slot for at
most the default timeout. The returned sequence number can be passed to Cancel().
*/
func (cl *Client) InvokeAsync(peer fabric.NodeID, opcode server.Opcode, payload []byte, cb Callback) (uint64, error) {
	rq := cl.NewRequest(peer, opcode)
	rq.callback = cb

	rp := rq.Go(payload)

	if rp.err != nil {
		return 0, rp.err
	}
	return rp.seq, nil
}

type asyncRequest struct {
	callback Callback
	data     []byte
	peer     fabric.NodeID
	opcode   server.Opcode
	// If this is set, terminate client and clean up
	terminate bool
}

type AsyncClient struct {
	request_queue chan *asyncRequest
	qlength       uint

	client *Client
}

/*
Create an asynchronous client. An AsyncClient is also called using Request(), but it
queues the request (in a buffered channel with the length queue_length). A background
goroutine sends the queued requests with InvokeAsync(), so Request() returns immediately if
the channel queue is not full yet, even while the peer's request window is full.
*/
func NewAsyncClient(client *Client, queue_length uint) *AsyncClient {
	cl := new(AsyncClient)
	cl.qlength = queue_length
	cl.client = client
	cl.request_queue = make(chan *asyncRequest, queue_length)

	go cl.startThread()

	return cl
}

func (cl *AsyncClient) Close() {
	cl.request_queue <- &asyncRequest{terminate: true}
}

func (cl *AsyncClient) startThread() {
	for rq := range cl.request_queue {
		if rq.terminate {
			close(cl.request_queue)
			return
		}

		if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) && float64(len(cl.request_queue)) > 0.7*float64(cl.qlength) {
			log.Log(log.LOGLEVEL_WARNINGS, "AsyncClient", cl.client.name, "Warning: Queue is fuller than 70% of its capacity!")
		}

		if _, err := cl.client.InvokeAsync(rq.peer, rq.opcode, rq.data, rq.callback); err != nil {
			rq.callback(nil, err)
		}
	}
}

func (cl *AsyncClient) Request(peer fabric.NodeID, opcode server.Opcode, data []byte, cb Callback) {
	rq := asyncRequest{}
	rq.callback = cb
	rq.data = data
	rq.peer = peer
	rq.opcode = opcode
	rq.terminate = false

	cl.request_queue <- &rq
}
