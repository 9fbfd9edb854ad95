package server

import (
	"errors"

	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/p2p"

	pb "github.com/gogo/protobuf/proto"
	"go.uber.org/zap"
)

/*
Opaque structure that contains request information
and takes the response.
*/
type Context struct {
	input, result []byte
	failed        bool
	error_message string

	orig_rq p2p.Message
	logger  *zap.Logger
	// 0 = None, 1 = logged request, 2 = logged response
	log_state int
}

func newContext(request p2p.Message, logger *zap.Logger) *Context {
	c := new(Context)
	c.input = request.Payload
	c.failed = false
	c.orig_rq = request
	c.logger = logger

	return c
}

// Node that sent the request.
func (c *Context) Sender() fabric.NodeID {
	return c.orig_rq.Sender
}

// Sequence number of the request on the sender's request channel; the reply carries it
// as invocation id.
func (c *Context) SeqNum() uint64 {
	return c.orig_rq.SeqNum
}

func (c *Context) Opcode() Opcode {
	return Opcode(c.orig_rq.Header.Opcode)
}

/*
Get the data that was sent by the caller.
*/
func (c *Context) GetInput() []byte {
	c.rpclogRaw(c.input, log_REQUEST)
	return c.input
}

/*
GetArgument deserializes the input into a protocol buffer message.
*/
func (c *Context) GetArgument(msg pb.Message) error {
	err := pb.Unmarshal(c.input, msg)

	if err != nil {
		c.rpclogErr(err)
	} else {
		c.rpclogPB(msg, log_REQUEST)
	}

	return err
}

/*
Fail with msg as error message (gets sent back to the caller)
*/
func (c *Context) Fail(msg string) {
	c.failed = true
	c.error_message = msg
	c.rpclogErr(errors.New(msg))
}

/*
Set Success flag and the data to return to the caller.
*/
func (c *Context) Success(data []byte) {
	c.result = data
	c.rpclogRaw(data, log_RESPONSE)
}

/*
Set Success flag and the message to return to the caller. Does not do anything special, such as
terminate the calling function etc.
*/
func (c *Context) Return(msg pb.Message) error {
	result, err := pb.Marshal(msg)

	if err != nil {
		return err
	}

	c.result = result

	c.rpclogPB(msg, log_RESPONSE)

	return nil
}

func (cx *Context) toReply() reply {
	if !cx.failed {
		return newReply(cx.orig_rq, StatusOK, cx.result)
	}
	return newReply(cx.orig_rq, StatusNotOK, []byte(cx.error_message))
}
