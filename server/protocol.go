package server

import (
	"fmt"

	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/p2p"
)

// Opcode selects the handler a request is dispatched to.
type Opcode uint64

// Opcodes from OpcodeReserved upwards are served by the dispatcher itself.
const (
	OpcodeReserved Opcode = 1 << 63
	OpcodePing            = OpcodeReserved + 1
	OpcodeHealth          = OpcodeReserved + 2
)

func (o Opcode) String() string {
	switch o {
	case OpcodePing:
		return "Ping"
	case OpcodeHealth:
		return "Health"
	default:
		return fmt.Sprintf("op%d", uint64(o))
	}
}

// Status of a reply, carried in the status field of the slot header.
type Status uint32

const (
	StatusOK Status = iota
	StatusNotFound
	StatusNotOK
	StatusServerError
	StatusLoadshed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "STATUS_OK"
	case StatusNotFound:
		return "STATUS_NOT_FOUND"
	case StatusNotOK:
		return "STATUS_NOT_OK"
	case StatusServerError:
		return "STATUS_SERVER_ERROR"
	case StatusLoadshed:
		return "STATUS_LOADSHED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint32(s))
	}
}

// Sender reserves and publishes outgoing slots; implemented by p2p.Manager.
type Sender interface {
	GetSendBuffer(peer fabric.NodeID, t layout.MessageType) (p2p.BufferHandle, bool, error)
	Send(peer fabric.NodeID, t layout.MessageType, seq uint64) error
}

// A reply to the request (sender, seq): the invocation id is the request's sequence number.
type reply struct {
	peer   fabric.NodeID
	opcode Opcode
	seq    uint64
	status Status
	data   []byte
}

func newReply(request p2p.Message, status Status, data []byte) reply {
	return reply{peer: request.Sender, opcode: Opcode(request.Header.Opcode), seq: request.SeqNum, status: status, data: data}
}

func (r reply) header() p2p.Header {
	return p2p.Header{Opcode: uint64(r.opcode), InvocationID: r.seq, Status: uint32(r.status)}
}
