/*
Package fabric stands in for the RDMA resource layer: registered memory and one-sided
writes into a peer's memory.

A Region couples a local outgoing buffer with a remote incoming buffer of the same size.
Write(offset, length) makes bytes of the outgoing buffer visible at the same offset on the
remote side. The remote process is not notified; it can only observe the write by reading
its memory. Writes issued through one Region are applied remotely in issue order, which is
the only ordering guarantee the p2p protocol relies on.

Two providers are included: Hub, an in-process fabric for same-process peers and tests,
and ZMQProvider, which emulates one-sided writes over ZeroMQ pipes between processes.
*/
package fabric

import (
	"github.com/dermesser/rdmarpc/layout"

	"github.com/pkg/errors"
)

// NodeID identifies a process in the group.
type NodeID uint32

var (
	// ErrPeerUnreachable is returned when a write cannot be delivered to the peer.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrOutOfBounds is returned for writes outside of the registered region.
	ErrOutOfBounds = errors.New("write outside of registered region")
	ErrClosed      = errors.New("region closed")
)

// Region is one registered link to a remote node.
type Region interface {
	// Write copies [offset, offset+length) of the local outgoing buffer into the remote
	// incoming buffer at the same offset.
	Write(offset, length uint64) error
	Close() error
}

// Provider sets up Regions, i.e. registers memory and connects to a peer.
type Provider interface {
	// Connect registers incoming (written by remote) and outgoing (source of our writes)
	// for the link to remote. Both buffers must be l.BufferSize() bytes long.
	Connect(remote NodeID, l *layout.Layout, incoming, outgoing *Buffer) (Region, error)
	Close() error
}

func checkBounds(b *Buffer, offset, length uint64) error {
	if offset+length > b.Len() || offset+length < offset {
		return errors.Wrapf(ErrOutOfBounds, "[%d, %d) of %d", offset, offset+length, b.Len())
	}
	return nil
}
