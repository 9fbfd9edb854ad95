/*
Package layout describes how the memory region shared with one peer is partitioned.

Every peer connection carries three independent message types (requests, replies to
requests and replies to RPC invocations). Each type owns a contiguous sub-region holding
window-many fixed-size slots; the last 8 bytes of a slot hold the commit marker.

	| P2PRequest slots ...        | P2PReply slots ...        | RPCReply slots ...  |
	| [data ....... | marker]     |

Both ends of a link must use an identical Layout, otherwise slot addressing diverges.
A Layout is computed once per process and never mutated afterwards.
*/
package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// MessageType selects one of the channels multiplexed over a peer's buffer.
type MessageType int

const (
	P2PRequest MessageType = iota
	P2PReply
	RPCReply

	NumTypes = 3
)

// Types lists all message types in the order they are probed.
var Types = [NumTypes]MessageType{P2PRequest, P2PReply, RPCReply}

func (t MessageType) String() string {
	switch t {
	case P2PRequest:
		return "P2P request"
	case P2PReply:
		return "P2P reply"
	case RPCReply:
		return "RPC reply"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// MarkerSize is the size of the trailing sequence number in every slot.
const MarkerSize = 8

var (
	ErrInvalidLayout  = errors.New("invalid connection layout")
	ErrLayoutMismatch = errors.New("connection layout differs from peer's")
)

// Params are the user-facing knobs a Layout is computed from.
type Params struct {
	// Bytes reserved at the start of every slot for the message header.
	HeaderSpace uint64
	// Maximum payload bytes per message type (excluding header and marker).
	MaxPayloadSizes [NumTypes]uint64
	// Number of slots per message type.
	WindowSizes [NumTypes]uint64
}

// Layout is the immutable descriptor shared by all connections of a process.
type Layout struct {
	offsets     [NumTypes]uint64
	maxMsgSizes [NumTypes]uint64
	windowSizes [NumTypes]uint64
	total       uint64
	fingerprint [32]byte
}

func roundUp8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// New lays out the per-type regions back to back and validates the result.
func New(p Params) (*Layout, error) {
	l := &Layout{}
	var offset uint64

	for _, t := range Types {
		l.offsets[t] = offset
		l.maxMsgSizes[t] = roundUp8(p.HeaderSpace + p.MaxPayloadSizes[t] + MarkerSize)
		l.windowSizes[t] = p.WindowSizes[t]
		offset += l.maxMsgSizes[t] * l.windowSizes[t]
	}
	l.total = offset

	if err := l.Validate(); err != nil {
		return nil, err
	}
	l.fingerprint = l.computeFingerprint()
	return l, nil
}

// Validate checks the invariants slot addressing relies on.
func (l *Layout) Validate() error {
	for _, t := range Types {
		if l.windowSizes[t] == 0 {
			return errors.Wrapf(ErrInvalidLayout, "%s: window size must be positive", t)
		}
		if l.maxMsgSizes[t] <= MarkerSize || l.maxMsgSizes[t]%MarkerSize != 0 {
			return errors.Wrapf(ErrInvalidLayout, "%s: bad slot size %d", t, l.maxMsgSizes[t])
		}
		if l.offsets[t]%MarkerSize != 0 {
			return errors.Wrapf(ErrInvalidLayout, "%s: unaligned offset %d", t, l.offsets[t])
		}
	}
	// Replies are not window-checked by the sender; they only stay bounded if the
	// reply ring is at least as deep as the request window they answer.
	if l.windowSizes[P2PReply] < l.windowSizes[P2PRequest] {
		return errors.Wrapf(ErrInvalidLayout, "reply window %d smaller than request window %d",
			l.windowSizes[P2PReply], l.windowSizes[P2PRequest])
	}
	return nil
}

func (l *Layout) Offset(t MessageType) uint64     { return l.offsets[t] }
func (l *Layout) MaxMsgSize(t MessageType) uint64 { return l.maxMsgSizes[t] }
func (l *Layout) WindowSize(t MessageType) uint64 { return l.windowSizes[t] }

// BufferSize is the size of one per-peer region (incoming and outgoing are each this large).
func (l *Layout) BufferSize() uint64 {
	return l.total
}

// PayloadCapacity is the number of bytes of a slot that precede the marker.
func (l *Layout) PayloadCapacity(t MessageType) uint64 {
	return l.maxMsgSizes[t] - MarkerSize
}

// SlotOffset returns where the data of message seq of type t starts.
func (l *Layout) SlotOffset(t MessageType, seq uint64) uint64 {
	return l.offsets[t] + l.maxMsgSizes[t]*(seq%l.windowSizes[t])
}

// MarkerOffset returns the position of the commit marker of message seq of type t.
func (l *Layout) MarkerOffset(t MessageType, seq uint64) uint64 {
	return l.SlotOffset(t, seq) + l.maxMsgSizes[t] - MarkerSize
}

func (l *Layout) computeFingerprint() [32]byte {
	buf := make([]byte, 0, 3*NumTypes*8)
	for _, t := range Types {
		buf = binary.LittleEndian.AppendUint64(buf, l.offsets[t])
		buf = binary.LittleEndian.AppendUint64(buf, l.maxMsgSizes[t])
		buf = binary.LittleEndian.AppendUint64(buf, l.windowSizes[t])
	}
	return blake3.Sum256(buf)
}

// Fingerprint identifies the layout; peers compare fingerprints when connecting.
func (l *Layout) Fingerprint() [32]byte {
	return l.fingerprint
}

// CheckPeer returns ErrLayoutMismatch if the peer announced a different fingerprint.
func (l *Layout) CheckPeer(fp []byte) error {
	if len(fp) != len(l.fingerprint) || string(fp) != string(l.fingerprint[:]) {
		return errors.Wrapf(ErrLayoutMismatch, "local %x, peer %x", l.fingerprint[:6], fp)
	}
	return nil
}

func (l *Layout) String() string {
	return fmt.Sprintf("layout{offsets=%v sizes=%v windows=%v total=%d}",
		l.offsets, l.maxMsgSizes, l.windowSizes, l.total)
}
