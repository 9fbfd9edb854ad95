package p2p

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the size of the header at the start of every slot's data region.
const HeaderSize = 24

// Header precedes the payload in a slot:
//
//	opcode u64 | invocation id u64 | payload length u32 | status u32
//
// little-endian. Requests carry the opcode; replies carry the sequence number of the
// request they answer as invocation id, and a status.
type Header struct {
	Opcode       uint64
	InvocationID uint64
	Length       uint32
	Status       uint32
}

var ErrShortSlot = errors.New("slot too small for header")

// Encode writes h to the start of buf.
func (h Header) Encode(buf []byte) error {
	if len(buf) < HeaderSize {
		return errors.Wrapf(ErrShortSlot, "%d bytes", len(buf))
	}
	binary.LittleEndian.PutUint64(buf[0:], h.Opcode)
	binary.LittleEndian.PutUint64(buf[8:], h.InvocationID)
	binary.LittleEndian.PutUint32(buf[16:], h.Length)
	binary.LittleEndian.PutUint32(buf[20:], h.Status)
	return nil
}

func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.Wrapf(ErrShortSlot, "%d bytes", len(buf))
	}
	return Header{
		Opcode:       binary.LittleEndian.Uint64(buf[0:]),
		InvocationID: binary.LittleEndian.Uint64(buf[8:]),
		Length:       binary.LittleEndian.Uint32(buf[16:]),
		Status:       binary.LittleEndian.Uint32(buf[20:]),
	}, nil
}

// PutMessage fills a reserved slot with header and payload. It fails if the payload does
// not fit; h.Length is set from payload.
func PutMessage(buf []byte, h Header, payload []byte) error {
	if len(buf) < HeaderSize {
		return errors.Wrapf(ErrShortSlot, "%d bytes", len(buf))
	}
	if len(payload) > len(buf)-HeaderSize {
		return errors.Errorf("payload of %d bytes exceeds slot capacity %d", len(payload), len(buf)-HeaderSize)
	}
	h.Length = uint32(len(payload))
	if err := h.Encode(buf); err != nil {
		return err
	}
	copy(buf[HeaderSize:], payload)
	return nil
}
