package fabric

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Buffer is a registered memory region. It is backed by 64-bit words so that every
// 8-byte aligned offset can be accessed atomically.
//
// Markers (single aligned words) are always read and written with atomic operations:
// they are mutated by a party outside of normal program flow, and the atomic store of a
// marker publishes every byte written before it.
type Buffer struct {
	words []uint64
	mem   []byte
}

func NewBuffer(size uint64) *Buffer {
	b := &Buffer{words: make([]uint64, (size+7)/8)}
	if size > 0 {
		b.mem = unsafe.Slice((*byte)(unsafe.Pointer(&b.words[0])), size)
	}
	return b
}

func (b *Buffer) Len() uint64 {
	return uint64(len(b.mem))
}

// Bytes exposes the raw memory. Do not use it to access markers.
func (b *Buffer) Bytes() []byte {
	return b.mem
}

// Slice returns length bytes starting at offset.
func (b *Buffer) Slice(offset, length uint64) []byte {
	return b.mem[offset : offset+length : offset+length]
}

func (b *Buffer) word(offset uint64) *uint64 {
	if offset%8 != 0 {
		panic("fabric: unaligned marker access")
	}
	return &b.words[offset/8]
}

// LoadMarker reads the live value of the word at offset.
func (b *Buffer) LoadMarker(offset uint64) uint64 {
	return atomic.LoadUint64(b.word(offset))
}

func (b *Buffer) StoreMarker(offset, v uint64) {
	atomic.StoreUint64(b.word(offset), v)
}

// Apply performs a write that arrived from the remote side. A single aligned word is
// stored atomically, anything else is copied.
func (b *Buffer) Apply(offset uint64, data []byte) error {
	if err := checkBounds(b, offset, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 8 && offset%8 == 0 {
		b.StoreMarker(offset, binary.NativeEndian.Uint64(data))
		return nil
	}
	copy(b.mem[offset:], data)
	return nil
}
