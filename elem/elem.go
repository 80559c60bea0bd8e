// Package elem implements the FIFO element layout and owner-bit protocol:
// a fixed-size header (flags, am_id, length, and a descriptor reference
// for non-inline payloads) followed by either an inline payload or
// nothing, depending on the INLINE flag.
//
// The header's first word (flags|am_id|reserved) is the synchronization
// point between producer and consumer: the producer writes every other
// field with a plain store and publishes by storing that word with
// release semantics; the consumer acquire-loads the same word before
// touching anything else in the element. This package never lays a Go
// struct directly over shared memory — fields are encoded with
// [encoding/binary] into an explicit little-endian layout so the wire
// format is pinned independent of Go's struct layout rules.
package elem

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Flag bits within the header's flags byte.
const (
	// FlagOwner is the owner bit: toggled every time the slot wraps,
	// encoding readiness without a separate "valid" word.
	FlagOwner uint8 = 1 << 0

	// FlagInline indicates the payload follows the header inline, rather
	// than being referenced via Desc in a separate segment.
	FlagInline uint8 = 1 << 1

	// FlagTrace is reserved for implementation-defined tracing; this
	// module neither sets nor inspects it, but preserves it across
	// read-modify-write of the flags word.
	FlagTrace uint8 = 1 << 2
)

// HeaderSize is the fixed size, in bytes, of a FIFO element header. Callers
// must provide an element size strictly greater than HeaderSize.
const HeaderSize = 32

const (
	offWord0  = 0  // flags(1) | am_id(1) | reserved(2), atomic word
	offLength = 4  // uint32
	offSegID  = 8  // uint64
	offSegSz  = 16 // uint64
	offOffset = 24 // uint64
)

// Descriptor references a payload living in a separate (bounce-buffer or
// receive-descriptor) segment, used whenever FlagInline is clear.
type Descriptor struct {
	SegID   uint64
	SegSize uint64
	Offset  uint64
}

// Header is the decoded, in-memory view of a FIFO element's fixed header.
type Header struct {
	Flags  uint8
	AMID   uint8
	Length uint32
	Desc   Descriptor
}

// word0 packs flags and am_id into the single 32-bit word the owner-bit
// protocol synchronizes on.
func word0(flags, amID uint8) uint32 {
	return uint32(flags) | uint32(amID)<<8
}

func splitWord0(w uint32) (flags, amID uint8) {
	return uint8(w), uint8(w >> 8)
}

// word0Ptr returns a pointer to the atomic synchronization word at the
// start of an element's raw byte slot. buf must be at least HeaderSize
// bytes and 4-byte aligned, which the fifo package guarantees by carving
// slots out of a cache-line-aligned element array.
func word0Ptr(buf []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&buf[offWord0]))
}

// LoadFlags performs the consumer's acquire-load of the flags byte. Callers
// must not read Length, Desc, or the payload before calling this.
func LoadFlags(buf []byte) uint8 {
	flags, _ := splitWord0(atomic.LoadUint32(word0Ptr(buf)))
	return flags
}

// WriteBody writes every field except the synchronization word: length,
// descriptor, and (for inline elements) the payload. It must be called
// before Publish.
func WriteBody(buf []byte, amID uint8, length uint32, desc Descriptor, payload []byte) {
	binary.LittleEndian.PutUint32(buf[offLength:], length)
	binary.LittleEndian.PutUint64(buf[offSegID:], desc.SegID)
	binary.LittleEndian.PutUint64(buf[offSegSz:], desc.SegSize)
	binary.LittleEndian.PutUint64(buf[offOffset:], desc.Offset)
	_ = amID // stored atomically as part of Publish's word0
	if payload != nil {
		copy(buf[HeaderSize:], payload)
	}
}

// Publish performs the producer's store-release of the flags/am_id word.
// Must be called after WriteBody. newFlags is the full flags byte
// (owner bit + INLINE + any trace bits the caller wants preserved).
func Publish(buf []byte, newFlags, amID uint8) {
	atomic.StoreUint32(word0Ptr(buf), word0(newFlags, amID))
}

// Decode performs the consumer's full read of an element: header plus,
// for inline elements, the payload region. Callers must have already
// called LoadFlags (or Ready) to establish the acquire barrier.
func Decode(buf []byte) Header {
	flags, amID := splitWord0(atomic.LoadUint32(word0Ptr(buf)))
	return Header{
		Flags:  flags,
		AMID:   amID,
		Length: binary.LittleEndian.Uint32(buf[offLength:]),
		Desc: Descriptor{
			SegID:   binary.LittleEndian.Uint64(buf[offSegID:]),
			SegSize: binary.LittleEndian.Uint64(buf[offSegSz:]),
			Offset:  binary.LittleEndian.Uint64(buf[offOffset:]),
		},
	}
}

// Payload returns the inline payload region of a decoded element, bounded
// by Length. buf must be the same slice passed to Decode.
func Payload(buf []byte, h Header) []byte {
	return buf[HeaderSize : HeaderSize+uint32(h.Length)]
}

// OwnerBit returns the owner bit that read_index's wrap parity demands:
// alternates every time read_index passes the fifo_shift boundary.
func OwnerBit(readIndex uint64, fifoShift uint) uint8 {
	return uint8((readIndex >> fifoShift) & 1)
}

// Ready reports whether the element at read_index is ready for the
// consumer: the owner bit matches read_index's wrap parity.
func Ready(buf []byte, readIndex uint64, fifoShift uint) bool {
	return LoadFlags(buf)&FlagOwner == OwnerBit(readIndex, fifoShift)
}
