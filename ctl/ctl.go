// Package ctl implements the FIFO control block: the cache-line-aligned
// head/tail cursors a producer and a single consumer share across
// processes, the receiver's published signal-socket address, and the
// receiver's owner pid.
//
// head and tail are placed on distinct cache lines to avoid false sharing;
// every other field lives after both, since only the consumer ever writes
// it and it is not on either hot cursor's line.
package ctl

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is the assumed cache line size used to separate head and
// tail. Matches the common x86-64/arm64 line size; a reimplementation
// targeting a platform with a different line size would change only this
// constant, not the protocol.
const CacheLineSize = 64

// EventArmed is bit 63 of head: set by the receiver to request a wake-up
// datagram, cleared by the first producer to subsequently advance head.
const EventArmed uint64 = 1 << 63

// HeadMask isolates the monotonically increasing slot index from head,
// discarding EventArmed.
const HeadMask = EventArmed - 1

// SignalAddrMaxLen bounds the receiver's published signal-socket address,
// sized like a Linux sockaddr_un's sun_path.
const SignalAddrMaxLen = 108

const (
	offHead          = 0 * CacheLineSize
	offTail          = 1 * CacheLineSize
	offPID           = 2 * CacheLineSize
	offSignalAddrLen = offPID + 4
	offSignalAddr    = offSignalAddrLen + 4
)

// Size is the total size of the control block, rounded up to a cache line.
const Size = ((offSignalAddr + SignalAddrMaxLen + CacheLineSize - 1) / CacheLineSize) * CacheLineSize

// Block is a view over the control block region at the start of a shared
// FIFO segment. It owns no memory; buf must be at least Size bytes and
// aligned so that offHead and offTail fall on distinct, 8-byte-aligned
// addresses (the fifo package guarantees this by carving Block off a
// page- or cache-line-aligned mmap).
type Block struct {
	buf []byte
}

// New wraps buf as a control block. Panics if buf is too small, since this
// indicates a mapper bug rather than a runtime condition callers can
// recover from.
func New(buf []byte) *Block {
	if len(buf) < Size {
		panic("ctl: control block buffer too small")
	}
	return &Block{buf: buf}
}

func (b *Block) headPtr() *uint64 { return (*uint64)(unsafe.Pointer(&b.buf[offHead])) }
func (b *Block) tailPtr() *uint64 { return (*uint64)(unsafe.Pointer(&b.buf[offTail])) }

// Head atomically loads the producer cursor, including EventArmed.
func (b *Block) Head() uint64 { return atomic.LoadUint64(b.headPtr()) }

// CASHead attempts to swap head from old to new, returning the previously
// observed value and whether the swap succeeded. Every producer mutation
// of head must go through this so EventArmed is preserved or cleared
// deliberately, never dropped by an unguarded read-modify-write.
func (b *Block) CASHead(old, new uint64) (prev uint64, ok bool) {
	return old, atomic.CompareAndSwapUint64(b.headPtr(), old, new)
}

// StoreHead unconditionally stores head. Used only at construction, before
// any peer has attached.
func (b *Block) StoreHead(v uint64) { atomic.StoreUint64(b.headPtr(), v) }

// Tail atomically loads the consumer-published cursor.
func (b *Block) Tail() uint64 { return atomic.LoadUint64(b.tailPtr()) }

// StoreTail performs the consumer's batched, release-ordered publication
// of read_index into tail. Go's atomic store on a 64-bit word already
// carries release semantics on every architecture this module targets.
func (b *Block) StoreTail(v uint64) { atomic.StoreUint64(b.tailPtr(), v) }

// PID returns the receiver's owner pid, used for liveness checks (EP_CHECK).
func (b *Block) PID() uint32 {
	return binary.LittleEndian.Uint32(b.buf[offPID:])
}

// SetPID publishes the receiver's pid. Called once, at construction.
func (b *Block) SetPID(pid uint32) {
	binary.LittleEndian.PutUint32(b.buf[offPID:], pid)
}

// SignalAddr returns the receiver's published signal-socket address.
func (b *Block) SignalAddr() []byte {
	n := binary.LittleEndian.Uint32(b.buf[offSignalAddrLen:])
	if n > SignalAddrMaxLen {
		n = SignalAddrMaxLen
	}
	return b.buf[offSignalAddr : offSignalAddr+n]
}

// SetSignalAddr publishes the receiver's signal-socket address. Called
// once, at construction, before any peer can have attached.
func (b *Block) SetSignalAddr(addr []byte) {
	n := len(addr)
	if n > SignalAddrMaxLen {
		n = SignalAddrMaxLen
	}
	binary.LittleEndian.PutUint32(b.buf[offSignalAddrLen:], uint32(n))
	copy(b.buf[offSignalAddr:offSignalAddr+n], addr[:n])
}
