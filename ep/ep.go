// Package ep implements the sender endpoint: a stateful handle attached
// to one peer's FIFO that reserves slots, writes payloads, flips the
// owner bit, and signals the peer's wake-up socket on demand.
//
// An Endpoint never holds a strong reference back to the interface that
// owns it — only the pieces it actually needs (the target FIFO, the
// peer's signal address, the shared arbiter) — to avoid the cyclic
// ownership an interface-owns-endpoints-owns-interface back-pointer
// would create.
package ep

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/shmx/arbiter"
	"github.com/ardnew/shmx/ctl"
	"github.com/ardnew/shmx/descpool"
	"github.com/ardnew/shmx/elem"
	"github.com/ardnew/shmx/fifo"
	"github.com/ardnew/shmx/pkg"
	"github.com/ardnew/shmx/signal"
)

// PeerMemory performs direct-CPU reads, writes, and atomics against a
// peer's registered memory, stands in for the RMA helper a full transport
// would delegate put/get/atomic operations to. The one concrete
// implementation here, ByteSliceMemory, operates on an attached segment's
// byte slice, since this module has no separate RMA engine.
type PeerMemory interface {
	Put(offset uint64, data []byte) error
	Get(offset uint64, buf []byte) error
	AtomicAdd32(offset uint64, delta uint32) (prev uint32, err error)
	AtomicAdd64(offset uint64, delta uint64) (prev uint64, err error)
	AtomicCAS32(offset uint64, old, new uint32) (prev uint32, err error)
	AtomicCAS64(offset uint64, old, new uint64) (prev uint64, err error)
}

// ByteSliceMemory implements PeerMemory directly against an attached
// segment's bytes, for peers sharing a host.
type ByteSliceMemory struct {
	buf []byte
}

// NewByteSliceMemory wraps buf (typically shmmap.Segment.Bytes()) as a
// PeerMemory target.
func NewByteSliceMemory(buf []byte) *ByteSliceMemory { return &ByteSliceMemory{buf: buf} }

func (m *ByteSliceMemory) bounds(offset uint64, n int) error {
	if offset+uint64(n) > uint64(len(m.buf)) {
		return fmt.Errorf("offset %d len %d exceeds segment size %d: %w", offset, n, len(m.buf), pkg.ErrInvalidParameter)
	}
	return nil
}

func (m *ByteSliceMemory) Put(offset uint64, data []byte) error {
	if err := m.bounds(offset, len(data)); err != nil {
		return err
	}
	copy(m.buf[offset:], data)
	return nil
}

func (m *ByteSliceMemory) Get(offset uint64, buf []byte) error {
	if err := m.bounds(offset, len(buf)); err != nil {
		return err
	}
	copy(buf, m.buf[offset:])
	return nil
}

func (m *ByteSliceMemory) AtomicAdd32(offset uint64, delta uint32) (uint32, error) {
	if err := m.bounds(offset, 4); err != nil {
		return 0, err
	}
	p := (*uint32)(unsafe.Pointer(&m.buf[offset]))
	return atomic.AddUint32(p, delta) - delta, nil
}

func (m *ByteSliceMemory) AtomicAdd64(offset uint64, delta uint64) (uint64, error) {
	if err := m.bounds(offset, 8); err != nil {
		return 0, err
	}
	p := (*uint64)(unsafe.Pointer(&m.buf[offset]))
	return atomic.AddUint64(p, delta) - delta, nil
}

func (m *ByteSliceMemory) AtomicCAS32(offset uint64, old, new uint32) (uint32, error) {
	if err := m.bounds(offset, 4); err != nil {
		return 0, err
	}
	p := (*uint32)(unsafe.Pointer(&m.buf[offset]))
	for {
		prev := atomic.LoadUint32(p)
		if prev != old {
			return prev, nil
		}
		if atomic.CompareAndSwapUint32(p, old, new) {
			return prev, nil
		}
	}
}

func (m *ByteSliceMemory) AtomicCAS64(offset uint64, old, new uint64) (uint64, error) {
	if err := m.bounds(offset, 8); err != nil {
		return 0, err
	}
	p := (*uint64)(unsafe.Pointer(&m.buf[offset]))
	for {
		prev := atomic.LoadUint64(p)
		if prev != old {
			return prev, nil
		}
		if atomic.CompareAndSwapUint64(p, old, new) {
			return prev, nil
		}
	}
}

// Endpoint is a sender's handle onto one peer's FIFO.
type Endpoint struct {
	id         uint64
	target     *fifo.Fifo
	targetCtl  *ctl.Block
	signalAddr []byte
	arb        *arbiter.Arbiter
	mem        PeerMemory
	maxShort   uint32
}

// New constructs an Endpoint attached to target, whose control block is
// targetCtl (used only to read the peer's pid for Check) and whose
// receiver listens for wake-ups at signalAddr. id must be unique among
// endpoints sharing arb, since it is the arbiter's retry-queue key.
func New(id uint64, target *fifo.Fifo, targetCtl *ctl.Block, signalAddr []byte, arb *arbiter.Arbiter, mem PeerMemory, elemSize uint32) *Endpoint {
	return &Endpoint{
		id:         id,
		target:     target,
		targetCtl:  targetCtl,
		signalAddr: signalAddr,
		arb:        arb,
		mem:        mem,
		maxShort:   elemSize - elem.HeaderSize,
	}
}

// MaxShort returns the largest payload AmShort can carry inline.
func (e *Endpoint) MaxShort() uint32 { return e.maxShort }

// AmShort reserves a slot, copies header and payload in inline, and
// publishes it. On no resources, the send is queued on the arbiter for
// automatic retry and the no-resources error is still returned so the
// caller can, e.g., apply back-pressure.
func (e *Endpoint) AmShort(amID uint8, payload []byte) error {
	if uint32(len(payload)) > e.maxShort {
		return fmt.Errorf("am_short payload %d exceeds max_short %d: %w", len(payload), e.maxShort, pkg.ErrInvalidParameter)
	}

	if err := e.amShortOnce(amID, payload); err != nil {
		e.arb.Add(e.id, func() bool { return e.amShortOnce(amID, payload) == nil })
		return err
	}
	return nil
}

func (e *Endpoint) amShortOnce(amID uint8, payload []byte) error {
	slot, buf, needSignal, err := e.target.Reserve()
	if err != nil {
		return err
	}
	elem.WriteBody(buf, amID, uint32(len(payload)), elem.Descriptor{}, payload)
	e.target.Publish(slot, elem.FlagInline, amID)
	if needSignal {
		// The element is already published at this point: a notify
		// failure is not a delivery failure, only a missed wake-up hint
		// that the receiver's own polling will still catch up on.
		// Returning an error here would make AmShort re-enqueue this
		// whole send on the arbiter, which re-reserves and re-publishes
		// the same AM, delivering it twice.
		if err := signal.Notify(e.signalAddr); err != nil {
			pkg.LogWarn(pkg.ComponentEP, "wake-up notify failed", "endpoint", e.id, "error", err)
		}
	}
	return nil
}

// PackFunc writes a bcopy payload into buf and returns the number of
// bytes written.
type PackFunc func(buf []byte) uint32

// AmBcopy reserves a slot, invokes pack to fill a bounce buffer obtained
// from pool, records the buffer's descriptor in the element, and
// publishes it without the INLINE flag.
func (e *Endpoint) AmBcopy(amID uint8, pool *descpool.Pool, pack PackFunc) error {
	if err := e.amBcopyOnce(amID, pool, pack); err != nil {
		e.arb.Add(e.id, func() bool { return e.amBcopyOnce(amID, pool, pack) == nil })
		return err
	}
	return nil
}

func (e *Endpoint) amBcopyOnce(amID uint8, pool *descpool.Pool, pack PackFunc) error {
	slot, buf, needSignal, err := e.target.Reserve()
	if err != nil {
		return err
	}

	d, err := pool.Get()
	if err != nil {
		return fmt.Errorf("am_bcopy: %w", err)
	}
	n := pack(d.Payload())

	elem.WriteBody(buf, amID, n, d.Descriptor(), nil)
	e.target.Publish(slot, 0, amID)
	if needSignal {
		// See amShortOnce: the element is already published, so a notify
		// failure must not turn into a retryable error or AmBcopy would
		// re-enqueue and re-publish this same AM.
		if err := signal.Notify(e.signalAddr); err != nil {
			pkg.LogWarn(pkg.ComponentEP, "wake-up notify failed", "endpoint", e.id, "error", err)
		}
	}
	return nil
}

// PutShort writes data directly into the peer's memory at offset.
func (e *Endpoint) PutShort(offset uint64, data []byte) error { return e.mem.Put(offset, data) }

// PutBcopy is identical to PutShort at this layer; the short/bcopy split
// exists at the capability-advertisement level (max_short vs. max_bcopy),
// not in how the copy itself is performed.
func (e *Endpoint) PutBcopy(offset uint64, data []byte) error { return e.mem.Put(offset, data) }

// GetBcopy reads from the peer's memory at offset into buf.
func (e *Endpoint) GetBcopy(offset uint64, buf []byte) error { return e.mem.Get(offset, buf) }

// AtomicAdd32 atomically adds delta to the peer's 32-bit word at offset.
func (e *Endpoint) AtomicAdd32(offset uint64, delta uint32) (uint32, error) {
	return e.mem.AtomicAdd32(offset, delta)
}

// AtomicAdd64 atomically adds delta to the peer's 64-bit word at offset.
func (e *Endpoint) AtomicAdd64(offset uint64, delta uint64) (uint64, error) {
	return e.mem.AtomicAdd64(offset, delta)
}

// AtomicCAS32 atomically compares-and-swaps the peer's 32-bit word.
func (e *Endpoint) AtomicCAS32(offset uint64, old, new uint32) (uint32, error) {
	return e.mem.AtomicCAS32(offset, old, new)
}

// AtomicCAS64 atomically compares-and-swaps the peer's 64-bit word.
func (e *Endpoint) AtomicCAS64(offset uint64, old, new uint64) (uint64, error) {
	return e.mem.AtomicCAS64(offset, old, new)
}

// FlushMode selects the completion semantics Flush waits for.
type FlushMode int

const (
	// FlushLocal returns once every prior post is guaranteed visible to
	// the receiver. The only mode this module supports.
	FlushLocal FlushMode = iota
	// FlushComplete additionally waits for receiver-side processing to
	// finish, a mode this module's fire-and-forget AM protocol has no way
	// to observe and therefore rejects.
	FlushComplete
)

// Flush returns once every prior post is guaranteed visible to the
// receiver. Only FlushLocal is supported; Go's atomic store-release on
// Publish already orders every write this endpoint has performed before
// it, so a local flush is a fence with no further work to do.
// FlushComplete returns ErrNotSupported.
func (e *Endpoint) Flush(mode FlushMode) error {
	if mode != FlushLocal {
		return fmt.Errorf("flush mode %d: %w", mode, pkg.ErrNotSupported)
	}
	return nil
}

// Fence is a store fence: a subsequent operation on this endpoint is
// guaranteed not to be reordered ahead of everything posted so far.
func (e *Endpoint) Fence() error { return nil }

// Check attempts to verify the peer process is still alive, by checking
// that its pid (published in targetCtl) still has a /proc entry. Only
// meaningful when the mapper used to attach target supports SHM-file
// attachment; callers that did not advertise EP_CHECK should not call
// this.
func (e *Endpoint) Check() error {
	pid := e.targetCtl.PID()
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		return fmt.Errorf("check peer pid %d: %w", pid, pkg.ErrNoDevice)
	}
	return nil
}

// PendingAdd enqueues e to retry on the next arbiter dispatch.
func (e *Endpoint) PendingAdd(retry arbiter.Elem) { e.arb.Add(e.id, retry) }

// PendingPurge drops this endpoint's queued retries, without running
// them, typically as part of endpoint teardown.
func (e *Endpoint) PendingPurge() { e.arb.Purge(e.id) }
