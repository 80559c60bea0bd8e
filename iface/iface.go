// Package iface implements the receiver interface: the owner of a local
// FIFO, its read cursor, the receive descriptor pool, the signal socket,
// the adaptive-poll controller, and the progress entry point a host
// worker calls in a loop.
package iface

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/ardnew/shmx/arbiter"
	"github.com/ardnew/shmx/ctl"
	"github.com/ardnew/shmx/descpool"
	"github.com/ardnew/shmx/elem"
	"github.com/ardnew/shmx/fifo"
	"github.com/ardnew/shmx/pkg"
	"github.com/ardnew/shmx/shmmap"
	"github.com/ardnew/shmx/signal"
)

// Handler processes one received active message. payload is valid only
// for the duration of the call when inline is true — the callback must
// not retain that slice past return. For non-inline elements, desc is
// the descriptor backing payload; returning retain=true tells Progress
// to leave desc out of the pool's free list (the callback now owns it
// and must eventually call Iface.ReleaseRetained(desc)) instead of its
// buffer being implicitly available for the sender to reuse.
type Handler func(amID uint8, payload []byte, inline bool, desc *descpool.Desc) (retain bool)

// Capability bits advertised by Query, mirroring the base transport
// capability set this interface always exposes plus the two that depend
// on the mapper's attachment mode.
const (
	CapPutShort = 1 << iota
	CapPutBcopy
	CapGetBcopy
	CapAMShort
	CapAMBcopy
	CapAtomicCPU
	CapPending
	CapCBSync
	CapConnectToIface
	CapEventSendComp
	CapEventRecv
	CapEventFD
	CapEPCheck
	CapErrHandlePeerFailure
)

// ArmEvents selects which event classes Arm is being asked to wait for.
type ArmEvents int

const (
	ArmRecv ArmEvents = 1 << iota
	ArmSendComp
)

// Perf is the set of performance estimates EstimatePerf returns.
type Perf struct {
	SendOverhead    float64 // seconds
	RecvOverhead    float64 // seconds
	BaseLatency     float64 // seconds
	BandwidthBytesPerSec float64
	MaxInflightEPs  float64 // math.Inf(1): unbounded
}

// Config bundles the construction-time parameters an Iface needs, mirroring
// the recognized configuration options.
type Config struct {
	FIFOSize           uint64
	FIFOElemSize       uint32
	SegSize            uint32
	ReleaseFactor      float64
	MaxPoll            uint32
	RXHeadroom         uint32
	Hugetlb            shmmap.HugeTLBPolicy
	ErrorHandling      bool
	SendOverheadShort  float64
	SendOverheadBcopy  float64
	RecvOverheadShort  float64
	RecvOverheadBcopy  float64
	BandwidthBytesPerSec float64
}

// Iface owns one receive FIFO end to end: the shared segment, the
// control block, the descriptor pool, the signal socket, and the
// progress/arm state machine.
type Iface struct {
	cfg        Config
	mapper     shmmap.Mapper
	seg        shmmap.Segment
	ctl        *ctl.Block
	fifoObj    *fifo.Fifo
	readIndex  uint64
	window     *fifo.Window
	pool       *descpool.Pool
	lastRecvDesc *descpool.Desc
	sock       *signal.Socket
	arb        *arbiter.Arbiter
	handler    Handler
}

// New constructs an Iface: allocates the shared FIFO segment via mapper,
// initializes the control block, binds a signal socket, and grows one
// standby receive descriptor. Construction errors unwind every partial
// resource in reverse order, consistent with this module's policy that
// runtime errors never abort an interface but construction errors must
// never leak a partially built one.
func New(cfg Config, mapper shmmap.Mapper, pool *descpool.Pool, arb *arbiter.Arbiter, handler Handler) (iface *Iface, err error) {
	if cfg.FIFOSize < 2 || cfg.FIFOSize&(cfg.FIFOSize-1) != 0 {
		return nil, fmt.Errorf("fifo size %d: %w", cfg.FIFOSize, pkg.ErrInvalidParameter)
	}

	size := ctl.Size + cfg.FIFOSize*uint64(cfg.FIFOElemSize)
	seg, err := mapper.Allocate(uintptr(size), cfg.Hugetlb)
	if err != nil {
		return nil, fmt.Errorf("allocate fifo segment: %w", err)
	}
	defer func() {
		if err != nil {
			seg.Close()
		}
	}()

	cb := ctl.New(seg.Bytes()[:ctl.Size])
	cb.SetPID(uint32(os.Getpid()))

	sock, err := signal.Listen()
	if err != nil {
		return nil, fmt.Errorf("bind signal socket: %w", err)
	}
	defer func() {
		if err != nil {
			sock.Close()
		}
	}()

	addr, err := sock.Addr()
	if err != nil {
		return nil, fmt.Errorf("signal address: %w", err)
	}
	cb.SetSignalAddr(addr)

	f, err := fifo.New(cb, seg.Bytes()[ctl.Size:], cfg.FIFOSize, cfg.FIFOElemSize, cfg.ReleaseFactor)
	if err != nil {
		return nil, err
	}

	standby, err := pool.Get()
	if err != nil {
		return nil, fmt.Errorf("prefetch standby descriptor: %w", err)
	}

	pkg.LogInfo(pkg.ComponentIface, "interface constructed", "fifo_size", cfg.FIFOSize, "elem_size", cfg.FIFOElemSize)

	return &Iface{
		cfg:          cfg,
		mapper:       mapper,
		seg:          seg,
		ctl:          cb,
		fifoObj:      f,
		window:       fifo.NewWindow(cfg.MaxPoll),
		pool:         pool,
		lastRecvDesc: standby,
		sock:         sock,
		arb:          arb,
		handler:      handler,
	}, nil
}

// Close releases the signal socket and the shared segment. Construction
// guarantees this is only called on a fully-built Iface.
func (i *Iface) Close() error {
	if err := i.sock.Close(); err != nil {
		return err
	}
	return i.seg.Close()
}

// SegmentID returns the FIFO segment's id, the fifo_seg_id half of the
// published interface address.
func (i *Iface) SegmentID() shmmap.SegmentID { return i.seg.ID() }

// Address is the decoded form of a published interface address: the FIFO
// segment id peers attach by, plus whatever opaque suffix the mapper
// needs to finish the job (spec.md §6.1).
type Address struct {
	SegID  shmmap.SegmentID
	Suffix []byte
}

// PackAddress encodes a into the wire form peers exchange out-of-band:
// an 8-byte little-endian fifo_seg_id followed by the mapper suffix
// verbatim.
func PackAddress(a Address) []byte {
	buf := make([]byte, 8+len(a.Suffix))
	binary.LittleEndian.PutUint64(buf, uint64(a.SegID))
	copy(buf[8:], a.Suffix)
	return buf
}

// UnpackAddress decodes a wire address produced by PackAddress. The
// suffix length is whatever remains after the leading 8 bytes: callers
// attaching across a real mapper boundary know that length from a mapper
// query (spec.md §6.1) rather than from the address bytes themselves.
func UnpackAddress(b []byte) (Address, error) {
	if len(b) < 8 {
		return Address{}, fmt.Errorf("address %d bytes, want at least 8: %w", len(b), pkg.ErrInvalidParameter)
	}
	a := Address{SegID: shmmap.SegmentID(binary.LittleEndian.Uint64(b))}
	if len(b) > 8 {
		a.Suffix = append([]byte(nil), b[8:]...)
	}
	return a, nil
}

// GetAddress writes this interface's FIFO segment id and defers to the
// mapper for any appended mapper-specific suffix, returning the packed
// wire form peers attach by (spec.md §4.3 get_address, §6.1).
func (i *Iface) GetAddress() []byte {
	return PackAddress(Address{SegID: i.seg.ID(), Suffix: i.mapper.AddressSuffix(i.seg)})
}

// Fifo returns the underlying ring, for constructing endpoints attached
// to this interface.
func (i *Iface) Fifo() *fifo.Fifo { return i.fifoObj }

// Ctl returns the control block, for constructing endpoints that need
// the peer's pid for Check.
func (i *Iface) Ctl() *ctl.Block { return i.ctl }

// SignalAddr returns this interface's bound wake-up address.
func (i *Iface) SignalAddr() ([]byte, error) { return i.sock.Addr() }

// Progress polls up to the current adaptive window's worth of FIFO
// elements, dispatches each to Handler, batches tail releases, adjusts
// the window, dispatches the pending-send arbiter, and returns how many
// elements it consumed.
func (i *Iface) Progress() uint32 {
	var count uint32
	for count < i.window.Count() {
		if !i.fifoObj.HasNewData(i.readIndex) {
			break
		}
		i.processElement(i.readIndex)
		i.readIndex++
		if i.fifoObj.ReleaseTail(i.readIndex) {
			pkg.LogDebug(pkg.ComponentIface, "released tail", "read_index", i.readIndex)
		}
		count++
	}

	i.window.Adjust(count)
	i.arb.Dispatch()
	return count
}

func (i *Iface) processElement(readIndex uint64) {
	h, buf := i.fifoObj.Decode(readIndex)

	if h.Flags&elem.FlagInline != 0 {
		i.handler(h.AMID, elem.Payload(buf, h), true, nil)
		return
	}

	d, ok := i.pool.Lookup(h.Desc.SegID, h.Desc.Offset)
	if !ok {
		pkg.LogWarn(pkg.ComponentIface, "non-inline element references unknown descriptor", "seg_id", h.Desc.SegID, "offset", h.Desc.Offset)
		i.handler(h.AMID, nil, false, nil)
		return
	}

	payload := d.Payload()
	if h.Length < uint32(len(payload)) {
		payload = payload[:h.Length]
	}

	if retain := i.handler(h.AMID, payload, false, d); !retain {
		i.pool.Put(d)
	}
}

// ReleaseRetained returns a descriptor the Handler previously retained
// back to the pool for reuse.
func (i *Iface) ReleaseRetained(d *descpool.Desc) { i.pool.Put(d) }

// ArmResult is the outcome of Arm.
type ArmResult int

const (
	ArmOK ArmResult = iota
	ArmBusy
	ArmConnectionReset
	ArmIOError
)

// Arm implements the receiver's five-step event-fd arming protocol: it
// refuses to arm while sends are pending, checks whether unread elements
// already exist, atomically sets EventArmed on head, then drains the
// signal socket to make sure no wake-up was already in flight before the
// arm bit was visible. If it returns ArmOK, the caller may safely block
// on the signal socket's file descriptor: either a sender will signal it
// in the future, or nothing is pending and a subsequent Drain will see
// EAGAIN forever until the next real wake-up.
func (i *Iface) Arm(events ArmEvents) (ArmResult, error) {
	if events&ArmSendComp != 0 && !i.arb.Empty() {
		return ArmBusy, fmt.Errorf("arm: sends pending: %w", pkg.ErrBusy)
	}
	if events&ArmRecv == 0 {
		return ArmOK, nil
	}

	head := i.ctl.Head()
	if head&^ctl.EventArmed > i.readIndex {
		return ArmBusy, fmt.Errorf("arm: unread elements present: %w", pkg.ErrBusy)
	}

	if head&ctl.EventArmed == 0 {
		if _, ok := i.ctl.CASHead(head, head|ctl.EventArmed); !ok {
			return ArmBusy, fmt.Errorf("arm: lost head CAS to a concurrent sender: %w", pkg.ErrBusy)
		}
	}

	drained, err := i.sock.Drain()
	if err != nil {
		if errors.Is(err, pkg.ErrConnectionReset) {
			return ArmConnectionReset, fmt.Errorf("arm: drain signal socket: %w", err)
		}
		return ArmIOError, fmt.Errorf("arm: drain signal socket: %w", err)
	}
	if drained {
		return ArmBusy, fmt.Errorf("arm: wake-up already pending: %w", pkg.ErrBusy)
	}
	return ArmOK, nil
}

// SignalFD returns the file descriptor a caller may block on after a
// successful Arm.
func (i *Iface) SignalFD() int { return i.sock.FD() }

// FlushMode selects the completion semantics Flush waits for.
type FlushMode int

const (
	// FlushLocal returns once every prior post on this interface is
	// guaranteed visible; the only mode this module supports.
	FlushLocal FlushMode = iota
	// FlushComplete additionally waits for remote completion, which this
	// interface has no way to observe and therefore rejects.
	FlushComplete
)

// Flush emits a store fence and returns; only FlushLocal is supported.
// FlushComplete returns ErrNotSupported.
func (i *Iface) Flush(mode FlushMode) error {
	if mode != FlushLocal {
		return fmt.Errorf("flush mode %d: %w", mode, pkg.ErrNotSupported)
	}
	return nil
}

// Fence is a store fence.
func (i *Iface) Fence() error { return nil }

// Query returns the capability bits this interface advertises, gated on
// whether mapper attaches segments through a file descriptor a peer can
// re-open (EP_CHECK / ERRHANDLE_PEER_FAILURE).
func (i *Iface) Query() int {
	caps := CapPutShort | CapPutBcopy | CapGetBcopy | CapAMShort | CapAMBcopy |
		CapAtomicCPU | CapPending | CapCBSync | CapConnectToIface |
		CapEventSendComp | CapEventRecv | CapEventFD

	if i.mapper.Query() {
		caps |= CapEPCheck
		if i.cfg.ErrorHandling {
			caps |= CapErrHandlePeerFailure
		}
	}
	return caps
}

// MaxShort returns the largest inline am_short payload this interface's
// FIFO can carry.
func (i *Iface) MaxShort() uint32 { return i.cfg.FIFOElemSize - elem.HeaderSize }

// MaxBcopy returns the largest am_bcopy payload, bounded by the
// configured bounce-buffer segment size.
func (i *Iface) MaxBcopy() uint32 { return i.cfg.SegSize }

// EstimatePerf returns this interface's advertised performance model.
func (i *Iface) EstimatePerf() Perf {
	return Perf{
		SendOverhead:         i.cfg.SendOverheadShort,
		RecvOverhead:         i.cfg.RecvOverheadShort,
		BaseLatency:          80e-9,
		BandwidthBytesPerSec: i.cfg.BandwidthBytesPerSec,
		MaxInflightEPs:       math.Inf(1),
	}
}

// IsReachable reports whether a peer advertising segID is reachable: this
// module's single-host scope means reachability reduces to whether the
// mapper can attach the segment at all.
func (i *Iface) IsReachable(segID shmmap.SegmentID) bool {
	seg, err := i.mapper.Attach(segID)
	if err != nil {
		return false
	}
	seg.Close()
	return true
}
