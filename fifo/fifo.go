// Package fifo implements the single-producer/single-consumer ring built
// on top of a ctl.Block and an array of elem-encoded slots: slot
// reservation and publication on the producer side, readiness testing,
// batched tail release, and the adaptive polling window on the consumer
// side.
//
// This is the hard part of the transport: every mutation of the shared
// head word goes through one compare-and-swap helper that preserves or
// deliberately clears ctl.EventArmed, and every element read is gated by
// the owner-bit readiness test before any other field is touched.
package fifo

import (
	"fmt"
	"math/bits"

	"github.com/ardnew/shmx/ctl"
	"github.com/ardnew/shmx/elem"
	"github.com/ardnew/shmx/pkg"
)

// Adaptive polling window constants.
const (
	MinPoll        = 8
	AIValue        = 1
	MDFactor       = 2
	DefaultMaxPoll = 16
)

// Fifo is a view over a shared control block and element array. It holds
// no ownership over the underlying memory; callers (shmmap/iface) manage
// the segment's lifetime.
type Fifo struct {
	ctl               *ctl.Block
	elems             []byte
	elemSize          uint32
	size              uint64
	mask              uint64
	shift             uint
	releaseFactorMask uint64
}

// New constructs a Fifo view over ctlBlock and an element array backed by
// elems, which must be exactly size*elemSize bytes. size must be a power
// of two ≥ 2; elemSize must exceed elem.HeaderSize; releaseFactor must be
// in [0, 1). Violating any of these is a configuration error, not a
// runtime condition, so it is reported rather than ignored.
//
// New also sets every slot's owner bit to 1, which reads as not ready for
// the first wrap, so an empty ring never reports new data. It is called
// once by the receiver, before any producer publishes.
func New(ctlBlock *ctl.Block, elems []byte, size uint64, elemSize uint32, releaseFactor float64) (*Fifo, error) {
	if size < 2 || size&(size-1) != 0 {
		return nil, fmt.Errorf("fifo size %d: %w", size, pkg.ErrInvalidParameter)
	}
	if elemSize <= elem.HeaderSize {
		return nil, fmt.Errorf("fifo elem size %d must exceed header size %d: %w", elemSize, elem.HeaderSize, pkg.ErrInvalidParameter)
	}
	if releaseFactor < 0 || releaseFactor >= 1 {
		return nil, fmt.Errorf("fifo release factor %f out of [0,1): %w", releaseFactor, pkg.ErrInvalidParameter)
	}
	if uint64(len(elems)) != size*uint64(elemSize) {
		return nil, fmt.Errorf("fifo elem array is %d bytes, want %d: %w", len(elems), size*uint64(elemSize), pkg.ErrInvalidParameter)
	}

	f := &Fifo{
		ctl:               ctlBlock,
		elems:             elems,
		elemSize:          elemSize,
		size:              size,
		mask:              size - 1,
		shift:             uint(bits.TrailingZeros64(size)),
		releaseFactorMask: releaseMask(size, releaseFactor),
	}
	for i := uint64(0); i < size; i++ {
		elem.Publish(f.slot(i), elem.FlagOwner, 0)
	}
	return f, nil
}

// releaseMask computes the tail-release throttle mask: tail is
// republished only when read_index & mask == 0. A releaseFactor of 0
// releases every element (mask 0, every index matches); larger factors
// widen the interval between republications, rounded up to a power of
// two so the test remains a single AND.
func releaseMask(size uint64, releaseFactor float64) uint64 {
	interval := uint64(float64(size) * releaseFactor)
	if interval == 0 {
		return 0
	}
	pow := uint64(1)
	for pow < interval {
		pow <<= 1
	}
	return pow - 1
}

// Size returns the number of slots in the ring.
func (f *Fifo) Size() uint64 { return f.size }

// Shift returns fifo_shift = log2(size).
func (f *Fifo) Shift() uint { return f.shift }

func (f *Fifo) slot(index uint64) []byte {
	off := (index & f.mask) * uint64(f.elemSize)
	return f.elems[off : off+uint64(f.elemSize)]
}

// Tail returns the consumer-published cursor. Exposed for callers that
// want a flow-control hint; the producer-side no-resources check is the
// only place this package itself relies on freshness.
func (f *Fifo) Tail() uint64 { return f.ctl.Tail() }

// Reserve atomically advances head by one slot for the producer. It
// returns the reserved slot's raw backing array (ready for elem.WriteBody
// then elem.Publish, or the higher-level Publish below), whether the
// caller must emit a wake-up signal (the CAS observed EventArmed set and
// therefore cleared it), and an error if the FIFO is full.
//
// No-resources is reported without blocking or retrying: the caller
// (ep.Endpoint) is responsible for placing the send on the pending
// arbiter.
func (f *Fifo) Reserve() (slot uint64, buf []byte, needSignal bool, err error) {
	for {
		old := f.ctl.Head()
		idx := old &^ ctl.EventArmed
		tail := f.ctl.Tail()
		if idx-tail >= f.size {
			return 0, nil, false, fmt.Errorf("reserve slot: %w", pkg.ErrNoResources)
		}

		newHead := idx + 1
		if _, ok := f.ctl.CASHead(old, newHead); !ok {
			continue
		}
		return idx, f.slot(idx), old&ctl.EventArmed != 0, nil
	}
}

// Publish performs the producer's store-release of a reserved slot's
// header. extraFlags carries INLINE and any trace bits; the owner bit is
// computed from slot's wrap parity and OR'd in here, so callers must
// never set elem.FlagOwner themselves. Must be called after
// elem.WriteBody populates length/desc/payload for the same slot.
func (f *Fifo) Publish(slot uint64, extraFlags, amID uint8) {
	owner := elem.OwnerBit(slot, f.shift)
	flags := (extraFlags &^ elem.FlagOwner) | owner
	elem.Publish(f.slot(slot), flags, amID)
}

// HasNewData reports whether the element at readIndex is ready for the
// consumer: its owner bit matches readIndex's wrap parity.
func (f *Fifo) HasNewData(readIndex uint64) bool {
	return elem.Ready(f.slot(readIndex), readIndex, f.shift)
}

// Decode returns the decoded header and raw backing array for the
// element at readIndex. Callers must have confirmed HasNewData first.
func (f *Fifo) Decode(readIndex uint64) (elem.Header, []byte) {
	buf := f.slot(readIndex)
	return elem.Decode(buf), buf
}

// ReleaseTail advances the consumer's published tail to readIndex if
// the batching throttle allows it (read_index & release_factor_mask ==
// 0), reporting whether it actually stored. Callers pass the read_index
// *after* incrementing past the element just consumed.
func (f *Fifo) ReleaseTail(readIndex uint64) bool {
	if readIndex&f.releaseFactorMask != 0 {
		return false
	}
	f.ctl.StoreTail(readIndex)
	return true
}

// Window is the AIMD adaptive polling controller: it favors low latency
// when the FIFO is usually empty and higher throughput when it is busy,
// by growing or shrinking how many elements Progress polls per call.
type Window struct {
	count    uint32
	max      uint32
	prevFull bool
}

// NewWindow constructs a Window bounded by maxPoll. maxPoll smaller than
// MinPoll (the fifo_max_poll=1 boundary case) pins the window at maxPoll
// rather than panicking.
func NewWindow(maxPoll uint32) *Window {
	start := uint32(MinPoll)
	if start > maxPoll {
		start = maxPoll
	}
	return &Window{count: start, max: maxPoll}
}

// Count returns the current window size.
func (w *Window) Count() uint32 { return w.count }

// Adjust updates the window given how many elements the last Progress
// call actually consumed, following the two-step additive-increase rule:
// a fully consumed window only grows once the *following* window is also
// fully consumed, which prevents oscillation between MIN and MIN+1.
func (w *Window) Adjust(consumed uint32) {
	if consumed < w.count {
		next := w.count / MDFactor
		if next < MinPoll {
			next = MinPoll
		}
		if next > w.max {
			next = w.max
		}
		w.count = next
		w.prevFull = false
		return
	}

	if w.prevFull {
		next := w.count + AIValue
		if next > w.max {
			next = w.max
		}
		w.count = next
	}
	w.prevFull = true
}
