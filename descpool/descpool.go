// Package descpool implements the receive descriptor pool: a grow-on-
// demand free list of fixed-size buffers used to hand off non-inline
// ("bcopy") payloads between a sender and receiver sharing a segment.
//
// Each buffer is prefixed with descriptor metadata (segment id, segment
// size, offset of the payload within the segment) followed by caller-
// requested headroom and then the payload area itself. The pool never
// shrinks, matching the always-grow, never-evict discipline of a memory
// pool primitive rather than a sync.Pool, which makes no retention
// guarantee this protocol needs (a FIFO element can reference a
// descriptor indefinitely until the receiver recycles it).
package descpool

import (
	"fmt"
	"sync"

	"github.com/ardnew/shmx/elem"
	"github.com/ardnew/shmx/pkg"
)

// NeutralSegID is the sentinel segment id written into a descriptor whose
// backing segment exceeds what can be addressed (originally a 32-bit
// addressing limit; this module treats any segment a SegmentSizer
// reports as oversized the same way).
const NeutralSegID = ^uint64(0)

// Desc is a receive descriptor: a reference to a payload buffer living at
// Offset within segment SegID, sized SegSize, preceded by Headroom bytes
// reserved for upper-layer metadata.
type Desc struct {
	SegID    uint64
	SegSize  uint64
	Offset   uint64
	Headroom uint32
	buf      []byte // payload area only, length == SegSize
}

// Descriptor returns the elem.Descriptor form of d, for writing into a
// FIFO element header.
func (d *Desc) Descriptor() elem.Descriptor {
	return elem.Descriptor{SegID: d.SegID, SegSize: d.SegSize, Offset: d.Offset}
}

// Payload returns the descriptor's payload area.
func (d *Desc) Payload() []byte { return d.buf }

// Neutralized reports whether d has been sentinel-marked because its
// segment could not be addressed.
func (d *Desc) Neutralized() bool { return d.SegID == NeutralSegID && d.SegSize == 0 }

// Allocator supplies the backing memory a Pool grows into. In the full
// transport this is a send-side bounce-buffer segment obtained from
// shmmap; tests may supply an in-process stand-in.
type Allocator interface {
	// Allocate returns a freshly usable byte region of at least size
	// bytes, a segment id peers can resolve it by, and the region's
	// offset within that segment.
	Allocate(size uint32) (buf []byte, segID uint64, offset uint64, err error)
}

// key identifies a Desc by the fields a FIFO element encodes, so a
// receiver that decoded an element's descriptor fields can find the Desc
// object backing them.
type key struct {
	segID  uint64
	offset uint64
}

// Pool is a grow-on-demand free list of Desc buffers, all sized segSize
// with headroom bytes reserved before the payload.
type Pool struct {
	mu           sync.Mutex
	alloc        Allocator
	segSize      uint32
	headroom     uint32
	maxSegExtent uint64 // offset+size at or beyond this bound is neutralized
	free         []*Desc
	byKey        map[key]*Desc
}

// New constructs a Pool. maxAddressableSegSize bounds a descriptor's
// offset+size within its segment before it is neutralized instead (the
// original's 4 GiB boundary, checked against the segment's length rather
// than its id); pass ^uint64(0) to disable the check.
func New(alloc Allocator, segSize, headroom uint32, maxAddressableSegSize uint64) *Pool {
	return &Pool{
		alloc:        alloc,
		segSize:      segSize,
		headroom:     headroom,
		maxSegExtent: maxAddressableSegSize,
		byKey:        make(map[key]*Desc),
	}
}

// Lookup finds the Desc this pool allocated with the given segment id and
// offset, letting a receiver that decoded those fields from a FIFO
// element recover the Go object (and its Payload) backing them.
func (p *Pool) Lookup(segID, offset uint64) (*Desc, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.byKey[key{segID, offset}]
	return d, ok
}

// Get removes and returns a descriptor from the free list, allocating a
// fresh one if the list is empty. Never fails with no-resources: growth
// is unconditional, matching the original pool's semantics; it can only
// fail if the underlying Allocator itself fails.
func (p *Pool) Get() (*Desc, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		d := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return d, nil
	}
	p.mu.Unlock()
	return p.grow()
}

// Put returns a descriptor to the free list for reuse.
func (p *Pool) Put(d *Desc) {
	p.mu.Lock()
	p.free = append(p.free, d)
	p.mu.Unlock()
}

func (p *Pool) grow() (*Desc, error) {
	total := p.headroom + p.segSize
	buf, segID, offset, err := p.alloc.Allocate(total)
	if err != nil {
		return nil, fmt.Errorf("grow descriptor pool: %w", err)
	}

	d := &Desc{
		SegID:    segID,
		SegSize:  uint64(p.segSize),
		Offset:   offset + uint64(p.headroom),
		Headroom: p.headroom,
		buf:      buf[p.headroom:],
	}

	if d.Offset+d.SegSize >= p.maxSegExtent {
		d.SegID = NeutralSegID
		d.SegSize = 0
		d.Offset = 0
		pkg.LogWarn(pkg.ComponentDescPool, "neutralized descriptor beyond addressable segment extent", "seg_id", segID)
	}

	p.mu.Lock()
	p.byKey[key{d.SegID, d.Offset}] = d
	p.mu.Unlock()

	return d, nil
}
