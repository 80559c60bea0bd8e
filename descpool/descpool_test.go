package descpool

import (
	"errors"
	"testing"
)

type fakeAllocator struct {
	nextSegID uint64
	fail      bool
}

func (f *fakeAllocator) Allocate(size uint32) ([]byte, uint64, uint64, error) {
	if f.fail {
		return nil, 0, 0, errors.New("allocation failed")
	}
	f.nextSegID++
	return make([]byte, size), f.nextSegID, 0, nil
}

func TestGetGrowsWhenFreeListEmpty(t *testing.T) {
	p := New(&fakeAllocator{}, 256, 8, ^uint64(0))

	d, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(d.Payload()) != 256 {
		t.Errorf("len(Payload()) = %d, want 256", len(d.Payload()))
	}
	if d.Offset != 8 {
		t.Errorf("Offset = %d, want 8 (headroom)", d.Offset)
	}
}

func TestPutGetReusesDescriptor(t *testing.T) {
	alloc := &fakeAllocator{}
	p := New(alloc, 256, 0, ^uint64(0))

	d1, _ := p.Get()
	p.Put(d1)
	d2, _ := p.Get()

	if d1 != d2 {
		t.Error("Get after Put should reuse the same descriptor, not allocate another")
	}
	if alloc.nextSegID != 1 {
		t.Errorf("allocator called %d times, want 1", alloc.nextSegID)
	}
}

func TestOversizedSegmentIsNeutralized(t *testing.T) {
	alloc := &fakeAllocator{}
	// maxAddressableSegSize=200 < segSize=256: offset+segSize always
	// exceeds it, regardless of how large the allocator's segID happens
	// to be (e.g. an inode number past 2^32).
	p := New(alloc, 256, 0, 200)

	d, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !d.Neutralized() {
		t.Error("descriptor should be neutralized")
	}
	if d.SegID != NeutralSegID || d.SegSize != 0 || d.Offset != 0 {
		t.Errorf("neutralized descriptor = %+v, want sentinel zero values", d)
	}
}

func TestLargeSegIDWithSmallExtentIsNotNeutralized(t *testing.T) {
	// A segment id (e.g. an inode number) well past 2^32 must not trigger
	// neutralization on its own: only the descriptor's offset+size within
	// the segment determines addressability.
	alloc := &fakeAllocator{}
	alloc.nextSegID = 1 << 33

	p := New(alloc, 256, 0, 1<<32)

	d, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.Neutralized() {
		t.Errorf("small 256-byte descriptor should not be neutralized by a large seg id, got %+v", d)
	}
}

func TestAllocatorFailurePropagates(t *testing.T) {
	p := New(&fakeAllocator{fail: true}, 256, 0, ^uint64(0))
	if _, err := p.Get(); err == nil {
		t.Error("Get should propagate allocator failure")
	}
}

func TestLookupFindsAllocatedDescriptor(t *testing.T) {
	p := New(&fakeAllocator{}, 256, 0, ^uint64(0))
	d, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	found, ok := p.Lookup(d.SegID, d.Offset)
	if !ok {
		t.Fatal("Lookup should find the descriptor Get just returned")
	}
	if found != d {
		t.Error("Lookup returned a different Desc object")
	}
}

func TestLookupMissReportsFalse(t *testing.T) {
	p := New(&fakeAllocator{}, 256, 0, ^uint64(0))
	if _, ok := p.Lookup(999, 999); ok {
		t.Error("Lookup should report false for an unknown key")
	}
}
