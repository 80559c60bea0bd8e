package iface

import (
	"errors"
	"testing"

	"github.com/ardnew/shmx/arbiter"
	"github.com/ardnew/shmx/descpool"
	"github.com/ardnew/shmx/ep"
	"github.com/ardnew/shmx/fifo"
	"github.com/ardnew/shmx/pkg"
	"github.com/ardnew/shmx/shmmap"
)

type fakeAllocator struct{}

func (fakeAllocator) Allocate(size uint32) ([]byte, uint64, uint64, error) {
	return make([]byte, size), 1, 0, nil
}

func newTestIface(t *testing.T, fifoSize uint64, elemSize uint32, handler Handler) (*Iface, *arbiter.Arbiter) {
	t.Helper()
	cfg := Config{
		FIFOSize:      fifoSize,
		FIFOElemSize:  elemSize,
		SegSize:       256,
		ReleaseFactor: 0.5,
		MaxPoll:       fifoSize2window(fifoSize),
	}
	mapper := shmmap.NewPosixMapper()
	pool := descpool.New(fakeAllocator{}, cfg.SegSize, 0, ^uint64(0))
	arb := arbiter.New()
	if handler == nil {
		handler = func(uint8, []byte, bool, *descpool.Desc) bool { return false }
	}
	i, err := New(cfg, mapper, pool, arb, handler)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { i.Close() })
	return i, arb
}

// fifoSize2window picks a window comfortably within the fifo_max_poll=1
// boundary-behavior requirement when fifoSize itself is tiny.
func fifoSize2window(fifoSize uint64) uint32 {
	if fifoSize < 4 {
		return 1
	}
	return 4
}

func newTestEndpoint(t *testing.T, i *Iface, arb *arbiter.Arbiter) *ep.Endpoint {
	t.Helper()
	addr, err := i.SignalAddr()
	if err != nil {
		t.Fatalf("SignalAddr: %v", err)
	}
	mem := ep.NewByteSliceMemory(make([]byte, 4096))
	return ep.New(1, i.Fifo(), i.Ctl(), addr, arb, mem, i.cfg.FIFOElemSize)
}

func TestNewRejectsNonPowerOfTwoFIFOSize(t *testing.T) {
	mapper := shmmap.NewPosixMapper()
	pool := descpool.New(fakeAllocator{}, 256, 0, ^uint64(0))
	arb := arbiter.New()
	_, err := New(Config{FIFOSize: 3, FIFOElemSize: 64, SegSize: 256, MaxPoll: 1}, mapper, pool, arb,
		func(uint8, []byte, bool, *descpool.Desc) bool { return false })
	if err == nil {
		t.Fatal("New should reject a non-power-of-two FIFO size")
	}
}

func TestProgressDeliversInlineMessage(t *testing.T) {
	var got []byte
	i, arb := newTestIface(t, 4, 64, func(amID uint8, payload []byte, inline bool, _ *descpool.Desc) bool {
		if amID != 7 {
			t.Errorf("amID = %d, want 7", amID)
		}
		if !inline {
			t.Error("expected inline delivery")
		}
		got = append([]byte(nil), payload...)
		return false
	})
	e := newTestEndpoint(t, i, arb)

	if err := e.AmShort(7, []byte("hi")); err != nil {
		t.Fatalf("AmShort: %v", err)
	}

	if n := i.Progress(); n != 1 {
		t.Fatalf("Progress() = %d, want 1", n)
	}
	if string(got) != "hi" {
		t.Errorf("payload = %q, want %q", got, "hi")
	}
}

func TestBurstFillThenDrain(t *testing.T) {
	delivered := 0
	i, arb := newTestIface(t, 4, 64, func(uint8, []byte, bool, *descpool.Desc) bool {
		delivered++
		return false
	})
	e := newTestEndpoint(t, i, arb)

	for k := 0; k < 4; k++ {
		if err := e.AmShort(0, nil); err != nil {
			t.Fatalf("send %d: %v", k, err)
		}
	}
	if err := e.AmShort(0, nil); err == nil {
		t.Fatal("fifth send on a full size-4 FIFO should fail with no resources")
	}

	if n := i.Progress(); n != 4 {
		t.Fatalf("Progress() = %d, want 4", n)
	}
	if delivered != 4 {
		t.Errorf("delivered = %d, want 4", delivered)
	}
}

func TestCallbackRetentionRefreshesDescriptor(t *testing.T) {
	var retained *descpool.Desc
	i, arb := newTestIface(t, 4, 64, func(amID uint8, payload []byte, inline bool, desc *descpool.Desc) bool {
		if inline {
			return false
		}
		retained = desc
		return true
	})
	e := newTestEndpoint(t, i, arb)

	// AmBcopy must draw from the same pool i.Progress looks descriptors up
	// in (i.pool): on a single host the "send-side bounce buffer segment"
	// spec.md describes and the receiver's own descriptor pool are the
	// same shared memory, so the test wires them identically.
	if err := e.AmBcopy(3, i.pool, func(buf []byte) uint32 {
		return uint32(copy(buf, []byte("bcopy payload")))
	}); err != nil {
		t.Fatalf("AmBcopy: %v", err)
	}

	if n := i.Progress(); n != 1 {
		t.Fatalf("Progress() = %d, want 1", n)
	}
	if retained == nil {
		t.Fatal("handler should have received a non-nil descriptor")
	}

	// A subsequent am_bcopy must still succeed: the pool's Get() grows
	// rather than stalls, since the retained descriptor was never
	// returned to the free list.
	if err := e.AmBcopy(4, i.pool, func(buf []byte) uint32 {
		return uint32(copy(buf, []byte("second")))
	}); err != nil {
		t.Fatalf("second AmBcopy: %v", err)
	}
}

func TestArmBusyWhenUnreadDataPresent(t *testing.T) {
	i, arb := newTestIface(t, 4, 64, nil)
	e := newTestEndpoint(t, i, arb)

	if err := e.AmShort(0, nil); err != nil {
		t.Fatalf("AmShort: %v", err)
	}

	result, err := i.Arm(ArmRecv)
	if result != ArmBusy {
		t.Errorf("Arm() = %v, want ArmBusy", result)
	}
	if !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("Arm() err = %v, want ErrBusy", err)
	}
}

func TestArmOKThenWakeupArrivesAfterSend(t *testing.T) {
	i, arb := newTestIface(t, 4, 64, nil)
	e := newTestEndpoint(t, i, arb)

	result, err := i.Arm(ArmRecv)
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if result != ArmOK {
		t.Fatalf("Arm() = %v, want ArmOK", result)
	}

	if err := e.AmShort(0, nil); err != nil {
		t.Fatalf("AmShort: %v", err)
	}

	drained, err := i.sock.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !drained {
		t.Error("expected exactly one wake-up datagram after arming and sending")
	}
}

func TestArmRefusesWhilePendingSendsExist(t *testing.T) {
	i, arb := newTestIface(t, 2, 64, nil)
	e := newTestEndpoint(t, i, arb)

	for k := 0; k < 2; k++ {
		if err := e.AmShort(0, nil); err != nil {
			t.Fatalf("fill send %d: %v", k, err)
		}
	}
	if err := e.AmShort(0, nil); err == nil {
		t.Fatal("third send on a full size-2 FIFO should fail")
	}
	if arb.Empty() {
		t.Fatal("failed send should be queued on the arbiter")
	}

	result, err := i.Arm(ArmSendComp)
	if result != ArmBusy {
		t.Errorf("Arm(ArmSendComp) = %v, want ArmBusy while sends are pending", result)
	}
	if !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("Arm(ArmSendComp) err = %v, want ErrBusy", err)
	}
}

func TestAdaptiveWindowPinnedWhenMaxPollIsOne(t *testing.T) {
	i, arb := newTestIface(t, 4, 64, nil)
	i.window = fifo.NewWindow(1)
	e := newTestEndpoint(t, i, arb)

	if err := e.AmShort(0, nil); err != nil {
		t.Fatalf("AmShort: %v", err)
	}

	for k := 0; k < 3; k++ {
		if got := i.window.Count(); got != 1 {
			t.Fatalf("window count = %d, want pinned at 1", got)
		}
		i.Progress()
	}
}

func TestQueryReportsEPCheckWhenMapperSupportsSHMFile(t *testing.T) {
	i, _ := newTestIface(t, 4, 64, nil)
	if i.Query()&CapEPCheck == 0 {
		t.Error("PosixMapper attaches via SHM file; Query should advertise CapEPCheck")
	}
}

func TestFlushRejectsCompletionMode(t *testing.T) {
	i, _ := newTestIface(t, 4, 64, nil)

	if err := i.Flush(FlushLocal); err != nil {
		t.Errorf("Flush(FlushLocal) = %v, want nil", err)
	}
	if err := i.Flush(FlushComplete); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("Flush(FlushComplete) = %v, want ErrNotSupported", err)
	}
}

func TestMaxShortMatchesElemSizeMinusHeader(t *testing.T) {
	i, _ := newTestIface(t, 4, 64, nil)
	if got, want := i.MaxShort(), uint32(64-32); got != want {
		t.Errorf("MaxShort() = %d, want %d", got, want)
	}
}

func TestPackUnpackAddressRoundTrips(t *testing.T) {
	cases := []Address{
		{SegID: 42, Suffix: nil},
		{SegID: 0, Suffix: []byte{}},
		{SegID: ^shmmap.SegmentID(0), Suffix: []byte{0xde, 0xad, 0xbe, 0xef}},
	}
	for _, want := range cases {
		packed := PackAddress(want)
		got, err := UnpackAddress(packed)
		if err != nil {
			t.Fatalf("UnpackAddress(%v): %v", packed, err)
		}
		if got.SegID != want.SegID {
			t.Errorf("SegID = %d, want %d", got.SegID, want.SegID)
		}
		if len(want.Suffix) == 0 {
			if len(got.Suffix) != 0 {
				t.Errorf("Suffix = %v, want empty", got.Suffix)
			}
			continue
		}
		if string(got.Suffix) != string(want.Suffix) {
			t.Errorf("Suffix = %v, want %v", got.Suffix, want.Suffix)
		}
		if repacked := PackAddress(got); string(repacked) != string(packed) {
			t.Errorf("pack(unpack(addr)) = %v, want %v", repacked, packed)
		}
	}
}

func TestUnpackAddressRejectsShortBuffer(t *testing.T) {
	if _, err := UnpackAddress([]byte{1, 2, 3}); err == nil {
		t.Fatal("UnpackAddress should reject a buffer shorter than 8 bytes")
	}
}

func TestGetAddressRoundTripsThroughUnpack(t *testing.T) {
	i, _ := newTestIface(t, 4, 64, nil)

	addr := i.GetAddress()
	got, err := UnpackAddress(addr)
	if err != nil {
		t.Fatalf("UnpackAddress: %v", err)
	}
	if got.SegID != i.SegmentID() {
		t.Errorf("SegID = %d, want %d", got.SegID, i.SegmentID())
	}
	if repacked := PackAddress(got); string(repacked) != string(addr) {
		t.Errorf("pack(unpack(GetAddress())) = %v, want %v", repacked, addr)
	}
}
