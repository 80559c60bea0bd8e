package fifo

import (
	"errors"
	"testing"

	"github.com/ardnew/shmx/ctl"
	"github.com/ardnew/shmx/elem"
	"github.com/ardnew/shmx/pkg"
)

func newTestFifo(t *testing.T, size uint64, elemSize uint32, releaseFactor float64) *Fifo {
	t.Helper()
	ctlBuf := make([]byte, ctl.Size)
	elems := make([]byte, size*uint64(elemSize))
	f, err := New(ctl.New(ctlBuf), elems, size, elemSize, releaseFactor)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestReservePublishInlineRoundTrip(t *testing.T) {
	f := newTestFifo(t, 4, 64, 0.5)

	slot, buf, needSignal, err := f.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if needSignal {
		t.Error("needSignal should be false: receiver never armed")
	}
	if slot != 0 {
		t.Errorf("slot = %d, want 0", slot)
	}

	payload := []byte("hi")
	elem.WriteBody(buf, 7, uint32(len(payload)), elem.Descriptor{}, payload)
	f.Publish(slot, elem.FlagInline, 7)

	if !f.HasNewData(0) {
		t.Fatal("element should be ready for read_index 0")
	}
	h, rawBuf := f.Decode(0)
	if h.AMID != 7 {
		t.Errorf("AMID = %d, want 7", h.AMID)
	}
	if got := string(elem.Payload(rawBuf, h)); got != "hi" {
		t.Errorf("payload = %q, want %q", got, "hi")
	}
}

func TestBurstFillThenNoResources(t *testing.T) {
	f := newTestFifo(t, 4, 64, 0.5)

	for i := 0; i < 4; i++ {
		if _, _, _, err := f.Reserve(); err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
	}

	_, _, _, err := f.Reserve()
	if !errors.Is(err, pkg.ErrNoResources) {
		t.Fatalf("5th Reserve on a full fifo_size=4 ring: err = %v, want ErrNoResources", err)
	}

	// After the consumer releases tail, a slot opens back up. With
	// release_factor=0.5 on 4 slots tail is republished only at even
	// read indices, so the first release that stores is ReleaseTail(2).
	f.ReleaseTail(2)
	if _, _, _, err := f.Reserve(); err != nil {
		t.Errorf("Reserve after ReleaseTail: %v", err)
	}
}

func TestOwnerBitAlternatesAcrossWrap(t *testing.T) {
	f := newTestFifo(t, 2, 64, 0)

	for i := uint64(0); i < 8; i++ {
		slot, buf, _, err := f.Reserve()
		if err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
		if slot != i {
			t.Fatalf("slot = %d, want %d", slot, i)
		}
		elem.WriteBody(buf, 0, 0, elem.Descriptor{}, nil)
		f.Publish(slot, elem.FlagInline, 0)

		if !f.HasNewData(i) {
			t.Fatalf("element %d not ready", i)
		}
		f.ReleaseTail(i + 1)
	}
}

func TestReleaseTailRespectsBatchingFactor(t *testing.T) {
	// release_factor=0.5, fifo_size=4 -> mask=1 -> republish every 2.
	f := newTestFifo(t, 4, 64, 0.5)

	if f.ReleaseTail(1) {
		t.Error("ReleaseTail(1) should be throttled (1 & 1 != 0)")
	}
	if got := f.Tail(); got != 0 {
		t.Errorf("Tail() = %d, want 0 (unchanged)", got)
	}

	if !f.ReleaseTail(2) {
		t.Error("ReleaseTail(2) should store (2 & 1 == 0)")
	}
	if got := f.Tail(); got != 2 {
		t.Errorf("Tail() = %d, want 2", got)
	}
}

func TestReserveSignalsOnlyWhenArmedWasSet(t *testing.T) {
	f := newTestFifo(t, 4, 64, 0.5)

	// Arm the fifo as a receiver would.
	old := f.ctl.Head()
	if _, ok := f.ctl.CASHead(old, old|ctl.EventArmed); !ok {
		t.Fatal("failed to arm head")
	}

	_, _, needSignal, err := f.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !needSignal {
		t.Error("Reserve should report needSignal after observing EventArmed")
	}
	if f.ctl.Head()&ctl.EventArmed != 0 {
		t.Error("Reserve should have cleared EventArmed")
	}

	// A subsequent reserve, with the bit already cleared, must not
	// request another signal (edge-triggered).
	_, _, needSignal2, err := f.Reserve()
	if err != nil {
		t.Fatalf("second Reserve: %v", err)
	}
	if needSignal2 {
		t.Error("second Reserve should not request a signal; EventArmed already clear")
	}
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	ctlBuf := make([]byte, ctl.Size)

	cases := []struct {
		name          string
		size          uint64
		elemSize      uint32
		releaseFactor float64
	}{
		{"non-power-of-two size", 3, 64, 0.5},
		{"size below 2", 1, 64, 0.5},
		{"elem size too small", 4, elem.HeaderSize, 0.5},
		{"release factor negative", 4, 64, -0.1},
		{"release factor at 1", 4, 64, 1},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			elems := make([]byte, c.size*uint64(c.elemSize))
			_, err := New(ctl.New(ctlBuf), elems, c.size, c.elemSize, c.releaseFactor)
			if !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Fatalf("err = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestWindowDecaysImmediatelyOnPartialConsumption(t *testing.T) {
	w := NewWindow(16)
	if w.Count() != MinPoll {
		t.Fatalf("initial count = %d, want %d", w.Count(), MinPoll)
	}

	w.Adjust(0)
	if w.Count() != MinPoll {
		t.Errorf("count after decay at floor = %d, want %d", w.Count(), MinPoll)
	}
}

func TestWindowRequiresTwoFullWindowsToGrow(t *testing.T) {
	w := NewWindow(16)

	w.Adjust(MinPoll) // first full window: only sets the flag
	if w.Count() != MinPoll {
		t.Errorf("count after first full window = %d, want unchanged %d", w.Count(), MinPoll)
	}

	w.Adjust(w.Count()) // second consecutive full window: grows
	if w.Count() != MinPoll+AIValue {
		t.Errorf("count after second full window = %d, want %d", w.Count(), MinPoll+AIValue)
	}
}

func TestWindowNeverExceedsMaxPoll(t *testing.T) {
	w := NewWindow(MinPoll + 1)
	for i := 0; i < 10; i++ {
		w.Adjust(w.Count())
	}
	if w.Count() > MinPoll+1 {
		t.Errorf("count = %d, exceeds max %d", w.Count(), MinPoll+1)
	}
}

func TestWindowPinnedWhenMaxPollBelowMinPoll(t *testing.T) {
	w := NewWindow(1)
	if w.Count() != 1 {
		t.Fatalf("initial count = %d, want 1", w.Count())
	}
	w.Adjust(1)
	w.Adjust(1)
	if w.Count() != 1 {
		t.Errorf("count = %d, want pinned at 1", w.Count())
	}
	w.Adjust(0)
	if w.Count() != 1 {
		t.Errorf("count = %d, want pinned at 1 even on decay", w.Count())
	}
}
