package signal

import (
	"errors"
	"testing"

	"github.com/ardnew/shmx/pkg"
)

func TestListenBindsAnAddress(t *testing.T) {
	s, err := Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	addr, err := s.Addr()
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}
	if len(addr) == 0 {
		t.Error("Addr() returned an empty address for an auto-bound socket")
	}
}

func TestNotifyThenDrain(t *testing.T) {
	s, err := Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	addr, err := s.Addr()
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}

	if err := Notify(addr); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	drained, err := s.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !drained {
		t.Error("Drain() should have consumed the pending notification")
	}
}

func TestDrainReportsFalseWhenEmpty(t *testing.T) {
	s, err := Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	drained, err := s.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if drained {
		t.Error("Drain() should report false with nothing pending")
	}
}

func TestDrainWrapsIOErrorOnBadFD(t *testing.T) {
	s, err := Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s.Close() // fd is now invalid; a subsequent Drain must fail, not block

	if _, err := s.Drain(); !errors.Is(err, pkg.ErrIOError) {
		t.Errorf("Drain() on a closed socket = %v, want ErrIOError", err)
	}
}

func TestDrainIsIdempotentPastFirstCall(t *testing.T) {
	s, err := Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	addr, err := s.Addr()
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}
	if err := Notify(addr); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	first, _ := s.Drain()
	second, _ := s.Drain()
	if !first {
		t.Error("first Drain() should consume the single queued datagram")
	}
	if second {
		t.Error("second Drain() should find nothing left")
	}
}
