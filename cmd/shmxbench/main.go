// Command shmxbench drives one sender endpoint against one receiver
// interface over a real POSIX shared-memory segment, all within a single
// process: enough to exercise the whole producer/consumer protocol
// (reservation, owner-bit publication, arbiter retry, adaptive polling)
// without a second process to coordinate.
//
// Usage:
//
//	shmxbench [options]
//
// Options:
//
//	-count N         number of am_short messages to send (default 100000)
//	-payload N       am_short payload size in bytes (default 32)
//	-v               enable debug logging
//	-cpuprofile FILE write a CPU profile to FILE
//	-memprofile FILE write a heap profile to FILE
//
// Modeled on the host+device main() pairing in
// examples/fifo-hal/*/{host,device}/main.go, collapsed into one process
// since this module's scope stops at one host.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ardnew/shmx/arbiter"
	"github.com/ardnew/shmx/config"
	"github.com/ardnew/shmx/descpool"
	"github.com/ardnew/shmx/ep"
	"github.com/ardnew/shmx/iface"
	"github.com/ardnew/shmx/pkg"
	"github.com/ardnew/shmx/pkg/prof"
	"github.com/ardnew/shmx/shmmap"
)

func main() {
	count := flag.Int("count", 100000, "number of am_short messages to send")
	payloadSize := flag.Int("payload", 32, "am_short payload size in bytes")
	verbose := flag.Bool("v", false, "enable debug logging")
	cpuProfile := flag.String("cpuprofile", "", "write CPU profile to file")
	memProfile := flag.String("memprofile", "", "write heap profile to file")
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}

	if *cpuProfile != "" {
		if err := prof.StartCPU(*cpuProfile); err != nil {
			fmt.Fprintf(os.Stderr, "start cpu profile: %v\n", err)
			os.Exit(1)
		}
		defer prof.StopCPU()
	}

	if err := run(*count, *payloadSize); err != nil {
		fmt.Fprintf(os.Stderr, "shmxbench: %v\n", err)
		os.Exit(1)
	}

	if *memProfile != "" {
		if err := prof.Write(prof.ProfileHeap, *memProfile); err != nil {
			fmt.Fprintf(os.Stderr, "write heap profile: %v\n", err)
		}
	}
}

// bounceAllocator satisfies descpool.Allocator against a real
// shmmap.Mapper, so the receive descriptor pool grows into genuine shared
// segments rather than plain Go slices.
type bounceAllocator struct {
	mapper shmmap.Mapper
}

func (a bounceAllocator) Allocate(size uint32) (buf []byte, segID uint64, offset uint64, err error) {
	seg, err := a.mapper.Allocate(uintptr(size), shmmap.HugeTLBNo)
	if err != nil {
		return nil, 0, 0, err
	}
	return seg.Bytes(), uint64(seg.ID()), 0, nil
}

func run(count, payloadSize int) error {
	mapper := shmmap.NewPosixMapper()
	cfg := config.Default()
	pool := descpool.New(bounceAllocator{mapper: mapper}, cfg.SegSize, 0, 1<<32)
	arb := arbiter.New()

	var received int
	handler := func(amID uint8, payload []byte, inline bool, desc *descpool.Desc) (retain bool) {
		received++
		return false
	}

	ifc, err := iface.New(cfg.Iface(0), mapper, pool, arb, iface.Handler(handler))
	if err != nil {
		return fmt.Errorf("construct interface: %w", err)
	}
	defer ifc.Close()

	signalAddr, err := ifc.SignalAddr()
	if err != nil {
		return fmt.Errorf("signal address: %w", err)
	}

	mem := ep.NewByteSliceMemory(make([]byte, 4096))
	endpoint := ep.New(1, ifc.Fifo(), ifc.Ctl(), signalAddr, arb, mem, cfg.FIFOElemSize)

	if payloadSize > int(endpoint.MaxShort()) {
		return fmt.Errorf("payload %d exceeds max_short %d", payloadSize, endpoint.MaxShort())
	}
	payload := make([]byte, payloadSize)

	start := time.Now()
	attempted := 0
	for attempted < count {
		binary.LittleEndian.PutUint32(payload, uint32(attempted))
		if err := endpoint.AmShort(1, payload); err != nil {
			// am_short queues itself on the arbiter when the FIFO is full;
			// this message is still guaranteed exactly one eventual
			// delivery, so it still counts as attempted. Progress drains
			// both new arrivals and the arbiter's backlog.
			ifc.Progress()
		}
		attempted++
	}
	for received < attempted {
		ifc.Progress()
	}
	elapsed := time.Since(start)

	fmt.Printf("sent=%d received=%d elapsed=%s avg_latency=%s\n",
		attempted, received, elapsed, elapsed/time.Duration(attempted))
	return nil
}
