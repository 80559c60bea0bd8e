// Package config parses the recognized configuration options (spec.md
// §6.2) out of an INI-style document, the same way samsamfire-gocanopen's
// pkg/od parser reads a UCX-shaped KEY=VALUE option table with
// gopkg.in/ini.v1 instead of hand-rolling a line-oriented scanner.
package config

import (
	"fmt"
	"io"

	"gopkg.in/ini.v1"

	"github.com/ardnew/shmx/elem"
	"github.com/ardnew/shmx/iface"
	"github.com/ardnew/shmx/pkg"
	"github.com/ardnew/shmx/shmmap"
)

// HugeTLBMode mirrors the §6.2 FIFO_HUGETLB ternary; shmmap.HugeTLBPolicy
// is the same three values, kept distinct here only so config's string
// parsing doesn't leak shmmap's enum into the INI vocabulary.
type HugeTLBMode string

// Recognized FIFO_HUGETLB values.
const (
	HugeTLBTry HugeTLBMode = "try"
	HugeTLBYes HugeTLBMode = "yes"
	HugeTLBNo  HugeTLBMode = "no"
)

// Policy converts m to the shmmap enum Allocate expects.
func (m HugeTLBMode) Policy() shmmap.HugeTLBPolicy {
	switch m {
	case HugeTLBYes:
		return shmmap.HugeTLBYes
	case HugeTLBTry:
		return shmmap.HugeTLBTry
	default:
		return shmmap.HugeTLBNo
	}
}

// Config mirrors the §6.2 option table 1:1.
type Config struct {
	FIFOSize          uint64
	FIFOElemSize      uint32
	SegSize           uint32
	ReleaseFactor     float64
	FIFOMaxPoll       uint32
	Hugetlb           HugeTLBMode
	ErrorHandling     bool
	SendOverheadShort float64 // seconds
	SendOverheadBcopy float64 // seconds
	RecvOverheadShort float64 // seconds
	RecvOverheadBcopy float64 // seconds
	Bandwidth         float64 // bytes/sec
}

// Default returns the §6.2 table's defaults.
func Default() Config {
	return Config{
		FIFOSize:          256,
		FIFOElemSize:      128,
		SegSize:           8256,
		ReleaseFactor:     0.5,
		FIFOMaxPoll:       16,
		Hugetlb:           HugeTLBTry,
		ErrorHandling:     false,
		SendOverheadShort: 10e-9,
		SendOverheadBcopy: 10e-9,
		RecvOverheadShort: 10e-9,
		RecvOverheadBcopy: 10e-9,
		Bandwidth:         15360 * 1024 * 1024,
	}
}

// Load parses an INI document from r into a Config seeded with Default(),
// overriding only the keys present under the [transport] section. A
// missing section is not an error: Load(strings.NewReader("")) returns
// Default() unchanged.
func Load(r io.Reader) (Config, error) {
	cfg := Default()

	doc, err := ini.Load(r)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	sec := doc.Section("transport")

	if k := sec.Key("FIFO_SIZE"); k.String() != "" {
		v, err := k.Uint64()
		if err != nil {
			return Config{}, fmt.Errorf("FIFO_SIZE: %w", err)
		}
		cfg.FIFOSize = v
	}
	if k := sec.Key("FIFO_ELEM_SIZE"); k.String() != "" {
		v, err := k.Uint()
		if err != nil {
			return Config{}, fmt.Errorf("FIFO_ELEM_SIZE: %w", err)
		}
		cfg.FIFOElemSize = uint32(v)
	}
	if k := sec.Key("SEG_SIZE"); k.String() != "" {
		v, err := k.Uint()
		if err != nil {
			return Config{}, fmt.Errorf("SEG_SIZE: %w", err)
		}
		cfg.SegSize = uint32(v)
	}
	if k := sec.Key("FIFO_RELEASE_FACTOR"); k.String() != "" {
		v, err := k.Float64()
		if err != nil {
			return Config{}, fmt.Errorf("FIFO_RELEASE_FACTOR: %w", err)
		}
		cfg.ReleaseFactor = v
	}
	if k := sec.Key("FIFO_MAX_POLL"); k.String() != "" {
		v, err := k.Uint()
		if err != nil {
			return Config{}, fmt.Errorf("FIFO_MAX_POLL: %w", err)
		}
		cfg.FIFOMaxPoll = uint32(v)
	}
	if k := sec.Key("FIFO_HUGETLB"); k.String() != "" {
		switch HugeTLBMode(k.String()) {
		case HugeTLBTry, HugeTLBYes, HugeTLBNo:
			cfg.Hugetlb = HugeTLBMode(k.String())
		default:
			return Config{}, fmt.Errorf("FIFO_HUGETLB: %q: %w", k.String(), pkg.ErrInvalidParameter)
		}
	}
	if k := sec.Key("ERROR_HANDLING"); k.String() != "" {
		v, err := k.Bool()
		if err != nil {
			return Config{}, fmt.Errorf("ERROR_HANDLING: %w", err)
		}
		cfg.ErrorHandling = v
	}
	if k := sec.Key("SEND_OVERHEAD.am_short"); k.String() != "" {
		v, err := k.Float64()
		if err != nil {
			return Config{}, fmt.Errorf("SEND_OVERHEAD.am_short: %w", err)
		}
		cfg.SendOverheadShort = v
	}
	if k := sec.Key("SEND_OVERHEAD.am_bcopy"); k.String() != "" {
		v, err := k.Float64()
		if err != nil {
			return Config{}, fmt.Errorf("SEND_OVERHEAD.am_bcopy: %w", err)
		}
		cfg.SendOverheadBcopy = v
	}
	if k := sec.Key("RECV_OVERHEAD.am_short"); k.String() != "" {
		v, err := k.Float64()
		if err != nil {
			return Config{}, fmt.Errorf("RECV_OVERHEAD.am_short: %w", err)
		}
		cfg.RecvOverheadShort = v
	}
	if k := sec.Key("RECV_OVERHEAD.am_bcopy"); k.String() != "" {
		v, err := k.Float64()
		if err != nil {
			return Config{}, fmt.Errorf("RECV_OVERHEAD.am_bcopy: %w", err)
		}
		cfg.RecvOverheadBcopy = v
	}
	if k := sec.Key("BW"); k.String() != "" {
		v, err := k.Float64()
		if err != nil {
			return Config{}, fmt.Errorf("BW: %w", err)
		}
		cfg.Bandwidth = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	pkg.LogInfo(pkg.ComponentConfig, "configuration loaded",
		"fifo_size", cfg.FIFOSize, "fifo_elem_size", cfg.FIFOElemSize, "seg_size", cfg.SegSize)

	return cfg, nil
}

// Validate checks the §3 invariants this configuration must satisfy
// before it is handed to iface.New, which re-validates the same
// conditions on its own — a bad file fails like a bad struct literal,
// with the same error kind (pkg.ErrInvalidParameter).
func (c Config) Validate() error {
	if c.FIFOSize < 2 || c.FIFOSize&(c.FIFOSize-1) != 0 {
		return fmt.Errorf("fifo size %d: %w", c.FIFOSize, pkg.ErrInvalidParameter)
	}
	if c.FIFOElemSize <= elem.HeaderSize {
		return fmt.Errorf("fifo elem size %d must exceed header size %d: %w", c.FIFOElemSize, elem.HeaderSize, pkg.ErrInvalidParameter)
	}
	if c.ReleaseFactor < 0 || c.ReleaseFactor >= 1 {
		return fmt.Errorf("release factor %f out of [0,1): %w", c.ReleaseFactor, pkg.ErrInvalidParameter)
	}
	switch c.Hugetlb {
	case HugeTLBTry, HugeTLBYes, HugeTLBNo:
	default:
		return fmt.Errorf("hugetlb mode %q: %w", c.Hugetlb, pkg.ErrInvalidParameter)
	}
	return nil
}

// Iface converts c into the iface.Config shape iface.New expects, the
// piece of this package's job that isn't just parsing: the §6.2 table's
// flat option names fan out into the construction-time struct per
// component.
func (c Config) Iface(rxHeadroom uint32) iface.Config {
	return iface.Config{
		FIFOSize:             c.FIFOSize,
		FIFOElemSize:         c.FIFOElemSize,
		SegSize:              c.SegSize,
		ReleaseFactor:        c.ReleaseFactor,
		MaxPoll:              c.FIFOMaxPoll,
		RXHeadroom:           rxHeadroom,
		Hugetlb:              c.Hugetlb.Policy(),
		ErrorHandling:        c.ErrorHandling,
		SendOverheadShort:    c.SendOverheadShort,
		SendOverheadBcopy:    c.SendOverheadBcopy,
		RecvOverheadShort:    c.RecvOverheadShort,
		RecvOverheadBcopy:    c.RecvOverheadBcopy,
		BandwidthBytesPerSec: c.Bandwidth,
	}
}
