// Package shmmap allocates and attaches the POSIX shared-memory segments
// that back a FIFO: the control block, element array, and receive-
// descriptor buffers all live in memory obtained through a Mapper.
//
// Grounded on an mmap-backed shared ring buffer pattern (anonymous,
// file-descriptor-backed shared memory, mapped MAP_SHARED), rewritten
// against golang.org/x/sys/unix instead of raw syscall wrappers so flag
// constants and error values come from a maintained source.
package shmmap

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ardnew/shmx/pkg"
)

// SegmentID identifies a segment for cross-process attachment. Under
// PosixMapper this is the memfd's inode number, stable for the process
// group sharing the FIFO.
type SegmentID uint64

// HugeTLBPolicy controls whether a segment is backed by huge pages.
type HugeTLBPolicy int

const (
	// HugeTLBNo never requests huge pages.
	HugeTLBNo HugeTLBPolicy = iota
	// HugeTLBTry requests huge pages but falls back silently to regular
	// pages if the kernel cannot satisfy the request.
	HugeTLBTry
	// HugeTLBYes requires huge pages; allocation fails if unavailable.
	HugeTLBYes
)

// Mapper allocates new segments and attaches to segments a peer created.
// The memory-domain allocator this interface stands in for is, in the
// system this module belongs to, an external collaborator behind a
// pluggable transport registry; on a single host that collaborator
// reduces to PosixMapper below.
type Mapper interface {
	Allocate(size uintptr, hugetlb HugeTLBPolicy) (Segment, error)
	Attach(id SegmentID) (Segment, error)
	// Query reports whether this mapper attaches segments through a
	// file descriptor a peer can independently re-open (as opposed to,
	// say, a pointer valid only in the allocating process). Callers use
	// this to decide whether a liveness check on the segment's owner is
	// meaningful.
	Query() (attachesSHMFile bool)
	// AddressSuffix returns the mapper-specific bytes a published
	// interface address appends after its fifo_seg_id (spec.md §6.1): the
	// opaque blob a peer's identical mapper implementation needs, beyond
	// the segment id, to attach seg. Its length is itself the "mapper
	// query" peers consult to know how many suffix bytes follow the id.
	AddressSuffix(seg Segment) []byte
}

// Segment is a mapped region of shared memory.
type Segment interface {
	ID() SegmentID
	Bytes() []byte
	Close() error
}

// PosixMapper implements Mapper using memfd_create and mmap on Linux.
// Every segment it allocates is backed by a file descriptor, so Query
// always reports attachesSHMFile true.
type PosixMapper struct {
	// attached maps a SegmentID to the open fd backing it, so Attach can
	// find a segment this process itself allocated without re-opening
	// /proc. Real cross-process attachment (a peer attaching a segment
	// this process allocated) goes through AttachFD.
	attached map[SegmentID]int
}

// NewPosixMapper constructs a PosixMapper with no segments attached yet.
func NewPosixMapper() *PosixMapper {
	return &PosixMapper{attached: make(map[SegmentID]int)}
}

// Allocate creates a new anonymous, shared-memory segment of size bytes.
func (m *PosixMapper) Allocate(size uintptr, hugetlb HugeTLBPolicy) (Segment, error) {
	flags := uint(0)
	if hugetlb == HugeTLBYes || hugetlb == HugeTLBTry {
		flags |= unix.MFD_HUGETLB
	}

	fd, err := unix.MemfdCreate("shmx", int(flags))
	if err != nil {
		if hugetlb == HugeTLBTry {
			fd, err = unix.MemfdCreate("shmx", 0)
		}
		if err != nil {
			return nil, fmt.Errorf("memfd_create: %w", err)
		}
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		if hugetlb == HugeTLBTry && flags != 0 {
			return m.Allocate(size, HugeTLBNo)
		}
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	seg, err := m.mapFD(fd, int(size))
	if err != nil {
		unix.Close(fd)
		if hugetlb == HugeTLBTry && flags != 0 {
			return m.Allocate(size, HugeTLBNo)
		}
		return nil, err
	}

	m.attached[seg.ID()] = fd
	pkg.LogDebug(pkg.ComponentShmMap, "allocated segment", "id", seg.ID(), "size", size, "hugetlb", hugetlb)
	return seg, nil
}

// Attach opens a segment previously allocated by this process. Genuine
// cross-process attachment, given this module's single-host scope, goes
// through AttachFD with a duplicated or /proc/<pid>/fd-opened descriptor.
func (m *PosixMapper) Attach(id SegmentID) (Segment, error) {
	fd, ok := m.attached[id]
	if !ok {
		return nil, fmt.Errorf("attach segment %d: %w", id, pkg.ErrUnreachable)
	}
	size, err := fdSize(fd)
	if err != nil {
		return nil, fmt.Errorf("attach segment %d: %w", id, err)
	}
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("attach segment %d: dup: %w", id, err)
	}
	return m.mapFD(dup, size)
}

// AttachFD maps a file descriptor a peer passed directly (e.g. over a
// Unix domain socket SCM_RIGHTS message, or by opening this process's
// /proc/<pid>/fd/<n>). The descriptor is consumed: PosixMapper takes
// ownership and closes it when the returned Segment is closed.
func (m *PosixMapper) AttachFD(fd int) (Segment, error) {
	size, err := fdSize(fd)
	if err != nil {
		return nil, fmt.Errorf("attach fd %d: %w", fd, err)
	}
	seg, err := m.mapFD(fd, size)
	if err != nil {
		return nil, err
	}
	m.attached[seg.ID()] = fd
	return seg, nil
}

// Query reports that this mapper always attaches through a real file
// descriptor, so peer-liveness checks (EP_CHECK) are meaningful.
func (m *PosixMapper) Query() (attachesSHMFile bool) { return true }

// AddressSuffix is always empty: PosixMapper attachment happens
// out-of-band, via AttachFD over a descriptor a peer obtained from
// /proc/<pid>/fd or SCM_RIGHTS, not from anything encodable in the
// address itself.
func (m *PosixMapper) AddressSuffix(seg Segment) []byte { return nil }

func (m *PosixMapper) mapFD(fd, size int) (Segment, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("fstat: %w", err)
	}

	return &posixSegment{id: SegmentID(stat.Ino), fd: fd, data: data}, nil
}

func fdSize(fd int) (int, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return 0, err
	}
	return int(stat.Size), nil
}

type posixSegment struct {
	id   SegmentID
	fd   int
	data []byte
}

func (s *posixSegment) ID() SegmentID { return s.id }
func (s *posixSegment) Bytes() []byte { return s.data }

func (s *posixSegment) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return unix.Close(s.fd)
}
