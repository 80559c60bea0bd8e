// Package signal implements the cross-process wake-up channel a FIFO
// receiver arms when it has no more work to poll: a non-blocking
// AF_UNIX SOCK_DGRAM socket, auto-bound to a kernel-assigned abstract
// address, over which a producer sends a zero-length datagram to wake a
// sleeping consumer.
//
// Rewritten from an epoll/eventfd wake-up mechanism onto a datagram
// socket, since the wire format this module's peers publish to each
// other (ctl.Block.SignalAddr) is a socket address rather than an fd
// number. Every syscall goes through golang.org/x/sys/unix rather than
// raw trap numbers.
package signal

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ardnew/shmx/pkg"
)

// Socket is a non-blocking AF_UNIX+SOCK_DGRAM endpoint used for edge-
// triggered wake-up notifications.
type Socket struct {
	fd int
}

// Listen creates and auto-binds a new signal socket. The kernel assigns
// an abstract address (Linux extension: a sun_path starting with a NUL
// byte, with no filesystem presence to clean up).
func Listen() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: ""}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}

	return &Socket{fd: fd}, nil
}

// Addr returns the kernel-assigned address this socket is bound to, in
// the wire form ctl.Block.SetSignalAddr expects: the abstract name with
// its leading NUL sun_path byte written as '@', which Sendto maps back
// to NUL when Notify sends to it.
func (s *Socket) Addr() ([]byte, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	addr, ok := sa.(*unix.SockaddrUnix)
	if !ok {
		return nil, fmt.Errorf("getsockname: unexpected sockaddr type %T", sa)
	}
	return []byte(addr.Name), nil
}

// Close releases the socket's file descriptor.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// Notify sends a single zero-length datagram to addr to wake whatever is
// blocked waiting on it. This is edge-triggered: called only by the
// producer that just observed EventArmed set, and only once per such
// observation — a clear-bit observer must never call this, or an armed
// consumer could receive a spurious extra wake-up for work it already
// drained.
func Notify(addr []byte) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(fd)

	sa := &unix.SockaddrUnix{Name: string(addr)}
	if err := unix.Sendto(fd, nil, 0, sa); err != nil {
		return fmt.Errorf("sendto: %w", err)
	}
	return nil
}

// Drain performs a single non-blocking receive, consuming at most one
// pending wake-up datagram. Returns false if nothing was pending. Used
// by the arm protocol's last step to avoid leaving a stale wake-up
// queued from before the arm sequence began.
func (s *Socket) Drain() (bool, error) {
	buf := make([]byte, 1)
	_, _, err := unix.Recvfrom(s.fd, buf, unix.MSG_DONTWAIT)
	if err == nil {
		return true, nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return false, nil
	}
	if err == unix.ECONNRESET {
		return false, fmt.Errorf("recvfrom: %w: %w", err, pkg.ErrConnectionReset)
	}
	return false, fmt.Errorf("recvfrom: %w: %w", err, pkg.ErrIOError)
}

// FD returns the underlying file descriptor, for integration with an
// external event loop (e.g. epoll) that wants to block on more than one
// signal socket at a time.
func (s *Socket) FD() int { return s.fd }
