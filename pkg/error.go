package pkg

import "errors"

// Transport error kinds (spec.md §7).
var (
	// ErrInvalidParameter indicates a construction parameter violates an
	// invariant (non-power-of-two FIFO size, release factor out of range,
	// element size too small, multi-threaded worker).
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNoResources indicates the descriptor pool is exhausted or the FIFO
	// is full. The caller is expected to place the send on the pending
	// arbiter and retry on the next progress call.
	ErrNoResources = errors.New("no resources available")

	// ErrBusy indicates an arm attempt failed; the caller must resume
	// polling without sleeping on the event fd.
	ErrBusy = errors.New("resource busy")

	// ErrIOError indicates a signal-socket operation failed with an OS
	// error other than EAGAIN/EINTR.
	ErrIOError = errors.New("io error")

	// ErrConnectionReset indicates the signal socket's peer closed
	// (observed as ECONNRESET from recvfrom; a zero-byte datagram is an
	// ordinary wake-up).
	ErrConnectionReset = errors.New("connection reset")

	// ErrNotSupported indicates an unsupported operation, such as flush
	// with a completion argument.
	ErrNotSupported = errors.New("not supported")

	// ErrAlreadyRunning indicates the interface or endpoint is already
	// initialized.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates an operation was attempted before
	// initialization completed.
	ErrNotRunning = errors.New("not running")

	// ErrUnreachable indicates a peer's segment cannot be attached, or its
	// scope does not match (see iface.IsReachable).
	ErrUnreachable = errors.New("peer unreachable")

	// ErrNoDevice indicates the peer process no longer exists (EP_CHECK).
	ErrNoDevice = errors.New("peer process not present")
)
