// Package pkg provides shared utilities for the shmx transport.
//
// This package contains common functionality used across the fifo, ep,
// iface, signal, descpool and arbiter packages, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error kinds for the transport's data-path and construction
//     failures
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with transport-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentIface, "armed for sleep", "read_index", idx)
//
// # Errors
//
// Error kinds are defined as sentinel values, one per spec.md §7 kind:
//
//	if errors.Is(err, pkg.ErrNoResources) {
//	    // place the send on the pending arbiter and retry next progress
//	}
package pkg
