package handler

import "errors"

// Sentinel errors let callers route transient-vs-fatal-vs-protocol
// failures with errors.Is, per the taxonomy in SPEC_FULL.md §7.
var (
	// ErrWouldBlock wraps EAGAIN/EWOULDBLOCK/ETIMEDOUT: try again once the
	// multiplexer re-signals readiness.
	ErrWouldBlock = errors.New("handler: would block")
	// ErrClosed is returned by operations attempted on a destroyed handler.
	ErrClosed = errors.New("handler: closed")
	// ErrInvalidFrame marks a first-frame or UDP packet that failed to
	// parse or authenticate.
	ErrInvalidFrame = errors.New("handler: invalid frame")
	// ErrConfigMissing marks a fatal startup-time configuration error,
	// such as a local-role TCPHandler constructed without a destination.
	ErrConfigMissing = errors.New("handler: missing configuration")
)
