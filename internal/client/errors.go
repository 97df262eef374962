package client

import "errors"

// Sentinel errors surfaced at the client's public API boundary (spec.md
// §7).
var (
	// ErrNotConnected is returned when a request is issued while the
	// socket is unavailable (never connected yet, or mid-reconnect).
	ErrNotConnected = errors.New("client: not connected")

	// ErrTimeout is returned when a synchronous waiter does not receive
	// its reply within the caller's deadline.
	ErrTimeout = errors.New("client: request timed out")

	// ErrTerminal is returned once the connection has hit a fatal
	// condition (version mismatch, crypto failure) and given up
	// reconnecting.
	ErrTerminal = errors.New("client: connection terminated")

	// ErrBusy is returned when a caller issues a second concurrent
	// request of a class (READ, TICKET, or an enumeration kind) that
	// already has one in flight; spec.md §4.5 states only one
	// outstanding request per class is supported.
	ErrBusy = errors.New("client: a request of this class is already in flight")

	// ErrNoWaiter reports that no single-shot mirror delivery is pending.
	// No function in this package returns it: WaitEvent blocks until a
	// delivery is pending and returns ErrTimeout if ctx ends first.
	ErrNoWaiter = errors.New("client: no event ready")
)
