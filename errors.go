package rstream

import "errors"

var (
	// ErrInvalidArgument marks a submission rejected before it reached
	// the wire (zero length, out-of-bounds region).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransportFailed is the terminal error once the context has
	// observed a data-plane failure; every pending and future handle
	// resolves to it.
	ErrTransportFailed = errors.New("transport failed")

	// ErrCancelled resolves handles that were still pending when the
	// context was destroyed.
	ErrCancelled = errors.New("operation cancelled")

	// ErrQPNotReady marks context creation with a queue pair that has
	// not been brought up to RTS.
	ErrQPNotReady = errors.New("queue pair is not in RTS")
)
