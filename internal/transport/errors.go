package transport

import "errors"

// Standard errors returned by the transport.
var (
	// ErrClosed indicates the transport is closing or closed.
	ErrClosed = errors.New("transport closed")

	// ErrBrokenPipe indicates a read or write on the agent's stdio failed
	// mid-stream. It closes the transport.
	ErrBrokenPipe = errors.New("broken pipe")
)
