package transport

import "errors"

var (
	// ErrClosed is returned by queue operations after the transport has been
	// shut down. A transport instance is never restarted.
	ErrClosed = errors.New("transport: closed")

	// ErrOversizeFrame is returned when a frame larger than voippkt.MTUMax is
	// handed to a transport. Oversize frames are rejected before they can
	// reach the wire, never silently sent.
	ErrOversizeFrame = errors.New("transport: frame exceeds MTU")
)
