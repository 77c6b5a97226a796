package netstack

import (
	"github.com/pkg/errors"
)

// Errors surfaced to the socket layer. Decoders never return errors
// upward: malformed frames are logged and dropped.
var (
	// ErrNotConnected is returned when an operation requires a
	// connected socket and the connection is absent.
	ErrNotConnected = errors.New("socket not connected")

	// ErrBufferSmall is returned when the caller's read buffer cannot
	// hold the inbound payload. The packet is discarded.
	ErrBufferSmall = errors.New("buffer too small")

	// ErrSocketTimeout is returned when no packet arrived within the
	// requested deadline.
	ErrSocketTimeout = errors.New("socket timeout")

	// ErrTCP is returned when a stream transport operation exhausted
	// its retry budget without an acknowledgement.
	ErrTCP = errors.New("tcp error")

	// ErrNoRoute is returned when the link address of the target
	// cannot be resolved.
	ErrNoRoute = errors.New("no route to host")

	// ErrInterfaceDown is returned when the interface refuses to emit.
	ErrInterfaceDown = errors.New("interface down")
)
