// Package driver provides the in-memory network driver used by tests
// and the demo: transmitted frames land on a buffered channel, ingress
// frames are injected by the harness.
package driver

import (
	"github.com/pkg/errors"
)

// Channel is a netstack.Driver capturing outbound frames.
type Channel struct {
	// C receives every transmitted frame.
	C chan []byte

	down bool
}

// NewChannel creates a channel driver buffering up to size outbound
// frames.
func NewChannel(size int) *Channel {
	return &Channel{C: make(chan []byte, size)}
}

// Transmit captures a finalized frame. The frame is copied; the stack
// may reuse the buffer.
func (c *Channel) Transmit(frame []byte) error {
	if c.down {
		return errors.New("driver: link down")
	}

	out := make([]byte, len(frame))
	copy(out, frame)

	select {
	case c.C <- out:
		return nil
	default:
		return errors.New("driver: transmit queue full")
	}
}

// SetDown simulates a dead link: every Transmit fails.
func (c *Channel) SetDown(down bool) {
	c.down = down
}
