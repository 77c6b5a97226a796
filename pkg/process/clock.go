package process

import (
	"time"
)

// SystemClock implements conc.Clock as a monotonic millisecond counter
// starting at the moment the clock is created.
type SystemClock struct {
	epoch time.Time
}

// NewSystemClock creates a clock whose counter starts now.
func NewSystemClock() *SystemClock {
	return &SystemClock{epoch: time.Now()}
}

// Milliseconds returns the milliseconds elapsed since the epoch.
func (c *SystemClock) Milliseconds() uint64 {
	return uint64(time.Since(c.epoch) / time.Millisecond)
}
