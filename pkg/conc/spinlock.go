package conc

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a non-blocking interrupt-safe lock. Holders must not
// block while the lock is held.
type Spinlock struct {
	held atomic.Bool
}

// Lock spins until the lock is acquired.
func (s *Spinlock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without spinning.
func (s *Spinlock) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

// Unlock releases the lock.
func (s *Spinlock) Unlock() {
	s.held.Store(false)
}
