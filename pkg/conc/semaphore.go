package conc

import (
	"kernos/pkg/collections"
)

// semaphoreQueueCapacity bounds the waiter FIFO. Overflow is a
// programming error: more than 16 processes must never block on one
// semaphore.
const semaphoreQueueCapacity = 16

// Semaphore is a counting semaphore. The critical section can be open
// to several processes at once.
//
// On Unlock, a queued waiter is granted the permit directly instead of
// incrementing the counter, so a racing TryLock cannot steal the permit
// from the process being woken.
type Semaphore struct {
	lock  Spinlock
	value uint64
	queue *collections.Ring[Pid]
	sched Scheduler
}

// NewSemaphore creates a semaphore with the given initial value.
func NewSemaphore(sched Scheduler, value uint64) *Semaphore {
	s := &Semaphore{sched: sched}
	s.Init(value)
	return s
}

// Init sets the initial value of the counter.
func (s *Semaphore) Init(value uint64) {
	s.value = value
	s.queue = collections.NewRing[Pid](semaphoreQueueCapacity)
}

// Lock acquires the semaphore, blocking the calling process until a
// permit is available.
func (s *Semaphore) Lock() {
	s.lock.Lock()

	if s.value > 0 {
		s.value--
		s.lock.Unlock()
		return
	}

	pid := s.sched.GetPid()
	if !s.queue.Push(pid) {
		panic("conc: semaphore waiter queue overflow")
	}

	s.sched.BlockProcessLight(pid)
	s.lock.Unlock()
	s.sched.Reschedule()
}

// TryLock attempts to acquire the semaphore without blocking.
func (s *Semaphore) TryLock() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.value > 0 {
		s.value--
		return true
	}
	return false
}

// Unlock releases one permit. If a process is waiting, the permit is
// handed to it directly and the counter stays untouched.
func (s *Semaphore) Unlock() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if pid, ok := s.queue.Pop(); ok {
		// The woken process does not decrement the counter.
		s.sched.UnblockProcess(pid)
	} else {
		s.value++
	}
}

// IRQUnlock releases one permit from an interrupt handler, waking the
// waiter with the deferred hint. The caller must guarantee the
// interrupted context does not hold this semaphore's internal lock.
func (s *Semaphore) IRQUnlock() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if pid, ok := s.queue.Pop(); ok {
		s.sched.UnblockProcessHint(pid)
	} else {
		s.value++
	}
}

// Release releases n permits, waking up to n waiting processes.
func (s *Semaphore) Release(n uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for n > 0 {
		pid, ok := s.queue.Pop()
		if !ok {
			break
		}
		s.sched.UnblockProcess(pid)
		n--
	}
	s.value += n
}

// IRQRelease releases n permits from an interrupt handler. The same
// precondition as IRQUnlock applies.
func (s *Semaphore) IRQRelease(n uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for n > 0 {
		pid, ok := s.queue.Pop()
		if !ok {
			break
		}
		s.sched.UnblockProcessHint(pid)
		n--
	}
	s.value += n
}
