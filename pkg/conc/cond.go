package conc

import (
	"kernos/pkg/collections"
)

// condQueueCapacity bounds the waiter FIFO of a condition variable.
const condQueueCapacity = 16

// Cond is a condition variable. NotifyOne is a no-op when no process
// waits; there are no spurious wakes beyond those caused by timeout.
type Cond struct {
	lock  Spinlock
	queue *collections.Ring[Pid]
	sched Scheduler
}

// NewCond creates a condition variable over the given scheduler.
func NewCond(sched Scheduler) *Cond {
	return &Cond{
		queue: collections.NewRing[Pid](condQueueCapacity),
		sched: sched,
	}
}

// Wait blocks the calling process until notified.
func (c *Cond) Wait() {
	pid := c.sched.GetPid()

	c.lock.Lock()
	if !c.queue.Push(pid) {
		panic("conc: condition variable waiter queue overflow")
	}
	c.sched.BlockProcessLight(pid)
	c.lock.Unlock()

	c.sched.Reschedule()
}

// WaitFor blocks the calling process until notified or until ms
// milliseconds elapsed. It returns false on timeout.
func (c *Cond) WaitFor(ms uint64) bool {
	pid := c.sched.GetPid()

	c.lock.Lock()
	if !c.queue.Push(pid) {
		panic("conc: condition variable waiter queue overflow")
	}
	c.sched.BlockProcessTimeout(pid, ms)
	c.lock.Unlock()

	c.sched.Reschedule()

	// A notifier removes the pid from the queue before waking it; if
	// the pid is still queued, the timer fired first.
	c.lock.Lock()
	defer c.lock.Unlock()
	timedOut := c.queue.Remove(func(p Pid) bool { return p == pid })
	return !timedOut
}

// NotifyOne wakes the oldest waiting process, if any.
func (c *Cond) NotifyOne() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if pid, ok := c.queue.Pop(); ok {
		c.sched.UnblockProcessHint(pid)
	}
}

// NotifyAll wakes every waiting process.
func (c *Cond) NotifyAll() {
	c.lock.Lock()
	defer c.lock.Unlock()

	for {
		pid, ok := c.queue.Pop()
		if !ok {
			return
		}
		c.sched.UnblockProcessHint(pid)
	}
}
