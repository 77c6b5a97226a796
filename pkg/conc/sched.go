package conc

// Pid identifies a process to the scheduler. It is opaque to the
// network stack and only used as a queue token for blocked waiters.
type Pid int64

// Scheduler is the process scheduler collaborator. BlockProcessLight
// marks the process blocked but leaves it runnable until Reschedule;
// UnblockProcessHint is the interrupt-safe deferred wake used by the
// IRQ release variants.
type Scheduler interface {
	GetPid() Pid
	BlockProcessLight(pid Pid)
	// BlockProcessTimeout marks the process blocked with a wake
	// deadline of ms milliseconds, driven by the timer tick.
	BlockProcessTimeout(pid Pid, ms uint64)
	UnblockProcess(pid Pid)
	UnblockProcessHint(pid Pid)
	Reschedule()
}

// Clock is the timer collaborator, a monotonic millisecond counter.
type Clock interface {
	Milliseconds() uint64
}
