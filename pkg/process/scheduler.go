package process

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kernos/pkg/conc"
)

// proc tracks the blocking state of one kernel process.
type proc struct {
	wake     chan struct{}
	blocked  bool
	deadline time.Time
	timed    bool
}

// KernelScheduler implements conc.Scheduler over goroutines. A process
// marked blocked stays runnable until it calls Reschedule, matching the
// block-light discipline the semaphore and condition variable rely on.
type KernelScheduler struct {
	mu      sync.Mutex
	procs   map[conc.Pid]*proc
	byGoid  map[uint64]conc.Pid
	nextPid conc.Pid
}

// NewKernelScheduler creates an empty scheduler.
func NewKernelScheduler() *KernelScheduler {
	return &KernelScheduler{
		procs:  make(map[conc.Pid]*proc),
		byGoid: make(map[uint64]conc.Pid),
	}
}

// Spawn runs fn as a new kernel process and returns its pid.
func (s *KernelScheduler) Spawn(fn func()) conc.Pid {
	ready := make(chan conc.Pid, 1)
	go func() {
		pid := s.attach()
		ready <- pid
		defer s.detach(pid)
		fn()
	}()
	return <-ready
}

// GetPid returns the pid of the calling process. A goroutine not yet
// known to the scheduler is attached on first use, so test code can
// call into blocking stack operations directly.
func (s *KernelScheduler) GetPid() conc.Pid {
	g := goid()

	s.mu.Lock()
	if pid, ok := s.byGoid[g]; ok {
		s.mu.Unlock()
		return pid
	}
	s.mu.Unlock()

	return s.attach()
}

// BlockProcessLight marks the process blocked. The process keeps
// running until it calls Reschedule.
func (s *KernelScheduler) BlockProcessLight(pid conc.Pid) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[pid]
	if !ok {
		return
	}
	p.blocked = true
	p.timed = false
	drain(p.wake)
}

// BlockProcessTimeout marks the process blocked with a wake deadline of
// ms milliseconds from now.
func (s *KernelScheduler) BlockProcessTimeout(pid conc.Pid, ms uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[pid]
	if !ok {
		return
	}
	p.blocked = true
	p.timed = true
	p.deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	drain(p.wake)
}

// UnblockProcess wakes a blocked process.
func (s *KernelScheduler) UnblockProcess(pid conc.Pid) {
	s.signal(pid)
}

// UnblockProcessHint wakes a blocked process from interrupt context.
// The wake is deferred: the waker never yields.
func (s *KernelScheduler) UnblockProcessHint(pid conc.Pid) {
	s.signal(pid)
}

// Reschedule parks the calling process while it is marked blocked.
func (s *KernelScheduler) Reschedule() {
	pid := s.GetPid()

	s.mu.Lock()
	p, ok := s.procs[pid]
	if !ok || !p.blocked {
		s.mu.Unlock()
		return
	}
	timed := p.timed
	deadline := p.deadline
	s.mu.Unlock()

	if timed {
		wait := time.Until(deadline)
		if wait > 0 {
			select {
			case <-p.wake:
			case <-time.After(wait):
			}
		} else {
			select {
			case <-p.wake:
			default:
			}
		}
	} else {
		<-p.wake
	}

	s.mu.Lock()
	p.blocked = false
	p.timed = false
	s.mu.Unlock()
}

func (s *KernelScheduler) attach() conc.Pid {
	g := goid()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPid++
	pid := s.nextPid
	s.procs[pid] = &proc{wake: make(chan struct{}, 1)}
	s.byGoid[g] = pid

	log.Tracef("process: attached pid %d", pid)

	return pid
}

func (s *KernelScheduler) detach(pid conc.Pid) {
	g := goid()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.procs, pid)
	delete(s.byGoid, g)
}

func (s *KernelScheduler) signal(pid conc.Pid) {
	s.mu.Lock()
	p, ok := s.procs[pid]
	if ok {
		p.blocked = false
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func drain(wake chan struct{}) {
	select {
	case <-wake:
	default:
	}
}

// goid extracts the runtime id of the calling goroutine from its stack
// header ("goroutine N [running]:").
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
