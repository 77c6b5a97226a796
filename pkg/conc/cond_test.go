package conc_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kernos/pkg/conc"
	"kernos/pkg/process"
)

func TestCondNotifyOne(t *testing.T) {
	sched := process.NewKernelScheduler()
	cond := conc.NewCond(sched)

	var woken atomic.Int32
	var wg sync.WaitGroup

	wg.Add(1)
	sched.Spawn(func() {
		defer wg.Done()
		cond.Wait()
		woken.Add(1)
	})

	time.Sleep(20 * time.Millisecond)
	if woken.Load() != 0 {
		t.Fatal("waiter woke without notification")
	}

	cond.NotifyOne()
	wg.Wait()

	if woken.Load() != 1 {
		t.Fatalf("woken = %d, want 1", woken.Load())
	}
}

func TestCondNotifyOneWithoutWaiters(t *testing.T) {
	sched := process.NewKernelScheduler()
	cond := conc.NewCond(sched)

	// Must be a no-op.
	cond.NotifyOne()
	cond.NotifyAll()
}

func TestCondWaitForTimeout(t *testing.T) {
	sched := process.NewKernelScheduler()
	cond := conc.NewCond(sched)

	done := make(chan bool, 1)
	sched.Spawn(func() {
		done <- cond.WaitFor(30)
	})

	select {
	case got := <-done:
		if got {
			t.Error("WaitFor = true, want false on timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not return after the deadline")
	}
}

func TestCondWaitForNotified(t *testing.T) {
	sched := process.NewKernelScheduler()
	cond := conc.NewCond(sched)

	done := make(chan bool, 1)
	sched.Spawn(func() {
		done <- cond.WaitFor(5000)
	})

	time.Sleep(20 * time.Millisecond)
	cond.NotifyOne()

	select {
	case got := <-done:
		if !got {
			t.Error("WaitFor = false, want true on notification")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not return after notification")
	}
}

func TestCondNotifyAll(t *testing.T) {
	sched := process.NewKernelScheduler()
	cond := conc.NewCond(sched)

	var woken atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		sched.Spawn(func() {
			defer wg.Done()
			cond.Wait()
			woken.Add(1)
		})
	}

	time.Sleep(30 * time.Millisecond)
	cond.NotifyAll()
	wg.Wait()

	if woken.Load() != 4 {
		t.Fatalf("woken = %d, want 4", woken.Load())
	}
}
