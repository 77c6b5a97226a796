package socket_test

import (
	"testing"
	"time"

	"kernos/pkg/netstack/packet"
	"kernos/pkg/netstack/socket"
	"kernos/pkg/process"
)

func newSocket() *socket.Socket {
	sched := process.NewKernelScheduler()
	return socket.New(1, socket.DomainInet, socket.TypeDgram, socket.ProtocolUDP, sched)
}

func TestPacketDescriptors(t *testing.T) {
	s := newSocket()

	p1 := packet.New(8, false)
	p2 := packet.New(8, false)

	fd1 := s.RegisterPacket(p1)
	fd2 := s.RegisterPacket(p2)

	if fd2 != fd1+1 {
		t.Errorf("descriptors = %d, %d, want consecutive", fd1, fd2)
	}
	if !s.HasPacket(fd1) || !s.HasPacket(fd2) {
		t.Fatal("registered packets not found")
	}

	got, ok := s.GetPacket(fd2)
	if !ok || got != p2 {
		t.Error("GetPacket returned the wrong packet")
	}

	s.ErasePacket(fd1)
	if s.HasPacket(fd1) {
		t.Error("erased packet still present")
	}
	if !s.HasPacket(fd2) {
		t.Error("unrelated packet erased")
	}
}

func TestInvalidate(t *testing.T) {
	s := newSocket()

	if !s.IsValid() {
		t.Fatal("fresh socket invalid")
	}
	s.Invalidate()
	if s.IsValid() {
		t.Error("socket valid after Invalidate")
	}
}

func TestListenQueueOrder(t *testing.T) {
	s := newSocket()

	var pkts []*packet.Buffer
	for i := 0; i < 3; i++ {
		p := packet.New(4, false)
		p.Payload[0] = byte(i)
		pkts = append(pkts, p)
		if !s.DeliverListen(p) {
			t.Fatalf("DeliverListen %d failed", i)
		}
	}

	for i := 0; i < 3; i++ {
		p, ok := s.PopListen()
		if !ok || p != pkts[i] {
			t.Fatalf("PopListen %d out of order", i)
		}
	}
}

func TestListenQueueCapacity(t *testing.T) {
	s := newSocket()

	for i := 0; i < socket.ListenQueueCapacity; i++ {
		if !s.DeliverListen(packet.New(1, false)) {
			t.Fatalf("DeliverListen %d failed below capacity", i)
		}
	}
	if s.DeliverListen(packet.New(1, false)) {
		t.Error("DeliverListen succeeded on a full queue")
	}
}

func TestDeliverWakesWaiter(t *testing.T) {
	sched := process.NewKernelScheduler()
	s := socket.New(1, socket.DomainInet, socket.TypeDgram, socket.ProtocolUDP, sched)

	got := make(chan bool, 1)
	sched.Spawn(func() {
		got <- s.WaitPacketFor(5000)
	})

	time.Sleep(20 * time.Millisecond)
	s.DeliverListen(packet.New(1, false))

	select {
	case ok := <-got:
		if !ok {
			t.Error("WaitPacketFor = false, want true after delivery")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}
