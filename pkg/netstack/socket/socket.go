// Package socket provides the socket record the transports attach
// connections to: the descriptor, the table of prepared outgoing
// packets, and the listen queue blocked readers wait on.
package socket

import (
	log "github.com/sirupsen/logrus"

	"kernos/pkg/collections"
	"kernos/pkg/conc"
	"kernos/pkg/netstack/packet"
)

// Domain is the socket address family.
type Domain uint8

// Socket domains.
const (
	DomainInet Domain = iota
)

// Type is the socket transport type.
type Type uint8

// Socket types.
const (
	TypeStream Type = iota
	TypeDgram
	TypeRaw
)

// Protocol selects the transport protocol of a socket.
type Protocol uint8

// Socket protocols.
const (
	ProtocolICMP Protocol = iota
	ProtocolTCP
	ProtocolUDP
	ProtocolRaw
)

// InvalidID marks an invalidated socket.
const InvalidID = ^uint64(0)

// ListenQueueCapacity bounds the queue of packets awaiting read.
const ListenQueueCapacity = 32

// Socket is a network socket. The listen queue's condition variable is
// notified exactly when a packet is enqueued; a blocked reader resumes
// only when a packet is present or its timeout fired.
type Socket struct {
	ID       uint64
	Domain   Domain
	Type     Type
	Protocol Protocol

	// Listen indicates the socket is accepting packets from the
	// decode paths. Guarded by the listen queue lock.
	listen bool

	// ConnData points at the transport-specific connection record.
	// The socket's type determines the record shape; the owning
	// transport holds the only cast site.
	ConnData any

	nextFD  uint64
	packets []*packet.Buffer

	lock          conc.Spinlock
	listenPackets *collections.Ring[*packet.Buffer]
	listenQueue   *conc.Cond
}

// New creates a socket.
func New(id uint64, domain Domain, typ Type, protocol Protocol, sched conc.Scheduler) *Socket {
	return &Socket{
		ID:            id,
		Domain:        domain,
		Type:          typ,
		Protocol:      protocol,
		listenPackets: collections.NewRing[*packet.Buffer](ListenQueueCapacity),
		listenQueue:   conc.NewCond(sched),
	}
}

// Invalidate marks the socket id as all-ones.
func (s *Socket) Invalidate() {
	s.ID = InvalidID
}

// IsValid indicates if the socket is valid.
func (s *Socket) IsValid() bool {
	return s.ID != InvalidID
}

// SetListen switches packet acceptance on or off.
func (s *Socket) SetListen(v bool) {
	s.lock.Lock()
	s.listen = v
	s.lock.Unlock()
}

// Listening indicates if the socket accepts packets.
func (s *Socket) Listening() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.listen
}

// RegisterPacket assigns the next descriptor to a prepared packet,
// stores it, and returns the descriptor.
func (s *Socket) RegisterPacket(p *packet.Buffer) uint64 {
	fd := s.nextFD
	s.nextFD++

	p.FD = fd
	s.packets = append(s.packets, p)

	return fd
}

// HasPacket indicates if a prepared packet with the given descriptor
// is registered.
func (s *Socket) HasPacket(fd uint64) bool {
	for _, p := range s.packets {
		if p.FD == fd {
			return true
		}
	}
	return false
}

// GetPacket returns the prepared packet with the given descriptor.
func (s *Socket) GetPacket(fd uint64) (*packet.Buffer, bool) {
	for _, p := range s.packets {
		if p.FD == fd {
			return p, true
		}
	}
	return nil, false
}

// ErasePacket removes the prepared packet with the given descriptor,
// destroying it.
func (s *Socket) ErasePacket(fd uint64) {
	for i, p := range s.packets {
		if p.FD == fd {
			s.packets = append(s.packets[:i], s.packets[i+1:]...)
			p.Release()
			return
		}
	}
}

// DeliverListen enqueues an arrived packet and notifies the reader.
// Called by the decode paths; never blocks. A full queue drops the
// packet.
func (s *Socket) DeliverListen(p *packet.Buffer) bool {
	s.lock.Lock()
	ok := s.listenPackets.Push(p)
	s.lock.Unlock()

	if !ok {
		log.Debugf("socket %d: listen queue full, dropping packet", s.ID)
		return false
	}

	s.listenQueue.NotifyOne()
	return true
}

// PopListen dequeues the oldest arrived packet.
func (s *Socket) PopListen() (*packet.Buffer, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.listenPackets.Pop()
}

// ListenEmpty indicates if no packet awaits read.
func (s *Socket) ListenEmpty() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.listenPackets.Empty()
}

// WaitPacket blocks the caller until a packet arrival is signalled.
func (s *Socket) WaitPacket() {
	s.listenQueue.Wait()
}

// WaitPacketFor blocks the caller until a packet arrival is signalled
// or ms milliseconds elapsed. It returns false on timeout.
func (s *Socket) WaitPacketFor(ms uint64) bool {
	return s.listenQueue.WaitFor(ms)
}
