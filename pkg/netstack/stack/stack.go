// Package stack assembles the layers into a running network stack:
// it wires the dispatch tables, owns the socket table, and exposes the
// per-transport surface the system-call layer binds to.
package stack

import (
	network "net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"kernos/pkg/conc"
	"kernos/pkg/netstack"
	"kernos/pkg/netstack/dns"
	"kernos/pkg/netstack/ethernet"
	"kernos/pkg/netstack/icmp"
	"kernos/pkg/netstack/ip"
	"kernos/pkg/netstack/packet"
	"kernos/pkg/netstack/socket"
	"kernos/pkg/netstack/tcp"
	"kernos/pkg/netstack/udp"
)

// Stack is an assembled network stack over one interface.
type Stack struct {
	Iface *netstack.Interface

	Link *ethernet.Layer
	ARP  *ethernet.ARPTable
	IP   *ip.Layer
	ICMP *icmp.Layer
	UDP  *udp.Layer
	TCP  *tcp.Layer
	DNS  *dns.Decoder

	sched conc.Scheduler
	clock conc.Clock

	mu         sync.Mutex
	sockets    map[uint64]*socket.Socket
	nextSocket uint64
}

// New builds the layer graph over the given interface and registers
// the ingress dispatchers.
func New(iface *netstack.Interface, sched conc.Scheduler, clock conc.Clock) *Stack {
	arp := ethernet.NewARPTable()
	link := ethernet.NewLayer(arp)
	ipLayer := ip.NewLayer(link)
	icmpLayer := icmp.NewLayer(ipLayer)
	udpLayer := udp.NewLayer(ipLayer, iface)
	tcpLayer := tcp.NewLayer(ipLayer, iface, sched, clock)
	dnsDecoder := dns.NewDecoder()

	udpLayer.SetDNSDecoder(dnsDecoder)

	link.Register(netstack.EtherTypeIPv4, ipLayer.Decode)
	link.Register(netstack.EtherTypeARP, arp.Decode)

	ipLayer.Register(netstack.ProtocolICMP, icmpLayer.Decode)
	ipLayer.Register(netstack.ProtocolUDP, udpLayer.Decode)
	ipLayer.Register(netstack.ProtocolTCP, tcpLayer.Decode)

	return &Stack{
		Iface:   iface,
		Link:    link,
		ARP:     arp,
		IP:      ipLayer,
		ICMP:    icmpLayer,
		UDP:     udpLayer,
		TCP:     tcpLayer,
		DNS:     dnsDecoder,
		sched:   sched,
		clock:   clock,
		sockets: make(map[uint64]*socket.Socket),
	}
}

// Inject delivers a raw ingress frame from the driver into the link
// layer. The frame is copied; the driver keeps its buffer.
func (s *Stack) Inject(frame []byte) {
	pkt := packet.New(len(frame), false)
	copy(pkt.Payload, frame)
	s.Link.Decode(s.Iface, pkt)
}

// Open creates a socket.
func (s *Stack) Open(domain socket.Domain, typ socket.Type, protocol socket.Protocol) *socket.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSocket++
	sock := socket.New(s.nextSocket, domain, typ, protocol, s.sched)
	s.sockets[sock.ID] = sock

	log.Tracef("stack: opened socket %d", sock.ID)

	return sock
}

// Close tears down a socket, disconnecting live transport state.
func (s *Stack) Close(sock *socket.Socket) {
	switch sock.Protocol {
	case socket.ProtocolTCP:
		if sock.ConnData != nil {
			if err := s.TCP.Disconnect(sock); err != nil {
				log.Debugf("stack: disconnect on close: %v", err)
			}
		}
	case socket.ProtocolUDP:
		if sock.ConnData != nil {
			if err := s.UDP.Unbind(sock); err != nil {
				log.Debugf("stack: unbind on close: %v", err)
			}
		}
	}

	s.mu.Lock()
	delete(s.sockets, sock.ID)
	s.mu.Unlock()

	sock.Invalidate()
}

// Listen switches packet acceptance on the socket.
func (s *Stack) Listen(sock *socket.Socket, v bool) {
	sock.SetListen(v)
}

// Connect opens the transport session of the socket: a stream
// handshake for TCP, an ephemeral bind for UDP. It returns the local
// port.
func (s *Stack) Connect(sock *socket.Socket, remotePort uint16, remoteAddr network.IP) (uint16, error) {
	switch sock.Protocol {
	case socket.ProtocolTCP:
		return s.TCP.Connect(sock, remotePort, remoteAddr)
	case socket.ProtocolUDP:
		return s.UDP.Bind(sock, remotePort, remoteAddr)
	}
	return 0, errors.Errorf("stack: connect unsupported for protocol %d", sock.Protocol)
}

// Disconnect closes the transport session of the socket.
func (s *Stack) Disconnect(sock *socket.Socket) error {
	switch sock.Protocol {
	case socket.ProtocolTCP:
		return s.TCP.Disconnect(sock)
	case socket.ProtocolUDP:
		return s.UDP.Unbind(sock)
	}
	return errors.Errorf("stack: disconnect unsupported for protocol %d", sock.Protocol)
}

// Send transmits the caller's bytes on the socket's transport.
func (s *Stack) Send(sock *socket.Socket, buf []byte) error {
	switch sock.Protocol {
	case socket.ProtocolTCP:
		return s.TCP.Send(sock, buf)
	case socket.ProtocolUDP:
		return s.UDP.Send(sock, buf)
	}
	return errors.Errorf("stack: send unsupported for protocol %d", sock.Protocol)
}

// Recv blocks until a packet arrives on the socket and copies its
// payload into buf.
func (s *Stack) Recv(sock *socket.Socket, buf []byte) (int, error) {
	switch sock.Protocol {
	case socket.ProtocolTCP:
		return s.TCP.Recv(sock, buf)
	case socket.ProtocolUDP:
		return s.UDP.Recv(sock, buf)
	}
	return 0, errors.Errorf("stack: recv unsupported for protocol %d", sock.Protocol)
}

// RecvTimed is Recv bounded by a deadline of ms milliseconds.
func (s *Stack) RecvTimed(sock *socket.Socket, buf []byte, ms uint64) (int, error) {
	switch sock.Protocol {
	case socket.ProtocolTCP:
		return s.TCP.RecvTimed(sock, buf, ms)
	case socket.ProtocolUDP:
		return s.UDP.RecvTimed(sock, buf, ms)
	}
	return 0, errors.Errorf("stack: recv unsupported for protocol %d", sock.Protocol)
}

// PreparePacket builds an outgoing packet with room for size payload
// bytes, registers it against the socket, and returns its descriptor
// with the buffer for the caller to fill.
func (s *Stack) PreparePacket(sock *socket.Socket, size int) (uint64, *packet.Buffer, error) {
	var (
		pkt *packet.Buffer
		err error
	)

	switch sock.Protocol {
	case socket.ProtocolTCP:
		pkt, err = s.TCP.Prepare(sock, size)
	case socket.ProtocolUDP:
		pkt, err = s.UDP.Prepare(sock, size)
	default:
		return 0, nil, errors.Errorf("stack: prepare unsupported for protocol %d", sock.Protocol)
	}
	if err != nil {
		return 0, nil, err
	}

	fd := sock.RegisterPacket(pkt)
	return fd, pkt, nil
}

// FinalizePacket emits a prepared packet and removes it from the
// socket's descriptor table.
func (s *Stack) FinalizePacket(sock *socket.Socket, fd uint64) error {
	pkt, ok := sock.GetPacket(fd)
	if !ok {
		return errors.Errorf("stack: no prepared packet %d", fd)
	}

	var err error
	switch sock.Protocol {
	case socket.ProtocolTCP:
		err = s.TCP.Finalize(sock, pkt)
	case socket.ProtocolUDP:
		err = s.UDP.Finalize(pkt)
	default:
		err = errors.Errorf("stack: finalize unsupported for protocol %d", sock.Protocol)
	}

	sock.ErasePacket(fd)
	return err
}
