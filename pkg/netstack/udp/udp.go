// Package udp implements the datagram transport: ephemeral binding,
// demultiplexing to socket listen queues, and blocking receive.
package udp

import (
	"encoding/binary"
	network "net"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"kernos/pkg/netstack"
	"kernos/pkg/netstack/checksum"
	"kernos/pkg/netstack/conn"
	"kernos/pkg/netstack/ip"
	"kernos/pkg/netstack/packet"
	"kernos/pkg/netstack/socket"
)

// HeaderLength is the UDP header length in bytes.
const HeaderLength = 8

// dnsPort is the well-known DNS server port; answers from it are also
// handed to the DNS decoder.
const dnsPort = 53

// Connection is a datagram binding. It carries no sequence state.
type Connection struct {
	LocalPort  uint16
	RemotePort uint16
	RemoteAddr network.IP
	Connected  bool
	Socket     *socket.Socket
}

// DNSDecoder receives a copy of every datagram whose source port is 53.
type DNSDecoder interface {
	Decode(iface *netstack.Interface, pkt *packet.Buffer)
}

// Layer is the datagram transport.
type Layer struct {
	ip        *ip.Layer
	iface     *netstack.Interface
	conns     *conn.Table[Connection]
	dns       DNSDecoder
	localPort atomic.Uint32
}

// NewLayer creates the datagram transport over the given internet
// layer and egress interface.
func NewLayer(ipLayer *ip.Layer, iface *netstack.Interface) *Layer {
	l := &Layer{
		ip:    ipLayer,
		iface: iface,
		conns: conn.NewTable[Connection](),
	}
	l.localPort.Store(1023)
	return l
}

// SetDNSDecoder installs the DNS collaborator.
func (l *Layer) SetDNSDecoder(d DNSDecoder) {
	l.dns = d
}

// Connections exposes the connection table.
func (l *Layer) Connections() *conn.Table[Connection] {
	return l.conns
}

func connData(sock *socket.Socket) (*Connection, error) {
	c, ok := sock.ConnData.(*Connection)
	if !ok || c == nil || !c.Connected {
		return nil, netstack.ErrNotConnected
	}
	return c, nil
}

// Bind allocates a connection to the remote endpoint, assigns a fresh
// ephemeral local port, and links it with the socket. It returns the
// local port.
func (l *Layer) Bind(sock *socket.Socket, remotePort uint16, remoteAddr network.IP) (uint16, error) {
	local := uint16(l.localPort.Add(1))

	c := l.conns.Create(local, remotePort)
	c.LocalPort = local
	c.RemotePort = remotePort
	c.RemoteAddr = append(network.IP(nil), remoteAddr.To4()...)
	c.Socket = sock
	c.Connected = true

	sock.ConnData = c

	log.Tracef("udp: bound port %d to %s:%d", local, remoteAddr, remotePort)

	return local, nil
}

// Unbind tears down the socket's binding.
func (l *Layer) Unbind(sock *socket.Socket) error {
	c, err := connData(sock)
	if err != nil {
		return err
	}

	c.Connected = false
	l.conns.Remove(c.LocalPort, c.RemotePort)
	sock.ConnData = nil

	return nil
}

// Decode handles an ingress datagram handed up by the internet layer.
func (l *Layer) Decode(iface *netstack.Interface, pkt *packet.Buffer) {
	pkt.SetTag(packet.LayerTransport, pkt.Index)

	hdr := pkt.Rest()
	if len(hdr) < HeaderLength {
		log.Debugf("udp: dropping truncated datagram of %d bytes", len(hdr))
		return
	}

	sourcePort := binary.BigEndian.Uint16(hdr[0:2])
	targetPort := binary.BigEndian.Uint16(hdr[2:4])
	length := binary.BigEndian.Uint16(hdr[4:6])

	log.Tracef("udp: datagram %d -> %d length %d", sourcePort, targetPort, length)

	pkt.Advance(HeaderLength)

	if sourcePort == dnsPort && l.dns != nil {
		l.dns.Decode(iface, pkt.Clone())
	}

	c, ok := l.conns.Lookup(targetPort, sourcePort)
	if !ok {
		log.Debugf("udp: no connection for ports (%d, %d)", targetPort, sourcePort)
		return
	}

	if c.Socket != nil && c.Socket.Listening() {
		c.Socket.DeliverListen(pkt.Clone())
	}
}

// Prepare asks the internet layer for a buffer sized for the UDP
// header plus size payload bytes and writes the ports and length. The
// cursor is left at the payload region.
func (l *Layer) Prepare(sock *socket.Socket, size int) (*packet.Buffer, error) {
	c, err := connData(sock)
	if err != nil {
		return nil, err
	}

	pkt, err := l.ip.Prepare(l.iface, ip.Descriptor{
		Size:     HeaderLength + size,
		Target:   c.RemoteAddr,
		Protocol: netstack.ProtocolUDP,
	})
	if err != nil {
		return nil, err
	}

	pkt.SetTag(packet.LayerTransport, pkt.Index)

	hdr := pkt.Rest()
	binary.BigEndian.PutUint16(hdr[0:2], c.LocalPort)
	binary.BigEndian.PutUint16(hdr[2:4], c.RemotePort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(HeaderLength+size))

	pkt.Advance(HeaderLength)

	return pkt, nil
}

// Finalize computes the pseudo-header checksum and hands the datagram
// to the internet layer.
func (l *Layer) Finalize(pkt *packet.Buffer) error {
	pkt.Retreat(HeaderLength)

	seg := pkt.Payload[pkt.Index:]
	length := int(binary.BigEndian.Uint16(seg[4:6]))

	binary.BigEndian.PutUint16(seg[6:8], 0)
	sum := ip.PseudoHeaderSum(pkt, length)
	sum = checksum.Add(sum, seg[:length])
	binary.BigEndian.PutUint16(seg[6:8], checksum.FinalizeNonzero(sum))

	return l.ip.Finalize(l.iface, pkt)
}

// Send transmits the caller's bytes as one datagram.
func (l *Layer) Send(sock *socket.Socket, buf []byte) error {
	if _, err := connData(sock); err != nil {
		return err
	}

	pkt, err := l.Prepare(sock, len(buf))
	if err != nil {
		return err
	}

	copy(pkt.Rest(), buf)

	return l.Finalize(pkt)
}

// Recv blocks until a datagram arrives, then copies its payload into
// buf and returns the payload length.
func (l *Layer) Recv(sock *socket.Socket, buf []byte) (int, error) {
	if _, err := connData(sock); err != nil {
		return 0, err
	}

	if sock.ListenEmpty() {
		sock.WaitPacket()
	}

	return l.deliver(sock, buf)
}

// RecvTimed is Recv bounded by a deadline of ms milliseconds. A zero
// deadline fails immediately when no datagram is queued.
func (l *Layer) RecvTimed(sock *socket.Socket, buf []byte, ms uint64) (int, error) {
	if _, err := connData(sock); err != nil {
		return 0, err
	}

	if sock.ListenEmpty() {
		if ms == 0 {
			return 0, netstack.ErrSocketTimeout
		}
		if !sock.WaitPacketFor(ms) {
			return 0, netstack.ErrSocketTimeout
		}
	}

	return l.deliver(sock, buf)
}

func (l *Layer) deliver(sock *socket.Socket, buf []byte) (int, error) {
	pkt, ok := sock.PopListen()
	if !ok {
		return 0, errors.Wrap(netstack.ErrSocketTimeout, "udp: woken without a packet")
	}

	hdr := pkt.Payload[pkt.Tag(packet.LayerTransport):]
	payloadLen := int(binary.BigEndian.Uint16(hdr[4:6])) - HeaderLength

	if payloadLen < 0 || pkt.Index+payloadLen > len(pkt.Payload) {
		pkt.Release()
		return 0, errors.New("udp: inconsistent datagram length")
	}

	if payloadLen > len(buf) {
		pkt.Release()
		return 0, netstack.ErrBufferSmall
	}

	copy(buf, pkt.Payload[pkt.Index:pkt.Index+payloadLen])
	pkt.Release()

	return payloadLen, nil
}
