// Package ip implements the internet layer: header verification and
// dispatch by protocol on ingress, header construction and checksum on
// egress.
package ip

import (
	"encoding/binary"
	network "net"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"kernos/pkg/netstack"
	"kernos/pkg/netstack/checksum"
	"kernos/pkg/netstack/ethernet"
	"kernos/pkg/netstack/packet"
)

// HeaderLength is the IPv4 header length without options.
const HeaderLength = 20

// DefaultTTL is written on every egress datagram.
const DefaultTTL = 64

// Handler decodes a datagram whose cursor points past the internet
// header.
type Handler func(iface *netstack.Interface, pkt *packet.Buffer)

// Descriptor asks the layer for an egress buffer with room for a
// transport payload of Size bytes addressed to Target.
type Descriptor struct {
	Size      int
	Target    network.IP
	Protocol  netstack.Protocol
	UserOwned bool
}

// Layer is the internet layer.
type Layer struct {
	link     *ethernet.Layer
	handlers map[netstack.Protocol]Handler
	ident    atomic.Uint32
}

// NewLayer creates an internet layer over the given link layer.
func NewLayer(link *ethernet.Layer) *Layer {
	return &Layer{
		link:     link,
		handlers: make(map[netstack.Protocol]Handler),
	}
}

// Register installs the decoder for an upper-layer protocol.
func (l *Layer) Register(p netstack.Protocol, h Handler) {
	l.handlers[p] = h
}

// Decode handles an ingress datagram handed up by the link layer.
// Datagrams failing the header checksum or addressed elsewhere are
// dropped.
func (l *Layer) Decode(iface *netstack.Interface, pkt *packet.Buffer) {
	pkt.SetTag(packet.LayerInternet, pkt.Index)

	hdr := pkt.Rest()
	if len(hdr) < HeaderLength {
		log.Debugf("ip: dropping truncated datagram of %d bytes", len(hdr))
		return
	}

	version := hdr[0] >> 4
	ihl := int(hdr[0]&0x0F) * 4
	if version != 4 || ihl < HeaderLength || ihl > len(hdr) {
		log.Debugf("ip: dropping datagram with version %d ihl %d", version, ihl)
		return
	}

	if checksum.Sum(hdr[:ihl]) != 0 {
		log.Debug("ip: dropping datagram with bad header checksum")
		return
	}

	protocol := netstack.Protocol(hdr[9])
	src := network.IP(hdr[12:16])
	dst := network.IP(hdr[16:20])

	log.Tracef("ip: datagram %s -> %s protocol %d", src, dst, protocol)

	if !dst.Equal(iface.IP) && !netstack.IsBroadcastIP(dst) {
		log.Tracef("ip: dropping datagram for foreign address %s", dst)
		return
	}

	pkt.Advance(ihl)

	h, ok := l.handlers[protocol]
	if !ok {
		log.Debugf("ip: no decoder for protocol %d", protocol)
		return
	}
	h(iface, pkt)
}

// Prepare asks the link layer for a buffer sized for the internet
// header plus the transport payload, tags the header, and records the
// protocol and addresses. The remaining fields are written by
// Finalize.
func (l *Layer) Prepare(iface *netstack.Interface, desc Descriptor) (*packet.Buffer, error) {
	pkt, err := l.link.Prepare(iface, ethernet.Descriptor{
		Size:      HeaderLength + desc.Size,
		Type:      netstack.EtherTypeIPv4,
		UserOwned: desc.UserOwned,
	})
	if err != nil {
		return nil, err
	}

	pkt.SetTag(packet.LayerInternet, pkt.Index)

	hdr := pkt.Rest()
	hdr[9] = byte(desc.Protocol)
	copy(hdr[12:16], iface.IP.To4())
	copy(hdr[16:20], desc.Target.To4())

	pkt.Advance(HeaderLength)

	return pkt, nil
}

// Finalize writes the remaining header fields, computes the header
// checksum, and hands the datagram to the link layer.
func (l *Layer) Finalize(iface *netstack.Interface, pkt *packet.Buffer) error {
	pkt.Retreat(HeaderLength)

	hdr := pkt.Payload[pkt.Index:]
	totalLen := len(hdr)

	hdr[0] = 0x45 // version 4, IHL 5
	hdr[1] = 0
	binary.BigEndian.PutUint16(hdr[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(hdr[4:6], uint16(l.ident.Add(1)))
	binary.BigEndian.PutUint16(hdr[6:8], 0)
	hdr[8] = DefaultTTL

	binary.BigEndian.PutUint16(hdr[10:12], 0)
	binary.BigEndian.PutUint16(hdr[10:12], checksum.Sum(hdr[:HeaderLength]))

	return l.link.Finalize(iface, pkt)
}

// PseudoHeaderSum accumulates the transport pseudo-header (source and
// destination addresses, protocol, transport length) of the datagram
// whose internet header is tagged on pkt.
func PseudoHeaderSum(pkt *packet.Buffer, transportLen int) uint32 {
	off := pkt.Tag(packet.LayerInternet)
	hdr := pkt.Payload[off:]

	sum := checksum.Add(0, hdr[12:20])
	sum += uint32(hdr[9])
	sum += uint32(transportLen)
	return sum
}

// TransportLen returns the transport segment length (header plus
// payload) of the datagram whose internet header is tagged on pkt.
func TransportLen(pkt *packet.Buffer) int {
	off := pkt.Tag(packet.LayerInternet)
	hdr := pkt.Payload[off:]

	totalLen := int(binary.BigEndian.Uint16(hdr[2:4]))
	ihl := int(hdr[0]&0x0F) * 4
	return totalLen - ihl
}

// SourceIP returns the source address of the tagged internet header.
func SourceIP(pkt *packet.Buffer) network.IP {
	off := pkt.Tag(packet.LayerInternet)
	ip := make(network.IP, 4)
	copy(ip, pkt.Payload[off+12:off+16])
	return ip
}

// DestinationIP returns the destination address of the tagged internet
// header.
func DestinationIP(pkt *packet.Buffer) network.IP {
	off := pkt.Tag(packet.LayerInternet)
	ip := make(network.IP, 4)
	copy(ip, pkt.Payload[off+16:off+20])
	return ip
}
