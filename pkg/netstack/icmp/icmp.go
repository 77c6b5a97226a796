// Package icmp handles ICMP traffic: echo requests addressed to the
// interface are answered in place, other messages are logged and
// dropped.
package icmp

import (
	"encoding/binary"
	network "net"

	log "github.com/sirupsen/logrus"

	"kernos/pkg/netstack"
	"kernos/pkg/netstack/checksum"
	"kernos/pkg/netstack/ip"
	"kernos/pkg/netstack/packet"
)

// HeaderLength is the ICMP header length: type, code, checksum, and
// the 32-bit rest-of-header.
const HeaderLength = 8

// restOffset is the offset of the rest-of-header within the header.
const restOffset = 4

// Type is the ICMP message type.
type Type uint8

// ICMP message types.
const (
	TypeEchoReply    Type = 0
	TypeUnreachable  Type = 3
	TypeEchoRequest  Type = 8
	TypeTimeExceeded Type = 11
)

// Descriptor asks the layer for an egress buffer with room for Size
// payload bytes beyond the header.
type Descriptor struct {
	Size   int
	Target network.IP
	Type   Type
	Code   uint8
}

// Layer is the ICMP handler.
type Layer struct {
	ip *ip.Layer
}

// NewLayer creates an ICMP handler over the given internet layer.
func NewLayer(ipLayer *ip.Layer) *Layer {
	return &Layer{ip: ipLayer}
}

// Decode handles an ingress ICMP message handed up by the internet
// layer.
func (l *Layer) Decode(iface *netstack.Interface, pkt *packet.Buffer) {
	pkt.SetTag(packet.LayerTransport, pkt.Index)

	hdr := pkt.Rest()
	if len(hdr) < HeaderLength {
		log.Debugf("icmp: dropping truncated message of %d bytes", len(hdr))
		return
	}

	switch Type(hdr[0]) {
	case TypeEchoRequest:
		log.Trace("icmp: received echo request")
		l.reply(iface, pkt)
	case TypeEchoReply:
		log.Trace("icmp: echo reply")
	case TypeUnreachable:
		log.Debugf("icmp: destination unreachable (code %d)", hdr[1])
	case TypeTimeExceeded:
		log.Debugf("icmp: time exceeded (code %d)", hdr[1])
	default:
		log.Debugf("icmp: unsupported message type %d", hdr[0])
	}
}

// reply answers an echo request addressed to the interface, copying
// the identifier, sequence number, and data verbatim.
func (l *Layer) reply(iface *netstack.Interface, pkt *packet.Buffer) {
	if !ip.DestinationIP(pkt).Equal(iface.IP) {
		return
	}

	segLen := ip.TransportLen(pkt)
	if segLen < HeaderLength {
		log.Debugf("icmp: dropping short echo request of %d bytes", segLen)
		return
	}

	reply, err := l.Prepare(iface, Descriptor{
		Size:   segLen - HeaderLength,
		Target: ip.SourceIP(pkt),
		Type:   TypeEchoReply,
		Code:   0,
	})
	if err != nil {
		log.Errorf("icmp: preparing echo reply: %v", err)
		return
	}

	// Identifier and sequence live in the rest-of-header. The reply's
	// cursor points there; the request's cursor is at its ICMP header,
	// so the body starts restOffset bytes past it.
	body := pkt.Payload[pkt.Index+restOffset : pkt.Index+segLen]
	copy(reply.Payload[reply.Index:], body)

	if err := l.Finalize(iface, reply); err != nil {
		log.Errorf("icmp: sending echo reply: %v", err)
	}
}

// Prepare asks the internet layer for a buffer sized for the ICMP
// header plus Size payload bytes, writes the type and code, and leaves
// the cursor at the rest-of-header.
func (l *Layer) Prepare(iface *netstack.Interface, desc Descriptor) (*packet.Buffer, error) {
	pkt, err := l.ip.Prepare(iface, ip.Descriptor{
		Size:     HeaderLength + desc.Size,
		Target:   desc.Target,
		Protocol: netstack.ProtocolICMP,
	})
	if err != nil {
		return nil, err
	}

	pkt.SetTag(packet.LayerTransport, pkt.Index)

	hdr := pkt.Rest()
	hdr[0] = byte(desc.Type)
	hdr[1] = desc.Code

	pkt.Advance(restOffset)

	return pkt, nil
}

// Finalize computes the checksum over the header and payload and hands
// the message to the internet layer.
func (l *Layer) Finalize(iface *netstack.Interface, pkt *packet.Buffer) error {
	pkt.Retreat(restOffset)

	msg := pkt.Payload[pkt.Index:]
	binary.BigEndian.PutUint16(msg[2:4], 0)
	binary.BigEndian.PutUint16(msg[2:4], checksum.Sum(msg))

	return l.ip.Finalize(iface, pkt)
}
