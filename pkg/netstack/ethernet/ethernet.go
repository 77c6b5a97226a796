// Package ethernet implements the link layer: frame decode with
// dispatch by ethertype, and the prepare/finalize halves of the egress
// pipeline.
package ethernet

import (
	"bytes"
	"encoding/binary"
	network "net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"kernos/pkg/netstack"
	"kernos/pkg/netstack/packet"
)

// HeaderLength is the Ethernet header length in bytes.
const HeaderLength = 14

// Handler decodes a frame whose cursor points past the link header.
type Handler func(iface *netstack.Interface, pkt *packet.Buffer)

// Descriptor asks the layer for an egress buffer with room for an
// inner payload of Size bytes.
type Descriptor struct {
	Size      int
	Type      netstack.EtherType
	UserOwned bool
}

// Layer is the link layer. Upper layers register a handler per
// ethertype; finalize resolves the destination link address and hands
// the frame to the interface driver.
type Layer struct {
	resolver netstack.Resolver
	handlers map[netstack.EtherType]Handler
}

// NewLayer creates a link layer over the given address resolver.
func NewLayer(resolver netstack.Resolver) *Layer {
	return &Layer{
		resolver: resolver,
		handlers: make(map[netstack.EtherType]Handler),
	}
}

// Register installs the decoder for an ethertype.
func (l *Layer) Register(t netstack.EtherType, h Handler) {
	l.handlers[t] = h
}

// Decode handles an ingress frame delivered by the driver. Frames not
// addressed to the interface (or broadcast) are dropped.
func (l *Layer) Decode(iface *netstack.Interface, pkt *packet.Buffer) {
	if len(pkt.Payload) < HeaderLength {
		log.Debugf("ethernet: dropping truncated frame of %d bytes", len(pkt.Payload))
		return
	}

	pkt.SetTag(packet.LayerLink, 0)

	dst := network.HardwareAddr(pkt.Payload[0:6])
	src := network.HardwareAddr(pkt.Payload[6:12])
	etherType := netstack.EtherType(binary.BigEndian.Uint16(pkt.Payload[12:14]))

	log.Tracef("ethernet: frame %s -> %s type %#04x", src, dst, uint16(etherType))

	if !bytes.Equal(dst, iface.MAC) && !isBroadcast(dst) {
		log.Tracef("ethernet: dropping frame for foreign address %s", dst)
		return
	}

	pkt.Advance(HeaderLength)

	h, ok := l.handlers[etherType]
	if !ok {
		log.Debugf("ethernet: no decoder for ethertype %#04x", uint16(etherType))
		return
	}
	h(iface, pkt)
}

// Prepare allocates a buffer sized for the link header plus the inner
// payload, tags the link header at offset zero, and leaves the cursor
// at the start of the inner region. The ethertype is written
// immediately; the addresses are filled in by Finalize.
func (l *Layer) Prepare(iface *netstack.Interface, desc Descriptor) (*packet.Buffer, error) {
	pkt := packet.New(HeaderLength+desc.Size, desc.UserOwned)

	pkt.SetTag(packet.LayerLink, 0)
	binary.BigEndian.PutUint16(pkt.Payload[12:14], uint16(desc.Type))
	pkt.Advance(HeaderLength)

	return pkt, nil
}

// Finalize writes the link addresses and hands the frame to the
// driver. The destination address is resolved from the target internet
// address carried by the tagged inner header.
func (l *Layer) Finalize(iface *netstack.Interface, pkt *packet.Buffer) error {
	pkt.Retreat(HeaderLength)

	if !iface.Up {
		return errors.Wrapf(netstack.ErrInterfaceDown, "ethernet: %s", iface.Name)
	}

	dst, err := l.destination(iface, pkt)
	if err != nil {
		return err
	}

	copy(pkt.Payload[0:6], dst)
	copy(pkt.Payload[6:12], iface.MAC)

	log.Tracef("ethernet: transmitting %d bytes to %s", len(pkt.Payload), dst)

	return iface.Driver.Transmit(pkt.Payload)
}

func (l *Layer) destination(iface *netstack.Interface, pkt *packet.Buffer) (network.HardwareAddr, error) {
	ipOffset := pkt.Tag(packet.LayerInternet)
	target := network.IP(pkt.Payload[ipOffset+16 : ipOffset+20])

	if netstack.IsBroadcastIP(target) {
		return BroadcastMAC(), nil
	}

	mac, err := l.resolver.Lookup(target)
	if err != nil {
		return nil, errors.Wrapf(netstack.ErrNoRoute, "ethernet: resolving %s", target)
	}
	return mac, nil
}

// BroadcastMAC returns the Ethernet broadcast address.
func BroadcastMAC() network.HardwareAddr {
	return network.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
}

func isBroadcast(mac network.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0xFF {
			return false
		}
	}
	return true
}
