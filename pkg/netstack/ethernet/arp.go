package ethernet

import (
	"encoding/binary"
	network "net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"kernos/pkg/netstack"
	"kernos/pkg/netstack/packet"
)

// ARP operation types.
const (
	ARPOperationRequest uint16 = 1
	ARPOperationReply   uint16 = 2
)

// ARPPacketSize is the size of an ARP packet in bytes.
const ARPPacketSize = 28

// ARPPacket represents an ARP packet for Ethernet/IPv4 networks.
type ARPPacket struct {
	HardwareType uint16
	ProtocolType uint16
	HardwareSize uint8
	ProtocolSize uint8
	Operation    uint16
	SenderMAC    network.HardwareAddr
	SenderIP     network.IP
	TargetMAC    network.HardwareAddr
	TargetIP     network.IP
}

// ParseARPPacket parses an ARP packet from raw bytes.
func ParseARPPacket(data []byte) (*ARPPacket, error) {
	if len(data) < ARPPacketSize {
		return nil, errors.Errorf("arp: packet too short: %d bytes", len(data))
	}

	p := &ARPPacket{
		HardwareType: binary.BigEndian.Uint16(data[0:2]),
		ProtocolType: binary.BigEndian.Uint16(data[2:4]),
		HardwareSize: data[4],
		ProtocolSize: data[5],
		Operation:    binary.BigEndian.Uint16(data[6:8]),
		SenderMAC:    network.HardwareAddr{data[8], data[9], data[10], data[11], data[12], data[13]},
		TargetMAC:    network.HardwareAddr{data[18], data[19], data[20], data[21], data[22], data[23]},
	}
	p.SenderIP = network.IP{data[14], data[15], data[16], data[17]}
	p.TargetIP = network.IP{data[24], data[25], data[26], data[27]}

	return p, nil
}

// Serialize converts the ARP packet to raw bytes.
func (p *ARPPacket) Serialize() []byte {
	buf := make([]byte, ARPPacketSize)
	binary.BigEndian.PutUint16(buf[0:2], p.HardwareType)
	binary.BigEndian.PutUint16(buf[2:4], p.ProtocolType)
	buf[4] = p.HardwareSize
	buf[5] = p.ProtocolSize
	binary.BigEndian.PutUint16(buf[6:8], p.Operation)
	copy(buf[8:14], p.SenderMAC)
	copy(buf[14:18], []byte(p.SenderIP.To4()))
	copy(buf[18:24], p.TargetMAC)
	copy(buf[24:28], []byte(p.TargetIP.To4()))
	return buf
}

// IsValid returns true if the ARP packet has the Ethernet/IPv4 shape.
func (p *ARPPacket) IsValid() bool {
	return p.HardwareType == 1 &&
		p.ProtocolType == uint16(netstack.EtherTypeIPv4) &&
		p.HardwareSize == 6 &&
		p.ProtocolSize == 4
}

// ARPTable is the address-resolution cache: a mapping from internet
// addresses to link addresses fed by decoded ARP traffic.
type ARPTable struct {
	mu      sync.Mutex
	entries map[string]network.HardwareAddr
}

// NewARPTable creates an empty ARP table.
func NewARPTable() *ARPTable {
	return &ARPTable{entries: make(map[string]network.HardwareAddr)}
}

// Lookup returns the link address for the given internet address.
func (t *ARPTable) Lookup(ip network.IP) (network.HardwareAddr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if mac, ok := t.entries[ip.To4().String()]; ok {
		return mac, nil
	}
	return nil, errors.Errorf("arp: no entry for %s", ip)
}

// Set adds or refreshes an entry.
func (t *ARPTable) Set(ip network.IP, mac network.HardwareAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stored := make(network.HardwareAddr, len(mac))
	copy(stored, mac)
	t.entries[ip.To4().String()] = stored
}

// Remove deletes an entry.
func (t *ARPTable) Remove(ip network.IP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, ip.To4().String())
}

// Decode learns sender mappings from ARP frames arriving on the wire.
// Registered with the link layer under EtherTypeARP.
func (t *ARPTable) Decode(iface *netstack.Interface, pkt *packet.Buffer) {
	p, err := ParseARPPacket(pkt.Rest())
	if err != nil {
		log.Debugf("arp: %v", err)
		return
	}
	if !p.IsValid() {
		log.Debug("arp: dropping packet with unsupported shape")
		return
	}

	log.Tracef("arp: learned %s is at %s", p.SenderIP, p.SenderMAC)
	t.Set(p.SenderIP, p.SenderMAC)
}
