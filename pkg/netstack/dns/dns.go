// Package dns is the decode hook the datagram transport feeds with
// answers arriving from source port 53. It parses the message header,
// walks the answer records, and caches address answers. Issuing
// queries is the resolver's job, not the stack's.
package dns

import (
	"encoding/binary"
	network "net"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"kernos/pkg/netstack"
	"kernos/pkg/netstack/packet"
)

// HeaderLength is the DNS message header length in bytes.
const HeaderLength = 12

// Record types the decoder caches.
const (
	TypeA     uint16 = 1
	TypeCNAME uint16 = 5
)

// Header is a DNS message header.
type Header struct {
	ID        uint16
	Flags     uint16
	Questions uint16
	Answers   uint16
	Authority uint16
	Extra     uint16
}

// IsResponse indicates whether the message is a response (QR bit set).
func (h *Header) IsResponse() bool {
	return h.Flags&0x8000 != 0
}

// ParseHeader parses a DNS message header from raw bytes.
func ParseHeader(data []byte) (*Header, bool) {
	if len(data) < HeaderLength {
		return nil, false
	}
	return &Header{
		ID:        binary.BigEndian.Uint16(data[0:2]),
		Flags:     binary.BigEndian.Uint16(data[2:4]),
		Questions: binary.BigEndian.Uint16(data[4:6]),
		Answers:   binary.BigEndian.Uint16(data[6:8]),
		Authority: binary.BigEndian.Uint16(data[8:10]),
		Extra:     binary.BigEndian.Uint16(data[10:12]),
	}, true
}

// Decoder caches address answers observed on the wire.
type Decoder struct {
	mu    sync.Mutex
	cache map[string]network.IP
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{cache: make(map[string]network.IP)}
}

// Lookup returns the cached address for a name.
func (d *Decoder) Lookup(name string) (network.IP, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ip, ok := d.cache[strings.ToLower(name)]
	return ip, ok
}

// Decode inspects a datagram whose cursor points at the DNS message.
// Malformed messages are logged and dropped.
func (d *Decoder) Decode(iface *netstack.Interface, pkt *packet.Buffer) {
	msg := pkt.Rest()

	h, ok := ParseHeader(msg)
	if !ok {
		log.Debugf("dns: dropping truncated message of %d bytes", len(msg))
		return
	}
	if !h.IsResponse() {
		log.Tracef("dns: ignoring query id %#04x", h.ID)
		return
	}

	log.Tracef("dns: response id %#04x with %d answers", h.ID, h.Answers)

	off := HeaderLength
	for i := uint16(0); i < h.Questions; i++ {
		off = skipName(msg, off)
		off += 4 // type, class
		if off > len(msg) {
			return
		}
	}

	for i := uint16(0); i < h.Answers; i++ {
		name, next := readName(msg, off)
		off = next
		if off+10 > len(msg) {
			return
		}

		rtype := binary.BigEndian.Uint16(msg[off : off+2])
		rdLen := int(binary.BigEndian.Uint16(msg[off+8 : off+10]))
		off += 10
		if off+rdLen > len(msg) {
			return
		}

		if rtype == TypeA && rdLen == 4 {
			ip := network.IP{msg[off], msg[off+1], msg[off+2], msg[off+3]}
			log.Tracef("dns: %s is at %s", name, ip)

			d.mu.Lock()
			d.cache[strings.ToLower(name)] = ip
			d.mu.Unlock()
		}

		off += rdLen
	}
}

// readName decodes a possibly compressed DNS name starting at off and
// returns it with the offset past the name.
func readName(msg []byte, off int) (string, int) {
	var labels []string
	jumped := false
	next := off

	for off < len(msg) {
		l := int(msg[off])
		switch {
		case l == 0:
			if !jumped {
				next = off + 1
			}
			return strings.Join(labels, "."), next
		case l&0xC0 == 0xC0:
			if off+1 >= len(msg) {
				return strings.Join(labels, "."), off + 2
			}
			if !jumped {
				next = off + 2
				jumped = true
			}
			off = int(binary.BigEndian.Uint16(msg[off:off+2]) & 0x3FFF)
		default:
			if off+1+l > len(msg) {
				return strings.Join(labels, "."), len(msg)
			}
			labels = append(labels, string(msg[off+1:off+1+l]))
			off += 1 + l
		}
	}
	return strings.Join(labels, "."), len(msg)
}

// skipName advances past a possibly compressed DNS name.
func skipName(msg []byte, off int) int {
	_, next := readName(msg, off)
	return next
}
