package tcp

import (
	"encoding/binary"

	"kernos/pkg/netstack/ip"
	"kernos/pkg/netstack/packet"
)

// HeaderLength is the TCP header length without options. The stack
// never emits options, so the data offset is always five words.
const HeaderLength = 20

// Flags of the combined flags-and-data-offset field. The data offset
// lives in the upper four bits.
const (
	FlagFIN uint16 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

// DefaultWindow is the window size advertised on every segment.
const DefaultWindow = 1024

// defaultFlags carries the data offset for an option-less header.
func defaultFlags() uint16 {
	return uint16(HeaderLength/4) << 12
}

// dataOffset extracts the header length in bytes from the combined
// field.
func dataOffset(flags uint16) int {
	return int(flags>>12) * 4
}

// segmentFlags reads the combined flags field of the header at the
// transport tag.
func segmentFlags(pkt *packet.Buffer) uint16 {
	off := pkt.Tag(packet.LayerTransport)
	return binary.BigEndian.Uint16(pkt.Payload[off+12 : off+14])
}

// segmentSeq reads the sequence number of the header at the transport
// tag.
func segmentSeq(pkt *packet.Buffer) uint32 {
	off := pkt.Tag(packet.LayerTransport)
	return binary.BigEndian.Uint32(pkt.Payload[off+4 : off+8])
}

// segmentAck reads the acknowledgement number of the header at the
// transport tag.
func segmentAck(pkt *packet.Buffer) uint32 {
	off := pkt.Tag(packet.LayerTransport)
	return binary.BigEndian.Uint32(pkt.Payload[off+8 : off+12])
}

// setSeqAck writes the sequence and acknowledgement numbers of the
// header at the transport tag.
func setSeqAck(pkt *packet.Buffer, seq, ack uint32) {
	off := pkt.Tag(packet.LayerTransport)
	binary.BigEndian.PutUint32(pkt.Payload[off+4:off+8], seq)
	binary.BigEndian.PutUint32(pkt.Payload[off+8:off+12], ack)
}

// setFlags writes the combined flags field of the header at the
// transport tag, preserving the data offset.
func setFlags(pkt *packet.Buffer, flags uint16) {
	off := pkt.Tag(packet.LayerTransport)
	binary.BigEndian.PutUint16(pkt.Payload[off+12:off+14], defaultFlags()|flags)
}

// payloadLen computes the segment payload length from the internet
// total length, the internet header length, and the data offset.
func payloadLen(pkt *packet.Buffer) int {
	flags := segmentFlags(pkt)
	return ip.TransportLen(pkt) - dataOffset(flags)
}
