package ethernet_test

import (
	"bytes"
	"encoding/binary"
	network "net"
	"testing"

	"github.com/pkg/errors"

	"kernos/pkg/netstack"
	"kernos/pkg/netstack/ethernet"
	"kernos/pkg/netstack/packet"
)

var (
	ourMAC  = network.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerMAC = network.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	ourIP   = network.IP{192, 168, 1, 1}
	peerIP  = network.IP{192, 168, 1, 2}
)

type captureDriver struct {
	frames [][]byte
}

func (d *captureDriver) Transmit(frame []byte) error {
	out := make([]byte, len(frame))
	copy(out, frame)
	d.frames = append(d.frames, out)
	return nil
}

func testInterface(drv netstack.Driver) *netstack.Interface {
	return &netstack.Interface{
		Name:   "eth0",
		MAC:    ourMAC,
		IP:     ourIP,
		MTU:    1500,
		Up:     true,
		Driver: drv,
	}
}

func frameFor(dst network.HardwareAddr, etherType uint16, payload []byte) *packet.Buffer {
	pkt := packet.New(14+len(payload), false)
	copy(pkt.Payload[0:6], dst)
	copy(pkt.Payload[6:12], peerMAC)
	binary.BigEndian.PutUint16(pkt.Payload[12:14], etherType)
	copy(pkt.Payload[14:], payload)
	return pkt
}

func TestDecodeDispatch(t *testing.T) {
	table := ethernet.NewARPTable()
	layer := ethernet.NewLayer(table)
	iface := testInterface(&captureDriver{})

	var gotPayload []byte
	layer.Register(netstack.EtherTypeIPv4, func(_ *netstack.Interface, pkt *packet.Buffer) {
		gotPayload = pkt.Rest()
		if pkt.Tag(packet.LayerLink) != 0 {
			t.Errorf("link tag = %d, want 0", pkt.Tag(packet.LayerLink))
		}
	})

	layer.Decode(iface, frameFor(ourMAC, uint16(netstack.EtherTypeIPv4), []byte("inner")))
	if !bytes.Equal(gotPayload, []byte("inner")) {
		t.Errorf("dispatched payload = %q, want %q", gotPayload, "inner")
	}
}

func TestDecodeBroadcastAccepted(t *testing.T) {
	layer := ethernet.NewLayer(ethernet.NewARPTable())
	iface := testInterface(&captureDriver{})

	called := false
	layer.Register(netstack.EtherTypeIPv4, func(_ *netstack.Interface, _ *packet.Buffer) {
		called = true
	})

	layer.Decode(iface, frameFor(ethernet.BroadcastMAC(), uint16(netstack.EtherTypeIPv4), nil))
	if !called {
		t.Error("broadcast frame was not dispatched")
	}
}

func TestDecodeForeignDropped(t *testing.T) {
	layer := ethernet.NewLayer(ethernet.NewARPTable())
	iface := testInterface(&captureDriver{})

	layer.Register(netstack.EtherTypeIPv4, func(_ *netstack.Interface, _ *packet.Buffer) {
		t.Error("foreign frame was dispatched")
	})

	other := network.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x99}
	layer.Decode(iface, frameFor(other, uint16(netstack.EtherTypeIPv4), nil))
}

func TestPrepareFinalize(t *testing.T) {
	table := ethernet.NewARPTable()
	table.Set(peerIP, peerMAC)
	layer := ethernet.NewLayer(table)
	drv := &captureDriver{}
	iface := testInterface(drv)

	pkt, err := layer.Prepare(iface, ethernet.Descriptor{Size: 20, Type: netstack.EtherTypeIPv4})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if pkt.Index != 14 {
		t.Fatalf("cursor = %d, want 14", pkt.Index)
	}

	// A minimal inner header so finalize can find the target address.
	pkt.SetTag(packet.LayerInternet, pkt.Index)
	copy(pkt.Payload[pkt.Index+16:pkt.Index+20], peerIP.To4())
	pkt.Advance(20)

	pkt.Retreat(20)
	if err := layer.Finalize(iface, pkt); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if len(drv.frames) != 1 {
		t.Fatalf("transmitted %d frames, want 1", len(drv.frames))
	}
	frame := drv.frames[0]
	if !bytes.Equal(frame[0:6], peerMAC) {
		t.Errorf("destination = %s, want %s", network.HardwareAddr(frame[0:6]), peerMAC)
	}
	if !bytes.Equal(frame[6:12], ourMAC) {
		t.Errorf("source = %s, want %s", network.HardwareAddr(frame[6:12]), ourMAC)
	}
	if got := binary.BigEndian.Uint16(frame[12:14]); got != uint16(netstack.EtherTypeIPv4) {
		t.Errorf("ethertype = %#04x, want %#04x", got, uint16(netstack.EtherTypeIPv4))
	}
}

func TestFinalizeNoRoute(t *testing.T) {
	layer := ethernet.NewLayer(ethernet.NewARPTable())
	iface := testInterface(&captureDriver{})

	pkt, _ := layer.Prepare(iface, ethernet.Descriptor{Size: 20, Type: netstack.EtherTypeIPv4})
	pkt.SetTag(packet.LayerInternet, pkt.Index)
	copy(pkt.Payload[pkt.Index+16:pkt.Index+20], peerIP.To4())

	if err := layer.Finalize(iface, pkt); !errors.Is(err, netstack.ErrNoRoute) {
		t.Errorf("Finalize error = %v, want %v", err, netstack.ErrNoRoute)
	}
}

func TestFinalizeInterfaceDown(t *testing.T) {
	table := ethernet.NewARPTable()
	table.Set(peerIP, peerMAC)
	layer := ethernet.NewLayer(table)
	iface := testInterface(&captureDriver{})
	iface.Up = false

	pkt, _ := layer.Prepare(iface, ethernet.Descriptor{Size: 20, Type: netstack.EtherTypeIPv4})
	pkt.SetTag(packet.LayerInternet, pkt.Index)

	if err := layer.Finalize(iface, pkt); !errors.Is(err, netstack.ErrInterfaceDown) {
		t.Errorf("Finalize error = %v, want %v", err, netstack.ErrInterfaceDown)
	}
}

func TestARPDecodeLearns(t *testing.T) {
	table := ethernet.NewARPTable()
	layer := ethernet.NewLayer(table)
	iface := testInterface(&captureDriver{})
	layer.Register(netstack.EtherTypeARP, table.Decode)

	arp := &ethernet.ARPPacket{
		HardwareType: 1,
		ProtocolType: uint16(netstack.EtherTypeIPv4),
		HardwareSize: 6,
		ProtocolSize: 4,
		Operation:    ethernet.ARPOperationReply,
		SenderMAC:    peerMAC,
		SenderIP:     peerIP,
		TargetMAC:    ourMAC,
		TargetIP:     ourIP,
	}

	layer.Decode(iface, frameFor(ourMAC, uint16(netstack.EtherTypeARP), arp.Serialize()))

	mac, err := table.Lookup(peerIP)
	if err != nil {
		t.Fatalf("Lookup failed after ARP decode: %v", err)
	}
	if !bytes.Equal(mac, peerMAC) {
		t.Errorf("Lookup = %s, want %s", mac, peerMAC)
	}
}

func TestARPRoundTrip(t *testing.T) {
	p := &ethernet.ARPPacket{
		HardwareType: 1,
		ProtocolType: uint16(netstack.EtherTypeIPv4),
		HardwareSize: 6,
		ProtocolSize: 4,
		Operation:    ethernet.ARPOperationRequest,
		SenderMAC:    ourMAC,
		SenderIP:     ourIP,
		TargetMAC:    network.HardwareAddr{0, 0, 0, 0, 0, 0},
		TargetIP:     peerIP,
	}

	parsed, err := ethernet.ParseARPPacket(p.Serialize())
	if err != nil {
		t.Fatalf("ParseARPPacket failed: %v", err)
	}
	if parsed.Operation != ethernet.ARPOperationRequest {
		t.Errorf("Operation = %d, want request", parsed.Operation)
	}
	if !parsed.SenderIP.Equal(ourIP) || !parsed.TargetIP.Equal(peerIP) {
		t.Error("addresses did not survive the round trip")
	}
	if !parsed.IsValid() {
		t.Error("round-tripped packet is invalid")
	}
}
