// Command netstack-demo drives the network stack over an in-memory
// driver: an ICMP echo exchange, a UDP send, and a full TCP
// connect/send/disconnect against a scripted peer.
package main

import (
	"encoding/binary"
	"flag"
	network "net"
	"os"

	"github.com/pterm/pterm"
	log "github.com/sirupsen/logrus"

	"kernos/pkg/netstack"
	"kernos/pkg/netstack/checksum"
	"kernos/pkg/netstack/config"
	"kernos/pkg/netstack/driver"
	"kernos/pkg/netstack/socket"
	"kernos/pkg/netstack/stack"
	"kernos/pkg/process"
)

var peerMAC = network.HardwareAddr{0x52, 0x54, 0x00, 0xAA, 0xBB, 0xCC}
var peerIP = network.IP{10, 0, 0, 2}

func main() {
	configPath := flag.String("config", "", "path to a TOML stack configuration")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			pterm.Error.Printfln("loading configuration: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	iface, err := cfg.BuildInterface()
	if err != nil {
		pterm.Error.Printfln("building interface: %v", err)
		os.Exit(1)
	}

	drv := driver.NewChannel(64)
	iface.Driver = drv

	sched := process.NewKernelScheduler()
	clock := process.NewSystemClock()

	st := stack.New(iface, sched, clock)
	st.ARP.Set(peerIP, peerMAC)

	pterm.DefaultHeader.Println("kernos network stack demo")
	pterm.Info.Printfln("interface %s: %s / %s, mtu %d", iface.Name, iface.MAC, iface.IP, iface.MTU)

	demoICMP(st, drv, iface)
	demoUDP(st, drv)
	demoTCP(st, drv, iface, sched)
}

func demoICMP(st *stack.Stack, drv *driver.Channel, iface *netstack.Interface) {
	pterm.DefaultSection.Println("ICMP echo")

	msg := make([]byte, 8+8)
	msg[0] = 8
	binary.BigEndian.PutUint16(msg[4:6], 0x1234)
	binary.BigEndian.PutUint16(msg[6:8], 1)
	copy(msg[8:], "abcdefgh")
	binary.BigEndian.PutUint16(msg[2:4], checksum.Sum(msg))

	st.Inject(ethFrame(iface, ipv4Packet(1, peerIP, iface.IP, msg)))

	frame := <-drv.C
	reply := transportSegment(frame)
	pterm.Success.Printfln("echo reply: type %d id %#04x seq %d payload %q",
		reply[0], binary.BigEndian.Uint16(reply[4:6]), binary.BigEndian.Uint16(reply[6:8]), reply[8:])
}

func demoUDP(st *stack.Stack, drv *driver.Channel) {
	pterm.DefaultSection.Println("UDP datagram")

	sock := st.Open(socket.DomainInet, socket.TypeDgram, socket.ProtocolUDP)
	port, err := st.Connect(sock, 7, peerIP)
	if err != nil {
		pterm.Error.Printfln("bind: %v", err)
		return
	}
	pterm.Info.Printfln("bound ephemeral port %d to %s:7", port, peerIP)

	if err := st.Send(sock, []byte("ping")); err != nil {
		pterm.Error.Printfln("send: %v", err)
		return
	}

	frame := <-drv.C
	seg := transportSegment(frame)
	pterm.Success.Printfln("datagram on the wire: %d -> %d length %d payload %q",
		binary.BigEndian.Uint16(seg[0:2]), binary.BigEndian.Uint16(seg[2:4]),
		binary.BigEndian.Uint16(seg[4:6]), seg[8:])

	if err := st.Disconnect(sock); err != nil {
		pterm.Error.Printfln("unbind: %v", err)
	}
}

func demoTCP(st *stack.Stack, drv *driver.Channel, iface *netstack.Interface, sched *process.KernelScheduler) {
	pterm.DefaultSection.Println("TCP session")

	stop := make(chan struct{})
	go scriptedPeer(st, drv, iface, stop)
	defer close(stop)

	sock := st.Open(socket.DomainInet, socket.TypeStream, socket.ProtocolTCP)

	done := make(chan struct{})
	sched.Spawn(func() {
		defer close(done)

		port, err := st.Connect(sock, 80, peerIP)
		if err != nil {
			pterm.Error.Printfln("connect: %v", err)
			return
		}
		pterm.Success.Printfln("connected from ephemeral port %d", port)

		if err := st.Send(sock, []byte("hello over tcp")); err != nil {
			pterm.Error.Printfln("send: %v", err)
			return
		}
		pterm.Success.Println("payload sent and acknowledged")

		if err := st.Disconnect(sock); err != nil {
			pterm.Error.Printfln("disconnect: %v", err)
			return
		}
		pterm.Success.Println("connection closed")
	})

	<-done
}

// scriptedPeer plays the server side on the wire: SYN+ACK for SYN,
// ACK for pushes, FIN+ACK for FIN.
func scriptedPeer(st *stack.Stack, drv *driver.Channel, iface *netstack.Interface, stop chan struct{}) {
	var peerSeq uint32 = 1000

	for {
		var frame []byte
		select {
		case frame = <-drv.C:
		case <-stop:
			return
		}

		seg := transportSegment(frame)
		if ipProtocol(frame) != 6 {
			continue
		}

		srcPort := binary.BigEndian.Uint16(seg[0:2])
		dstPort := binary.BigEndian.Uint16(seg[2:4])
		seq := binary.BigEndian.Uint32(seg[4:8])
		flags := seg[13]
		payload := len(seg) - int(seg[12]>>4)*4

		switch {
		case flags&0x02 != 0: // SYN
			reply := tcpSegment(dstPort, srcPort, peerSeq, seq+1, 0x12)
			st.Inject(ethFrame(iface, ipv4Packet(6, peerIP, iface.IP, reply)))
		case flags&0x01 != 0: // FIN
			reply := tcpSegment(dstPort, srcPort, peerSeq, seq+1, 0x11)
			st.Inject(ethFrame(iface, ipv4Packet(6, peerIP, iface.IP, reply)))
		case flags&0x08 != 0: // PSH
			reply := tcpSegment(dstPort, srcPort, peerSeq, seq+uint32(payload), 0x10)
			st.Inject(ethFrame(iface, ipv4Packet(6, peerIP, iface.IP, reply)))
		}
	}
}

func ethFrame(iface *netstack.Interface, payload []byte) []byte {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], iface.MAC)
	copy(frame[6:12], peerMAC)
	binary.BigEndian.PutUint16(frame[12:14], uint16(netstack.EtherTypeIPv4))
	copy(frame[14:], payload)
	return frame
}

func ipv4Packet(protocol uint8, src, dst network.IP, payload []byte) []byte {
	b := make([]byte, 20+len(payload))
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	b[8] = 64
	b[9] = protocol
	copy(b[12:16], src.To4())
	copy(b[16:20], dst.To4())
	binary.BigEndian.PutUint16(b[10:12], checksum.Sum(b[:20]))
	copy(b[20:], payload)
	return b
}

func tcpSegment(srcPort, dstPort uint16, seq, ack uint32, flags uint8) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint32(b[4:8], seq)
	binary.BigEndian.PutUint32(b[8:12], ack)
	b[12] = 5 << 4
	b[13] = flags
	binary.BigEndian.PutUint16(b[14:16], 1024)
	return b
}

func ipProtocol(frame []byte) uint8 {
	return frame[14+9]
}

func transportSegment(frame []byte) []byte {
	ihl := int(frame[14]&0x0F) * 4
	return frame[14+ihl:]
}
