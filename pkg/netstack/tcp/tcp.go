// Package tcp implements the stream transport: client-initiated
// three-way handshake, data exchange acknowledged with retransmission,
// and the four-way teardown. Server-side listen/accept is out of
// scope.
package tcp

import (
	"encoding/binary"
	network "net"
	"sync/atomic"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"kernos/pkg/collections"
	"kernos/pkg/conc"
	"kernos/pkg/netstack"
	"kernos/pkg/netstack/checksum"
	"kernos/pkg/netstack/conn"
	"kernos/pkg/netstack/ip"
	"kernos/pkg/netstack/packet"
	"kernos/pkg/netstack/socket"
)

// Per-attempt acknowledgement timeout and the retry budget of every
// blocking send.
const (
	timeoutMs = 1000
	maxTries  = 5
)

// ackQueueCapacity bounds the per-connection queue of acknowledgement
// packets observed by the decode path.
const ackQueueCapacity = 8

// errAckTimeout marks one attempt that saw no matching
// acknowledgement; the retry loop distinguishes it from transmission
// failures, which abort immediately.
var errAckTimeout = errors.New("tcp: acknowledgement timeout")

// State is the connection state.
type State uint8

// Connection states. The two waiting phases of the teardown are driven
// inside Disconnect.
const (
	StateClosed State = iota
	StateSynSent
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
)

// Connection is a stream connection record.
type Connection struct {
	LocalPort  uint16
	RemotePort uint16
	RemoteAddr network.IP

	Connected bool
	State     State

	// SeqNumber and AckNumber advance monotonically modulo 2^32
	// under normal flow, updated by the decode path and by matched
	// acknowledgements.
	SeqNumber uint32
	AckNumber uint32

	// listening is true while the owning operation drains the ack
	// queue; exactly one caller drives a connection at a time.
	listening atomic.Bool

	lock    conc.Spinlock
	queue   *conc.Cond
	packets *collections.Ring[*packet.Buffer]

	Socket *socket.Socket
}

func (c *Connection) init(sched conc.Scheduler) {
	c.queue = conc.NewCond(sched)
	c.packets = collections.NewRing[*packet.Buffer](ackQueueCapacity)
}

// pushAck queues an acknowledgement observed by the decode path.
func (c *Connection) pushAck(pkt *packet.Buffer) {
	c.lock.Lock()
	ok := c.packets.Push(pkt)
	c.lock.Unlock()

	if !ok {
		log.Debugf("tcp: ack queue full on port %d, dropping packet", c.LocalPort)
		return
	}
	c.queue.NotifyOne()
}

func (c *Connection) popAck() (*packet.Buffer, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.packets.Pop()
}

func (c *Connection) ackEmpty() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.packets.Empty()
}

// Layer is the stream transport.
type Layer struct {
	ip        *ip.Layer
	iface     *netstack.Interface
	conns     *conn.Table[Connection]
	sched     conc.Scheduler
	clock     conc.Clock
	localPort atomic.Uint32
}

// NewLayer creates the stream transport over the given internet layer
// and egress interface.
func NewLayer(ipLayer *ip.Layer, iface *netstack.Interface, sched conc.Scheduler, clock conc.Clock) *Layer {
	l := &Layer{
		ip:    ipLayer,
		iface: iface,
		conns: conn.NewTable[Connection](),
		sched: sched,
		clock: clock,
	}
	l.localPort.Store(1023)
	return l
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

// Decode handles an ingress segment handed up by the internet layer.
// It updates the connection's seq/ack view, feeds the ack queue and
// the socket listen queue, and acknowledges pushed data immediately.
func (l *Layer) Decode(iface *netstack.Interface, pkt *packet.Buffer) {
	pkt.SetTag(packet.LayerTransport, pkt.Index)

	seg := pkt.Rest()
	if len(seg) < HeaderLength {
		log.Debugf("tcp: dropping truncated segment of %d bytes", len(seg))
		return
	}

	sourcePort := binary.BigEndian.Uint16(seg[0:2])
	targetPort := binary.BigEndian.Uint16(seg[2:4])
	seq := segmentSeq(pkt)
	ack := segmentAck(pkt)
	flags := segmentFlags(pkt)

	log.Tracef("tcp: segment %d -> %d seq %d ack %d flags %#04x",
		sourcePort, targetPort, seq, ack, flags&0x0FFF)

	if flags&FlagRST != 0 {
		log.Debugf("tcp: reset from port %d ignored", sourcePort)
		return
	}

	nextSeq := ack
	nextAck := seq + uint32(payloadLen(pkt))

	c, ok := l.conns.Lookup(targetPort, sourcePort)
	if ok {
		c.SeqNumber = nextSeq
		c.AckNumber = nextAck

		// Propagate to the waiter draining the ack queue.
		if c.listening.Load() {
			c.pushAck(pkt.Clone())
		}

		// Propagate pushed data to the socket.
		if flags&FlagPSH != 0 && c.Socket != nil {
			pkt.Advance(dataOffset(flags))
			if c.Socket.Listening() {
				c.Socket.DeliverListen(pkt.Clone())
			}
		}
	} else {
		log.Debugf("tcp: no connection for ports (%d, %d)", targetPort, sourcePort)
	}

	// Acknowledge pushed data immediately, without waiting.
	if flags&FlagPSH != 0 {
		l.acknowledge(iface, pkt, targetPort, sourcePort, nextSeq, nextAck)
	}
}

func (l *Layer) acknowledge(iface *netstack.Interface, pkt *packet.Buffer, localPort, remotePort uint16, seq, ack uint32) {
	reply, err := l.prepareRaw(iface, ip.SourceIP(pkt), localPort, remotePort, 0)
	if err != nil {
		log.Errorf("tcp: preparing ack segment: %v", err)
		return
	}

	setSeqAck(reply, seq, ack)
	setFlags(reply, FlagACK)

	if err := l.finalizeDirect(reply); err != nil {
		log.Errorf("tcp: sending ack segment: %v", err)
	}
}

// Connect opens a connection to the remote endpoint: it sends a SYN,
// waits for the SYN+ACK under the retry budget, acknowledges it, and
// returns the ephemeral local port.
func (l *Layer) Connect(sock *socket.Socket, remotePort uint16, remoteAddr network.IP) (uint16, error) {
	local := uint16(l.localPort.Add(1))

	c := l.conns.Create(local, remotePort)
	c.init(l.sched)
	c.LocalPort = local
	c.RemotePort = remotePort
	c.RemoteAddr = append(network.IP(nil), remoteAddr.To4()...)
	c.Socket = sock
	sock.ConnData = c

	pkt, err := l.prepareSegment(c, 0)
	if err != nil {
		l.teardown(sock, c)
		return 0, err
	}
	setFlags(pkt, FlagSYN)
	c.State = StateSynSent

	log.Trace("tcp: send SYN")

	if err := l.finalizeRetry(sock, pkt); err != nil {
		l.teardown(sock, c)
		return 0, err
	}

	// The SYN+ACK has been consumed by the retry loop; acknowledge
	// it without waiting.
	ackPkt, err := l.prepareSegment(c, 0)
	if err != nil {
		l.teardown(sock, c)
		return 0, err
	}
	setFlags(ackPkt, FlagACK)

	log.Trace("tcp: send ACK")
	if err := l.finalizeDirect(ackPkt); err != nil {
		l.teardown(sock, c)
		return 0, err
	}

	c.Connected = true
	c.State = StateEstablished

	return local, nil
}

// Prepare returns a pushed-data segment carrying the connection's
// current numbers, its cursor at the payload region. Used directly for
// zero-copy user sends; Finalize completes it.
func (l *Layer) Prepare(sock *socket.Socket, size int) (*packet.Buffer, error) {
	c, err := connData(sock)
	if err != nil {
		return nil, err
	}

	pkt, err := l.prepareSegment(c, size)
	if err != nil {
		return nil, err
	}
	setFlags(pkt, FlagPSH|FlagACK)

	return pkt, nil
}

// Finalize emits a prepared segment and blocks until the peer
// acknowledges it, retrying under the budget.
func (l *Layer) Finalize(sock *socket.Socket, pkt *packet.Buffer) error {
	return l.finalizeRetry(sock, pkt)
}

// Send transmits the caller's bytes as one pushed segment and blocks
// until the peer acknowledges it.
func (l *Layer) Send(sock *socket.Socket, buf []byte) error {
	pkt, err := l.Prepare(sock, len(buf))
	if err != nil {
		return err
	}

	copy(pkt.Rest(), buf)

	log.Tracef("tcp: send %d bytes", len(buf))

	return l.finalizeRetry(sock, pkt)
}

// Recv blocks until pushed data arrives, then copies the payload into
// buf and returns its length.
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
// deadline fails immediately when no segment is queued.
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
		return 0, errors.Wrap(netstack.ErrSocketTimeout, "tcp: woken without a packet")
	}

	// The decode path advanced the cursor past the transport header
	// before enqueueing.
	n := payloadLen(pkt)
	if n < 0 || pkt.Index+n > len(pkt.Payload) {
		pkt.Release()
		return 0, errors.New("tcp: inconsistent segment length")
	}

	if n > len(buf) {
		pkt.Release()
		return 0, netstack.ErrBufferSmall
	}

	copy(buf, pkt.Payload[pkt.Index:pkt.Index+n])
	pkt.Release()

	return n, nil
}

// Disconnect closes the connection: it sends FIN+ACK under the retry
// budget, handles both the combined FIN+ACK reply and the ACK followed
// by FIN+ACK ordering, acknowledges, and removes the connection.
func (l *Layer) Disconnect(sock *socket.Socket) error {
	c, err := connData(sock)
	if err != nil {
		return err
	}

	log.Tracef("tcp: disconnect port %d", c.LocalPort)

	pkt, err := l.prepareSegment(c, 0)
	if err != nil {
		return err
	}
	setFlags(pkt, FlagFIN|FlagACK)
	c.State = StateFinWait1

	l.computeChecksum(pkt)
	pkt.Retreat(dataOffset(segmentFlags(pkt)))

	c.listening.Store(true)

	var seq, ack uint32
	received := false
	recFinAck := false

	attempt := func() error {
		out := pkt.Clone()
		if err := l.ip.Finalize(l.iface, out); err != nil {
			return backoff.Permanent(err)
		}

		before := l.clock.Milliseconds()
		for {
			now := l.clock.Milliseconds()
			if now > before+timeoutMs {
				return errAckTimeout
			}

			if c.ackEmpty() {
				if !c.queue.WaitFor(timeoutMs - (now - before)) {
					return errAckTimeout
				}
			}

			answer, ok := c.popAck()
			if !ok {
				continue
			}

			flags := segmentFlags(answer)
			match := false
			switch {
			case flags&FlagFIN != 0 && flags&FlagACK != 0:
				recFinAck = true
				match = true
			case flags&FlagACK != 0:
				match = true
			}

			if match {
				seq = segmentSeq(answer)
				ack = segmentAck(answer)
				answer.Release()
				received = true
				return nil
			}
			answer.Release()
		}
	}

	retryErr := backoff.Retry(attempt, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxTries-1))

	if !received {
		c.listening.Store(false)
		if retryErr != nil && !errors.Is(retryErr, errAckTimeout) {
			return retryErr
		}
		return errors.Wrap(netstack.ErrTCP, "tcp: disconnect unacknowledged")
	}

	c.SeqNumber = ack
	c.AckNumber = seq + 1

	if recFinAck {
		log.Trace("tcp: received FIN+ACK directly, waiting for nothing more")
		c.State = StateClosing
	} else {
		// Sequential close: the ACK came alone, the FIN+ACK follows
		// within one more timeout window.
		log.Trace("tcp: received ACK, waiting for FIN+ACK")
		c.State = StateFinWait2

		if !l.awaitFinAck(c, &seq, &ack) {
			c.listening.Store(false)
			return errors.Wrap(netstack.ErrTCP, "tcp: peer never sent FIN+ACK")
		}

		c.SeqNumber = ack
		c.AckNumber = seq + 1
	}

	c.listening.Store(false)
	c.State = StateTimeWait

	// Acknowledge the peer's FIN without waiting.
	ackPkt, err := l.prepareSegment(c, 0)
	if err != nil {
		return err
	}
	setFlags(ackPkt, FlagACK)

	log.Trace("tcp: send final ACK")
	if err := l.finalizeDirect(ackPkt); err != nil {
		return err
	}

	c.Connected = false
	c.State = StateClosed
	l.teardown(sock, c)

	return nil
}

// awaitFinAck waits one timeout window for the peer's FIN+ACK during a
// sequential close, updating seq and ack on success.
func (l *Layer) awaitFinAck(c *Connection, seq, ack *uint32) bool {
	before := l.clock.Milliseconds()
	for {
		now := l.clock.Milliseconds()
		if now > before+timeoutMs {
			return false
		}

		if c.ackEmpty() {
			if !c.queue.WaitFor(timeoutMs - (now - before)) {
				return false
			}
		}

		answer, ok := c.popAck()
		if !ok {
			continue
		}

		flags := segmentFlags(answer)
		if flags&FlagFIN != 0 && flags&FlagACK != 0 {
			*seq = segmentSeq(answer)
			*ack = segmentAck(answer)
			answer.Release()
			return true
		}
		answer.Release()
	}
}

func (l *Layer) teardown(sock *socket.Socket, c *Connection) {
	l.conns.Remove(c.LocalPort, c.RemotePort)
	c.Socket = nil
	sock.ConnData = nil
}

// prepareSegment asks the internet layer for a buffer sized for the
// transport header plus size payload bytes, addressed to the
// connection's peer and carrying its current seq/ack numbers.
func (l *Layer) prepareSegment(c *Connection, size int) (*packet.Buffer, error) {
	pkt, err := l.prepareRaw(l.iface, c.RemoteAddr, c.LocalPort, c.RemotePort, size)
	if err != nil {
		return nil, err
	}
	setSeqAck(pkt, c.SeqNumber, c.AckNumber)
	return pkt, nil
}

// prepareRaw builds a segment outside any connection, as the decode
// path does for synthesized acknowledgements.
func (l *Layer) prepareRaw(iface *netstack.Interface, target network.IP, sourcePort, targetPort uint16, size int) (*packet.Buffer, error) {
	pkt, err := l.ip.Prepare(iface, ip.Descriptor{
		Size:     HeaderLength + size,
		Target:   target,
		Protocol: netstack.ProtocolTCP,
	})
	if err != nil {
		return nil, err
	}

	pkt.SetTag(packet.LayerTransport, pkt.Index)

	hdr := pkt.Rest()
	binary.BigEndian.PutUint16(hdr[0:2], sourcePort)
	binary.BigEndian.PutUint16(hdr[2:4], targetPort)
	binary.BigEndian.PutUint16(hdr[12:14], defaultFlags())
	binary.BigEndian.PutUint16(hdr[14:16], DefaultWindow)
	binary.BigEndian.PutUint16(hdr[18:20], 0)

	pkt.Advance(HeaderLength)

	return pkt, nil
}

// computeChecksum fills in the pseudo-header checksum of the segment
// at the transport tag.
func (l *Layer) computeChecksum(pkt *packet.Buffer) {
	off := pkt.Tag(packet.LayerTransport)
	seg := pkt.Payload[off:]
	tcpLen := len(seg)

	binary.BigEndian.PutUint16(seg[16:18], 0)
	sum := ip.PseudoHeaderSum(pkt, tcpLen)
	sum = checksum.Add(sum, seg)
	binary.BigEndian.PutUint16(seg[16:18], checksum.FinalizeNonzero(sum))
}

// finalizeDirect checksums the segment and emits it without waiting
// for an acknowledgement.
func (l *Layer) finalizeDirect(pkt *packet.Buffer) error {
	l.computeChecksum(pkt)
	pkt.Retreat(dataOffset(segmentFlags(pkt)))
	return l.ip.Finalize(l.iface, pkt)
}

// finalizeRetry checksums the segment, then repeatedly emits it and
// waits for the matching acknowledgement: SYN+ACK when the segment
// carried SYN, a plain ACK otherwise. On success the connection's
// numbers advance to (received ack, received seq + 1); exhausting the
// budget fails with the stream transport error.
//
// Each attempt transmits a clone so the original survives for the next
// try; a user-owned payload is transmitted as-is since the caller's
// memory persists.
func (l *Layer) finalizeRetry(sock *socket.Socket, pkt *packet.Buffer) error {
	c, ok := sock.ConnData.(*Connection)
	if !ok || c == nil {
		return netstack.ErrNotConnected
	}

	sentFlags := segmentFlags(pkt)

	l.computeChecksum(pkt)
	pkt.Retreat(dataOffset(sentFlags))

	c.listening.Store(true)
	defer c.listening.Store(false)

	var seq, ack uint32
	received := false

	attempt := func() error {
		out := pkt
		if !pkt.UserOwned {
			out = pkt.Clone()
		}
		cursor := pkt.Index
		err := l.ip.Finalize(l.iface, out)
		// The finalize passes move the cursor down to the frame
		// start; the original must keep pointing at the transport
		// header for the next try.
		pkt.Index = cursor
		if err != nil {
			return backoff.Permanent(err)
		}

		before := l.clock.Milliseconds()
		for {
			now := l.clock.Milliseconds()
			if now > before+timeoutMs {
				return errAckTimeout
			}

			if c.ackEmpty() {
				if !c.queue.WaitFor(timeoutMs - (now - before)) {
					return errAckTimeout
				}
			}

			answer, ok := c.popAck()
			if !ok {
				continue
			}

			flags := segmentFlags(answer)

			// A SYN must be answered by SYN+ACK, anything else by a
			// plain ACK. Matching the acknowledged sequence number to
			// the sent segment would be stricter; acks are currently
			// correlated by flag pattern only.
			match := false
			if sentFlags&FlagSYN != 0 {
				match = flags&FlagSYN != 0 && flags&FlagACK != 0
			} else {
				match = flags&FlagACK != 0
			}

			if match {
				log.Trace("tcp: received matching ack")
				seq = segmentSeq(answer)
				ack = segmentAck(answer)
				answer.Release()
				received = true
				return nil
			}

			log.Trace("tcp: received unrelated answer")
			answer.Release()
		}
	}

	retryErr := backoff.Retry(attempt, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxTries-1))

	if !received {
		if retryErr != nil && !errors.Is(retryErr, errAckTimeout) {
			return retryErr
		}
		return errors.Wrap(netstack.ErrTCP, "tcp: retry budget exhausted")
	}

	// Only the matching acknowledgement advances the numbers; the
	// retransmissions themselves never do.
	c.SeqNumber = ack
	c.AckNumber = seq + 1

	return nil
}
