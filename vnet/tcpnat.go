package vnet

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	tcpDialTimeout = 10 * time.Second
	tcpTimeWait    = 60 * time.Second

	// hostReadSize bounds a single read from the host socket; the
	// result is segmented to MSS before hitting the wire.
	hostReadSize = 4096
)

type tcpState int

const (
	tcpSynRcvd tcpState = iota
	tcpEstablished
	tcpFinWait
	tcpClosed
)

func (s tcpState) String() string {
	switch s {
	case tcpSynRcvd:
		return "syn-rcvd"
	case tcpEstablished:
		return "established"
	case tcpFinWait:
		return "fin-wait"
	case tcpClosed:
		return "closed"
	}

	return fmt.Sprintf("tcpState(%d)", int(s))
}

type tcpFlowKey struct {
	guestIP   [4]byte
	guestPort uint16
	peerIP    [4]byte
	peerPort  uint16
}

func (k tcpFlowKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d",
		net.IP(k.guestIP[:]), k.guestPort, net.IP(k.peerIP[:]), k.peerPort)
}

// tcpConn is one guest flow terminated into a host TCP socket. The
// guest-facing sequence number is shared between the frame handler
// (pure ACKs, FIN) and the host reader goroutine (data), so it is
// atomic; everything else is guarded by mu.
type tcpConn struct {
	key      tcpFlowKey
	guestMAC MAC
	inbound  bool

	ourSeq atomic.Uint32

	mu       sync.Mutex
	state    tcpState
	guestSeq uint32 // next byte expected from the guest
	host     net.Conn
	closedAt time.Time
}

// TCPNat terminates guest TCP flows into host sockets. Frames come in
// from the stack loop; replies go out through emit, which must be
// safe to call from any goroutine.
type TCPNat struct {
	gatewayMAC MAC
	emit       func(frame []byte)

	mu    sync.Mutex
	flows map[tcpFlowKey]*tcpConn
}

func NewTCPNat(gatewayMAC MAC, emit func(frame []byte)) *TCPNat {
	return &TCPNat{
		gatewayMAC: gatewayMAC,
		emit:       emit,
		flows:      make(map[tcpFlowKey]*tcpConn),
	}
}

// HandleSegment processes one guest TCP segment.
func (n *TCPNat) HandleSegment(guestMAC MAC, ip IPv4Header, tcp TCPHeader, payload []byte) {
	key := tcpFlowKey{
		guestIP:   ip.Src,
		guestPort: tcp.SrcPort,
		peerIP:    ip.Dst,
		peerPort:  tcp.DstPort,
	}

	n.mu.Lock()
	c, ok := n.flows[key]
	n.mu.Unlock()

	if !ok {
		if tcp.Flags&tcpSYN != 0 && tcp.Flags&tcpACK == 0 {
			n.open(guestMAC, key, tcp.Seq)

			return
		}

		// No flow and not a SYN: tell the guest to go away.
		if tcp.Flags&tcpRST == 0 {
			n.emit(buildTCPFrame(n.gatewayMAC, guestMAC, key.peerIP, key.guestIP,
				key.peerPort, key.guestPort, 0, tcp.Seq+uint32(len(payload)),
				tcpRST|tcpACK, nil))
		}

		return
	}

	c.handleSegment(n, tcp, payload)
}

// open dials the host side and completes the handshake on success.
func (n *TCPNat) open(guestMAC MAC, key tcpFlowKey, guestISN uint32) {
	c := &tcpConn{
		key:      key,
		guestMAC: guestMAC,
		state:    tcpSynRcvd,
		guestSeq: guestISN + 1,
	}
	c.ourSeq.Store(rand.Uint32())

	n.mu.Lock()
	n.flows[key] = c
	n.mu.Unlock()

	go func() {
		addr := net.JoinHostPort(net.IP(key.peerIP[:]).String(),
			fmt.Sprintf("%d", key.peerPort))

		host, err := net.DialTimeout("tcp", addr, tcpDialTimeout)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"flow": key,
			}).WithError(err).Debug("tcp: dial failed")

			n.emit(buildTCPFrame(n.gatewayMAC, guestMAC, key.peerIP, key.guestIP,
				key.peerPort, key.guestPort, 0, guestISN+1, tcpRST|tcpACK, nil))
			n.drop(key)

			return
		}

		c.mu.Lock()
		if c.state != tcpSynRcvd {
			c.mu.Unlock()
			host.Close()

			return
		}
		c.host = host
		c.mu.Unlock()

		isn := c.ourSeq.Load()
		n.emit(buildTCPFrame(n.gatewayMAC, guestMAC, key.peerIP, key.guestIP,
			key.peerPort, key.guestPort, isn, guestISN+1, tcpSYN|tcpACK, nil))
		c.ourSeq.Add(1) // SYN consumes one sequence number

		go c.pumpHostToGuest(n)
	}()
}

func (c *tcpConn) handleSegment(n *TCPNat, tcp TCPHeader, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tcp.Flags&tcpRST != 0 {
		c.teardownLocked(n, false)

		return
	}

	switch c.state {
	case tcpSynRcvd:
		if c.inbound {
			if tcp.Flags&(tcpSYN|tcpACK) == tcpSYN|tcpACK {
				c.guestSeq = tcp.Seq + 1
				n.emit(c.ackFrameLocked(n))
				c.state = tcpEstablished

				go c.pumpHostToGuest(n)
			}

			return
		}

		if tcp.Flags&tcpACK != 0 && c.host != nil {
			c.state = tcpEstablished
		}
	case tcpEstablished, tcpFinWait:
		c.acceptDataLocked(n, tcp, payload)
	case tcpClosed:
	}
}

// acceptDataLocked takes in-order payload, writes it to the host, and
// acknowledges. Out-of-order segments are dropped; the guest's
// retransmit recovers them.
func (c *tcpConn) acceptDataLocked(n *TCPNat, tcp TCPHeader, payload []byte) {
	if len(payload) > 0 {
		if tcp.Seq != c.guestSeq {
			n.emit(c.ackFrameLocked(n))

			return
		}

		if c.host != nil {
			if _, err := c.host.Write(payload); err != nil {
				c.teardownLocked(n, true)

				return
			}
		}

		c.guestSeq += uint32(len(payload))
		n.emit(c.ackFrameLocked(n))
	}

	if tcp.Flags&tcpFIN != 0 && tcp.Seq+uint32(len(payload)) == c.guestSeq {
		c.guestSeq++
		n.emit(c.ackFrameLocked(n))

		if tc, ok := c.host.(*net.TCPConn); ok {
			tc.CloseWrite()
		}

		if c.state == tcpFinWait {
			// Both directions finished.
			c.closeLocked()
		} else {
			c.state = tcpFinWait
		}
	}
}

func (c *tcpConn) ackFrameLocked(n *TCPNat) []byte {
	return buildTCPFrame(n.gatewayMAC, c.guestMAC, c.key.peerIP, c.key.guestIP,
		c.key.peerPort, c.key.guestPort, c.ourSeq.Load(), c.guestSeq, tcpACK, nil)
}

// pumpHostToGuest reads from the host socket and replays the bytes to
// the guest in MSS-sized segments.
func (c *tcpConn) pumpHostToGuest(n *TCPNat) {
	buf := make([]byte, hostReadSize)

	for {
		nr, err := c.host.Read(buf)
		if nr > 0 {
			c.sendToGuest(n, buf[:nr])
		}

		if err != nil {
			c.hostDone(n)

			return
		}
	}
}

func (c *tcpConn) sendToGuest(n *TCPNat, data []byte) {
	c.mu.Lock()
	guestSeq := c.guestSeq
	done := c.state == tcpClosed
	c.mu.Unlock()

	if done {
		return
	}

	for len(data) > 0 {
		chunk := data
		if len(chunk) > MSS {
			chunk = chunk[:MSS]
		}
		data = data[len(chunk):]

		seq := c.ourSeq.Load()
		flags := uint8(tcpACK)
		if len(data) == 0 {
			flags |= tcpPSH
		}

		n.emit(buildTCPFrame(n.gatewayMAC, c.guestMAC, c.key.peerIP, c.key.guestIP,
			c.key.peerPort, c.key.guestPort, seq, guestSeq, flags, chunk))
		c.ourSeq.Add(uint32(len(chunk)))
	}
}

// hostDone runs when the host socket hits EOF or error: send our FIN
// and finish or half-close depending on what the guest already did.
func (c *tcpConn) hostDone(n *TCPNat) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == tcpClosed {
		return
	}

	fin := buildTCPFrame(n.gatewayMAC, c.guestMAC, c.key.peerIP, c.key.guestIP,
		c.key.peerPort, c.key.guestPort, c.ourSeq.Load(), c.guestSeq,
		tcpFIN|tcpACK, nil)
	c.ourSeq.Add(1)
	n.emit(fin)

	if c.state == tcpFinWait {
		c.closeLocked()
	} else {
		c.state = tcpFinWait
	}
}

func (c *tcpConn) teardownLocked(n *TCPNat, sendRST bool) {
	if c.state == tcpClosed {
		return
	}

	if sendRST {
		n.emit(buildTCPFrame(n.gatewayMAC, c.guestMAC, c.key.peerIP, c.key.guestIP,
			c.key.peerPort, c.key.guestPort, c.ourSeq.Load(), c.guestSeq,
			tcpRST|tcpACK, nil))
	}

	c.closeLocked()
}

func (c *tcpConn) closeLocked() {
	c.state = tcpClosed
	c.closedAt = time.Now()

	if c.host != nil {
		c.host.Close()
	}
}

// OpenInbound starts a forwarded connection toward the guest: the
// host socket already exists, so the stack plays client and sends the
// SYN. The guest's SYN-ACK completes the handshake in HandleSegment.
func (n *TCPNat) OpenInbound(guestMAC MAC, guestIP [4]byte, guestPort uint16,
	peerIP [4]byte, peerPort uint16, host net.Conn,
) {
	key := tcpFlowKey{
		guestIP:   guestIP,
		guestPort: guestPort,
		peerIP:    peerIP,
		peerPort:  peerPort,
	}

	c := &tcpConn{
		key:      key,
		guestMAC: guestMAC,
		inbound:  true,
		state:    tcpSynRcvd,
		host:     host,
	}
	c.ourSeq.Store(rand.Uint32())

	n.mu.Lock()
	n.flows[key] = c
	n.mu.Unlock()

	isn := c.ourSeq.Load()
	n.emit(buildTCPFrame(n.gatewayMAC, guestMAC, peerIP, guestIP,
		peerPort, guestPort, isn, 0, tcpSYN, nil))
	c.ourSeq.Add(1)
}

func (n *TCPNat) drop(key tcpFlowKey) {
	n.mu.Lock()
	delete(n.flows, key)
	n.mu.Unlock()
}

// Sweep removes flows that have sat in the closed state past the
// TIME_WAIT window. Called from the stack's housekeeping tick.
func (n *TCPNat) Sweep(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, c := range n.flows {
		c.mu.Lock()
		expired := c.state == tcpClosed && now.Sub(c.closedAt) >= tcpTimeWait
		c.mu.Unlock()

		if expired {
			delete(n.flows, key)
		}
	}
}

// Close tears down every flow. Used at stack shutdown.
func (n *TCPNat) Close() {
	n.mu.Lock()
	flows := make([]*tcpConn, 0, len(n.flows))
	for _, c := range n.flows {
		flows = append(flows, c)
	}
	n.flows = make(map[tcpFlowKey]*tcpConn)
	n.mu.Unlock()

	for _, c := range flows {
		c.mu.Lock()
		c.closeLocked()
		c.mu.Unlock()
	}
}

// HasFlow reports whether a NAT entry exists for the guest-side
// 4-tuple.
func (n *TCPNat) HasFlow(guestIP [4]byte, guestPort uint16, peerIP [4]byte, peerPort uint16) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, ok := n.flows[tcpFlowKey{
		guestIP:   guestIP,
		guestPort: guestPort,
		peerIP:    peerIP,
		peerPort:  peerPort,
	}]

	return ok
}

// FlowCount reports live flow entries, TIME_WAIT included.
func (n *TCPNat) FlowCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.flows)
}
