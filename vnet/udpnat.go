package vnet

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	udpIdleTimeout = 120 * time.Second
	udpReadSize    = 65535
)

type udpFlowKey struct {
	guestIP   [4]byte
	guestPort uint16
	peerIP    [4]byte
	peerPort  uint16
}

type udpBinding struct {
	key      udpFlowKey
	guestMAC MAC
	conn     *net.UDPConn

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

// UDPNat relays guest UDP datagrams through per-flow host sockets.
// Each distinct (guest addr, peer addr) pair gets its own socket so
// replies come back to the right guest port.
type UDPNat struct {
	gatewayMAC MAC
	emit       func(frame []byte)

	mu       sync.Mutex
	bindings map[udpFlowKey]*udpBinding
}

func NewUDPNat(gatewayMAC MAC, emit func(frame []byte)) *UDPNat {
	return &UDPNat{
		gatewayMAC: gatewayMAC,
		emit:       emit,
		bindings:   make(map[udpFlowKey]*udpBinding),
	}
}

// HandleDatagram forwards one guest datagram to the peer, creating
// the host socket on first use.
func (n *UDPNat) HandleDatagram(guestMAC MAC, ip IPv4Header, udp UDPHeader, payload []byte) {
	key := udpFlowKey{
		guestIP:   ip.Src,
		guestPort: udp.SrcPort,
		peerIP:    ip.Dst,
		peerPort:  udp.DstPort,
	}

	n.mu.Lock()
	b, ok := n.bindings[key]
	if !ok {
		var err error
		b, err = n.bindLocked(guestMAC, key)
		if err != nil {
			n.mu.Unlock()
			logrus.WithError(err).Debug("udp: bind failed")

			return
		}
	}
	n.mu.Unlock()

	b.mu.Lock()
	b.lastSeen = time.Now()
	b.mu.Unlock()

	if _, err := b.conn.Write(payload); err != nil {
		logrus.WithError(err).Debug("udp: forward failed")
	}
}

func (n *UDPNat) bindLocked(guestMAC MAC, key udpFlowKey) (*udpBinding, error) {
	peer := &net.UDPAddr{IP: net.IP(key.peerIP[:]), Port: int(key.peerPort)}

	conn, err := net.DialUDP("udp4", nil, peer)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peer, err)
	}

	b := &udpBinding{
		key:      key,
		guestMAC: guestMAC,
		conn:     conn,
		lastSeen: time.Now(),
	}
	n.bindings[key] = b

	go b.pump(n)

	return b, nil
}

// pump reads peer replies and replays them to the guest as frames
// from the original destination address.
func (b *udpBinding) pump(n *UDPNat) {
	buf := make([]byte, udpReadSize)

	for {
		nr, err := b.conn.Read(buf)
		if err != nil {
			return
		}

		b.mu.Lock()
		b.lastSeen = time.Now()
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return
		}

		n.emit(buildUDPFrame(n.gatewayMAC, b.guestMAC, b.key.peerIP, b.key.guestIP,
			b.key.peerPort, b.key.guestPort, buf[:nr]))
	}
}

// Sweep closes bindings idle past the timeout.
func (n *UDPNat) Sweep(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, b := range n.bindings {
		b.mu.Lock()
		idle := now.Sub(b.lastSeen) >= udpIdleTimeout
		if idle {
			b.closed = true
		}
		b.mu.Unlock()

		if idle {
			b.conn.Close()
			delete(n.bindings, key)
		}
	}
}

func (n *UDPNat) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, b := range n.bindings {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		b.conn.Close()
		delete(n.bindings, key)
	}
}

func (n *UDPNat) FlowCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.bindings)
}
