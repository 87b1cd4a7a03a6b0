package vnet

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	icmpIdleTimeout = 30 * time.Second

	// icmpMaxFlows bounds ping sockets per stack so a guest cannot
	// exhaust host file descriptors.
	icmpMaxFlows = 64

	icmpEchoRequest = 8
	icmpEchoReply   = 0
)

type icmpFlowKey struct {
	guestIP [4]byte
	peerIP  [4]byte
	echoID  uint16
}

type icmpFlow struct {
	key      icmpFlowKey
	guestMAC MAC
	fd       int

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

// ICMPNat forwards guest echo requests through unprivileged ICMP
// datagram sockets. The kernel rewrites the echo identifier on the
// wire, so replies are rewritten back to the guest's identifier
// before re-framing.
type ICMPNat struct {
	gatewayMAC MAC
	emit       func(frame []byte)

	mu    sync.Mutex
	flows map[icmpFlowKey]*icmpFlow
}

func NewICMPNat(gatewayMAC MAC, emit func(frame []byte)) *ICMPNat {
	return &ICMPNat{
		gatewayMAC: gatewayMAC,
		emit:       emit,
		flows:      make(map[icmpFlowKey]*icmpFlow),
	}
}

// HandleMessage forwards one guest ICMP message. Only echo requests
// are supported; everything else is dropped.
func (n *ICMPNat) HandleMessage(guestMAC MAC, ip IPv4Header, msg []byte) {
	if len(msg) < 8 || msg[0] != icmpEchoRequest {
		return
	}

	echoID := binary.BigEndian.Uint16(msg[4:6])
	key := icmpFlowKey{guestIP: ip.Src, peerIP: ip.Dst, echoID: echoID}

	n.mu.Lock()
	f, ok := n.flows[key]
	if !ok {
		if len(n.flows) >= icmpMaxFlows {
			n.mu.Unlock()
			logrus.Debug("icmp: flow limit reached")

			return
		}

		var err error
		f, err = n.openLocked(guestMAC, key)
		if err != nil {
			n.mu.Unlock()
			logrus.WithError(err).Debug("icmp: socket failed")

			return
		}
	}
	n.mu.Unlock()

	f.mu.Lock()
	f.lastSeen = time.Now()
	f.mu.Unlock()

	sa := &unix.SockaddrInet4{Addr: key.peerIP}
	if err := unix.Sendto(f.fd, msg, 0, sa); err != nil {
		logrus.WithError(err).Debug("icmp: send failed")
	}
}

func (n *ICMPNat) openLocked(guestMAC MAC, key icmpFlowKey) (*icmpFlow, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, fmt.Errorf("ping socket: %w", err)
	}

	f := &icmpFlow{
		key:      key,
		guestMAC: guestMAC,
		fd:       fd,
		lastSeen: time.Now(),
	}
	n.flows[key] = f

	go f.pump(n)

	return f, nil
}

func (f *icmpFlow) pump(n *ICMPNat) {
	buf := make([]byte, MTU)

	for {
		nr, _, err := unix.Recvfrom(f.fd, buf, 0)
		if err != nil {
			return
		}

		if nr < 8 || buf[0] != icmpEchoReply {
			continue
		}

		f.mu.Lock()
		f.lastSeen = time.Now()
		closed := f.closed
		f.mu.Unlock()

		if closed {
			return
		}

		msg := make([]byte, nr)
		copy(msg, buf[:nr])
		binary.BigEndian.PutUint16(msg[4:6], f.key.echoID)

		n.emit(buildICMPFrame(n.gatewayMAC, f.guestMAC, f.key.peerIP,
			f.key.guestIP, msg))
	}
}

// Sweep closes ping sockets idle past the timeout.
func (n *ICMPNat) Sweep(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, f := range n.flows {
		f.mu.Lock()
		idle := now.Sub(f.lastSeen) >= icmpIdleTimeout
		if idle {
			f.closed = true
		}
		f.mu.Unlock()

		if idle {
			unix.Close(f.fd)
			delete(n.flows, key)
		}
	}
}

func (n *ICMPNat) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, f := range n.flows {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()

		unix.Close(f.fd)
		delete(n.flows, key)
	}
}
