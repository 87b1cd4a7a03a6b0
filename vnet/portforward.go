package vnet

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/capsa-vm/capsa/config"
)

const (
	// Forwarded connections appear to the guest as coming from the
	// gateway with a source port out of this range.
	forwardPortBase = 50000
	forwardPortMax  = 59999

	forwardUDPIdle = 120 * time.Second
)

// GuestAddr resolves the guest's current MAC and leased IP. Returns
// false until the guest has completed DHCP.
type GuestAddr func() (MAC, [4]byte, bool)

type udpForwardSession struct {
	clientAddr *net.UDPAddr
	sock       *net.UDPConn
	guestPort  uint16
	lastSeen   time.Time
}

// PortForwarder exposes guest ports on the host. TCP forwards accept
// on the host and open reversed-role NAT flows toward the guest; UDP
// forwards relay datagrams with a per-client source port so guest
// replies find their way back.
type PortForwarder struct {
	gatewayIP  [4]byte
	gatewayMAC MAC
	tcp        *TCPNat
	emit       func(frame []byte)
	guestAddr  GuestAddr

	mu        sync.Mutex
	nextPort  uint16
	listeners []net.Listener
	udpSocks  []*net.UDPConn

	// udpSessions maps the synthetic gateway source port back to the
	// host-side client it represents.
	udpSessions map[uint16]*udpForwardSession
	udpByClient map[string]uint16

	closed bool
}

func NewPortForwarder(gatewayIP [4]byte, gatewayMAC MAC, tcp *TCPNat,
	emit func(frame []byte), guestAddr GuestAddr,
) *PortForwarder {
	return &PortForwarder{
		gatewayIP:   gatewayIP,
		gatewayMAC:  gatewayMAC,
		tcp:         tcp,
		emit:        emit,
		guestAddr:   guestAddr,
		nextPort:    forwardPortBase,
		udpSessions: make(map[uint16]*udpForwardSession),
		udpByClient: make(map[string]uint16),
	}
}

// Start opens host sockets for every forward. Partial failure closes
// everything already opened.
func (f *PortForwarder) Start(forwards []config.PortForward) error {
	for _, fw := range forwards {
		var err error

		switch fw.Proto {
		case config.ProtoTCP:
			err = f.startTCP(fw)
		case config.ProtoUDP:
			err = f.startUDP(fw)
		default:
			err = fmt.Errorf("unsupported forward protocol %q", fw.Proto)
		}

		if err != nil {
			f.Close()

			return fmt.Errorf("forward %d->%d: %w", fw.HostPort, fw.GuestPort, err)
		}
	}

	return nil
}

func (f *PortForwarder) startTCP(fw config.PortForward) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", fw.HostAddr(), fw.HostPort))
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.listeners = append(f.listeners, ln)
	f.mu.Unlock()

	go f.acceptLoop(ln, fw.GuestPort)

	return nil
}

func (f *PortForwarder) acceptLoop(ln net.Listener, guestPort uint16) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		mac, ip, ok := f.guestAddr()
		if !ok {
			logrus.Debug("forward: guest has no lease yet, dropping connection")
			conn.Close()

			continue
		}

		port, ok := f.allocPort()
		if !ok {
			logrus.Warn("forward: source port range exhausted")
			conn.Close()

			continue
		}

		f.tcp.OpenInbound(mac, ip, guestPort, f.gatewayIP, port, conn)
	}
}

func (f *PortForwarder) startUDP(fw config.PortForward) error {
	addr := &net.UDPAddr{IP: net.ParseIP(fw.HostAddr()), Port: int(fw.HostPort)}

	sock, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.udpSocks = append(f.udpSocks, sock)
	f.mu.Unlock()

	go f.udpLoop(sock, fw.GuestPort)

	return nil
}

func (f *PortForwarder) udpLoop(sock *net.UDPConn, guestPort uint16) {
	buf := make([]byte, udpReadSize)

	for {
		nr, clientAddr, err := sock.ReadFromUDP(buf)
		if err != nil {
			return
		}

		mac, ip, ok := f.guestAddr()
		if !ok {
			continue
		}

		port, ok := f.udpSession(sock, clientAddr, guestPort)
		if !ok {
			continue
		}

		f.emit(buildUDPFrame(f.gatewayMAC, mac, f.gatewayIP, ip,
			port, guestPort, buf[:nr]))
	}
}

func (f *PortForwarder) udpSession(sock *net.UDPConn, clientAddr *net.UDPAddr, guestPort uint16) (uint16, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	clientKey := clientAddr.String()
	if port, ok := f.udpByClient[clientKey]; ok {
		f.udpSessions[port].lastSeen = time.Now()

		return port, true
	}

	port, ok := f.allocPortLocked()
	if !ok {
		return 0, false
	}

	f.udpSessions[port] = &udpForwardSession{
		clientAddr: clientAddr,
		sock:       sock,
		guestPort:  guestPort,
		lastSeen:   time.Now(),
	}
	f.udpByClient[clientKey] = port

	return port, true
}

// HandleGuestDatagram claims guest UDP sent to a forward reply port on
// the gateway. Returns false when the datagram is not a forward reply.
func (f *PortForwarder) HandleGuestDatagram(udp UDPHeader, payload []byte) bool {
	f.mu.Lock()
	sess, ok := f.udpSessions[udp.DstPort]
	if ok {
		sess.lastSeen = time.Now()
	}
	f.mu.Unlock()

	if !ok {
		return false
	}

	if _, err := sess.sock.WriteToUDP(payload, sess.clientAddr); err != nil {
		logrus.WithError(err).Debug("forward: udp reply failed")
	}

	return true
}

func (f *PortForwarder) allocPort() (uint16, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.allocPortLocked()
}

func (f *PortForwarder) allocPortLocked() (uint16, bool) {
	for range int(forwardPortMax-forwardPortBase) + 1 {
		port := f.nextPort
		f.nextPort++
		if f.nextPort > forwardPortMax {
			f.nextPort = forwardPortBase
		}

		if _, used := f.udpSessions[port]; !used {
			return port, true
		}
	}

	return 0, false
}

// Sweep drops UDP sessions idle past the timeout.
func (f *PortForwarder) Sweep(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for port, sess := range f.udpSessions {
		if now.Sub(sess.lastSeen) >= forwardUDPIdle {
			delete(f.udpSessions, port)
			delete(f.udpByClient, sess.clientAddr.String())
		}
	}
}

func (f *PortForwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true

	for _, ln := range f.listeners {
		ln.Close()
	}

	for _, sock := range f.udpSocks {
		sock.Close()
	}

	f.listeners, f.udpSocks = nil, nil
	f.udpSessions = make(map[uint16]*udpForwardSession)
	f.udpByClient = make(map[string]uint16)
}
