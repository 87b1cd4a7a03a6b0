package vnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/capsa-vm/capsa/config"
)

const (
	// outQueueDepth bounds frames waiting for the guest. Overflow
	// drops the frame; TCP retransmits, UDP is lossy anyway.
	outQueueDepth = 512

	sweepInterval = time.Second
)

// StackConfig carries the addressing plan for one stack instance.
type StackConfig struct {
	Subnet     string
	GatewayMAC MAC
	Policy     *config.NetworkPolicy
	Forwards   []config.PortForward
}

// DefaultGatewayMAC is the gateway's hardware address unless the
// caller picks another.
var DefaultGatewayMAC = MAC{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}

type addressPlan struct {
	gatewayIP  [4]byte
	netmask    [4]byte
	rangeStart [4]byte
	rangeEnd   [4]byte
}

// planSubnet derives the gateway and DHCP range from a CIDR subnet.
// The gateway claims .2; leases run from .15 through the last host
// address below broadcast.
func planSubnet(subnet string) (addressPlan, error) {
	if subnet == "" {
		subnet = "10.0.2.0/24"
	}

	_, network, err := net.ParseCIDR(subnet)
	if err != nil {
		return addressPlan{}, fmt.Errorf("subnet %q: %w", subnet, err)
	}

	if network.IP.To4() == nil {
		return addressPlan{}, fmt.Errorf("subnet %q: IPv4 required", subnet)
	}

	ones, bits := network.Mask.Size()
	if bits != 32 || ones > 28 {
		return addressPlan{}, fmt.Errorf("subnet %q: too small for gateway and leases", subnet)
	}

	gw, err := cidr.Host(network, 2)
	if err != nil {
		return addressPlan{}, err
	}

	first, err := cidr.Host(network, 15)
	if err != nil {
		return addressPlan{}, err
	}

	_, broadcast := cidr.AddressRange(network)
	lastN := binary.BigEndian.Uint32(broadcast.To4()) - 1

	var plan addressPlan
	copy(plan.gatewayIP[:], gw.To4())
	copy(plan.netmask[:], net.IP(network.Mask).To4())
	copy(plan.rangeStart[:], first.To4())
	binary.BigEndian.PutUint32(plan.rangeEnd[:], lastN)

	return plan, nil
}

// Stack is the userspace network for one guest. A single loop reads
// guest frames and dispatches them; replies from the NAT engines and
// services funnel through a bounded output queue drained by a writer
// goroutine.
type Stack struct {
	io   FrameIO
	plan addressPlan

	gatewayMAC MAC
	cache      *DNSCache
	policy     *PolicyChecker
	dhcp       *DHCPServer
	dns        *DNSProxy
	tcp        *TCPNat
	udp        *UDPNat
	icmp       *ICMPNat
	forwards   *PortForwarder

	out    chan []byte
	cancel context.CancelFunc
	group  *errgroup.Group

	guestMAC  atomic.Value // MAC
	closeOnce sync.Once
}

// NewStack wires the services together but does not start any
// goroutines; call Run.
func NewStack(io FrameIO, cfg StackConfig) (*Stack, error) {
	plan, err := planSubnet(cfg.Subnet)
	if err != nil {
		return nil, err
	}

	gwMAC := cfg.GatewayMAC
	if gwMAC == (MAC{}) {
		gwMAC = DefaultGatewayMAC
	}

	s := &Stack{
		io:         io,
		plan:       plan,
		gatewayMAC: gwMAC,
		cache:      NewDNSCache(),
		out:        make(chan []byte, outQueueDepth),
	}

	s.policy = NewPolicyChecker(cfg.Policy, s.cache)
	s.dhcp = NewDHCPServer(plan.gatewayIP, gwMAC, plan.netmask,
		plan.rangeStart, plan.rangeEnd)
	s.dns = NewDNSProxy(plan.gatewayIP, gwMAC, s.cache)
	s.tcp = NewTCPNat(gwMAC, s.enqueue)
	s.udp = NewUDPNat(gwMAC, s.enqueue)
	s.icmp = NewICMPNat(gwMAC, s.enqueue)
	s.forwards = NewPortForwarder(plan.gatewayIP, gwMAC, s.tcp,
		s.enqueue, s.GuestAddr)

	if err := s.forwards.Start(cfg.Forwards); err != nil {
		return nil, err
	}

	return s, nil
}

// GatewayIP is the stack's address on the virtual subnet.
func (s *Stack) GatewayIP() net.IP {
	return net.IP(s.plan.gatewayIP[:])
}

// GuestAddr reports the guest's MAC and leased IP once DHCP has
// completed.
func (s *Stack) GuestAddr() (MAC, [4]byte, bool) {
	mac, ok := s.guestMAC.Load().(MAC)
	if !ok {
		return MAC{}, [4]byte{}, false
	}

	ip, ok := s.dhcp.GuestIP(mac)

	return mac, ip, ok
}

// Run drives the stack until ctx is cancelled or frame I/O fails.
func (s *Stack) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	group, ctx := errgroup.WithContext(ctx)
	s.group = group

	group.Go(func() error { return s.readLoop(ctx) })
	group.Go(func() error { return s.writeLoop(ctx) })
	group.Go(func() error { return s.sweepLoop(ctx) })

	err := group.Wait()
	s.shutdown()

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Close stops the stack and releases every host socket.
func (s *Stack) Close() {
	if s.cancel != nil {
		s.cancel()
	}

	s.shutdown()
}

func (s *Stack) shutdown() {
	s.closeOnce.Do(func() {
		s.forwards.Close()
		s.tcp.Close()
		s.udp.Close()
		s.icmp.Close()
		s.io.Close()
	})
}

// enqueue queues one frame for the guest, dropping on overflow.
func (s *Stack) enqueue(frame []byte) {
	select {
	case s.out <- frame:
	default:
		logrus.Debug("stack: output queue full, dropping frame")
	}
}

func (s *Stack) readLoop(ctx context.Context) error {
	buf := make([]byte, MTU+etherHdrLen)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := s.io.ReadFrame(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("read frame: %w", err)
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		s.dispatch(frame)
	}
}

func (s *Stack) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-s.out:
			if err := s.io.WriteFrame(frame); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				return fmt.Errorf("write frame: %w", err)
			}
		}
	}
}

func (s *Stack) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.tcp.Sweep(now)
			s.udp.Sweep(now)
			s.icmp.Sweep(now)
			s.forwards.Sweep(now)
		}
	}
}

func (s *Stack) dispatch(frame []byte) {
	eth, payload, err := parseEthernet(frame)
	if err != nil {
		return
	}

	s.guestMAC.Store(eth.Src)

	switch eth.EtherType {
	case etherTypeARP:
		s.handleARP(payload)
	case etherTypeIPv4:
		s.handleIPv4(eth, payload)
	case etherTypeIPv6:
		logrus.Debug("stack: dropping IPv6 frame")
	}
}

func (s *Stack) handleARP(payload []byte) {
	req, ok := parseARP(payload)
	if !ok || req.op != arpOpRequest {
		return
	}

	if req.targetIP != s.plan.gatewayIP {
		return
	}

	s.enqueue(buildARPReply(s.gatewayMAC, s.plan.gatewayIP, req))
}

func (s *Stack) handleIPv4(eth EthernetHeader, payload []byte) {
	ip, seg, err := parseIPv4(payload)
	if err != nil {
		return
	}

	// DHCP never passes through policy: the guest has no address yet.
	if ip.Protocol == protoUDP {
		if udp, body, err := parseUDP(seg); err == nil && udp.DstPort == dhcpServerPort {
			if reply := s.dhcp.HandleFrame(eth.Src, body); reply != nil {
				s.enqueue(reply)
			}

			return
		}
	}

	if ip.Dst == s.plan.gatewayIP {
		s.handleGatewayBound(eth, ip, seg)

		return
	}

	s.handleOutbound(eth, ip, seg)
}

// handleGatewayBound serves traffic addressed to the stack itself:
// DNS, forward replies, and ping.
func (s *Stack) handleGatewayBound(eth EthernetHeader, ip IPv4Header, seg []byte) {
	switch ip.Protocol {
	case protoUDP:
		udp, body, err := parseUDP(seg)
		if err != nil {
			return
		}

		if udp.DstPort == dnsPort {
			// DNS resolution is never subject to policy; domain rules
			// act on the connections that follow.
			guestMAC, guestIP, srcPort := eth.Src, ip.Src, udp.SrcPort
			query := make([]byte, len(body))
			copy(query, body)

			go func() {
				if reply := s.dns.HandleQuery(guestMAC, guestIP, srcPort, query); reply != nil {
					s.enqueue(reply)
				}
			}()

			return
		}

		s.forwards.HandleGuestDatagram(udp, body)
	case protoICMP:
		if len(seg) >= 8 && seg[0] == icmpEchoRequest {
			reply := make([]byte, len(seg))
			copy(reply, seg)
			reply[0] = icmpEchoReply
			s.enqueue(buildICMPFrame(s.gatewayMAC, eth.Src, s.plan.gatewayIP,
				ip.Src, reply))
		}
	case protoTCP:
		// Forward replies flow through the NAT table; anything else
		// aimed at the gateway is refused.
		tcp, body, err := parseTCP(seg)
		if err != nil {
			return
		}

		if s.tcp.HasFlow(ip.Src, tcp.SrcPort, ip.Dst, tcp.DstPort) {
			s.tcp.HandleSegment(eth.Src, ip, tcp, body)

			return
		}

		if tcp.Flags&tcpRST == 0 {
			s.enqueue(buildTCPFrame(s.gatewayMAC, eth.Src, ip.Dst, ip.Src,
				tcp.DstPort, tcp.SrcPort, 0, tcp.Seq+1, tcpRST|tcpACK, nil))
		}
	}
}

func (s *Stack) handleOutbound(eth EthernetHeader, ip IPv4Header, seg []byte) {
	info := PacketInfo{SrcIP: ip.SrcIP(), DstIP: ip.DstIP()}

	switch ip.Protocol {
	case protoTCP:
		tcp, body, err := parseTCP(seg)
		if err != nil {
			return
		}

		info.Proto = config.ProtoTCP
		info.SrcPort, info.DstPort, info.HasPort = tcp.SrcPort, tcp.DstPort, true

		if s.policy.Check(&info) == config.ActionDeny {
			s.refuse(eth, ip, seg, info)

			return
		}

		s.tcp.HandleSegment(eth.Src, ip, tcp, body)
	case protoUDP:
		udp, body, err := parseUDP(seg)
		if err != nil {
			return
		}

		info.Proto = config.ProtoUDP
		info.SrcPort, info.DstPort, info.HasPort = udp.SrcPort, udp.DstPort, true

		if s.policy.Check(&info) == config.ActionDeny {
			s.refuse(eth, ip, seg, info)

			return
		}

		s.udp.HandleDatagram(eth.Src, ip, udp, body)
	case protoICMP:
		info.Proto = config.ProtoICMP

		if s.policy.Check(&info) == config.ActionDeny {
			s.refuse(eth, ip, seg, info)

			return
		}

		s.icmp.HandleMessage(eth.Src, ip, seg)
	}
}

// refuse answers a denied connection attempt so the guest fails fast
// instead of timing out. TCP gets a RST; UDP and ICMP are dropped
// silently.
func (s *Stack) refuse(eth EthernetHeader, ip IPv4Header, seg []byte, info PacketInfo) {
	logrus.WithFields(logrus.Fields{
		"proto": info.Proto,
		"dst":   info.DstIP,
		"dport": info.DstPort,
	}).Debug("policy deny")

	if ip.Protocol != protoTCP {
		return
	}

	tcp, body, err := parseTCP(seg)
	if err != nil || tcp.Flags&tcpRST != 0 {
		return
	}

	ackLen := uint32(len(body))
	if tcp.Flags&tcpSYN != 0 {
		ackLen++
	}

	s.enqueue(buildTCPFrame(s.gatewayMAC, eth.Src, ip.Dst, ip.Src,
		tcp.DstPort, tcp.SrcPort, 0, tcp.Seq+ackLen, tcpRST|tcpACK, nil))
}
