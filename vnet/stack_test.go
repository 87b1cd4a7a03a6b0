package vnet

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsa-vm/capsa/config"
)

func TestPlanSubnetDefaults(t *testing.T) {
	t.Parallel()

	plan, err := planSubnet("")
	require.NoError(t, err)

	assert.Equal(t, [4]byte{10, 0, 2, 2}, plan.gatewayIP)
	assert.Equal(t, [4]byte{255, 255, 255, 0}, plan.netmask)
	assert.Equal(t, [4]byte{10, 0, 2, 15}, plan.rangeStart)
	assert.Equal(t, [4]byte{10, 0, 2, 254}, plan.rangeEnd)
}

func TestPlanSubnetCustom(t *testing.T) {
	t.Parallel()

	plan, err := planSubnet("192.168.64.0/24")
	require.NoError(t, err)

	assert.Equal(t, [4]byte{192, 168, 64, 2}, plan.gatewayIP)
	assert.Equal(t, [4]byte{192, 168, 64, 254}, plan.rangeEnd)
}

func TestPlanSubnetRejectsTiny(t *testing.T) {
	t.Parallel()

	_, err := planSubnet("10.0.2.0/30")
	require.Error(t, err)
}

func dhcpPayload(mac MAC, msgType byte, requested [4]byte) []byte {
	p := make([]byte, 240)
	p[0] = 1 // BOOTREQUEST
	binary.BigEndian.PutUint32(p[4:8], 0xdeadbeef)
	copy(p[28:34], mac[:])
	copy(p[236:240], dhcpMagicCookie[:])

	p = append(p, 53, 1, msgType)
	if requested != ([4]byte{}) {
		p = append(p, 50, 4)
		p = append(p, requested[:]...)
	}

	return append(p, 255)
}

func replyOptions(t *testing.T, frame []byte) (msgType byte, yiaddr [4]byte) {
	t.Helper()

	eth, pkt, err := parseEthernet(frame)
	require.NoError(t, err)
	require.Equal(t, uint16(etherTypeIPv4), eth.EtherType)

	ip, seg, err := parseIPv4(pkt)
	require.NoError(t, err)
	require.Equal(t, uint8(protoUDP), ip.Protocol)

	udp, body, err := parseUDP(seg)
	require.NoError(t, err)
	require.Equal(t, uint16(dhcpClientPort), udp.DstPort)

	require.GreaterOrEqual(t, len(body), 240)
	copy(yiaddr[:], body[16:20])

	mt, _ := parseDHCPOptions(body[240:])

	return mt, yiaddr
}

func TestDHCPDiscoverOfferRequestAck(t *testing.T) {
	t.Parallel()

	gw := [4]byte{10, 0, 2, 2}
	srv := NewDHCPServer(gw, DefaultGatewayMAC, [4]byte{255, 255, 255, 0},
		[4]byte{10, 0, 2, 15}, [4]byte{10, 0, 2, 254})

	guest := MAC{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc}

	offer := srv.HandleFrame(guest, dhcpPayload(guest, dhcpDiscover, [4]byte{}))
	require.NotNil(t, offer)

	mt, yiaddr := replyOptions(t, offer)
	assert.Equal(t, byte(dhcpOffer), mt)
	assert.Equal(t, [4]byte{10, 0, 2, 15}, yiaddr)

	ack := srv.HandleFrame(guest, dhcpPayload(guest, dhcpRequest, yiaddr))
	require.NotNil(t, ack)

	mt, yiaddr = replyOptions(t, ack)
	assert.Equal(t, byte(dhcpAck), mt)
	assert.Equal(t, [4]byte{10, 0, 2, 15}, yiaddr)

	ip, ok := srv.GuestIP(guest)
	require.True(t, ok)
	assert.Equal(t, [4]byte{10, 0, 2, 15}, ip)
}

func TestDHCPNakOnWrongRequest(t *testing.T) {
	t.Parallel()

	gw := [4]byte{10, 0, 2, 2}
	srv := NewDHCPServer(gw, DefaultGatewayMAC, [4]byte{255, 255, 255, 0},
		[4]byte{10, 0, 2, 15}, [4]byte{10, 0, 2, 254})

	guest := MAC{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc}

	offer := srv.HandleFrame(guest, dhcpPayload(guest, dhcpDiscover, [4]byte{}))
	require.NotNil(t, offer)

	nak := srv.HandleFrame(guest, dhcpPayload(guest, dhcpRequest, [4]byte{10, 0, 2, 99}))
	require.NotNil(t, nak)

	mt, _ := replyOptions(t, nak)
	assert.Equal(t, byte(dhcpNak), mt)
}

func TestDHCPSameMACKeepsLease(t *testing.T) {
	t.Parallel()

	gw := [4]byte{10, 0, 2, 2}
	srv := NewDHCPServer(gw, DefaultGatewayMAC, [4]byte{255, 255, 255, 0},
		[4]byte{10, 0, 2, 15}, [4]byte{10, 0, 2, 254})

	guest := MAC{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc}

	offer1 := srv.HandleFrame(guest, dhcpPayload(guest, dhcpDiscover, [4]byte{}))
	_, ip1 := replyOptions(t, offer1)

	offer2 := srv.HandleFrame(guest, dhcpPayload(guest, dhcpDiscover, [4]byte{}))
	_, ip2 := replyOptions(t, offer2)

	assert.Equal(t, ip1, ip2)
}

func TestDNSCacheTTLFloor(t *testing.T) {
	t.Parallel()

	c := NewDNSCache()
	c.Insert(net.IPv4(1, 2, 3, 4), "example.com", time.Second)

	domain, ok := c.Lookup(net.IPv4(1, 2, 3, 4))
	require.True(t, ok)
	assert.Equal(t, "example.com", domain)
}

func TestDNSCacheEvictsOldest(t *testing.T) {
	t.Parallel()

	c := NewDNSCacheSize(2)
	c.Insert(net.IPv4(1, 1, 1, 1), "a.example", time.Minute)
	time.Sleep(2 * time.Millisecond)
	c.Insert(net.IPv4(2, 2, 2, 2), "b.example", time.Minute)
	time.Sleep(2 * time.Millisecond)
	c.Insert(net.IPv4(3, 3, 3, 3), "c.example", time.Minute)

	assert.Equal(t, 2, c.Len())

	_, ok := c.Lookup(net.IPv4(1, 1, 1, 1))
	assert.False(t, ok, "oldest entry should be evicted")

	_, ok = c.Lookup(net.IPv4(3, 3, 3, 3))
	assert.True(t, ok)
}

func TestPolicyLogContinues(t *testing.T) {
	t.Parallel()

	policy := config.DenyAll().
		Rule(config.ActionLog, config.MatchAnyTraffic()).
		Rule(config.ActionAllow, config.MatchPortNum(443))

	checker := NewPolicyChecker(policy, nil)

	allowed := checker.Check(&PacketInfo{
		DstIP: net.IPv4(1, 2, 3, 4), Proto: config.ProtoTCP,
		DstPort: 443, HasPort: true,
	})
	assert.Equal(t, config.ActionAllow, allowed)

	denied := checker.Check(&PacketInfo{
		DstIP: net.IPv4(1, 2, 3, 4), Proto: config.ProtoTCP,
		DstPort: 80, HasPort: true,
	})
	assert.Equal(t, config.ActionDeny, denied)
}

func TestPolicyAllOfEmptyMatches(t *testing.T) {
	t.Parallel()

	policy := config.DenyAll().Rule(config.ActionAllow, config.MatchAllOf())
	checker := NewPolicyChecker(policy, nil)

	got := checker.Check(&PacketInfo{DstIP: net.IPv4(9, 9, 9, 9), Proto: config.ProtoICMP})
	assert.Equal(t, config.ActionAllow, got)
}

func TestPolicyDomainRule(t *testing.T) {
	t.Parallel()

	cache := NewDNSCache()
	cache.Insert(net.IPv4(93, 184, 216, 34), "api.example.com", time.Minute)

	policy := config.DenyAll().AllowDomain("*.example.com")
	checker := NewPolicyChecker(policy, cache)

	allowed := checker.Check(&PacketInfo{
		DstIP: net.IPv4(93, 184, 216, 34), Proto: config.ProtoTCP,
		DstPort: 443, HasPort: true,
	})
	assert.Equal(t, config.ActionAllow, allowed)

	denied := checker.Check(&PacketInfo{
		DstIP: net.IPv4(8, 8, 8, 8), Proto: config.ProtoTCP,
		DstPort: 443, HasPort: true,
	})
	assert.Equal(t, config.ActionDeny, denied)
}

func TestPolicyNilAllowsEverything(t *testing.T) {
	t.Parallel()

	checker := NewPolicyChecker(nil, nil)

	got := checker.Check(&PacketInfo{DstIP: net.IPv4(9, 9, 9, 9), Proto: config.ProtoUDP})
	assert.Equal(t, config.ActionAllow, got)
}

func collectFrames(frames *[][]byte) func([]byte) {
	return func(f []byte) { *frames = append(*frames, f) }
}

func tcpSegments(t *testing.T, frames [][]byte) []TCPHeader {
	t.Helper()

	var headers []TCPHeader
	for _, f := range frames {
		_, pkt, err := parseEthernet(f)
		require.NoError(t, err)

		_, seg, err := parseIPv4(pkt)
		require.NoError(t, err)

		h, _, err := parseTCP(seg)
		require.NoError(t, err)

		headers = append(headers, h)
	}

	return headers
}

func TestTCPSegmentationAtMSS(t *testing.T) {
	t.Parallel()

	var frames [][]byte
	nat := NewTCPNat(DefaultGatewayMAC, collectFrames(&frames))

	c := &tcpConn{
		key: tcpFlowKey{
			guestIP:   [4]byte{10, 0, 2, 15},
			guestPort: 40000,
			peerIP:    [4]byte{1, 2, 3, 4},
			peerPort:  80,
		},
		guestMAC: MAC{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc},
		state:    tcpEstablished,
	}
	c.ourSeq.Store(1000)

	c.sendToGuest(nat, make([]byte, MSS))
	require.Len(t, frames, 1)

	frames = nil
	c.ourSeq.Store(1000)
	c.sendToGuest(nat, make([]byte, MSS+1))
	require.Len(t, frames, 2)

	headers := tcpSegments(t, frames)
	assert.Equal(t, uint32(1000), headers[0].Seq)
	assert.Equal(t, uint32(1000+MSS), headers[1].Seq)
	assert.Equal(t, uint32(1000+MSS+1), c.ourSeq.Load())
}

func TestTCPRefusedWithoutFlow(t *testing.T) {
	t.Parallel()

	var frames [][]byte
	nat := NewTCPNat(DefaultGatewayMAC, collectFrames(&frames))

	ip := IPv4Header{
		Src: [4]byte{10, 0, 2, 15}, Dst: [4]byte{1, 2, 3, 4},
		Protocol: protoTCP,
	}
	hdr := TCPHeader{SrcPort: 40000, DstPort: 80, Seq: 7, Flags: tcpACK}

	nat.HandleSegment(MAC{1}, ip, hdr, nil)
	require.Len(t, frames, 1)

	headers := tcpSegments(t, frames)
	assert.NotZero(t, headers[0].Flags&tcpRST)
}

func TestExtractPacketInfo(t *testing.T) {
	t.Parallel()

	frame := buildUDPFrame(MAC{1}, MAC{2}, [4]byte{10, 0, 2, 15},
		[4]byte{8, 8, 8, 8}, 40000, 53, []byte("payload"))

	info, ok := extractPacketInfo(frame)
	require.True(t, ok)

	assert.Equal(t, config.ProtoUDP, info.Proto)
	assert.True(t, info.DstIP.Equal(net.IPv4(8, 8, 8, 8)))
	assert.Equal(t, uint16(53), info.DstPort)
	assert.True(t, info.HasPort)
}

func TestARPReplyForGateway(t *testing.T) {
	t.Parallel()

	guestMAC := MAC{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc}
	req := arpPacket{
		op:        arpOpRequest,
		senderMAC: guestMAC,
		senderIP:  [4]byte{10, 0, 2, 15},
		targetIP:  [4]byte{10, 0, 2, 2},
	}

	frame := buildARPReply(DefaultGatewayMAC, [4]byte{10, 0, 2, 2}, req)

	eth, payload, err := parseEthernet(frame)
	require.NoError(t, err)
	assert.Equal(t, guestMAC, eth.Dst)
	assert.Equal(t, uint16(etherTypeARP), eth.EtherType)

	reply, ok := parseARP(payload)
	require.True(t, ok)
	assert.Equal(t, uint16(arpOpReply), reply.op)
	assert.Equal(t, DefaultGatewayMAC, reply.senderMAC)
	assert.Equal(t, [4]byte{10, 0, 2, 2}, reply.senderIP)
}

func TestTransportChecksumVerifies(t *testing.T) {
	t.Parallel()

	frame := buildUDPFrame(MAC{1}, MAC{2}, [4]byte{10, 0, 2, 15},
		[4]byte{8, 8, 8, 8}, 40000, 53, []byte("x"))

	_, pkt, err := parseEthernet(frame)
	require.NoError(t, err)

	ip, seg, err := parseIPv4(pkt)
	require.NoError(t, err)

	// With a valid checksum in place the computation comes out zero.
	assert.Equal(t, uint16(0), transportChecksum(ip.Src, ip.Dst, protoUDP, seg))
}
