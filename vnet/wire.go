// Package vnet implements the userspace networking stack: frame I/O
// with the guest, termination of guest TCP/UDP/ICMP into host
// sockets, a DHCP server, a DNS proxy with answer caching, a policy
// engine, and port forwarding.
package vnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// MTU is the ethernet payload limit on the virtual wire.
const MTU = 1500

// MSS is the TCP payload limit: MTU minus IPv4 and TCP headers.
const MSS = MTU - 40

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
	etherTypeIPv6 = 0x86DD

	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17

	etherHdrLen = 14
	ipv4HdrLen  = 20
	tcpHdrLen   = 20
	udpHdrLen   = 8
)

var errShortFrame = errors.New("short frame")

// MAC is an ethernet hardware address.
type MAC [6]byte

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

func (m MAC) IsBroadcast() bool {
	return m == MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// EthernetHeader is the parsed 14-byte frame header.
type EthernetHeader struct {
	Dst       MAC
	Src       MAC
	EtherType uint16
}

func parseEthernet(frame []byte) (EthernetHeader, []byte, error) {
	if len(frame) < etherHdrLen {
		return EthernetHeader{}, nil, errShortFrame
	}

	var h EthernetHeader
	copy(h.Dst[:], frame[0:6])
	copy(h.Src[:], frame[6:12])
	h.EtherType = binary.BigEndian.Uint16(frame[12:14])

	return h, frame[etherHdrLen:], nil
}

func putEthernet(b []byte, dst, src MAC, etherType uint16) {
	copy(b[0:6], dst[:])
	copy(b[6:12], src[:])
	binary.BigEndian.PutUint16(b[12:14], etherType)
}

// IPv4Header is the parsed fixed part of an IPv4 header.
type IPv4Header struct {
	HdrLen   int
	TotalLen int
	TTL      uint8
	Protocol uint8
	Src      [4]byte
	Dst      [4]byte
}

func (h IPv4Header) SrcIP() net.IP { return net.IPv4(h.Src[0], h.Src[1], h.Src[2], h.Src[3]) }
func (h IPv4Header) DstIP() net.IP { return net.IPv4(h.Dst[0], h.Dst[1], h.Dst[2], h.Dst[3]) }

func parseIPv4(pkt []byte) (IPv4Header, []byte, error) {
	if len(pkt) < ipv4HdrLen {
		return IPv4Header{}, nil, errShortFrame
	}

	if pkt[0]>>4 != 4 {
		return IPv4Header{}, nil, fmt.Errorf("not IPv4: version %d", pkt[0]>>4)
	}

	h := IPv4Header{
		HdrLen:   int(pkt[0]&0xf) * 4,
		TotalLen: int(binary.BigEndian.Uint16(pkt[2:4])),
		TTL:      pkt[8],
		Protocol: pkt[9],
	}
	copy(h.Src[:], pkt[12:16])
	copy(h.Dst[:], pkt[16:20])

	if h.HdrLen < ipv4HdrLen || len(pkt) < h.HdrLen || h.TotalLen < h.HdrLen {
		return IPv4Header{}, nil, errShortFrame
	}

	end := h.TotalLen
	if end > len(pkt) {
		end = len(pkt)
	}

	return h, pkt[h.HdrLen:end], nil
}

func putIPv4(b []byte, src, dst [4]byte, protocol uint8, payloadLen int) {
	b[0] = 0x45
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], uint16(ipv4HdrLen+payloadLen))
	binary.BigEndian.PutUint16(b[4:6], 0) // identification
	binary.BigEndian.PutUint16(b[6:8], 0x4000)
	b[8] = 64
	b[9] = protocol
	b[10], b[11] = 0, 0
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])

	cs := checksum(b[:ipv4HdrLen])
	binary.BigEndian.PutUint16(b[10:12], cs)
}

// TCPHeader is the parsed fixed part of a TCP header.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	HdrLen  int
	Flags   uint8
	Window  uint16
}

const (
	tcpFIN = 0x01
	tcpSYN = 0x02
	tcpRST = 0x04
	tcpPSH = 0x08
	tcpACK = 0x10
)

func parseTCP(seg []byte) (TCPHeader, []byte, error) {
	if len(seg) < tcpHdrLen {
		return TCPHeader{}, nil, errShortFrame
	}

	h := TCPHeader{
		SrcPort: binary.BigEndian.Uint16(seg[0:2]),
		DstPort: binary.BigEndian.Uint16(seg[2:4]),
		Seq:     binary.BigEndian.Uint32(seg[4:8]),
		Ack:     binary.BigEndian.Uint32(seg[8:12]),
		HdrLen:  int(seg[12]>>4) * 4,
		Flags:   seg[13],
		Window:  binary.BigEndian.Uint16(seg[14:16]),
	}

	if h.HdrLen < tcpHdrLen || len(seg) < h.HdrLen {
		return TCPHeader{}, nil, errShortFrame
	}

	return h, seg[h.HdrLen:], nil
}

// UDPHeader is the parsed 8-byte UDP header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
	Length  int
}

func parseUDP(seg []byte) (UDPHeader, []byte, error) {
	if len(seg) < udpHdrLen {
		return UDPHeader{}, nil, errShortFrame
	}

	h := UDPHeader{
		SrcPort: binary.BigEndian.Uint16(seg[0:2]),
		DstPort: binary.BigEndian.Uint16(seg[2:4]),
		Length:  int(binary.BigEndian.Uint16(seg[4:6])),
	}

	if h.Length < udpHdrLen || len(seg) < h.Length {
		return UDPHeader{}, nil, errShortFrame
	}

	return h, seg[udpHdrLen:h.Length], nil
}

// checksum is the ones-complement sum over b, per RFC 1071.
func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}

	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}

	return ^uint16(sum)
}

// transportChecksum computes the TCP/UDP checksum including the IPv4
// pseudo-header.
func transportChecksum(src, dst [4]byte, protocol uint8, seg []byte) uint16 {
	var pseudo [12]byte
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[9] = protocol
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(seg)))

	var sum uint32
	for i := 0; i+1 < len(pseudo); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(pseudo[i : i+2]))
	}

	for i := 0; i+1 < len(seg); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(seg[i : i+2]))
	}

	if len(seg)%2 == 1 {
		sum += uint32(seg[len(seg)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}

	return ^uint16(sum)
}

func ipTo4(ip net.IP) ([4]byte, bool) {
	var out [4]byte
	v4 := ip.To4()
	if v4 == nil {
		return out, false
	}

	copy(out[:], v4)

	return out, true
}
