package vnet

import (
	"encoding/binary"
)

// buildTCPFrame crafts a full ethernet frame carrying one TCP
// segment from (srcIP, srcPort) to (dstIP, dstPort).
func buildTCPFrame(srcMAC, dstMAC MAC, srcIP, dstIP [4]byte,
	srcPort, dstPort uint16, seq, ack uint32, flags uint8, payload []byte,
) []byte {
	seg := make([]byte, tcpHdrLen+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint32(seg[4:8], seq)
	binary.BigEndian.PutUint32(seg[8:12], ack)
	seg[12] = (tcpHdrLen / 4) << 4
	seg[13] = flags
	binary.BigEndian.PutUint16(seg[14:16], 0xffff)
	copy(seg[tcpHdrLen:], payload)

	cs := transportChecksum(srcIP, dstIP, protoTCP, seg)
	binary.BigEndian.PutUint16(seg[16:18], cs)

	return wrapIPv4(srcMAC, dstMAC, srcIP, dstIP, protoTCP, seg)
}

// buildUDPFrame crafts a full ethernet frame carrying one UDP
// datagram.
func buildUDPFrame(srcMAC, dstMAC MAC, srcIP, dstIP [4]byte,
	srcPort, dstPort uint16, payload []byte,
) []byte {
	seg := make([]byte, udpHdrLen+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(len(seg)))
	copy(seg[udpHdrLen:], payload)

	cs := transportChecksum(srcIP, dstIP, protoUDP, seg)
	if cs == 0 {
		cs = 0xffff
	}
	binary.BigEndian.PutUint16(seg[6:8], cs)

	return wrapIPv4(srcMAC, dstMAC, srcIP, dstIP, protoUDP, seg)
}

// buildICMPFrame wraps a raw ICMP message (type/code/checksum already
// zeroed or to be filled here) into a frame.
func buildICMPFrame(srcMAC, dstMAC MAC, srcIP, dstIP [4]byte, msg []byte) []byte {
	seg := make([]byte, len(msg))
	copy(seg, msg)
	seg[2], seg[3] = 0, 0
	cs := checksum(seg)
	binary.BigEndian.PutUint16(seg[2:4], cs)

	return wrapIPv4(srcMAC, dstMAC, srcIP, dstIP, protoICMP, seg)
}

func wrapIPv4(srcMAC, dstMAC MAC, srcIP, dstIP [4]byte, protocol uint8, seg []byte) []byte {
	frame := make([]byte, etherHdrLen+ipv4HdrLen+len(seg))
	putEthernet(frame, dstMAC, srcMAC, etherTypeIPv4)
	putIPv4(frame[etherHdrLen:], srcIP, dstIP, protocol, len(seg))
	copy(frame[etherHdrLen+ipv4HdrLen:], seg)

	return frame
}

// arpPacket is a parsed IPv4-over-ethernet ARP payload.
type arpPacket struct {
	op        uint16
	senderMAC MAC
	senderIP  [4]byte
	targetIP  [4]byte
}

const (
	arpOpRequest = 1
	arpOpReply   = 2
)

func parseARP(payload []byte) (arpPacket, bool) {
	if len(payload) < 28 {
		return arpPacket{}, false
	}

	// Only ethernet/IPv4 ARP.
	if binary.BigEndian.Uint16(payload[0:2]) != 1 ||
		binary.BigEndian.Uint16(payload[2:4]) != etherTypeIPv4 ||
		payload[4] != 6 || payload[5] != 4 {
		return arpPacket{}, false
	}

	var p arpPacket
	p.op = binary.BigEndian.Uint16(payload[6:8])
	copy(p.senderMAC[:], payload[8:14])
	copy(p.senderIP[:], payload[14:18])
	copy(p.targetIP[:], payload[24:28])

	return p, true
}

// buildARPReply answers an ARP request for ourIP with ourMAC.
func buildARPReply(ourMAC MAC, ourIP [4]byte, req arpPacket) []byte {
	frame := make([]byte, etherHdrLen+28)
	putEthernet(frame, req.senderMAC, ourMAC, etherTypeARP)

	p := frame[etherHdrLen:]
	binary.BigEndian.PutUint16(p[0:2], 1)
	binary.BigEndian.PutUint16(p[2:4], etherTypeIPv4)
	p[4], p[5] = 6, 4
	binary.BigEndian.PutUint16(p[6:8], arpOpReply)
	copy(p[8:14], ourMAC[:])
	copy(p[14:18], ourIP[:])
	copy(p[18:24], req.senderMAC[:])
	copy(p[24:28], req.senderIP[:])

	return frame
}
