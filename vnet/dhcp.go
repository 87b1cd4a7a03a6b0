package vnet

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// DHCP message types, RFC 2132 option 53.
const (
	dhcpDiscover = 1
	dhcpOffer    = 2
	dhcpRequest  = 3
	dhcpAck      = 5
	dhcpNak      = 6
)

const (
	dhcpServerPort = 67
	dhcpClientPort = 68

	dhcpLeaseTime = time.Hour
)

var dhcpMagicCookie = [4]byte{99, 130, 83, 99}

type dhcpLease struct {
	ip      [4]byte
	mac     MAC
	expires time.Time
}

// DHCPServer is the sole DHCP responder on the virtual wire. Leases
// are offered from [rangeStart, rangeEnd] with the gateway advertised
// as router and DNS.
type DHCPServer struct {
	gatewayIP  [4]byte
	gatewayMAC MAC
	netmask    [4]byte
	rangeStart [4]byte
	rangeEnd   [4]byte

	leases map[MAC]*dhcpLease
}

func NewDHCPServer(gatewayIP [4]byte, gatewayMAC MAC, netmask, rangeStart, rangeEnd [4]byte) *DHCPServer {
	return &DHCPServer{
		gatewayIP:  gatewayIP,
		gatewayMAC: gatewayMAC,
		netmask:    netmask,
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		leases:     make(map[MAC]*dhcpLease),
	}
}

// HandleFrame serves one client message, returning the reply frame or
// nil when the payload is not DHCP or cannot be served.
func (s *DHCPServer) HandleFrame(guestMAC MAC, payload []byte) []byte {
	if len(payload) < 240 {
		return nil
	}

	if payload[0] != 1 { // BOOTREQUEST
		return nil
	}

	if [4]byte(payload[236:240]) != dhcpMagicCookie {
		return nil
	}

	xid := binary.BigEndian.Uint32(payload[4:8])

	var clientMAC MAC
	copy(clientMAC[:], payload[28:34])

	msgType, requestedIP := parseDHCPOptions(payload[240:])

	switch msgType {
	case dhcpDiscover:
		lease := s.leaseFor(clientMAC)
		if lease == nil {
			logrus.Warn("dhcp: address pool exhausted")

			return nil
		}

		return s.buildReply(guestMAC, clientMAC, xid, dhcpOffer, lease.ip)
	case dhcpRequest:
		lease := s.leaseFor(clientMAC)
		if lease == nil {
			return nil
		}

		if requestedIP != ([4]byte{}) && requestedIP != lease.ip {
			return s.buildReply(guestMAC, clientMAC, xid, dhcpNak, [4]byte{})
		}

		lease.expires = time.Now().Add(dhcpLeaseTime)
		logrus.WithFields(logrus.Fields{
			"mac": clientMAC,
			"ip":  net.IP(lease.ip[:]),
		}).Debug("dhcp: lease acknowledged")

		return s.buildReply(guestMAC, clientMAC, xid, dhcpAck, lease.ip)
	}

	return nil
}

// GuestIP reports the active lease for mac, if any.
func (s *DHCPServer) GuestIP(mac MAC) ([4]byte, bool) {
	lease, ok := s.leases[mac]
	if !ok || time.Now().After(lease.expires) {
		return [4]byte{}, false
	}

	return lease.ip, true
}

func (s *DHCPServer) leaseFor(mac MAC) *dhcpLease {
	if lease, ok := s.leases[mac]; ok {
		return lease
	}

	ip := s.nextFreeIP()
	if ip == ([4]byte{}) {
		return nil
	}

	lease := &dhcpLease{ip: ip, mac: mac, expires: time.Now().Add(dhcpLeaseTime)}
	s.leases[mac] = lease

	return lease
}

func (s *DHCPServer) nextFreeIP() [4]byte {
	start := binary.BigEndian.Uint32(s.rangeStart[:])
	end := binary.BigEndian.Uint32(s.rangeEnd[:])

	for n := start; n <= end; n++ {
		var candidate [4]byte
		binary.BigEndian.PutUint32(candidate[:], n)

		inUse := false
		for _, lease := range s.leases {
			if lease.ip == candidate && time.Now().Before(lease.expires) {
				inUse = true

				break
			}
		}

		if !inUse {
			return candidate
		}
	}

	return [4]byte{}
}

func parseDHCPOptions(opts []byte) (msgType byte, requestedIP [4]byte) {
	for i := 0; i < len(opts); {
		code := opts[i]
		if code == 255 {
			break
		}

		if code == 0 {
			i++

			continue
		}

		if i+1 >= len(opts) {
			break
		}

		length := int(opts[i+1])
		if i+2+length > len(opts) {
			break
		}

		val := opts[i+2 : i+2+length]

		switch code {
		case 53:
			if length >= 1 {
				msgType = val[0]
			}
		case 50:
			if length >= 4 {
				copy(requestedIP[:], val[:4])
			}
		}

		i += 2 + length
	}

	return msgType, requestedIP
}

func (s *DHCPServer) buildReply(guestMAC, clientMAC MAC, xid uint32, msgType byte, yiaddr [4]byte) []byte {
	body := make([]byte, 240, 300)
	body[0] = 2 // BOOTREPLY
	body[1] = 1 // ethernet
	body[2] = 6
	binary.BigEndian.PutUint32(body[4:8], xid)
	copy(body[16:20], yiaddr[:])
	copy(body[20:24], s.gatewayIP[:])
	copy(body[28:34], clientMAC[:])
	copy(body[236:240], dhcpMagicCookie[:])

	opt := func(code byte, val ...byte) {
		body = append(body, code, byte(len(val)))
		body = append(body, val...)
	}

	opt(53, msgType)
	opt(54, s.gatewayIP[:]...)

	if msgType != dhcpNak {
		var leaseSecs [4]byte
		binary.BigEndian.PutUint32(leaseSecs[:], uint32(dhcpLeaseTime/time.Second))
		opt(51, leaseSecs[:]...)
		opt(1, s.netmask[:]...)
		opt(3, s.gatewayIP[:]...)
		opt(6, s.gatewayIP[:]...)
	}

	body = append(body, 255)

	broadcast := MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	dstMAC := guestMAC
	if dstMAC == (MAC{}) {
		dstMAC = broadcast
	}

	return buildUDPFrame(s.gatewayMAC, dstMAC, s.gatewayIP,
		[4]byte{255, 255, 255, 255}, dhcpServerPort, dhcpClientPort, body)
}
