package vnet

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/capsa-vm/capsa/config"
)

// PacketInfo is the 5-tuple extracted from a guest frame for policy
// evaluation.
type PacketInfo struct {
	SrcIP   net.IP
	DstIP   net.IP
	Proto   config.Protocol
	SrcPort uint16
	DstPort uint16
	HasPort bool
}

// PolicyChecker evaluates packets against the compiled rule list.
// Rules run in order; Log records and continues, the first Allow or
// Deny is final, and the default applies when nothing matched.
type PolicyChecker struct {
	defaultAction config.PolicyAction
	rules         []config.PolicyRule
	dnsCache      *DNSCache
}

// NewPolicyChecker compiles a policy once at stack creation. A nil
// policy allows everything.
func NewPolicyChecker(policy *config.NetworkPolicy, cache *DNSCache) *PolicyChecker {
	if policy == nil {
		return &PolicyChecker{defaultAction: config.ActionAllow, dnsCache: cache}
	}

	return &PolicyChecker{
		defaultAction: policy.Default,
		rules:         policy.Rules,
		dnsCache:      cache,
	}
}

// Check returns the final decision for info. The returned action is
// always Allow or Deny.
func (p *PolicyChecker) Check(info *PacketInfo) config.PolicyAction {
	for i := range p.rules {
		rule := &p.rules[i]
		if !p.matches(&rule.Matcher, info) {
			continue
		}

		if rule.Action == config.ActionLog {
			logrus.WithFields(logrus.Fields{
				"proto": info.Proto,
				"src":   info.SrcIP,
				"dst":   info.DstIP,
				"dport": info.DstPort,
			}).Info("policy log")

			continue
		}

		return rule.Action
	}

	return p.defaultAction
}

func (p *PolicyChecker) matches(m *config.Matcher, info *PacketInfo) bool {
	switch m.Kind {
	case config.MatchAny:
		return true
	case config.MatchIP:
		return m.IP.Equal(info.DstIP)
	case config.MatchIPRange:
		return m.CIDR != nil && m.CIDR.Contains(info.DstIP)
	case config.MatchPort:
		return info.HasPort && info.DstPort == m.Port
	case config.MatchPortRange:
		return info.HasPort && info.DstPort >= m.Port && info.DstPort <= m.PortHi
	case config.MatchProtocol:
		return info.Proto == m.Protocol
	case config.MatchDomain:
		if p.dnsCache == nil {
			return false
		}

		domain, ok := p.dnsCache.Lookup(info.DstIP)

		return ok && m.Domain.Matches(domain)
	case config.MatchAll:
		for i := range m.Subs {
			if !p.matches(&m.Subs[i], info) {
				return false
			}
		}

		return true
	}

	return false
}

// extractPacketInfo pulls the policy 5-tuple out of a frame. Returns
// false for anything that is not IPv4 TCP/UDP/ICMP.
func extractPacketInfo(frame []byte) (PacketInfo, bool) {
	eth, payload, err := parseEthernet(frame)
	if err != nil || eth.EtherType != etherTypeIPv4 {
		return PacketInfo{}, false
	}

	ip, seg, err := parseIPv4(payload)
	if err != nil {
		return PacketInfo{}, false
	}

	info := PacketInfo{SrcIP: ip.SrcIP(), DstIP: ip.DstIP()}

	switch ip.Protocol {
	case protoTCP:
		tcp, _, err := parseTCP(seg)
		if err != nil {
			return PacketInfo{}, false
		}

		info.Proto = config.ProtoTCP
		info.SrcPort, info.DstPort, info.HasPort = tcp.SrcPort, tcp.DstPort, true
	case protoUDP:
		udp, _, err := parseUDP(seg)
		if err != nil {
			return PacketInfo{}, false
		}

		info.Proto = config.ProtoUDP
		info.SrcPort, info.DstPort, info.HasPort = udp.SrcPort, udp.DstPort, true
	case protoICMP:
		info.Proto = config.ProtoICMP
	default:
		return PacketInfo{}, false
	}

	return info, true
}
