package vnet

import (
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

const (
	dnsPort            = 53
	dnsUpstreamTimeout = 5 * time.Second
)

// DNSProxy answers guest queries on the gateway address by forwarding
// them to the host's resolver. A answers are recorded in the cache so
// domain policy rules can match later connections. AAAA answers are
// handed to the cache too, but it keeps IPv4 addresses only, so they
// are not recorded.
type DNSProxy struct {
	gatewayIP  [4]byte
	gatewayMAC MAC
	cache      *DNSCache
	client     *dns.Client
	upstreams  []string
}

func NewDNSProxy(gatewayIP [4]byte, gatewayMAC MAC, cache *DNSCache) *DNSProxy {
	return &DNSProxy{
		gatewayIP:  gatewayIP,
		gatewayMAC: gatewayMAC,
		cache:      cache,
		client:     &dns.Client{Net: "udp", Timeout: dnsUpstreamTimeout},
		upstreams:  systemResolvers(),
	}
}

// systemResolvers reads the host resolver list, falling back to
// well-known public servers when none can be found.
func systemResolvers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}

	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}

	return servers
}

// HandleQuery resolves one guest query and returns the reply frame.
// The result channel model is deliberately synchronous per query; the
// stack calls this from a worker so a slow upstream never stalls the
// frame loop.
func (p *DNSProxy) HandleQuery(guestMAC MAC, guestIP [4]byte, srcPort uint16, payload []byte) []byte {
	query := new(dns.Msg)
	if err := query.Unpack(payload); err != nil {
		logrus.WithError(err).Debug("dns: malformed query")

		return nil
	}

	reply := p.resolve(query)
	if reply == nil {
		reply = new(dns.Msg)
		reply.SetRcode(query, dns.RcodeServerFailure)
	}

	p.recordAnswers(reply)

	out, err := reply.Pack()
	if err != nil {
		logrus.WithError(err).Debug("dns: pack reply")

		return nil
	}

	return buildUDPFrame(p.gatewayMAC, guestMAC, p.gatewayIP, guestIP,
		dnsPort, srcPort, out)
}

func (p *DNSProxy) resolve(query *dns.Msg) *dns.Msg {
	for _, upstream := range p.upstreams {
		reply, _, err := p.client.Exchange(query, upstream)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"upstream": upstream,
			}).WithError(err).Debug("dns: upstream failed")

			continue
		}

		if reply.Truncated {
			if tcpReply := p.resolveTCP(query, upstream); tcpReply != nil {
				return tcpReply
			}
		}

		return reply
	}

	return nil
}

func (p *DNSProxy) resolveTCP(query *dns.Msg, upstream string) *dns.Msg {
	client := &dns.Client{Net: "tcp", Timeout: dnsUpstreamTimeout}

	reply, _, err := client.Exchange(query, upstream)
	if err != nil {
		return nil
	}

	return reply
}

func (p *DNSProxy) recordAnswers(reply *dns.Msg) {
	if p.cache == nil {
		return
	}

	for _, rr := range reply.Answer {
		switch a := rr.(type) {
		case *dns.A:
			domain := normalizeDomain(a.Hdr.Name)
			ttl := time.Duration(a.Hdr.Ttl) * time.Second
			p.cache.Insert(a.A, domain, ttl)
		case *dns.AAAA:
			domain := normalizeDomain(a.Hdr.Name)
			ttl := time.Duration(a.Hdr.Ttl) * time.Second
			p.cache.Insert(a.AAAA, domain, ttl)
		}
	}
}

func normalizeDomain(name string) string {
	if len(name) > 0 && name[len(name)-1] == '.' {
		name = name[:len(name)-1]
	}

	return name
}
