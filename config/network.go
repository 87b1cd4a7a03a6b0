package config

import (
	"net"
	"strings"
)

// NetworkKind discriminates the NetworkMode variants.
type NetworkKind int

const (
	NetworkNone NetworkKind = iota
	// NetworkNAT is the platform-native NAT (macOS only).
	NetworkNAT
	// NetworkUserNAT is the userspace stack.
	NetworkUserNAT
	NetworkVsockOnly
)

// Protocol is a transport protocol selector for forwards and policy.
type Protocol int

const (
	ProtoTCP Protocol = iota
	ProtoUDP
	ProtoICMP
)

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	}

	return "tcp"
}

// PortForward maps a host port to a guest port.
type PortForward struct {
	Proto     Protocol
	HostPort  uint16
	GuestPort uint16

	// HostIP restricts the listen address. Empty means loopback.
	HostIP string
}

// HostAddr is the address the host-side socket binds to.
func (f PortForward) HostAddr() string {
	if f.HostIP == "" {
		return "127.0.0.1"
	}

	return f.HostIP
}

// UserNATConfig configures the userspace networking stack.
type UserNATConfig struct {
	// Subnet in CIDR form, e.g. "10.0.2.0/24". The stack claims .2 as
	// gateway and DNS address.
	Subnet   string
	Policy   *NetworkPolicy
	Forwards []PortForward
}

// NetworkMode is the variant over {none, nat, user_nat, vsock_only}.
type NetworkMode struct {
	Kind    NetworkKind
	UserNAT *UserNATConfig
}

// NoNetwork disables guest networking.
func NoNetwork() NetworkMode {
	return NetworkMode{Kind: NetworkNone}
}

// NativeNAT selects the platform NAT attachment (macOS only).
func NativeNAT() NetworkMode {
	return NetworkMode{Kind: NetworkNAT}
}

// VsockOnly enables vsock without an ethernet device.
func VsockOnly() NetworkMode {
	return NetworkMode{Kind: NetworkVsockOnly}
}

// UserNAT selects the userspace stack with the given subnet.
func UserNAT(subnet string) NetworkMode {
	return NetworkMode{
		Kind:    NetworkUserNAT,
		UserNAT: &UserNATConfig{Subnet: subnet},
	}
}

// WithPolicy attaches a policy to a user-NAT mode.
func (m NetworkMode) WithPolicy(p *NetworkPolicy) NetworkMode {
	if m.UserNAT != nil {
		m.UserNAT.Policy = p
	}

	return m
}

// ForwardTCP adds a TCP host→guest port forward.
func (m NetworkMode) ForwardTCP(hostPort, guestPort uint16) NetworkMode {
	if m.UserNAT != nil {
		m.UserNAT.Forwards = append(m.UserNAT.Forwards,
			PortForward{Proto: ProtoTCP, HostPort: hostPort, GuestPort: guestPort})
	}

	return m
}

// ForwardUDP adds a UDP host→guest port forward.
func (m NetworkMode) ForwardUDP(hostPort, guestPort uint16) NetworkMode {
	if m.UserNAT != nil {
		m.UserNAT.Forwards = append(m.UserNAT.Forwards,
			PortForward{Proto: ProtoUDP, HostPort: hostPort, GuestPort: guestPort})
	}

	return m
}

// DomainPattern matches DNS names either exactly or by wildcard
// suffix. Matching is case-insensitive. A wildcard "*.b.c" matches
// strict subdomains only: "a.b.c" matches, "b.c" does not.
type DomainPattern struct {
	pattern  string
	wildcard bool
}

// ParseDomainPattern accepts "a.b.c" or "*.b.c".
func ParseDomainPattern(s string) DomainPattern {
	s = strings.ToLower(strings.TrimSuffix(s, "."))
	if rest, ok := strings.CutPrefix(s, "*."); ok {
		return DomainPattern{pattern: rest, wildcard: true}
	}

	return DomainPattern{pattern: s}
}

func (p DomainPattern) Matches(domain string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if !p.wildcard {
		return domain == p.pattern
	}

	// Strict subdomain: at least one label before the suffix and a
	// dot separator.
	if !strings.HasSuffix(domain, p.pattern) {
		return false
	}

	prefix := domain[:len(domain)-len(p.pattern)]

	return len(prefix) > 1 && strings.HasSuffix(prefix, ".")
}

func (p DomainPattern) String() string {
	if p.wildcard {
		return "*." + p.pattern
	}

	return p.pattern
}

// PolicyAction is the outcome of a matched rule. Log records the
// match and evaluation continues; Allow and Deny terminate.
type PolicyAction int

const (
	ActionAllow PolicyAction = iota
	ActionDeny
	ActionLog
)

func (a PolicyAction) String() string {
	switch a {
	case ActionDeny:
		return "deny"
	case ActionLog:
		return "log"
	}

	return "allow"
}

// MatcherKind discriminates the rule-matcher algebra.
type MatcherKind int

const (
	MatchAny MatcherKind = iota
	MatchIP
	MatchIPRange
	MatchPort
	MatchPortRange
	MatchProtocol
	MatchDomain
	MatchAll
)

// Matcher is one node of the matcher algebra. All with an empty Subs
// list is vacuously true.
type Matcher struct {
	Kind     MatcherKind
	IP       net.IP
	CIDR     *net.IPNet
	Port     uint16
	PortHi   uint16
	Protocol Protocol
	Domain   DomainPattern
	Subs     []Matcher
}

func MatchAnyTraffic() Matcher { return Matcher{Kind: MatchAny} }

func MatchIPAddr(ip net.IP) Matcher { return Matcher{Kind: MatchIP, IP: ip} }

func MatchCIDR(cidr string) (Matcher, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return Matcher{}, err
	}

	return Matcher{Kind: MatchIPRange, CIDR: ipnet}, nil
}

func MatchPortNum(port uint16) Matcher { return Matcher{Kind: MatchPort, Port: port} }

func MatchPorts(lo, hi uint16) Matcher {
	return Matcher{Kind: MatchPortRange, Port: lo, PortHi: hi}
}

func MatchProto(p Protocol) Matcher { return Matcher{Kind: MatchProtocol, Protocol: p} }

func MatchDomainPattern(pattern string) Matcher {
	return Matcher{Kind: MatchDomain, Domain: ParseDomainPattern(pattern)}
}

func MatchAllOf(subs ...Matcher) Matcher { return Matcher{Kind: MatchAll, Subs: subs} }

// PolicyRule pairs an action with a matcher.
type PolicyRule struct {
	Action  PolicyAction
	Matcher Matcher
}

// NetworkPolicy is the declared traffic policy for a user-NAT stack.
type NetworkPolicy struct {
	Default PolicyAction
	Rules   []PolicyRule
}

// AllowAll permits everything.
func AllowAll() *NetworkPolicy {
	return &NetworkPolicy{Default: ActionAllow}
}

// DenyAll denies everything not explicitly allowed.
func DenyAll() *NetworkPolicy {
	return &NetworkPolicy{Default: ActionDeny}
}

func (p *NetworkPolicy) Rule(action PolicyAction, m Matcher) *NetworkPolicy {
	p.Rules = append(p.Rules, PolicyRule{Action: action, Matcher: m})

	return p
}

func (p *NetworkPolicy) AllowIP(ip net.IP) *NetworkPolicy {
	return p.Rule(ActionAllow, MatchIPAddr(ip))
}

func (p *NetworkPolicy) DenyIP(ip net.IP) *NetworkPolicy {
	return p.Rule(ActionDeny, MatchIPAddr(ip))
}

func (p *NetworkPolicy) AllowPort(port uint16) *NetworkPolicy {
	return p.Rule(ActionAllow, MatchPortNum(port))
}

func (p *NetworkPolicy) DenyPort(port uint16) *NetworkPolicy {
	return p.Rule(ActionDeny, MatchPortNum(port))
}

// AllowHTTPS permits TCP/443.
func (p *NetworkPolicy) AllowHTTPS() *NetworkPolicy {
	return p.Rule(ActionAllow, MatchAllOf(MatchProto(ProtoTCP), MatchPortNum(443)))
}

// AllowDNS permits port 53 over both transports.
func (p *NetworkPolicy) AllowDNS() *NetworkPolicy {
	return p.Rule(ActionAllow, MatchPortNum(53))
}

func (p *NetworkPolicy) AllowDomain(pattern string) *NetworkPolicy {
	return p.Rule(ActionAllow, MatchDomainPattern(pattern))
}

func (p *NetworkPolicy) DenyDomain(pattern string) *NetworkPolicy {
	return p.Rule(ActionDeny, MatchDomainPattern(pattern))
}

func (p *NetworkPolicy) LogDomain(pattern string) *NetworkPolicy {
	return p.Rule(ActionLog, MatchDomainPattern(pattern))
}
