// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// Family restricts the address family used by a [*Handle].
type Family int

const (
	// FamilyAny accepts both IPv4 and IPv6 addresses.
	FamilyAny = Family(0)

	// FamilyIPv4 only accepts IPv4 addresses.
	FamilyIPv4 = Family(4)

	// FamilyIPv6 only accepts IPv6 addresses.
	FamilyIPv6 = Family(6)
)

// valid returns whether f is one of the known families.
func (f Family) valid() bool {
	return f == FamilyAny || f == FamilyIPv4 || f == FamilyIPv6
}

// network returns the network name [net.Resolver.LookupNetIP] expects.
func (f Family) network() string {
	switch f {
	case FamilyIPv4:
		return "ip4"
	case FamilyIPv6:
		return "ip6"
	default:
		return "ip"
	}
}

// accepts returns whether addr belongs to the family.
func (f Family) accepts(addr netip.Addr) bool {
	switch f {
	case FamilyIPv4:
		return addr.Is4()
	case FamilyIPv6:
		return addr.Is6()
	default:
		return true
	}
}

// AddressSpec is either a literal socket address or a host and port pair
// that requires resolution.
//
// Construct using [LiteralAddress] or [HostPort].
type AddressSpec struct {
	// Addr is the literal address. When valid, Host and Port are ignored.
	Addr netip.AddrPort

	// Host is the host name or IP address. Empty means wildcard.
	Host string

	// Port is the decimal port or the service name.
	Port string
}

// LiteralAddress returns an [*AddressSpec] for a literal socket address.
func LiteralAddress(addr netip.AddrPort) *AddressSpec {
	return &AddressSpec{Addr: addr}
}

// HostPort returns an [*AddressSpec] requiring host and port resolution.
func HostPort(host, port string) *AddressSpec {
	return &AddressSpec{Host: host, Port: port}
}

// IsLiteral returns whether the spec holds a literal address.
func (a *AddressSpec) IsLiteral() bool {
	return a.Addr.IsValid()
}

// String returns the address in host:port form.
func (a *AddressSpec) String() string {
	if a.IsLiteral() {
		return a.Addr.String()
	}
	return net.JoinHostPort(a.Host, a.Port)
}

// Candidate is a resolved address ready for socket creation.
type Candidate struct {
	// Domain is [unix.AF_INET] or [unix.AF_INET6].
	Domain int

	// Type is the socket type (always [unix.SOCK_DGRAM]).
	Type int

	// Protocol is the socket protocol (zero selects the default).
	Protocol int

	// Addr is the address to bind or connect to.
	Addr netip.AddrPort
}

// signature is the (domain, type, protocol) triple fixed by socket creation.
type signature struct {
	domain   int
	typ      int
	protocol int
}

func (c Candidate) signature() signature {
	return signature{domain: c.Domain, typ: c.Type, protocol: c.Protocol}
}

// newCandidate builds the [Candidate] for addr, deriving the domain from
// the address itself. IPv4-mapped IPv6 addresses are unmapped.
func newCandidate(addr netip.AddrPort) Candidate {
	ip := addr.Addr().Unmap()
	domain := unix.AF_INET6
	if ip.Is4() {
		domain = unix.AF_INET
	}
	return Candidate{
		Domain:   domain,
		Type:     unix.SOCK_DGRAM,
		Protocol: 0,
		Addr:     netip.AddrPortFrom(ip, addr.Port()),
	}
}

// parsePort parses a decimal port or looks up a UDP service name.
func parsePort(port string) (uint16, error) {
	if value, err := strconv.ParseUint(port, 10, 16); err == nil {
		return uint16(value), nil
	}
	value, err := net.LookupPort("udp", port)
	if err != nil {
		return 0, err
	}
	return uint16(value), nil
}

// sockaddrFor encodes addr for a socket of the given domain.
//
// An invalid address encodes the wildcard address of the domain. IPv4
// addresses are mapped into IPv6 for [unix.AF_INET6] sockets.
func sockaddrFor(domain int, addr netip.AddrPort) (unix.Sockaddr, error) {
	ip := addr.Addr()
	switch domain {
	case unix.AF_INET:
		if !ip.IsValid() {
			ip = netip.IPv4Unspecified()
		}
		ip = ip.Unmap()
		if !ip.Is4() {
			return nil, unix.EAFNOSUPPORT
		}
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}, nil

	case unix.AF_INET6:
		if !ip.IsValid() {
			ip = netip.IPv6Unspecified()
		}
		sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
		if zone := ip.Zone(); zone != "" {
			sa.ZoneId = zoneIndex(zone)
		}
		return sa, nil

	default:
		return nil, unix.EAFNOSUPPORT
	}
}

// zoneIndex maps an IPv6 zone (interface name or number) to its index.
func zoneIndex(zone string) uint32 {
	if value, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(value)
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	return 0
}

// addrPortFromSockaddr decodes an IPv4 or IPv6 socket address.
//
// Other socket addresses decode to the zero [netip.AddrPort].
func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			ip = ip.WithZone(strconv.FormatUint(uint64(sa.ZoneId), 10))
		}
		return netip.AddrPortFrom(ip, uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
