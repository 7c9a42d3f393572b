package types

import (
	"fmt"
	"strings"

	multiaddr "github.com/multiformats/go-multiaddr"
)

// HostKind tags the kind of host a network Address points at, which in
// turn determines whether reaching it requires a proxy.
type HostKind uint8

const (
	// HostIP is a bare IPv4/IPv6 address.
	HostIP HostKind = iota
	// HostDNS is a DNS name resolved before dialing.
	HostDNS
	// HostOnion is a Tor onion-service address; dialing it requires a
	// SOCKS proxy.
	HostOnion
)

func (k HostKind) String() string {
	switch k {
	case HostDNS:
		return "dns"
	case HostOnion:
		return "onion"
	default:
		return "ip"
	}
}

// AddressLimit bounds the number of addresses carried on a single
// NodeInfo announcement (wire message size limit, spec §6).
const AddressLimit = 32

// Address is a host+port pair tagged by network kind.
type Address struct {
	Kind HostKind
	Host string
	Port uint16
}

// RequiresProxy reports whether dialing this address needs a SOCKS proxy.
func (a Address) RequiresProxy() bool {
	return a.Kind == HostOnion
}

// String renders the address in host:port form with its kind as a prefix
// for non-IP kinds, e.g. "onion:abcd1234.onion:8776".
func (a Address) String() string {
	if a.Kind == HostIP {
		return fmt.Sprintf("%s:%d", a.Host, a.Port)
	}
	return fmt.Sprintf("%s:%s:%d", a.Kind, a.Host, a.Port)
}

// Multiaddr renders this address as a multiaddr, for handing to a
// transport that understands multiaddrs.
func (a Address) Multiaddr() (multiaddr.Multiaddr, error) {
	var proto string
	switch a.Kind {
	case HostDNS:
		proto = "dns4"
	case HostOnion:
		proto = "onion3"
	default:
		proto = "ip4"
		if strings.Contains(a.Host, ":") {
			proto = "ip6"
		}
	}
	s := fmt.Sprintf("/%s/%s/tcp/%d", proto, a.Host, a.Port)
	return multiaddr.NewMultiaddr(s)
}
