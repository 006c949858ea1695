// Package sipaddr provides the Address value type shared by the resolver,
// legs and dispatcher: a transport-qualified socket destination.
package sipaddr

import (
	"fmt"
	"net"
	"strconv"

	"braces.dev/errtrace"
)

// Proto identifies a SIP transport protocol.
type Proto string

const (
	UDP Proto = "udp"
	TCP Proto = "tcp"
	TLS Proto = "tls"
)

// DefaultPort returns the well-known port for p (5060 for udp/tcp, 5061 for tls).
func (p Proto) DefaultPort() uint16 {
	if p == TLS {
		return 5061
	}
	return 5060
}

// Network returns the net package network name used to dial/listen for p.
// TLS rides over TCP framing.
func (p Proto) Network() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// Family identifies an IP address family.
type Family string

const (
	V4 Family = "v4"
	V6 Family = "v6"
)

// Address is a fully-qualified transport destination. Host is retained for
// TLS SNI and certificate validation; Addr is the authoritative numeric IP
// used for socket syscalls.
type Address struct {
	Proto  Proto
	Host   string
	Addr   string
	Port   uint16
	Family Family
}

// New builds an Address from a numeric IP host and port, inferring
// Addr/Family from it. A host that isn't a numeric IP is an error; New does
// no name resolution (FromHostPort does).
func New(proto Proto, host string, port uint16) (Address, error) {
	a := Address{Proto: proto, Host: host, Port: port}
	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, errtrace.Wrap(fmt.Errorf("sipaddr: %q is not a numeric IP", host))
	}
	a.Addr = ip.String()
	if ip.To4() != nil {
		a.Family = V4
	} else {
		a.Family = V6
	}
	return a, nil
}

// FromHostPort splits a "host:port" string (IPv6 literals bracketed per
// net.SplitHostPort) and resolves a non-numeric host to a numeric address
// via resolve.
func FromHostPort(proto Proto, hostport string, resolve func(host string) (string, error)) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, errtrace.Wrap(err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, errtrace.Wrap(err)
	}

	addr := host
	if net.ParseIP(host) == nil {
		if resolve == nil {
			return Address{}, errtrace.Wrap(fmt.Errorf("sipaddr: %q is not numeric and no resolver given", host))
		}
		addr, err = resolve(host)
		if err != nil {
			return Address{}, errtrace.Wrap(err)
		}
	}

	a, err := New(proto, addr, uint16(port))
	if err != nil {
		return Address{}, errtrace.Wrap(err)
	}
	a.Host = host
	return a, nil
}

// HostPort renders the numeric addr:port pair used for socket operations.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Addr, strconv.FormatUint(uint64(a.Port), 10))
}

// SentBy renders the host:port pair used for Via sent-by / Contact host,
// preferring the literal Host over the numeric Addr so TLS SNI and
// human-facing URIs show the configured name rather than the resolved IP.
func (a Address) SentBy() string {
	host := a.Host
	if host == "" {
		host = a.Addr
	}
	return net.JoinHostPort(host, strconv.FormatUint(uint64(a.Port), 10))
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%s", a.Proto, a.HostPort())
}

// Equal reports whether a and b designate the same transport destination.
func (a Address) Equal(b Address) bool {
	return a.Proto == b.Proto && a.Addr == b.Addr && a.Port == b.Port
}
