package resolver

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"slices"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// RecordKind identifies one of the DNS record types this module consults.
// NAPTR is deliberately absent: full RFC 3263 NAPTR resolution is a
// documented non-goal (SPEC_FULL.md §1).
type RecordKind string

const (
	KindSRV  RecordKind = "SRV"
	KindA    RecordKind = "A"
	KindAAAA RecordKind = "AAAA"
)

// Record is one DNS answer, shaped per the external DNS backend contract
// (SPEC_FULL.md §6.2 / core spec §6): SRV records carry Priority/Weight/
// Target/Port, A/AAAA records carry IP/Target.
type Record struct {
	Kind     RecordKind
	Priority uint16
	Weight   uint16
	Target   string
	Port     uint16
	IP       string
}

// Backend is the pluggable DNS lookup contract: query records of kind for
// name, then invoke cb with the results (or an error). Weights within a
// priority class may be reflected in result order but callers must not
// rely on it beyond what cb already returns.
type Backend func(ctx context.Context, kind RecordKind, name string, cb func([]Record, error))

// DNSResolver is the default Backend, querying a configured nameserver
// directly via github.com/miekg/dns rather than relying on net.Resolver,
// which does not expose SRV priority/weight ordering. Grounded on
// ghettovoice-gosip/dns/dns.go, trimmed of its LookupNAPTR method.
type DNSResolver struct {
	// NameServer is the "host:port" of the DNS server to query. If empty,
	// the system resolver configuration (/etc/resolv.conf) is used.
	NameServer string
	// Timeout bounds each individual query. Defaults to 5s.
	Timeout time.Duration
}

// Lookup implements Backend.
func (r *DNSResolver) Lookup(ctx context.Context, kind RecordKind, name string, cb func([]Record, error)) {
	recs, err := r.lookup(ctx, kind, name)
	cb(recs, err)
}

func (r *DNSResolver) lookup(ctx context.Context, kind RecordKind, name string) ([]Record, error) {
	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	m := new(dns.Msg)
	var qtype uint16
	switch kind {
	case KindSRV:
		qtype = dns.TypeSRV
	case KindA:
		qtype = dns.TypeA
	case KindAAAA:
		qtype = dns.TypeAAAA
	default:
		return nil, errtrace.Wrap(fmt.Errorf("resolver: unsupported record kind %q", kind))
	}
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]Record, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		switch rr := ans.(type) {
		case *dns.SRV:
			recs = append(recs, Record{Kind: KindSRV, Priority: rr.Priority, Weight: rr.Weight, Target: rr.Target, Port: rr.Port})
		case *dns.A:
			recs = append(recs, Record{Kind: KindA, Target: rr.Header().Name, IP: rr.A.String()})
		case *dns.AAAA:
			recs = append(recs, Record{Kind: KindAAAA, Target: rr.Header().Name, IP: rr.AAAA.String()})
		}
	}

	if kind == KindSRV {
		// RFC 2782: lower priority first; weight governs load balancing
		// within a priority class, reflected here only as a stable
		// secondary sort (true weighted random selection is left to a
		// future implementation, per the core spec's "not required").
		slices.SortStableFunc(recs, func(a, b Record) int {
			if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
				return c
			}
			return cmp.Compare(b.Weight, a.Weight)
		})
	}

	return recs, nil
}

func (r *DNSResolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *DNSResolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
