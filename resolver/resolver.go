// Package resolver implements the partial RFC 3263 destination resolver
// (C2): SIP-URI → ordered list of {proto, addr, port}, paired with the
// leg able to reach each one. See SPEC_FULL.md §6.2.
package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/errutil"
	"github.com/sipmesh/dispatcher/internal/log"
	"github.com/sipmesh/dispatcher/sipaddr"
	"github.com/sipmesh/dispatcher/sipmsg"
)

// ErrHostUnreachable is returned when resolution yields no address with a
// leg able to reach it.
const ErrHostUnreachable errutil.Error = "resolver: no reachable destination (EHOSTUNREACH)"

// LegCandidate is the narrow view of a leg the resolver needs: whether it
// can reach a candidate address. Kept separate from the leg package's
// full Leg interface so this package has no dependency on leg.
type LegCandidate interface {
	CanDeliverTo(addr sipaddr.Address) bool
}

// Callback receives the resolver's output: parallel addrs/legs slices
// (legs[i] is the leg chosen to reach addrs[i]), or a non-nil err.
type Callback func(addrs []sipaddr.Address, legs []LegCandidate, err error)

// Options configures a Resolver. Every field has a default supplied by its
// accessor, mirroring the teacher's TransactionManagerOptions pattern.
type Options struct {
	// OutgoingProxy is the fallback destination used when no domain2proxy
	// override applies.
	OutgoingProxy *sipaddr.Address
	// Domain2Proxy is consulted before DNS.
	Domain2Proxy *ProxyTable
	// DNSBackend replaces the built-in DNS backend.
	DNSBackend Backend
	// DefaultProtos is the proto order tried absent an explicit allowedProtos
	// argument and absent sips: (which always forces [tls]).
	DefaultProtos []sipaddr.Proto
	Log           *slog.Logger
}

func (o Options) dnsBackend() Backend {
	if o.DNSBackend != nil {
		return o.DNSBackend
	}
	d := &DNSResolver{}
	return d.Lookup
}

func (o Options) defaultProtos() []sipaddr.Proto {
	if len(o.DefaultProtos) > 0 {
		return o.DefaultProtos
	}
	return []sipaddr.Proto{sipaddr.UDP, sipaddr.TCP}
}

func (o Options) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return log.Def
}

// Resolver implements the resolve_uri contract (C2).
type Resolver struct {
	opts Options
}

// New constructs a Resolver.
func New(opts Options) *Resolver {
	return &Resolver{opts: opts}
}

// ResolveURI resolves uri to an ordered candidate list, pairing each
// address with the first of legs able to reach it; addresses no leg can
// reach are dropped. cb is invoked exactly once, possibly asynchronously
// if a DNS step is needed.
func (r *Resolver) ResolveURI(ctx context.Context, uri sipmsg.URI, allowedProtos []sipaddr.Proto, legs []LegCandidate, cb Callback) {
	protos := r.protosFor(uri, allowedProtos)

	if addr, ok := r.opts.Domain2Proxy.Lookup(uri.Host); ok {
		r.finish(ctx, []sipaddr.Address{addr}, legs, cb)
		return
	}

	if r.opts.OutgoingProxy != nil {
		r.finish(ctx, []sipaddr.Address{*r.opts.OutgoingProxy}, legs, cb)
		return
	}

	if uri.IsIPLiteral() {
		proto := protos[0]
		port := uri.Port
		if port == 0 {
			port = proto.DefaultPort()
		}
		host := trimIPv6Brackets(uri.Host)
		addr, err := sipaddr.New(proto, host, port)
		if err != nil {
			cb(nil, nil, errtrace.Wrap(err))
			return
		}
		r.finish(ctx, []sipaddr.Address{addr}, legs, cb)
		return
	}

	r.resolveRFC3263(ctx, uri.Host, uri.Port, protos, 0, nil, func(addrs []sipaddr.Address, err error) {
		if err != nil {
			cb(nil, nil, errtrace.Wrap(err))
			return
		}
		r.finish(ctx, addrs, legs, cb)
	})
}

func (r *Resolver) protosFor(uri sipmsg.URI, allowedProtos []sipaddr.Proto) []sipaddr.Proto {
	if uri.Secure {
		return []sipaddr.Proto{sipaddr.TLS}
	}
	if len(allowedProtos) > 0 {
		return allowedProtos
	}
	return r.opts.defaultProtos()
}

// resolveRFC3263 walks protos in order, accumulating addrs, and invokes
// done once every proto has been tried (sequentially, so output ordering
// is deterministic given a deterministic backend — invariant 6).
func (r *Resolver) resolveRFC3263(ctx context.Context, domain string, explicitPort uint16, protos []sipaddr.Proto, idx int, acc []sipaddr.Address, done func([]sipaddr.Address, error)) {
	if idx >= len(protos) {
		done(acc, nil)
		return
	}
	proto := protos[idx]
	next := func(newAcc []sipaddr.Address) {
		r.resolveRFC3263(ctx, domain, explicitPort, protos, idx+1, newAcc, done)
	}

	if explicitPort != 0 {
		// URI already pins a port: RFC 3263 skips SRV when the port is
		// explicit and resolves the domain directly via A/AAAA.
		r.resolveHost(ctx, domain, proto, explicitPort, func(addrs []sipaddr.Address, err error) {
			if err != nil {
				next(acc)
				return
			}
			next(append(acc, addrs...))
		})
		return
	}

	srvName := fmt.Sprintf("_sip._%s.%s", proto, domain)
	r.opts.dnsBackend()(ctx, KindSRV, srvName, func(recs []Record, err error) {
		if err != nil || len(recs) == 0 {
			r.resolveHost(ctx, domain, proto, proto.DefaultPort(), func(addrs []sipaddr.Address, herr error) {
				if herr != nil {
					next(acc)
					return
				}
				next(append(acc, addrs...))
			})
			return
		}
		r.resolveSRVTargets(ctx, proto, recs, 0, acc, next)
	})
}

func (r *Resolver) resolveSRVTargets(ctx context.Context, proto sipaddr.Proto, recs []Record, idx int, acc []sipaddr.Address, done func([]sipaddr.Address)) {
	if idx >= len(recs) {
		done(acc)
		return
	}
	rec := recs[idx]
	r.resolveHost(ctx, rec.Target, proto, rec.Port, func(addrs []sipaddr.Address, err error) {
		if err == nil {
			acc = append(acc, addrs...)
		}
		r.resolveSRVTargets(ctx, proto, recs, idx+1, acc, done)
	})
}

func (r *Resolver) resolveHost(ctx context.Context, host string, proto sipaddr.Proto, port uint16, cb func([]sipaddr.Address, error)) {
	r.opts.dnsBackend()(ctx, KindA, host, func(recs []Record, err error) {
		if err == nil && len(recs) > 0 {
			addrs := make([]sipaddr.Address, 0, len(recs))
			for _, rec := range recs {
				addr, aerr := sipaddr.New(proto, rec.IP, port)
				if aerr != nil {
					continue
				}
				addr.Host = host
				addrs = append(addrs, addr)
			}
			cb(addrs, nil)
			return
		}
		r.opts.dnsBackend()(ctx, KindAAAA, host, func(recs []Record, err error) {
			if err != nil {
				cb(nil, errtrace.Wrap(err))
				return
			}
			addrs := make([]sipaddr.Address, 0, len(recs))
			for _, rec := range recs {
				addr, aerr := sipaddr.New(proto, rec.IP, port)
				if aerr != nil {
					continue
				}
				addr.Host = host
				addrs = append(addrs, addr)
			}
			cb(addrs, nil)
		})
	})
}

func (r *Resolver) finish(_ context.Context, addrs []sipaddr.Address, legs []LegCandidate, cb Callback) {
	outAddrs := make([]sipaddr.Address, 0, len(addrs))
	outLegs := make([]LegCandidate, 0, len(addrs))
	for _, addr := range addrs {
		for _, lg := range legs {
			if lg.CanDeliverTo(addr) {
				outAddrs = append(outAddrs, addr)
				outLegs = append(outLegs, lg)
				break
			}
		}
	}
	if len(outAddrs) == 0 {
		cb(nil, nil, errtrace.Wrap(ErrHostUnreachable))
		return
	}
	cb(outAddrs, outLegs, nil)
}

func trimIPv6Brackets(host string) string {
	if len(host) >= 2 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}
