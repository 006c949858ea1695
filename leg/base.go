package leg

import (
	"sync/atomic"

	"github.com/sipmesh/dispatcher/internal/randutil"
	"github.com/sipmesh/dispatcher/sipaddr"
	"github.com/sipmesh/dispatcher/sipmsg"
)

// baseLeg holds the state and behaviour shared by every transport-specific
// leg implementation: Via/Route rewriting, branch-tag checking, matching.
// Grounded on the Via received=/rport= handling and Record-Route/Route
// rewriting described for ghettovoice-gosip/sip/transport/base.go (RFC
// 3261 §18.2.1, RFC 3581 §4) and other_examples/datism-gossip's proxy core.
type baseLeg struct {
	local     sipaddr.Address
	contact   sipmsg.URI
	branchTag string

	parseErrors atomic.Int64
}

// ParseErrors returns the count of inbound messages this leg discarded for
// failing to parse, for diagnostics (core spec §7, error handling).
func (b *baseLeg) ParseErrors() int64 { return b.parseErrors.Load() }

func newBaseLeg(local sipaddr.Address, contact sipmsg.URI) baseLeg {
	return baseLeg{
		local:     local,
		contact:   contact,
		branchTag: randutil.UniqueID(),
	}
}

func (b *baseLeg) Local() sipaddr.Address { return b.local }

func (b *baseLeg) Contact() sipmsg.URI { return b.contact }

func (b *baseLeg) BranchTag() string { return b.branchTag }

// CheckVia reports whether pkt's top Via branch was generated by this leg.
func (b *baseLeg) CheckVia(pkt sipmsg.Packet) bool {
	hop, err := pkt.ViaTop()
	if err != nil {
		return false
	}
	branch, ok := hop.Branch()
	if !ok {
		return false
	}
	prefix := sipmsg.BranchMagicCookie + b.branchTag
	return len(branch) >= len(prefix) && branch[:len(prefix)] == prefix
}

// newBranch mints a fresh branch parameter for an outgoing request,
// combining this leg's process-unique tag with a per-call nonce so two
// concurrent deliveries through the same leg never collide.
func (b *baseLeg) newBranch() string {
	return sipmsg.BranchMagicCookie + b.branchTag + "-" + randutil.String(8)
}

// CanDeliverTo reports whether addr's proto matches this leg's, per the
// core spec's preserved "no OS route introspection" behaviour.
func (b *baseLeg) CanDeliverTo(addr sipaddr.Address) bool {
	return addr.Proto == b.local.Proto
}

// Match implements the conjunctive leg filter over Addr, Port and Proto;
// spec.Predicate is left to the caller.
func (b *baseLeg) Match(spec MatchSpec) bool {
	if spec.Addr != "" && spec.Addr != b.local.Addr {
		return false
	}
	if spec.Port != 0 && spec.Port != b.local.Port {
		return false
	}
	if spec.Proto != "" && spec.Proto != b.local.Proto {
		return false
	}
	return true
}

// AddVia prepends a fresh Via header onto a request, per the "exactly one
// Via added per outgoing request traversal" invariant. It is a no-op for
// anything that isn't a *sipmsg.Request. Separated out from Deliver so a
// caller keying work off the branch (the dispatcher, deriving a qentry's
// lookup id) can call it before the first send rather than after.
func (b *baseLeg) AddVia(pkt sipmsg.Packet) {
	req, ok := pkt.(*sipmsg.Request)
	if !ok {
		return
	}
	hop := sipmsg.ViaHop{Proto: b.local.Proto, Host: b.local.Host, Port: b.local.Port}
	if hop.Host == "" {
		hop.Host = b.local.Addr
	}
	hop.Params = hop.Params.Set("branch", b.newBranch())
	hop.Params = hop.Params.SetFlag("rport")
	req.PrependVia(hop)
}

// ForwardIncoming applies the Via/Route rewriting rules to an inbound
// packet. Requests get received=/rport= correction and Route popping;
// responses are checked against this leg's own branch tag and dropped
// (nil) on mismatch, per scenario S6.
func (b *baseLeg) ForwardIncoming(pkt sipmsg.Packet, from sipaddr.Address) sipmsg.Packet {
	switch p := pkt.(type) {
	case *sipmsg.Request:
		return b.forwardIncomingRequest(p, from)
	case *sipmsg.Response:
		if !b.CheckVia(p) {
			return nil
		}
		return p
	default:
		return pkt
	}
}

// selfRouteDropper is satisfied by every baseLeg-embedding leg via method
// promotion; it lets ForwardOutgoing strip a Route entry naming incoming
// without baseLeg importing the concrete leg types.
type selfRouteDropper interface {
	dropLeadingRouteIfSelf(pkt sipmsg.Packet)
}

// ForwardOutgoing readies pkt to leave via incoming: a Record-Route header
// naming this leg is inserted, and a leading Route entry pointing at
// incoming is dropped.
func (b *baseLeg) ForwardOutgoing(pkt sipmsg.Packet, incoming Leg) {
	b.insertRecordRoute(pkt)
	if d, ok := incoming.(selfRouteDropper); ok {
		d.dropLeadingRouteIfSelf(pkt)
	}
}

// forwardIncomingRequest implements the request half of ForwardIncoming:
// received=/rport= rewriting and strict/loose Route handling.
func (b *baseLeg) forwardIncomingRequest(req *sipmsg.Request, from sipaddr.Address) sipmsg.Packet {
	hop, err := req.ViaTop()
	if err == nil {
		changed := false
		if hop.Host != from.Addr {
			hop = hop.WithReceived(from.Addr)
			changed = true
		}
		if _, present := hop.RPort(); present {
			hop = hop.WithRPort(from.Port)
			changed = true
		}
		if changed {
			hl, _ := req.HeaderList().RemoveFirst("Via")
			req.SetHeaderList(hl.Prepend("Via", hop.String()))
		}
	}

	routeValues := req.HeaderList().GetAll("Route")
	if len(routeValues) > 0 && b.addressMatches(req.RequestURI) {
		// Strict-route rule (RFC 3261 §16.12): we were named directly in
		// the Request-URI, so the real next hop is the first Route entry.
		nextURI, _, perr := sipmsg.ParseRouteValue(routeValues[0])
		if perr == nil {
			req.RequestURI = nextURI
			hl, _ := req.HeaderList().RemoveFirst("Route")
			req.SetHeaderList(hl)
		}
	} else {
		for {
			v, ok := req.HeaderList().Get("Route")
			if !ok {
				break
			}
			routeURI, _, perr := sipmsg.ParseRouteValue(v)
			if perr != nil || !b.addressMatches(routeURI) {
				break
			}
			hl, _ := req.HeaderList().RemoveFirst("Route")
			req.SetHeaderList(hl)
		}
	}

	return req
}

// addressMatches reports whether uri's host:port names this leg.
func (b *baseLeg) addressMatches(uri sipmsg.URI) bool {
	port := portOrDefault(uri.Port, b.local.Proto)
	return port == b.local.Port && (uri.Host == b.local.Host || uri.Host == b.local.Addr)
}

// insertRecordRoute prepends a Record-Route header naming this leg's
// contact, so subsequent in-dialog requests route back through it.
func (b *baseLeg) insertRecordRoute(pkt sipmsg.Packet) {
	contact := b.contact
	contact.Params = contact.Params.Clone().SetFlag("lr")
	value := sipmsg.RenderRouteValue(contact, nil)
	pkt.SetHeaderList(pkt.HeaderList().Prepend("Record-Route", value))
}

// dropLeadingRouteIfSelf removes the topmost Route entry if it names this leg.
func (b *baseLeg) dropLeadingRouteIfSelf(pkt sipmsg.Packet) {
	v, ok := pkt.HeaderList().Get("Route")
	if !ok {
		return
	}
	routeURI, _, err := sipmsg.ParseRouteValue(v)
	if err != nil || !b.addressMatches(routeURI) {
		return
	}
	hl, _ := pkt.HeaderList().RemoveFirst("Route")
	pkt.SetHeaderList(hl)
}

func portOrDefault(port uint16, proto sipaddr.Proto) uint16 {
	if port != 0 {
		return port
	}
	return proto.DefaultPort()
}
