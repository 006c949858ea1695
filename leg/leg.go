// Package leg implements the per-socket transport endpoint (C3) and the
// registry of active legs (C4). See SPEC_FULL.md §6.3.
package leg

import (
	"context"

	"github.com/sipmesh/dispatcher/sipaddr"
	"github.com/sipmesh/dispatcher/sipmsg"
)

// ReceiveHandler is invoked for every packet a leg successfully parses off
// the wire. from is the address the packet was actually observed to
// originate from (authoritative over anything the packet's own headers
// claim).
type ReceiveHandler func(pkt sipmsg.Packet, lg Leg, from sipaddr.Address)

// MatchSpec is a conjunctive filter over leg attributes, used by
// Registry.GetLegs and the dispatcher's get_legs.
type MatchSpec struct {
	Addr      string // exact match against Local().Addr, empty = any
	Port      uint16 // 0 = any
	Proto     sipaddr.Proto
	Predicate func(Leg) bool
}

// Leg is one socket-bound SIP transport endpoint.
type Leg interface {
	// Local is this leg's own bound address.
	Local() sipaddr.Address
	// Contact is the URI this leg advertises as its own reachable address,
	// used to populate sent-by and Record-Route.
	Contact() sipmsg.URI
	// BranchTag is this leg's process-lifetime-unique branch prefix.
	BranchTag() string

	// Start begins reading from the underlying socket(s), invoking h for
	// every successfully parsed inbound packet. Start returns once the
	// read goroutine(s) are running; it does not block.
	Start(ctx context.Context, h ReceiveHandler) error
	// Stop closes the underlying socket(s) and stops reading.
	Stop() error

	// AddVia prepends a fresh Via header onto pkt if it's an outgoing
	// request (no-op for responses). It does not check for an existing Via
	// of this leg: every call adds one. Callers that need to key work off
	// the branch a request is about to travel under call this before
	// Deliver, rather than
	// letting Deliver add it as a side effect of the write.
	AddVia(pkt sipmsg.Packet)

	// Deliver writes pkt to dst. cb is invoked with the write outcome:
	// synchronously after the write syscall for unreliable transports, on
	// write completion (or fatal error) for reliable ones. Deliver does not
	// touch pkt's Via; callers add it once via AddVia before the first send
	// so retransmissions of the same packet carry the same branch.
	Deliver(ctx context.Context, pkt sipmsg.Packet, dst sipaddr.Address, cb func(error))

	// ForwardIncoming applies the inbound Via/Route rewriting rules
	// described in SPEC_FULL.md §6.3 and returns the packet to forward to
	// the dispatcher, or nil if it must be dropped (response with a
	// mismatched top Via, see CheckVia).
	ForwardIncoming(pkt sipmsg.Packet, from sipaddr.Address) sipmsg.Packet

	// ForwardOutgoing inserts a Record-Route header for this leg and drops
	// a leading Route entry that points at it, readying pkt to leave via
	// incoming (the leg it arrived on, for proxied in-dialog requests).
	ForwardOutgoing(pkt sipmsg.Packet, incoming Leg)

	// CheckVia reports whether pkt's top Via branch belongs to this leg.
	CheckVia(pkt sipmsg.Packet) bool

	// CanDeliverTo reports whether this leg's protocol is compatible with
	// addr. No OS routing introspection is performed (core spec §9, "open
	// question": preserved as unconditionally true for compatible protos).
	CanDeliverTo(addr sipaddr.Address) bool

	// Match reports whether this leg satisfies spec's Addr, Port and Proto.
	// spec.Predicate is not consulted here; Registry applies it separately.
	Match(spec MatchSpec) bool
}
