// Package dispatch implements the delivery queue and retransmission engine
// (C5) and the top-level Dispatcher orchestrator (C6). See SPEC_FULL.md §6.4.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/errutil"
	"github.com/sipmesh/dispatcher/internal/log"
	"github.com/sipmesh/dispatcher/leg"
	"github.com/sipmesh/dispatcher/reactor"
	"github.com/sipmesh/dispatcher/resolver"
	"github.com/sipmesh/dispatcher/sipaddr"
	"github.com/sipmesh/dispatcher/sipmsg"
)

// ErrDeliveryTimedOut is the terminal error for a qentry whose
// retransmission schedule ran out without a matching response (ETIMEDOUT).
const ErrDeliveryTimedOut errutil.Error = "dispatch: delivery timed out (ETIMEDOUT)"

// ErrLegRemoved is the terminal error delivered to in-flight qentries whose
// leg was removed out from under them (ENETDOWN).
const ErrLegRemoved errutil.Error = "dispatch: leg removed during delivery (ENETDOWN)"

// ErrUnsupportedPacket is returned for a Deliver call whose packet is
// neither a *sipmsg.Request nor a *sipmsg.Response.
const ErrUnsupportedPacket errutil.Error = "dispatch: packet is neither request nor response"

// CancelType selects the key cancel_delivery matches against.
type CancelType string

const (
	// CancelByID cancels the single entry with the matching id.
	CancelByID CancelType = "id"
	// CancelByCallID cancels every entry sharing a Call-ID.
	CancelByCallID CancelType = "callid"
	// CancelByQEntry is treated identically to CancelByID: this
	// implementation doesn't expose a separate opaque qentry handle,
	// so a qentry's id is its own handle (see the dispatch entry in
	// DESIGN.md).
	CancelByQEntry CancelType = "qentry"
)

// Options configures a Dispatcher. The zero value is valid; fields missing
// here get defaults through their accessor, mirroring the teacher's
// TransactionManagerOptions pattern.
type Options struct {
	// Loop is the event loop to drive off. Constructed with reactor.New if nil.
	Loop *reactor.Loop
	// Legs are started and registered at construction time.
	Legs []leg.Leg
	// OutgoingProxy is the resolver's fallback destination.
	OutgoingProxy *sipaddr.Address
	// Domain2Proxy is consulted by the resolver before DNS.
	Domain2Proxy *resolver.ProxyTable
	// DoRetransmits is the default retransmit behavior for deliveries that
	// don't override it per-call. Defaults to true; stateless proxies pass
	// a false pointer.
	DoRetransmits *bool
	// DNSBackend overrides the resolver's built-in DNS backend.
	DNSBackend resolver.Backend
	Log        *slog.Logger
}

func (o Options) doRetransmits() bool {
	if o.DoRetransmits != nil {
		return *o.DoRetransmits
	}
	return true
}

func (o Options) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return log.Def
}

// Dispatcher is the top-level orchestrator (C6): it owns the leg registry,
// the resolver, and the delivery queue, and demultiplexes every leg's
// inbound packets to a configured Receiver.
type Dispatcher struct {
	opts Options

	loop     *reactor.Loop
	ownsLoop bool
	legs     *leg.Registry
	resolver *resolver.Resolver
	queue    *Queue
	receiver Receiver

	log *slog.Logger
}

// New constructs a Dispatcher and starts every leg in opts.Legs.
func New(ctx context.Context, opts Options) (*Dispatcher, error) {
	l := opts.Loop
	ownsLoop := false
	if l == nil {
		l = reactor.New(reactor.Options{Log: opts.log()})
		ownsLoop = true
	}

	d := &Dispatcher{
		opts:     opts,
		loop:     l,
		ownsLoop: ownsLoop,
		legs:     leg.NewRegistry(),
		queue:    newQueue(),
		log:      opts.log(),
	}
	d.resolver = resolver.New(resolver.Options{
		OutgoingProxy: opts.OutgoingProxy,
		Domain2Proxy:  opts.Domain2Proxy,
		DNSBackend:    opts.DNSBackend,
		Log:           opts.log(),
	})

	for _, lg := range opts.Legs {
		if err := d.legs.AddLeg(ctx, lg, d.Receive); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	return d, nil
}

// SetReceiver installs the object invoked for every successfully
// demultiplexed inbound packet. Safe to call at any time; takes effect for
// the next Receive call.
func (d *Dispatcher) SetReceiver(r Receiver) {
	d.loop.Post(func() { d.receiver = r })
}

// AddLeg starts lg and registers it, wiring its inbound packets to Receive.
func (d *Dispatcher) AddLeg(ctx context.Context, lg leg.Leg) error {
	return errtrace.Wrap(d.legs.AddLeg(ctx, lg, d.Receive))
}

// RemoveLeg stops lg, fails every qentry currently targeting it with
// ErrLegRemoved, and unregisters it.
func (d *Dispatcher) RemoveLeg(lg leg.Leg) error {
	if err := d.loop.Call(func() {
		for _, q := range d.queue.all() {
			if q.leg != lg {
				continue
			}
			d.loop.CancelTimerNow(q.timerID)
			d.queue.remove(q)
			q.timeout(ErrLegRemoved)
		}
	}); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(d.legs.RemoveLeg(lg))
}

// GetLegs returns every registered leg matching spec.
func (d *Dispatcher) GetLegs(spec leg.MatchSpec) []leg.Leg {
	return d.legs.GetLegs(spec)
}

// AddTimer is a passthrough to the event loop, for upper layers (the
// registrar's expire sweep) that need to schedule work on the same
// single-threaded loop the dispatcher runs on.
func (d *Dispatcher) AddTimer(when time.Time, repeat time.Duration, cb func()) (reactor.TimerID, error) {
	return d.loop.AddTimer(when, repeat, cb)
}

// CancelTimer is a passthrough to the event loop.
func (d *Dispatcher) CancelTimer(id reactor.TimerID) error {
	return errtrace.Wrap(d.loop.CancelTimer(id))
}

// Loop exposes the underlying event loop, for callers (the registrar) that
// need loop-goroutine-safe scheduling primitives beyond AddTimer/CancelTimer.
func (d *Dispatcher) Loop() *reactor.Loop { return d.loop }

// DeliverOptions customizes one Deliver call.
type DeliverOptions struct {
	// ID overrides the queue key; defaults to packet.TID().
	ID string
	// CallID overrides the secondary cancel_delivery(type="callid") key;
	// defaults to packet.CallID().
	CallID string
	// Callback is invoked at most once: with nil on a matching response
	// (or, for reliable transports, successful write completion), or with
	// a non-nil error on resolution failure, write failure, ETIMEDOUT, or
	// leg removal. Never invoked on explicit CancelDelivery. An unreliable
	// delivery with retransmits disabled has no ETIMEDOUT deadline, so it
	// is not invoked at all if no matching response ever arrives.
	Callback func(error)
	// Leg and DstAddr, if both given, skip resolution entirely.
	Leg     leg.Leg
	DstAddr *sipaddr.Address
	// DoRetransmits overrides Options.DoRetransmits for this delivery.
	DoRetransmits *bool
}

// Deliver queues pkt for delivery. It never blocks: resolution, if needed,
// completes asynchronously and the qentry is created and armed from the
// resolver's callback.
func (d *Dispatcher) Deliver(ctx context.Context, pkt sipmsg.Packet, opts DeliverOptions) {
	callID := opts.CallID
	if callID == "" {
		callID, _ = pkt.CallID()
	}

	doRetransmits := d.opts.doRetransmits()
	if opts.DoRetransmits != nil {
		doRetransmits = *opts.DoRetransmits
	}

	// AddVia runs here, once the destination leg is known, and before id is
	// derived: a locally-originated request has no branch yet, and the
	// queue key must be the same branch the eventual response will echo
	// back in its own top Via (see Receive). Deliver itself never adds a
	// Via, so the identical one survives every retransmit of pkt.
	start := func(lg leg.Leg, dst sipaddr.Address) {
		lg.AddVia(pkt)
		id := opts.ID
		if id == "" {
			if tid, err := pkt.TID(); err == nil {
				id = tid.Key + "|" + string(tid.Method)
			}
		}
		d.loop.Post(func() {
			d.startDelivery(id, callID, pkt, dst, lg, opts.Callback, doRetransmits)
		})
	}

	if opts.Leg != nil && opts.DstAddr != nil {
		start(opts.Leg, *opts.DstAddr)
		return
	}

	uri, protos, err := destinationURI(pkt)
	if err != nil {
		if opts.Callback != nil {
			opts.Callback(errtrace.Wrap(err))
		}
		return
	}

	var legs []leg.Leg
	if opts.Leg != nil {
		legs = []leg.Leg{opts.Leg}
	} else {
		legs = d.legs.All()
	}
	resolverLegs := make([]resolver.LegCandidate, len(legs))
	for i, l := range legs {
		resolverLegs[i] = l
	}

	d.resolver.ResolveURI(ctx, uri, protos, resolverLegs, func(addrs []sipaddr.Address, rlegs []resolver.LegCandidate, err error) {
		if err != nil {
			if opts.Callback != nil {
				opts.Callback(errtrace.Wrap(err))
			}
			return
		}
		lg, ok := rlegs[0].(leg.Leg)
		if !ok {
			if opts.Callback != nil {
				opts.Callback(errtrace.Wrap(fmt.Errorf("dispatch: resolver returned a non-leg candidate")))
			}
			return
		}
		start(lg, addrs[0])
	})
}

// destinationURI derives the URI the resolver should resolve: the
// request-URI for requests, or a URI built from the top Via (with
// received=/rport= overrides applied) for responses.
func destinationURI(pkt sipmsg.Packet) (sipmsg.URI, []sipaddr.Proto, error) {
	switch p := pkt.(type) {
	case *sipmsg.Request:
		return p.RequestURI, nil, nil
	case *sipmsg.Response:
		hop, err := p.ViaTop()
		if err != nil {
			return sipmsg.URI{}, nil, errtrace.Wrap(err)
		}
		host := hop.Host
		if received, ok := hop.Received(); ok {
			host = received
		}
		port := hop.Port
		if rport, ok := hop.RPort(); ok && rport != "" {
			if v, perr := parsePort(rport); perr == nil {
				port = v
			}
		}
		return sipmsg.URI{Host: host, Port: port}, []sipaddr.Proto{hop.Proto}, nil
	default:
		return sipmsg.URI{}, nil, errtrace.Wrap(ErrUnsupportedPacket)
	}
}

// startDelivery runs on the loop goroutine: it creates the qentry, registers
// it, and arms its retransmission schedule (or, for reliable/no-retransmit
// deliveries, sends once; see sendOnce).
func (d *Dispatcher) startDelivery(id, callID string, pkt sipmsg.Packet, dst sipaddr.Address, lg leg.Leg, cb func(error), doRetransmits bool) {
	reliable := dst.Proto != sipaddr.UDP
	q := newQEntry(id, callID, pkt, dst, lg, cb, doRetransmits, reliable)
	d.queue.add(q)

	if reliable || !doRetransmits {
		d.sendOnce(q)
		return
	}

	now := d.loop.LoopTime()
	q.sends, q.timeoutAt = buildSchedule(now)
	q.nextIdx = 0
	q.timerID = d.loop.AddTimerNow(q.sends[0], 0, func() { d.fireSend(q) })
}

// sendOnce delivers q's packet exactly once (reliable transports, or
// unreliable with retransmits disabled). A failed write fails the entry. On
// a reliable transport a successful write completion acks the entry; on an
// unreliable one the entry stays in the queue to be acked by a matching
// response.
func (d *Dispatcher) sendOnce(q *qentry) {
	q.leg.Deliver(context.Background(), q.packet, q.dst, func(err error) {
		d.loop.Post(func() {
			if q.state() != qActive {
				return
			}
			if err != nil {
				d.queue.remove(q)
				q.timeout(err)
				return
			}
			if q.reliable {
				d.queue.remove(q)
				q.ack()
			}
		})
	})
}

// fireSend sends the qentry's next scheduled transmission and arms either
// the next send deadline or, once the schedule is exhausted, the ETIMEDOUT
// deadline.
func (d *Dispatcher) fireSend(q *qentry) {
	if q.state() != qActive {
		return
	}
	q.leg.Deliver(context.Background(), q.packet, q.dst, func(err error) {
		d.loop.Post(func() { d.afterSend(q, err) })
	})
}

func (d *Dispatcher) afterSend(q *qentry, err error) {
	if q.state() != qActive {
		return
	}
	if err != nil && !errutil.IsTemporary(err) {
		d.queue.remove(q)
		q.timeout(err)
		return
	}

	q.nextIdx++
	if q.nextIdx >= len(q.sends) {
		q.timerID = d.loop.AddTimerNow(q.timeoutAt, 0, func() { d.fireTimeout(q) })
		return
	}
	q.timerID = d.loop.AddTimerNow(q.sends[q.nextIdx], 0, func() { d.fireSend(q) })
}

func (d *Dispatcher) fireTimeout(q *qentry) {
	if q.state() != qActive {
		return
	}
	d.queue.remove(q)
	q.timeout(ErrDeliveryTimedOut)
}

// CancelDelivery removes the matching qentry (or entries, for
// CancelByCallID) without invoking their callbacks. It reports whether at
// least one entry was removed.
func (d *Dispatcher) CancelDelivery(ctyp CancelType, key string) bool {
	var removed bool
	_ = d.loop.Call(func() {
		var targets []*qentry
		switch ctyp {
		case CancelByCallID:
			targets = d.queue.byCallIDList(key)
		default: // CancelByID, CancelByQEntry
			if q, ok := d.queue.get(key); ok {
				targets = []*qentry{q}
			}
		}
		for _, q := range targets {
			if !q.cancel() {
				continue
			}
			d.loop.CancelTimerNow(q.timerID)
			d.queue.remove(q)
			removed = true
		}
	})
	return removed
}

// Receive is every leg's ReceiveHandler: it demultiplexes pkt to a matching
// in-flight qentry (responses) and always forwards to the configured
// Receiver. It always runs on the loop goroutine, since legs hand inbound
// packets back via Loop.Post.
func (d *Dispatcher) Receive(pkt sipmsg.Packet, lg leg.Leg, from sipaddr.Address) {
	// check_via has already been enforced by the leg (ForwardIncoming drops
	// a response whose top Via branch isn't its own before ever calling
	// this handler), so no second check is needed here.
	if resp, ok := pkt.(*sipmsg.Response); ok {
		if tid, err := resp.TID(); err == nil {
			if q, ok := d.queue.get(tid.Key + "|" + string(tid.Method)); ok {
				d.loop.CancelTimerNow(q.timerID)
				d.queue.remove(q)
				q.ack()
			}
		}
		// Match-then-strip: the Via this leg's own AddVia prepended onto the
		// matching request is this response's top Via, echoed straight back.
		// Remove it before the response travels any further up the stack.
		resp.StripTopVia()
	}

	if d.receiver != nil {
		d.receiver.Receive(pkt, lg, from)
	}
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errtrace.Wrap(fmt.Errorf("dispatch: %q is not a port: %w", s, err))
	}
	return uint16(v), nil
}

// Close stops every registered leg and, if this Dispatcher constructed its
// own loop, stops that loop too.
func (d *Dispatcher) Close() error {
	err := d.legs.StopAll()
	if d.ownsLoop {
		d.loop.Stop()
	}
	return errtrace.Wrap(err)
}
