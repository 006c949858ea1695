// Package registrar implements the REGISTER-handling upper-layer consumer
// (C7): AOR/contact bookkeeping on top of a pluggable Store. See
// SPEC_FULL.md §6.5.
package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sipmesh/dispatcher/dispatch"
	"github.com/sipmesh/dispatcher/internal/log"
	"github.com/sipmesh/dispatcher/leg"
	"github.com/sipmesh/dispatcher/reactor"
	"github.com/sipmesh/dispatcher/sipaddr"
	"github.com/sipmesh/dispatcher/sipmsg"
)

// Options configures a Registrar. Dispatcher must be set; every other
// field has a default supplied by its accessor.
type Options struct {
	// Dispatcher delivers REGISTER responses and hosts the expire sweep
	// timer. New installs the Registrar as its receiver.
	Dispatcher *dispatch.Dispatcher
	// Store holds AOR -> contact bindings. Defaults to an in-memory store.
	Store Store
	// MinExpires rejects any nonzero requested expiry below it with a 423.
	// Zero means no floor.
	MinExpires time.Duration
	// MaxExpires caps every requested expiry, and is also what an absent
	// Contact expires param and Expires header fall back to. Defaults to
	// one hour.
	MaxExpires time.Duration
	// Domains, if non-empty, whitelists which AOR domains may register:
	// each entry is an exact host, a ".suffix", or "*".
	Domains []string
	Log     *slog.Logger
}

func (o Options) store() Store {
	if o.Store != nil {
		return o.Store
	}
	return NewMemStore()
}

func (o Options) maxExpires() time.Duration {
	if o.MaxExpires > 0 {
		return o.MaxExpires
	}
	return time.Hour
}

func (o Options) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return log.Def
}

// noRetransmits disables the dispatcher's request-style retransmission
// schedule for REGISTER responses: a UAS never retransmits a final
// response on its own timer, only the client retransmits its request.
var noRetransmits = false

// Registrar implements dispatch.Receiver, handling REGISTER requests and
// dropping everything else.
type Registrar struct {
	opts  Options
	d     *dispatch.Dispatcher
	store Store
	log   *slog.Logger

	haveSweep bool
	nextSweep time.Time
	sweepID   reactor.TimerID
}

// New constructs a Registrar and installs it as opts.Dispatcher's receiver.
func New(opts Options) *Registrar {
	r := &Registrar{
		opts:  opts,
		d:     opts.Dispatcher,
		store: opts.store(),
		log:   opts.log(),
	}
	r.d.SetReceiver(r)
	return r
}

// Receive is invoked by the dispatcher for every demultiplexed inbound
// packet. It always runs on the dispatcher's loop goroutine.
func (r *Registrar) Receive(pkt sipmsg.Packet, lg leg.Leg, from sipaddr.Address) {
	req, ok := pkt.(*sipmsg.Request)
	if !ok || req.Method != sipmsg.REGISTER {
		return
	}

	fromVal, ok := req.HeaderList().Get("From")
	if !ok {
		r.log.Debug("register with no From header, dropping")
		return
	}
	fromURI, _, err := sipmsg.ParseRouteValue(fromVal)
	if err != nil {
		r.log.Debug("register with malformed From header", "error", err)
		return
	}
	aor := aorFromURI(fromURI)

	if len(r.opts.Domains) > 0 && !domainAllowed(r.opts.Domains, fromURI.Host) {
		r.respond(req, lg, from, 403, "Forbidden", aor)
		return
	}

	contactVals := req.HeaderList().GetAll("Contact")
	if len(contactVals) == 1 && strings.TrimSpace(contactVals[0]) == "*" {
		r.store.Delete(aor)
		r.expire()
		r.respond(req, lg, from, 200, "OK", aor)
		return
	}

	headerExpires, haveHeaderExpires := parseExpiresHeader(req)

	type update struct {
		contact string
		secs    int
	}
	updates := make([]update, 0, len(contactVals))
	for _, cv := range contactVals {
		curi, hparams, perr := sipmsg.ParseRouteValue(cv)
		if perr != nil {
			r.log.Debug("register with malformed Contact header", "value", cv, "error", perr)
			continue
		}
		secs := r.effectiveExpiry(hparams, haveHeaderExpires, headerExpires)
		if secs != 0 && time.Duration(secs)*time.Second < r.opts.MinExpires {
			// Abort the whole REGISTER: none of its contacts are applied.
			r.respond(req, lg, from, 423, "Interval Too Brief", aor)
			return
		}
		updates = append(updates, update{contact: curi.String(), secs: secs})
	}

	contacts, _ := r.store.Get(aor)
	if contacts == nil {
		contacts = make(map[string]time.Time)
	}
	now := time.Now()
	for _, u := range updates {
		if u.secs == 0 {
			delete(contacts, u.contact)
			continue
		}
		contacts[u.contact] = now.Add(time.Duration(u.secs) * time.Second)
	}
	if len(contacts) == 0 {
		r.store.Delete(aor)
	} else {
		r.store.Set(aor, contacts)
	}

	r.expire()
	r.respond(req, lg, from, 200, "OK", aor)
}

// effectiveExpiry resolves one Contact's expiry per contact.expires ??
// header-level Expires ?? max_expires, capped at max_expires.
func (r *Registrar) effectiveExpiry(hparams sipmsg.Params, haveHeaderExpires bool, headerExpires int) int {
	secs := int(r.opts.maxExpires().Seconds())
	if v, ok := hparams.Get("expires"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			secs = n
		}
	} else if haveHeaderExpires {
		secs = headerExpires
	}
	if maxSecs := int(r.opts.maxExpires().Seconds()); secs > maxSecs {
		secs = maxSecs
	}
	if secs < 0 {
		secs = 0
	}
	return secs
}

func parseExpiresHeader(req *sipmsg.Request) (int, bool) {
	v, ok := req.HeaderList().Get("Expires")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func aorFromURI(u sipmsg.URI) string {
	host := strings.ToLower(u.Host)
	if u.User == "" {
		return host
	}
	return strings.ToLower(u.User) + "@" + host
}

// domainAllowed reports whether domain matches any of patterns: an exact
// host, a ".suffix", or "*".
func domainAllowed(patterns []string, domain string) bool {
	domain = strings.ToLower(domain)
	for _, p := range patterns {
		p = strings.ToLower(p)
		switch {
		case p == "*":
			return true
		case strings.HasPrefix(p, "."):
			if strings.HasSuffix(domain, p) {
				return true
			}
		default:
			if domain == p {
				return true
			}
		}
	}
	return false
}

// respond builds a response echoing req's dialog headers and, for a 200,
// one Contact per surviving binding, then delivers it via the leg/from the
// request arrived on.
func (r *Registrar) respond(req *sipmsg.Request, lg leg.Leg, from sipaddr.Address, code int, reason, aor string) {
	resp := sipmsg.NewResponse(code, reason)
	hl := sipmsg.HeaderList{}
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		if v, ok := req.HeaderList().Get(name); ok {
			hl = hl.Add(name, v)
		}
	}
	resp.SetHeaderList(hl)

	if code == 200 {
		if contacts, ok := r.store.Get(aor); ok {
			now := time.Now()
			for contact, expiry := range contacts {
				remaining := int(expiry.Sub(now).Seconds())
				if remaining < 0 {
					remaining = 0
				}
				resp.SetHeaderList(resp.HeaderList().Add("Contact", fmt.Sprintf("<%s>;expires=%d", contact, remaining)))
			}
		}
	}

	r.d.Deliver(context.Background(), resp, dispatch.DeliverOptions{
		Leg: lg, DstAddr: &from, DoRetransmits: &noRetransmits,
	})
}

// expire sweeps the store, removing expired contacts and empty AOR
// entries, then re-arms the next sweep at the earliest remaining expiry --
// but only if no earlier sweep is already pending.
func (r *Registrar) expire() {
	now := time.Now()
	var earliest time.Time

	for _, aor := range collectAORs(r.store) {
		contacts, ok := r.store.Get(aor)
		if !ok {
			continue
		}
		changed := false
		for contact, expiry := range contacts {
			if !expiry.After(now) {
				delete(contacts, contact)
				changed = true
				continue
			}
			if earliest.IsZero() || expiry.Before(earliest) {
				earliest = expiry
			}
		}
		if !changed {
			continue
		}
		if len(contacts) == 0 {
			r.store.Delete(aor)
		} else {
			r.store.Set(aor, contacts)
		}
	}

	r.armSweep(earliest)
}

func collectAORs(s Store) []string {
	var aors []string
	for aor := range s.All() {
		aors = append(aors, aor)
	}
	return aors
}

// armSweep schedules the next expire() call at deadline, skipping entirely
// if a sweep already pending fires no later than deadline. Must run on the
// dispatcher's loop goroutine, same as Receive and the sweep callback
// itself, so it uses the loop's *Now primitives rather than Dispatcher's
// blocking AddTimer/CancelTimer (which would deadlock called from here).
func (r *Registrar) armSweep(deadline time.Time) {
	if deadline.IsZero() {
		return
	}
	if r.haveSweep && !r.nextSweep.After(deadline) {
		return
	}
	loop := r.d.Loop()
	if r.haveSweep {
		loop.CancelTimerNow(r.sweepID)
	}
	r.sweepID = loop.AddTimerNow(deadline, 0, func() {
		r.haveSweep = false
		r.expire()
	})
	r.nextSweep = deadline
	r.haveSweep = true
}
