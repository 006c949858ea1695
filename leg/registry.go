package leg

import (
	"context"
	"iter"
	"sync"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/errutil"
	"github.com/sipmesh/dispatcher/internal/iterutils"
)

// ErrNoMatchingLeg is returned by Registry.One when no leg satisfies spec.
const ErrNoMatchingLeg errutil.Error = "leg: no matching leg registered"

// Registry is the set of legs currently active on a dispatcher (C4): add,
// remove, and filtered lookup. A single mutex is enough here because
// registration changes are rare compared to the read traffic from
// get_legs/resolver lookups. Registry isn't written from socket-reader
// goroutines, only from whatever goroutine calls AddLeg/RemoveLeg
// (normally configuration time).
type Registry struct {
	mu   sync.RWMutex
	legs []Leg
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddLeg starts lg (invoking h for every packet it receives) and adds it to
// the registry.
func (r *Registry) AddLeg(ctx context.Context, lg Leg, h ReceiveHandler) error {
	if err := lg.Start(ctx, h); err != nil {
		return errtrace.Wrap(err)
	}
	r.mu.Lock()
	r.legs = append(r.legs, lg)
	r.mu.Unlock()
	return nil
}

// RemoveLeg stops lg and removes it from the registry. A no-op if lg isn't
// registered.
func (r *Registry) RemoveLeg(lg Leg) error {
	r.mu.Lock()
	idx := -1
	for i, l := range r.legs {
		if l == lg {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return nil
	}
	r.legs = append(r.legs[:idx], r.legs[idx+1:]...)
	r.mu.Unlock()
	return errtrace.Wrap(lg.Stop())
}

// GetLegs returns every registered leg matching spec.
func (r *Registry) GetLegs(spec MatchSpec) []Leg {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Leg
	for _, l := range r.legs {
		if l.Match(spec) && (spec.Predicate == nil || spec.Predicate(l)) {
			out = append(out, l)
		}
	}
	return out
}

// All returns every registered leg, for callers (the resolver) that need
// the full candidate set rather than a filtered one.
func (r *Registry) All() []Leg {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Leg, len(r.legs))
	copy(out, r.legs)
	return out
}

// matching lazily yields the registered legs satisfying spec, stopping the
// caller's iteration as soon as it has what it needs.
func (r *Registry) matching(spec MatchSpec) iter.Seq[Leg] {
	return func(yield func(Leg) bool) {
		r.mu.RLock()
		legs := append([]Leg(nil), r.legs...)
		r.mu.RUnlock()
		for _, l := range legs {
			if l.Match(spec) && (spec.Predicate == nil || spec.Predicate(l)) {
				if !yield(l) {
					return
				}
			}
		}
	}
}

// One returns the first leg matching spec, or ErrNoMatchingLeg.
func (r *Registry) One(spec MatchSpec) (Leg, error) {
	l := iterutils.IterFirst(r.matching(spec))
	if l == nil {
		return nil, errtrace.Wrap(ErrNoMatchingLeg)
	}
	return l, nil
}

// StopAll stops every registered leg, collecting errors.
func (r *Registry) StopAll() error {
	r.mu.Lock()
	legs := r.legs
	r.legs = nil
	r.mu.Unlock()

	var errs []error
	for _, l := range legs {
		if err := l.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errtrace.Wrap(errutil.Join("leg: stopping legs", errs...))
}
