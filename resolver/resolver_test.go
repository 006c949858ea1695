package resolver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sipmesh/dispatcher/resolver"
	"github.com/sipmesh/dispatcher/sipaddr"
	"github.com/sipmesh/dispatcher/sipmsg"
)

type anyLeg struct{}

func (anyLeg) CanDeliverTo(sipaddr.Address) bool { return true }

// fakeBackend answers SRV/A/AAAA queries from a fixed table, synchronously,
// to exercise invariant 6 (stable ordering given a fixed DNS mock).
func fakeBackend(srv map[string][]resolver.Record, a map[string][]resolver.Record) resolver.Backend {
	return func(_ context.Context, kind resolver.RecordKind, name string, cb func([]resolver.Record, error)) {
		switch kind {
		case resolver.KindSRV:
			cb(srv[name], nil)
		case resolver.KindA:
			cb(a[name], nil)
		case resolver.KindAAAA:
			cb(nil, nil)
		}
	}
}

func TestResolveURI_SRVFallback(t *testing.T) {
	// Scenario S5: sip:alice@example.org with no domain2proxy; DNS mock
	// returns a single SRV pointing at sip.example.org:5060, which
	// resolves to 10.0.0.1.
	backend := fakeBackend(
		map[string][]resolver.Record{
			"_sip._udp.example.org": {{Kind: resolver.KindSRV, Priority: 10, Weight: 0, Target: "sip.example.org", Port: 5060}},
		},
		map[string][]resolver.Record{
			"sip.example.org": {{Kind: resolver.KindA, IP: "10.0.0.1"}},
		},
	)

	r := resolver.New(resolver.Options{DNSBackend: backend})
	uri, err := sipmsg.ParseURI("sip:alice@example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var gotAddrs []sipaddr.Address
	var gotErr error
	r.ResolveURI(context.Background(), uri, []sipaddr.Proto{sipaddr.UDP}, []resolver.LegCandidate{anyLeg{}}, func(addrs []sipaddr.Address, _ []resolver.LegCandidate, err error) {
		gotAddrs, gotErr = addrs, err
	})
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}

	want := []sipaddr.Address{{Proto: sipaddr.UDP, Host: "sip.example.org", Addr: "10.0.0.1", Port: 5060, Family: sipaddr.V4}}
	if diff := cmp.Diff(want, gotAddrs); diff != "" {
		t.Errorf("ResolveURI mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveURI_StableOrdering(t *testing.T) {
	backend := fakeBackend(
		map[string][]resolver.Record{
			"_sip._udp.example.org": {{Kind: resolver.KindSRV, Priority: 10, Target: "sip.example.org", Port: 5060}},
		},
		map[string][]resolver.Record{
			"sip.example.org": {{Kind: resolver.KindA, IP: "10.0.0.1"}},
		},
	)
	r := resolver.New(resolver.Options{DNSBackend: backend})
	uri, _ := sipmsg.ParseURI("sip:alice@example.org")

	var first, second []sipaddr.Address
	for i, dst := range []*[]sipaddr.Address{&first, &second} {
		_ = i
		r.ResolveURI(context.Background(), uri, []sipaddr.Proto{sipaddr.UDP}, []resolver.LegCandidate{anyLeg{}}, func(addrs []sipaddr.Address, _ []resolver.LegCandidate, err error) {
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			*dst = addrs
		})
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated resolution differs (-first +second):\n%s", diff)
	}
}

func TestResolveURI_LiteralIP(t *testing.T) {
	r := resolver.New(resolver.Options{})
	uri, _ := sipmsg.ParseURI("sip:1.2.3.4:5060")

	var gotAddrs []sipaddr.Address
	r.ResolveURI(context.Background(), uri, nil, []resolver.LegCandidate{anyLeg{}}, func(addrs []sipaddr.Address, _ []resolver.LegCandidate, err error) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		gotAddrs = addrs
	})
	if len(gotAddrs) != 1 || gotAddrs[0].Addr != "1.2.3.4" {
		t.Fatalf("got %v", gotAddrs)
	}
}

func TestResolveURI_OutgoingProxy(t *testing.T) {
	proxy, _ := sipaddr.New(sipaddr.UDP, "192.0.2.9", 5060)
	r := resolver.New(resolver.Options{OutgoingProxy: &proxy})
	uri, _ := sipmsg.ParseURI("sip:alice@example.org")

	var gotAddrs []sipaddr.Address
	r.ResolveURI(context.Background(), uri, nil, []resolver.LegCandidate{anyLeg{}}, func(addrs []sipaddr.Address, _ []resolver.LegCandidate, err error) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		gotAddrs = addrs
	})
	if len(gotAddrs) != 1 || !gotAddrs[0].Equal(proxy) {
		t.Fatalf("got %v, want %v", gotAddrs, proxy)
	}
}

type noLeg struct{}

func (noLeg) CanDeliverTo(sipaddr.Address) bool { return false }

func TestResolveURI_NoReachableLegIsHostUnreachable(t *testing.T) {
	proxy, _ := sipaddr.New(sipaddr.UDP, "192.0.2.9", 5060)
	r := resolver.New(resolver.Options{OutgoingProxy: &proxy})
	uri, _ := sipmsg.ParseURI("sip:alice@example.org")

	var gotErr error
	r.ResolveURI(context.Background(), uri, nil, []resolver.LegCandidate{noLeg{}}, func(_ []sipaddr.Address, _ []resolver.LegCandidate, err error) {
		gotErr = err
	})
	if !errors.Is(gotErr, resolver.ErrHostUnreachable) {
		t.Fatalf("got err %v, want ErrHostUnreachable", gotErr)
	}
}
