package resolver_test

import (
	"testing"

	"github.com/sipmesh/dispatcher/resolver"
	"github.com/sipmesh/dispatcher/sipaddr"
)

func TestProxyTableLookup(t *testing.T) {
	exact, _ := sipaddr.New(sipaddr.UDP, "10.0.0.1", 5060)
	suffix, _ := sipaddr.New(sipaddr.UDP, "10.0.0.2", 5060)
	wildcard, _ := sipaddr.New(sipaddr.UDP, "10.0.0.3", 5060)

	table := new(resolver.ProxyTable).
		Add("*", wildcard).
		Add("*.example.com", suffix).
		Add("alice.example.com", exact)

	tests := []struct {
		domain string
		want   sipaddr.Address
	}{
		{"alice.example.com", exact},
		{"bob.example.com", suffix},
		{"unrelated.org", wildcard},
	}
	for _, tt := range tests {
		got, ok := table.Lookup(tt.domain)
		if !ok {
			t.Fatalf("Lookup(%q): no match", tt.domain)
		}
		if !got.Equal(tt.want) {
			t.Errorf("Lookup(%q) = %v, want %v", tt.domain, got, tt.want)
		}
	}
}

func TestProxyTableNoMatch(t *testing.T) {
	table := new(resolver.ProxyTable).Add("example.com", sipaddr.Address{})
	if _, ok := table.Lookup("other.org"); ok {
		t.Errorf("expected no match")
	}
}
