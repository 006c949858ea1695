package sipmsg_test

import (
	"testing"

	"github.com/sipmesh/dispatcher/sipmsg"
)

func TestHeaderListOrderingAndCaseFold(t *testing.T) {
	var hl sipmsg.HeaderList
	hl = hl.Add("To", "a").Add("From", "b").Add("Via", "v1")
	hl = hl.Prepend("Via", "v0")

	if got, ok := hl.Get("via"); !ok || got != "v0" {
		t.Errorf("Get(via) = %q, %v", got, ok)
	}
	if all := hl.GetAll("Via"); len(all) != 2 || all[0] != "v0" || all[1] != "v1" {
		t.Errorf("GetAll(Via) = %v", all)
	}

	hl, ok := hl.RemoveFirst("VIA")
	if !ok {
		t.Fatalf("expected RemoveFirst to find one")
	}
	if all := hl.GetAll("Via"); len(all) != 1 || all[0] != "v1" {
		t.Errorf("after RemoveFirst, GetAll(Via) = %v", all)
	}
}

func TestHeaderListPrependAfter(t *testing.T) {
	var hl sipmsg.HeaderList
	hl = hl.Add("Via", "v0").Add("To", "a")
	hl = hl.PrependAfter("Via", "Record-Route", "<sip:proxy.example.com;lr>")

	names := make([]string, 0, len(hl))
	for h := range hl.All() {
		names = append(names, h.Name)
	}
	want := []string{"Via", "Record-Route", "To"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestParamsRoundTrip(t *testing.T) {
	ps := sipmsg.ParseParams("branch=z9hG4bK-abc;rport;received=1.2.3.4")
	if v, ok := ps.Get("branch"); !ok || v != "z9hG4bK-abc" {
		t.Errorf("branch = %q, %v", v, ok)
	}
	if !ps.Has("rport") {
		t.Errorf("expected rport present")
	}
	if v, ok := ps.Get("received"); !ok || v != "1.2.3.4" {
		t.Errorf("received = %q, %v", v, ok)
	}
}
