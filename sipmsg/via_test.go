package sipmsg_test

import (
	"testing"

	"github.com/sipmesh/dispatcher/sipmsg"
)

func TestParseVia(t *testing.T) {
	v, err := sipmsg.ParseVia("SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK-abc;rport")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Proto != "udp" {
		t.Errorf("Proto = %q, want udp", v.Proto)
	}
	if v.Host != "192.0.2.1" || v.Port != 5060 {
		t.Errorf("Host/Port = %q/%d", v.Host, v.Port)
	}
	branch, ok := v.Branch()
	if !ok || branch != "z9hG4bK-abc" {
		t.Errorf("Branch() = %q, %v", branch, ok)
	}
	if _, present := v.RPort(); !present {
		t.Errorf("expected rport present")
	}
}

func TestViaRoundTrip(t *testing.T) {
	in := "SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK-abc"
	v, err := sipmsg.ParseVia(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := v.String(); got != in {
		t.Errorf("String() = %q, want %q", got, in)
	}
}

func TestWithReceivedAndRPort(t *testing.T) {
	v, _ := sipmsg.ParseVia("SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK-abc;rport")
	v = v.WithReceived("203.0.113.9")
	v = v.WithRPort(12345)
	if r, _ := v.Received(); r != "203.0.113.9" {
		t.Errorf("Received() = %q", r)
	}
	if rp, _ := v.RPort(); rp != "12345" {
		t.Errorf("RPort() = %q", rp)
	}
}
