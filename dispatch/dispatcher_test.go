package dispatch_test

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sipmesh/dispatcher/dispatch"
	"github.com/sipmesh/dispatcher/leg"
	"github.com/sipmesh/dispatcher/reactor"
	"github.com/sipmesh/dispatcher/sipaddr"
	"github.com/sipmesh/dispatcher/sipmsg"
)

// fakeLeg is a minimal leg.Leg that records Deliver calls and lets a test
// inject an inbound packet the way a real leg's read goroutine would, via
// the dispatcher's own loop.
type fakeLeg struct {
	mu        sync.Mutex
	sent      int
	sendErr   error
	handler   leg.ReceiveHandler
	branchSeq int
}

func (f *fakeLeg) Local() sipaddr.Address { return sipaddr.Address{} }
func (f *fakeLeg) Contact() sipmsg.URI    { return sipmsg.URI{} }
func (f *fakeLeg) BranchTag() string      { return "fake-branch" }

func (f *fakeLeg) Start(_ context.Context, h leg.ReceiveHandler) error {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return nil
}

func (f *fakeLeg) Stop() error { return nil }

// AddVia mimics a real leg closely enough to exercise branch-based tid
// matching: it mints a fresh z9hG4bK-prefixed branch for outgoing requests
// only, same as baseLeg.AddVia, so tests can prove a response echoing that
// branch back actually acks the qentry it was stored under.
func (f *fakeLeg) AddVia(pkt sipmsg.Packet) {
	req, ok := pkt.(*sipmsg.Request)
	if !ok {
		return
	}
	f.mu.Lock()
	f.branchSeq++
	branch := sipmsg.BranchMagicCookie + "fake-" + strconv.Itoa(f.branchSeq)
	f.mu.Unlock()
	hop := sipmsg.ViaHop{Proto: sipaddr.UDP, Host: "127.0.0.1", Port: 5060}
	hop.Params = hop.Params.Set("branch", branch)
	req.PrependVia(hop)
}

func (f *fakeLeg) Deliver(_ context.Context, _ sipmsg.Packet, _ sipaddr.Address, cb func(error)) {
	f.mu.Lock()
	f.sent++
	err := f.sendErr
	f.mu.Unlock()
	cb(err)
}

func (f *fakeLeg) ForwardIncoming(pkt sipmsg.Packet, _ sipaddr.Address) sipmsg.Packet { return pkt }
func (f *fakeLeg) ForwardOutgoing(sipmsg.Packet, leg.Leg)                             {}
func (f *fakeLeg) CheckVia(sipmsg.Packet) bool                                        { return true }
func (f *fakeLeg) CanDeliverTo(sipaddr.Address) bool                                  { return true }
func (f *fakeLeg) Match(leg.MatchSpec) bool                                           { return true }

func (f *fakeLeg) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

// simulateReceive hands pkt to the dispatcher the way a real leg's read
// goroutine does: via Loop.Post, so it's serialized with everything else
// the dispatcher is doing.
func (f *fakeLeg) simulateReceive(loop *reactor.Loop, pkt sipmsg.Packet, from sipaddr.Address) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	loop.Post(func() { h(pkt, f, from) })
}

func mustURI(t *testing.T, s string) sipmsg.URI {
	t.Helper()
	u, err := sipmsg.ParseURI(s)
	if err != nil {
		t.Fatalf("ParseURI(%q): %v", s, err)
	}
	return u
}

func inviteRequest(t *testing.T, callID string) *sipmsg.Request {
	t.Helper()
	req := sipmsg.NewRequest(sipmsg.INVITE, mustURI(t, "sip:bob@example.com"))
	req.SetHeaderList(req.HeaderList().Set("Call-ID", callID))
	return req
}

func TestCancelDeliveryBeforeNextRetransmitHasNoEffect(t *testing.T) {
	fl := &fakeLeg{}
	dst, err := sipaddr.New(sipaddr.UDP, "127.0.0.1", 5060)
	if err != nil {
		t.Fatal(err)
	}
	d, err := dispatch.New(context.Background(), dispatch.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.AddLeg(context.Background(), fl); err != nil {
		t.Fatal(err)
	}

	var cbCalled atomic.Bool
	d.Deliver(context.Background(), inviteRequest(t, "call-1"), dispatch.DeliverOptions{
		Leg: fl, DstAddr: &dst,
		Callback: func(error) { cbCalled.Store(true) },
	})

	time.Sleep(50 * time.Millisecond) // let the immediate first send land
	if got := fl.sentCount(); got != 1 {
		t.Fatalf("sent = %d before cancel, want 1", got)
	}

	if !d.CancelDelivery(dispatch.CancelByCallID, "call-1") {
		t.Fatal("CancelDelivery reported no entry removed")
	}

	time.Sleep(700 * time.Millisecond) // past the 500ms first-retransmit deadline
	if got := fl.sentCount(); got != 1 {
		t.Errorf("sent = %d after cancel, want still 1 (no retransmit)", got)
	}
	if cbCalled.Load() {
		t.Error("cancel_delivery must never invoke the delivery callback")
	}
}

func TestAckOnMatchingResponseStopsRetransmitsAndFiresCallbackOnce(t *testing.T) {
	fl := &fakeLeg{}
	dst, err := sipaddr.New(sipaddr.UDP, "127.0.0.1", 5060)
	if err != nil {
		t.Fatal(err)
	}
	d, err := dispatch.New(context.Background(), dispatch.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.AddLeg(context.Background(), fl); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	req := inviteRequest(t, "call-2")
	d.Deliver(context.Background(), req, dispatch.DeliverOptions{
		Leg: fl, DstAddr: &dst,
		Callback: func(error) { calls.Add(1) },
	})
	time.Sleep(50 * time.Millisecond)

	// A real response echoes the request's own top Via back verbatim; build
	// the injected response the same way so the test actually exercises
	// branch-based tid matching instead of masking it behind the Call-ID
	// fallback (see dispatch.Dispatcher.Deliver).
	topVia, err := req.ViaTop()
	if err != nil {
		t.Fatalf("ViaTop: %v", err)
	}
	resp := sipmsg.NewResponse(180, "Ringing")
	resp.SetHeaderList(resp.HeaderList().Set("Call-ID", "call-2").Set("CSeq", "1 INVITE").Set("Via", topVia.String()))
	fl.simulateReceive(d.Loop(), resp, dst)

	time.Sleep(700 * time.Millisecond) // past where a second retransmit would fire
	if got := fl.sentCount(); got != 1 {
		t.Errorf("sent = %d after ack, want still 1 (no retransmit)", got)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("delivery callback invoked %d times, want exactly 1", got)
	}
}

func TestReliableTransportSingleAttemptNoRetransmit(t *testing.T) {
	fl := &fakeLeg{}
	dst, err := sipaddr.New(sipaddr.TCP, "127.0.0.1", 5060)
	if err != nil {
		t.Fatal(err)
	}
	d, err := dispatch.New(context.Background(), dispatch.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.AddLeg(context.Background(), fl); err != nil {
		t.Fatal(err)
	}

	d.Deliver(context.Background(), inviteRequest(t, "call-3"), dispatch.DeliverOptions{
		Leg: fl, DstAddr: &dst,
	})

	time.Sleep(700 * time.Millisecond) // past where a UDP retransmit would've fired
	if got := fl.sentCount(); got != 1 {
		t.Errorf("sent = %d on a reliable transport, want exactly 1 (no retransmit)", got)
	}
}

func TestDeliverResolutionFailureInvokesCallbackWithoutQueuing(t *testing.T) {
	d, err := dispatch.New(context.Background(), dispatch.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	req := sipmsg.NewRequest(sipmsg.INVITE, mustURI(t, "sip:bob@127.0.0.1"))
	req.SetHeaderList(req.HeaderList().Set("Call-ID", "call-4"))

	done := make(chan error, 1)
	d.Deliver(context.Background(), req, dispatch.DeliverOptions{
		Callback: func(err error) { done <- err },
	})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected resolution to fail with no legs registered")
		}
	case <-time.After(time.Second):
		t.Fatal("delivery callback was never invoked")
	}
}
