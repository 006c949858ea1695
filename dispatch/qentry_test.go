package dispatch

import (
	"errors"
	"testing"

	"github.com/sipmesh/dispatcher/sipaddr"
)

func TestQEntryAckThenTimeoutOnlyFirstWins(t *testing.T) {
	var calls []error
	q := newQEntry("id1", "call1", nil, sipaddr.Address{}, nil, func(err error) {
		calls = append(calls, err)
	}, true, false)

	if !q.ack() {
		t.Fatal("ack on a fresh entry should succeed")
	}
	if q.timeout(errors.New("too late")) {
		t.Fatal("timeout after ack should be a no-op")
	}
	if len(calls) != 1 || calls[0] != nil {
		t.Fatalf("expected exactly one callback invocation with nil, got %v", calls)
	}
}

func TestQEntryCancelNeverInvokesCallback(t *testing.T) {
	called := false
	q := newQEntry("id2", "call2", nil, sipaddr.Address{}, nil, func(error) {
		called = true
	}, true, false)

	if !q.cancel() {
		t.Fatal("cancel on a fresh entry should succeed")
	}
	if q.ack() {
		t.Fatal("ack after cancel should be a no-op")
	}
	if q.timeout(errors.New("late")) {
		t.Fatal("timeout after cancel should be a no-op")
	}
	if called {
		t.Fatal("explicit cancellation must never invoke the callback")
	}
}

func TestQEntryRetransmitReentersActiveWithoutInvokingCallback(t *testing.T) {
	called := false
	q := newQEntry("id3", "call3", nil, sipaddr.Address{}, nil, func(error) {
		called = true
	}, true, false)

	if q.fire(triggerRetransmit) {
		t.Fatal("a reentrant retransmit trigger should not be reported as a state change")
	}
	if q.state() != qActive {
		t.Fatalf("state after retransmit = %v, want qActive", q.state())
	}
	if called {
		t.Fatal("retransmit must never invoke the callback")
	}
}
