package reactor_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sipmesh/dispatcher/reactor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAfterFires(t *testing.T) {
	l := reactor.New(reactor.Options{})
	defer l.Stop()

	fired := make(chan struct{})
	if _, err := l.After(10*time.Millisecond, func() { close(fired) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelTimerPreventsFireAndRecancelIsNoOp(t *testing.T) {
	l := reactor.New(reactor.Options{})
	defer l.Stop()

	fired := make(chan struct{})
	id, err := l.After(20*time.Millisecond, func() { close(fired) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.CancelTimer(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(60 * time.Millisecond):
	}

	// Cancelling again, or cancelling after it would have fired, is a no-op.
	if err := l.CancelTimer(id); err != nil {
		t.Fatalf("unexpected error on double-cancel: %v", err)
	}
}

func TestEveryRepeats(t *testing.T) {
	l := reactor.New(reactor.Options{})
	defer l.Stop()

	counts := make(chan int, 10)
	n := 0
	id, err := l.Every(5*time.Millisecond, func() {
		n++
		counts <- n
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-counts:
		case <-time.After(time.Second):
			t.Fatal("repeat did not fire enough times")
		}
	}
	if err := l.CancelTimer(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostRunsOnLoop(t *testing.T) {
	l := reactor.New(reactor.Options{})
	defer l.Stop()

	done := make(chan struct{})
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Post callback did not run")
	}
}

func TestRunReturnsOnStop(t *testing.T) {
	l := reactor.New(reactor.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx) }()

	l.Stop()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
