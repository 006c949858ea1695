package timeutil_test

import (
	"testing"
	"time"

	"github.com/sipmesh/dispatcher/internal/timeutil"
)

func TestAtFiresOnce(t *testing.T) {
	fired := make(chan struct{})
	tm := timeutil.At(time.Now().Add(10*time.Millisecond), func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if got := tm.State(); got != timeutil.StateFired {
		t.Errorf("State() = %v, want StateFired", got)
	}
}

func TestStopAfterFireIsNoOp(t *testing.T) {
	fired := make(chan struct{})
	tm := timeutil.At(time.Now().Add(5*time.Millisecond), func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if tm.Stop() {
		t.Error("Stop on an already-fired timer should report false")
	}
}

func TestStopBeforeFirePreventsCallback(t *testing.T) {
	called := make(chan struct{}, 1)
	tm := timeutil.At(time.Now().Add(50*time.Millisecond), func() { called <- struct{}{} })

	if !tm.Stop() {
		t.Fatal("Stop on a pending timer should report true")
	}
	select {
	case <-called:
		t.Fatal("callback fired after Stop")
	case <-time.After(80 * time.Millisecond):
	}
	if got := tm.State(); got != timeutil.StateStopped {
		t.Errorf("State() = %v, want StateStopped", got)
	}
}

func TestResetRevivesAStoppedTimer(t *testing.T) {
	called := make(chan struct{})
	tm := timeutil.At(time.Now().Add(time.Hour), func() { close(called) })
	tm.Stop()

	tm.Reset(time.Now().Add(5 * time.Millisecond))
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after Reset")
	}
}

func TestEveryRepeatsUntilStopped(t *testing.T) {
	counts := make(chan int, 10)
	n := 0
	tm := timeutil.Every(5*time.Millisecond, func() {
		n++
		counts <- n
	})
	defer tm.Stop()

	for i := 0; i < 3; i++ {
		select {
		case <-counts:
		case <-time.After(time.Second):
			t.Fatal("repeat did not fire enough times")
		}
	}
}
