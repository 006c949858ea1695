package dispatch

import (
	"testing"
	"time"
)

func TestBuildScheduleMatchesRFC3261Backoff(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sends, timeoutAt := buildSchedule(t0)

	wantOffsets := []time.Duration{
		0,
		500 * time.Millisecond,
		1500 * time.Millisecond,
		3500 * time.Millisecond,
		7500 * time.Millisecond,
		11500 * time.Millisecond,
		15500 * time.Millisecond,
		19500 * time.Millisecond,
		23500 * time.Millisecond,
		27500 * time.Millisecond,
		31500 * time.Millisecond,
	}
	if len(sends) != len(wantOffsets) {
		t.Fatalf("got %d scheduled sends, want %d", len(sends), len(wantOffsets))
	}
	for i, want := range wantOffsets {
		if got := sends[i].Sub(t0); got != want {
			t.Errorf("sends[%d] offset = %v, want %v", i, got, want)
		}
	}
	if got := timeoutAt.Sub(t0); got != 32*time.Second {
		t.Errorf("timeoutAt offset = %v, want 32s", got)
	}
}

func TestBuildScheduleRespectsT2CapAndTotalDuration(t *testing.T) {
	t0 := time.Now()
	sends, timeoutAt := buildSchedule(t0)
	for i := 1; i < len(sends); i++ {
		if d := sends[i].Sub(sends[i-1]); d > T2 {
			t.Errorf("interval between sends[%d] and sends[%d] exceeds T2: %v", i-1, i, d)
		}
	}
	if timeoutAt.Sub(t0) != sixtyFourT {
		t.Errorf("timeoutAt offset = %v, want exactly 64*T1", timeoutAt.Sub(t0))
	}
	if last := sends[len(sends)-1]; last.After(timeoutAt) {
		t.Errorf("last scheduled send %v falls after the ETIMEDOUT deadline %v", last, timeoutAt)
	}
}
