package leg_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sipmesh/dispatcher/leg"
	"github.com/sipmesh/dispatcher/sipaddr"
)

func TestRegistryAddGetRemove(t *testing.T) {
	l1, _ := newUDPFixture(t)
	l2, _ := newUDPFixture(t)

	reg := leg.NewRegistry()

	if err := reg.AddLeg(context.Background(), l1, nil); err != nil {
		t.Fatalf("AddLeg l1: %v", err)
	}
	if err := reg.AddLeg(context.Background(), l2, nil); err != nil {
		t.Fatalf("AddLeg l2: %v", err)
	}

	if got := len(reg.All()); got != 2 {
		t.Fatalf("All() len = %d, want 2", got)
	}

	matches := reg.GetLegs(leg.MatchSpec{Proto: sipaddr.UDP})
	if len(matches) != 2 {
		t.Fatalf("GetLegs(udp) len = %d, want 2", len(matches))
	}

	if err := reg.RemoveLeg(l1); err != nil {
		t.Fatalf("RemoveLeg: %v", err)
	}
	if got := len(reg.All()); got != 1 {
		t.Fatalf("All() after remove len = %d, want 1", got)
	}
}

func TestRegistryOneNoMatch(t *testing.T) {
	reg := leg.NewRegistry()
	_, err := reg.One(leg.MatchSpec{Proto: sipaddr.TCP})
	if !errors.Is(err, leg.ErrNoMatchingLeg) {
		t.Fatalf("err = %v, want ErrNoMatchingLeg", err)
	}
}
