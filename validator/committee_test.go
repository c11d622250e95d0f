package validator

import (
	"testing"

	"github.com/tolelom/dagbft/types"
)

func genesisCommittee(t *testing.T) *types.Committee {
	t.Helper()
	c, err := types.NewCommittee(1, map[string]uint64{"a": 1, "b": 1, "c": 1, "d": 1})
	if err != nil {
		t.Fatalf("NewCommittee: %v", err)
	}
	return c
}

func TestStaticCommitteeSourceAdvancesRoundOnly(t *testing.T) {
	genesis := genesisCommittee(t)
	src := NewStaticCommitteeSource(genesis)

	at1, err := src.CommitteeAt(1)
	if err != nil {
		t.Fatalf("CommitteeAt(1): %v", err)
	}
	if at1.Round() != 1 {
		t.Fatalf("round = %d, want 1", at1.Round())
	}

	at5, err := src.CommitteeAt(5)
	if err != nil {
		t.Fatalf("CommitteeAt(5): %v", err)
	}
	if at5.Round() != 5 {
		t.Fatalf("round = %d, want 5", at5.Round())
	}
	for _, addr := range genesis.Members() {
		if !at5.IsMember(addr) {
			t.Fatalf("membership changed at round 5: %s missing", addr)
		}
	}
}

func TestStaticCommitteeSourceRejectsRoundZero(t *testing.T) {
	src := NewStaticCommitteeSource(genesisCommittee(t))
	if _, err := src.CommitteeAt(0); err == nil {
		t.Fatal("expected an error for round 0")
	}
}
