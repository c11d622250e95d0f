package types

import "testing"

func fourMemberStakes() map[string]uint64 {
	return map[string]uint64{
		"a": 10,
		"b": 10,
		"c": 10,
		"d": 10,
	}
}

func TestNewCommitteeRejectsTooFewMembers(t *testing.T) {
	if _, err := NewCommittee(1, map[string]uint64{"a": 1, "b": 1, "c": 1}); err == nil {
		t.Fatal("expected an error for fewer than MinCommitteeSize members")
	}
}

func TestNewCommitteeRejectsRoundZero(t *testing.T) {
	if _, err := NewCommittee(0, fourMemberStakes()); err == nil {
		t.Fatal("expected an error for round 0")
	}
}

func TestQuorumAndAvailabilityThresholds(t *testing.T) {
	c, err := NewCommittee(1, fourMemberStakes())
	if err != nil {
		t.Fatalf("NewCommittee: %v", err)
	}
	// total stake 40: availability = floor(42/3) = 14, quorum = floor(80/3)+1 = 27.
	if got := c.AvailabilityThreshold(); got != 14 {
		t.Fatalf("AvailabilityThreshold = %d, want 14", got)
	}
	if got := c.QuorumThreshold(); got != 27 {
		t.Fatalf("QuorumThreshold = %d, want 27", got)
	}

	twoMembers := map[string]struct{}{"a": {}, "b": {}}
	if !c.IsAvailabilityThresholdReached(twoMembers) {
		t.Fatal("two of four equal-stake members should reach availability")
	}
	if c.IsQuorumThresholdReached(twoMembers) {
		t.Fatal("two of four equal-stake members should not reach quorum")
	}

	threeMembers := map[string]struct{}{"a": {}, "b": {}, "c": {}}
	if !c.IsQuorumThresholdReached(threeMembers) {
		t.Fatal("three of four equal-stake members should reach quorum")
	}
}

func TestCombinedStakeIgnoresNonMembers(t *testing.T) {
	c, err := NewCommittee(1, fourMemberStakes())
	if err != nil {
		t.Fatalf("NewCommittee: %v", err)
	}
	addrs := map[string]struct{}{"a": {}, "nobody": {}}
	if c.combinedStake(addrs) != c.GetStake("a") {
		t.Fatalf("combinedStake should ignore addresses that are not members")
	}
}

func TestToNextRoundPreservesMembershipAndStake(t *testing.T) {
	c, err := NewCommittee(5, fourMemberStakes())
	if err != nil {
		t.Fatalf("NewCommittee: %v", err)
	}
	next := c.ToNextRound()
	if next.Round() != 6 {
		t.Fatalf("Round = %d, want 6", next.Round())
	}
	if next.TotalStake() != c.TotalStake() {
		t.Fatalf("TotalStake changed across ToNextRound: %d != %d", next.TotalStake(), c.TotalStake())
	}
	for _, addr := range c.Members() {
		if !next.IsMember(addr) {
			t.Fatalf("member %s dropped by ToNextRound", addr)
		}
	}
}

func TestMembersIsSortedAndDoesNotAliasInternalState(t *testing.T) {
	c, err := NewCommittee(1, fourMemberStakes())
	if err != nil {
		t.Fatalf("NewCommittee: %v", err)
	}
	members := c.Members()
	for i := 1; i < len(members); i++ {
		if members[i-1] >= members[i] {
			t.Fatalf("Members() not sorted: %v", members)
		}
	}
	members[0] = "mutated"
	if c.Members()[0] == "mutated" {
		t.Fatal("Members() leaked a mutable reference to internal state")
	}
}
