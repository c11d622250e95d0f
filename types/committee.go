package types

import (
	"fmt"
	"sort"
)

// MinCommitteeSize is the smallest committee for which the 3f+1 quorum
// and availability arithmetic below admits a single fault.
const MinCommitteeSize = 4

// Committee is the per-epoch set of (address, stake) pairs. It is
// immutable for the epoch it was built for; ToNextRound produces a
// new value rather than mutating in place.
type Committee struct {
	round      uint64
	totalStake uint64
	members    map[string]uint64 // address -> stake
	order      []string          // sorted addresses, for deterministic iteration
}

// NewCommittee builds a Committee for round with the given member stakes:
// round must be nonzero, at least MinCommitteeSize members, and the
// total stake must not overflow.
func NewCommittee(round uint64, members map[string]uint64) (*Committee, error) {
	if round == 0 {
		return nil, fmt.Errorf("%w: committee round must be nonzero", ErrConfig)
	}
	if len(members) < MinCommitteeSize {
		return nil, fmt.Errorf("%w: committee must have at least %d members, got %d", ErrConfig, MinCommitteeSize, len(members))
	}
	order := make([]string, 0, len(members))
	for addr := range members {
		order = append(order, addr)
	}
	sort.Strings(order)

	var total uint64
	for _, addr := range order {
		stake := members[addr]
		next := total + stake
		if next < total {
			return nil, fmt.Errorf("%w: total stake overflow", ErrConfig)
		}
		total = next
	}

	cp := make(map[string]uint64, len(members))
	for k, v := range members {
		cp[k] = v
	}
	return &Committee{round: round, totalStake: total, members: cp, order: order}, nil
}

// ToNextRound returns a Committee for round+1 with the same membership.
// Membership changes take effect only at a block boundary; within an
// epoch this is the only way the round counter advances.
func (c *Committee) ToNextRound() *Committee {
	return &Committee{round: c.round + 1, totalStake: c.totalStake, members: c.members, order: c.order}
}

// Round returns the committee's round number.
func (c *Committee) Round() uint64 { return c.round }

// Members returns committee addresses in deterministic (sorted) order.
func (c *Committee) Members() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Size returns the number of committee members.
func (c *Committee) Size() int { return len(c.members) }

// IsMember reports whether address belongs to the committee.
func (c *Committee) IsMember(address string) bool {
	_, ok := c.members[address]
	return ok
}

// GetStake returns the stake for address, or 0 if not a member.
func (c *Committee) GetStake(address string) uint64 {
	return c.members[address]
}

// TotalStake returns the committee's total stake (3f+1 in the BFT
// literature's notation).
func (c *Committee) TotalStake() uint64 { return c.totalStake }

// AvailabilityThreshold returns the stake required to reach f+1:
// floor((total+2)/3). Assuming total = 3f+1+k for 0<=k<3, this equals
// f+1 exactly.
func (c *Committee) AvailabilityThreshold() uint64 {
	return (c.totalStake + 2) / 3
}

// QuorumThreshold returns the stake required to reach 2f+1:
// floor(2*total/3)+1.
func (c *Committee) QuorumThreshold() uint64 {
	return (c.totalStake*2)/3 + 1
}

// IsQuorumThresholdReached reports whether the combined stake of the
// given (deduplicated) addresses reaches the quorum threshold.
func (c *Committee) IsQuorumThresholdReached(addresses map[string]struct{}) bool {
	return c.combinedStake(addresses) >= c.QuorumThreshold()
}

// IsAvailabilityThresholdReached reports whether the combined stake of
// the given (deduplicated) addresses reaches the availability threshold.
func (c *Committee) IsAvailabilityThresholdReached(addresses map[string]struct{}) bool {
	return c.combinedStake(addresses) >= c.AvailabilityThreshold()
}

func (c *Committee) combinedStake(addresses map[string]struct{}) uint64 {
	var stake uint64
	for addr := range addresses {
		stake += c.GetStake(addr)
	}
	return stake
}
