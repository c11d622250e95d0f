package validator

import (
	"fmt"

	"github.com/tolelom/dagbft/types"
)

// StaticCommitteeSource resolves every round to the genesis committee's
// membership, advanced via types.Committee.ToNextRound, with no
// mid-epoch committee changes. This is the only CommitteeSource this
// repository builds: committee changes only take effect at a block
// boundary and this module has no external stake-registry integration.
// A production deployment would replace this with one that re-resolves
// membership at each epoch's genesis block.
type StaticCommitteeSource struct {
	genesis *types.Committee
}

// NewStaticCommitteeSource returns a CommitteeSource seeded with the
// round-1 genesis committee.
func NewStaticCommitteeSource(genesis *types.Committee) *StaticCommitteeSource {
	return &StaticCommitteeSource{genesis: genesis}
}

// CommitteeAt implements primary.CommitteeSource / CommitteeSource.
func (s *StaticCommitteeSource) CommitteeAt(round uint64) (*types.Committee, error) {
	if round == 0 {
		return nil, fmt.Errorf("round must be >= 1")
	}
	c := s.genesis
	for c.Round() < round {
		c = c.ToNextRound()
	}
	return c, nil
}
