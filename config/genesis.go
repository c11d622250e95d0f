package config

import (
	"fmt"

	"github.com/tolelom/dagbft/types"
)

// BuildGenesisCommittee constructs the round-1 committee from the
// config's validator list. There is no genesis block or account
// allocation here; the core has no chain tip until the first sub-DAG is
// materialized (ledger.Materializer starts at height 1 when its store
// has no persisted tip), so only the starting committee needs to be
// fixed up front.
func BuildGenesisCommittee(cfg *Config) (*types.Committee, error) {
	members := make(map[string]uint64, len(cfg.Genesis.Validators))
	for _, v := range cfg.Genesis.Validators {
		members[v.Address] = v.Stake
	}
	committee, err := types.NewCommittee(1, members)
	if err != nil {
		return nil, fmt.Errorf("%w: genesis committee: %v", types.ErrConfig, err)
	}
	return committee, nil
}
