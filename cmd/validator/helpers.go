package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tolelom/dagbft/config"
	"github.com/tolelom/dagbft/crypto/certgen"
	"github.com/tolelom/dagbft/types"
)

// proposalCachePath names the on-disk crash-recovery proposal cache
// within a validator's ledger directory, one file per (network_id,
// dev_id) so devnet instances sharing a directory don't clobber each
// other.
func proposalCachePath(ledgerDir string, networkID uint16, devID int) string {
	return filepath.Join(ledgerDir, fmt.Sprintf("proposal_cache_%d_%d.json", networkID, devID))
}

// loadProposalCache reads the validator's persisted proposal cache,
// returning a fresh empty cache for address if none exists yet.
func loadProposalCache(path, address string) (*types.ProposalCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.NewProposalCache(address), nil
		}
		return nil, fmt.Errorf("read proposal cache: %w", err)
	}
	cache := &types.ProposalCache{}
	if err := json.Unmarshal(data, cache); err != nil {
		return nil, fmt.Errorf("decode proposal cache: %w", err)
	}
	if err := cache.Validate(); err != nil {
		return nil, fmt.Errorf("corrupt proposal cache: %w", err)
	}
	return cache, nil
}

// fileCachePersister implements primary.Persister by writing the cache
// to a temp file and renaming it into place, so a crash mid-write never
// leaves a truncated cache behind.
type fileCachePersister struct {
	path string
}

func (f *fileCachePersister) Persist(cache *types.ProposalCache) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("encode proposal cache: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write proposal cache: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace proposal cache: %w", err)
	}
	return nil
}

// runGenCerts generates a self-signed CA and a node certificate/key
// pair for this validator's gateway TLS listener. Localhost-only SANs
// are sufficient since peers are addressed by the seed_peers host:port
// list, not by the node's own cert SANs.
func runGenCerts(cfg *config.Config, dir string) error {
	return certgen.GenerateAll(dir, cfg.NodeID, nil)
}
