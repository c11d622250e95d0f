package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// ValidatorConfig is one committee member's genesis entry: its address
// (the hex-encoded ed25519 public key also used as its gossip identity)
// and its stake weight.
type ValidatorConfig struct {
	Address string `json:"address"`
	Stake   uint64 `json:"stake"`
}

// GenesisConfig describes the chain's initial committee. There is no
// genesis account/balance state here; the ledger that tracks balances
// is an external collaborator, and this core only needs to know who the
// round-1 committee is and how much stake each member carries.
type GenesisConfig struct {
	ChainID    string            `json:"chain_id"`
	Validators []ValidatorConfig `json:"validators"`
}

// Config holds all node configuration.
type Config struct {
	NodeID     string        `json:"node_id"`
	DataDir    string        `json:"data_dir"`
	NetworkID  uint16        `json:"network_id"`
	DevID      int           `json:"dev_id,omitempty"` // devnet instance discriminator
	P2PPort    int           `json:"p2p_port"`
	Genesis    GenesisConfig `json:"genesis"`
	SeedPeers  []SeedPeer    `json:"seed_peers,omitempty"`
	TLS        *TLSConfig    `json:"tls,omitempty"` // nil → plain TCP

	// RoundDelta is the per-round soft deadline budget: round R times out
	// at T_{R-1} + RoundDelta.
	RoundDelta time.Duration `json:"round_delta"`
	// GCDepth is how many rounds behind the latest committed leader round
	// the DAG retains before garbage collection.
	GCDepth uint64 `json:"gc_depth"`
}

// DefaultConfig returns development defaults with an empty genesis
// validator list; it does not pass Validate until at least four
// validators are supplied.
func DefaultConfig() *Config {
	return &Config{
		NodeID:    "node0",
		DataDir:   "./data",
		NetworkID: 1,
		P2PPort:   4133,
		Genesis: GenesisConfig{
			ChainID: "dagbft-dev",
		},
		RoundDelta: 2 * time.Second,
		GCDepth:    50,
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed,
// so a bad config fails at startup with a specific diagnostic.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if len(c.Genesis.Validators) < 4 {
		return fmt.Errorf("genesis.validators must list at least 4 committee members, got %d", len(c.Genesis.Validators))
	}
	seen := make(map[string]bool, len(c.Genesis.Validators))
	for i, v := range c.Genesis.Validators {
		b, err := hex.DecodeString(v.Address)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("genesis.validators[%d]: address must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, v.Address)
		}
		if v.Stake == 0 {
			return fmt.Errorf("genesis.validators[%d]: stake must be non-zero", i)
		}
		if seen[v.Address] {
			return fmt.Errorf("genesis.validators[%d]: duplicate address %q", i, v.Address)
		}
		seen[v.Address] = true
	}
	if c.RoundDelta <= 0 {
		return fmt.Errorf("round_delta must be positive")
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ValidatorForAddress reports whether address is a genesis committee
// member and, if so, its stake.
func (c *Config) ValidatorForAddress(address string) (uint64, bool) {
	for _, v := range c.Genesis.Validators {
		if v.Address == address {
			return v.Stake, true
		}
	}
	return 0, false
}
