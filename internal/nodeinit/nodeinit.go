// Package nodeinit holds the config/key/storage bootstrap steps shared
// by cmd/validator and cmd/nonvalidator. The --private-key flag wins
// when given; the environment variable is consulted only as a fallback.
// The ledger-directory environment variable, when set, overrides data_dir.
package nodeinit

import (
	"fmt"
	"os"

	"github.com/tolelom/dagbft/config"
	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/types"
)

// LoadConfig reads cfgPath, falling back to config.DefaultConfig if the
// file does not exist.
func LoadConfig(cfgPath string) (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// LoadPrivateKey resolves the validator's signing key: flagHex (the
// --private-key flag) wins when non-empty; envVar is consulted only as
// a fallback. There is no on-disk keystore; the raw hex key is supplied
// directly by the operator at process start.
func LoadPrivateKey(envVar, flagHex string) (crypto.PrivateKey, error) {
	hexKey := flagHex
	if hexKey == "" {
		hexKey = os.Getenv(envVar)
	}
	if hexKey == "" {
		return nil, fmt.Errorf("%w: no private key supplied via --private-key or %s", types.ErrConfig, envVar)
	}
	return crypto.PrivKeyFromHex(hexKey)
}

// ResolveLedgerDir returns the ledger-directory env var when it is set,
// overriding data_dir; otherwise it returns data_dir.
func ResolveLedgerDir(envVar, dataDir string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return dir
	}
	return dataDir
}
