package storage

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/dagbft/types"
)

// BlockStore persists materialized blocks under a "block:<hash>" /
// "height:<n>" / "chain:tip" key scheme.
type BlockStore struct {
	db DB
}

// NewBlockStore wraps db as a BlockStore.
func NewBlockStore(db DB) *BlockStore {
	return &BlockStore{db: db}
}

func (s *BlockStore) PutBlock(block *types.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	if err := s.db.Set([]byte("block:"+block.Hash), data); err != nil {
		return err
	}
	heightKey := fmt.Sprintf("height:%d", block.Header.Height)
	return s.db.Set([]byte(heightKey), []byte(block.Hash))
}

func (s *BlockStore) GetBlock(hash string) (*types.Block, error) {
	data, err := s.db.Get([]byte("block:" + hash))
	if err != nil {
		return nil, err
	}
	var b types.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BlockStore) GetBlockByHeight(height int64) (*types.Block, error) {
	key := fmt.Sprintf("height:%d", height)
	hash, err := s.db.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return s.GetBlock(string(hash))
}

func (s *BlockStore) GetTip() (string, error) {
	val, err := s.db.Get([]byte("chain:tip"))
	if err == ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func (s *BlockStore) SetTip(hash string) error {
	return s.db.Set([]byte("chain:tip"), []byte(hash))
}
