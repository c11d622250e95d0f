package types

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/tolelom/dagbft/crypto"
)

// BlockHeader carries the metadata that is hashed and signed by the
// committing leader. Round is the leader's round and must strictly
// increase from block to block; SubDAGRoot commits to the linearized
// sub-DAG's contents.
type BlockHeader struct {
	Height            int64  `json:"height"`
	Round             uint64 `json:"round"`
	PrevHash          string `json:"prev_hash"`
	StateRoot         string `json:"state_root"`
	SubDAGRoot        string `json:"subdag_root"` // deterministic hash of the linearized sub-DAG
	Timestamp         int64  `json:"timestamp"`
	LeaderAuthor      string `json:"leader_author"`
}

// Block is produced from a committed sub-DAG plus its materialized
// transmissions: accepted transactions, accepted solutions, and the
// well-formed-but-rejected ids, partitioned by the materializer.
type Block struct {
	Header              BlockHeader      `json:"header"`
	AcceptedTransactions []TransmissionID `json:"accepted_transactions"`
	AcceptedSolutions    []TransmissionID `json:"accepted_solutions"`
	AbortedIDs           []TransmissionID `json:"aborted_ids"`
	Hash                 string           `json:"hash"`
	Signature            string           `json:"signature"`
}

// ComputeHash returns the deterministic hash of the serialized header.
func (b *Block) ComputeHash() string {
	data, err := json.Marshal(b.Header)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign sets Hash and signs the block with the leader's private key.
func (b *Block) Sign(priv crypto.PrivateKey) {
	b.Hash = b.ComputeHash()
	b.Signature = crypto.Sign(priv, []byte(b.Hash))
}

// Verify checks that Hash matches the recomputed header hash and that
// the leader's signature is valid, preventing acceptance of a block
// whose header was tampered with after signing.
func (b *Block) Verify(pub crypto.PublicKey) error {
	if computed := b.ComputeHash(); b.Hash != computed {
		return fmt.Errorf("%w: block hash mismatch: stored %s computed %s", ErrProtocolViolation, b.Hash, computed)
	}
	return crypto.Verify(pub, []byte(b.Hash), b.Signature)
}

// ComputeSubDAGRoot builds a deterministic root hash over the ordered
// transmission ids of a linearized sub-DAG. Ids are length-prefixed so
// there is no boundary ambiguity between adjacent entries.
func ComputeSubDAGRoot(orderedIDs []TransmissionID) string {
	if len(orderedIDs) == 0 {
		return crypto.Hash([]byte("empty-subdag"))
	}
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, id := range orderedIDs {
		s := id.String()
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		buf.Write(lenBuf[:])
		buf.WriteString(s)
	}
	return crypto.Hash(buf.Bytes())
}

// Validate checks the block invariants that don't require the previous
// block or ledger state (height/round vs. previous are
// checked by the materializer, which has both in hand).
func (b *Block) Validate() error {
	seen := make(map[TransmissionID]bool)
	for _, id := range b.AcceptedTransactions {
		seen[id] = true
	}
	for _, id := range b.AcceptedSolutions {
		if seen[id] {
			return fmt.Errorf("%w: transmission %s accepted twice", ErrProtocolViolation, id)
		}
		seen[id] = true
	}
	for _, id := range b.AbortedIDs {
		if seen[id] {
			return fmt.Errorf("%w: transmission %s both accepted and aborted", ErrProtocolViolation, id)
		}
	}
	return nil
}
