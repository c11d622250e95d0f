package crypto

import (
	"encoding/binary"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// LeaderSeed derives the deterministic seed used to elect a round's
// leader. The derivation is fixed as:
//
//	BLAKE2b-256(committeeRound || sorted(memberAddresses) || recentCommittedBlockHash)
//
// so that every honest validator computes the same seed from the same
// committed history, independent of iteration order over committee
// members. BLAKE2b keeps the leader seed and the SHA-256 content hashes
// in distinguishable hash families.
func LeaderSeed(committeeRound uint64, memberAddresses []string, recentCommittedBlockHash string) [32]byte {
	sorted := make([]string, len(memberAddresses))
	copy(sorted, memberAddresses)
	sort.Strings(sorted)

	h, _ := blake2b.New256(nil)
	var roundBuf [8]byte
	binary.BigEndian.PutUint64(roundBuf[:], committeeRound)
	h.Write(roundBuf[:])
	for _, addr := range sorted {
		h.Write([]byte(addr))
	}
	h.Write([]byte(recentCommittedBlockHash))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
