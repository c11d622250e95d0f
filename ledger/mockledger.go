package ledger

import (
	"fmt"
	"sync"

	"github.com/tolelom/dagbft/types"
)

// MockLedgerService is a deterministic in-memory LedgerService. It is
// not a production component and tracks no account or program state at
// all, but it implements enough of the real ledger's contract (on-chain
// dedup, deterministic block construction) for integration tests to
// exercise the full materializer pipeline without a real VM/state
// backend.
type MockLedgerService struct {
	committee *types.Committee

	mu      sync.RWMutex
	onChain map[string]bool // transmission id -> already applied
}

// NewMockLedgerService returns a MockLedgerService bootstrapped with the
// round-1 committee (unused beyond being available to callers that want
// to assert against it; the mock itself does not validate signers).
func NewMockLedgerService(committee *types.Committee) *MockLedgerService {
	return &MockLedgerService{committee: committee, onChain: make(map[string]bool)}
}

// Precheck rejects a transmission already seen earlier in the same
// block or already applied in a prior block; everything else is
// accepted.
func (m *MockLedgerService) Precheck(t *types.Transmission, seenInBlock map[string]bool) Disposition {
	key := t.ID.String()
	if seenInBlock[key] {
		return Aborted
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.onChain[key] {
		return Aborted
	}
	return Accepted
}

// NextBlock builds the deterministic candidate block from the accepted/
// aborted partitions, splitting accepted ids by kind into
// AcceptedTransactions/AcceptedSolutions.
func (m *MockLedgerService) NextBlock(height int64, round uint64, prevHash, leaderAuthor string, accepted, aborted []types.TransmissionID) (*types.Block, error) {
	block := &types.Block{
		Header: types.BlockHeader{
			Height:       height,
			Round:        round,
			PrevHash:     prevHash,
			StateRoot:    fmt.Sprintf("mock-state-root-%d", height),
			LeaderAuthor: leaderAuthor,
		},
		AbortedIDs: aborted,
	}
	for _, id := range accepted {
		switch id.Kind {
		case types.KindSolution:
			block.AcceptedSolutions = append(block.AcceptedSolutions, id)
		default:
			block.AcceptedTransactions = append(block.AcceptedTransactions, id)
		}
	}
	if err := block.Validate(); err != nil {
		return nil, fmt.Errorf("mock ledger: build candidate block: %w", err)
	}
	return block, nil
}

// CheckNextBlock performs the mock's only ledger rule: the block must
// pass its own structural invariant. A real
// LedgerService would additionally re-run every transaction/program
// call here.
func (m *MockLedgerService) CheckNextBlock(candidate *types.Block) error {
	return candidate.Validate()
}

// Apply marks every transmission in candidate as on-chain, so a later
// Precheck of the same id is rejected.
func (m *MockLedgerService) Apply(candidate *types.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range candidate.AcceptedTransactions {
		m.onChain[id.String()] = true
	}
	for _, id := range candidate.AcceptedSolutions {
		m.onChain[id.String()] = true
	}
	return nil
}

var _ LedgerService = (*MockLedgerService)(nil)
