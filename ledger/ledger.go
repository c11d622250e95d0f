// Package ledger implements the block materializer: it turns a
// committed sub-DAG into a candidate block, checks it against ledger
// rules, and advances the chain.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/events"
	"github.com/tolelom/dagbft/metrics"
	"github.com/tolelom/dagbft/storage"
	"github.com/tolelom/dagbft/types"
)

// Disposition is the outcome of a ledger precheck for one transmission.
type Disposition int

const (
	Accepted Disposition = iota
	Aborted
)

// LedgerService is the external ledger's interface to the
// materializer, kept narrow so a real VM/state backend and
// MockLedgerService both satisfy it without either depending on the
// other.
type LedgerService interface {
	// Precheck runs the fast, pure precheck on a transmission against
	// the current ledger snapshot: unique within the block, not already
	// on-chain, fee/size bounds.
	Precheck(t *types.Transmission, seenInBlock map[string]bool) Disposition
	// NextBlock produces the deterministic candidate block for height
	// from the ordered accepted transmissions.
	NextBlock(height int64, round uint64, prevHash, leaderAuthor string, accepted, aborted []types.TransmissionID) (*types.Block, error)
	// CheckNextBlock verifies a candidate block against ledger rules
	// before it is applied.
	CheckNextBlock(candidate *types.Block) error
	// Apply advances the ledger state past candidate. Must be called
	// only after CheckNextBlock succeeds.
	Apply(candidate *types.Block) error
}

// TransmissionFetcher resolves a transmission id to its content,
// fetching from peers if needed.
type TransmissionFetcher interface {
	FetchAll(ids []types.TransmissionID, sourceWorker string) ([]*types.Transmission, error)
}

const (
	// fetchAttempts bounds how many times a sub-DAG's transmissions are
	// re-fetched before the block attempt is marked failed. A missing
	// transmission is a liveness condition, not a verdict: the peer may
	// simply not have gossiped it yet.
	fetchAttempts = 3
	// fetchRetryDelay is the initial backoff between attempts; it
	// doubles each retry.
	fetchRetryDelay = 250 * time.Millisecond
)

// Materializer turns committed sub-DAGs into blocks.
type Materializer struct {
	store   *storage.BlockStore
	dag     *storage.DAG
	ledger  LedgerService
	fetcher TransmissionFetcher
	privKey crypto.PrivateKey
	emitter *events.Emitter
	gcDepth uint64

	mu     sync.RWMutex
	tip    *types.Block
	height int64
}

// New returns a Materializer backed by store, observing dag, asking
// ledger for block construction/validation, and fetching missing
// transmissions via fetcher.
func New(store *storage.BlockStore, dag *storage.DAG, ledger LedgerService, fetcher TransmissionFetcher, priv crypto.PrivateKey, emitter *events.Emitter, gcDepth uint64) *Materializer {
	return &Materializer{store: store, dag: dag, ledger: ledger, fetcher: fetcher, privKey: priv, emitter: emitter, gcDepth: gcDepth}
}

// Init loads the persisted tip from the block store.
func (m *Materializer) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tipHash, err := m.store.GetTip()
	if err != nil {
		return fmt.Errorf("get tip: %w", err)
	}
	if tipHash == "" {
		return nil
	}
	tip, err := m.store.GetBlock(tipHash)
	if err != nil {
		return fmt.Errorf("load tip block: %w", err)
	}
	m.tip = tip
	m.height = tip.Header.Height
	return nil
}

// fetchWithRetry resolves every transmission id, re-issuing a fresh
// fetch with doubling backoff when any id cannot be resolved. Only
// after fetchAttempts consecutive failures is the block attempt given
// up as a liveness failure.
func (m *Materializer) fetchWithRetry(ids []types.TransmissionID, sourceWorker string) ([]*types.Transmission, error) {
	delay := fetchRetryDelay
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		transmissions, err := m.fetcher.FetchAll(ids, sourceWorker)
		if err == nil {
			return transmissions, nil
		}
		lastErr = err
		if attempt < fetchAttempts {
			logrus.WithFields(logrus.Fields{"attempt": attempt, "ids": len(ids)}).WithError(err).Warn("ledger: transmission fetch incomplete, retrying")
			time.Sleep(delay)
			delay *= 2
		}
	}
	return nil, fmt.Errorf("%w: fetch sub-dag transmissions after %d attempts: %v", types.ErrLiveness, fetchAttempts, lastErr)
}

// Tip returns the current chain tip, or nil for a fresh chain.
func (m *Materializer) Tip() *types.Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tip
}

// Height returns the height of the current tip (0 for a fresh chain).
func (m *Materializer) Height() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.height
}

// Materialize runs the full materialization procedure for a committed
// sub-DAG: collect transmission ids, fetch their content, partition into
// accepted/aborted, ask the ledger for a candidate block, verify it, and
// advance the ledger atomically. On success the DAG's GC horizon is
// advanced to leader.round - gc_depth.
func (m *Materializer) Materialize(sub *types.SubDAG, leaderAuthor string, leaderRound uint64, sourceWorker string) (*types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orderedIDs := sub.TransmissionIDs()
	transmissions, err := m.fetchWithRetry(orderedIDs, sourceWorker)
	if err != nil {
		return nil, err
	}

	seenInBlock := make(map[string]bool)
	var accepted, aborted []types.TransmissionID
	for _, t := range transmissions {
		switch m.ledger.Precheck(t, seenInBlock) {
		case Accepted:
			accepted = append(accepted, t.ID)
			seenInBlock[t.ID.String()] = true
		default:
			aborted = append(aborted, t.ID)
		}
	}

	var prevHash string
	var nextHeight int64
	if m.tip == nil {
		nextHeight = 1
	} else {
		prevHash = m.tip.Hash
		nextHeight = m.tip.Header.Height + 1
	}

	candidate, err := m.ledger.NextBlock(nextHeight, leaderRound, prevHash, leaderAuthor, accepted, aborted)
	if err != nil {
		return nil, fmt.Errorf("build candidate block: %w", err)
	}
	candidate.Header.SubDAGRoot = types.ComputeSubDAGRoot(orderedIDs)
	candidate.Sign(m.privKey)

	if err := m.ledger.CheckNextBlock(candidate); err != nil {
		return nil, fmt.Errorf("%w: candidate block failed ledger checks: %v", types.ErrLedgerConsistency, err)
	}
	if m.tip != nil {
		if candidate.Header.Height != m.height+1 {
			return nil, fmt.Errorf("%w: block height %d does not follow tip %d", types.ErrLedgerConsistency, candidate.Header.Height, m.height)
		}
		if candidate.Header.PrevHash != m.tip.Hash {
			return nil, fmt.Errorf("%w: prev_hash mismatch: got %s want %s", types.ErrLedgerConsistency, candidate.Header.PrevHash, m.tip.Hash)
		}
		if candidate.Header.Round <= m.tip.Header.Round {
			return nil, fmt.Errorf("%w: block round %d does not advance past tip round %d", types.ErrLedgerConsistency, candidate.Header.Round, m.tip.Header.Round)
		}
	}

	if err := m.ledger.Apply(candidate); err != nil {
		return nil, fmt.Errorf("%w: apply candidate block: %v", types.ErrLedgerConsistency, err)
	}
	if err := m.store.PutBlock(candidate); err != nil {
		return nil, fmt.Errorf("persist block: %w", err)
	}
	if err := m.store.SetTip(candidate.Hash); err != nil {
		return nil, fmt.Errorf("set tip: %w", err)
	}
	m.tip = candidate
	m.height = candidate.Header.Height
	metrics.Default.Inc(metrics.CounterBlocksMaterialized, 1)
	metrics.Default.Set(metrics.GaugeLedgerHeight, candidate.Header.Height)

	if leaderRound > m.gcDepth {
		horizon := leaderRound - m.gcDepth
		if horizon > m.dag.GCHorizon() {
			if err := m.dag.GC(horizon); err != nil {
				return nil, fmt.Errorf("advance gc horizon: %w", err)
			}
			if m.emitter != nil {
				m.emitter.Emit(events.Event{Type: events.EventGCAdvanced, Round: horizon})
			}
		}
	}

	if m.emitter != nil {
		m.emitter.Emit(events.Event{
			Type:   events.EventBlockMaterialized,
			Height: candidate.Header.Height,
			Data:   map[string]any{"hash": candidate.Hash, "accepted": len(accepted), "aborted": len(aborted)},
		})
	}
	return candidate, nil
}
