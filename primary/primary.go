// Package primary implements the per-validator proposer/signer state
// machine: Idle(R) -> Proposed(R) -> Certified(R) -> Idle(R+1), with a
// TimedOut(R) branch.
package primary

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/events"
	"github.com/tolelom/dagbft/pool"
	"github.com/tolelom/dagbft/storage"
	"github.com/tolelom/dagbft/types"
	"github.com/tolelom/dagbft/worker"
)

// State is the primary's per-round state.
type State int

const (
	Idle State = iota
	Proposed
	Certified
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Proposed:
		return "proposed"
	case Certified:
		return "certified"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Gossip broadcasts BatchPropose/BatchSign/BatchCertified messages to
// peer primaries, implemented by the gateway in production.
type Gossip interface {
	BroadcastBatchPropose(h *types.BatchHeader)
	BroadcastBatchSign(headerID, signer, signature string)
	BroadcastBatchCertified(c *types.BatchCertificate)
}

// CommitteeSource resolves the committee effective at a given round.
type CommitteeSource interface {
	CommitteeAt(round uint64) (*types.Committee, error)
}

// Persister writes the proposal cache durably. A write failure aborts
// the state transition that triggered it: the in-memory cache is rolled
// back so memory never runs ahead of the persisted record.
type Persister interface {
	Persist(cache *types.ProposalCache) error
}

// Primary drives round participation for one validator address.
type Primary struct {
	address string
	privKey crypto.PrivateKey

	dag        *storage.DAG
	worker     *worker.Worker
	pool       *pool.Pool
	gossip     Gossip
	emitter    *events.Emitter
	committee  CommitteeSource
	roundDelta time.Duration

	mu        sync.Mutex
	cache     *types.ProposalCache
	state     State
	persister Persister
}

// New returns a Primary for address, recovering its proposal cache.
func New(address string, priv crypto.PrivateKey, dag *storage.DAG, w *worker.Worker, pl *pool.Pool, g Gossip, e *events.Emitter, cs CommitteeSource, roundDelta time.Duration, cache *types.ProposalCache) *Primary {
	if cache == nil {
		cache = types.NewProposalCache(address)
	}
	return &Primary{
		address:    address,
		privKey:    priv,
		dag:        dag,
		worker:     w,
		pool:       pl,
		gossip:     g,
		emitter:    e,
		committee:  cs,
		roundDelta: roundDelta,
		cache:      cache,
		state:      Idle,
	}
}

// SetPersister wires durable proposal-cache writes. Without one the
// cache lives in memory only (tests, harnesses).
func (p *Primary) SetPersister(ps Persister) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persister = ps
}

func (p *Primary) persistLocked() error {
	if p.persister == nil {
		return nil
	}
	return p.persister.Persist(p.cache)
}

// State returns the primary's current state.
func (p *Primary) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Recover re-broadcasts an in-flight proposal if the cache holds one at
// or ahead of the latest known round, so a restart resumes the same
// header instead of proposing a second one.
func (p *Primary) Recover() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cache.CurrentProposal != nil && p.cache.CurrentProposal.Round >= p.cache.LatestRound {
		p.state = Proposed
		if p.gossip != nil {
			p.gossip.BroadcastBatchPropose(p.cache.CurrentProposal)
		}
	}
}

// parentCertIDsAt returns the quorum-satisfying parent certificate ids
// from round-1, or an error if quorum at round-1 is not yet visible.
func (p *Primary) parentCertIDsAt(round uint64) ([]string, error) {
	if round == 1 {
		return nil, nil
	}
	committee, err := p.committee.CommitteeAt(round - 1)
	if err != nil {
		return nil, fmt.Errorf("resolve committee at round %d: %w", round-1, err)
	}
	certs := p.dag.RoundCertificates(round - 1)
	addrs := make(map[string]struct{}, len(certs))
	ids := make([]string, 0, len(certs))
	for _, c := range certs {
		addrs[c.Author()] = struct{}{}
		ids = append(ids, c.CertificateID())
	}
	if !committee.IsQuorumThresholdReached(addrs) {
		return nil, fmt.Errorf("%w: round %d has no quorum of certificates yet", types.ErrLiveness, round-1)
	}
	return ids, nil
}

// Propose attempts Idle(R) -> Proposed(R).
// It is a bug to call Propose while a current proposal is
// already outstanding; callers must first reach Idle via Certify or
// Timeout.
func (p *Primary) Propose(round uint64, previousBlockHash string) (*types.BatchHeader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache.CurrentProposal != nil {
		return nil, fmt.Errorf("primary %s already has an outstanding proposal at round %d", p.address, p.cache.CurrentProposal.Round)
	}

	parentIDs, err := p.parentCertIDsAt(round)
	if err != nil {
		return nil, err
	}

	header, _, err := p.worker.ProposeBatch(round, time.Now().UnixNano(), parentIDs, previousBlockHash)
	if err != nil {
		return nil, fmt.Errorf("propose batch: %w", err)
	}
	if p.pool != nil {
		// The drained items back an outstanding proposal; pin them so
		// pool pressure cannot evict them before Certify/Timeout.
		p.pool.Pin(header.TransmissionIDs)
	}

	prevLatest := p.cache.LatestRound
	p.cache.CurrentProposal = header
	if round > p.cache.LatestRound {
		p.cache.LatestRound = round
	}
	if err := p.persistLocked(); err != nil {
		p.cache.CurrentProposal = nil
		p.cache.LatestRound = prevLatest
		if p.pool != nil {
			p.pool.Unpin(header.TransmissionIDs)
		}
		return nil, fmt.Errorf("%w: persist proposal cache: %v", types.ErrLocalResource, err)
	}
	p.state = Proposed

	if p.gossip != nil {
		p.gossip.BroadcastBatchPropose(header)
	}
	if p.emitter != nil {
		p.emitter.Emit(events.Event{Type: events.EventBatchProposed, Round: round, Data: map[string]any{"header_id": header.HeaderID()}})
	}
	return header, nil
}

// ConsiderSigning implements the Signing contract: whether to sign a
// peer's proposed header h at round. currentRound is this validator's
// own round, used for the round-window check.
func (p *Primary) ConsiderSigning(h *types.BatchHeader, pub crypto.PublicKey, currentRound uint64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.Author != pub.Hex() {
		return "", fmt.Errorf("%w: header author %s does not match signer key", types.ErrProtocolViolation, h.Author)
	}
	if p.dag.IsBanned(h.Round, h.Author) {
		return "", fmt.Errorf("%w: %s was caught equivocating at round %d, message rejected", types.ErrProtocolViolation, h.Author, h.Round)
	}
	if err := h.VerifySignature(pub); err != nil {
		return "", fmt.Errorf("%w: author signature invalid: %v", types.ErrProtocolViolation, err)
	}
	horizon := p.dag.GCHorizon()
	if h.Round < horizon || h.Round > currentRound+1 {
		return "", fmt.Errorf("%w: round %d outside acceptance window [%d, %d]", types.ErrProtocolViolation, h.Round, horizon, currentRound+1)
	}
	headerID := h.HeaderID()
	if p.cache.HasSignedDifferent(h.Author, h.Round, headerID) {
		return "", fmt.Errorf("%w: already signed a different header from %s at round %d", types.ErrProtocolViolation, h.Author, h.Round)
	}
	if h.Round > 1 {
		committee, err := p.committee.CommitteeAt(h.Round - 1)
		if err != nil {
			return "", fmt.Errorf("resolve committee at round %d: %w", h.Round-1, err)
		}
		addrs := make(map[string]struct{}, len(h.ParentCertificateIDs))
		for _, parentID := range h.ParentCertificateIDs {
			if cert, ok := p.dag.GetByID(parentID); ok {
				addrs[cert.Author()] = struct{}{}
			}
		}
		if !committee.IsQuorumThresholdReached(addrs) {
			return "", fmt.Errorf("%w: parents of header from %s do not satisfy quorum at round %d", types.ErrProtocolViolation, h.Author, h.Round-1)
		}
	}

	signature := crypto.Sign(p.privKey, []byte(headerID))
	prevSigned, hadPrev := p.cache.SignedProposals[h.Author]
	if err := p.cache.RecordSigned(h, signature); err != nil {
		return "", err
	}
	if err := p.persistLocked(); err != nil {
		if hadPrev {
			p.cache.SignedProposals[h.Author] = prevSigned
		} else {
			delete(p.cache.SignedProposals, h.Author)
		}
		return "", fmt.Errorf("%w: persist proposal cache: %v", types.ErrLocalResource, err)
	}
	if p.gossip != nil {
		p.gossip.BroadcastBatchSign(headerID, p.address, signature)
	}
	if p.emitter != nil {
		p.emitter.Emit(events.Event{Type: events.EventBatchSigned, Round: h.Round, Data: map[string]any{"header_id": headerID, "author": h.Author}})
	}
	return signature, nil
}

// Certify implements the Certification contract: once signatures
// covering >= quorum stake on the current proposal have been gathered,
// assemble the certificate, insert it into storage, broadcast it, and
// transition Proposed(R) -> Certified(R).
func (p *Primary) Certify(round uint64, committee *types.Committee, signatures map[string]string) (*types.BatchCertificate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache.CurrentProposal == nil || p.cache.CurrentProposal.Round != round {
		return nil, fmt.Errorf("no outstanding proposal at round %d", round)
	}
	cert := &types.BatchCertificate{Header: *p.cache.CurrentProposal, Signatures: signatures}
	if err := cert.Validate(committee); err != nil {
		return nil, fmt.Errorf("assemble certificate: %w", err)
	}
	if err := p.dag.Insert(cert); err != nil {
		return nil, fmt.Errorf("insert certificate: %w", err)
	}

	proposal := p.cache.CurrentProposal
	p.cache.CurrentProposal = nil
	if err := p.persistLocked(); err != nil {
		p.cache.CurrentProposal = proposal
		return nil, fmt.Errorf("%w: persist proposal cache: %v", types.ErrLocalResource, err)
	}
	if p.pool != nil {
		// The batch is certified; its contents leave the pool for good.
		p.pool.Unpin(proposal.TransmissionIDs)
		p.pool.Remove(proposal.TransmissionIDs)
	}
	p.state = Certified

	if p.gossip != nil {
		p.gossip.BroadcastBatchCertified(cert)
	}
	if p.emitter != nil {
		p.emitter.Emit(events.Event{Type: events.EventBatchCertified, Round: round, Data: map[string]any{"certificate_id": cert.CertificateID()}})
	}
	return cert, nil
}

// AdvanceIfQuorumVisible implements "Certified(R) immediately attempts
// transition to Idle(R+1) once quorum at R is visible in storage."
func (p *Primary) AdvanceIfQuorumVisible(round uint64, committee *types.Committee) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Certified {
		return false
	}
	certs := p.dag.RoundCertificates(round)
	addrs := make(map[string]struct{}, len(certs))
	for _, c := range certs {
		addrs[c.Author()] = struct{}{}
	}
	if !committee.IsQuorumThresholdReached(addrs) {
		return false
	}
	p.state = Idle
	return true
}

// Timeout implements the Timeout contract: abandon the current proposal
// (cleared from the cache; the abandoned header is not kept there) and
// advance to R+1 regardless of whether this validator's own batch was
// certified.
func (p *Primary) Timeout(round uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = TimedOut
	if p.emitter != nil {
		p.emitter.Emit(events.Event{Type: events.EventRoundTimedOut, Round: round})
	}
	if p.pool != nil && p.cache.CurrentProposal != nil {
		// The batch was abandoned uncertified, so its contents are only
		// unpinned (eligible for eviction again), never removed; they
		// may still be redrained into a future proposal.
		p.pool.Unpin(p.cache.CurrentProposal.TransmissionIDs)
	}
	// current_proposal is cleared here (rather than left set) so the next
	// Propose call at round+1 isn't rejected by the "only one
	// current_proposal" precondition. A persist failure on timeout is not
	// fatal: the stale record only means a redundant re-broadcast of the
	// abandoned header after a crash, which peers dedup by header id.
	p.cache.CurrentProposal = nil
	if err := p.persistLocked(); err != nil {
		logrus.WithField("round", round).WithError(err).Warn("primary: proposal cache persist failed on timeout")
	}
	p.state = Idle
}

// Cache returns the proposal cache for persistence by the caller.
func (p *Primary) Cache() *types.ProposalCache {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache
}

// RoundDeadline returns the soft deadline for round, measured from
// roundStart.
func (p *Primary) RoundDeadline(roundStart time.Time) time.Time {
	return roundStart.Add(p.roundDelta)
}
