// Package bft implements the commit rule that turns the certificate DAG
// into a deterministic total order: leader election per even round, the
// 2-round (f+1 supporters at r+1) commit rule, and linearization of a
// committed leader's causal history into an ordered sub-DAG.
package bft

import (
	"encoding/binary"
	"fmt"

	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/events"
	"github.com/tolelom/dagbft/metrics"
	"github.com/tolelom/dagbft/storage"
	"github.com/tolelom/dagbft/types"
)

// Engine tracks the highest committed round and produces sub-DAGs as
// leaders are committed.
type Engine struct {
	dag     *storage.DAG
	emitter *events.Emitter

	lastCommittedRound uint64
	committedCertIDs   map[string]struct{} // certificates already emitted in a prior sub-DAG
}

// New returns an Engine observing dag.
func New(dag *storage.DAG, emitter *events.Emitter) *Engine {
	return &Engine{dag: dag, emitter: emitter, committedCertIDs: make(map[string]struct{})}
}

// LastCommittedRound returns the highest round whose leader has been
// committed (0 if none yet).
func (e *Engine) LastCommittedRound() uint64 { return e.lastCommittedRound }

// ElectLeader returns the committee member elected to lead even round
// r. r must be even; odd rounds have no leader.
func ElectLeader(committee *types.Committee, r uint64, recentCommittedBlockHash string) (string, error) {
	if r == 0 || r%2 != 0 {
		return "", fmt.Errorf("round %d is not an even leader round", r)
	}
	members := committee.Members()
	if len(members) == 0 {
		return "", fmt.Errorf("committee at round %d has no members", committee.Round())
	}
	seed := crypto.LeaderSeed(r, members, recentCommittedBlockHash)
	idx := binary.BigEndian.Uint64(seed[:8]) % uint64(len(members))
	return members[idx], nil
}

// TryCommit checks the commit rule for candidate leader round r: the
// leader certificate at r is committed iff round r+1 holds
// >= availability_threshold certificates whose parent sets include it.
// committeeAtR1 is the committee effective at round r+1 (used for the
// availability-threshold arithmetic). Returns (nil, nil) when the rule
// is not yet satisfied; not an error, since this is simply "not yet".
func (e *Engine) TryCommit(r uint64, committee *types.Committee, committeeAtR1 *types.Committee, recentCommittedBlockHash string) (*types.BatchCertificate, error) {
	leaderAddr, err := ElectLeader(committee, r, recentCommittedBlockHash)
	if err != nil {
		return nil, err
	}
	leaderCert, ok := e.dag.Get(r, leaderAddr)
	if !ok {
		return nil, nil // leader's own certificate hasn't arrived yet
	}
	leaderID := leaderCert.CertificateID()

	supporterAddrs := make(map[string]struct{})
	for _, cert := range e.dag.RoundCertificates(r + 1) {
		for _, parentID := range cert.Header.ParentCertificateIDs {
			if parentID == leaderID {
				supporterAddrs[cert.Author()] = struct{}{}
				break
			}
		}
	}
	if !committeeAtR1.IsAvailabilityThresholdReached(supporterAddrs) {
		return nil, nil
	}
	return leaderCert, nil
}

// Linearize builds the deterministic sub-DAG for a committable leader
// certificate: the leader plus every ancestor reachable through parent
// links that has not appeared in any prior committed sub-DAG, ordered
// (round ascending, author lexicographic). It records nothing; the
// caller commits the result via Commit only after the sub-DAG's block
// has materialized, so a failed block attempt can linearize the same
// leader again.
func (e *Engine) Linearize(leader *types.BatchCertificate) (*types.SubDAG, error) {
	leaderID := leader.CertificateID()
	if _, already := e.committedCertIDs[leaderID]; already {
		return nil, fmt.Errorf("certificate %s was already committed in a prior sub-DAG", leaderID)
	}

	var ordered []types.BatchCertificate
	visited := make(map[string]bool)
	var walk func(cert *types.BatchCertificate)
	walk = func(cert *types.BatchCertificate) {
		id := cert.CertificateID()
		if visited[id] || e.isCommitted(id) {
			return
		}
		visited[id] = true
		for _, parent := range e.dag.Parents(cert) {
			walk(parent)
		}
		ordered = append(ordered, *cert)
	}
	walk(leader)

	types.SortCertificates(ordered)

	return &types.SubDAG{LeaderCertificateID: leaderID, Certificates: ordered}, nil
}

// Commit records every certificate of a linearized sub-DAG as committed
// and advances the last committed round. Call only once the sub-DAG's
// block has been applied: certificates marked here are excluded from
// every future Linearize walk, so committing ahead of the block would
// silently drop the sub-DAG on a failed attempt.
func (e *Engine) Commit(sub *types.SubDAG) {
	var leaderRound uint64
	for _, cert := range sub.Certificates {
		e.committedCertIDs[cert.CertificateID()] = struct{}{}
		if cert.Round() > leaderRound {
			leaderRound = cert.Round()
		}
	}
	if leaderRound > e.lastCommittedRound {
		e.lastCommittedRound = leaderRound
	}

	metrics.Default.Inc(metrics.CounterLeadersCommitted, 1)
	if e.emitter != nil {
		e.emitter.Emit(events.Event{
			Type:  events.EventLeaderCommitted,
			Round: leaderRound,
			Data:  map[string]any{"leader_certificate_id": sub.LeaderCertificateID, "subdag_size": len(sub.Certificates)},
		})
	}
}

func (e *Engine) isCommitted(certID string) bool {
	_, ok := e.committedCertIDs[certID]
	return ok
}

// SkipLeader records that the leader at round r was never committed
// (never gathered f+1 supporters) and is permanently skipped;
// its batch's transmissions only reach a block via a
// later commit's sub-DAG that transitively includes it, so this is
// purely informational bookkeeping for observability.
func (e *Engine) SkipLeader(r uint64) {
	metrics.Default.Inc(metrics.CounterLeadersSkipped, 1)
	if e.emitter != nil {
		e.emitter.Emit(events.Event{Type: events.EventLeaderSkipped, Round: r})
	}
}
