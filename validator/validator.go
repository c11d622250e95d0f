// Package validator wires the primary/worker/bft/ledger/storage
// components to a live gateway.Node and drives round participation on a
// timer.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/dagbft/bft"
	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/events"
	"github.com/tolelom/dagbft/gateway"
	"github.com/tolelom/dagbft/ledger"
	"github.com/tolelom/dagbft/pool"
	"github.com/tolelom/dagbft/primary"
	"github.com/tolelom/dagbft/storage"
	"github.com/tolelom/dagbft/types"
	"github.com/tolelom/dagbft/worker"
)

// pollInterval is how often the round loop re-checks for quorum/timeout.
// Small relative to RoundDelta so certification latency is dominated by
// network/signing time, not by this poll granularity.
const pollInterval = 25 * time.Millisecond

// requestTimeout bounds a single peer-directed fetch (certificate or
// transmission) issued through the GatewayAdapter.
const requestTimeout = 5 * time.Second

// GatewayAdapter implements primary.Gossip, worker.Broadcaster,
// worker.PeerFetcher, and syncer.CertificateFetcher against a live
// gateway.Node, and registers the BFT-internal wire handlers (ids
// 13-19, gateway/message.go) that feed the Primary/Worker/DAG. Each
// wire message maps to exactly one local call; request-id keyed pending
// maps match each peer response to the fetch that issued it. Concurrent
// fetches of the same id each send their own request.
type GatewayAdapter struct {
	node *gateway.Node

	nextRequestID uint64

	mu          sync.Mutex
	pendingCert map[uint64]chan *gateway.CertificateResponsePayload
	pendingTx   map[uint64]chan *gateway.TransmissionResponsePayload
}

// NewGatewayAdapter returns an adapter over node. validator.New
// registers its handlers (via wire) once the Primary/Worker/DAG/Syncer
// it will feed are constructed.
func NewGatewayAdapter(node *gateway.Node) *GatewayAdapter {
	return &GatewayAdapter{
		node:        node,
		pendingCert: make(map[uint64]chan *gateway.CertificateResponsePayload),
		pendingTx:   make(map[uint64]chan *gateway.TransmissionResponsePayload),
	}
}

// BroadcastBatchPropose implements primary.Gossip.
func (a *GatewayAdapter) BroadcastBatchPropose(h *types.BatchHeader) {
	a.node.Broadcast(gateway.MsgBatchPropose, gateway.BatchProposePayload{Header: *h})
}

// BroadcastBatchHeader implements worker.Broadcaster. In this module a
// validator's primary and worker share the same gateway connection set,
// so a worker's sealed-header gossip and a primary's proposal gossip are
// the same wire traffic (MsgBatchPropose).
func (a *GatewayAdapter) BroadcastBatchHeader(h *types.BatchHeader) {
	a.node.Broadcast(gateway.MsgBatchPropose, gateway.BatchProposePayload{Header: *h})
}

// BroadcastBatchSign implements primary.Gossip. Votes are flooded to
// every connected peer, not just the proposal's author, so any primary
// that independently reaches quorum can assemble the certificate.
func (a *GatewayAdapter) BroadcastBatchSign(headerID, signer, signature string) {
	a.node.Broadcast(gateway.MsgBatchSign, gateway.BatchSignPayload{HeaderID: headerID, Signer: signer, Signature: signature})
}

// BroadcastBatchCertified implements primary.Gossip.
func (a *GatewayAdapter) BroadcastBatchCertified(c *types.BatchCertificate) {
	a.node.Broadcast(gateway.MsgBatchCertified, gateway.BatchCertifiedPayload{Certificate: *c})
}

// FetchTransmission implements worker.PeerFetcher.
func (a *GatewayAdapter) FetchTransmission(peerAddr string, id types.TransmissionID) (*types.Transmission, error) {
	peer := a.node.Peer(peerAddr)
	if peer == nil {
		return nil, fmt.Errorf("%w: not connected to peer %s", types.ErrLiveness, peerAddr)
	}
	reqID := atomic.AddUint64(&a.nextRequestID, 1)
	ch := make(chan *gateway.TransmissionResponsePayload, 1)
	a.mu.Lock()
	a.pendingTx[reqID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pendingTx, reqID)
		a.mu.Unlock()
	}()

	if err := peer.Send(gateway.MsgTransmissionRequest, gateway.TransmissionRequestPayload{RequestID: reqID, TransmissionID: id}); err != nil {
		return nil, fmt.Errorf("send transmission request to %s: %w", peerAddr, err)
	}
	select {
	case resp := <-ch:
		if resp.Transmission == nil {
			return nil, fmt.Errorf("peer %s does not hold transmission %s", peerAddr, id)
		}
		return resp.Transmission, nil
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("%w: timed out fetching transmission %s from %s", types.ErrLiveness, id, peerAddr)
	}
}

// FetchCertificate implements syncer.CertificateFetcher.
func (a *GatewayAdapter) FetchCertificate(peerAddr, certID string) (*types.BatchCertificate, error) {
	peer := a.node.Peer(peerAddr)
	if peer == nil {
		return nil, fmt.Errorf("%w: not connected to peer %s", types.ErrLiveness, peerAddr)
	}
	reqID := atomic.AddUint64(&a.nextRequestID, 1)
	ch := make(chan *gateway.CertificateResponsePayload, 1)
	a.mu.Lock()
	a.pendingCert[reqID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pendingCert, reqID)
		a.mu.Unlock()
	}()

	if err := peer.Send(gateway.MsgCertificateRequest, gateway.CertificateRequestPayload{RequestID: reqID, CertificateID: certID}); err != nil {
		return nil, fmt.Errorf("send certificate request to %s: %w", peerAddr, err)
	}
	select {
	case resp := <-ch:
		if resp.Certificate == nil {
			return nil, fmt.Errorf("peer %s does not hold certificate %s", peerAddr, certID)
		}
		return resp.Certificate, nil
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("%w: timed out fetching certificate %s from %s", types.ErrLiveness, certID, peerAddr)
	}
}

// CertificateServer serves a locally known certificate by id, fulfilled
// by syncer.Syncer.ServeCertificateRequest.
type CertificateServer interface {
	ServeCertificateRequest(certID string) (*types.BatchCertificate, bool)
}

// wireDeps bundles the collaborators the adapter's handlers dispatch
// into, supplied once by Validator.wireGateway.
type wireDeps struct {
	dag       *storage.DAG
	worker    *worker.Worker
	primary   *primary.Primary
	certs     CertificateServer
	onSign    func(headerID, signer, signature string)
	pool      *pool.Pool
	committee primary.CommitteeSource
}

// wire registers every BFT-internal and pool-gossip handler on the
// underlying node.
func (a *GatewayAdapter) wire(d wireDeps) {
	a.node.Handle(gateway.MsgBatchPropose, func(peer *gateway.Peer, msg gateway.Message) {
		var payload gateway.BatchProposePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logrus.WithField("peer", peer.ID).WithError(err).Warn("validator: malformed BatchPropose")
			return
		}
		d.worker.ObserveBatch(&payload.Header)
		pub, err := crypto.PubKeyFromHex(payload.Header.Author)
		if err != nil {
			logrus.WithField("peer", peer.ID).WithError(err).Warn("validator: BatchPropose from invalid author address")
			return
		}
		if _, err := d.primary.ConsiderSigning(&payload.Header, pub, d.primary.Cache().LatestRound); err != nil {
			logrus.WithFields(logrus.Fields{"peer": peer.ID, "author": payload.Header.Author, "round": payload.Header.Round}).WithError(err).Warn("validator: declined to sign proposal")
		}
	})

	a.node.Handle(gateway.MsgBatchSign, func(peer *gateway.Peer, msg gateway.Message) {
		var payload gateway.BatchSignPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logrus.WithField("peer", peer.ID).WithError(err).Warn("validator: malformed BatchSign")
			return
		}
		pub, err := crypto.PubKeyFromHex(payload.Signer)
		if err != nil {
			logrus.WithField("peer", peer.ID).WithError(err).Warn("validator: BatchSign from invalid signer address")
			return
		}
		if err := crypto.Verify(pub, []byte(payload.HeaderID), payload.Signature); err != nil {
			logrus.WithField("peer", peer.ID).WithError(err).Warn("validator: BatchSign with invalid signature")
			return
		}
		d.onSign(payload.HeaderID, payload.Signer, payload.Signature)
	})

	a.node.Handle(gateway.MsgBatchCertified, func(peer *gateway.Peer, msg gateway.Message) {
		var payload gateway.BatchCertifiedPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logrus.WithField("peer", peer.ID).WithError(err).Warn("validator: malformed BatchCertified")
			return
		}
		committee, err := d.committee.CommitteeAt(payload.Certificate.Round())
		if err != nil {
			logrus.WithFields(logrus.Fields{"peer": peer.ID, "round": payload.Certificate.Round()}).WithError(err).Warn("validator: cannot resolve committee for BatchCertified, dropping")
			return
		}
		if err := payload.Certificate.Validate(committee); err != nil {
			logrus.WithFields(logrus.Fields{"peer": peer.ID, "certificate_id": payload.Certificate.CertificateID()}).WithError(err).Warn("validator: rejected BatchCertified: quorum/signature validation failed")
			return
		}
		d.worker.ObserveBatch(&payload.Certificate.Header)
		if err := d.dag.Insert(&payload.Certificate); err != nil {
			logrus.WithFields(logrus.Fields{"peer": peer.ID, "certificate_id": payload.Certificate.CertificateID()}).WithError(err).Warn("validator: rejected BatchCertified")
		}
	})

	a.node.Handle(gateway.MsgCertificateRequest, func(peer *gateway.Peer, msg gateway.Message) {
		var req gateway.CertificateRequestPayload
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		cert, ok := d.certs.ServeCertificateRequest(req.CertificateID)
		resp := gateway.CertificateResponsePayload{RequestID: req.RequestID}
		if ok {
			resp.Certificate = cert
		}
		peer.Send(gateway.MsgCertificateResponse, resp)
	})

	a.node.Handle(gateway.MsgCertificateResponse, func(peer *gateway.Peer, msg gateway.Message) {
		var resp gateway.CertificateResponsePayload
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			return
		}
		a.mu.Lock()
		ch, ok := a.pendingCert[resp.RequestID]
		a.mu.Unlock()
		if ok {
			ch <- &resp
		}
	})

	a.node.Handle(gateway.MsgTransmissionRequest, func(peer *gateway.Peer, msg gateway.Message) {
		var req gateway.TransmissionRequestPayload
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		resp := gateway.TransmissionResponsePayload{RequestID: req.RequestID}
		if t, err := d.worker.Fetch(req.TransmissionID, ""); err == nil {
			resp.Transmission = t
		}
		peer.Send(gateway.MsgTransmissionResponse, resp)
	})

	a.node.Handle(gateway.MsgTransmissionResponse, func(peer *gateway.Peer, msg gateway.Message) {
		var resp gateway.TransmissionResponsePayload
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			return
		}
		a.mu.Lock()
		ch, ok := a.pendingTx[resp.RequestID]
		a.mu.Unlock()
		if ok {
			ch <- &resp
		}
	})

	a.node.Handle(gateway.MsgUnconfirmedTransaction, func(peer *gateway.Peer, msg gateway.Message) {
		var payload gateway.UnconfirmedTransactionPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		t := &types.Transmission{ID: types.NewTransmissionID(types.KindTransaction, payload.Payload), Payload: payload.Payload}
		d.pool.Insert(t)
	})

	a.node.Handle(gateway.MsgUnconfirmedSolution, func(peer *gateway.Peer, msg gateway.Message) {
		var payload gateway.UnconfirmedSolutionPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		t := &types.Transmission{ID: types.NewTransmissionID(types.KindSolution, payload.Payload), Payload: payload.Payload}
		d.pool.Insert(t)
	})
}

// CommitteeSource resolves the committee effective at a round; shared
// with primary.CommitteeSource so both take the same collaborator.
type CommitteeSource = primary.CommitteeSource

// Validator drives one validator address's round participation: propose
// -> gossip -> gather signatures -> certify -> check the commit rule ->
// materialize.
type Validator struct {
	address    string
	adapter    *GatewayAdapter
	dag        *storage.DAG
	worker     *worker.Worker
	primaryP   *primary.Primary
	bftEngine  *bft.Engine
	materializ *ledger.Materializer
	committee  CommitteeSource
	roundDelta time.Duration
	emitter    *events.Emitter

	mu            sync.Mutex
	round         uint64
	lastBlockHash string
	sigs          map[string]map[string]string // header id -> signer -> signature
}

// New returns a Validator. The gateway adapter's wire handlers are
// registered here, so node must already be constructed (but need not be
// started).
func New(address string, adapter *GatewayAdapter, dag *storage.DAG, w *worker.Worker, p *primary.Primary, eng *bft.Engine, m *ledger.Materializer, committee CommitteeSource, roundDelta time.Duration, emitter *events.Emitter, pl *pool.Pool, certs CertificateServer) *Validator {
	v := &Validator{
		address:    address,
		adapter:    adapter,
		dag:        dag,
		worker:     w,
		primaryP:   p,
		bftEngine:  eng,
		materializ: m,
		committee:  committee,
		roundDelta: roundDelta,
		emitter:    emitter,
		round:      1,
		sigs:       make(map[string]map[string]string),
	}
	adapter.wire(wireDeps{dag: dag, worker: w, primary: p, certs: certs, pool: pl, committee: committee, onSign: v.observeSignature})
	return v
}

// Resume sets the round this Validator starts from, used after loading
// a persisted proposal cache / materializer tip at startup.
func (v *Validator) Resume(round uint64, lastBlockHash string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if round > v.round {
		v.round = round
	}
	v.lastBlockHash = lastBlockHash
}

func (v *Validator) observeSignature(headerID, signer, signature string) {
	v.mu.Lock()
	mine := v.primaryP.Cache().CurrentProposal
	if mine == nil || mine.HeaderID() != headerID {
		v.mu.Unlock()
		return
	}
	round := mine.Round
	if v.sigs[headerID] == nil {
		v.sigs[headerID] = make(map[string]string)
	}
	v.sigs[headerID][signer] = signature
	sigs := make(map[string]string, len(v.sigs[headerID]))
	for k, val := range v.sigs[headerID] {
		sigs[k] = val
	}
	v.mu.Unlock()

	committee, err := v.committee.CommitteeAt(round)
	if err != nil {
		logrus.WithField("round", round).WithError(err).Warn("validator: cannot resolve committee to check signature quorum")
		return
	}
	addrs := make(map[string]struct{}, len(sigs))
	for addr := range sigs {
		addrs[addr] = struct{}{}
	}
	if !committee.IsQuorumThresholdReached(addrs) {
		return
	}
	if _, err := v.primaryP.Certify(round, committee, sigs); err != nil {
		logrus.WithField("round", round).WithError(err).Warn("validator: certify failed once quorum signatures were gathered")
		return
	}
	v.mu.Lock()
	delete(v.sigs, headerID)
	v.mu.Unlock()
}

// Run drives round participation until ctx is canceled.
func (v *Validator) Run(ctx context.Context) error {
	v.primaryP.Recover()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := v.runRound(ctx); err != nil {
			if err == ctx.Err() {
				return err
			}
			logrus.WithError(err).Error("validator: round failed")
		}
	}
}

func (v *Validator) runRound(ctx context.Context) error {
	v.mu.Lock()
	round := v.round
	lastHash := v.lastBlockHash
	v.mu.Unlock()

	deadline := v.primaryP.RoundDeadline(time.Now())
	if _, err := v.primaryP.Propose(round, lastHash); err != nil {
		logrus.WithField("round", round).WithError(err).Warn("validator: propose deferred")
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if v.primaryP.State() == primary.Idle && round == v.cacheRound() {
				// Propose previously deferred for lack of parent quorum; retry.
				v.primaryP.Propose(round, lastHash)
			}
			if v.primaryP.State() == primary.Certified {
				committee, err := v.committee.CommitteeAt(round)
				if err == nil && v.primaryP.AdvanceIfQuorumVisible(round, committee) {
					v.afterRoundCertified(round)
					v.advanceRound(round + 1)
					return nil
				}
			}
			if time.Now().After(deadline) {
				v.primaryP.Timeout(round)
				if round%2 == 0 {
					v.bftEngine.SkipLeader(round)
				}
				v.advanceRound(round + 1)
				return nil
			}
		}
	}
}

func (v *Validator) cacheRound() uint64 {
	if p := v.primaryP.Cache().CurrentProposal; p != nil {
		return p.Round
	}
	return v.round
}

func (v *Validator) advanceRound(next uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if next > v.round {
		v.round = next
	}
}

// afterRoundCertified re-examines every even leader round above the
// last committed one whose support round is now certified (the leader
// at even round r commits once round r+1 holds f+1 supporters). Walking
// from the last committed round rather than checking only round-1 means
// a leader whose block attempt failed on a transient fetch error is
// retried on the next certified round instead of being dropped.
func (v *Validator) afterRoundCertified(round uint64) {
	if round < 3 {
		return
	}
	start := v.bftEngine.LastCommittedRound() + 2
	if start < 2 {
		start = 2
	}
	for leaderRound := start; leaderRound+1 <= round; leaderRound += 2 {
		v.tryCommitLeader(leaderRound)
	}
}

// tryCommitLeader runs the commit rule for leaderRound and, if the
// leader is committed, materializes its sub-DAG. The engine's commit
// bookkeeping is advanced only after the block has been applied, so a
// failed materialization leaves the sub-DAG intact for a later retry.
func (v *Validator) tryCommitLeader(leaderRound uint64) {
	committeeAtLeader, err := v.committee.CommitteeAt(leaderRound)
	if err != nil {
		logrus.WithField("round", leaderRound).WithError(err).Warn("validator: cannot resolve leader-round committee")
		return
	}
	committeeAtR1, err := v.committee.CommitteeAt(leaderRound + 1)
	if err != nil {
		logrus.WithField("round", leaderRound+1).WithError(err).Warn("validator: cannot resolve support-round committee")
		return
	}
	v.mu.Lock()
	lastHash := v.lastBlockHash
	v.mu.Unlock()

	leaderCert, err := v.bftEngine.TryCommit(leaderRound, committeeAtLeader, committeeAtR1, lastHash)
	if err != nil {
		logrus.WithField("round", leaderRound).WithError(err).Warn("validator: leader election failed")
		return
	}
	if leaderCert == nil {
		return
	}
	sub, err := v.bftEngine.Linearize(leaderCert)
	if err != nil {
		logrus.WithField("round", leaderRound).WithError(err).Error("validator: linearization failed")
		return
	}
	block, err := v.materializ.Materialize(sub, leaderCert.Author(), leaderCert.Round(), leaderCert.Author())
	if err != nil {
		logrus.WithField("round", leaderRound).WithError(err).Error("validator: block materialization failed, will retry on next certified round")
		return
	}
	v.bftEngine.Commit(sub)
	v.mu.Lock()
	v.lastBlockHash = block.Hash
	v.mu.Unlock()
}
