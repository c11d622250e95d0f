package syncer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/dagbft/gateway"
	"github.com/tolelom/dagbft/storage"
	"github.com/tolelom/dagbft/types"
)

// MaxBlockSyncCount caps how many block hashes a single sync-blocks
// response returns.
const MaxBlockSyncCount = 2000

// CertificateFetcher requests a certificate by id from a specific peer.
// Same shape as worker.PeerFetcher: certificate fetches are a direct
// peer-to-peer request, not part of the public wire-message table.
type CertificateFetcher interface {
	FetchCertificate(peerAddr, certID string) (*types.BatchCertificate, error)
}

// CertificateSource serves locally known certificates, fulfilled from
// the DAG.
type CertificateSource interface {
	GetByID(id string) (*types.BatchCertificate, bool)
}

// BlockSource serves locally known blocks, fulfilled from storage.
type BlockSource interface {
	GetBlock(hash string) (*types.Block, error)
	GetBlockByHeight(height int64) (*types.Block, error)
	GetTip() (string, error)
}

// DAGInserter accepts a fetched certificate back into the DAG once
// resolved.
type DAGInserter interface {
	Insert(cert *types.BatchCertificate) error
}

// CommitteeSource resolves the committee effective at a round, used to
// validate a peer-supplied certificate's signer quorum and signatures
// before it is trusted. An under-quorum certificate from a peer is a
// protocol violation, never silently accepted. Shared shape with
// primary.CommitteeSource.
type CommitteeSource interface {
	CommitteeAt(round uint64) (*types.Committee, error)
}

// BlockApplier persists blocks received via sync. A non-validator node
// runs only the sync subsystem plus the ledger and has no BFT engine
// producing blocks locally, so synced blocks are written straight to
// the block store instead of going through ledger.Materializer.
type BlockApplier interface {
	PutBlock(block *types.Block) error
	SetTip(hash string) error
}

// Syncer serves certificate and block sync requests, and drives
// fetching of certificates and blocks this node is missing.
type Syncer struct {
	node      *gateway.Node
	certs     CertificateSource
	blocks    BlockSource
	dag       DAGInserter
	committee CommitteeSource
	pending   *PendingRequests
	timeout   time.Duration

	applier BlockApplier
}

// SetBlockApplier wires a BlockApplier so incoming BlockResponse
// messages are persisted. Call during non-validator bootstrap;
// validators materialize blocks via their own BFT pipeline and normally
// leave this unset.
func (s *Syncer) SetBlockApplier(a BlockApplier) {
	s.applier = a
}

// New wires a Syncer to a gateway node plus the local DAG and block
// store, and registers its wire handlers. committee is used to validate
// certificates fetched from peers before they are inserted into the DAG.
func New(node *gateway.Node, certs CertificateSource, blocks BlockSource, dag DAGInserter, committee CommitteeSource) *Syncer {
	s := &Syncer{
		node:      node,
		certs:     certs,
		blocks:    blocks,
		dag:       dag,
		committee: committee,
		pending:   NewPendingRequests(),
		timeout:   10 * time.Second,
	}
	node.Handle(gateway.MsgBlockRequest, s.handleBlockRequest)
	node.Handle(gateway.MsgBlockResponse, s.handleBlockResponse)
	return s
}

// BlockLocators returns a log-scale sample of known block hashes
// (heights 1, 2, 4, 8, ..., tip) so a catching-up peer can find the
// most recent common ancestor cheaply.
func (s *Syncer) BlockLocators() ([]string, error) {
	tipHash, err := s.blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("get tip: %w", err)
	}
	if tipHash == "" {
		return nil, nil
	}
	tip, err := s.blocks.GetBlock(tipHash)
	if err != nil {
		return nil, fmt.Errorf("get tip block: %w", err)
	}

	var locators []string
	seen := make(map[int64]bool)
	for h := int64(1); h < tip.Header.Height; h *= 2 {
		if seen[h] {
			continue
		}
		seen[h] = true
		b, err := s.blocks.GetBlockByHeight(h)
		if err != nil {
			continue
		}
		locators = append(locators, b.Hash)
	}
	locators = append(locators, tip.Hash)
	return locators, nil
}

// SyncBlocks returns the list of block hashes from the most recent
// common ancestor in locatorHashes forward, capped at
// MaxBlockSyncCount.
func (s *Syncer) SyncBlocks(locatorHashes []string) ([]string, error) {
	ancestorHeight := int64(0)
	for _, hash := range locatorHashes {
		b, err := s.blocks.GetBlock(hash)
		if err != nil {
			continue
		}
		if b.Header.Height > ancestorHeight {
			ancestorHeight = b.Header.Height
		}
	}

	tipHash, err := s.blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("get tip: %w", err)
	}
	if tipHash == "" {
		return nil, nil
	}
	tip, err := s.blocks.GetBlock(tipHash)
	if err != nil {
		return nil, fmt.Errorf("get tip block: %w", err)
	}

	var hashes []string
	for h := ancestorHeight + 1; h <= tip.Header.Height && int64(len(hashes)) < MaxBlockSyncCount; h++ {
		b, err := s.blocks.GetBlockByHeight(h)
		if err != nil {
			break
		}
		hashes = append(hashes, b.Hash)
	}
	return hashes, nil
}

func (s *Syncer) handleBlockRequest(peer *gateway.Peer, msg gateway.Message) {
	var req gateway.BlockRequestPayload
	if err := decodePayload(msg, &req); err != nil {
		return
	}
	end := req.End
	if end-req.Start > MaxBlockSyncCount {
		end = req.Start + MaxBlockSyncCount
	}
	var raws []json.RawMessage
	for h := req.Start; h < end; h++ {
		b, err := s.blocks.GetBlockByHeight(h)
		if err != nil {
			break
		}
		data, err := json.Marshal(b)
		if err != nil {
			continue
		}
		raws = append(raws, data)
	}
	peer.Send(gateway.MsgBlockResponse, gateway.BlockResponsePayload{Blocks: raws})
}

func (s *Syncer) handleBlockResponse(peer *gateway.Peer, msg gateway.Message) {
	if s.applier == nil {
		return
	}
	var resp gateway.BlockResponsePayload
	if err := decodePayload(msg, &resp); err != nil {
		logrus.WithField("peer", peer.ID).WithError(err).Warn("syncer: malformed BlockResponse")
		return
	}
	for _, raw := range resp.Blocks {
		var b types.Block
		if err := json.Unmarshal(raw, &b); err != nil {
			logrus.WithField("peer", peer.ID).WithError(err).Warn("syncer: malformed block in BlockResponse")
			continue
		}
		if err := b.Validate(); err != nil {
			logrus.WithField("peer", peer.ID).WithError(err).Warn("syncer: rejecting invalid synced block")
			continue
		}
		if err := s.applier.PutBlock(&b); err != nil {
			logrus.WithField("peer", peer.ID).WithError(err).Error("syncer: failed to persist synced block")
			continue
		}
		if err := s.applier.SetTip(b.Hash); err != nil {
			logrus.WithField("peer", peer.ID).WithError(err).Error("syncer: failed to advance tip for synced block")
		}
	}
}

// RequestCertificate fetches a certificate by id, fanning in concurrent
// requests for the same id to a single network round-trip via
// PendingRequests.
func (s *Syncer) RequestCertificate(fetcher CertificateFetcher, peerAddr, certID string) (*types.BatchCertificate, error) {
	if cert, ok := s.certs.GetByID(certID); ok {
		return cert, nil
	}

	ch, shouldFetch := s.pending.Await(certID)
	if !shouldFetch {
		select {
		case cert, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("certificate request %s canceled", certID)
			}
			return cert, nil
		case <-time.After(s.timeout):
			return nil, fmt.Errorf("timed out waiting for certificate %s", certID)
		}
	}

	cert, err := fetcher.FetchCertificate(peerAddr, certID)
	if err != nil {
		s.pending.Cancel(certID)
		return nil, fmt.Errorf("fetch certificate %s from %s: %w", certID, peerAddr, err)
	}
	committee, err := s.committee.CommitteeAt(cert.Round())
	if err != nil {
		s.pending.Cancel(certID)
		return nil, fmt.Errorf("resolve committee for fetched certificate %s: %w", certID, err)
	}
	if err := cert.Validate(committee); err != nil {
		s.pending.Cancel(certID)
		return nil, fmt.Errorf("%w: fetched certificate %s failed quorum/signature validation: %v", types.ErrProtocolViolation, certID, err)
	}
	if err := s.dag.Insert(cert); err != nil {
		s.pending.Cancel(certID)
		return nil, fmt.Errorf("insert fetched certificate %s: %w", certID, err)
	}
	s.pending.Resolve(cert)
	return cert, nil
}

// ServeCertificateRequest answers a request for certID from local
// storage, returning (nil, false) if we don't have it either.
func (s *Syncer) ServeCertificateRequest(certID string) (*types.BatchCertificate, bool) {
	return s.certs.GetByID(certID)
}

func decodePayload(msg gateway.Message, v any) error {
	return json.Unmarshal(msg.Payload, v)
}

// compile-time interface satisfaction check for storage.DAG/BlockStore.
var (
	_ DAGInserter  = (*storage.DAG)(nil)
	_ BlockSource  = (*storage.BlockStore)(nil)
	_ BlockApplier = (*storage.BlockStore)(nil)
)
