// Package worker implements the per-validator worker: it seals
// transmission-pool contents into signed batches and serves fetch-by-id
// requests, falling back to peers when content is missing locally.
package worker

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/pool"
	"github.com/tolelom/dagbft/types"
)

// MaxBatchBytes bounds the payload bytes drained into a single batch.
const MaxBatchBytes = 2 * 1024 * 1024

// MaxBatchCount bounds the number of transmissions in a single batch.
const MaxBatchCount = 1024

// MaxConcurrentFetches bounds how many transmissions FetchAll resolves
// from peers at once. A sub-DAG's worth of missing ids must not open
// one goroutine per id against a single peer.
const MaxConcurrentFetches = 32

// Broadcaster sends a sealed batch header to peer workers. Implemented
// by the gateway in production; tests may supply a stub.
type Broadcaster interface {
	BroadcastBatchHeader(header *types.BatchHeader)
}

// PeerFetcher requests a transmission by id from a specific peer worker,
// used when a requested transmission is not in the local store.
type PeerFetcher interface {
	FetchTransmission(peerAddr string, id types.TransmissionID) (*types.Transmission, error)
}

// Worker seals pool contents into batches and serves fetch requests.
type Worker struct {
	address     string
	privKey     crypto.PrivateKey
	pool        *pool.Pool
	broadcaster Broadcaster
	fetcher     PeerFetcher

	mu      sync.RWMutex
	batches map[string]*types.BatchHeader // batch digest (header id) -> header
}

// New returns a Worker for address, drawing content from p.
func New(address string, priv crypto.PrivateKey, p *pool.Pool, b Broadcaster, f PeerFetcher) *Worker {
	return &Worker{
		address:     address,
		privKey:     priv,
		pool:        p,
		broadcaster: b,
		fetcher:     f,
		batches:     make(map[string]*types.BatchHeader),
	}
}

// ProposeBatch drains the pool (respecting MaxBatchBytes/MaxBatchCount),
// builds and signs a batch header referencing parentCertIDs, records it
// in the content-addressed batch store, broadcasts it to peer workers,
// and returns it. The caller (the primary)
// is responsible for pinning the drained transmissions in the pool until
// the resulting certificate lands or the proposal is abandoned.
func (w *Worker) ProposeBatch(round uint64, timestamp int64, parentCertIDs []string, previousBlockHash string) (*types.BatchHeader, []*types.Transmission, error) {
	drained := w.pool.Drain(MaxBatchBytes, MaxBatchCount)
	ids := make([]types.TransmissionID, len(drained))
	for i, t := range drained {
		ids[i] = t.ID
	}

	header := &types.BatchHeader{
		Author:               w.address,
		Round:                round,
		Timestamp:            timestamp,
		TransmissionIDs:      ids,
		ParentCertificateIDs: parentCertIDs,
		PreviousBlockHash:    previousBlockHash,
	}
	if err := header.Validate(); err != nil {
		return nil, nil, fmt.Errorf("build batch header: %w", err)
	}
	header.Sign(w.privKey)

	w.mu.Lock()
	w.batches[header.HeaderID()] = header
	w.mu.Unlock()

	if w.broadcaster != nil {
		w.broadcaster.BroadcastBatchHeader(header)
	}
	return header, drained, nil
}

// ObserveBatch records a batch header seen from another worker, so this
// worker can
// answer fetch requests for it even before it is certified.
func (w *Worker) ObserveBatch(header *types.BatchHeader) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches[header.HeaderID()] = header
}

// Fetch serves a transmission by id from the local pool; if absent and
// sourceWorker is non-empty, it forwards the request to that peer.
func (w *Worker) Fetch(id types.TransmissionID, sourceWorker string) (*types.Transmission, error) {
	if t, ok := w.pool.Get(id); ok {
		return t, nil
	}
	if sourceWorker == "" || w.fetcher == nil {
		return nil, fmt.Errorf("transmission %s not found locally and no peer to query", id)
	}
	t, err := w.fetcher.FetchTransmission(sourceWorker, id)
	if err != nil {
		return nil, fmt.Errorf("fetch %s from peer %s: %w", id, sourceWorker, err)
	}
	w.pool.Insert(t)
	return t, nil
}

// FetchAll resolves every id concurrently, bounded by
// MaxConcurrentFetches, and returns them in the canonical order the
// caller supplied: drain order is preserved downstream regardless of
// fetch completion order.
// If any id cannot be resolved the first such error is returned together
// with the transmissions that did resolve, compacted in input order (so
// positions no longer line up with ids).
func (w *Worker) FetchAll(ids []types.TransmissionID, sourceWorker string) ([]*types.Transmission, error) {
	out := make([]*types.Transmission, len(ids))
	var g errgroup.Group
	g.SetLimit(MaxConcurrentFetches)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			t, err := w.Fetch(id, sourceWorker)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", id, err)
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		compact := make([]*types.Transmission, 0, len(out))
		for _, t := range out {
			if t != nil {
				compact = append(compact, t)
			}
		}
		return compact, err
	}
	return out, nil
}

// BatchByID returns a previously proposed or observed header.
func (w *Worker) BatchByID(headerID string) (*types.BatchHeader, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.batches[headerID]
	return h, ok
}
