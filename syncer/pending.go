// Package syncer implements the sync coordinator: certificate
// request/response, block locators, and capped sync-block responses. A
// non-validator node runs only this subsystem plus the ledger.
package syncer

import (
	"sync"

	"github.com/tolelom/dagbft/types"
)

// PendingRequests tracks in-flight certificate requests by id so a
// second request for the same id fans in to the first instead of
// issuing a duplicate network round-trip.
type PendingRequests struct {
	mu       sync.Mutex
	waiters  map[string][]chan *types.BatchCertificate
}

// NewPendingRequests returns an empty tracker.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{waiters: make(map[string][]chan *types.BatchCertificate)}
}

// Await registers interest in certID, returning (ch, true) if this
// caller is now the first/only waiter and must actually issue the
// request, or (ch, false) if a request is already in flight and this
// caller should just wait on ch.
func (p *PendingRequests) Await(certID string) (<-chan *types.BatchCertificate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *types.BatchCertificate, 1)
	existing, inFlight := p.waiters[certID]
	p.waiters[certID] = append(existing, ch)
	return ch, !inFlight
}

// Resolve delivers cert to every waiter on its certificate id and clears
// the pending entry.
func (p *PendingRequests) Resolve(cert *types.BatchCertificate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	certID := cert.CertificateID()
	for _, ch := range p.waiters[certID] {
		ch <- cert
		close(ch)
	}
	delete(p.waiters, certID)
}

// Cancel clears a pending entry without delivering a result (e.g. on
// timeout), so a later request for the same id is no longer considered
// in flight.
func (p *PendingRequests) Cancel(certID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.waiters[certID] {
		close(ch)
	}
	delete(p.waiters, certID)
}
