package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tolelom/dagbft/metrics"
	"github.com/tolelom/dagbft/types"
)

// EquivocationEvidence records that two differing certified headers were
// observed from the same author at the same round. Equivocation is
// detected here, not prevented at the wire level.
type EquivocationEvidence struct {
	Author   string               `json:"author"`
	Round    uint64               `json:"round"`
	Headers  []types.BatchHeader  `json:"headers"`
}

// CommitteeSource resolves the committee effective at a round, used by
// Insert to check that a certificate's parents carry quorum stake.
// Shared shape with primary.CommitteeSource.
type CommitteeSource interface {
	CommitteeAt(round uint64) (*types.Committee, error)
}

// DAG is the durable store of certificates indexed by round and author:
// an in-memory round->author->certificate index for the read path,
// backed by db for durability. A single mutex guards both; critical
// sections stay to map operations.
type DAG struct {
	db        DB
	committee CommitteeSource

	mu           sync.RWMutex
	byRound      map[uint64]map[string]*types.BatchCertificate // round -> author -> cert
	equivocation []EquivocationEvidence
	gcHorizon    uint64 // lowest round still retained

	// banned holds, per round, the set of authors caught equivocating at
	// that round; any further message from them at that round is
	// rejected. Entries are dropped with their round on GC since bans
	// are scoped to the round, not the whole epoch's lifetime in memory.
	banned map[uint64]mapset.Set[string]
}

const (
	keyPrefixCert   = "dag:cert:"
	keyPrefixRound  = "dag:round:" // round -> committed flag, for GC bookkeeping
)

// NewDAG opens a DAG store over db, replaying any persisted
// certificates into the in-memory index. committee gates Insert's
// parent-quorum check; a nil source skips it, for tests that assemble
// partial DAGs by hand.
func NewDAG(db DB, committee CommitteeSource) (*DAG, error) {
	d := &DAG{
		db:        db,
		committee: committee,
		byRound:   make(map[uint64]map[string]*types.BatchCertificate),
		banned:    make(map[uint64]mapset.Set[string]),
	}
	it := db.NewIterator([]byte(keyPrefixCert))
	defer it.Release()
	for it.Next() {
		var cert types.BatchCertificate
		if err := json.Unmarshal(it.Value(), &cert); err != nil {
			return nil, fmt.Errorf("decode persisted certificate: %w", err)
		}
		d.indexLocked(&cert)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return d, nil
}

func certKey(round uint64, author string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", keyPrefixCert, round, author))
}

func (d *DAG) indexLocked(cert *types.BatchCertificate) {
	round := cert.Round()
	if d.byRound[round] == nil {
		d.byRound[round] = make(map[string]*types.BatchCertificate)
	}
	d.byRound[round][cert.Author()] = cert
}

// Insert persists and indexes cert. Idempotent for a repeated identical
// certificate. A second, differing certified header from the same
// author at the same round is equivocation: the evidence (both headers)
// is recorded but the new certificate is dropped; only the first
// certificate admitted at (round, author) is ever authoritative.
func (d *DAG) Insert(cert *types.BatchCertificate) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cert.Round() < d.gcHorizon {
		return fmt.Errorf("%w: certificate round %d is below GC horizon %d", types.ErrProtocolViolation, cert.Round(), d.gcHorizon)
	}

	if existing, ok := d.byRound[cert.Round()][cert.Author()]; ok {
		if existing.CertificateID() == cert.CertificateID() {
			return nil
		}
		d.equivocation = append(d.equivocation, EquivocationEvidence{
			Author:  cert.Author(),
			Round:   cert.Round(),
			Headers: []types.BatchHeader{existing.Header, cert.Header},
		})
		if d.banned[cert.Round()] == nil {
			d.banned[cert.Round()] = mapset.NewSet[string]()
		}
		d.banned[cert.Round()].Add(cert.Author())
		metrics.Default.Inc(metrics.CounterEquivocations, 1)
		return nil
	}

	if err := d.checkParentQuorumLocked(cert); err != nil {
		return err
	}

	data, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("marshal certificate: %w", err)
	}
	if err := d.db.Set(certKey(cert.Round(), cert.Author()), data); err != nil {
		return fmt.Errorf("persist certificate: %w", err)
	}
	d.indexLocked(cert)
	return nil
}

// checkParentQuorumLocked rejects a certificate whose parent references
// do not resolve to round-1 certificates carrying quorum stake. The
// check is skipped when round-1 is below the GC horizon (the parents
// were legitimately pruned) and when no committee source is wired.
func (d *DAG) checkParentQuorumLocked(cert *types.BatchCertificate) error {
	round := cert.Round()
	if d.committee == nil || round <= 1 || round-1 < d.gcHorizon {
		return nil
	}
	committee, err := d.committee.CommitteeAt(round - 1)
	if err != nil {
		return fmt.Errorf("resolve committee at round %d: %w", round-1, err)
	}
	parentRound := d.byRound[round-1]
	authors := make(map[string]struct{}, len(cert.Header.ParentCertificateIDs))
	for _, parentID := range cert.Header.ParentCertificateIDs {
		for _, candidate := range parentRound {
			if candidate.CertificateID() == parentID {
				authors[candidate.Author()] = struct{}{}
				break
			}
		}
	}
	if !committee.IsQuorumThresholdReached(authors) {
		return fmt.Errorf("%w: certificate %s parents do not satisfy quorum at round %d", types.ErrProtocolViolation, cert.CertificateID(), round-1)
	}
	return nil
}

// Get returns the certificate from author at round, if present.
func (d *DAG) Get(round uint64, author string) (*types.BatchCertificate, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cert, ok := d.byRound[round][author]
	return cert, ok
}

// Contains reports whether a certificate from author is known at round.
func (d *DAG) Contains(round uint64, author string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byRound[round][author]
	return ok
}

// GetByID scans the known rounds for a certificate matching id. Used
// rarely (sync responses, evidence lookups); callers that know the round
// should prefer Get.
func (d *DAG) GetByID(id string) (*types.BatchCertificate, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, byAuthor := range d.byRound {
		for _, cert := range byAuthor {
			if cert.CertificateID() == id {
				return cert, true
			}
		}
	}
	return nil, false
}

// Parents resolves cert's parent certificate ids against round-1,
// returning only those found in storage.
func (d *DAG) Parents(cert *types.BatchCertificate) []*types.BatchCertificate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if cert.Round() == 0 {
		return nil
	}
	parentRound := d.byRound[cert.Round()-1]
	out := make([]*types.BatchCertificate, 0, len(cert.Header.ParentCertificateIDs))
	for _, parentID := range cert.Header.ParentCertificateIDs {
		for _, candidate := range parentRound {
			if candidate.CertificateID() == parentID {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// PendingCertificates returns every stored certificate, for crash
// recovery.
func (d *DAG) PendingCertificates() []*types.BatchCertificate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*types.BatchCertificate
	for _, byAuthor := range d.byRound {
		for _, cert := range byAuthor {
			out = append(out, cert)
		}
	}
	return out
}

// RoundCertificates returns every certificate known at round.
func (d *DAG) RoundCertificates(round uint64) []*types.BatchCertificate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*types.BatchCertificate, 0, len(d.byRound[round]))
	for _, cert := range d.byRound[round] {
		out = append(out, cert)
	}
	return out
}

// Equivocations returns all equivocation evidence collected so far.
func (d *DAG) Equivocations() []EquivocationEvidence {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]EquivocationEvidence, len(d.equivocation))
	copy(out, d.equivocation)
	return out
}

// IsBanned reports whether author was caught equivocating at round and
// should have any further message from them at that round rejected.
func (d *DAG) IsBanned(round uint64, author string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set, ok := d.banned[round]
	return ok && set.Contains(author)
}

// GC removes every round strictly below horizon from the in-memory
// index and durable store. GC is monotonic: a horizon lower than the
// current one indicates a caller bug and is rejected rather than
// silently ignored.
func (d *DAG) GC(horizon uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if horizon < d.gcHorizon {
		return fmt.Errorf("%w: GC horizon must not decrease: have %d, got %d", types.ErrProtocolViolation, d.gcHorizon, horizon)
	}
	for round, byAuthor := range d.byRound {
		if round >= horizon {
			continue
		}
		for author := range byAuthor {
			if err := d.db.Delete(certKey(round, author)); err != nil {
				return fmt.Errorf("gc delete round %d author %s: %w", round, author, err)
			}
		}
		delete(d.byRound, round)
		delete(d.banned, round)
	}
	d.gcHorizon = horizon
	metrics.Default.Set(metrics.GaugeGCHorizon, int64(horizon))
	return nil
}

// GCHorizon returns the lowest round still retained.
func (d *DAG) GCHorizon() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gcHorizon
}
