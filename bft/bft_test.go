package bft

import (
	"bytes"
	"sort"
	"sync"
	"testing"

	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/storage"
	"github.com/tolelom/dagbft/types"
)

// stubDB is a minimal in-memory storage.DB for this package's tests.
type stubDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newStubDB() *stubDB { return &stubDB{data: make(map[string][]byte)} }

func (d *stubDB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}
func (d *stubDB) Set(key, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[string(key)] = append([]byte(nil), value...)
	return nil
}
func (d *stubDB) Delete(key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data, string(key))
	return nil
}
func (d *stubDB) Close() error { return nil }
func (d *stubDB) NewIterator(prefix []byte) storage.Iterator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var keys []string
	for k := range d.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &stubIterator{db: d, keys: keys, idx: -1}
}
func (d *stubDB) NewBatch() storage.Batch { return &stubBatch{db: d} }

type stubIterator struct {
	db   *stubDB
	keys []string
	idx  int
}

func (it *stubIterator) Next() bool {
	it.idx++
	return it.idx < len(it.keys)
}
func (it *stubIterator) Key() []byte { return []byte(it.keys[it.idx]) }
func (it *stubIterator) Value() []byte {
	it.db.mu.RLock()
	defer it.db.mu.RUnlock()
	return it.db.data[it.keys[it.idx]]
}
func (it *stubIterator) Release()     {}
func (it *stubIterator) Error() error { return nil }

type stubBatch struct {
	db      *stubDB
	sets    map[string][]byte
	deletes map[string]struct{}
}

func (b *stubBatch) Set(key, value []byte) {
	if b.sets == nil {
		b.sets = make(map[string][]byte)
	}
	b.sets[string(key)] = append([]byte(nil), value...)
}
func (b *stubBatch) Delete(key []byte) {
	if b.deletes == nil {
		b.deletes = make(map[string]struct{})
	}
	b.deletes[string(key)] = struct{}{}
}
func (b *stubBatch) Write() error {
	for k, v := range b.sets {
		if err := b.db.Set([]byte(k), v); err != nil {
			return err
		}
	}
	for k := range b.deletes {
		if err := b.db.Delete([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}
func (b *stubBatch) Reset() {
	b.sets = nil
	b.deletes = nil
}

func fourMemberCommittee(t *testing.T, round uint64) (*types.Committee, []string) {
	t.Helper()
	addrs := make([]string, 4)
	for i := range addrs {
		priv, _, _ := crypto.GenerateKeyPair()
		addrs[i] = priv.Public().Hex()
	}
	members := map[string]uint64{addrs[0]: 1, addrs[1]: 1, addrs[2]: 1, addrs[3]: 1}
	committee, err := types.NewCommittee(round, members)
	if err != nil {
		t.Fatalf("NewCommittee: %v", err)
	}
	return committee, addrs
}

func certAt(author string, round uint64, parents []string) *types.BatchCertificate {
	header := types.BatchHeader{Author: author, Round: round, ParentCertificateIDs: parents}
	return &types.BatchCertificate{Header: header, Signatures: map[string]string{author: "sig"}}
}

func TestElectLeaderDeterministic(t *testing.T) {
	committee, _ := fourMemberCommittee(t, 2)
	l1, err := ElectLeader(committee, 2, "block-hash")
	if err != nil {
		t.Fatalf("ElectLeader: %v", err)
	}
	l2, _ := ElectLeader(committee, 2, "block-hash")
	if l1 != l2 {
		t.Fatal("ElectLeader is not deterministic for identical inputs")
	}
}

func TestElectLeaderRejectsOddRound(t *testing.T) {
	committee, _ := fourMemberCommittee(t, 1)
	if _, err := ElectLeader(committee, 3, "h"); err == nil {
		t.Fatal("ElectLeader should reject an odd round")
	}
}

func TestTryCommitRequiresAvailabilityThreshold(t *testing.T) {
	dag, err := storage.NewDAG(newStubDB(), nil)
	if err != nil {
		t.Fatalf("NewDAG: %v", err)
	}
	committee, addrs := fourMemberCommittee(t, 2)
	leaderAddr, err := ElectLeader(committee, 2, "h")
	if err != nil {
		t.Fatalf("ElectLeader: %v", err)
	}
	leaderCert := certAt(leaderAddr, 2, nil)
	dag.Insert(leaderCert)

	engine := New(dag, nil)

	// No round-3 certificates yet: commit rule must not fire.
	committed, err := engine.TryCommit(2, committee, committee, "h")
	if err != nil {
		t.Fatalf("TryCommit: %v", err)
	}
	if committed != nil {
		t.Fatal("leader committed with no round+1 support")
	}

	// Insert enough round-3 certificates citing the leader as a parent to
	// reach the f+1 availability threshold (threshold = 2 of 4 stake).
	leaderID := leaderCert.CertificateID()
	supporterCount := 0
	for _, a := range addrs {
		if a == leaderAddr {
			continue
		}
		dag.Insert(certAt(a, 3, []string{leaderID}))
		supporterCount++
		if supporterCount >= 2 {
			break
		}
	}

	committed, err = engine.TryCommit(2, committee, committee, "h")
	if err != nil {
		t.Fatalf("TryCommit: %v", err)
	}
	if committed == nil {
		t.Fatal("leader should be committed once availability threshold is reached")
	}
}

func TestLinearizeOrdersDeterministically(t *testing.T) {
	dag, _ := storage.NewDAG(newStubDB(), nil)
	committee, addrs := fourMemberCommittee(t, 1)
	_ = committee

	round1Cert := certAt(addrs[0], 1, nil)
	dag.Insert(round1Cert)
	leaderCert := certAt(addrs[1], 2, []string{round1Cert.CertificateID()})
	dag.Insert(leaderCert)

	engine := New(dag, nil)
	sub, err := engine.Linearize(leaderCert)
	if err != nil {
		t.Fatalf("Linearize: %v", err)
	}
	if len(sub.Certificates) != 2 {
		t.Fatalf("sub-DAG has %d certificates, want 2", len(sub.Certificates))
	}
	if sub.Certificates[0].Round() != 1 || sub.Certificates[1].Round() != 2 {
		t.Fatalf("sub-DAG not ordered by round ascending: %+v", sub.Certificates)
	}

	engine.Commit(sub)
	if engine.LastCommittedRound() != 2 {
		t.Fatalf("LastCommittedRound = %d, want 2", engine.LastCommittedRound())
	}
	if _, err := engine.Linearize(leaderCert); err == nil {
		t.Fatal("re-linearizing an already-committed certificate should fail")
	}
}

func TestLinearizeRetriesUntilCommit(t *testing.T) {
	dag, _ := storage.NewDAG(newStubDB(), nil)
	_, addrs := fourMemberCommittee(t, 1)

	round1Cert := certAt(addrs[0], 1, nil)
	dag.Insert(round1Cert)
	leaderCert := certAt(addrs[1], 2, []string{round1Cert.CertificateID()})
	dag.Insert(leaderCert)

	engine := New(dag, nil)

	// A block attempt that fails (e.g. a transmission fetch timeout)
	// discards the sub-DAG without calling Commit; the same leader must
	// linearize again, identically, on the next attempt.
	first, err := engine.Linearize(leaderCert)
	if err != nil {
		t.Fatalf("first Linearize: %v", err)
	}
	second, err := engine.Linearize(leaderCert)
	if err != nil {
		t.Fatalf("Linearize after a failed block attempt: %v", err)
	}
	if len(first.Certificates) != len(second.Certificates) {
		t.Fatalf("retried linearization differs: %d vs %d certificates", len(first.Certificates), len(second.Certificates))
	}
	for i := range first.Certificates {
		if first.Certificates[i].CertificateID() != second.Certificates[i].CertificateID() {
			t.Fatalf("retried linearization reordered certificate %d", i)
		}
	}
	if engine.LastCommittedRound() != 0 {
		t.Fatalf("LastCommittedRound advanced to %d without a Commit", engine.LastCommittedRound())
	}

	engine.Commit(second)
	if _, err := engine.Linearize(leaderCert); err == nil {
		t.Fatal("leader must not linearize again once committed")
	}
}
