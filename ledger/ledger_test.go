package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/events"
	"github.com/tolelom/dagbft/storage"
	"github.com/tolelom/dagbft/types"
)

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

type stubFetcher struct {
	transmissions map[string]*types.Transmission

	// failures makes the first N FetchAll calls fail, simulating
	// transmissions a peer has not gossiped yet.
	failures int
	calls    int
}

func (s *stubFetcher) FetchAll(ids []types.TransmissionID, sourceWorker string) ([]*types.Transmission, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, fmt.Errorf("transmission not yet available")
	}
	out := make([]*types.Transmission, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.transmissions[id.String()])
	}
	return out, nil
}

func TestMaterializeFirstBlock(t *testing.T) {
	db := newStubDB()
	dag, _ := storage.NewDAG(db, nil)
	store := storage.NewBlockStore(db)
	priv, _, _ := crypto.GenerateKeyPair()
	members := map[string]uint64{priv.Public().Hex(): 1, "b": 1, "c": 1, "d": 1}
	committee, _ := types.NewCommittee(1, members)
	mock := NewMockLedgerService(committee)

	tx := &types.Transmission{ID: types.NewTransmissionID(types.KindTransaction, []byte("a")), Payload: []byte("a")}
	fetcher := &stubFetcher{transmissions: map[string]*types.Transmission{tx.ID.String(): tx}}

	m := New(store, dag, mock, fetcher, priv, events.NewEmitter(), 10)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	header := types.BatchHeader{Author: priv.Public().Hex(), Round: 2, TransmissionIDs: []types.TransmissionID{tx.ID}}
	cert := types.BatchCertificate{Header: header}
	sub := &types.SubDAG{LeaderCertificateID: cert.CertificateID(), Certificates: []types.BatchCertificate{cert}}

	block, err := m.Materialize(sub, priv.Public().Hex(), 2, "")
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if block.Header.Height != 1 {
		t.Fatalf("height = %d, want 1", block.Header.Height)
	}
	if len(block.AcceptedTransactions) != 1 {
		t.Fatalf("accepted = %v, want 1 transaction", block.AcceptedTransactions)
	}
	if m.Tip().Hash != block.Hash {
		t.Fatal("tip not updated after Materialize")
	}
}

func TestMaterializeRetriesTransientFetchFailure(t *testing.T) {
	db := newStubDB()
	dag, _ := storage.NewDAG(db, nil)
	store := storage.NewBlockStore(db)
	priv, _, _ := crypto.GenerateKeyPair()
	committee, _ := types.NewCommittee(1, map[string]uint64{priv.Public().Hex(): 1, "b": 1, "c": 1, "d": 1})
	mock := NewMockLedgerService(committee)

	tx := &types.Transmission{ID: types.NewTransmissionID(types.KindTransaction, []byte("late")), Payload: []byte("late")}
	fetcher := &stubFetcher{
		transmissions: map[string]*types.Transmission{tx.ID.String(): tx},
		failures:      1,
	}

	m := New(store, dag, mock, fetcher, priv, events.NewEmitter(), 10)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	header := types.BatchHeader{Author: priv.Public().Hex(), Round: 2, TransmissionIDs: []types.TransmissionID{tx.ID}}
	cert := types.BatchCertificate{Header: header}
	sub := &types.SubDAG{LeaderCertificateID: cert.CertificateID(), Certificates: []types.BatchCertificate{cert}}

	block, err := m.Materialize(sub, priv.Public().Hex(), 2, "")
	if err != nil {
		t.Fatalf("Materialize should survive one failed fetch: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("FetchAll called %d times, want 2 (one failure, one retry)", fetcher.calls)
	}
	if len(block.AcceptedTransactions) != 1 {
		t.Fatalf("accepted = %v, want the retried transmission", block.AcceptedTransactions)
	}
}

func TestMaterializePersistentFetchFailureIsLiveness(t *testing.T) {
	db := newStubDB()
	dag, _ := storage.NewDAG(db, nil)
	store := storage.NewBlockStore(db)
	priv, _, _ := crypto.GenerateKeyPair()
	committee, _ := types.NewCommittee(1, map[string]uint64{priv.Public().Hex(): 1, "b": 1, "c": 1, "d": 1})
	mock := NewMockLedgerService(committee)

	tx := &types.Transmission{ID: types.NewTransmissionID(types.KindTransaction, []byte("gone")), Payload: []byte("gone")}
	fetcher := &stubFetcher{failures: fetchAttempts + 1}

	m := New(store, dag, mock, fetcher, priv, events.NewEmitter(), 10)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	header := types.BatchHeader{Author: priv.Public().Hex(), Round: 2, TransmissionIDs: []types.TransmissionID{tx.ID}}
	cert := types.BatchCertificate{Header: header}
	sub := &types.SubDAG{LeaderCertificateID: cert.CertificateID(), Certificates: []types.BatchCertificate{cert}}

	_, err := m.Materialize(sub, priv.Public().Hex(), 2, "")
	if !errors.Is(err, types.ErrLiveness) {
		t.Fatalf("err = %v, want ErrLiveness after exhausting fetch attempts", err)
	}
	if fetcher.calls != fetchAttempts {
		t.Fatalf("FetchAll called %d times, want %d", fetcher.calls, fetchAttempts)
	}
	if m.Height() != 0 {
		t.Fatalf("height advanced to %d on a failed block attempt", m.Height())
	}
}

func TestMockLedgerPrecheckRejectsDuplicateOnChain(t *testing.T) {
	committee, _ := types.NewCommittee(1, map[string]uint64{"a": 1, "b": 1, "c": 1, "d": 1})
	mock := NewMockLedgerService(committee)
	tx := &types.Transmission{ID: types.NewTransmissionID(types.KindTransaction, []byte("x")), Payload: []byte("x")}

	if d := mock.Precheck(tx, map[string]bool{}); d != Accepted {
		t.Fatalf("first precheck = %v, want Accepted", d)
	}

	block := &types.Block{Header: types.BlockHeader{Height: 1}, AcceptedTransactions: []types.TransmissionID{tx.ID}}
	mock.Apply(block)

	if d := mock.Precheck(tx, map[string]bool{}); d != Aborted {
		t.Fatalf("precheck after on-chain apply = %v, want Aborted", d)
	}
}
