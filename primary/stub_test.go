package primary

import (
	"bytes"
	"sort"
	"sync"

	"github.com/tolelom/dagbft/storage"
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
