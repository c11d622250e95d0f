package storage

import (
	"bytes"
	"sort"
	"sync"
)

// memDB is a minimal in-memory DB used only by this package's tests, so
// storage tests don't depend on LevelDB being available on disk.
type memDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemDB() *memDB { return &memDB{data: make(map[string][]byte)} }

func (m *memDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *memDB) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *memDB) Close() error { return nil }

func (m *memDB) NewIterator(prefix []byte) Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &memIterator{db: m, keys: keys, idx: -1}
}

func (m *memDB) NewBatch() Batch {
	return &memBatch{db: m}
}

type memIterator struct {
	db   *memDB
	keys []string
	idx  int
}

func (it *memIterator) Next() bool {
	it.idx++
	return it.idx < len(it.keys)
}

func (it *memIterator) Key() []byte { return []byte(it.keys[it.idx]) }

func (it *memIterator) Value() []byte {
	it.db.mu.RLock()
	defer it.db.mu.RUnlock()
	return it.db.data[it.keys[it.idx]]
}

func (it *memIterator) Release()     {}
func (it *memIterator) Error() error { return nil }

type memBatch struct {
	db      *memDB
	sets    map[string][]byte
	deletes map[string]struct{}
}

func (b *memBatch) Set(key, value []byte) {
	if b.sets == nil {
		b.sets = make(map[string][]byte)
	}
	b.sets[string(key)] = append([]byte(nil), value...)
}

func (b *memBatch) Delete(key []byte) {
	if b.deletes == nil {
		b.deletes = make(map[string]struct{})
	}
	b.deletes[string(key)] = struct{}{}
}

func (b *memBatch) Write() error {
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

func (b *memBatch) Reset() {
	b.sets = nil
	b.deletes = nil
}
