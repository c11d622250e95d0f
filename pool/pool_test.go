package pool

import (
	"testing"
	"time"

	"github.com/tolelom/dagbft/types"
)

func mustTransmission(t *testing.T, payload string) *types.Transmission {
	t.Helper()
	id := types.NewTransmissionID(types.KindTransaction, []byte(payload))
	return &types.Transmission{ID: id, Payload: []byte(payload)}
}

func TestInsertNewThenDuplicate(t *testing.T) {
	p := New()
	tx := mustTransmission(t, "alpha")

	if res := p.Insert(tx); res != Inserted {
		t.Fatalf("first insert = %v, want Inserted", res)
	}
	if res := p.Insert(tx); res != Duplicate {
		t.Fatalf("second insert = %v, want Duplicate", res)
	}
	if p.Size() != 1 {
		t.Fatalf("size = %d, want 1", p.Size())
	}
}

func TestInsertInvalidPayload(t *testing.T) {
	p := New()
	bad := &types.Transmission{ID: types.NewTransmissionID(types.KindTransaction, []byte("x")), Payload: nil}
	if res := p.Insert(bad); res != Invalid {
		t.Fatalf("insert empty payload = %v, want Invalid", res)
	}
}

func TestContains(t *testing.T) {
	p := New()
	tx := mustTransmission(t, "beta")
	if p.Contains(tx.ID) {
		t.Fatal("contains before insert should be false")
	}
	p.Insert(tx)
	if !p.Contains(tx.ID) {
		t.Fatal("contains after insert should be true")
	}
}

func TestDrainRespectsByteBudget(t *testing.T) {
	p := New()
	a := mustTransmission(t, "aaaaaaaaaa") // 10 bytes
	b := mustTransmission(t, "bbbbbbbbbb") // 10 bytes
	p.Insert(a)
	p.Insert(b)

	drained := p.Drain(10, 10)
	if len(drained) != 1 {
		t.Fatalf("drain with 10-byte budget returned %d items, want 1", len(drained))
	}
	if drained[0].ID.String() != a.ID.String() {
		t.Fatalf("drain did not preserve insertion order")
	}
}

func TestDrainRespectsMaxCount(t *testing.T) {
	p := New()
	for i := 0; i < 5; i++ {
		p.Insert(mustTransmission(t, string(rune('a'+i))))
	}
	drained := p.Drain(1<<20, 2)
	if len(drained) != 2 {
		t.Fatalf("drain with maxCount=2 returned %d items", len(drained))
	}
}

func TestRemove(t *testing.T) {
	p := New()
	tx := mustTransmission(t, "gamma")
	p.Insert(tx)
	p.Remove([]types.TransmissionID{tx.ID})
	if p.Contains(tx.ID) {
		t.Fatal("item still present after Remove")
	}
	if got := p.Drain(1<<20, 10); len(got) != 0 {
		t.Fatalf("drain after remove returned %d items, want 0", len(got))
	}
}

func TestPinPreventsEviction(t *testing.T) {
	p := New(WithMaxCount(1))
	first := mustTransmission(t, "pinned")
	p.Insert(first)
	p.Pin([]types.TransmissionID{first.ID})

	second := mustTransmission(t, "second")
	if res := p.Insert(second); res != Invalid {
		t.Fatalf("insert over a fully-pinned pool = %v, want Invalid (no room to evict)", res)
	}
	if !p.Contains(first.ID) {
		t.Fatal("pinned entry was evicted")
	}
}

func TestEvictExpired(t *testing.T) {
	p := New(WithTTL(time.Millisecond))
	tx := mustTransmission(t, "delta")
	p.Insert(tx)

	expired := p.EvictExpired(time.Now().Add(time.Hour))
	if len(expired) != 1 || expired[0].String() != tx.ID.String() {
		t.Fatalf("EvictExpired = %v, want [%s]", expired, tx.ID)
	}
	if p.Contains(tx.ID) {
		t.Fatal("expired entry still pooled")
	}
}

func TestEvictExpiredSkipsPinned(t *testing.T) {
	p := New(WithTTL(time.Millisecond))
	tx := mustTransmission(t, "epsilon")
	p.Insert(tx)
	p.Pin([]types.TransmissionID{tx.ID})

	expired := p.EvictExpired(time.Now().Add(time.Hour))
	if len(expired) != 0 {
		t.Fatalf("pinned entry was expired: %v", expired)
	}
}
