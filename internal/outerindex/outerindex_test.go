package outerindex

import (
	"testing"

	"dedupd/internal/container"
	"dedupd/internal/kvstore"
)

type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) Get(key []byte) ([]byte, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Put(key, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Close() error { return nil }

func TestInsertThenLookup(t *testing.T) {
	store := newMemStore()
	var queryKey [32]byte
	queryKey[0] = 1
	idx := New(store, queryKey)

	var fp [32]byte
	fp[0] = 7
	addr := container.Address{ContainerID: [8]byte{1, 2, 3}, Offset: 100, Length: 200}

	if err := idx.Insert(fp, addr); err != nil {
		t.Fatal(err)
	}

	got, found, err := idx.Lookup(fp)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected fingerprint to be found after insert")
	}
	if got != addr {
		t.Fatalf("got %+v, want %+v", got, addr)
	}
}

func TestLookupMiss(t *testing.T) {
	store := newMemStore()
	var queryKey [32]byte
	idx := New(store, queryKey)

	var fp [32]byte
	fp[0] = 42
	_, found, err := idx.Lookup(fp)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected miss for never-inserted fingerprint")
	}
}

func TestEqualFingerprintsEncryptToSameKey(t *testing.T) {
	storeA := newMemStore()
	storeB := newMemStore()
	var queryKey [32]byte
	queryKey[5] = 9
	idxA := New(storeA, queryKey)
	idxB := New(storeB, queryKey)

	var fp [32]byte
	fp[0] = 99
	addr := container.Address{Offset: 1, Length: 1}

	if err := idxA.Insert(fp, addr); err != nil {
		t.Fatal(err)
	}
	if err := idxB.Insert(fp, addr); err != nil {
		t.Fatal(err)
	}

	// Deterministic encryption: identical plaintext keys under the same
	// query key must produce identical encrypted keys across instances.
	for k := range storeA.data {
		if _, ok := storeB.data[k]; !ok {
			t.Fatalf("expected matching ciphertext key in both stores, missing %x", k)
		}
	}
}

func TestLookupBatch(t *testing.T) {
	store := newMemStore()
	var queryKey [32]byte
	idx := New(store, queryKey)

	var fpA, fpB [32]byte
	fpA[0], fpB[0] = 1, 2
	addrA := container.Address{Offset: 10}
	if err := idx.Insert(fpA, addrA); err != nil {
		t.Fatal(err)
	}

	results, err := idx.LookupBatch([][32]byte{fpA, fpB})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Found || results[0].Addr != addrA {
		t.Fatalf("expected fpA found with addrA, got %+v", results[0])
	}
	if results[1].Found {
		t.Fatal("expected fpB to be a miss")
	}
}
