// Package outerindex implements the OuterIndex: the persistent,
// cold-tier fingerprint→address map. Keys and values are deterministically
// encrypted under a process-wide index-query key (AES-CMC) so that equal
// plaintexts produce equal ciphertexts, keeping the map searchable while
// its contents at rest are never plaintext fingerprints or addresses.
package outerindex

import (
	"fmt"
	"sync"

	"dedupd/internal/container"
	"dedupd/internal/crypto"
	"dedupd/internal/kvstore"
)

// Index is the persistent fp→address map. A single read-write lock
// guards query/insert batches: concurrent queries, exclusive updates.
type Index struct {
	mu       sync.RWMutex
	store    kvstore.Store
	queryKey [32]byte

	// OnOp, when set before the index is shared, is called with
	// "lookup" or "insert" for every store operation.
	OnOp func(op string)
}

// New wraps a kvstore.Store with the deterministic encryption layer,
// using queryKey (the process-wide index-query key)
// for both key and value encryption.
func New(store kvstore.Store, queryKey [32]byte) *Index {
	return &Index{store: store, queryKey: queryKey}
}

// Lookup resolves fp to its stored address, reporting a miss (not an
// error) when the fingerprint has never been inserted.
func (idx *Index) Lookup(fp [32]byte) (container.Address, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lookupLocked(fp)
}

// Insert records a brand-new fingerprint→address mapping. OuterIndex
// entries are never deleted (garbage collection of orphaned chunks is
// a separate concern), so Insert
// always overwrites blindly rather than checking for a prior value —
// callers are expected to have already established (via LookupBatch)
// that the fingerprint is new.
func (idx *Index) Insert(fp [32]byte, addr container.Address) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.insertLocked(fp, addr)
}

func (idx *Index) insertLocked(fp [32]byte, addr container.Address) error {
	if idx.OnOp != nil {
		idx.OnOp("insert")
	}
	encKey, err := crypto.EncryptCMC(idx.queryKey[:], fp[:])
	if err != nil {
		return fmt.Errorf("outerindex: encrypt key: %w", err)
	}
	raw := addr.Encode()
	encVal, err := crypto.EncryptCMC(idx.queryKey[:], raw[:])
	if err != nil {
		return fmt.Errorf("outerindex: encrypt value: %w", err)
	}
	if err := idx.store.Put(encKey, encVal); err != nil {
		return fmt.Errorf("outerindex: put: %w", err)
	}
	return nil
}

// BatchResult is one entry's resolution from LookupBatch.
type BatchResult struct {
	Fingerprint [32]byte
	Addr        container.Address
	Found       bool
}

// LookupBatch resolves a whole batch of fingerprints under a single
// read-lock acquisition: one lock round per batch, not per chunk.
func (idx *Index) LookupBatch(fps [][32]byte) ([]BatchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	results := make([]BatchResult, len(fps))
	for i, fp := range fps {
		addr, found, err := idx.lookupLocked(fp)
		if err != nil {
			return nil, err
		}
		results[i] = BatchResult{Fingerprint: fp, Addr: addr, Found: found}
	}
	return results, nil
}

func (idx *Index) lookupLocked(fp [32]byte) (container.Address, bool, error) {
	if idx.OnOp != nil {
		idx.OnOp("lookup")
	}
	encKey, err := crypto.EncryptCMC(idx.queryKey[:], fp[:])
	if err != nil {
		return container.Address{}, false, fmt.Errorf("outerindex: encrypt key: %w", err)
	}
	encVal, err := idx.store.Get(encKey)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return container.Address{}, false, nil
		}
		return container.Address{}, false, fmt.Errorf("outerindex: get: %w", err)
	}
	plainVal, err := crypto.DecryptCMC(idx.queryKey[:], encVal)
	if err != nil {
		return container.Address{}, false, fmt.Errorf("outerindex: decrypt value: %w", err)
	}
	if len(plainVal) != 16 {
		return container.Address{}, false, fmt.Errorf("outerindex: corrupt value length %d", len(plainVal))
	}
	var raw [16]byte
	copy(raw[:], plainVal)
	return container.DecodeAddress(raw), true, nil
}

// InsertBatch persists a batch of new fingerprint→address insertions
// under a single write-lock acquisition.
//
// Callers that need probe+insert atomicity across a whole batch (to
// avoid a lost update on the first occurrence of a cross-tenant
// duplicate) should hold the lock across both a
// LookupBatch and this InsertBatch themselves via WithLock; this method
// alone only serializes the insert half.
func (idx *Index) InsertBatch(entries []BatchResult) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range entries {
		if !e.Found {
			continue
		}
		if err := idx.insertLocked(e.Fingerprint, e.Addr); err != nil {
			return err
		}
	}
	return nil
}

// WithLock runs fn with the outer index's write lock held for its
// entire duration, letting a caller implement stricter
// probe-then-insert atomicity without this package dictating which
// policy DedupCore uses.
func (idx *Index) WithLock(fn func(*LockedIndex) error) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return fn(&LockedIndex{idx: idx})
}

// LockedIndex exposes Lookup/Insert to a WithLock callback without
// re-acquiring idx.mu.
type LockedIndex struct {
	idx *Index
}

func (l *LockedIndex) Lookup(fp [32]byte) (container.Address, bool, error) {
	return l.idx.lookupLocked(fp)
}

func (l *LockedIndex) Insert(fp [32]byte, addr container.Address) error {
	return l.idx.insertLocked(fp, addr)
}
