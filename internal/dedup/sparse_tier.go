package dedup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"dedupd/internal/container"
)

// HookZeroBits is the number of leading zero bits a fingerprint's first
// byte must have to qualify as a "hook" fingerprint.
const HookZeroBits = 4

// HookListCap bounds how many manifest ids are retained per hook,
// matching the "bounded by a cap-constant" behavior named in the
// Open Question about Sparse-Index manifest updates.
const HookListCap = 32

// TopKManifests is how many of a hook's most-recent manifests are
// unioned into the local dedup set on a hit.
const TopKManifests = 4

// SegmentSealThreshold is how many entries the in-progress manifest
// may accumulate before it is sealed mid-stream. Sealing continuously
// keeps the searchable working set bounded: only the current segment
// plus the hook-selected manifests are ever unioned into a probe.
const SegmentSealThreshold = 4096

func isHook(fp [32]byte) bool {
	return fp[0]>>(8-HookZeroBits) == 0
}

func hookKeyOf(fp [32]byte) [8]byte {
	var k [8]byte
	copy(k[:], fp[:8])
	return k
}

// SparseTier is the "Sparse-Index" variant: hook fingerprints
// index a short list of recent manifest ids; a probe hit loads the
// union of the top-K most recent manifests for any hook found among
// the probed fingerprints and resolves against that union, rather than
// consulting a global index.
type SparseTier struct {
	mu sync.RWMutex

	hooks     map[[8]byte][]uint64            // hook key -> manifest ids, most-recent-first
	manifests map[uint64]map[[32]byte]container.Address
	nextID    uint64

	// cur accumulates committed fingerprints until the segment seals
	// (at SegmentSealThreshold entries, at a file boundary, or at
	// shutdown), becoming the next manifest.
	cur map[[32]byte]container.Address
}

// NewSparseTier builds an empty Sparse-Index tier.
func NewSparseTier() *SparseTier {
	return &SparseTier{
		hooks:     make(map[[8]byte][]uint64),
		manifests: make(map[uint64]map[[32]byte]container.Address),
		cur:       make(map[[32]byte]container.Address),
	}
}

func (t *SparseTier) Probe(fps [][32]byte) ([]ProbeResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	union := make(map[[32]byte]container.Address)
	for k, v := range t.cur {
		union[k] = v
	}
	for _, fp := range fps {
		if !isHook(fp) {
			continue
		}
		ids := t.hooks[hookKeyOf(fp)]
		limit := len(ids)
		if limit > TopKManifests {
			limit = TopKManifests
		}
		for _, id := range ids[:limit] {
			for k, v := range t.manifests[id] {
				union[k] = v
			}
		}
	}

	out := make([]ProbeResult, len(fps))
	for i, fp := range fps {
		addr, found := union[fp]
		out[i] = ProbeResult{Fingerprint: fp, Addr: addr, Found: found}
	}
	return out, nil
}

func (t *SparseTier) Commit(insertions []Insertion) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ins := range insertions {
		t.cur[ins.Fingerprint] = ins.Addr
		if len(t.cur) >= SegmentSealThreshold {
			t.sealManifestLocked()
		}
	}
	return nil
}

// EndSegment seals the partial in-progress manifest at a file boundary,
// so a finished upload's segment becomes hook-addressable immediately
// rather than lingering in the unbounded current set.
func (t *SparseTier) EndSegment() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealManifestLocked()
}

// sealManifestLocked closes out the in-progress manifest, registers it
// under a fresh id, and threads that id onto every hook fingerprint it
// contains (capped at HookListCap, most-recent first). Per the Open
// Question, a manifest id is appended even if an identical manifest
// already exists for that hook — deduplicating here would not change
// observable behavior, so this keeps the simpler append-only form.
func (t *SparseTier) sealManifestLocked() {
	if len(t.cur) == 0 {
		return
	}
	id := t.nextID
	t.nextID++
	t.manifests[id] = t.cur
	for fp := range t.cur {
		if !isHook(fp) {
			continue
		}
		key := hookKeyOf(fp)
		list := append([]uint64{id}, t.hooks[key]...)
		if len(list) > HookListCap {
			list = list[:HookListCap]
		}
		t.hooks[key] = list
	}
	t.cur = make(map[[32]byte]container.Address)
}

const sparseStateFile = "sparse.state"

// Persist seals the in-progress manifest and writes every manifest plus
// the hook index to dir/sparse.state.
func (t *SparseTier) Persist(dir string) error {
	t.mu.Lock()
	t.sealManifestLocked()
	t.mu.Unlock()

	t.mu.RLock()
	defer t.mu.RUnlock()

	f, err := os.Create(filepath.Join(dir, sparseStateFile))
	if err != nil {
		return fmt.Errorf("dedup: persist sparse state: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if err := writeUint64(w, uint64(len(t.manifests))); err != nil {
		return err
	}
	for id, entries := range t.manifests {
		if err := writeUint64(w, id); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(len(entries))); err != nil {
			return err
		}
		for fp, addr := range entries {
			if _, err := w.Write(fp[:]); err != nil {
				return err
			}
			raw := addr.Encode()
			if _, err := w.Write(raw[:]); err != nil {
				return err
			}
		}
	}

	if err := writeUint64(w, uint64(len(t.hooks))); err != nil {
		return err
	}
	for key, ids := range t.hooks {
		if _, err := w.Write(key[:]); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(len(ids))); err != nil {
			return err
		}
		for _, id := range ids {
			if err := writeUint64(w, id); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// Load restores state written by Persist. A missing file is not an
// error.
func (t *SparseTier) Load(dir string) error {
	path := filepath.Join(dir, sparseStateFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dedup: load sparse state: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	manifestCount, err := readUint64(r)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.manifests = make(map[uint64]map[[32]byte]container.Address, manifestCount)
	var maxID uint64
	for i := uint64(0); i < manifestCount; i++ {
		id, err := readUint64(r)
		if err != nil {
			return err
		}
		if id >= maxID {
			maxID = id + 1
		}
		entryCount, err := readUint64(r)
		if err != nil {
			return err
		}
		entries := make(map[[32]byte]container.Address, entryCount)
		for j := uint64(0); j < entryCount; j++ {
			var fp [32]byte
			if _, err := readFull(r, fp[:]); err != nil {
				return err
			}
			var raw [16]byte
			if _, err := readFull(r, raw[:]); err != nil {
				return err
			}
			entries[fp] = container.DecodeAddress(raw)
		}
		t.manifests[id] = entries
	}

	hookCount, err := readUint64(r)
	if err != nil {
		return err
	}
	t.hooks = make(map[[8]byte][]uint64, hookCount)
	for i := uint64(0); i < hookCount; i++ {
		var key [8]byte
		if _, err := readFull(r, key[:]); err != nil {
			return err
		}
		idCount, err := readUint64(r)
		if err != nil {
			return err
		}
		ids := make([]uint64, idCount)
		for j := uint64(0); j < idCount; j++ {
			id, err := readUint64(r)
			if err != nil {
				return err
			}
			ids[j] = id
		}
		t.hooks[key] = ids
	}
	t.nextID = maxID
	t.cur = make(map[[32]byte]container.Address)
	return nil
}

var _ Tier = (*SparseTier)(nil)
