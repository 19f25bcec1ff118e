package dedup

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"dedupd/internal/container"
)

// InEnclaveTier is the "In-Enclave" variant: a single shared
// fingerprint→address map held entirely in memory, with no outer tier
//. Appropriate for deployments small enough that the full dedup
// set fits in memory, trading the OuterIndex's disk tier for simplicity.
type InEnclaveTier struct {
	mu  sync.RWMutex
	m   map[[32]byte]container.Address
}

// NewInEnclaveTier builds an empty in-memory tier.
func NewInEnclaveTier() *InEnclaveTier {
	return &InEnclaveTier{m: make(map[[32]byte]container.Address)}
}

func (t *InEnclaveTier) Probe(fps [][32]byte) ([]ProbeResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ProbeResult, len(fps))
	for i, fp := range fps {
		addr, found := t.m[fp]
		out[i] = ProbeResult{Fingerprint: fp, Addr: addr, Found: found}
	}
	return out, nil
}

func (t *InEnclaveTier) Commit(insertions []Insertion) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ins := range insertions {
		t.m[ins.Fingerprint] = ins.Addr
	}
	return nil
}

const inEnclaveStateFile = "inenclave.map"

// Persist writes the full dedup map to dir/inenclave.map as an 8-byte
// little-endian record count followed by a flat sequence of
// (32-byte fingerprint, 16-byte address) records — the
// "full dedup map (In-Enclave)" sealed state.
func (t *InEnclaveTier) Persist(dir string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	f, err := os.Create(filepath.Join(dir, inEnclaveStateFile))
	if err != nil {
		return fmt.Errorf("dedup: persist in-enclave map: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(t.m)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}
	for fp, addr := range t.m {
		if _, err := w.Write(fp[:]); err != nil {
			return err
		}
		raw := addr.Encode()
		if _, err := w.Write(raw[:]); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Load reads back a map previously written by Persist. A missing file
// is not an error.
func (t *InEnclaveTier) Load(dir string) error {
	path := filepath.Join(dir, inEnclaveStateFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dedup: load in-enclave map: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var countBuf [8]byte
	if _, err := io.ReadFull(r,countBuf[:]); err != nil {
		return err
	}
	count := binary.LittleEndian.Uint64(countBuf[:])

	t.mu.Lock()
	defer t.mu.Unlock()
	t.m = make(map[[32]byte]container.Address, count)
	for i := uint64(0); i < count; i++ {
		var fp [32]byte
		if _, err := io.ReadFull(r,fp[:]); err != nil {
			return err
		}
		var raw [16]byte
		if _, err := io.ReadFull(r,raw[:]); err != nil {
			return err
		}
		t.m[fp] = container.DecodeAddress(raw)
	}
	return nil
}

var _ Tier = (*InEnclaveTier)(nil)
