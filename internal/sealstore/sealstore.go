// Package sealstore implements Persistence: sealing the enclave
// data key and index-query key as a single blob, plus aggregate
// statistics, to disk on shutdown and reading them back on boot. The
// sketch counters and top-K heap go to a separate freq.state file via
// SaveFreqState/LoadFreqState. Tier variant state (the in-enclave map,
// bin/hook indices) is written separately by each Tier.Persist/Load
// implementation into the same directory.
package sealstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dedupd/internal/crypto"
)

// Stats are the aggregate counters the server accumulates: each
// upload's Core counts per batch, and the session manager adds those
// counts to its totals when the upload's recipe is finalized. The
// totals are exposed over the metrics endpoint and sealed to disk.
type Stats struct {
	ChunksSeen   uint64 `json:"chunks_seen"`
	ChunksUnique uint64 `json:"chunks_unique"`
	BytesStored  uint64 `json:"bytes_stored"`
}

// DedupRatio returns the fraction of chunks that were deduplicated
// (1 - unique/seen), or 0 before any chunk has been seen.
func (s Stats) DedupRatio() float64 {
	if s.ChunksSeen == 0 {
		return 0
	}
	return 1 - float64(s.ChunksUnique)/float64(s.ChunksSeen)
}

// sealedPayload is what actually gets encrypted: the 64-byte key blob
// (data key || index-query key) plus the stats document, so a single
// passphrase-derived key protects both.
type sealedPayload struct {
	DataKey  [32]byte `json:"data_key"`
	QueryKey [32]byte `json:"query_key"`
	Stats    Stats    `json:"stats"`
}

const keystoreFileName = "enclave.keystore"

// Seal writes dataKey, queryKey, and stats to dir/enclave.keystore,
// encrypted under passphrase via crypto.SaveKey's Argon2id+AES-256-GCM
// envelope. An empty passphrase stores the blob unencrypted, matching
// crypto.SaveKey's documented test-only escape hatch.
func Seal(dir, passphrase string, dataKey, queryKey [32]byte, stats Stats) error {
	payload := sealedPayload{DataKey: dataKey, QueryKey: queryKey, Stats: stats}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sealstore: marshal: %w", err)
	}
	path := filepath.Join(dir, keystoreFileName)
	if err := crypto.SaveKey(data, path, passphrase); err != nil {
		return fmt.Errorf("sealstore: seal: %w", err)
	}
	return nil
}

// Load reads back a blob previously written by Seal. Absence of the
// file is not an error: it returns ok=false and the caller generates
// fresh keys.
func Load(dir, passphrase string) (dataKey, queryKey [32]byte, stats Stats, ok bool, err error) {
	path := filepath.Join(dir, keystoreFileName)
	if passphrase == "" {
		path += ".insecure"
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return dataKey, queryKey, stats, false, nil
	}

	raw, err := crypto.LoadKey(path, passphrase)
	if err != nil {
		return dataKey, queryKey, stats, false, fmt.Errorf("sealstore: load: %w", err)
	}
	var payload sealedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return dataKey, queryKey, stats, false, fmt.Errorf("sealstore: corrupt blob: %w", err)
	}
	return payload.DataKey, payload.QueryKey, payload.Stats, true, nil
}
