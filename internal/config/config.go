// Package config loads the dedupd JSON configuration document.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ChunkingType selects the external chunker implementation.
type ChunkingType int

const (
	ChunkingFixed ChunkingType = iota
	ChunkingFastCDC
	ChunkingFSLTrace
	ChunkingUBCTrace
)

// ChunkingConfig is the chunking document.
type ChunkingConfig struct {
	ChunkingType     ChunkingType `json:"chunking_type"`
	MaxChunkSize     int          `json:"max_chunk_size"`
	AvgChunkSize     int          `json:"avg_chunk_size"`
	MinChunkSize     int          `json:"min_chunk_size"`
	SlidingWindowSize int         `json:"sliding_window_size"`
	ReadSize         int          `json:"read_size"`
}

// StorageConfig is the storage document.
type StorageConfig struct {
	RecipeRootPath   string `json:"recipe_root_path"`
	ContainerRootPath string `json:"container_root_path"`
	Fp2ChunkDBName   string `json:"fp2chunk_db_name"`
}

// RestoreConfig is the restore document.
type RestoreConfig struct {
	ReadCacheSize int `json:"read_cache_size"`
}

// TransportConfig is the transport document.
type TransportConfig struct {
	StorageServerIP    string `json:"storage_server_ip"`
	StorageServerPort  int    `json:"storage_server_port"`
	ClientID           uint32 `json:"client_id"`
	SendChunkBatchSize int    `json:"send_chunk_batch_size"`
	SendRecipeBatchSize int   `json:"send_recipe_batch_size"`
}

// CryptoConfig is the crypto document.
type CryptoConfig struct {
	LocalSecret string `json:"local_secret"`
}

// KeyOracleConfig is the optional key-oracle document.
type KeyOracleConfig struct {
	KeyServerIP   string `json:"key_server_ip"`
	KeyServerPort int    `json:"key_server_port"`
}

// AttestationConfig is the optional attestation document.
type AttestationConfig struct {
	SPID         string `json:"spid"`
	QuoteType    string `json:"quote_type"`
	IASServerType string `json:"ias_server_type"`
	IASPrimaryKey string `json:"ias_primary_key"`
	IASSecKey     string `json:"ias_sec_key"`
	IASVersion    string `json:"ias_version"`
}

// FreqIndexConfig is the freq index tuning document.
type FreqIndexConfig struct {
	TopKParam int `json:"top_k_param"` // thousands
}

// Config is the top-level JSON document.
type Config struct {
	Chunking     ChunkingConfig     `json:"chunking"`
	Storage      StorageConfig      `json:"storage"`
	Restore      RestoreConfig      `json:"restore"`
	Transport    TransportConfig    `json:"transport"`
	Crypto       CryptoConfig       `json:"crypto"`
	KeyOracle    *KeyOracleConfig   `json:"key_oracle,omitempty"`
	Attestation  *AttestationConfig `json:"attestation,omitempty"`
	FreqIndex    FreqIndexConfig    `json:"freq_index"`
}

// ErrInvalidBatchSizes is reported at startup when the
// recipe batch size is not a positive multiple of the chunk batch size.
var ErrInvalidBatchSizes = errors.New("config: send_recipe_batch_size must be a positive multiple of send_chunk_batch_size")

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Chunking: ChunkingConfig{
			ChunkingType:      ChunkingFastCDC,
			MaxChunkSize:      16 * 1024,
			AvgChunkSize:      8 * 1024,
			MinChunkSize:      2 * 1024,
			SlidingWindowSize: 64,
			ReadSize:          1 << 20,
		},
		Storage: StorageConfig{
			RecipeRootPath:    "./data/recipes",
			ContainerRootPath: "./data/containers",
			Fp2ChunkDBName:    "fp2chunk.db",
		},
		Restore: RestoreConfig{
			ReadCacheSize: 64,
		},
		Transport: TransportConfig{
			StorageServerIP:     "127.0.0.1",
			StorageServerPort:   9876,
			SendChunkBatchSize:  256,
			SendRecipeBatchSize: 1024,
		},
		Crypto: CryptoConfig{},
		FreqIndex: FreqIndexConfig{
			TopKParam: 64, // 64,000-entry top-K heap
		},
	}
}

// Load reads and parses a JSON config document at path, overlaying it
// onto DefaultConfig() so unspecified fields keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	chunkBatch := c.Transport.SendChunkBatchSize
	recipeBatch := c.Transport.SendRecipeBatchSize
	if chunkBatch <= 0 || recipeBatch <= 0 || recipeBatch%chunkBatch != 0 {
		return ErrInvalidBatchSizes
	}
	return nil
}

// TopK returns the configured top-K heap capacity in absolute entries
// (top_k_param counts in thousands).
func (c *Config) TopK() int {
	if c.FreqIndex.TopKParam <= 0 {
		return 64_000
	}
	return c.FreqIndex.TopKParam * 1000
}

// MasterKeySeed derives the per-file master-key seed as
// SHA256(local_secret).
func (c *Config) MasterKeySeed() [32]byte {
	return sha256.Sum256([]byte(c.Crypto.LocalSecret))
}
