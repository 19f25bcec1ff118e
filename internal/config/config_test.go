package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsNonMultipleBatchSizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.SendChunkBatchSize = 256
	cfg.Transport.SendRecipeBatchSize = 1000 // not a multiple of 256
	if err := cfg.Validate(); err != ErrInvalidBatchSizes {
		t.Fatalf("expected ErrInvalidBatchSizes, got %v", err)
	}
}

func TestLoadOverlaysJSONOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	overlay := map[string]any{
		"crypto": map[string]any{"local_secret": "s3cr3t"},
		"transport": map[string]any{
			"storage_server_ip":      "10.0.0.1",
			"storage_server_port":    9000,
			"send_chunk_batch_size":  128,
			"send_recipe_batch_size": 512,
		},
	}
	data, err := json.Marshal(overlay)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Crypto.LocalSecret != "s3cr3t" {
		t.Fatalf("local secret not loaded: %+v", cfg.Crypto)
	}
	if cfg.Transport.StorageServerIP != "10.0.0.1" || cfg.Transport.StorageServerPort != 9000 {
		t.Fatalf("transport overlay not applied: %+v", cfg.Transport)
	}
	// Unspecified fields keep their defaults.
	if cfg.Restore.ReadCacheSize != DefaultConfig().Restore.ReadCacheSize {
		t.Fatalf("unspecified field lost its default: %+v", cfg.Restore)
	}
}

func TestMasterKeySeedDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Crypto.LocalSecret = "same-secret"
	a := cfg.MasterKeySeed()
	b := cfg.MasterKeySeed()
	if a != b {
		t.Fatal("master key seed must be deterministic for a given local secret")
	}
}
