// Package crypto provides cryptographic primitives for the dedup backup engine.
//
// This package implements:
//   - P-256 ECDH ephemeral keypairs for session-key exchange
//   - HKDF-based session key derivation
//   - AES-256-GCM authenticated encryption (chunk codec, sealed state)
//   - Counter-based nonce/IV derivation
//   - A sealed keystore blob format (Argon2id + AES-256-GCM)
package crypto

// SessionKeys contains cryptographically independent keys derived from
// the ECDH shared secret using HKDF. PayloadKey and ControlKey are sized
// for AES-128-GCM per the wire protocol; the separate, larger enclave
// data key used by the chunk codec is sealed at rest by
// the sealstore package and never derived per-session.
type SessionKeys struct {
	PayloadKey [16]byte // AES-128-GCM key for chunk batch payloads
	ControlKey [16]byte // AES-128-GCM key for control frames
	IVBase     [12]byte // base nonce for DeriveNonce
}

// KeystoreEntry represents an encrypted blob stored on disk (sealed state,
// enclave keys). Mirrors the shape of a passphrase-protected identity key
// file, but here the "passphrase" is the operator-configured local secret.
type KeystoreEntry struct {
	Version       int    `json:"version"`
	KDF           string `json:"kdf"`
	Argon2Time    int    `json:"argon2_time"`
	Argon2Memory  int    `json:"argon2_memory"`
	Argon2Threads int    `json:"argon2_threads"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
}
