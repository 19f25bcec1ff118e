// Package codec implements ChunkCodec: compression with a
// decline-if-not-smaller fallback, AES-256-GCM authenticated encryption
// under a counter-derived IV, and SHA-256 fingerprinting.
package codec

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"dedupd/internal/crypto"
)

// AAD is the fixed 16-byte Additional Authenticated Data constant bound
// into every chunk encryption.
var AAD = [16]byte{'d', 'e', 'd', 'u', 'p', 'd', '-', 'c', 'h', 'u', 'n', 'k', '-', 'v', '1', 0}

// Hash computes the Fingerprint (SHA-256) of a chunk's plaintext.
func Hash(plain []byte) [32]byte {
	return sha256.Sum256(plain)
}

// Compress runs LZ4 over plain and reports whether the result was
// strictly smaller. When it is not, compression is declined and the
// original bytes are returned unchanged; no marker is added, so a reader
// either passes the declined flag to Decompress or uses DecompressAuto.
func Compress(plain []byte) (out []byte, compressed bool, err error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		return nil, false, fmt.Errorf("codec: lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, fmt.Errorf("codec: lz4 compress close: %w", err)
	}

	if buf.Len() >= len(plain) {
		return plain, false, nil
	}
	return buf.Bytes(), true, nil
}

// Decompress reverses Compress for a caller that knows whether
// compression was declined: a declined payload is returned as is, any
// other payload is LZ4-decoded and a decode failure is returned as an
// error. DecompressAuto is the variant that guesses by attempting the
// decode and falling back to the raw bytes.
func Decompress(stored []byte, declined bool) ([]byte, error) {
	if declined {
		return stored, nil
	}
	r := lz4.NewReader(bytes.NewReader(stored))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
	}
	return out, nil
}

// Encrypt seals plain under key (32 bytes, AES-256) with the fixed chunk
// AAD and the given IV, producing ciphertext of the same length as
// plain plus the GCM tag.
func Encrypt(plain []byte, key [32]byte, iv [12]byte) ([]byte, error) {
	return crypto.Seal(key[:], iv[:], AAD[:], plain)
}

// Decrypt reverses Encrypt, returning AuthError-class failures from
// crypto.Open unchanged for callers to wrap.
func Decrypt(cipher []byte, key [32]byte, iv [12]byte) ([]byte, error) {
	return crypto.Open(key[:], iv[:], AAD[:], cipher)
}

// StoreIV widens a 12-byte GCM nonce to the 16-byte IV suffix
// ContainerPacker stores inline after every chunk body. The leading 4
// bytes are zero; restoring a nonce from a stored IV drops them again.
func StoreIV(nonce [12]byte) [16]byte {
	var out [16]byte
	copy(out[4:], nonce[:])
	return out
}

// NonceFromStoredIV reverses StoreIV.
func NonceFromStoredIV(stored [16]byte) [12]byte {
	var nonce [12]byte
	copy(nonce[:], stored[4:])
	return nonce
}

// DecompressAuto mirrors the decoder side of the decline-if-not-
// smaller contract: it attempts an LZ4 decode and falls back to the raw
// bytes unchanged when that fails, since a declined chunk was stored
// verbatim with no marker recording whether compression was applied.
func DecompressAuto(stored []byte) []byte {
	r := lz4.NewReader(bytes.NewReader(stored))
	out, err := io.ReadAll(r)
	if err != nil || len(out) == 0 {
		return stored
	}
	return out
}
