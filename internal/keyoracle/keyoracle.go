// Package keyoracle is the external convergent-key-server collaborator
// (blind-RSA or MLE key servers, always optional). dedupd
// never implements the blind-signature protocol itself; Oracle is the
// seam a real key server plugs into, and LocalOracle is a deterministic
// stand-in so the upload path has something runnable without one.
package keyoracle

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Oracle derives a convergent per-chunk key from a chunk's plaintext
// fingerprint. A real implementation round-trips through a key server
// (blind RSA signature or an MLE protocol); from DedupCore's point of
// view it is opaque request/response.
type Oracle interface {
	DeriveKey(fp [32]byte) ([32]byte, error)
}

const localOracleInfo = "dedupd-v1-keyoracle"

// LocalOracle derives keys as HKDF(secret, fp) with no network round
// trip, grounded on the same HKDF shape as crypto.DeriveSessionKeys. It
// is convergent (same fingerprint always yields the same key) but
// offers none of a real key-oracle's cross-tenant secrecy — suitable
// only for deployments with no key-oracle configured.
type LocalOracle struct {
	secret []byte
}

// NewLocalOracle builds a LocalOracle seeded by secret (typically the
// config's local_secret).
func NewLocalOracle(secret []byte) *LocalOracle {
	return &LocalOracle{secret: secret}
}

func (o *LocalOracle) DeriveKey(fp [32]byte) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, o.secret, fp[:], []byte(localOracleInfo))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("keyoracle: derive key: %w", err)
	}
	return out, nil
}

var _ Oracle = (*LocalOracle)(nil)
