package keyoracle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// TEDOracle is a frequency-smoothed key oracle: instead of one key per
// fingerprint (which preserves the plaintext's frequency distribution
// in the ciphertext space), it folds the fingerprint's observed
// request count into the derivation so that hot chunks spread across
// several keys. The smoothing parameter t sets the epoch boundaries: a
// fingerprint's first t requests share epoch 0, and request n >= t
// falls in epoch bits.Len64(n/t), so successive epochs span t, t, 2t,
// 4t, ... requests and the number of keys grows logarithmically.
type TEDOracle struct {
	secret []byte
	t      uint64

	mu     sync.Mutex
	counts map[[32]byte]uint64
}

// NewTEDOracle builds a smoothed oracle over secret with threshold t.
// t = 0 is treated as the default threshold of 16.
func NewTEDOracle(secret []byte, t uint64) *TEDOracle {
	if t == 0 {
		t = 16
	}
	return &TEDOracle{secret: secret, t: t, counts: make(map[[32]byte]uint64)}
}

const tedInfo = "dedupd-v1-keyoracle-ted"

// DeriveKey derives the key for fp's current epoch and advances the
// request count.
func (o *TEDOracle) DeriveKey(fp [32]byte) ([32]byte, error) {
	o.mu.Lock()
	n := o.counts[fp]
	o.counts[fp] = n + 1
	o.mu.Unlock()

	// Epoch grows logarithmically past the threshold so a very hot
	// chunk does not accumulate unbounded distinct keys.
	epoch := uint64(0)
	if n >= o.t {
		epoch = uint64(bits.Len64(n / o.t))
	}

	var salt [40]byte
	copy(salt[:32], fp[:])
	binary.BigEndian.PutUint64(salt[32:], epoch)

	var out [32]byte
	r := hkdf.New(sha256.New, o.secret, salt[:], []byte(tedInfo))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("keyoracle: ted derive: %w", err)
	}
	return out, nil
}

var _ Oracle = (*TEDOracle)(nil)
