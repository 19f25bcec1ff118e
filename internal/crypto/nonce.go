package crypto

import (
	"encoding/binary"
)

// DeriveNonce builds a 12-byte GCM nonce from the session's IVBase and a
// monotonically incrementing counter, serialized big-endian.
// The first 4 bytes of IVBase act as a per-session salt so that two
// sessions deriving the same counter value never collide; the counter
// itself occupies the remaining 8 bytes, giving 2^64 encryptions per
// session before the nonce space is exhausted.
//
// Nonce = IVBase[0:4] || counter (8-byte big-endian)
//
// The caller is responsible for incrementing counter by exactly one for
// every Seal call made under the same key; skipping or repeating a value
// breaks the uniqueness guarantee GCM depends on.
func DeriveNonce(ivBase [12]byte, counter uint64) [12]byte {
	var nonce [12]byte
	copy(nonce[0:4], ivBase[0:4])
	binary.BigEndian.PutUint64(nonce[4:12], counter)
	return nonce
}

// DeriveChunkNonce derives the nonce for the counter-th chunk encrypted
// under a session's PayloadKey.
func DeriveChunkNonce(ivBase [12]byte, chunkIndex uint32) [12]byte {
	return DeriveNonce(ivBase, uint64(chunkIndex))
}

// DeriveControlNonce derives the nonce for the counter-th control frame
// encrypted under a session's ControlKey. GCM's uniqueness requirement is
// per-key, not global, so reusing the chunk counter's nonce values under
// the (distinct) ControlKey is safe and needs no additional offset.
func DeriveControlNonce(ivBase [12]byte, messageCounter uint32) [12]byte {
	return DeriveNonce(ivBase, uint64(messageCounter))
}
