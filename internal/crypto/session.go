package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sessionInfoString = "dedupd-v1-session"
	hkdfOutputLength  = 44 // 16 (PayloadKey) + 16 (ControlKey) + 12 (IVBase)
)

// DeriveSessionKeys performs HKDF-based key derivation from a P-256 ECDH
// shared secret. The client_id salts the derivation so that two tenants
// performing a handshake at the same instant never collide on key material
// even if (improbably) their shared secrets matched.
func DeriveSessionKeys(sharedSecret []byte, clientID uint32) (*SessionKeys, error) {
	salt := make([]byte, 4)
	salt[0] = byte(clientID >> 24)
	salt[1] = byte(clientID >> 16)
	salt[2] = byte(clientID >> 8)
	salt[3] = byte(clientID)

	hkdfReader := hkdf.New(sha256.New, sharedSecret, salt, []byte(sessionInfoString))

	keyMaterial := make([]byte, hkdfOutputLength)
	if _, err := io.ReadFull(hkdfReader, keyMaterial); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}

	var keys SessionKeys
	copy(keys.PayloadKey[:], keyMaterial[0:16])
	copy(keys.ControlKey[:], keyMaterial[16:32])
	copy(keys.IVBase[:], keyMaterial[32:44])
	return &keys, nil
}
