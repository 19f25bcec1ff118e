package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

// P256KeyPair is an ephemeral ECDH keypair used for the session-key
// handshake. The transport/TLS layer itself is out of scope; this
// keypair is the one piece of that handshake dedupd performs directly so
// the SessionKeyInit/SessionKeyReply frames carry real key material.
type P256KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateP256 generates a fresh ephemeral P-256 keypair.
func GenerateP256() (*P256KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 keypair: %w", err)
	}
	return &P256KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ParseP256Public parses a peer's uncompressed P-256 public key (65 bytes).
func ParseP256Public(raw []byte) (*ecdh.PublicKey, error) {
	return ecdh.P256().NewPublicKey(raw)
}

// ECDH computes the shared secret between our private key and the peer's
// public key.
func (kp *P256KeyPair) ECDH(peer *ecdh.PublicKey) ([]byte, error) {
	secret, err := kp.Private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ECDH exchange: %w", err)
	}
	return secret, nil
}
