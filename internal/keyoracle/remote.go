package keyoracle

import (
	"context"
	"fmt"
	"sync"

	"dedupd/internal/transport"
	"dedupd/internal/wire"
)

// RemoteOracle derives per-chunk keys by round-tripping fingerprints to
// a key-manager process over the framed protocol (ClientKeyGen /
// KeyManagerKeyGenReply). The connection is dialed lazily on the first
// derivation and reused; key-manager protocol details beyond the two
// frame types are its own business.
type RemoteOracle struct {
	addr     string
	clientID uint32

	mu   sync.Mutex
	conn transport.Conn
}

// NewRemoteOracle points an oracle at the key manager listening at
// addr.
func NewRemoteOracle(addr string, clientID uint32) *RemoteOracle {
	return &RemoteOracle{addr: addr, clientID: clientID}
}

func (o *RemoteOracle) connect() error {
	if o.conn != nil {
		return nil
	}
	conn, err := transport.DialTCP(context.Background(), o.addr)
	if err != nil {
		return fmt.Errorf("keyoracle: dial key manager %s: %w", o.addr, err)
	}
	o.conn = conn
	return nil
}

// DeriveKey requests the convergent key for fp from the key manager.
func (o *RemoteOracle) DeriveKey(fp [32]byte) ([32]byte, error) {
	var key [32]byte

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.connect(); err != nil {
		return key, err
	}

	h := wire.Header{MessageType: wire.ClientKeyGen, ClientID: o.clientID}
	if err := wire.WriteFrame(o.conn, h, fp[:]); err != nil {
		o.reset()
		return key, fmt.Errorf("keyoracle: send keygen request: %w", err)
	}

	f, err := wire.ReadFrame(o.conn)
	if err != nil {
		o.reset()
		return key, fmt.Errorf("keyoracle: read keygen reply: %w", err)
	}
	if f.Header.MessageType != wire.KeyManagerKeyGenReply {
		o.reset()
		return key, fmt.Errorf("keyoracle: unexpected reply %s", f.Header.MessageType)
	}
	if len(f.Payload) != 32 {
		o.reset()
		return key, fmt.Errorf("keyoracle: key length %d", len(f.Payload))
	}
	copy(key[:], f.Payload)
	return key, nil
}

func (o *RemoteOracle) reset() {
	if o.conn != nil {
		o.conn.Close()
		o.conn = nil
	}
}

// Close tears down the key-manager connection if one was established.
func (o *RemoteOracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return nil
	}
	err := o.conn.Close()
	o.conn = nil
	return err
}

var _ Oracle = (*RemoteOracle)(nil)
