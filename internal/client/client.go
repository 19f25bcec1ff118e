// Package client implements the backup client side of the storage
// protocol: dial, session-key handshake, chunked upload, and streamed
// restore.
package client

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"dedupd/internal/codec"
	"dedupd/internal/config"
	"dedupd/internal/crypto"
	"dedupd/internal/observability"
	"dedupd/internal/transport"
	"dedupd/internal/wire"
)

// ErrFileNotFound is returned by Restore when the server has no recipe
// for the requested file.
var ErrFileNotFound = errors.New("client: file not known to server")

// ErrProtocol reports an unexpected frame from the server.
var ErrProtocol = errors.New("client: protocol violation")

// Client is one authenticated connection to the storage server. A
// Client performs exactly one upload or one restore; the server tears
// the session down afterwards.
type Client struct {
	conn transport.Conn
	cfg  *config.Config
	log  *observability.Logger

	clientID uint32
	keys     *crypto.SessionKeys

	payloadSeq uint64
	controlSeq uint64
}

// Dial connects to the configured server, walks the attestation
// decision, and completes the session-key exchange. useQUIC selects the
// QUIC carrier instead of TCP.
func Dial(ctx context.Context, cfg *config.Config, useQUIC bool, log *observability.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Transport.StorageServerIP, cfg.Transport.StorageServerPort)

	var conn transport.Conn
	var err error
	if useQUIC {
		conn, err = transport.DialQUIC(ctx, addr)
	} else {
		conn, err = transport.DialTCP(ctx, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	c := &Client{conn: conn, cfg: cfg, log: log, clientID: cfg.Transport.ClientID}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// handshake declines attestation and performs the ECDH exchange.
func (c *Client) handshake() error {
	h := wire.Header{MessageType: wire.SgxRaNotNeed, ClientID: c.clientID}
	if err := wire.WriteFrame(c.conn, h, nil); err != nil {
		return err
	}
	f, err := wire.ReadFrame(c.conn)
	if err != nil {
		return err
	}
	switch f.Header.MessageType {
	case wire.SgxRaNotNeed, wire.SgxRaNotSupport:
	default:
		return fmt.Errorf("%w: expected attestation ack, got %s", ErrProtocol, f.Header.MessageType)
	}

	kp, err := crypto.GenerateP256()
	if err != nil {
		return fmt.Errorf("client: generate keypair: %w", err)
	}
	h = wire.Header{MessageType: wire.SessionKeyInit, ClientID: c.clientID}
	if err := wire.WriteFrame(c.conn, h, kp.Public.Bytes()); err != nil {
		return err
	}
	f, err = wire.ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if f.Header.MessageType != wire.SessionKeyReply {
		return fmt.Errorf("%w: expected SessionKeyReply, got %s", ErrProtocol, f.Header.MessageType)
	}
	serverPub, err := crypto.ParseP256Public(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: bad server public key: %v", ErrProtocol, err)
	}
	shared, err := kp.ECDH(serverPub)
	if err != nil {
		return fmt.Errorf("client: ECDH: %w", err)
	}
	c.keys, err = crypto.DeriveSessionKeys(shared, c.clientID)
	return err
}

// FileNameHash identifies a file to the server by the SHA-256 of its
// name; the server never learns the name itself.
func FileNameHash(name string) [32]byte {
	return sha256.Sum256([]byte(name))
}

// deriveMasterKey derives the per-file master key from the local-secret
// seed and the file identity. The same inputs always yield the same
// key, so a later restore session can unlock its own recipes.
func deriveMasterKey(seed [32]byte, fileNameHash [32]byte) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, seed[:], fileNameHash[:], []byte("dedupd-v1-master"))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("client: derive master key: %w", err)
	}
	return out, nil
}

// sealControl wraps a control secret (the master key) under the session
// control key.
func (c *Client) sealControl(plain []byte) ([]byte, error) {
	nonce := crypto.DeriveNonce(c.keys.IVBase, c.controlSeq)
	c.controlSeq++
	return crypto.Seal(c.keys.ControlKey[:], nonce[:], codec.AAD[:], plain)
}

// sealPayload wraps one bulk payload under the session payload key.
func (c *Client) sealPayload(plain []byte) ([]byte, error) {
	nonce := crypto.DeriveNonce(c.keys.IVBase, c.payloadSeq)
	c.payloadSeq++
	return crypto.Seal(c.keys.PayloadKey[:], nonce[:], codec.AAD[:], plain)
}

// openPayload unwraps one bulk payload received from the server.
func (c *Client) openPayload(sealed []byte) ([]byte, error) {
	nonce := crypto.DeriveNonce(c.keys.IVBase, c.payloadSeq)
	c.payloadSeq++
	plain, err := crypto.Open(c.keys.PayloadKey[:], nonce[:], codec.AAD[:], sealed)
	if err != nil {
		return nil, fmt.Errorf("client: open delivery: %w", err)
	}
	return plain, nil
}

// login sends the upload or download login frame carrying the file
// identity and the wrapped master key, and returns the derived key.
func (c *Client) login(msgType wire.MessageType, fileName string) ([32]byte, [32]byte, error) {
	fileNameHash := FileNameHash(fileName)
	masterKey, err := deriveMasterKey(c.cfg.MasterKeySeed(), fileNameHash)
	if err != nil {
		return fileNameHash, masterKey, err
	}
	sealed, err := c.sealControl(masterKey[:])
	if err != nil {
		return fileNameHash, masterKey, fmt.Errorf("client: wrap master key: %w", err)
	}
	payload := wire.LoginPayload{FileNameHash: fileNameHash, EncMasterKey: sealed}
	h := wire.Header{MessageType: msgType, ClientID: c.clientID}
	if err := wire.WriteFrame(c.conn, h, payload.Encode()); err != nil {
		return fileNameHash, masterKey, err
	}
	return fileNameHash, masterKey, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
