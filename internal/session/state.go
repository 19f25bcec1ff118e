package session

import (
	"bytes"
	"fmt"

	"dedupd/internal/codec"
	"dedupd/internal/crypto"
	"dedupd/internal/transport"
	"dedupd/internal/wire"
)

// Mode is the session's post-login direction.
type Mode int

const (
	ModeNone Mode = iota
	ModeUpload
	ModeDownload
)

func (m Mode) String() string {
	switch m {
	case ModeUpload:
		return "upload"
	case ModeDownload:
		return "download"
	default:
		return "none"
	}
}

// ClientState is the per-session scratch: the connection, the derived
// session keys and their nonce counters, the login identity, and the
// receive-side staging reused across batches. It is owned exclusively
// by the goroutine handling its connection.
type ClientState struct {
	Conn      transport.Conn
	SessionID string
	ClientID  uint32
	Mode      Mode

	Keys         *crypto.SessionKeys
	FileNameHash [32]byte
	MasterKey    [32]byte

	// Nonce counters. Bulk payloads and control secrets are sealed
	// under different keys, and each session carries bulk traffic in
	// one direction only, so a single counter per key suffices.
	payloadSeq uint64
	controlSeq uint64

	chunkScratch [][]byte
}

func newClientState(conn transport.Conn, sessionID string, clientID uint32, mode Mode, keys *crypto.SessionKeys) *ClientState {
	return &ClientState{
		Conn:      conn,
		SessionID: sessionID,
		ClientID:  clientID,
		Mode:      mode,
		Keys:      keys,
	}
}

// openControl decrypts a control-frame secret (the login's wrapped
// master key) under the session control key.
func (cs *ClientState) openControl(sealed []byte) ([]byte, error) {
	nonce := crypto.DeriveNonce(cs.Keys.IVBase, cs.controlSeq)
	cs.controlSeq++
	return crypto.Open(cs.Keys.ControlKey[:], nonce[:], codec.AAD[:], sealed)
}

// openChunkBatch decrypts one ClientUploadChunk payload and splits it
// into its itemCount length-prefixed chunks. The returned slices alias
// an internal scratch buffer that is reused on the next call.
func (cs *ClientState) openChunkBatch(sealed []byte, itemCount uint32) ([][]byte, error) {
	nonce := crypto.DeriveNonce(cs.Keys.IVBase, cs.payloadSeq)
	cs.payloadSeq++
	plain, err := crypto.Open(cs.Keys.PayloadKey[:], nonce[:], codec.AAD[:], sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk batch: %v", ErrAuth, err)
	}

	cs.chunkScratch = cs.chunkScratch[:0]
	r := bytes.NewReader(plain)
	for i := uint32(0); i < itemCount; i++ {
		chunk, err := wire.DecodeLengthPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d of %d: %v", ErrProtocol, i, itemCount, err)
		}
		cs.chunkScratch = append(cs.chunkScratch, chunk)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %d chunks", ErrProtocol, r.Len(), itemCount)
	}
	return cs.chunkScratch, nil
}
