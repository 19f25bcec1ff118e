// Package restore implements RestoreEngine: streaming a
// finalized recipe back out as an ordered sequence of RestoreChunk /
// RestoreFinal wire frames.
package restore

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"dedupd/internal/codec"
	"dedupd/internal/container"
	"dedupd/internal/crypto"
	"dedupd/internal/readcache"
	"dedupd/internal/recipe"
	"dedupd/internal/wire"
)

// CappingValue is CONTAINER_CAPPING_VALUE: the maximum number of
// distinct containers resolved into container_array for any one group
// of recipe entries.
const CappingValue = 16

// ErrCorruptContainer is returned when a recipe entry addresses a
// container that cannot be read back, or whose bounds don't fit the
// stored body — a store-level failure, fatal to the restore.
var ErrCorruptContainer = errors.New("restore: corrupt or unknown container")

// ErrAuthFailed is returned when a chunk's GCM tag fails to verify.
var ErrAuthFailed = errors.New("restore: chunk authentication failed")

// Engine streams one file's recipe out over out, batching deliveries at
// sendChunkBatch chunks per RestoreChunk frame.
type Engine struct {
	cache          *readcache.Cache
	dataKey        [32]byte
	sendChunkBatch int
	clientID       uint32

	out        io.Writer
	sendBuf    [][]byte
	itemNum    uint32

	sessionKey   [16]byte
	sessionIV    [12]byte
	sealPayloads bool
	frameSeq     uint64
}

// NewEngine builds a RestoreEngine delivering frames to out.
func NewEngine(cache *readcache.Cache, dataKey [32]byte, sendChunkBatch int, clientID uint32, out io.Writer) *Engine {
	if sendChunkBatch <= 0 {
		sendChunkBatch = 256
	}
	return &Engine{cache: cache, dataKey: dataKey, sendChunkBatch: sendChunkBatch, clientID: clientID, out: out}
}

// WithSessionCipher makes the engine seal every delivery payload under
// the session payload key before framing. The nonce counter starts at
// zero and advances once per frame; restore sessions carry bulk traffic
// in this direction only, so the counter space is never shared with an
// upload's chunk-batch encryptions.
func (e *Engine) WithSessionCipher(key [16]byte, ivBase [12]byte) *Engine {
	e.sessionKey = key
	e.sessionIV = ivBase
	e.sealPayloads = true
	return e
}

// group is one batch of recipe entries resolved against at most
// CappingValue distinct containers.
type group struct {
	ids     [][container.IDLen]byte
	idIndex map[[container.IDLen]byte]int
	entries []container.Address
}

func newGroup() *group {
	return &group{idIndex: make(map[[container.IDLen]byte]int, CappingValue)}
}

// RestoreFile streams every block of r in order, emitting RestoreChunk
// frames as the send buffer fills and a final RestoreFinal frame at the
// end.
func (e *Engine) RestoreFile(r *recipe.Reader) error {
	for {
		entries, err := r.NextBlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptContainer, err)
		}
		if err := e.processBatch(entries); err != nil {
			return err
		}
	}
	return e.flush(true)
}

func (e *Engine) processBatch(entries []container.Address) error {
	g := newGroup()
	for _, addr := range entries {
		if _, ok := g.idIndex[addr.ContainerID]; !ok && len(g.ids) == CappingValue {
			if err := e.resolveAndEmit(g); err != nil {
				return err
			}
			g = newGroup()
		}
		if _, ok := g.idIndex[addr.ContainerID]; !ok {
			g.idIndex[addr.ContainerID] = len(g.ids)
			g.ids = append(g.ids, addr.ContainerID)
		}
		g.entries = append(g.entries, addr)
	}
	if len(g.entries) > 0 {
		return e.resolveAndEmit(g)
	}
	return nil
}

// resolveAndEmit populates container_array for g's distinct ids via
// ReadCache (hit) or the on-disk container file (miss + insert, inside
// Cache.Get), then decrypts and decompresses every entry in order.
func (e *Engine) resolveAndEmit(g *group) error {
	containers := make([]*container.Container, len(g.ids))
	for i, id := range g.ids {
		c, err := e.cache.Get(id)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptContainer, err)
		}
		containers[i] = c
	}

	for _, addr := range g.entries {
		idx := g.idIndex[addr.ContainerID]
		c := containers[idx]

		cipher, ivSuffix, err := c.ReadAt(addr.Offset, addr.Length)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptContainer, err)
		}
		nonce := codec.NonceFromStoredIV(ivSuffix)
		plain, err := codec.Decrypt(cipher, e.dataKey, nonce)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		out := codec.DecompressAuto(plain)

		e.sendBuf = append(e.sendBuf, out)
		if len(e.sendBuf) >= e.sendChunkBatch {
			if err := e.flush(false); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush frames the accumulated send buffer as a ServerRestoreChunk
// frame, or ServerRestoreFinal when final is true.
func (e *Engine) flush(final bool) error {
	if !final && len(e.sendBuf) == 0 {
		return nil
	}

	var payload bytes.Buffer
	for _, chunk := range e.sendBuf {
		if err := wire.EncodeLengthPrefixed(&payload, chunk); err != nil {
			return fmt.Errorf("restore: frame chunk: %w", err)
		}
	}

	msgType := wire.ServerRestoreChunk
	if final {
		msgType = wire.ServerRestoreFinal
	}
	body := payload.Bytes()
	if e.sealPayloads {
		nonce := crypto.DeriveNonce(e.sessionIV, e.frameSeq)
		e.frameSeq++
		sealed, err := crypto.Seal(e.sessionKey[:], nonce[:], codec.AAD[:], body)
		if err != nil {
			return fmt.Errorf("restore: seal delivery: %w", err)
		}
		body = sealed
	}
	header := wire.Header{MessageType: msgType, ClientID: e.clientID, CurrentItemNum: uint32(len(e.sendBuf))}
	if err := wire.WriteFrame(e.out, header, body); err != nil {
		return fmt.Errorf("restore: write frame: %w", err)
	}

	e.itemNum += uint32(len(e.sendBuf))
	e.sendBuf = e.sendBuf[:0]
	return nil
}
