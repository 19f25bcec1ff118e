package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dedupd/internal/container"
	"dedupd/internal/dedup"
	"dedupd/internal/observability"
	"dedupd/internal/recipe"
	"dedupd/internal/wire"
)

// recipePath places a file's recipe under the recipe root, named by the
// hex of its file-name hash.
func (m *Manager) recipePath(fileNameHash [32]byte) string {
	return filepath.Join(m.cfg.Storage.RecipeRootPath, hex.EncodeToString(fileNameHash[:])+"-recipe")
}

// keyRecipePath is the escrow sidecar written alongside the recipe when
// a key-oracle is configured.
func (m *Manager) keyRecipePath(fileNameHash [32]byte) string {
	return filepath.Join(m.cfg.Storage.RecipeRootPath, hex.EncodeToString(fileNameHash[:])+"-keyrecipe")
}

// deriveRecipeIV derives the recipe block cipher's nonce base from the
// master key and the file identity. Both the writer and a later reader
// hold exactly these two values and nothing else, so the base must be a
// pure function of them.
func deriveRecipeIV(masterKey [32]byte, fileNameHash [32]byte) [12]byte {
	h := sha256.New()
	h.Write([]byte("dedupd-v1-recipe-iv"))
	h.Write(masterKey[:])
	h.Write(fileNameHash[:])
	sum := h.Sum(nil)
	var iv [12]byte
	copy(iv[:], sum[:12])
	return iv
}

// handleUpload drives the post-login upload loop: receive chunk
// batches, run them through the dedup core, and finalize the recipe on
// the recipe-end frame. Anything other than a clean recipe-end leaves
// the recipe unfinalized so the client can retry the whole upload.
func (m *Manager) handleUpload(ctx context.Context, cs *ClientState, log *observability.Logger) error {
	started := time.Now()

	if err := os.MkdirAll(m.cfg.Storage.RecipeRootPath, 0o755); err != nil {
		return fmt.Errorf("session: create recipe root: %w", err)
	}

	recipeIV := deriveRecipeIV(cs.MasterKey, cs.FileNameHash)
	rw, err := recipe.NewWriter(m.recipePath(cs.FileNameHash), cs.MasterKey, recipeIV)
	if err != nil {
		return err
	}

	var krw *recipe.KeyRecipeWriter
	if m.oracle != nil {
		krw, err = recipe.NewKeyRecipeWriter(m.keyRecipePath(cs.FileNameHash))
		if err != nil {
			rw.Abort()
			return err
		}
	}

	queueDepth := container.DefaultQueueDepth
	if m.multiTenant {
		queueDepth = container.MultiTenantQueueDepth
	}
	packer, err := container.NewPacker(ctx, m.store, queueDepth)
	if err != nil {
		rw.Abort()
		return err
	}
	packer.OnFlush = m.metrics.ContainersFlushedTotal.Inc

	var ivBase [12]byte
	if _, err := rand.Read(ivBase[:]); err != nil {
		rw.Abort()
		return fmt.Errorf("session: derive chunk iv base: %w", err)
	}

	core := dedup.NewCore(dedup.Config{
		Sketch:          m.sketch,
		Heap:            m.heap,
		Tier:            m.tier,
		Packer:          packer,
		DataKey:         m.dataKey,
		IVBase:          ivBase,
		RecipeWriter:    rw,
		KeyRecipeWriter: krw,
		KeyOracle:       m.oracle,
		SendRecipeBatch: m.cfg.Transport.SendRecipeBatchSize,
	})

	log.UploadStarted(hex.EncodeToString(cs.FileNameHash[:]))

	finalized := false
	defer func() {
		if !finalized {
			// Discard: close the writer queue and remove the partial
			// recipe so an aborted upload can never be restored as an
			// empty or truncated file.
			packer.Close()
			rw.Abort()
			os.Remove(m.recipePath(cs.FileNameHash))
			if krw != nil {
				krw.Close()
				os.Remove(m.keyRecipePath(cs.FileNameHash))
			}
		}
	}()

	for {
		f, err := wire.ReadFrame(cs.Conn)
		if err != nil {
			return err
		}
		switch f.Header.MessageType {
		case wire.ClientUploadChunk:
			if m.limiter != nil {
				m.limiter.Wait(len(f.Payload))
			}
			chunks, err := cs.openChunkBatch(f.Payload, f.Header.CurrentItemNum)
			if err != nil {
				return err
			}
			if err := core.ProcessBatch(chunks); err != nil {
				return err
			}
			m.metrics.RecordChunkBatch(len(chunks))

		case wire.ClientUploadRecipeEnd:
			if len(f.Payload) != 16 {
				return fmt.Errorf("%w: recipe end payload length %d", ErrProtocol, len(f.Payload))
			}
			var raw [16]byte
			copy(raw[:], f.Payload)
			head := wire.DecodeFileRecipeHead(raw)

			if err := core.ProcessTail(); err != nil {
				return err
			}
			finalized = true

			if head.ChunkCount != core.Stats.ChunksSeen {
				log.Warn(fmt.Sprintf("client recipe head disagrees: client=%d server=%d chunks", head.ChunkCount, core.Stats.ChunksSeen))
			}

			m.mergeStats(core.Stats)
			m.metrics.RecordUploadComplete(core.Stats.ChunksSeen, core.Stats.ChunksUnique, core.Stats.BytesStored)
			log.RecipeFinalized(hex.EncodeToString(cs.FileNameHash[:]), core.Stats.ChunksSeen, core.Stats.ChunksUnique, time.Since(started))

			if m.sessLog != nil {
				rec := Record{
					SessionID:    cs.SessionID,
					ClientID:     cs.ClientID,
					Mode:         cs.Mode.String(),
					FileHash:     hex.EncodeToString(cs.FileNameHash[:]),
					State:        "completed",
					ChunksSeen:   core.Stats.ChunksSeen,
					ChunksUnique: core.Stats.ChunksUnique,
					BytesStored:  core.Stats.BytesStored,
					StartedAt:    started,
					FinishedAt:   time.Now(),
				}
				if err := m.sessLog.Save(rec); err != nil {
					log.Error(err, "session log write failed")
				}
			}
			return nil

		default:
			return fmt.Errorf("%w: %s during upload", ErrProtocol, f.Header.MessageType)
		}
	}
}
