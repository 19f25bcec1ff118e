package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"dedupd/internal/observability"
	"dedupd/internal/recipe"
	"dedupd/internal/restore"
	"dedupd/internal/wire"
)

// handleRestore drives the post-login download path: answer the login
// with the recipe header (or ServerFileNonExist), wait for the client's
// ready frame, then stream the whole file through the restore engine.
func (m *Manager) handleRestore(ctx context.Context, cs *ClientState, log *observability.Logger) error {
	path := m.recipePath(cs.FileNameHash)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		h := wire.Header{MessageType: wire.ServerFileNonExist, ClientID: cs.ClientID}
		if err := wire.WriteFrame(cs.Conn, h, nil); err != nil {
			return err
		}
		return ErrFileNotFound
	}

	recipeIV := deriveRecipeIV(cs.MasterKey, cs.FileNameHash)
	rr, err := recipe.OpenReader(path, cs.MasterKey, recipeIV)
	if err != nil {
		return err
	}
	defer rr.Close()

	head := rr.Head.Encode()
	h := wire.Header{MessageType: wire.ServerLoginResponse, ClientID: cs.ClientID, CurrentItemNum: uint32(rr.Head.ChunkCount)}
	if err := wire.WriteFrame(cs.Conn, h, head[:]); err != nil {
		return err
	}

	f, err := wire.ReadFrame(cs.Conn)
	if err != nil {
		return err
	}
	if f.Header.MessageType != wire.ClientRestoreReady {
		return fmt.Errorf("%w: expected ClientRestoreReady, got %s", ErrProtocol, f.Header.MessageType)
	}

	started := time.Now()
	log.RestoreStarted(hex.EncodeToString(cs.FileNameHash[:]), rr.Head.FileSize, rr.Head.ChunkCount)

	engine := restore.NewEngine(m.cache, m.dataKey, m.cfg.Transport.SendChunkBatchSize, cs.ClientID, cs.Conn).
		WithSessionCipher(cs.Keys.PayloadKey, cs.Keys.IVBase)
	if err := engine.RestoreFile(rr); err != nil {
		return err
	}

	m.metrics.RecordRestoreComplete(rr.Head.ChunkCount, rr.Head.FileSize)
	log.RestoreCompleted(hex.EncodeToString(cs.FileNameHash[:]), rr.Head.FileSize, rr.Head.ChunkCount, time.Since(started))

	if m.sessLog != nil {
		rec := Record{
			SessionID:  cs.SessionID,
			ClientID:   cs.ClientID,
			Mode:       cs.Mode.String(),
			FileHash:   hex.EncodeToString(cs.FileNameHash[:]),
			State:      "completed",
			ChunksSeen: rr.Head.ChunkCount,
			StartedAt:  started,
			FinishedAt: time.Now(),
		}
		if err := m.sessLog.Save(rec); err != nil {
			log.Error(err, "session log write failed")
		}
	}
	return nil
}
