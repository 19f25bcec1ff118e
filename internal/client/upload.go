package client

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"dedupd/internal/chunksource"
	"dedupd/internal/wire"
)

// UploadResult summarizes one finished upload.
type UploadResult struct {
	FileSize   uint64
	ChunkCount uint64
}

// Upload logs the session in as an upload, streams path through the
// configured chunker in batches, and closes the file with a recipe-end
// frame. The server does not acknowledge a successful upload; a recipe
// that was not finalized server-side simply fails the next restore, and
// the client retries the whole upload.
func (c *Client) Upload(path string) (UploadResult, error) {
	var res UploadResult

	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("client: open %s: %w", path, err)
	}
	defer f.Close()

	if _, _, err := c.login(wire.ClientLoginUpload, path); err != nil {
		return res, err
	}

	chunker := chunksource.New(
		chunksource.ChunkingType(c.cfg.Chunking.ChunkingType),
		f,
		chunksource.Options{
			MaxChunkSize:      c.cfg.Chunking.MaxChunkSize,
			AvgChunkSize:      c.cfg.Chunking.AvgChunkSize,
			MinChunkSize:      c.cfg.Chunking.MinChunkSize,
			SlidingWindowSize: c.cfg.Chunking.SlidingWindowSize,
			ReadSize:          c.cfg.Chunking.ReadSize,
		},
	)

	batchSize := c.cfg.Transport.SendChunkBatchSize
	var payload bytes.Buffer
	batched := 0

	flush := func() error {
		if batched == 0 {
			return nil
		}
		sealed, err := c.sealPayload(payload.Bytes())
		if err != nil {
			return fmt.Errorf("client: seal batch: %w", err)
		}
		h := wire.Header{
			MessageType:    wire.ClientUploadChunk,
			ClientID:       c.clientID,
			CurrentItemNum: uint32(batched),
		}
		if err := wire.WriteFrame(c.conn, h, sealed); err != nil {
			return err
		}
		payload.Reset()
		batched = 0
		return nil
	}

	for {
		chunk, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, err
		}
		if err := wire.EncodeLengthPrefixed(&payload, chunk.Data); err != nil {
			return res, err
		}
		batched++
		res.FileSize += uint64(len(chunk.Data))
		res.ChunkCount++

		if batched >= batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	head := wire.FileRecipeHead{FileSize: res.FileSize, ChunkCount: res.ChunkCount}
	raw := head.Encode()
	h := wire.Header{MessageType: wire.ClientUploadRecipeEnd, ClientID: c.clientID}
	if err := wire.WriteFrame(c.conn, h, raw[:]); err != nil {
		return res, err
	}
	return res, nil
}
