package client

import (
	"bytes"
	"fmt"
	"io"

	"dedupd/internal/wire"
)

// Restore logs the session in as a download for fileName and streams
// the reassembled file into out, in order. The download is complete
// only when the server's final delivery frame has been received; a
// stream that ends without one is reported as an error so a partial
// file is never mistaken for a full restore.
func (c *Client) Restore(fileName string, out io.Writer) (uint64, error) {
	if _, _, err := c.login(wire.ClientLoginDownload, fileName); err != nil {
		return 0, err
	}

	f, err := wire.ReadFrame(c.conn)
	if err != nil {
		return 0, err
	}
	switch f.Header.MessageType {
	case wire.ServerFileNonExist:
		return 0, ErrFileNotFound
	case wire.ServerLoginResponse:
	default:
		return 0, fmt.Errorf("%w: expected login response, got %s", ErrProtocol, f.Header.MessageType)
	}
	if len(f.Payload) != 16 {
		return 0, fmt.Errorf("%w: login response payload length %d", ErrProtocol, len(f.Payload))
	}
	var raw [16]byte
	copy(raw[:], f.Payload)
	head := wire.DecodeFileRecipeHead(raw)

	h := wire.Header{MessageType: wire.ClientRestoreReady, ClientID: c.clientID}
	if err := wire.WriteFrame(c.conn, h, nil); err != nil {
		return 0, err
	}

	var written uint64
	for {
		f, err := wire.ReadFrame(c.conn)
		if err != nil {
			return written, fmt.Errorf("client: restore stream ended early: %w", err)
		}

		final := false
		switch f.Header.MessageType {
		case wire.ServerRestoreChunk:
		case wire.ServerRestoreFinal:
			final = true
		default:
			return written, fmt.Errorf("%w: %s during restore", ErrProtocol, f.Header.MessageType)
		}

		plain, err := c.openPayload(f.Payload)
		if err != nil {
			return written, err
		}
		r := bytes.NewReader(plain)
		for i := uint32(0); i < f.Header.CurrentItemNum; i++ {
			chunk, err := wire.DecodeLengthPrefixed(r)
			if err != nil {
				return written, fmt.Errorf("%w: delivery chunk %d: %v", ErrProtocol, i, err)
			}
			if _, err := out.Write(chunk); err != nil {
				return written, fmt.Errorf("client: write restored chunk: %w", err)
			}
			written += uint64(len(chunk))
		}

		if final {
			if written != head.FileSize {
				return written, fmt.Errorf("client: restored %d bytes, recipe header says %d", written, head.FileSize)
			}
			return written, nil
		}
	}
}
