// Package wire implements the on-the-wire framing: a u32 payload-size
// prefix, a fixed 16-byte
// NetworkHeader, and a payload whose shape depends on message_type.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType enumerates the exhaustive set of frame types.
type MessageType uint32

const (
	ClientUploadChunk MessageType = iota + 1
	ClientUploadRecipeEnd
	ClientLoginUpload
	ClientLoginDownload
	ClientRestoreReady
	ServerRestoreChunk
	ServerRestoreFinal
	ServerLoginResponse
	ServerFileNonExist
	SgxRaMsg01
	SgxRaMsg2
	SgxRaMsg3
	SgxRaMsg4
	SgxRaNeed
	SgxRaNotNeed
	SgxRaNotSupport
	SessionKeyInit
	SessionKeyReply
	ClientKeyGen
	KeyManagerKeyGenReply
	ClientUploadRecipe
)

func (t MessageType) String() string {
	switch t {
	case ClientUploadChunk:
		return "ClientUploadChunk"
	case ClientUploadRecipeEnd:
		return "ClientUploadRecipeEnd"
	case ClientLoginUpload:
		return "ClientLoginUpload"
	case ClientLoginDownload:
		return "ClientLoginDownload"
	case ClientRestoreReady:
		return "ClientRestoreReady"
	case ServerRestoreChunk:
		return "ServerRestoreChunk"
	case ServerRestoreFinal:
		return "ServerRestoreFinal"
	case ServerLoginResponse:
		return "ServerLoginResponse"
	case ServerFileNonExist:
		return "ServerFileNonExist"
	case SgxRaMsg01:
		return "SgxRaMsg01"
	case SgxRaMsg2:
		return "SgxRaMsg2"
	case SgxRaMsg3:
		return "SgxRaMsg3"
	case SgxRaMsg4:
		return "SgxRaMsg4"
	case SgxRaNeed:
		return "SgxRaNeed"
	case SgxRaNotNeed:
		return "SgxRaNotNeed"
	case SgxRaNotSupport:
		return "SgxRaNotSupport"
	case SessionKeyInit:
		return "SessionKeyInit"
	case SessionKeyReply:
		return "SessionKeyReply"
	case ClientKeyGen:
		return "ClientKeyGen"
	case KeyManagerKeyGenReply:
		return "KeyManagerKeyGenReply"
	case ClientUploadRecipe:
		return "ClientUploadRecipe"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// MaxControlPayload is the size limit for control-frame payloads; bulk
// frames (chunk batches, restore deliveries) are sized by DataSize
// instead. ReadFrame does not enforce it: every frame is checked only
// against MaxFrameSize.
const MaxControlPayload = 4096

// HeaderLen is the fixed NetworkHeader size: message_type, client_id,
// data_size, current_item_num, each a little-endian u32.
const HeaderLen = 16

// ErrFrameTooLarge guards against a corrupt or hostile length prefix
// driving an unbounded allocation.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum allowed size")

// MaxFrameSize bounds any single frame (header + payload) accepted from
// the wire. Bulk chunk-batch/restore frames stay well under this in
// practice (batches of send_chunk_batch_size chunks of at most
// container.MaxChunkSize bytes each).
const MaxFrameSize = 64 << 20

// Header is NetworkHeader: 16 bytes, little-endian.
type Header struct {
	MessageType     MessageType
	ClientID        uint32
	DataSize        uint32
	CurrentItemNum  uint32
}

// Encode serializes the header to its 16-byte wire form.
func (h Header) Encode() [HeaderLen]byte {
	var b [HeaderLen]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.MessageType))
	binary.LittleEndian.PutUint32(b[4:8], h.ClientID)
	binary.LittleEndian.PutUint32(b[8:12], h.DataSize)
	binary.LittleEndian.PutUint32(b[12:16], h.CurrentItemNum)
	return b
}

// DecodeHeader parses a 16-byte NetworkHeader.
func DecodeHeader(b [HeaderLen]byte) Header {
	return Header{
		MessageType:    MessageType(binary.LittleEndian.Uint32(b[0:4])),
		ClientID:       binary.LittleEndian.Uint32(b[4:8]),
		DataSize:       binary.LittleEndian.Uint32(b[8:12]),
		CurrentItemNum: binary.LittleEndian.Uint32(b[12:16]),
	}
}

// Frame is a fully decoded wire frame: header plus payload bytes.
type Frame struct {
	Header  Header
	Payload []byte
}

// WriteFrame writes (u32 payload_size) || header || payload to w.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	h.DataSize = uint32(len(payload))

	total := HeaderLen + len(payload)
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(total))

	if _, err := w.Write(sizeBuf[:]); err != nil {
		return fmt.Errorf("wire: write size prefix: %w", err)
	}
	hdr := h.Encode()
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one (u32 payload_size) || header || payload frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return Frame{}, err
	}
	total := binary.LittleEndian.Uint32(sizeBuf[:])
	if total < HeaderLen || uint64(total) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	var hdrBuf [HeaderLen]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("wire: read header: %w", err)
	}
	h := DecodeHeader(hdrBuf)

	payloadLen := total - HeaderLen
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("wire: read payload: %w", err)
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// EncodeLengthPrefixed serializes a (u32 length, bytes) pair, the shape
// used both for chunk-batch payload items and for framed restore
// deliveries.
func EncodeLengthPrefixed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// DecodeLengthPrefixed reads back one (u32 length, bytes) pair.
func DecodeLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if uint64(n) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// FileRecipeHead is FileRecipeHead_t: the recipe-end payload,
// file_size_u64 || chunk_count_u64, not session-encrypted.
type FileRecipeHead struct {
	FileSize   uint64
	ChunkCount uint64
}

// Encode serializes the 16-byte recipe-end payload / recipe header.
func (f FileRecipeHead) Encode() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], f.FileSize)
	binary.LittleEndian.PutUint64(b[8:16], f.ChunkCount)
	return b
}

// DecodeFileRecipeHead parses the 16-byte header/recipe-end payload.
func DecodeFileRecipeHead(b [16]byte) FileRecipeHead {
	return FileRecipeHead{
		FileSize:   binary.LittleEndian.Uint64(b[0:8]),
		ChunkCount: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// LoginPayload is the login frame payload: file_name_hash[32] ||
// session_key_enc(master_key)[48] (the 32-byte key plus the 16-byte
// GCM tag).
type LoginPayload struct {
	FileNameHash    [32]byte
	EncMasterKey    []byte // session-key-encrypted master key, AES-128-GCM output (32-byte key + 16-byte tag)
}

// Encode serializes the login payload.
func (l LoginPayload) Encode() []byte {
	out := make([]byte, 0, 32+len(l.EncMasterKey))
	out = append(out, l.FileNameHash[:]...)
	out = append(out, l.EncMasterKey...)
	return out
}

// DecodeLoginPayload parses a login payload.
func DecodeLoginPayload(b []byte) (LoginPayload, error) {
	if len(b) < 32 {
		return LoginPayload{}, fmt.Errorf("wire: login payload too short: %d bytes", len(b))
	}
	var l LoginPayload
	copy(l.FileNameHash[:], b[0:32])
	l.EncMasterKey = append([]byte(nil), b[32:]...)
	return l, nil
}
