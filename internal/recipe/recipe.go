// Package recipe implements RecipeWriter and RecipeReader: the
// append-only, block-encrypted file of RecipeEntry addresses that
// records, in upload order, where every chunk of a file ended up.
package recipe

import (
	"bufio"
	"fmt"
	"os"

	"dedupd/internal/container"
	"dedupd/internal/crypto"
	"dedupd/internal/wire"
)

// AAD is the fixed AAD bound into every recipe block encryption,
// distinct from codec.AAD so a recipe block can never be replayed as a
// chunk ciphertext or vice versa.
var AAD = [16]byte{'d', 'e', 'd', 'u', 'p', 'd', '-', 'r', 'e', 'c', 'i', 'p', 'e', '-', 'v', '1'}

// entrySize is the wire width of one container.Address.
const entrySize = 16

// Writer appends encrypted blocks of RecipeEntry addresses to a growing
// file and finalizes it with a 16-byte header at offset 0. One Writer is owned exclusively by a single upload session.
type Writer struct {
	f         *os.File
	w         *bufio.Writer
	masterKey [32]byte
	ivBase    [12]byte
	counter   uint64
	chunkN    uint64
}

// NewWriter creates or truncates the recipe file at path, reserving its first 16 bytes for the header Finalize
// writes later.
func NewWriter(path string, masterKey [32]byte, ivBase [12]byte) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recipe: create %s: %w", path, err)
	}
	var zero [16]byte
	if _, err := f.Write(zero[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("recipe: reserve header: %w", err)
	}
	return &Writer{f: f, w: bufio.NewWriter(f), masterKey: masterKey, ivBase: ivBase}, nil
}

// AppendBlock encrypts entries as one block under the recipe master key
// and appends it as a length-prefixed frame.
func (w *Writer) AppendBlock(entries []container.Address) error {
	if len(entries) == 0 {
		return nil
	}
	plain := make([]byte, 0, len(entries)*entrySize)
	for _, e := range entries {
		raw := e.Encode()
		plain = append(plain, raw[:]...)
	}

	nonce := crypto.DeriveNonce(w.ivBase, w.counter)
	w.counter++
	cipher, err := crypto.Seal(w.masterKey[:], nonce[:], AAD[:], plain)
	if err != nil {
		return fmt.Errorf("recipe: encrypt block: %w", err)
	}
	if err := wire.EncodeLengthPrefixed(w.w, cipher); err != nil {
		return fmt.Errorf("recipe: write block: %w", err)
	}
	w.chunkN += uint64(len(entries))
	return nil
}

// Finalize flushes buffered writes, seeks to offset 0, writes the
// 16-byte (file_size, chunk_count) header, and closes the file.
func (w *Writer) Finalize(fileSize uint64) error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("recipe: flush: %w", err)
	}

	head := wire.FileRecipeHead{FileSize: fileSize, ChunkCount: w.chunkN}
	raw := head.Encode()
	if _, err := w.f.WriteAt(raw[:], 0); err != nil {
		return fmt.Errorf("recipe: write header: %w", err)
	}
	return w.f.Close()
}

// ChunkCount reports the number of RecipeEntry addresses appended so
// far; Finalize writes this count into the header.
func (w *Writer) ChunkCount() uint64 { return w.chunkN }

// Abort closes the file without finalizing. An unfinalized recipe is
// unreachable, so the client simply retries the whole upload.
func (w *Writer) Abort() error {
	return w.f.Close()
}

// Reader streams RecipeEntry blocks back out in order.
type Reader struct {
	f         *os.File
	r         *bufio.Reader
	masterKey [32]byte
	ivBase    [12]byte
	counter   uint64
	Head      wire.FileRecipeHead
}

// OpenReader opens path, reads its header, and positions the reader at
// the first encrypted block.
func OpenReader(path string, masterKey [32]byte, ivBase [12]byte) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recipe: open %s: %w", path, err)
	}
	var raw [16]byte
	if _, err := f.Read(raw[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("recipe: read header: %w", err)
	}
	return &Reader{
		f:         f,
		r:         bufio.NewReader(f),
		masterKey: masterKey,
		ivBase:    ivBase,
		Head:      wire.DecodeFileRecipeHead(raw),
	}, nil
}

// NextBlock decrypts and decodes the next block of RecipeEntry
// addresses, returning io.EOF when the file is exhausted.
func (r *Reader) NextBlock() ([]container.Address, error) {
	cipher, err := wire.DecodeLengthPrefixed(r.r)
	if err != nil {
		return nil, err
	}
	nonce := crypto.DeriveNonce(r.ivBase, r.counter)
	r.counter++
	plain, err := crypto.Open(r.masterKey[:], nonce[:], AAD[:], cipher)
	if err != nil {
		return nil, fmt.Errorf("recipe: decrypt block: %w", err)
	}
	if len(plain)%entrySize != 0 {
		return nil, fmt.Errorf("recipe: corrupt block length %d", len(plain))
	}
	out := make([]container.Address, len(plain)/entrySize)
	for i := range out {
		var raw [16]byte
		copy(raw[:], plain[i*entrySize:(i+1)*entrySize])
		out[i] = container.DecodeAddress(raw)
	}
	return out, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// KeyRecipeWriter is the optional escrow sidecar: (key_32,
// cipher_chunk_hash_32) pairs written alongside the recipe
// when a key-oracle is configured, for key-escrow recovery. It carries
// no independent encryption of its own — escrow key material is
// protected by the key-oracle's own protocol, not by dedupd.
type KeyRecipeWriter struct {
	f *os.File
	w *bufio.Writer
}

// NewKeyRecipeWriter creates or truncates the sidecar file at path.
func NewKeyRecipeWriter(path string) (*KeyRecipeWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recipe: create key recipe %s: %w", path, err)
	}
	return &KeyRecipeWriter{f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one (key, cipher_chunk_hash) pair.
func (k *KeyRecipeWriter) Append(key [32]byte, cipherChunkHash [32]byte) error {
	if _, err := k.w.Write(key[:]); err != nil {
		return err
	}
	if _, err := k.w.Write(cipherChunkHash[:]); err != nil {
		return err
	}
	return nil
}

// Close flushes and closes the sidecar file.
func (k *KeyRecipeWriter) Close() error {
	if err := k.w.Flush(); err != nil {
		return err
	}
	return k.f.Close()
}
