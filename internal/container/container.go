package container

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// MaxChunkSize bounds a single stored chunk body (excluding its IV
// suffix); it must stay comfortably under MaxSize so the retry in
// ContainerPacker.SaveChunk always succeeds on a fresh container.
const MaxChunkSize = 1 << 20 // 1 MiB; chunker output rarely exceeds 16 KiB but this gives headroom

// Container is a fixed-capacity append buffer: chunk bodies followed by
// their 16-byte IV suffix, packed back to back up to MaxSize. It is
// owned exclusively by one ClientSession for its lifetime.
type Container struct {
	ID      [IDLen]byte
	Body    []byte
	CurSize uint32
}

// New allocates a container with a fresh random 8-byte id; the id
// space is wide enough that writers never coordinate.
func New() (*Container, error) {
	var id [IDLen]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("container: generate id: %w", err)
	}
	return &Container{ID: id, Body: make([]byte, 0, MaxSize)}, nil
}

// ErrWouldOverflow signals the container cannot accept the chunk without
// exceeding MaxSize; the caller must flush and rotate.
var ErrWouldOverflow = errors.New("container: chunk would exceed MAX_CONTAINER_SIZE")

// Append stores chunkCipher followed by its IV, returning the address
// assigned to the chunk within this container. It never straddles a
// chunk across containers: callers must check Fits first or handle
// ErrWouldOverflow.
func (c *Container) Append(chunkCipher []byte, iv [IVLen]byte) (Address, error) {
	length := uint32(len(chunkCipher))
	if !c.Fits(length) {
		return Address{}, ErrWouldOverflow
	}

	addr := Address{ContainerID: c.ID, Offset: c.CurSize, Length: length}
	c.Body = append(c.Body, chunkCipher...)
	c.Body = append(c.Body, iv[:]...)
	c.CurSize += length + IVLen
	return addr, nil
}

// Fits reports whether a chunk of the given ciphertext length can be
// appended without exceeding MaxSize.
func (c *Container) Fits(length uint32) bool {
	return uint64(c.CurSize)+uint64(length)+IVLen <= MaxSize
}

// ReadAt extracts the chunk ciphertext and IV at the given offset/length,
// validating bounds against the container's current size.
func (c *Container) ReadAt(offset, length uint32) (cipher []byte, iv [IVLen]byte, err error) {
	end := uint64(offset) + uint64(length) + IVLen
	if end > uint64(len(c.Body)) {
		return nil, iv, fmt.Errorf("container: read out of bounds: offset=%d length=%d body=%d", offset, length, len(c.Body))
	}
	cipher = c.Body[offset : offset+length]
	copy(iv[:], c.Body[offset+length:offset+length+IVLen])
	return cipher, iv, nil
}
