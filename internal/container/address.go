// Package container implements fixed-capacity chunk containers: the
// append-only on-disk files that unique chunks are packed into, and the
// in-memory packer that assigns each chunk its self-locating address
//.
package container

import (
	"encoding/binary"
	"fmt"
)

// MaxSize is MAX_CONTAINER_SIZE, 2^22 bytes (4 MiB).
const MaxSize = 1 << 22

// IVLen is the per-chunk IV suffix length stored inline after every
// chunk body.
const IVLen = 16

// IDLen is the byte width of a container id.
const IDLen = 8

// Address is the triple (container_id, offset, length) that makes a
// chunk self-locating within its container.
type Address struct {
	ContainerID [IDLen]byte
	Offset      uint32
	Length      uint32
}

// String renders the address for logging.
func (a Address) String() string {
	return fmt.Sprintf("%x:%d+%d", a.ContainerID, a.Offset, a.Length)
}

// Encode serializes the address to its 16-byte wire/outer-index form:
// container_id (8) || offset (4, little-endian) || length (4, little-endian).
func (a Address) Encode() [16]byte {
	var out [16]byte
	copy(out[0:8], a.ContainerID[:])
	binary.LittleEndian.PutUint32(out[8:12], a.Offset)
	binary.LittleEndian.PutUint32(out[12:16], a.Length)
	return out
}

// DecodeAddress parses the 16-byte wire form produced by Encode.
func DecodeAddress(b [16]byte) Address {
	var a Address
	copy(a.ContainerID[:], b[0:8])
	a.Offset = binary.LittleEndian.Uint32(b[8:12])
	a.Length = binary.LittleEndian.Uint32(b[12:16])
	return a
}
