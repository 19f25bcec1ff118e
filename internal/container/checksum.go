package container

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// ChecksumFile computes the BLAKE3 digest of a flushed container file and
// returns it base64-encoded, for the restore engine's container
// integrity check. The digest is advisory: a mismatch is surfaced as StoreError
// rather than silently ignored, but it never substitutes for the
// per-chunk AES-GCM authentication tag.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("container: checksum open: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, 1<<20)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("container: checksum read: %w", err)
		}
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// ChecksumBytes computes the BLAKE3 digest of an in-memory container
// body, used right after a flush so the checksum can be recorded
// without a round trip through the filesystem.
func ChecksumBytes(body []byte) string {
	h := blake3.New()
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
