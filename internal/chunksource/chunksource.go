// Package chunksource is the external chunking collaborator. dedupd treats it as a
// black-box interface; the fixed and FastCDC-style implementations here
// are a runnable default so the upload path works without an external
// chunking service.
package chunksource

import "io"

// Chunk is one (size, bytes) unit handed to DedupCore.
type Chunk struct {
	Data []byte
}

// Chunker streams chunks from a source, terminating with io.EOF.
type Chunker interface {
	// Next returns the next chunk, or io.EOF when the source is exhausted.
	Next() (Chunk, error)
}

// ChunkingType mirrors config.ChunkingType without importing the config
// package (kept leaf-level so config can depend on chunksource, not the
// reverse).
type ChunkingType int

const (
	Fixed ChunkingType = iota
	FastCDC
	FSLTrace
	UBCTrace
)

// Options configures any Chunker implementation in this package, mapping
// 1:1 onto the config's chunking document.
type Options struct {
	MaxChunkSize      int
	AvgChunkSize      int
	MinChunkSize      int
	SlidingWindowSize int
	ReadSize          int
}

// DefaultOptions matches the GLOSSARY's "variable-length (1 KiB–16 KiB)"
// chunk size band.
func DefaultOptions() Options {
	return Options{
		MaxChunkSize:      16 * 1024,
		AvgChunkSize:      8 * 1024,
		MinChunkSize:      2 * 1024,
		SlidingWindowSize: 64,
		ReadSize:          1 << 20,
	}
}

// New builds a Chunker of the requested type over r. Only Fixed and
// FastCDC have implementations here; FSLTrace and UBCTrace get a
// FixedChunker of opts.AvgChunkSize, as does any unknown type.
func New(kind ChunkingType, r io.Reader, opts Options) Chunker {
	switch kind {
	case FastCDC:
		return NewFastCDC(r, opts)
	default:
		return NewFixed(r, opts.AvgChunkSize)
	}
}
