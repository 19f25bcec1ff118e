package chunksource

import (
	"fmt"
	"io"
	"math/bits"
)

// FastCDCChunker implements content-defined chunking with a Gear rolling
// hash (config chunking_type=1), grounded on the pack's
// kalbasit/fastcdc ChunkerCore.FindBoundary: a 256-entry Gear table, a
// rolling fingerprint advanced one byte at a time, and two masks
// (narrower below the average size, wider above it) so the expected
// chunk length converges on AvgChunkSize without a hard cut at
// MaxChunkSize except as a backstop.
type FastCDCChunker struct {
	r   io.Reader
	buf []byte // unconsumed bytes read from r but not yet chunked
	eof bool

	table [256]uint64

	minSize  int
	maxSize  int
	normSize int
	maskS    uint64
	maskL    uint64
}

// gearSeed is a fixed seed for the Gear table; determinism across runs
// (not cryptographic randomness) is what the boundary rule needs.
const gearSeed uint64 = 0x9E3779B97F4A7C15

// NewFastCDC builds a FastCDC-style chunker over r using opts.
func NewFastCDC(r io.Reader, opts Options) *FastCDCChunker {
	if opts.MinChunkSize <= 0 {
		opts = DefaultOptions()
	}
	bitsForAvg := bits.Len(uint(opts.AvgChunkSize))
	maskBits := bitsForAvg - 1
	if maskBits < 1 {
		maskBits = 1
	}

	c := &FastCDCChunker{
		r:        r,
		buf:      make([]byte, 0, opts.ReadSize),
		minSize:  opts.MinChunkSize,
		maxSize:  opts.MaxChunkSize,
		normSize: opts.AvgChunkSize,
		maskS:    (uint64(1)<<uint(maskBits+1) - 1) << 0,
		maskL:    (uint64(1)<<uint(maskBits-1) - 1) << 0,
	}
	c.table = generateGearTable(gearSeed)
	return c
}

func generateGearTable(seed uint64) [256]uint64 {
	var table [256]uint64
	x := seed
	for i := range table {
		// xorshift64 to fill the table deterministically.
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		table[i] = x
	}
	return table
}

func (c *FastCDCChunker) fill() error {
	if c.eof {
		return nil
	}
	readBuf := make([]byte, cap(c.buf)-len(c.buf))
	if len(readBuf) == 0 {
		return nil
	}
	n, err := c.r.Read(readBuf)
	if n > 0 {
		c.buf = append(c.buf, readBuf[:n]...)
	}
	if err == io.EOF {
		c.eof = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("chunksource: fastcdc read: %w", err)
	}
	return nil
}

// Next returns the next content-defined chunk.
func (c *FastCDCChunker) Next() (Chunk, error) {
	for {
		if boundary, ok := c.findBoundary(); ok {
			out := make([]byte, boundary)
			copy(out, c.buf[:boundary])
			c.buf = c.buf[:copy(c.buf, c.buf[boundary:])]
			return Chunk{Data: out}, nil
		}
		if c.eof {
			if len(c.buf) == 0 {
				return Chunk{}, io.EOF
			}
			out := make([]byte, len(c.buf))
			copy(out, c.buf)
			c.buf = c.buf[:0]
			return Chunk{Data: out}, nil
		}
		if err := c.fill(); err != nil {
			return Chunk{}, err
		}
		if len(c.buf) < cap(c.buf) && !c.eof {
			// Topped up less than requested; loop to try reading again
			// or to discover EOF.
			continue
		}
	}
}

// findBoundary scans c.buf for a Gear-hash boundary below maxSize,
// mirroring the pack's ChunkerCore.FindBoundary two-region mask scheme.
func (c *FastCDCChunker) findBoundary() (int, bool) {
	n := len(c.buf)
	if n < c.minSize {
		if c.eof {
			return 0, false
		}
		return 0, false
	}

	limit := n
	if limit > c.maxSize {
		limit = c.maxSize
	}

	var fp uint64
	i := c.minSize
	for ; i < limit; i++ {
		fp = (fp << 1) + c.table[c.buf[i]]
		mask := c.maskL
		if i < c.normSize {
			mask = c.maskS
		}
		if fp&mask == 0 {
			return i + 1, true
		}
	}
	if n >= c.maxSize {
		return c.maxSize, true
	}
	return 0, false
}
