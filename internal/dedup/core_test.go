package dedup

import (
	"bytes"
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"dedupd/internal/codec"
	"dedupd/internal/container"
	"dedupd/internal/kvstore"
	"dedupd/internal/outerindex"
	"dedupd/internal/recipe"
	"dedupd/internal/sketch"
	"dedupd/internal/topk"
)

type memStore struct{ data map[string][]byte }

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) Get(key []byte) ([]byte, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return v, nil
}
func (m *memStore) Put(key, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}
func (m *memStore) Close() error { return nil }

// harness wires a minimal Core instance against a temp-dir container
// store and recipe file, for exercising end-to-end write-path scenarios.
type harness struct {
	t      *testing.T
	core   *Core
	dir    string
	recipe string
}

func newHarness(t *testing.T, k int, sendRecipeBatch int) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := container.NewStore(filepath.Join(dir, "containers"))
	if err != nil {
		t.Fatal(err)
	}
	packer, err := container.NewPacker(context.Background(), store, 0)
	if err != nil {
		t.Fatal(err)
	}

	tier := NewFreqTier(outerindex.New(newMemStore(), [32]byte{1}))
	heap := topk.New(k)
	sk := sketch.New(sketch.DefaultDepth, sketch.DefaultWidth)

	recipePath := filepath.Join(dir, "test-recipe")
	var dataKey, ivBaseFull [32]byte
	_, _ = rand.Read(dataKey[:])
	_, _ = rand.Read(ivBaseFull[:])
	var ivBase [12]byte
	copy(ivBase[:], ivBaseFull[:12])

	rw, err := recipe.NewWriter(recipePath, dataKey, ivBase)
	if err != nil {
		t.Fatal(err)
	}

	core := NewCore(Config{
		Sketch:          sk,
		Heap:            heap,
		Tier:            tier,
		Packer:          packer,
		DataKey:         dataKey,
		IVBase:          ivBase,
		RecipeWriter:    rw,
		SendRecipeBatch: sendRecipeBatch,
	})

	return &harness{t: t, core: core, dir: dir, recipe: recipePath}
}

func (h *harness) finish() {
	h.t.Helper()
	if err := h.core.ProcessTail(); err != nil {
		h.t.Fatalf("ProcessTail: %v", err)
	}
	if err := h.core.packer.Close(); err != nil {
		h.t.Fatalf("packer close: %v", err)
	}
}

func TestSingleChunkRoundTrip(t *testing.T) {
	h := newHarness(t, 64, 1024)
	chunk := make([]byte, 8*1024)
	if err := h.core.ProcessBatch([][]byte{chunk}); err != nil {
		t.Fatal(err)
	}
	h.finish()

	if h.core.Stats.ChunksSeen != 1 || h.core.Stats.ChunksUnique != 1 {
		t.Fatalf("expected 1 seen/1 unique, got %+v", h.core.Stats)
	}
	if h.core.fileSize != uint64(len(chunk)) {
		t.Fatalf("file size mismatch: got %d want %d", h.core.fileSize, len(chunk))
	}
}

func TestExactDuplicate(t *testing.T) {
	h := newHarness(t, 64, 1024)
	chunk := make([]byte, 4*1024)
	if _, err := rand.Read(chunk); err != nil {
		t.Fatal(err)
	}
	if err := h.core.ProcessBatch([][]byte{chunk, chunk}); err != nil {
		t.Fatal(err)
	}
	h.finish()

	if h.core.Stats.ChunksUnique != 1 {
		t.Fatalf("expected exactly 1 unique chunk, got %d", h.core.Stats.ChunksUnique)
	}
	if h.core.Stats.ChunksSeen != 2 {
		t.Fatalf("expected 2 chunks seen, got %d", h.core.Stats.ChunksSeen)
	}
}

func TestTopKEviction(t *testing.T) {
	h := newHarness(t, 2, 1024)
	mk := func(b byte) []byte {
		c := make([]byte, 1024)
		c[0] = b
		return c
	}
	A, B, C := mk('A'), mk('B'), mk('C')
	trace := [][]byte{A, A, A, B, B, C, C, C, C}
	for _, c := range trace {
		if err := h.core.ProcessBatch([][]byte{c}); err != nil {
			t.Fatal(err)
		}
	}
	h.finish()

	if h.core.heap.Len() != 2 {
		t.Fatalf("expected heap size 2, got %d", h.core.heap.Len())
	}
	fpA := codec.Hash(A)
	fpB := codec.Hash(B)
	fpC := codec.Hash(C)
	if _, ok := h.core.heap.Contains(fpB); ok {
		t.Fatal("expected B to have been evicted from the heap")
	}
	eA, ok := h.core.heap.Contains(fpA)
	if !ok || eA.Freq != 3 {
		t.Fatalf("expected A freq 3 in heap, got %+v ok=%v", eA, ok)
	}
	eC, ok := h.core.heap.Contains(fpC)
	if !ok || eC.Freq != 4 {
		t.Fatalf("expected C freq 4 in heap, got %+v ok=%v", eC, ok)
	}
}

func TestContainerRollover(t *testing.T) {
	h := newHarness(t, 64, 4096)
	chunkSize := container.MaxChunkSize / 2
	perContainer := container.MaxSize / (chunkSize + container.IVLen)
	total := perContainer + 1

	var chunks [][]byte
	for i := 0; i < total; i++ {
		c := make([]byte, chunkSize)
		_, _ = rand.Read(c)
		chunks = append(chunks, c)
	}
	if err := h.core.ProcessBatch(chunks); err != nil {
		t.Fatal(err)
	}
	h.finish()

	if h.core.Stats.ChunksUnique != uint64(total) {
		t.Fatalf("expected %d unique chunks, got %d", total, h.core.Stats.ChunksUnique)
	}
}

func TestCompressionDeclinedChunk(t *testing.T) {
	h := newHarness(t, 64, 1024)
	chunk := make([]byte, 4096)
	if _, err := rand.Read(chunk); err != nil {
		t.Fatal(err)
	}
	compressed, didCompress, err := codec.Compress(chunk)
	if err != nil {
		t.Fatal(err)
	}
	if didCompress {
		t.Skip("random bytes happened to compress smaller; non-deterministic by nature of the input")
	}
	if !bytes.Equal(compressed, chunk) {
		t.Fatal("declined compression must store the original bytes unchanged")
	}

	if err := h.core.ProcessBatch([][]byte{chunk}); err != nil {
		t.Fatal(err)
	}
	h.finish()
}

func TestRecipeTailChunkCount(t *testing.T) {
	const sendRecipeBatch = 4
	h := newHarness(t, 64, sendRecipeBatch)
	const n = 10 // not a multiple of sendRecipeBatch
	var total uint64
	for i := 0; i < n; i++ {
		c := make([]byte, 512+i)
		_, _ = rand.Read(c)
		total += uint64(len(c))
		if err := h.core.ProcessBatch([][]byte{c}); err != nil {
			t.Fatal(err)
		}
	}
	h.finish()

	if h.core.recipeWriter.ChunkCount() != n {
		t.Fatalf("expected chunk_count %d, got %d", n, h.core.recipeWriter.ChunkCount())
	}
	if h.core.fileSize != total {
		t.Fatalf("expected file_size %d, got %d", total, h.core.fileSize)
	}
}
