// Package dedup implements Core: the write-path state machine
// that turns a batch of plaintext chunks into recipe entries, emitting
// newly-unique chunks to the container packer and deduplicating the
// rest against three successive tiers (local batch, TopKHeap, Tier).
package dedup

import (
	"fmt"

	"dedupd/internal/codec"
	"dedupd/internal/container"
	"dedupd/internal/crypto"
	"dedupd/internal/keyoracle"
	"dedupd/internal/recipe"
	"dedupd/internal/sealstore"
	"dedupd/internal/sketch"
	"dedupd/internal/topk"
)

// flag is a chunk's Phase B resolution: unique, duplicate via the
// heap, duplicate via the outer tier, or a repeat within the current
// batch.
type flag int

const (
	flagUnique flag = iota
	flagDuplicateHeap
	flagDuplicateOuter
	flagLocal
)

// Core is internal/dedup.Core: the Phase A–E
// skeleton shared by every Tier variant. One Core is owned exclusively
// by a single upload ClientSession for the lifetime of one file.
type Core struct {
	sketch *sketch.Sketch
	heap   *topk.Heap
	tier   Tier
	packer *container.Packer

	dataKey [32]byte
	ivBase  [12]byte
	ivCtr   uint64

	recipeWriter    *recipe.Writer
	keyRecipeWriter *recipe.KeyRecipeWriter
	keyOracle       keyoracle.Oracle

	sendRecipeBatch int
	pendingRecipe   []container.Address

	fileSize uint64
	Stats    sealstore.Stats
}

// Config bundles the dependencies NewCore wires together. The upload
// session assembles it per file; the Tier in it comes from BuildTier
// (builder.go), which maps the CLI -m flag to a variant.
type Config struct {
	Sketch          *sketch.Sketch
	Heap            *topk.Heap
	Tier            Tier
	Packer          *container.Packer
	DataKey         [32]byte
	IVBase          [12]byte
	RecipeWriter    *recipe.Writer
	KeyRecipeWriter *recipe.KeyRecipeWriter // nil when no key-oracle is configured
	KeyOracle       keyoracle.Oracle        // nil when no key-oracle is configured
	SendRecipeBatch int
}

// NewCore builds a Core from an already-assembled Config.
func NewCore(cfg Config) *Core {
	return &Core{
		sketch:          cfg.Sketch,
		heap:            cfg.Heap,
		tier:            cfg.Tier,
		packer:          cfg.Packer,
		dataKey:         cfg.DataKey,
		ivBase:          cfg.IVBase,
		recipeWriter:    cfg.RecipeWriter,
		keyRecipeWriter: cfg.KeyRecipeWriter,
		keyOracle:       cfg.KeyOracle,
		sendRecipeBatch: cfg.SendRecipeBatch,
	}
}

func toTopkAddr(a container.Address) topk.Address {
	return topk.Address{ContainerID: a.ContainerID, Offset: a.Offset, Length: a.Length}
}

func toContainerAddr(a topk.Address) container.Address {
	return container.Address{ContainerID: a.ContainerID, Offset: a.Offset, Length: a.Length}
}

// ProcessBatch runs Phases A–E over one received batch of
// plaintext chunks.
func (c *Core) ProcessBatch(chunks [][]byte) error {
	n := len(chunks)
	fps := make([][32]byte, n)
	freqs := make([]uint32, n)
	flags := make([]flag, n)
	addrs := make([]container.Address, n)
	localRef := make([]int, n)

	localFirst := make(map[[32]byte]int, n)
	var probeIdx []int
	var probeFps [][32]byte

	// Phase A (fingerprint + frequency) and Phase B.1/B.2 (local batch
	// map, then TopKHeap).
	for i, plain := range chunks {
		fp := codec.Hash(plain)
		fps[i] = fp
		freqs[i] = c.sketch.Update(fp, 1)

		if first, ok := localFirst[fp]; ok {
			flags[i] = flagLocal
			localRef[i] = first
			continue
		}
		localFirst[fp] = i

		if e, ok := c.heap.Contains(fp); ok {
			flags[i] = flagDuplicateHeap
			addrs[i] = toContainerAddr(e.Addr)
			continue
		}

		flags[i] = flagUnique
		probeIdx = append(probeIdx, i)
		probeFps = append(probeFps, fp)
	}

	// Phase B.3: batched outer-index probe for everything still Unique.
	if len(probeFps) > 0 {
		results, err := c.tier.Probe(probeFps)
		if err != nil {
			return fmt.Errorf("dedup: probe: %w", err)
		}
		for k, r := range results {
			if !r.Found {
				continue
			}
			i := probeIdx[k]
			flags[i] = flagDuplicateOuter
			addrs[i] = r.Addr
		}
	}

	// Phase C: emit, strictly in order so a Local chunk always finds its
	// first occurrence's address already resolved.
	var insertions []Insertion
	recipeBatch := make([]container.Address, n)
	for i, plain := range chunks {
		switch flags[i] {
		case flagLocal:
			addrs[i] = addrs[localRef[i]]

		case flagDuplicateHeap, flagDuplicateOuter:
			// addrs[i] already resolved above.

		case flagUnique:
			addr, err := c.emitUnique(plain, fps[i])
			if err != nil {
				return err
			}
			addrs[i] = addr
			insertions = append(insertions, Insertion{Fingerprint: fps[i], Addr: addr})
			c.Stats.ChunksUnique++
			c.Stats.BytesStored += uint64(len(plain))
		}
		recipeBatch[i] = addrs[i]
		c.fileSize += uint64(len(plain))
	}
	c.Stats.ChunksSeen += uint64(n)

	// Phase D: heap maintenance, only for chunks that were not purely
	// Local.
	for i := range chunks {
		if flags[i] == flagLocal {
			continue
		}
		c.promote(fps[i], addrs[i], freqs[i])
	}

	// Phase E: flush triggers.
	c.pendingRecipe = append(c.pendingRecipe, recipeBatch...)
	for len(c.pendingRecipe) >= c.sendRecipeBatch {
		block := c.pendingRecipe[:c.sendRecipeBatch]
		if err := c.recipeWriter.AppendBlock(block); err != nil {
			return err
		}
		c.pendingRecipe = c.pendingRecipe[c.sendRecipeBatch:]
	}
	if len(insertions) > 0 {
		if err := c.tier.Commit(insertions); err != nil {
			return fmt.Errorf("dedup: commit insertions: %w", err)
		}
	}
	return nil
}

// emitUnique implements the Unique branch of Phase C: compress, pick a
// fresh IV, encrypt under the enclave data key, and hand the result to
// ContainerPacker for address assignment. When a key-oracle is
// configured it also derives a convergent key and appends it to the
// KeyRecipe sidecar.
func (c *Core) emitUnique(plain []byte, fp [32]byte) (container.Address, error) {
	compressed, _, err := codec.Compress(plain)
	if err != nil {
		return container.Address{}, fmt.Errorf("dedup: compress: %w", err)
	}

	nonce := crypto.DeriveChunkNonce(c.ivBase, uint32(c.ivCtr))
	c.ivCtr++

	cipher, err := codec.Encrypt(compressed, c.dataKey, nonce)
	if err != nil {
		return container.Address{}, fmt.Errorf("dedup: encrypt chunk: %w", err)
	}

	addr, err := c.packer.SaveChunk(cipher, codec.StoreIV(nonce))
	if err != nil {
		return container.Address{}, fmt.Errorf("dedup: save chunk: %w", err)
	}

	if c.keyOracle != nil && c.keyRecipeWriter != nil {
		key, err := c.keyOracle.DeriveKey(fp)
		if err != nil {
			return container.Address{}, fmt.Errorf("dedup: key oracle: %w", err)
		}
		cipherHash := codec.Hash(cipher)
		if err := c.keyRecipeWriter.Append(key, cipherHash); err != nil {
			return container.Address{}, fmt.Errorf("dedup: key recipe append: %w", err)
		}
	}
	return addr, nil
}

// promote implements Phase D's promotion rule: update in place if
// already resident, else push if the heap has room, else evict the
// root and push only if freq is at least the root's frequency.
func (c *Core) promote(fp [32]byte, addr container.Address, freq uint32) {
	topkAddr := toTopkAddr(addr)
	if _, ok := c.heap.Contains(fp); ok {
		c.heap.Update(fp, topkAddr, freq)
		return
	}
	if !c.heap.Full() {
		c.heap.Push(fp, topkAddr, freq)
		return
	}
	if freq >= c.heap.TopFreq() {
		c.heap.Pop()
		c.heap.Push(fp, topkAddr, freq)
	}
}

// ProcessTail implements the tail-batch handling of
// UploadRecipeEnd: flush the residual recipe block and container, then
// write the (file_size, chunk_count) header and close the recipe file.
func (c *Core) ProcessTail() error {
	if len(c.pendingRecipe) > 0 {
		if err := c.recipeWriter.AppendBlock(c.pendingRecipe); err != nil {
			return err
		}
		c.pendingRecipe = nil
	}
	if err := c.packer.Flush(); err != nil {
		return fmt.Errorf("dedup: flush container: %w", err)
	}
	// The recipe header must not be written until every container it
	// references is durably on disk, so drain the writer queue first.
	if err := c.packer.Close(); err != nil {
		return fmt.Errorf("dedup: drain container writer: %w", err)
	}
	if c.keyRecipeWriter != nil {
		if err := c.keyRecipeWriter.Close(); err != nil {
			return fmt.Errorf("dedup: close key recipe: %w", err)
		}
	}
	if err := c.recipeWriter.Finalize(c.fileSize); err != nil {
		return fmt.Errorf("dedup: finalize recipe: %w", err)
	}
	// Tiers that build per-segment manifests close the partial segment
	// at the file boundary.
	if sealer, ok := c.tier.(segmentSealer); ok {
		sealer.EndSegment()
	}
	return nil
}
