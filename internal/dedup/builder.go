package dedup

import (
	"fmt"

	"dedupd/internal/kvstore"
	"dedupd/internal/outerindex"
	"dedupd/internal/sketch"
	"dedupd/internal/topk"
)

// Variant selects a Tier implementation via the CLI -m flag. Modes 0
// and 4 both resolve to FreqTier: "out-enclave" names the general
// shape (an outer, host-side index) that "freq" (the Sketch+TopKHeap
// default) is a specific instance of; no behavioral difference is
// described for mode 0 beyond "uses an outer index", which FreqTier
// already does.
type Variant int

const (
	VariantOutEnclave Variant = 0
	VariantInEnclave  Variant = 1
	VariantExtremeBin Variant = 2
	VariantSparse     Variant = 3
	VariantFreq       Variant = 4
)

// BuildTier selects the concrete Tier for variant. The freq/out-enclave
// variants wrap the supplied, already-open kvstore.Store in an
// OuterIndex keyed by queryKey; the other variants ignore both.
func BuildTier(variant Variant, store kvstore.Store, queryKey [32]byte) (Tier, error) {
	switch variant {
	case VariantOutEnclave, VariantFreq:
		return NewFreqTier(outerindex.New(store, queryKey)), nil
	case VariantInEnclave:
		return NewInEnclaveTier(), nil
	case VariantExtremeBin:
		return NewExtremeBinTier(), nil
	case VariantSparse:
		return NewSparseTier(), nil
	default:
		return nil, fmt.Errorf("dedup: unknown variant %d", variant)
	}
}

// NewHeap builds the TopKHeap sized per configuration's top_k_param,
// shared across every variant.
func NewHeap(k int) *topk.Heap {
	return topk.New(k)
}

// NewSketch builds the Count-Min sketch with the default dimensions,
// shared across every variant.
func NewSketch() *sketch.Sketch {
	return sketch.New(sketch.DefaultDepth, sketch.DefaultWidth)
}
