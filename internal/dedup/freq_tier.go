package dedup

import "dedupd/internal/outerindex"

// FreqTier is the default variant:
// the persistent OuterIndex cold tier behind the in-memory Sketch+TopKHeap.
type FreqTier struct {
	outer *outerindex.Index
}

// NewFreqTier wraps an already-constructed OuterIndex.
func NewFreqTier(outer *outerindex.Index) *FreqTier {
	return &FreqTier{outer: outer}
}

// Outer exposes the backing index so the server can attach operation
// counters to it.
func (t *FreqTier) Outer() *outerindex.Index {
	return t.outer
}

func (t *FreqTier) Probe(fps [][32]byte) ([]ProbeResult, error) {
	results, err := t.outer.LookupBatch(fps)
	if err != nil {
		return nil, err
	}
	out := make([]ProbeResult, len(results))
	for i, r := range results {
		out[i] = ProbeResult{Fingerprint: r.Fingerprint, Addr: r.Addr, Found: r.Found}
	}
	return out, nil
}

func (t *FreqTier) Commit(insertions []Insertion) error {
	entries := make([]outerindex.BatchResult, len(insertions))
	for i, ins := range insertions {
		entries[i] = outerindex.BatchResult{Fingerprint: ins.Fingerprint, Addr: ins.Addr, Found: true}
	}
	return t.outer.InsertBatch(entries)
}

// Persist and Load are no-ops here: the OuterIndex is backed directly by
// a durable kvstore.Store (bolt), so there is nothing additional for
// this tier to seal — persistence of the bolt file itself is handled by
// the store's own fsync-on-commit semantics, not by sealstore.
func (t *FreqTier) Persist(dir string) error { return nil }
func (t *FreqTier) Load(dir string) error    { return nil }

var _ Tier = (*FreqTier)(nil)
