package dedup

import "dedupd/internal/container"

// ProbeResult is the outer-index-probe resolution for one fingerprint
// still flagged Unique after the local-batch and TopKHeap lookups
//.
type ProbeResult struct {
	Fingerprint [32]byte
	Addr        container.Address
	Found       bool
}

// Insertion is a brand-new chunk's fingerprint→address mapping,
// produced during Phase C's emit step and persisted via Commit at the
// end of the batch.
type Insertion struct {
	Fingerprint [32]byte
	Addr        container.Address
}

// Tier is the pluggable "third level" / middle tier of DedupCore's
// lookup chain. The freq (default), in-enclave, extreme-bin, and sparse
// variants all share DedupCore's Phase A/B/C/D skeleton and
// differ only in how Probe/Commit/Persist/Load resolve and store
// fingerprints beyond the local batch map and TopKHeap — the tagged
// variant this interface models replaces an abstract-base-class,
// five-subclasses dispatch.
type Tier interface {
	// Probe resolves a batch of fingerprints not already found in the
	// local batch map or TopKHeap.
	Probe(fps [][32]byte) ([]ProbeResult, error)

	// Commit durably records newly-unique fingerprint→address mappings
	// discovered during this batch.
	Commit(insertions []Insertion) error

	// Persist writes this tier's state into dir, the server's state
	// directory that also holds the sealstore files.
	Persist(dir string) error

	// Load restores previously-sealed state from dir. Absence of any
	// state is not an error — a cold boot proceeds with an empty tier.
	Load(dir string) error
}

// segmentSealer is implemented by tiers that accumulate a current
// segment and need it closed out when a file's upload completes, not
// just at process shutdown.
type segmentSealer interface {
	EndSegment()
}
