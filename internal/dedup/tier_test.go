package dedup

import (
	"crypto/rand"
	"testing"

	"dedupd/internal/container"
)

func testAddr(offset uint32) container.Address {
	var a container.Address
	rand.Read(a.ContainerID[:])
	a.Offset = offset
	a.Length = 4096
	return a
}

func randomFingerprint(t *testing.T) [32]byte {
	t.Helper()
	var fp [32]byte
	if _, err := rand.Read(fp[:]); err != nil {
		t.Fatal(err)
	}
	return fp
}

func probeOne(t *testing.T, tier Tier, fp [32]byte) ProbeResult {
	t.Helper()
	results, err := tier.Probe([][32]byte{fp})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	return results[0]
}

func TestInEnclaveTierProbeCommit(t *testing.T) {
	tier := NewInEnclaveTier()

	fp := randomFingerprint(t)
	if r := probeOne(t, tier, fp); r.Found {
		t.Fatal("probe hit on an empty tier")
	}

	addr := testAddr(0)
	if err := tier.Commit([]Insertion{{Fingerprint: fp, Addr: addr}}); err != nil {
		t.Fatal(err)
	}
	r := probeOne(t, tier, fp)
	if !r.Found || r.Addr != addr {
		t.Fatalf("committed fingerprint did not resolve: %+v", r)
	}
}

func TestInEnclaveTierPersistLoad(t *testing.T) {
	dir := t.TempDir()
	tier := NewInEnclaveTier()

	entries := make(map[[32]byte]container.Address)
	for i := 0; i < 20; i++ {
		fp := randomFingerprint(t)
		addr := testAddr(uint32(i * 4096))
		entries[fp] = addr
		if err := tier.Commit([]Insertion{{Fingerprint: fp, Addr: addr}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tier.Persist(dir); err != nil {
		t.Fatal(err)
	}

	reloaded := NewInEnclaveTier()
	if err := reloaded.Load(dir); err != nil {
		t.Fatal(err)
	}
	for fp, addr := range entries {
		r := probeOne(t, reloaded, fp)
		if !r.Found || r.Addr != addr {
			t.Fatalf("entry %x lost across Persist/Load: %+v", fp[:4], r)
		}
	}
}

// Two fingerprints sharing a min-hash must not alias: a probe for the
// uncommitted one hits the same bin but must miss after the full-hash
// comparison, and once both are committed each resolves to its own
// address.
func TestExtremeBinTierFullHashFallback(t *testing.T) {
	tier := NewExtremeBinTier()

	fpA := randomFingerprint(t)
	fpB := fpA
	fpB[31] ^= 0xFF // same leading 8 bytes, different fingerprint

	addrA := testAddr(0)
	if err := tier.Commit([]Insertion{{Fingerprint: fpA, Addr: addrA}}); err != nil {
		t.Fatal(err)
	}

	if r := probeOne(t, tier, fpB); r.Found {
		t.Fatal("colliding min-hash resolved as duplicate without a full-hash match")
	}

	addrB := testAddr(8192)
	if err := tier.Commit([]Insertion{{Fingerprint: fpB, Addr: addrB}}); err != nil {
		t.Fatal(err)
	}
	if r := probeOne(t, tier, fpA); !r.Found || r.Addr != addrA {
		t.Fatalf("fpA misresolved: %+v", r)
	}
	if r := probeOne(t, tier, fpB); !r.Found || r.Addr != addrB {
		t.Fatalf("fpB misresolved: %+v", r)
	}
}

func TestExtremeBinTierPersistLoad(t *testing.T) {
	dir := t.TempDir()
	tier := NewExtremeBinTier()

	entries := make(map[[32]byte]container.Address)
	for i := 0; i < 20; i++ {
		fp := randomFingerprint(t)
		addr := testAddr(uint32(i * 4096))
		entries[fp] = addr
		if err := tier.Commit([]Insertion{{Fingerprint: fp, Addr: addr}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tier.Persist(dir); err != nil {
		t.Fatal(err)
	}

	reloaded := NewExtremeBinTier()
	if err := reloaded.Load(dir); err != nil {
		t.Fatal(err)
	}
	for fp, addr := range entries {
		r := probeOne(t, reloaded, fp)
		if !r.Found || r.Addr != addr {
			t.Fatalf("entry %x lost across Persist/Load: %+v", fp[:4], r)
		}
	}
}

// hookFingerprint returns a fingerprint qualifying as a hook (leading
// zero bits in its first byte).
func hookFingerprint(t *testing.T) [32]byte {
	fp := randomFingerprint(t)
	fp[0] &= 0xFF >> HookZeroBits
	return fp
}

// nonHookFingerprint returns a fingerprint that can never be a hook.
func nonHookFingerprint(t *testing.T) [32]byte {
	fp := randomFingerprint(t)
	fp[0] |= 0xF0
	return fp
}

func TestSparseTierHookManifestLookup(t *testing.T) {
	tier := NewSparseTier()

	hook := hookFingerprint(t)
	other := nonHookFingerprint(t)
	hookAddr := testAddr(0)
	otherAddr := testAddr(4096)

	err := tier.Commit([]Insertion{
		{Fingerprint: hook, Addr: hookAddr},
		{Fingerprint: other, Addr: otherAddr},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Still in the current segment: both resolve locally.
	if r := probeOne(t, tier, other); !r.Found || r.Addr != otherAddr {
		t.Fatalf("current-segment entry missed: %+v", r)
	}

	tier.EndSegment()

	// After sealing, only a probe batch containing a hook pulls the
	// sealed manifest back in; the non-hook fingerprint alone finds
	// nothing to union.
	if r := probeOne(t, tier, other); r.Found {
		t.Fatalf("non-hook probe resolved without any manifest loaded: %+v", r)
	}
	results, err := tier.Probe([][32]byte{hook, other})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Found || results[0].Addr != hookAddr {
		t.Fatalf("hook entry missed after seal: %+v", results[0])
	}
	if !results[1].Found || results[1].Addr != otherAddr {
		t.Fatalf("manifest union did not resolve the non-hook entry: %+v", results[1])
	}
}

func TestSparseTierSegmentSealThreshold(t *testing.T) {
	tier := NewSparseTier()

	total := SegmentSealThreshold + SegmentSealThreshold/2
	batch := make([]Insertion, total)
	for i := range batch {
		batch[i] = Insertion{Fingerprint: randomFingerprint(t), Addr: testAddr(uint32(i))}
	}
	if err := tier.Commit(batch); err != nil {
		t.Fatal(err)
	}

	tier.mu.RLock()
	sealed := len(tier.manifests)
	pending := len(tier.cur)
	tier.mu.RUnlock()

	if sealed == 0 {
		t.Fatal("no manifest sealed during live commits")
	}
	if pending >= SegmentSealThreshold {
		t.Fatalf("current segment grew past the seal threshold: %d", pending)
	}
}

func TestSparseTierPersistLoad(t *testing.T) {
	dir := t.TempDir()
	tier := NewSparseTier()

	hook := hookFingerprint(t)
	other := nonHookFingerprint(t)
	hookAddr := testAddr(0)
	otherAddr := testAddr(4096)

	err := tier.Commit([]Insertion{
		{Fingerprint: hook, Addr: hookAddr},
		{Fingerprint: other, Addr: otherAddr},
	})
	if err != nil {
		t.Fatal(err)
	}
	tier.EndSegment()
	if err := tier.Persist(dir); err != nil {
		t.Fatal(err)
	}

	reloaded := NewSparseTier()
	if err := reloaded.Load(dir); err != nil {
		t.Fatal(err)
	}
	results, err := reloaded.Probe([][32]byte{hook, other})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Found || results[0].Addr != hookAddr {
		t.Fatalf("hook entry lost across Persist/Load: %+v", results[0])
	}
	if !results[1].Found || results[1].Addr != otherAddr {
		t.Fatalf("manifest entry lost across Persist/Load: %+v", results[1])
	}

	// Committing after a reload must hand out fresh manifest ids.
	extra := hookFingerprint(t)
	if err := reloaded.Commit([]Insertion{{Fingerprint: extra, Addr: testAddr(8192)}}); err != nil {
		t.Fatal(err)
	}
	reloaded.EndSegment()
	reloaded.mu.RLock()
	manifests := len(reloaded.manifests)
	reloaded.mu.RUnlock()
	if manifests != 2 {
		t.Fatalf("expected 2 manifests after reload + reseal, got %d", manifests)
	}
}
