package topk

import "testing"

func fp(b byte) [32]byte {
	var f [32]byte
	f[0] = b
	return f
}

func TestHeapSizeBound(t *testing.T) {
	h := New(2)
	h.Push(fp('A'), Address{}, 1)
	h.Push(fp('B'), Address{}, 1)
	if h.Len() != 2 {
		t.Fatalf("len = %d, want 2", h.Len())
	}
	if !h.Full() {
		t.Fatal("expected heap to report full at capacity")
	}
}

// K=2, fingerprints A,A,A,B,B,C,C,C,C: B is promoted early, then
// evicted once C's estimated frequency overtakes it.
// Expected final heap {A(freq 3), C(freq 4)}; B is promoted then evicted.
func TestTopKEviction(t *testing.T) {
	h := New(2)

	// A seen 3 times, promoted first.
	h.Push(fp('A'), Address{}, 3)
	// B seen 2 times, promoted second — heap now full {A:3, B:2}.
	h.Push(fp('B'), Address{}, 2)

	if top := h.TopFreq(); top != 2 {
		t.Fatalf("top freq = %d, want 2 (B at root)", top)
	}

	// C arrives with freq 4, which exceeds the current root (B:2): evict root, push C.
	if root, ok := h.Pop(); !ok || root.Fingerprint != fp('B') {
		t.Fatalf("expected to evict B, got %+v ok=%v", root, ok)
	}
	h.Push(fp('C'), Address{}, 4)

	if h.Len() != 2 {
		t.Fatalf("len = %d, want 2", h.Len())
	}
	if _, ok := h.Contains(fp('B')); ok {
		t.Fatal("B should have been evicted")
	}
	aEntry, ok := h.Contains(fp('A'))
	if !ok || aEntry.Freq != 3 {
		t.Fatalf("A entry = %+v ok=%v, want freq 3", aEntry, ok)
	}
	cEntry, ok := h.Contains(fp('C'))
	if !ok || cEntry.Freq != 4 {
		t.Fatalf("C entry = %+v ok=%v, want freq 4", cEntry, ok)
	}
}

func TestHeapUpdateReordersRoot(t *testing.T) {
	h := New(3)
	h.Push(fp('X'), Address{}, 5)
	h.Push(fp('Y'), Address{}, 1)
	h.Push(fp('Z'), Address{}, 3)

	if top := h.TopFreq(); top != 1 {
		t.Fatalf("top freq = %d, want 1", top)
	}

	if !h.Update(fp('Y'), Address{}, 10) {
		t.Fatal("expected update of Y to succeed")
	}
	if top := h.TopFreq(); top != 3 {
		t.Fatalf("top freq after update = %d, want 3 (Z now minimum)", top)
	}
}

func TestHeapSnapshotLoadRoundTrip(t *testing.T) {
	h := New(4)
	h.Push(fp('A'), Address{ContainerID: [8]byte{1}, Offset: 10, Length: 20}, 7)
	h.Push(fp('B'), Address{}, 2)

	snap := h.Snapshot()

	h2 := New(4)
	h2.Load(snap)

	if h2.Len() != h.Len() {
		t.Fatalf("loaded len = %d, want %d", h2.Len(), h.Len())
	}
	e, ok := h2.Contains(fp('A'))
	if !ok || e.Freq != 7 || e.Addr.Offset != 10 {
		t.Fatalf("loaded entry mismatch: %+v ok=%v", e, ok)
	}
}
