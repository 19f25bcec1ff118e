package sketch

import "testing"

func TestUpdateThenEstimateMonotone(t *testing.T) {
	s := New(4, 1<<10)
	var fp [32]byte
	fp[0] = 'x'

	if got := s.Estimate(fp); got != 0 {
		t.Fatalf("fresh sketch estimate = %d, want 0", got)
	}

	first := s.Update(fp, 1)
	if first != 1 {
		t.Fatalf("first update estimate = %d, want 1", first)
	}
	second := s.Update(fp, 1)
	if second < first {
		t.Fatalf("sketch counters must be monotone non-decreasing: %d then %d", first, second)
	}
}

func TestDistinctFingerprintsDoNotAlwaysCollide(t *testing.T) {
	s := New(DefaultDepth, 1<<16)
	var a, b [32]byte
	a[0], a[1] = 1, 2
	b[0], b[1] = 3, 4

	s.Update(a, 100)
	estB := s.Estimate(b)
	if estB >= 100 {
		t.Fatalf("unrelated fingerprint picked up unrelated counter mass: %d", estB)
	}
}

func TestRestoreRejectsShapeMismatch(t *testing.T) {
	s := New(2, 8)
	if err := s.Restore([][]uint32{{1, 2, 3}}); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New(2, 8)
	var fp [32]byte
	fp[0] = 9
	s.Update(fp, 5)

	snap := s.Snapshot()

	s2 := New(2, 8)
	if err := s2.Restore(snap); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if s2.Estimate(fp) != s.Estimate(fp) {
		t.Fatalf("restored estimate mismatch")
	}
}
