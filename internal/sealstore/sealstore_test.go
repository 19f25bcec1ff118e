package sealstore

import (
	"crypto/rand"
	"testing"

	"dedupd/internal/sketch"
	"dedupd/internal/topk"
)

func TestSealLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	var dataKey, queryKey [32]byte
	rand.Read(dataKey[:])
	rand.Read(queryKey[:])
	stats := Stats{ChunksSeen: 100, ChunksUnique: 40, BytesStored: 1 << 20}

	if err := Seal(dir, "passphrase", dataKey, queryKey, stats); err != nil {
		t.Fatal(err)
	}

	gotData, gotQuery, gotStats, ok, err := Load(dir, "passphrase")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected sealed state to be found")
	}
	if gotData != dataKey || gotQuery != queryKey {
		t.Fatal("keys did not round-trip")
	}
	if gotStats != stats {
		t.Fatalf("stats did not round-trip: %+v", gotStats)
	}
}

func TestLoadAbsentIsColdBoot(t *testing.T) {
	_, _, _, ok, err := Load(t.TempDir(), "passphrase")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false for a directory with no sealed state")
	}
}

func TestLoadWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	var dataKey, queryKey [32]byte
	if err := Seal(dir, "right", dataKey, queryKey, Stats{}); err != nil {
		t.Fatal(err)
	}
	if _, _, _, _, err := Load(dir, "wrong"); err == nil {
		t.Fatal("expected an error with the wrong passphrase")
	}
}

func TestFreqStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := sketch.New(4, 1<<10)
	h := topk.New(8)

	fps := make([][32]byte, 5)
	for i := range fps {
		rand.Read(fps[i][:])
		for j := 0; j <= i; j++ {
			s.Update(fps[i], 1)
		}
		h.Push(fps[i], topk.Address{Offset: uint32(i), Length: 4096}, uint32(i+1))
	}

	if err := SaveFreqState(dir, s, h); err != nil {
		t.Fatal(err)
	}

	s2 := sketch.New(4, 1<<10)
	h2 := topk.New(8)
	ok, err := LoadFreqState(dir, s2, h2)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected freq state to be found")
	}

	for i, fp := range fps {
		if got, want := s2.Estimate(fp), uint32(i+1); got != want {
			t.Fatalf("fingerprint %d: estimate %d after reload, want %d", i, got, want)
		}
		e, found := h2.Contains(fp)
		if !found {
			t.Fatalf("fingerprint %d missing from reloaded heap", i)
		}
		if e.Freq != uint32(i+1) || e.Addr.Offset != uint32(i) {
			t.Fatalf("fingerprint %d: entry %+v did not round-trip", i, e)
		}
	}
	if h2.Len() != 5 {
		t.Fatalf("heap length %d after reload, want 5", h2.Len())
	}
}

func TestFreqStateAbsent(t *testing.T) {
	s := sketch.New(4, 1<<10)
	h := topk.New(8)
	ok, err := LoadFreqState(t.TempDir(), s, h)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false with no freq state on disk")
	}
}
