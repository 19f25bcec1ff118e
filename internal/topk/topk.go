// Package topk implements the indexed min-heap of the K most frequent
// chunk fingerprints: a bijection between a
// fingerprint→entry map and a dense slice ordered by estimated
// frequency, so contains/update/pop/push are all O(log K).
package topk

import (
	"sync"
)

// Address is the address payload carried alongside a fingerprint in the
// heap; it mirrors container.Address without importing the container
// package (kept dependency-free so it can seed outerindex/dedup alike).
type Address struct {
	ContainerID [8]byte
	Offset      uint32
	Length      uint32
}

// Entry is one heap slot: a fingerprint, its resolved address, and its
// estimated frequency. HeapIdx is maintained internally and mirrors the
// position of this entry's handle within heap.
type Entry struct {
	Fingerprint [32]byte
	Addr        Address
	Freq        uint32
	heapIdx     int
}

// Heap is a fixed-capacity (K) min-heap keyed by fingerprint, with O(1)
// membership testing via an auxiliary map from fingerprint to its
// entry, whose heapIdx records its slice index — the Go-idiomatic
// replacement for the
// pointer-swapping heap_idx bookkeeping a C++ rendition would use.
type Heap struct {
	mu    sync.RWMutex
	k     int
	heap  []*Entry
	index map[[32]byte]*Entry
}

// New builds an empty heap with capacity k.
func New(k int) *Heap {
	return &Heap{
		k:     k,
		heap:  make([]*Entry, 0, k),
		index: make(map[[32]byte]*Entry, k),
	}
}

// Len returns the number of entries currently held.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.heap)
}

// Contains reports whether fp is present and, if so, returns its entry.
func (h *Heap) Contains(fp [32]byte) (Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.index[fp]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// TopFreq returns heap[0].Freq, or 0 if the heap is empty.
func (h *Heap) TopFreq() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.heap) == 0 {
		return 0
	}
	return h.heap[0].Freq
}

// Update locates fp via the index map, rewrites its frequency and
// address, and restores heap order by sifting in both directions — the
// frequency can move in either direction, unlike a pure increment-only
// structure, because an outer-index hit can arrive with a higher
// estimate than the heap already recorded.
func (h *Heap) Update(fp [32]byte, addr Address, freq uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.index[fp]
	if !ok {
		return false
	}
	e.Addr = addr
	e.Freq = freq
	h.siftDown(e.heapIdx)
	h.siftUp(e.heapIdx)
	return true
}

// Push inserts a brand-new entry. If the heap is already at capacity,
// the caller must have already evicted the root via Pop — Push never
// silently drops the incoming entry to stay under K.
func (h *Heap) Push(fp [32]byte, addr Address, freq uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := &Entry{Fingerprint: fp, Addr: addr, Freq: freq}
	e.heapIdx = len(h.heap)
	h.heap = append(h.heap, e)
	h.index[fp] = e
	h.siftUp(e.heapIdx)
}

// Pop removes and returns the minimum-frequency entry (the root).
func (h *Heap) Pop() (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.heap) == 0 {
		return Entry{}, false
	}

	root := h.heap[0]
	last := len(h.heap) - 1
	h.heap[0] = h.heap[last]
	h.heap[0].heapIdx = 0
	h.heap = h.heap[:last]
	delete(h.index, root.Fingerprint)

	if len(h.heap) > 0 {
		h.siftDown(0)
	}
	return *root, true
}

// Full reports whether the heap is at its K capacity.
func (h *Heap) Full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.heap) >= h.k
}

func (h *Heap) less(i, j int) bool {
	// Strict "<" tie-break: equal frequencies never swap, so
	// promotion order among equal-frequency entries is stable.
	return h.heap[i].Freq < h.heap[j].Freq
}

func (h *Heap) swap(i, j int) {
	h.heap[i], h.heap[j] = h.heap[j], h.heap[i]
	h.heap[i].heapIdx = i
	h.heap[j].heapIdx = j
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *Heap) siftDown(i int) {
	n := len(h.heap)
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < n && h.less(left, smallest) {
			smallest = left
		}
		if right < n && h.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			break
		}
		h.swap(i, smallest)
		i = smallest
	}
}

// Snapshot returns every entry currently held, for sealing to disk. The
// order is heap order, not frequency order; Load restores it verbatim.
func (h *Heap) Snapshot() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, len(h.heap))
	for i, e := range h.heap {
		out[i] = *e
	}
	return out
}

// Load replaces the heap's contents with previously-sealed entries,
// re-establishing the index map and heap_idx bookkeeping. The input is
// assumed to already be heap-ordered (as produced by Snapshot).
func (h *Heap) Load(entries []Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.heap = make([]*Entry, len(entries))
	h.index = make(map[[32]byte]*Entry, len(entries))
	for i := range entries {
		e := entries[i]
		e.heapIdx = i
		h.heap[i] = &e
		h.index[e.Fingerprint] = &e
	}
}
