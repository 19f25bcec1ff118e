package sealstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"dedupd/internal/sketch"
	"dedupd/internal/topk"
)

const freqStateFile = "freq.state"

// SaveFreqState writes the frequency index's in-memory state — the
// sketch counters and the top-K heap — to dir/freq.state so a restart
// resumes with the same frequency estimates and resident set.
func SaveFreqState(dir string, s *sketch.Sketch, h *topk.Heap) error {
	path := filepath.Join(dir, freqStateFile)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sealstore: persist freq state: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)

	cells := s.Snapshot()
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(cells)))
	if _, err := w.Write(u32[:]); err != nil {
		return err
	}
	if len(cells) > 0 {
		binary.LittleEndian.PutUint32(u32[:], uint32(len(cells[0])))
		if _, err := w.Write(u32[:]); err != nil {
			return err
		}
	}
	for _, row := range cells {
		for _, c := range row {
			binary.LittleEndian.PutUint32(u32[:], c)
			if _, err := w.Write(u32[:]); err != nil {
				return err
			}
		}
	}

	entries := h.Snapshot()
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(len(entries)))
	if _, err := w.Write(u64[:]); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := w.Write(e.Fingerprint[:]); err != nil {
			return err
		}
		if _, err := w.Write(e.Addr.ContainerID[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(u32[:], e.Addr.Offset)
		if _, err := w.Write(u32[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(u32[:], e.Addr.Length)
		if _, err := w.Write(u32[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(u32[:], e.Freq)
		if _, err := w.Write(u32[:]); err != nil {
			return err
		}
	}
	return w.Flush()
}

// LoadFreqState restores sketch counters and heap entries previously
// written by SaveFreqState. A missing file is not an error: the caller
// keeps its empty sketch and heap.
func LoadFreqState(dir string, s *sketch.Sketch, h *topk.Heap) (bool, error) {
	path := filepath.Join(dir, freqStateFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sealstore: load freq state: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)

	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return false, err
	}
	depth := binary.LittleEndian.Uint32(u32[:])
	var width uint32
	if depth > 0 {
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return false, err
		}
		width = binary.LittleEndian.Uint32(u32[:])
	}
	cells := make([][]uint32, depth)
	for i := range cells {
		row := make([]uint32, width)
		for j := range row {
			if _, err := io.ReadFull(r, u32[:]); err != nil {
				return false, err
			}
			row[j] = binary.LittleEndian.Uint32(u32[:])
		}
		cells[i] = row
	}
	if err := s.Restore(cells); err != nil {
		return false, fmt.Errorf("sealstore: restore sketch: %w", err)
	}

	var u64 [8]byte
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return false, err
	}
	count := binary.LittleEndian.Uint64(u64[:])
	entries := make([]topk.Entry, count)
	for i := range entries {
		var e topk.Entry
		if _, err := io.ReadFull(r, e.Fingerprint[:]); err != nil {
			return false, err
		}
		if _, err := io.ReadFull(r, e.Addr.ContainerID[:]); err != nil {
			return false, err
		}
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return false, err
		}
		e.Addr.Offset = binary.LittleEndian.Uint32(u32[:])
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return false, err
		}
		e.Addr.Length = binary.LittleEndian.Uint32(u32[:])
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return false, err
		}
		e.Freq = binary.LittleEndian.Uint32(u32[:])
		entries[i] = e
	}
	h.Load(entries)
	return true, nil
}
