package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// State is what a previous run left behind.
type State struct {
	// Count is the number of records durably stored.
	Count int

	// MaxIndexCovered is the highest sequence index that is persisted or
	// skipped, -1 when nothing is covered.
	MaxIndexCovered int

	// Covered holds every sequence index that needs no fetch.
	Covered map[int]struct{}

	// Skipped is the number of indexes known to have no record.
	Skipped int

	// Adopted is the number of records found on disk but missing from the
	// manifest; their sequence index is unknown.
	Adopted int

	// ManifestFound is false when no manifest existed; resume then falls back
	// to the record count as the starting offset.
	ManifestFound bool
}

// LoadState reconciles the manifest with the records directory and returns
// the resume state. Records on disk missing from the manifest are adopted
// with an unknown index; manifest entries without a record file are dropped.
func (s *Store) LoadState() (State, error) {
	dirEntries, err := os.ReadDir(filepath.Join(s.dir, recordsDir))
	if err != nil {
		return State{}, fmt.Errorf("scan records: %w", err)
	}

	onDisk := make(map[uint64]struct{}, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if id, ok := parseFileName(de.Name()); ok {
			onDisk[id] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{
		MaxIndexCovered: -1,
		Covered:         make(map[int]struct{}),
		ManifestFound:   s.manifestFound,
	}

	for id := range s.entries {
		if _, ok := onDisk[id]; !ok {
			s.logger.Warn().Uint64("record_id", id).Msg("Dropping manifest entry without record file")
			delete(s.entries, id)
			s.dirty = true
		}
	}

	for id := range onDisk {
		if _, ok := s.entries[id]; ok {
			continue
		}
		entry := Entry{Index: -1, Record: filepath.Join(recordsDir, fileName(id))}
		if _, err := os.Stat(filepath.Join(s.dir, blobsDir, fileName(id))); err == nil {
			entry.Blob = filepath.Join(blobsDir, fileName(id))
		}
		s.entries[id] = entry
		s.dirty = true
		state.Adopted++
	}

	for _, e := range s.entries {
		if e.Index >= 0 {
			state.cover(e.Index)
		}
	}
	for idx := range s.skipped {
		state.cover(idx)
	}

	state.Count = len(s.entries)
	state.Skipped = len(s.skipped)

	if state.Adopted > 0 {
		s.logger.Info().Int("adopted", state.Adopted).Msg("Adopted records missing from manifest")
	}
	return state, nil
}

func (st *State) cover(index int) {
	st.Covered[index] = struct{}{}
	if index > st.MaxIndexCovered {
		st.MaxIndexCovered = index
	}
}

// Pending returns the sequence indexes in [base, base+total) that still need
// a fetch, in ascending order. Without a manifest the record count is used as
// the starting offset.
func Pending(state State, total, base int) []int {
	if total <= 0 {
		return nil
	}

	if !state.ManifestFound {
		start := base + state.Count
		end := base + total
		if start >= end {
			return nil
		}
		out := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			out = append(out, i)
		}
		return out
	}

	out := make([]int, 0, total)
	for i := base; i < base+total; i++ {
		if _, ok := state.Covered[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}
