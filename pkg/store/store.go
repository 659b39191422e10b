// Package store persists records incrementally on the local filesystem.
//
// Layout under the store directory:
//
//	records/<id>.json   record body without render data
//	blobs/<id>.json     render data, when the record has any
//	manifest.json       ledger of persisted and skipped sequence indexes
//
// Every file is replaced atomically. Writing identical content is a no-op.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/terraforms-extractor/internal/fsutil"
	"github.com/Sternrassler/terraforms-extractor/pkg/record"
)

const (
	recordsDir   = "records"
	blobsDir     = "blobs"
	manifestName = "manifest.json"

	manifestVersion = 1
)

// Entry maps a record id to its sequence index and storage locations.
// Index is -1 for records adopted from a directory scan.
type Entry struct {
	Index  int    `json:"index"`
	Record string `json:"record"`
	Blob   string `json:"blob,omitempty"`
}

type manifest struct {
	Version   int              `json:"version"`
	RunID     string           `json:"run_id,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
	Entries   map[uint64]Entry `json:"entries"`
	Skipped   []int            `json:"skipped"`
}

// Store is the filesystem persistence sink. It is safe for concurrent use.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu            sync.Mutex
	entries       map[uint64]Entry
	skipped       map[int]struct{}
	runID         string
	dirty         bool
	manifestFound bool
}

// Open opens or creates a store rooted at dir and loads its manifest.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	for _, sub := range []string{recordsDir, blobsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}

	s := &Store{
		dir:     dir,
		logger:  log.With().Str("component", "store").Str("dir", dir).Logger(),
		entries: make(map[uint64]Entry),
		skipped: make(map[int]struct{}),
	}

	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		// a corrupt manifest is rebuilt from the directory scan
		s.logger.Warn().Err(err).Msg("Ignoring unreadable manifest")
		return s, nil
	}
	for id, e := range m.Entries {
		s.entries[id] = e
	}
	for _, idx := range m.Skipped {
		s.skipped[idx] = struct{}{}
	}
	s.runID = m.RunID
	s.manifestFound = true
	return s, nil
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

// SetRunID tags the manifest with the id of the current run.
func (s *Store) SetRunID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = id
	s.dirty = true
}

// Persist writes rec write-through: the blob first, then the stripped body.
// The manifest entry is updated in memory and written by Flush.
func (s *Store) Persist(index int, rec record.Record) error {
	id := rec.ID()
	name := fileName(id)
	entry := Entry{Index: index, Record: filepath.Join(recordsDir, name)}

	if rec.Render != nil {
		data, err := json.MarshalIndent(rec.Render, "", "  ")
		if err != nil {
			return &PersistError{ID: id, Err: fmt.Errorf("encode blob: %w", err)}
		}
		if err := s.write("blob", blobsDir, name, data); err != nil {
			return &PersistError{ID: id, Path: filepath.Join(blobsDir, name), Err: err}
		}
		entry.Blob = filepath.Join(blobsDir, name)
	}

	data, err := json.MarshalIndent(rec.Body(), "", "  ")
	if err != nil {
		return &PersistError{ID: id, Err: fmt.Errorf("encode record: %w", err)}
	}
	if err := s.write("record", recordsDir, name, data); err != nil {
		return &PersistError{ID: id, Path: entry.Record, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Blob == "" {
		// keep a blob written by an earlier run
		if prev, ok := s.entries[id]; ok {
			entry.Blob = prev.Blob
		}
	}
	if prev, ok := s.entries[id]; !ok || prev != entry {
		s.entries[id] = entry
		s.dirty = true
	}
	delete(s.skipped, index)
	return nil
}

func (s *Store) write(kind, sub, name string, data []byte) error {
	written, err := fsutil.WriteIfChanged(filepath.Join(s.dir, sub), name, data)
	switch {
	case err != nil:
		storeWritesTotal.WithLabelValues(kind, "error").Inc()
		return err
	case written:
		storeWritesTotal.WithLabelValues(kind, "written").Inc()
	default:
		storeWritesTotal.WithLabelValues(kind, "unchanged").Inc()
	}
	return nil
}

// MarkSkipped records that index has no record and must not be fetched again.
func (s *Store) MarkSkipped(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.skipped[index]; ok {
		return
	}
	s.skipped[index] = struct{}{}
	s.dirty = true
}

// Flush rewrites the manifest if anything changed since the last flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	m := manifest{
		Version:   manifestVersion,
		RunID:     s.runID,
		UpdatedAt: time.Now().UTC(),
		Entries:   make(map[uint64]Entry, len(s.entries)),
		Skipped:   make([]int, 0, len(s.skipped)),
	}
	for id, e := range s.entries {
		m.Entries[id] = e
	}
	for idx := range s.skipped {
		m.Skipped = append(m.Skipped, idx)
	}
	s.dirty = false
	s.mu.Unlock()

	sort.Ints(m.Skipped)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return &PersistError{Path: manifestName, Err: err}
	}
	if err := fsutil.WriteFileAtomic(s.dir, manifestName, data); err != nil {
		storeWritesTotal.WithLabelValues("manifest", "error").Inc()
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return &PersistError{Path: manifestName, Err: err}
	}
	storeWritesTotal.WithLabelValues("manifest", "written").Inc()

	s.mu.Lock()
	s.manifestFound = true
	s.mu.Unlock()

	s.logger.Debug().Int("records", len(m.Entries)).Int("skipped", len(m.Skipped)).Msg("Manifest flushed")
	return nil
}

// Count returns the number of records in the ledger.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// IDs returns every persisted record id in ascending order.
func (s *Store) IDs() []uint64 {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Lookup returns the ledger entry for id.
func (s *Store) Lookup(id uint64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// Record loads the body of record id. Render data is not attached.
func (s *Store) Record(id uint64) (record.Record, error) {
	data, err := s.RecordBytes(id)
	if err != nil {
		return record.Record{}, err
	}
	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record.Record{}, fmt.Errorf("decode record %d: %w", id, err)
	}
	return rec, nil
}

// RecordBytes returns the stored body file of record id.
func (s *Store) RecordBytes(id uint64) ([]byte, error) {
	return s.readFile(recordsDir, id)
}

// Blob loads the render data of record id.
func (s *Store) Blob(id uint64) (*record.RenderData, error) {
	data, err := s.BlobBytes(id)
	if err != nil {
		return nil, err
	}
	var rd record.RenderData
	if err := json.Unmarshal(data, &rd); err != nil {
		return nil, fmt.Errorf("decode blob %d: %w", id, err)
	}
	return &rd, nil
}

// BlobBytes returns the stored blob file of record id.
func (s *Store) BlobBytes(id uint64) ([]byte, error) {
	return s.readFile(blobsDir, id)
}

func (s *Store) readFile(sub string, id uint64) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, sub, fileName(id)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s/%d: %w", sub, id, ErrNotFound)
	}
	return data, err
}

// Records loads every persisted record body, ordered by id.
func (s *Store) Records() ([]record.Record, error) {
	ids := s.IDs()
	out := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Record(id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func fileName(id uint64) string {
	return strconv.FormatUint(id, 10) + ".json"
}

// parseFileName returns the id encoded in a record or blob file name.
func parseFileName(name string) (uint64, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, ".json"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
