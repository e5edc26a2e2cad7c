// Package skipstore implements the Skip Record Store (spec.md §4.7,
// C7): a persistent map of trackId to skip/complete counters, durably
// written in the same write-temp-then-atomic-rename style as
// tokenstore, grounded on github.com/google/renameio/v2.
package skipstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// SkipEvent records one skip occurrence at a given playback fraction.
type SkipEvent struct {
	Timestamp        time.Time `json:"ts"`
	ProgressFraction float64   `json:"progressFraction"`
}

// Record is the persisted per-track skip/complete tally.
type Record struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Artist          string      `json:"artist"`
	SkipCount       int         `json:"skipCount"`
	NotSkippedCount int         `json:"notSkippedCount"`
	LastSkippedAt   string      `json:"lastSkippedAt,omitempty"` // ISO8601
	SkipTimestamps  []time.Time `json:"skipTimestamps,omitempty"`
	SkipEvents      []SkipEvent `json:"skipEvents,omitempty"`
}

// Store persists Records at <dataDir>/skip-records.json. An in-memory
// map is the source of truth during the process lifetime; the file is
// a shadow rewritten on every mutation.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]Record
}

// New loads (or initializes) a Store rooted at dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		path:    filepath.Join(dataDir, "skip-records.json"),
		records: make(map[string]Record),
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var loaded map[string]Record
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, err
	}
	if loaded != nil {
		s.records = loaded
	}
	return s, nil
}

// Get returns the record for id, if any.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// GetAll returns a copy of every record.
func (s *Store) GetAll() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// UpdateSkipped merges a skip event into the record for id,
// creating it if absent. skipCount accumulates; lastSkippedAt tracks
// the maximum of existing and new timestamps.
func (s *Store) UpdateSkipped(id, name, artist string, progressFraction float64, at time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[id]
	rec.ID = id
	if name != "" {
		rec.Name = name
	}
	if artist != "" {
		rec.Artist = artist
	}
	rec.SkipCount++
	rec.SkipTimestamps = append(rec.SkipTimestamps, at)
	rec.SkipEvents = append(rec.SkipEvents, SkipEvent{Timestamp: at, ProgressFraction: progressFraction})
	rec.LastSkippedAt = maxISO(rec.LastSkippedAt, at)

	s.records[id] = rec
	return rec, s.persistLocked()
}

// UpdateNotSkipped merges a completion event into the record for id.
func (s *Store) UpdateNotSkipped(id, name, artist string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[id]
	rec.ID = id
	if name != "" {
		rec.Name = name
	}
	if artist != "" {
		rec.Artist = artist
	}
	rec.NotSkippedCount++

	s.records[id] = rec
	return rec, s.persistLocked()
}

// Remove deletes the record for id, if present.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return s.persistLocked()
}

// SaveAll replaces the entire record set and persists it.
func (s *Store) SaveAll(records map[string]Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.path, raw, 0o644)
}

func maxISO(existing string, candidate time.Time) string {
	candidateStr := candidate.UTC().Format(time.RFC3339)
	if existing == "" {
		return candidateStr
	}
	existingT, err := time.Parse(time.RFC3339, existing)
	if err != nil || candidate.After(existingT) {
		return candidateStr
	}
	return existing
}

// SortedIDs returns record keys sorted for deterministic iteration,
// used by callers presenting the list to the shell.
func SortedIDs(records map[string]Record) []string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
