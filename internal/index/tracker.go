// Package index drives ingest: validation, chunking, encoding, engine
// upserts, and the per-store file tracker that makes reindexing
// incremental.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// TrackedFile is the tracker's record of one indexed document.
type TrackedFile struct {
	Path       string    `json:"path"`
	DocHash    string    `json:"doc_hash"`
	ChunkCount int       `json:"chunk_count"`
	Language   string    `json:"language,omitempty"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// Tracker persists the indexed-file map per store at
// {dir}/{store}.json. Bulk updates commit atomically via rename.
type Tracker struct {
	dir string

	mu     sync.RWMutex
	stores map[string]map[string]TrackedFile
}

// NewTracker loads existing tracker files lazily; only the directory is
// created up front.
func NewTracker(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tracker dir: %w", err)
	}
	return &Tracker{dir: dir, stores: make(map[string]map[string]TrackedFile)}, nil
}

func (t *Tracker) path(store string) string {
	return filepath.Join(t.dir, store+".json")
}

// load reads a store's file from disk into memory. Caller holds the write
// lock.
func (t *Tracker) load(store string) (map[string]TrackedFile, error) {
	if files, ok := t.stores[store]; ok {
		return files, nil
	}
	files := make(map[string]TrackedFile)
	data, err := os.ReadFile(t.path(store))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read tracker for %s: %w", store, err)
	default:
		var entries []TrackedFile
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse tracker for %s: %w", store, err)
		}
		for _, e := range entries {
			files[e.Path] = e
		}
	}
	t.stores[store] = files
	return files, nil
}

// persist writes a store's map atomically. Caller holds the write lock.
func (t *Tracker) persist(store string) error {
	files := t.stores[store]
	entries := make([]TrackedFile, 0, len(files))
	for _, e := range files {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tracker for %s: %w", store, err)
	}
	tmp := t.path(store) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tracker for %s: %w", store, err)
	}
	if err := os.Rename(tmp, t.path(store)); err != nil {
		return fmt.Errorf("commit tracker for %s: %w", store, err)
	}
	return nil
}

// Get returns the tracked record for one path.
func (t *Tracker) Get(store, path string) (TrackedFile, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	files, err := t.load(store)
	if err != nil {
		return TrackedFile{}, false, err
	}
	f, ok := files[path]
	return f, ok, nil
}

// List returns all tracked files for a store, sorted by path.
func (t *Tracker) List(store string) ([]TrackedFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	files, err := t.load(store)
	if err != nil {
		return nil, err
	}
	out := make([]TrackedFile, 0, len(files))
	for _, f := range files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Count returns the number of tracked files for a store.
func (t *Tracker) Count(store string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	files, err := t.load(store)
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// Update applies one bulk mutation: upserts then removals, committed as a
// single write.
func (t *Tracker) Update(store string, upserts []TrackedFile, removals []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	files, err := t.load(store)
	if err != nil {
		return err
	}
	for _, f := range upserts {
		files[f.Path] = f
	}
	for _, path := range removals {
		delete(files, path)
	}
	return t.persist(store)
}

// Retain keeps only the intersection of the tracked set with current and
// returns the removed entries.
func (t *Tracker) Retain(store string, current []string) ([]TrackedFile, error) {
	keep := make(map[string]struct{}, len(current))
	for _, p := range current {
		keep[p] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	files, err := t.load(store)
	if err != nil {
		return nil, err
	}
	var removed []TrackedFile
	for path, f := range files {
		if _, ok := keep[path]; !ok {
			removed = append(removed, f)
			delete(files, path)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Path < removed[j].Path })
	return removed, t.persist(store)
}

// Drop removes a store's tracker file entirely.
func (t *Tracker) Drop(store string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stores, store)
	if err := os.Remove(t.path(store)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove tracker for %s: %w", store, err)
	}
	return nil
}
