// Package registry manages named stores and their immutable index versions.
//
// Each store persists as one JSON metadata file written atomically
// (temp + rename) under a cross-process file lock. Mutations serialize per
// store; reads return deep-copied snapshots so concurrent readers observe a
// consistent version set across a promotion.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/ricelabs/rice/internal/bus"
	"github.com/ricelabs/rice/internal/errors"
	"github.com/ricelabs/rice/internal/validation"
)

// VersionStatus is the lifecycle state of a store version.
type VersionStatus string

const (
	StatusBuilding   VersionStatus = "building"
	StatusReady      VersionStatus = "ready"
	StatusActive     VersionStatus = "active"
	StatusDeprecated VersionStatus = "deprecated"
)

// VersionConfig is the immutable per-version index configuration.
type VersionConfig struct {
	EmbeddingModel   string `json:"embedding_model"`
	Dimensions       int    `json:"dimensions"`
	ChunkingStrategy string `json:"chunking_strategy"`
	MaxChunkLines    int    `json:"max_chunk_lines"`
	OverlapLines     int    `json:"overlap_lines"`
}

// DefaultVersionConfig returns the config used for bootstrap versions.
func DefaultVersionConfig() VersionConfig {
	return VersionConfig{
		EmbeddingModel:   "stub-256",
		Dimensions:       256,
		ChunkingStrategy: "structural",
		MaxChunkLines:    120,
		OverlapLines:     5,
	}
}

// Version is one immutable snapshot of a store's index configuration.
type Version struct {
	ID        string        `json:"id"`
	Status    VersionStatus `json:"status"`
	Config    VersionConfig `json:"config"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Store is a named tenant with an ordered version history.
type Store struct {
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Versions      []Version `json:"versions"`
	ActiveVersion string    `json:"active_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// clone deep-copies the store for snapshot reads.
func (s *Store) clone() *Store {
	out := *s
	out.Versions = make([]Version, len(s.Versions))
	copy(out.Versions, s.Versions)
	return &out
}

// version returns a pointer into Versions, or nil.
func (s *Store) version(id string) *Version {
	for i := range s.Versions {
		if s.Versions[i].ID == id {
			return &s.Versions[i]
		}
	}
	return nil
}

// Resolution maps a logical (store, version) onto physical index names.
type Resolution struct {
	Store           string
	VersionID       string
	DenseCollection string
	SparseIndex     string
	Config          VersionConfig
}

// Registry is the store/version registry.
type Registry struct {
	dir    string
	prefix string
	bus    bus.Bus

	mu     sync.RWMutex
	stores map[string]*storeState
}

type storeState struct {
	mu   sync.Mutex // serializes mutations for this store
	meta *Store
}

// New creates a registry rooted at dir, reloading existing metadata.
// Malformed metadata files are quarantined with a .corrupt suffix rather
// than silently accepted.
func New(dir, collectionPrefix string, eventBus bus.Bus) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	r := &Registry{
		dir:    dir,
		prefix: collectionPrefix,
		bus:    eventBus,
		stores: make(map[string]*storeState),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read registry dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		metaPath := r.metadataPath(name)
		data, err := os.ReadFile(metaPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read metadata %s: %w", metaPath, err)
		}
		var store Store
		if err := json.Unmarshal(data, &store); err != nil || store.Name != name {
			quarantine := fmt.Sprintf("%s.corrupt-%d", metaPath, time.Now().Unix())
			slog.Warn("quarantining malformed store metadata",
				slog.String("store", name),
				slog.String("moved_to", quarantine))
			_ = os.Rename(metaPath, quarantine)
			continue
		}
		r.stores[name] = &storeState{meta: &store}
	}
	return nil
}

func (r *Registry) metadataPath(store string) string {
	return filepath.Join(r.dir, store, "metadata.json")
}

// state returns the state for a store, or a NotFound error.
func (r *Registry) state(store string) (*storeState, error) {
	r.mu.RLock()
	st, ok := r.stores[store]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("store %q does not exist", store)
	}
	return st, nil
}

// persist writes the metadata file atomically under a file lock.
// Must be called with the store's mutation lock held.
func (r *Registry) persist(meta *Store) error {
	dir := filepath.Join(r.dir, meta.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, "metadata.lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock metadata: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	path := r.metadataPath(meta.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace metadata: %w", err)
	}
	return nil
}

// CreateStore creates a new empty store.
func (r *Registry) CreateStore(name, description string) (*Store, error) {
	if err := validation.StoreName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.stores[name]; exists {
		r.mu.Unlock()
		return nil, errors.Conflict("store %q already exists", name)
	}
	now := time.Now().UTC()
	meta := &Store{Name: name, Description: description, CreatedAt: now, UpdatedAt: now}
	st := &storeState{meta: meta}
	r.stores[name] = st
	r.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if err := r.persist(meta); err != nil {
		r.mu.Lock()
		delete(r.stores, name)
		r.mu.Unlock()
		return nil, err
	}
	return meta.clone(), nil
}

// EnsureDefault initializes the "default" store with an active version on
// first use. Idempotent.
func (r *Registry) EnsureDefault(cfg VersionConfig) (*Store, error) {
	if store, err := r.GetStore("default"); err == nil {
		if store.ActiveVersion != "" {
			return store, nil
		}
	} else if _, cerr := r.CreateStore("default", "default store"); cerr != nil {
		return nil, cerr
	}

	v, err := r.CreateVersion("default", cfg)
	if err != nil {
		return nil, err
	}
	if err := r.MarkReady("default", v.ID); err != nil {
		return nil, err
	}
	if err := r.Promote("default", v.ID); err != nil {
		return nil, err
	}
	return r.GetStore("default")
}

// GetStore returns a snapshot of the store metadata.
func (r *Registry) GetStore(name string) (*Store, error) {
	st, err := r.state(name)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.meta.clone(), nil
}

// ListStores returns snapshots of all stores sorted by name.
func (r *Registry) ListStores() []*Store {
	r.mu.RLock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]*Store, 0, len(names))
	for _, name := range names {
		if s, err := r.GetStore(name); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// DeleteStore removes a store and its metadata.
func (r *Registry) DeleteStore(name string) error {
	st, err := r.state(name)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	r.mu.Lock()
	delete(r.stores, name)
	r.mu.Unlock()

	return os.RemoveAll(filepath.Join(r.dir, name))
}

// nextVersionID returns the lexically-next version id (v1, v2, ...).
func nextVersionID(meta *Store) string {
	max := 0
	for _, v := range meta.Versions {
		if n, err := strconv.Atoi(strings.TrimPrefix(v.ID, "v")); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("v%d", max+1)
}

// CreateVersion appends a new version in status building. At most one
// building version may exist per store.
func (r *Registry) CreateVersion(store string, cfg VersionConfig) (*Version, error) {
	if cfg.Dimensions <= 0 {
		return nil, errors.New(errors.KindValidation, "version config requires positive dimensions")
	}
	st, err := r.state(store)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, v := range st.meta.Versions {
		if v.Status == StatusBuilding {
			return nil, errors.Conflict("store %q already has version %s building", store, v.ID)
		}
	}

	now := time.Now().UTC()
	v := Version{
		ID:        nextVersionID(st.meta),
		Status:    StatusBuilding,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	st.meta.Versions = append(st.meta.Versions, v)
	st.meta.UpdatedAt = now
	if err := r.persist(st.meta); err != nil {
		st.meta.Versions = st.meta.Versions[:len(st.meta.Versions)-1]
		return nil, err
	}
	return &v, nil
}

// MarkReady transitions a building version to ready. The version config is
// immutable from this point.
func (r *Registry) MarkReady(store, versionID string) error {
	return r.mutateVersion(store, versionID, func(v *Version) error {
		if v.Status != StatusBuilding {
			return errors.Conflict("version %s is %s, expected building", versionID, v.Status)
		}
		v.Status = StatusReady
		return nil
	})
}

// Promote atomically makes a ready version active, demoting the previous
// active version to deprecated.
func (r *Registry) Promote(store, versionID string) error {
	err := r.mutateStore(store, func(meta *Store) error {
		v := meta.version(versionID)
		if v == nil {
			return errors.NotFound("version %s not found in store %q", versionID, store)
		}
		if v.Status != StatusReady {
			return errors.Conflict("cannot promote version %s in status %s", versionID, v.Status)
		}
		now := time.Now().UTC()
		if prev := meta.version(meta.ActiveVersion); prev != nil {
			prev.Status = StatusDeprecated
			prev.UpdatedAt = now
		}
		v.Status = StatusActive
		v.UpdatedAt = now
		meta.ActiveVersion = v.ID
		return nil
	})
	if err == nil && r.bus != nil {
		r.bus.Publish(bus.TopicVersionPromoted, map[string]string{
			"store":   store,
			"version": versionID,
		})
	}
	return err
}

// Deprecate marks a non-building version deprecated. The active version
// cannot be deprecated directly; promote a replacement instead.
func (r *Registry) Deprecate(store, versionID string) error {
	return r.mutateVersion(store, versionID, func(v *Version) error {
		switch v.Status {
		case StatusActive:
			return errors.Conflict("cannot deprecate active version %s; promote a replacement", versionID)
		case StatusBuilding:
			return errors.Conflict("cannot deprecate building version %s; delete it instead", versionID)
		}
		v.Status = StatusDeprecated
		return nil
	})
}

// DeleteVersion removes a non-active version from the history.
func (r *Registry) DeleteVersion(store, versionID string) error {
	return r.mutateStore(store, func(meta *Store) error {
		v := meta.version(versionID)
		if v == nil {
			return errors.NotFound("version %s not found in store %q", versionID, store)
		}
		if v.Status == StatusActive {
			return errors.Conflict("cannot delete active version %s", versionID)
		}
		for i := range meta.Versions {
			if meta.Versions[i].ID == versionID {
				meta.Versions = append(meta.Versions[:i], meta.Versions[i+1:]...)
				break
			}
		}
		return nil
	})
}

// Resolve maps (store, version) to physical index names. An empty versionID
// resolves the active version.
func (r *Registry) Resolve(store, versionID string) (*Resolution, error) {
	meta, err := r.GetStore(store)
	if err != nil {
		return nil, err
	}
	if versionID == "" {
		versionID = meta.ActiveVersion
	}
	if versionID == "" {
		return nil, errors.NotFound("store %q has no active version", store)
	}
	v := meta.version(versionID)
	if v == nil {
		return nil, errors.NotFound("version %s not found in store %q", versionID, store)
	}
	return &Resolution{
		Store:           store,
		VersionID:       v.ID,
		DenseCollection: CollectionName(r.prefix, store, v.ID),
		SparseIndex:     SparseIndexName(r.prefix, store, v.ID),
		Config:          v.Config,
	}, nil
}

// CollectionName is the pure naming function for dense collections:
// "{prefix}{store}_{version}".
func CollectionName(prefix, store, version string) string {
	return prefix + store + "_" + version
}

// SparseIndexName names the sparse index for a store version.
func SparseIndexName(prefix, store, version string) string {
	return prefix + store + "_" + version + "_sparse"
}

func (r *Registry) mutateStore(store string, fn func(meta *Store) error) error {
	st, err := r.state(store)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	// Mutate a copy so a persist failure leaves the snapshot untouched.
	next := st.meta.clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	if err := r.persist(next); err != nil {
		return err
	}
	st.meta = next
	return nil
}

func (r *Registry) mutateVersion(store, versionID string, fn func(v *Version) error) error {
	return r.mutateStore(store, func(meta *Store) error {
		v := meta.version(versionID)
		if v == nil {
			return errors.NotFound("version %s not found in store %q", versionID, store)
		}
		if err := fn(v); err != nil {
			return err
		}
		v.UpdatedAt = time.Now().UTC()
		return nil
	})
}
