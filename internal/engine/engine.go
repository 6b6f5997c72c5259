// Package engine abstracts the vector storage layer behind a capability
// interface. Two backends exist: a fully in-process one built on bleve and
// an HNSW graph, and a qdrant-backed one for setups running the external
// engine. The retrieval core never talks to either directly.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ricelabs/rice/internal/config"
	"github.com/ricelabs/rice/internal/ml"
	"github.com/ricelabs/rice/internal/registry"
)

// Payload is the metadata stored with every point and returned with every
// search hit.
type Payload struct {
	Store        string    `json:"store"`
	Path         string    `json:"path"`
	Language     string    `json:"language,omitempty"`
	Content      string    `json:"content"`
	Symbols      []string  `json:"symbols,omitempty"`
	StartLine    int       `json:"start_line"`
	EndLine      int       `json:"end_line"`
	DocHash      string    `json:"doc_hash"`
	ChunkHash    string    `json:"chunk_hash"`
	IndexedAt    time.Time `json:"indexed_at"`
	ConnectionID string    `json:"connection_id,omitempty"`
}

// Point is one indexed chunk with both representations.
type Point struct {
	ID      string
	Dense   []float32
	Sparse  ml.SparseVector
	Payload Payload
}

// Filter narrows searches, counts, and deletes. Zero-value fields do not
// constrain. Languages is a keyword-in-set match; ConnectionID matching is
// exact, and connection scoping policy (the "all" opt-out) lives in the API
// layer.
type Filter struct {
	PathPrefix   string
	Paths        []string
	Languages    []string
	ConnectionID string
}

// IsZero reports whether the filter constrains anything.
func (f Filter) IsZero() bool {
	return f.PathPrefix == "" && len(f.Paths) == 0 && len(f.Languages) == 0 && f.ConnectionID == ""
}

// Matches applies the filter to a payload.
func (f Filter) Matches(p *Payload) bool {
	if f.PathPrefix != "" && !strings.HasPrefix(p.Path, f.PathPrefix) {
		return false
	}
	if len(f.Paths) > 0 {
		found := false
		for _, path := range f.Paths {
			if p.Path == path {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Languages) > 0 {
		found := false
		for _, lang := range f.Languages {
			if p.Language == lang {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ConnectionID != "" && p.ConnectionID != f.ConnectionID {
		return false
	}
	return true
}

// Scored is one search hit. Dense is populated when the backend retains the
// vector; post-ranking uses it for similarity computations.
type Scored struct {
	ID      string
	Score   float64
	Payload Payload
	Dense   []float32
}

// Engine is the vector storage capability.
type Engine interface {
	// EnsureCollection creates the physical indexes for a resolved store
	// version if absent. Idempotent.
	EnsureCollection(ctx context.Context, res *registry.Resolution, dims int) error

	// DropCollection removes the physical indexes. Missing collections are
	// not an error.
	DropCollection(ctx context.Context, res *registry.Resolution) error

	// Upsert writes points, replacing any with the same id.
	Upsert(ctx context.Context, res *registry.Resolution, points []Point) error

	// Delete removes points matching the filter and returns how many went.
	Delete(ctx context.Context, res *registry.Resolution, f Filter) (int, error)

	// Count returns the number of points matching the filter.
	Count(ctx context.Context, res *registry.Resolution, f Filter) (int, error)

	// SearchDense returns the nearest points by cosine similarity.
	SearchDense(ctx context.Context, res *registry.Resolution, vector []float32, f Filter, limit int) ([]Scored, error)

	// SearchSparse returns the best lexical matches for the sparse vector.
	SearchSparse(ctx context.Context, res *registry.Resolution, sv ml.SparseVector, f Filter, limit int) ([]Scored, error)

	// Scroll pages through points matching the filter in id order. An empty
	// offset starts at the beginning; the returned offset is empty on the
	// last page.
	Scroll(ctx context.Context, res *registry.Resolution, f Filter, limit int, offset string) ([]Scored, string, error)

	// Close releases backend resources.
	Close() error
}

// NativeFuser is implemented by backends with a server-side fusion
// operator. The retriever delegates to it only for near-equal weights.
type NativeFuser interface {
	FuseNative(ctx context.Context, res *registry.Resolution, dense []float32, sv ml.SparseVector, f Filter, prefetch, limit int) ([]Scored, error)
}

// New builds the configured backend.
func New(cfg config.EngineConfig, dataDir string) (Engine, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocal(dataDir)
	case "qdrant":
		return NewQdrant(cfg)
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}
