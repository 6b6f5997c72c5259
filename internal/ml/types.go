// Package ml is the capability gateway between the retrieval core and model
// inference. The core speaks in capabilities (embed, sparse encode, rerank,
// classify); backends decide where the computation actually happens.
package ml

import (
	"context"
)

// Capability names the four inference operations the core depends on.
type Capability string

const (
	CapEmbed    Capability = "embed"
	CapSparse   Capability = "sparse_encode"
	CapRerank   Capability = "rerank"
	CapClassify Capability = "classify_query"
)

// SparseVector is a learned sparse representation of a text. Tokens carries
// the surface forms aligned with Indices so text-based sparse indexes can
// consume the same encoding that id-based engines do.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Weights []float32 `json:"weights"`
	Tokens  []string  `json:"tokens,omitempty"`
}

// Classification is the output of the classify_query capability.
type Classification struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Embedder produces dense vectors for texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

// SparseEncoder produces sparse vectors for texts.
type SparseEncoder interface {
	Encode(ctx context.Context, texts []string) ([]SparseVector, error)
	Model() string
}

// Reranker scores documents against a query. Scores align with docs and
// higher means more relevant.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
	Model() string
}

// RerankVariantFull selects a backend's slower, higher-quality rerank
// variant when it has one.
const RerankVariantFull = "full"

// VariantReranker is implemented by rerank backends offering more than one
// model variant. An empty variant means the default model.
type VariantReranker interface {
	RerankVariant(ctx context.Context, query string, docs []string, variant string) ([]float64, error)
}

// Classifier labels a query with an intent.
type Classifier interface {
	Classify(ctx context.Context, query string) (Classification, error)
	Model() string
}

// Status is a capability backend's health state. Degraded means the
// capability still serves, through a fallback or behind a breaker;
// unavailable means calls surface errors.
type Status string

const (
	StatusLoaded      Status = "loaded"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// CapabilityHealth is the gateway's view of one capability backend. Device
// is a coarse descriptor ("cpu", "gpu", "remote"); a capability serving
// from its fallback reports where the traffic actually lands.
type CapabilityHealth struct {
	Capability Capability `json:"capability"`
	Backend    string     `json:"backend"`
	Model      string     `json:"model"`
	Status     Status     `json:"status"`
	Device     string     `json:"device"`
	Failures   int64      `json:"consecutive_failures"`
	LastError  string     `json:"last_error,omitempty"`
}
