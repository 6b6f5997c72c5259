package ml

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/ricelabs/rice/internal/config"
	"github.com/ricelabs/rice/internal/errors"
)

// Gateway routes capability calls to their configured backends, applying a
// content-addressed cache, a per-capability failure policy, and health
// tracking. All encoding performed by the index and search paths goes
// through here.
type Gateway struct {
	embed    capState[Embedder]
	sparse   capState[SparseEncoder]
	rerank   capState[Reranker]
	classify capState[Classifier]

	denseCache  *lru.Cache[string, []float32]
	sparseCache *lru.Cache[string, SparseVector]
	flight      singleflight.Group

	calls     *prometheus.CounterVec
	cacheHits *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// capState is one capability's backend plus its failure machinery.
type capState[T any] struct {
	name     Capability
	backend  T
	fallback T // zero value when the policy is not fallback
	hasFall  bool
	policy   config.MLFailurePolicy
	breaker  *errors.CircuitBreaker
	backendN string
	device   string

	failures atomic.Int64
	lastErr  atomic.Pointer[string]
}

func (c *capState[T]) recordResult(err error) {
	if err == nil {
		c.failures.Store(0)
		c.lastErr.Store(nil)
		return
	}
	c.failures.Add(1)
	msg := err.Error()
	c.lastErr.Store(&msg)
}

func (c *capState[T]) health(model string) CapabilityHealth {
	h := CapabilityHealth{
		Capability: c.name,
		Backend:    c.backendN,
		Model:      model,
		Device:     c.device,
		Failures:   c.failures.Load(),
	}
	switch {
	case h.Failures == 0:
		h.Status = StatusLoaded
	case c.hasFall:
		h.Status = StatusDegraded
		if c.device != "cpu" {
			h.Device = "cpu fallback from " + c.device
		}
	case c.breaker != nil:
		h.Status = StatusDegraded
	default:
		h.Status = StatusUnavailable
	}
	if msg := c.lastErr.Load(); msg != nil {
		h.LastError = *msg
	}
	return h
}

// NewGateway builds the gateway from configuration. Unknown backends fail
// construction rather than falling back silently.
func NewGateway(cfg config.MLConfig, reg prometheus.Registerer) (*Gateway, error) {
	g := &Gateway{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rice_ml_calls_total",
			Help: "Capability gateway calls by capability and outcome.",
		}, []string{"capability", "outcome"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rice_ml_cache_total",
			Help: "Encoding cache lookups by capability and result.",
		}, []string{"capability", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rice_ml_call_seconds",
			Help:    "Capability backend call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"capability"}),
	}
	if reg != nil {
		reg.MustRegister(g.calls, g.cacheHits, g.latency)
	}

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	var err error
	if g.denseCache, err = lru.New[string, []float32](cacheSize); err != nil {
		return nil, err
	}
	if g.sparseCache, err = lru.New[string, SparseVector](cacheSize); err != nil {
		return nil, err
	}

	if g.embed, err = buildCap[Embedder](CapEmbed, cfg.Embed, cfg.CallTimeout, func(c config.MLCapabilityConfig) (Embedder, error) {
		return embedderFor(c, cfg.CallTimeout)
	}, NewStubEmbedder()); err != nil {
		return nil, err
	}
	if g.sparse, err = buildCap[SparseEncoder](CapSparse, cfg.Sparse, cfg.CallTimeout, func(c config.MLCapabilityConfig) (SparseEncoder, error) {
		return sparseFor(c, cfg.CallTimeout)
	}, NewStubSparseEncoder()); err != nil {
		return nil, err
	}
	if g.rerank, err = buildCap[Reranker](CapRerank, cfg.Rerank, cfg.CallTimeout, func(c config.MLCapabilityConfig) (Reranker, error) {
		return rerankerFor(c, cfg.CallTimeout)
	}, NewStubReranker()); err != nil {
		return nil, err
	}
	if g.classify, err = buildCap[Classifier](CapClassify, cfg.Classify, cfg.CallTimeout, func(c config.MLCapabilityConfig) (Classifier, error) {
		return classifierFor(c, cfg.CallTimeout)
	}, NewStubClassifier()); err != nil {
		return nil, err
	}
	return g, nil
}

func buildCap[T any](name Capability, c config.MLCapabilityConfig, timeout time.Duration,
	build func(config.MLCapabilityConfig) (T, error), stub T) (capState[T], error) {

	backend, err := build(c)
	if err != nil {
		return capState[T]{}, err
	}
	st := capState[T]{
		name:     name,
		backend:  backend,
		policy:   c.FailurePolicy,
		backendN: string(c.Backend),
		device:   deviceFor(c.Backend),
	}
	switch c.FailurePolicy {
	case config.FailurePolicyFallback, "":
		st.policy = config.FailurePolicyFallback
		st.fallback = stub
		st.hasFall = true
	case config.FailurePolicyBreaker:
		st.breaker = errors.NewCircuitBreaker(string(name))
	case config.FailurePolicySurface:
	default:
		return capState[T]{}, fmt.Errorf("unknown ml failure policy %q for %s", c.FailurePolicy, name)
	}
	return st, nil
}

// deviceFor maps a configured backend onto its coarse device descriptor.
func deviceFor(b config.MLBackend) string {
	switch b {
	case config.MLBackendGPU:
		return "gpu"
	case config.MLBackendRemote:
		return "remote"
	default:
		return "cpu"
	}
}

func embedderFor(c config.MLCapabilityConfig, timeout time.Duration) (Embedder, error) {
	switch c.Backend {
	case config.MLBackendStub, "":
		return NewStubEmbedder(), nil
	case config.MLBackendRemote, config.MLBackendGPU:
		if c.Endpoint == "" {
			return nil, fmt.Errorf("ml embed backend %q requires an endpoint", c.Backend)
		}
		return NewRemoteBackend(c.Endpoint, c.Model, timeout), nil
	default:
		return nil, fmt.Errorf("unknown ml backend %q", c.Backend)
	}
}

func sparseFor(c config.MLCapabilityConfig, timeout time.Duration) (SparseEncoder, error) {
	switch c.Backend {
	case config.MLBackendStub, "":
		return NewStubSparseEncoder(), nil
	case config.MLBackendRemote, config.MLBackendGPU:
		if c.Endpoint == "" {
			return nil, fmt.Errorf("ml sparse backend %q requires an endpoint", c.Backend)
		}
		return NewRemoteBackend(c.Endpoint, c.Model, timeout), nil
	default:
		return nil, fmt.Errorf("unknown ml backend %q", c.Backend)
	}
}

func rerankerFor(c config.MLCapabilityConfig, timeout time.Duration) (Reranker, error) {
	switch c.Backend {
	case config.MLBackendStub, "":
		return NewStubReranker(), nil
	case config.MLBackendRemote, config.MLBackendGPU:
		if c.Endpoint == "" {
			return nil, fmt.Errorf("ml rerank backend %q requires an endpoint", c.Backend)
		}
		return NewRemoteBackend(c.Endpoint, c.Model, timeout), nil
	default:
		return nil, fmt.Errorf("unknown ml backend %q", c.Backend)
	}
}

func classifierFor(c config.MLCapabilityConfig, timeout time.Duration) (Classifier, error) {
	switch c.Backend {
	case config.MLBackendStub, "":
		return NewStubClassifier(), nil
	case config.MLBackendRemote, config.MLBackendGPU:
		if c.Endpoint == "" {
			return nil, fmt.Errorf("ml classify backend %q requires an endpoint", c.Backend)
		}
		return NewRemoteBackend(c.Endpoint, c.Model, timeout), nil
	default:
		return nil, fmt.Errorf("unknown ml backend %q", c.Backend)
	}
}

// cacheKey is the content address: sha256(text \x00 model).
func cacheKey(text, model string) string {
	sum := sha256.Sum256([]byte(text + "\x00" + model))
	return hex.EncodeToString(sum[:])
}

// Embed returns dense vectors for texts, serving cached entries and calling
// the backend only for misses. Concurrent identical misses collapse into one
// backend call.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))
	model := g.embed.backend.Model()

	for i, text := range texts {
		if vec, ok := g.denseCache.Get(cacheKey(text, model)); ok {
			out[i] = vec
			g.cacheHits.WithLabelValues(string(CapEmbed), "hit").Inc()
			continue
		}
		g.cacheHits.WithLabelValues(string(CapEmbed), "miss").Inc()
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	vecs, err := g.callEmbed(ctx, missTexts, model)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		g.denseCache.Add(cacheKey(missTexts[j], model), vecs[j])
	}
	return out, nil
}

func (g *Gateway) callEmbed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	// Single-text calls collapse under singleflight; batch calls do not
	// share enough key material to be worth coalescing.
	if len(texts) == 1 {
		v, err, _ := g.flight.Do("embed:"+cacheKey(texts[0], model), func() (any, error) {
			return g.runEmbed(ctx, texts)
		})
		if err != nil {
			return nil, err
		}
		return v.([][]float32), nil
	}
	return g.runEmbed(ctx, texts)
}

func (g *Gateway) runEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := runWithPolicy(ctx, &g.embed, func(b Embedder) ([][]float32, error) {
		return b.Embed(ctx, texts)
	})
	g.observe(CapEmbed, start, err)
	return vecs, err
}

// SparseEncode returns sparse vectors for texts with the same cache and
// policy treatment as Embed.
func (g *Gateway) SparseEncode(ctx context.Context, texts []string) ([]SparseVector, error) {
	out := make([]SparseVector, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))
	model := g.sparse.backend.Model()

	for i, text := range texts {
		if sv, ok := g.sparseCache.Get(cacheKey(text, model)); ok {
			out[i] = sv
			g.cacheHits.WithLabelValues(string(CapSparse), "hit").Inc()
			continue
		}
		g.cacheHits.WithLabelValues(string(CapSparse), "miss").Inc()
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	start := time.Now()
	vecs, err := runWithPolicy(ctx, &g.sparse, func(b SparseEncoder) ([]SparseVector, error) {
		return b.Encode(ctx, missTexts)
	})
	g.observe(CapSparse, start, err)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		g.sparseCache.Add(cacheKey(missTexts[j], model), vecs[j])
	}
	return out, nil
}

// Rerank scores docs against query. Rerank results are query-dependent and
// not cached.
func (g *Gateway) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	start := time.Now()
	scores, err := runWithPolicy(ctx, &g.rerank, func(b Reranker) ([]float64, error) {
		return b.Rerank(ctx, query, docs)
	})
	g.observe(CapRerank, start, err)
	return scores, err
}

// RerankFull scores docs with the slow rerank variant when the backend
// offers one, falling back to the standard call otherwise.
func (g *Gateway) RerankFull(ctx context.Context, query string, docs []string) ([]float64, error) {
	start := time.Now()
	scores, err := runWithPolicy(ctx, &g.rerank, func(b Reranker) ([]float64, error) {
		if vr, ok := b.(VariantReranker); ok {
			return vr.RerankVariant(ctx, query, docs, RerankVariantFull)
		}
		return b.Rerank(ctx, query, docs)
	})
	g.observe(CapRerank, start, err)
	return scores, err
}

// Classify labels the query intent.
func (g *Gateway) Classify(ctx context.Context, query string) (Classification, error) {
	start := time.Now()
	cls, err := runWithPolicy(ctx, &g.classify, func(b Classifier) (Classification, error) {
		return b.Classify(ctx, query)
	})
	g.observe(CapClassify, start, err)
	return cls, err
}

// runWithPolicy executes fn against the capability backend and applies the
// configured failure policy on error.
func runWithPolicy[T, R any](ctx context.Context, st *capState[T], fn func(T) (R, error)) (R, error) {
	var zero R

	call := func() (R, error) { return fn(st.backend) }

	var out R
	var err error
	if st.breaker != nil {
		err = st.breaker.Execute(func() error {
			var ferr error
			out, ferr = call()
			return ferr
		})
	} else {
		out, err = call()
	}

	st.recordResult(err)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	if st.hasFall {
		slog.Warn("capability backend failed, using fallback",
			slog.String("capability", string(st.name)),
			slog.String("error", err.Error()))
		return fn(st.fallback)
	}
	return zero, err
}

func (g *Gateway) observe(cap Capability, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	g.calls.WithLabelValues(string(cap), outcome).Inc()
	g.latency.WithLabelValues(string(cap)).Observe(time.Since(start).Seconds())
}

// Dimensions returns the dense dimensionality of the active embedder.
func (g *Gateway) Dimensions() int { return g.embed.backend.Dimensions() }

// EmbedModel returns the active embedding model name.
func (g *Gateway) EmbedModel() string { return g.embed.backend.Model() }

// Health reports per-capability backend health.
func (g *Gateway) Health() []CapabilityHealth {
	return []CapabilityHealth{
		g.embed.health(g.embed.backend.Model()),
		g.sparse.health(g.sparse.backend.Model()),
		g.rerank.health(g.rerank.backend.Model()),
		g.classify.health(g.classify.backend.Model()),
	}
}

// Healthy reports whether every capability can still serve. Degraded
// capabilities count as serving; only an unavailable one fails readiness.
func (g *Gateway) Healthy() bool {
	for _, h := range g.Health() {
		if h.Status == StatusUnavailable {
			return false
		}
	}
	return true
}
