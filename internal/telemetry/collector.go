package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ricelabs/rice/internal/bus"
)

// QueryRecord is one completed search request.
type QueryRecord struct {
	Time         time.Time          `json:"ts"`
	Store        string             `json:"store"`
	Query        string             `json:"query"`
	Intent       string             `json:"intent"`
	Strategy     string             `json:"strategy"`
	Difficulty   string             `json:"difficulty"`
	LatencyMS    float64            `json:"latency_ms"`
	Stages       map[string]float64 `json:"stages,omitempty"`
	ResultCount  int                `json:"result_count"`
	RerankUsed   bool               `json:"rerank_used"`
	RerankSkip   string             `json:"rerank_skip,omitempty"`
	RerankError  string             `json:"rerank_error,omitempty"`
	CacheHit     bool               `json:"cache_hit"`
	NativeFusion bool               `json:"native_fusion"`
	Partial      bool               `json:"partial"`
}

// StoreStats are the per-store aggregates served by the observability API.
type StoreStats struct {
	Store          string             `json:"store"`
	Total          int64              `json:"total_queries"`
	AvgLatencyMS   float64            `json:"avg_latency_ms"`
	P50LatencyMS   float64            `json:"p50_latency_ms"`
	P95LatencyMS   float64            `json:"p95_latency_ms"`
	P99LatencyMS   float64            `json:"p99_latency_ms"`
	CacheHitRate   float64            `json:"cache_hit_rate"`
	RerankSkipRate float64            `json:"rerank_skip_rate"`
	Intents        map[string]int64   `json:"intents"`
	Strategies     map[string]int64   `json:"strategies"`
}

// latencySamples bounds the window used for percentile estimates.
const latencySamples = 512

type storeAgg struct {
	total       int64
	latencySum  float64
	latencies   *Ring[float64]
	cacheHits   int64
	rerankSkips int64
	rerankRuns  int64
	intents     map[string]int64
	strategies  map[string]int64
}

func newStoreAgg() *storeAgg {
	return &storeAgg{
		latencies:  NewRing[float64](latencySamples),
		intents:    make(map[string]int64),
		strategies: make(map[string]int64),
	}
}

// Collector is the in-memory telemetry hub. Recording never blocks the
// query path beyond a mutex over small maps.
type Collector struct {
	mu     sync.RWMutex
	ring   *Ring[QueryRecord]
	stores map[string]*storeAgg
	bus    bus.Bus
	sink   Sink

	queries *prometheus.CounterVec
	latency *prometheus.HistogramVec
	results *prometheus.HistogramVec
}

// Option configures a Collector.
type Option func(*Collector)

// WithBus publishes a query.logged event per record.
func WithBus(b bus.Bus) Option {
	return func(c *Collector) { c.bus = b }
}

// WithSink mirrors aggregates into a persistence backend.
func WithSink(s Sink) Option {
	return func(c *Collector) { c.sink = s }
}

// NewCollector creates a collector keeping the most recent ringSize records.
func NewCollector(ringSize int, reg prometheus.Registerer, opts ...Option) *Collector {
	c := &Collector{
		ring:   NewRing[QueryRecord](ringSize),
		stores: make(map[string]*storeAgg),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rice_queries_total",
			Help: "Search queries by store and intent.",
		}, []string{"store", "intent"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rice_query_seconds",
			Help:    "End-to-end search latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"store"}),
		results: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rice_query_results",
			Help:    "Result count per query.",
			Buckets: []float64{0, 1, 3, 5, 10, 20, 50, 100},
		}, []string{"store"}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if reg != nil {
		reg.MustRegister(c.queries, c.latency, c.results)
	}
	return c
}

// Record stores one query record and updates aggregates.
func (c *Collector) Record(rec QueryRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	c.ring.Add(rec)

	c.mu.Lock()
	agg, ok := c.stores[rec.Store]
	if !ok {
		agg = newStoreAgg()
		c.stores[rec.Store] = agg
	}
	agg.total++
	agg.latencySum += rec.LatencyMS
	agg.latencies.Add(rec.LatencyMS)
	if rec.CacheHit {
		agg.cacheHits++
	}
	if rec.RerankUsed {
		agg.rerankRuns++
	} else if rec.RerankSkip != "" {
		agg.rerankSkips++
	}
	agg.intents[rec.Intent]++
	agg.strategies[rec.Strategy]++
	c.mu.Unlock()

	c.queries.WithLabelValues(rec.Store, rec.Intent).Inc()
	c.latency.WithLabelValues(rec.Store).Observe(rec.LatencyMS / 1000.0)
	c.results.WithLabelValues(rec.Store).Observe(float64(rec.ResultCount))

	if c.bus != nil {
		c.bus.Publish(bus.TopicQueryLogged, rec)
	}
	if c.sink != nil {
		c.sink.Mirror(rec)
	}
}

// Recent returns up to n records, newest first.
func (c *Collector) Recent(n int) []QueryRecord {
	return c.ring.Recent(n)
}

// Stats returns the aggregates for one store.
func (c *Collector) Stats(store string) (StoreStats, bool) {
	c.mu.RLock()
	agg, ok := c.stores[store]
	if !ok {
		c.mu.RUnlock()
		return StoreStats{Store: store}, false
	}
	stats := c.buildStats(store, agg)
	c.mu.RUnlock()
	return stats, true
}

// AllStats returns aggregates for every store seen.
func (c *Collector) AllStats() []StoreStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.stores))
	for name := range c.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]StoreStats, 0, len(names))
	for _, name := range names {
		out = append(out, c.buildStats(name, c.stores[name]))
	}
	return out
}

// buildStats assumes the read lock is held.
func (c *Collector) buildStats(store string, agg *storeAgg) StoreStats {
	stats := StoreStats{
		Store:      store,
		Total:      agg.total,
		Intents:    make(map[string]int64, len(agg.intents)),
		Strategies: make(map[string]int64, len(agg.strategies)),
	}
	for k, v := range agg.intents {
		stats.Intents[k] = v
	}
	for k, v := range agg.strategies {
		stats.Strategies[k] = v
	}
	if agg.total > 0 {
		stats.AvgLatencyMS = agg.latencySum / float64(agg.total)
		stats.CacheHitRate = float64(agg.cacheHits) / float64(agg.total)
	}
	if denom := agg.rerankRuns + agg.rerankSkips; denom > 0 {
		stats.RerankSkipRate = float64(agg.rerankSkips) / float64(denom)
	}
	samples := agg.latencies.Snapshot()
	if len(samples) > 0 {
		sorted := make([]float64, len(samples))
		copy(sorted, samples)
		sort.Float64s(sorted)
		stats.P50LatencyMS = percentile(sorted, 0.50)
		stats.P95LatencyMS = percentile(sorted, 0.95)
		stats.P99LatencyMS = percentile(sorted, 0.99)
	}
	return stats
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Sink mirrors records into a persistence backend.
type Sink interface {
	Mirror(rec QueryRecord)
	Close() error
}
