package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(store string, latency float64) QueryRecord {
	return QueryRecord{
		Time:        time.Now(),
		Store:       store,
		Query:       "retry backoff",
		Intent:      "factual",
		Strategy:    "balanced",
		LatencyMS:   latency,
		ResultCount: 5,
		RerankUsed:  true,
	}
}

func TestRingEviction(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Add(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, []int{5, 4}, r.Recent(2))
}

func TestRingPartial(t *testing.T) {
	r := NewRing[string](4)
	r.Add("a")
	r.Add("b")
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"a", "b"}, r.Snapshot())
	assert.Equal(t, []string{"b", "a"}, r.Recent(10))
}

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(16, prometheus.NewRegistry())

	c.Record(record("docs", 10))
	c.Record(record("docs", 20))
	hit := record("docs", 30)
	hit.CacheHit = true
	c.Record(hit)

	stats, ok := c.Stats("docs")
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Total)
	assert.InDelta(t, 20.0, stats.AvgLatencyMS, 1e-9)
	assert.InDelta(t, 1.0/3.0, stats.CacheHitRate, 1e-9)
	assert.Equal(t, int64(3), stats.Intents["factual"])
	assert.Equal(t, int64(3), stats.Strategies["balanced"])

	_, ok = c.Stats("missing")
	assert.False(t, ok)
}

func TestCollectorRerankSkipRate(t *testing.T) {
	c := NewCollector(16, prometheus.NewRegistry())

	used := record("docs", 5)
	c.Record(used)

	skipped := record("docs", 5)
	skipped.RerankUsed = false
	skipped.RerankSkip = "count_below_top_k"
	c.Record(skipped)

	stats, ok := c.Stats("docs")
	require.True(t, ok)
	assert.InDelta(t, 0.5, stats.RerankSkipRate, 1e-9)
}

func TestCollectorPercentiles(t *testing.T) {
	c := NewCollector(256, prometheus.NewRegistry())
	for i := 1; i <= 100; i++ {
		c.Record(record("docs", float64(i)))
	}
	stats, ok := c.Stats("docs")
	require.True(t, ok)
	assert.InDelta(t, 50, stats.P50LatencyMS, 1)
	assert.InDelta(t, 95, stats.P95LatencyMS, 1)
	assert.InDelta(t, 99, stats.P99LatencyMS, 1)
}

func TestCollectorRecentNewestFirst(t *testing.T) {
	c := NewCollector(8, prometheus.NewRegistry())
	for i := 0; i < 5; i++ {
		rec := record("docs", 1)
		rec.Query = fmt.Sprintf("q%d", i)
		c.Record(rec)
	}
	recent := c.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "q4", recent[0].Query)
	assert.Equal(t, "q2", recent[2].Query)
}

func TestAllStatsSorted(t *testing.T) {
	c := NewCollector(8, prometheus.NewRegistry())
	c.Record(record("zeta", 1))
	c.Record(record("alpha", 1))

	all := c.AllStats()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Store)
	assert.Equal(t, "zeta", all[1].Store)
}

type captureSink struct {
	records []QueryRecord
}

func (s *captureSink) Mirror(rec QueryRecord) { s.records = append(s.records, rec) }
func (s *captureSink) Close() error           { return nil }

func TestCollectorSink(t *testing.T) {
	sink := &captureSink{}
	c := NewCollector(8, prometheus.NewRegistry(), WithSink(sink))
	c.Record(record("docs", 1))
	require.Len(t, sink.records, 1)
	assert.Equal(t, "docs", sink.records[0].Store)
}
