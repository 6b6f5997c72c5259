package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricelabs/rice/internal/appstate"
	"github.com/ricelabs/rice/internal/config"
	"github.com/ricelabs/rice/internal/engine"
	"github.com/ricelabs/rice/internal/index"
	"github.com/ricelabs/rice/internal/ml"
	"github.com/ricelabs/rice/internal/registry"
	"github.com/ricelabs/rice/internal/search"
	"github.com/ricelabs/rice/internal/telemetry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()

	reg, err := registry.New(t.TempDir(), "rice_", nil)
	require.NoError(t, err)
	_, err = reg.EnsureDefault(registry.DefaultVersionConfig())
	require.NoError(t, err)

	eng, err := engine.NewLocal(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	gw, err := ml.NewGateway(cfg.ML, nil)
	require.NoError(t, err)

	tracker, err := index.NewTracker(t.TempDir())
	require.NoError(t, err)
	indexer := index.NewIndexer(reg, eng, gw, tracker, nil, cfg.Index, nil)

	collector := telemetry.NewCollector(64, nil)
	pipeline := search.NewPipeline(reg, eng, gw, collector, nil, cfg.Search, cfg.PostRank, nil)

	return NewServer(Deps{
		Registry:  reg,
		Engine:    eng,
		Indexer:   indexer,
		Pipeline:  pipeline,
		Gateway:   gw,
		Collector: collector,
		State:     appstate.NewState(0),
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func unmarshalBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v))
}

const sampleGo = `package main

import "fmt"

func main() {
	fmt.Println("hello world")
}
`

func indexSample(t *testing.T, s *Server, paths ...string) {
	t.Helper()
	files := make([]map[string]string, len(paths))
	for i, p := range paths {
		files[i] = map[string]string{"path": p, "content": strings.Replace(sampleGo, "hello", p, 1)}
	}
	rr := doJSON(t, s, http.MethodPost, "/v1/stores/default/index", map[string]any{"files": files})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestIndexThenSearch(t *testing.T) {
	s := newTestServer(t)
	indexSample(t, s, "main.go")

	rr := doJSON(t, s, http.MethodPost, "/v1/stores/default/search", map[string]any{
		"query": "main.go world", "include_content": true,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp search.Response
	unmarshalBody(t, rr, &resp)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "main.go", resp.Results[0].Path)
	assert.NotEmpty(t, resp.Results[0].Content)
	assert.Contains(t, resp.Timings, "retrieve")
	assert.Equal(t, "v1", resp.Version)
}

func TestIndexReportShape(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s, http.MethodPost, "/v1/stores/default/index", map[string]any{
		"files": []map[string]string{{"path": "a.go", "content": sampleGo}},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var report index.Report
	unmarshalBody(t, rr, &report)
	assert.Equal(t, 1, report.Indexed)
	assert.Zero(t, report.Skipped)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, report.ChunksTotal)

	// Same content again skips.
	rr = doJSON(t, s, http.MethodPost, "/v1/stores/default/index", map[string]any{
		"files": []map[string]string{{"path": "a.go", "content": sampleGo}},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	unmarshalBody(t, rr, &report)
	assert.Zero(t, report.Indexed)
	assert.Equal(t, 1, report.Skipped)
}

func TestSearchValidation(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"empty query", map[string]any{"query": ""}},
		{"oversized query", map[string]any{"query": strings.Repeat("a", 10001)}},
		{"top_k too large", map[string]any{"query": "x", "top_k": 1001}},
		{"weight above one", map[string]any{"query": "x", "sparse_weight": 1.000001, "dense_weight": 0.5}},
		{"unknown field", map[string]any{"query": "x", "bogus": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, s, http.MethodPost, "/v1/stores/default/search", tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestSearchBoundaryAccepted(t *testing.T) {
	s := newTestServer(t)
	indexSample(t, s, "main.go")

	// 10000 chars and top_k 1000 are the inclusive maxima.
	rr := doJSON(t, s, http.MethodPost, "/v1/stores/default/search", map[string]any{
		"query": strings.Repeat("a", 10000), "top_k": 1000,
	})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSearchUnknownStore(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s, http.MethodPost, "/v1/stores/nope/search", map[string]any{"query": "x"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	var body errorBody
	unmarshalBody(t, rr, &body)
	assert.Equal(t, "not_found", body.Error)
}

func TestSearchSingleRetrieverVariants(t *testing.T) {
	s := newTestServer(t)
	indexSample(t, s, "main.go")

	for _, variant := range []string{"dense", "sparse"} {
		rr := doJSON(t, s, http.MethodPost, "/v1/stores/default/search/"+variant, map[string]any{
			"query": "main world",
		})
		assert.Equal(t, http.StatusOK, rr.Code, variant)
	}
}

func TestConnectionScoping(t *testing.T) {
	s := newTestServer(t)

	// Index under connection c1.
	rr := doJSON(t, s, http.MethodPost, "/v1/stores/default/index", map[string]any{
		"files": []map[string]string{{"path": "scoped.go", "content": sampleGo}},
	}, "X-Connection-ID", "c1")
	require.Equal(t, http.StatusOK, rr.Code)

	// A search scoped to another connection sees nothing.
	rr = doJSON(t, s, http.MethodPost, "/v1/stores/default/search", map[string]any{
		"query": "scoped hello",
	}, "X-Connection-ID", "c2")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp search.Response
	unmarshalBody(t, rr, &resp)
	assert.Empty(t, resp.Results)

	// The "all" header value opts out of scoping.
	rr = doJSON(t, s, http.MethodPost, "/v1/stores/default/search", map[string]any{
		"query": "scoped hello",
	}, "X-Connection-ID", "all")
	require.Equal(t, http.StatusOK, rr.Code)
	unmarshalBody(t, rr, &resp)
	assert.NotEmpty(t, resp.Results)
}

func TestDeleteIndexRoundTrip(t *testing.T) {
	s := newTestServer(t)
	indexSample(t, s, "a.go", "b.go")

	rr := doJSON(t, s, http.MethodDelete, "/v1/stores/default/index", map[string]any{
		"paths": []string{"a.go"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var out map[string]int
	unmarshalBody(t, rr, &out)
	assert.Equal(t, 1, out["removed"])

	rr = doJSON(t, s, http.MethodGet, "/v1/stores/default/index/files", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var page index.FilePage
	unmarshalBody(t, rr, &page)
	assert.Equal(t, 1, page.Total)
}

func TestSyncEndpoint(t *testing.T) {
	s := newTestServer(t)
	indexSample(t, s, "a.go", "b.go")

	rr := doJSON(t, s, http.MethodPost, "/v1/stores/default/index/sync", map[string]any{
		"current_paths": []string{"a.go"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var out map[string]int
	unmarshalBody(t, rr, &out)
	assert.Equal(t, 1, out["removed"])
}

func TestStoreLifecycle(t *testing.T) {
	s := newTestServer(t)

	rr := doJSON(t, s, http.MethodPost, "/v1/stores", map[string]string{"name": "docs"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, s, http.MethodGet, "/v1/stores/docs", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, s, http.MethodPost, "/v1/stores", map[string]string{"name": "docs"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, s, http.MethodPost, "/v1/stores", map[string]string{"name": "-bad-"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, s, http.MethodDelete, "/v1/stores/docs", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, s, http.MethodGet, "/v1/stores/docs", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStoreStatsEndpoint(t *testing.T) {
	s := newTestServer(t)
	indexSample(t, s, "a.go", "b.go")

	rr := doJSON(t, s, http.MethodGet, "/v1/stores/default/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats index.Stats
	unmarshalBody(t, rr, &stats)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 2, stats.Chunks)
}

func TestVersionLifecycleAndGC(t *testing.T) {
	s := newTestServer(t)

	rr := doJSON(t, s, http.MethodPost, "/v1/stores/default/versions", map[string]any{
		"config": registry.DefaultVersionConfig(),
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var v registry.Version
	unmarshalBody(t, rr, &v)
	assert.Equal(t, "v2", v.ID)

	rr = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/stores/default/versions/%s/ready", v.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/stores/default/versions/%s/promote", v.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// v1 is deprecated after the promote; GC collects it.
	rr = doJSON(t, s, http.MethodPost, "/v1/stores/default/versions/gc", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var out map[string][]string
	unmarshalBody(t, rr, &out)
	assert.Equal(t, []string{"v1"}, out["collected"])
}

func TestMLPassThrough(t *testing.T) {
	s := newTestServer(t)

	rr := doJSON(t, s, http.MethodPost, "/v1/ml/embed", map[string]any{"texts": []string{"hello"}})
	require.Equal(t, http.StatusOK, rr.Code)
	var embed struct {
		Embeddings [][]float32 `json:"embeddings"`
		Dimensions int         `json:"dimensions"`
	}
	unmarshalBody(t, rr, &embed)
	require.Len(t, embed.Embeddings, 1)
	assert.Len(t, embed.Embeddings[0], embed.Dimensions)

	rr = doJSON(t, s, http.MethodPost, "/v1/ml/sparse", map[string]any{"texts": []string{"hello"}})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, s, http.MethodPost, "/v1/ml/rerank", map[string]any{
		"query": "hello", "documents": []string{"hello world", "other"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var rerank struct {
		Scores []float64 `json:"scores"`
	}
	unmarshalBody(t, rr, &rerank)
	assert.Len(t, rerank.Scores, 2)

	rr = doJSON(t, s, http.MethodPost, "/v1/ml/embed", map[string]any{"texts": []string{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	rr := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, s, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, s, http.MethodGet, "/v1/version", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var info map[string]string
	unmarshalBody(t, rr, &info)
	assert.NotEmpty(t, info["version"])

	rr = doJSON(t, s, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestReadyzDuringDrainAndPanic(t *testing.T) {
	s := newTestServer(t)

	s.state.StartDrain()
	rr := doJSON(t, s, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestReadyzAfterBackgroundPanic(t *testing.T) {
	s := newTestServer(t)
	s.state.RecordPanic()
	rr := doJSON(t, s, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body map[string]string
	unmarshalBody(t, rr, &body)
	assert.Equal(t, "panic_cooldown", body["status"])
}

func TestObservabilityEndpoints(t *testing.T) {
	s := newTestServer(t)
	indexSample(t, s, "main.go")
	rr := doJSON(t, s, http.MethodPost, "/v1/stores/default/search", map[string]any{"query": "main world"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, s, http.MethodGet, "/v1/observability/query-stats?store=default", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats []telemetry.StoreStats
	unmarshalBody(t, rr, &stats)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Total)

	rr = doJSON(t, s, http.MethodGet, "/v1/observability/recent-queries?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var recent []telemetry.QueryRecord
	unmarshalBody(t, rr, &recent)
	require.Len(t, recent, 1)
	assert.Equal(t, "main world", recent[0].Query)

	rr = doJSON(t, s, http.MethodGet, "/v1/observability/telemetry", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = doJSON(t, s, http.MethodGet, "/healthz", nil, "X-Request-ID", "fixed-id")
	assert.Equal(t, "fixed-id", rr.Header().Get("X-Request-ID"))
}

func TestExplainAttachesToFirstResult(t *testing.T) {
	s := newTestServer(t)
	indexSample(t, s, "main.go")

	rr := doJSON(t, s, http.MethodPost, "/v1/stores/default/search", map[string]any{
		"query": "main world", "explain": true,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp search.Response
	unmarshalBody(t, rr, &resp)
	require.NotEmpty(t, resp.Results)
	require.NotNil(t, resp.Results[0].Explain)
	assert.Equal(t, 60, resp.Results[0].Explain.RRFConstant)
	if len(resp.Results) > 1 {
		assert.Nil(t, resp.Results[1].Explain)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	s := newTestServer(t)
	judgments := []map[string]any{
		{"query_id": "q1", "doc_id": "d1", "grade": 3},
		{"query_id": "q1", "doc_id": "d2", "grade": 1},
	}

	rr := doJSON(t, s, http.MethodPost, "/v1/observability/evaluate", map[string]any{
		"runs":      []map[string]any{{"query_id": "q1", "doc_ids": []string{"d1", "d2"}}},
		"judgments": judgments,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var res telemetry.EvalResult
	unmarshalBody(t, rr, &res)
	assert.Equal(t, 1, res.Queries)
	assert.InDelta(t, 1.0, res.NDCG5, 1e-9)

	// With a second run the endpoint switches to an A/B comparison.
	rr = doJSON(t, s, http.MethodPost, "/v1/observability/evaluate", map[string]any{
		"runs":      []map[string]any{{"query_id": "q1", "doc_ids": []string{"d2", "d1"}}},
		"runs_b":    []map[string]any{{"query_id": "q1", "doc_ids": []string{"d1", "d2"}}},
		"judgments": judgments,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var cmp telemetry.ABComparison
	unmarshalBody(t, rr, &cmp)
	assert.Equal(t, "b", cmp.Winner)

	rr = doJSON(t, s, http.MethodPost, "/v1/observability/evaluate", map[string]any{
		"judgments": judgments,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
