package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ricelabs/rice/internal/appstate"
	"github.com/ricelabs/rice/internal/engine"
	"github.com/ricelabs/rice/internal/index"
	"github.com/ricelabs/rice/internal/ml"
	"github.com/ricelabs/rice/internal/registry"
	"github.com/ricelabs/rice/internal/search"
	"github.com/ricelabs/rice/internal/telemetry"
)

// Deps are the wired components the HTTP surface exposes.
type Deps struct {
	Registry  *registry.Registry
	Engine    engine.Engine
	Indexer   *index.Indexer
	Pipeline  *search.Pipeline
	Gateway   *ml.Gateway
	Collector *telemetry.Collector
	State     *appstate.State

	// Metrics is the registry behind /metrics. Defaults to a fresh one.
	Metrics *prometheus.Registry

	Log *slog.Logger
}

// Server is the HTTP/JSON API.
type Server struct {
	deps  Deps
	state *appstate.State
	log   *slog.Logger

	router chi.Router

	requests *prometheus.CounterVec
	latency  prometheus.Histogram
	panics   prometheus.Counter
}

// NewServer builds the router with the full route table.
func NewServer(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.State == nil {
		deps.State = appstate.NewState(0)
	}
	if deps.Metrics == nil {
		deps.Metrics = prometheus.NewRegistry()
	}

	s := &Server{
		deps:  deps,
		state: deps.State,
		log:   deps.Log,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rice_http_requests_total",
			Help: "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rice_http_request_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rice_http_panics_total",
			Help: "Recovered handler panics.",
		}),
	}
	deps.Metrics.MustRegister(s.requests, s.latency, s.panics)

	r := chi.NewRouter()
	r.Use(requestID, connectionScope, s.track, s.observe, s.recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealthDetail)
		r.Get("/version", s.handleVersion)

		r.Route("/stores", func(r chi.Router) {
			r.Get("/", s.handleListStores)
			r.Post("/", s.handleCreateStore)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetStore)
				r.Delete("/", s.handleDeleteStore)
				r.Get("/stats", s.handleStoreStats)

				r.Post("/search", s.handleSearch(search.ModeHybrid))
				r.Post("/search/dense", s.handleSearch(search.ModeDense))
				r.Post("/search/sparse", s.handleSearch(search.ModeSparse))

				r.Post("/index", s.handleIndex)
				r.Delete("/index", s.handleDeleteIndex)
				r.Post("/index/sync", s.handleSync)
				r.Post("/index/reindex", s.handleReindex)
				r.Get("/index/files", s.handleFiles)

				r.Route("/versions", func(r chi.Router) {
					r.Get("/", s.handleListVersions)
					r.Post("/", s.handleCreateVersion)
					r.Post("/{version}/ready", s.handleMarkReady)
					r.Post("/{version}/promote", s.handlePromoteVersion)
					r.Delete("/{version}", s.handleDeleteVersion)
					r.Post("/gc", s.handleVersionGC)
				})

				r.Get("/ws", s.handleWebSocket)
			})
		})

		r.Route("/ml", func(r chi.Router) {
			r.Post("/embed", s.handleEmbed)
			r.Post("/sparse", s.handleSparse)
			r.Post("/rerank", s.handleRerank)
		})

		r.Route("/observability", func(r chi.Router) {
			r.Get("/stats", s.handleObservabilityStats)
			r.Get("/query-stats", s.handleQueryStats)
			r.Get("/recent-queries", s.handleRecentQueries)
			r.Get("/telemetry", s.handleTelemetry)
			r.Post("/evaluate", s.handleEvaluate)
		})
	})

	s.router = r
	return s
}

// Handler returns the root http handler.
func (s *Server) Handler() http.Handler { return s.router }
