package httpapi

import (
	"net/http"

	"github.com/ricelabs/rice/internal/errors"
	"github.com/ricelabs/rice/internal/telemetry"
	"github.com/ricelabs/rice/pkg/version"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is the readiness gate: 503 while draining, while the ML
// gateway is unhealthy, or while the background-panic flag cools down.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	switch {
	case s.state.Draining():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
	case s.state.PanicTripped():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "panic_cooldown"})
	case s.deps.Gateway != nil && !s.deps.Gateway.Healthy():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "ml_unhealthy"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) handleHealthDetail(w http.ResponseWriter, _ *http.Request) {
	detail := map[string]any{
		"status":    "ok",
		"draining":  s.state.Draining(),
		"in_flight": s.state.InFlight(),
		"version":   version.Get(),
	}
	if s.deps.Gateway != nil {
		detail["ml"] = s.deps.Gateway.Health()
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func (s *Server) handleObservabilityStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"in_flight": s.state.InFlight(),
		"stores":    s.deps.Registry.ListStores(),
	})
}

func (s *Server) handleQueryStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	if store := r.URL.Query().Get("store"); store != "" {
		stats, ok := s.deps.Collector.Stats(store)
		if !ok {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		writeJSON(w, http.StatusOK, []any{stats})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Collector.AllStats())
}

func (s *Server) handleRecentQueries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	n := intQuery(r, "limit", 50)
	writeJSON(w, http.StatusOK, s.deps.Collector.Recent(n))
}

type evaluateBody struct {
	Runs      []telemetry.RankedList `json:"runs"`
	RunsB     []telemetry.RankedList `json:"runs_b,omitempty"`
	Judgments []telemetry.Judgment   `json:"judgments"`
}

// handleEvaluate scores ranked lists against relevance judgments. With
// runs_b present it returns an A/B comparison instead of a single summary.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var body evaluateBody
	if err := decode(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	if len(body.Runs) == 0 {
		writeError(w, s.log, errors.Validation("runs must not be empty"))
		return
	}
	if len(body.Judgments) == 0 {
		writeError(w, s.log, errors.Validation("judgments must not be empty"))
		return
	}
	if len(body.RunsB) > 0 {
		writeJSON(w, http.StatusOK, telemetry.CompareAB(body.Runs, body.RunsB, body.Judgments))
		return
	}
	writeJSON(w, http.StatusOK, telemetry.Evaluate(body.Runs, body.Judgments))
}

func (s *Server) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"in_flight": s.state.InFlight()}
	if s.deps.Collector != nil {
		out["stores"] = s.deps.Collector.AllStats()
	}
	if s.deps.Gateway != nil {
		out["ml"] = s.deps.Gateway.Health()
	}
	writeJSON(w, http.StatusOK, out)
}
