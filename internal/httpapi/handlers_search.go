package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ricelabs/rice/internal/engine"
	"github.com/ricelabs/rice/internal/search"
	"github.com/ricelabs/rice/internal/validation"
)

// searchBody is the wire shape of a search request.
type searchBody struct {
	Query           string        `json:"query"`
	TopK            int           `json:"top_k"`
	Filter          *searchFilter `json:"filter"`
	EnableReranking *bool         `json:"enable_reranking"`
	RerankTopK      int           `json:"rerank_top_k"`
	IncludeContent  bool          `json:"include_content"`
	SparseWeight    *float64      `json:"sparse_weight"`
	DenseWeight     *float64      `json:"dense_weight"`
	GroupByFile     *bool         `json:"group_by_file"`
	MaxPerFile      int           `json:"max_per_file"`
	Explain         bool          `json:"explain"`
	Version         string        `json:"version"`
}

type searchFilter struct {
	PathPrefix   string   `json:"path_prefix"`
	Paths        []string `json:"paths"`
	Languages    []string `json:"languages"`
	ConnectionID string   `json:"connection_id"`
}

func (s *Server) handleSearch(mode search.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := chi.URLParam(r, "name")
		var body searchBody
		if err := decode(r, &body); err != nil {
			writeError(w, s.log, err)
			return
		}
		req, err := s.searchRequest(r, store, mode, &body)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		resp, err := s.deps.Pipeline.Search(r.Context(), req)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// searchRequest validates the body and applies connection scoping from the
// X-Connection-ID header unless the filter opts out.
func (s *Server) searchRequest(r *http.Request, store string, mode search.Mode, body *searchBody) (*search.Request, error) {
	if err := validation.StoreName(store); err != nil {
		return nil, err
	}
	if err := validation.Query(body.Query); err != nil {
		return nil, err
	}
	if err := validation.TopK(body.TopK); err != nil {
		return nil, err
	}
	if body.SparseWeight != nil {
		if err := validation.Weight("sparse_weight", *body.SparseWeight); err != nil {
			return nil, err
		}
	}
	if body.DenseWeight != nil {
		if err := validation.Weight("dense_weight", *body.DenseWeight); err != nil {
			return nil, err
		}
	}

	var f engine.Filter
	optOut := false
	if body.Filter != nil {
		f = engine.Filter{
			PathPrefix: body.Filter.PathPrefix,
			Paths:      body.Filter.Paths,
			Languages:  body.Filter.Languages,
		}
		switch body.Filter.ConnectionID {
		case "*", "all":
			optOut = true
		default:
			f.ConnectionID = body.Filter.ConnectionID
		}
	}
	if f.ConnectionID == "" && !optOut {
		f.ConnectionID = ConnectionIDFrom(r.Context())
	}

	return &search.Request{
		Store:           store,
		Version:         body.Version,
		Query:           body.Query,
		Mode:            mode,
		TopK:            body.TopK,
		Filter:          f,
		EnableReranking: body.EnableReranking,
		RerankTopK:      body.RerankTopK,
		SparseWeight:    body.SparseWeight,
		DenseWeight:     body.DenseWeight,
		IncludeContent:  body.IncludeContent,
		GroupByFile:     body.GroupByFile,
		MaxPerFile:      body.MaxPerFile,
		Explain:         body.Explain,
	}, nil
}

// intQuery parses a query parameter with a default.
func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
