package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ricelabs/rice/internal/index"
	"github.com/ricelabs/rice/internal/validation"
)

type indexBody struct {
	Files   []index.File `json:"files"`
	Force   bool         `json:"force"`
	Version string       `json:"version"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "name")
	if err := validation.StoreName(store); err != nil {
		writeError(w, s.log, err)
		return
	}
	var body indexBody
	if err := decode(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	report, err := s.deps.Indexer.IndexFiles(r.Context(), store, body.Files, index.Options{
		Force:        body.Force,
		Version:      body.Version,
		ConnectionID: ConnectionIDFrom(r.Context()),
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type deleteIndexBody struct {
	Paths      []string `json:"paths"`
	PathPrefix string   `json:"path_prefix"`
	Version    string   `json:"version"`
}

func (s *Server) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "name")
	if err := validation.StoreName(store); err != nil {
		writeError(w, s.log, err)
		return
	}
	var body deleteIndexBody
	if err := decode(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	removed, err := s.deps.Indexer.Delete(r.Context(), store, body.Paths, body.PathPrefix, body.Version)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type syncBody struct {
	CurrentPaths []string `json:"current_paths"`
	Version      string   `json:"version"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "name")
	if err := validation.StoreName(store); err != nil {
		writeError(w, s.log, err)
		return
	}
	var body syncBody
	if err := decode(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	removed, err := s.deps.Indexer.Sync(r.Context(), store, body.CurrentPaths, body.Version)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "name")
	if err := validation.StoreName(store); err != nil {
		writeError(w, s.log, err)
		return
	}
	report, err := s.deps.Indexer.Reindex(r.Context(), store, r.URL.Query().Get("version"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "name")
	if err := validation.StoreName(store); err != nil {
		writeError(w, s.log, err)
		return
	}
	page, err := s.deps.Indexer.Files(store, intQuery(r, "page", 1), intQuery(r, "page_size", 100))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
