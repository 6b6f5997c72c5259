package httpapi

import (
	"net/http"

	"github.com/ricelabs/rice/internal/errors"
)

type embedBody struct {
	Texts []string `json:"texts"`
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var body embedBody
	if err := decode(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	if len(body.Texts) == 0 {
		writeError(w, s.log, errors.Validation("texts must not be empty"))
		return
	}
	vecs, err := s.deps.Gateway.Embed(r.Context(), body.Texts)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"embeddings": vecs,
		"dimensions": s.deps.Gateway.Dimensions(),
		"model":      s.deps.Gateway.EmbedModel(),
	})
}

func (s *Server) handleSparse(w http.ResponseWriter, r *http.Request) {
	var body embedBody
	if err := decode(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	if len(body.Texts) == 0 {
		writeError(w, s.log, errors.Validation("texts must not be empty"))
		return
	}
	vecs, err := s.deps.Gateway.SparseEncode(r.Context(), body.Texts)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vectors": vecs})
}

type rerankBody struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

func (s *Server) handleRerank(w http.ResponseWriter, r *http.Request) {
	var body rerankBody
	if err := decode(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	if body.Query == "" || len(body.Documents) == 0 {
		writeError(w, s.log, errors.Validation("query and documents are required"))
		return
	}
	scores, err := s.deps.Gateway.Rerank(r.Context(), body.Query, body.Documents)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}
