package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ricelabs/rice/internal/registry"
	"github.com/ricelabs/rice/internal/validation"
)

func (s *Server) handleListStores(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"stores": s.deps.Registry.ListStores()})
}

type createStoreBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	var body createStoreBody
	if err := decode(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := validation.StoreName(body.Name); err != nil {
		writeError(w, s.log, err)
		return
	}
	store, err := s.deps.Registry.CreateStore(body.Name, body.Description)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, store)
}

func (s *Server) handleGetStore(w http.ResponseWriter, r *http.Request) {
	store, err := s.deps.Registry.GetStore(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, store)
}

// handleDeleteStore drops the store's collections, tracker state, and
// metadata.
func (s *Server) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	store, err := s.deps.Registry.GetStore(name)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	for _, v := range store.Versions {
		res, err := s.deps.Registry.Resolve(name, v.ID)
		if err != nil {
			continue
		}
		if err := s.deps.Engine.DropCollection(r.Context(), res); err != nil {
			writeError(w, s.log, err)
			return
		}
	}
	if err := s.deps.Indexer.DropStore(name); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.deps.Registry.DeleteStore(name); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func (s *Server) handleStoreStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Indexer.StoreStats(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	store, err := s.deps.Registry.GetStore(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions":       store.Versions,
		"active_version": store.ActiveVersion,
	})
}

type createVersionBody struct {
	Config registry.VersionConfig `json:"config"`
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body createVersionBody
	if err := decode(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	cfg := body.Config
	if cfg.Dimensions <= 0 && s.deps.Gateway != nil {
		cfg.Dimensions = s.deps.Gateway.Dimensions()
	}
	v, err := s.deps.Registry.CreateVersion(name, cfg)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleMarkReady(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	versionID := chi.URLParam(r, "version")
	if err := s.deps.Registry.MarkReady(name, versionID); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(registry.StatusReady)})
}

func (s *Server) handlePromoteVersion(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	versionID := chi.URLParam(r, "version")
	if err := s.deps.Registry.Promote(name, versionID); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active_version": versionID})
}

func (s *Server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	versionID := chi.URLParam(r, "version")
	res, err := s.deps.Registry.Resolve(name, versionID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.deps.Registry.DeleteVersion(name, versionID); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.deps.Engine.DropCollection(r.Context(), res); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": versionID})
}

// handleVersionGC drops the collections of every deprecated version and
// removes them from the history.
func (s *Server) handleVersionGC(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	store, err := s.deps.Registry.GetStore(name)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var collected []string
	for _, v := range store.Versions {
		if v.Status != registry.StatusDeprecated {
			continue
		}
		res, err := s.deps.Registry.Resolve(name, v.ID)
		if err != nil {
			continue
		}
		if err := s.deps.Engine.DropCollection(r.Context(), res); err != nil {
			writeError(w, s.log, err)
			return
		}
		if err := s.deps.Registry.DeleteVersion(name, v.ID); err != nil {
			writeError(w, s.log, err)
			return
		}
		collected = append(collected, v.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"collected": collected})
}
