package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/ha1tch/xmigrate/pkg/config"
	"github.com/ha1tch/xmigrate/pkg/models"
)

var modelName = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.progress.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": config.Version,
		"run_id":  snap.RunID,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": config.Version,
	})
}

// handleProgress returns the whole run
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.progress.Snapshot())
}

// handleModelProgress returns one entity type
func (s *Server) handleModelProgress(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	if err := validateModelName(model); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mp, ok := s.progress.Model(model)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("Entity type %s is not part of this run", model))
		return
	}
	s.writeJSON(w, http.StatusOK, mp)
}

// handleErrors returns the logged record errors of an entity type
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	if err := validateModelName(model); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.opts.Errors.LoadErrors(model)
	if err != nil {
		s.logger.Error().Err(err).Str("model", model).Msg("Failed to read error file")
		s.writeError(w, http.StatusInternalServerError, "Failed to read error file")
		return
	}
	if entries == nil {
		entries = []models.ErrorEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"model":  model,
		"count":  len(entries),
		"errors": entries,
	})
}

// handleGraphStats returns dependency graph statistics
func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_count": s.opts.Graph.NodeCount(),
		"edge_count": s.opts.Graph.EdgeCount(),
		"has_cycle":  s.opts.Graph.HasCycle(),
	})
}

// handleGraphModel returns what an entity type waits for and what waits for it
func (s *Server) handleGraphModel(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	if err := validateModelName(model); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.opts.Graph.HasNode(model) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("Entity type %s is not in the dependency graph", model))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"model":      model,
		"depends_on": s.opts.Graph.Dependencies(model),
		"dependents": s.opts.Graph.Dependents(model),
	})
}

// handleGraphPath explains why one entity type is migrated after another
func (s *Server) handleGraphPath(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	for _, model := range []string{from, to} {
		if err := validateModelName(model); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	path, err := s.opts.Graph.Path(from, to)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"from": from,
		"to":   to,
		"path": path,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	var resp errorResponse
	resp.Error.Message = message
	resp.Error.Status = status
	s.writeJSON(w, status, resp)
}

func validateModelName(model string) error {
	if model == "" {
		return fmt.Errorf("entity type cannot be empty")
	}
	if !modelName.MatchString(model) {
		return fmt.Errorf("invalid entity type %q: expected dotted lowercase name", model)
	}
	return nil
}
