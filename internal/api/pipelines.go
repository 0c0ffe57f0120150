package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/clowderhq/clowder/internal/services"
)

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	ids, err := s.pipelineSvc.ListTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.pipelineSvc.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) startPipeline(w http.ResponseWriter, r *http.Request) {
	var req services.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid request body"})
		return
	}

	resp, err := s.pipelineSvc.Start(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) stopPipeline(w http.ResponseWriter, r *http.Request) {
	resp, err := s.pipelineSvc.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listRunning(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.pipelineSvc.Running(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if pipelines == nil {
		pipelines = []services.PipelineOverview{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Server) listRecent(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	pipelines, err := s.pipelineSvc.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if pipelines == nil {
		pipelines = []services.PipelineOverview{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	detail, err := s.pipelineSvc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
