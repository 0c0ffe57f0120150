// Package api exposes the orchestrator over HTTP. Handlers are thin: they
// decode, call the pipeline service, and encode.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/clowderhq/clowder/internal/clowder"
	"github.com/clowderhq/clowder/internal/logging"
	"github.com/clowderhq/clowder/internal/services"
)

type Server struct {
	pipelineSvc *services.PipelineService
}

func NewServer(pipelineSvc *services.PipelineService) *Server {
	return &Server{pipelineSvc: pipelineSvc}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(traceRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/", s.root)
	r.Get("/ping", s.ping)
	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/templates", s.listTemplates)
		r.Get("/templates/{id}", s.getTemplate)
		r.Post("/{id}/start", s.startPipeline)
		r.Post("/{id}/stop", s.stopPipeline)
		r.Get("/running", s.listRunning)
		r.Get("/recent", s.listRecent)
		r.Get("/{id}", s.getPipeline)
	})

	return r
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Clowder pipeline orchestrator. See /pipelines/templates to get started.",
	})
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"pong": true})
}

// traceRequests logs every request at TRACE so normal operation stays quiet
// unless explicitly asked for.
func traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Log(r.Context(), logging.LevelTrace, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels to HTTP statuses: not-found to 404,
// invalid requests to 400, anything else to 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, clowder.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, clowder.ErrInvalidRequest):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}
