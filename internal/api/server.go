// Package api is the HTTP collaborator contract: REST queries over the
// corpus, bulk exports, and job submission with streaming.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"exportstudio/internal/jobs"
	"exportstudio/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	router  *chi.Mux
	port    int
	reader  *store.Store
	coord   *jobs.Coordinator
	dataDir string
	logger  *slog.Logger
}

// NewServer wires the router. reader is a read-only store handle; writes go
// through the coordinator's read-write handle.
func NewServer(port int, reader *store.Store, coord *jobs.Coordinator, dataDir string, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		port:    port,
		reader:  reader,
		coord:   coord,
		dataDir: dataDir,
		logger:  logger,
	}

	router.Get("/health", s.health)

	router.Route("/api", func(r chi.Router) {
		r.Get("/conversations", s.listConversations)
		r.Get("/conversations/{id}", s.getConversation)
		r.Get("/conversations/{id}/messages", s.getMessages)
		r.Get("/search", s.search)
		r.Get("/stats", s.stats)
		r.Get("/projects", s.listProjects)

		r.Get("/export/markdown", s.exportMarkdown)
		r.Post("/export/jsonl", s.exportJSONL)
		r.Post("/export/pairs", s.exportPairs)
		r.Post("/export/obsidian", s.exportObsidian)

		r.Post("/jobs", s.submitJob)
		r.Get("/jobs/check", s.checkJob)
		r.Get("/jobs/{id}", s.getJob)
		r.Delete("/jobs/{id}", s.deleteJob)
		r.Get("/jobs/{id}/stream", s.streamJob)
		r.Get("/jobs/{id}/ws", s.streamJobWS)
		r.Get("/jobs/{id}/download", s.downloadJob)
	})

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps the error taxonomy onto HTTP statuses: invalid_input →
// 400, not_found → 404, anything else → 500.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidInput):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		s.logger.Error("request failed", "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
