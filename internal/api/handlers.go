package api

import (
	"net/http"
	"path/filepath"
	"strconv"

	"exportstudio/internal/export"
	"exportstudio/internal/jobs"
	"exportstudio/internal/store"

	"github.com/go-chi/chi/v5"
)

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		Limit:       queryInt(r, "limit", 50),
		Offset:      queryInt(r, "offset", 0),
		TitleSearch: r.URL.Query().Get("search"),
		GizmoID:     r.URL.Query().Get("gizmo_id"),
	}

	convs, err := s.reader.ListConversations(r.Context(), opts)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	respondJSON(w, http.StatusOK, convs)
}

type conversationDetail struct {
	store.Conversation
	Project *store.Project `json:"project,omitempty"`
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conv, err := s.reader.GetConversation(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	detail := conversationDetail{Conversation: *conv}
	if conv.GizmoID != nil {
		if p, err := s.reader.GetProject(r.Context(), *conv.GizmoID); err == nil {
			detail.Project = p
		}
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.reader.GetConversation(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}

	msgs, err := s.reader.MessagesForConversation(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	hits, err := s.reader.Search(r.Context(), r.URL.Query().Get("q"), queryInt(r, "limit", 50))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if hits == nil {
		hits = []store.SearchHit{}
	}
	respondJSON(w, http.StatusOK, hits)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.reader.Stats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.reader.ListProjects(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	respondJSON(w, http.StatusOK, projects)
}

func (s *Server) exportMarkdown(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "id required"})
		return
	}

	var redactor *export.Redactor
	if r.URL.Query().Get("redact") == "true" {
		redactor = export.NewRedactor()
	}

	md, err := export.Markdown(r.Context(), s.reader, id, redactor)
	if err != nil {
		s.respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(md))
}

type exportRequest struct {
	Redact bool   `json:"redact"`
	OutDir string `json:"out_dir,omitempty"`
}

func decodeExportRequest(r *http.Request) exportRequest {
	var req exportRequest
	// An empty or absent body means default options.
	decodeJSONBody(r, &req)
	return req
}

func (s *Server) exportJSONL(w http.ResponseWriter, r *http.Request) {
	req := decodeExportRequest(r)

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := export.MessagesJSONL(r.Context(), s.reader, w, req.Redact); err != nil {
		s.logger.Error("jsonl export failed", "error", err)
	}
}

func (s *Server) exportPairs(w http.ResponseWriter, r *http.Request) {
	req := decodeExportRequest(r)

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := export.TrainingPairsJSONL(r.Context(), s.reader, w, req.Redact); err != nil {
		s.logger.Error("pairs export failed", "error", err)
	}
}

func (s *Server) exportObsidian(w http.ResponseWriter, r *http.Request) {
	req := decodeExportRequest(r)

	dir := req.OutDir
	if dir == "" {
		dir = filepath.Join(s.dataDir, "vault")
	}

	stats, err := export.Vault(r.Context(), s.reader, dir, req.Redact)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"dir":           dir,
		"files_written": stats.FilesWritten,
		"conversations": stats.Conversations,
	})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	job, err := s.coord.Submit(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) checkJob(w http.ResponseWriter, r *http.Request) {
	targetID := r.URL.Query().Get("target_id")
	pattern := r.URL.Query().Get("pattern")
	if targetID == "" || pattern == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "target_id and pattern required"})
		return
	}

	res, err := s.coord.Check(r.Context(), targetID, pattern)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) downloadJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}

	path := s.coord.ArtifactPath(job)
	if path == "" {
		s.respondError(w, store.ErrNotFound)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
