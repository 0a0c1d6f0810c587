package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"mnemos/internal/core"
	"mnemos/internal/errs"
	"mnemos/internal/pipeline"
)

// HealthResponse reports service health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type ingestRequest struct {
	Content  string   `json:"content"`
	Type     string   `json:"type"`
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	if err := s.store.Ping(r.Context()); err != nil {
		checks["database"] = "error"
		s.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Checks: checks})
		return
	}
	checks["database"] = "ok"
	s.respondJSON(w, http.StatusOK, HealthResponse{Status: "ok", Checks: checks})
}

// handleIngest handles POST /memory-space/{userId}.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, errs.Errorf(errs.KindInvalidInput, "server.handleIngest", "malformed request body: %v", err))
		return
	}

	id, err := s.pipeline.Ingest(r.Context(), pipeline.IngestRequest{
		UserID:   userID,
		Content:  req.Content,
		Type:     core.MemoryType(req.Type),
		Summary:  req.Summary,
		Keywords: req.Keywords,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleListMemories handles GET /memory-space/{userId}.
func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	memories, err := s.pipeline.ListMemories(r.Context(), userID, limit, offset)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"memories": memories})
}

// handleSearch handles POST /memory-space/{userId}/search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, errs.Errorf(errs.KindInvalidInput, "server.handleSearch", "malformed request body: %v", err))
		return
	}

	results, err := s.pipeline.Search(r.Context(), userID, req.Query, req.Limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleClusters handles GET /memory-space/{userId}/clusters.
func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	topics, err := s.pipeline.GetTopics(r.Context(), userID, forceRefresh(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"topics": topics.Topics})
}

// handleRepair handles POST /memory-space/{userId}/repair.
func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	count, err := s.pipeline.Repair(r.Context(), userID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"count": count})
}

// handleGraph handles GET /learning-path/{userId}/knowledge-graph.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	g, err := s.pipeline.GetGraph(r.Context(), userID, forceRefresh(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, g)
}

// handleTrajectory handles GET /learning-path/{userId}/trajectory.
func (s *Server) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	trajectory, err := s.pipeline.GetTrajectory(r.Context(), userID, forceRefresh(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, trajectory)
}

// userID parses the {userId} path parameter, responding with 400 on failure.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "userId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, errs.Errorf(errs.KindInvalidInput, "server.userID", "invalid user id %q", raw))
		return 0, false
	}
	return id, true
}

func forceRefresh(r *http.Request) bool {
	return r.URL.Query().Get("refresh") == "true"
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

// respondError maps the error's kind to an HTTP status.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.respondJSON(w, errs.HTTPStatus(err), errorResponse{
		Error: err.Error(),
		Kind:  errs.KindOf(err).String(),
	})
}
