package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"breachscope/internal/database"
	"breachscope/internal/feed"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{
		"status": "ok",
		"store":  "ok",
		"queue":  s.pipeline.QueueMode(),
	}
	if err := s.pipeline.Ping(ctx); err != nil {
		s.logger.Printf("Health check failed: DB ping error: %v", err)
		status["status"] = "error"
		status["store"] = "unreachable"
		RespondWithJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	RespondWithJSON(w, http.StatusOK, status)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	result, err := s.pipeline.RunCycle(r.Context())
	if err != nil {
		s.logger.Printf("Manual ingest failed: %v", err)
		RespondWithError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	RespondWithJSON(w, http.StatusOK, result)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Reload()
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	if s.feedService == nil {
		RespondWithError(w, http.StatusServiceUnavailable, "source management disabled")
		return
	}

	var req struct {
		URL  string   `json:"url"`
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		RespondWithError(w, http.StatusBadRequest, "url is required")
		return
	}

	id, err := s.feedService.AddSource(r.Context(), req.URL, req.Tags)
	switch {
	case errors.Is(err, feed.ErrInvalidURL), errors.Is(err, feed.ErrNotAFeed):
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, feed.ErrTimeout):
		RespondWithError(w, http.StatusGatewayTimeout, err.Error())
		return
	case err != nil:
		s.logger.Printf("Error adding source %s: %v", req.URL, err)
		RespondWithError(w, http.StatusInternalServerError, "could not add source")
		return
	}
	RespondWithJSON(w, http.StatusCreated, map[string]any{"id": id, "url": req.URL})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := articleID(w, r)
	if !ok {
		return
	}
	out, err := s.pipeline.Reprocess(r.Context(), id)
	if err != nil {
		s.respondArticleError(w, "reprocess", id, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	id, ok := articleID(w, r)
	if !ok {
		return
	}
	jobs, err := s.pipeline.Redrive(r.Context(), id)
	if err != nil {
		s.respondArticleError(w, "redrive", id, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{
		"article_id": id,
		"jobs":       jobs,
		"queue":      s.pipeline.QueueMode(),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := articleID(w, r)
	if !ok {
		return
	}
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = "deleted by operator"
	}
	ts, err := s.pipeline.Delete(r.Context(), id, reason)
	if err != nil {
		s.respondArticleError(w, "delete", id, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{
		"article_id": id,
		"link":       ts.Link,
		"reason":     ts.Reason,
	})
}

func articleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		RespondWithError(w, http.StatusBadRequest, "invalid article id")
		return 0, false
	}
	return id, true
}

func (s *Server) respondArticleError(w http.ResponseWriter, op string, id int64, err error) {
	if errors.Is(err, database.ErrNotFound) {
		RespondWithError(w, http.StatusNotFound, "article not found")
		return
	}
	s.logger.Printf("Error during %s of article %d: %v", op, id, err)
	RespondWithError(w, http.StatusInternalServerError, op+" failed")
}
