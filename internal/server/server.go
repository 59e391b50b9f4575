// Package server exposes the operations router: health, manual ingest,
// cache reload, article reprocessing, notification redrive, deletion and an
// alerts feed.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"breachscope/internal/database"
	"breachscope/internal/feed"
	"breachscope/internal/pipeline"
)

type Config struct {
	FeedTitle       string
	FeedLink        string
	FeedDescription string
	AlertLimit      int
	ProductionMode  bool
}

type Server struct {
	router      *chi.Mux
	db          *database.DB
	pipeline    *pipeline.Pipeline
	feedService *feed.Service
	logger      *log.Logger
	config      Config
	httpServer  *http.Server
}

func NewServer(db *database.DB, p *pipeline.Pipeline, feedService *feed.Service, logger *log.Logger, config Config) *Server {
	if config.FeedTitle == "" {
		config.FeedTitle = "breachscope alerts"
	}
	if config.FeedDescription == "" {
		config.FeedDescription = "Confirmed breaches and active security incidents"
	}
	if config.AlertLimit <= 0 {
		config.AlertLimit = 50
	}

	s := &Server{
		router:      chi.NewRouter(),
		db:          db,
		pipeline:    p,
		feedService: feedService,
		logger:      logger,
		config:      config,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)
	s.router.Use(securityHeaders)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Post("/ingest", s.handleIngest)
	s.router.Post("/sources", s.handleAddSource)
	s.router.Post("/reload", s.handleReload)

	s.router.Post("/articles/{id}/reprocess", s.handleReprocess)
	s.router.Post("/articles/{id}/redrive", s.handleRedrive)
	s.router.Delete("/articles/{id}", s.handleDelete)

	s.router.With(middleware.Compress(5)).Get("/alerts.rss", s.handleAlertsRSS)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		RespondWithError(w, http.StatusNotFound, "not found")
	})
}

// Routes returns the router
func (s *Server) Routes() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// POST /ingest runs a full cycle synchronously
		WriteTimeout: 10 * time.Minute,
	}
	s.logger.Printf("Starting server on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
