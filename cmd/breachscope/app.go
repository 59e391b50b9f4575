package main

import (
	"fmt"
	"os"
	"path/filepath"

	"breachscope/internal/classify"
	"breachscope/internal/config"
	"breachscope/internal/database"
	"breachscope/internal/enrich"
	"breachscope/internal/feed"
	"breachscope/internal/match"
	"breachscope/internal/model"
	"breachscope/internal/notify"
	"breachscope/internal/pipeline"
	"breachscope/internal/queue"
	"breachscope/internal/registry"
)

// app holds the wired services shared by the commands
type app struct {
	cfg         *config.Config
	db          *database.DB
	broker      queue.Broker
	pipeline    *pipeline.Pipeline
	feedService *feed.Service
	workers     *notify.Workers
}

func newApp(cfg *config.Config) (*app, error) {
	for _, p := range []string{cfg.DBPath, cfg.Queue.Path} {
		if p == "" || p == ":memory:" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
	}

	db, err := database.NewDB(cfg.DBPath, database.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	broker := queue.Connect(cfg.Queue.Path, logger)

	ingestor := feed.NewIngestor(
		db,
		feed.NewFetcher(logger, cfg.Ingest.FetchTimeout),
		feed.NewExclusionFilter(db, cfg.Ingest.ExclusionTTL),
		logger,
		cfg.Ingest.BatchSize,
	)
	enricher := enrich.New(enrich.Config{
		Enabled:        cfg.Enrich.Enabled,
		Interval:       cfg.Enrich.Interval,
		Timeout:        cfg.Enrich.Timeout,
		MinLength:      cfg.Enrich.MinLength,
		BlockedDomains: cfg.Enrich.BlockedDomains,
		UserAgent:      cfg.Enrich.UserAgent,
		RespectRobots:  cfg.Enrich.RespectRobots,
	}, logger)

	p := pipeline.New(pipeline.Deps{
		DB:         db,
		Ingestor:   ingestor,
		Enricher:   enricher,
		Registry:   registry.New(db, logger, cfg.Registry.TTL),
		Engine:     match.NewEngine(logger),
		Classifier: classify.New(logger),
		Resolver:   notify.NewResolver(db, logger),
		Dispatcher: notify.NewDispatcher(broker, logger),
		Logger:     logger,
	})

	workers := notify.NewWorkers(broker, db, providers(cfg), logger)
	workers.SetConcurrency(model.ChannelEmail, cfg.Workers.Email)
	workers.SetConcurrency(model.ChannelSMS, cfg.Workers.SMS)
	workers.SetConcurrency(model.ChannelPush, cfg.Workers.Push)

	return &app{
		cfg:         cfg,
		db:          db,
		broker:      broker,
		pipeline:    p,
		feedService: feed.NewService(db, logger, p.Cycle, cfg.Ingest.UpdateInterval),
		workers:     workers,
	}, nil
}

// providers builds a provider for each configured channel. Outside
// production, channels left unconfigured log instead of delivering. In
// production they get no provider and their jobs are recorded as FAILED.
func providers(cfg *config.Config) map[model.Channel]notify.Provider {
	out := make(map[model.Channel]notify.Provider)
	if cfg.SMTP.Host != "" {
		out[model.ChannelEmail] = notify.NewSMTPProvider(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			Timeout:  cfg.SMTP.Timeout,
		})
	}
	if cfg.SMS.Endpoint != "" {
		out[model.ChannelSMS] = notify.NewHTTPProvider(model.ChannelSMS, notify.HTTPConfig{
			Endpoint: cfg.SMS.Endpoint, Token: cfg.SMS.Token, Timeout: cfg.SMS.Timeout,
		})
	}
	if cfg.Push.Endpoint != "" {
		out[model.ChannelPush] = notify.NewHTTPProvider(model.ChannelPush, notify.HTTPConfig{
			Endpoint: cfg.Push.Endpoint, Token: cfg.Push.Token, Timeout: cfg.Push.Timeout,
		})
	}
	for _, ch := range model.AllChannels {
		switch {
		case out[ch] != nil:
			logger.Printf("Channel %s: delivering through configured provider", ch)
		case cfg.ProductionMode:
			logger.Printf("Channel %s: no provider configured, jobs will be recorded as failed", ch)
		default:
			logger.Printf("Channel %s: no provider configured, logging notifications instead", ch)
			out[ch] = notify.NewLogProvider(ch, logger)
		}
	}
	return out
}

func (a *app) Close() {
	if err := a.broker.Close(); err != nil {
		logger.Printf("Error closing job queue: %v", err)
	}
	if err := a.db.Close(); err != nil {
		logger.Printf("Error closing database: %v", err)
	}
}
