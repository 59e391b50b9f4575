package feed

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"breachscope/internal/database"
	"breachscope/internal/model"
)

// CycleFunc runs one full ingest and processing pass
type CycleFunc func(ctx context.Context) error

// Service drives the periodic update loop. The interval is re-read from the
// settings table before every tick so it can change without a restart.
type Service struct {
	db              *database.DB
	logger          *log.Logger
	runCycle        CycleFunc
	defaultInterval time.Duration
	done            chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

func NewService(db *database.DB, logger *log.Logger, runCycle CycleFunc, defaultInterval time.Duration) *Service {
	if defaultInterval <= 0 {
		defaultInterval = 15 * time.Minute
	}
	return &Service{
		db:              db,
		logger:          logger,
		runCycle:        runCycle,
		defaultInterval: defaultInterval,
		done:            make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.updateLoop()
}

// Stop ends the loop and waits for an in-flight cycle to return
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Service) getUpdateInterval() time.Duration {
	seconds, err := s.db.GetSettingInt(context.Background(), "update_interval")
	if err != nil {
		s.logger.Printf("Error getting update interval, using default: %v", err)
		return s.defaultInterval
	}

	interval := time.Duration(seconds) * time.Second
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

func (s *Service) updateLoop() {
	defer s.wg.Done()
	s.logger.Printf("Starting feed service update loop")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	if err := s.runCycle(ctx); err != nil {
		s.logger.Printf("Initial ingest cycle failed: %v", err)
	}

	interval := s.getUpdateInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logger.Printf("Starting scheduled ingest cycle")
			newInterval := s.getUpdateInterval()
			if newInterval != interval {
				s.logger.Printf("Update interval changed from %v to %v", interval, newInterval)
				ticker.Reset(newInterval)
				interval = newInterval
			}

			if err := s.runCycle(ctx); err != nil {
				s.logger.Printf("Scheduled ingest cycle failed: %v", err)
			}

		case <-s.done:
			s.logger.Printf("Feed service shutting down")
			return
		}
	}
}

// AddSource validates a feed URL and registers it as an active source
func (s *Service) AddSource(ctx context.Context, url string, tags []string) (int64, error) {
	validation, err := ValidateSourceURL(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("feed validation failed: %w", err)
	}

	id, err := s.db.UpsertSource(ctx, model.Source{
		URL:      url,
		Title:    validation.Title,
		Tags:     tags,
		IsActive: true,
	})
	if err != nil {
		return 0, err
	}
	s.logger.Printf("Added source %s (%s, %d items)", url, validation.Title, validation.ItemCount)
	return id, nil
}
