package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"breachscope/internal/model"
	"breachscope/internal/seed"
	"breachscope/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the polling loop, notification workers and ops API",
	RunE:  runServe,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run a single ingest cycle and print the result",
	RunE:  runIngest,
}

var seedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Load sources, entities and subscriptions from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

var addSourceCmd = &cobra.Command{
	Use:   "add-source <url>",
	Short: "Validate and register a feed",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddSource,
}

func init() {
	serveCmd.Flags().Int("port", 0, "port for the ops API (BREACHSCOPE_PORT)")
	serveCmd.Flags().Bool("prod", false, "production mode: quieter request logs, unconfigured channels fail instead of logging")
	_ = v.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("production", serveCmd.Flags().Lookup("prod"))

	ingestCmd.Flags().Bool("no-workers", false, "enqueue jobs without draining them")

	addSourceCmd.Flags().StringSlice("tags", nil, "comma separated tags for the source")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Printf("Starting breachscope %s", Version)
	logger.Printf("Database: %s", cfg.DBPath)
	logger.Printf("Queue: %s (%s)", cfg.Queue.Path, a.broker.Mode())
	logger.Printf("Mode: %s", map[bool]string{true: "production", false: "development"}[cfg.ProductionMode])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.workers.Start(ctx)
	a.feedService.Start()

	srv := server.NewServer(a.db, a.pipeline, a.feedService, logger, server.Config{
		FeedTitle:       cfg.Feed.Title,
		FeedLink:        cfg.Feed.Link,
		FeedDescription: cfg.Feed.Description,
		AlertLimit:      cfg.Feed.Limit,
		ProductionMode:  cfg.ProductionMode,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.GetAddress()) }()

	select {
	case err = <-errCh:
		if err != nil {
			logger.Printf("Server error: %v", err)
		}
	case <-ctx.Done():
		logger.Printf("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Printf("Error shutting down server: %v", serr)
	}
	a.feedService.Stop()
	a.workers.Stop()
	return err
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := a.pipeline.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("ingest cycle failed: %w", err)
	}

	if noWorkers, _ := cmd.Flags().GetBool("no-workers"); !noWorkers && result.Jobs > 0 {
		for _, ch := range model.AllChannels {
			n, err := a.workers.RunOnce(ctx, ch)
			if err != nil {
				logger.Printf("Draining %s jobs: %v", ch, err)
			}
			logger.Printf("Delivered %d %s notifications", n, ch)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := seed.Load(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := seed.Apply(cmd.Context(), a.db, f)
	if err != nil {
		return fmt.Errorf("seeding %s stopped after %s: %w", args[0], sum, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %s\n", sum)
	return nil
}

func runAddSource(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tags, _ := cmd.Flags().GetStringSlice("tags")
	for i := range tags {
		tags[i] = strings.TrimSpace(tags[i])
	}
	id, err := a.feedService.AddSource(cmd.Context(), args[0], tags)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added source %d: %s\n", id, args[0])
	return nil
}
