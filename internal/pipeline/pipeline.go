// Package pipeline carries accepted articles through enrichment, matching,
// classification and notification, persisting each stage as it completes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"breachscope/internal/classify"
	"breachscope/internal/database"
	"breachscope/internal/enrich"
	"breachscope/internal/feed"
	"breachscope/internal/match"
	"breachscope/internal/model"
	"breachscope/internal/notify"
	"breachscope/internal/registry"
)

// Pipeline wires the stages together. Data only ever flows downstream.
type Pipeline struct {
	db         *database.DB
	ingestor   *feed.Ingestor
	enricher   *enrich.Enricher
	registry   *registry.Registry
	engine     *match.Engine
	classifier *classify.Classifier
	resolver   *notify.Resolver
	dispatcher *notify.Dispatcher
	logger     *log.Logger
}

// Deps are the stage implementations a Pipeline runs
type Deps struct {
	DB         *database.DB
	Ingestor   *feed.Ingestor
	Enricher   *enrich.Enricher
	Registry   *registry.Registry
	Engine     *match.Engine
	Classifier *classify.Classifier
	Resolver   *notify.Resolver
	Dispatcher *notify.Dispatcher
	Logger     *log.Logger
}

func New(d Deps) *Pipeline {
	return &Pipeline{
		db:         d.DB,
		ingestor:   d.Ingestor,
		enricher:   d.Enricher,
		registry:   d.Registry,
		engine:     d.Engine,
		classifier: d.Classifier,
		resolver:   d.Resolver,
		dispatcher: d.Dispatcher,
		logger:     d.Logger,
	}
}

// Outcome is what processing did to one article
type Outcome struct {
	ArticleID      int64                `json:"article_id"`
	Enriched       bool                 `json:"enriched"`
	Matches        int                  `json:"matches"`
	Classification model.Classification `json:"classification"`
	Jobs           int                  `json:"jobs"`
}

// CycleResult summarizes one ingest and processing pass
type CycleResult struct {
	Accepted   int           `json:"accepted"`
	Filtered   int           `json:"filtered"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed_sources"`
	Resumed    int           `json:"resumed"`
	Processed  int           `json:"processed"`
	Matched    int           `json:"matched"`
	Jobs       int           `json:"jobs"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// backlogLimit bounds how many unanalyzed articles one cycle picks up
const backlogLimit = 500

// RunCycle ingests every active source and processes every article whose
// analysis has not been saved yet: the newly accepted ones and any left over
// by an interrupted cycle. An article that fails a stage is logged, stays
// unanalyzed and is retried by the next cycle.
func (p *Pipeline) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()

	ingested, err := p.ingestor.IngestAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	result := &CycleResult{
		Accepted: ingested.Accepted,
		Filtered: ingested.Filtered,
		Skipped:  ingested.Skipped,
		Failed:   ingested.Failed,
	}

	articles := ingested.Articles
	if pending, err := p.db.ListUnanalyzed(ctx, backlogLimit); err != nil {
		p.logger.Printf("Error loading unanalyzed articles, processing this cycle's only: %v", err)
	} else {
		fresh := make(map[int64]bool, len(ingested.Articles))
		for _, a := range ingested.Articles {
			fresh[a.ID] = true
		}
		for _, a := range pending {
			if !fresh[a.ID] {
				result.Resumed++
			}
		}
		articles = pending
	}

	for _, article := range articles {
		if ctx.Err() != nil {
			break
		}
		out, err := p.Process(ctx, article, true)
		if err != nil {
			result.Errors++
			p.logger.Printf("Error processing article %d (%s): %v", article.ID, article.Link, err)
			continue
		}
		result.Processed++
		if out.Matches > 0 {
			result.Matched++
		}
		result.Jobs += out.Jobs
	}

	result.Duration = time.Since(start)
	result.DurationMS = result.Duration.Milliseconds()
	p.logger.Printf("Cycle complete: %d accepted, %d filtered, %d skipped, %d failed sources, %d resumed, %d processed, %d jobs in %v",
		result.Accepted, result.Filtered, result.Skipped, result.Failed, result.Resumed, result.Processed, result.Jobs, result.Duration)
	return result, nil
}

// Cycle adapts RunCycle to the feed service loop
func (p *Pipeline) Cycle(ctx context.Context) error {
	_, err := p.RunCycle(ctx)
	return err
}

// Process runs enrichment, matching and classification on an accepted
// article and stores the results. With dispatch set, admitted subscribers
// are notified.
func (p *Pipeline) Process(ctx context.Context, article model.Article, dispatch bool) (*Outcome, error) {
	out := &Outcome{ArticleID: article.ID}

	if body := p.enricher.Enrich(ctx, article); body != nil {
		if err := p.db.UpdateArticleBody(ctx, article.ID, body.Text); err != nil {
			p.logger.Printf("Error storing enriched body for article %d: %v", article.ID, err)
		} else {
			article.Body = body.Text
			article.ContentEnriched = true
			out.Enriched = true
		}
	}

	snap, err := p.registry.Snapshot(ctx)
	if err != nil {
		p.logger.Printf("Registry unavailable for article %d, matching against nothing: %v", article.ID, err)
		snap = registry.NewSnapshot(nil)
	}
	matches := p.engine.Match(article, snap)
	out.Matches = len(matches)

	cls := p.classifier.Classify(article)
	out.Classification = cls
	if err := p.db.SaveAnalysis(ctx, article.ID, cls, matches); err != nil {
		return out, fmt.Errorf("save analysis: %w", err)
	}
	article.AlertType = cls.AlertType
	article.Severity = cls.Severity
	article.ClassificationConfidence = cls.Confidence
	article.IncidentType = cls.IncidentType

	if !dispatch || len(matches) == 0 {
		return out, nil
	}
	jobs, err := p.notify(ctx, article, matches)
	if err != nil {
		return out, err
	}
	out.Jobs = jobs
	return out, nil
}

func (p *Pipeline) notify(ctx context.Context, article model.Article, matches []model.Match) (int, error) {
	subs, err := p.resolver.Resolve(ctx, matches, article)
	if err != nil {
		return 0, fmt.Errorf("resolve subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}
	return len(p.dispatcher.Dispatch(ctx, article, subs)), nil
}

// Reprocess re-runs enrichment, matching and classification for a stored
// article. The previous match set is replaced and nobody is notified.
func (p *Pipeline) Reprocess(ctx context.Context, id int64) (*Outcome, error) {
	article, err := p.db.GetArticle(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, *article, false)
}

// Redrive resolves and dispatches notifications again from the stored
// classification and matches.
func (p *Pipeline) Redrive(ctx context.Context, id int64) (int, error) {
	article, err := p.db.GetArticle(ctx, id)
	if err != nil {
		return 0, err
	}
	matches, err := p.db.GetMatches(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("load matches: %w", err)
	}
	if len(matches) == 0 {
		return 0, nil
	}
	return p.notify(ctx, *article, matches)
}

// Delete removes an article and tombstones its link
func (p *Pipeline) Delete(ctx context.Context, id int64, reason string) (*model.Tombstone, error) {
	ts, err := p.db.DeleteArticle(ctx, id, reason)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("delete article %d: %w", id, err)
	}
	p.logger.Printf("Deleted article %d (%s): %s", id, ts.Link, reason)
	return ts, nil
}

// Reload drops the cached entity snapshot and exclusion terms so edits made
// by seed or directly in the store apply to the next article.
func (p *Pipeline) Reload() {
	p.registry.Invalidate()
	p.ingestor.InvalidateExclusions()
	p.logger.Printf("Reloaded entity registry and exclusion terms")
}

// QueueMode reports whether notifications go to a durable queue or are only logged
func (p *Pipeline) QueueMode() string {
	return p.dispatcher.Mode()
}

// Ping checks the store
func (p *Pipeline) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
