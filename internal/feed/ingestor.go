package feed

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"breachscope/internal/database"
	"breachscope/internal/model"
)

// Ingestor turns feed items into accepted articles. Each candidate is checked,
// in order, for a link, an existing article, a tombstone and an exclusion
// term before it is inserted.
type Ingestor struct {
	db        *database.DB
	fetcher   *Fetcher
	filter    *ExclusionFilter
	logger    *log.Logger
	batchSize int
	now       func() time.Time
}

func NewIngestor(db *database.DB, fetcher *Fetcher, filter *ExclusionFilter, logger *log.Logger, batchSize int) *Ingestor {
	if batchSize < 1 {
		batchSize = 5
	}
	return &Ingestor{
		db:        db,
		fetcher:   fetcher,
		filter:    filter,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// InvalidateExclusions makes the next item check reload exclusion terms
func (in *Ingestor) InvalidateExclusions() {
	if in.filter != nil {
		in.filter.Invalidate()
	}
}

// IngestAll polls every active source in concurrent batches. A batch is
// awaited before the next one starts and a failing source never stops its
// siblings.
func (in *Ingestor) IngestAll(ctx context.Context) (*IngestResult, error) {
	sources, err := in.db.GetActiveSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading sources: %w", err)
	}
	in.logger.Printf("Found %d sources to ingest", len(sources))

	total := &IngestResult{}
	var mu sync.Mutex

	for start := 0; start < len(sources); start += in.batchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		end := min(start+in.batchSize, len(sources))

		var g errgroup.Group
		for _, source := range sources[start:end] {
			g.Go(func() error {
				res, err := in.Ingest(ctx, source)
				if err != nil {
					in.logger.Printf("Error ingesting source %s: %v", source.URL, err)
					res = &IngestResult{Failed: 1}
				}
				mu.Lock()
				total.merge(res)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	in.logger.Printf("Ingest completed: %d accepted, %d filtered, %d skipped, %d sources failed",
		total.Accepted, total.Filtered, total.Skipped, total.Failed)
	return total, nil
}

// Ingest fetches one source, records the fetch on the source row and
// processes its items.
func (in *Ingestor) Ingest(ctx context.Context, source model.Source) (*IngestResult, error) {
	fetched, err := in.fetcher.Fetch(ctx, source)
	if err != nil {
		if uerr := in.db.UpdateSourceError(ctx, source.ID, err.Error()); uerr != nil {
			in.logger.Printf("Error recording failure for source %s: %v", source.URL, uerr)
		}
		return nil, err
	}

	if err := in.db.UpdateSourceFetched(ctx, source.ID, in.now(), fetched.LastModified, fetched.ETag, fetched.Title); err != nil {
		in.logger.Printf("Error updating source %s: %v", source.URL, err)
	}
	if fetched.NotModified {
		return &IngestResult{}, nil
	}

	result := in.IngestItems(ctx, fetched.Items)
	if result.Filtered > 0 {
		in.logger.Printf("Filtered %d out of %d items from source %s",
			result.Filtered, len(fetched.Items), source.URL)
	}
	return result, nil
}

// IngestItems applies the acceptance checks to already parsed candidates
func (in *Ingestor) IngestItems(ctx context.Context, items []model.CandidateItem) *IngestResult {
	result := &IngestResult{}
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		article, outcome := in.accept(ctx, item)
		switch outcome {
		case outcomeAccepted:
			result.Accepted++
			result.Articles = append(result.Articles, *article)
		case outcomeFiltered:
			result.Filtered++
		default:
			result.Skipped++
		}
	}
	return result
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeFiltered
	outcomeAccepted
)

func (in *Ingestor) accept(ctx context.Context, item model.CandidateItem) (*model.Article, outcome) {
	link := strings.TrimSpace(item.Link)
	if link == "" {
		in.logger.Printf("Skipping item without link from source %d: %q", item.SourceID, item.Title)
		return nil, outcomeSkipped
	}

	exists, err := in.db.ArticleExists(ctx, link)
	if err != nil {
		in.logger.Printf("Error checking article %s: %v", link, err)
		return nil, outcomeSkipped
	}
	if exists {
		return nil, outcomeSkipped
	}

	tombstoned, err := in.db.IsTombstoned(ctx, link, strings.TrimSpace(item.GUID))
	if err != nil {
		in.logger.Printf("Error checking tombstone for %s: %v", link, err)
		return nil, outcomeSkipped
	}
	if tombstoned {
		return nil, outcomeSkipped
	}

	if in.filter != nil {
		term, excluded, err := in.filter.Check(ctx, item)
		if err != nil {
			// Keep the item when the deny-list cannot be read
			in.logger.Printf("Error applying exclusion terms to %s: %v", link, err)
		} else if excluded {
			in.logger.Printf("Filtered out item %s: matched exclusion term %q", link, term)
			return nil, outcomeFiltered
		}
	}

	article := in.toArticle(item)
	created, err := in.db.InsertArticleIfAbsent(ctx, article)
	if err != nil {
		in.logger.Printf("Error inserting article %s: %v", link, err)
		return nil, outcomeSkipped
	}
	if !created {
		return nil, outcomeSkipped
	}
	return article, outcomeAccepted
}

func (in *Ingestor) toArticle(item model.CandidateItem) *model.Article {
	published := in.now().UTC()
	if item.PublishedAt != nil && !item.PublishedAt.IsZero() {
		published = item.PublishedAt.UTC()
	}

	title := item.Title
	if title == "" {
		title = item.Link
	}

	return &model.Article{
		SourceID:    item.SourceID,
		Link:        strings.TrimSpace(item.Link),
		GUID:        strings.TrimSpace(item.GUID),
		Title:       title,
		Description: item.Description,
		Body:        item.Body,
		PublishedAt: published,
		ImageURL:    ResolveImageURL(item),
		Severity:    model.SeverityMedium,
		AlertType:   model.AlertMention,
		Categories:  item.Categories,
	}
}
