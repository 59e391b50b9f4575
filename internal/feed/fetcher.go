package feed

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"

	"breachscope/internal/model"
	securitynet "breachscope/internal/security/netutil"
)

const maxFeedBytes = 5 << 20

// Fetcher downloads and parses feed documents
type Fetcher struct {
	logger    *log.Logger
	parser    *gofeed.Parser
	client    *http.Client
	userAgent string
}

func NewFetcher(logger *log.Logger, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		logger:    logger,
		parser:    gofeed.NewParser(),
		client:    securitynet.NewClient(timeout),
		userAgent: "breachscope/1.0 (+feed ingest)",
	}
}

// Fetch performs a conditional GET against the source using its stored
// validators. A 304 yields a result with NotModified set and no items.
func (f *Fetcher) Fetch(ctx context.Context, source model.Source) (*FetchResult, error) {
	if _, err := securitynet.CheckURL(source.URL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if lm := strings.TrimSpace(source.LastModified); lm != "" {
		req.Header.Set("If-Modified-Since", lm)
	}
	if et := strings.TrimSpace(source.ETag); et != "" {
		req.Header.Set("If-None-Match", et)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching feed: %w", err)
	}
	defer resp.Body.Close()

	result := &FetchResult{
		Source:       source,
		LastModified: resp.Header.Get("Last-Modified"),
		ETag:         resp.Header.Get("ETag"),
	}

	if resp.StatusCode == http.StatusNotModified {
		f.logger.Printf("Feed %s not modified since last fetch", source.URL)
		result.NotModified = true
		if result.LastModified == "" {
			result.LastModified = source.LastModified
		}
		if result.ETag == "" {
			result.ETag = source.ETag
		}
		return result, nil
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("unexpected response status %d", resp.StatusCode)
	}

	parsed, err := f.parser.Parse(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("error parsing feed: %w", err)
	}
	if parsed == nil {
		return nil, fmt.Errorf("error parsing feed: empty document")
	}

	result.Title = strings.TrimSpace(parsed.Title)
	result.Items = make([]model.CandidateItem, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		result.Items = append(result.Items, toCandidate(source.ID, item))
	}
	return result, nil
}

// toCandidate normalizes a parsed feed item
func toCandidate(sourceID int64, item *gofeed.Item) model.CandidateItem {
	c := model.CandidateItem{
		SourceID:     sourceID,
		Title:        strings.TrimSpace(item.Title),
		Link:         strings.TrimSpace(item.Link),
		GUID:         strings.TrimSpace(item.GUID),
		Published:    item.Published,
		Description:  item.Description,
		Body:         item.Content,
		EnclosureURL: enclosureImage(item),
		ImageURL:     inlineImage(item),
	}
	if c.Published == "" {
		c.Published = item.Updated
	}

	for _, cat := range item.Categories {
		if cat = strings.TrimSpace(cat); cat != "" {
			c.Categories = append(c.Categories, cat)
		}
	}

	switch {
	case item.PublishedParsed != nil:
		t := *item.PublishedParsed
		c.PublishedAt = &t
	case item.UpdatedParsed != nil:
		t := *item.UpdatedParsed
		c.PublishedAt = &t
	case strings.TrimSpace(c.Published) != "":
		// gofeed gives up on some vendor formats that dateparse still reads
		if t, err := dateparse.ParseAny(strings.TrimSpace(c.Published)); err == nil {
			c.PublishedAt = &t
		}
	}
	return c
}
