package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	securitynet "breachscope/internal/security/netutil"
)

var (
	ErrInvalidURL = errors.New("invalid feed URL")
	ErrTimeout    = errors.New("feed fetch timeout")
	ErrNotAFeed   = errors.New("URL does not point to a valid feed")
)

// ValidationResult summarizes a feed before it is added as a source
type ValidationResult struct {
	Title           string
	Description     string
	ItemCount       int
	FeedType        string
	SampleItemTitle string
	SampleItemURL   string
}

// ValidateSourceURL fetches feedURL through the SSRF-guarded client and
// checks that it parses as RSS, Atom or JSON Feed.
func ValidateSourceURL(ctx context.Context, feedURL string) (*ValidationResult, error) {
	if _, err := securitynet.CheckURL(feedURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	resp, err := securitynet.NewClient(10 * time.Second).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("could not reach URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("could not reach URL: status %d", resp.StatusCode)
	}

	parsed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil || parsed == nil {
		return nil, ErrNotAFeed
	}

	result := &ValidationResult{
		Title:       parsed.Title,
		Description: parsed.Description,
		ItemCount:   len(parsed.Items),
		FeedType:    parsed.FeedType,
	}
	if len(parsed.Items) > 0 && parsed.Items[0] != nil {
		result.SampleItemTitle = parsed.Items[0].Title
		result.SampleItemURL = parsed.Items[0].Link
	}
	return result, nil
}
