// Package enrich fetches full article text from the publisher's page.
package enrich

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/time/rate"

	"breachscope/internal/model"
	securitynet "breachscope/internal/security/netutil"
)

const maxPageBytes = 5 << 20

// ErrBlocked is returned for domains on the denylist
var ErrBlocked = errors.New("domain is on the enrichment denylist")

// Reason classifies why a page could not be enriched
type Reason string

const (
	ReasonTimeout           Reason = "timeout"
	ReasonForbidden         Reason = "forbidden"
	ReasonConnectionRefused Reason = "connection_refused"
	ReasonHTTPStatus        Reason = "http_status"
	ReasonRobotsDisallowed  Reason = "robots_disallowed"
	ReasonBlockedDomain     Reason = "blocked_domain"
	ReasonExtractionFailed  Reason = "extraction_failed"
	ReasonFetchFailed       Reason = "fetch_failed"
)

// FetchError carries the classified reason of a failed enrichment
type FetchError struct {
	URL    string
	Reason Reason
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.URL, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Config controls fetching and extraction
type Config struct {
	Enabled        bool
	Interval       time.Duration // minimum spacing between page fetches
	Timeout        time.Duration
	MinLength      int // extracted text shorter than this many characters is rejected
	BlockedDomains []string
	UserAgent      string
	RespectRobots  bool
}

func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Interval:      time.Second,
		Timeout:       15 * time.Second,
		MinLength:     500,
		UserAgent:     "breachscope/1.0 (+enrichment)",
		RespectRobots: true,
	}
}

// Body is the extracted full text of an article page
type Body struct {
	Text   string
	Title  string
	Method string // readability, container or paragraphs
}

// Enricher fetches article pages one at a time, spaced by the configured
// interval across the whole process.
type Enricher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	robots  *RobotsChecker
	logger  *log.Logger
}

func New(cfg Config, logger *log.Logger) *Enricher {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	client := securitynet.NewClient(cfg.Timeout)
	e := &Enricher{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		logger:  logger,
	}
	if cfg.RespectRobots {
		e.robots = NewRobotsChecker(client, cfg.UserAgent, time.Hour)
	}
	return e
}

// Enrich returns the page's full text, or nil when the feed text should be
// used instead. Failures are logged with their reason and never returned.
func (e *Enricher) Enrich(ctx context.Context, article model.Article) *Body {
	if !e.cfg.Enabled || article.Link == "" {
		return nil
	}

	body, err := e.fetchAndExtract(ctx, article.Link)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			e.logger.Printf("Enrichment skipped for %s: reason=%s: %v", article.Link, fe.Reason, fe.Err)
		} else {
			e.logger.Printf("Enrichment skipped for %s: %v", article.Link, err)
		}
		return nil
	}
	return body
}

func (e *Enricher) fetchAndExtract(ctx context.Context, rawURL string) (*Body, error) {
	u, err := securitynet.CheckURL(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Reason: ReasonBlockedDomain, Err: err}
	}
	if e.isBlocked(u.Hostname()) {
		return nil, &FetchError{URL: rawURL, Reason: ReasonBlockedDomain, Err: ErrBlocked}
	}

	// The robots.txt lookup is a request too, so it waits its turn
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{URL: rawURL, Reason: ReasonTimeout, Err: err}
	}
	if e.robots != nil && !e.robots.Allowed(ctx, u) {
		return nil, &FetchError{URL: rawURL, Reason: ReasonRobotsDisallowed, Err: errors.New("disallowed by robots.txt")}
	}

	page, finalURL, err := e.fetch(ctx, u)
	if err != nil {
		return nil, err
	}

	body, err := Extract(page, finalURL, e.cfg.MinLength)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Reason: ReasonExtractionFailed, Err: err}
	}
	return body, nil
}

func (e *Enricher) fetch(ctx context.Context, u *url.URL) ([]byte, *url.URL, error) {
	rawURL := u.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, &FetchError{URL: rawURL, Reason: ReasonFetchFailed, Err: err}
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, nil, &FetchError{URL: rawURL, Reason: classifyTransportError(err), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, nil, &FetchError{URL: rawURL, Reason: ReasonForbidden, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, nil, &FetchError{URL: rawURL, Reason: ReasonHTTPStatus, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if ct != "" && !strings.Contains(ct, "html") {
		return nil, nil, &FetchError{URL: rawURL, Reason: ReasonExtractionFailed, Err: fmt.Errorf("unsupported content type %q", ct)}
	}

	page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, nil, &FetchError{URL: rawURL, Reason: classifyTransportError(err), Err: err}
	}
	return page, resp.Request.URL, nil
}

func (e *Enricher) isBlocked(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range e.cfg.BlockedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func classifyTransportError(err error) Reason {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonConnectionRefused
	case errors.Is(err, securitynet.ErrPrivateDestination):
		return ReasonBlockedDomain
	}
	return ReasonFetchFailed
}

// containerSelectors are tried in order by the structural fallback
var containerSelectors = []string{
	"article",
	"[itemprop=articleBody]",
	".article-content",
	".article-body",
	".post-content",
	".entry-content",
	"main",
	"#content",
}

// Extract runs readability first and falls back to known content containers
// and then to paragraph aggregation when the result is shorter than minLength.
func Extract(page []byte, pageURL *url.URL, minLength int) (*Body, error) {
	var title string
	if article, err := readability.FromReader(bytes.NewReader(page), pageURL); err == nil {
		title = strings.TrimSpace(article.Title)
		if text := collapse(article.TextContent); utf8.RuneCountInString(text) >= minLength {
			return &Body{Text: text, Title: title, Method: "readability"}, nil
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, nav, header, footer, aside, form").Remove()
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	for _, sel := range containerSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if text := blockText(node); utf8.RuneCountInString(text) >= minLength {
			return &Body{Text: text, Title: title, Method: "container"}, nil
		}
	}

	var paragraphs []string
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		if p := collapse(s.Text()); p != "" {
			paragraphs = append(paragraphs, p)
		}
	})
	if text := strings.Join(paragraphs, "\n\n"); utf8.RuneCountInString(text) >= minLength {
		return &Body{Text: text, Title: title, Method: "paragraphs"}, nil
	}

	return nil, fmt.Errorf("no extraction reached %d characters", minLength)
}

// blockText prefers the container's paragraphs and falls back to its full text
func blockText(s *goquery.Selection) string {
	var paragraphs []string
	s.Find("p").Each(func(_ int, p *goquery.Selection) {
		if t := collapse(p.Text()); t != "" {
			paragraphs = append(paragraphs, t)
		}
	})
	if len(paragraphs) > 0 {
		return strings.Join(paragraphs, "\n\n")
	}
	return collapse(s.Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
