package enrich

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// RobotsChecker answers robots.txt questions with a per-host cache
type RobotsChecker struct {
	client    *http.Client
	userAgent string
	cache     *cache.Cache
	inflight  singleflight.Group
}

func NewRobotsChecker(client *http.Client, userAgent string, ttl time.Duration) *RobotsChecker {
	return &RobotsChecker{
		client:    client,
		userAgent: userAgent,
		cache:     cache.New(ttl, 2*ttl),
	}
}

// Allowed reports whether u may be fetched. A robots.txt that cannot be
// fetched or parsed allows everything.
func (r *RobotsChecker) Allowed(ctx context.Context, u *url.URL) bool {
	data := r.robotsFor(ctx, u)
	if data == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, r.userAgent)
}

func (r *RobotsChecker) robotsFor(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	key := u.Scheme + "://" + u.Host
	if cached, ok := r.cache.Get(key); ok {
		data, _ := cached.(*robotstxt.RobotsData)
		return data
	}

	// Concurrent workers asking about the same host share one request
	v, _, _ := r.inflight.Do(key, func() (any, error) {
		if cached, ok := r.cache.Get(key); ok {
			return cached, nil
		}
		data := r.fetch(ctx, key+"/robots.txt")
		// Failed lookups are cached as nil so a dead host is not asked every time
		r.cache.SetDefault(key, data)
		return data, nil
	})
	data, _ := v.(*robotstxt.RobotsData)
	return data
}

func (r *RobotsChecker) fetch(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}
	return data
}
