package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"breachscope/internal/classify"
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

const opsFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
	<title>Security Wire</title>
	<link>http://example.com/</link>
	<item>
		<title>Acme Corp confirms data breach</title>
		<link>http://example.com/acme-breach</link>
		<description>Acme Corp said 2 million customers were affected by the intrusion.</description>
	</item>
	<item>
		<title>Password hygiene tips</title>
		<link>http://example.com/password-tips</link>
		<description>Use a password manager.</description>
	</item>
</channel>
</rss>`

type testServer struct {
	db         *database.DB
	broker     *queue.SQLBroker
	httpServer *httptest.Server
	feedURL    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)

	db, err := database.NewDB(":memory:", database.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to initialize in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	broker, err := queue.NewSQLBroker(":memory:")
	if err != nil {
		t.Fatalf("NewSQLBroker failed: %v", err)
	}
	t.Cleanup(func() { broker.Close() })

	feedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		io.WriteString(w, opsFeed)
	}))
	t.Cleanup(feedServer.Close)

	if _, err := db.UpsertSource(ctx, model.Source{URL: feedServer.URL, IsActive: true}); err != nil {
		t.Fatalf("UpsertSource failed: %v", err)
	}
	acmeID, err := db.UpsertEntity(ctx, model.Entity{Type: model.EntityCompany, Name: "Acme Corp", IsActive: true})
	if err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	userID, err := db.UpsertUser(ctx, model.User{Name: "alice", Email: "alice@example.com", DeviceToken: "device-1"})
	if err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	if _, err := db.UpsertSubscription(ctx, model.Subscription{
		UserID: userID, EntityType: model.EntityCompany, EntityID: acmeID,
		Channels: model.Channels{Email: true, Push: true}, IsActive: true,
	}); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	enrichCfg := enrich.DefaultConfig()
	enrichCfg.Enabled = false
	p := pipeline.New(pipeline.Deps{
		DB:         db,
		Ingestor:   feed.NewIngestor(db, feed.NewFetcher(logger, 5*time.Second), feed.NewExclusionFilter(db, time.Minute), logger, 5),
		Enricher:   enrich.New(enrichCfg, logger),
		Registry:   registry.New(db, logger, time.Minute),
		Engine:     match.NewEngine(logger),
		Classifier: classify.New(logger),
		Resolver:   notify.NewResolver(db, logger),
		Dispatcher: notify.NewDispatcher(broker, logger),
		Logger:     logger,
	})
	feedService := feed.NewService(db, logger, p.Cycle, time.Minute)

	srv := NewServer(db, p, feedService, logger, Config{FeedLink: "http://alerts.example.com/"})
	httpServer := httptest.NewServer(srv.Routes())
	t.Cleanup(httpServer.Close)

	return &testServer{db: db, broker: broker, httpServer: httpServer, feedURL: feedServer.URL}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.httpServer.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp, payload
}

func (ts *testServer) articleID(t *testing.T, link string) int64 {
	t.Helper()
	var id int64
	if err := ts.db.QueryRowContext(context.Background(), "SELECT id FROM articles WHERE link = ?", link).Scan(&id); err != nil {
		t.Fatalf("lookup of %s failed: %v", link, err)
	}
	return id
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["queue"] != queue.ModeDurable || body["store"] != "ok" {
		t.Errorf("unexpected health payload: %v", body)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("security headers missing")
	}
}

func TestIngestAndAlertsFeed(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/ingest", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /ingest, got %d", resp.StatusCode)
	}
	if body["accepted"] != float64(2) || body["jobs"] != float64(2) {
		t.Errorf("unexpected cycle result: %v", body)
	}

	rssResp, err := http.Get(ts.httpServer.URL + "/alerts.rss")
	if err != nil {
		t.Fatalf("GET /alerts.rss failed: %v", err)
	}
	defer rssResp.Body.Close()
	if !strings.HasPrefix(rssResp.Header.Get("Content-Type"), "application/rss+xml") {
		t.Errorf("unexpected content type %q", rssResp.Header.Get("Content-Type"))
	}

	doc, err := goquery.NewDocumentFromReader(rssResp.Body)
	if err != nil {
		t.Fatalf("Failed to parse alerts feed: %v", err)
	}
	items := doc.Find("item")
	if items.Length() != 1 {
		t.Fatalf("expected 1 alert item, got %d", items.Length())
	}
	title := items.First().Find("title").Text()
	if !strings.Contains(title, "Acme Corp confirms data breach") {
		t.Errorf("unexpected alert title %q", title)
	}
}

func TestArticleOperations(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/ingest", "")
	id := ts.articleID(t, "http://example.com/acme-breach")
	path := "/articles/" + strconv.FormatInt(id, 10)

	t.Run("reprocess", func(t *testing.T) {
		resp, body := ts.do(t, http.MethodPost, path+"/reprocess", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if body["matches"] != float64(1) {
			t.Errorf("expected 1 match after reprocess, got %v", body["matches"])
		}
	})

	t.Run("redrive", func(t *testing.T) {
		resp, body := ts.do(t, http.MethodPost, path+"/redrive", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if body["jobs"] != float64(2) {
			t.Errorf("expected 2 jobs, got %v", body["jobs"])
		}
		if pending, _ := ts.broker.Pending(context.Background()); pending != 4 {
			t.Errorf("expected 4 pending jobs, got %d", pending)
		}
	})

	t.Run("delete", func(t *testing.T) {
		resp, body := ts.do(t, http.MethodDelete, path+"?reason=retracted", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if body["reason"] != "retracted" || body["link"] != "http://example.com/acme-breach" {
			t.Errorf("unexpected delete payload: %v", body)
		}
		resp, _ = ts.do(t, http.MethodDelete, path, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404 on second delete, got %d", resp.StatusCode)
		}
	})

	t.Run("bad ids", func(t *testing.T) {
		if resp, _ := ts.do(t, http.MethodPost, "/articles/abc/reprocess", ""); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400 for non-numeric id, got %d", resp.StatusCode)
		}
		if resp, _ := ts.do(t, http.MethodPost, "/articles/9999/redrive", ""); resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404 for unknown article, got %d", resp.StatusCode)
		}
	})
}

func TestReloadPicksUpNewEntities(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/ingest", "")
	id := ts.articleID(t, "http://example.com/password-tips")
	path := "/articles/" + strconv.FormatInt(id, 10) + "/reprocess"

	if _, err := ts.db.UpsertEntity(context.Background(), model.Entity{
		Type: model.EntityKeyword, Name: "password manager", IsActive: true,
	}); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}

	// the snapshot cached by the ingest cycle does not know the keyword yet
	_, body := ts.do(t, http.MethodPost, path, "")
	if body["matches"] != float64(0) {
		t.Fatalf("expected no matches from the cached snapshot, got %v", body["matches"])
	}

	resp, body := ts.do(t, http.MethodPost, "/reload", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "reloaded" {
		t.Fatalf("unexpected reload response %d %v", resp.StatusCode, body)
	}

	_, body = ts.do(t, http.MethodPost, path, "")
	if body["matches"] != float64(1) {
		t.Errorf("expected the new keyword to match after reload, got %v", body["matches"])
	}
}

func TestAddSource(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"url":`, http.StatusBadRequest},
		{"missing url", `{"url":""}`, http.StatusBadRequest},
		{"unsupported scheme", `{"url":"ftp://example.com/feed"}`, http.StatusBadRequest},
		{"valid feed", `{"url":"` + ts.feedURL + `/other","tags":["news"]}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/sources", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("expected %d, got %d (%v)", tt.status, resp.StatusCode, body)
			}
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/admin", "")
	if resp.StatusCode != http.StatusNotFound || body["error"] == nil {
		t.Errorf("expected JSON 404, got %d %v", resp.StatusCode, body)
	}
}
