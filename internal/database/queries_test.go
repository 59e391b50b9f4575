package database

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"breachscope/internal/model"
)

// setupTestQueriesDB initializes an in-memory store with schema applied
func setupTestQueriesDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(":memory:", DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create in-memory database via NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertArticle(t *testing.T, db *DB, link string) *model.Article {
	t.Helper()
	a := &model.Article{
		Link:        link,
		GUID:        link + "#guid",
		Title:       "Title for " + link,
		PublishedAt: time.Now().Add(-time.Hour),
		Categories:  []string{"security", "breach"},
	}
	created, err := db.InsertArticleIfAbsent(context.Background(), a)
	if err != nil {
		t.Fatalf("InsertArticleIfAbsent(%s) failed: %v", link, err)
	}
	if !created {
		t.Fatalf("InsertArticleIfAbsent(%s) expected creation", link)
	}
	return a
}

func TestSettings(t *testing.T) {
	db := setupTestQueriesDB(t)
	ctx := context.Background()

	t.Run("existing int setting", func(t *testing.T) {
		v, err := db.GetSettingInt(ctx, "update_interval")
		if err != nil {
			t.Fatalf("GetSettingInt failed: %v", err)
		}
		if v != 900 {
			t.Errorf("Expected 900, got %d", v)
		}
	})

	t.Run("non-existent setting", func(t *testing.T) {
		_, err := db.GetSetting(ctx, "non_existent_key")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("string setting is not an int", func(t *testing.T) {
		if err := db.UpdateSetting(ctx, "label", "hello", "string"); err != nil {
			t.Fatalf("UpdateSetting failed: %v", err)
		}
		if _, err := db.GetSettingInt(ctx, "label"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestInsertArticleIfAbsent(t *testing.T) {
	db := setupTestQueriesDB(t)
	ctx := context.Background()

	first := insertArticle(t, db, "https://example.com/a")
	if first.ID == 0 {
		t.Fatalf("expected article id to be set")
	}

	again := &model.Article{Link: "https://example.com/a", Title: "duplicate"}
	created, err := db.InsertArticleIfAbsent(ctx, again)
	if err != nil {
		t.Fatalf("second insert returned error: %v", err)
	}
	if created {
		t.Errorf("second insert with same link should be skipped")
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM articles WHERE link = ?", "https://example.com/a").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected exactly one article for link, got %d", n)
	}

	got, err := db.GetArticle(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetArticle failed: %v", err)
	}
	if got.Title != first.Title {
		t.Errorf("stored title changed: %q", got.Title)
	}
	if got.Severity != model.SeverityMedium || got.AlertType != model.AlertMention {
		t.Errorf("unexpected defaults: %s / %s", got.Severity, got.AlertType)
	}
	if len(got.Categories) != 2 || got.Categories[1] != "breach" {
		t.Errorf("categories not round-tripped: %v", got.Categories)
	}

	if _, err := db.InsertArticleIfAbsent(ctx, &model.Article{Title: "no link"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty link, got %v", err)
	}
}

func TestSaveAnalysisReplacesMatches(t *testing.T) {
	db := setupTestQueriesDB(t)
	ctx := context.Background()
	a := insertArticle(t, db, "https://example.com/analysis")

	first := []model.Match{
		{EntityType: model.EntityCompany, EntityID: 1, Term: "Acme", Confidence: 0.8, Context: "Acme breach"},
		{EntityType: model.EntityKeyword, EntityID: 2, Term: "ransomware", Confidence: 0.7},
	}
	cls := model.Classification{
		AlertType: model.AlertConfirmedBreach, Severity: model.SeverityHigh, Confidence: 0.8, IncidentType: "ransomware",
	}
	if err := db.SaveAnalysis(ctx, a.ID, cls, first); err != nil {
		t.Fatalf("SaveAnalysis failed: %v", err)
	}

	second := []model.Match{
		{EntityType: model.EntityAgency, EntityID: 3, Term: "CISA", Confidence: 0.9},
	}
	if err := db.SaveAnalysis(ctx, a.ID, cls, second); err != nil {
		t.Fatalf("second SaveAnalysis failed: %v", err)
	}

	matches, err := db.GetMatches(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetMatches failed: %v", err)
	}
	if len(matches) != 1 || matches[0].EntityType != model.EntityAgency {
		t.Fatalf("expected re-matching to replace the prior set, got %+v", matches)
	}

	got, err := db.GetArticle(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetArticle failed: %v", err)
	}
	if got.AlertType != model.AlertConfirmedBreach || got.Severity != model.SeverityHigh {
		t.Errorf("classification not stored: %s / %s", got.AlertType, got.Severity)
	}
	if got.ClassificationConfidence != 0.8 || got.IncidentType != "ransomware" {
		t.Errorf("unexpected confidence/incident type: %v / %s", got.ClassificationConfidence, got.IncidentType)
	}

	if err := db.SaveAnalysis(ctx, 9999, cls, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown article, got %v", err)
	}
}

func TestListUnanalyzed(t *testing.T) {
	db := setupTestQueriesDB(t)
	ctx := context.Background()
	done := insertArticle(t, db, "https://example.com/done")
	waiting := insertArticle(t, db, "https://example.com/waiting")

	pending, err := db.ListUnanalyzed(ctx, 0)
	if err != nil {
		t.Fatalf("ListUnanalyzed failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected both new articles to be unanalyzed, got %d", len(pending))
	}

	cls := model.Classification{AlertType: model.AlertMention, Severity: model.SeverityMedium, Confidence: 0.5}
	if err := db.SaveAnalysis(ctx, done.ID, cls, nil); err != nil {
		t.Fatalf("SaveAnalysis failed: %v", err)
	}

	pending, err = db.ListUnanalyzed(ctx, 0)
	if err != nil {
		t.Fatalf("ListUnanalyzed failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != waiting.ID {
		t.Errorf("expected only %d to be unanalyzed, got %+v", waiting.ID, pending)
	}

	if pending, _ := db.ListUnanalyzed(ctx, 1); len(pending) != 1 {
		t.Errorf("limit not applied, got %d", len(pending))
	}
}

func TestDeleteArticleWritesTombstone(t *testing.T) {
	db := setupTestQueriesDB(t)
	ctx := context.Background()
	a := insertArticle(t, db, "https://example.com/deleted")

	ts, err := db.DeleteArticle(ctx, a.ID, "duplicate coverage")
	if err != nil {
		t.Fatalf("DeleteArticle failed: %v", err)
	}
	if ts.Link != a.Link || ts.GUID != a.GUID {
		t.Errorf("tombstone does not describe the article: %+v", ts)
	}

	if _, err := db.GetArticle(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected article to be gone, got %v", err)
	}

	tests := []struct {
		name string
		link string
		guid string
		want bool
	}{
		{"by link", a.Link, "", true},
		{"by guid", "https://mirror.example.com/other", a.GUID, true},
		{"unrelated", "https://example.com/other", "other-guid", false},
		{"empty guid does not match", "https://example.com/other", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.IsTombstoned(ctx, tt.link, tt.guid)
			if err != nil {
				t.Fatalf("IsTombstoned failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsTombstoned(%q, %q) = %v, want %v", tt.link, tt.guid, got, tt.want)
			}
		})
	}

	if _, err := db.DeleteArticle(ctx, a.ID, "again"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestSourcesLifecycle(t *testing.T) {
	db := setupTestQueriesDB(t)
	ctx := context.Background()

	id, err := db.UpsertSource(ctx, model.Source{URL: "https://feeds.example.com/rss", Tags: []string{"news"}, IsActive: true})
	if err != nil {
		t.Fatalf("UpsertSource failed: %v", err)
	}
	if _, err := db.UpsertSource(ctx, model.Source{URL: "https://feeds.example.com/off", IsActive: false}); err != nil {
		t.Fatalf("UpsertSource failed: %v", err)
	}

	now := time.Now()
	if err := db.UpdateSourceFetched(ctx, id, now, "Mon, 01 Jan 2024 00:00:00 GMT", `"abc"`, "Example Feed"); err != nil {
		t.Fatalf("UpdateSourceFetched failed: %v", err)
	}
	// Empty validators keep the stored ones
	if err := db.UpdateSourceFetched(ctx, id, now, "", "", ""); err != nil {
		t.Fatalf("UpdateSourceFetched failed: %v", err)
	}

	sources, err := db.GetActiveSources(ctx)
	if err != nil {
		t.Fatalf("GetActiveSources failed: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected one active source, got %d", len(sources))
	}
	s := sources[0]
	if s.ETag != `"abc"` || s.LastModified == "" || s.Title != "Example Feed" {
		t.Errorf("validators or title not kept: %+v", s)
	}
	if len(s.Tags) != 1 || s.Tags[0] != "news" {
		t.Errorf("tags not round-tripped: %v", s.Tags)
	}

	if err := db.UpdateSourceError(ctx, id, "unexpected response status 500"); err != nil {
		t.Fatalf("UpdateSourceError failed: %v", err)
	}
	sources, _ = db.GetActiveSources(ctx)
	if sources[0].Status != "error" || sources[0].ErrorCount != 1 {
		t.Errorf("error state not recorded: %+v", sources[0])
	}
}

func TestSubscriptionsForEntities(t *testing.T) {
	db := setupTestQueriesDB(t)
	ctx := context.Background()

	acme, err := db.UpsertEntity(ctx, model.Entity{Type: model.EntityCompany, Name: "Acme Corp", Aliases: []string{"Acme"}, IsActive: true})
	if err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	cisa, err := db.UpsertEntity(ctx, model.Entity{Type: model.EntityAgency, Name: "Cybersecurity and Infrastructure Security Agency", Acronym: "CISA", IsActive: true})
	if err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}

	alice, _ := db.UpsertUser(ctx, model.User{Name: "alice", Email: "alice@example.com", Phone: "+15550100"})
	bob, _ := db.UpsertUser(ctx, model.User{Name: "bob", Email: "bob@example.com"})

	subs := []model.Subscription{
		{UserID: alice, EntityType: model.EntityCompany, EntityID: acme, Channels: model.Channels{Email: true, SMS: true}, IsActive: true,
			AlertTypes: []model.AlertType{model.AlertConfirmedBreach}, SeverityFloor: model.SeverityHigh},
		{UserID: bob, EntityType: model.EntityAgency, EntityID: cisa, Channels: model.Channels{Email: true}, IsActive: true},
		{UserID: bob, EntityType: model.EntityCompany, EntityID: acme, Channels: model.Channels{Email: true}, IsActive: false},
	}
	for _, s := range subs {
		if _, err := db.UpsertSubscription(ctx, s); err != nil {
			t.Fatalf("UpsertSubscription failed: %v", err)
		}
	}

	// Updating the same (user, type, entity) must not create a second row
	subs[0].Channels.Push = true
	if _, err := db.UpsertSubscription(ctx, subs[0]); err != nil {
		t.Fatalf("UpsertSubscription update failed: %v", err)
	}
	var n int
	db.QueryRow("SELECT COUNT(*) FROM subscriptions").Scan(&n)
	if n != 3 {
		t.Errorf("expected 3 subscription rows, got %d", n)
	}

	got, err := db.GetActiveSubscriptionsFor(ctx, []model.EntityKey{{Type: model.EntityCompany, ID: acme}})
	if err != nil {
		t.Fatalf("GetActiveSubscriptionsFor failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only alice's active subscription, got %d", len(got))
	}
	s := got[0]
	if s.User.Email != "alice@example.com" || s.User.Phone != "+15550100" {
		t.Errorf("user addresses not joined: %+v", s.User)
	}
	if !s.Channels.Push || !s.Channels.SMS {
		t.Errorf("channels not updated: %+v", s.Channels)
	}
	if s.SeverityFloor != model.SeverityHigh || len(s.AlertTypes) != 1 || s.AlertTypes[0] != model.AlertConfirmedBreach {
		t.Errorf("filters not round-tripped: %+v", s)
	}

	got, err = db.GetActiveSubscriptionsFor(ctx, []model.EntityKey{
		{Type: model.EntityCompany, ID: acme},
		{Type: model.EntityAgency, ID: cisa},
	})
	if err != nil {
		t.Fatalf("GetActiveSubscriptionsFor failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 subscriptions across both entities, got %d", len(got))
	}

	// Type and id must match together
	got, _ = db.GetActiveSubscriptionsFor(ctx, []model.EntityKey{{Type: model.EntityKeyword, ID: acme}})
	if len(got) != 0 {
		t.Errorf("expected no subscriptions for mismatched type, got %d", len(got))
	}
}

func TestSubscriptionAlertTypeFilterFailsClosed(t *testing.T) {
	db := setupTestQueriesDB(t)
	ctx := context.Background()

	acme, err := db.UpsertEntity(ctx, model.Entity{Type: model.EntityCompany, Name: "Acme Corp", IsActive: true})
	if err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	alice, _ := db.UpsertUser(ctx, model.User{Name: "alice", Email: "alice@example.com"})

	sub := model.Subscription{UserID: alice, EntityType: model.EntityCompany, EntityID: acme, Channels: model.Channels{Email: true}, IsActive: true,
		AlertTypes: []model.AlertType{"CONFIRMED_BRAECH"}}
	if _, err := db.UpsertSubscription(ctx, sub); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown alert type, got %v", err)
	}

	sub.AlertTypes = []model.AlertType{model.AlertConfirmedBreach}
	id, err := db.UpsertSubscription(ctx, sub)
	if err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}
	// a value written by hand or by an older release
	if _, err := db.ExecContext(ctx, "UPDATE subscriptions SET alert_types = 'BREACH_ONLY' WHERE id = ?", id); err != nil {
		t.Fatalf("corrupting alert_types: %v", err)
	}

	got, err := db.GetActiveSubscriptionsFor(ctx, []model.EntityKey{{Type: model.EntityCompany, ID: acme}})
	if err != nil {
		t.Fatalf("GetActiveSubscriptionsFor failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(got))
	}
	if len(got[0].UnknownAlertTypes) != 1 || got[0].UnknownAlertTypes[0] != "BREACH_ONLY" {
		t.Errorf("unknown entries not reported: %+v", got[0])
	}
	for _, a := range model.AllAlertTypes {
		if got[0].AdmitsAlertType(a) {
			t.Errorf("unreadable filter must admit nothing, admitted %s", a)
		}
	}
}

func TestNotificationRecords(t *testing.T) {
	db := setupTestQueriesDB(t)
	ctx := context.Background()

	records := []model.NotificationRecord{
		{JobID: "j1", UserID: 1, ArticleID: 7, Channel: model.ChannelEmail, Status: model.StatusSent},
		{JobID: "j2", UserID: 1, ArticleID: 7, Channel: model.ChannelSMS, Status: model.StatusFailed, Error: "provider returned 503"},
	}
	for _, r := range records {
		if _, err := db.AppendNotificationRecord(ctx, r); err != nil {
			t.Fatalf("AppendNotificationRecord failed: %v", err)
		}
	}

	got, err := db.GetNotificationRecords(ctx, 7)
	if err != nil {
		t.Fatalf("GetNotificationRecords failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[1].Status != model.StatusFailed || got[1].Error != "provider returned 503" {
		t.Errorf("failed record not stored: %+v", got[1])
	}
	if got[0].SentAt.IsZero() {
		t.Errorf("sent_at should default to now")
	}
}

func TestListAlerts(t *testing.T) {
	db := setupTestQueriesDB(t)
	ctx := context.Background()

	breach := insertArticle(t, db, "https://example.com/breach")
	insertArticle(t, db, "https://example.com/mention")
	cls := model.Classification{AlertType: model.AlertConfirmedBreach, Severity: model.SeverityCritical, Confidence: 0.9}
	if err := db.SaveAnalysis(ctx, breach.ID, cls, nil); err != nil {
		t.Fatalf("SaveAnalysis failed: %v", err)
	}

	alerts, err := db.ListAlerts(ctx, []model.AlertType{model.AlertConfirmedBreach, model.AlertIncident}, 10)
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != breach.ID {
		t.Errorf("expected only the breach article, got %+v", alerts)
	}
}
