package queue

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"breachscope/internal/model"
)

func newTestBroker(t *testing.T) *SQLBroker {
	t.Helper()
	b, err := NewSQLBroker(":memory:")
	if err != nil {
		t.Fatalf("NewSQLBroker failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestClaimOrdersByPriority(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	now := time.Now()
	b.now = func() time.Time { return now }

	jobs := []model.NotificationJob{
		{ID: "mention", UserID: 1, ArticleID: 1, Channel: model.ChannelEmail, Address: "a@example.com", Priority: 1},
		{ID: "breach", UserID: 1, ArticleID: 2, Channel: model.ChannelEmail, Address: "a@example.com", Priority: 10},
		{ID: "incident", UserID: 1, ArticleID: 3, Channel: model.ChannelEmail, Address: "a@example.com", Priority: 5},
		{ID: "sms", UserID: 1, ArticleID: 2, Channel: model.ChannelSMS, Address: "+15550100", Priority: 10},
	}
	for _, j := range jobs {
		if err := b.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", j.ID, err)
		}
	}

	want := []string{"breach", "incident", "mention"}
	for _, id := range want {
		job, err := b.Claim(ctx, model.ChannelEmail)
		if err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if job == nil {
			t.Fatalf("expected job %s, got none", id)
		}
		if job.ID != id {
			t.Errorf("expected job %s, got %s", id, job.ID)
		}
		if job.Channel != model.ChannelEmail {
			t.Errorf("claimed job from wrong channel: %s", job.Channel)
		}
	}

	job, err := b.Claim(ctx, model.ChannelEmail)
	if err != nil || job != nil {
		t.Errorf("expected empty email queue, got %+v, %v", job, err)
	}

	n, _ := b.Pending(ctx)
	if n != 1 {
		t.Errorf("expected the sms job to remain pending, got %d", n)
	}
}

func TestClaimRespectsDelay(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	now := time.Now()
	b.now = func() time.Time { return now }

	err := b.Enqueue(ctx, model.NotificationJob{
		ID: "later", UserID: 1, ArticleID: 1, Channel: model.ChannelPush, Address: "token", Priority: 1, Delay: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if job, _ := b.Claim(ctx, model.ChannelPush); job != nil {
		t.Fatalf("delayed job claimed early")
	}

	b.now = func() time.Time { return now.Add(3 * time.Second) }
	job, err := b.Claim(ctx, model.ChannelPush)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if job == nil || job.ID != "later" {
		t.Fatalf("expected delayed job once due, got %+v", job)
	}

	if err := b.Complete(ctx, job.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
}

func TestEnqueueRequiresID(t *testing.T) {
	b := newTestBroker(t)
	if err := b.Enqueue(context.Background(), model.NotificationJob{Channel: model.ChannelEmail}); err == nil {
		t.Errorf("expected error for job without id")
	}
}

func TestConnectFallsBackToNoop(t *testing.T) {
	logger := log.New(io.Discard, "", 0)

	bad := filepath.Join(t.TempDir(), "missing", "queue.db")
	b := Connect(bad, logger)
	defer b.Close()
	if b.Mode() != ModeNoop {
		t.Fatalf("expected noop broker for unreachable path, got %s", b.Mode())
	}

	ctx := context.Background()
	if err := b.Enqueue(ctx, model.NotificationJob{ID: "x", Channel: model.ChannelEmail}); err != nil {
		t.Errorf("noop Enqueue returned error: %v", err)
	}
	if job, err := b.Claim(ctx, model.ChannelEmail); job != nil || err != nil {
		t.Errorf("noop Claim should be empty, got %+v, %v", job, err)
	}

	good := Connect(filepath.Join(t.TempDir(), "queue.db"), logger)
	defer good.Close()
	if good.Mode() != ModeDurable {
		t.Errorf("expected durable broker, got %s", good.Mode())
	}
}

func TestReclaimStale(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	now := time.Now()
	b.now = func() time.Time { return now }

	for _, id := range []string{"stuck", "fresh"} {
		if err := b.Enqueue(ctx, model.NotificationJob{ID: id, UserID: 1, ArticleID: 1, Channel: model.ChannelEmail, Address: "a@example.com"}); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}
	if job, err := b.Claim(ctx, model.ChannelEmail); err != nil || job == nil {
		t.Fatalf("first Claim: %+v, %v", job, err)
	}
	now = now.Add(10 * time.Minute)
	if job, err := b.Claim(ctx, model.ChannelEmail); err != nil || job == nil {
		t.Fatalf("second Claim: %+v, %v", job, err)
	}

	n, err := b.ReclaimStale(ctx, ClaimTimeout)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected only the old claim to be reset, got %d", n)
	}
	if pending, _ := b.Pending(ctx); pending != 1 {
		t.Errorf("expected 1 pending job, got %d", pending)
	}

	job, err := b.Claim(ctx, model.ChannelEmail)
	if err != nil || job == nil {
		t.Fatalf("reclaimed job not claimable: %+v, %v", job, err)
	}
}

func TestNewSQLBrokerReclaimsAbandonedJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	b, err := NewSQLBroker(path)
	if err != nil {
		t.Fatalf("NewSQLBroker failed: %v", err)
	}
	b.now = func() time.Time { return time.Now().Add(-time.Hour) }
	if err := b.Enqueue(ctx, model.NotificationJob{ID: "abandoned", UserID: 1, ArticleID: 1, Channel: model.ChannelSMS, Address: "+15550100"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job, err := b.Claim(ctx, model.ChannelSMS); err != nil || job == nil {
		t.Fatalf("Claim: %+v, %v", job, err)
	}
	// the worker holding the claim never completes it
	b.Close()

	reopened, err := NewSQLBroker(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	job, err := reopened.Claim(ctx, model.ChannelSMS)
	if err != nil {
		t.Fatalf("Claim after reopen failed: %v", err)
	}
	if job == nil || job.ID != "abandoned" {
		t.Errorf("expected abandoned job to be claimable again, got %+v", job)
	}
}
