// Package queue holds the job broker the notification workers consume from.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"breachscope/internal/database"
	"breachscope/internal/model"
)

// Broker modes reported on the health endpoint
const (
	ModeDurable = "durable"
	ModeNoop    = "noop"
)

// Broker is the narrow queue contract the dispatcher and workers share.
// Claim returns (nil, nil) when no job of that channel is due.
type Broker interface {
	Enqueue(ctx context.Context, job model.NotificationJob) error
	Claim(ctx context.Context, channel model.Channel) (*model.NotificationJob, error)
	Complete(ctx context.Context, jobID string) error
	Mode() string
	Close() error
}

const jobSchema = `
CREATE TABLE IF NOT EXISTS notification_jobs (
    id TEXT PRIMARY KEY,
    user_id INTEGER NOT NULL,
    article_id INTEGER NOT NULL,
    channel TEXT NOT NULL,
    address TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    available_at INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    claimed_at INTEGER,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON notification_jobs(channel, status, priority DESC, available_at);`

// ClaimTimeout is how long a job may stay claimed before NewSQLBroker hands
// it back to the pending pool. A claim that old belongs to a worker that
// exited without completing it.
const ClaimTimeout = 5 * time.Minute

// SQLBroker is a durable job table in its own SQLite database
type SQLBroker struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLBroker opens (creating if needed) the job database at path
func NewSQLBroker(path string) (*SQLBroker, error) {
	db, err := database.Open(path, database.Config{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(jobSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating job schema: %w", err)
	}
	b := &SQLBroker{db: db, now: time.Now}
	if _, err := b.ReclaimStale(context.Background(), ClaimTimeout); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLBroker) Mode() string { return ModeDurable }

func (b *SQLBroker) Close() error { return b.db.Close() }

// Enqueue stores a job that becomes claimable once its delay has elapsed
func (b *SQLBroker) Enqueue(ctx context.Context, job model.NotificationJob) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	availableAt := job.AvailableAt
	if availableAt.IsZero() {
		availableAt = b.now().Add(job.Delay)
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO notification_jobs (id, user_id, article_id, channel, address, priority, available_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.ArticleID, string(job.Channel), job.Address, job.Priority,
		availableAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Claim takes the highest priority due job of channel, oldest first. The
// select and the status flip run as one statement so concurrent workers never
// receive the same job.
func (b *SQLBroker) Claim(ctx context.Context, channel model.Channel) (*model.NotificationJob, error) {
	var job model.NotificationJob
	var ch string
	var availableAt int64
	err := b.db.QueryRowContext(ctx, `
		UPDATE notification_jobs SET status = 'claimed', claimed_at = ?
		WHERE id = (
			SELECT id FROM notification_jobs
			WHERE channel = ? AND status = 'pending' AND available_at <= ?
			ORDER BY priority DESC, available_at, created_at
			LIMIT 1
		)
		RETURNING id, user_id, article_id, channel, address, priority, available_at`,
		b.now().UnixNano(), string(channel), b.now().UnixNano(),
	).Scan(&job.ID, &job.UserID, &job.ArticleID, &ch, &job.Address, &job.Priority, &availableAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s job: %w", channel, err)
	}

	job.Channel = model.Channel(ch)
	job.AvailableAt = time.Unix(0, availableAt)
	return &job, nil
}

// Complete removes a processed job
func (b *SQLBroker) Complete(ctx context.Context, jobID string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM notification_jobs WHERE id = ?", jobID)
	return err
}

// ReclaimStale returns jobs claimed more than olderThan ago to the pending
// pool and reports how many were reset. Claims without a numeric timestamp
// predate claim tracking and are always reset.
func (b *SQLBroker) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE notification_jobs SET status = 'pending', claimed_at = NULL
		WHERE status = 'claimed'
		  AND (claimed_at IS NULL OR typeof(claimed_at) != 'integer' OR claimed_at <= ?)`,
		b.now().Add(-olderThan).UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return int(n), nil
}

// Pending counts jobs not yet claimed, used by tests and the health check
func (b *SQLBroker) Pending(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notification_jobs WHERE status = 'pending'").Scan(&n)
	return n, err
}

// NoopBroker accepts jobs without delivering them. The dispatcher falls back
// to it when the durable broker is unreachable so ingestion keeps running.
type NoopBroker struct {
	logger *log.Logger
}

func NewNoopBroker(logger *log.Logger) *NoopBroker {
	return &NoopBroker{logger: logger}
}

func (b *NoopBroker) Enqueue(_ context.Context, job model.NotificationJob) error {
	b.logger.Printf("Queue unavailable, dropping %s notification for user %d (article %d, priority %d)",
		job.Channel, job.UserID, job.ArticleID, job.Priority)
	return nil
}

func (b *NoopBroker) Claim(context.Context, model.Channel) (*model.NotificationJob, error) {
	return nil, nil
}

func (b *NoopBroker) Complete(context.Context, string) error { return nil }

func (b *NoopBroker) Mode() string { return ModeNoop }

func (b *NoopBroker) Close() error { return nil }

// Connect opens the durable broker at path, degrading to a NoopBroker when it
// cannot be opened.
func Connect(path string, logger *log.Logger) Broker {
	b, err := NewSQLBroker(path)
	if err != nil {
		logger.Printf("Job queue at %s unavailable, notifications will only be logged: %v", path, err)
		return NewNoopBroker(logger)
	}
	return b
}
