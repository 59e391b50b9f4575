package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"breachscope/internal/model"
)

// UpsertSource inserts a source or refreshes the title/tags of an existing
// one with the same URL and returns its id.
func (db *DB) UpsertSource(ctx context.Context, s model.Source) (int64, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sources (url, title, tags, is_active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			title = COALESCE(NULLIF(excluded.title, ''), title),
			tags = excluded.tags,
			is_active = excluded.is_active`,
		s.URL, s.Title, encodeList(s.Tags), s.IsActive,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert source: %w", err)
	}

	var id int64
	if err := db.QueryRowContext(ctx, "SELECT id FROM sources WHERE url = ?", s.URL).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetActiveSources retrieves all sources that should be polled
func (db *DB) GetActiveSources(ctx context.Context) ([]model.Source, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, url, title, tags, is_active, status, error_count, last_error,
		       last_fetched, last_modified, etag
		FROM sources
		WHERE is_active = 1
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		var s model.Source
		var title, tags, status, lastError, lastModified, etag sql.NullString
		var lastFetched sql.NullTime
		var errorCount sql.NullInt64
		err := rows.Scan(
			&s.ID, &s.URL, &title, &tags, &s.IsActive, &status, &errorCount, &lastError,
			&lastFetched, &lastModified, &etag,
		)
		if err != nil {
			return nil, err
		}
		s.Title = title.String
		s.Tags = decodeList(tags)
		s.Status = status.String
		s.ErrorCount = int(errorCount.Int64)
		s.LastError = lastError.String
		s.LastFetched = lastFetched.Time
		s.LastModified = lastModified.String
		s.ETag = etag.String
		sources = append(sources, s)
	}

	return sources, rows.Err()
}

// UpdateSourceFetched records a successful fetch along with the validators
// needed for the next conditional GET. Empty values keep the stored ones.
func (db *DB) UpdateSourceFetched(ctx context.Context, id int64, fetchedAt time.Time, lastModified, etag, title string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE sources SET
			last_fetched = ?,
			last_modified = COALESCE(NULLIF(?, ''), last_modified),
			etag = COALESCE(NULLIF(?, ''), etag),
			title = COALESCE(NULLIF(title, ''), NULLIF(?, ''), title),
			status = 'active',
			error_count = 0,
			last_error = NULL
		WHERE id = ?`,
		fetchedAt.UTC(), lastModified, etag, title, id,
	)
	return err
}

// UpdateSourceError records a failed fetch
func (db *DB) UpdateSourceError(ctx context.Context, id int64, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := db.ExecContext(ctx, `
		UPDATE sources SET
			status = 'error',
			error_count = error_count + 1,
			last_error = ?
		WHERE id = ?`,
		errMsg, id,
	)
	return err
}
